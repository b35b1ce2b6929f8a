package process

import "slices"

// BotConfig holds configuration for pipecat bot workers.
type BotConfig struct {
	// Command is the interpreter or binary, e.g. "python3".
	Command string

	// Args are passed before the room flag, e.g. ["bot.py"].
	Args []string

	// Dir is the working directory holding the bot script.
	Dir string

	// Env holds extra KEY=VALUE entries for every bot.
	Env []string

	// RoomFlag is the flag that hands the room URL to the bot.
	// Empty disables the flag; the room still travels in RoomEnv.
	RoomFlag string

	// RoomEnv is the environment variable carrying the room URL.
	RoomEnv string
}

// DefaultBotConfig returns a BotConfig that runs "python3 bot.py".
func DefaultBotConfig() *BotConfig {
	return &BotConfig{
		Command:  "python3",
		Args:     []string{"bot.py"},
		RoomFlag: "-u",
		RoomEnv:  "BOT_ROOM_URL",
	}
}

// BotRunner implements Runner for pipecat bots.
type BotRunner struct {
	config *BotConfig
}

// NewBotRunner creates a new bot runner with the given configuration.
func NewBotRunner(cfg *BotConfig) *BotRunner {
	return &BotRunner{
		config: cfg,
	}
}

// LaunchSpec returns the spec for one bot. The base configuration is never
// shared with the result, so callers may modify it freely.
func (r *BotRunner) LaunchSpec(room string) LaunchSpec {
	args := slices.Clone(r.config.Args)
	env := slices.Clone(r.config.Env)

	if room != "" {
		if r.config.RoomFlag != "" {
			args = append(args, r.config.RoomFlag, room)
		}
		if r.config.RoomEnv != "" {
			env = append(env, r.config.RoomEnv+"="+room)
		}
	}

	return LaunchSpec{
		Path: r.config.Command,
		Args: args,
		Dir:  r.config.Dir,
		Env:  env,
	}
}

// CommandString returns the command that would be executed (for debugging).
func (r *BotRunner) CommandString(room string) string {
	return r.LaunchSpec(room).String()
}
