// Package config provides configuration management for go-bot-launcher.
package config

import "time"

// Config holds all configuration options for the launcher.
type Config struct {
	// HTTP API
	ListenAddr string `json:"listen"`

	// Bot worker
	BotCommand string   `json:"bot_cmd"`
	BotArgs    []string `json:"bot_args"`
	BotDir     string   `json:"bot_dir"`
	BotEnv     []string `json:"bot_env"`
	RoomFlag   string   `json:"room_flag"`
	RoomEnv    string   `json:"room_env"`

	// Result extraction
	Marker       string `json:"marker"`
	MarkerRegexp string `json:"marker_regexp"` // overrides Marker when set

	// Admission control
	MaxBotsPerRoom int `json:"max_bots_per_room"` // 0 = unlimited
	MaxBots        int `json:"max_bots"`          // 0 = unlimited

	// Lifecycle
	ResultTimeout  time.Duration `json:"result_timeout"`
	GracePeriod    time.Duration `json:"grace_period"`
	RetainFinished time.Duration `json:"retain_finished"` // 0 = keep until removed

	// Observability
	MetricsAddr string `json:"metrics_addr"`
	Verbose     bool   `json:"verbose"`
	LogFormat   string `json:"log_format"` // json, text
	LogLevel    string `json:"log_level"`  // debug, info, warn, error
	TUIEnabled  bool   `json:"tui"`

	// Diagnostic modes
	PrintCmd      bool   `json:"print_cmd"`
	Check         bool   `json:"check"`
	SkipPreflight bool   `json:"skip_preflight"`
	ShowVersion   bool   `json:"-"`
	ConfigFile    string `json:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		// HTTP API
		ListenAddr: "0.0.0.0:8000",

		// Bot worker
		BotCommand: "python3",
		BotArgs:    []string{"bot.py"},
		RoomFlag:   "-u",
		RoomEnv:    "BOT_ROOM_URL",

		// Result extraction
		Marker: "Join the video call at:",

		// Admission control
		MaxBotsPerRoom: 1,
		MaxBots:        0,

		// Lifecycle
		ResultTimeout:  30 * time.Second,
		GracePeriod:    5 * time.Second,
		RetainFinished: 10 * time.Minute,

		// Observability
		MetricsAddr: "0.0.0.0:17092",
		Verbose:     false,
		LogFormat:   "json",
		LogLevel:    "info",
		TUIEnabled:  false,
	}
}
