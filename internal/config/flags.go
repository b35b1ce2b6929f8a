package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g.
// BOT_LAUNCHER_MAX_BOTS_PER_ROOM for --max-bots-per-room.
const EnvPrefix = "BOT_LAUNCHER"

// ErrHelp is returned when -h/--help was requested.
var ErrHelp = pflag.ErrHelp

// ParseFlags parses command-line flags, environment and an optional config
// file, in increasing order of precedence: defaults, config file,
// environment, flags.
func ParseFlags(args []string) (*Config, error) {
	return parse(args, os.LookupEnv, os.Stderr)
}

// parse is ParseFlags with injectable environment and output.
func parse(args []string, lookupEnv func(string) (string, bool), out io.Writer) (*Config, error) {
	cfg := DefaultConfig()
	fs := newFlagSet(cfg, out)

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	if cfg.ConfigFile != "" {
		v.SetConfigFile(cfg.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	load(v, cfg)

	// PORT is the platform convention (Heroku and friends); it only applies
	// when the listen address was not set explicitly.
	if port, ok := lookupEnv("PORT"); ok && port != "" && !v.IsSet("listen") {
		cfg.ListenAddr = "0.0.0.0:" + port
	}

	return cfg, nil
}

// newFlagSet registers all flags on a fresh set, defaulted from cfg.
func newFlagSet(cfg *Config, out io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet("go-bot-launcher", pflag.ContinueOnError)
	fs.SetOutput(out)
	fs.SortFlags = false

	fs.Usage = func() {
		fmt.Fprintf(out, `go-bot-launcher - launch pipecat bots on demand and hand out their room URLs

Usage:
  go-bot-launcher [flags]

HTTP API:
`)
		printFlagCategory(fs, out, []string{"listen"})

		fmt.Fprintf(out, "\nBot Worker:\n")
		printFlagCategory(fs, out, []string{"bot-cmd", "bot-arg", "bot-dir", "bot-env", "room-flag", "room-env"})

		fmt.Fprintf(out, "\nResult Extraction:\n")
		printFlagCategory(fs, out, []string{"marker", "marker-regexp", "result-timeout"})

		fmt.Fprintf(out, "\nAdmission Control:\n")
		printFlagCategory(fs, out, []string{"max-bots-per-room", "max-bots"})

		fmt.Fprintf(out, "\nLifecycle:\n")
		printFlagCategory(fs, out, []string{"grace-period", "retain-finished"})

		fmt.Fprintf(out, "\nObservability:\n")
		printFlagCategory(fs, out, []string{"metrics", "verbose", "log-format", "log-level", "tui"})

		fmt.Fprintf(out, "\nDiagnostics:\n")
		printFlagCategory(fs, out, []string{"config", "print-cmd", "check", "skip-preflight", "version"})

		fmt.Fprintf(out, `
Environment:
  Every flag can be set as %s_<FLAG>, dashes as underscores,
  e.g. %s_MAX_BOTS_PER_ROOM=2. PORT sets the listen port when
  --listen is not given.

Examples:
  # Serve on :8000, one bot per room
  go-bot-launcher --bot-dir ./bots

  # Custom bot, two bots per room, text logs
  go-bot-launcher --bot-cmd ./venv/bin/python --bot-arg bot2.py --max-bots-per-room 2 --log-format text

  # Launch one bot, print its room URL and exit
  go-bot-launcher --check --bot-dir ./bots

`, EnvPrefix, EnvPrefix)
	}

	// HTTP API
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "HTTP API listen address")

	// Bot worker
	fs.StringVar(&cfg.BotCommand, "bot-cmd", cfg.BotCommand, "Bot executable or interpreter")
	fs.StringArrayVar(&cfg.BotArgs, "bot-arg", cfg.BotArgs, "Bot argument (can repeat)")
	fs.StringVar(&cfg.BotDir, "bot-dir", cfg.BotDir, "Bot working directory")
	fs.StringArrayVar(&cfg.BotEnv, "bot-env", cfg.BotEnv, "Extra KEY=VALUE bot environment (can repeat)")
	fs.StringVar(&cfg.RoomFlag, "room-flag", cfg.RoomFlag, `Flag passing the room URL to the bot ("" to disable)`)
	fs.StringVar(&cfg.RoomEnv, "room-env", cfg.RoomEnv, `Environment variable carrying the room URL ("" to disable)`)

	// Result extraction
	fs.StringVar(&cfg.Marker, "marker", cfg.Marker, "Output prefix that precedes the room URL")
	fs.StringVar(&cfg.MarkerRegexp, "marker-regexp", cfg.MarkerRegexp, "Regular expression whose first group is the room URL (overrides --marker)")
	fs.DurationVar(&cfg.ResultTimeout, "result-timeout", cfg.ResultTimeout, "How long to wait for the room URL")

	// Admission control
	fs.IntVar(&cfg.MaxBotsPerRoom, "max-bots-per-room", cfg.MaxBotsPerRoom, "Concurrent bots per room (0 = unlimited)")
	fs.IntVar(&cfg.MaxBots, "max-bots", cfg.MaxBots, "Concurrent bots overall (0 = unlimited)")

	// Lifecycle
	fs.DurationVar(&cfg.GracePeriod, "grace-period", cfg.GracePeriod, "SIGTERM to SIGKILL escalation delay")
	fs.DurationVar(&cfg.RetainFinished, "retain-finished", cfg.RetainFinished, "Keep status of exited bots this long (0 = until deleted)")

	// Observability
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, `Prometheus metrics address ("" to disable)`)
	fs.BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "Verbose logging (every bot output line)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, `Log format: "json" or "text"`)
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, `Log level: "debug", "info", "warn", "error"`)
	fs.BoolVar(&cfg.TUIEnabled, "tui", cfg.TUIEnabled, "Enable live terminal dashboard")

	// Diagnostics
	fs.StringVarP(&cfg.ConfigFile, "config", "c", cfg.ConfigFile, "Config file (yaml, json or toml)")
	fs.BoolVar(&cfg.PrintCmd, "print-cmd", cfg.PrintCmd, "Print the bot command and exit")
	fs.BoolVar(&cfg.Check, "check", cfg.Check, "Validate config, launch one bot, print its room URL and exit")
	fs.BoolVar(&cfg.SkipPreflight, "skip-preflight", cfg.SkipPreflight, "Skip preflight checks")
	fs.BoolVar(&cfg.ShowVersion, "version", cfg.ShowVersion, "Print version and exit")

	return fs
}

// load copies merged values from v into cfg.
func load(v *viper.Viper, cfg *Config) {
	cfg.ListenAddr = v.GetString("listen")

	cfg.BotCommand = v.GetString("bot-cmd")
	cfg.BotArgs = v.GetStringSlice("bot-arg")
	cfg.BotDir = v.GetString("bot-dir")
	cfg.BotEnv = v.GetStringSlice("bot-env")
	cfg.RoomFlag = v.GetString("room-flag")
	cfg.RoomEnv = v.GetString("room-env")

	cfg.Marker = v.GetString("marker")
	cfg.MarkerRegexp = v.GetString("marker-regexp")
	cfg.ResultTimeout = v.GetDuration("result-timeout")

	cfg.MaxBotsPerRoom = v.GetInt("max-bots-per-room")
	cfg.MaxBots = v.GetInt("max-bots")

	cfg.GracePeriod = v.GetDuration("grace-period")
	cfg.RetainFinished = v.GetDuration("retain-finished")

	cfg.MetricsAddr = v.GetString("metrics")
	cfg.Verbose = v.GetBool("verbose")
	cfg.LogFormat = v.GetString("log-format")
	cfg.LogLevel = v.GetString("log-level")
	cfg.TUIEnabled = v.GetBool("tui")

	cfg.PrintCmd = v.GetBool("print-cmd")
	cfg.Check = v.GetBool("check")
	cfg.SkipPreflight = v.GetBool("skip-preflight")
	cfg.ShowVersion = v.GetBool("version")
}

// printFlagCategory prints flags matching the given names (helper for usage).
func printFlagCategory(fs *pflag.FlagSet, out io.Writer, names []string) {
	for _, name := range names {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		short := ""
		if f.Shorthand != "" {
			short = "-" + f.Shorthand + ", "
		}
		fmt.Fprintf(out, "  %s--%s %s\n    \t%s", short, f.Name, flagType(f), f.Usage)
		if f.DefValue != "" && f.DefValue != "false" && f.DefValue != "0" && f.DefValue != "0s" && f.DefValue != "[]" {
			fmt.Fprintf(out, " (default %s)", f.DefValue)
		}
		fmt.Fprintln(out)
	}
}

// flagType returns a type hint for the flag value.
func flagType(f *pflag.Flag) string {
	switch t := f.Value.Type(); t {
	case "bool":
		return ""
	case "stringArray":
		return "string"
	default:
		return t
	}
}

// IsHelp reports whether err is the result of -h/--help.
func IsHelp(err error) bool {
	return errors.Is(err, ErrHelp)
}
