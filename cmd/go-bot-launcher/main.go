// Package main provides the go-bot-launcher CLI entry point.
//
// go-bot-launcher starts conversational bot processes on demand, waits for
// each one to print its room URL, and hands that URL back over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/randomizedcoder/go-bot-launcher/internal/config"
	"github.com/randomizedcoder/go-bot-launcher/internal/logging"
	"github.com/randomizedcoder/go-bot-launcher/internal/orchestrator"
	"github.com/randomizedcoder/go-bot-launcher/internal/preflight"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0" ./cmd/go-bot-launcher
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.ParseFlags(args)
	if err != nil {
		if errors.Is(err, config.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		return 2
	}

	if cfg.ShowVersion {
		fmt.Printf("go-bot-launcher %s\n", version)
		return 0
	}

	// Apply --check mode modifications
	if cfg.Check {
		config.ApplyCheckMode(cfg)
	}

	// Logs would tear the dashboard apart.
	var logOut io.Writer
	if cfg.TUIEnabled {
		logOut = io.Discard
	}
	logger := logging.NewLogger(logOut, cfg.LogFormat, cfg.LogLevel, cfg.Verbose)
	logging.SetDefault(logger)

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error:\n%v\n", err)
		return 1
	}

	if cfg.PrintCmd {
		printBotCommand(cfg)
		return 0
	}

	if !cfg.SkipPreflight {
		result := preflight.RunAll(preflight.Options{
			MaxBots:    cfg.MaxBots,
			BotCommand: cfg.BotCommand,
			BotArgs:    cfg.BotArgs,
			BotDir:     cfg.BotDir,
		})
		preflight.PrintResults(os.Stdout, result)
		if !result.Passed {
			fmt.Fprintln(os.Stderr, "Preflight checks failed (use --skip-preflight to override)")
			return 1
		}
	}

	orch, err := orchestrator.New(cfg, logger, orchestrator.Options{Version: version})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if cfg.Check {
		// Ctrl+C during a check still terminates the bot.
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := orch.RunCheck(ctx); err != nil {
			logger.Error("check_failed", "error", err)
			return 1
		}
		return 0
	}

	logger.Info("starting", "version", version)
	if !cfg.TUIEnabled {
		printBanner(cfg)
	}

	if err := orch.Run(context.Background()); err != nil {
		logger.Error("launcher_failed", "error", err)
		return 1
	}
	return 0
}

// printBanner prints the startup banner.
func printBanner(cfg *config.Config) {
	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════════════╗")
	fmt.Println("║                         go-bot-launcher                           ║")
	fmt.Println("║          Start bots on demand, hand out their room URLs           ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  API:         http://%s/\n", cfg.ListenAddr)
	if cfg.MetricsAddr != "" {
		fmt.Printf("  Metrics:     http://%s/metrics\n", cfg.MetricsAddr)
	}
	fmt.Printf("  Bot:         %s\n", orchestrator.NewRunner(cfg).CommandString(""))
	fmt.Printf("  Limits:      %s per room, %s total\n", limitString(cfg.MaxBotsPerRoom), limitString(cfg.MaxBots))
	fmt.Printf("  Timeout:     %s\n", cfg.ResultTimeout)
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop.")
	fmt.Println()
}

func limitString(n int) string {
	if n <= 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%d", n)
}

// printBotCommand prints the command that would be run for a room.
func printBotCommand(cfg *config.Config) {
	runner := orchestrator.NewRunner(cfg)

	fmt.Println("# Bot command that would be run for each start:")
	fmt.Println()
	fmt.Println(runner.CommandString("https://example.daily.co/ROOM"))
	fmt.Println()
	fmt.Println("# Without a room (the bot creates its own):")
	fmt.Println()
	fmt.Println(runner.CommandString(""))
}
