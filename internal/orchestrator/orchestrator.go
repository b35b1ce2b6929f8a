// Package orchestrator wires the launcher together: supervisor, HTTP API,
// metrics, statistics and the shutdown sequence.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/randomizedcoder/go-bot-launcher/internal/api"
	"github.com/randomizedcoder/go-bot-launcher/internal/config"
	"github.com/randomizedcoder/go-bot-launcher/internal/metrics"
	"github.com/randomizedcoder/go-bot-launcher/internal/parser"
	"github.com/randomizedcoder/go-bot-launcher/internal/process"
	"github.com/randomizedcoder/go-bot-launcher/internal/stats"
	"github.com/randomizedcoder/go-bot-launcher/internal/supervisor"
	"github.com/randomizedcoder/go-bot-launcher/internal/tui"
)

// shutdownSlack is added to the grace period when bounding shutdown.
const shutdownSlack = 10 * time.Second

// Options holds what New needs beyond the configuration.
type Options struct {
	Version string

	// Registry receives the launcher metrics. Nil means the default
	// Prometheus registry.
	Registry *prometheus.Registry

	// Output receives the exit summary and the check-mode result.
	// Nil means os.Stdout.
	Output io.Writer
}

// Orchestrator coordinates all components of the launcher.
type Orchestrator struct {
	config *config.Config
	logger *slog.Logger
	out    io.Writer

	runner        *process.BotRunner
	supervisor    *supervisor.Supervisor
	metrics       *metrics.Collector
	stats         *stats.LaunchStats
	apiServer     *api.Server
	metricsServer *metrics.Server // nil when metrics are disabled
}

// NewMarker builds the result marker from the configuration.
func NewMarker(cfg *config.Config) (parser.Marker, error) {
	if cfg.MarkerRegexp != "" {
		return parser.NewPatternMarker(cfg.MarkerRegexp)
	}
	return parser.NewPrefixMarker(cfg.Marker), nil
}

// NewRunner builds the bot command line builder from the configuration.
func NewRunner(cfg *config.Config) *process.BotRunner {
	return process.NewBotRunner(&process.BotConfig{
		Command:  cfg.BotCommand,
		Args:     cfg.BotArgs,
		Dir:      cfg.BotDir,
		Env:      cfg.BotEnv,
		RoomFlag: cfg.RoomFlag,
		RoomEnv:  cfg.RoomEnv,
	})
}

// New creates an Orchestrator with the given configuration.
func New(cfg *config.Config, logger *slog.Logger, opts Options) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	marker, err := NewMarker(cfg)
	if err != nil {
		return nil, err
	}

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	collectorCfg := metrics.CollectorConfig{Version: opts.Version, Marker: marker.String()}
	var collector *metrics.Collector
	var gatherer prometheus.Gatherer
	if opts.Registry != nil {
		collector = metrics.NewCollectorWithRegistry(collectorCfg, opts.Registry)
		gatherer = opts.Registry
	} else {
		collector = metrics.NewCollector(collectorCfg)
	}

	o := &Orchestrator{
		config:  cfg,
		logger:  logger,
		out:     out,
		runner:  NewRunner(cfg),
		metrics: collector,
		stats:   stats.NewLaunchStats(),
	}

	o.supervisor = supervisor.New(supervisor.Config{
		Logger:        logger,
		Marker:        marker,
		MaxPerKey:     cfg.MaxBotsPerRoom,
		MaxTotal:      cfg.MaxBots,
		ResultTimeout: cfg.ResultTimeout,
		GracePeriod:   cfg.GracePeriod,
		Verbose:       cfg.Verbose,
		Callbacks: supervisor.Callbacks{
			OnStart:           o.onStart,
			OnResult:          o.onResult,
			OnExit:            o.onExit,
			OnAdmissionDenied: o.onAdmissionDenied,
			OnTimeout:         o.onTimeout,
			OnSpawnFailed:     o.onSpawnFailed,
		},
	})

	o.apiServer, err = api.NewServer(api.ServerConfig{
		Addr:       cfg.ListenAddr,
		Launcher:   o.supervisor,
		Runner:     o.runner,
		Logger:     logger,
		MaxTimeout: max(cfg.ResultTimeout, 5*time.Minute),
	})
	if err != nil {
		return nil, err
	}

	if cfg.MetricsAddr != "" {
		o.metricsServer = metrics.NewServer(cfg.MetricsAddr, gatherer, logger)
	}

	return o, nil
}

// Run serves the API until ctx is cancelled or SIGINT/SIGTERM arrives,
// then terminates every bot and prints the exit summary.
func (o *Orchestrator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	o.logger.Info("launcher_starting",
		"listen", o.config.ListenAddr,
		"metrics", o.config.MetricsAddr,
		"command", o.runner.CommandString(""),
		"max_bots_per_room", o.config.MaxBotsPerRoom,
		"max_bots", o.config.MaxBots,
		"result_timeout", o.config.ResultTimeout.String(),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(o.apiServer.Serve)
	if o.metricsServer != nil {
		g.Go(o.metricsServer.Serve)
	}
	if o.config.RetainFinished > 0 {
		g.Go(func() error {
			o.sweepLoop(gctx)
			return nil
		})
	}

	if o.config.TUIEnabled {
		p := tea.NewProgram(tui.New(tui.Config{
			ListenAddr:  o.config.ListenAddr,
			MetricsAddr: o.config.MetricsAddr,
			MaxBots:     o.config.MaxBots,
			Bots:        o.supervisor,
			StatsSource: o.stats,
		}), tea.WithAltScreen())

		// Quitting the dashboard stops the launcher.
		g.Go(func() error {
			_, err := p.Run()
			cancel()
			if err != nil {
				return fmt.Errorf("dashboard: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			tui.SendQuit(p)
			return nil
		})
	}

	g.Go(func() error {
		select {
		case sig := <-sigCh:
			o.logger.Info("received_signal", "signal", sig.String())
			cancel()
		case <-gctx.Done():
			o.logger.Info("context_cancelled")
		}
		return o.shutdown()
	})

	err := g.Wait()
	o.PrintExitSummary()
	return err
}

// shutdown terminates every bot, then stops the servers.
// In-flight starts fail with ErrShuttingDown before the API drains.
func (o *Orchestrator) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), o.config.GracePeriod+shutdownSlack)
	defer cancel()

	if o.metricsServer != nil {
		o.metricsServer.SetNotReady()
	}

	var errs []error
	if err := o.supervisor.ShutdownAll(ctx); err != nil {
		o.logger.Warn("shutdown_incomplete", "error", err)
		errs = append(errs, fmt.Errorf("terminate bots: %w", err))
	}
	if err := o.apiServer.Shutdown(ctx); err != nil {
		o.logger.Warn("api_server_shutdown_error", "error", err)
		errs = append(errs, fmt.Errorf("api server: %w", err))
	}
	if o.metricsServer != nil {
		if err := o.metricsServer.Shutdown(ctx); err != nil {
			o.logger.Warn("metrics_server_shutdown_error", "error", err)
			errs = append(errs, fmt.Errorf("metrics server: %w", err))
		}
	}
	return errors.Join(errs...)
}

// sweepLoop forgets exited bots older than RetainFinished.
func (o *Orchestrator) sweepLoop(ctx context.Context) {
	interval := min(o.config.RetainFinished/2, time.Minute)
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.supervisor.SweepFinished(o.config.RetainFinished)
		}
	}
}

// RunCheck launches one bot without a room, prints the URL it reports and
// terminates it. Used by --check.
func (o *Orchestrator) RunCheck(ctx context.Context) error {
	o.logger.Info("check_starting", "command", o.runner.CommandString(""))

	res, err := o.supervisor.StartAndAwaitResult(ctx, supervisor.StartRequest{
		Launch: o.runner.LaunchSpec(""),
	})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), o.config.GracePeriod+shutdownSlack)
	defer cancel()
	if shutdownErr := o.supervisor.ShutdownAll(shutdownCtx); shutdownErr != nil {
		o.logger.Warn("shutdown_incomplete", "error", shutdownErr)
	}

	if err != nil {
		var exitErr *supervisor.ExitError
		if errors.As(err, &exitErr) && exitErr.Stderr() != "" {
			fmt.Fprintf(o.out, "Bot stderr:\n%s\n", exitErr.Stderr())
		}
		return fmt.Errorf("check failed: %w", err)
	}

	fmt.Fprintf(o.out, "Room URL: %s\n", res.URL)
	fmt.Fprintf(o.out, "Bot PID:  %d (run %s)\n", res.PID, res.RunID)
	return nil
}

// Callback handlers

func (o *Orchestrator) onStart(pid int, room string) {
	o.metrics.BotStarted()
	o.stats.RecordStart()
	o.metrics.SetActiveCount(o.supervisor.Counts().Active())

	if o.config.Verbose {
		o.logger.Debug("bot_process_started", "pid", pid, "room", room)
	}
}

func (o *Orchestrator) onResult(pid int, room string, elapsed time.Duration) {
	o.metrics.RecordResult(elapsed)
	o.stats.RecordResult(elapsed)
}

func (o *Orchestrator) onExit(pid int, exitCode int, uptime time.Duration) {
	o.metrics.RecordExit(exitCode, uptime)
	o.stats.RecordExit(exitCode, uptime)
	o.metrics.SetActiveCount(o.supervisor.Counts().Active())
}

func (o *Orchestrator) onAdmissionDenied(room string) {
	o.metrics.AdmissionDenied()
	o.stats.RecordAdmissionDenied()
}

func (o *Orchestrator) onTimeout(pid int) {
	o.metrics.Timeout()
	o.stats.RecordTimeout()
}

func (o *Orchestrator) onSpawnFailed(err error) {
	o.metrics.SpawnFailed()
	o.stats.RecordSpawnFailure()
}

// ExitSummary formats the launch statistics collected so far.
func (o *Orchestrator) ExitSummary() string {
	snap := o.stats.Snapshot()
	counts := o.supervisor.Counts()
	return stats.FormatExitSummary(&snap, stats.SummaryConfig{
		ListenAddr:   o.config.ListenAddr,
		MetricsAddr:  o.config.MetricsAddr,
		PeakActive:   o.metrics.PeakActive(),
		StillRunning: counts.Active(),
	})
}

// PrintExitSummary writes the exit summary to the output.
func (o *Orchestrator) PrintExitSummary() {
	fmt.Fprint(o.out, o.ExitSummary())
}
