package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/randomizedcoder/go-bot-launcher/internal/logging"
	"github.com/randomizedcoder/go-bot-launcher/internal/oneshot"
	"github.com/randomizedcoder/go-bot-launcher/internal/parser"
	"github.com/randomizedcoder/go-bot-launcher/internal/process"
)

const (
	defaultResultTimeout   = 30 * time.Second
	defaultGracePeriod     = 5 * time.Second
	defaultDrainTimeout    = 2 * time.Second
	defaultStderrTailLines = 20
	defaultBufferSize      = 1000
	defaultDropThreshold   = 0.01

	// errorScanLines is how much stderr is kept for the exit error summary.
	errorScanLines = 100

	// exitSettleTimeout bounds how long an exited worker's output may keep
	// arriving before its ExitError is published.
	exitSettleTimeout = 250 * time.Millisecond

	// reconcileWait bounds how long Status waits for an exit that has been
	// observed but not yet recorded.
	reconcileWait = 100 * time.Millisecond
)

// Callbacks contains optional callback functions for supervisor events.
// They run on supervisor goroutines and must not block.
type Callbacks struct {
	// OnStart is called after a worker is spawned and registered.
	OnStart func(pid int, resourceKey string)

	// OnResult is called when a worker printed its result.
	OnResult func(pid int, resourceKey string, elapsed time.Duration)

	// OnExit is called once per worker after it has been reaped.
	OnExit func(pid int, exitCode int, uptime time.Duration)

	// OnAdmissionDenied is called when a start is refused by a limit.
	OnAdmissionDenied func(resourceKey string)

	// OnTimeout is called when a worker is terminated for being too slow.
	OnTimeout func(pid int)

	// OnSpawnFailed is called when the OS refused to start a worker.
	OnSpawnFailed func(err error)
}

// Config holds configuration for creating a new Supervisor.
type Config struct {
	Logger    *slog.Logger
	Callbacks Callbacks

	// Marker recognises the result line. Zero means DefaultMarkerPrefix.
	Marker parser.Marker

	// MaxPerKey limits active workers per room (0 = unlimited).
	MaxPerKey int
	// MaxTotal limits active workers overall (0 = unlimited).
	MaxTotal int

	// ResultTimeout is used when a StartRequest carries no timeout.
	ResultTimeout time.Duration
	// GracePeriod is the SIGTERM → SIGKILL escalation delay.
	GracePeriod time.Duration
	// DrainTimeout bounds reading leftover output after exit.
	DrainTimeout time.Duration
	// StderrTailLines is how much stderr an ExitError carries.
	StderrTailLines int

	// Verbose logs every worker line, not only warnings.
	Verbose bool

	// Pipeline tuning (see parser.NewPipeline)
	BufferSize    int
	DropThreshold float64
}

// StartRequest describes one worker to launch.
type StartRequest struct {
	// ResourceKey is the room. Empty when the worker creates its own.
	ResourceKey string
	// Timeout bounds the wait for the result. Zero uses the configured default.
	Timeout time.Duration
	Launch  process.LaunchSpec
}

// StartResult is returned when a worker printed its result.
type StartResult struct {
	URL   string
	PID   int
	RunID string
}

// Supervisor launches workers and tracks them in a Registry.
type Supervisor struct {
	registry  *Registry
	logger    *slog.Logger
	callbacks Callbacks
	marker    parser.Marker

	resultTimeout   time.Duration
	gracePeriod     time.Duration
	drainTimeout    time.Duration
	stderrTailLines int
	verbose         bool
	bufferSize      int
	dropThreshold   float64
}

// New creates a new Supervisor with the given configuration.
func New(cfg Config) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	marker := cfg.Marker
	if marker.IsZero() {
		marker = parser.NewPrefixMarker(parser.DefaultMarkerPrefix)
	}

	s := &Supervisor{
		registry:        NewRegistry(cfg.MaxPerKey, cfg.MaxTotal),
		logger:          logger,
		callbacks:       cfg.Callbacks,
		marker:          marker,
		resultTimeout:   cfg.ResultTimeout,
		gracePeriod:     cfg.GracePeriod,
		drainTimeout:    cfg.DrainTimeout,
		stderrTailLines: cfg.StderrTailLines,
		verbose:         cfg.Verbose,
		bufferSize:      cfg.BufferSize,
		dropThreshold:   cfg.DropThreshold,
	}

	if s.resultTimeout <= 0 {
		s.resultTimeout = defaultResultTimeout
	}
	if s.gracePeriod <= 0 {
		s.gracePeriod = defaultGracePeriod
	}
	if s.drainTimeout <= 0 {
		s.drainTimeout = defaultDrainTimeout
	}
	if s.stderrTailLines <= 0 {
		s.stderrTailLines = defaultStderrTailLines
	}
	if s.bufferSize <= 0 {
		s.bufferSize = defaultBufferSize
	}
	if s.dropThreshold <= 0 {
		s.dropThreshold = defaultDropThreshold
	}
	return s
}

// StartAndAwaitResult spawns a worker and blocks until it prints its
// result, exits, or the timeout (or ctx) expires.
//
// On timeout or cancellation the worker is terminated before returning.
// A worker that exits first yields an *ExitError and stays registered for
// Status queries.
func (s *Supervisor) StartAndAwaitResult(ctx context.Context, req StartRequest) (StartResult, error) {
	h, err := s.start(req)
	if err != nil {
		return StartResult{}, err
	}
	return s.await(ctx, h, req)
}

// Launch spawns a worker and returns as soon as it is registered. The
// result timeout is still enforced in the background; the outcome is
// visible through Status.
func (s *Supervisor) Launch(req StartRequest) (StartResult, error) {
	h, err := s.start(req)
	if err != nil {
		return StartResult{}, err
	}

	go func() {
		if _, err := s.await(context.Background(), h, req); err != nil {
			s.logger.Debug("background_start_failed",
				"pid", h.pid,
				"run_id", h.runID,
				"room", req.ResourceKey,
				"error", err,
			)
		}
	}()
	return StartResult{PID: h.pid, RunID: h.runID}, nil
}

// start admits and spawns a worker.
func (s *Supervisor) start(req StartRequest) (*handle, error) {
	res, err := s.registry.reserve(req.ResourceKey)
	if err != nil {
		if errors.Is(err, ErrAdmissionDenied) {
			s.logger.Info("admission_denied", "room", req.ResourceKey, "reason", err.Error())
			if s.callbacks.OnAdmissionDenied != nil {
				s.callbacks.OnAdmissionDenied(req.ResourceKey)
			}
		}
		return nil, err
	}

	h, err := s.spawn(req.Launch, res)
	if err != nil {
		s.logger.Error("spawn_failed",
			"room", req.ResourceKey,
			"cmd", req.Launch.String(),
			"error", err,
		)
		if s.callbacks.OnSpawnFailed != nil {
			s.callbacks.OnSpawnFailed(err)
		}
		return nil, err
	}
	return h, nil
}

// await waits for a spawned worker's result and records it.
func (s *Supervisor) await(ctx context.Context, h *handle, req StartRequest) (StartResult, error) {
	out := StartResult{PID: h.pid, RunID: h.runID}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.resultTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url, err := h.signal.Wait(waitCtx)
	if err != nil && waitCtx.Err() != nil && errors.Is(err, waitCtx.Err()) {
		if h.isReaped() {
			// The worker exited first; its ExitError is moments away.
			<-h.signal.Done()
		} else if h.signal.Fail(ErrTimeoutWaitingForResult) {
			return out, s.giveUp(h, req.ResourceKey, timeout, ctx.Err())
		}
		// Lost to a result or exit that landed at the last instant.
		url, err, _ = h.signal.Result()
	}

	if err != nil {
		if s.closing() && errors.Is(err, ErrWorkerExitedWithoutResult) {
			err = fmt.Errorf("%w: %w", ErrShuttingDown, err)
		}
		return out, err
	}

	if req.ResourceKey == "" {
		if err := s.registry.claimKey(h, url); err != nil {
			s.logger.Warn("admission_denied_after_start",
				"pid", h.pid,
				"run_id", h.runID,
				"room", url,
				"reason", err.Error(),
			)
			if s.callbacks.OnAdmissionDenied != nil {
				s.callbacks.OnAdmissionDenied(url)
			}
			s.registry.setStopReason(h, err)
			s.stop(context.Background(), h)
			return out, err
		}
	}

	s.registry.markRunning(h, url)
	elapsed := time.Since(h.startedAt)
	s.logger.Info("bot_ready",
		"pid", h.pid,
		"run_id", h.runID,
		"room", req.ResourceKey,
		"url", url,
		"elapsed", elapsed.String(),
	)
	if s.callbacks.OnResult != nil {
		s.callbacks.OnResult(h.pid, req.ResourceKey, elapsed)
	}

	out.URL = url
	return out, nil
}

// giveUp terminates a worker whose result did not arrive in time.
func (s *Supervisor) giveUp(h *handle, key string, timeout time.Duration, cause error) error {
	s.registry.setStopReason(h, ErrTimeoutWaitingForResult)
	s.logger.Warn("result_timeout",
		"pid", h.pid,
		"run_id", h.runID,
		"room", key,
		"timeout", timeout.String(),
		"cancelled", cause != nil,
	)
	if s.callbacks.OnTimeout != nil {
		s.callbacks.OnTimeout(h.pid)
	}

	s.stop(context.Background(), h)

	if cause != nil {
		return fmt.Errorf("%w: %w", ErrTimeoutWaitingForResult, cause)
	}
	return ErrTimeoutWaitingForResult
}

// spawn starts the worker and registers it. The reservation is committed
// on success and released on failure.
func (s *Supervisor) spawn(spec process.LaunchSpec, res *reservation) (*handle, error) {
	if err := spec.Validate(); err != nil {
		res.release()
		return nil, &SpawnError{Cause: err}
	}

	cmd := spec.Command()

	// Set process group for clean shutdown
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	// Plain pipes rather than StdoutPipe: cmd.Wait must not close the read
	// ends while scanners are still draining them.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		res.release()
		return nil, &SpawnError{Cause: fmt.Errorf("stdout pipe: %w", err)}
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		res.release()
		return nil, &SpawnError{Cause: fmt.Errorf("stderr pipe: %w", err)}
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	startedAt := time.Now()
	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		res.release()
		return nil, &SpawnError{Cause: err}
	}

	// IMPORTANT: close parent's write ends after Start() so the scanners
	// see EOF when the worker exits
	stdoutW.Close()
	stderrW.Close()

	pid := cmd.Process.Pid
	h := &handle{
		pid:       pid,
		runID:     uuid.NewString(),
		startedAt: startedAt,
		cmd:       cmd,
		signal:    oneshot.New[string](),
		exitCode:  -1,
		stdoutR:   stdoutR,
		stderrR:   stderrR,
		reaped:    make(chan struct{}),
		done:      make(chan struct{}),
	}

	logger := s.logger.With("pid", pid, "run_id", h.runID)
	stdoutLog := logging.NewStreamHandler(pid, "stdout", s.logger, s.verbose)
	stderrLog := logging.NewStreamHandler(pid, "stderr", s.logger, s.verbose)

	h.stdoutPipe = parser.NewPipeline("stdout", s.bufferSize, s.dropThreshold)
	h.stderrPipe = parser.NewPipeline("stderr", s.bufferSize, s.dropThreshold)
	h.stdoutScan = parser.NewScanner(parser.ScannerConfig{
		Reader:   stdoutR,
		Stream:   "stdout",
		Marker:   s.marker,
		Signal:   h.signal,
		Pipeline: h.stdoutPipe,
		Logger:   logger,
	})
	h.stderrScan = parser.NewScanner(parser.ScannerConfig{
		Reader:   stderrR,
		Stream:   "stderr",
		Marker:   s.marker,
		Signal:   h.signal,
		Pipeline: h.stderrPipe,
		Logger:   logger,

		// The tail is kept ahead of the lossy pipeline
		TailLines: max(s.stderrTailLines, errorScanLines),
	})

	if displaced := res.commit(h); displaced != nil {
		s.logger.Warn("pid_reused",
			"pid", pid,
			"run_id", h.runID,
			"displaced_run_id", displaced.runID,
			"reason", "previous worker was still tracked as live",
		)
	}

	// Layer 1 (scanners) and Layer 2 (log sinks)
	go h.stdoutScan.Run()
	go h.stderrScan.Run()
	h.parsers.Add(2)
	go func() {
		defer h.parsers.Done()
		h.stdoutPipe.RunParser(stdoutLog)
	}()
	go func() {
		defer h.parsers.Done()
		h.stderrPipe.RunParser(stderrLog)
	}()

	go s.watch(h)

	s.logger.Info("bot_started",
		"pid", pid,
		"run_id", h.runID,
		"room", res.key,
		"cmd", spec.String(),
	)
	if s.callbacks.OnStart != nil {
		s.callbacks.OnStart(pid, res.key)
	}
	return h, nil
}

// Status returns a copy of the worker's bookkeeping. A live worker whose
// process is gone is reconciled before returning.
func (s *Supervisor) Status(pid int) (StatusView, error) {
	h, ok := s.registry.get(pid)
	if !ok {
		return StatusView{}, ErrNotFound
	}

	if v := s.registry.view(h); v.State.IsActive() {
		s.reconcile(h)
	}
	return s.registry.view(h), nil
}

// reconcile checks a handle the registry still believes alive.
func (s *Supervisor) reconcile(h *handle) {
	alive, observed := h.alive()
	if observed {
		// The exit watcher is about to record the exit code.
		select {
		case <-h.reaped:
		case <-time.After(reconcileWait):
		}
		return
	}
	if alive {
		return
	}
	if s.registry.markVanished(h, time.Now()) {
		s.logger.Warn("bot_vanished", "pid", h.pid, "run_id", h.runID)
	}
}

// List returns all tracked workers, oldest first.
func (s *Supervisor) List() []StatusView {
	return s.registry.list()
}

// Counts returns the number of tracked workers per state.
func (s *Supervisor) Counts() Counts {
	return s.registry.counts()
}

// Remove forgets a worker that has exited.
func (s *Supervisor) Remove(pid int) error {
	return s.registry.remove(pid)
}

// SweepFinished forgets workers that ended more than olderThan ago and
// returns how many were removed.
func (s *Supervisor) SweepFinished(olderThan time.Duration) int {
	n := s.registry.sweep(time.Now().Add(-olderThan))
	if n > 0 {
		s.logger.Debug("swept_finished", "removed", n, "older_than", olderThan.String())
	}
	return n
}

// closing reports whether ShutdownAll has been called.
func (s *Supervisor) closing() bool {
	s.registry.mu.Lock()
	defer s.registry.mu.Unlock()
	return s.registry.closed
}
