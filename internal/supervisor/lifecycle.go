package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/randomizedcoder/go-bot-launcher/internal/logging"
	"github.com/randomizedcoder/go-bot-launcher/internal/parser"
)

// watch is the exit watcher. It runs once per worker and is the only
// goroutine that reaps the process.
//
// The signal is failed once the output has settled, not after the full
// drain: descendants holding the pipes open must not delay the ExitError
// past the caller's timeout.
func (s *Supervisor) watch(h *handle) {
	if awaitExit(h.pid) {
		h.markExitObserved()
	}
	waitErr := h.cmd.Wait()
	h.markExitObserved()

	endedAt := time.Now()
	uptime := endedAt.Sub(h.startedAt)
	exitCode := extractExitCode(waitErr)

	var reason error
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		reason = waitErr
	}
	state := s.registry.markExited(h, exitCode, reason, endedAt)
	close(h.reaped)

	s.settleOutput(h)
	tail := h.stderrScan.Tail(s.stderrTailLines)
	s.registry.setStderrTail(h, tail)
	h.signal.Fail(&ExitError{ExitCode: exitCode, StderrTail: tail})

	s.drainOutput(h)
	s.registry.setStderrTail(h, h.stderrScan.Tail(s.stderrTailLines))

	s.logger.Info("bot_exited",
		"pid", h.pid,
		"run_id", h.runID,
		"state", state.String(),
		"exit_code", exitCode,
		"uptime", uptime.String(),
	)
	if errs := logging.CountErrors(h.stderrScan.Tail(errorScanLines)); len(errs) > 0 {
		s.logger.Debug("bot_stderr_errors", "pid", h.pid, "counts", errs)
	}

	if s.callbacks.OnExit != nil {
		s.callbacks.OnExit(h.pid, exitCode, uptime)
	}
	close(h.done)
}

// settleOutput gives the scanners a short window to read what the worker
// wrote before exiting.
func (s *Supervisor) settleOutput(h *handle) {
	timer := time.NewTimer(min(exitSettleTimeout, s.drainTimeout))
	defer timer.Stop()

	for _, scan := range []<-chan struct{}{h.stdoutScan.Done(), h.stderrScan.Done()} {
		select {
		case <-scan:
		case <-timer.C:
			return
		}
	}
}

// drainOutput waits for the scanners to reach EOF. Descendants that kept
// the pipes open are killed after the drain timeout.
func (s *Supervisor) drainOutput(h *handle) {
	timer := time.NewTimer(s.drainTimeout)
	defer timer.Stop()

	for _, scan := range []<-chan struct{}{h.stdoutScan.Done(), h.stderrScan.Done()} {
		select {
		case <-scan:
		case <-timer.C:
			err := h.killRemnants()
			s.logger.Warn("output_drain_timeout",
				"pid", h.pid,
				"timeout", s.drainTimeout.String(),
				"reason", "pipes still open after worker exit",
				"group_killed", err == nil,
			)
			h.stdoutR.Close()
			h.stderrR.Close()
		}
	}
	<-h.stdoutScan.Done()
	<-h.stderrScan.Done()

	// Scanners closed the pipelines, so the log sinks finish
	h.parsers.Wait()
	h.stdoutR.Close()
	h.stderrR.Close()

	s.logPipelineStats(h)
}

// logPipelineStats logs per-stream read and delivery counts.
func (s *Supervisor) logPipelineStats(h *handle) {
	debug := s.logger.Enabled(context.Background(), slog.LevelDebug)
	streams := []struct {
		scan *parser.Scanner
		pipe *parser.Pipeline
	}{
		{h.stdoutScan, h.stdoutPipe},
		{h.stderrScan, h.stderrPipe},
	}
	for _, st := range streams {
		read, dropped, parsed := st.pipe.Stats()
		if dropped == 0 && !debug {
			continue
		}
		bytesRead, _, matches := st.scan.Stats()
		s.logger.Info("pipeline_stats",
			"pid", h.pid,
			"stream", st.scan.Stream(),
			"bytes_read", bytesRead,
			"lines_read", read,
			"lines_dropped", dropped,
			"lines_parsed", parsed,
			"marker_matches", matches,
			"result_from_stream", st.scan.Won(),
			"degraded", st.pipe.IsDegraded(),
		)
	}
}

// Terminate stops a worker: SIGTERM to its process group, SIGKILL after the
// grace period, then wait until it is reaped and its output drained.
// Terminating an exited worker is a no-op; no signal is ever sent after
// the exit has been observed.
func (s *Supervisor) Terminate(ctx context.Context, pid int) error {
	h, ok := s.registry.get(pid)
	if !ok {
		return ErrNotFound
	}
	return s.stop(ctx, h)
}

// ShutdownAll refuses new starts, waits for in-flight spawns to register,
// and terminates every live worker in parallel. Workers that already exited
// but whose descendants still hold their output open have those descendants
// killed. Finished workers stay registered so their status can still be read.
func (s *Supervisor) ShutdownAll(ctx context.Context) error {
	live := s.registry.close()
	s.logger.Info("shutdown_all", "live", len(live))

	g, gctx := errgroup.WithContext(ctx)
	for _, h := range live {
		g.Go(func() error {
			return s.stop(gctx, h)
		})
	}
	return g.Wait()
}

// stop runs the termination sequence once and waits for it to finish.
func (s *Supervisor) stop(ctx context.Context, h *handle) error {
	h.stopOnce.Do(func() {
		go s.terminateProcess(h)
	})

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// terminateProcess sends SIGTERM, then SIGKILL if the worker is still
// alive after the grace period.
func (s *Supervisor) terminateProcess(h *handle) {
	if !h.signalGroup(syscall.SIGTERM) {
		s.killRemnants(h)
		return
	}
	s.logger.Debug("bot_terminating", "pid", h.pid, "run_id", h.runID)

	timer := time.NewTimer(s.gracePeriod)
	defer timer.Stop()

	select {
	case <-h.reaped:
		return
	case <-timer.C:
	}

	s.logger.Warn("force_killing_process",
		"pid", h.pid,
		"run_id", h.runID,
		"grace_period", s.gracePeriod.String(),
	)
	h.signalGroup(syscall.SIGKILL)
}

// killRemnants kills descendants of an exited worker that still hold its
// output open.
func (s *Supervisor) killRemnants(h *handle) {
	select {
	case <-h.reaped:
	case <-time.After(s.gracePeriod):
		return
	}
	if !h.outputOpen() {
		return
	}
	if err := h.killRemnants(); err == nil {
		s.logger.Debug("bot_remnants_killed", "pid", h.pid, "run_id", h.runID)
	}
}

// extractExitCode extracts the exit code from a Wait() error.
func extractExitCode(err error) int {
	if err == nil {
		return 0
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				// Signal exit: 128 + signal number
				return 128 + int(status.Signal())
			}
			return status.ExitStatus()
		}
	}

	// Unknown error, assume exit code 1
	return 1
}
