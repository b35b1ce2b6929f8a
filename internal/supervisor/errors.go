package supervisor

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAdmissionDenied is returned when a room (or the launcher as a
	// whole) is at its concurrency limit. No process is spawned.
	ErrAdmissionDenied = errors.New("admission denied")

	// ErrSpawnFailed is matched by every *SpawnError.
	ErrSpawnFailed = errors.New("spawn failed")

	// ErrWorkerExitedWithoutResult is matched by every *ExitError.
	ErrWorkerExitedWithoutResult = errors.New("worker exited without result")

	// ErrTimeoutWaitingForResult is returned when the worker neither
	// printed its result nor exited in time. The worker has been
	// terminated by the time the caller sees it.
	ErrTimeoutWaitingForResult = errors.New("timeout waiting for result")

	// ErrNotFound is returned for an unknown or removed process ID.
	ErrNotFound = errors.New("process not found")

	// ErrShuttingDown is returned for starts after ShutdownAll.
	ErrShuttingDown = errors.New("supervisor shutting down")

	// ErrStillRunning is returned by Remove for a live worker.
	ErrStillRunning = errors.New("process still running")

	// ErrProcessVanished is the failure reason of a worker found dead by a
	// liveness check before its exit was observed.
	ErrProcessVanished = errors.New("process vanished")
)

// AdmissionError reports which limit denied a start.
type AdmissionError struct {
	// ResourceKey is the room at its limit, empty for the global limit.
	ResourceKey string
	Limit       int
}

func (e *AdmissionError) Error() string {
	if e.ResourceKey == "" {
		return fmt.Sprintf("admission denied: %d bots already running", e.Limit)
	}
	return fmt.Sprintf("admission denied: room %s already has %d bot(s)", e.ResourceKey, e.Limit)
}

// Is reports whether target is ErrAdmissionDenied.
func (e *AdmissionError) Is(target error) bool {
	return target == ErrAdmissionDenied
}

// SpawnError wraps an OS-level failure to start a worker.
type SpawnError struct {
	Cause error
}

func (e *SpawnError) Error() string {
	return "spawn failed: " + e.Cause.Error()
}

// Unwrap returns the cause.
func (e *SpawnError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is ErrSpawnFailed.
func (e *SpawnError) Is(target error) bool {
	return target == ErrSpawnFailed
}

// ExitError reports a worker that exited before printing its result.
type ExitError struct {
	ExitCode   int
	StderrTail []string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("worker exited without result (exit code %d)", e.ExitCode)
	if len(e.StderrTail) > 0 {
		msg += ": " + e.StderrTail[len(e.StderrTail)-1]
	}
	return msg
}

// Is reports whether target is ErrWorkerExitedWithoutResult.
func (e *ExitError) Is(target error) bool {
	return target == ErrWorkerExitedWithoutResult
}

// Stderr returns the captured tail joined by newlines.
func (e *ExitError) Stderr() string {
	return strings.Join(e.StderrTail, "\n")
}
