// Package supervisor launches bot worker processes, waits for the result
// value they print, and tracks them until they exit.
package supervisor

import "time"

// State represents the lifecycle stage of a worker.
// Transitions are monotonic: Starting → Running → terminal, or
// Starting → terminal.
type State int

const (
	// StateStarting indicates the worker is spawned but has not produced
	// its result yet.
	StateStarting State = iota

	// StateRunning indicates the worker produced its result and is alive.
	StateRunning

	// StateFinished indicates the worker exited; ExitCode is valid.
	StateFinished

	// StateFailed indicates the worker was lost, timed out or could not be
	// waited on; Err holds the reason.
	StateFailed
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsActive returns true while the worker is believed alive.
// Active workers count toward admission limits.
func (s State) IsActive() bool {
	return s == StateStarting || s == StateRunning
}

// IsTerminal returns true once the worker has exited or been given up on.
func (s State) IsTerminal() bool {
	return s == StateFinished || s == StateFailed
}

// StatusView is a copy of a worker's bookkeeping, safe to keep and share.
type StatusView struct {
	PID         int
	RunID       string
	ResourceKey string
	State       State

	// ExitCode is valid once the process has been reaped, -1 before.
	// Signals are reported as 128+n.
	ExitCode int

	// Err is the failure reason for StateFailed.
	Err error

	// Result is the value printed by the worker, empty until found.
	Result string

	StartedAt time.Time
	EndedAt   time.Time

	// StderrTail holds the last lines of stderr, captured on exit.
	StderrTail []string
}

// Uptime returns how long the worker ran, or has been running so far.
func (v StatusView) Uptime(now time.Time) time.Duration {
	if !v.EndedAt.IsZero() {
		return v.EndedAt.Sub(v.StartedAt)
	}
	return now.Sub(v.StartedAt)
}

// Counts holds the number of known workers per state.
type Counts struct {
	Starting int
	Running  int
	Finished int
	Failed   int
}

// Active returns the number of workers believed alive.
func (c Counts) Active() int {
	return c.Starting + c.Running
}

// Total returns the number of tracked workers.
func (c Counts) Total() int {
	return c.Starting + c.Running + c.Finished + c.Failed
}
