// Package oneshot provides a single-assignment result that many goroutines
// can wait on.
//
// A Signal starts Pending and moves exactly once to Resolved (a value) or
// Rejected (an error). Every later Complete or Fail is a no-op, so a producer
// racing a timeout can never overwrite the outcome another waiter already saw.
package oneshot

import (
	"context"
	"errors"
	"sync"
)

// State is the lifecycle position of a Signal.
type State int

const (
	// StatePending means no outcome has been recorded yet.
	StatePending State = iota

	// StateResolved means Complete won.
	StateResolved

	// StateRejected means Fail won.
	StateRejected
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateResolved:
		return "resolved"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Signal is a one-shot value-or-error notification.
// The zero value is not usable; create one with New.
type Signal[T any] struct {
	mu    sync.Mutex
	done  chan struct{}
	state State
	value T
	err   error
}

// New returns a pending Signal.
func New[T any]() *Signal[T] {
	return &Signal[T]{done: make(chan struct{})}
}

// Complete resolves the signal with v.
// Returns false if the signal already left Pending.
func (s *Signal[T]) Complete(v T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePending {
		return false
	}
	s.value = v
	s.state = StateResolved
	close(s.done)
	return true
}

// Fail rejects the signal with err. A nil err is replaced with a generic one
// so that waiters can always tell a rejection from a zero value.
// Returns false if the signal already left Pending.
func (s *Signal[T]) Fail(err error) bool {
	if err == nil {
		err = errors.New("oneshot: rejected")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePending {
		return false
	}
	s.err = err
	s.state = StateRejected
	close(s.done)
	return true
}

// Done returns a channel closed once the signal is terminal.
func (s *Signal[T]) Done() <-chan struct{} {
	return s.done
}

// State returns the current state.
func (s *Signal[T]) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Result peeks at the outcome without blocking.
// ok is false while the signal is still pending.
func (s *Signal[T]) Result() (v T, err error, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StatePending {
		return v, nil, false
	}
	return s.value, s.err, true
}

// Wait blocks until the signal is terminal or ctx is done.
// On ctx expiry it returns ctx.Err() and leaves the signal untouched.
func (s *Signal[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-s.done:
		v, err, _ := s.Result()
		return v, err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
