package supervisor

import (
	"errors"
	"testing"
	"time"
)

// =============================================================================
// Table-Driven Tests: State
// =============================================================================

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateStarting, "starting"},
		{StateRunning, "running"},
		{StateFinished, "finished"},
		{StateFailed, "failed"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.state.String(); got != tt.want {
				t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
			}
		})
	}
}

func TestState_IsActive(t *testing.T) {
	tests := []struct {
		state State
		want  bool
	}{
		{StateStarting, true},
		{StateRunning, true},
		{StateFinished, false},
		{StateFailed, false},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			if got := tt.state.IsActive(); got != tt.want {
				t.Errorf("%s.IsActive() = %v, want %v", tt.state, got, tt.want)
			}
			if got := tt.state.IsTerminal(); got == tt.want {
				t.Errorf("%s.IsTerminal() = %v, want %v", tt.state, got, !tt.want)
			}
		})
	}
}

func TestStatusView_Uptime(t *testing.T) {
	start := time.Date(2024, 11, 2, 10, 0, 0, 0, time.UTC)

	running := StatusView{StartedAt: start}
	if got := running.Uptime(start.Add(3 * time.Second)); got != 3*time.Second {
		t.Errorf("running Uptime = %v, want 3s", got)
	}

	ended := StatusView{StartedAt: start, EndedAt: start.Add(time.Second)}
	if got := ended.Uptime(start.Add(time.Hour)); got != time.Second {
		t.Errorf("ended Uptime = %v, want 1s", got)
	}
}

func TestCounts(t *testing.T) {
	c := Counts{Starting: 1, Running: 2, Finished: 3, Failed: 4}
	if c.Active() != 3 {
		t.Errorf("Active() = %d, want 3", c.Active())
	}
	if c.Total() != 10 {
		t.Errorf("Total() = %d, want 10", c.Total())
	}
}

// =============================================================================
// Table-Driven Tests: Errors
// =============================================================================

func TestErrors_Is(t *testing.T) {
	cause := errors.New("exec: no such file")

	tests := []struct {
		name   string
		err    error
		target error
	}{
		{"admission room", &AdmissionError{ResourceKey: "r", Limit: 1}, ErrAdmissionDenied},
		{"admission global", &AdmissionError{Limit: 5}, ErrAdmissionDenied},
		{"spawn", &SpawnError{Cause: cause}, ErrSpawnFailed},
		{"spawn cause", &SpawnError{Cause: cause}, cause},
		{"exit", &ExitError{ExitCode: 1}, ErrWorkerExitedWithoutResult},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.target) {
				t.Errorf("errors.Is(%v, %v) = false", tt.err, tt.target)
			}
		})
	}
}

func TestErrors_Messages(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "room limit",
			err:  &AdmissionError{ResourceKey: "https://x.daily.co/r", Limit: 1},
			want: "admission denied: room https://x.daily.co/r already has 1 bot(s)",
		},
		{
			name: "global limit",
			err:  &AdmissionError{Limit: 8},
			want: "admission denied: 8 bots already running",
		},
		{
			name: "exit with tail",
			err:  &ExitError{ExitCode: 1, StderrTail: []string{"Traceback", "KeyError: 'TAVUS_API_KEY'"}},
			want: "worker exited without result (exit code 1): KeyError: 'TAVUS_API_KEY'",
		},
		{
			name: "exit without tail",
			err:  &ExitError{ExitCode: 137},
			want: "worker exited without result (exit code 137)",
		},
		{
			name: "spawn",
			err:  &SpawnError{Cause: errors.New("permission denied")},
			want: "spawn failed: permission denied",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExitError_Stderr(t *testing.T) {
	e := &ExitError{StderrTail: []string{"a", "b"}}
	if got := e.Stderr(); got != "a\nb" {
		t.Errorf("Stderr() = %q", got)
	}
}
