package supervisor

import (
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/randomizedcoder/go-bot-launcher/internal/oneshot"
	"github.com/randomizedcoder/go-bot-launcher/internal/parser"
)

// handle is the supervisor's record of one worker.
//
// Fields in the first block are fixed after spawn. Bookkeeping fields in
// the last block are guarded by Registry.mu and read through StatusView.
type handle struct {
	pid       int
	runID     string
	startedAt time.Time
	cmd       *exec.Cmd
	signal    *oneshot.Signal[string]

	// Read ends of the worker's stdout and stderr pipes.
	stdoutR *os.File
	stderrR *os.File

	stdoutScan *parser.Scanner
	stderrScan *parser.Scanner
	stdoutPipe *parser.Pipeline
	stderrPipe *parser.Pipeline
	parsers    sync.WaitGroup

	// reaped is closed once the exit code is recorded.
	reaped chan struct{}
	// done is closed once output is drained and the signal settled.
	done chan struct{}

	// sigMu orders signal delivery against reaping: no signal is sent once
	// exitObserved is set, so a recycled PID is never hit.
	sigMu        sync.Mutex
	exitObserved bool

	stopOnce sync.Once

	resourceKey string
	state       State
	exitCode    int
	err         error
	stopReason  error
	result      string
	endedAt     time.Time
	stderrTail  []string
}

// view copies the bookkeeping. Caller holds Registry.mu.
func (h *handle) view() StatusView {
	return StatusView{
		PID:         h.pid,
		RunID:       h.runID,
		ResourceKey: h.resourceKey,
		State:       h.state,
		ExitCode:    h.exitCode,
		Err:         h.err,
		Result:      h.result,
		StartedAt:   h.startedAt,
		EndedAt:     h.endedAt,
		StderrTail:  append([]string(nil), h.stderrTail...),
	}
}

// signalGroup sends sig to the worker's process group unless the exit has
// already been observed. Returns false when nothing was sent.
func (h *handle) signalGroup(sig syscall.Signal) bool {
	h.sigMu.Lock()
	defer h.sigMu.Unlock()

	if h.exitObserved {
		return false
	}

	// Send to the process group so the bot's own children go too
	pgid, err := syscall.Getpgid(h.pid)
	if err == nil {
		err = syscall.Kill(-pgid, sig)
	}
	if err != nil {
		err = h.cmd.Process.Signal(sig)
	}
	return err == nil
}

// markExitObserved stops all further signalling.
func (h *handle) markExitObserved() {
	h.sigMu.Lock()
	h.exitObserved = true
	h.sigMu.Unlock()
}

// alive checks the process with signal 0. An unreaped zombie counts as
// alive; the exit watcher owns that case.
func (h *handle) alive() (alive, observed bool) {
	h.sigMu.Lock()
	defer h.sigMu.Unlock()

	if h.exitObserved {
		return false, true
	}
	err := syscall.Kill(h.pid, 0)
	return err == nil || err == syscall.EPERM, false
}

// isReaped reports whether the exit code has been recorded.
func (h *handle) isReaped() bool {
	select {
	case <-h.reaped:
		return true
	default:
		return false
	}
}

// draining reports whether the worker was reaped but its exit watcher is
// still reading leftover output.
func (h *handle) draining() bool {
	if !h.isReaped() {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// outputOpen reports whether either output stream is still being read.
func (h *handle) outputOpen() bool {
	for _, done := range []<-chan struct{}{h.stdoutScan.Done(), h.stderrScan.Done()} {
		select {
		case <-done:
		default:
			return true
		}
	}
	return false
}

// killRemnants SIGKILLs what is left of the worker's process group after
// the worker itself was reaped. Only valid while output is still being
// drained: open pipes mean the group still has members, so its id cannot
// have been recycled.
func (h *handle) killRemnants() error {
	return syscall.Kill(-h.pid, syscall.SIGKILL)
}
