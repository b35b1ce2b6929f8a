package supervisor

import (
	"slices"
	"sync"
	"time"
)

// Registry owns every worker handle and enforces admission limits.
//
// A start first reserves a slot, spawns outside the lock, then commits the
// handle, which releases the reservation in the same critical section.
// Admission counts active handles plus outstanding reservations, so
// concurrent starts for one room can never both pass.
type Registry struct {
	mu      sync.Mutex
	idle    *sync.Cond
	handles map[int]*handle

	reserved      map[string]int
	reservedTotal int

	perKeyLimit int // 0 = unlimited
	globalLimit int // 0 = unlimited
	closed      bool
}

// NewRegistry creates a registry with the given limits (0 = unlimited).
func NewRegistry(perKeyLimit, globalLimit int) *Registry {
	r := &Registry{
		handles:     make(map[int]*handle),
		reserved:    make(map[string]int),
		perKeyLimit: perKeyLimit,
		globalLimit: globalLimit,
	}
	r.idle = sync.NewCond(&r.mu)
	return r
}

// reservation is an admitted, not yet committed, start.
type reservation struct {
	r    *Registry
	key  string
	done bool
}

// reserve admits a start for key. An empty key skips the per-room check.
func (r *Registry) reserve(key string) (*reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrShuttingDown
	}

	if r.globalLimit > 0 && r.activeLocked()+r.reservedTotal >= r.globalLimit {
		return nil, &AdmissionError{Limit: r.globalLimit}
	}
	if key != "" && r.perKeyLimit > 0 && r.activeForKeyLocked(key, nil)+r.reserved[key] >= r.perKeyLimit {
		return nil, &AdmissionError{ResourceKey: key, Limit: r.perKeyLimit}
	}

	r.reserved[key]++
	r.reservedTotal++
	return &reservation{r: r, key: key}, nil
}

// release gives the slot back after a failed spawn.
func (res *reservation) release() {
	res.r.mu.Lock()
	res.releaseLocked()
	res.r.mu.Unlock()
}

// commit inserts h and releases the reservation atomically.
//
// A retained terminal handle may share a recycled PID and is replaced
// quietly. A live one means its exit was missed: it is failed as vanished
// and returned so the caller can report it.
func (res *reservation) commit(h *handle) (displaced *handle) {
	r := res.r
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.handles[h.pid]; ok && old != h && old.state.IsActive() {
		old.state = StateFailed
		old.err = ErrProcessVanished
		old.endedAt = time.Now()
		displaced = old
	}

	h.resourceKey = res.key
	h.state = StateStarting
	r.handles[h.pid] = h
	res.releaseLocked()
	return displaced
}

func (res *reservation) releaseLocked() {
	if res.done {
		return
	}
	res.done = true
	r := res.r
	r.reserved[res.key]--
	if r.reserved[res.key] == 0 {
		delete(r.reserved, res.key)
	}
	r.reservedTotal--
	if r.reservedTotal == 0 {
		r.idle.Broadcast()
	}
}

// activeLocked counts handles believed alive.
func (r *Registry) activeLocked() int {
	n := 0
	for _, h := range r.handles {
		if h.state.IsActive() {
			n++
		}
	}
	return n
}

// activeForKeyLocked counts live handles for key, not counting skip.
func (r *Registry) activeForKeyLocked(key string, skip *handle) int {
	n := 0
	for _, h := range r.handles {
		if h != skip && h.resourceKey == key && h.state.IsActive() {
			n++
		}
	}
	return n
}

// claimKey sets the resource key of a handle admitted without one and
// checks the per-room limit after the fact.
func (r *Registry) claimKey(h *handle, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h.resourceKey != "" {
		return nil
	}
	h.resourceKey = key
	if r.perKeyLimit > 0 && r.activeForKeyLocked(key, h)+r.reserved[key] >= r.perKeyLimit {
		return &AdmissionError{ResourceKey: key, Limit: r.perKeyLimit}
	}
	return nil
}

// close refuses new reservations and waits for outstanding ones to commit
// or release. Returns the handles still active afterwards, plus exited
// ones whose output is still being drained.
func (r *Registry) close() []*handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	for r.reservedTotal > 0 {
		r.idle.Wait()
	}

	var live []*handle
	for _, h := range r.handles {
		if h.state.IsActive() || h.draining() {
			live = append(live, h)
		}
	}
	return live
}

func (r *Registry) get(pid int) (*handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[pid]
	return h, ok
}

func (r *Registry) view(h *handle) StatusView {
	r.mu.Lock()
	defer r.mu.Unlock()
	return h.view()
}

// markRunning records the result. A worker that already exited keeps its
// terminal state but still gets the result it printed.
func (r *Registry) markRunning(h *handle, result string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h.result == "" {
		h.result = result
	}
	if h.state == StateStarting {
		h.state = StateRunning
	}
}

// setStopReason records why the supervisor is stopping a worker. The exit
// watcher reports it as the failure reason instead of the exit code.
func (r *Registry) setStopReason(h *handle, reason error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h.stopReason == nil {
		h.stopReason = reason
	}
}

// markExited records the reaped exit status.
func (r *Registry) markExited(h *handle, exitCode int, waitErr error, at time.Time) State {
	r.mu.Lock()
	defer r.mu.Unlock()

	h.exitCode = exitCode
	if h.state.IsTerminal() {
		return h.state
	}
	h.endedAt = at
	switch {
	case h.stopReason != nil:
		h.state = StateFailed
		h.err = h.stopReason
	case waitErr != nil:
		h.state = StateFailed
		h.err = waitErr
	default:
		h.state = StateFinished
	}
	if v, err, ok := h.signal.Result(); ok && err == nil && h.result == "" {
		h.result = v
	}
	return h.state
}

// markVanished fails a live handle whose process is gone.
func (r *Registry) markVanished(h *handle, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h.state.IsTerminal() {
		return false
	}
	h.state = StateFailed
	h.err = ErrProcessVanished
	h.endedAt = at
	return true
}

func (r *Registry) setStderrTail(h *handle, tail []string) {
	r.mu.Lock()
	h.stderrTail = tail
	r.mu.Unlock()
}

// list returns views of all handles, oldest first.
func (r *Registry) list() []StatusView {
	r.mu.Lock()
	views := make([]StatusView, 0, len(r.handles))
	for _, h := range r.handles {
		views = append(views, h.view())
	}
	r.mu.Unlock()

	slices.SortFunc(views, func(a, b StatusView) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return a.PID - b.PID
	})
	return views
}

// remove deletes a terminal handle.
func (r *Registry) remove(pid int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handles[pid]
	if !ok {
		return ErrNotFound
	}
	if !h.state.IsTerminal() {
		return ErrStillRunning
	}
	delete(r.handles, pid)
	return nil
}

// sweep removes terminal handles that ended before cutoff.
func (r *Registry) sweep(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for pid, h := range r.handles {
		if h.state.IsTerminal() && h.endedAt.Before(cutoff) {
			delete(r.handles, pid)
			n++
		}
	}
	return n
}

func (r *Registry) counts() Counts {
	r.mu.Lock()
	defer r.mu.Unlock()

	var c Counts
	for _, h := range r.handles {
		switch h.state {
		case StateStarting:
			c.Starting++
		case StateRunning:
			c.Running++
		case StateFinished:
			c.Finished++
		case StateFailed:
			c.Failed++
		}
	}
	return c
}
