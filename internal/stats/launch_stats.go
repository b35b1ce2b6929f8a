// Package stats provides launch statistics for the bot launcher.
//
// LaunchStats counts outcomes and keeps t-digests of time-to-URL and bot
// uptime, so percentiles stay cheap however many bots are launched.
package stats

import (
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/influxdata/tdigest"
)

// digestCompression keeps ~100 centroids (~10KB) per digest.
const digestCompression = 100

// LaunchStats accumulates supervisor events.
//
// Thread-safe: counters are atomic, digests and exit codes are behind mu.
type LaunchStats struct {
	startTime time.Time

	// Outcome counts (atomic, lock-free)
	starts          atomic.Int64
	ready           atomic.Int64
	admissionDenied atomic.Int64
	spawnFailures   atomic.Int64
	timeouts        atomic.Int64
	exits           atomic.Int64

	mu              sync.Mutex
	exitCodes       map[int]int64
	timeToURLDigest *tdigest.TDigest
	uptimeDigest    *tdigest.TDigest
	minTimeToURL    time.Duration
	maxTimeToURL    time.Duration
}

// NewLaunchStats creates empty statistics.
func NewLaunchStats() *LaunchStats {
	return &LaunchStats{
		startTime:       time.Now(),
		exitCodes:       make(map[int]int64),
		timeToURLDigest: tdigest.NewWithCompression(digestCompression),
		uptimeDigest:    tdigest.NewWithCompression(digestCompression),
	}
}

// RecordStart counts a spawned bot.
func (s *LaunchStats) RecordStart() {
	s.starts.Add(1)
}

// RecordResult counts a bot that printed its URL after elapsed.
func (s *LaunchStats) RecordResult(elapsed time.Duration) {
	s.ready.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeToURLDigest.Add(float64(elapsed.Nanoseconds()), 1)
	if s.minTimeToURL == 0 || elapsed < s.minTimeToURL {
		s.minTimeToURL = elapsed
	}
	if elapsed > s.maxTimeToURL {
		s.maxTimeToURL = elapsed
	}
}

// RecordExit counts a reaped bot.
func (s *LaunchStats) RecordExit(exitCode int, uptime time.Duration) {
	s.exits.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.exitCodes[exitCode]++
	s.uptimeDigest.Add(float64(uptime.Nanoseconds()), 1)
}

// RecordAdmissionDenied counts a refused start.
func (s *LaunchStats) RecordAdmissionDenied() {
	s.admissionDenied.Add(1)
}

// RecordSpawnFailure counts a start the OS refused.
func (s *LaunchStats) RecordSpawnFailure() {
	s.spawnFailures.Add(1)
}

// RecordTimeout counts a bot terminated for not printing its URL in time.
func (s *LaunchStats) RecordTimeout() {
	s.timeouts.Add(1)
}

// Elapsed returns how long the statistics have been collected.
func (s *LaunchStats) Elapsed() time.Duration {
	return time.Since(s.startTime)
}

// Snapshot is a point-in-time copy of LaunchStats.
type Snapshot struct {
	Elapsed time.Duration

	Starts          int64
	Ready           int64
	AdmissionDenied int64
	SpawnFailures   int64
	Timeouts        int64
	Exits           int64

	ExitCodes map[int]int64

	// Time from spawn to room URL
	TimeToURLMin time.Duration
	TimeToURLP50 time.Duration
	TimeToURLP95 time.Duration
	TimeToURLP99 time.Duration
	TimeToURLMax time.Duration

	// Bot uptime at exit
	UptimeP50 time.Duration
	UptimeP95 time.Duration
	UptimeP99 time.Duration
}

// Requests returns every start attempt, including refused ones.
func (s Snapshot) Requests() int64 {
	return s.Starts + s.AdmissionDenied + s.SpawnFailures
}

// SuccessRate is Ready/Starts, or 0 before the first start.
func (s Snapshot) SuccessRate() float64 {
	if s.Starts == 0 {
		return 0
	}
	return float64(s.Ready) / float64(s.Starts)
}

// Snapshot returns a consistent copy of the current statistics.
func (s *LaunchStats) Snapshot() Snapshot {
	snap := Snapshot{
		Elapsed:         s.Elapsed(),
		Starts:          s.starts.Load(),
		Ready:           s.ready.Load(),
		AdmissionDenied: s.admissionDenied.Load(),
		SpawnFailures:   s.spawnFailures.Load(),
		Timeouts:        s.timeouts.Load(),
		Exits:           s.exits.Load(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap.ExitCodes = maps.Clone(s.exitCodes)

	if s.timeToURLDigest.Count() > 0 {
		snap.TimeToURLMin = s.minTimeToURL
		snap.TimeToURLP50 = time.Duration(s.timeToURLDigest.Quantile(0.50))
		snap.TimeToURLP95 = time.Duration(s.timeToURLDigest.Quantile(0.95))
		snap.TimeToURLP99 = time.Duration(s.timeToURLDigest.Quantile(0.99))
		snap.TimeToURLMax = s.maxTimeToURL
	}
	if s.uptimeDigest.Count() > 0 {
		snap.UptimeP50 = time.Duration(s.uptimeDigest.Quantile(0.50))
		snap.UptimeP95 = time.Duration(s.uptimeDigest.Quantile(0.95))
		snap.UptimeP99 = time.Duration(s.uptimeDigest.Quantile(0.99))
	}

	return snap
}
