// Package metrics provides Prometheus metrics for go-bot-launcher.
//
// All metrics are aggregate: labels never carry a PID or room, so cardinality
// stays fixed however many bots are launched.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Exit categories used as the "category" label of bot_launcher_exits_total.
const (
	ExitSuccess = "success"
	ExitError   = "error"
	ExitSignal  = "signal"
)

// Collector owns the launcher's Prometheus metrics.
type Collector struct {
	// --- Panel 1: Overview ---
	info       *prometheus.GaugeVec
	activeBots prometheus.Gauge

	// --- Panel 2: Launch outcomes ---
	startsTotal          prometheus.Counter
	admissionDeniedTotal prometheus.Counter
	spawnFailuresTotal   prometheus.Counter
	timeoutsTotal        prometheus.Counter
	exitsTotal           *prometheus.CounterVec

	// --- Panel 3: Latency ---
	timeToURLSeconds prometheus.Histogram

	// --- Panel 4: Uptime Distribution ---
	uptimeSeconds prometheus.Histogram

	startTime time.Time

	mu         sync.Mutex
	peakActive int
}

// CollectorConfig holds configuration for the collector.
type CollectorConfig struct {
	Version string
	Marker  string
}

// NewCollector creates a collector registered on the default registry.
func NewCollector(cfg CollectorConfig) *Collector {
	return NewCollectorWithRegistry(cfg, prometheus.DefaultRegisterer)
}

// NewCollectorWithRegistry creates a collector with a custom registry.
// Useful for testing.
func NewCollectorWithRegistry(cfg CollectorConfig, registry prometheus.Registerer) *Collector {
	c := &Collector{
		info: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bot_launcher_info",
				Help: "Information about the launcher (value always 1)",
			},
			[]string{"version", "marker"},
		),
		activeBots: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bot_launcher_active_bots",
				Help: "Bots currently starting or running",
			},
		),
		startsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "bot_launcher_starts_total",
				Help: "Total bot processes spawned",
			},
		),
		admissionDeniedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "bot_launcher_admission_denied_total",
				Help: "Start requests refused by a per-room or global limit",
			},
		),
		spawnFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "bot_launcher_spawn_failures_total",
				Help: "Start requests the OS refused to spawn",
			},
		),
		timeoutsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "bot_launcher_timeouts_total",
				Help: "Bots terminated for not printing a room URL in time",
			},
		),
		exitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bot_launcher_exits_total",
				Help: "Bot exits by exit code category",
			},
			[]string{"category"}, // "success", "error", "signal"
		),
		timeToURLSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "bot_launcher_time_to_url_seconds",
				Help:    "Time from spawn to the room URL being printed",
				Buckets: []float64{0.25, 0.5, 1, 2, 3, 5, 8, 13, 20, 30, 60},
			},
		),
		uptimeSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "bot_launcher_uptime_seconds",
				Help:    "Bot uptime before exit",
				Buckets: []float64{1, 5, 30, 60, 300, 600, 1800, 3600, 7200},
			},
		),
		startTime: time.Now(),
	}

	registry.MustRegister(
		c.info,
		c.activeBots,
		c.startsTotal,
		c.admissionDeniedTotal,
		c.spawnFailuresTotal,
		c.timeoutsTotal,
		c.exitsTotal,
		c.timeToURLSeconds,
		c.uptimeSeconds,
	)

	c.info.WithLabelValues(cfg.Version, cfg.Marker).Set(1)

	// Pre-create the exit series so dashboards see zeros, not gaps.
	for _, category := range []string{ExitSuccess, ExitError, ExitSignal} {
		c.exitsTotal.WithLabelValues(category)
	}

	return c
}

// =============================================================================
// Event Recording Methods
// =============================================================================

// BotStarted records a bot spawn.
func (c *Collector) BotStarted() {
	c.startsTotal.Inc()
}

// RecordResult records how long a bot took to print its room URL.
func (c *Collector) RecordResult(elapsed time.Duration) {
	c.timeToURLSeconds.Observe(elapsed.Seconds())
}

// RecordExit records a process exit event.
func (c *Collector) RecordExit(exitCode int, uptime time.Duration) {
	c.exitsTotal.WithLabelValues(ExitCategory(exitCode)).Inc()
	c.uptimeSeconds.Observe(uptime.Seconds())
}

// AdmissionDenied records a refused start.
func (c *Collector) AdmissionDenied() {
	c.admissionDeniedTotal.Inc()
}

// SpawnFailed records a start the OS refused.
func (c *Collector) SpawnFailed() {
	c.spawnFailuresTotal.Inc()
}

// Timeout records a bot terminated for not printing its URL in time.
func (c *Collector) Timeout() {
	c.timeoutsTotal.Inc()
}

// SetActiveCount updates the active bot gauge and tracks the peak.
func (c *Collector) SetActiveCount(count int) {
	c.activeBots.Set(float64(count))

	c.mu.Lock()
	if count > c.peakActive {
		c.peakActive = count
	}
	c.mu.Unlock()
}

// PeakActive returns the highest active count seen.
func (c *Collector) PeakActive() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peakActive
}

// Elapsed returns how long the collector has existed.
func (c *Collector) Elapsed() time.Duration {
	return time.Since(c.startTime)
}

// ExitCategory maps an exit code to success, error or signal.
// Codes above 128 follow the shell convention of 128+signal.
func ExitCategory(exitCode int) string {
	switch {
	case exitCode == 0:
		return ExitSuccess
	case exitCode > 128:
		return ExitSignal
	default:
		return ExitError
	}
}
