package tui

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/randomizedcoder/go-bot-launcher/internal/stats"
	"github.com/randomizedcoder/go-bot-launcher/internal/supervisor"
)

// refreshInterval is how often the dashboard polls its sources.
const refreshInterval = 500 * time.Millisecond

// =============================================================================
// Messages
// =============================================================================

// TickMsg is sent periodically to update the display.
type TickMsg time.Time

// QuitMsg signals the TUI should exit.
type QuitMsg struct{}

// =============================================================================
// Model
// =============================================================================

// BotSource provides the tracked bots.
type BotSource interface {
	List() []supervisor.StatusView
	Counts() supervisor.Counts
}

// StatsSource provides launch statistics.
type StatsSource interface {
	Snapshot() stats.Snapshot
}

// Config holds TUI configuration.
type Config struct {
	ListenAddr  string
	MetricsAddr string
	// MaxBots is the global limit shown in the header (0 = unlimited).
	MaxBots     int
	Bots        BotSource
	StatsSource StatsSource
}

// Model represents the TUI state.
type Model struct {
	// Configuration
	listenAddr  string
	metricsAddr string
	maxBots     int

	// Sources
	bots        BotSource
	statsSource StatsSource

	// Current state
	views      []supervisor.StatusView
	counts     supervisor.Counts
	snap       *stats.Snapshot
	startTime  time.Time
	lastUpdate time.Time
	showAll    bool

	// Display options
	width  int
	height int

	quitting bool
}

// New creates a new TUI model.
func New(cfg Config) Model {
	return Model{
		listenAddr:  cfg.ListenAddr,
		metricsAddr: cfg.MetricsAddr,
		maxBots:     cfg.MaxBots,
		bots:        cfg.Bots,
		statsSource: cfg.StatsSource,
		startTime:   time.Now(),
		lastUpdate:  time.Now(),
		width:       80,
		height:      24,
	}
}

// =============================================================================
// Bubble Tea Interface
// =============================================================================

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	return tickCmd()
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "a":
			m.showAll = !m.showAll
			return m, nil
		case "r":
			m.refresh()
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case TickMsg:
		m.refresh()
		return m, tickCmd()

	case QuitMsg:
		m.quitting = true
		return m, tea.Quit
	}

	return m, nil
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	return m.renderDashboard()
}

// refresh pulls the latest bots and statistics from the sources.
func (m *Model) refresh() {
	if m.bots != nil {
		m.views = m.bots.List()
		m.counts = m.bots.Counts()
	}
	if m.statsSource != nil {
		snap := m.statsSource.Snapshot()
		m.snap = &snap
	}
	m.lastUpdate = time.Now()
}

// =============================================================================
// Commands
// =============================================================================

// tickCmd returns a command that sends a tick after refreshInterval.
func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// =============================================================================
// Accessors
// =============================================================================

// Elapsed returns the time since the dashboard started.
func (m Model) Elapsed() time.Duration {
	return time.Since(m.startTime)
}

// ActiveBots returns the number of starting and running bots.
func (m Model) ActiveBots() int {
	return m.counts.Active()
}

// Capacity returns active/max as 0..1, or 0 when unlimited.
func (m Model) Capacity() float64 {
	if m.maxBots <= 0 {
		return 0
	}
	return float64(m.ActiveBots()) / float64(m.maxBots)
}

// visibleBots returns the rows to draw: active bots, or every tracked bot
// when showAll is set.
func (m Model) visibleBots() []supervisor.StatusView {
	if m.showAll {
		return m.views
	}
	out := make([]supervisor.StatusView, 0, len(m.views))
	for _, v := range m.views {
		if v.State.IsActive() {
			out = append(out, v)
		}
	}
	return out
}

// =============================================================================
// Helper for external use
// =============================================================================

// SendQuit sends a quit message to the TUI.
func SendQuit(p *tea.Program) {
	if p != nil {
		p.Send(QuitMsg{})
	}
}

// =============================================================================
// Formatting Helpers (used by view.go)
// =============================================================================

// formatDuration formats a duration as HH:MM:SS.
func formatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// formatNumber formats a number with K/M suffixes.
func formatNumber(n int64) string {
	if n >= 1_000_000 {
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	}
	return fmt.Sprintf("%d", n)
}

// formatMs formats a duration as milliseconds, or "-" when unset.
func formatMs(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	ms := d.Milliseconds()
	if ms == 0 {
		return fmt.Sprintf("%d µs", d.Microseconds())
	}
	return fmt.Sprintf("%d ms", ms)
}

// formatPercent formats a ratio as a percentage.
func formatPercent(value float64) string {
	return fmt.Sprintf("%.1f%%", value*100)
}

// truncate shortens s to at most n runes, marking the cut with "...".
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
