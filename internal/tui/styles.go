// Package tui provides a live terminal dashboard for the bot launcher.
//
// The TUI uses Bubble Tea for the application framework and Lipgloss for styling.
// It displays the tracked bots with their state, room and uptime, alongside
// launch counters and time-to-URL percentiles.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/randomizedcoder/go-bot-launcher/internal/supervisor"
)

// =============================================================================
// Palette
// =============================================================================

// Colours are named for bot conditions.
var (
	colorBrand  = lipgloss.Color("#7C3AED")
	colorAccent = lipgloss.Color("#06B6D4")

	colorLive    = lipgloss.Color("#10B981") // has a room URL
	colorPending = lipgloss.Color("#3B82F6") // spawned, no URL yet
	colorStrain  = lipgloss.Color("#F59E0B") // near a limit, slow, refused
	colorFailed  = lipgloss.Color("#EF4444")

	colorText   = lipgloss.Color("#E5E7EB")
	colorQuiet  = lipgloss.Color("#9CA3AF")
	colorFaint  = lipgloss.Color("#6B7280")
	colorChrome = lipgloss.Color("#374151")
)

func fg(c lipgloss.Color) lipgloss.Style {
	return lipgloss.NewStyle().Foreground(c)
}

func bold(c lipgloss.Color) lipgloss.Style {
	return fg(c).Bold(true)
}

// =============================================================================
// Styles
// =============================================================================

var (
	quietStyle = fg(colorQuiet)
	faintStyle = fg(colorFaint)

	liveStyle    = bold(colorLive)
	pendingStyle = bold(colorPending)
	strainStyle  = bold(colorStrain)
	failedStyle  = bold(colorFailed)

	valueStyle = bold(colorText)
	fieldStyle = fg(colorQuiet).Width(20)

	boxStyle     = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(colorChrome).Padding(0, 1)
	headerStyle  = bold(colorText).Background(colorBrand).Padding(0, 1).MarginBottom(1)
	sectionStyle = bold(colorAccent).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).BorderForeground(colorChrome)

	footerStyle = fg(colorQuiet).MarginTop(1)

	columnStyle = bold(colorAccent)
	rowStyles   = [2]lipgloss.Style{fg(colorText), fg(colorQuiet)}

	slotUsedStyle = fg(colorBrand)
	slotFreeStyle = fg(colorChrome)
)

// stateStyles colours the bot table's state column. Unknown states render
// as failures.
var stateStyles = map[supervisor.State]lipgloss.Style{
	supervisor.StateStarting: pendingStyle,
	supervisor.StateRunning:  liveStyle,
	supervisor.StateFinished: quietStyle,
	supervisor.StateFailed:   failedStyle,
}

func stateStyle(s supervisor.State) lipgloss.Style {
	if style, ok := stateStyles[s]; ok {
		return style
	}
	return failedStyle
}

// stateLabel renders a bot's state, with its exit code once it is gone.
func stateLabel(v supervisor.StatusView) string {
	label := v.State.String()
	if v.State.IsTerminal() && v.ExitCode >= 0 {
		label = fmt.Sprintf("%s (%d)", label, v.ExitCode)
	}
	return stateStyle(v.State).Render(label)
}

// =============================================================================
// Thresholds
// =============================================================================

// urlRateStyle colours the share of spawned bots that printed a room URL.
func urlRateStyle(rate float64) lipgloss.Style {
	switch {
	case rate >= 0.99:
		return liveStyle
	case rate >= 0.90:
		return strainStyle
	default:
		return failedStyle
	}
}

// slotsStyle colours slot usage against the global limit. Full means new
// starts get 429.
func slotsStyle(used, limit int) lipgloss.Style {
	switch {
	case limit <= 0:
		return liveStyle
	case used >= limit:
		return failedStyle
	case used*5 >= limit*4:
		return strainStyle
	default:
		return liveStyle
	}
}

// Time-to-URL bands. Callers with default settings give up after 30s.
const (
	slowTimeToURL    = 10 * time.Second
	tooSlowTimeToURL = 20 * time.Second
)

// timeToURLStyle colours a time-to-URL percentile.
func timeToURLStyle(d time.Duration) lipgloss.Style {
	switch {
	case d <= 0:
		return valueStyle
	case d >= tooSlowTimeToURL:
		return failedStyle
	case d >= slowTimeToURL:
		return strainStyle
	default:
		return valueStyle
	}
}

// =============================================================================
// Rendering
// =============================================================================

// renderField renders "label: value" with value in style.
func renderField(label, value string, style lipgloss.Style) string {
	return lipgloss.JoinHorizontal(lipgloss.Left,
		fieldStyle.Render(label+":"),
		style.Render(value),
	)
}

// renderSlots draws one cell per bot slot, or a proportional bar when the
// limit is wider than width, followed by "used/limit".
func renderSlots(used, limit, width int) string {
	width = max(width, 10)
	if limit <= 0 {
		return ""
	}

	cells, filled := limit, used
	if limit > width {
		cells = width
		filled = used * width / limit
	}
	filled = min(max(filled, 0), cells)

	return slotUsedStyle.Render(strings.Repeat("█", filled)) +
		slotFreeStyle.Render(strings.Repeat("░", cells-filled)) +
		valueStyle.Render(fmt.Sprintf(" %d/%d", used, limit))
}
