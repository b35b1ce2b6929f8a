package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// =============================================================================
// Main View Rendering
// =============================================================================

// renderDashboard renders the whole screen.
func (m Model) renderDashboard() string {
	sections := []string{m.renderHeader()}

	if m.maxBots > 0 {
		sections = append(sections, m.renderCapacity())
	}
	if m.snap != nil {
		sections = append(sections, m.renderLaunchStats())
	}
	sections = append(sections, m.renderBotTable(), m.renderFooter())

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// =============================================================================
// Header
// =============================================================================

func (m Model) renderHeader() string {
	limit := "∞"
	if m.maxBots > 0 {
		limit = fmt.Sprintf("%d", m.maxBots)
	}

	header := fmt.Sprintf(
		" go-bot-launcher │ Bots: %d/%s │ Starting: %d │ Exited: %d │ Uptime: %s ",
		m.ActiveBots(),
		limit,
		m.counts.Starting,
		m.counts.Finished+m.counts.Failed,
		formatDuration(m.Elapsed()),
	)

	return headerStyle.Width(m.width).Render(header)
}

// =============================================================================
// Capacity
// =============================================================================

func (m Model) renderCapacity() string {
	capacity := m.Capacity()

	barWidth := m.width - 30
	if barWidth < 20 {
		barWidth = 20
	}

	status := fmt.Sprintf("%d of %d slots in use", m.ActiveBots(), m.maxBots)
	if capacity >= 1.0 {
		status = "At capacity, new starts get 429"
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		sectionStyle.Render("Capacity"),
		renderSlots(m.ActiveBots(), m.maxBots, barWidth),
		slotsStyle(m.ActiveBots(), m.maxBots).Render(status),
	)
	return boxStyle.Width(m.width - 2).Render(content)
}

// =============================================================================
// Launch Statistics
// =============================================================================

func (m Model) renderLaunchStats() string {
	s := m.snap

	left := []string{
		renderField("Requests", formatNumber(s.Requests()), valueStyle),
		renderField("Spawned", formatNumber(s.Starts), valueStyle),
		renderField("Room URL printed",
			fmt.Sprintf("%s (%s)", formatNumber(s.Ready), formatPercent(s.SuccessRate())),
			urlRateStyle(s.SuccessRate())),
		renderCountRow("Admission denied", s.AdmissionDenied),
		renderCountRow("Spawn failures", s.SpawnFailures),
		renderCountRow("Timed out", s.Timeouts),
	}

	right := []string{
		renderTimeToURL("P50", s.TimeToURLP50),
		renderTimeToURL("P95", s.TimeToURLP95),
		renderTimeToURL("P99", s.TimeToURLP99),
		renderTimeToURL("Max", s.TimeToURLMax),
		renderField("Exits", formatNumber(s.Exits), valueStyle),
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		sectionStyle.Render("Launches"),
		renderTwoColumns(left, right, m.width-4),
	)
	return boxStyle.Width(m.width - 2).Render(content)
}

// renderCountRow highlights non-zero failure counters.
func renderCountRow(label string, n int64) string {
	style := valueStyle
	if n > 0 {
		style = strainStyle
	}
	return renderField(label, formatNumber(n), style)
}

func renderTimeToURL(quantile string, d time.Duration) string {
	return renderField("Time to URL "+quantile, formatMs(d), timeToURLStyle(d))
}

// =============================================================================
// Bot Table
// =============================================================================

const botRowFormat = "%-8s %-16s %-10s %-30s %s"

func (m Model) renderBotTable() string {
	title := "Active Bots"
	if m.showAll {
		title = "All Bots"
	}

	bots := m.visibleBots()
	if len(bots) == 0 {
		return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left,
			sectionStyle.Render(title),
			faintStyle.Render("No bots. Press 'a' to toggle exited bots."),
		))
	}

	header := columnStyle.Render(
		fmt.Sprintf(botRowFormat, "PID", "State", "Uptime", "Room", "URL"))

	// Leave room for header, stats and footer.
	maxRows := m.height - 20
	if maxRows < 5 {
		maxRows = 5
	}

	urlWidth := m.width - 72
	if urlWidth < 20 {
		urlWidth = 20
	}

	now := time.Now()
	rows := make([]string, 0, min(len(bots), maxRows)+1)
	for i, v := range bots {
		if i >= maxRows {
			rows = append(rows, faintStyle.Render(fmt.Sprintf("... and %d more bots", len(bots)-maxRows)))
			break
		}

		rowStyle := rowStyles[i%2]

		room := v.ResourceKey
		if room == "" {
			room = "(own room)"
		}

		// State is styled on its own; pad it by visible width.
		state := stateLabel(v)
		state += strings.Repeat(" ", max(0, 16-lipgloss.Width(state)))

		row := fmt.Sprintf("%-8d ", v.PID) + state + rowStyle.Render(fmt.Sprintf(" %-10s %-30s %s",
			formatDuration(v.Uptime(now)),
			truncate(room, 30),
			truncate(v.Result, urlWidth),
		))
		rows = append(rows, row)
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{sectionStyle.Render(title), header}, rows...)...,
	)
	return boxStyle.Width(m.width - 2).Render(content)
}

// =============================================================================
// Footer
// =============================================================================

func (m Model) renderFooter() string {
	shortcuts := []string{
		"q: quit",
		"a: toggle exited",
		"r: refresh",
	}

	endpoints := "API: " + m.listenAddr
	if m.metricsAddr != "" {
		endpoints += "  Metrics: " + m.metricsAddr
	}

	left := faintStyle.Render(strings.Join(shortcuts, " │ "))
	right := faintStyle.Render(endpoints)

	padding := m.width - lipgloss.Width(left) - lipgloss.Width(right) - 2
	if padding < 1 {
		padding = 1
	}

	return footerStyle.Render(
		lipgloss.JoinHorizontal(lipgloss.Left,
			left,
			strings.Repeat(" ", padding),
			right,
		),
	)
}

// =============================================================================
// Layout helpers
// =============================================================================

// renderTwoColumns places left and right side by side, each half the width.
func renderTwoColumns(left, right []string, totalWidth int) string {
	colWidth := totalWidth / 2
	if colWidth < 30 {
		return lipgloss.JoinVertical(lipgloss.Left, append(left, right...)...)
	}

	leftCol := lipgloss.NewStyle().Width(colWidth).Render(lipgloss.JoinVertical(lipgloss.Left, left...))
	rightCol := lipgloss.NewStyle().Width(colWidth).Render(lipgloss.JoinVertical(lipgloss.Left, right...))
	return lipgloss.JoinHorizontal(lipgloss.Top, leftCol, rightCol)
}
