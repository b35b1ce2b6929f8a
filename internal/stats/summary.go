package stats

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// SummaryConfig holds configuration for summary formatting.
type SummaryConfig struct {
	// ListenAddr is the HTTP API address
	ListenAddr string

	// MetricsAddr is the Prometheus metrics endpoint address
	MetricsAddr string

	// PeakActive is the highest number of concurrently active bots
	PeakActive int

	// StillRunning is how many bots were terminated at shutdown
	StillRunning int
}

const (
	rule     = "═══════════════════════════════════════════════════════════════════════════════\n"
	thinRule = "───────────────────────────────────────────────────────────────────────────────\n"

	// ruleWidth is the rule length in columns.
	ruleWidth = 79
)

// FormatExitSummary formats launch statistics for display at program exit.
func FormatExitSummary(snap *Snapshot, cfg SummaryConfig) string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(rule)
	b.WriteString("                          go-bot-launcher Exit Summary\n")
	b.WriteString(rule + "\n")

	if snap == nil {
		fmt.Fprintf(&b, "(no launch statistics collected)\n\n")
		writeEndpoints(&b, cfg)
		b.WriteString(rule)
		return b.String()
	}

	// Run info
	fmt.Fprintf(&b, "Run Duration:           %s\n", FormatDuration(snap.Elapsed))
	fmt.Fprintf(&b, "Peak Active Bots:       %d\n", cfg.PeakActive)
	if cfg.StillRunning > 0 {
		fmt.Fprintf(&b, "Terminated at Exit:     %d\n", cfg.StillRunning)
	}
	b.WriteString("\n")

	// Launch outcomes
	writeSection(&b, "Launches")
	fmt.Fprintf(&b, "  Requests:             %s\n", FormatNumber(snap.Requests()))
	fmt.Fprintf(&b, "  Spawned:              %s\n", FormatNumber(snap.Starts))
	fmt.Fprintf(&b, "  Room URL printed:     %s", FormatNumber(snap.Ready))
	if snap.Starts > 0 {
		fmt.Fprintf(&b, " (%.1f%%)", snap.SuccessRate()*100)
	}
	b.WriteString("\n")
	if snap.AdmissionDenied > 0 {
		fmt.Fprintf(&b, "  Admission denied:     %s\n", FormatNumber(snap.AdmissionDenied))
	}
	if snap.SpawnFailures > 0 {
		fmt.Fprintf(&b, "  Spawn failures:       %s\n", FormatNumber(snap.SpawnFailures))
	}
	if snap.Timeouts > 0 {
		fmt.Fprintf(&b, "  Timed out:            %s\n", FormatNumber(snap.Timeouts))
	}
	b.WriteString("\n")

	// Time to URL
	if snap.Ready > 0 {
		writeSection(&b, "Time to Room URL")
		fmt.Fprintf(&b, "  Min:                  %s\n", FormatMs(snap.TimeToURLMin))
		fmt.Fprintf(&b, "  P50 (median):         %s\n", FormatMs(snap.TimeToURLP50))
		fmt.Fprintf(&b, "  P95:                  %s\n", FormatMs(snap.TimeToURLP95))
		fmt.Fprintf(&b, "  P99:                  %s\n", FormatMs(snap.TimeToURLP99))
		fmt.Fprintf(&b, "  Max:                  %s\n", FormatMs(snap.TimeToURLMax))
		b.WriteString("\n")
	}

	// Uptime distribution
	if snap.Exits > 0 {
		writeSection(&b, "Uptime Distribution")
		fmt.Fprintf(&b, "  P50 (median):         %s\n", FormatDuration(snap.UptimeP50))
		fmt.Fprintf(&b, "  P95:                  %s\n", FormatDuration(snap.UptimeP95))
		fmt.Fprintf(&b, "  P99:                  %s\n", FormatDuration(snap.UptimeP99))
		b.WriteString("\n")
	}

	// Exit codes
	if len(snap.ExitCodes) > 0 {
		writeSection(&b, "Exit Codes")

		// Sort exit codes for consistent output
		codes := make([]int, 0, len(snap.ExitCodes))
		for code := range snap.ExitCodes {
			codes = append(codes, code)
		}
		sort.Ints(codes)

		for _, code := range codes {
			fmt.Fprintf(&b, "  %3d %-16s %d\n", code, exitCodeLabel(code), snap.ExitCodes[code])
		}
		b.WriteString("\n")
	}

	writeEndpoints(&b, cfg)
	b.WriteString(rule)

	return b.String()
}

func writeSection(b *strings.Builder, title string) {
	b.WriteString(thinRule)
	pad := max((ruleWidth-len(title))/2, 0)
	b.WriteString(strings.Repeat(" ", pad) + title + "\n")
	b.WriteString(thinRule + "\n")
}

func writeEndpoints(b *strings.Builder, cfg SummaryConfig) {
	if cfg.ListenAddr != "" {
		fmt.Fprintf(b, "API endpoint was:     http://%s/\n", cfg.ListenAddr)
	}
	if cfg.MetricsAddr != "" {
		fmt.Fprintf(b, "Metrics endpoint was: http://%s/metrics\n", cfg.MetricsAddr)
	}
}

// exitCodeLabel returns a human-readable label for common exit codes.
func exitCodeLabel(code int) string {
	switch code {
	case -1:
		return "(unknown)"
	case 0:
		return "(clean)"
	case 1:
		return "(error)"
	case 137:
		return "(SIGKILL)"
	case 143:
		return "(SIGTERM)"
	default:
		return ""
	}
}

// =============================================================================
// Formatting Helper Functions (exported for reuse)
// =============================================================================

// FormatDuration formats a duration as HH:MM:SS.
func FormatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// FormatNumber formats a number with K/M suffixes for readability.
func FormatNumber(n int64) string {
	if n >= 1_000_000 {
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	}
	return fmt.Sprintf("%d", n)
}

// FormatMs formats a duration as milliseconds.
func FormatMs(d time.Duration) string {
	ms := d.Milliseconds()
	if ms == 0 && d > 0 {
		// Sub-millisecond, show microseconds
		return fmt.Sprintf("%d µs", d.Microseconds())
	}
	return fmt.Sprintf("%d ms", ms)
}
