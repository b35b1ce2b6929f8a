package logging

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
)

// MaxLineLength is the longest worker line logged as is.
const MaxLineLength = 4096

// StreamHandler is the log sink for one output stream of one bot worker.
// It implements parser.LineParser and sits behind the lossy pipeline, so it
// may not see every line; the scanner keeps the authoritative tail.
type StreamHandler struct {
	pid     int
	stream  string
	logger  *slog.Logger
	verbose bool

	logged   atomic.Int64
	warnings atomic.Int64
}

// NewStreamHandler creates a handler for a worker stream ("stdout" or "stderr").
// Without verbose only warning-level lines are logged.
func NewStreamHandler(pid int, stream string, logger *slog.Logger, verbose bool) *StreamHandler {
	return &StreamHandler{
		pid:     pid,
		stream:  stream,
		logger:  logger,
		verbose: verbose,
	}
}

// ParseLine logs one line of worker output as a worker_output record.
func (h *StreamHandler) ParseLine(line string) {
	if len(line) > MaxLineLength {
		line = line[:MaxLineLength] + "...(truncated)"
	}

	level := ClassifyLine(line)
	if level >= slog.LevelWarn {
		h.warnings.Add(1)
	} else if !h.verbose {
		return
	}

	h.logged.Add(1)
	h.logger.Log(context.Background(), level, "worker_output",
		"pid", h.pid,
		"stream", h.stream,
		"line", line,
	)
}

// Counts returns how many lines were logged and how many of them were
// classified as warnings.
func (h *StreamHandler) Counts() (logged, warnings int64) {
	return h.logged.Load(), h.warnings.Load()
}

// ClassifyLine maps a worker line to a log level. Bots log through loguru,
// whose records carry "| LEVEL |" columns; Python tracebacks carry none.
// Worker errors are our warnings.
func ClassifyLine(line string) slog.Level {
	lower := strings.ToLower(line)

	switch {
	case strings.Contains(line, "| ERROR"),
		strings.Contains(line, "| CRITICAL"),
		strings.HasPrefix(line, "Traceback"),
		strings.Contains(lower, "exception"),
		strings.Contains(lower, "error") && strings.Contains(lower, "failed"):
		return slog.LevelWarn

	case strings.Contains(line, "| WARNING"),
		strings.Contains(lower, "[warning]"),
		strings.Contains(lower, "deprecat"):
		return slog.LevelWarn
	}
	return slog.LevelDebug
}

// ErrorPatterns are failure signatures counted for the exit log.
var ErrorPatterns = []string{
	"Traceback",
	"Exception",
	"ERROR",
	"Connection refused",
	"timeout",
	"401",
	"403",
	"429",
	"500",
}

// CountErrors counts lines containing each of ErrorPatterns. Patterns that
// never occur are absent from the result.
func CountErrors(lines []string) map[string]int {
	counts := make(map[string]int)
	for _, line := range lines {
		for _, pattern := range ErrorPatterns {
			if strings.Contains(line, pattern) {
				counts[pattern]++
			}
		}
	}
	return counts
}
