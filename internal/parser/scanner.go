package parser

import (
	"bufio"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/randomizedcoder/go-bot-launcher/internal/oneshot"
)

const (
	// initialLineBuffer is the starting bufio.Scanner buffer.
	initialLineBuffer = 64 * 1024

	// maxLineSize bounds a single line; longer lines end the scan.
	maxLineSize = 1024 * 1024

	// maxTailLineLength bounds one line kept in the tail.
	maxTailLineLength = 4096
)

// Scanner reads one worker output stream line by line.
//
// Every line is forwarded to the pipeline (lossy) after it has been added
// to the scanner's own tail, so the last lines of a stream survive even
// when the log sink drops. The first line whose
// marker yields a non-empty value completes the signal; later matches are
// counted but otherwise ignored. The scanner never fails the signal: a
// stream that ends without a marker is the exit watcher's business.
//
// Several scanners may share one signal; oneshot guarantees a single winner.
type Scanner struct {
	reader   io.Reader
	stream   string
	marker   Marker
	signal   *oneshot.Signal[string]
	pipeline *Pipeline
	logger   *slog.Logger

	done chan struct{}

	tailMu   sync.Mutex
	tail     []string
	tailNext int
	tailLen  int

	bytesRead atomic.Int64
	linesRead atomic.Int64
	matches   atomic.Int64
	won       atomic.Bool
}

// ScannerConfig holds the inputs for NewScanner.
type ScannerConfig struct {
	Reader   io.Reader
	Stream   string
	Marker   Marker
	Signal   *oneshot.Signal[string]
	Pipeline *Pipeline
	Logger   *slog.Logger

	// TailLines is how many of the most recent lines Tail can return.
	// Zero keeps none.
	TailLines int
}

// NewScanner creates a scanner. Pipeline and Signal may be nil.
func NewScanner(cfg ScannerConfig) *Scanner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Scanner{
		reader:   cfg.Reader,
		stream:   cfg.Stream,
		marker:   cfg.Marker,
		signal:   cfg.Signal,
		pipeline: cfg.Pipeline,
		logger:   logger,
		done:     make(chan struct{}),
		tail:     make([]string, max(cfg.TailLines, 0)),
	}
}

// Run reads until EOF or a read error. MUST run in a dedicated goroutine.
// Closes the pipeline channel and Done() on exit.
func (s *Scanner) Run() {
	defer close(s.done)
	if s.pipeline != nil {
		defer s.pipeline.CloseChannel()
	}

	scanner := bufio.NewScanner(s.reader)
	scanner.Buffer(make([]byte, initialLineBuffer), maxLineSize)

	for scanner.Scan() {
		line := scanner.Text()
		s.bytesRead.Add(int64(len(line) + 1)) // +1 for newline
		s.linesRead.Add(1)

		s.keep(line)
		if s.pipeline != nil {
			s.pipeline.FeedLine(line)
		}
		s.checkMarker(line)
	}

	if err := scanner.Err(); err != nil {
		s.logger.Warn("stream_read_error",
			"stream", s.stream,
			"error", err,
		)
		// Keep the pipe drained so the worker never blocks on a full buffer.
		n, _ := io.Copy(io.Discard, s.reader)
		s.bytesRead.Add(n)
	}
}

// checkMarker completes the signal on the first usable match.
func (s *Scanner) checkMarker(line string) {
	value, matched := s.marker.Extract(line)
	if !matched {
		return
	}
	if value == "" {
		s.logger.Warn("marker_without_value", "stream", s.stream)
		return
	}

	s.matches.Add(1)
	if s.signal == nil {
		return
	}
	if s.signal.Complete(value) {
		s.won.Store(true)
		s.logger.Info("marker_found",
			"stream", s.stream,
			"value", value,
		)
		return
	}
	s.logger.Debug("marker_ignored",
		"stream", s.stream,
		"value", value,
		"reason", "signal already completed",
	)
}

// keep appends line to the tail ring.
func (s *Scanner) keep(line string) {
	if len(s.tail) == 0 {
		return
	}
	if len(line) > maxTailLineLength {
		line = line[:maxTailLineLength] + "...(truncated)"
	}

	s.tailMu.Lock()
	s.tail[s.tailNext] = line
	s.tailNext = (s.tailNext + 1) % len(s.tail)
	if s.tailLen < len(s.tail) {
		s.tailLen++
	}
	s.tailMu.Unlock()
}

// Tail returns up to n of the most recent lines, oldest first. It may be
// called while Run is still reading.
func (s *Scanner) Tail(n int) []string {
	s.tailMu.Lock()
	defer s.tailMu.Unlock()

	n = min(n, s.tailLen)
	if n <= 0 {
		return nil
	}
	out := make([]string, 0, n)
	start := s.tailNext - n + len(s.tail)
	for i := 0; i < n; i++ {
		out = append(out, s.tail[(start+i)%len(s.tail)])
	}
	return out
}

// Done is closed when Run returns.
func (s *Scanner) Done() <-chan struct{} {
	return s.done
}

// Stream returns "stdout" or "stderr".
func (s *Scanner) Stream() string {
	return s.stream
}

// Won reports whether this scanner's match completed the signal.
func (s *Scanner) Won() bool {
	return s.won.Load()
}

// Stats returns (bytesRead, linesRead, markerMatches).
func (s *Scanner) Stats() (bytesRead, linesRead, matches int64) {
	return s.bytesRead.Load(), s.linesRead.Load(), s.matches.Load()
}
