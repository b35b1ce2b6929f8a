// Package parser turns a worker's unstructured output streams into log
// records and, at most once, an extracted result value.
//
// Two layers keep a slow log sink from ever stalling the worker:
//
//	Layer 1 (Scanner):  reads lines, matches the marker inline, feeds the pipeline - never blocks
//	Layer 2 (Pipeline): bounded channel drained by a LineParser at its own pace
//
// Marker matching happens in Layer 1 so a dropped log line can never cost us
// the room URL.
package parser

import (
	"sync"
	"sync/atomic"
)

// LineParser consumes forwarded lines. logging.StreamHandler implements it.
type LineParser interface {
	ParseLine(line string)
}

// Pipeline is a lossy line queue between a Scanner and a LineParser.
//
// If the parser cannot keep up, lines are dropped rather than blocking the
// reader, which in turn would block the worker on a full pipe.
type Pipeline struct {
	streamType string // "stdout" or "stderr"
	bufferSize int

	lineChan  chan string
	closeOnce sync.Once

	linesRead    int64
	linesDropped int64
	linesParsed  int64

	dropThreshold float64
}

// NewPipeline creates a lossy pipeline for one worker stream ("stdout" or
// "stderr") holding up to bufferSize lines. The pipeline counts as degraded
// once more than dropThreshold (0.0-1.0) of its lines were dropped.
func NewPipeline(streamType string, bufferSize int, dropThreshold float64) *Pipeline {
	if bufferSize < 1 {
		bufferSize = 256
	}
	if dropThreshold <= 0 {
		dropThreshold = 0.01
	}

	return &Pipeline{
		streamType:    streamType,
		bufferSize:    bufferSize,
		lineChan:      make(chan string, bufferSize),
		dropThreshold: dropThreshold,
	}
}

// FeedLine queues a line for the parser.
// Returns true if queued, false if dropped (channel full).
func (p *Pipeline) FeedLine(line string) bool {
	atomic.AddInt64(&p.linesRead, 1)

	select {
	case p.lineChan <- line:
		return true
	default:
		atomic.AddInt64(&p.linesDropped, 1)
		return false
	}
}

// CloseChannel closes the line channel, which ends RunParser.
// The Scanner calls it when its stream ends. Safe to call more than once.
func (p *Pipeline) CloseChannel() {
	p.closeOnce.Do(func() {
		close(p.lineChan)
	})
}

// RunParser drains the channel into parser until CloseChannel.
// MUST run in a dedicated goroutine.
func (p *Pipeline) RunParser(parser LineParser) {
	for line := range p.lineChan {
		parser.ParseLine(line)
		atomic.AddInt64(&p.linesParsed, 1)
	}
}

// Stats returns pipeline health counters.
func (p *Pipeline) Stats() (read, dropped, parsed int64) {
	return atomic.LoadInt64(&p.linesRead),
		atomic.LoadInt64(&p.linesDropped),
		atomic.LoadInt64(&p.linesParsed)
}

// DropRate returns the current drop rate as a fraction (0.0 to 1.0).
func (p *Pipeline) DropRate() float64 {
	read := atomic.LoadInt64(&p.linesRead)
	if read == 0 {
		return 0
	}
	dropped := atomic.LoadInt64(&p.linesDropped)
	return float64(dropped) / float64(read)
}

// IsDegraded returns true if the drop rate exceeds the configured threshold.
func (p *Pipeline) IsDegraded() bool {
	return p.DropRate() > p.dropThreshold
}

// StreamType returns "stdout" or "stderr".
func (p *Pipeline) StreamType() string {
	return p.streamType
}
