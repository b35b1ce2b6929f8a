package parser

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultMarkerPrefix is what pipecat bots log once their room is ready.
const DefaultMarkerPrefix = "Join the video call at:"

// Marker recognises the line that carries the worker's result value.
//
// A prefix marker takes everything after the last occurrence of Prefix, so a
// log decoration in front of the message (timestamps, levels, module names)
// is ignored. A pattern marker takes the first capture group.
type Marker struct {
	prefix  string
	pattern *regexp.Regexp
}

// NewPrefixMarker matches lines containing prefix.
func NewPrefixMarker(prefix string) Marker {
	return Marker{prefix: prefix}
}

// NewPatternMarker matches lines against expr, which must have at least one
// capture group.
func NewPatternMarker(expr string) (Marker, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return Marker{}, fmt.Errorf("marker pattern: %w", err)
	}
	if re.NumSubexp() < 1 {
		return Marker{}, fmt.Errorf("marker pattern %q has no capture group", expr)
	}
	return Marker{pattern: re}, nil
}

// Extract returns the value carried by line.
//
// matched reports whether the marker appears at all; value is empty when the
// marker appears but nothing follows it.
func (m Marker) Extract(line string) (value string, matched bool) {
	if m.pattern != nil {
		sub := m.pattern.FindStringSubmatch(line)
		if sub == nil {
			return "", false
		}
		return strings.TrimSpace(sub[1]), true
	}

	if m.prefix == "" {
		return "", false
	}
	idx := strings.LastIndex(line, m.prefix)
	if idx < 0 {
		return "", false
	}
	return strings.TrimSpace(line[idx+len(m.prefix):]), true
}

// IsZero reports whether the marker can never match.
func (m Marker) IsZero() bool {
	return m.prefix == "" && m.pattern == nil
}

// String returns the prefix or pattern source.
func (m Marker) String() string {
	if m.pattern != nil {
		return m.pattern.String()
	}
	return m.prefix
}
