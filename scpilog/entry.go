package scpilog

import (
	"fmt"
	"time"
)

// Level classifies a log entry.
type Level uint8

const (
	// LevelInfo marks a regular command/response entry.
	LevelInfo Level = iota
	// LevelError marks an entry describing a failed operation. In ModeErrors,
	// the presence of at least one error entry forces the whole segment out.
	LevelError
)

// String returns string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelInfo:
		return "info"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// Entry is one structured log record describing a single protocol exchange
// or a part of it. Entries are rendered to text only when they reach a sink;
// the structured form is what segments buffer and filter on.
type Entry struct {
	// StartTime is when the operation began. Zero means not applicable.
	StartTime time.Time
	// EndTime is when the operation finished. Zero means not applicable.
	EndTime time.Time
	// DeviceName is the display name of the instrument.
	DeviceName string
	// Label is the direction-qualified info label, e.g. "Write" or
	// "Query binary block". Label substitution rules apply at render time.
	Label string
	// Text is the payload text. For binary entries it holds a hexdump.
	Text string
	// Level is the entry severity.
	Level Level
	// Binary marks entries whose Text is a pre-rendered hexdump; such text
	// is exempt from non-printable escaping.
	Binary bool
	// Raw marks entries emitted verbatim, bypassing the format template.
	Raw bool
	// NoNewLine suppresses the line divider after the entry.
	NoNewLine bool
}

// Duration returns the elapsed time of the operation the entry describes,
// or 0 when either boundary timestamp is missing.
func (e *Entry) Duration() time.Duration {
	if e.StartTime.IsZero() || e.EndTime.IsZero() {
		return 0
	}
	return e.EndTime.Sub(e.StartTime)
}

// formatAbsoluteTime renders t as wall clock time with millisecond precision.
func formatAbsoluteTime(t time.Time) string {
	return t.Format("15:04:05.000")
}

// formatRelativeTime renders t as elapsed time since ref in the fixed
// HH:MM:SS.mmm form, e.g. "00:00:01.500".
func formatRelativeTime(ref, t time.Time) string {
	d := t.Sub(ref)
	if d < 0 {
		d = 0
	}
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	d -= s * time.Second
	ms := d / time.Millisecond

	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
}

// formatDuration renders an operation duration with a unit suited to its
// magnitude.
func formatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return ""
	case d < time.Millisecond:
		return fmt.Sprintf("%d µs", d.Microseconds())
	case d < time.Second:
		return fmt.Sprintf("%.2f ms", float64(d)/float64(time.Millisecond))
	default:
		return fmt.Sprintf("%.3f s", d.Seconds())
	}
}

// segment buffers the entries of one elementary operation so the logger can
// decide at close time whether to emit or discard them as a whole.
type segment struct {
	errorPresent bool
	entries      []Entry
}

func (s *segment) add(entry Entry) {
	s.entries = append(s.entries, entry)
	if entry.Level == LevelError {
		s.errorPresent = true
	}
}

// cachedEntries holds entries produced while logging is enabled but no sink
// is configured yet. The cache is bounded; the oldest entries are dropped
// and accounted for in truncatedCount.
type cachedEntries struct {
	entries        []Entry
	truncatedCount int
}

const maxCachedEntries = 1000

func (c *cachedEntries) append(entry Entry) {
	c.entries = append(c.entries, entry)
	if len(c.entries) > maxCachedEntries {
		c.entries = c.entries[1:]
		c.truncatedCount++
	}
}

func (c *cachedEntries) clear() {
	c.entries = nil
	c.truncatedCount = 0
}
