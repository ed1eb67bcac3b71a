// Package scpilog implements the segmented, multi-target command log for
// SCPI instrument sessions.
//
// Unlike a general purpose application logger, this log mirrors instrument
// traffic: every elementary operation (write, query, binary transfer, status
// check) produces one segment of structured entries. Segments are the unit
// of filtering: in ModeErrors a segment is either emitted whole, when it
// contains at least one error entry, or discarded whole.
//
// Rendered entries can reach any non-empty subset of three sinks at once: a
// console writer, an arbitrary write/flush-capable stream, and a local UDP
// datagram port. A process-wide Global instance can additionally provide a
// shared target and a shared relative-timestamp reference for all sessions.
package scpilog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/instrlab/go-scpi/internal/util"
)

// Mode determines which entries reach the logging targets.
type Mode uint8

const (
	// ModeOff suppresses all logging.
	ModeOff Mode = iota
	// ModeOn logs every entry immediately.
	ModeOn
	// ModeErrors buffers entries per segment and emits only segments that
	// contain at least one error entry.
	ModeErrors
)

// String returns string representation of the mode.
func (m Mode) String() string {
	switch m {
	case ModeOff:
		return "off"
	case ModeOn:
		return "on"
	case ModeErrors:
		return "errors"
	default:
		return "unknown"
	}
}

// ErrNoGlobalTarget indicates that global-target mode was requested while
// the Global instance has no target configured.
var ErrNoGlobalTarget = errors.New("global logging target is not defined")

// Statistics accumulates counters across the logger's lifetime. The counters
// are independent of the relative-timestamp reference and survive its resets.
type Statistics struct {
	// Entries is the number of submitted log entries.
	Entries uint64
	// Errors is the number of submitted error entries.
	Errors uint64
	// TotalDuration is the summed duration of all timed entries.
	TotalDuration time.Duration
}

type labelRegexRule struct {
	re          *regexp.Regexp
	replacement string
}

// Logger is a segment-based SCPI command logger for one session.
// All methods are safe for concurrent use.
type Logger struct {
	mu sync.Mutex

	deviceName   string
	resourceName string
	mode         Mode
	defaultMode  Mode

	global          *Global
	useGlobalTarget bool
	target          Sink

	consoleOn bool
	console   io.Writer
	udpOn     bool
	udp       *UDPSink

	format      string
	lineDivider string
	autoFlush   bool

	refTime time.Time

	segment *segment
	cached  cachedEntries

	maxLenASCII  int
	maxLenBin    int
	binBlockSize int

	logStatusCheckOK bool

	labelExact *xsync.MapOf[string, string]
	labelRegex []labelRegexRule

	statEntries  atomic.Uint64
	statErrors   atomic.Uint64
	statDuration atomic.Int64
}

// Option configures a Logger at construction time.
type Option func(*Logger)

// WithMode sets the initial logging mode. The default is ModeOff.
func WithMode(mode Mode) Option {
	return func(l *Logger) { l.mode = mode; l.defaultMode = mode }
}

// WithGlobal attaches the process-wide logging state. Without it the logger
// has no global target and no global timestamp reference to fall back on.
func WithGlobal(g *Global) Option {
	return func(l *Logger) { l.global = g }
}

// WithConsoleWriter overrides the console output writer, os.Stdout by default.
func WithConsoleWriter(w io.Writer) Option {
	return func(l *Logger) { l.console = w }
}

// WithUDPPort overrides the UDP log port, DefaultUDPPort by default.
func WithUDPPort(port int) Option {
	return func(l *Logger) { l.udp = NewUDPSink(port) }
}

// New creates a logger for one instrument session. resourceName is the
// address the session was opened with; it doubles as the initial device
// display name, changeable with SetDeviceName.
func New(resourceName string, opts ...Option) *Logger {
	l := &Logger{
		deviceName:       resourceName,
		resourceName:     resourceName,
		mode:             ModeOff,
		defaultMode:      ModeOff,
		console:          os.Stdout,
		udp:              NewUDPSink(DefaultUDPPort),
		format:           DefaultFormat,
		lineDivider:      "\n",
		autoFlush:        true,
		maxLenASCII:      200,
		maxLenBin:        2048,
		binBlockSize:     16,
		logStatusCheckOK: true,
		labelExact:       xsync.NewMapOf[string, string](),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Mode returns the current logging mode.
func (l *Logger) Mode() Mode {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mode
}

// SetMode changes the logging mode. An active segment is closed first, so a
// mode change never strands buffered entries.
func (l *Logger) SetMode(mode Mode) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.segment != nil {
		l.endSegmentLocked()
	}
	if l.mode != ModeOff {
		l.flushCachedLocked()
	}
	l.mode = mode
}

// RestoreDefaultMode sets the mode back to the one given at construction.
func (l *Logger) RestoreDefaultMode() {
	l.SetMode(l.defaultMode)
}

// DeviceName returns the display name used in rendered entries.
func (l *Logger) DeviceName() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.deviceName
}

// SetDeviceName changes the display name from the resource address to a
// friendlier alias, e.g. "MySigGen1".
func (l *Logger) SetDeviceName(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deviceName = name
}

// SetTarget sets the stream target and switches global-target mode off.
// A nil target removes the stream target. Cached entries are flushed.
func (l *Logger) SetTarget(s Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.target = s
	l.useGlobalTarget = false
	l.flushCachedLocked()
}

// UseGlobalTarget switches the logger to the global target. It fails with
// ErrNoGlobalTarget when no Global was attached or it carries no target.
func (l *Logger) UseGlobalTarget() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.global == nil || l.global.Target() == nil {
		return fmt.Errorf("%w (device %q)", ErrNoGlobalTarget, l.deviceName)
	}
	l.useGlobalTarget = true
	l.flushCachedLocked()

	return nil
}

// SetConsole enables or disables the console sink.
func (l *Logger) SetConsole(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.consoleOn = on
	if on {
		l.flushCachedLocked()
	}
}

// SetUDP enables or disables the UDP sink.
func (l *Logger) SetUDP(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.udpOn = on
	if on {
		l.flushCachedLocked()
	}
}

// SetUDPPort changes the UDP log port.
func (l *Logger) SetUDPPort(port int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	_ = l.udp.Close()
	l.udp = NewUDPSink(port)
}

// SetFormat sets the entry format template and the line divider.
// Pass an empty format to change only the divider.
func (l *Logger) SetFormat(format, lineDivider string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if format != "" {
		l.format = format
	}
	l.lineDivider = lineDivider
}

// RestoreFormat restores DefaultFormat and the LF line divider.
func (l *Logger) RestoreFormat() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.format = DefaultFormat
	l.lineDivider = "\n"
}

// SetRelativeTimestamp makes further entries render their start time
// relative to ref. Statistics are unaffected.
func (l *Logger) SetRelativeTimestamp(ref time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refTime = ref
}

// SetRelativeTimestampNow sets the timestamp reference to the current time.
func (l *Logger) SetRelativeTimestampNow() {
	l.SetRelativeTimestamp(time.Now())
}

// ClearRelativeTimestamp returns the logger to absolute timestamps.
func (l *Logger) ClearRelativeTimestamp() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refTime = time.Time{}
}

// SetMaxASCIILength limits the rendered length of ASCII payload text.
// Longer payloads are abbreviated in the middle.
func (l *Logger) SetMaxASCIILength(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maxLenASCII = n
}

// SetMaxBinaryLength limits the number of bytes shown in binary hexdumps.
func (l *Logger) SetMaxBinaryLength(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maxLenBin = n
}

// LogStatusCheckOK reports whether passing status checks are logged.
func (l *Logger) LogStatusCheckOK() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.logStatusCheckOK
}

// SetLogStatusCheckOK controls logging of passing status checks. Disabling
// it makes the log more compact; errors are still logged.
func (l *Logger) SetLogStatusCheckOK(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logStatusCheckOK = on
}

// AddLabelSubstitution registers an exact-match rewrite for entry info
// labels, applied at render time without altering the structured entry.
func (l *Logger) AddLabelSubstitution(label, replacement string) {
	l.labelExact.Store(label, replacement)
}

// AddLabelSubstitutionRegex registers a regex rewrite for entry info labels.
// Capture group references ($1, ...) are allowed in the replacement.
func (l *Logger) AddLabelSubstitutionRegex(pattern, replacement string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("compile label substitution pattern: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.labelRegex = append(l.labelRegex, labelRegexRule{re: re, replacement: replacement})

	return nil
}

// ClearCachedEntries drops entries cached while no target was configured.
func (l *Logger) ClearCachedEntries() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cached.clear()
}

// Statistics returns a snapshot of the cumulative counters.
func (l *Logger) Statistics() Statistics {
	return Statistics{
		Entries:       l.statEntries.Load(),
		Errors:        l.statErrors.Load(),
		TotalDuration: time.Duration(l.statDuration.Load()),
	}
}

// ResetStatistics zeroes the cumulative counters.
func (l *Logger) ResetStatistics() {
	l.statEntries.Store(0)
	l.statErrors.Store(0)
	l.statDuration.Store(0)
}

// StartSegment opens the entry group of one elementary operation.
// Buffering only takes place in ModeErrors; in ModeOn entries pass through
// immediately. A segment left open by a failed operation is closed first.
func (l *Logger) StartSegment() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.segment != nil {
		l.endSegmentLocked()
	}
	if l.mode == ModeErrors {
		l.segment = &segment{}
	}
}

// EndSegment closes the current segment. In ModeErrors the buffered entries
// are either all emitted (when the segment contains an error entry) or all
// discarded.
func (l *Logger) EndSegment() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.endSegmentLocked()
}

func (l *Logger) endSegmentLocked() {
	seg := l.segment
	l.segment = nil
	if seg == nil || !seg.errorPresent {
		return
	}
	for i := range seg.entries {
		l.writeThroughLocked(&seg.entries[i])
	}
}

// Info logs one timed info entry with ASCII payload text.
func (l *Logger) Info(start, end time.Time, label, text string) {
	l.submit(Entry{
		StartTime:  start,
		EndTime:    end,
		DeviceName: l.DeviceName(),
		Label:      label,
		Text:       util.EscapeNonPrintable(util.ShortenMiddle(text, l.maxASCII())),
		Level:      LevelInfo,
	})
}

// InfoBin logs one timed info entry with binary payload, rendered as an
// abbreviated hexdump.
func (l *Logger) InfoBin(start, end time.Time, label string, data []byte) {
	l.mu.Lock()
	text := hexdump(data, l.binBlockSize, l.maxLenBin, l.lineDivider)
	l.mu.Unlock()

	l.submit(Entry{
		StartTime:  start,
		EndTime:    end,
		DeviceName: l.DeviceName(),
		Label:      label,
		Text:       text,
		Level:      LevelInfo,
		Binary:     true,
	})
}

// Error logs one timed error entry. Error entries force segment emission in
// ModeErrors and are never filtered while logging is enabled.
func (l *Logger) Error(start, end time.Time, label, text string) {
	l.submit(Entry{
		StartTime:  start,
		EndTime:    end,
		DeviceName: l.DeviceName(),
		Label:      label,
		Text:       util.EscapeNonPrintable(util.ShortenMiddle(text, l.maxASCII())),
		Level:      LevelError,
	})
}

// InfoRaw logs text verbatim, bypassing the format template.
func (l *Logger) InfoRaw(text string) {
	l.submit(Entry{Text: text, Level: LevelInfo, Raw: true})
}

// ErrorRaw logs text verbatim as an error entry.
func (l *Logger) ErrorRaw(text string) {
	l.submit(Entry{Text: text, Level: LevelError, Raw: true})
}

// Flush forces the active stream target to flush.
func (l *Logger) Flush() {
	l.mu.Lock()
	target := l.activeTargetLocked()
	l.mu.Unlock()

	if target != nil {
		_ = target.Flush()
	}
}

func (l *Logger) maxASCII() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxLenASCII
}

// submit routes one entry through statistics, mode filtering and segment
// buffering.
func (l *Logger) submit(e Entry) {
	if !e.Raw {
		l.statEntries.Add(1)
		if e.Level == LevelError {
			l.statErrors.Add(1)
		}
		l.statDuration.Add(int64(e.Duration()))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.mode == ModeOff {
		return
	}

	if l.segment != nil {
		l.segment.add(e)
		return
	}

	// ModeErrors without an active segment: only error entries pass through.
	if l.mode == ModeErrors && e.Level != LevelError {
		return
	}

	l.writeThroughLocked(&e)
}

// writeThroughLocked renders one entry and hands it to every active sink,
// caching it instead when no sink is configured.
func (l *Logger) writeThroughLocked(e *Entry) {
	target := l.activeTargetLocked()
	if target == nil && !l.consoleOn && !l.udpOn {
		l.cached.append(*e)
		return
	}

	content := l.renderLocked(e)

	if l.consoleOn && l.console != nil {
		_, _ = io.WriteString(l.console, content+l.lineDivider)
	}
	if l.udpOn {
		l.udp.Send(content, e.Level == LevelError)
	}
	if target != nil {
		line := content
		if !e.NoNewLine {
			line += l.lineDivider
		}
		_ = target.Write(line)
		if l.autoFlush {
			_ = target.Flush()
		}
	}
}

func (l *Logger) renderLocked(e *Entry) string {
	if e.Raw {
		return e.Text
	}
	return renderEntry(l.format, e, l.substituteLabelLocked(e.Label), l.refTimeLocked())
}

func (l *Logger) refTimeLocked() time.Time {
	if !l.refTime.IsZero() {
		return l.refTime
	}
	if l.global != nil {
		return l.global.RelativeTimestamp()
	}
	return time.Time{}
}

func (l *Logger) activeTargetLocked() Sink {
	if l.useGlobalTarget {
		if l.global == nil {
			return nil
		}
		return l.global.Target()
	}
	return l.target
}

func (l *Logger) substituteLabelLocked(label string) string {
	if repl, ok := l.labelExact.Load(label); ok {
		return repl
	}
	for _, rule := range l.labelRegex {
		if rule.re.MatchString(label) {
			return rule.re.ReplaceAllString(label, rule.replacement)
		}
	}
	return label
}

// flushCachedLocked forwards cached entries to the newly available sinks.
func (l *Logger) flushCachedLocked() {
	if l.activeTargetLocked() == nil && !l.consoleOn && !l.udpOn {
		return
	}
	if len(l.cached.entries) == 0 && l.cached.truncatedCount == 0 {
		return
	}
	if l.cached.truncatedCount > 0 {
		notice := Entry{
			Text: fmt.Sprintf("----- Missing %d oldest entries ----------", l.cached.truncatedCount),
			Raw:  true,
		}
		l.writeThroughLocked(&notice)
	}
	for i := range l.cached.entries {
		l.writeThroughLocked(&l.cached.entries[i])
	}
	l.cached.clear()
}
