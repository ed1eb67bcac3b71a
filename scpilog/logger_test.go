package scpilog

import (
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testSink struct {
	mu      sync.Mutex
	lines   []string
	flushes int
}

func (s *testSink) Write(str string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, str)
	return nil
}

func (s *testSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
	return nil
}

func (s *testSink) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func newTestLogger(mode Mode) (*Logger, *testSink) {
	sink := &testSink{}
	l := New("TCPIP::192.168.1.20::5025::SOCKET", WithMode(mode))
	l.SetTarget(sink)
	return l, sink
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "off", ModeOff.String())
	assert.Equal(t, "on", ModeOn.String())
	assert.Equal(t, "errors", ModeErrors.String())
	assert.Equal(t, "unknown", Mode(99).String())
}

func TestModeOffLogsNothing(t *testing.T) {
	l, sink := newTestLogger(ModeOff)
	l.Info(time.Now(), time.Now(), "Write", "*RST")
	l.Error(time.Now(), time.Now(), "Write", "boom")
	assert.Empty(t, sink.all())
}

func TestModeOnLogsImmediately(t *testing.T) {
	l, sink := newTestLogger(ModeOn)
	start := time.Now()
	l.Info(start, start.Add(time.Millisecond), "Write", "*RST")

	lines := sink.all()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "Write: *RST")
	assert.Contains(t, lines[0], "TCPIP::192.168.1.20::5025::SOCKET")
}

func TestErrorsModeSegmentWithError(t *testing.T) {
	l, sink := newTestLogger(ModeErrors)

	l.StartSegment()
	now := time.Now()
	l.Info(now, now, "Write", "CALC:MARK ON")
	l.Error(now, now, "Status check", `-113,"Undefined header"`)
	require.Empty(t, sink.all(), "entries must stay buffered until segment end")

	l.EndSegment()
	lines := sink.all()
	require.Len(t, lines, 2)
	// The innocent entry precedes the error entry, preserving order.
	assert.Contains(t, lines[0], "CALC:MARK ON")
	assert.Contains(t, lines[1], "Undefined header")
}

func TestErrorsModeSegmentWithoutErrorDiscarded(t *testing.T) {
	l, sink := newTestLogger(ModeErrors)

	l.StartSegment()
	now := time.Now()
	l.Info(now, now, "Write", "CALC:MARK ON")
	l.Info(now, now, "Status check", "OK")
	l.EndSegment()

	assert.Empty(t, sink.all())
}

func TestErrorsModeOrderingAcrossSegments(t *testing.T) {
	l, sink := newTestLogger(ModeErrors)
	now := time.Now()

	l.StartSegment()
	l.Info(now, now, "Write", "first")
	l.Error(now, now, "Write", "first failed")
	l.EndSegment()

	l.StartSegment()
	l.Info(now, now, "Write", "discarded")
	l.EndSegment()

	l.StartSegment()
	l.Info(now, now, "Write", "second")
	l.Error(now, now, "Write", "second failed")
	l.EndSegment()

	lines := sink.all()
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "first")
	assert.Contains(t, lines[1], "first failed")
	assert.Contains(t, lines[2], "second")
	assert.Contains(t, lines[3], "second failed")
}

func TestErrorsModeErrorOutsideSegmentPassesThrough(t *testing.T) {
	l, sink := newTestLogger(ModeErrors)
	now := time.Now()
	l.Info(now, now, "Write", "dropped")
	l.Error(now, now, "Write", "kept")

	lines := sink.all()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "kept")
}

func TestRelativeTimestampRendering(t *testing.T) {
	l, sink := newTestLogger(ModeOn)
	t0 := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	l.SetRelativeTimestamp(t0)

	start := t0.Add(1500 * time.Millisecond)
	l.Info(start, start.Add(2*time.Millisecond), "Write", "*RST")

	lines := sink.all()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "00:00:01.500")
}

func TestClearRelativeTimestamp(t *testing.T) {
	l, sink := newTestLogger(ModeOn)
	t0 := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	l.SetRelativeTimestamp(t0)
	l.ClearRelativeTimestamp()

	start := t0.Add(1500 * time.Millisecond)
	l.Info(start, start, "Write", "*RST")

	lines := sink.all()
	require.Len(t, lines, 1)
	assert.NotContains(t, lines[0], "00:00:01.500")
	assert.Contains(t, lines[0], "10:00:01.500")
}

func TestStatisticsSurviveTimestampReset(t *testing.T) {
	l, _ := newTestLogger(ModeOn)
	start := time.Now()
	l.Info(start, start.Add(100*time.Millisecond), "Write", "*RST")
	l.Error(start, start.Add(50*time.Millisecond), "Write", "bad")

	l.SetRelativeTimestampNow()
	l.ClearRelativeTimestamp()

	stats := l.Statistics()
	assert.Equal(t, uint64(2), stats.Entries)
	assert.Equal(t, uint64(1), stats.Errors)
	assert.Equal(t, 150*time.Millisecond, stats.TotalDuration)

	l.ResetStatistics()
	assert.Equal(t, Statistics{}, l.Statistics())
}

func TestCachedEntriesFlushedOnTarget(t *testing.T) {
	l := New("dev", WithMode(ModeOn))
	now := time.Now()
	l.Info(now, now, "Write", "buffered while no target")

	sink := &testSink{}
	l.SetTarget(sink)

	lines := sink.all()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "buffered while no target")
}

func TestCachedEntriesTruncation(t *testing.T) {
	l := New("dev", WithMode(ModeOn))
	now := time.Now()
	for i := 0; i < maxCachedEntries+10; i++ {
		l.Info(now, now, "Write", "entry")
	}

	sink := &testSink{}
	l.SetTarget(sink)

	lines := sink.all()
	require.Len(t, lines, maxCachedEntries+1)
	assert.Contains(t, lines[0], "Missing 10 oldest entries")
}

func TestLabelSubstitution(t *testing.T) {
	l, sink := newTestLogger(ModeOn)
	l.AddLabelSubstitution("Write", "Schreiben")
	require.NoError(t, l.AddLabelSubstitutionRegex(`^Query (.+)$`, "Abfrage $1"))

	now := time.Now()
	l.Info(now, now, "Write", "*RST")
	l.Info(now, now, "Query string", "*IDN?")

	lines := sink.all()
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "Schreiben: *RST")
	assert.Contains(t, lines[1], "Abfrage string: *IDN?")
}

func TestLabelSubstitutionRegexInvalid(t *testing.T) {
	l, _ := newTestLogger(ModeOn)
	assert.Error(t, l.AddLabelSubstitutionRegex("(unclosed", "x"))
}

func TestInfoBinRendersHexdump(t *testing.T) {
	l, sink := newTestLogger(ModeOn)
	now := time.Now()
	l.InfoBin(now, now, "Read binary block", []byte{0xde, 0xad, 0xbe, 0xef, 'A', 'B'})

	lines := sink.all()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "de ad be ef 41 42")
	assert.Contains(t, lines[0], "....AB")
	assert.Contains(t, lines[0], "6 bytes")
}

func TestLongPayloadAbbreviated(t *testing.T) {
	l, sink := newTestLogger(ModeOn)
	payload := strings.Repeat("x", 5000)
	now := time.Now()
	l.Info(now, now, "Write", payload)

	lines := sink.all()
	require.Len(t, lines, 1)
	assert.Less(t, len(lines[0]), 400)
	assert.Contains(t, lines[0], "total 5000 chars")
}

func TestGlobalTarget(t *testing.T) {
	global := NewGlobal()
	l := New("dev", WithMode(ModeOn), WithGlobal(global))

	// Global target not yet defined.
	assert.ErrorIs(t, l.UseGlobalTarget(), ErrNoGlobalTarget)

	sink := &testSink{}
	global.SetTarget(sink)
	require.NoError(t, l.UseGlobalTarget())

	now := time.Now()
	l.Info(now, now, "Write", "to global")

	lines := sink.all()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "to global")
}

func TestGlobalRelativeTimestamp(t *testing.T) {
	global := NewGlobal()
	t0 := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	global.SetRelativeTimestamp(t0)

	sink := &testSink{}
	l := New("dev", WithMode(ModeOn), WithGlobal(global))
	l.SetTarget(sink)

	start := t0.Add(2 * time.Second)
	l.Info(start, start, "Write", "*RST")

	lines := sink.all()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "00:00:02.000")
}

func TestUDPSink(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	port := pc.LocalAddr().(*net.UDPAddr).Port

	l := New("dev", WithMode(ModeOn), WithUDPPort(port))
	l.SetUDP(true)

	now := time.Now()
	l.Error(now, now, "Write", "udp error entry")

	require.NoError(t, pc.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 4096)
	n, _, err := pc.ReadFrom(buf)
	require.NoError(t, err)

	msg := string(buf[:n])
	assert.True(t, strings.HasPrefix(msg, "[e]"), "expected error prefix, got %q", msg)
	assert.Contains(t, msg, "udp error entry")
}

func TestSetFormat(t *testing.T) {
	l, sink := newTestLogger(ModeOn)
	l.SetFormat("%LOG_STRING_INFO%|%LOG_STRING%", "\n")

	now := time.Now()
	l.Info(now, now, "Write", "*RST")

	lines := sink.all()
	require.Len(t, lines, 1)
	assert.Equal(t, "Write|*RST\n", lines[0])

	l.RestoreFormat()
	l.Info(now, now, "Write", "*RST")
	assert.Contains(t, sink.all()[1], "Write: *RST")
}

func TestPadding(t *testing.T) {
	e := &Entry{Label: "Write", Text: "*RST", DeviceName: "dev"}
	out := renderEntry("PAD_LEFT10(%DEVICE_NAME%)|PAD_RIGHT8(%LOG_STRING_INFO%)|", e, e.Label, time.Time{})
	assert.Equal(t, "       dev|Write   |", out)
}

func TestRawEntriesBypassTemplate(t *testing.T) {
	l, sink := newTestLogger(ModeOn)
	l.SetFormat("IGNORED %LOG_STRING%", "\n")
	l.InfoRaw("raw line")

	lines := sink.all()
	require.Len(t, lines, 1)
	assert.Equal(t, "raw line\n", lines[0])
}
