package scpilog

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// DefaultUDPPort is the local UDP port log datagrams are sent to unless
// changed with Logger.SetUDPPort.
const DefaultUDPPort = 49200

// Sink receives rendered log lines. Any write/flush-capable stream can serve
// as a logging target through NewWriterSink.
type Sink interface {
	// Write appends one rendered line (divider included) to the target.
	Write(s string) error
	// Flush forces buffered content out to the underlying target.
	Flush() error
}

type flusher interface {
	Flush() error
}

type writerSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink adapts an io.Writer into a Sink. If the writer also
// implements Flush() error (e.g. *bufio.Writer), Flush is forwarded to it.
func NewWriterSink(w io.Writer) Sink {
	return &writerSink{w: w}
}

func (s *writerSink) Write(str string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := io.WriteString(s.w, str); err != nil {
		return fmt.Errorf("write log line: %w", err)
	}
	return nil
}

func (s *writerSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.w.(flusher); ok {
		return f.Flush()
	}
	return nil
}

// UDPSink sends each log line as one datagram to 127.0.0.1 at the configured
// port. Lines carry an "[i]" or "[e]" severity prefix. Send failures are
// swallowed: a missing listener must never disturb instrument communication.
type UDPSink struct {
	mu   sync.Mutex
	port int
	conn net.Conn
}

// NewUDPSink creates a UDP sink targeting the given local port.
func NewUDPSink(port int) *UDPSink {
	return &UDPSink{port: port}
}

// Send transmits one line, prefixed according to isError. The connection is
// dialed lazily on first use.
func (s *UDPSink) Send(line string, isError bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		conn, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", s.port))
		if err != nil {
			return
		}
		s.conn = conn
	}

	prefix := "[i]"
	if isError {
		prefix = "[e]"
	}
	_, _ = s.conn.Write([]byte(prefix + line))
}

// Close releases the sink's socket, if one was dialed.
func (s *UDPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// Global holds process-wide logging state shared by every session logger
// constructed with the same instance: the global target sink and the global
// relative-timestamp reference. It is explicit shared state passed at
// construction, not ambient package state, so tests and applications can
// scope it as they wish.
type Global struct {
	mu      sync.RWMutex
	target  Sink
	refTime time.Time
}

// NewGlobal creates an empty global logging state.
func NewGlobal() *Global {
	return &Global{}
}

// SetTarget sets the global logging target applicable to every logger in
// global-target mode. A nil target disables it.
func (g *Global) SetTarget(s Sink) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.target = s
}

// Target returns the global logging target, or nil when none is set.
func (g *Global) Target() Sink {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.target
}

// SetRelativeTimestamp sets the process-wide timestamp reference.
func (g *Global) SetRelativeTimestamp(t time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refTime = t
}

// ClearRelativeTimestamp removes the process-wide timestamp reference;
// loggers in global mode fall back to absolute timestamps.
func (g *Global) ClearRelativeTimestamp() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refTime = time.Time{}
}

// RelativeTimestamp returns the process-wide timestamp reference.
// The zero time means no reference is set.
func (g *Global) RelativeTimestamp() time.Time {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.refTime
}
