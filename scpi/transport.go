package scpi

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// Transport is the raw duplex byte channel a Session drives. A transport is
// owned by exactly one Session; the Session borrows it for the lifetime of
// every operation and serializes access through its lock.
//
// Implementations must allow short reads: Receive may return fewer than
// maxLen bytes as soon as at least one byte is available.
type Transport interface {
	// Send writes the whole buffer to the instrument.
	Send(data []byte) error

	// Receive reads up to maxLen bytes, blocking until at least one byte is
	// available or timeout elapses. eom reports whether the returned data
	// completes a message (the terminator convention of the concrete
	// transport). The data is returned verbatim, terminator included, so
	// binary payloads pass through unmodified.
	Receive(maxLen int, timeout time.Duration) (data []byte, eom bool, err error)

	// Close shuts the connection down. Further calls fail with ErrConnClosed.
	Close() error
}

// TCPTransport drives a raw socket SCPI connection (port 5025 on most
// instruments). Messages are terminated by a single terminator byte,
// LF by default.
type TCPTransport struct {
	conn       net.Conn
	terminator byte
}

var _ Transport = (*TCPTransport)(nil)

// DialTCP opens a raw socket connection to address ("host:port") within
// connectTimeout.
func DialTCP(address string, connectTimeout time.Duration) (*TCPTransport, error) {
	conn, err := net.DialTimeout("tcp", address, connectTimeout)
	if err != nil {
		return nil, &TransportError{Op: "dial", Cause: err}
	}

	return NewTCPTransport(conn), nil
}

// NewTCPTransport wraps an established connection. Useful for tests running
// against in-process listeners.
func NewTCPTransport(conn net.Conn) *TCPTransport {
	return &TCPTransport{conn: conn, terminator: '\n'}
}

// SetTerminator changes the message terminator byte, LF by default.
func (t *TCPTransport) SetTerminator(term byte) {
	t.terminator = term
}

func (t *TCPTransport) Send(data []byte) error {
	if _, err := t.conn.Write(data); err != nil {
		return &TransportError{Op: "send", Cause: mapNetError(err)}
	}
	return nil
}

func (t *TCPTransport) Receive(maxLen int, timeout time.Duration) ([]byte, bool, error) {
	if maxLen <= 0 {
		return nil, false, &TransportError{Op: "receive", Cause: fmt.Errorf("invalid max length %d", maxLen)}
	}
	if err := t.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, false, &TransportError{Op: "receive", Cause: err}
	}

	buf := make([]byte, maxLen)
	n, err := t.conn.Read(buf)
	if n > 0 {
		data := buf[:n]
		eom := data[n-1] == t.terminator
		return data, eom, nil
	}
	if err == nil {
		err = io.EOF
	}

	return nil, false, &TransportError{Op: "receive", Cause: mapNetError(err)}
}

func (t *TCPTransport) Close() error {
	if err := t.conn.Close(); err != nil {
		return &TransportError{Op: "close", Cause: err}
	}
	return nil
}

// mapNetError folds network errors into the transport cause sentinels so
// higher layers can distinguish a timed-out read from a lost connection.
func mapNetError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", ErrReceiveTimeout, err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrConnClosed, err)
	}
	return err
}

// transportReader adapts a Transport to io.Reader for byte-granular header
// parsing. Each Read issues one Receive with the configured timeout.
type transportReader struct {
	tp      Transport
	timeout time.Duration
}

func (r *transportReader) Read(p []byte) (int, error) {
	data, _, err := r.tp.Receive(len(p), r.timeout)
	if err != nil {
		return 0, err
	}
	return copy(p, data), nil
}
