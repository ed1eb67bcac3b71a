package scpi

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrConfigNil indicates that a nil Config was provided.
	ErrConfigNil = errors.New("session config is nil")

	// ErrSessionClosed indicates that an operation was attempted on a closed session.
	ErrSessionClosed = errors.New("session closed")

	// ErrQueryMissingQuestionMark indicates that a query command does not
	// contain a question mark and would leave the instrument silent.
	ErrQueryMissingQuestionMark = errors.New("query must contain a question mark")

	// ErrCommandWithQuestionMark indicates that a set command contains a
	// question mark and would produce an unread response.
	ErrCommandWithQuestionMark = errors.New("set command must not contain a question mark")
)

var (
	// ErrTransport indicates a connection-level failure. It is usually fatal
	// to the session.
	ErrTransport = errors.New("transport failure")

	// ErrConnClosed indicates that the transport connection is closed.
	ErrConnClosed = errors.New("connection closed")

	// ErrReceiveTimeout indicates that a transport read did not complete
	// within the active timeout.
	ErrReceiveTimeout = errors.New("receive timeout")
)

var (
	// ErrTransferTimeout indicates that a chunk read/write exceeded the
	// active timeout during a chunked transfer.
	ErrTransferTimeout = errors.New("transfer timeout")

	// ErrTransferAborted indicates that the transport closed mid-transfer.
	// The loss of connection is reported distinctly from a read timeout.
	ErrTransferAborted = errors.New("transfer aborted, connection lost")

	// ErrOPCTimeout indicates that the operation-complete wait expired.
	ErrOPCTimeout = errors.New("OPC timeout")

	// ErrInstrumentStatus indicates that the instrument reported one or more
	// errors in its error queue.
	ErrInstrumentStatus = errors.New("instrument status error")
)

// TransportError describes a connection-level failure of one transport
// operation. It wraps ErrTransport plus the concrete cause, so both
// errors.Is(err, ErrTransport) and cause matching work.
type TransportError struct {
	// Op is the failing transport operation ("send", "receive", "close", "dial").
	Op string
	// Cause is the underlying error.
	Cause error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Cause)
}

func (e *TransportError) Unwrap() []error {
	return []error{ErrTransport, e.Cause}
}

// TransferError describes a failed chunked transfer. It carries the partial
// progress made before the failure and wraps either ErrTransferTimeout or
// ErrTransferAborted plus the underlying cause.
type TransferError struct {
	// Direction is the transfer direction.
	Direction Direction
	// TransferredSize is the number of payload bytes moved before the failure.
	TransferredSize int64
	// TotalSize is the declared total, or -1 when the total was not declared.
	TotalSize int64
	// Err is ErrTransferTimeout or ErrTransferAborted.
	Err error
	// Cause is the underlying transport error.
	Cause error
}

func (e *TransferError) Error() string {
	total := "unknown"
	if e.TotalSize >= 0 {
		total = fmt.Sprintf("%d", e.TotalSize)
	}
	return fmt.Sprintf("%s transfer failed after %d of %s bytes: %v", e.Direction, e.TransferredSize, total, e.Cause)
}

func (e *TransferError) Unwrap() []error {
	return []error{e.Err, e.Cause}
}

// OPCTimeoutError indicates that an OPC-synchronized operation did not
// complete within the effective timeout. It carries the elapsed wait time
// and the last observed status byte.
type OPCTimeoutError struct {
	// Elapsed is the cumulative wait time when the synchronizer gave up.
	Elapsed time.Duration
	// Timeout is the effective timeout that was exceeded.
	Timeout time.Duration
	// LastStatus is the last status byte observed while polling, if any.
	LastStatus StatusByte
}

func (e *OPCTimeoutError) Error() string {
	return fmt.Sprintf("timeout expired before the operation completed: waited %v of allowed %v, last status byte 0x%02x",
		e.Elapsed.Round(time.Millisecond), e.Timeout, uint8(e.LastStatus))
}

func (e *OPCTimeoutError) Unwrap() error { return ErrOPCTimeout }

// StatusError is one entry of the instrument's error queue.
type StatusError struct {
	// Code is the SCPI error code, negative for standard errors.
	Code int
	// Message is the quoted error text without the quotes.
	Message string
}

func (e StatusError) String() string {
	return fmt.Sprintf("%d,%q", e.Code, e.Message)
}

// InstrumentStatusError reports that the instrument's error queue was not
// empty when a status check ran. It bundles the full ordered error list.
type InstrumentStatusError struct {
	// ResourceName identifies the instrument connection.
	ResourceName string
	// Errors is the ordered error list drained from the queue.
	Errors []StatusError
}

func (e *InstrumentStatusError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%q: ", e.ResourceName)
	if len(e.Errors) == 1 {
		fmt.Fprintf(&sb, "instrument error detected: %s", e.Errors[0])
		return sb.String()
	}
	fmt.Fprintf(&sb, "%d instrument errors detected:", len(e.Errors))
	for _, statusErr := range e.Errors {
		sb.WriteString("\n")
		sb.WriteString(statusErr.String())
	}
	return sb.String()
}

func (e *InstrumentStatusError) Unwrap() error { return ErrInstrumentStatus }
