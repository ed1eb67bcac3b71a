package scpi

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/instrlab/go-scpi/binblock"
	"github.com/instrlab/go-scpi/internal/util"
	"github.com/instrlab/go-scpi/logger"
	"github.com/instrlab/go-scpi/scpilog"
)

// Session drives one SCPI instrument connection. It binds a Transport, a
// re-entrant Lock, a SCPI command logger and a Config; every operation
// acquires the lock, works on a config snapshot taken at its start, logs
// into a segment of the command logger and finishes with an optional
// error-queue check.
//
// A Session is safe for concurrent use; operations from different
// goroutines serialize on the lock.
type Session struct {
	cfg     *Config
	tp      Transport
	lock    *Lock
	slog    *scpilog.Logger
	log     logger.Logger
	tc      *transferController
	opc     *opcSynchronizer
	checker *statusChecker

	terminator byte
	closed     atomic.Bool
}

// NewSession binds an established transport to a new session. It performs no
// instrument IO; use Connect for the dial-and-initialize path.
func NewSession(cfg *Config, tp Transport) (*Session, error) {
	if cfg == nil {
		return nil, ErrConfigNil
	}

	cfg.mu.RLock()
	term := cfg.terminator
	diag := cfg.logger
	mode := cfg.scpiMode
	name := cfg.resourceName
	cfg.mu.RUnlock()

	if tcp, ok := tp.(*TCPTransport); ok {
		tcp.SetTerminator(term)
	}

	s := &Session{
		cfg:        cfg,
		tp:         tp,
		lock:       NewLock(),
		slog:       scpilog.New(name, scpilog.WithMode(mode)),
		log:        diag,
		tc:         newTransferController(tp),
		terminator: term,
	}
	s.opc = newOPCSynchronizer(s.readStatusByte)
	s.checker = &statusChecker{resourceName: name, query: s.rawQuery}

	return s, nil
}

// Connect dials the instrument's raw socket at address ("host:port"),
// creates the session and initializes the instrument status subsystem:
// *CLS to clear stale state and *ESE 1 to arm the event status summary for
// operation-complete polling.
func Connect(address string, cfg *Config) (*Session, error) {
	if cfg == nil {
		return nil, ErrConfigNil
	}

	cfg.mu.RLock()
	connectTimeout := cfg.connectTimeout
	cfg.mu.RUnlock()

	tp, err := DialTCP(address, connectTimeout)
	if err != nil {
		return nil, err
	}

	s, err := NewSession(cfg, tp)
	if err != nil {
		_ = tp.Close()
		return nil, err
	}

	if err := s.initialize(); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

func (s *Session) initialize() error {
	guard := s.lock.Acquire()
	defer guard.Release()

	snap := s.cfg.snapshot()

	return s.writeLocked(snap, "*CLS;*ESE 1")
}

// Close shuts the session down. Further operations fail with
// ErrSessionClosed. Close is idempotent.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.slog.Flush()
	s.log.Debug("session closed", "resource", s.cfg.ResourceName())

	return s.tp.Close()
}

// Config returns the session configuration for runtime inspection.
func (s *Session) Config() *Config {
	return s.cfg
}

// SCPILog returns the per-session SCPI command logger.
func (s *Session) SCPILog() *scpilog.Logger {
	return s.slog
}

// Lock returns the session lock, for sharing via Assign on another session.
func (s *Session) Lock() *Lock {
	return s.lock
}

// AssignLock makes this session serialize with other, as if both were one
// session.
func (s *Session) AssignLock(other *Session) {
	s.lock.Assign(other.lock)
}

// ClearLock detaches this session from any shared lock token.
func (s *Session) ClearLock() {
	s.lock.Clear()
}

// SetProgressHandler installs fn as the receiver of chunked-transfer
// progress events. A nil fn removes the handler.
func (s *Session) SetProgressHandler(fn ProgressFunc) {
	guard := s.lock.Acquire()
	defer guard.Release()

	s.tc.progress = fn
}

// SetIOTimeout adjusts the per-read transport timeout at runtime.
func (s *Session) SetIOTimeout(val time.Duration) error {
	return WithIOTimeout(val).apply(s.cfg)
}

// SetOPCTimeout adjusts the OPC wait budget at runtime.
func (s *Session) SetOPCTimeout(val time.Duration) error {
	return WithOPCTimeout(val).apply(s.cfg)
}

// SetChunkSize adjusts the transfer segment size at runtime.
func (s *Session) SetChunkSize(size int) error {
	return WithChunkSize(size).apply(s.cfg)
}

// SetStatusChecking toggles the automatic error-queue check at runtime.
func (s *Session) SetStatusChecking(on bool) error {
	return WithStatusChecking(on).apply(s.cfg)
}

// Write sends a set command. The command must not contain a question mark;
// a query sent through Write would leave its response queued on the socket
// and desynchronize every following operation.
func (s *Session) Write(cmd string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if strings.Contains(cmd, "?") {
		return fmt.Errorf("%w: %q", ErrCommandWithQuestionMark, cmd)
	}

	guard := s.lock.Acquire()
	defer guard.Release()
	snap := s.cfg.snapshot()
	s.slog.StartSegment()
	defer s.slog.EndSegment()

	start := time.Now()
	err := s.writeLocked(snap, cmd)
	if err != nil {
		s.slog.Error(start, time.Now(), "Write", cmd+": "+err.Error())
		return err
	}
	s.slog.Info(start, time.Now(), "Write", cmd)

	return s.checkStatusLocked(snap)
}

// QueryString sends a query and returns the response with the trailing
// terminator removed. The query must contain a question mark; a command
// without one produces no response and the read would time out.
func (s *Session) QueryString(query string) (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}
	if !strings.Contains(query, "?") {
		return "", fmt.Errorf("%w: %q", ErrQueryMissingQuestionMark, query)
	}

	guard := s.lock.Acquire()
	defer guard.Release()
	snap := s.cfg.snapshot()
	s.slog.StartSegment()
	defer s.slog.EndSegment()

	start := time.Now()
	resp, err := s.queryLocked(snap, query)
	if err != nil {
		s.slog.Error(start, time.Now(), "Query", query+": "+err.Error())
		return "", err
	}
	s.slog.Info(start, time.Now(), "Query", query+" -> "+resp)

	if err := s.checkStatusLocked(snap); err != nil {
		return "", err
	}

	return resp, nil
}

// WriteWithOPC sends a set command and waits until the instrument reports
// operation complete. A zero timeout uses the configured OPC timeout.
//
// Under PollStatusByte the command is sent with ";*OPC" appended and *STB?
// is polled until the event status summary bit sets; the event register is
// then cleared with *ESR?. Under PollOPCQuery a *OPC? follows the command
// and its response is awaited within the OPC budget.
func (s *Session) WriteWithOPC(cmd string, timeout time.Duration) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if strings.Contains(cmd, "?") {
		return fmt.Errorf("%w: %q", ErrCommandWithQuestionMark, cmd)
	}

	guard := s.lock.Acquire()
	defer guard.Release()
	snap := s.cfg.snapshot()
	if timeout <= 0 {
		timeout = snap.opcTimeout
	}
	s.slog.StartSegment()
	defer s.slog.EndSegment()

	start := time.Now()
	err := s.writeWithOPCLocked(snap, cmd, timeout)
	if err != nil {
		s.slog.Error(start, time.Now(), "Write with OPC", cmd+": "+err.Error())
		return err
	}
	s.slog.Info(start, time.Now(), "Write with OPC", cmd)

	return s.checkStatusLocked(snap)
}

func (s *Session) writeWithOPCLocked(snap configSnapshot, cmd string, timeout time.Duration) error {
	switch snap.opcPolicy {
	case PollOPCQuery:
		if err := s.writeLocked(snap, cmd+";*OPC?"); err != nil {
			return err
		}
		start := time.Now()
		if _, err := s.readMessageLocked(snap.withIOTimeout(timeout)); err != nil {
			return s.mapOPCWaitErr(err, time.Since(start), timeout)
		}
		return nil

	default: // PollStatusByte
		if err := s.writeLocked(snap, cmd+";*OPC"); err != nil {
			return err
		}
		if _, err := s.opc.waitForESB(timeout); err != nil {
			return err
		}
		// Clear the event status register for the next wait.
		_, err := s.queryLocked(snap, "*ESR?")

		return err
	}
}

// QueryWithOPC sends a long-running query and waits up to timeout for its
// response. A zero timeout uses the configured OPC timeout. The response
// channel carries the pending reply, so completion is awaited on the read
// itself rather than by status polling.
func (s *Session) QueryWithOPC(query string, timeout time.Duration) (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}
	if !strings.Contains(query, "?") {
		return "", fmt.Errorf("%w: %q", ErrQueryMissingQuestionMark, query)
	}

	guard := s.lock.Acquire()
	defer guard.Release()
	snap := s.cfg.snapshot()
	if timeout <= 0 {
		timeout = snap.opcTimeout
	}
	s.slog.StartSegment()
	defer s.slog.EndSegment()

	start := time.Now()
	resp, err := s.queryLocked(snap.withIOTimeout(timeout), query)
	if err != nil {
		err = s.mapOPCWaitErr(err, time.Since(start), timeout)
		s.slog.Error(start, time.Now(), "Query with OPC", query+": "+err.Error())
		return "", err
	}
	s.slog.Info(start, time.Now(), "Query with OPC", query+" -> "+resp)

	if err := s.checkStatusLocked(snap); err != nil {
		return "", err
	}

	return resp, nil
}

// WriteBinBlock sends cmd followed by payload framed as an IEEE-488.2
// definite-length block, streamed in chunks.
func (s *Session) WriteBinBlock(cmd string, payload []byte) error {
	return s.writeBinBlock(cmd, bytes.NewReader(payload), int64(len(payload)), func(start, end time.Time) {
		s.slog.InfoBin(start, end, "Write bin block "+cmd, payload)
	})
}

// WriteBinBlockFromFile streams the file at path to the instrument as a
// definite-length block, holding at most one chunk in memory.
func (s *Session) WriteBinBlockFromFile(cmd, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	size := info.Size()

	return s.writeBinBlock(cmd, f, size, func(start, end time.Time) {
		s.slog.Info(start, end, "Write bin block "+cmd,
			fmt.Sprintf("%s from file %q", util.SizeString(size), path))
	})
}

func (s *Session) writeBinBlock(cmd string, r io.Reader, size int64, logOK func(start, end time.Time)) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if strings.Contains(cmd, "?") {
		return fmt.Errorf("%w: %q", ErrCommandWithQuestionMark, cmd)
	}

	guard := s.lock.Acquire()
	defer guard.Release()
	snap := s.cfg.snapshot()
	s.slog.StartSegment()
	defer s.slog.EndSegment()

	prefix := cmd
	if !strings.HasSuffix(prefix, " ") && !strings.HasSuffix(prefix, ",") {
		prefix += " "
	}
	header := append([]byte(prefix), binblock.EncodeHeader(uint64(size))...)

	start := time.Now()
	err := s.tc.writeStream(snap, header, r, size, []byte{s.terminator})
	if err != nil {
		s.slog.Error(start, time.Now(), "Write bin block", cmd+": "+err.Error())
		return err
	}
	logOK(start, time.Now())

	return s.checkStatusLocked(snap)
}

// QueryBinBlock sends a query whose response is an IEEE-488.2 binary block
// and returns the payload.
func (s *Session) QueryBinBlock(query string) ([]byte, error) {
	var buf bytes.Buffer
	err := s.queryBinBlock(query, &buf, func(start, end time.Time) {
		s.slog.InfoBin(start, end, "Read bin block "+query, buf.Bytes())
	})
	if err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// QueryBinBlockToFile streams a binary block response into the file at
// path, holding at most one chunk in memory. An existing file is truncated.
func (s *Session) QueryBinBlockToFile(query, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	cw := &countingWriter{w: f}
	err = s.queryBinBlock(query, cw, func(start, end time.Time) {
		s.slog.Info(start, end, "Read bin block "+query,
			fmt.Sprintf("%s to file %q", util.SizeString(cw.n), path))
	})
	closeErr := f.Close()
	if err != nil {
		return err
	}

	return closeErr
}

func (s *Session) queryBinBlock(query string, w io.Writer, logOK func(start, end time.Time)) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if !strings.Contains(query, "?") {
		return fmt.Errorf("%w: %q", ErrQueryMissingQuestionMark, query)
	}

	guard := s.lock.Acquire()
	defer guard.Release()
	snap := s.cfg.snapshot()
	s.slog.StartSegment()
	defer s.slog.EndSegment()

	start := time.Now()
	err := s.queryBinBlockLocked(snap, query, w)
	if err != nil {
		s.slog.Error(start, time.Now(), "Read bin block", query+": "+err.Error())
		return err
	}
	logOK(start, time.Now())

	return s.checkStatusLocked(snap)
}

func (s *Session) queryBinBlockLocked(snap configSnapshot, query string, w io.Writer) error {
	if err := s.writeLocked(snap, query); err != nil {
		return err
	}

	header, err := binblock.ParseHeader(&transportReader{tp: s.tp, timeout: snap.ioTimeout})
	if err != nil {
		return err
	}

	if header.Indefinite {
		_, err := s.tc.readUntilEOM(snap, w, true)
		return err
	}

	if err := s.tc.readDeclared(snap, w, int64(header.Length)); err != nil {
		return err
	}

	// Consume the terminator that closes the response message.
	return s.drainTerminatorLocked(snap)
}

// drainTerminatorLocked reads the rest of the current message, normally a
// single terminator byte following a definite-length block.
func (s *Session) drainTerminatorLocked(snap configSnapshot) error {
	for {
		data, eom, err := s.tp.Receive(16, snap.ioTimeout)
		if err != nil {
			return err
		}
		if eom || len(data) == 0 {
			return nil
		}
	}
}

// QueryAllErrors drains the instrument's error queue and returns the
// entries in queue order. The queue is clear-on-read, so the entries are
// consumed regardless of what the caller does with them.
func (s *Session) QueryAllErrors() ([]StatusError, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	guard := s.lock.Acquire()
	defer guard.Release()

	return s.checker.drain()
}

// CheckStatus drains the error queue and returns an InstrumentStatusError
// when it was not empty, regardless of the status-checking toggle.
func (s *Session) CheckStatus() error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	guard := s.lock.Acquire()
	defer guard.Release()

	return s.checker.check()
}

// ClearStatus sends *CLS, clearing the status registers and the error
// queue.
func (s *Session) ClearStatus() error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	guard := s.lock.Acquire()
	defer guard.Release()
	snap := s.cfg.snapshot()

	start := time.Now()
	err := s.writeLocked(snap, "*CLS")
	if err != nil {
		s.slog.Error(start, time.Now(), "Clear status", err.Error())
		return err
	}
	s.slog.Info(start, time.Now(), "Clear status", "*CLS")

	return nil
}

func (s *Session) checkOpen() error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	return nil
}

// writeLocked sends one terminated command line. Callers hold the lock.
func (s *Session) writeLocked(snap configSnapshot, cmd string) error {
	data := make([]byte, 0, len(cmd)+1)
	data = append(data, cmd...)
	data = append(data, s.terminator)

	return s.tp.Send(data)
}

// readMessageLocked drains one complete message and strips the trailing
// terminator plus an optional CR.
func (s *Session) readMessageLocked(snap configSnapshot) (string, error) {
	var buf bytes.Buffer
	if _, err := s.tc.readUntilEOM(snap, &buf, false); err != nil {
		return "", err
	}

	resp := buf.Bytes()
	if n := len(resp); n > 0 && resp[n-1] == s.terminator {
		resp = resp[:n-1]
	}
	resp = bytes.TrimSuffix(resp, []byte{'\r'})

	return string(resp), nil
}

func (s *Session) queryLocked(snap configSnapshot, query string) (string, error) {
	if err := s.writeLocked(snap, query); err != nil {
		return "", err
	}

	return s.readMessageLocked(snap)
}

// rawQuery is the status checker's entry point: a plain query round trip
// under the caller's lock, without segments or nested status checks.
func (s *Session) rawQuery(cmd string) (string, error) {
	return s.queryLocked(s.cfg.snapshot(), cmd)
}

// readStatusByte is the OPC synchronizer's poll primitive.
func (s *Session) readStatusByte() (StatusByte, error) {
	resp, err := s.rawQuery("*STB?")
	if err != nil {
		return 0, err
	}

	return parseStatusByte(resp)
}

// checkStatusLocked runs the automatic post-operation error-queue check.
func (s *Session) checkStatusLocked(snap configSnapshot) error {
	if !snap.statusChecking {
		return nil
	}

	start := time.Now()
	err := s.checker.check()
	if err != nil {
		s.slog.Error(start, time.Now(), "Status check", err.Error())
		return err
	}
	if s.slog.LogStatusCheckOK() {
		s.slog.Info(start, time.Now(), "Status check", "OK")
	}

	return nil
}

// mapOPCWaitErr converts a timed-out completion read into an
// OPCTimeoutError; other failures pass through.
func (s *Session) mapOPCWaitErr(err error, elapsed, timeout time.Duration) error {
	if errors.Is(err, ErrReceiveTimeout) || errors.Is(err, ErrTransferTimeout) {
		return &OPCTimeoutError{Elapsed: elapsed, Timeout: timeout}
	}
	return err
}

// withIOTimeout returns a copy of the snapshot with the per-read timeout
// replaced, used when a wait budget overrides the regular IO timeout.
func (snap configSnapshot) withIOTimeout(timeout time.Duration) configSnapshot {
	snap.ioTimeout = timeout
	return snap
}

// countingWriter tracks bytes written through it.
type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}
