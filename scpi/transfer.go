package scpi

import (
	"errors"
	"io"
	"time"

	"github.com/instrlab/go-scpi/internal/pool"
)

// Direction is the direction of a chunked transfer.
type Direction int

const (
	DirectionRead Direction = iota
	DirectionWrite
)

func (d Direction) String() string {
	switch d {
	case DirectionRead:
		return "read"
	case DirectionWrite:
		return "write"
	default:
		return "unknown"
	}
}

// ProgressEvent reports one completed chunk of a transfer.
type ProgressEvent struct {
	// Direction is the transfer direction.
	Direction Direction
	// ChunkIndex is the zero-based index of this chunk.
	ChunkIndex int
	// ChunkSize is the number of payload bytes moved by this chunk.
	ChunkSize int
	// TransferredSize is the cumulative payload bytes moved so far.
	TransferredSize int64
	// TotalSize is the declared total, or -1 when the total is not known.
	TotalSize int64
	// EndOfTransfer marks the final chunk.
	EndOfTransfer bool
}

// ProgressFunc receives progress events during chunked transfers. It is
// called synchronously between chunks, so a slow handler slows the transfer.
type ProgressFunc func(ProgressEvent)

// transferController moves payloads between the transport and streams in
// bounded chunks, so a transfer of any size holds at most one chunk in
// memory at a time.
type transferController struct {
	tp       Transport
	progress ProgressFunc
	sleep    func(time.Duration)
}

func newTransferController(tp Transport) *transferController {
	return &transferController{tp: tp, sleep: pool.Sleep}
}

func (tc *transferController) emit(dir Direction, index, chunk int, transferred, total int64, end bool) {
	if tc.progress != nil {
		tc.progress(ProgressEvent{
			Direction:       dir,
			ChunkIndex:      index,
			ChunkSize:       chunk,
			TransferredSize: transferred,
			TotalSize:       total,
			EndOfTransfer:   end,
		})
	}
}

// writeStream sends prefix followed by total bytes drawn from r, then the
// suffix, in chunks of at most cfg.chunkSize. The prefix and suffix ride
// along with the first and last payload chunk when they fit.
func (tc *transferController) writeStream(cfg configSnapshot, prefix []byte, r io.Reader, total int64, suffix []byte) error {
	if err := tc.tp.Send(prefix); err != nil {
		return tc.mapWriteErr(err, 0, total)
	}

	chunk := make([]byte, cfg.chunkSize)
	var transferred int64
	index := 0
	for transferred < total {
		want := int64(len(chunk))
		if remaining := total - transferred; remaining < want {
			want = remaining
		}

		n, err := io.ReadFull(r, chunk[:want])
		if err != nil {
			return &TransferError{
				Direction:       DirectionWrite,
				TransferredSize: transferred,
				TotalSize:       total,
				Err:             ErrTransferAborted,
				Cause:           err,
			}
		}

		if err := tc.tp.Send(chunk[:n]); err != nil {
			return tc.mapWriteErr(err, transferred, total)
		}
		transferred += int64(n)
		tc.emit(DirectionWrite, index, n, transferred, total, transferred == total)
		index++

		if cfg.writeDelay > 0 && transferred < total {
			tc.sleep(cfg.writeDelay)
		}
	}

	if len(suffix) > 0 {
		if err := tc.tp.Send(suffix); err != nil {
			return tc.mapWriteErr(err, transferred, total)
		}
	}

	return nil
}

// readDeclared drains exactly total payload bytes into w in chunks of at
// most cfg.chunkSize, honoring the per-read timeout for each chunk.
func (tc *transferController) readDeclared(cfg configSnapshot, w io.Writer, total int64) error {
	var transferred int64
	index := 0
	for transferred < total {
		want := int64(cfg.chunkSize)
		if remaining := total - transferred; remaining < want {
			want = remaining
		}

		data, _, err := tc.tp.Receive(int(want), cfg.ioTimeout)
		if err != nil {
			return tc.mapReadErr(err, transferred, total)
		}

		if _, err := w.Write(data); err != nil {
			return &TransferError{
				Direction:       DirectionRead,
				TransferredSize: transferred,
				TotalSize:       total,
				Err:             ErrTransferAborted,
				Cause:           err,
			}
		}
		transferred += int64(len(data))
		tc.emit(DirectionRead, index, len(data), transferred, total, transferred == total)
		index++

		if cfg.readDelay > 0 && transferred < total {
			tc.sleep(cfg.readDelay)
		}
	}

	return nil
}

// readUntilEOM drains one complete message of unknown length into w. Read
// sizes grow progressively, 1024 then 65536 then doubling, capped at
// cfg.chunkSize, so short replies avoid large allocations while long ones
// still move in full chunks. Progress events fire only when notify is set;
// short control reads like status polls stay silent.
func (tc *transferController) readUntilEOM(cfg configSnapshot, w io.Writer, notify bool) (int64, error) {
	readSize := 1024
	var transferred int64
	index := 0
	for {
		data, eom, err := tc.tp.Receive(readSize, cfg.ioTimeout)
		if err != nil {
			return transferred, tc.mapReadErr(err, transferred, -1)
		}

		if _, err := w.Write(data); err != nil {
			return transferred, &TransferError{
				Direction:       DirectionRead,
				TransferredSize: transferred,
				TotalSize:       -1,
				Err:             ErrTransferAborted,
				Cause:           err,
			}
		}
		transferred += int64(len(data))
		if notify {
			tc.emit(DirectionRead, index, len(data), transferred, -1, eom)
		}
		index++

		if eom {
			return transferred, nil
		}

		switch {
		case readSize == 1024:
			readSize = min(65536, cfg.chunkSize)
		case readSize < cfg.chunkSize:
			readSize = min(readSize*2, cfg.chunkSize)
		}

		if cfg.readDelay > 0 {
			tc.sleep(cfg.readDelay)
		}
	}
}

func (tc *transferController) mapReadErr(err error, transferred, total int64) error {
	return mapTransferErr(err, DirectionRead, transferred, total)
}

func (tc *transferController) mapWriteErr(err error, transferred, total int64) error {
	return mapTransferErr(err, DirectionWrite, transferred, total)
}

// mapTransferErr classifies a transport failure mid-transfer: a timed-out
// read becomes ErrTransferTimeout, everything else a connection-level abort.
func mapTransferErr(err error, dir Direction, transferred, total int64) error {
	kind := ErrTransferAborted
	if errors.Is(err, ErrReceiveTimeout) {
		kind = ErrTransferTimeout
	}

	return &TransferError{
		Direction:       dir,
		TransferredSize: transferred,
		TotalSize:       total,
		Err:             kind,
		Cause:           err,
	}
}
