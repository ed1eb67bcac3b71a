package scpi

import (
	"sync/atomic"
	"time"

	"github.com/instrlab/go-scpi/internal/pool"
)

// SyncState is the lifecycle state of one OPC-synchronized wait.
type SyncState uint32

const (
	SyncIdle SyncState = iota
	SyncSent
	SyncPolling
	SyncComplete
	SyncTimedOut
)

func (s SyncState) String() string {
	switch s {
	case SyncIdle:
		return "Idle"
	case SyncSent:
		return "Sent"
	case SyncPolling:
		return "Polling"
	case SyncComplete:
		return "Complete"
	case SyncTimedOut:
		return "TimedOut"
	default:
		return "Unknown"
	}
}

// AtomicSyncState tracks the state of an OPC wait with atomic transitions.
type AtomicSyncState struct {
	state atomic.Uint32
}

// Get returns the current state.
func (st *AtomicSyncState) Get() SyncState {
	return SyncState(st.state.Load())
}

// Set sets the state unconditionally.
func (st *AtomicSyncState) Set(state SyncState) {
	st.state.Store(uint32(state))
}

func (st *AtomicSyncState) ToSent() bool {
	return st.state.CompareAndSwap(uint32(SyncIdle), uint32(SyncSent))
}

func (st *AtomicSyncState) ToPolling() bool {
	return st.state.CompareAndSwap(uint32(SyncSent), uint32(SyncPolling))
}

func (st *AtomicSyncState) ToComplete() bool {
	return st.state.CompareAndSwap(uint32(SyncPolling), uint32(SyncComplete))
}

func (st *AtomicSyncState) ToTimedOut() bool {
	return st.state.CompareAndSwap(uint32(SyncPolling), uint32(SyncTimedOut))
}

// pollInterval returns the wait before the next completion poll, growing
// with the elapsed time so short operations finish with near-zero latency
// while long ones poll only once per second.
func pollInterval(elapsed time.Duration) time.Duration {
	switch {
	case elapsed < 10*time.Millisecond:
		return 0
	case elapsed < 100*time.Millisecond:
		return 5 * time.Millisecond
	case elapsed < time.Second:
		return 20 * time.Millisecond
	case elapsed < 5*time.Second:
		return 50 * time.Millisecond
	case elapsed < 10*time.Second:
		return 100 * time.Millisecond
	case elapsed < 50*time.Second:
		return 500 * time.Millisecond
	default:
		return time.Second
	}
}

// opcSynchronizer implements the completion wait behind OPC-synchronized
// operations. The session wires it to the transport; tests wire it to fakes
// and a virtual clock.
type opcSynchronizer struct {
	// readStatusByte performs one *STB? round trip.
	readStatusByte func() (StatusByte, error)

	// now and sleep default to the real clock.
	now   func() time.Time
	sleep func(time.Duration)

	state AtomicSyncState
}

func newOPCSynchronizer(readStatusByte func() (StatusByte, error)) *opcSynchronizer {
	return &opcSynchronizer{
		readStatusByte: readStatusByte,
		now:            time.Now,
		sleep:          pool.Sleep,
	}
}

// waitForESB polls the status byte until the event status summary bit is
// set, the error-queue bit interrupts the wait, or timeout expires. With
// *ESE 1 armed, the summary bit reports operation complete. It returns the
// last observed status byte.
//
// An error-queue entry mid-wait aborts immediately: the pending operation
// most likely failed, and waiting out the full timeout would only delay the
// status check that reports the real problem.
func (o *opcSynchronizer) waitForESB(timeout time.Duration) (StatusByte, error) {
	o.state.Set(SyncIdle)
	o.state.ToSent()
	o.state.ToPolling()

	start := o.now()
	var last StatusByte
	for {
		stb, err := o.readStatusByte()
		if err != nil {
			o.state.Set(SyncIdle)
			return last, err
		}
		last = stb

		if stb.Has(StatusEventStatus) || stb.Has(StatusErrorQueueNotEmpty) {
			o.state.ToComplete()
			return stb, nil
		}

		elapsed := o.now().Sub(start)
		if elapsed >= timeout {
			o.state.ToTimedOut()
			return stb, &OPCTimeoutError{Elapsed: elapsed, Timeout: timeout, LastStatus: stb}
		}

		o.sleep(pollInterval(elapsed))
	}
}

// waitForResponse polls until the message-available bit is set, then returns
// the last status byte so the caller can read the response. Used by queries
// under the status-byte policy, where the response only appears once the
// operation completed.
func (o *opcSynchronizer) waitForResponse(timeout time.Duration) (StatusByte, error) {
	o.state.Set(SyncIdle)
	o.state.ToSent()
	o.state.ToPolling()

	start := o.now()
	var last StatusByte
	for {
		stb, err := o.readStatusByte()
		if err != nil {
			o.state.Set(SyncIdle)
			return last, err
		}
		last = stb

		if stb.Has(StatusMessageAvailable) {
			o.state.ToComplete()
			return stb, nil
		}

		elapsed := o.now().Sub(start)
		if elapsed >= timeout {
			o.state.ToTimedOut()
			return stb, &OPCTimeoutError{Elapsed: elapsed, Timeout: timeout, LastStatus: stb}
		}

		o.sleep(pollInterval(elapsed))
	}
}
