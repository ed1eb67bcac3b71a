package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetTimer(t *testing.T) {
	timer := GetTimer(10 * time.Millisecond)
	require.NotNil(t, timer)

	select {
	case <-timer.C:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	PutTimer(timer)
}

func TestTimerReuse(t *testing.T) {
	timer := GetTimer(time.Millisecond)
	<-timer.C
	PutTimer(timer)

	// A reused timer must fire again after Reset.
	reused := GetTimer(time.Millisecond)
	select {
	case <-reused.C:
	case <-time.After(time.Second):
		t.Fatal("reused timer did not fire")
	}
	PutTimer(reused)
}

func TestPutTimerDrainsChannel(t *testing.T) {
	timer := GetTimer(time.Nanosecond)
	time.Sleep(5 * time.Millisecond)
	// The timer already fired but its channel was never read.
	PutTimer(timer)

	reused := GetTimer(10 * time.Millisecond)
	start := time.Now()
	<-reused.C
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
	PutTimer(reused)
}

func TestSleep(t *testing.T) {
	start := time.Now()
	Sleep(20 * time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	// Non-positive durations return immediately.
	start = time.Now()
	Sleep(0)
	Sleep(-time.Second)
	assert.Less(t, time.Since(start), 10*time.Millisecond)
}
