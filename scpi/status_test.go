package scpi

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatusEntry(t *testing.T) {
	tests := []struct {
		name string
		line string
		want StatusError
		ok   bool
	}{
		{
			name: "standard negative code",
			line: `-113,"Undefined header"`,
			want: StatusError{Code: -113, Message: "Undefined header"},
			ok:   true,
		},
		{
			name: "positive code with plus sign",
			line: `+200,"Execution error"`,
			want: StatusError{Code: 200, Message: "Execution error"},
			ok:   true,
		},
		{
			name: "single quotes",
			line: `-222,'Data out of range'`,
			want: StatusError{Code: -222, Message: "Data out of range"},
			ok:   true,
		},
		{
			name: "trailing comma tolerated",
			line: `-350,"Queue overflow",`,
			want: StatusError{Code: -350, Message: "Queue overflow"},
			ok:   true,
		},
		{
			name: "surrounding whitespace",
			line: `  -101, "Invalid character" ` + "\r",
			want: StatusError{Code: -101, Message: "Invalid character"},
			ok:   true,
		},
		{name: "no error sentinel", line: `0,"No error"`, ok: false},
		{name: "no error with plus", line: `+0,"No error"`, ok: false},
		{name: "no error case insensitive", line: `0,"NO ERROR"`, ok: false},
		{name: "no error message with nonzero text", line: `-0,"no error"`, ok: false},
		{name: "empty line", line: "", ok: false},
		{name: "garbage", line: "flurble", ok: false},
		{
			name: "unquoted message keeps raw line",
			line: `-113,Undefined header`,
			want: StatusError{Code: -113, Message: "-113,Undefined header"},
			ok:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseStatusEntry(tt.line)
			require.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

// scriptedQueue pops one response per SYST:ERR? query, mimicking the
// clear-on-read instrument queue.
type scriptedQueue struct {
	responses []string
	queries   int
}

func (q *scriptedQueue) query(cmd string) (string, error) {
	q.queries++
	if cmd != "SYST:ERR?" {
		return "", errors.New("unexpected query: " + cmd)
	}
	if len(q.responses) == 0 {
		return `0,"No error"`, nil
	}
	resp := q.responses[0]
	q.responses = q.responses[1:]
	return resp, nil
}

func TestStatusCheckerDrainClearOnRead(t *testing.T) {
	queue := &scriptedQueue{responses: []string{
		`-113,"Undefined header"`,
	}}
	sc := &statusChecker{resourceName: "dev", query: queue.query}

	entries, err := sc.drain()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, StatusError{Code: -113, Message: "Undefined header"}, entries[0])
	assert.Equal(t, 2, queue.queries, "one entry plus the sentinel")

	// The queue was consumed by the first drain.
	entries, err = sc.drain()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStatusCheckerCheckMultipleErrors(t *testing.T) {
	queue := &scriptedQueue{responses: []string{
		`-113,"Undefined header"`,
		`-222,"Data out of range"`,
	}}
	sc := &statusChecker{resourceName: "dev", query: queue.query}

	err := sc.check()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInstrumentStatus)

	var statusErr *InstrumentStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, "dev", statusErr.ResourceName)
	require.Len(t, statusErr.Errors, 2)
	assert.Equal(t, -113, statusErr.Errors[0].Code)
	assert.Equal(t, -222, statusErr.Errors[1].Code)
	assert.Contains(t, err.Error(), "2 instrument errors detected")
}

func TestStatusCheckerCheckClean(t *testing.T) {
	queue := &scriptedQueue{}
	sc := &statusChecker{resourceName: "dev", query: queue.query}

	assert.NoError(t, sc.check())
	assert.Equal(t, 1, queue.queries)
}

func TestStatusCheckerSafetyCap(t *testing.T) {
	// An instrument that never returns the sentinel must not spin forever.
	queries := 0
	sc := &statusChecker{resourceName: "dev", query: func(string) (string, error) {
		queries++
		return `-350,"Queue overflow"`, nil
	}}

	entries, err := sc.drain()
	require.NoError(t, err)
	assert.Len(t, entries, maxStatusQueries)
	assert.Equal(t, maxStatusQueries, queries)
}

func TestStatusCheckerQueryFailure(t *testing.T) {
	wantErr := errors.New("read failed")
	sc := &statusChecker{resourceName: "dev", query: func(string) (string, error) {
		return "", wantErr
	}}

	err := sc.check()
	assert.ErrorIs(t, err, wantErr)
}

func TestParseStatusByte(t *testing.T) {
	sb, err := parseStatusByte("32")
	require.NoError(t, err)
	assert.True(t, sb.Has(StatusEventStatus))

	sb, err = parseStatusByte("+96\r")
	require.NoError(t, err)
	assert.True(t, sb.Has(StatusEventStatus))
	assert.True(t, sb.Has(StatusRequestService))
	assert.False(t, sb.Has(StatusErrorQueueNotEmpty))

	_, err = parseStatusByte("nope")
	assert.Error(t, err)
}
