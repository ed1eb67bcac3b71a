package util

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloneSlice(t *testing.T) {
	src := []byte{1, 2, 3}
	clone := CloneSlice(src, 0)
	assert.Equal(t, src, clone)

	src[0] = 9
	assert.Equal(t, byte(1), clone[0])

	partial := CloneSlice([]byte{1, 2, 3, 4}, 2)
	assert.Equal(t, []byte{1, 2}, partial)
}

func TestChunkCount(t *testing.T) {
	tests := []struct {
		name      string
		total     int64
		chunkSize int
		expected  int
	}{
		{name: "zero total", total: 0, chunkSize: 100, expected: 0},
		{name: "exact multiple", total: 200, chunkSize: 100, expected: 2},
		{name: "with remainder", total: 201, chunkSize: 100, expected: 3},
		{name: "smaller than chunk", total: 5, chunkSize: 100, expected: 1},
		{name: "invalid chunk size", total: 5, chunkSize: 0, expected: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ChunkCount(tt.total, tt.chunkSize))
		})
	}
}

func TestSizeString(t *testing.T) {
	assert.Equal(t, "512 bytes", SizeString(512))
	assert.Equal(t, "2.00 KB", SizeString(2048))
	assert.Equal(t, "1.50 MB", SizeString(1572864))
}

func TestShortenMiddle(t *testing.T) {
	short := "hello"
	assert.Equal(t, short, ShortenMiddle(short, 10))

	long := make([]byte, 500)
	for i := range long {
		long[i] = 'a'
	}
	shortened := ShortenMiddle(string(long), 100)
	assert.LessOrEqual(t, len(shortened), 100)
	assert.Contains(t, shortened, "total 500 chars")
}

func TestEscapeNonPrintable(t *testing.T) {
	assert.Equal(t, `*IDN?\n`, EscapeNonPrintable("*IDN?\n"))
	assert.Equal(t, `a\x00b`, EscapeNonPrintable("a\x00b"))
	assert.Equal(t, `\r\t`, EscapeNonPrintable("\r\t"))
}

func TestGoroutineID(t *testing.T) {
	id := GoroutineID()
	require.NotZero(t, id)

	// The id must be stable within a goroutine and distinct across goroutines.
	assert.Equal(t, id, GoroutineID())

	var wg sync.WaitGroup
	otherID := make(chan uint64, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		otherID <- GoroutineID()
	}()
	wg.Wait()
	assert.NotEqual(t, id, <-otherID)
}
