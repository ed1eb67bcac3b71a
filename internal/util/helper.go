package util

import (
	"bytes"
	"fmt"
	"runtime"
	"strconv"
	"strings"
)

// CloneSlice clones slice with cloneSize.
// This function will use src length as the clone size if cloneSize is 0.
func CloneSlice[T any](src []T, cloneSize int) []T {
	if cloneSize == 0 {
		cloneSize = len(src)
	}
	clone := make([]T, cloneSize)
	copy(clone, src)

	return clone
}

// ChunkCount returns the number of chunks of chunkSize needed to cover total.
// It returns 0 if total is 0, and 1 if chunkSize is not positive.
func ChunkCount(total int64, chunkSize int) int {
	if total <= 0 {
		return 0
	}
	if chunkSize <= 0 {
		return 1
	}
	cs := int64(chunkSize)

	return int((total + cs - 1) / cs)
}

// SizeString formats a byte count in a human readable form, e.g. "512 bytes",
// "2.00 KB", "1.50 MB".
func SizeString(size int64) string {
	switch {
	case size < 1024:
		return fmt.Sprintf("%d bytes", size)
	case size < 1024*1024:
		return fmt.Sprintf("%.2f KB", float64(size)/1024)
	default:
		return fmt.Sprintf("%.2f MB", float64(size)/(1024*1024))
	}
}

// ShortenMiddle abbreviates s to at most maxLen characters by cutting out the
// middle part and replacing it with a truncation marker.
// The original length is reported in the marker.
func ShortenMiddle(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	marker := fmt.Sprintf(" ... (total %d chars) ... ", len(s))
	keep := maxLen - len(marker)
	if keep < 2 {
		keep = 2
	}
	left := keep / 2
	right := keep - left

	return s[:left] + marker + s[len(s)-right:]
}

// EscapeNonPrintable replaces non-printable characters in s with their
// escaped form, e.g. a line feed becomes "\n" and other control characters
// become "\xNN". Printable ASCII is kept as-is.
func EscapeNonPrintable(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\n':
			sb.WriteString(`\n`)
		case c == '\r':
			sb.WriteString(`\r`)
		case c == '\t':
			sb.WriteString(`\t`)
		case c < 0x20 || c > 0x7e:
			sb.WriteString(fmt.Sprintf(`\x%02x`, c))
		default:
			sb.WriteByte(c)
		}
	}

	return sb.String()
}

// GoroutineID returns the numeric id of the calling goroutine.
//
// It parses the header of the runtime stack dump, which is the only stable
// way to obtain the id without linkname tricks. The id is used for reentrant
// lock ownership tracking only, never for goroutine-local storage.
func GoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	// The header line has the form "goroutine 123 [running]:".
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0
	}

	return id
}
