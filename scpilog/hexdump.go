package scpilog

import (
	"fmt"
	"strings"

	"github.com/instrlab/go-scpi/internal/util"
)

// hexdump renders binary data as lines of hex byte pairs with a printable
// column, blockSize bytes per line. Data beyond maxLen bytes is abbreviated:
// the middle lines are replaced by a skip marker, keeping the head and tail.
func hexdump(data []byte, blockSize, maxLen int, lineDivider string) string {
	if blockSize <= 0 {
		blockSize = 16
	}

	size := len(data)
	var sb strings.Builder
	sb.WriteString(util.SizeString(int64(size)))

	maxLines := util.ChunkCount(int64(maxLen), blockSize)
	totalLines := util.ChunkCount(int64(size), blockSize)

	skipStart, skipLines := -1, 0
	if totalLines > maxLines+1 {
		skipStart = maxLines / 2
		if skipStart == 0 {
			skipStart = 1
		}
		skipLines = totalLines - maxLines
		sb.WriteString(fmt.Sprintf(", showing %d blocks (1 block = %d bytes) out of %d, skipped %d blocks in the middle",
			maxLines, blockSize, totalLines, skipLines))
	}
	sb.WriteString(lineDivider)

	const padding = "                    "
	hexWidth := blockSize*3 - 1

	line := 0
	for offset := 0; offset < size; {
		if line == skipStart && skipLines > 0 {
			sb.WriteString(padding)
			sb.WriteString(strings.Repeat("...", blockSize))
			sb.WriteString(lineDivider)
			line += skipLines
			offset += skipLines * blockSize
			continue
		}

		end := offset + blockSize
		if end > size {
			end = size
		}
		chunk := data[offset:end]

		var hexCol, printCol strings.Builder
		for i, b := range chunk {
			if i > 0 {
				hexCol.WriteByte(' ')
			}
			hexCol.WriteString(fmt.Sprintf("%02x", b))
			if b >= 0x21 && b <= 0x7e {
				printCol.WriteByte(b)
			} else {
				printCol.WriteByte('.')
			}
		}

		sb.WriteString(padding)
		sb.WriteString(fmt.Sprintf("%-*s    %s", hexWidth, hexCol.String(), printCol.String()))
		sb.WriteString(lineDivider)

		offset = end
		line++
	}

	return sb.String()
}
