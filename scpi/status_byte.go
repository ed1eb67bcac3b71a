package scpi

import (
	"strconv"
	"strings"
)

// StatusByte is the IEEE-488.2 status byte register value as returned by the
// *STB? query.
type StatusByte uint8

// Status byte register flags.
const (
	// StatusErrorQueueNotEmpty is set while the error queue holds entries.
	StatusErrorQueueNotEmpty StatusByte = 0x04
	// StatusQuestionable mirrors the questionable status register summary.
	StatusQuestionable StatusByte = 0x08
	// StatusMessageAvailable is set while the output buffer holds a response.
	StatusMessageAvailable StatusByte = 0x10
	// StatusEventStatus mirrors the event status register summary; with
	// *ESE 1 it reports operation complete.
	StatusEventStatus StatusByte = 0x20
	// StatusRequestService is the service request summary bit.
	StatusRequestService StatusByte = 0x40
	// StatusOperation mirrors the operation status register summary.
	StatusOperation StatusByte = 0x80
)

// Has reports whether all flags in mask are set.
func (sb StatusByte) Has(mask StatusByte) bool {
	return sb&mask == mask
}

// parseStatusByte parses a *STB? response like "32" or "+32".
func parseStatusByte(resp string) (StatusByte, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(resp), "+")
	val, err := strconv.ParseUint(trimmed, 10, 16)
	if err != nil {
		return 0, err
	}
	return StatusByte(val), nil
}
