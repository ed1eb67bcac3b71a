// Package binblock implements the IEEE-488.2 definite length arbitrary block
// format used to frame binary payloads inside a SCPI command or response
// stream.
//
// The wire format is "#<D><length><payload>" where D is a single digit 1-9
// giving the number of decimal digits in <length>, and <length> is the exact
// payload byte count. Two extensions are supported: "#(<length>)" for
// payloads whose length does not fit in 9 digits, and the "#0" marker which
// announces a block of undeclared length terminated by the end of message.
package binblock

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// ErrMalformedBlock indicates that the data stream does not carry a valid
// arbitrary block: the leading '#' marker is absent, the digit count is
// invalid, or fewer payload bytes are available than the header declared.
var ErrMalformedBlock = errors.New("malformed binary block")

// maxStdHeaderLen is the largest payload length expressible with the
// standard single digit-count header, i.e. 9 decimal digits.
const maxStdHeaderLen = 999999999

// FormatError describes a framing violation in an arbitrary block.
// It wraps ErrMalformedBlock so callers can match with errors.Is.
type FormatError struct {
	// Reason describes the violation.
	Reason string
	// Received holds the offending leading bytes, when available.
	Received []byte
}

func (e *FormatError) Error() string {
	if len(e.Received) > 0 {
		return fmt.Sprintf("malformed binary block: %s, received %q", e.Reason, e.Received)
	}
	return fmt.Sprintf("malformed binary block: %s", e.Reason)
}

func (e *FormatError) Unwrap() error { return ErrMalformedBlock }

// Header is the parsed leading "#<D><length>" marker of an arbitrary block.
type Header struct {
	// DigitCount is the number of decimal digits in the declared length.
	// It is 0 for the parenthesized large form and for indefinite blocks.
	DigitCount int
	// Length is the declared payload byte count.
	Length uint64
	// Indefinite reports the "#0" form: the payload length is not declared
	// and the block runs until the end of message.
	Indefinite bool
}

// EncodeHeader composes the block header for a payload of the given length.
// Lengths above 9 decimal digits use the parenthesized form "#(<length>)".
func EncodeHeader(length uint64) []byte {
	lenStr := strconv.FormatUint(length, 10)
	if length > maxStdHeaderLen {
		return []byte("#(" + lenStr + ")")
	}
	return []byte("#" + strconv.Itoa(len(lenStr)) + lenStr)
}

// Encode frames payload as an arbitrary block appended to the command prefix.
// The prefix must not already contain a block header.
func Encode(prefix string, payload []byte) []byte {
	header := EncodeHeader(uint64(len(payload)))
	buf := make([]byte, 0, len(prefix)+len(header)+len(payload))
	buf = append(buf, prefix...)
	buf = append(buf, header...)
	buf = append(buf, payload...)

	return buf
}

// EncodeTo writes the framed block to w without building the full message in
// memory first.
func EncodeTo(w io.Writer, prefix string, payload []byte) error {
	if _, err := io.WriteString(w, prefix); err != nil {
		return fmt.Errorf("write block prefix: %w", err)
	}
	if _, err := w.Write(EncodeHeader(uint64(len(payload)))); err != nil {
		return fmt.Errorf("write block header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write block payload: %w", err)
	}

	return nil
}

// ParseHeader reads and validates one block header from r, leaving the
// reader positioned at the first payload byte.
func ParseHeader(r io.Reader) (Header, error) {
	marker, err := readByte(r)
	if err != nil {
		return Header{}, &FormatError{Reason: "missing leading '#' marker"}
	}
	if marker != '#' {
		return Header{}, &FormatError{Reason: "missing leading '#' marker", Received: []byte{marker}}
	}

	digit, err := readByte(r)
	if err != nil {
		return Header{}, &FormatError{Reason: "truncated header after '#'"}
	}

	switch {
	case digit == '0':
		return Header{Indefinite: true}, nil
	case digit == '(':
		return parseLargeHeader(r)
	case digit >= '1' && digit <= '9':
		return parseStdHeader(r, int(digit-'0'))
	default:
		return Header{}, &FormatError{
			Reason:   "digit count is not in range [1, 9]",
			Received: []byte{'#', digit},
		}
	}
}

func parseStdHeader(r io.Reader, digitCount int) (Header, error) {
	lenBuf := make([]byte, digitCount)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return Header{}, &FormatError{Reason: "truncated length field"}
	}
	length, err := strconv.ParseUint(string(lenBuf), 10, 64)
	if err != nil {
		return Header{}, &FormatError{Reason: "length field is not decimal", Received: lenBuf}
	}

	return Header{DigitCount: digitCount, Length: length}, nil
}

// parseLargeHeader parses the "#(<length>)" form for payloads above 1E9 bytes.
func parseLargeHeader(r io.Reader) (Header, error) {
	var lenBuf bytes.Buffer
	for {
		c, err := readByte(r)
		if err != nil {
			return Header{}, &FormatError{Reason: "unterminated '#(' length field"}
		}
		if c == ')' {
			break
		}
		lenBuf.WriteByte(c)
		if lenBuf.Len() > 20 {
			return Header{}, &FormatError{Reason: "'#(' length field too long", Received: lenBuf.Bytes()}
		}
	}
	length, err := strconv.ParseUint(lenBuf.String(), 10, 64)
	if err != nil {
		return Header{}, &FormatError{Reason: "length field is not decimal", Received: lenBuf.Bytes()}
	}

	return Header{Length: length}, nil
}

// Decode reads one complete definite length block from r and returns its
// payload. A zero-length block ("#10") yields an empty, non-nil payload.
// Indefinite blocks ("#0") are rejected; callers that can determine the end
// of message must read those through the transfer layer instead.
func Decode(r io.Reader) ([]byte, error) {
	header, err := ParseHeader(r)
	if err != nil {
		return nil, err
	}
	if header.Indefinite {
		return nil, &FormatError{Reason: "indefinite length block ('#0') requires end-of-message framing"}
	}

	payload := make([]byte, header.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, &FormatError{
			Reason: fmt.Sprintf("payload shorter than declared length %d", header.Length),
		}
	}

	return payload, nil
}

func readByte(r io.Reader) (byte, error) {
	if br, ok := r.(io.ByteReader); ok {
		return br.ReadByte()
	}
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}
