package scpi

import (
	"regexp"
	"strconv"
	"strings"
)

// maxStatusQueries caps the error-queue drain loop. An instrument that keeps
// producing errors faster than they are read, or one that never returns the
// no-error sentinel, must not spin the checker forever.
const maxStatusQueries = 50

// statusEntryRe matches one error-queue entry: a signed code followed by a
// quoted message. Instruments vary in whitespace, quote style and trailing
// commas, so the grammar is deliberately loose.
var statusEntryRe = regexp.MustCompile(`([-+]?\d+).*?['"](.*)['"]`)

// parseStatusEntry parses one SYST:ERR? response line. ok is false for the
// no-error sentinel: code 0 or a message containing "no error" in any case.
func parseStatusEntry(line string) (entry StatusError, ok bool) {
	line = strings.TrimSpace(line)

	match := statusEntryRe.FindStringSubmatch(line)
	if match == nil {
		// Unquoted responses still carry the code first.
		code, err := strconv.Atoi(strings.TrimPrefix(strings.SplitN(line, ",", 2)[0], "+"))
		if err != nil || code == 0 {
			return StatusError{}, false
		}
		return StatusError{Code: code, Message: line}, true
	}

	code, err := strconv.Atoi(strings.TrimPrefix(match[1], "+"))
	if err != nil {
		return StatusError{}, false
	}
	message := match[2]

	if code == 0 || strings.Contains(strings.ToLower(message), "no error") {
		return StatusError{}, false
	}

	return StatusError{Code: code, Message: message}, true
}

// statusChecker drains the instrument's error queue. The queue is
// clear-on-read: every drained entry is consumed whether or not the caller
// acts on the returned error.
type statusChecker struct {
	resourceName string
	query        func(cmd string) (string, error)
}

// drain reads SYST:ERR? until the no-error sentinel, returning the entries
// in queue order.
func (sc *statusChecker) drain() ([]StatusError, error) {
	var entries []StatusError
	for i := 0; i < maxStatusQueries; i++ {
		resp, err := sc.query("SYST:ERR?")
		if err != nil {
			return entries, err
		}

		entry, ok := parseStatusEntry(resp)
		if !ok {
			return entries, nil
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

// check drains the queue and converts a non-empty result into an
// InstrumentStatusError.
func (sc *statusChecker) check() error {
	entries, err := sc.drain()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	return &InstrumentStatusError{ResourceName: sc.resourceName, Errors: entries}
}
