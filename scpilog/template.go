package scpilog

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DefaultFormat is the entry format template restored by RestoreFormat.
//
// Recognized placeholders: %START_TIME%, %END_TIME%, %DURATION%,
// %DEVICE_NAME%, %LOG_STRING_INFO%, %LOG_STRING%. A placeholder may be
// wrapped in PAD_LEFT<n>(...) or PAD_RIGHT<n>(...) to align it in a column
// of n characters.
const DefaultFormat = "PAD_LEFT12(%START_TIME%) PAD_LEFT30(%DEVICE_NAME%) PAD_LEFT12(%DURATION%)  %LOG_STRING_INFO%: %LOG_STRING%"

var (
	padVarRe = regexp.MustCompile(`PAD_(LEFT|RIGHT)(\d+)\(%(START_TIME|END_TIME|DURATION|DEVICE_NAME|LOG_STRING_INFO|LOG_STRING)%\)`)
	plainVarRe = regexp.MustCompile(`%(START_TIME|END_TIME|DURATION|DEVICE_NAME|LOG_STRING_INFO|LOG_STRING)%`)
)

// renderEntry resolves the format template against one entry.
// refTime enables relative start timestamps when non-zero.
// label is the entry label after substitution rules were applied.
func renderEntry(format string, e *Entry, label string, refTime time.Time) string {
	resolve := func(name string) string {
		switch name {
		case "START_TIME":
			if e.StartTime.IsZero() {
				return ""
			}
			if refTime.IsZero() {
				return formatAbsoluteTime(e.StartTime)
			}
			return formatRelativeTime(refTime, e.StartTime)
		case "END_TIME":
			if e.EndTime.IsZero() {
				return ""
			}
			return formatAbsoluteTime(e.EndTime)
		case "DURATION":
			return formatDuration(e.Duration())
		case "DEVICE_NAME":
			return e.DeviceName
		case "LOG_STRING_INFO":
			return label
		case "LOG_STRING":
			return e.Text
		default:
			return ""
		}
	}

	content := padVarRe.ReplaceAllStringFunc(format, func(match string) string {
		groups := padVarRe.FindStringSubmatch(match)
		width, _ := strconv.Atoi(groups[2])
		value := resolve(groups[3])
		if len(value) >= width {
			return value
		}
		padding := strings.Repeat(" ", width-len(value))
		if groups[1] == "LEFT" {
			return padding + value
		}
		return value + padding
	})

	return plainVarRe.ReplaceAllStringFunc(content, func(match string) string {
		return resolve(plainVarRe.FindStringSubmatch(match)[1])
	})
}
