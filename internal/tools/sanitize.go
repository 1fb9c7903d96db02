package tools

import (
	"regexp"
	"strings"
)

// maxMessageRunes caps how much of an internal error ever reaches a client.
const maxMessageRunes = 200

var (
	// Absolute filesystem paths, unix or windows.
	pathPattern = regexp.MustCompile(`(?:[A-Za-z]:)?(?:[\\/][\w.~-]+){2,}`)

	// Stack trace headers and frame locations.
	goroutinePattern = regexp.MustCompile(`goroutine \d+ \[[^\]]*\]:`)
	framePattern     = regexp.MustCompile(`\S+\.go:\d+(?: \+0x[0-9a-f]+)?`)

	spacePattern = regexp.MustCompile(`\s+`)
)

// Sanitize strips filesystem paths and stack-trace fragments from an error
// message and bounds its length, so internal detail never leaks into a
// function response or client event.
func Sanitize(msg string) string {
	msg = goroutinePattern.ReplaceAllString(msg, "")
	msg = framePattern.ReplaceAllString(msg, "")
	msg = pathPattern.ReplaceAllString(msg, "")
	msg = strings.TrimSpace(spacePattern.ReplaceAllString(msg, " "))
	if msg == "" {
		return "internal error"
	}

	runes := []rune(msg)
	if len(runes) > maxMessageRunes {
		msg = string(runes[:maxMessageRunes]) + "..."
	}
	return msg
}
