package chat

import (
	"strings"
	"unicode"
)

const (
	maxContentRunes = 1000
	maxAuthorRunes  = 100
	unknownAuthor   = "Unknown"
)

// SanitizeContent caps overlong bodies and strips control characters.
// Newlines and tabs survive; everything else in the control range is
// removed. Truncation appends a visible marker so consumers can tell a
// capped body from a short one. Every ingest path that produces events
// runs its content through here so sinks see one contract.
func SanitizeContent(s string) string {
	if runes := []rune(s); len(runes) > maxContentRunes {
		s = string(runes[:maxContentRunes]) + "..."
	}
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, s)
}

// SanitizeAuthor trims, caps, and strips control characters from an author
// name. Empty names become a fixed placeholder rather than vanishing from
// the stream.
func SanitizeAuthor(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return unknownAuthor
	}
	if runes := []rune(s); len(runes) > maxAuthorRunes {
		s = string(runes[:maxAuthorRunes])
	}
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}
