// Package sanitize prepares untrusted message text for display.
package sanitize

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// StripControlCharacters removes control characters from a string. Tabs and line breaks
// become single spaces so a message stays on one line.
func StripControlCharacters(input string) string {
	var result strings.Builder
	result.Grow(len(input))
	for _, r := range input {
		switch {
		case r == '\t' || r == '\n' || r == '\r':
			result.WriteRune(' ')
		case unicode.IsControl(r), r == utf8.RuneError:
			// dropped
		default:
			result.WriteRune(r)
		}
	}
	return result.String()
}

// Truncate shortens input to at most maxRunes runes, marking the cut with an ellipsis
func Truncate(input string, maxRunes int) string {
	if maxRunes <= 0 || utf8.RuneCountInString(input) <= maxRunes {
		return input
	}
	runes := []rune(input)
	if maxRunes == 1 {
		return "…"
	}
	return string(runes[:maxRunes-1]) + "…"
}

// ForDisplay strips control characters and truncates
func ForDisplay(input string, maxRunes int) string {
	return Truncate(StripControlCharacters(input), maxRunes)
}
