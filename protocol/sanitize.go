package protocol

import (
	"html"
	"strings"
	"unicode/utf8"
)

// SanitizeContent trims surrounding whitespace, escapes markup-significant
// characters and truncates the result to at most maxRunes runes without
// leaving a partial character entity at the end.
func SanitizeContent(content string, maxRunes int) string {
	escaped := html.EscapeString(strings.TrimSpace(content))
	if maxRunes <= 0 || utf8.RuneCountInString(escaped) <= maxRunes {
		return escaped
	}

	runes := []rune(escaped)
	truncated := string(runes[:maxRunes])

	// html.EscapeString emits at most 5-byte entities such as "&#39;".
	if amp := strings.LastIndexByte(truncated, '&'); amp >= 0 && !strings.Contains(truncated[amp:], ";") {
		truncated = truncated[:amp]
	}
	return truncated
}
