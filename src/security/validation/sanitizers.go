// backend/src/security/validation/sanitizers.go
package validation

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

var strictHTMLPolicy = bluemonday.StrictPolicy()

// SanitizeText removes all HTML tags and attributes from an input string,
// preventing XSS before saving to the database.
func SanitizeText(s string) string {
	return strictHTMLPolicy.Sanitize(s)
}

// StripUnprintable removes non-printable characters, allowing common whitespace
// like space, tab, newline, and carriage return.
func StripUnprintable(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsPrint(r) || r == '\t' || r == '\n' || r == '\r' {
			return r
		}
		return -1
	}, s)
}

// SanitizeNotes cleans exchange-provided text before it is persisted in a transaction's notes.
// The result is at most MaxNotesLength runes.
func SanitizeNotes(s string) string {
	cleaned := strings.TrimSpace(SanitizeText(StripUnprintable(s)))
	if utf8.RuneCountInString(cleaned) <= MaxNotesLength {
		return cleaned
	}
	runes := []rune(cleaned)
	return string(runes[:MaxNotesLength])
}
