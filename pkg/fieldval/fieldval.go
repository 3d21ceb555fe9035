package fieldval

import (
	"strings"
	"unicode"
)

// Normalize reduces a free-text value to its duplicate-detection key:
// lowercase, strip everything but letters, digits and whitespace, trim.
// Applying it twice yields the same key.
func Normalize(s string) string {
	lowered := strings.ToLower(s)
	var b strings.Builder
	b.Grow(len(lowered))
	for _, r := range lowered {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// IsNumericOnly reports whether the trimmed value is one or more ASCII digits.
func IsNumericOnly(s string) bool {
	t := strings.TrimSpace(s)
	if t == "" {
		return false
	}
	for _, r := range t {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
