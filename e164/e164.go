// Package e164 normalizes user-entered phone numbers into E.164 dial strings.
package e164

import "strings"

// Normalize converts user input into a best-effort E.164 dial string.
// It never fails: a malformed number normalizes to a possibly invalid
// string and the telephony provider rejects it at dial time.
//
// Punctuation is stripped before any rule applies, so formatted input
// like "+1 (555) 123-4567" normalizes the same as its bare digits.
//
// Rules, applied in order against the stripped digits:
//   - 11 digits beginning with "1" gain a "+" prefix (NANP with country code)
//   - 10 digits gain a "+1" prefix (NANP without country code)
//   - anything else is prefixed with "+" as a last resort
func Normalize(input string) string {
	digits := digitsOnly(input)
	switch {
	case len(digits) == 11 && strings.HasPrefix(digits, "1"):
		return "+" + digits
	case len(digits) == 10:
		return "+1" + digits
	default:
		return "+" + digits
	}
}

// digitsOnly strips every non-digit character from s.
func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
