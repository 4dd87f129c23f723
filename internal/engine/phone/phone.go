// Package phone normalises recipient phone numbers and derives
// protocol JIDs from them.
package phone

import "strings"

const jidSuffix = "@s.whatsapp.net"

// Normalize strips everything but digits and rewrites a leading local
// "08" prefix to the international "628".
func Normalize(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	if strings.HasPrefix(digits, "08") {
		digits = "628" + digits[2:]
	}
	return digits
}

// Valid reports whether a normalised number has a plausible length.
func Valid(normalized string) bool {
	return len(normalized) >= 10 && len(normalized) <= 15
}

// NormalizeValid combines Normalize and Valid, returning "" for
// numbers outside the 10-15 digit range.
func NormalizeValid(raw string) string {
	n := Normalize(raw)
	if !Valid(n) {
		return ""
	}
	return n
}

// JID builds the protocol-addressable identifier for a normalised
// number.
func JID(normalized string) string {
	return normalized + jidSuffix
}
