// Package spintax resolves {a|b|c} alternation templates into one
// concrete message variant.
package spintax

import (
	"strings"

	"github.com/kirimkit/kirimkit/internal/util/randx"
)

// maxDepth bounds nested expansion. Templates deeper than this are
// returned partially expanded rather than looping forever.
const maxDepth = 10

// Expand replaces every {alt1|alt2|...} group in template with one of
// its alternatives, chosen uniformly. Groups may nest; innermost groups
// are resolved first. Empty alternatives are allowed.
func Expand(template string, rng *randx.Rand) string {
	out := template
	for depth := 0; depth < maxDepth; depth++ {
		start, end := innermostGroup(out)
		if start < 0 {
			return out
		}
		alts := strings.Split(out[start+1:end], "|")
		pick := alts[rng.IntN(len(alts))]
		out = out[:start] + pick + out[end+1:]
	}
	return out
}

// innermostGroup returns the byte offsets of the opening and closing
// braces of the first group containing no nested '{', or (-1, -1).
func innermostGroup(s string) (int, int) {
	open := -1
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '{':
			open = i
		case '}':
			if open >= 0 {
				return open, i
			}
		}
	}
	return -1, -1
}
