// Package zerowidth appends invisible code points to message text so
// every delivered copy is byte-unique without changing what renders.
package zerowidth

import (
	"fmt"
	"strings"

	"github.com/kirimkit/kirimkit/internal/util/randx"
)

// pool is the set of invisible code points drawn from for suffixes.
var pool = [6]rune{
	'\u200b', // zero-width space
	'\u200c', // zero-width non-joiner
	'\u200d', // zero-width joiner
	'\ufeff', // byte-order mark
	'\u2060', // word joiner
	'\u2062', // invisible times
}

// Tag appends between 1 and 5 invisible code points to s. It returns
// the suffixed text and a debug token of the form "zw[n]:<indices>"
// identifying which pool entries were used.
func Tag(s string, rng *randx.Rand) (string, string) {
	n := rng.IntBetween(1, 5)

	var b strings.Builder
	b.WriteString(s)
	indices := make([]byte, 0, n)
	for i := 0; i < n; i++ {
		idx := rng.IntN(len(pool))
		b.WriteRune(pool[idx])
		indices = append(indices, byte('0')+byte(idx))
	}

	return b.String(), fmt.Sprintf("zw[%d]:%s", n, indices)
}

// Strip removes every pool code point from s. Used by tests and
// debugging tools to recover the visible text.
func Strip(s string) string {
	return strings.Map(func(r rune) rune {
		for _, p := range pool {
			if r == p {
				return -1
			}
		}
		return r
	}, s)
}
