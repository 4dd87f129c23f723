package spintax_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kirimkit/kirimkit/internal/engine/spintax"
	"github.com/kirimkit/kirimkit/internal/util/randx"
)

func TestExpand_NoGroups(t *testing.T) {
	rng := randx.NewSeeded(1)
	assert.Equal(t, "hello world", spintax.Expand("hello world", rng))
	assert.Equal(t, "", spintax.Expand("", rng))
}

func TestExpand_SingleGroup(t *testing.T) {
	rng := randx.NewSeeded(1)
	for i := 0; i < 50; i++ {
		out := spintax.Expand("a{b|c}d", rng)
		if out != "abd" && out != "acd" {
			t.Fatalf("Expand = %q, want abd or acd", out)
		}
	}
}

func TestExpand_BothAlternativesReachable(t *testing.T) {
	seen := map[string]bool{}
	for seed := uint64(0); seed < 20; seed++ {
		seen[spintax.Expand("{x|y}", randx.NewSeeded(seed))] = true
	}
	assert.True(t, seen["x"], "alternative x never chosen")
	assert.True(t, seen["y"], "alternative y never chosen")
}

func TestExpand_Nested(t *testing.T) {
	rng := randx.NewSeeded(7)
	for i := 0; i < 50; i++ {
		out := spintax.Expand("{a|{b|c}}", rng)
		if out != "a" && out != "b" && out != "c" {
			t.Fatalf("Expand = %q, want a, b, or c", out)
		}
	}
}

func TestExpand_EmptyAlternative(t *testing.T) {
	rng := randx.NewSeeded(3)
	for i := 0; i < 50; i++ {
		out := spintax.Expand("x{|y}z", rng)
		if out != "xz" && out != "xyz" {
			t.Fatalf("Expand = %q, want xz or xyz", out)
		}
	}
}

func TestExpand_PreservesSurroundingText(t *testing.T) {
	rng := randx.NewSeeded(9)
	out := spintax.Expand("Halo {kak|bund}, promo hari ini!", rng)
	assert.True(t, strings.HasPrefix(out, "Halo "))
	assert.True(t, strings.HasSuffix(out, ", promo hari ini!"))
}

func TestExpand_UnbalancedBracesLeftAlone(t *testing.T) {
	rng := randx.NewSeeded(1)
	assert.Equal(t, "a{bc", spintax.Expand("a{bc", rng))
	assert.Equal(t, "a}bc", spintax.Expand("a}bc", rng))
}

func TestExpand_DepthBounded(t *testing.T) {
	// More nested groups than the recursion bound: output must come
	// back partially expanded, never hang.
	tpl := strings.Repeat("{a|", 15) + "b" + strings.Repeat("}", 15)
	rng := randx.NewSeeded(5)
	out := spintax.Expand(tpl, rng)
	assert.NotEmpty(t, out)
}
