// Package randx wraps a seedable PRNG behind a small concurrency-safe
// API. Every pacing delay, suffix length, and tier-gated probability in
// the engine draws from one of these, so tests can replay the exact
// sequence by seeding.
package randx

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Rand is a concurrency-safe random source.
type Rand struct {
	mu sync.Mutex
	r  *rand.Rand
}

// New returns a Rand seeded from the system clock.
func New() *Rand {
	now := uint64(time.Now().UnixNano())
	return &Rand{r: rand.New(rand.NewPCG(now, now>>32))}
}

// NewSeeded returns a Rand with a fixed seed for deterministic tests.
func NewSeeded(seed uint64) *Rand {
	return &Rand{r: rand.New(rand.NewPCG(seed, seed))}
}

// IntN returns a uniform int in [0, n).
func (x *Rand) IntN(n int) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.r.IntN(n)
}

// IntBetween returns a uniform int in [lo, hi] inclusive.
func (x *Rand) IntBetween(lo, hi int) int {
	if hi <= lo {
		return lo
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	return lo + x.r.IntN(hi-lo+1)
}

// Float64 returns a uniform float64 in [0, 1).
func (x *Rand) Float64() float64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.r.Float64()
}

// Chance returns true with probability p.
func (x *Rand) Chance(p float64) bool {
	return x.Float64() < p
}

// Duration returns a uniform duration in [lo, hi].
func (x *Rand) Duration(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	return lo + time.Duration(x.r.Int64N(int64(hi-lo)+1))
}

// Scale multiplies d by a uniform factor in [lo, hi].
func (x *Rand) Scale(d time.Duration, lo, hi float64) time.Duration {
	f := lo + x.Float64()*(hi-lo)
	return time.Duration(float64(d) * f)
}
