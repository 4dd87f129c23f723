package memguard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSampleTripsHardThresholdOnce(t *testing.T) {
	// Any live test process dwarfs a 1 MB ceiling.
	g := New(1)

	var fired int
	g.OnHard = func(usageMB float64) {
		fired++
		assert.Positive(t, usageMB)
	}

	usage := g.Sample()
	require.Greater(t, usage, 1.0)
	assert.Equal(t, 1, fired)

	// The hard trigger latches.
	g.Sample()
	assert.Equal(t, 1, fired)

	assert.False(t, g.AdmitsNew())
	assert.True(t, g.OverSoft())
	assert.Greater(t, g.UsageMB(), 0)
}

func TestGenerousCeilingAdmits(t *testing.T) {
	g := New(1 << 20)
	g.OnHard = func(float64) { t.Fatal("hard threshold must not fire") }

	g.Sample()
	assert.True(t, g.AdmitsNew())
	assert.False(t, g.OverSoft())
}
