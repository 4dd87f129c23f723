package humanclock_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kirimkit/kirimkit/internal/engine/humanclock"
)

func TestInWindow_Normal(t *testing.T) {
	for h := 0; h < 24; h++ {
		want := h >= 5 && h < 23
		assert.Equal(t, want, humanclock.InWindow(5, 23, h), "hour %d", h)
	}
}

func TestInWindow_WrapAround(t *testing.T) {
	assert.True(t, humanclock.InWindow(22, 6, 23))
	assert.True(t, humanclock.InWindow(22, 6, 22))
	assert.True(t, humanclock.InWindow(22, 6, 3))
	assert.False(t, humanclock.InWindow(22, 6, 10))
	assert.False(t, humanclock.InWindow(22, 6, 6))
}

func TestInWindow_AllDay(t *testing.T) {
	for h := 0; h < 24; h++ {
		assert.True(t, humanclock.InWindow(0, 0, h))
		assert.True(t, humanclock.InWindow(9, 9, h))
	}
}

func TestUntilOpen_InsideIsZero(t *testing.T) {
	now := time.Date(2026, 8, 26, 10, 30, 0, 0, time.UTC)
	assert.Zero(t, humanclock.UntilOpen(9, 17, now))
}

func TestUntilOpen_LaterToday(t *testing.T) {
	now := time.Date(2026, 8, 26, 6, 0, 0, 0, time.UTC)
	assert.Equal(t, 3*time.Hour, humanclock.UntilOpen(9, 17, now))
}

func TestUntilOpen_Tomorrow(t *testing.T) {
	now := time.Date(2026, 8, 26, 20, 15, 0, 0, time.UTC)
	want := 12*time.Hour + 45*time.Minute
	assert.Equal(t, want, humanclock.UntilOpen(9, 17, now))
}
