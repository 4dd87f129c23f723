// Package memguard samples process heap usage and signals the soft,
// admission, and hard thresholds the engine keys pool decisions on.
package memguard

import (
	"context"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/kirimkit/kirimkit/internal/metrics"
)

// Threshold fractions of the configured ceiling.
const (
	softFraction      = 0.73 // voluntary collection hint
	admissionFraction = 0.85 // refuse new supervisors
	hardFraction      = 0.93 // graceful shutdown
)

const sampleInterval = 30 * time.Second

// Guard watches resident heap usage against a fixed ceiling.
type Guard struct {
	limitMB float64
	usageMB atomic.Uint64 // last sample, whole MB

	// OnHard is invoked once when the hard threshold is crossed.
	// Typically wired to the engine's shutdown trigger.
	OnHard func(usageMB float64)

	hardFired atomic.Bool
}

// New creates a Guard for the given memory ceiling in MB.
func New(limitMB int) *Guard {
	return &Guard{limitMB: float64(limitMB)}
}

// Run samples heap usage until ctx is cancelled.
func (g *Guard) Run(ctx context.Context) {
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Sample()
		}
	}
}

// Sample takes one heap reading and applies the thresholds.
func (g *Guard) Sample() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	usage := float64(ms.HeapAlloc) / (1024 * 1024)

	g.usageMB.Store(uint64(usage))
	metrics.MemoryUsageMB.Set(usage)

	switch {
	case usage >= g.limitMB*hardFraction:
		if g.hardFired.CompareAndSwap(false, true) && g.OnHard != nil {
			slog.Error("memory guard: hard threshold crossed, initiating shutdown",
				"usage_mb", int(usage), "limit_mb", int(g.limitMB))
			g.OnHard(usage)
		}
	case usage >= g.limitMB*softFraction:
		slog.Warn("memory guard: soft threshold crossed, hinting collection",
			"usage_mb", int(usage), "limit_mb", int(g.limitMB))
		g.Collect()
	}

	return usage
}

// Collect hands freed pages back to the OS. Cheap enough to call from
// the broadcast loop when the soft threshold trips.
func (g *Guard) Collect() {
	debug.FreeOSMemory()
}

// UsageMB returns the last sampled heap usage in whole MB.
func (g *Guard) UsageMB() int {
	return int(g.usageMB.Load())
}

// OverSoft reports whether the last sample crossed the soft threshold.
func (g *Guard) OverSoft() bool {
	return float64(g.usageMB.Load()) >= g.limitMB*softFraction
}

// AdmitsNew reports whether a new supervisor may be admitted to the
// pool. Admission stops at 85% of the ceiling.
func (g *Guard) AdmitsNew() bool {
	return float64(g.usageMB.Load()) < g.limitMB*admissionFraction
}
