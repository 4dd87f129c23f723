// Package humanclock decides whether the current hour falls inside a
// configured sending window and how long until the window next opens.
package humanclock

import "time"

// InWindow reports whether hour h (0-23) lies inside [start, end).
// start == end means all-day. start > end wraps past midnight: the
// window is active when h >= start or h < end.
func InWindow(start, end, h int) bool {
	if start == end {
		return true
	}
	if start < end {
		return h >= start && h < end
	}
	return h >= start || h < end
}

// UntilOpen returns the duration from now until the window [start, end)
// next opens. Zero when now is already inside the window.
func UntilOpen(start, end int, now time.Time) time.Duration {
	if InWindow(start, end, now.Hour()) {
		return 0
	}
	opening := time.Date(now.Year(), now.Month(), now.Day(), start, 0, 0, 0, now.Location())
	if !opening.After(now) {
		opening = opening.AddDate(0, 0, 1)
	}
	return opening.Sub(now)
}
