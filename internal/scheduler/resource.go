package scheduler

import (
	"fmt"
	"runtime"

	"github.com/skaldworks/weft"
)

// ResourceSnapshot is a point-in-time reading of process resource
// consumption. CPUPercent is reported when a sampler provides it and is
// otherwise zero; only memory is enforced.
type ResourceSnapshot struct {
	MemoryMB   float64
	CPUPercent float64
}

// Guard checks process resource consumption against configured limits
// before each task attempt.
type Guard interface {
	// Snapshot returns the current resource reading.
	Snapshot() ResourceSnapshot

	// Check returns a non-nil error when current consumption exceeds the
	// limits. CPU and disk limits are advisory and never fail the check.
	Check(limits weft.ResourceLimits) error
}

// MemoryGuard enforces the memory limit from the Go runtime's own
// accounting.
type MemoryGuard struct{}

// NewMemoryGuard creates a MemoryGuard.
func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{}
}

// Snapshot reads current heap usage.
func (g *MemoryGuard) Snapshot() ResourceSnapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ResourceSnapshot{
		MemoryMB: float64(ms.HeapAlloc) / (1024 * 1024),
	}
}

// Check fails when heap usage exceeds MaxMemoryMB. A zero limit disables
// the check.
func (g *MemoryGuard) Check(limits weft.ResourceLimits) error {
	if limits.MaxMemoryMB <= 0 {
		return nil
	}
	snap := g.Snapshot()
	if snap.MemoryMB > float64(limits.MaxMemoryMB) {
		return fmt.Errorf("memory usage %.1fMB exceeds limit %dMB", snap.MemoryMB, limits.MaxMemoryMB)
	}
	return nil
}

// staticGuard always reports the same snapshot and check result. Used in
// tests and as a disabled guard.
type staticGuard struct {
	snap ResourceSnapshot
	err  error
}

// NewStaticGuard returns a Guard pinned to the given snapshot and check
// error.
func NewStaticGuard(snap ResourceSnapshot, err error) Guard {
	return &staticGuard{snap: snap, err: err}
}

func (g *staticGuard) Snapshot() ResourceSnapshot      { return g.snap }
func (g *staticGuard) Check(weft.ResourceLimits) error { return g.err }
