package blooio

import (
	"context"
	"sync"
	"time"
)

// RateGate is a process-global pacing point for upstream calls.
//
// It enforces a strict minimum interval between successive releases: for any
// two returns from Acquire in the same process, the elapsed real time is at
// least 1s / rps. There is no burst capacity; this is deliberately not a
// token bucket, because the upstream enforces a hard per-second ceiling.
//
// The gate is process-local. A multi-process deployment must either run a
// single worker process per upstream key or replace the gate with a shared
// coordinator.
type RateGate struct {
	mu          sync.Mutex
	interval    time.Duration
	lastRelease time.Time
}

// NewRateGate creates a gate releasing at most rps callers per second.
// An rps of zero or less disables pacing (the gate releases immediately).
func NewRateGate(rps int) *RateGate {
	var interval time.Duration
	if rps > 0 {
		interval = time.Second / time.Duration(rps)
	}
	return &RateGate{interval: interval}
}

// Interval returns the minimum spacing between releases.
func (g *RateGate) Interval() time.Duration {
	return g.interval
}

// Acquire blocks until the minimum interval since the previous release has
// elapsed, then records the release time and returns. The mutex is held
// across the wait so concurrent callers serialize: each one observes the
// release time its predecessor just stamped.
//
// Returns the context error if ctx is cancelled while waiting.
func (g *RateGate) Acquire(ctx context.Context) error {
	if g.interval <= 0 {
		return ctx.Err()
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	wait := g.interval - time.Since(g.lastRelease)
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	g.lastRelease = time.Now()
	return nil
}
