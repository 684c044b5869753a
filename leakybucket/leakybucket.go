// Package leakybucket implements a fractional-token leaky-bucket meter for
// rate limiting and admission control. It is the concurrency primitive
// FaultTolerantCache uses for its optional failure-rate gate, but it has no
// dependency on the cache and is usable standalone.
package leakybucket

import (
	"sync"
	"time"
)

// Clock provides the monotonic nanosecond time source. Matches
// ftcache.Clock's shape so both packages can share a fake clock in tests.
type Clock interface{ NowNano() int64 }

type systemClock struct{}

// processStart anchors systemClock; time.Since reads Go's monotonic clock,
// so NowNano never jumps with wall-clock adjustments.
var processStart = time.Now()

func (systemClock) NowNano() int64 { return int64(time.Since(processStart)) }

// Config configures a Bucket.
type Config struct {
	// Capacity is the maximum available capacity.
	Capacity float64
	// LeakRate is the amount added to available capacity per second.
	LeakRate float64
	// AllowedNegativeCapacity is the floor available capacity may reach
	// (0 for a classic non-negative bucket; a negative value allows a
	// caller to run a bounded deficit).
	AllowedNegativeCapacity float64
	// Clock overrides the time source; nil uses time.Now().
	Clock Clock
}

// Bucket is a thread-safe, fractional-token leaky bucket. Every public
// method is serialized by a single mutex: the leak equation
// (leakRate × elapsedSeconds, clamped to [AllowedNegativeCapacity, Capacity])
// is applied by AvailableCapacity, TryFlowIn and FlowIn, including the
// read-only AvailableCapacity. SetLeakRate and Clear do not apply it.
type Bucket struct {
	mu sync.Mutex

	capacity      float64
	leakRate      float64
	negativeFloor float64
	clock         Clock

	available  float64
	lastFlowAt int64 // nanoseconds, per clock
}

// New constructs a Bucket that starts full.
func New(cfg Config) *Bucket {
	clk := cfg.Clock
	if clk == nil {
		clk = systemClock{}
	}
	b := &Bucket{
		capacity:      cfg.Capacity,
		leakRate:      cfg.LeakRate,
		negativeFloor: cfg.AllowedNegativeCapacity,
		clock:         clk,
		available:     cfg.Capacity,
		lastFlowAt:    clk.NowNano(),
	}
	return b
}

// leakLocked advances lastFlowAt to now and returns the clamped available
// capacity. Callers must hold mu.
func (b *Bucket) leakLocked() float64 {
	now := b.clock.NowNano()
	elapsed := now - b.lastFlowAt
	b.lastFlowAt = now
	if elapsed > 0 {
		b.available += b.leakRate * (float64(elapsed) / 1e9)
	}
	if b.available > b.capacity {
		b.available = b.capacity
	}
	if b.available < b.negativeFloor {
		b.available = b.negativeFloor
	}
	return b.available
}

// AvailableCapacity returns the clamped, time-adjusted current capacity.
// As a side effect it advances the internal leak clock to now.
func (b *Bucket) AvailableCapacity() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.leakLocked()
}

// TryFlowIn admits amount if the current available capacity (after leaking)
// is at least amount; on success amount is subtracted and true is returned.
// On failure the state is left leak-advanced but otherwise unchanged.
func (b *Bucket) TryFlowIn(amount float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	avail := b.leakLocked()
	if avail < amount {
		return false
	}
	b.available = avail - amount
	return true
}

// FlowIn unconditionally subtracts amount, clamped to AllowedNegativeCapacity.
func (b *Bucket) FlowIn(amount float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	avail := b.leakLocked()
	b.available = avail - amount
	if b.available < b.negativeFloor {
		b.available = b.negativeFloor
	}
}

// SetLeakRate updates the leak rate without rebasing the leak clock.
func (b *Bucket) SetLeakRate(rate float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.leakRate = rate
}

// Clear resets available capacity to full and rebases the leak clock to now.
func (b *Bucket) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.available = b.capacity
	b.lastFlowAt = b.clock.NowNano()
}
