// Package refresh implements the single-flight refresh coordinator: for any
// Entry, at most one reload is ever in progress at a time. Concurrent
// callers either join the in-flight reload and observe its result, or (in
// background mode) leave immediately without waiting.
//
// Ownership of a reload is decided by a single atomic compare-and-swap on
// the Entry's lock slot, per the source behavior this is grounded on
// (single-key loaders coalesced through a CAS'd completion handle, the same
// shape as a sync/singleflight.Group but keyed per-entry instead of through
// a shared map).
package refresh

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ValueVersion is an immutable (value, writtenAtMillis) pair. A fresh
// ValueVersion is produced on every successful reload.
type ValueVersion[V any] struct {
	Value           V
	WrittenAtMillis int64
}

// handle is the one-shot completion object owned by whichever goroutine
// wins the CAS on an Entry's lock slot. Closing done happens-after ver/err
// are published, so followers observing <-done see the final values.
type handle[V any] struct {
	done chan struct{}
	ver  ValueVersion[V]
	err  error
}

// Entry is one cache record: a key, its current version (if any, lock-free
// to read), a single-flight lock slot, and an eviction hint. CacheSegment
// owns Entry's lifecycle; Refresher only coordinates reloads against it.
type Entry[K comparable, V any] struct {
	key K

	version atomic.Pointer[ValueVersion[V]]
	lock    atomic.Pointer[handle[V]]
	evicted atomic.Bool
}

// NewEntry constructs an Entry with no current version.
func NewEntry[K comparable, V any](key K) *Entry[K, V] {
	return &Entry[K, V]{key: key}
}

// Key returns the entry's key.
func (e *Entry[K, V]) Key() K { return e.key }

// Evicted reports whether the entry has left its segment. An evicted entry
// is never the source of a returned value; a reload that completes for one
// is discarded by future lookups (the segment's map no longer references
// it), even though the completion hook still runs.
func (e *Entry[K, V]) Evicted() bool { return e.evicted.Load() }

// MarkEvicted sets the eviction hint. Idempotent.
func (e *Entry[K, V]) MarkEvicted() { e.evicted.Store(true) }

// CurrentVersion returns the entry's current version and whether one
// exists. Absent only before the first successful load.
func (e *Entry[K, V]) CurrentVersion() (ValueVersion[V], bool) {
	p := e.version.Load()
	if p == nil {
		var zero ValueVersion[V]
		return zero, false
	}
	return *p, true
}

func (e *Entry[K, V]) setVersion(v ValueVersion[V]) {
	e.version.Store(&v)
}

// Loader fetches a fresh value for a single key.
type Loader[K comparable, V any] func(ctx context.Context, key K) (V, error)

// BulkReloader fetches fresh values for a batch of keys, reporting each one
// produced through sink. Keys the reloader does not call sink for are left
// unresolved.
type BulkReloader[K comparable, V any] func(ctx context.Context, keys []K, sink func(K, V)) error

// FailureGate is the optional failure-rate limiter consulted before every
// reload this Refresher runs, single-key or bulk. leakybucket.Bucket
// satisfies this directly.
type FailureGate interface {
	AvailableCapacity() float64
	FlowIn(amount float64)
}

// Clock supplies the monotonic millisecond time source used to stamp new
// ValueVersions.
type Clock interface{ NowMillis() int64 }

// FailureRateLimitError is raised on the mandatory path instead of invoking
// the loader, when the configured FailureGate's available capacity is
// below 1.
type FailureRateLimitError struct{ Key any }

func (e *FailureRateLimitError) Error() string {
	return "refresh: failure rate limit exceeded, loader not invoked"
}

// ErrReloaderOmittedKey is the failure cause attached to a bulk-owned entry
// the reloader returned without producing a value for (and without itself
// erroring). The spec allows this cause to be "possibly null"; this package
// always attaches it so RefreshOrJoin followers can distinguish the case
// from a genuine zero-value success.
var ErrReloaderOmittedKey = errors.New("refresh: bulk reloader did not produce a value for this key")

// Refresher coordinates reloads for entries of type Entry[K, V]. One
// Refresher is shared by every CacheSegment of a FaultTolerantCache.
type Refresher[K comparable, V any] struct {
	Loader       Loader[K, V]
	BulkReloader BulkReloader[K, V] // nil disables the bulk path
	FailureGate  FailureGate        // nil disables the failure-rate gate
	OnException  func(err error)
	Clock        Clock
}

// HasBulkReloader reports whether a bulk reloader was configured.
func (r *Refresher[K, V]) HasBulkReloader() bool { return r.BulkReloader != nil }

func (r *Refresher[K, V]) nowMillis() int64 {
	if r.Clock == nil {
		return time.Now().UnixNano() / 1_000_000
	}
	return r.Clock.NowMillis()
}

func (r *Refresher[K, V]) notify(err error) {
	if r.OnException != nil {
		r.OnException(err)
	}
}

// RefreshOrJoin ensures a reload is in flight for e and waits for its
// result: the caller becomes the owner (and runs the loader) on winning the
// CAS, or a follower that awaits the owner's result. Followers observe the
// owner's error unchanged.
func (r *Refresher[K, V]) RefreshOrJoin(ctx context.Context, e *Entry[K, V]) (ValueVersion[V], error) {
	for {
		h := &handle[V]{done: make(chan struct{})}
		if e.lock.CompareAndSwap(nil, h) {
			return r.runOwner(ctx, e, h)
		}
		existing := e.lock.Load()
		if existing == nil {
			// The owner cleared the lock between our failed CAS and this
			// load; retry for ownership instead of joining a stale handle.
			continue
		}
		<-existing.done
		return existing.ver, existing.err
	}
}

// RefreshOrLeave ensures a reload is in flight for e but never waits: on
// winning the CAS the caller runs the loader (used by background refresh
// workers); on losing it, it returns immediately with no observable
// effect. An already-evicted entry is skipped before the CAS is attempted.
func (r *Refresher[K, V]) RefreshOrLeave(ctx context.Context, e *Entry[K, V]) {
	if e.Evicted() {
		return
	}
	h := &handle[V]{done: make(chan struct{})}
	if !e.lock.CompareAndSwap(nil, h) {
		return
	}
	r.runOwner(ctx, e, h)
}

func (r *Refresher[K, V]) runOwner(ctx context.Context, e *Entry[K, V], h *handle[V]) (ValueVersion[V], error) {
	if r.FailureGate != nil && r.FailureGate.AvailableCapacity() < 1 {
		err := &FailureRateLimitError{Key: e.key}
		r.notify(err)
		r.completeOwner(e, h, ValueVersion[V]{}, err)
		return ValueVersion[V]{}, err
	}

	v, err := r.Loader(ctx, e.key)
	if err != nil {
		if r.FailureGate != nil {
			r.FailureGate.FlowIn(1)
		}
		r.notify(err)
		r.completeOwner(e, h, ValueVersion[V]{}, err)
		return ValueVersion[V]{}, err
	}

	ver := ValueVersion[V]{Value: v, WrittenAtMillis: r.nowMillis()}
	r.completeOwner(e, h, ver, nil)
	return ver, nil
}

// completeOwner publishes the result, clears the lock, and — only on
// success — sets the entry's current version. This runs even for an
// already-evicted entry: the spec keeps that behavior rather than
// re-inserting the entry into its segment.
func (r *Refresher[K, V]) completeOwner(e *Entry[K, V], h *handle[V], ver ValueVersion[V], err error) {
	h.ver, h.err = ver, err
	if err == nil {
		e.setVersion(ver)
	}
	close(h.done)
	e.lock.CompareAndSwap(h, nil)
}

// ownedClaim tracks one entry this goroutine claimed ownership of during a
// bulk reload.
type ownedClaim[K comparable, V any] struct {
	entry  *Entry[K, V]
	handle *handle[V]
}

// RefreshOrLeaveBulk runs the bulk protocol over entries: it dedupes by
// key, skips already-evicted entries, claims a lock per remaining entry via
// CAS, and (if any were claimed and the failure gate allows it) invokes
// BulkReloader with the claimed keys and a sink. Every claimed entry is
// resolved by the time this returns — by the sink, by the reloader's
// error, or as unresolved — and its lock cleared. This never returns an
// error: bulk runs are background-only, so failures only reach the
// exception listener.
func (r *Refresher[K, V]) RefreshOrLeaveBulk(ctx context.Context, entries []*Entry[K, V]) {
	if r.BulkReloader == nil || len(entries) == 0 {
		return
	}

	seen := make(map[K]struct{}, len(entries))
	deduped := make([]*Entry[K, V], 0, len(entries))
	for _, e := range entries {
		if e.Evicted() {
			continue
		}
		if _, dup := seen[e.Key()]; dup {
			continue
		}
		seen[e.Key()] = struct{}{}
		deduped = append(deduped, e)
	}
	if len(deduped) == 0 {
		return
	}

	if r.FailureGate != nil && r.FailureGate.AvailableCapacity() < 1 {
		r.notify(&FailureRateLimitError{})
		return
	}

	var mu sync.Mutex
	owned := make(map[K]*ownedClaim[K, V], len(deduped))
	keys := make([]K, 0, len(deduped))
	for _, e := range deduped {
		h := &handle[V]{done: make(chan struct{})}
		if e.lock.CompareAndSwap(nil, h) {
			owned[e.Key()] = &ownedClaim[K, V]{entry: e, handle: h}
			keys = append(keys, e.Key())
		}
	}
	if len(owned) == 0 {
		return
	}

	resolve := func(k K, ver ValueVersion[V], err error) {
		mu.Lock()
		claim, ok := owned[k]
		if ok {
			delete(owned, k)
		}
		mu.Unlock()
		if !ok {
			return
		}
		claim.handle.ver, claim.handle.err = ver, err
		if err == nil {
			claim.entry.setVersion(ver)
		}
		close(claim.handle.done)
		claim.entry.lock.CompareAndSwap(claim.handle, nil)
	}

	sink := func(k K, v V) {
		resolve(k, ValueVersion[V]{Value: v, WrittenAtMillis: r.nowMillis()}, nil)
	}

	err := r.BulkReloader(ctx, keys, sink)

	if err != nil {
		if r.FailureGate != nil {
			r.FailureGate.FlowIn(1)
		}
		r.notify(err)
	}

	mu.Lock()
	remaining := make([]K, 0, len(owned))
	for k := range owned {
		remaining = append(remaining, k)
	}
	mu.Unlock()

	cause := ErrReloaderOmittedKey
	if err != nil {
		cause = err
	}
	for _, k := range remaining {
		resolve(k, ValueVersion[V]{}, cause)
	}
}
