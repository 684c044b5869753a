package ftcache

import "context"

// Cache is the public surface of a FaultTolerantCache[K, V].
type Cache[K comparable, V any] interface {
	// Get returns the value for key, loading it if necessary. A hard-expired
	// or never-loaded entry triggers a mandatory load whose error propagates
	// unchanged. A sync-refresh-due entry triggers a synchronous reload that
	// falls back to the current value on failure. An async-refresh-due entry
	// schedules a background reload and returns the current value
	// immediately. ctx is passed to the loader only when this call performs
	// the load itself; a call that joins another caller's in-flight load
	// waits for that load's result regardless of ctx, and a background
	// refresh it merely schedules is unaffected by ctx cancellation.
	Get(ctx context.Context, key K) (V, error)

	// GetIfPresent returns the current value for key without ever invoking
	// the loader. It reports false for an absent, never-loaded, or
	// hard-expired key.
	GetIfPresent(key K) (V, bool)

	// Invalidate drops key's entry, if present, reporting whether it was.
	// A reload already in flight for the key still completes and its
	// callers receive the result, but the dropped entry is not put back: the
	// next Get for the key loads it afresh.
	Invalidate(key K) bool

	// InvalidateKeys drops every present key in keys, reporting whether all
	// of them were present.
	InvalidateKeys(keys []K) bool

	// InvalidateAll drops every entry in every segment.
	InvalidateAll()

	// Refresh synchronously reloads every entry past its
	// refreshAfterWrite/asyncRefreshAfterWrite threshold, and drops (without
	// reloading) every entry past expireAfterWrite. It never returns
	// an error; reload failures during a sweep only reach
	// Options.ExceptionListener.
	Refresh()

	// RefreshNow behaves like Refresh but additionally reloads every entry
	// that still has a current value, regardless of its freshness
	// threshold.
	RefreshNow()

	// Close stops the cache's background refresh workers. If the cache owns
	// its Executor (Options.Executor was left nil), Close also shuts that
	// pool down; if the caller supplied one, its lifecycle remains the
	// caller's responsibility.
	Close() error
}
