package ftcache

import (
	"context"
	"time"

	"github.com/resilientkv/resilience/ftcache/internal/refreshqueue"
)

// Executor dispatches a refresh-drain task to run asynchronously. Its only
// implementation in this module is ftcache/internal/workerpool.Pool; a
// caller may supply any collaborator satisfying it, for example to route
// background refreshes onto a shared application-wide pool.
type Executor = refreshqueue.Executor

// FailureRateLimit configures the optional leaky-bucket gate consulted
// before every loader or reloader call (mandatory, synchronous-refresh, and
// background). Burst is the bucket's capacity; PerSecond is its leak rate.
type FailureRateLimit struct {
	Burst     float64
	PerSecond float64
}

// Options configures a FaultTolerantCache. Loader is the only required
// field.
type Options[K comparable, V any] struct {
	// Loader fetches a fresh value for a single key. Required.
	Loader func(ctx context.Context, key K) (V, error)

	// Reloader, if set, enables the bulk background-refresh path: the
	// background refresh queue batches up to BulkReloadSizeLimit due
	// entries per call instead of calling Loader once per key.
	Reloader func(ctx context.Context, keys []K, sink func(key K, value V)) error
	// BulkReloadSizeLimit caps a single Reloader batch. <= 0 defaults to
	// 100.
	BulkReloadSizeLimit int

	// ConcurrencyLevel is the number of independent segments (shards) the
	// cache is split into. <= 0 defaults to 4.
	ConcurrencyLevel int
	// MaximumSize caps the total number of entries across all segments,
	// divided evenly per segment. <= 0 means unlimited.
	MaximumSize int

	// ExpireAfterWrite hides a value entirely once this long has passed
	// since it was last loaded, forcing the next Get to perform a
	// mandatory load. 0 disables hard expiry.
	ExpireAfterWrite time.Duration
	// RefreshAfterWrite triggers a synchronous reload (falling back to the
	// current value on failure) once this long has passed since the last
	// load. 0 disables synchronous refresh.
	RefreshAfterWrite time.Duration
	// AsynchronousRefreshAfterWrite triggers a background reload once this
	// long has passed since the last load, returning the current value
	// immediately. It is the earliest of the three thresholds an entry
	// crosses as it ages, so it should be set shorter than
	// RefreshAfterWrite: once an entry is old enough to also cross
	// RefreshAfterWrite, Get treats it as sync-wanted rather than
	// async-wanted. 0 disables async refresh.
	AsynchronousRefreshAfterWrite time.Duration

	// FailureRateLimit, if set, gates every loader and reloader call behind
	// a leaky-bucket: when the bucket's available capacity drops below 1,
	// the call is skipped; a Get on the mandatory-load path then fails fast
	// with FailureRateLimitError, a synchronous refresh falls back to the
	// current value, and a background refresh is dropped. Every failed
	// loader call, and every reloader call that returns an error, consumes
	// 1 unit of capacity.
	FailureRateLimit *FailureRateLimit
	// ExceptionListener, if set, is called with every loader, reloader, and
	// failure-rate-limit error, including ones a synchronous or background
	// refresh suppresses from its caller.
	ExceptionListener func(err error)

	// Executor runs background refresh work. Nil constructs and owns an
	// internal fixed-size pool, closed by Cache.Close.
	Executor Executor
	// Metrics observes cache events. Nil uses NoopMetrics.
	Metrics Metrics
	// Clock overrides the time source. Nil uses time.Now().
	Clock Clock
}
