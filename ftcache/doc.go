// Package ftcache implements FaultTolerantCache: a sharded, generic
// loading cache that keeps serving its last-known-good value across
// transient loader failures, instead of letting them propagate to every
// caller racing a reload.
//
// A value goes through up to three write-triggered thresholds, crossed in
// this order as it ages (every Get checks them latest-first, so the
// furthest one crossed wins): asyncRefreshAfterWrite schedules a background
// reload and returns the current value immediately; refreshAfterWrite
// blocks for a synchronous reload but falls back to the current value if
// that reload fails; expireAfterWrite hides the value entirely, forcing a
// mandatory load whose failure propagates to the caller. GetIfPresent never
// triggers a reload; it only ever returns a live, non-hard-expired value.
//
// Reloads for a single key are coalesced through an internal single-flight
// protocol (ftcache/internal/refresh): concurrent callers either wait for
// the in-flight reload's result or, for background refreshes, leave
// immediately without waiting. An optional bulk reloader and failure-rate
// gate (leakybucket.Bucket) let a cache protect a struggling backend.
package ftcache
