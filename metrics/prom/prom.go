// Package prom adapts ftcache.Metrics, a leakybucket.Bucket poller, and a
// retry.Executor's hooks onto Prometheus collectors. Adapted from the
// source cache.Metrics adapter into three focused constructors sharing the
// same construction shape (registry + namespace/subsystem + const labels).
package prom

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/resilientkv/resilience/ftcache"
)

// CacheAdapter implements ftcache.Metrics and exports Prometheus
// counters/gauges for it. Safe for concurrent use.
type CacheAdapter struct {
	hits                  prometheus.Counter
	misses                prometheus.Counter
	asyncRefreshScheduled prometheus.Counter
	syncRefreshSucceeded  prometheus.Counter
	syncRefreshFailed     prometheus.Counter
	mandatoryLoadFailed   prometheus.Counter
	failureRateLimited    prometheus.Counter
	evicts                *prometheus.CounterVec
	size                  prometheus.Gauge
}

// NewCacheAdapter constructs a CacheAdapter.
//   - reg:         registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns, sub:     Prometheus namespace and subsystem
//   - constLabels: static labels applied to all metrics (may be nil)
func NewCacheAdapter(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *CacheAdapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	a := &CacheAdapter{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "hits_total",
			Help: "Lookups served from the cache with no reload: fresh Get hits and GetIfPresent hits.", ConstLabels: constLabels,
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "misses_total",
			Help: "Lookups with no usable value: Gets that performed a mandatory load and GetIfPresent calls that returned nothing.", ConstLabels: constLabels,
		}),
		asyncRefreshScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "async_refresh_scheduled_total",
			Help: "Gets that returned the stale value and scheduled a background reload.", ConstLabels: constLabels,
		}),
		syncRefreshSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "sync_refresh_succeeded_total",
			Help: "Gets that blocked for a synchronous reload which succeeded.", ConstLabels: constLabels,
		}),
		syncRefreshFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "sync_refresh_failed_total",
			Help: "Gets that blocked for a synchronous reload which failed and fell back to the stale value.", ConstLabels: constLabels,
		}),
		mandatoryLoadFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "mandatory_load_failed_total",
			Help: "Mandatory loads whose error propagated to the caller.", ConstLabels: constLabels,
		}),
		failureRateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "failure_rate_limited_total",
			Help: "Loads rejected by the failure-rate gate before invoking the loader.", ConstLabels: constLabels,
		}),
		evicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "evictions_total",
			Help: "Entries evicted, by reason.", ConstLabels: constLabels,
		}, []string{"reason"}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub, Name: "segment_size_entries",
			Help: "Entry count of the segment touched by the most recent Get.", ConstLabels: constLabels,
		}),
	}
	reg.MustRegister(
		a.hits, a.misses, a.asyncRefreshScheduled, a.syncRefreshSucceeded,
		a.syncRefreshFailed, a.mandatoryLoadFailed, a.failureRateLimited,
		a.evicts, a.size,
	)
	return a
}

func (a *CacheAdapter) Hit()                   { a.hits.Inc() }
func (a *CacheAdapter) Miss()                  { a.misses.Inc() }
func (a *CacheAdapter) AsyncRefreshScheduled()  { a.asyncRefreshScheduled.Inc() }
func (a *CacheAdapter) SyncRefreshSucceeded()   { a.syncRefreshSucceeded.Inc() }
func (a *CacheAdapter) SyncRefreshFailed()      { a.syncRefreshFailed.Inc() }
func (a *CacheAdapter) MandatoryLoadFailed()    { a.mandatoryLoadFailed.Inc() }
func (a *CacheAdapter) FailureRateLimited()     { a.failureRateLimited.Inc() }

// Evict increments the eviction counter with a reason label.
func (a *CacheAdapter) Evict(r ftcache.EvictReason) {
	a.evicts.WithLabelValues(evictReasonLabel(r)).Inc()
}

// Size updates the segment-size gauge.
func (a *CacheAdapter) Size(entries int) { a.size.Set(float64(entries)) }

func evictReasonLabel(r ftcache.EvictReason) string {
	switch r {
	case ftcache.EvictLRU:
		return "lru"
	case ftcache.EvictHardExpireSweep:
		return "hard_expire"
	case ftcache.EvictInvalidate:
		return "invalidate"
	default:
		return "unknown"
	}
}

// Compile-time check: ensure CacheAdapter implements ftcache.Metrics.
var _ ftcache.Metrics = (*CacheAdapter)(nil)

// BucketAdapter exports a single leakybucket.Bucket's available capacity.
// Unlike CacheAdapter it is not an event sink — the bucket has no hooks —
// so the caller polls it on every admission decision and calls Observe.
type BucketAdapter struct {
	available prometheus.Gauge
	admitted  prometheus.Counter
	rejected  prometheus.Counter
}

// NewBucketAdapter constructs a BucketAdapter.
func NewBucketAdapter(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *BucketAdapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	a := &BucketAdapter{
		available: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub, Name: "available_capacity",
			Help: "Available capacity after the most recent admission decision.", ConstLabels: constLabels,
		}),
		admitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "admitted_total",
			Help: "TryFlowIn calls that succeeded.", ConstLabels: constLabels,
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "rejected_total",
			Help: "TryFlowIn calls that failed.", ConstLabels: constLabels,
		}),
	}
	reg.MustRegister(a.available, a.admitted, a.rejected)
	return a
}

// Observe records one admission decision's outcome and resulting capacity.
func (a *BucketAdapter) Observe(admitted bool, availableCapacity float64) {
	a.available.Set(availableCapacity)
	if admitted {
		a.admitted.Inc()
	} else {
		a.rejected.Inc()
	}
}

// RetryAdapter exports retry.Executor hook events. Wire OnRetry/OnGiveup
// into retry.Config.
type RetryAdapter struct {
	retries prometheus.Counter
	giveups prometheus.Counter
}

// NewRetryAdapter constructs a RetryAdapter.
func NewRetryAdapter(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *RetryAdapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	a := &RetryAdapter{
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "retries_total",
			Help: "Retry attempts taken.", ConstLabels: constLabels,
		}),
		giveups: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "giveups_total",
			Help: "Retry loops that exhausted their limit or timeout.", ConstLabels: constLabels,
		}),
	}
	reg.MustRegister(a.retries, a.giveups)
	return a
}

// OnRetry matches retry.Config.OnRetry's signature.
func (a *RetryAdapter) OnRetry(err error, retryCount, retryLimit int, wait time.Duration) {
	a.retries.Inc()
}

// OnGiveup matches retry.Config.OnGiveup's signature.
func (a *RetryAdapter) OnGiveup(first, last error) {
	a.giveups.Inc()
}
