package ftcache

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/resilientkv/resilience/ftcache/internal/refresh"
	"github.com/resilientkv/resilience/ftcache/internal/refreshqueue"
	"github.com/resilientkv/resilience/ftcache/internal/util"
	"github.com/resilientkv/resilience/ftcache/internal/workerpool"
	"github.com/resilientkv/resilience/leakybucket"
)

const (
	defaultConcurrencyLevel    = 4
	defaultBulkReloadSizeLimit = 100
)

type cache[K comparable, V any] struct {
	segments []*segment[K, V]
	hashFn   func(K) uint64

	refresher *refresh.Refresher[K, V]
	queue     *refreshqueue.Queue[K, V]
	clock     Clock

	executor     Executor
	ownsExecutor bool
	closed       atomic.Bool
}

// New constructs a FaultTolerantCache. Options.Loader is required;
// every other field has a documented default.
func New[K comparable, V any](opt Options[K, V]) (Cache[K, V], error) {
	if opt.Loader == nil {
		return nil, ErrNoLoader
	}

	concurrency := opt.ConcurrencyLevel
	if concurrency <= 0 {
		concurrency = defaultConcurrencyLevel
	}

	perSegmentMax := 0
	if opt.MaximumSize > 0 {
		perSegmentMax = (opt.MaximumSize + concurrency - 1) / concurrency
	}

	clock := opt.Clock
	if clock == nil {
		clock = systemClock{}
	}

	metrics := opt.Metrics
	if metrics == nil {
		metrics = NoopMetrics{}
	}

	executor := opt.Executor
	ownsExecutor := false
	if executor == nil {
		executor = workerpool.New(0)
		ownsExecutor = true
	}

	var gate refresh.FailureGate
	if opt.FailureRateLimit != nil {
		gate = leakybucket.New(leakybucket.Config{
			Capacity: opt.FailureRateLimit.Burst,
			LeakRate: opt.FailureRateLimit.PerSecond,
			Clock:    clock, // ftcache.Clock and leakybucket.Clock share the NowNano() int64 method set
		})
	}

	refresher := &refresh.Refresher[K, V]{
		Loader:       opt.Loader,
		BulkReloader: opt.Reloader,
		FailureGate:  gate,
		OnException:  opt.ExceptionListener,
		Clock:        clockAdapter{clock},
	}
	bulkSizeLimit := opt.BulkReloadSizeLimit
	if bulkSizeLimit <= 0 {
		bulkSizeLimit = defaultBulkReloadSizeLimit
	}
	queue := refreshqueue.New[K, V](refresher, executor, bulkSizeLimit)

	c := &cache[K, V]{
		hashFn:       util.Fnv64a[K],
		refresher:    refresher,
		queue:        queue,
		clock:        clock,
		executor:     executor,
		ownsExecutor: ownsExecutor,
	}
	c.segments = make([]*segment[K, V], concurrency)
	for i := range c.segments {
		c.segments[i] = newSegment[K, V](
			perSegmentMax,
			refresher,
			queue,
			metrics,
			clock,
			int64(opt.ExpireAfterWrite/1_000_000),
			int64(opt.RefreshAfterWrite/1_000_000),
			int64(opt.AsynchronousRefreshAfterWrite/1_000_000),
		)
	}
	return c, nil
}

func (c *cache[K, V]) segmentFor(key K) *segment[K, V] {
	h := c.hashFn(key)
	return c.segments[util.ShardIndex(h, len(c.segments))]
}

func (c *cache[K, V]) Get(ctx context.Context, key K) (V, error) {
	return c.segmentFor(key).Get(ctx, key)
}

func (c *cache[K, V]) GetIfPresent(key K) (V, bool) {
	return c.segmentFor(key).GetIfPresent(key)
}

func (c *cache[K, V]) Invalidate(key K) bool {
	return c.segmentFor(key).Invalidate(key)
}

func (c *cache[K, V]) InvalidateKeys(keys []K) bool {
	all := true
	for _, k := range keys {
		if !c.Invalidate(k) {
			all = false
		}
	}
	return all
}

func (c *cache[K, V]) InvalidateAll() {
	var wg sync.WaitGroup
	wg.Add(len(c.segments))
	for _, s := range c.segments {
		s := s
		go func() {
			defer wg.Done()
			s.InvalidateAll()
		}()
	}
	wg.Wait()
}

func (c *cache[K, V]) Refresh()    { c.refreshAll(false) }
func (c *cache[K, V]) RefreshNow() { c.refreshAll(true) }

func (c *cache[K, V]) refreshAll(all bool) {
	nowMs := nowMillis(c.clock)
	var due []*refresh.Entry[K, V]
	for _, s := range c.segments {
		due = append(due, s.CollectForRefresh(all, nowMs)...)
	}
	if len(due) == 0 {
		return
	}
	c.queue.AddAllNoRun(due)
	c.queue.Run()
}

func (c *cache[K, V]) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.ownsExecutor {
		if closer, ok := c.executor.(interface{ Close() error }); ok {
			return closer.Close()
		}
	}
	return nil
}
