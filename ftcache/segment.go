package ftcache

import (
	"context"
	"errors"
	"sync"

	"github.com/resilientkv/resilience/ftcache/internal/alist"
	"github.com/resilientkv/resilience/ftcache/internal/refresh"
)

type entryNode[K comparable, V any] = alist.Node[K, *refresh.Entry[K, V]]

// freshness classifies an entry against the cache's write-age thresholds,
// in the order Get checks them.
type freshness int

const (
	freshNoVersion freshness = iota
	freshHardExpired
	freshSyncWanted
	freshAsyncWanted
	freshCurrent
)

// segment is one shard of a FaultTolerantCache: its own map and
// access-order list, guarded by its own lock. A FaultTolerantCache is a
// fixed slice of segments; concurrency across keys hashing to different
// segments never contends on the same lock.
type segment[K comparable, V any] struct {
	mu   sync.Mutex
	m    map[K]*entryNode[K, V]
	list alist.List[K, *refresh.Entry[K, V]]

	maxEntries int // 0 = unlimited

	refresher *refresh.Refresher[K, V]
	queue     backgroundQueue[K, V]
	metrics   Metrics
	clock     Clock

	expireAfterWriteMs       int64
	refreshAfterWriteMs      int64
	asyncRefreshAfterWriteMs int64
}

// backgroundQueue is the subset of refreshqueue.Queue's API a segment uses
// to hand off entries for background refresh.
type backgroundQueue[K comparable, V any] interface {
	Add(e *refresh.Entry[K, V])
}

func newSegment[K comparable, V any](
	maxEntries int,
	refresher *refresh.Refresher[K, V],
	queue backgroundQueue[K, V],
	metrics Metrics,
	clock Clock,
	expireAfterWriteMs, refreshAfterWriteMs, asyncRefreshAfterWriteMs int64,
) *segment[K, V] {
	return &segment[K, V]{
		m:                        make(map[K]*entryNode[K, V]),
		maxEntries:               maxEntries,
		refresher:                refresher,
		queue:                    queue,
		metrics:                  metrics,
		clock:                    clock,
		expireAfterWriteMs:       expireAfterWriteMs,
		refreshAfterWriteMs:      refreshAfterWriteMs,
		asyncRefreshAfterWriteMs: asyncRefreshAfterWriteMs,
	}
}

func (s *segment[K, V]) classify(e *refresh.Entry[K, V], nowMs int64) freshness {
	ver, ok := e.CurrentVersion()
	if !ok {
		return freshNoVersion
	}
	// Matches the contract's strict w+threshold < now: a value is due only
	// once the threshold has been fully exceeded, not on the boundary tick.
	age := nowMs - ver.WrittenAtMillis
	if s.expireAfterWriteMs > 0 && age > s.expireAfterWriteMs {
		return freshHardExpired
	}
	if s.refreshAfterWriteMs > 0 && age > s.refreshAfterWriteMs {
		return freshSyncWanted
	}
	if s.asyncRefreshAfterWriteMs > 0 && age > s.asyncRefreshAfterWriteMs {
		return freshAsyncWanted
	}
	return freshCurrent
}

// Get implements the four-way freshness dispatch described on
// Cache.Get, entirely in terms of one segment.
func (s *segment[K, V]) Get(ctx context.Context, key K) (V, error) {
	nowMs := nowMillis(s.clock)

	s.mu.Lock()
	node, present := s.m[key]
	var entry *refresh.Entry[K, V]
	mandatory, syncWanted, asyncWanted := false, false, false

	if !present {
		s.evictForInsertLocked(1)
		entry = refresh.NewEntry[K, V](key)
		node = &entryNode[K, V]{Key: key, Value: entry}
		s.m[key] = node
		s.list.PushFront(node)
		mandatory = true
	} else {
		entry = node.Value
		switch s.classify(entry, nowMs) {
		case freshNoVersion, freshHardExpired:
			mandatory = true
		case freshSyncWanted:
			syncWanted = true
		case freshAsyncWanted:
			asyncWanted = true
		}
		s.list.MoveToFront(node)
	}
	s.metrics.Size(s.list.Len())
	s.mu.Unlock()

	switch {
	case mandatory:
		s.metrics.Miss()
		ver, err := s.refresher.RefreshOrJoin(ctx, entry)
		if err != nil {
			var rateErr *refresh.FailureRateLimitError
			if errors.As(err, &rateErr) {
				s.metrics.FailureRateLimited()
			} else {
				s.metrics.MandatoryLoadFailed()
			}
			var zero V
			return zero, err
		}
		return ver.Value, nil

	case asyncWanted:
		s.metrics.AsyncRefreshScheduled()
		s.queue.Add(entry)
		ver, _ := entry.CurrentVersion()
		return ver.Value, nil

	case syncWanted:
		ver, err := s.refresher.RefreshOrJoin(ctx, entry)
		if err != nil {
			s.metrics.SyncRefreshFailed()
			cur, _ := entry.CurrentVersion()
			return cur.Value, nil
		}
		s.metrics.SyncRefreshSucceeded()
		return ver.Value, nil

	default:
		s.metrics.Hit()
		ver, _ := entry.CurrentVersion()
		return ver.Value, nil
	}
}

// GetIfPresent never invokes a loader: it returns the current value iff one
// exists and is not hard-expired.
func (s *segment[K, V]) GetIfPresent(key K) (V, bool) {
	nowMs := nowMillis(s.clock)

	s.mu.Lock()
	defer s.mu.Unlock()

	var zero V
	node, present := s.m[key]
	if !present {
		s.metrics.Miss()
		return zero, false
	}
	entry := node.Value
	if s.classify(entry, nowMs) == freshHardExpired {
		s.metrics.Miss()
		return zero, false
	}
	ver, ok := entry.CurrentVersion()
	if !ok {
		s.metrics.Miss()
		return zero, false
	}
	s.list.MoveToFront(node)
	s.metrics.Hit()
	return ver.Value, true
}

// Invalidate drops key's entry if present.
func (s *segment[K, V]) Invalidate(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, present := s.m[key]
	if !present {
		return false
	}
	s.evictNodeLocked(node, EvictInvalidate)
	return true
}

// InvalidateAll drops every entry in this segment.
func (s *segment[K, V]) InvalidateAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.list.Do(func(n *entryNode[K, V]) bool {
		n.Value.MarkEvicted()
		s.metrics.Evict(EvictInvalidate)
		return true
	})
	s.m = make(map[K]*entryNode[K, V])
	s.list.Clear()
}

// CollectForRefresh walks every entry in the segment, dropping those past
// expireAfterWrite in place, and returns those eligible for reload: every
// entry if all is true, otherwise only sync/async-refresh-due ones.
func (s *segment[K, V]) CollectForRefresh(all bool, nowMs int64) []*refresh.Entry[K, V] {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*refresh.Entry[K, V]
	s.list.Do(func(n *entryNode[K, V]) bool {
		switch s.classify(n.Value, nowMs) {
		case freshHardExpired:
			s.evictNodeLocked(n, EvictHardExpireSweep)
		case freshSyncWanted, freshAsyncWanted:
			out = append(out, n.Value)
		case freshCurrent:
			if all {
				out = append(out, n.Value)
			}
		case freshNoVersion:
			// Not scheduled: either a concurrent mandatory Get's load is
			// in flight for it, or its first load failed and the next Get
			// for the key retries it as a mandatory load.
		}
		return true
	})
	return out
}

func (s *segment[K, V]) evictForInsertLocked(incoming int) {
	if s.maxEntries <= 0 {
		return
	}
	for s.list.Len()+incoming > s.maxEntries {
		tail := s.list.Back()
		if tail == nil {
			return
		}
		s.evictNodeLocked(tail, EvictLRU)
	}
}

func (s *segment[K, V]) evictNodeLocked(n *entryNode[K, V], reason EvictReason) {
	n.Value.MarkEvicted()
	s.list.Remove(n)
	delete(s.m, n.Key)
	s.metrics.Evict(reason)
}
