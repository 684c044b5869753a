// Package refreshqueue implements the deduplicated background refresh
// queue shared by every segment of a FaultTolerantCache. Adding an entry
// already pending drops silently; otherwise it is appended to a FIFO and a
// drain worker is scheduled on the cache's Executor. Multiple workers may
// run concurrently, cooperatively draining the FIFO in batches sized by the
// reloader's bulk limit when a bulk reloader is configured.
//
// The ticker/stop-channel shaped worker lifecycle this package's Queue
// participates in (started once, drained by pool workers, torn down on
// Close) follows the same pattern as a background janitor loop; the queue
// itself has no timer of its own; it is driven purely by Add/AddAllNoRun.
package refreshqueue

import (
	"context"
	"sync"

	"github.com/resilientkv/resilience/ftcache/internal/refresh"
)

// Executor dispatches a refresh-drain task to run asynchronously.
// ftcache.Executor has the identical shape; ftcache aliases this type
// rather than duplicating it.
type Executor interface {
	Submit(fn func())
}

// Queue is the shared, dedup'd FIFO of entries awaiting a background
// refresh for one cache instance (across every segment).
type Queue[K comparable, V any] struct {
	mu   sync.Mutex
	fifo []*refresh.Entry[K, V]

	pending sync.Map // K -> struct{}

	refresher     *refresh.Refresher[K, V]
	executor      Executor
	bulkSizeLimit int
}

// New constructs a Queue bound to refresher and executor. bulkSizeLimit
// caps how many entries a single bulk reload batch may contain; <= 0 means
// unbounded (drain everything currently queued in one batch).
func New[K comparable, V any](refresher *refresh.Refresher[K, V], executor Executor, bulkSizeLimit int) *Queue[K, V] {
	return &Queue[K, V]{refresher: refresher, executor: executor, bulkSizeLimit: bulkSizeLimit}
}

// Add enqueues e and schedules a drain worker, unless e is already pending.
func (q *Queue[K, V]) Add(e *refresh.Entry[K, V]) {
	if !q.enqueue(e) {
		return
	}
	q.executor.Submit(q.Run)
}

// AddAllNoRun enqueues every entry not already pending, without scheduling
// a drain worker. Used by Refresh/RefreshNow, which drain synchronously on
// the caller's goroutine right after.
func (q *Queue[K, V]) AddAllNoRun(entries []*refresh.Entry[K, V]) {
	for _, e := range entries {
		q.enqueue(e)
	}
}

func (q *Queue[K, V]) enqueue(e *refresh.Entry[K, V]) bool {
	if _, loaded := q.pending.LoadOrStore(e.Key(), struct{}{}); loaded {
		return false
	}
	q.mu.Lock()
	q.fifo = append(q.fifo, e)
	q.mu.Unlock()
	return true
}

// Run drains the FIFO until empty, dispatching each batch through the
// refresher's bulk path if one is configured, or one entry at a time
// otherwise. Safe to run from multiple goroutines concurrently.
func (q *Queue[K, V]) Run() {
	for {
		batch := q.drain()
		if len(batch) == 0 {
			return
		}
		if q.refresher.HasBulkReloader() {
			q.refresher.RefreshOrLeaveBulk(context.Background(), batch)
		} else {
			for _, e := range batch {
				q.refresher.RefreshOrLeave(context.Background(), e)
			}
		}
		for _, e := range batch {
			q.pending.Delete(e.Key())
		}
	}
}

func (q *Queue[K, V]) drain() []*refresh.Entry[K, V] {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.fifo) == 0 {
		return nil
	}
	limit := len(q.fifo)
	if !q.refresher.HasBulkReloader() {
		limit = 1
	} else if q.bulkSizeLimit > 0 && q.bulkSizeLimit < limit {
		limit = q.bulkSizeLimit
	}
	batch := q.fifo[:limit]
	q.fifo = q.fifo[limit:]
	return batch
}
