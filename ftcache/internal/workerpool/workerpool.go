// Package workerpool provides the default ftcache.Executor: a fixed-size
// goroutine pool reading off a task channel until Close, the same
// start/stop-channel shape the example corpus uses for a background
// janitor loop, generalized here to N persistent workers instead of one
// ticker-driven goroutine.
package workerpool

import (
	"sync"

	"github.com/resilientkv/resilience/ftcache/internal/util"
)

const taskQueueDepth = 256

// Pool is a fixed-size goroutine pool. The zero value is not usable; use
// New.
type Pool struct {
	tasks chan func()
	stop  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

// New starts a Pool with the given worker count. A non-positive count
// falls back to util.ReasonableShardCount(), a GOMAXPROCS-derived
// heuristic.
func New(workers int) *Pool {
	if workers <= 0 {
		workers = util.ReasonableShardCount()
	}
	p := &Pool{
		tasks: make(chan func(), taskQueueDepth),
		stop:  make(chan struct{}),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.loop()
	}
	return p
}

func (p *Pool) loop() {
	defer p.wg.Done()
	for {
		select {
		case fn := <-p.tasks:
			fn()
		case <-p.stop:
			return
		}
	}
}

// Submit queues fn to run on a worker goroutine. A Submit racing a Close
// is dropped rather than blocking forever.
func (p *Pool) Submit(fn func()) {
	select {
	case p.tasks <- fn:
	case <-p.stop:
	}
}

// Close stops accepting new work and waits for in-flight tasks to finish.
// Idempotent.
func (p *Pool) Close() error {
	p.once.Do(func() { close(p.stop) })
	p.wg.Wait()
	return nil
}
