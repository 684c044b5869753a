package workerpool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPool_RunsSubmittedTasks(t *testing.T) {
	t.Parallel()

	p := New(4)
	defer func() { _ = p.Close() }()

	const n = 200
	var done int32
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		p.Submit(func() {
			atomic.AddInt32(&done, 1)
			wg.Done()
		})
	}
	wg.Wait()

	if got := atomic.LoadInt32(&done); got != n {
		t.Fatalf("done = %d, want %d", got, n)
	}
}

func TestPool_CloseIsIdempotentAndWaitsForInFlight(t *testing.T) {
	t.Parallel()

	p := New(2)
	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	p.Submit(func() {
		close(started)
		<-release
		finished.Store(true)
	})

	<-started
	go func() {
		time.Sleep(10 * time.Millisecond)
		close(release)
	}()

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !finished.Load() {
		t.Fatal("Close returned before the in-flight task finished")
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestNew_NonPositiveWorkersFallsBackToReasonableCount(t *testing.T) {
	t.Parallel()

	p := New(0)
	defer func() { _ = p.Close() }()

	done := make(chan struct{})
	p.Submit(func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}
}
