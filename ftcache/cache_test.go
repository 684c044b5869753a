package ftcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type fakeClock struct {
	mu sync.Mutex
	ns int64
}

func (f *fakeClock) NowNano() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ns
}

func (f *fakeClock) add(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ns += int64(d)
}

func present[K comparable, V any](t *testing.T, c Cache[K, V], k K) bool {
	t.Helper()
	_, ok := c.GetIfPresent(k)
	return ok
}

// S1 — LRU eviction order.
func TestCache_S1_LRUEvictionOrder(t *testing.T) {
	t.Parallel()

	c, err := New(Options[string, string]{
		Loader: func(ctx context.Context, k string) (string, error) {
			return k + "v", nil
		},
		MaximumSize:      5,
		ConcurrencyLevel: 1,
		Clock:            &fakeClock{},
	})
	require.NoError(t, err)

	for _, k := range []string{"a0", "a1", "a2", "a3", "a4", "a5", "a6"} {
		_, err := c.Get(context.Background(), k)
		require.NoError(t, err)
	}

	for _, k := range []string{"a0", "a1"} {
		require.Falsef(t, present(t, c, k), "%s should be evicted", k)
	}
	for _, k := range []string{"a2", "a3", "a4", "a5", "a6"} {
		require.Truef(t, present(t, c, k), "%s should be present", k)
	}

	_, err = c.Get(context.Background(), "a2")
	require.NoError(t, err)
	_, _ = c.GetIfPresent("a3")
	_, err = c.Get(context.Background(), "a7")
	require.NoError(t, err)
	_, err = c.Get(context.Background(), "a8")
	require.NoError(t, err)

	for _, k := range []string{"a0", "a1", "a4", "a5"} {
		require.Falsef(t, present(t, c, k), "%s should be evicted", k)
	}
	for _, k := range []string{"a2", "a3", "a6", "a7", "a8"} {
		require.Truef(t, present(t, c, k), "%s should be present", k)
	}
}

// S2 — soft vs hard expire.
func TestCache_S2_SoftVsHardExpire(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{}
	var loadCount int32
	c, err := New(Options[string, string]{
		Loader: func(ctx context.Context, k string) (string, error) {
			atomic.AddInt32(&loadCount, 1)
			return k + "v", nil
		},
		RefreshAfterWrite: time.Second,
		ExpireAfterWrite:  2 * time.Second,
		Clock:             clk,
	})
	require.NoError(t, err)

	_, err = c.Get(context.Background(), "a0")
	require.NoError(t, err)
	require.EqualValues(t, 1, atomic.LoadInt32(&loadCount))

	clk.add(1200 * time.Millisecond)
	v, ok := c.GetIfPresent("a0")
	require.True(t, ok)
	require.Equal(t, "a0v", v)
	require.EqualValues(t, 1, atomic.LoadInt32(&loadCount))

	clk.add(1000 * time.Millisecond)
	_, ok = c.GetIfPresent("a0")
	require.False(t, ok)
}

// S3 — async refresh returns the current value immediately; the background
// reload starts on the executor, and its value replaces the current one only
// once that reload completes.
func TestCache_S3_AsyncRefresh(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{}
	var loadCount int32
	release := make(chan struct{})
	var secondLoadStarted sync.WaitGroup
	secondLoadStarted.Add(1)

	c, err := New(Options[string, string]{
		Loader: func(ctx context.Context, k string) (string, error) {
			n := atomic.AddInt32(&loadCount, 1)
			if n == 2 {
				secondLoadStarted.Done()
				<-release
				return k + "v2", nil
			}
			return k + "v", nil
		},
		AsynchronousRefreshAfterWrite: time.Second,
		RefreshAfterWrite:             2 * time.Second,
		ExpireAfterWrite:              3 * time.Second,
		Clock:                         clk,
	})
	require.NoError(t, err)

	_, err = c.Get(context.Background(), "a")
	require.NoError(t, err)
	require.EqualValues(t, 1, atomic.LoadInt32(&loadCount))

	clk.add(1200 * time.Millisecond)
	v, err := c.Get(context.Background(), "a")
	require.NoError(t, err)
	require.Equal(t, "av", v)

	secondLoadStarted.Wait() // the background reload is in flight but gated
	require.EqualValues(t, 2, atomic.LoadInt32(&loadCount))
	v, ok := c.GetIfPresent("a")
	require.True(t, ok)
	require.Equal(t, "av", v) // still the old version; the reload hasn't completed

	close(release)
	require.Eventually(t, func() bool {
		v, ok := c.GetIfPresent("a")
		return ok && v == "av2"
	}, time.Second, time.Millisecond)
}

// S4 — a synchronous refresh that fails falls back to the cached value and
// notifies the exception listener.
func TestCache_S4_ExceptionalSyncRefreshFallsBack(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{}
	var shouldFail atomic.Bool
	var notified atomic.Int32
	failure := errors.New("backend down")

	c, err := New(Options[string, string]{
		Loader: func(ctx context.Context, k string) (string, error) {
			if shouldFail.Load() {
				return "", failure
			}
			return k + "v", nil
		},
		RefreshAfterWrite: time.Second,
		ExpireAfterWrite:  10 * time.Second,
		Clock:             clk,
		ExceptionListener: func(err error) {
			if errors.Is(err, failure) {
				notified.Add(1)
			}
		},
	})
	require.NoError(t, err)

	_, err = c.Get(context.Background(), "k")
	require.NoError(t, err)

	clk.add(1200 * time.Millisecond)
	shouldFail.Store(true)

	v, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	require.Equal(t, "kv", v)
	require.EqualValues(t, 1, notified.Load())
}

// S5 — a failing first load propagates the error and leaves no servable
// value behind; a later call retries the loader rather than being stuck.
func TestCache_S5_ExceptionalMandatoryLoad(t *testing.T) {
	t.Parallel()

	var calls int32
	failure := errors.New("boom")
	c, err := New(Options[string, string]{
		Loader: func(ctx context.Context, k string) (string, error) {
			n := atomic.AddInt32(&calls, 1)
			if n == 1 {
				return "", failure
			}
			return k + "v", nil
		},
		Clock: &fakeClock{},
	})
	require.NoError(t, err)

	_, err = c.Get(context.Background(), "k")
	require.ErrorIs(t, err, failure)

	_, ok := c.GetIfPresent("k")
	require.False(t, ok)

	v, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	require.Equal(t, "kv", v)
	require.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

// A FailureRateLimit configured with zero burst rejects every mandatory
// load before the loader ever runs, surfaces *FailureRateLimitError from
// Get, and records it distinctly from a generic mandatory-load failure.
func TestCache_FailureRateLimitRejectsBeforeLoading(t *testing.T) {
	t.Parallel()

	var calls int32
	m := &countingMetrics{}
	c, err := New(Options[string, string]{
		Loader: func(ctx context.Context, k string) (string, error) {
			atomic.AddInt32(&calls, 1)
			return k + "v", nil
		},
		FailureRateLimit: &FailureRateLimit{Burst: 0, PerSecond: 0},
		Metrics:          m,
		Clock:            &fakeClock{},
	})
	require.NoError(t, err)

	_, err = c.Get(context.Background(), "k")
	var rateErr *FailureRateLimitError
	require.ErrorAs(t, err, &rateErr)
	require.Zero(t, atomic.LoadInt32(&calls), "loader must not run once the gate rejects")
	require.EqualValues(t, 1, atomic.LoadInt32(&m.failureRateLimited))
	require.Zero(t, atomic.LoadInt32(&m.mandatoryLoadFailed))
}

type countingMetrics struct {
	NoopMetrics
	failureRateLimited  int32
	mandatoryLoadFailed int32
}

func (m *countingMetrics) FailureRateLimited()  { atomic.AddInt32(&m.failureRateLimited, 1) }
func (m *countingMetrics) MandatoryLoadFailed() { atomic.AddInt32(&m.mandatoryLoadFailed, 1) }

// S6 — a bulk reload with partial failure updates only the keys the
// reloader produced a value for; the rest keep their prior version, their
// locks are cleared, and the listener observes the error exactly once.
func TestCache_S6_BulkReloadPartialFailure(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{}
	reloaderErr := errors.New("reloader exploded")
	var notified int32

	c, err := New(Options[int, string]{
		Loader: func(ctx context.Context, k int) (string, error) {
			return "orig", nil
		},
		Reloader: func(ctx context.Context, keys []int, sink func(int, string)) error {
			for _, k := range keys {
				if k == 1 || k == 2 {
					sink(k, "new")
				}
			}
			return reloaderErr
		},
		Clock: clk,
		ExceptionListener: func(err error) {
			if errors.Is(err, reloaderErr) {
				atomic.AddInt32(&notified, 1)
			}
		},
	})
	require.NoError(t, err)

	for _, k := range []int{0, 1, 2, 3} {
		_, err := c.Get(context.Background(), k)
		require.NoError(t, err)
	}

	c.RefreshNow()

	v, ok := c.GetIfPresent(0)
	require.True(t, ok)
	require.Equal(t, "orig", v)

	v, ok = c.GetIfPresent(1)
	require.True(t, ok)
	require.Equal(t, "new", v)

	v, ok = c.GetIfPresent(2)
	require.True(t, ok)
	require.Equal(t, "new", v)

	v, ok = c.GetIfPresent(3)
	require.True(t, ok)
	require.Equal(t, "orig", v)

	require.EqualValues(t, 1, atomic.LoadInt32(&notified))

	// A second bulk sweep over the same entries runs and returns. (That every
	// lock is cleared is asserted directly in the internal refresh package's
	// bulk partial-failure test.)
	c.RefreshNow()
}

// Concurrent mandatory Get calls for the same never-loaded key coalesce
// into exactly one loader invocation.
func TestCache_SingleFlightCoalescesConcurrentMandatoryLoads(t *testing.T) {
	t.Parallel()

	var calls int32
	started := make(chan struct{})
	release := make(chan struct{})
	c, err := New(Options[string, string]{
		Loader: func(ctx context.Context, k string) (string, error) {
			if atomic.AddInt32(&calls, 1) == 1 {
				close(started)
				<-release
			}
			return k + "v", nil
		},
		Clock: &fakeClock{},
	})
	require.NoError(t, err)

	const n = 20
	results := make([]string, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			if i > 0 {
				<-started // goroutine 0 starts the load; the rest pile onto it
			}
			v, err := c.Get(context.Background(), "k")
			results[i] = v
			return err
		})
	}

	<-started
	close(release)
	require.NoError(t, g.Wait())

	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
	for i := 0; i < n; i++ {
		require.Equal(t, "kv", results[i])
	}
}

func TestCache_InvalidateAndInvalidateKeys(t *testing.T) {
	t.Parallel()

	c, err := New(Options[string, string]{
		Loader: func(ctx context.Context, k string) (string, error) { return k + "v", nil },
		Clock:  &fakeClock{},
	})
	require.NoError(t, err)

	for _, k := range []string{"a", "b", "c"} {
		_, err := c.Get(context.Background(), k)
		require.NoError(t, err)
	}

	require.True(t, c.Invalidate("a"))
	require.False(t, c.Invalidate("a"))
	require.False(t, present(t, c, "a"))

	require.False(t, c.InvalidateKeys([]string{"b", "does-not-exist"}))
	require.False(t, present(t, c, "b"))
	require.True(t, present(t, c, "c"))

	c.InvalidateAll()
	require.False(t, present(t, c, "c"))
}

func TestCache_CloseShutsDownOwnedExecutor(t *testing.T) {
	t.Parallel()

	c, err := New(Options[string, string]{
		Loader: func(ctx context.Context, k string) (string, error) { return k + "v", nil },
		Clock:  &fakeClock{},
	})
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close()) // idempotent
}

func TestNew_RequiresLoader(t *testing.T) {
	t.Parallel()

	_, err := New(Options[string, string]{})
	require.ErrorIs(t, err, ErrNoLoader)
}
