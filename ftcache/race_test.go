package ftcache

import (
	"context"
	"math/rand"
	"runtime"
	"strconv"
	"sync"
	"testing"
	"time"
)

// A mixed workload of concurrent Get/GetIfPresent/Invalidate/Refresh on
// random keys. Should pass under -race without detector reports.
func TestRace_MixedWorkload(t *testing.T) {
	c, err := New(Options[string, string]{
		Loader: func(ctx context.Context, k string) (string, error) {
			return k + "v", nil
		},
		MaximumSize:                   8_192,
		ConcurrencyLevel:              32,
		AsynchronousRefreshAfterWrite: 5 * time.Millisecond,
		RefreshAfterWrite:             10 * time.Millisecond,
		ExpireAfterWrite:              50 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })

	workers := 4 * runtime.GOMAXPROCS(0)
	keyspace := 5_000
	deadline := time.Now().Add(500 * time.Millisecond)

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(id int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)*9973))
			for time.Now().Before(deadline) {
				k := "k:" + strconv.Itoa(r.Intn(keyspace))
				switch r.Intn(100) {
				case 0, 1, 2, 3, 4: // ~5% — Invalidate
					c.Invalidate(k)
				case 5, 6: // ~2% — Refresh sweep
					c.Refresh()
				case 7: // ~1% — RefreshNow sweep
					c.RefreshNow()
				case 8, 9: // ~2% — GetIfPresent
					c.GetIfPresent(k)
				default: // ~90% — Get
					_, _ = c.Get(context.Background(), k)
				}
			}
		}(w)
	}
	wg.Wait()
}
