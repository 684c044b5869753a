// Command bench runs a synthetic Zipfian read workload against a
// FaultTolerantCache and exposes optional pprof/Prometheus endpoints.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof/* on DefaultServeMux
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/resilientkv/resilience/ftcache"
	pmet "github.com/resilientkv/resilience/metrics/prom"
)

func main() {
	var (
		capacity    = flag.Int("cap", 100_000, "cache capacity (entries)")
		concurrency = flag.Int("shards", 0, "number of segments (0 = default 4)")

		workers  = flag.Int("workers", 2*runtime.GOMAXPROCS(0), "number of worker goroutines")
		duration = flag.Duration("duration", 10*time.Second, "benchmark duration")

		keys    = flag.Int("keys", 1_000_000, "keyspace size")
		zipfS   = flag.Float64("zipf_s", 1.1, "Zipf s > 1 (skew)")
		zipfV   = flag.Float64("zipf_v", 1.0, "Zipf v")
		seed    = flag.Int64("seed", time.Now().UnixNano(), "random seed")
		preload = flag.Int("preload", 0, "preload entries (0 = cap/2)")

		loadLatency = flag.Duration("load_latency", 0, "simulated loader latency")
		failPct     = flag.Int("fail_pct", 0, "percentage of loader calls that fail [0..100]")

		pprofAddr   = flag.String("pprof", "", "serve pprof at addr (e.g. :6060); empty = disabled")
		metricsAddr = flag.String("http", ":8080", "serve Prometheus metrics at addr")
	)
	flag.Parse()

	if *pprofAddr != "" {
		go func() {
			log.Printf("pprof: serving at %s", *pprofAddr)
			log.Println(http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	metrics := pmet.NewCacheAdapter(nil, "ftcache", "bench", nil)
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		log.Printf("metrics: serving at %s", *metricsAddr)
		log.Println(http.ListenAndServe(*metricsAddr, nil))
	}()

	var loadCount uint64
	c, err := ftcache.New(ftcache.Options[string, string]{
		Loader: func(ctx context.Context, key string) (string, error) {
			n := atomic.AddUint64(&loadCount, 1)
			if *loadLatency > 0 {
				time.Sleep(*loadLatency)
			}
			if *failPct > 0 && int(n%100) < *failPct {
				return "", fmt.Errorf("synthetic loader failure for %s", key)
			}
			return "v" + strconv.FormatUint(n, 10), nil
		},
		MaximumSize:       *capacity,
		ConcurrencyLevel:  *concurrency,
		RefreshAfterWrite: 30 * time.Second,
		ExpireAfterWrite:  5 * time.Minute,
		Metrics:           metrics,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = c.Close() }()

	pl := *preload
	if pl == 0 {
		pl = *capacity / 2
	}
	for i := 0; i < pl; i++ {
		k := "k:" + strconv.Itoa(i)
		_, _ = c.Get(context.Background(), k)
	}

	keysMax := uint64(*keys - 1)
	seedBase := *seed
	workersN := *workers
	if workersN <= 0 {
		workersN = 1
	}

	var ops, errs uint64
	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(workersN)
	for w := 0; w < workersN; w++ {
		go func(id int) {
			defer wg.Done()

			localR := rand.New(rand.NewSource(seedBase + int64(id)*9973))
			localZipf := rand.NewZipf(localR, *zipfS, *zipfV, keysMax)

			for {
				select {
				case <-ctx.Done():
					return
				default:
				}

				atomic.AddUint64(&ops, 1)
				k := "k:" + strconv.FormatUint(localZipf.Uint64(), 10)
				if _, err := c.Get(ctx, k); err != nil {
					atomic.AddUint64(&errs, 1)
				}
			}
		}(w)
	}
	wg.Wait()
	elapsed := time.Since(start)

	opsN := atomic.LoadUint64(&ops)
	errsN := atomic.LoadUint64(&errs)
	loadsN := atomic.LoadUint64(&loadCount)

	fmt.Printf("cap=%d shards=%d workers=%d keys=%d dur=%v seed=%d\n",
		*capacity, *concurrency, workersN, *keys, elapsed, seedBase)
	fmt.Printf("ops=%d (%.0f ops/s)  loads=%d  errors=%d (%.2f%%)\n",
		opsN, float64(opsN)/elapsed.Seconds(), loadsN, errsN, float64(errsN)/float64(opsN)*100)
}
