package cli

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/faucetdb/keyward/internal/config"
	"github.com/faucetdb/keyward/internal/kvstore"
	"github.com/faucetdb/keyward/internal/model"
	"github.com/faucetdb/keyward/internal/ratelimit"
	"github.com/faucetdb/keyward/internal/service"
)

func newBenchmarkCmd() *cobra.Command {
	var opts benchOptions

	cmd := &cobra.Command{
		Use:   "benchmark",
		Short: "Benchmark API key validation throughput",
		Long: `Run a load test against the key validation path: store lookup, cache,
rate limiting and usage recording. Uses an in-memory store unless --use-store
is given, and the configured cache and Redis settings.`,
		Example: `  keyward benchmark --duration 10s --concurrency 50
  keyward benchmark --keys 1000 --use-store`,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := runBenchmark(cmd.Context(), opts, true)
			return err
		},
	}

	cmd.Flags().DurationVar(&opts.duration, "duration", 10*time.Second, "Test duration")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 10, "Number of concurrent workers")
	cmd.Flags().IntVar(&opts.keys, "keys", 100, "Number of keys to generate and validate")
	cmd.Flags().BoolVar(&opts.useStore, "use-store", false, "Benchmark against the configured store instead of an in-memory one")

	return cmd
}

type benchOptions struct {
	duration    time.Duration
	concurrency int
	keys        int
	useStore    bool
}

type benchResult struct {
	total     int64
	errors    int64
	latencies []time.Duration
}

// memStats captures a snapshot of memory statistics for reporting.
type memStats struct {
	HeapAlloc uint64
	Sys       uint64
}

func captureMemStats() memStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return memStats{HeapAlloc: m.HeapAlloc, Sys: m.Sys}
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case b >= gb:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(mb))
	case b >= kb:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(kb))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// percentile returns the p-th percentile of sorted latencies.
func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func runBenchmark(ctx context.Context, opts benchOptions, report bool) (*benchResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.keys <= 0 || opts.concurrency <= 0 {
		return nil, fmt.Errorf("--keys and --concurrency must be positive")
	}

	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	storeCfg := config.StoreConfig{}
	if opts.useStore {
		storeCfg = cfg.Store
	}
	store, err := config.NewStore(storeCfg)
	if err != nil {
		return nil, fmt.Errorf("open key store: %w", err)
	}
	defer store.Close()

	logger := cliLogger()

	var kv *kvstore.Client
	if cfg.Redis.Enabled {
		kcfg, err := kvstore.ConfigFromYAML(cfg.Redis)
		if err != nil {
			return nil, err
		}
		if kv, err = kvstore.Connect(ctx, kcfg, logger); err != nil {
			return nil, err
		}
		defer kv.Close()
	}
	var counter ratelimit.CounterStore = ratelimit.NewMemoryCounter(nil)
	if kv != nil {
		counter = ratelimit.NewRedisCounter(kv)
	}

	keyCache, closeCache, err := buildKeyCache(cfg, kv, logger, nil)
	if err != nil {
		return nil, err
	}
	defer closeCache()

	mcfg, err := managerConfig(cfg)
	if err != nil {
		return nil, err
	}
	mopts := []service.ManagerOption{
		service.WithLogger(logger),
		service.WithLimiter(ratelimit.New(counter, logger)),
	}
	if keyCache != nil {
		mopts = append(mopts, service.WithCache(keyCache))
	}
	manager := service.NewManager(store, mcfg, mopts...)

	if report {
		fmt.Print(banner)
		fmt.Println("Keyward Validation Benchmark")
		fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		fmt.Printf("Store: %s | Cache: %s | Redis: %v\n", store.Driver(), cfg.Cache.Backend, kv != nil)
		fmt.Printf("Duration: %s | Concurrency: %d | Keys: %d\n", opts.duration, opts.concurrency, opts.keys)
		fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		fmt.Println()
		fmt.Print("Generating keys... ")
	}

	// Limits high enough that rate limiting never rejects during the run.
	limits := &model.RateLimits{PerMinute: 1 << 30, PerHour: 1 << 30, PerDay: 1 << 30}
	plaintexts := make([]string, opts.keys)
	for i := range plaintexts {
		issued, err := manager.Generate(ctx, service.GenerateRequest{
			Name:       fmt.Sprintf("bench-%d", i),
			RateLimits: limits,
		})
		if err != nil {
			return nil, fmt.Errorf("generate key: %w", err)
		}
		plaintexts[i] = issued.Plaintext
	}
	if report {
		fmt.Println("ok")
		fmt.Println("Running benchmark...")
		fmt.Println()
	}

	memBefore := captureMemStats()

	var (
		totalOK     atomic.Int64
		totalErrors atomic.Int64
		latencies   = make([]time.Duration, 0, 100000)
		latencyMu   sync.Mutex
	)

	deadline := time.Now().Add(opts.duration)
	var wg sync.WaitGroup

	for w := 0; w < opts.concurrency; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			local := make([]time.Duration, 0, 1024)
			for i := w; time.Now().Before(deadline); i++ {
				start := time.Now()
				_, err := manager.Validate(ctx, service.ValidateRequest{
					Plaintext: plaintexts[i%len(plaintexts)],
					ClientIP:  "127.0.0.1",
				})
				elapsed := time.Since(start)
				if err != nil {
					totalErrors.Add(1)
					continue
				}
				totalOK.Add(1)
				local = append(local, elapsed)
			}
			latencyMu.Lock()
			latencies = append(latencies, local...)
			latencyMu.Unlock()
		}(w)
	}

	wg.Wait()

	memAfter := captureMemStats()
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	res := &benchResult{total: totalOK.Load(), errors: totalErrors.Load(), latencies: latencies}
	if !report {
		return res, nil
	}

	fmt.Println("Results")
	fmt.Println("-------")
	fmt.Printf("  Validations:    %d\n", res.total)
	fmt.Printf("  Errors:         %d\n", res.errors)
	fmt.Printf("  Per second:     %.1f\n", float64(res.total)/opts.duration.Seconds())
	if len(latencies) > 0 {
		fmt.Printf("  Latency p50:    %s\n", percentile(latencies, 50))
		fmt.Printf("  Latency p95:    %s\n", percentile(latencies, 95))
		fmt.Printf("  Latency p99:    %s\n", percentile(latencies, 99))
		fmt.Printf("  Latency max:    %s\n", latencies[len(latencies)-1])
	}

	fmt.Println()
	fmt.Println("Memory")
	fmt.Println("------")
	fmt.Printf("  Heap before:    %s\n", formatBytes(memBefore.HeapAlloc))
	fmt.Printf("  Heap after:     %s\n", formatBytes(memAfter.HeapAlloc))
	fmt.Printf("  RSS (sys) before: %s\n", formatBytes(memBefore.Sys))
	fmt.Printf("  RSS (sys) after:  %s\n", formatBytes(memAfter.Sys))

	return res, nil
}
