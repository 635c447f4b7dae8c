// Package main provides the indexer daemon: pool backfill, live tail,
// classifier, aggregator, reconciler, and index rebuild, wired
// together behind one process.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/klingon-exchange/indexer/internal/aggregate"
	"github.com/klingon-exchange/indexer/internal/backfill"
	"github.com/klingon-exchange/indexer/internal/classify"
	"github.com/klingon-exchange/indexer/internal/config"
	"github.com/klingon-exchange/indexer/internal/index"
	"github.com/klingon-exchange/indexer/internal/metrics"
	"github.com/klingon-exchange/indexer/internal/rebuild"
	"github.com/klingon-exchange/indexer/internal/reconcile"
	"github.com/klingon-exchange/indexer/internal/store"
	"github.com/klingon-exchange/indexer/internal/tail"
	"github.com/klingon-exchange/indexer/internal/upstream"
	"github.com/klingon-exchange/indexer/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides LOG_LEVEL")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	if *showVersion {
		println("indexer " + version + " (commit: " + commit + ")")
		os.Exit(0)
	}

	cfg := config.Load()
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	log := logging.New(&logging.Config{Level: cfg.LogLevel, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.New(&store.Config{DataDir: cfg.DataDir})
	if err != nil {
		log.Fatal("failed to initialize store", "error", err)
	}
	defer st.Close()
	log.Info("store initialized", "data_dir", cfg.DataDir)

	idx, err := index.New(cfg.RedisURL)
	if err != nil {
		log.Fatal("failed to initialize index", "error", err)
	}
	defer idx.Close()
	if err := idx.Ping(ctx); err != nil {
		log.Fatal("failed to reach redis", "error", err)
	}
	log.Info("index initialized", "redis_url", cfg.RedisURL)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	up := upstream.New(upstream.Config{
		BaseURL:        cfg.UpstreamBaseURL,
		APIKey:         cfg.UpstreamAPIKey,
		Timeout:        cfg.UpstreamTimeout,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		Metrics:        m,
	})

	pools, err := loadPools(st, cfg)
	if err != nil {
		log.Fatal("failed to load pools", "error", err)
	}
	log.Info("pools loaded", "count", len(pools))

	trackedAssets := make(map[string]string, len(pools))
	for addr, asset := range pools {
		trackedAssets[addr] = asset
	}

	agg := aggregate.New(st, idx, m)
	classifier := classify.New(st, up, agg, m, trackedAssets, cfg.RateLimitRPS)
	reconciler := reconcile.New(st, idx)

	rebuilder := rebuild.New(st, idx)
	rebuilder.Start()
	defer rebuilder.Stop()

	bf := backfill.New(st, up, m, backfill.Config{
		Epoch:          cfg.StartDate,
		ConcurrencyMin: cfg.BackfillConcurrencyMin,
		ConcurrencyMax: cfg.BackfillConcurrencyMax,
		TargetRPS:      cfg.RateLimitRPS,
		PageSize:       cfg.BackfillPageSize,
	})
	go func() {
		if err := bf.RunAll(ctx); err != nil {
			log.Warn("initial backfill pass finished with errors", "error", err)
		}
	}()

	tails := make([]*tail.Tail, 0, len(pools))
	for addr := range pools {
		t := tail.New(addr, st, up, m)
		t.Start()
		tails = append(tails, t)
	}

	go runClassifyLoop(ctx, classifier, cfg.ClassifyBatchSize, log)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/internal/reconcile", reconcileHandler(reconciler, log))
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		log.Info("metrics server listening", "addr", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down...")

	cancel()
	for _, t := range tails {
		t.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Error("error stopping metrics server", "error", err)
	}

	log.Info("goodbye")
}

// runClassifyLoop drains pending candidates in batches until cancelled,
// pausing briefly between empty batches.
func runClassifyLoop(ctx context.Context, c *classify.Classifier, batchSize int, log *logging.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := c.RunBatch(ctx, batchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("classify batch failed", "error", err)
		}
		if n == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

// reconcileHandler triggers reconciliation for one address. The
// out-of-scope proof-of-ownership flow calls this once it has
// registered a new address with the store.
func reconcileHandler(r *reconcile.Reconciler, log *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		address := req.URL.Query().Get("address")
		if address == "" {
			http.Error(w, "missing address", http.StatusBadRequest)
			return
		}
		if err := r.Reconcile(req.Context(), address); err != nil {
			log.Warn("reconcile request failed", "address", address, "error", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// loadPools merges the single INITIAL_POOL_ADDRESS (if configured)
// with the pools.yaml manifest, registering each with the store and
// returning pool address -> tracked asset.
func loadPools(st *store.Store, cfg *config.Config) (map[string]string, error) {
	out := make(map[string]string)

	if cfg.InitialPoolAddress != "" && cfg.InitialTrackedAsset != "" {
		if err := st.CreatePool(cfg.InitialPoolAddress, cfg.InitialTrackedAsset); err != nil {
			return nil, err
		}
		out[cfg.InitialPoolAddress] = cfg.InitialTrackedAsset
	}

	manifest, err := config.LoadPools(cfg.PoolsFile)
	if err != nil {
		return nil, err
	}
	for _, p := range manifest.Pools {
		if err := st.CreatePool(p.Address, p.TrackedAsset); err != nil {
			return nil, err
		}
		if err := st.SetPoolActive(p.Address, p.IsActive()); err != nil {
			return nil, err
		}
		if p.IsActive() {
			out[p.Address] = p.TrackedAsset
		} else {
			delete(out, p.Address)
		}
	}

	return out, nil
}
