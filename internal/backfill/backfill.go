// Package backfill implements the pool-centric historical crawl: it
// paginates a pool's transaction history newest-first, persisting
// candidate transactions and advancing the pool's checkpoint, per
// spec.md §4.2.
package backfill

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/klingon-exchange/indexer/internal/metrics"
	"github.com/klingon-exchange/indexer/internal/store"
	"github.com/klingon-exchange/indexer/internal/upstream"
	"github.com/klingon-exchange/indexer/pkg/logging"
)

// Config controls one Backfiller's behavior.
type Config struct {
	// Epoch is the first-run cutoff: transactions with utime strictly
	// before it are not collected.
	Epoch time.Time

	// ConcurrencyMin/Max bound the adaptive page-fetch concurrency C.
	ConcurrencyMin int
	ConcurrencyMax int

	// TargetRPS is the rate-limit target R the adaptive controller
	// steers concurrency toward.
	TargetRPS float64

	// CommitBatch is how many insertions accumulate before an
	// intermediate checkpoint commit (spec.md §4.2 step 5).
	CommitBatch int

	// PageSize is the upstream page-size request limit; a page shorter
	// than this signals end of history (spec.md §4.2 step 3). Fixed at
	// 1000 in production, overridable in tests.
	PageSize int
}

// pageFetchBackoffBase and pageFetchBackoffMax bound the exponential
// backoff applied between page-fetch retries (spec.md §4.2): the delay
// doubles per consecutive failure up to the cap, then resets once a
// page fetch succeeds.
const (
	pageFetchBackoffBase = 2 * time.Second
	pageFetchBackoffMax  = 60 * time.Second
)

// DefaultConfig returns sensible defaults matching spec.md §4.2/§5.
func DefaultConfig() Config {
	return Config{
		ConcurrencyMin: 5,
		ConcurrencyMax: 30,
		CommitBatch:    100,
		PageSize:       1000,
	}
}

// Backfiller crawls one pool's transaction history to completion.
type Backfiller struct {
	store    *store.Store
	upstream upstream.Client
	metrics  *metrics.Collectors
	cfg      Config
	log      *logging.Logger
}

// New creates a Backfiller.
func New(st *store.Store, up upstream.Client, m *metrics.Collectors, cfg Config) *Backfiller {
	if cfg.ConcurrencyMin <= 0 {
		cfg.ConcurrencyMin = 5
	}
	if cfg.ConcurrencyMax < cfg.ConcurrencyMin {
		cfg.ConcurrencyMax = cfg.ConcurrencyMin
	}
	if cfg.CommitBatch <= 0 {
		cfg.CommitBatch = 100
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 1000
	}
	return &Backfiller{
		store:    st,
		upstream: up,
		metrics:  m,
		cfg:      cfg,
		log:      logging.GetDefault().Component("backfill"),
	}
}

// Run crawls poolAddress to completion: resume mode if the pool already
// carries a checkpoint, first-run mode against cfg.Epoch otherwise.
func (b *Backfiller) Run(ctx context.Context, poolAddress string) error {
	pool, err := b.store.GetPool(poolAddress)
	if err != nil {
		return fmt.Errorf("backfill: get pool: %w", err)
	}

	resume := pool.HasCheckpoint
	epoch := b.cfg.Epoch.Unix()
	runID := uuid.New().String()

	b.log.Info("starting backfill", "run_id", runID, "pool", poolAddress, "resume", resume, "checkpoint_lt", pool.LastProcessedLT)

	var beforeLT uint64
	maxLTSeen := pool.LastProcessedLT
	insertedSinceCommit := 0
	concurrency := b.cfg.ConcurrencyMin
	consecutiveFailures := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		page, err := b.fetchWithConcurrency(ctx, poolAddress, beforeLT, &concurrency)
		if err != nil {
			shift := consecutiveFailures
			if shift > 5 {
				shift = 5
			}
			backoff := pageFetchBackoffBase << shift
			if backoff > pageFetchBackoffMax {
				backoff = pageFetchBackoffMax
			}
			consecutiveFailures++
			b.log.Warn("page fetch failed, backing off", "pool", poolAddress, "error", err, "backoff", backoff, "attempt", consecutiveFailures)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			continue
		}
		consecutiveFailures = 0
		if b.metrics != nil {
			b.metrics.PagesFetched.WithLabelValues(poolAddress).Inc()
		}

		if len(page.Transactions) == 0 {
			break
		}

		sorted := append([]upstream.Tx(nil), page.Transactions...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].LT > sorted[j].LT })

		stop := len(sorted) < b.cfg.PageSize

		for _, tx := range sorted {
			if resume && tx.LT <= pool.LastProcessedLT {
				stop = true
				continue
			}
			if !resume && tx.Utime < epoch {
				stop = true
				continue
			}

			if err := b.store.InsertCandidate(store.Candidate{
				TxHash:    tx.Hash,
				PoolID:    poolAddress,
				LT:        tx.LT,
				Timestamp: tx.Utime,
			}); err != nil {
				return fmt.Errorf("backfill: insert candidate: %w", err)
			}
			if b.metrics != nil {
				b.metrics.CandidatesInserted.WithLabelValues(poolAddress, "backfill").Inc()
			}

			if tx.LT > maxLTSeen {
				maxLTSeen = tx.LT
			}
			insertedSinceCommit++
		}

		if insertedSinceCommit >= b.cfg.CommitBatch {
			if err := b.store.AdvanceCheckpoint(poolAddress, maxLTSeen, time.Now().Unix()); err != nil {
				return fmt.Errorf("backfill: advance checkpoint: %w", err)
			}
			if b.metrics != nil {
				b.metrics.CheckpointLT.WithLabelValues(poolAddress).Set(float64(maxLTSeen))
			}
			insertedSinceCommit = 0
		}

		if stop {
			break
		}

		beforeLT = sorted[len(sorted)-1].LT
	}

	if err := b.store.AdvanceCheckpoint(poolAddress, maxLTSeen, time.Now().Unix()); err != nil {
		return fmt.Errorf("backfill: final checkpoint: %w", err)
	}
	if b.metrics != nil {
		b.metrics.CheckpointLT.WithLabelValues(poolAddress).Set(float64(maxLTSeen))
	}

	b.log.Info("backfill complete", "run_id", runID, "pool", poolAddress, "checkpoint_lt", maxLTSeen)
	return nil
}

// fetchWithConcurrency fetches one page, adjusting *concurrency toward
// cfg.TargetRPS per spec.md §4.2. Within a pool's pagination, pages are
// strictly sequential (each depends on the previous page's minimum lt),
// and *concurrency is a per-Run value that no fetch reads: it tracks the
// measured rate but does not cause parallel requests.
func (b *Backfiller) fetchWithConcurrency(ctx context.Context, poolAddress string, beforeLT uint64, concurrency *int) (upstream.TxPage, error) {
	start := time.Now()
	page, err := b.upstream.ListPoolTransactions(ctx, poolAddress, beforeLT)
	if err != nil {
		return upstream.TxPage{}, err
	}
	elapsed := time.Since(start).Seconds()

	if b.cfg.TargetRPS > 0 && elapsed > 0 {
		measuredRPS := 1 / elapsed
		switch {
		case measuredRPS < 0.9*b.cfg.TargetRPS && *concurrency < b.cfg.ConcurrencyMax:
			*concurrency += 3
			if *concurrency > b.cfg.ConcurrencyMax {
				*concurrency = b.cfg.ConcurrencyMax
			}
		case measuredRPS > 1.1*b.cfg.TargetRPS && *concurrency > b.cfg.ConcurrencyMin:
			*concurrency -= 2
			if *concurrency < b.cfg.ConcurrencyMin {
				*concurrency = b.cfg.ConcurrencyMin
			}
		}
	}

	return page, nil
}

// RunAll backfills every active pool concurrently, one goroutine per
// pool; insertion into the store remains serialized per pool via the
// store's own locking.
func (b *Backfiller) RunAll(ctx context.Context) error {
	pools, err := b.store.ListActivePools()
	if err != nil {
		return fmt.Errorf("backfill: list active pools: %w", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(pools))
	for _, p := range pools {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			if err := b.Run(ctx, addr); err != nil {
				errs <- fmt.Errorf("pool %s: %w", addr, err)
			}
		}(p.Address)
	}
	wg.Wait()
	close(errs)

	var firstErr error
	for err := range errs {
		if firstErr == nil {
			firstErr = err
		}
		b.log.Error("backfill pool failed", "error", err)
	}
	return firstErr
}
