// Package rebuild implements the full index rebuild: clearing and
// rewriting the ordered leaderboard from the persistent store, per
// spec.md §4.7.
package rebuild

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/klingon-exchange/indexer/internal/index"
	"github.com/klingon-exchange/indexer/internal/store"
	"github.com/klingon-exchange/indexer/pkg/logging"
)

// interval is the fixed periodic rebuild schedule (spec.md §4.7).
const interval = 6 * time.Hour

// Rebuilder clears and rewrites the ordered index from the store.
type Rebuilder struct {
	store *store.Store
	index index.Ordered
	log   *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Rebuilder.
func New(st *store.Store, idx index.Ordered) *Rebuilder {
	ctx, cancel := context.WithCancel(context.Background())
	return &Rebuilder{
		store:  st,
		index:  idx,
		log:    logging.GetDefault().Component("rebuild"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Run performs one rebuild: clear, then rewrite every address in
// descending fiat total. The clear and each write are separate index
// calls, so a reader can observe a partially rebuilt index while Run is
// in progress.
func (r *Rebuilder) Run(ctx context.Context) error {
	addrs, err := r.store.ListAllAddresses()
	if err != nil {
		return fmt.Errorf("rebuild: list addresses: %w", err)
	}

	sort.Slice(addrs, func(i, j int) bool { return addrs[i].TotalUSD > addrs[j].TotalUSD })

	if err := r.index.Clear(ctx); err != nil {
		return fmt.Errorf("rebuild: clear index: %w", err)
	}

	for _, a := range addrs {
		if err := r.index.Upsert(ctx, a.Address, a.TotalUSD); err != nil {
			return fmt.Errorf("rebuild: upsert %s: %w", a.Address, err)
		}
	}

	r.log.Info("index rebuild complete", "addresses", len(addrs))
	return nil
}

// Start runs the cold-start rebuild (when the index is empty) and then
// the six-hour periodic schedule, in a background goroutine.
func (r *Rebuilder) Start() {
	go r.loop()
	r.log.Info("rebuild scheduler started", "interval", interval)
}

// Stop cancels the scheduler loop.
func (r *Rebuilder) Stop() {
	r.cancel()
}

func (r *Rebuilder) loop() {
	card, err := r.index.Card(r.ctx)
	if err != nil {
		r.log.Warn("failed to check index cardinality on cold start", "error", err)
	} else if card == 0 {
		if err := r.Run(r.ctx); err != nil {
			r.log.Warn("cold-start rebuild failed", "error", err)
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if err := r.Run(r.ctx); err != nil {
				r.log.Warn("periodic rebuild failed", "error", err)
			}
		}
	}
}
