// Package reconcile implements the late-join reconciler: when an
// address becomes known to the aggregator, it recomputes that
// address's running totals from the already-classified transaction
// store, per spec.md §4.6.
package reconcile

import (
	"context"
	"fmt"

	"github.com/klingon-exchange/indexer/internal/index"
	"github.com/klingon-exchange/indexer/internal/store"
	"github.com/klingon-exchange/indexer/pkg/logging"
)

// Reconciler recomputes an address's totals from scratch.
type Reconciler struct {
	store *store.Store
	index index.Ordered
	log   *logging.Logger
}

// New creates a Reconciler.
func New(st *store.Store, idx index.Ordered) *Reconciler {
	return &Reconciler{
		store: st,
		index: idx,
		log:   logging.GetDefault().Component("reconcile"),
	}
}

// Reconcile transitions address to syncing, recomputes its six totals
// by scanning classified transactions, writes them, transitions to
// synced, and pushes the fiat total to the ordered index.
func (r *Reconciler) Reconcile(ctx context.Context, address string) error {
	if _, err := r.store.GetAddress(address); err != nil {
		return fmt.Errorf("reconcile: get address: %w", err)
	}

	if err := r.store.SetSyncStatus(address, store.SyncSyncing, false); err != nil {
		return fmt.Errorf("reconcile: set syncing: %w", err)
	}

	classified, err := r.store.ClassifiedByAddress(address, 0)
	if err != nil {
		return fmt.Errorf("reconcile: scan classified: %w", err)
	}

	var buyTon, sellTon, buyLambo, sellLambo, buyUSD, sellUSD float64
	for _, c := range classified {
		usdAmount := c.TonAmount * c.TonUSDPrice
		switch c.OperationType {
		case "buy":
			buyTon += c.TonAmount
			buyLambo += c.LamboAmount
			buyUSD += usdAmount
		case "sell":
			sellTon += c.TonAmount
			sellLambo += c.LamboAmount
			sellUSD += usdAmount
		}
	}

	if err := r.store.SetTotals(address, buyTon, sellTon, buyLambo, sellLambo, buyUSD, sellUSD); err != nil {
		return fmt.Errorf("reconcile: set totals: %w", err)
	}
	if err := r.store.SetSyncStatus(address, store.SyncSynced, true); err != nil {
		return fmt.Errorf("reconcile: set synced: %w", err)
	}

	if r.index != nil {
		if err := r.index.Upsert(ctx, address, buyUSD+sellUSD); err != nil {
			return fmt.Errorf("reconcile: update index: %w", err)
		}
	}

	r.log.Info("reconciled address", "address", address, "transactions", len(classified), "total_usd", buyUSD+sellUSD)
	return nil
}
