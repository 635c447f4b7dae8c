// Package aggregate applies a classified swap's volume to its user's
// running totals and keeps the ordered leaderboard index in sync, per
// spec.md §4.5.
package aggregate

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/klingon-exchange/indexer/internal/index"
	"github.com/klingon-exchange/indexer/internal/metrics"
	"github.com/klingon-exchange/indexer/internal/store"
	"github.com/klingon-exchange/indexer/pkg/logging"
)

// Aggregator ties the address-totals store to the Redis leaderboard
// index.
type Aggregator struct {
	store   *store.Store
	index   index.Ordered
	metrics *metrics.Collectors
	log     *logging.Logger
}

// New creates an Aggregator.
func New(st *store.Store, idx index.Ordered, m *metrics.Collectors) *Aggregator {
	return &Aggregator{
		store:   st,
		index:   idx,
		metrics: m,
		log:     logging.GetDefault().Component("aggregate"),
	}
}

// ApplyInTx increments address's running totals within tx and returns
// the updated fiat total plus whether the address was registered at
// all. The caller is expected to commit tx and then call UpdateIndex
// with the returned total when applied is true, per spec.md §4.5 step
// 3 ("update the ordered index... after the database write commits").
// An unregistered address is silently dropped (spec.md §7): applied
// comes back false and err nil so the surrounding classification
// transaction still commits.
func (a *Aggregator) ApplyInTx(tx *sql.Tx, address, operationType string, tonAmount, lamboAmount, usdAmount float64) (total float64, applied bool, err error) {
	total, err = a.store.ApplyVolumeInTx(tx, address, operationType, tonAmount, lamboAmount, usdAmount)
	if err == store.ErrAddressNotFound {
		a.log.Debug("dropping volume for unregistered address", "address", address)
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("aggregate: apply volume: %w", err)
	}
	return total, true, nil
}

// UpdateIndex moves address to its new position in the leaderboard. A
// zero total still writes an entry with score 0; repeating the write is
// harmless since Upsert is idempotent. A nil index (as wired in tests
// that exercise only the SQL side) makes this a no-op.
func (a *Aggregator) UpdateIndex(ctx context.Context, address string, totalUSD float64) error {
	if a.index == nil {
		return nil
	}
	if err := a.index.Upsert(ctx, address, totalUSD); err != nil {
		return fmt.Errorf("aggregate: update index: %w", err)
	}
	return nil
}

// Snapshot returns an address's current totals, for read APIs.
func (a *Aggregator) Snapshot(address string) (*store.Address, error) {
	return a.store.GetAddress(address)
}
