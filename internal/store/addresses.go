package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrAddressNotFound is returned when an address lookup misses.
var ErrAddressNotFound = errors.New("address not found")

// SyncStatus is the lifecycle state of an address's volume totals.
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSyncing SyncStatus = "syncing"
	SyncSynced  SyncStatus = "synced"
)

// Address is an end-user wallet with six running trade totals.
type Address struct {
	Address               string
	BuyTON, SellTON, TotalTON       float64
	BuyLambo, SellLambo, TotalLambo float64
	BuyUSD, SellUSD, TotalUSD       float64
	SyncStatus             SyncStatus
	InitialSyncCompleted   bool
	CreatedAt              time.Time
}

// CreateAddress registers a new end-user wallet (called by the out-of-scope
// proof-of-ownership flow). A pre-existing address is left untouched.
func (s *Store) CreateAddress(address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO addresses (address, sync_status, initial_sync_completed, created_at)
		VALUES (?, ?, 0, ?)
		ON CONFLICT(address) DO NOTHING
	`, address, SyncPending, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("create address: %w", err)
	}
	return nil
}

// GetAddress retrieves an address record by its normalized raw address.
func (s *Store) GetAddress(address string) (*Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getAddressLocked(address)
}

func (s *Store) getAddressLocked(address string) (*Address, error) {
	var a Address
	var syncStatus string
	var initialSync int
	var createdAt int64

	err := s.db.QueryRow(`
		SELECT address, buy_ton, sell_ton, total_ton, buy_lambo, sell_lambo, total_lambo,
		       buy_usd, sell_usd, total_usd, sync_status, initial_sync_completed, created_at
		FROM addresses WHERE address = ?
	`, address).Scan(
		&a.Address, &a.BuyTON, &a.SellTON, &a.TotalTON, &a.BuyLambo, &a.SellLambo, &a.TotalLambo,
		&a.BuyUSD, &a.SellUSD, &a.TotalUSD, &syncStatus, &initialSync, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAddressNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get address: %w", err)
	}

	a.SyncStatus = SyncStatus(syncStatus)
	a.InitialSyncCompleted = initialSync != 0
	a.CreatedAt = time.Unix(createdAt, 0)
	return &a, nil
}

// ApplyVolume increments the buy or sell totals for operationType by the
// given per-transaction amounts and recomputes total_* = buy_* + sell_*,
// per spec.md §4.5. Returns ErrAddressNotFound if the address is not yet
// registered; callers must treat that as a silent drop (spec.md §7).
func (s *Store) ApplyVolume(address, operationType string, tonAmount, lamboAmount, usdAmount float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if operationType != "buy" && operationType != "sell" {
		return 0, fmt.Errorf("invalid operation type %q", operationType)
	}

	var query string
	if operationType == "buy" {
		query = `
			UPDATE addresses SET
				buy_ton = buy_ton + ?, buy_lambo = buy_lambo + ?, buy_usd = buy_usd + ?,
				total_ton = total_ton + ?, total_lambo = total_lambo + ?, total_usd = total_usd + ?
			WHERE address = ?
		`
	} else {
		query = `
			UPDATE addresses SET
				sell_ton = sell_ton + ?, sell_lambo = sell_lambo + ?, sell_usd = sell_usd + ?,
				total_ton = total_ton + ?, total_lambo = total_lambo + ?, total_usd = total_usd + ?
			WHERE address = ?
		`
	}

	res, err := s.db.Exec(query, tonAmount, lamboAmount, usdAmount, tonAmount, lamboAmount, usdAmount, address)
	if err != nil {
		return 0, fmt.Errorf("apply volume: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("apply volume rows affected: %w", err)
	}
	if n == 0 {
		return 0, ErrAddressNotFound
	}

	var totalUSD float64
	if err := s.db.QueryRow(`SELECT total_usd FROM addresses WHERE address = ?`, address).Scan(&totalUSD); err != nil {
		return 0, fmt.Errorf("apply volume read back: %w", err)
	}
	return totalUSD, nil
}

// ApplyVolumeInTx is ApplyVolume's transactional counterpart, used by
// the classifier so the address-totals update commits atomically with
// the candidate promotion (spec.md §4.4).
func (s *Store) ApplyVolumeInTx(tx *sql.Tx, address, operationType string, tonAmount, lamboAmount, usdAmount float64) (float64, error) {
	if operationType != "buy" && operationType != "sell" {
		return 0, fmt.Errorf("invalid operation type %q", operationType)
	}

	var query string
	if operationType == "buy" {
		query = `
			UPDATE addresses SET
				buy_ton = buy_ton + ?, buy_lambo = buy_lambo + ?, buy_usd = buy_usd + ?,
				total_ton = total_ton + ?, total_lambo = total_lambo + ?, total_usd = total_usd + ?
			WHERE address = ?
		`
	} else {
		query = `
			UPDATE addresses SET
				sell_ton = sell_ton + ?, sell_lambo = sell_lambo + ?, sell_usd = sell_usd + ?,
				total_ton = total_ton + ?, total_lambo = total_lambo + ?, total_usd = total_usd + ?
			WHERE address = ?
		`
	}

	res, err := tx.Exec(query, tonAmount, lamboAmount, usdAmount, tonAmount, lamboAmount, usdAmount, address)
	if err != nil {
		return 0, fmt.Errorf("apply volume: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("apply volume rows affected: %w", err)
	}
	if n == 0 {
		return 0, ErrAddressNotFound
	}

	var totalUSD float64
	if err := tx.QueryRow(`SELECT total_usd FROM addresses WHERE address = ?`, address).Scan(&totalUSD); err != nil {
		return 0, fmt.Errorf("apply volume read back: %w", err)
	}
	return totalUSD, nil
}

// SetTotals overwrites all six running totals directly (used by the
// late-join reconciler, which recomputes from scratch rather than
// incrementing).
func (s *Store) SetTotals(address string, buyTon, sellTon, buyLambo, sellLambo, buyUSD, sellUSD float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE addresses SET
			buy_ton = ?, sell_ton = ?, total_ton = ?,
			buy_lambo = ?, sell_lambo = ?, total_lambo = ?,
			buy_usd = ?, sell_usd = ?, total_usd = ?
		WHERE address = ?
	`, buyTon, sellTon, buyTon+sellTon, buyLambo, sellLambo, buyLambo+sellLambo,
		buyUSD, sellUSD, buyUSD+sellUSD, address)
	if err != nil {
		return fmt.Errorf("set totals: %w", err)
	}
	return nil
}

// SetSyncStatus transitions an address's sync_status, optionally marking
// initial_sync_completed.
func (s *Store) SetSyncStatus(address string, status SyncStatus, initialSyncCompleted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := 0
	if initialSyncCompleted {
		v = 1
	}
	_, err := s.db.Exec(`
		UPDATE addresses SET sync_status = ?, initial_sync_completed = ? WHERE address = ?
	`, string(status), v, address)
	if err != nil {
		return fmt.Errorf("set sync status: %w", err)
	}
	return nil
}

// ListAllAddresses returns every known address, used by the index rebuild.
func (s *Store) ListAllAddresses() ([]*Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT address, buy_ton, sell_ton, total_ton, buy_lambo, sell_lambo, total_lambo,
		       buy_usd, sell_usd, total_usd, sync_status, initial_sync_completed, created_at
		FROM addresses
	`)
	if err != nil {
		return nil, fmt.Errorf("list all addresses: %w", err)
	}
	defer rows.Close()

	var out []*Address
	for rows.Next() {
		var a Address
		var syncStatus string
		var initialSync int
		var createdAt int64
		if err := rows.Scan(
			&a.Address, &a.BuyTON, &a.SellTON, &a.TotalTON, &a.BuyLambo, &a.SellLambo, &a.TotalLambo,
			&a.BuyUSD, &a.SellUSD, &a.TotalUSD, &syncStatus, &initialSync, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan address: %w", err)
		}
		a.SyncStatus = SyncStatus(syncStatus)
		a.InitialSyncCompleted = initialSync != 0
		a.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, &a)
	}
	return out, rows.Err()
}
