package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrPoolNotFound is returned when a pool lookup misses.
var ErrPoolNotFound = errors.New("pool not found")

// Pool is an on-chain liquidity contract being indexed.
type Pool struct {
	Address           string
	TrackedAsset      string
	Active            bool
	LastProcessedLT   uint64
	HasCheckpoint     bool
	LastSyncTimestamp int64
	CreatedAt         time.Time
}

// CreatePool inserts a new pool, defaulting to no checkpoint (first-run
// mode on its first backfill). A pre-existing pool is left untouched.
func (s *Store) CreatePool(address, trackedAsset string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO pools (address, tracked_asset, active, last_processed_lt, last_sync_timestamp, created_at)
		VALUES (?, ?, 1, ?, 0, ?)
		ON CONFLICT(address) DO NOTHING
	`, address, trackedAsset, EncodeLT(0), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("create pool: %w", err)
	}
	return nil
}

// GetPool retrieves a pool by its on-chain address.
func (s *Store) GetPool(address string) (*Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var p Pool
	var active int
	var ltStr string
	var createdAt int64

	err := s.db.QueryRow(`
		SELECT address, tracked_asset, active, last_processed_lt, last_sync_timestamp, created_at
		FROM pools WHERE address = ?
	`, address).Scan(&p.Address, &p.TrackedAsset, &active, &ltStr, &p.LastSyncTimestamp, &createdAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPoolNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pool: %w", err)
	}

	lt, err := DecodeLT(ltStr)
	if err != nil {
		return nil, err
	}

	p.Active = active != 0
	p.LastProcessedLT = lt
	p.HasCheckpoint = lt > 0
	p.CreatedAt = time.Unix(createdAt, 0)
	return &p, nil
}

// ListActivePools returns every pool with active = true.
func (s *Store) ListActivePools() ([]*Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT address, tracked_asset, active, last_processed_lt, last_sync_timestamp, created_at
		FROM pools WHERE active = 1
	`)
	if err != nil {
		return nil, fmt.Errorf("list active pools: %w", err)
	}
	defer rows.Close()

	var pools []*Pool
	for rows.Next() {
		var p Pool
		var active int
		var ltStr string
		var createdAt int64
		if err := rows.Scan(&p.Address, &p.TrackedAsset, &active, &ltStr, &p.LastSyncTimestamp, &createdAt); err != nil {
			return nil, fmt.Errorf("scan pool: %w", err)
		}
		lt, err := DecodeLT(ltStr)
		if err != nil {
			return nil, err
		}
		p.Active = active != 0
		p.LastProcessedLT = lt
		p.HasCheckpoint = lt > 0
		p.CreatedAt = time.Unix(createdAt, 0)
		pools = append(pools, &p)
	}
	return pools, rows.Err()
}

// SetPoolActive flips the pool's active flag (admin activation).
func (s *Store) SetPoolActive(address string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := 0
	if active {
		v = 1
	}
	_, err := s.db.Exec(`UPDATE pools SET active = ? WHERE address = ?`, v, address)
	if err != nil {
		return fmt.Errorf("set pool active: %w", err)
	}
	return nil
}

// AdvanceCheckpoint sets last_processed_lt to lt if and only if lt is
// strictly greater than the current value, enforcing the monotone
// watermark invariant (spec.md §3, §7 "Checkpoint regression"). A call
// with a smaller or equal lt is silently a no-op, never an error.
func (s *Store) AdvanceCheckpoint(poolAddress string, lt uint64, syncTimestamp int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	encoded := EncodeLT(lt)
	_, err := s.db.Exec(`
		UPDATE pools
		SET last_processed_lt = ?, last_sync_timestamp = ?
		WHERE address = ? AND last_processed_lt < ?
	`, encoded, syncTimestamp, poolAddress, encoded)
	if err != nil {
		return fmt.Errorf("advance checkpoint: %w", err)
	}
	return nil
}
