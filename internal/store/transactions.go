package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrTxNotFound is returned when a transaction lookup misses.
var ErrTxNotFound = errors.New("transaction not found")

// Candidate is a transaction known to touch a tracked pool but not yet
// classified as a tracked-asset swap.
type Candidate struct {
	TxHash    string
	PoolID    string
	LT        uint64
	Timestamp int64
}

// Classified is a candidate promoted after the enricher determined
// direction, amounts, user, and fiat price.
type Classified struct {
	TxHash        string
	PoolID        string
	LT            uint64
	Timestamp     int64
	UserAddress   string
	EventID       string
	HasEventID    bool
	OperationType string // "buy" or "sell"
	TonAmount     float64
	LamboAmount   float64
	TonUSDPrice   float64
}

// InsertCandidate persists a new candidate transaction. A pre-existing
// row with the same tx_hash is left untouched (idempotent against
// upstream duplicates and re-runs of backfill/live tail).
func (s *Store) InsertCandidate(c Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO transactions (tx_hash, pool_id, lt, timestamp, is_processed, created_at)
		VALUES (?, ?, ?, ?, 0, ?)
		ON CONFLICT(tx_hash) DO NOTHING
	`, c.TxHash, c.PoolID, EncodeLT(c.LT), c.Timestamp, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("insert candidate: %w", err)
	}
	return nil
}

// HasTx reports whether a transaction (candidate or classified) with the
// given hash already exists.
func (s *Store) HasTx(txHash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var exists int
	err := s.db.QueryRow(`SELECT 1 FROM transactions WHERE tx_hash = ?`, txHash).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("has tx: %w", err)
	}
	return true, nil
}

// PendingCandidates returns up to limit unprocessed candidates ordered by
// timestamp ascending, the order the classifier must consume them in
// (spec.md §4.4, §5).
func (s *Store) PendingCandidates(limit int) ([]Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT tx_hash, pool_id, lt, timestamp
		FROM transactions
		WHERE is_processed = 0
		ORDER BY timestamp ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("pending candidates: %w", err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		var ltStr string
		if err := rows.Scan(&c.TxHash, &c.PoolID, &ltStr, &c.Timestamp); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		lt, err := DecodeLT(ltStr)
		if err != nil {
			return nil, err
		}
		c.LT = lt
		out = append(out, c)
	}
	return out, rows.Err()
}

// DiscardCandidate deletes a candidate row outright (spec.md §4.4 outcome
// 2: event absent, non-swap, wrong asset, missing fields, or duplicate).
func (s *Store) DiscardCandidate(txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM transactions WHERE tx_hash = ? AND is_processed = 0`, txHash)
	if err != nil {
		return fmt.Errorf("discard candidate: %w", err)
	}
	return nil
}

// ExistsClassifiedByEventID reports whether a classified row already
// carries this event_id (spec.md §4.4 idempotency check).
func (s *Store) ExistsClassifiedByEventID(eventID string) (bool, error) {
	if eventID == "" {
		return false, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var exists int
	err := s.db.QueryRow(`
		SELECT 1 FROM transactions WHERE event_id = ? AND is_processed = 1
	`, eventID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("exists by event id: %w", err)
	}
	return true, nil
}

// ExistsClassifiedByTuple reports whether a classified row already carries
// the (user_address, ton_amount, lambo_amount, timestamp) tuple (spec.md
// §3 content-idempotency invariant).
func (s *Store) ExistsClassifiedByTuple(userAddress string, tonAmount, lamboAmount float64, timestamp int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var exists int
	err := s.db.QueryRow(`
		SELECT 1 FROM transactions
		WHERE user_address = ? AND ton_amount = ? AND lambo_amount = ? AND timestamp = ? AND is_processed = 1
	`, userAddress, tonAmount, lamboAmount, timestamp).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("exists by tuple: %w", err)
	}
	return true, nil
}

// PromoteCandidate fills in the classification fields and flips
// is_processed to true, atomically, within a single transaction-store
// round-trip, per spec.md §4.4 ("within the same atomic unit as the row
// promotion"). Both duplicate conditions are enforced by the unique
// indexes on event_id and on (user_address, ton_amount, lambo_amount,
// timestamp): a duplicate makes the UPDATE fail, so the caller's
// transaction rolls back together with the paired aggregator update.
// Callers should wrap this and the aggregator update in one *sql.Tx via
// WithTx.
func (s *Store) PromoteCandidate(tx *sql.Tx, c Classified) error {
	var eventID sql.NullString
	if c.HasEventID {
		eventID = sql.NullString{String: c.EventID, Valid: true}
	}

	_, err := tx.Exec(`
		UPDATE transactions
		SET is_processed = 1,
		    user_address = ?,
		    event_id = ?,
		    operation_type = ?,
		    ton_amount = ?,
		    lambo_amount = ?,
		    ton_usd_price = ?
		WHERE tx_hash = ? AND is_processed = 0
	`, c.UserAddress, eventID, c.OperationType, c.TonAmount, c.LamboAmount, c.TonUSDPrice, c.TxHash)
	if err != nil {
		return fmt.Errorf("promote candidate: %w", err)
	}
	return nil
}

// WithTx runs fn inside a database transaction, committing on success and
// rolling back on error or panic.
func (s *Store) WithTx(fn func(tx *sql.Tx) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
		if err != nil {
			tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	err = fn(tx)
	return err
}

// ClassifiedByAddress returns every classified transaction for an
// address whose timestamp is at or after sinceUnix (0 returns the full
// history), used by the late-join reconciler to recompute totals
// (spec.md §4.6).
func (s *Store) ClassifiedByAddress(address string, sinceUnix int64) ([]Classified, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT tx_hash, pool_id, lt, timestamp, user_address, event_id, operation_type,
		       ton_amount, lambo_amount, ton_usd_price
		FROM transactions
		WHERE user_address = ? AND is_processed = 1 AND timestamp >= ?
	`, address, sinceUnix)
	if err != nil {
		return nil, fmt.Errorf("classified by address: %w", err)
	}
	defer rows.Close()

	var out []Classified
	for rows.Next() {
		var c Classified
		var ltStr string
		var eventID sql.NullString
		if err := rows.Scan(&c.TxHash, &c.PoolID, &ltStr, &c.Timestamp, &c.UserAddress, &eventID,
			&c.OperationType, &c.TonAmount, &c.LamboAmount, &c.TonUSDPrice); err != nil {
			return nil, fmt.Errorf("scan classified: %w", err)
		}
		lt, err := DecodeLT(ltStr)
		if err != nil {
			return nil, err
		}
		c.LT = lt
		if eventID.Valid {
			c.EventID = eventID.String
			c.HasEventID = true
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
