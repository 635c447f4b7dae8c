// Package store provides persistent storage for the swap indexer using SQLite.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store provides persistent storage for pools, candidate/classified
// transactions, and addresses.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New creates a new Store instance, creating the data directory and
// schema if they do not already exist.
func New(cfg *Config) (*Store, error) {
	dataDir := expandPath(cfg.DataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "indexer.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db, dbPath: dbPath}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) initSchema() error {
	schema := `
	-- Pools being indexed. last_processed_lt is the largest lt already
	-- persisted as a candidate for this pool, stored as a zero-padded
	-- decimal string so lexicographic order matches numeric order
	-- (see lt.go: EncodeLT/DecodeLT).
	CREATE TABLE IF NOT EXISTS pools (
		address             TEXT PRIMARY KEY,
		tracked_asset       TEXT NOT NULL,
		active              INTEGER NOT NULL DEFAULT 1,
		last_processed_lt   TEXT NOT NULL DEFAULT '00000000000000000000',
		last_sync_timestamp INTEGER NOT NULL DEFAULT 0,
		created_at          INTEGER NOT NULL
	);

	-- Candidate and classified transactions share one row: the classifier
	-- promotes a row in place by flipping is_processed 0 -> 1 and filling
	-- in the classification columns, or deletes it on discard.
	CREATE TABLE IF NOT EXISTS transactions (
		tx_hash        TEXT PRIMARY KEY,
		pool_id        TEXT NOT NULL REFERENCES pools(address),
		lt             TEXT NOT NULL,
		timestamp      INTEGER NOT NULL,
		is_processed   INTEGER NOT NULL DEFAULT 0,
		user_address   TEXT,
		event_id       TEXT,
		operation_type TEXT,
		ton_amount     REAL,
		lambo_amount   REAL,
		ton_usd_price  REAL,
		created_at     INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tx_pool_processed ON transactions(pool_id, is_processed, lt);
	CREATE INDEX IF NOT EXISTS idx_tx_pending_timestamp ON transactions(timestamp) WHERE is_processed = 0;
	CREATE INDEX IF NOT EXISTS idx_tx_user_processed ON transactions(user_address, is_processed);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_tx_event_id ON transactions(event_id) WHERE event_id IS NOT NULL;
	CREATE UNIQUE INDEX IF NOT EXISTS idx_tx_dedup ON transactions(user_address, ton_amount, lambo_amount, timestamp)
		WHERE is_processed = 1;

	-- Per-address running totals and sync status.
	CREATE TABLE IF NOT EXISTS addresses (
		address                TEXT PRIMARY KEY,
		buy_ton                REAL NOT NULL DEFAULT 0,
		sell_ton               REAL NOT NULL DEFAULT 0,
		total_ton              REAL NOT NULL DEFAULT 0,
		buy_lambo              REAL NOT NULL DEFAULT 0,
		sell_lambo             REAL NOT NULL DEFAULT 0,
		total_lambo            REAL NOT NULL DEFAULT 0,
		buy_usd                REAL NOT NULL DEFAULT 0,
		sell_usd               REAL NOT NULL DEFAULT 0,
		total_usd              REAL NOT NULL DEFAULT 0,
		sync_status            TEXT NOT NULL DEFAULT 'pending',
		initial_sync_completed INTEGER NOT NULL DEFAULT 0,
		created_at             INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_addresses_total_usd ON addresses(total_usd DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// expandPath expands a leading ~/ to the user's home directory.
func expandPath(path string) string {
	if len(path) >= 2 && path[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
