/*
Package sqlite provides a SQLite-backed implementation of engine.TxStore.

PURPOSE:
  Embedded single-file storage for the commission engine. All queries live
  in store/sqlstore; this package owns the schema, the DSN and the
  connection discipline.

KEY TABLES:
  users, branches:   Actors and locations
  assignments:       Temporal (user, branch, start, end, share) records
  attendance:        Daily presence multipliers
  monthly_targets:   Per branch-month thresholds and percentages
  revenue:           Daily branch revenue (+ threshold snapshot)
  commissions:       Computed output, primary key (user_id, branch_id, date)

CONCURRENCY:
  SQLite has one writer at a time. Every transaction starts with
  BEGIN IMMEDIATE (_txlock=immediate), which takes the database write lock
  up front, so the share-cap check and the recalculation locks of
  engine.Session hold for the whole transaction. A sync.Mutex additionally
  serializes WithTx inside the process, and the pool is capped at one
  connection so ":memory:" databases are shared by every transaction.

STORAGE FORMAT:
  Dates are TEXT in YYYY-MM-DD form (ordered lexically). Money, shares and
  percentages are TEXT decimal strings; they are never compared in SQL.

USAGE:
  store, err := sqlite.New("./data/commissions.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  eng := engine.New(store, logger)

SEE ALSO:
  - engine/store.go: Interface definitions
  - store/sqlstore: Shared queries
  - engine/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/commission-engine/engine"
	"github.com/warp/commission-engine/store/sqlstore"
)

// Dialect is the SQLite flavour of the shared queries.
var Dialect = sqlstore.Dialect{
	Name:              "sqlite",
	IsUniqueViolation: isUniqueConstraintError,
}

// Store implements engine.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

var _ engine.TxStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func dsn(dbPath string) string {
	params := "_foreign_keys=on&_txlock=immediate&_busy_timeout=5000"
	if dbPath != ":memory:" {
		params += "&_journal_mode=WAL"
	}
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	return dbPath + sep + params
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle (health checks).
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		role TEXT NOT NULL CHECK (role IN ('sales', 'hr', 'admin'))
	);

	CREATE TABLE IF NOT EXISTS branches (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		target_min TEXT NOT NULL DEFAULT '0',
		target_max TEXT NOT NULL DEFAULT '0',
		default_min_percentage TEXT,
		default_max_percentage TEXT
	);

	-- Temporal assignments. A later start supersedes earlier rows of the
	-- same user; rows are never updated, only inserted or hard-deleted.
	CREATE TABLE IF NOT EXISTS assignments (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		branch_id TEXT NOT NULL REFERENCES branches(id),
		start_date TEXT NOT NULL,
		end_date TEXT,
		share TEXT NOT NULL,
		UNIQUE (user_id, branch_id, start_date)
	);

	CREATE INDEX IF NOT EXISTS idx_assignments_branch_start
		ON assignments(branch_id, start_date);
	CREATE INDEX IF NOT EXISTS idx_assignments_user_start
		ON assignments(user_id, start_date);

	CREATE TABLE IF NOT EXISTS attendance (
		user_id TEXT NOT NULL REFERENCES users(id),
		branch_id TEXT NOT NULL REFERENCES branches(id),
		date TEXT NOT NULL,
		multiplier TEXT NOT NULL CHECK (multiplier IN ('0', '0.5', '1')),
		PRIMARY KEY (user_id, branch_id, date)
	);

	CREATE INDEX IF NOT EXISTS idx_attendance_branch_date
		ON attendance(branch_id, date);

	CREATE TABLE IF NOT EXISTS monthly_targets (
		branch_id TEXT NOT NULL REFERENCES branches(id),
		year INTEGER NOT NULL,
		month INTEGER NOT NULL CHECK (month BETWEEN 1 AND 12),
		min_revenue TEXT NOT NULL,
		max_revenue TEXT NOT NULL,
		min_percentage TEXT,
		max_percentage TEXT,
		PRIMARY KEY (branch_id, year, month)
	);

	CREATE TABLE IF NOT EXISTS revenue (
		branch_id TEXT NOT NULL REFERENCES branches(id),
		date TEXT NOT NULL,
		cash TEXT NOT NULL,
		receivables TEXT NOT NULL,
		snapshot_min TEXT NOT NULL DEFAULT '0',
		snapshot_max TEXT NOT NULL DEFAULT '0',
		PRIMARY KEY (branch_id, date)
	);

	-- Derived data: recomputation overwrites rows in place.
	CREATE TABLE IF NOT EXISTS commissions (
		user_id TEXT NOT NULL REFERENCES users(id),
		branch_id TEXT NOT NULL REFERENCES branches(id),
		date TEXT NOT NULL,
		amount TEXT NOT NULL,
		percentage TEXT NOT NULL,
		nominal_share TEXT NOT NULL,
		applied_share TEXT NOT NULL,
		attendance TEXT NOT NULL,
		redistributed INTEGER NOT NULL DEFAULT 0,
		inputs TEXT NOT NULL,
		PRIMARY KEY (user_id, branch_id, date)
	);

	CREATE INDEX IF NOT EXISTS idx_commissions_branch_date
		ON commissions(branch_id, date);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTION SUPPORT
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(engine.Session) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return sqlstore.RunTx(ctx, s.db, Dialect, nil, fn)
}

// Reset deletes all data (used when loading demo scenarios).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return sqlstore.Reset(ctx, s.db, Dialect, nil)
}

// =============================================================================
// HELPERS
// =============================================================================

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
