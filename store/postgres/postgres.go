/*
Package postgres provides a PostgreSQL-backed implementation of engine.TxStore.

PURPOSE:
  Server deployment of the commission engine. Queries are shared with
  SQLite through store/sqlstore; this package supplies the pgx driver,
  the dialect (numbered placeholders, FOR UPDATE, SQLSTATE 23505) and the
  embedded migrations.

CONCURRENCY:
  Unlike SQLite, writers to different branches run in parallel. Locked
  reads (LockBranch, LockRevenueDates, LockAllRevenue) are SELECT ... FOR
  UPDATE, so two admins assigning into the same branch serialize on the
  branch row and the share cap holds at READ COMMITTED.

SEE ALSO:
  - migrate.go: Embedded golang-migrate migrations
  - store/sqlstore: Shared queries
*/
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/warp/commission-engine/engine"
	"github.com/warp/commission-engine/store/sqlstore"
)

const uniqueViolation = "23505"

// Dialect is the PostgreSQL flavour of the shared queries.
var Dialect = sqlstore.Dialect{
	Name:                 "postgres",
	NumberedPlaceholders: true,
	ForUpdate:            " FOR UPDATE",
	IsUniqueViolation:    isUniqueViolation,
}

// Store implements engine.TxStore using PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ engine.TxStore = (*Store)(nil)

// New connects to databaseURL, pings it and applies pending migrations.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle (health checks).
func (s *Store) DB() *sql.DB {
	return s.db
}

// WithTx executes fn within a READ COMMITTED transaction.
func (s *Store) WithTx(ctx context.Context, fn func(engine.Session) error) error {
	return sqlstore.RunTx(ctx, s.db, Dialect, &sql.TxOptions{Isolation: sql.LevelReadCommitted}, fn)
}

// Reset deletes all data (used when loading demo scenarios).
func (s *Store) Reset(ctx context.Context) error {
	return sqlstore.Reset(ctx, s.db, Dialect, nil)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	return false
}
