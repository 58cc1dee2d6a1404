// Package postgres implements the voice clone registry and the narration
// ledger on PostgreSQL.
//
// Capacity-bounded clone inserts serialise on a transaction-scoped advisory
// lock; quota commits serialise on a row lock of the singleton tts_quota row.
// Both guarantees hold across any number of service processes sharing the
// database.
//
// Usage:
//
//	store, err := postgres.Open(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//	if err := store.Migrate(ctx); err != nil { … }
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/fablevoice/internal/narration"
	"github.com/MrWong99/fablevoice/internal/voiceclone"
)

// DB is the database interface used by [Store]. *pgxpool.Pool and *pgx.Conn
// both satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Compile-time interface checks.
var (
	_ voiceclone.Registry = (*Store)(nil)
	_ narration.Ledger    = (*Store)(nil)
)

// Store implements [voiceclone.Registry] and [narration.Ledger]. All methods
// are safe for concurrent use.
type Store struct {
	db    DB
	close func()
}

// New returns a Store using db. The caller owns db.
func New(db DB) *Store {
	return &Store{db: db}
}

// Open connects a pool to the database at dsn and verifies connectivity. Call
// [Store.Migrate] before use on a fresh database.
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	return &Store{db: pool, close: pool.Close}, nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("postgres store: ping: %w", err)
	}
	return nil
}

// Close releases the pool opened by [Open]. It is a no-op for stores created
// with [New].
func (s *Store) Close() {
	if s.close != nil {
		s.close()
	}
}

// isDuplicateKeyError checks whether a PostgreSQL error is a unique-violation
// (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
