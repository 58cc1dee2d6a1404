// Package sqlite implements the voice clone registry and the narration ledger
// on an embedded SQLite database, for single-node deployments.
//
// The pool holds a single connection and transactions begin IMMEDIATE, so
// capacity checks and quota debits are serialised within the process and
// against other processes opening the same file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/MrWong99/fablevoice/internal/narration"
	"github.com/MrWong99/fablevoice/internal/voiceclone"
)

// Compile-time interface checks.
var (
	_ voiceclone.Registry = (*Store)(nil)
	_ narration.Ledger    = (*Store)(nil)
)

const schema = `
CREATE TABLE IF NOT EXISTS voice_clones (
    id          TEXT     PRIMARY KEY,
    user_id     TEXT     NOT NULL UNIQUE,
    voice_id    TEXT     NOT NULL,
    voice_name  TEXT     NOT NULL,
    sample_urls TEXT     NOT NULL DEFAULT '[]',
    last_used   INTEGER  NOT NULL,
    created_at  TEXT     NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_voice_clones_lru ON voice_clones (last_used, id);

CREATE TABLE IF NOT EXISTS tts_audio (
    id               TEXT  PRIMARY KEY,
    user_id          TEXT  NOT NULL,
    voice_id         TEXT  NOT NULL,
    text_hash        TEXT  NOT NULL,
    storage_path     TEXT  NOT NULL,
    url              TEXT  NOT NULL,
    duration_seconds REAL  NOT NULL,
    created_at       TEXT  NOT NULL,
    UNIQUE (user_id, voice_id, text_hash)
);

CREATE TABLE IF NOT EXISTS tts_quota (
    id                 TEXT  PRIMARY KEY,
    total_minutes_used REAL  NOT NULL DEFAULT 0 CHECK (total_minutes_used >= 0),
    last_reset         TEXT
);
`

const quotaRowID = "global"

// Store implements [voiceclone.Registry] and [narration.Ledger] on SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite store: create directory: %w", err)
		}
	}

	dsn := "file:" + path + "?" + url.Values{"_txlock": {"immediate"}}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite store: apply pragma %q: %w", pragma, execErr)
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store: migrate: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite store: ping: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// withTx runs fn in a transaction, committing when fn returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) {
		return sqlErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			sqlErr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}
