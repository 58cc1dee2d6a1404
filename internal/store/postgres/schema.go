package postgres

import (
	"context"
	"fmt"
)

// Schema is the SQL DDL for all tables. [Store.Migrate] applies it; it is
// idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS voice_clones (
    id          UUID         PRIMARY KEY,
    user_id     TEXT         NOT NULL UNIQUE,
    voice_id    TEXT         NOT NULL,
    voice_name  TEXT         NOT NULL,
    sample_urls TEXT[]       NOT NULL DEFAULT '{}',
    last_used   TIMESTAMPTZ  NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_voice_clones_lru
    ON voice_clones (last_used, id);

CREATE TABLE IF NOT EXISTS tts_audio (
    id               UUID              PRIMARY KEY,
    user_id          TEXT              NOT NULL,
    voice_id         TEXT              NOT NULL,
    text_hash        TEXT              NOT NULL,
    storage_path     TEXT              NOT NULL,
    url              TEXT              NOT NULL,
    duration_seconds DOUBLE PRECISION  NOT NULL,
    created_at       TIMESTAMPTZ       NOT NULL DEFAULT now(),
    UNIQUE (user_id, voice_id, text_hash)
);

CREATE TABLE IF NOT EXISTS tts_quota (
    id                 TEXT              PRIMARY KEY,
    total_minutes_used DOUBLE PRECISION  NOT NULL DEFAULT 0 CHECK (total_minutes_used >= 0),
    last_reset         TIMESTAMPTZ
);
`

// quotaRowID identifies the singleton quota row.
const quotaRowID = "global"

// Migrate executes [Schema] against the database.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("postgres store: migrate: %w", err)
	}
	return nil
}
