package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/fablevoice/internal/narration"
)

const audioColumns = `id::text, user_id, voice_id, text_hash, storage_path, url, duration_seconds, created_at`

// querier is the subset of [DB] shared with pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// LookupAudio implements [narration.Ledger].
func (s *Store) LookupAudio(ctx context.Context, key narration.CacheKey) (*narration.Audio, error) {
	a, err := lookupAudio(ctx, s.db, key)
	if err != nil {
		return nil, fmt.Errorf("postgres store: lookup audio %s: %w", key, err)
	}
	return a, nil
}

func lookupAudio(ctx context.Context, q querier, key narration.CacheKey) (*narration.Audio, error) {
	var a narration.Audio
	err := q.QueryRow(ctx,
		`SELECT `+audioColumns+` FROM tts_audio
		 WHERE user_id = $1 AND voice_id = $2 AND text_hash = $3`,
		key.UserID, key.VoiceID, key.TextHash,
	).Scan(&a.ID, &a.Key.UserID, &a.Key.VoiceID, &a.Key.TextHash, &a.StoragePath, &a.URL, &a.DurationSeconds, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	a.CreatedAt = a.CreatedAt.UTC()
	return &a, nil
}

// Quota implements [narration.Ledger].
func (s *Store) Quota(ctx context.Context) (narration.Quota, error) {
	var (
		q         narration.Quota
		lastReset *time.Time
	)
	err := s.db.QueryRow(ctx,
		`SELECT total_minutes_used, last_reset FROM tts_quota WHERE id = $1`, quotaRowID,
	).Scan(&q.TotalMinutesUsed, &lastReset)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return narration.Quota{}, nil
		}
		return narration.Quota{}, fmt.Errorf("postgres store: read quota: %w", err)
	}
	if lastReset != nil {
		q.LastReset = lastReset.UTC()
	}
	return q, nil
}

// Commit implements [narration.Ledger]. The quota row is locked for the
// duration of the transaction, so concurrent commits from any process are
// checked against the ceiling one at a time.
func (s *Store) Commit(ctx context.Context, a narration.Audio, minutes, ceiling float64) (narration.Audio, bool, error) {
	var (
		stored  narration.Audio
		debited bool
	)
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO tts_quota (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, quotaRowID,
		); err != nil {
			return fmt.Errorf("ensure quota row: %w", err)
		}
		var used float64
		if err := tx.QueryRow(ctx,
			`SELECT total_minutes_used FROM tts_quota WHERE id = $1 FOR UPDATE`, quotaRowID,
		).Scan(&used); err != nil {
			return fmt.Errorf("lock quota row: %w", err)
		}

		existing, err := lookupAudio(ctx, tx, a.Key)
		if err != nil {
			return fmt.Errorf("lookup existing: %w", err)
		}
		if existing != nil {
			stored = *existing
			return nil
		}

		if used+minutes > ceiling {
			return narration.ErrQuotaExceeded
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO tts_audio (id, user_id, voice_id, text_hash, storage_path, url, duration_seconds, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			a.ID, a.Key.UserID, a.Key.VoiceID, a.Key.TextHash, a.StoragePath, a.URL, a.DurationSeconds, a.CreatedAt.UTC(),
		); err != nil {
			return fmt.Errorf("insert audio: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE tts_quota SET total_minutes_used = total_minutes_used + $2 WHERE id = $1`,
			quotaRowID, minutes,
		); err != nil {
			return fmt.Errorf("debit quota: %w", err)
		}
		stored, debited = a, true
		return nil
	})
	switch {
	case err == nil:
		return stored, debited, nil
	case errors.Is(err, narration.ErrQuotaExceeded):
		return narration.Audio{}, false, err
	default:
		return narration.Audio{}, false, fmt.Errorf("postgres store: commit audio %s: %w", a.Key, err)
	}
}

// ResetQuota implements [narration.Ledger].
func (s *Store) ResetQuota(ctx context.Context, at time.Time) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO tts_quota (id, total_minutes_used, last_reset) VALUES ($1, 0, $2)
		 ON CONFLICT (id) DO UPDATE SET total_minutes_used = 0, last_reset = EXCLUDED.last_reset`,
		quotaRowID, at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("postgres store: reset quota: %w", err)
	}
	return nil
}
