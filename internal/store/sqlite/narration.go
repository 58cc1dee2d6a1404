package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/fablevoice/internal/narration"
)

const audioColumns = `id, user_id, voice_id, text_hash, storage_path, url, duration_seconds, created_at`

// rowQuerier is satisfied by *sql.DB and *sql.Tx.
type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// LookupAudio implements [narration.Ledger].
func (s *Store) LookupAudio(ctx context.Context, key narration.CacheKey) (*narration.Audio, error) {
	a, err := lookupAudio(ctx, s.db, key)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: lookup audio %s: %w", key, err)
	}
	return a, nil
}

func lookupAudio(ctx context.Context, q rowQuerier, key narration.CacheKey) (*narration.Audio, error) {
	var (
		a         narration.Audio
		createdAt string
	)
	err := q.QueryRowContext(ctx,
		`SELECT `+audioColumns+` FROM tts_audio WHERE user_id = ? AND voice_id = ? AND text_hash = ?`,
		key.UserID, key.VoiceID, key.TextHash,
	).Scan(&a.ID, &a.Key.UserID, &a.Key.VoiceID, &a.Key.TextHash, &a.StoragePath, &a.URL, &a.DurationSeconds, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if a.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &a, nil
}

// Quota implements [narration.Ledger].
func (s *Store) Quota(ctx context.Context) (narration.Quota, error) {
	var (
		q         narration.Quota
		lastReset sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT total_minutes_used, last_reset FROM tts_quota WHERE id = ?`, quotaRowID,
	).Scan(&q.TotalMinutesUsed, &lastReset)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return narration.Quota{}, nil
		}
		return narration.Quota{}, fmt.Errorf("sqlite store: read quota: %w", err)
	}
	if lastReset.Valid {
		if q.LastReset, err = time.Parse(time.RFC3339Nano, lastReset.String); err != nil {
			return narration.Quota{}, fmt.Errorf("sqlite store: parse last_reset: %w", err)
		}
	}
	return q, nil
}

// Commit implements [narration.Ledger].
func (s *Store) Commit(ctx context.Context, a narration.Audio, minutes, ceiling float64) (narration.Audio, bool, error) {
	var (
		stored  narration.Audio
		debited bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := lookupAudio(ctx, tx, a.Key)
		if err != nil {
			return fmt.Errorf("lookup existing: %w", err)
		}
		if existing != nil {
			stored = *existing
			return nil
		}

		var used float64
		err = tx.QueryRowContext(ctx,
			`SELECT total_minutes_used FROM tts_quota WHERE id = ?`, quotaRowID,
		).Scan(&used)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read quota: %w", err)
		}
		if used+minutes > ceiling {
			return narration.ErrQuotaExceeded
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tts_audio (id, user_id, voice_id, text_hash, storage_path, url, duration_seconds, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.Key.UserID, a.Key.VoiceID, a.Key.TextHash, a.StoragePath, a.URL, a.DurationSeconds,
			a.CreatedAt.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("insert audio: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tts_quota (id, total_minutes_used) VALUES (?, ?)
			 ON CONFLICT (id) DO UPDATE SET total_minutes_used = total_minutes_used + excluded.total_minutes_used`,
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
		return narration.Audio{}, false, fmt.Errorf("sqlite store: commit audio %s: %w", a.Key, err)
	}
}

// ResetQuota implements [narration.Ledger].
func (s *Store) ResetQuota(ctx context.Context, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tts_quota (id, total_minutes_used, last_reset) VALUES (?, 0, ?)
		 ON CONFLICT (id) DO UPDATE SET total_minutes_used = 0, last_reset = excluded.last_reset`,
		quotaRowID, at.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("sqlite store: reset quota: %w", err)
	}
	return nil
}
