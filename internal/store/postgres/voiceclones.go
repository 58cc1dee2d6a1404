package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/fablevoice/internal/voiceclone"
)

// cloneSlotsLockKey is the advisory lock serialising capacity-bounded inserts
// into voice_clones.
const cloneSlotsLockKey int64 = 0x66760001

const cloneColumns = `id::text, user_id, voice_id, voice_name, sample_urls, last_used, created_at`

// Get implements [voiceclone.Registry].
func (s *Store) Get(ctx context.Context, userID string) (*voiceclone.Clone, error) {
	c, err := scanClone(s.db.QueryRow(ctx,
		`SELECT `+cloneColumns+` FROM voice_clones WHERE user_id = $1`, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres store: get clone %q: %w", userID, err)
	}
	return c, nil
}

// Touch implements [voiceclone.Registry].
func (s *Store) Touch(ctx context.Context, userID, voiceID string, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE voice_clones SET last_used = GREATEST(last_used, $3) WHERE user_id = $1 AND voice_id = $2`,
		userID, voiceID, at.UTC())
	if err != nil {
		return false, fmt.Errorf("postgres store: touch clone %q: %w", userID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Count implements [voiceclone.Registry].
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM voice_clones`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres store: count clones: %w", err)
	}
	return n, nil
}

// Oldest implements [voiceclone.Registry].
func (s *Store) Oldest(ctx context.Context) (*voiceclone.Clone, error) {
	c, err := scanClone(s.db.QueryRow(ctx,
		`SELECT `+cloneColumns+` FROM voice_clones ORDER BY last_used, id LIMIT 1`))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres store: oldest clone: %w", err)
	}
	return c, nil
}

// Create implements [voiceclone.Registry]. The count and insert run under a
// transaction-scoped advisory lock so concurrent creators never exceed
// capacity.
func (s *Store) Create(ctx context.Context, c voiceclone.Clone, capacity int) error {
	sampleURLs := c.SampleURLs
	if sampleURLs == nil {
		sampleURLs = []string{}
	}
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, cloneSlotsLockKey); err != nil {
			return fmt.Errorf("acquire slot lock: %w", err)
		}

		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM voice_clones WHERE user_id = $1)`, c.UserID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check owner: %w", err)
		}
		if exists {
			return voiceclone.ErrCloneExists
		}

		var n int
		if err := tx.QueryRow(ctx, `SELECT count(*) FROM voice_clones`).Scan(&n); err != nil {
			return fmt.Errorf("count: %w", err)
		}
		if n >= capacity {
			return voiceclone.ErrCapacityReached
		}

		_, err := tx.Exec(ctx,
			`INSERT INTO voice_clones (id, user_id, voice_id, voice_name, sample_urls, last_used, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			c.ID, c.UserID, c.VoiceID, c.VoiceName, sampleURLs, c.LastUsed.UTC(), c.CreatedAt.UTC(),
		)
		if err != nil {
			if isDuplicateKeyError(err) {
				return voiceclone.ErrCloneExists
			}
			return fmt.Errorf("insert: %w", err)
		}
		return nil
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, voiceclone.ErrCloneExists), errors.Is(err, voiceclone.ErrCapacityReached):
		return err
	default:
		return fmt.Errorf("postgres store: create clone for %q: %w", c.UserID, err)
	}
}

// Delete implements [voiceclone.Registry].
func (s *Store) Delete(ctx context.Context, userID, voiceID string) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM voice_clones WHERE user_id = $1 AND voice_id = $2`, userID, voiceID)
	if err != nil {
		return false, fmt.Errorf("postgres store: delete clone %q: %w", userID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func scanClone(row pgx.Row) (*voiceclone.Clone, error) {
	var c voiceclone.Clone
	if err := row.Scan(&c.ID, &c.UserID, &c.VoiceID, &c.VoiceName, &c.SampleURLs, &c.LastUsed, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.LastUsed = c.LastUsed.UTC()
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}
