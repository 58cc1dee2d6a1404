package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/fablevoice/internal/voiceclone"
)

const cloneColumns = `id, user_id, voice_id, voice_name, sample_urls, last_used, created_at`

// Get implements [voiceclone.Registry].
func (s *Store) Get(ctx context.Context, userID string) (*voiceclone.Clone, error) {
	c, err := scanClone(s.db.QueryRowContext(ctx,
		`SELECT `+cloneColumns+` FROM voice_clones WHERE user_id = ?`, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("sqlite store: get clone %q: %w", userID, err)
	}
	return c, nil
}

// Touch implements [voiceclone.Registry]. Last-used times are stored as Unix
// nanoseconds so that ordering is numeric.
func (s *Store) Touch(ctx context.Context, userID, voiceID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE voice_clones SET last_used = MAX(last_used, ?) WHERE user_id = ? AND voice_id = ?`,
		at.UnixNano(), userID, voiceID)
	if err != nil {
		return false, fmt.Errorf("sqlite store: touch clone %q: %w", userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite store: touch clone %q: %w", userID, err)
	}
	return n > 0, nil
}

// Count implements [voiceclone.Registry].
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM voice_clones`).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite store: count clones: %w", err)
	}
	return n, nil
}

// Oldest implements [voiceclone.Registry].
func (s *Store) Oldest(ctx context.Context) (*voiceclone.Clone, error) {
	c, err := scanClone(s.db.QueryRowContext(ctx,
		`SELECT `+cloneColumns+` FROM voice_clones ORDER BY last_used, id LIMIT 1`))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("sqlite store: oldest clone: %w", err)
	}
	return c, nil
}

// Create implements [voiceclone.Registry].
func (s *Store) Create(ctx context.Context, c voiceclone.Clone, capacity int) error {
	sampleURLs := c.SampleURLs
	if sampleURLs == nil {
		sampleURLs = []string{}
	}
	samplesJSON, err := json.Marshal(sampleURLs)
	if err != nil {
		return fmt.Errorf("sqlite store: marshal sample urls: %w", err)
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM voice_clones WHERE user_id = ?)`, c.UserID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check owner: %w", err)
		}
		if exists {
			return voiceclone.ErrCloneExists
		}

		var n int
		if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM voice_clones`).Scan(&n); err != nil {
			return fmt.Errorf("count: %w", err)
		}
		if n >= capacity {
			return voiceclone.ErrCapacityReached
		}

		_, err := tx.ExecContext(ctx,
			`INSERT INTO voice_clones (id, user_id, voice_id, voice_name, sample_urls, last_used, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.UserID, c.VoiceID, c.VoiceName, string(samplesJSON),
			c.LastUsed.UnixNano(), c.CreatedAt.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			if isUniqueViolation(err) {
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
		return fmt.Errorf("sqlite store: create clone for %q: %w", c.UserID, err)
	}
}

// Delete implements [voiceclone.Registry].
func (s *Store) Delete(ctx context.Context, userID, voiceID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM voice_clones WHERE user_id = ? AND voice_id = ?`, userID, voiceID)
	if err != nil {
		return false, fmt.Errorf("sqlite store: delete clone %q: %w", userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite store: delete clone %q: rows affected: %w", userID, err)
	}
	return n > 0, nil
}

func scanClone(row *sql.Row) (*voiceclone.Clone, error) {
	var (
		c           voiceclone.Clone
		samplesJSON string
		lastUsed    int64
		createdAt   string
	)
	if err := row.Scan(&c.ID, &c.UserID, &c.VoiceID, &c.VoiceName, &samplesJSON, &lastUsed, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(samplesJSON), &c.SampleURLs); err != nil {
		return nil, fmt.Errorf("decode sample urls: %w", err)
	}
	c.LastUsed = time.Unix(0, lastUsed).UTC()
	created, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	c.CreatedAt = created
	return &c, nil
}
