// Package ledgertest provides a conformance suite for narration.Ledger
// implementations.
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/fablevoice/internal/narration"
)

var base = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func audio(id string, key narration.CacheKey) narration.Audio {
	return narration.Audio{
		ID:              id,
		Key:             key,
		StoragePath:     "tts/" + key.String() + ".mp3",
		URL:             "https://cdn.example.com/objects/tts/" + key.String() + ".mp3?sig=x",
		DurationSeconds: 300,
		CreatedAt:       base,
	}
}

// Run exercises ledgers produced by newLedger, each of which must start
// empty.
func Run(t *testing.T, newLedger func(t *testing.T) narration.Ledger) {
	t.Helper()

	t.Run("EmptyQuota", func(t *testing.T) {
		l := newLedger(t)
		q, err := l.Quota(context.Background())
		if err != nil {
			t.Fatalf("Quota: %v", err)
		}
		if q.TotalMinutesUsed != 0 {
			t.Errorf("TotalMinutesUsed = %v, want 0", q.TotalMinutesUsed)
		}
	})

	t.Run("LookupMiss", func(t *testing.T) {
		l := newLedger(t)
		got, err := l.LookupAudio(context.Background(), narration.NewCacheKey("u", "v", "text"))
		if err != nil || got != nil {
			t.Fatalf("LookupAudio = %v, %v; want nil, nil", got, err)
		}
	})

	t.Run("CommitThenLookup", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()
		key := narration.NewCacheKey("u", "v", "once upon a time")
		a := audio("00000000-0000-0000-0000-000000000001", key)

		stored, debited, err := l.Commit(ctx, a, 5, 100)
		if err != nil {
			t.Fatalf("Commit: %v", err)
		}
		if !debited || stored.URL != a.URL {
			t.Errorf("Commit = %+v, %v", stored, debited)
		}
		got, err := l.LookupAudio(ctx, key)
		if err != nil || got == nil {
			t.Fatalf("LookupAudio = %v, %v", got, err)
		}
		if got.URL != a.URL || got.StoragePath != a.StoragePath || got.Key != key {
			t.Errorf("LookupAudio = %+v, want %+v", got, a)
		}
		if got.DurationSeconds != 300 {
			t.Errorf("DurationSeconds = %v, want 300", got.DurationSeconds)
		}
		q, _ := l.Quota(ctx)
		if q.TotalMinutesUsed != 5 {
			t.Errorf("TotalMinutesUsed = %v, want 5", q.TotalMinutesUsed)
		}
	})

	t.Run("DuplicateCommitDoesNotDebit", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()
		key := narration.NewCacheKey("u", "v", "hello")
		first := audio("00000000-0000-0000-0000-000000000001", key)
		second := audio("00000000-0000-0000-0000-000000000002", key)
		second.URL = "https://other"

		_, _, _ = l.Commit(ctx, first, 5, 100)
		stored, debited, err := l.Commit(ctx, second, 5, 100)
		if err != nil {
			t.Fatalf("Commit: %v", err)
		}
		if debited {
			t.Error("duplicate commit debited")
		}
		if stored.URL != first.URL {
			t.Errorf("stored URL = %q, want first %q", stored.URL, first.URL)
		}
		q, _ := l.Quota(ctx)
		if q.TotalMinutesUsed != 5 {
			t.Errorf("TotalMinutesUsed = %v, want 5", q.TotalMinutesUsed)
		}
	})

	t.Run("CeilingEnforced", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()
		a := audio("00000000-0000-0000-0000-000000000001", narration.NewCacheKey("u", "v", "a"))
		if _, _, err := l.Commit(ctx, a, 100, 100); err != nil {
			t.Fatalf("Commit up to ceiling: %v", err)
		}
		b := audio("00000000-0000-0000-0000-000000000002", narration.NewCacheKey("u", "v", "b"))
		_, _, err := l.Commit(ctx, b, 0.01, 100)
		if !errors.Is(err, narration.ErrQuotaExceeded) {
			t.Fatalf("err = %v, want ErrQuotaExceeded", err)
		}
		if got, _ := l.LookupAudio(ctx, b.Key); got != nil {
			t.Error("refused commit left an audio record")
		}
		q, _ := l.Quota(ctx)
		if q.TotalMinutesUsed != 100 {
			t.Errorf("TotalMinutesUsed = %v, want 100", q.TotalMinutesUsed)
		}
	})

	t.Run("ResetIsIdempotent", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()
		_, _, _ = l.Commit(ctx, audio("00000000-0000-0000-0000-000000000001", narration.NewCacheKey("u", "v", "a")), 42, 100)

		for range 2 {
			if err := l.ResetQuota(ctx, base); err != nil {
				t.Fatalf("ResetQuota: %v", err)
			}
			q, err := l.Quota(ctx)
			if err != nil {
				t.Fatalf("Quota: %v", err)
			}
			if q.TotalMinutesUsed != 0 {
				t.Errorf("TotalMinutesUsed = %v, want 0", q.TotalMinutesUsed)
			}
			if !q.LastReset.Equal(base) {
				t.Errorf("LastReset = %v, want %v", q.LastReset, base)
			}
		}
	})

	t.Run("ConcurrentCommitsNeverOvershoot", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()

		var wg sync.WaitGroup
		for i := range 30 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				key := narration.NewCacheKey("u", "v", fmt.Sprintf("text %d", i))
				_, _, err := l.Commit(ctx, audio(fmt.Sprintf("00000000-0000-0000-0000-%012d", i), key), 10, 100)
				if err != nil && !errors.Is(err, narration.ErrQuotaExceeded) {
					t.Errorf("Commit: %v", err)
				}
			}()
		}
		wg.Wait()

		q, _ := l.Quota(ctx)
		if q.TotalMinutesUsed != 100 {
			t.Errorf("TotalMinutesUsed = %v, want 100", q.TotalMinutesUsed)
		}
	})
}
