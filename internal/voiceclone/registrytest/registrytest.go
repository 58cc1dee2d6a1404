// Package registrytest provides a conformance suite for voiceclone.Registry
// implementations.
package registrytest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/fablevoice/internal/voiceclone"
)

var base = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func clone(id, user string, lastUsed time.Time) voiceclone.Clone {
	return voiceclone.Clone{
		ID:         id,
		UserID:     user,
		VoiceID:    "voice-" + user,
		VoiceName:  user + " voice",
		SampleURLs: []string{"https://objects.example.com/" + user + ".wav"},
		LastUsed:   lastUsed,
		CreatedAt:  lastUsed,
	}
}

// Run exercises reg, which must start empty. newRegistry is called once per
// subtest.
func Run(t *testing.T, newRegistry func(t *testing.T) voiceclone.Registry) {
	t.Helper()

	t.Run("GetMissing", func(t *testing.T) {
		reg := newRegistry(t)
		got, err := reg.Get(context.Background(), "nobody")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got != nil {
			t.Fatalf("Get = %+v, want nil", got)
		}
	})

	t.Run("CreateAndGet", func(t *testing.T) {
		reg := newRegistry(t)
		ctx := context.Background()
		want := clone("00000000-0000-0000-0000-000000000001", "alice", base)
		if err := reg.Create(ctx, want, 3); err != nil {
			t.Fatalf("Create: %v", err)
		}
		got, err := reg.Get(ctx, "alice")
		if err != nil || got == nil {
			t.Fatalf("Get = %v, %v", got, err)
		}
		if got.ID != want.ID || got.VoiceID != want.VoiceID || got.VoiceName != want.VoiceName {
			t.Errorf("Get = %+v, want %+v", got, want)
		}
		if !got.LastUsed.Equal(want.LastUsed) {
			t.Errorf("LastUsed = %v, want %v", got.LastUsed, want.LastUsed)
		}
		if len(got.SampleURLs) != 1 || got.SampleURLs[0] != want.SampleURLs[0] {
			t.Errorf("SampleURLs = %v, want %v", got.SampleURLs, want.SampleURLs)
		}
		if n, _ := reg.Count(ctx); n != 1 {
			t.Errorf("Count = %d, want 1", n)
		}
	})

	t.Run("CreateRefusals", func(t *testing.T) {
		reg := newRegistry(t)
		ctx := context.Background()
		if err := reg.Create(ctx, clone("00000000-0000-0000-0000-000000000001", "alice", base), 1); err != nil {
			t.Fatalf("Create: %v", err)
		}
		err := reg.Create(ctx, clone("00000000-0000-0000-0000-000000000002", "alice", base), 5)
		if !errors.Is(err, voiceclone.ErrCloneExists) {
			t.Errorf("duplicate user err = %v, want ErrCloneExists", err)
		}
		err = reg.Create(ctx, clone("00000000-0000-0000-0000-000000000003", "bob", base), 1)
		if !errors.Is(err, voiceclone.ErrCapacityReached) {
			t.Errorf("full pool err = %v, want ErrCapacityReached", err)
		}
		if n, _ := reg.Count(ctx); n != 1 {
			t.Errorf("Count = %d, want 1", n)
		}
	})

	t.Run("TouchNeverMovesBackwards", func(t *testing.T) {
		reg := newRegistry(t)
		ctx := context.Background()
		_ = reg.Create(ctx, clone("00000000-0000-0000-0000-000000000001", "alice", base), 3)

		voiceID := "voice-alice"
		if ok, err := reg.Touch(ctx, "alice", voiceID, base.Add(time.Hour)); err != nil || !ok {
			t.Fatalf("Touch = %v, %v; want true, nil", ok, err)
		}
		// An earlier time leaves the value alone but the record still counts
		// as present.
		if ok, err := reg.Touch(ctx, "alice", voiceID, base.Add(time.Minute)); err != nil || !ok {
			t.Fatalf("Touch earlier = %v, %v; want true, nil", ok, err)
		}
		got, _ := reg.Get(ctx, "alice")
		if !got.LastUsed.Equal(base.Add(time.Hour)) {
			t.Errorf("LastUsed = %v, want %v", got.LastUsed, base.Add(time.Hour))
		}
	})

	t.Run("TouchReportsMissingRecord", func(t *testing.T) {
		reg := newRegistry(t)
		ctx := context.Background()
		c := clone("00000000-0000-0000-0000-000000000001", "alice", base)
		_ = reg.Create(ctx, c, 3)

		if ok, err := reg.Touch(ctx, "nobody", c.VoiceID, base); err != nil || ok {
			t.Errorf("Touch missing user = %v, %v; want false, nil", ok, err)
		}
		if ok, err := reg.Touch(ctx, "alice", "some-other-voice", base); err != nil || ok {
			t.Errorf("Touch replaced voice = %v, %v; want false, nil", ok, err)
		}
		if _, err := reg.Delete(ctx, "alice", c.VoiceID); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if ok, err := reg.Touch(ctx, "alice", c.VoiceID, base.Add(time.Hour)); err != nil || ok {
			t.Errorf("Touch after eviction = %v, %v; want false, nil", ok, err)
		}
	})

	t.Run("OldestOrdering", func(t *testing.T) {
		reg := newRegistry(t)
		ctx := context.Background()
		if got, err := reg.Oldest(ctx); err != nil || got != nil {
			t.Fatalf("Oldest on empty = %v, %v; want nil, nil", got, err)
		}
		_ = reg.Create(ctx, clone("00000000-0000-0000-0000-00000000000c", "carol", base.Add(2*time.Second)), 5)
		_ = reg.Create(ctx, clone("00000000-0000-0000-0000-00000000000b", "bob", base.Add(time.Second)), 5)
		_ = reg.Create(ctx, clone("00000000-0000-0000-0000-00000000000a", "alice", base.Add(time.Second)), 5)

		got, err := reg.Oldest(ctx)
		if err != nil {
			t.Fatalf("Oldest: %v", err)
		}
		if got.UserID != "alice" {
			t.Errorf("Oldest = %s, want alice (tie broken by id)", got.UserID)
		}

		_, _ = reg.Touch(ctx, "alice", "voice-alice", base.Add(time.Minute))
		_, _ = reg.Touch(ctx, "bob", "voice-bob", base.Add(time.Minute))
		got, _ = reg.Oldest(ctx)
		if got.UserID != "carol" {
			t.Errorf("Oldest after touch = %s, want carol", got.UserID)
		}
	})

	t.Run("DeleteIsConditional", func(t *testing.T) {
		reg := newRegistry(t)
		ctx := context.Background()
		_ = reg.Create(ctx, clone("00000000-0000-0000-0000-000000000001", "alice", base), 3)

		removed, err := reg.Delete(ctx, "alice", "some-other-voice")
		if err != nil || removed {
			t.Fatalf("Delete with stale voice = %v, %v; want false, nil", removed, err)
		}
		removed, err = reg.Delete(ctx, "alice", "voice-alice")
		if err != nil || !removed {
			t.Fatalf("Delete = %v, %v; want true, nil", removed, err)
		}
		removed, err = reg.Delete(ctx, "alice", "voice-alice")
		if err != nil || removed {
			t.Fatalf("second Delete = %v, %v; want false, nil", removed, err)
		}
	})

	t.Run("ConcurrentCreateRespectsCapacity", func(t *testing.T) {
		reg := newRegistry(t)
		ctx := context.Background()
		const capacity = 4

		var ok atomic.Int32
		var wg sync.WaitGroup
		for i := range 16 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				c := clone(fmt.Sprintf("00000000-0000-0000-0000-%012d", i), fmt.Sprintf("user-%d", i), base)
				err := reg.Create(ctx, c, capacity)
				switch {
				case err == nil:
					ok.Add(1)
				case errors.Is(err, voiceclone.ErrCapacityReached):
				default:
					t.Errorf("Create: %v", err)
				}
			}()
		}
		wg.Wait()

		if got := ok.Load(); got != capacity {
			t.Errorf("successful creates = %d, want %d", got, capacity)
		}
		if n, _ := reg.Count(ctx); n != capacity {
			t.Errorf("Count = %d, want %d", n, capacity)
		}
	})
}
