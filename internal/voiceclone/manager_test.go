package voiceclone

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/fablevoice/pkg/provider/voice"
	"github.com/MrWong99/fablevoice/pkg/provider/voice/mock"
)

// tickClock returns a clock that advances one second per call.
func tickClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func request(user string) EnsureRequest {
	return EnsureRequest{
		UserID:    user,
		VoiceName: user + "'s voice",
		Samples:   []voice.SampleRef{{URL: "https://objects.example.com/samples/" + user + "/a.wav"}},
	}
}

func newTestManager(capacity int) (*Manager, *MemRegistry, *mock.Provider) {
	reg := NewMemRegistry()
	p := &mock.Provider{}
	m := NewManager(reg, p, WithCapacity(capacity), WithClock(tickClock()))
	return m, reg, p
}

func TestEnsureVoice_ReusesExistingClone(t *testing.T) {
	t.Parallel()
	m, reg, p := newTestManager(30)
	ctx := context.Background()

	first, err := m.EnsureVoice(ctx, request("alice"))
	if err != nil {
		t.Fatalf("first EnsureVoice: %v", err)
	}
	if !first.Created {
		t.Error("first call should create a clone")
	}
	before, _ := reg.Get(ctx, "alice")

	second, err := m.EnsureVoice(ctx, request("alice"))
	if err != nil {
		t.Fatalf("second EnsureVoice: %v", err)
	}
	if second.VoiceID != first.VoiceID {
		t.Errorf("voice id = %q, want %q", second.VoiceID, first.VoiceID)
	}
	if second.Created {
		t.Error("second call should reuse the clone")
	}
	if got := p.CreateCloneCount(); got != 1 {
		t.Errorf("CreateClone calls = %d, want 1", got)
	}
	after, _ := reg.Get(ctx, "alice")
	if !after.LastUsed.After(before.LastUsed) {
		t.Errorf("last used not bumped: before %v, after %v", before.LastUsed, after.LastUsed)
	}
}

func TestEnsureVoice_ScenarioCapacityTwo(t *testing.T) {
	t.Parallel()
	m, reg, p := newTestManager(2)
	ctx := context.Background()

	a, err := m.EnsureVoice(ctx, request("A"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.EnsureVoice(ctx, request("B"))
	if err != nil {
		t.Fatal(err)
	}
	c, err := m.EnsureVoice(ctx, request("C"))
	if err != nil {
		t.Fatal(err)
	}
	if c.Evicted != 1 {
		t.Errorf("evicted = %d, want 1", c.Evicted)
	}

	if got, _ := reg.Get(ctx, "A"); got != nil {
		t.Errorf("A still registered: %+v", got)
	}
	for _, u := range []string{"B", "C"} {
		if got, _ := reg.Get(ctx, u); got == nil {
			t.Errorf("%s not registered", u)
		}
	}
	deleted := p.Deleted()
	if len(deleted) != 1 || deleted[0] != a.VoiceID {
		t.Errorf("deleted voices = %v, want [%s]", deleted, a.VoiceID)
	}
	if b.VoiceID == c.VoiceID {
		t.Error("B and C share a voice")
	}
	if p.LiveVoices() != 2 {
		t.Errorf("live voices = %d, want 2", p.LiveVoices())
	}
}

func TestEnsureVoice_EvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()
	m, reg, _ := newTestManager(2)
	ctx := context.Background()

	for _, u := range []string{"A", "B"} {
		if _, err := m.EnsureVoice(ctx, request(u)); err != nil {
			t.Fatal(err)
		}
	}
	// Reusing A makes B the least recently used.
	if _, err := m.EnsureVoice(ctx, request("A")); err != nil {
		t.Fatal(err)
	}
	if _, err := m.EnsureVoice(ctx, request("C")); err != nil {
		t.Fatal(err)
	}

	if got, _ := reg.Get(ctx, "B"); got != nil {
		t.Error("B should have been evicted")
	}
	if got, _ := reg.Get(ctx, "A"); got == nil {
		t.Error("A should have been kept")
	}
}

func TestEnsureVoice_TieBrokenByID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg := NewMemRegistry()
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	_ = reg.Create(ctx, Clone{ID: "b", UserID: "u2", VoiceID: "v2", LastUsed: at}, 2)
	_ = reg.Create(ctx, Clone{ID: "a", UserID: "u1", VoiceID: "v1", LastUsed: at}, 2)

	p := &mock.Provider{}
	m := NewManager(reg, p, WithCapacity(2), WithClock(tickClock()))
	if _, err := m.EnsureVoice(ctx, request("u3")); err != nil {
		t.Fatal(err)
	}
	if got, _ := reg.Get(ctx, "u1"); got != nil {
		t.Error("record with the smaller id should be evicted on a tie")
	}
	if deleted := p.Deleted(); len(deleted) != 1 || deleted[0] != "v1" {
		t.Errorf("deleted = %v, want [v1]", deleted)
	}
}

func TestEnsureVoice_CapacityInvariant(t *testing.T) {
	t.Parallel()
	const capacity = 3
	m, reg, p := newTestManager(capacity)
	ctx := context.Background()

	for i := range 12 {
		if _, err := m.EnsureVoice(ctx, request(fmt.Sprintf("user-%02d", i))); err != nil {
			t.Fatalf("EnsureVoice %d: %v", i, err)
		}
		if n, _ := reg.Count(ctx); n > capacity {
			t.Fatalf("registry holds %d clones, capacity %d", n, capacity)
		}
		if live := p.LiveVoices(); live > capacity {
			t.Fatalf("provider holds %d voices, capacity %d", live, capacity)
		}
	}
}

func TestEnsureVoice_ConcurrentUsers(t *testing.T) {
	t.Parallel()
	const capacity = 5
	m, reg, p := newTestManager(capacity)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := range 40 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.EnsureVoice(ctx, request(fmt.Sprintf("user-%d", i%20))); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if !errors.Is(err, ErrCapacityExhausted) {
			t.Errorf("unexpected error: %v", err)
		}
	}

	n, _ := reg.Count(ctx)
	if n > capacity {
		t.Errorf("registry holds %d clones, capacity %d", n, capacity)
	}
	if live := p.LiveVoices(); live != n {
		t.Errorf("provider holds %d voices, registry %d", live, n)
	}
}

func TestEnsureVoice_SameUserConcurrentCreatesOnce(t *testing.T) {
	t.Parallel()
	m, _, p := newTestManager(30)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 10)
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := m.EnsureVoice(ctx, request("alice"))
			if err != nil {
				t.Errorf("EnsureVoice: %v", err)
				return
			}
			ids[i] = res.VoiceID
		}()
	}
	wg.Wait()

	if got := p.CreateCloneCount(); got != 1 {
		t.Errorf("CreateClone calls = %d, want 1", got)
	}
	for _, id := range ids {
		if id != ids[0] {
			t.Errorf("voice ids differ: %v", ids)
			break
		}
	}
}

func TestEnsureVoice_JoinedCallerOutlivesFirstCaller(t *testing.T) {
	t.Parallel()
	m, reg, p := newTestManager(30)

	started := make(chan struct{})
	release := make(chan struct{})
	p.CreateCloneFunc = func(ctx context.Context, _ string, _ []voice.SampleRef) (string, error) {
		close(started)
		select {
		case <-release:
			return "", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := m.EnsureVoice(firstCtx, request("alice"))
		firstErr <- err
	}()
	<-started

	type outcome struct {
		res EnsureResult
		err error
	}
	second := make(chan outcome, 1)
	go func() {
		res, err := m.EnsureVoice(context.Background(), request("alice"))
		second <- outcome{res, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancelFirst()
	select {
	case err := <-firstErr:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("first caller err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first caller did not return after cancel")
	}

	close(release)
	select {
	case o := <-second:
		if o.err != nil {
			t.Fatalf("second caller: %v", o.err)
		}
		if o.res.VoiceID == "" {
			t.Error("second caller got no voice id")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second caller did not finish")
	}
	if got := p.CreateCloneCount(); got != 1 {
		t.Errorf("CreateClone calls = %d, want 1", got)
	}
	if c, _ := reg.Get(context.Background(), "alice"); c == nil {
		t.Error("clone was not registered")
	}
}

func TestEnsureVoice_EvictionDeleteFailureKeepsRecord(t *testing.T) {
	t.Parallel()
	m, reg, p := newTestManager(1)
	ctx := context.Background()

	if _, err := m.EnsureVoice(ctx, request("A")); err != nil {
		t.Fatal(err)
	}
	p.DeleteVoiceErr = &voice.Error{Op: "delete voice", Kind: voice.ErrProviderUnavailable, StatusCode: 502}

	_, err := m.EnsureVoice(ctx, request("B"))
	if !errors.Is(err, voice.ErrProviderUnavailable) {
		t.Fatalf("err = %v, want ErrProviderUnavailable", err)
	}
	if got, _ := reg.Get(ctx, "A"); got == nil {
		t.Error("victim record removed although remote delete failed")
	}
	if got := p.CreateCloneCount(); got != 1 {
		t.Errorf("CreateClone calls = %d, want 1", got)
	}
}

func TestEnsureVoice_CreateCloneFailure(t *testing.T) {
	t.Parallel()

	kinds := []error{voice.ErrProviderUnavailable, voice.ErrProviderRejected, voice.ErrSampleFetchFailed}
	for _, kind := range kinds {
		t.Run(kind.Error(), func(t *testing.T) {
			t.Parallel()
			m, reg, p := newTestManager(30)
			p.CreateCloneErr = &voice.Error{Op: "create clone", Kind: kind}
			ctx := context.Background()

			_, err := m.EnsureVoice(ctx, request("alice"))
			if !errors.Is(err, kind) {
				t.Fatalf("err = %v, want %v", err, kind)
			}
			if n, _ := reg.Count(ctx); n != 0 {
				t.Errorf("registry count = %d, want 0", n)
			}
		})
	}
}

// racingRegistry simulates another process writing between the manager's
// reads and its insert.
type racingRegistry struct {
	*MemRegistry
	mu       sync.Mutex
	onCreate func(ctx context.Context, c Clone, capacity int) error
}

func (r *racingRegistry) Create(ctx context.Context, c Clone, capacity int) error {
	r.mu.Lock()
	hook := r.onCreate
	r.onCreate = nil
	r.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, c, capacity); err != nil {
			return err
		}
	}
	return r.MemRegistry.Create(ctx, c, capacity)
}

func TestEnsureVoice_SlotTakenConcurrentlyRetries(t *testing.T) {
	t.Parallel()
	reg := &racingRegistry{MemRegistry: NewMemRegistry()}
	reg.onCreate = func(ctx context.Context, _ Clone, capacity int) error {
		intruder := Clone{ID: "intruder", UserID: "other", VoiceID: "other-voice",
			LastUsed: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)}
		return reg.MemRegistry.Create(ctx, intruder, capacity)
	}
	p := &mock.Provider{}
	m := NewManager(reg, p, WithCapacity(1), WithClock(tickClock()))
	ctx := context.Background()

	res, err := m.EnsureVoice(ctx, request("alice"))
	if err != nil {
		t.Fatalf("EnsureVoice: %v", err)
	}
	if !res.Created || res.Evicted != 1 {
		t.Errorf("result = %+v, want created with one eviction", res)
	}
	if got, _ := reg.Get(ctx, "other"); got != nil {
		t.Error("intruder not evicted")
	}
	if deleted := p.Deleted(); len(deleted) != 1 || deleted[0] != "other-voice" {
		t.Errorf("deleted = %v, want [other-voice]", deleted)
	}
}

// fullRegistry reports an empty pool but refuses every insert.
type fullRegistry struct{ *MemRegistry }

func (fullRegistry) Create(context.Context, Clone, int) error { return ErrCapacityReached }

func TestEnsureVoice_CapacityExhaustedCompensates(t *testing.T) {
	t.Parallel()
	reg := fullRegistry{NewMemRegistry()}
	p := &mock.Provider{}
	m := NewManager(reg, p, WithCapacity(2), WithInsertAttempts(3), WithClock(tickClock()))

	_, err := m.EnsureVoice(context.Background(), request("alice"))
	if !errors.Is(err, ErrCapacityExhausted) {
		t.Fatalf("err = %v, want ErrCapacityExhausted", err)
	}
	if deleted := p.Deleted(); len(deleted) != 1 || deleted[0] != "voice-1" {
		t.Errorf("deleted = %v, want [voice-1]", deleted)
	}
	if p.LiveVoices() != 0 {
		t.Errorf("live voices = %d, want 0", p.LiveVoices())
	}
}

func TestEnsureVoice_DuplicateUserRaceReturnsWinner(t *testing.T) {
	t.Parallel()
	reg := &racingRegistry{MemRegistry: NewMemRegistry()}
	reg.onCreate = func(ctx context.Context, c Clone, capacity int) error {
		winner := Clone{ID: "winner", UserID: c.UserID, VoiceID: "winner-voice", LastUsed: c.LastUsed}
		return reg.MemRegistry.Create(ctx, winner, capacity)
	}
	p := &mock.Provider{}
	m := NewManager(reg, p, WithClock(tickClock()))

	res, err := m.EnsureVoice(context.Background(), request("alice"))
	if err != nil {
		t.Fatalf("EnsureVoice: %v", err)
	}
	if res.VoiceID != "winner-voice" || res.Created {
		t.Errorf("result = %+v, want winner-voice reused", res)
	}
	if deleted := p.Deleted(); len(deleted) != 1 || deleted[0] != "voice-1" {
		t.Errorf("deleted = %v, want [voice-1]", deleted)
	}
}

// evictedOnTouch drops the user's record just before the first Touch, as a
// concurrent eviction landing between lookup and touch would.
type evictedOnTouch struct {
	*MemRegistry
	once sync.Once
}

func (r *evictedOnTouch) Touch(ctx context.Context, userID, voiceID string, at time.Time) (bool, error) {
	r.once.Do(func() { _, _ = r.MemRegistry.Delete(ctx, userID, voiceID) })
	return r.MemRegistry.Touch(ctx, userID, voiceID, at)
}

func TestEnsureVoice_RecordEvictedDuringReuseCreatesNewClone(t *testing.T) {
	t.Parallel()
	reg := &evictedOnTouch{MemRegistry: NewMemRegistry()}
	ctx := context.Background()
	stale := Clone{ID: "stale", UserID: "alice", VoiceID: "evicted-voice",
		LastUsed: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)}
	if err := reg.MemRegistry.Create(ctx, stale, 30); err != nil {
		t.Fatal(err)
	}
	p := &mock.Provider{}
	m := NewManager(reg, p, WithClock(tickClock()))

	res, err := m.EnsureVoice(ctx, request("alice"))
	if err != nil {
		t.Fatalf("EnsureVoice: %v", err)
	}
	if res.VoiceID == "evicted-voice" || !res.Created {
		t.Errorf("result = %+v, want a freshly created clone", res)
	}
	if got := p.CreateCloneCount(); got != 1 {
		t.Errorf("CreateClone calls = %d, want 1", got)
	}
	c, _ := reg.Get(ctx, "alice")
	if c == nil || c.VoiceID != res.VoiceID {
		t.Errorf("registry holds %+v, want voice %q", c, res.VoiceID)
	}
}

func TestEnsureRequest_Validate(t *testing.T) {
	t.Parallel()
	long := make([]rune, maxVoiceNameLen+1)
	for i := range long {
		long[i] = 'x'
	}
	tooMany := make([]voice.SampleRef, maxSamples+1)
	for i := range tooMany {
		tooMany[i] = voice.SampleRef{URL: "https://x/a.wav"}
	}

	tests := []struct {
		name    string
		req     EnsureRequest
		wantErr bool
	}{
		{name: "valid", req: request("alice")},
		{name: "missing user", req: EnsureRequest{VoiceName: "v", Samples: request("x").Samples}, wantErr: true},
		{name: "blank name", req: EnsureRequest{UserID: "u", VoiceName: "  ", Samples: request("x").Samples}, wantErr: true},
		{name: "long name", req: EnsureRequest{UserID: "u", VoiceName: string(long), Samples: request("x").Samples}, wantErr: true},
		{name: "no samples", req: EnsureRequest{UserID: "u", VoiceName: "v"}, wantErr: true},
		{name: "too many samples", req: EnsureRequest{UserID: "u", VoiceName: "v", Samples: tooMany}, wantErr: true},
		{name: "empty sample url", req: EnsureRequest{UserID: "u", VoiceName: "v", Samples: []voice.SampleRef{{}}}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.req.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("err = %v, want ErrInvalidRequest", err)
			}
		})
	}
}

func TestEnsureVoice_InvalidRequestSkipsProvider(t *testing.T) {
	t.Parallel()
	m, _, p := newTestManager(30)
	_, err := m.EnsureVoice(context.Background(), EnsureRequest{UserID: "u"})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("err = %v, want ErrInvalidRequest", err)
	}
	if p.CreateCloneCount() != 0 {
		t.Error("provider called for invalid request")
	}
}
