package narration

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/fablevoice/internal/observe"
	"github.com/MrWong99/fablevoice/pkg/objectstore"
	"github.com/MrWong99/fablevoice/pkg/provider/voice"
)

const (
	// DefaultAudioURLTTL keeps cached narration URLs valid for the lifetime
	// of the cache record, so a cache hit returns the original URL.
	DefaultAudioURLTTL = 10 * 365 * 24 * time.Hour

	compensationTimeout = 30 * time.Second

	// sharedWorkTimeout bounds a synthesis once it no longer belongs to any
	// single caller.
	sharedWorkTimeout = 5 * time.Minute
)

// ObjectStore is the subset of the object store gateway the narrator needs.
type ObjectStore interface {
	Put(ctx context.Context, path string, data []byte, contentType string) error
	Delete(ctx context.Context, path string) error
	SignedURL(path string, action objectstore.Action, expiresAt time.Time) (string, error)
}

// Narrator synthesises narration audio with caching and quota enforcement.
// It is safe for concurrent use.
type Narrator struct {
	ledger   Ledger
	provider voice.Provider
	store    ObjectStore

	limit        float64
	limitBits    atomic.Uint64
	charsPerFive int
	maxChars     int
	urlTTL       time.Duration
	now          func() time.Time
	metrics      *observe.Metrics

	group singleflight.Group
}

// Option configures a [Narrator].
type Option func(*Narrator)

// WithMonthlyLimit sets the quota ceiling in minutes. Values ≤ 0 are ignored.
func WithMonthlyLimit(minutes float64) Option {
	return func(n *Narrator) {
		if minutes > 0 {
			n.limit = minutes
		}
	}
}

// WithCharsPerFiveMinutes sets the duration estimate calibration. Values ≤ 0
// are ignored.
func WithCharsPerFiveMinutes(chars int) Option {
	return func(n *Narrator) {
		if chars > 0 {
			n.charsPerFive = chars
		}
	}
}

// WithMaxTextChars caps request text length. By default there is no cap and a
// request is bounded only by the remaining quota. Values ≤ 0 are ignored.
func WithMaxTextChars(chars int) Option {
	return func(n *Narrator) {
		if chars > 0 {
			n.maxChars = chars
		}
	}
}

// WithAudioURLTTL sets how long signed audio URLs stay valid. Values ≤ 0 are
// ignored.
func WithAudioURLTTL(d time.Duration) Option {
	return func(n *Narrator) {
		if d > 0 {
			n.urlTTL = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(n *Narrator) { n.now = now }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(n *Narrator) { n.metrics = m }
}

// NewNarrator returns a Narrator.
func NewNarrator(ledger Ledger, p voice.Provider, store ObjectStore, opts ...Option) *Narrator {
	n := &Narrator{
		ledger:       ledger,
		provider:     p,
		store:        store,
		limit:        DefaultMonthlyLimitMinutes,
		charsPerFive: DefaultCharsPerFiveMinutes,
		urlTTL:       DefaultAudioURLTTL,
		now:          time.Now,
	}
	for _, o := range opts {
		o(n)
	}
	if n.metrics == nil {
		n.metrics = observe.DefaultMetrics()
	}
	n.limitBits.Store(math.Float64bits(n.limit))
	return n
}

// MonthlyLimit returns the quota ceiling in minutes.
func (n *Narrator) MonthlyLimit() float64 { return math.Float64frombits(n.limitBits.Load()) }

// SetMonthlyLimit changes the quota ceiling for subsequent requests. Usage
// already recorded is kept. Values ≤ 0 are ignored.
func (n *Narrator) SetMonthlyLimit(minutes float64) {
	if minutes > 0 {
		n.limitBits.Store(math.Float64bits(minutes))
	}
}

// Synthesize returns a URL for req.Text narrated in req.VoiceID. Cached audio
// is returned without touching the quota or the provider. Otherwise the
// estimated duration is checked against the quota, the audio is generated and
// uploaded, and the record and debit are committed atomically. On any failure
// nothing is debited and no uploaded object is left behind.
func (n *Narrator) Synthesize(ctx context.Context, req SynthesizeRequest) (SynthesizeResult, error) {
	if err := req.Validate(n.maxChars); err != nil {
		return SynthesizeResult{}, err
	}
	key := NewCacheKey(req.UserID, req.VoiceID, req.Text)

	// Joined callers share one synthesis, so it must outlive whichever
	// caller started it; each caller still stops waiting on its own ctx.
	ch := n.group.DoChan(key.String(), func() (any, error) {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedWorkTimeout)
		defer cancel()
		return n.synthesize(wctx, key, req.Text)
	})
	select {
	case <-ctx.Done():
		return SynthesizeResult{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return SynthesizeResult{}, r.Err
		}
		return r.Val.(SynthesizeResult), nil
	}
}

func (n *Narrator) synthesize(ctx context.Context, key CacheKey, text string) (SynthesizeResult, error) {
	ctx = observe.WithUserID(ctx, key.UserID)
	log := observe.Logger(ctx).With("voice_id", key.VoiceID, "text_hash", key.TextHash)

	cached, err := n.ledger.LookupAudio(ctx, key)
	if err != nil {
		return SynthesizeResult{}, fmt.Errorf("narration: lookup: %w", err)
	}
	if cached != nil {
		n.metrics.CacheHits.Add(ctx, 1)
		log.Debug("narration: cache hit")
		return SynthesizeResult{AudioURL: cached.URL, Cached: true}, nil
	}
	n.metrics.CacheMisses.Add(ctx, 1)

	minutes := EstimateMinutes(text, n.charsPerFive)
	limit := n.MonthlyLimit()
	q, err := n.ledger.Quota(ctx)
	if err != nil {
		return SynthesizeResult{}, fmt.Errorf("narration: read quota: %w", err)
	}
	if q.TotalMinutesUsed+minutes > limit {
		n.metrics.QuotaRejections.Add(ctx, 1)
		log.Info("narration: quota exceeded",
			"used_minutes", q.TotalMinutesUsed, "requested_minutes", minutes, "limit_minutes", limit)
		return SynthesizeResult{}, ErrQuotaExceeded
	}

	audio, err := n.provider.GenerateSpeech(ctx, text, key.VoiceID)
	if err != nil {
		return SynthesizeResult{}, fmt.Errorf("narration: generate speech: %w", err)
	}

	ext, contentType := n.provider.AudioFormat()
	path := fmt.Sprintf("tts/%s/%s/%s.%s", key.UserID, key.VoiceID, key.TextHash, ext)
	if err := n.store.Put(ctx, path, audio, contentType); err != nil {
		return SynthesizeResult{}, fmt.Errorf("narration: upload audio: %w", err)
	}

	now := n.now()
	url, err := n.store.SignedURL(path, objectstore.ActionRead, now.Add(n.urlTTL))
	if err != nil {
		n.discardObject(ctx, key, path)
		return SynthesizeResult{}, fmt.Errorf("narration: sign url: %w", err)
	}

	stored, debited, err := n.ledger.Commit(ctx, Audio{
		ID:              uuid.NewString(),
		Key:             key,
		StoragePath:     path,
		URL:             url,
		DurationSeconds: minutes * 60,
		CreatedAt:       now,
	}, minutes, limit)
	if err != nil {
		n.discardObject(ctx, key, path)
		if errors.Is(err, ErrQuotaExceeded) {
			n.metrics.QuotaRejections.Add(ctx, 1)
			log.Info("narration: quota exceeded at commit", "requested_minutes", minutes)
			return SynthesizeResult{}, ErrQuotaExceeded
		}
		return SynthesizeResult{}, fmt.Errorf("narration: commit: %w", err)
	}

	if !debited {
		// Another writer committed the same narration first.
		log.Info("narration: concurrent synthesis already committed")
		return SynthesizeResult{AudioURL: stored.URL, Cached: true}, nil
	}

	n.metrics.MinutesDebited.Add(ctx, minutes)
	log.Info("narration: synthesized", "minutes", minutes, "bytes", len(audio), "path", path)
	return SynthesizeResult{AudioURL: stored.URL, Minutes: minutes}, nil
}

// discardObject removes an upload whose record was not committed, unless a
// concurrent writer has committed a record pointing at the same path.
func (n *Narrator) discardObject(ctx context.Context, key CacheKey, path string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	if a, err := n.ledger.LookupAudio(cctx, key); err == nil && a != nil && a.StoragePath == path {
		return
	}
	err := n.store.Delete(cctx, path)
	n.metrics.RecordCompensation(ctx, "audio_object", err)
	if err != nil {
		observe.Logger(ctx).Error("narration: failed to delete uncommitted audio", "path", path, "err", err)
	}
}

// ResetQuota zeroes the monthly usage. Calling it repeatedly is harmless.
func (n *Narrator) ResetQuota(ctx context.Context) error {
	at := n.now().UTC()
	if err := n.ledger.ResetQuota(ctx, at); err != nil {
		return fmt.Errorf("narration: reset quota: %w", err)
	}
	n.metrics.QuotaResets.Add(ctx, 1)
	observe.Logger(ctx).Info("narration: quota reset", "at", at)
	return nil
}

// Usage returns the current quota snapshot.
func (n *Narrator) Usage(ctx context.Context) (Usage, error) {
	q, err := n.ledger.Quota(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("narration: read quota: %w", err)
	}
	limit := n.MonthlyLimit()
	return Usage{
		TotalMinutesUsed:    q.TotalMinutesUsed,
		MonthlyLimitMinutes: limit,
		RemainingMinutes:    max(0, limit-q.TotalMinutesUsed),
		LastReset:           q.LastReset,
	}, nil
}
