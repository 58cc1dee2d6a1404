package voiceclone

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/fablevoice/internal/observe"
	"github.com/MrWong99/fablevoice/pkg/provider/voice"
)

const (
	// defaultInsertAttempts bounds how often a create is retried after a
	// concurrent writer took the freed slot.
	defaultInsertAttempts = 3

	// compensationTimeout bounds cleanup calls that run after the caller's
	// context may already be done.
	compensationTimeout = 30 * time.Second

	// sharedWorkTimeout bounds an ensure once it no longer belongs to any
	// single caller. It covers several evictions plus one clone upload.
	sharedWorkTimeout = 10 * time.Minute
)

// Manager implements get-or-create for per-user voice clones with
// least-recently-used eviction. It is safe for concurrent use.
type Manager struct {
	registry Registry
	provider voice.Provider
	capacity int
	attempts int
	now      func() time.Time
	metrics  *observe.Metrics

	group singleflight.Group
}

// Option configures a [Manager].
type Option func(*Manager)

// WithCapacity sets the number of clone slots. Values < 1 are ignored.
func WithCapacity(n int) Option {
	return func(m *Manager) {
		if n >= 1 {
			m.capacity = n
		}
	}
}

// WithInsertAttempts sets how many times a create is attempted when the pool
// keeps filling up concurrently. Values < 1 are ignored.
func WithInsertAttempts(n int) Option {
	return func(m *Manager) {
		if n >= 1 {
			m.attempts = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = met }
}

// NewManager returns a Manager backed by reg and p.
func NewManager(reg Registry, p voice.Provider, opts ...Option) *Manager {
	m := &Manager{
		registry: reg,
		provider: p,
		capacity: DefaultCapacity,
		attempts: defaultInsertAttempts,
		now:      time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// Capacity returns the configured slot count.
func (m *Manager) Capacity() int { return m.capacity }

// EnsureVoice returns a provider voice for req.UserID, creating a clone from
// req.Samples when the user has none. Creating may evict other users' least
// recently used clones. Concurrent calls for the same user within this process
// share one execution.
func (m *Manager) EnsureVoice(ctx context.Context, req EnsureRequest) (EnsureResult, error) {
	if err := req.Validate(); err != nil {
		return EnsureResult{}, err
	}
	// Joined callers share one ensure, so it must outlive whichever caller
	// started it; each caller still stops waiting on its own ctx.
	ch := m.group.DoChan(req.UserID, func() (any, error) {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedWorkTimeout)
		defer cancel()
		return m.ensure(wctx, req)
	})
	select {
	case <-ctx.Done():
		return EnsureResult{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return EnsureResult{}, r.Err
		}
		return r.Val.(EnsureResult), nil
	}
}

func (m *Manager) ensure(ctx context.Context, req EnsureRequest) (EnsureResult, error) {
	ctx = observe.WithUserID(ctx, req.UserID)
	log := observe.Logger(ctx)

	existing, err := m.registry.Get(ctx, req.UserID)
	if err != nil {
		return EnsureResult{}, fmt.Errorf("voiceclone: lookup: %w", err)
	}
	if existing != nil {
		touched, err := m.registry.Touch(ctx, req.UserID, existing.VoiceID, m.now())
		if err != nil {
			return EnsureResult{}, fmt.Errorf("voiceclone: touch: %w", err)
		}
		if touched {
			m.metrics.CloneReuses.Add(ctx, 1)
			log.Debug("voiceclone: reusing clone", "voice_id", existing.VoiceID)
			return EnsureResult{VoiceID: existing.VoiceID}, nil
		}
		// Evicted between lookup and touch; the remote voice is gone.
		log.Info("voiceclone: clone evicted while reusing, creating a new one", "voice_id", existing.VoiceID)
	}

	evicted, err := m.makeRoom(ctx)
	if err != nil {
		return EnsureResult{Evicted: evicted}, err
	}

	voiceID, err := m.provider.CreateClone(ctx, req.VoiceName, req.Samples)
	if err != nil {
		return EnsureResult{Evicted: evicted}, fmt.Errorf("voiceclone: create clone: %w", err)
	}

	now := m.now()
	clone := Clone{
		ID:         uuid.NewString(),
		UserID:     req.UserID,
		VoiceID:    voiceID,
		VoiceName:  req.VoiceName,
		SampleURLs: sampleURLs(req.Samples),
		LastUsed:   now,
		CreatedAt:  now,
	}

	for attempt := 1; ; attempt++ {
		err := m.registry.Create(ctx, clone, m.capacity)
		switch {
		case err == nil:
			m.metrics.ClonesCreated.Add(ctx, 1)
			log.Info("voiceclone: clone created", "voice_id", voiceID, "evicted", evicted)
			return EnsureResult{VoiceID: voiceID, Created: true, Evicted: evicted}, nil

		case errors.Is(err, ErrCloneExists):
			winner, gerr := m.registry.Get(ctx, req.UserID)
			if gerr != nil {
				m.discardVoice(ctx, voiceID)
				return EnsureResult{Evicted: evicted}, fmt.Errorf("voiceclone: lookup after conflict: %w", gerr)
			}
			touched := false
			if winner != nil {
				if touched, gerr = m.registry.Touch(ctx, req.UserID, winner.VoiceID, m.now()); gerr != nil {
					m.discardVoice(ctx, voiceID)
					return EnsureResult{Evicted: evicted}, fmt.Errorf("voiceclone: touch: %w", gerr)
				}
			}
			if !touched {
				// The winning record was evicted in the meantime.
				if attempt >= m.attempts {
					m.discardVoice(ctx, voiceID)
					return EnsureResult{Evicted: evicted}, ErrCapacityExhausted
				}
				continue
			}
			log.Warn("voiceclone: concurrent create won by another request, discarding duplicate",
				"voice_id", voiceID, "winner_voice_id", winner.VoiceID)
			m.discardVoice(ctx, voiceID)
			return EnsureResult{VoiceID: winner.VoiceID, Evicted: evicted}, nil

		case errors.Is(err, ErrCapacityReached):
			if attempt >= m.attempts {
				log.Warn("voiceclone: no slot after retries", "attempts", attempt)
				m.discardVoice(ctx, voiceID)
				return EnsureResult{Evicted: evicted}, ErrCapacityExhausted
			}
			n, rerr := m.makeRoom(ctx)
			evicted += n
			if rerr != nil {
				m.discardVoice(ctx, voiceID)
				return EnsureResult{Evicted: evicted}, rerr
			}

		default:
			m.discardVoice(ctx, voiceID)
			return EnsureResult{Evicted: evicted}, fmt.Errorf("voiceclone: register clone: %w", err)
		}
	}
}

// makeRoom evicts least recently used clones until the registry holds fewer
// than capacity records. A victim's local record is removed only after the
// provider confirmed the remote delete.
func (m *Manager) makeRoom(ctx context.Context) (int, error) {
	evicted := 0
	for round := 0; ; round++ {
		n, err := m.registry.Count(ctx)
		if err != nil {
			return evicted, fmt.Errorf("voiceclone: count: %w", err)
		}
		if n < m.capacity {
			return evicted, nil
		}
		if round >= m.capacity+m.attempts {
			return evicted, ErrCapacityExhausted
		}

		victim, err := m.registry.Oldest(ctx)
		if err != nil {
			return evicted, fmt.Errorf("voiceclone: oldest: %w", err)
		}
		if victim == nil {
			continue
		}

		if err := m.provider.DeleteVoice(ctx, victim.VoiceID); err != nil {
			return evicted, fmt.Errorf("voiceclone: evict %s: %w", victim.VoiceID, err)
		}
		removed, err := m.registry.Delete(ctx, victim.UserID, victim.VoiceID)
		if err != nil {
			return evicted, fmt.Errorf("voiceclone: delete record: %w", err)
		}
		if !removed {
			observe.Logger(ctx).Info("voiceclone: eviction victim already gone",
				"victim_user_id", victim.UserID, "voice_id", victim.VoiceID)
			continue
		}
		evicted++
		m.metrics.Evictions.Add(ctx, 1)
		observe.Logger(ctx).Info("voiceclone: evicted least recently used clone",
			"victim_user_id", victim.UserID,
			"voice_id", victim.VoiceID,
			"last_used", victim.LastUsed)
	}
}

// discardVoice deletes a freshly created remote voice that could not be
// registered. Failures are logged; the voice then leaks until cleaned up by
// hand.
func (m *Manager) discardVoice(ctx context.Context, voiceID string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()
	err := m.provider.DeleteVoice(cctx, voiceID)
	m.metrics.RecordCompensation(ctx, "remote_voice", err)
	if err != nil {
		observe.Logger(ctx).Error("voiceclone: failed to delete unregistered remote voice",
			"voice_id", voiceID, "err", err)
	}
}

func sampleURLs(samples []voice.SampleRef) []string {
	out := make([]string, len(samples))
	for i, s := range samples {
		out[i] = s.URL
	}
	return out
}
