// Package voiceclone manages the pool of cloned voices hosted at the synthesis
// provider.
//
// The provider only allows a fixed number of custom voices per account, so the
// pool is treated as a capacity-bounded cache keyed by user: each user owns at
// most one clone, reuse bumps its last-used time, and when every slot is taken
// the least recently used clone is deleted remotely and then locally before a
// new one is created.
//
// [Manager] implements the get-or-create flow on top of a [Registry]. The
// registry is the durable source of truth; implementations live in
// internal/store (Postgres, SQLite) and [MemRegistry] (single process).
package voiceclone

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/fablevoice/pkg/provider/voice"
)

// DefaultCapacity is the number of clone slots the provider account allows.
const DefaultCapacity = 30

// Request limits.
const (
	maxVoiceNameLen = 100
	maxSamples      = 25
)

var (
	// ErrInvalidRequest is returned when an EnsureRequest fails validation.
	ErrInvalidRequest = errors.New("voiceclone: invalid request")

	// ErrCapacityExhausted is returned when no slot could be freed for a new
	// clone within the configured number of attempts.
	ErrCapacityExhausted = errors.New("voiceclone: capacity exhausted")

	// ErrCapacityReached is returned by [Registry.Create] when the pool is
	// full at insert time.
	ErrCapacityReached = errors.New("voiceclone: capacity reached")

	// ErrCloneExists is returned by [Registry.Create] when the user already
	// owns a clone.
	ErrCloneExists = errors.New("voiceclone: clone already exists for user")
)

// Clone is a registry record: one provider voice owned by one user.
type Clone struct {
	// ID identifies the record and breaks last-used ties during eviction.
	ID string

	// UserID is the owning user. At most one record exists per user.
	UserID string

	// VoiceID is the provider's voice identifier.
	VoiceID string

	// VoiceName is the display name submitted at creation.
	VoiceName string

	// SampleURLs are the object store references the clone was built from.
	SampleURLs []string

	// LastUsed is bumped on every reuse and never moves backwards.
	LastUsed time.Time

	// CreatedAt is when the record was inserted.
	CreatedAt time.Time
}

// Registry persists clone records.
//
// Implementations must be safe for concurrent use, and Create must be atomic
// with respect to both the per-user uniqueness and the capacity bound, also
// across processes sharing the same backing store.
type Registry interface {
	// Get returns the clone owned by userID, or nil when there is none.
	Get(ctx context.Context, userID string) (*Clone, error)

	// Touch sets the last-used time of the user's clone of voiceID to at,
	// unless it already holds a later value. It reports whether that record
	// still exists; false means it was evicted or replaced meanwhile.
	Touch(ctx context.Context, userID, voiceID string, at time.Time) (bool, error)

	// Count returns the number of registered clones.
	Count(ctx context.Context) (int, error)

	// Oldest returns the clone with the smallest last-used time (ties broken
	// by ID), or nil when the registry is empty.
	Oldest(ctx context.Context) (*Clone, error)

	// Create inserts c if fewer than capacity clones exist and the user has
	// none. It returns [ErrCapacityReached] or [ErrCloneExists] otherwise.
	Create(ctx context.Context, c Clone, capacity int) error

	// Delete removes the user's record if it still refers to voiceID. It
	// reports whether a record was removed.
	Delete(ctx context.Context, userID, voiceID string) (bool, error)
}

// EnsureRequest asks for a usable voice for a user.
type EnsureRequest struct {
	UserID    string
	VoiceName string
	Samples   []voice.SampleRef
}

// Validate checks the request at the service boundary.
func (r EnsureRequest) Validate() error {
	var errs []error
	if strings.TrimSpace(r.UserID) == "" {
		errs = append(errs, errors.New("user id is required"))
	}
	name := strings.TrimSpace(r.VoiceName)
	switch {
	case name == "":
		errs = append(errs, errors.New("voice name is required"))
	case len([]rune(name)) > maxVoiceNameLen:
		errs = append(errs, fmt.Errorf("voice name exceeds %d characters", maxVoiceNameLen))
	}
	switch {
	case len(r.Samples) == 0:
		errs = append(errs, errors.New("at least one sample is required"))
	case len(r.Samples) > maxSamples:
		errs = append(errs, fmt.Errorf("at most %d samples are allowed", maxSamples))
	}
	for i, s := range r.Samples {
		if strings.TrimSpace(s.URL) == "" {
			errs = append(errs, fmt.Errorf("sample %d: url is required", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, errors.Join(errs...))
	}
	return nil
}

// EnsureResult is the outcome of [Manager.EnsureVoice].
type EnsureResult struct {
	// VoiceID is the provider voice to synthesise with.
	VoiceID string

	// Created reports whether a new clone was made for this call.
	Created bool

	// Evicted is the number of other users' clones evicted to make room.
	Evicted int
}
