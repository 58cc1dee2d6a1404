package voiceclone

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"
)

// MemRegistry is an in-memory [Registry] for single-process deployments and
// tests. It is safe for concurrent use.
type MemRegistry struct {
	mu     sync.Mutex
	clones map[string]Clone // by user ID
}

var _ Registry = (*MemRegistry)(nil)

// NewMemRegistry returns an empty registry.
func NewMemRegistry() *MemRegistry {
	return &MemRegistry{clones: make(map[string]Clone)}
}

// Get implements [Registry].
func (r *MemRegistry) Get(_ context.Context, userID string) (*Clone, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clones[userID]
	if !ok {
		return nil, nil
	}
	return cloneCopy(c), nil
}

// Touch implements [Registry].
func (r *MemRegistry) Touch(_ context.Context, userID, voiceID string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clones[userID]
	if !ok || c.VoiceID != voiceID {
		return false, nil
	}
	if at.After(c.LastUsed) {
		c.LastUsed = at
		r.clones[userID] = c
	}
	return true, nil
}

// Count implements [Registry].
func (r *MemRegistry) Count(_ context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clones), nil
}

// Oldest implements [Registry].
func (r *MemRegistry) Oldest(_ context.Context) (*Clone, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var oldest *Clone
	for _, c := range r.clones {
		if oldest == nil || c.LastUsed.Before(oldest.LastUsed) ||
			(c.LastUsed.Equal(oldest.LastUsed) && c.ID < oldest.ID) {
			oldest = cloneCopy(c)
		}
	}
	return oldest, nil
}

// Create implements [Registry].
func (r *MemRegistry) Create(_ context.Context, c Clone, capacity int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clones[c.UserID]; ok {
		return ErrCloneExists
	}
	if len(r.clones) >= capacity {
		return ErrCapacityReached
	}
	r.clones[c.UserID] = *cloneCopy(c)
	return nil
}

// Delete implements [Registry].
func (r *MemRegistry) Delete(_ context.Context, userID, voiceID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clones[userID]
	if !ok || c.VoiceID != voiceID {
		return false, nil
	}
	delete(r.clones, userID)
	return true, nil
}

// All returns every record sorted by last-used time, oldest first.
func (r *MemRegistry) All() []Clone {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Clone, 0, len(r.clones))
	for _, c := range r.clones {
		out = append(out, *cloneCopy(c))
	}
	slices.SortFunc(out, func(a, b Clone) int {
		if c := a.LastUsed.Compare(b.LastUsed); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

func cloneCopy(c Clone) *Clone {
	c.SampleURLs = slices.Clone(c.SampleURLs)
	return &c
}
