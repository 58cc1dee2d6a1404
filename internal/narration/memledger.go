package narration

import (
	"context"
	"sync"
	"time"
)

// MemLedger is an in-memory [Ledger] for single-process deployments and
// tests. It is safe for concurrent use.
type MemLedger struct {
	mu    sync.Mutex
	audio map[CacheKey]Audio
	quota Quota
}

var _ Ledger = (*MemLedger)(nil)

// NewMemLedger returns an empty ledger.
func NewMemLedger() *MemLedger {
	return &MemLedger{audio: make(map[CacheKey]Audio)}
}

// LookupAudio implements [Ledger].
func (l *MemLedger) LookupAudio(_ context.Context, key CacheKey) (*Audio, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.audio[key]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

// Quota implements [Ledger].
func (l *MemLedger) Quota(_ context.Context) (Quota, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.quota, nil
}

// Commit implements [Ledger].
func (l *MemLedger) Commit(_ context.Context, a Audio, minutes, ceiling float64) (Audio, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.audio[a.Key]; ok {
		return existing, false, nil
	}
	if l.quota.TotalMinutesUsed+minutes > ceiling {
		return Audio{}, false, ErrQuotaExceeded
	}
	l.audio[a.Key] = a
	l.quota.TotalMinutesUsed += minutes
	return a, true, nil
}

// ResetQuota implements [Ledger].
func (l *MemLedger) ResetQuota(_ context.Context, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.quota = Quota{LastReset: at}
	return nil
}

// Len returns the number of cached narrations.
func (l *MemLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.audio)
}
