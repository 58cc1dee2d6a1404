package narration

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// QuotaResetter is the part of [Narrator] the scheduler drives.
type QuotaResetter interface {
	Usage(ctx context.Context) (Usage, error)
	ResetQuota(ctx context.Context) error
}

// PeriodStart returns the first instant of t's calendar month in UTC.
func PeriodStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// NextPeriodStart returns the first instant of the calendar month after t's.
func NextPeriodStart(t time.Time) time.Time {
	return PeriodStart(t).AddDate(0, 1, 0)
}

// Scheduler resets the quota at the start of every calendar month (UTC).
type Scheduler struct {
	resetter QuotaResetter
	now      func() time.Time
	after    func(time.Duration) <-chan time.Time

	// retryDelay is how long to wait before retrying a failed reset.
	retryDelay time.Duration
}

// NewScheduler returns a Scheduler driving r.
func NewScheduler(r QuotaResetter) *Scheduler {
	return &Scheduler{
		resetter:   r,
		now:        time.Now,
		after:      time.After,
		retryDelay: time.Minute,
	}
}

// CatchUp resets the quota if the last reset predates the current period. It
// reports whether a reset happened.
func (s *Scheduler) CatchUp(ctx context.Context) (bool, error) {
	u, err := s.resetter.Usage(ctx)
	if err != nil {
		return false, fmt.Errorf("narration: scheduler: read usage: %w", err)
	}
	if !u.LastReset.Before(PeriodStart(s.now())) {
		return false, nil
	}
	if err := s.resetter.ResetQuota(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Run catches up on a missed reset, then resets at every period boundary
// until ctx is cancelled. It returns ctx.Err().
func (s *Scheduler) Run(ctx context.Context) error {
	delay := time.Duration(0)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.after(delay):
		}

		reset, err := s.CatchUp(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("narration: scheduled quota reset failed", "err", err, "retry_in", s.retryDelay)
			delay = s.retryDelay
			continue
		}
		if reset {
			slog.Info("narration: monthly quota reset performed")
		}

		now := s.now()
		delay = NextPeriodStart(now).Sub(now)
		slog.Debug("narration: next quota reset scheduled", "in", delay)
	}
}
