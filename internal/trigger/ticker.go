package trigger

import (
	"context"
	"log/slog"
	"time"
)

// Schedule decides when the next tick should occur after the given time.
type Schedule interface {
	Next(after time.Time) time.Time
}

// Interval ticks at a fixed period.
type Interval struct {
	Every time.Duration
}

// Next returns the zero time when Every is not positive.
func (i Interval) Next(after time.Time) time.Time {
	if i.Every <= 0 {
		return time.Time{}
	}
	return after.Add(i.Every)
}

// Ticker is an in-process periodic trigger. On every tick it calls Fire
// if the rule is enabled.
type Ticker struct {
	Rule     Rule
	Schedule Schedule
	Fire     func(ctx context.Context) error
	Logger   *slog.Logger
}

// Run ticks until ctx is done.
func (t *Ticker) Run(ctx context.Context) {
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("trigger", t.Rule.Name())

	last := time.Now().UTC()
	for {
		next := t.Schedule.Next(last)
		if next.IsZero() {
			return
		}

		delay := max(time.Until(next), 0)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		last = next

		enabled, err := t.Rule.Enabled(ctx)
		if err != nil {
			logger.Error("reading trigger state", "error", err)
			continue
		}
		if !enabled {
			logger.Debug("trigger disabled, skipping tick")
			continue
		}
		if err := t.Fire(ctx); err != nil {
			logger.Error("triggered run failed", "error", err)
		}
	}
}
