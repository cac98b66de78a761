// Package trigger controls the periodic trigger that invokes reconciliation.
// The reconciler turns it off when nothing is running and anything that
// starts an execution turns it back on.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/matthewmarion/workflow-service/internal/store"
)

// DefaultSettle is how long Enable and Disable wait after changing state.
const DefaultSettle = 2 * time.Second

// Rule is the underlying on/off switch of a periodic trigger.
type Rule interface {
	Name() string
	Enabled(ctx context.Context) (bool, error)
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
}

// Controller toggles a Rule idempotently. Both directions run under the
// store mutex named after the rule so concurrent toggles do not interleave.
type Controller struct {
	rule   Rule
	store  store.Store
	settle time.Duration
	sleep  func(context.Context, time.Duration) error
	logger *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithSettle sets the wait after a state change.
func WithSettle(d time.Duration) Option {
	return func(c *Controller) {
		c.settle = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = l
	}
}

// NewController returns a controller for rule whose mutex lives in s.
func NewController(rule Rule, s store.Store, opts ...Option) *Controller {
	c := &Controller{
		rule:   rule,
		store:  s,
		settle: DefaultSettle,
		sleep:  sleepContext,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("trigger", rule.Name())
	return c
}

// Name returns the rule name.
func (c *Controller) Name() string { return c.rule.Name() }

// Enabled reports the current state of the rule.
func (c *Controller) Enabled(ctx context.Context) (bool, error) {
	return c.rule.Enabled(ctx)
}

// Enable turns the trigger on if it is off.
func (c *Controller) Enable(ctx context.Context) error {
	return c.set(ctx, true)
}

// Disable turns the trigger off if it is on.
func (c *Controller) Disable(ctx context.Context) error {
	return c.set(ctx, false)
}

func (c *Controller) set(ctx context.Context, enable bool) error {
	m := c.store.CreateMutex(c.rule.Name(), uuid.NewString())
	return store.WithMutex(ctx, m, func() error {
		enabled, err := c.rule.Enabled(ctx)
		if err != nil {
			return fmt.Errorf("reading trigger %s: %w", c.rule.Name(), err)
		}
		if enabled == enable {
			return nil
		}

		if enable {
			err = c.rule.Enable(ctx)
		} else {
			err = c.rule.Disable(ctx)
		}
		if err != nil {
			return fmt.Errorf("toggling trigger %s: %w", c.rule.Name(), err)
		}
		c.logger.Info("trigger toggled", "enabled", enable)
		return c.sleep(ctx, c.settle)
	}, func(err error) {
		c.logger.Error("unlocking trigger mutex", "error", err)
	})
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
