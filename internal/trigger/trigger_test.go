package trigger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matthewmarion/workflow-service/internal/store"
)

type fakeEventBridge struct {
	mu       sync.Mutex
	state    types.RuleState
	enables  int
	disables int
}

func (f *fakeEventBridge) DescribeRule(_ context.Context, in *eventbridge.DescribeRuleInput, _ ...func(*eventbridge.Options)) (*eventbridge.DescribeRuleOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &eventbridge.DescribeRuleOutput{Name: in.Name, State: f.state}, nil
}

func (f *fakeEventBridge) EnableRule(_ context.Context, _ *eventbridge.EnableRuleInput, _ ...func(*eventbridge.Options)) (*eventbridge.EnableRuleOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enables++
	f.state = types.RuleStateEnabled
	return &eventbridge.EnableRuleOutput{}, nil
}

func (f *fakeEventBridge) DisableRule(_ context.Context, _ *eventbridge.DisableRuleInput, _ ...func(*eventbridge.Options)) (*eventbridge.DisableRuleOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disables++
	f.state = types.RuleStateDisabled
	return &eventbridge.DisableRuleOutput{}, nil
}

func newTestController(rule Rule, s store.Store) (*Controller, *int) {
	c := NewController(rule, s)
	slept := new(int)
	c.sleep = func(context.Context, time.Duration) error {
		*slept++
		return nil
	}
	return c, slept
}

func TestController_IdempotentToggles(t *testing.T) {
	s := store.NewMemoryStore(0)
	eb := &fakeEventBridge{state: types.RuleStateDisabled}
	c, slept := newTestController(NewEventBridgeRule("periodic-checker", eb), s)
	ctx := context.Background()

	require.NoError(t, c.Enable(ctx))
	require.NoError(t, c.Enable(ctx))
	assert.Equal(t, 1, eb.enables)
	assert.Equal(t, 1, *slept, "settle only after a change")

	require.NoError(t, c.Disable(ctx))
	require.NoError(t, c.Disable(ctx))
	assert.Equal(t, 1, eb.disables)
	assert.Equal(t, 2, *slept)

	_, held := s.Holder("periodic-checker")
	assert.False(t, held, "mutex released after each toggle")
}

func TestController_WaitsForMutex(t *testing.T) {
	s := store.NewMemoryStore(0)
	rule := NewStoreRule("periodic-checker", s)
	c, _ := newTestController(rule, s)
	ctx := context.Background()

	other := s.CreateMutex("periodic-checker", "someone-else")
	ok, err := other.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	done := make(chan error, 1)
	go func() { done <- c.Enable(ctx) }()

	select {
	case <-done:
		t.Fatal("Enable returned while the mutex was held")
	case <-time.After(100 * time.Millisecond):
	}
	require.NoError(t, other.Unlock(ctx))
	require.NoError(t, <-done)

	enabled, err := rule.Enabled(ctx)
	require.NoError(t, err)
	assert.True(t, enabled)
}

func TestStoreRule_MissingIsDisabled(t *testing.T) {
	s := store.NewMemoryStore(0)
	rule := NewStoreRule("periodic-checker", s)
	ctx := context.Background()

	enabled, err := rule.Enabled(ctx)
	require.NoError(t, err)
	assert.False(t, enabled)

	require.NoError(t, rule.Enable(ctx))
	enabled, err = rule.Enabled(ctx)
	require.NoError(t, err)
	assert.True(t, enabled)

	_, err = s.Get(ctx, "/triggers/periodic-checker")
	assert.NoError(t, err)
}

func TestController_SettleHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
	assert.NoError(t, sleepContext(context.Background(), 0))
}

func TestTicker_FiresOnlyWhenEnabled(t *testing.T) {
	s := store.NewMemoryStore(0)
	rule := NewStoreRule("periodic-checker", s)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var fired atomic.Int32
	tk := &Ticker{
		Rule:     rule,
		Schedule: Interval{Every: 10 * time.Millisecond},
		Fire: func(context.Context) error {
			fired.Add(1)
			return errors.New("ignored")
		},
	}
	done := make(chan struct{})
	go func() {
		tk.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, fired.Load())

	require.NoError(t, rule.Enable(context.Background()))
	assert.Eventually(t, func() bool { return fired.Load() >= 2 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ticker did not stop")
	}
}

func TestInterval_NonPositiveStops(t *testing.T) {
	assert.True(t, Interval{}.Next(time.Now()).IsZero())
	now := time.Now()
	assert.Equal(t, now.Add(time.Minute), Interval{Every: time.Minute}.Next(now))
}
