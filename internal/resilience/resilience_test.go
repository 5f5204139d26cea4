package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestBackoff_Bounds(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: 2 * time.Second, Jitter: 0.3}

	for _, r := range []float64{0, 0.25, 0.5, 0.999} {
		b.Rand = func() float64 { return r }
		for a := 0; a < 10; a++ {
			d := b.Delay(a)
			assert.GreaterOrEqual(t, d, b.Base, "attempt %d r=%v", a, r)
			upper := time.Duration(float64(b.Ceiling(a)) * 1.3)
			assert.LessOrEqual(t, d, upper, "attempt %d r=%v", a, r)
		}
	}
}

func TestBackoff_CeilingGrowsAndCaps(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second}

	assert.Equal(t, 100*time.Millisecond, b.Ceiling(0))
	assert.Equal(t, 200*time.Millisecond, b.Ceiling(1))
	assert.Equal(t, 800*time.Millisecond, b.Ceiling(3))
	assert.Equal(t, time.Second, b.Ceiling(4))
	assert.Equal(t, time.Second, b.Ceiling(200))
}

func TestBackoff_MidpointHasNoJitterEffect(t *testing.T) {
	b := Backoff{Base: 50 * time.Millisecond, Max: time.Second, Jitter: 0.3, Rand: func() float64 { return 0.5 }}
	assert.InDelta(t, float64(400*time.Millisecond), float64(b.Delay(3)), float64(time.Microsecond))
}

func noSleep(calls *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*calls = append(*calls, d)
		return nil
	}
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	var sleeps []time.Duration
	p := Policy{MaxRetries: 3, Backoff: DefaultBackoff(), Sleep: noSleep(&sleeps)}

	calls := 0
	err := Retry(context.Background(), p, func(context.Context) error {
		calls++
		if calls < 3 {
			return errBoom
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, sleeps, 2)
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	var sleeps []time.Duration
	p := Policy{MaxRetries: 2, Backoff: DefaultBackoff(), Sleep: noSleep(&sleeps)}

	calls := 0
	err := Retry(context.Background(), p, func(context.Context) error {
		calls++
		return errBoom
	})

	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, 3, calls)
}

func TestRetry_VetoedByPredicateAndPermanent(t *testing.T) {
	var sleeps []time.Duration
	p := Policy{
		MaxRetries:  5,
		Backoff:     DefaultBackoff(),
		Sleep:       noSleep(&sleeps),
		ShouldRetry: func(err error) bool { return !errors.Is(err, errBoom) },
	}

	calls := 0
	err := Retry(context.Background(), p, func(context.Context) error {
		calls++
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, 1, calls)

	p.ShouldRetry = nil
	calls = 0
	err = Retry(context.Background(), p, func(context.Context) error {
		calls++
		return Permanent(errBoom)
	})
	require.ErrorIs(t, err, errBoom)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, 1, calls)
	assert.Empty(t, sleeps)
}

func TestRetry_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxRetries: 10, Backoff: Backoff{Base: time.Hour, Max: time.Hour}}

	calls := 0
	err := Retry(ctx, p, func(context.Context) error {
		calls++
		cancel()
		return errBoom
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func newTestBreaker(clk *fakeClock, cfg BreakerConfig) *Breaker {
	return NewBreaker("chain-rpc", cfg, WithBreakerClock(clk.Now))
}

func TestBreaker_OpensAfterThresholdAndRejectsWithoutCalling(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	b := newTestBreaker(clk, BreakerConfig{FailureThreshold: 3, ResetTimeout: 10 * time.Second})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := b.Execute(ctx, func(context.Context) error { return errBoom })
		require.ErrorIs(t, err, errBoom)
	}
	assert.Equal(t, StateOpen, b.State())

	called := false
	err := b.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	var oe *OpenError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, time.Unix(1010, 0), oe.RetryAt)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	b := newTestBreaker(clk, BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Second})
	ctx := context.Background()

	_ = b.Execute(ctx, func(context.Context) error { return errBoom })
	_ = b.Execute(ctx, func(context.Context) error { return nil })
	_ = b.Execute(ctx, func(context.Context) error { return errBoom })

	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	var transitions []string
	b := newTestBreaker(clk, BreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     5 * time.Second,
		OnStateChange: func(_ string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	ctx := context.Background()

	_ = b.Execute(ctx, func(context.Context) error { return errBoom })
	clk.Advance(5 * time.Second)

	called := false
	err := b.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	b := newTestBreaker(clk, BreakerConfig{FailureThreshold: 1, ResetTimeout: 5 * time.Second})
	ctx := context.Background()

	_ = b.Execute(ctx, func(context.Context) error { return errBoom })
	clk.Advance(5 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())

	err := b.Execute(ctx, func(context.Context) error { return errBoom })
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, StateOpen, b.State())
	// lastFailure foi reiniciado: o timeout conta de novo a partir daqui
	assert.Equal(t, clk.Now().Add(5*time.Second), b.RetryAt())

	clk.Advance(4 * time.Second)
	err = b.Execute(ctx, func(context.Context) error { return nil })
	require.ErrorIs(t, err, ErrCircuitOpen)
}

func TestBreaker_HalfOpenNeedsConfiguredSuccesses(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	b := newTestBreaker(clk, BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Second, HalfOpenSuccessThreshold: 2})
	ctx := context.Background()

	_ = b.Execute(ctx, func(context.Context) error { return errBoom })
	clk.Advance(time.Second)

	_ = b.Execute(ctx, func(context.Context) error { return nil })
	assert.Equal(t, StateHalfOpen, b.State())
	_ = b.Execute(ctx, func(context.Context) error { return nil })
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_PermanentErrorIsNotAFailure(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	b := newTestBreaker(clk, BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Second})

	err := b.Execute(context.Background(), func(context.Context) error { return Permanent(errBoom) })
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, StateClosed, b.State())
}
