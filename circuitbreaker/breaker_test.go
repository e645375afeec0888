package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/weave-go/invocation"
	"github.com/glimte/weave-go/policy"
)

var errBoom = errors.New("boom")

func testPolicy() *policy.Operation {
	return &policy.Operation{
		Target: "Svc",
		Method: "Do",
		CircuitBreaker: &policy.CircuitBreaker{
			FailureCountThreshold:                 3,
			MinimumNumberOfCalls:                  5,
			WaitDurationInOpenStateMillis:         1000,
			PermittedNumberOfCallsInHalfOpenState: 3,
		},
	}
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type flakyHandler struct {
	fail  bool
	calls int
}

func (h *flakyHandler) Handle(ctx context.Context, inv *invocation.Invocation) (interface{}, error) {
	h.calls++
	if h.fail {
		return nil, errBoom
	}
	return "ok", nil
}

func TestCircuitBreakerInterceptor(t *testing.T) {
	newFixture := func() (*Interceptor, *fakeClock, *flakyHandler) {
		clock := &fakeClock{now: time.Unix(1000, 0)}
		breakers := NewBreakers(WithClock(clock.Now))
		return NewInterceptor(breakers, 0, nil), clock, &flakyHandler{}
	}
	op := testPolicy()
	inv := invocation.New("Svc", "Do", nil)
	ctx := context.Background()

	t.Run("applies only when a circuit breaker block is declared", func(t *testing.T) {
		i, _, _ := newFixture()
		assert.True(t, i.Applies(op))
		assert.False(t, i.Applies(&policy.Operation{Target: "Svc", Method: "Do"}))
	})

	t.Run("closed circuit passes calls and failures through", func(t *testing.T) {
		i, _, h := newFixture()
		h.fail = true
		_, err := i.Intercept(ctx, inv, op, h)
		assert.ErrorIs(t, err, errBoom)
		assert.Equal(t, 1, h.calls)
	})

	t.Run("opens after minimum calls with enough failures", func(t *testing.T) {
		i, _, h := newFixture()
		h.fail = true
		for n := 0; n < 5; n++ {
			_, err := i.Intercept(ctx, inv, op, h)
			assert.ErrorIs(t, err, errBoom)
		}
		require.Equal(t, StateOpen, i.breakers.Snapshot(inv.Key()).State)

		// Rejected without invoking the wrapped method, with a distinct error
		// that reports the failure count that tripped the breaker, not the
		// counters reset by the transition.
		_, err := i.Intercept(ctx, inv, op, h)
		var openErr *CircuitOpenError
		require.ErrorAs(t, err, &openErr)
		assert.Equal(t, inv.Key(), openErr.Key)
		assert.Equal(t, 5, openErr.Failures)
		assert.Equal(t, 3, openErr.Threshold)
		assert.Equal(t, 5, h.calls)
	})

	t.Run("stays closed below the minimum call count", func(t *testing.T) {
		i, _, h := newFixture()
		h.fail = true
		for n := 0; n < 4; n++ {
			_, err := i.Intercept(ctx, inv, op, h)
			assert.ErrorIs(t, err, errBoom)
		}
		assert.Equal(t, StateClosed, i.breakers.Snapshot(inv.Key()).State)
	})

	t.Run("half-opens on the next call after the wait duration", func(t *testing.T) {
		i, clock, h := newFixture()
		h.fail = true
		for n := 0; n < 5; n++ {
			i.Intercept(ctx, inv, op, h)
		}
		require.Equal(t, StateOpen, i.breakers.Snapshot(inv.Key()).State)

		clock.Advance(999 * time.Millisecond)
		_, err := i.Intercept(ctx, inv, op, h)
		var openErr *CircuitOpenError
		require.ErrorAs(t, err, &openErr)

		clock.Advance(time.Millisecond)
		h.fail = false
		result, err := i.Intercept(ctx, inv, op, h)
		require.NoError(t, err)
		assert.Equal(t, "ok", result)
		assert.Equal(t, StateHalfOpen, i.breakers.Snapshot(inv.Key()).State)
	})

	t.Run("closes after the permitted half-open successes", func(t *testing.T) {
		i, clock, h := newFixture()
		h.fail = true
		for n := 0; n < 5; n++ {
			i.Intercept(ctx, inv, op, h)
		}
		clock.Advance(time.Second)

		h.fail = false
		for n := 0; n < 3; n++ {
			_, err := i.Intercept(ctx, inv, op, h)
			require.NoError(t, err)
		}
		assert.Equal(t, StateClosed, i.breakers.Snapshot(inv.Key()).State)
	})

	t.Run("one half-open failure reopens the circuit", func(t *testing.T) {
		i, clock, h := newFixture()
		h.fail = true
		for n := 0; n < 5; n++ {
			i.Intercept(ctx, inv, op, h)
		}
		clock.Advance(time.Second)

		h.fail = false
		_, err := i.Intercept(ctx, inv, op, h)
		require.NoError(t, err)
		h.fail = true
		_, err = i.Intercept(ctx, inv, op, h)
		assert.ErrorIs(t, err, errBoom)
		assert.Equal(t, StateOpen, i.breakers.Snapshot(inv.Key()).State)
	})

	t.Run("counters reset on every transition", func(t *testing.T) {
		i, clock, h := newFixture()
		h.fail = true
		for n := 0; n < 5; n++ {
			i.Intercept(ctx, inv, op, h)
		}
		snap := i.breakers.Snapshot(inv.Key())
		assert.Equal(t, 0, snap.Failures)
		assert.Equal(t, 0, snap.TotalCalls)

		clock.Advance(time.Second)
		h.fail = false
		i.Intercept(ctx, inv, op, h)
		snap = i.breakers.Snapshot(inv.Key())
		assert.Equal(t, StateHalfOpen, snap.State)
		assert.Equal(t, 1, snap.Successes)
	})
}

func TestBreakers(t *testing.T) {
	t.Run("snapshot of an untouched key is zeroed and creates no state", func(t *testing.T) {
		breakers := NewBreakers()
		snap := breakers.Snapshot("nothing#here#0")
		assert.Equal(t, StateClosed, snap.State)
		assert.Zero(t, snap.TotalCalls)
		assert.Empty(t, breakers.breakers)
	})

	t.Run("reset returns a breaker to closed", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(1000, 0)}
		breakers := NewBreakers(WithClock(clock.Now))
		b := breakers.get("k", Settings{FailureThreshold: 1, MinimumCalls: 1, WaitDuration: time.Minute})
		b.record(false)
		require.Equal(t, StateOpen, breakers.Snapshot("k").State)

		breakers.Reset("k")
		assert.Equal(t, StateClosed, breakers.Snapshot("k").State)
	})

	t.Run("one breaker per key", func(t *testing.T) {
		breakers := NewBreakers()
		a := breakers.get("k", Settings{})
		b := breakers.get("k", Settings{})
		assert.Same(t, a, b)
	})
}
