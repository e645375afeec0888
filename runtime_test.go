package weave

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/weave-go/circuitbreaker"
	"github.com/glimte/weave-go/invocation"
	"github.com/glimte/weave-go/policy"
	"github.com/glimte/weave-go/ratelimit"
	"github.com/glimte/weave-go/registry"
	"github.com/glimte/weave-go/routing"
)

func newRuntime(t *testing.T, opts ...Option) *Runtime {
	t.Helper()
	rt, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(rt.Close)
	return rt
}

func TestRuntimeWrap(t *testing.T) {
	ctx := context.Background()

	t.Run("a wrapped operation runs through to the handler", func(t *testing.T) {
		rt := newRuntime(t)
		op, err := rt.Wrap(&policy.Operation{
			Target:  "UserService",
			Method:  "Load",
			Routing: &policy.Routing{Target: policy.RoutingAsync, TimeoutMillis: 1000},
		}, invocation.HandlerFunc(func(ctx context.Context, inv *invocation.Invocation) (interface{}, error) {
			return "user:" + inv.Args()[0].(string), nil
		}))
		require.NoError(t, err)

		result, err := op.Invoke(ctx, "u42")
		require.NoError(t, err)
		assert.Equal(t, "user:u42", result)
	})

	t.Run("wrap validates the policy", func(t *testing.T) {
		rt := newRuntime(t)
		_, err := rt.Wrap(&policy.Operation{
			Target:  "UserService",
			Method:  "Load",
			Routing: &policy.Routing{Target: "ELSEWHERE"},
		}, invocation.HandlerFunc(func(context.Context, *invocation.Invocation) (interface{}, error) {
			return nil, nil
		}))
		var fieldErr *policy.FieldError
		assert.ErrorAs(t, err, &fieldErr)
	})

	t.Run("an operation without aspects still executes", func(t *testing.T) {
		rt := newRuntime(t)
		op, err := rt.Wrap(&policy.Operation{Target: "Svc", Method: "Plain"},
			invocation.HandlerFunc(func(context.Context, *invocation.Invocation) (interface{}, error) {
				return 7, nil
			}))
		require.NoError(t, err)

		result, err := op.Invoke(ctx)
		require.NoError(t, err)
		assert.Equal(t, 7, result)
	})
}

func TestRuntimeCircuitBreaking(t *testing.T) {
	ctx := context.Background()

	t.Run("repeated failures open the circuit and stop reaching the handler", func(t *testing.T) {
		rt := newRuntime(t)
		boom := errors.New("downstream unavailable")
		calls := 0
		op, err := rt.Wrap(&policy.Operation{
			Name:   "fragile",
			Target: "Downstream",
			Method: "Call",
			CircuitBreaker: &policy.CircuitBreaker{
				FailureCountThreshold:         3,
				MinimumNumberOfCalls:          5,
				WaitDurationInOpenStateMillis: 60000,
			},
		}, invocation.HandlerFunc(func(context.Context, *invocation.Invocation) (interface{}, error) {
			calls++
			return nil, boom
		}))
		require.NoError(t, err)

		for n := 0; n < 5; n++ {
			_, err := op.Invoke(ctx)
			assert.ErrorIs(t, err, boom)
		}
		_, err = op.Invoke(ctx)
		var openErr *circuitbreaker.CircuitOpenError
		require.ErrorAs(t, err, &openErr)
		assert.Equal(t, 5, calls)

		m := rt.Metrics(op.Key())
		assert.Equal(t, circuitbreaker.StateOpen, m.Circuit.State)
		assert.Equal(t, int64(6), m.Operation.Calls)
		assert.Equal(t, int64(1), m.Operation.Rejections)
	})

	t.Run("reset closes the circuit again", func(t *testing.T) {
		rt := newRuntime(t)
		op, err := rt.Wrap(&policy.Operation{
			Name:   "fragile",
			Target: "Downstream",
			Method: "Call",
			CircuitBreaker: &policy.CircuitBreaker{
				FailureCountThreshold:         1,
				MinimumNumberOfCalls:          1,
				WaitDurationInOpenStateMillis: 60000,
			},
		}, invocation.HandlerFunc(func(context.Context, *invocation.Invocation) (interface{}, error) {
			return nil, errors.New("boom")
		}))
		require.NoError(t, err)

		_, _ = op.Invoke(ctx)
		require.Equal(t, circuitbreaker.StateOpen, rt.Metrics(op.Key()).Circuit.State)

		rt.Reset(op.Key())
		assert.Equal(t, circuitbreaker.StateClosed, rt.Metrics(op.Key()).Circuit.State)
		assert.Zero(t, rt.Metrics(op.Key()).Operation.Calls)
	})
}

func TestRuntimeRateLimiting(t *testing.T) {
	ctx := context.Background()

	t.Run("the sixth call in a window is rejected", func(t *testing.T) {
		rt := newRuntime(t)
		op, err := rt.Wrap(&policy.Operation{
			Name:   "listing",
			Target: "Catalog",
			Method: "List",
			RateLimiter: &policy.RateLimiter{
				Name:         "listing",
				Limit:        5,
				PeriodMillis: 60000,
				Strategy:     policy.FixedWindow,
			},
		}, invocation.HandlerFunc(func(context.Context, *invocation.Invocation) (interface{}, error) {
			return "page", nil
		}))
		require.NoError(t, err)

		for n := 0; n < 5; n++ {
			_, err := op.Invoke(ctx)
			require.NoError(t, err)
		}
		_, err = op.Invoke(ctx)
		var limitErr *ratelimit.RateLimitError
		require.ErrorAs(t, err, &limitErr)
		assert.InDelta(t, 1.0, rt.LimiterUtilization("listing"), 0.001)
	})

	t.Run("a registered fallback serves rejected calls", func(t *testing.T) {
		rt := newRuntime(t)
		require.NoError(t, rt.RegisterRateLimitFallback("stale-page", invocation.HandlerFunc(
			func(context.Context, *invocation.Invocation) (interface{}, error) {
				return "stale", nil
			})))

		op, err := rt.Wrap(&policy.Operation{
			Name:   "listing",
			Target: "Catalog",
			Method: "List",
			RateLimiter: &policy.RateLimiter{
				Name:               "listing",
				Limit:              1,
				PeriodMillis:       60000,
				Strategy:           policy.TokenBucket,
				FallbackMethodName: "stale-page",
			},
		}, invocation.HandlerFunc(func(context.Context, *invocation.Invocation) (interface{}, error) {
			return "fresh", nil
		}))
		require.NoError(t, err)

		first, err := op.Invoke(ctx)
		require.NoError(t, err)
		assert.Equal(t, "fresh", first)

		second, err := op.Invoke(ctx)
		require.NoError(t, err)
		assert.Equal(t, "stale", second)
	})
}

func TestRuntimeCustomRouting(t *testing.T) {
	ctx := context.Background()

	t.Run("custom executors registered before traffic are honored", func(t *testing.T) {
		reg := registry.New()
		ran := false
		require.NoError(t, reg.RegisterExecutor("audit-pool", registry.ExecutorFunc(func(task func()) error {
			ran = true
			task()
			return nil
		})))

		rt := newRuntime(t, WithRegistry(reg))
		op, err := rt.Wrap(&policy.Operation{
			Target: "Audit",
			Method: "Write",
			Routing: &policy.Routing{
				Target:         policy.RoutingCustom,
				TimeoutMillis:  1000,
				CustomExecutor: "audit-pool",
			},
		}, invocation.HandlerFunc(func(context.Context, *invocation.Invocation) (interface{}, error) {
			return nil, nil
		}))
		require.NoError(t, err)

		_, err = op.Invoke(ctx)
		require.NoError(t, err)
		assert.True(t, ran)
	})

	t.Run("unknown executor names fail the call", func(t *testing.T) {
		rt := newRuntime(t)
		op, err := rt.Wrap(&policy.Operation{
			Target: "Audit",
			Method: "Write",
			Routing: &policy.Routing{
				Target:         policy.RoutingCustom,
				TimeoutMillis:  1000,
				CustomExecutor: "nowhere",
			},
		}, invocation.HandlerFunc(func(context.Context, *invocation.Invocation) (interface{}, error) {
			return nil, nil
		}))
		require.NoError(t, err)

		_, err = op.Invoke(ctx)
		var notFound *registry.NotFoundError
		assert.ErrorAs(t, err, &notFound)
	})
}

func TestRuntimeReentrancy(t *testing.T) {
	ctx := context.Background()

	t.Run("recursive invocation without allowReentrant fails fast", func(t *testing.T) {
		rt := newRuntime(t)

		var op *Operation
		var nestedErr error
		wrapped, err := rt.Wrap(&policy.Operation{
			Name:    "recursive",
			Target:  "Svc",
			Method:  "Recurse",
			Routing: &policy.Routing{Target: policy.RoutingVirtual, TimeoutMillis: 1000},
		}, invocation.HandlerFunc(func(innerCtx context.Context, _ *invocation.Invocation) (interface{}, error) {
			_, nestedErr = op.Invoke(innerCtx)
			return nil, nestedErr
		}))
		require.NoError(t, err)
		op = wrapped

		_, err = op.Invoke(ctx)
		require.Error(t, err)
		var reentrant *routing.ReentrancyError
		assert.ErrorAs(t, nestedErr, &reentrant)
	})
}

func TestRuntimeClose(t *testing.T) {
	t.Run("close is idempotent", func(t *testing.T) {
		rt, err := New()
		require.NoError(t, err)
		rt.Close()
		rt.Close()
	})
}
