package circuitbreaker

import (
	"context"
	"log/slog"

	"github.com/glimte/weave-go/invocation"
	"github.com/glimte/weave-go/policy"
)

// Interceptor enforces the circuit breaker around intercepted calls. It applies
// to every operation whose policy declares a circuitBreaker block.
type Interceptor struct {
	breakers *Breakers
	priority int
	logger   *slog.Logger
}

// NewInterceptor creates the circuit breaker interceptor.
func NewInterceptor(breakers *Breakers, priority int, logger *slog.Logger) *Interceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Interceptor{breakers: breakers, priority: priority, logger: logger}
}

// Name implements interceptors.Interceptor.
func (i *Interceptor) Name() string { return "circuit-breaker" }

// Priority implements interceptors.Interceptor.
func (i *Interceptor) Priority() int { return i.priority }

// Applies implements interceptors.Interceptor.
func (i *Interceptor) Applies(op *policy.Operation) bool {
	return op != nil && op.CircuitBreaker != nil
}

// Intercept implements interceptors.Interceptor.
func (i *Interceptor) Intercept(ctx context.Context, inv *invocation.Invocation, op *policy.Operation, next invocation.Handler) (interface{}, error) {
	cfg := op.CircuitBreaker
	b := i.breakers.get(inv.Key(), Settings{
		FailureThreshold:       cfg.FailureCountThreshold,
		MinimumCalls:           cfg.MinimumNumberOfCalls,
		WaitDuration:           cfg.WaitDuration(),
		PermittedHalfOpenCalls: cfg.PermittedNumberOfCallsInHalfOpenState,
	})

	d := b.allow()
	if !d.allowed {
		i.logger.Debug("call rejected by open circuit",
			"operation", string(inv.Key()),
			"failures", d.failures,
			"retryAt", d.retryAt)
		return nil, &CircuitOpenError{
			Key:       inv.Key(),
			Failures:  d.failures,
			Threshold: d.threshold,
			RetryAt:   d.retryAt,
		}
	}

	result, err := next.Handle(ctx, inv)
	b.record(err == nil)
	return result, err
}
