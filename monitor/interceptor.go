package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/glimte/weave-go/circuitbreaker"
	"github.com/glimte/weave-go/invocation"
	"github.com/glimte/weave-go/policy"
	"github.com/glimte/weave-go/ratelimit"
)

// Interceptor records per-operation metrics for every intercepted call. It is
// registered outermost so it also sees resilience rejections.
type Interceptor struct {
	collector *Collector
	priority  int
}

// NewInterceptor creates the metrics interceptor.
func NewInterceptor(collector *Collector, priority int) *Interceptor {
	return &Interceptor{collector: collector, priority: priority}
}

// Name implements interceptors.Interceptor.
func (i *Interceptor) Name() string { return "metrics" }

// Priority implements interceptors.Interceptor.
func (i *Interceptor) Priority() int { return i.priority }

// Applies implements interceptors.Interceptor.
func (i *Interceptor) Applies(op *policy.Operation) bool { return true }

// Intercept implements interceptors.Interceptor.
func (i *Interceptor) Intercept(ctx context.Context, inv *invocation.Invocation, op *policy.Operation, next invocation.Handler) (interface{}, error) {
	start := time.Now()
	result, err := next.Handle(ctx, inv)
	i.collector.Record(inv.Key(), time.Since(start), err != nil, isRejection(err))
	return result, err
}

func isRejection(err error) bool {
	if err == nil {
		return false
	}
	var open *circuitbreaker.CircuitOpenError
	var limited *ratelimit.RateLimitError
	return errors.As(err, &open) || errors.As(err, &limited)
}
