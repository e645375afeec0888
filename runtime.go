// Package weave is an aspect interception and resilience runtime: it wraps
// arbitrary operations with cross-cutting behavior (execution routing, circuit
// breaking, rate limiting and transaction coordination) declared per operation
// and enforced at call time without the callee's knowledge.
package weave

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/weave-go/circuitbreaker"
	"github.com/glimte/weave-go/interceptors"
	"github.com/glimte/weave-go/invocation"
	"github.com/glimte/weave-go/monitor"
	"github.com/glimte/weave-go/policy"
	"github.com/glimte/weave-go/ratelimit"
	"github.com/glimte/weave-go/registry"
	"github.com/glimte/weave-go/routing"
	"github.com/glimte/weave-go/tx"
)

// Interceptor priorities. Lower runs more outer: metrics sees rejections,
// routing hops before the per-call state machines run on the target context.
const (
	priorityMetrics        = 0
	priorityRouting        = 10
	priorityCircuitBreaker = 20
	priorityRateLimiter    = 30
)

// Runtime wires the interceptor chain, the resilience state, the extension
// registry and the transaction coordinator into one entry point.
type Runtime struct {
	chain       *interceptors.Chain
	registry    *registry.Registry
	breakers    *circuitbreaker.Breakers
	limiter     *ratelimit.Limiter
	rateLimit   *ratelimit.Interceptor
	coordinator *tx.Coordinator
	collector   *monitor.Collector
	primary     *routing.SerialExecutor
	pool        *routing.PoolExecutor
	logger      *slog.Logger

	mu     sync.Mutex
	closed bool
}

// New creates a runtime with the built-in interceptors registered.
func New(opts ...Option) (*Runtime, error) {
	cfg := &runtimeConfig{
		logger:      slog.Default(),
		poolWorkers: 8,
		queueDepth:  256,
		clock:       time.Now,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.registry == nil {
		cfg.registry = registry.New()
	}

	rt := &Runtime{
		chain:       interceptors.NewChain(cfg.logger),
		registry:    cfg.registry,
		breakers:    circuitbreaker.NewBreakers(circuitbreaker.WithClock(cfg.clock)),
		limiter:     ratelimit.NewLimiter(ratelimit.WithClock(cfg.clock)),
		coordinator: tx.NewCoordinator(tx.WithClock(cfg.clock), tx.WithLogger(cfg.logger)),
		collector:   monitor.NewCollector(monitor.WithClock(cfg.clock)),
		primary:     routing.NewSerialExecutor(cfg.queueDepth),
		pool:        routing.NewPoolExecutor(cfg.poolWorkers, cfg.queueDepth),
		logger:      cfg.logger,
	}
	rt.rateLimit = ratelimit.NewInterceptor(rt.limiter, ratelimit.NewKeyResolver(cfg.logger), priorityRateLimiter, cfg.logger)

	builtins := []interceptors.Interceptor{
		monitor.NewInterceptor(rt.collector, priorityMetrics),
		routing.NewRouter(rt.primary, rt.pool, rt.registry, priorityRouting, cfg.logger),
		circuitbreaker.NewInterceptor(rt.breakers, priorityCircuitBreaker, cfg.logger),
		rt.rateLimit,
	}
	for _, i := range builtins {
		if err := rt.chain.Use(i); err != nil {
			rt.shutdownExecutors()
			return nil, fmt.Errorf("weave: register interceptor: %w", err)
		}
	}
	return rt, nil
}

// Registry returns the extension registry for executor/lock/timeout-handler
// registration.
func (rt *Runtime) Registry() *registry.Registry { return rt.registry }

// Coordinator returns the transaction coordinator.
func (rt *Runtime) Coordinator() *tx.Coordinator { return rt.coordinator }

// Chain returns the interceptor chain, for registering additional custom
// interceptors before traffic starts.
func (rt *Runtime) Chain() *interceptors.Chain { return rt.chain }

// RegisterRateLimitFallback registers a named fallback handler referenced by
// rate-limiter policies.
func (rt *Runtime) RegisterRateLimitFallback(name string, h invocation.Handler) error {
	return rt.rateLimit.RegisterFallback(name, h)
}

// Operation is a wrapped operation: the declared policy bound to the real
// implementation, invokable through the interceptor chain.
type Operation struct {
	rt      *Runtime
	policy  *policy.Operation
	handler invocation.Handler
}

// Wrap binds an operation policy to its implementation. The policy gets
// defaults applied and is validated once, not per call.
func (rt *Runtime) Wrap(op *policy.Operation, handler invocation.Handler) (*Operation, error) {
	if op == nil {
		return nil, fmt.Errorf("weave: operation policy is required")
	}
	op.ApplyDefaults()
	if err := op.Validate(); err != nil {
		return nil, err
	}
	return &Operation{rt: rt, policy: op, handler: handler}, nil
}

// Invoke runs the operation with the given arguments through the chain.
func (o *Operation) Invoke(ctx context.Context, args ...interface{}) (interface{}, error) {
	var invOpts []invocation.Option
	if o.policy.Name != "" {
		invOpts = append(invOpts, invocation.WithLogicalName(o.policy.Name))
	}
	if len(o.policy.ArgNames) > 0 {
		invOpts = append(invOpts, invocation.WithArgNames(o.policy.ArgNames...))
	}
	inv := invocation.New(o.policy.Target, o.policy.Method, args, invOpts...)
	return o.rt.chain.Execute(ctx, inv, o.policy, o.handler)
}

// Key returns the operation key per-operation state is indexed by. Without a
// logical Name the arity comes from the declared ArgNames, while each Invoke
// keys state by the live argument count; operations that take arguments should
// declare Name or ArgNames so both resolve to the same key.
func (o *Operation) Key() invocation.OperationKey {
	if o.policy.Name != "" {
		return invocation.OperationKey(o.policy.Name)
	}
	return invocation.NewOperationKey(o.policy.Target, o.policy.Method, len(o.policy.ArgNames))
}

// Metrics is the combined observability view of one operation.
type Metrics struct {
	Operation monitor.OperationMetrics
	Circuit   circuitbreaker.Snapshot
}

// Metrics returns the combined metrics for an operation key.
func (rt *Runtime) Metrics(key invocation.OperationKey) Metrics {
	return Metrics{
		Operation: rt.collector.Snapshot(key),
		Circuit:   rt.breakers.Snapshot(key),
	}
}

// LimiterUtilization reports the utilization of one rate-limiter bucket key.
func (rt *Runtime) LimiterUtilization(key string) float64 {
	return rt.limiter.Utilization(key)
}

// Reset clears the resilience state and metrics for an operation key.
// Intended for tests and operators.
func (rt *Runtime) Reset(key invocation.OperationKey) {
	rt.collector.Reset(key)
	rt.breakers.Reset(key)
	rt.limiter.Reset(string(key))
}

// Close stops the built-in executors. Wrapped operations must not be invoked
// after Close.
func (rt *Runtime) Close() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return
	}
	rt.closed = true
	rt.shutdownExecutors()
}

func (rt *Runtime) shutdownExecutors() {
	rt.primary.Close()
	rt.pool.Close()
}
