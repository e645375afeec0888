package interceptors

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/glimte/weave-go/invocation"
	"github.com/glimte/weave-go/policy"
)

// Interceptor wraps cross-cutting behavior around an intercepted call. An
// interceptor declares whether it applies to a given operation and a numeric
// priority; lower priorities run more outer.
type Interceptor interface {
	// Name identifies the interceptor for registration and logging.
	Name() string

	// Priority orders the interceptor in the chain, ascending.
	Priority() int

	// Applies reports whether the interceptor participates in calls to op.
	Applies(op *policy.Operation) bool

	// Intercept executes around the call. It must call next, short-circuit
	// by returning, or both.
	Intercept(ctx context.Context, inv *invocation.Invocation, op *policy.Operation, next invocation.Handler) (interface{}, error)
}

// InterceptorFunc is a function-based Interceptor.
type InterceptorFunc struct {
	name     string
	priority int
	applies  func(op *policy.Operation) bool
	fn       func(ctx context.Context, inv *invocation.Invocation, op *policy.Operation, next invocation.Handler) (interface{}, error)
}

// NewInterceptorFunc creates a function-based interceptor that applies to every
// operation.
func NewInterceptorFunc(name string, priority int, fn func(ctx context.Context, inv *invocation.Invocation, op *policy.Operation, next invocation.Handler) (interface{}, error)) *InterceptorFunc {
	return &InterceptorFunc{name: name, priority: priority, fn: fn}
}

// Name implements Interceptor.
func (i *InterceptorFunc) Name() string { return i.name }

// Priority implements Interceptor.
func (i *InterceptorFunc) Priority() int { return i.priority }

// Applies implements Interceptor.
func (i *InterceptorFunc) Applies(op *policy.Operation) bool {
	if i.applies == nil {
		return true
	}
	return i.applies(op)
}

// Intercept implements Interceptor.
func (i *InterceptorFunc) Intercept(ctx context.Context, inv *invocation.Invocation, op *policy.Operation, next invocation.Handler) (interface{}, error) {
	return i.fn(ctx, inv, op, next)
}

// Chain manages the registered interceptors and composes the applicable
// subsequence around each call. Registration is idempotent by name: a second
// Use of the same name is an error, never a double wrap.
type Chain struct {
	mu           sync.RWMutex
	interceptors []Interceptor
	names        map[string]struct{}
	resolved     map[invocation.OperationKey][]Interceptor
	logger       *slog.Logger
}

// NewChain creates an empty chain.
func NewChain(logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{
		names:    make(map[string]struct{}),
		resolved: make(map[invocation.OperationKey][]Interceptor),
		logger:   logger,
	}
}

// Use registers an interceptor.
func (c *Chain) Use(i Interceptor) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.names[i.Name()]; ok {
		return fmt.Errorf("interceptors: %q already registered", i.Name())
	}
	c.names[i.Name()] = struct{}{}
	c.interceptors = append(c.interceptors, i)
	// Resolution depends on the registered set, so drop the cache.
	c.resolved = make(map[invocation.OperationKey][]Interceptor)
	return nil
}

// Resolve returns the applicable interceptors for op sorted ascending by
// priority, caching the result per operation key.
func (c *Chain) Resolve(key invocation.OperationKey, op *policy.Operation) []Interceptor {
	c.mu.RLock()
	cached, ok := c.resolved[key]
	c.mu.RUnlock()
	if ok {
		return cached
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cached, ok := c.resolved[key]; ok {
		return cached
	}
	applicable := make([]Interceptor, 0, len(c.interceptors))
	for _, i := range c.interceptors {
		if i.Applies(op) {
			applicable = append(applicable, i)
		}
	}
	sort.SliceStable(applicable, func(a, b int) bool {
		return applicable[a].Priority() < applicable[b].Priority()
	})
	c.resolved[key] = applicable
	return applicable
}

// Execute runs the invocation through the resolved interceptors, innermost
// being the final handler.
func (c *Chain) Execute(ctx context.Context, inv *invocation.Invocation, op *policy.Operation, final invocation.Handler) (interface{}, error) {
	pipeline := c.Resolve(inv.Key(), op)
	if len(pipeline) == 0 {
		return final.Handle(ctx, inv)
	}

	// Build the chain in reverse order so the lowest priority runs outermost.
	handler := final
	for i := len(pipeline) - 1; i >= 0; i-- {
		interceptor := pipeline[i]
		next := handler
		handler = invocation.HandlerFunc(func(ctx context.Context, inv *invocation.Invocation) (interface{}, error) {
			return interceptor.Intercept(ctx, inv, op, next)
		})
	}
	return handler.Handle(ctx, inv)
}
