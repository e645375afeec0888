package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/weave-go/invocation"
	"github.com/glimte/weave-go/policy"
)

// Interceptor enforces admission control around intercepted calls. It applies
// to every operation whose policy declares a rateLimiter block.
//
// On rejection, if the operation names a registered fallback, the fallback runs
// with the original invocation instead of failing the call.
type Interceptor struct {
	limiter  *Limiter
	resolver *KeyResolver
	priority int
	logger   *slog.Logger

	mu        sync.RWMutex
	fallbacks map[string]invocation.Handler
}

// NewInterceptor creates the rate limiter interceptor.
func NewInterceptor(limiter *Limiter, resolver *KeyResolver, priority int, logger *slog.Logger) *Interceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Interceptor{
		limiter:   limiter,
		resolver:  resolver,
		priority:  priority,
		logger:    logger,
		fallbacks: make(map[string]invocation.Handler),
	}
}

// RegisterFallback registers a named fallback handler referenced by
// fallbackMethodName in operation policies.
func (i *Interceptor) RegisterFallback(name string, h invocation.Handler) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.fallbacks[name]; ok {
		return fmt.Errorf("ratelimit: fallback %q already registered", name)
	}
	i.fallbacks[name] = h
	return nil
}

func (i *Interceptor) fallback(name string) (invocation.Handler, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	h, ok := i.fallbacks[name]
	return h, ok
}

// Name implements interceptors.Interceptor.
func (i *Interceptor) Name() string { return "rate-limiter" }

// Priority implements interceptors.Interceptor.
func (i *Interceptor) Priority() int { return i.priority }

// Applies implements interceptors.Interceptor.
func (i *Interceptor) Applies(op *policy.Operation) bool {
	return op != nil && op.RateLimiter != nil
}

// Intercept implements interceptors.Interceptor.
func (i *Interceptor) Intercept(ctx context.Context, inv *invocation.Invocation, op *policy.Operation, next invocation.Handler) (interface{}, error) {
	cfg := op.RateLimiter
	key := i.resolver.Resolve(inv, cfg)

	var admitErr error
	if cfg.WaitForNextSlot {
		admitErr = i.limiter.Acquire(ctx, key, cfg, cfg.MaxWaitTime())
	} else if !i.limiter.TryAcquire(key, cfg) {
		admitErr = &RateLimitError{Key: key, Limit: cfg.Limit, Period: cfg.Period()}
	}

	if admitErr != nil {
		if cfg.FallbackMethodName != "" {
			if fb, ok := i.fallback(cfg.FallbackMethodName); ok {
				i.logger.Debug("rate limit exceeded, invoking fallback",
					"key", key, "fallback", cfg.FallbackMethodName)
				return fb.Handle(ctx, inv)
			}
			i.logger.Warn("declared fallback is not registered",
				"key", key, "fallback", cfg.FallbackMethodName)
		}
		return nil, admitErr
	}

	return next.Handle(ctx, inv)
}
