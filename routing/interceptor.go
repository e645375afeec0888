package routing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/weave-go/invocation"
	"github.com/glimte/weave-go/policy"
	"github.com/glimte/weave-go/registry"
)

// Router is the execution-routing interceptor. It applies to every operation
// whose policy declares a routing block.
type Router struct {
	primary  *SerialExecutor
	pool     *PoolExecutor
	registry *registry.Registry
	priority int
	logger   *slog.Logger
}

// NewRouter creates the routing interceptor over the runtime's primary and
// pool executors and the extension registry.
func NewRouter(primary *SerialExecutor, pool *PoolExecutor, reg *registry.Registry, priority int, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		primary:  primary,
		pool:     pool,
		registry: reg,
		priority: priority,
		logger:   logger,
	}
}

// Name implements interceptors.Interceptor.
func (r *Router) Name() string { return "execution-router" }

// Priority implements interceptors.Interceptor.
func (r *Router) Priority() int { return r.priority }

// Applies implements interceptors.Interceptor.
func (r *Router) Applies(op *policy.Operation) bool {
	return op != nil && op.Routing != nil
}

// Intercept implements interceptors.Interceptor.
func (r *Router) Intercept(ctx context.Context, inv *invocation.Invocation, op *policy.Operation, next invocation.Handler) (interface{}, error) {
	cfg := op.Routing
	key := inv.Key()

	// Fail fast before any scheduling: a caller waiting on itself across the
	// hop would deadlock.
	if !cfg.AllowReentrant && holds(ctx, key) {
		return nil, &ReentrancyError{Key: key}
	}

	var (
		exec  registry.Executor
		lock  registry.LockStrategy
		hooks registry.TimeoutHandler
		err   error
	)

	switch cfg.Target {
	case policy.RoutingSync:
		if OnPrimary(ctx) {
			// Already on the primary context, no hop needed.
			callCtx := ctx
			if !cfg.AllowReentrant {
				callCtx = hold(callCtx, key)
			}
			return next.Handle(callCtx, inv)
		}
		exec = r.primary
	case policy.RoutingVirtual:
		exec = GoroutineExecutor{}
	case policy.RoutingCustom:
		exec, lock, hooks, err = r.resolveCustom(cfg)
		if err != nil {
			return nil, err
		}
		// Extensions read their per-operation parameters from the context,
		// both in the lifecycle hooks and inside the routed task.
		ctx = withProperties(ctx, cfg.CustomProperties)
	default:
		exec = r.pool
	}

	taskCtx := ctx
	if cfg.Target == policy.RoutingSync {
		taskCtx = markPrimary(taskCtx)
	}
	if !cfg.AllowReentrant {
		taskCtx = hold(taskCtx, key)
	}
	taskCtx, cancel := context.WithCancel(taskCtx)
	fut := newFuture(cancel)

	if hooks != nil {
		hooks.BeforeExecution(ctx, inv)
	}

	task := func() {
		defer cancel()
		if lock != nil {
			if lerr := lock.Lock(taskCtx, string(key)); lerr != nil {
				fut.complete(nil, fmt.Errorf("routing: acquire lock for %s: %w", key, lerr))
				return
			}
			defer func() {
				if uerr := lock.Unlock(context.Background(), string(key)); uerr != nil {
					r.logger.Warn("failed to release custom lock",
						"operation", string(key), "error", uerr)
				}
			}()
		}
		result, herr := next.Handle(taskCtx, inv)
		fut.complete(result, herr)
	}

	if serr := exec.Submit(task); serr != nil {
		cancel()
		return nil, serr
	}

	if cfg.ResultAsync {
		// The operation already yields an asynchronous result; hand the
		// caller the pending result instead of blocking on it.
		return fut, nil
	}

	return r.await(ctx, inv, fut, hooks, cfg.Timeout())
}

func (r *Router) await(ctx context.Context, inv *invocation.Invocation, fut *Future, hooks registry.TimeoutHandler, timeout time.Duration) (interface{}, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-fut.Done():
		if hooks != nil {
			hooks.AfterExecution(ctx, inv, fut.result, fut.err)
		}
		return fut.result, fut.err
	case <-expired:
		fut.Cancel()
		if hooks != nil {
			if result, err := hooks.OnTimeout(ctx, inv, timeout); result != nil || err != nil {
				return result, err
			}
		}
		return nil, &TimeoutError{Key: inv.Key(), Timeout: timeout}
	case <-ctx.Done():
		fut.Cancel()
		return nil, ctx.Err()
	}
}

// resolveCustom looks up the named executor, lock strategy and timeout handler.
// A missing name is a hard configuration error; an empty name falls back to the
// built-in behavior for that concern.
func (r *Router) resolveCustom(cfg *policy.Routing) (registry.Executor, registry.LockStrategy, registry.TimeoutHandler, error) {
	var (
		exec  registry.Executor = r.pool
		lock  registry.LockStrategy
		hooks registry.TimeoutHandler
		err   error
	)
	if cfg.CustomExecutor != "" {
		if exec, err = r.registry.Executor(cfg.CustomExecutor); err != nil {
			return nil, nil, nil, err
		}
	}
	if cfg.CustomLockStrategy != "" {
		if lock, err = r.registry.LockStrategy(cfg.CustomLockStrategy); err != nil {
			return nil, nil, nil, err
		}
	}
	if cfg.CustomTimeoutHandler != "" {
		if hooks, err = r.registry.TimeoutHandler(cfg.CustomTimeoutHandler); err != nil {
			return nil, nil, nil, err
		}
	}
	return exec, lock, hooks, nil
}
