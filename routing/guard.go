package routing

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/weave-go/invocation"
)

// ReentrancyError reports a call re-entering a guarded operation it already
// holds the guard for. It is raised before any scheduling happens, preventing
// a caller from deadlocking on itself across the cross-context hop.
type ReentrancyError struct {
	Key invocation.OperationKey
}

func (e *ReentrancyError) Error() string {
	return fmt.Sprintf("routing: re-entrant call to guarded operation %s", e.Key)
}

// TimeoutError reports a routed call that did not complete within its budget.
// The in-flight task was cancelled best-effort and its result is discarded.
type TimeoutError struct {
	Key     invocation.OperationKey
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("routing: %s timed out after %v", e.Key, e.Timeout)
}

type guardCtxKey struct{}

type primaryCtxKey struct{}

// heldKeys returns the guard set carried by ctx. The set is copy-on-write: each
// guarded entry derives a new context, so concurrent branches never share a
// mutable set.
func heldKeys(ctx context.Context) map[invocation.OperationKey]struct{} {
	keys, _ := ctx.Value(guardCtxKey{}).(map[invocation.OperationKey]struct{})
	return keys
}

func holds(ctx context.Context, key invocation.OperationKey) bool {
	_, ok := heldKeys(ctx)[key]
	return ok
}

func hold(ctx context.Context, key invocation.OperationKey) context.Context {
	parent := heldKeys(ctx)
	keys := make(map[invocation.OperationKey]struct{}, len(parent)+1)
	for k := range parent {
		keys[k] = struct{}{}
	}
	keys[key] = struct{}{}
	return context.WithValue(ctx, guardCtxKey{}, keys)
}

type propsCtxKey struct{}

// withProperties attaches an operation's custom routing properties to ctx.
func withProperties(ctx context.Context, props map[string]string) context.Context {
	if len(props) == 0 {
		return ctx
	}
	return context.WithValue(ctx, propsCtxKey{}, props)
}

// Properties returns the customProperties declared by the operation being
// routed, or nil. Custom executors, lock strategies and timeout handlers read
// their per-operation parameters from here. Callers must not mutate the map.
func Properties(ctx context.Context) map[string]string {
	props, _ := ctx.Value(propsCtxKey{}).(map[string]string)
	return props
}

// markPrimary tags ctx as running on the primary execution context, so nested
// SYNC-routed calls run inline instead of hopping again.
func markPrimary(ctx context.Context) context.Context {
	return context.WithValue(ctx, primaryCtxKey{}, true)
}

// OnPrimary reports whether ctx is tagged as the primary execution context.
func OnPrimary(ctx context.Context) bool {
	on, _ := ctx.Value(primaryCtxKey{}).(bool)
	return on
}
