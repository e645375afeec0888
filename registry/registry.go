// Package registry holds the name-keyed extension points consulted by the
// routing interceptor when an operation declares CUSTOM routing: executors,
// lock strategies and timeout handlers. A registry is explicitly constructed
// and injected; populate it at startup, treat it as read-only afterwards, and
// use Clear in tests.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/glimte/weave-go/invocation"
)

// Executor schedules a task on some execution context. Submit must not run the
// task inline on the calling goroutine unless that is the executor's documented
// contract (the primary-context executor runs inline only when already on it).
type Executor interface {
	Submit(task func()) error
}

// ExecutorFunc is a function adapter for Executor.
type ExecutorFunc func(task func()) error

// Submit implements Executor.
func (f ExecutorFunc) Submit(task func()) error { return f(task) }

// LockStrategy supplies mutual exclusion for a guarded operation. A custom
// strategy replaces the built-in per-key guard entirely; the runtime never
// double-locks around it. Implementations may be distributed.
type LockStrategy interface {
	// Lock acquires the lock for key, blocking until acquired or ctx is done.
	Lock(ctx context.Context, key string) error
	// Unlock releases the lock for key.
	Unlock(ctx context.Context, key string) error
}

// TimeoutHandler receives lifecycle hooks around a custom-routed call. OnTimeout
// may supply a substitute result; returning a non-nil error (or the zero values)
// keeps the timeout failure.
type TimeoutHandler interface {
	BeforeExecution(ctx context.Context, inv *invocation.Invocation)
	AfterExecution(ctx context.Context, inv *invocation.Invocation, result interface{}, err error)
	OnTimeout(ctx context.Context, inv *invocation.Invocation, timeout time.Duration) (interface{}, error)
}

// NotFoundError reports a lookup for a name that was never registered. A
// missing name is a hard configuration error, never a silent fallback.
type NotFoundError struct {
	Kind string
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("registry: no %s registered under %q", e.Kind, e.Name)
}

// DuplicateError reports a second registration under an already-taken name.
type DuplicateError struct {
	Kind string
	Name string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("registry: %s %q already registered", e.Kind, e.Name)
}

// Registry is the set of named extension tables.
type Registry struct {
	mu              sync.RWMutex
	executors       map[string]Executor
	lockStrategies  map[string]LockStrategy
	timeoutHandlers map[string]TimeoutHandler
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		executors:       make(map[string]Executor),
		lockStrategies:  make(map[string]LockStrategy),
		timeoutHandlers: make(map[string]TimeoutHandler),
	}
}

// RegisterExecutor registers a named executor.
func (r *Registry) RegisterExecutor(name string, e Executor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.executors[name]; ok {
		return &DuplicateError{Kind: "executor", Name: name}
	}
	r.executors[name] = e
	return nil
}

// RegisterLockStrategy registers a named lock strategy.
func (r *Registry) RegisterLockStrategy(name string, s LockStrategy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.lockStrategies[name]; ok {
		return &DuplicateError{Kind: "lock strategy", Name: name}
	}
	r.lockStrategies[name] = s
	return nil
}

// RegisterTimeoutHandler registers a named timeout handler.
func (r *Registry) RegisterTimeoutHandler(name string, h TimeoutHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.timeoutHandlers[name]; ok {
		return &DuplicateError{Kind: "timeout handler", Name: name}
	}
	r.timeoutHandlers[name] = h
	return nil
}

// Executor returns the named executor.
func (r *Registry) Executor(name string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[name]
	if !ok {
		return nil, &NotFoundError{Kind: "executor", Name: name}
	}
	return e, nil
}

// LockStrategy returns the named lock strategy.
func (r *Registry) LockStrategy(name string) (LockStrategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.lockStrategies[name]
	if !ok {
		return nil, &NotFoundError{Kind: "lock strategy", Name: name}
	}
	return s, nil
}

// TimeoutHandler returns the named timeout handler.
func (r *Registry) TimeoutHandler(name string) (TimeoutHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.timeoutHandlers[name]
	if !ok {
		return nil, &NotFoundError{Kind: "timeout handler", Name: name}
	}
	return h, nil
}

// Clear removes all registrations. Intended for tests.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors = make(map[string]Executor)
	r.lockStrategies = make(map[string]LockStrategy)
	r.timeoutHandlers = make(map[string]TimeoutHandler)
}
