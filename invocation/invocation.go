// Package invocation describes a call in flight and the identity per-operation
// resilience state is indexed by.
package invocation

import (
	"context"
	"fmt"
)

// OperationKey is the stable identity of a declared operation. All per-operation
// resilience state (circuit breakers, reentrancy guards, rate-limit buckets) is
// indexed by it, so it must be stable across calls and distinct across overloads.
type OperationKey string

// NewOperationKey derives a key as target#method#arity.
func NewOperationKey(target, method string, arity int) OperationKey {
	return OperationKey(fmt.Sprintf("%s#%s#%d", target, method, arity))
}

// Invocation describes a call in flight: the target and method identity plus the
// live argument slice. It is immutable for the lifetime of the call and owned by
// the interceptor chain; it is never persisted.
type Invocation struct {
	target   string
	method   string
	args     []interface{}
	argNames []string
	name     string
	key      OperationKey
}

// Option configures an Invocation at construction time.
type Option func(*Invocation)

// WithLogicalName sets a caller-supplied logical name that replaces the derived
// operation key for state indexing.
func WithLogicalName(name string) Option {
	return func(inv *Invocation) {
		inv.name = name
	}
}

// WithArgNames attaches parameter names, positionally matched against the
// argument slice. Named rate-limit key expressions resolve against these.
func WithArgNames(names ...string) Option {
	return func(inv *Invocation) {
		inv.argNames = names
	}
}

// New creates an invocation for target.method with the given arguments.
func New(target, method string, args []interface{}, opts ...Option) *Invocation {
	inv := &Invocation{
		target: target,
		method: method,
		args:   args,
	}
	for _, opt := range opts {
		opt(inv)
	}
	if inv.name != "" {
		inv.key = OperationKey(inv.name)
	} else {
		inv.key = NewOperationKey(target, method, len(args))
	}
	return inv
}

// Target returns the target object name.
func (inv *Invocation) Target() string { return inv.target }

// Method returns the method name.
func (inv *Invocation) Method() string { return inv.method }

// Args returns the live argument slice. Callers must not mutate it.
func (inv *Invocation) Args() []interface{} { return inv.args }

// ArgNames returns the declared parameter names, if any.
func (inv *Invocation) ArgNames() []string { return inv.argNames }

// Name returns the caller-supplied logical name, or "".
func (inv *Invocation) Name() string { return inv.name }

// Key returns the operation key used to index per-operation state.
func (inv *Invocation) Key() OperationKey { return inv.key }

func (inv *Invocation) String() string {
	return fmt.Sprintf("%s.%s/%d", inv.target, inv.method, len(inv.args))
}

// Handler is the terminal continuation of an intercepted call: either the next
// interceptor in the chain or the real method body.
type Handler interface {
	Handle(ctx context.Context, inv *Invocation) (interface{}, error)
}

// HandlerFunc is a function adapter for Handler.
type HandlerFunc func(ctx context.Context, inv *Invocation) (interface{}, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, inv *Invocation) (interface{}, error) {
	return f(ctx, inv)
}
