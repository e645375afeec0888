// Package interceptors provides the method-interception contract: a chain of
// handlers composed around an intercepted call without the callee's knowledge.
//
// An Interceptor declares whether it applies to a given operation and a numeric
// priority; the chain resolves the applicable subsequence per operation, sorts
// it ascending by priority (lower runs more outer), caches the resolution, and
// composes the handlers around the terminal continuation like nested scopes.
//
// Example usage:
//
//	chain := interceptors.NewChain(logger)
//	chain.Use(monitor.NewInterceptor(collector, 0))
//	chain.Use(circuitbreaker.NewInterceptor(breakers, 20, logger))
//
//	result, err := chain.Execute(ctx, inv, op, finalHandler)
//
// Custom interceptors implement the Interceptor interface:
//
//	func (i *Custom) Intercept(ctx context.Context, inv *invocation.Invocation, op *policy.Operation, next invocation.Handler) (interface{}, error) {
//		// pre-processing
//		result, err := next.Handle(ctx, inv)
//		// post-processing
//		return result, err
//	}
//
// Interceptors may short-circuit by returning without calling next, which is
// how the circuit breaker and rate limiter reject calls before they reach the
// wrapped method.
package interceptors
