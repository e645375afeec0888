// Package routing provides the execution-routing interceptor: it forces an
// intercepted call onto a declared execution context (the primary context, a
// background pool, a fresh goroutine, or a named custom executor), guards
// against re-entrancy, and bounds the caller's wait with a timeout.
package routing

import (
	"context"
	"sync"
	"time"
)

// Future is the pending result of a routed call. The caller blocks on Await;
// cancelling a future cancels the in-flight task's context (best effort) and
// discards its result.
type Future struct {
	done   chan struct{}
	once   sync.Once
	result interface{}
	err    error
	cancel context.CancelFunc
}

func newFuture(cancel context.CancelFunc) *Future {
	return &Future{done: make(chan struct{}), cancel: cancel}
}

func (f *Future) complete(result interface{}, err error) {
	f.once.Do(func() {
		f.result = result
		f.err = err
		close(f.done)
	})
}

// Done is closed when the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Cancel cancels the in-flight task. The underlying work may continue briefly
// but its result is discarded.
func (f *Future) Cancel() {
	if f.cancel != nil {
		f.cancel()
	}
}

// Await blocks until the result is available, the timeout elapses, or ctx is
// done. Timeout and cancellation both cancel the task.
func (f *Future) Await(ctx context.Context, timeout time.Duration) (interface{}, error) {
	var timer *time.Timer
	var expired <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		expired = timer.C
		defer timer.Stop()
	}

	select {
	case <-f.done:
		return f.result, f.err
	case <-expired:
		f.Cancel()
		return nil, context.DeadlineExceeded
	case <-ctx.Done():
		f.Cancel()
		return nil, ctx.Err()
	}
}
