package routing

import (
	"errors"
	"sync"
)

var (
	// ErrExecutorClosed is returned by Submit after Close.
	ErrExecutorClosed = errors.New("routing: executor closed")
	// ErrExecutorSaturated is returned when the task queue is full.
	ErrExecutorSaturated = errors.New("routing: executor queue full")
)

// SerialExecutor runs tasks one at a time on a single dedicated goroutine. The
// runtime uses one as the primary execution context that SYNC-routed calls hop
// onto.
type SerialExecutor struct {
	tasks  chan func()
	quit   chan struct{}
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewSerialExecutor creates a serial executor with the given queue depth.
func NewSerialExecutor(queueDepth int) *SerialExecutor {
	e := &SerialExecutor{
		tasks: make(chan func(), queueDepth),
		quit:  make(chan struct{}),
	}
	e.wg.Add(1)
	go e.run()
	return e
}

func (e *SerialExecutor) run() {
	defer e.wg.Done()
	for {
		select {
		case task := <-e.tasks:
			task()
		case <-e.quit:
			return
		}
	}
}

// Submit implements registry.Executor.
func (e *SerialExecutor) Submit(task func()) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrExecutorClosed
	}
	select {
	case e.tasks <- task:
		return nil
	default:
		return ErrExecutorSaturated
	}
}

// Close stops the executor. Queued tasks that have not started are dropped.
func (e *SerialExecutor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()
	close(e.quit)
	e.wg.Wait()
}

// PoolExecutor runs tasks on a fixed pool of worker goroutines. The runtime
// uses one as the shared background context for ASYNC-routed calls.
type PoolExecutor struct {
	tasks  chan func()
	quit   chan struct{}
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewPoolExecutor creates a pool with the given worker count and queue depth.
func NewPoolExecutor(workers, queueDepth int) *PoolExecutor {
	if workers <= 0 {
		workers = 1
	}
	e := &PoolExecutor{
		tasks: make(chan func(), queueDepth),
		quit:  make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.run()
	}
	return e
}

func (e *PoolExecutor) run() {
	defer e.wg.Done()
	for {
		select {
		case task := <-e.tasks:
			task()
		case <-e.quit:
			return
		}
	}
}

// Submit implements registry.Executor.
func (e *PoolExecutor) Submit(task func()) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrExecutorClosed
	}
	select {
	case e.tasks <- task:
		return nil
	default:
		return ErrExecutorSaturated
	}
}

// Close stops the pool. Queued tasks that have not started are dropped.
func (e *PoolExecutor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()
	close(e.quit)
	e.wg.Wait()
}

// GoroutineExecutor runs every task on its own goroutine, the lightweight
// per-call context behind VIRTUAL routing.
type GoroutineExecutor struct{}

// Submit implements registry.Executor.
func (GoroutineExecutor) Submit(task func()) error {
	go task()
	return nil
}
