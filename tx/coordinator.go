package tx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrNotFound is returned when looking up an unknown transaction id.
var ErrNotFound = errors.New("tx: transaction not found")

// Coordinator drives transactions through the two-phase lifecycle. Terminal
// contexts are retained for audit until Forget is called.
type Coordinator struct {
	mu       sync.RWMutex
	contexts map[string]*Context
	clock    func() time.Time
	logger   *slog.Logger
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithClock injects the time source, used by tests to drive timeouts.
func WithClock(clock func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.clock = clock }
}

// WithLogger sets the coordinator logger.
func WithLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = logger }
}

// NewCoordinator creates a coordinator.
func NewCoordinator(opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		contexts: make(map[string]*Context),
		clock:    time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Begin starts a new transaction in the ACTIVE state.
func (c *Coordinator) Begin(opts ...ContextOption) *Context {
	t := newContext(c.clock, opts...)
	c.mu.Lock()
	c.contexts[t.id] = t
	c.mu.Unlock()
	c.logger.Debug("transaction started", "tx", t.id, "parent", t.parentID)
	return t
}

// Get returns the transaction with the given id.
func (c *Coordinator) Get(id string) (*Context, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.contexts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, nil
}

// Forget drops a terminal transaction from the audit set. Dropping a live
// transaction is an error.
func (c *Coordinator) Forget(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.contexts[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !t.Status().Terminal() {
		return fmt.Errorf("tx: cannot forget live transaction %s (%s)", id, t.Status())
	}
	delete(c.contexts, id)
	return nil
}

// Prepare walks all participants through the prepare phase. On any participant
// failure the transaction is rolled back and the failure returned.
func (c *Coordinator) Prepare(ctx context.Context, t *Context) error {
	if err := c.checkTimeout(ctx, t); err != nil {
		return err
	}
	if err := t.transition(StatusPreparing); err != nil {
		return err
	}
	for _, p := range t.Participants() {
		if err := p.Prepare(ctx); err != nil {
			c.logger.Warn("participant failed to prepare, rolling back",
				"tx", t.id, "participant", p.ID(), "error", err)
			if rbErr := c.Rollback(ctx, t); rbErr != nil {
				t.forceStatus(StatusFailed)
				return fmt.Errorf("tx %s: prepare failed (%v) and rollback failed: %w", t.id, err, rbErr)
			}
			return fmt.Errorf("tx %s: participant %s failed to prepare: %w", t.id, p.ID(), err)
		}
	}
	if err := t.transition(StatusPrepared); err != nil {
		return err
	}
	c.logger.Debug("transaction prepared", "tx", t.id, "participants", len(t.Participants()))
	return nil
}

// Commit completes a PREPARED transaction. A participant failure during commit
// leaves the transaction IN_DOUBT; the caller decides whether to roll back.
func (c *Coordinator) Commit(ctx context.Context, t *Context) error {
	if err := c.checkTimeout(ctx, t); err != nil {
		return err
	}
	if err := t.transition(StatusCommitting); err != nil {
		return err
	}
	for _, p := range t.Participants() {
		if err := p.Commit(ctx); err != nil {
			t.forceStatus(StatusInDoubt)
			return fmt.Errorf("tx %s: participant %s failed to commit: %w", t.id, p.ID(), err)
		}
	}
	if err := t.transition(StatusCommitted); err != nil {
		return err
	}
	c.logger.Debug("transaction committed", "tx", t.id)
	return nil
}

// Rollback aborts the transaction from any non-terminal state except
// COMMITTING. Participant rollback failures mark the transaction FAILED.
func (c *Coordinator) Rollback(ctx context.Context, t *Context) error {
	if from := t.Status(); from == StatusCommitting {
		return &StateError{TxID: t.id, From: from, To: StatusRollingBack}
	}
	if err := t.transition(StatusRollingBack); err != nil {
		return err
	}
	var failed error
	for _, p := range t.Participants() {
		if err := p.Rollback(ctx); err != nil {
			c.logger.Warn("participant failed to roll back",
				"tx", t.id, "participant", p.ID(), "error", err)
			failed = errors.Join(failed, fmt.Errorf("participant %s: %w", p.ID(), err))
		}
	}
	if failed != nil {
		t.forceStatus(StatusFailed)
		return fmt.Errorf("tx %s: rollback incomplete: %w", t.id, failed)
	}
	if err := t.transition(StatusRolledBack); err != nil {
		return err
	}
	c.logger.Debug("transaction rolled back", "tx", t.id)
	return nil
}

// checkTimeout expires the transaction if its budget elapsed: the status is
// forced to TIMEOUT (terminal) and participants are rolled back best-effort.
func (c *Coordinator) checkTimeout(ctx context.Context, t *Context) error {
	if t.Status().Terminal() || !t.IsTimedOut() {
		return nil
	}
	t.forceStatus(StatusTimeout)
	c.logger.Warn("transaction timed out, rolling back participants", "tx", t.id)
	for _, p := range t.Participants() {
		if err := p.Rollback(ctx); err != nil {
			c.logger.Warn("participant failed to roll back after timeout",
				"tx", t.id, "participant", p.ID(), "error", err)
		}
	}
	return fmt.Errorf("%w: %s after %v", ErrTimedOut, t.id, t.timeout)
}
