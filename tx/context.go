package tx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrParticipantsFrozen is returned when registering a participant after
	// the transaction left the ACTIVE/PREPARING states.
	ErrParticipantsFrozen = errors.New("tx: participant set is frozen")
	// ErrDuplicateParticipant is returned when a participant id is already
	// registered.
	ErrDuplicateParticipant = errors.New("tx: participant already registered")
	// ErrTimedOut is returned when a transaction exceeded its timeout.
	ErrTimedOut = errors.New("tx: transaction timed out")
)

// Participant is one resource enlisted in a transaction. The coordinator walks
// participants through prepare, then commit or rollback.
type Participant interface {
	ID() string
	Prepare(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Context is one logical transaction: identity, lifecycle status, the enlisted
// participants, and a free-form attribute bag. All mutation happens under the
// context's own mutex. A child transaction references its parent id for
// traceability only; statuses never cascade automatically.
type Context struct {
	mu           sync.Mutex
	id           string
	parentID     string
	status       Status
	startedAt    time.Time
	timeout      time.Duration
	readOnly     bool
	isolation    string
	participants map[string]Participant
	order        []string
	attrs        map[string]interface{}
	clock        func() time.Time
}

// ID returns the transaction id.
func (t *Context) ID() string { return t.id }

// ParentID returns the parent transaction id, or "" for a root transaction.
func (t *Context) ParentID() string { return t.parentID }

// ReadOnly reports whether the transaction was opened read-only.
func (t *Context) ReadOnly() bool { return t.readOnly }

// Isolation returns the isolation tag.
func (t *Context) Isolation() string { return t.isolation }

// StartedAt returns the creation time.
func (t *Context) StartedAt() time.Time { return t.startedAt }

// Status returns the current lifecycle status.
func (t *Context) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Duration returns the elapsed time since creation.
func (t *Context) Duration() time.Duration {
	return t.clock().Sub(t.startedAt)
}

// IsTimedOut reports whether the configured timeout has elapsed. It is a pure
// function of elapsed time; it does not itself change the status.
func (t *Context) IsTimedOut() bool {
	return t.timeout > 0 && t.Duration() >= t.timeout
}

// CanAcceptParticipants reports whether new participants may still register.
// The set freezes once the transaction reaches PREPARED.
func (t *Context) CanAcceptParticipants() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status == StatusActive || t.status == StatusPreparing
}

// RegisterParticipant enlists a participant.
func (t *Context) RegisterParticipant(p Participant) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusActive && t.status != StatusPreparing {
		return fmt.Errorf("%w: tx %s is %s", ErrParticipantsFrozen, t.id, t.status)
	}
	if _, ok := t.participants[p.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateParticipant, p.ID())
	}
	t.participants[p.ID()] = p
	t.order = append(t.order, p.ID())
	return nil
}

// Participants returns the enlisted participants in registration order.
func (t *Context) Participants() []Participant {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Participant, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.participants[id])
	}
	return out
}

// SetAttribute stores a free-form attribute on the transaction.
func (t *Context) SetAttribute(key string, value interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attrs[key] = value
}

// Attribute reads a free-form attribute.
func (t *Context) Attribute(key string) (interface{}, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.attrs[key]
	return v, ok
}

// transition moves the status along the state machine, enforcing monotonicity
// and the timeout check before every move.
func (t *Context) transition(to Status) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return &StateError{TxID: t.id, From: t.status, To: to}
	}
	if to != StatusTimeout && t.timeout > 0 && t.clock().Sub(t.startedAt) >= t.timeout {
		t.status = StatusTimeout
		return fmt.Errorf("%w: %s after %v", ErrTimedOut, t.id, t.timeout)
	}
	if !canTransition(t.status, to) {
		return &StateError{TxID: t.id, From: t.status, To: to}
	}
	t.status = to
	return nil
}

func (t *Context) forceStatus(s Status) {
	t.mu.Lock()
	t.status = s
	t.mu.Unlock()
}

// ContextOption configures a transaction at Begin time.
type ContextOption func(*Context)

// WithParent marks the transaction as a child of parentID.
func WithParent(parentID string) ContextOption {
	return func(t *Context) { t.parentID = parentID }
}

// WithTimeout bounds the transaction lifetime.
func WithTimeout(d time.Duration) ContextOption {
	return func(t *Context) { t.timeout = d }
}

// WithReadOnly marks the transaction read-only.
func WithReadOnly() ContextOption {
	return func(t *Context) { t.readOnly = true }
}

// WithIsolation sets the isolation tag.
func WithIsolation(level string) ContextOption {
	return func(t *Context) { t.isolation = level }
}

func newContext(clock func() time.Time, opts ...ContextOption) *Context {
	t := &Context{
		id:           uuid.New().String(),
		status:       StatusActive,
		startedAt:    clock(),
		participants: make(map[string]Participant),
		attrs:        make(map[string]interface{}),
		clock:        clock,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}
