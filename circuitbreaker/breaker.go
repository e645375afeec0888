// Package circuitbreaker provides the per-operation failure-tracking state
// machine and the interceptor that enforces it. A breaker short-circuits calls
// to an unhealthy operation and probes it again after a cooldown.
package circuitbreaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/glimte/weave-go/invocation"
)

// State is the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Settings configure a single breaker.
type Settings struct {
	FailureThreshold       int
	MinimumCalls           int
	WaitDuration           time.Duration
	PermittedHalfOpenCalls int
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	State       State
	Failures    int
	Successes   int
	TotalCalls  int
	ChangedAt   time.Time
	NextAttempt time.Time
}

// decision is the tagged admission result of the state machine core. It is
// translated to a CircuitOpenError only at the interceptor boundary, keeping
// the state machine free of exception-driven control flow.
type decision struct {
	allowed   bool
	failures  int
	threshold int
	retryAt   time.Time
}

// breaker is the state machine for one operation key. All transitions happen
// under mu; every transition resets all counters.
type breaker struct {
	mu        sync.Mutex
	state     State
	failures  int
	successes int
	total     int
	// tripped holds the failure count that opened the circuit; the live
	// counters reset on the transition, so rejections report this instead.
	tripped   int
	changedAt time.Time
	settings  Settings
	clock     func() time.Time
}

func newBreaker(s Settings, clock func() time.Time) *breaker {
	return &breaker{
		state:     StateClosed,
		changedAt: clock(),
		settings:  s,
		clock:     clock,
	}
}

func (b *breaker) transition(to State) {
	b.state = to
	b.failures = 0
	b.successes = 0
	b.total = 0
	b.tripped = 0
	b.changedAt = b.clock()
}

// allow decides whether a call may proceed. The OPEN to HALF_OPEN flip happens
// here, on the first attempt after the cooldown elapses.
func (b *breaker) allow() decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return decision{allowed: true}
	case StateOpen:
		retryAt := b.changedAt.Add(b.settings.WaitDuration)
		if !b.clock().Before(retryAt) {
			b.transition(StateHalfOpen)
			return decision{allowed: true}
		}
		return decision{
			failures:  b.tripped,
			threshold: b.settings.FailureThreshold,
			retryAt:   retryAt,
		}
	default:
		return decision{allowed: true}
	}
}

// record feeds a call outcome back into the state machine.
func (b *breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.total++
	if success {
		b.successes++
	} else {
		b.failures++
	}

	switch b.state {
	case StateClosed:
		if b.total >= b.settings.MinimumCalls && b.failures >= b.settings.FailureThreshold {
			failures := b.failures
			b.transition(StateOpen)
			b.tripped = failures
		}
	case StateHalfOpen:
		if !success {
			failures := b.failures
			b.transition(StateOpen)
			b.tripped = failures
			return
		}
		if b.successes >= b.settings.PermittedHalfOpenCalls {
			b.transition(StateClosed)
		}
	}
}

func (b *breaker) snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap := Snapshot{
		State:      b.state,
		Failures:   b.failures,
		Successes:  b.successes,
		TotalCalls: b.total,
		ChangedAt:  b.changedAt,
	}
	if b.state == StateOpen {
		snap.NextAttempt = b.changedAt.Add(b.settings.WaitDuration)
	}
	return snap
}

func (b *breaker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateClosed)
}

// Breakers is the concurrent key-to-breaker map with atomic get-or-create.
type Breakers struct {
	mu       sync.Mutex
	breakers map[invocation.OperationKey]*breaker
	clock    func() time.Time
}

// Option configures a Breakers set.
type Option func(*Breakers)

// WithClock injects the time source, used by tests to drive cooldowns.
func WithClock(clock func() time.Time) Option {
	return func(b *Breakers) {
		b.clock = clock
	}
}

// NewBreakers creates an empty breaker set.
func NewBreakers(opts ...Option) *Breakers {
	b := &Breakers{
		breakers: make(map[invocation.OperationKey]*breaker),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// get returns the breaker for key, creating it on first use. Exactly one
// breaker exists per key at any time.
func (s *Breakers) get(key invocation.OperationKey, settings Settings) *breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[key]
	if !ok {
		b = newBreaker(settings, s.clock)
		s.breakers[key] = b
	}
	return b
}

// Snapshot returns the current view of the breaker for key. Querying a key
// with no traffic yields a zeroed closed snapshot without creating state.
func (s *Breakers) Snapshot(key invocation.OperationKey) Snapshot {
	s.mu.Lock()
	b, ok := s.breakers[key]
	s.mu.Unlock()
	if !ok {
		return Snapshot{State: StateClosed}
	}
	return b.snapshot()
}

// Reset returns the breaker for key to a fresh closed state. Intended for
// tests and operators.
func (s *Breakers) Reset(key invocation.OperationKey) {
	s.mu.Lock()
	b, ok := s.breakers[key]
	s.mu.Unlock()
	if ok {
		b.reset()
	}
}

// CircuitOpenError reports a call rejected because the circuit is open. It is
// distinct from the underlying operation failure so callers can tell "the
// operation failed" from "the operation was not attempted".
type CircuitOpenError struct {
	Key       invocation.OperationKey
	Failures  int
	Threshold int
	RetryAt   time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open: %s blocked (failures=%d/%d, retry at %s)",
		e.Key, e.Failures, e.Threshold, e.RetryAt.Format(time.RFC3339))
}
