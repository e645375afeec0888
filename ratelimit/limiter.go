package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/glimte/weave-go/policy"
)

// RateLimitError reports a call rejected (or an interrupted wait) by the rate
// limiter. It is distinct from business failures so callers can apply their own
// backoff policy.
type RateLimitError struct {
	Key    string
	Limit  int
	Period time.Duration
	Cause  error
}

func (e *RateLimitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("rate limit: wait for %q interrupted (limit=%d per %v): %v",
			e.Key, e.Limit, e.Period, e.Cause)
	}
	return fmt.Sprintf("rate limit exceeded for %q (limit=%d per %v)", e.Key, e.Limit, e.Period)
}

func (e *RateLimitError) Unwrap() error { return e.Cause }

// bucket pairs a strategy with its per-key lock. Exactly one logical bucket
// exists per key at any time.
type bucket struct {
	mu sync.Mutex
	s  strategy
}

// Limiter is the concurrent key-to-bucket map with atomic get-or-create.
// Buckets are created lazily and cached for the process lifetime.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	clock   func() time.Time
}

// LimiterOption configures a Limiter.
type LimiterOption func(*Limiter)

// WithClock injects the time source, used by tests to drive windows.
func WithClock(clock func() time.Time) LimiterOption {
	return func(l *Limiter) {
		l.clock = clock
	}
}

// NewLimiter creates an empty limiter.
func NewLimiter(opts ...LimiterOption) *Limiter {
	l := &Limiter{
		buckets: make(map[string]*bucket),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) get(key string, cfg *policy.RateLimiter) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		now := l.clock()
		var s strategy
		switch cfg.Strategy {
		case policy.SlidingWindow:
			s = newSlidingWindow(cfg.Limit, cfg.Period(), now)
		case policy.TokenBucket:
			s = newTokenBucket(cfg.Limit, cfg.Period(), now)
		case policy.LeakyBucket:
			s = newLeakyBucket(cfg.Limit, cfg.Period(), now)
		default:
			s = newFixedWindow(cfg.Limit, cfg.Period(), now)
		}
		b = &bucket{s: s}
		l.buckets[key] = b
	}
	return b
}

// TryAcquire attempts to admit one call for key without blocking.
func (l *Limiter) TryAcquire(key string, cfg *policy.RateLimiter) bool {
	b := l.get(key, cfg)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.s.tryAcquire(l.clock())
}

// Acquire admits one call for key, waiting up to maxWait for a slot. The wait
// honors ctx cancellation, reported as a RateLimitError wrapping ctx.Err().
// Admission decisions come from the injected clock, but the wait budget tracks
// the real timers the loop sleeps on, so the budget expires even when the
// injected clock stands still.
func (l *Limiter) Acquire(ctx context.Context, key string, cfg *policy.RateLimiter, maxWait time.Duration) error {
	b := l.get(key, cfg)
	started := time.Now()

	for {
		b.mu.Lock()
		now := l.clock()
		if b.s.tryAcquire(now) {
			b.mu.Unlock()
			return nil
		}
		wait := b.s.retryAfter(now)
		b.mu.Unlock()

		if wait <= 0 {
			wait = time.Millisecond
		}
		if remaining := maxWait - time.Since(started); remaining <= 0 {
			return &RateLimitError{Key: key, Limit: cfg.Limit, Period: cfg.Period()}
		} else if wait > remaining {
			wait = remaining
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return &RateLimitError{Key: key, Limit: cfg.Limit, Period: cfg.Period(), Cause: ctx.Err()}
		case <-timer.C:
		}
	}
}

// Utilization reports the fraction of the limit consumed for key. A key with
// no traffic reports zero without creating a bucket.
func (l *Limiter) Utilization(key string) float64 {
	l.mu.Lock()
	b, ok := l.buckets[key]
	l.mu.Unlock()
	if !ok {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.s.utilization(l.clock())
}

// Reset returns the bucket for key to its initial state. Intended for tests
// and operators.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	b, ok := l.buckets[key]
	l.mu.Unlock()
	if ok {
		b.mu.Lock()
		b.s.reset(l.clock())
		b.mu.Unlock()
	}
}
