// Package ratelimit provides per-key admission control with four throttling
// algorithms and the interceptor that enforces it around intercepted calls.
package ratelimit

import (
	"time"
)

// strategy is the admission algorithm behind one bucket. Implementations are
// not goroutine safe; the bucket wrapper serializes access per key.
type strategy interface {
	// tryAcquire admits one call at the given instant.
	tryAcquire(now time.Time) bool
	// retryAfter estimates how long until the next slot frees up. Used by
	// wait mode as a sleep hint, never as a guarantee.
	retryAfter(now time.Time) time.Duration
	// utilization reports the fraction of the limit currently consumed.
	utilization(now time.Time) float64
	// reset returns the bucket to its initial state.
	reset(now time.Time)
}

// fixedWindow resets its counter at fixed period boundaries.
type fixedWindow struct {
	limit       int
	period      time.Duration
	windowStart time.Time
	count       int
}

func newFixedWindow(limit int, period time.Duration, now time.Time) *fixedWindow {
	return &fixedWindow{limit: limit, period: period, windowStart: now}
}

func (w *fixedWindow) roll(now time.Time) {
	if elapsed := now.Sub(w.windowStart); elapsed >= w.period {
		w.windowStart = w.windowStart.Add(elapsed.Truncate(w.period))
		w.count = 0
	}
}

func (w *fixedWindow) tryAcquire(now time.Time) bool {
	w.roll(now)
	if w.count < w.limit {
		w.count++
		return true
	}
	return false
}

func (w *fixedWindow) retryAfter(now time.Time) time.Duration {
	w.roll(now)
	if w.count < w.limit {
		return 0
	}
	return w.windowStart.Add(w.period).Sub(now)
}

func (w *fixedWindow) utilization(now time.Time) float64 {
	w.roll(now)
	return float64(w.count) / float64(w.limit)
}

func (w *fixedWindow) reset(now time.Time) {
	w.windowStart = now
	w.count = 0
}

// slidingWindow weighs the previous window's count proportionally to how far
// the current window has progressed, smoothing boundary bursts.
type slidingWindow struct {
	limit         int
	period        time.Duration
	windowStart   time.Time
	count         int
	previousCount int
}

func newSlidingWindow(limit int, period time.Duration, now time.Time) *slidingWindow {
	return &slidingWindow{limit: limit, period: period, windowStart: now}
}

func (w *slidingWindow) roll(now time.Time) {
	elapsed := now.Sub(w.windowStart)
	if elapsed < w.period {
		return
	}
	if elapsed < 2*w.period {
		w.previousCount = w.count
	} else {
		w.previousCount = 0
	}
	w.windowStart = w.windowStart.Add(elapsed.Truncate(w.period))
	w.count = 0
}

func (w *slidingWindow) weighted(now time.Time) float64 {
	fraction := float64(now.Sub(w.windowStart)) / float64(w.period)
	return float64(w.previousCount)*(1-fraction) + float64(w.count)
}

func (w *slidingWindow) tryAcquire(now time.Time) bool {
	w.roll(now)
	if w.weighted(now)+1 <= float64(w.limit) {
		w.count++
		return true
	}
	return false
}

func (w *slidingWindow) retryAfter(now time.Time) time.Duration {
	w.roll(now)
	if w.weighted(now)+1 <= float64(w.limit) {
		return 0
	}
	// The weighted count only decays as the window progresses; probing a
	// tenth of the period at a time is a good enough hint for wait mode.
	return w.period / 10
}

func (w *slidingWindow) utilization(now time.Time) float64 {
	w.roll(now)
	return w.weighted(now) / float64(w.limit)
}

func (w *slidingWindow) reset(now time.Time) {
	w.windowStart = now
	w.count = 0
	w.previousCount = 0
}

// tokenBucket refills continuously up to the limit over the period, allowing
// short bursts up to bucket capacity.
type tokenBucket struct {
	capacity   int
	period     time.Duration
	tokens     float64
	lastRefill time.Time
}

func newTokenBucket(limit int, period time.Duration, now time.Time) *tokenBucket {
	return &tokenBucket{capacity: limit, period: period, tokens: float64(limit), lastRefill: now}
}

func (b *tokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	b.tokens += float64(b.capacity) * float64(elapsed) / float64(b.period)
	if b.tokens > float64(b.capacity) {
		b.tokens = float64(b.capacity)
	}
	b.lastRefill = now
}

func (b *tokenBucket) tryAcquire(now time.Time) bool {
	b.refill(now)
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

func (b *tokenBucket) retryAfter(now time.Time) time.Duration {
	b.refill(now)
	if b.tokens >= 1 {
		return 0
	}
	missing := 1 - b.tokens
	perToken := float64(b.period) / float64(b.capacity)
	return time.Duration(missing * perToken)
}

func (b *tokenBucket) utilization(now time.Time) float64 {
	b.refill(now)
	return 1 - b.tokens/float64(b.capacity)
}

func (b *tokenBucket) reset(now time.Time) {
	b.tokens = float64(b.capacity)
	b.lastRefill = now
}

// leakyBucket drains at a constant rate; a request is admitted while the bucket
// has room, producing smoothed output regardless of input burstiness.
type leakyBucket struct {
	capacity  int
	period    time.Duration
	water     float64
	lastDrain time.Time
}

func newLeakyBucket(limit int, period time.Duration, now time.Time) *leakyBucket {
	return &leakyBucket{capacity: limit, period: period, lastDrain: now}
}

func (b *leakyBucket) drain(now time.Time) {
	elapsed := now.Sub(b.lastDrain)
	if elapsed <= 0 {
		return
	}
	b.water -= float64(b.capacity) * float64(elapsed) / float64(b.period)
	if b.water < 0 {
		b.water = 0
	}
	b.lastDrain = now
}

func (b *leakyBucket) tryAcquire(now time.Time) bool {
	b.drain(now)
	if b.water+1 <= float64(b.capacity) {
		b.water++
		return true
	}
	return false
}

func (b *leakyBucket) retryAfter(now time.Time) time.Duration {
	b.drain(now)
	if b.water+1 <= float64(b.capacity) {
		return 0
	}
	overflow := b.water + 1 - float64(b.capacity)
	perUnit := float64(b.period) / float64(b.capacity)
	return time.Duration(overflow * perUnit)
}

func (b *leakyBucket) utilization(now time.Time) float64 {
	b.drain(now)
	return b.water / float64(b.capacity)
}

func (b *leakyBucket) reset(now time.Time) {
	b.water = 0
	b.lastDrain = now
}
