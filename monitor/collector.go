// Package monitor provides the in-process observability surface: per-operation
// call and failure counters, retrievable and resettable by key.
package monitor

import (
	"sync"
	"time"

	"github.com/glimte/weave-go/invocation"
)

// OperationMetrics is a point-in-time view of one operation's traffic.
type OperationMetrics struct {
	Calls        int64
	Failures     int64
	Rejections   int64
	LastCallTime time.Time
	TotalMs      int64
	MaxMs        int64
}

type operationStats struct {
	calls     int64
	failures  int64
	rejected  int64
	lastCall  time.Time
	totalMs   int64
	maxMs     int64
}

// Collector tracks per-key operation metrics in memory.
type Collector struct {
	mu    sync.RWMutex
	stats map[invocation.OperationKey]*operationStats
	clock func() time.Time
}

// Option configures a Collector.
type Option func(*Collector)

// WithClock injects the time source used for call timestamps.
func WithClock(clock func() time.Time) Option {
	return func(c *Collector) {
		c.clock = clock
	}
}

// NewCollector creates an empty collector.
func NewCollector(opts ...Option) *Collector {
	c := &Collector{
		stats: make(map[invocation.OperationKey]*operationStats),
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Record feeds one completed call into the collector. rejected marks calls the
// resilience layer refused to attempt (open circuit, rate limit).
func (c *Collector) Record(key invocation.OperationKey, duration time.Duration, failed, rejected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.stats[key]
	if !ok {
		s = &operationStats{}
		c.stats[key] = s
	}
	s.calls++
	s.lastCall = c.clock()
	ms := duration.Milliseconds()
	s.totalMs += ms
	if ms > s.maxMs {
		s.maxMs = ms
	}
	if failed {
		s.failures++
	}
	if rejected {
		s.rejected++
	}
}

// Snapshot returns the metrics for key. A key with no traffic yields zeroed
// counters without creating a state entry.
func (c *Collector) Snapshot(key invocation.OperationKey) OperationMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.stats[key]
	if !ok {
		return OperationMetrics{}
	}
	return OperationMetrics{
		Calls:        s.calls,
		Failures:     s.failures,
		Rejections:   s.rejected,
		LastCallTime: s.lastCall,
		TotalMs:      s.totalMs,
		MaxMs:        s.maxMs,
	}
}

// Reset clears the metrics for key. Intended for tests and operators.
func (c *Collector) Reset(key invocation.OperationKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.stats, key)
}
