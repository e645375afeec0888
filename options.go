package weave

import (
	"log/slog"
	"time"

	"github.com/glimte/weave-go/registry"
)

type runtimeConfig struct {
	logger      *slog.Logger
	registry    *registry.Registry
	poolWorkers int
	queueDepth  int
	clock       func() time.Time
}

// Option configures the runtime.
type Option func(*runtimeConfig)

// WithLogger sets the logger used by the runtime and its interceptors.
func WithLogger(logger *slog.Logger) Option {
	return func(c *runtimeConfig) {
		c.logger = logger
	}
}

// WithRegistry injects a pre-populated extension registry.
func WithRegistry(reg *registry.Registry) Option {
	return func(c *runtimeConfig) {
		c.registry = reg
	}
}

// WithPoolWorkers sets the worker count of the shared ASYNC pool.
func WithPoolWorkers(workers int) Option {
	return func(c *runtimeConfig) {
		c.poolWorkers = workers
	}
}

// WithQueueDepth sets the task queue depth of the built-in executors.
func WithQueueDepth(depth int) Option {
	return func(c *runtimeConfig) {
		c.queueDepth = depth
	}
}

// WithClock injects the time source used by circuit breakers, rate limiters
// and the transaction coordinator. Intended for tests.
func WithClock(clock func() time.Time) Option {
	return func(c *runtimeConfig) {
		c.clock = clock
	}
}
