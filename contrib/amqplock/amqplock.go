// Package amqplock implements registry.LockStrategy on top of RabbitMQ
// exclusive queues: the broker grants an exclusive queue to exactly one
// connection at a time, which makes declaring one a distributed mutex. Register
// a QueueLockStrategy under a name and reference it from an operation's
// customLockStrategy to move the operation's mutual exclusion to the broker.
package amqplock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrNotHeld is returned when unlocking a key this strategy never locked.
var ErrNotHeld = errors.New("amqplock: lock not held")

// Channel is the slice of amqp091.Channel the strategy needs. *amqp.Channel
// satisfies it.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)
}

// QueueLockStrategy acquires locks by declaring exclusive auto-delete queues.
type QueueLockStrategy struct {
	ch         Channel
	prefix     string
	retryDelay time.Duration
	logger     *slog.Logger

	mu   sync.Mutex
	held map[string]struct{}
}

// StrategyOption configures a QueueLockStrategy.
type StrategyOption func(*QueueLockStrategy)

// WithPrefix sets the queue name prefix. Defaults to "weave.lock.".
func WithPrefix(prefix string) StrategyOption {
	return func(s *QueueLockStrategy) {
		s.prefix = prefix
	}
}

// WithRetryDelay sets the delay between acquisition attempts while the broker
// reports the queue locked by another connection.
func WithRetryDelay(d time.Duration) StrategyOption {
	return func(s *QueueLockStrategy) {
		s.retryDelay = d
	}
}

// WithLogger sets the strategy logger.
func WithLogger(logger *slog.Logger) StrategyOption {
	return func(s *QueueLockStrategy) {
		s.logger = logger
	}
}

// New creates a strategy over an open channel.
func New(ch Channel, opts ...StrategyOption) *QueueLockStrategy {
	s := &QueueLockStrategy{
		ch:         ch,
		prefix:     "weave.lock.",
		retryDelay: 100 * time.Millisecond,
		logger:     slog.Default(),
		held:       make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *QueueLockStrategy) queueName(key string) string {
	return s.prefix + key
}

// Lock implements registry.LockStrategy. It retries while the broker reports
// the queue exclusively held elsewhere, until ctx is done.
func (s *QueueLockStrategy) Lock(ctx context.Context, key string) error {
	name := s.queueName(key)
	for {
		_, err := s.ch.QueueDeclare(name, false, true, true, false, nil)
		if err == nil {
			s.mu.Lock()
			s.held[key] = struct{}{}
			s.mu.Unlock()
			return nil
		}
		if !isResourceLocked(err) {
			return fmt.Errorf("amqplock: declare %s: %w", name, err)
		}

		s.logger.Debug("lock held elsewhere, retrying", "key", key)
		timer := time.NewTimer(s.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("amqplock: acquire %s: %w", key, ctx.Err())
		case <-timer.C:
		}
	}
}

// Unlock implements registry.LockStrategy.
func (s *QueueLockStrategy) Unlock(ctx context.Context, key string) error {
	s.mu.Lock()
	_, ok := s.held[key]
	delete(s.held, key)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotHeld, key)
	}
	if _, err := s.ch.QueueDelete(s.queueName(key), false, false, false); err != nil {
		return fmt.Errorf("amqplock: delete %s: %w", s.queueName(key), err)
	}
	return nil
}

func isResourceLocked(err error) bool {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return amqpErr.Code == amqp.ResourceLocked || amqpErr.Code == amqp.AccessRefused
	}
	return false
}
