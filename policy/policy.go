// Package policy models the declarative per-operation configuration consumed
// by the interceptor chain at dispatch time.
package policy

import (
	"errors"
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
)

// RoutingMode selects the execution context an operation runs on.
type RoutingMode string

const (
	// RoutingSync runs the call on the designated primary execution context.
	RoutingSync RoutingMode = "SYNC"
	// RoutingAsync runs the call on the shared background worker pool.
	RoutingAsync RoutingMode = "ASYNC"
	// RoutingVirtual runs the call on a fresh lightweight goroutine.
	RoutingVirtual RoutingMode = "VIRTUAL"
	// RoutingCustom delegates scheduling, locking and timeout handling to
	// named extensions resolved from the registry.
	RoutingCustom RoutingMode = "CUSTOM"
)

// Strategy selects the rate-limiter admission algorithm.
type Strategy string

const (
	FixedWindow   Strategy = "FIXED_WINDOW"
	SlidingWindow Strategy = "SLIDING_WINDOW"
	TokenBucket   Strategy = "TOKEN_BUCKET"
	LeakyBucket   Strategy = "LEAKY_BUCKET"
)

// Routing configures the execution-routing behavior of an operation.
type Routing struct {
	Target               RoutingMode       `mapstructure:"target" json:"target"`
	AllowReentrant       bool              `mapstructure:"allowReentrant" json:"allowReentrant"`
	TimeoutMillis        int64             `mapstructure:"timeoutMillis" json:"timeoutMillis"`
	CustomExecutor       string            `mapstructure:"customExecutor" json:"customExecutor"`
	CustomLockStrategy   string            `mapstructure:"customLockStrategy" json:"customLockStrategy"`
	CustomTimeoutHandler string            `mapstructure:"customTimeoutHandler" json:"customTimeoutHandler"`
	CustomProperties     map[string]string `mapstructure:"customProperties" json:"customProperties"`
	// ResultAsync declares that the wrapped method already returns an
	// asynchronous result, so routing must not block the caller on it.
	ResultAsync bool `mapstructure:"resultAsync" json:"resultAsync"`
}

// Timeout returns the configured timeout as a duration.
func (r *Routing) Timeout() time.Duration {
	return time.Duration(r.TimeoutMillis) * time.Millisecond
}

// CircuitBreaker configures the per-operation failure-tracking state machine.
type CircuitBreaker struct {
	FailureCountThreshold                 int   `mapstructure:"failureCountThreshold" json:"failureCountThreshold"`
	MinimumNumberOfCalls                  int   `mapstructure:"minimumNumberOfCalls" json:"minimumNumberOfCalls"`
	WaitDurationInOpenStateMillis         int64 `mapstructure:"waitDurationInOpenStateMillis" json:"waitDurationInOpenStateMillis"`
	PermittedNumberOfCallsInHalfOpenState int   `mapstructure:"permittedNumberOfCallsInHalfOpenState" json:"permittedNumberOfCallsInHalfOpenState"`
}

// WaitDuration returns the open-state cooldown as a duration.
func (c *CircuitBreaker) WaitDuration() time.Duration {
	return time.Duration(c.WaitDurationInOpenStateMillis) * time.Millisecond
}

// RateLimiter configures per-key admission control for an operation.
type RateLimiter struct {
	Name               string   `mapstructure:"name" json:"name"`
	Limit              int      `mapstructure:"limit" json:"limit"`
	PeriodMillis       int64    `mapstructure:"periodMillis" json:"periodMillis"`
	Strategy           Strategy `mapstructure:"strategy" json:"strategy"`
	KeyExpression      string   `mapstructure:"keyExpression" json:"keyExpression"`
	WaitForNextSlot    bool     `mapstructure:"waitForNextSlot" json:"waitForNextSlot"`
	MaxWaitTimeMillis  int64    `mapstructure:"maxWaitTimeMillis" json:"maxWaitTimeMillis"`
	FallbackMethodName string   `mapstructure:"fallbackMethodName" json:"fallbackMethodName"`
}

// Period returns the configured period as a duration.
func (r *RateLimiter) Period() time.Duration {
	return time.Duration(r.PeriodMillis) * time.Millisecond
}

// MaxWaitTime returns the wait-mode budget as a duration.
func (r *RateLimiter) MaxWaitTime() time.Duration {
	return time.Duration(r.MaxWaitTimeMillis) * time.Millisecond
}

// Operation is the declarative configuration of a single wrapped operation.
// A nil aspect block means that aspect does not apply to the operation.
type Operation struct {
	Name           string          `mapstructure:"name" json:"name"`
	Target         string          `mapstructure:"target" json:"target"`
	Method         string          `mapstructure:"method" json:"method"`
	ArgNames       []string        `mapstructure:"argNames" json:"argNames"`
	Routing        *Routing        `mapstructure:"routing" json:"routing"`
	CircuitBreaker *CircuitBreaker `mapstructure:"circuitBreaker" json:"circuitBreaker"`
	RateLimiter    *RateLimiter    `mapstructure:"rateLimiter" json:"rateLimiter"`
}

var (
	ErrMissingTarget = errors.New("policy: operation target is required")
	ErrMissingMethod = errors.New("policy: operation method is required")
)

// FieldError reports an invalid value for a recognized configuration field.
type FieldError struct {
	Field string
	Value interface{}
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("policy: invalid value %v for field %s", e.Value, e.Field)
}

// ApplyDefaults fills unset fields with the runtime defaults.
func (o *Operation) ApplyDefaults() {
	if o.Routing != nil {
		if o.Routing.Target == "" {
			o.Routing.Target = RoutingAsync
		}
		if o.Routing.TimeoutMillis <= 0 {
			o.Routing.TimeoutMillis = 30000
		}
	}
	if cb := o.CircuitBreaker; cb != nil {
		if cb.FailureCountThreshold <= 0 {
			cb.FailureCountThreshold = 5
		}
		if cb.MinimumNumberOfCalls <= 0 {
			cb.MinimumNumberOfCalls = 10
		}
		if cb.WaitDurationInOpenStateMillis <= 0 {
			cb.WaitDurationInOpenStateMillis = 30000
		}
		if cb.PermittedNumberOfCallsInHalfOpenState <= 0 {
			cb.PermittedNumberOfCallsInHalfOpenState = 3
		}
	}
	if rl := o.RateLimiter; rl != nil {
		if rl.Strategy == "" {
			rl.Strategy = FixedWindow
		}
		if rl.PeriodMillis <= 0 {
			rl.PeriodMillis = 1000
		}
		if rl.Limit <= 0 {
			rl.Limit = 1
		}
		if rl.WaitForNextSlot && rl.MaxWaitTimeMillis <= 0 {
			rl.MaxWaitTimeMillis = rl.PeriodMillis
		}
	}
}

// Validate checks identity fields and enum values.
func (o *Operation) Validate() error {
	if o.Target == "" && o.Name == "" {
		return ErrMissingTarget
	}
	if o.Method == "" && o.Name == "" {
		return ErrMissingMethod
	}
	if r := o.Routing; r != nil {
		switch r.Target {
		case RoutingSync, RoutingAsync, RoutingVirtual, RoutingCustom:
		default:
			return &FieldError{Field: "routing.target", Value: r.Target}
		}
	}
	if rl := o.RateLimiter; rl != nil {
		switch rl.Strategy {
		case FixedWindow, SlidingWindow, TokenBucket, LeakyBucket:
		default:
			return &FieldError{Field: "rateLimiter.strategy", Value: rl.Strategy}
		}
	}
	return nil
}

// Decode builds an Operation from an untyped configuration map, applies
// defaults and validates it.
func Decode(raw map[string]interface{}) (*Operation, error) {
	op := &Operation{}
	cfg := &mapstructure.DecoderConfig{
		Result:           op,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	}
	dec, err := mapstructure.NewDecoder(cfg)
	if err != nil {
		return nil, fmt.Errorf("policy: build decoder: %w", err)
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("policy: decode operation: %w", err)
	}
	op.ApplyDefaults()
	if err := op.Validate(); err != nil {
		return nil, err
	}
	return op, nil
}
