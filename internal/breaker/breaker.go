// Package breaker implements the per-provider circuit breaker that guards
// calls to external LLM backends. One CircuitBreaker instance exists per
// provider name and is shared by every concurrent caller; all state changes
// are serialized under a single mutex so threshold crossings and the
// half-open probe slot are race-free.
package breaker

import (
	"fmt"
	"time"
)

// State represents the circuit breaker state. The numeric values are part of
// the monitoring contract (the breaker_state gauge): 0=closed, 1=half_open,
// 2=open.
type State int

const (
	StateClosed   State = iota // Normal operation; calls pass through.
	StateHalfOpen              // Probing; a single trial call is allowed.
	StateOpen                  // Failing; calls are rejected immediately.
)

// String returns the state name used in logs, metrics labels, and the admin API.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config holds the per-provider resilience settings. It is fixed when the
// breaker is created; later changes to the source configuration do not reach
// live breakers.
type Config struct {
	// FailureThreshold is the number of consecutive failures while closed
	// that trips the breaker open.
	FailureThreshold int

	// RecoveryTimeout is how long the breaker stays open before a single
	// probe call is allowed through.
	RecoveryTimeout time.Duration

	// SuccessThreshold is the number of consecutive probe successes while
	// half-open required to close the breaker again.
	SuccessThreshold int

	// CallTimeout bounds one attempt of the underlying call. Consumed by the
	// executor, not the breaker itself.
	CallTimeout time.Duration

	// MaxRetries is the number of additional attempts after the first.
	MaxRetries int

	// BackoffBase and BackoffFactor shape the exponential delay between
	// attempts: BackoffBase * BackoffFactor^(attempt-1), capped at BackoffMax.
	BackoffBase   time.Duration
	BackoffFactor float64
	BackoffMax    time.Duration
}

// DefaultConfig returns the stock resilience settings.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 2,
		CallTimeout:      60 * time.Second,
		MaxRetries:       2,
		BackoffBase:      500 * time.Millisecond,
		BackoffFactor:    2.0,
		BackoffMax:       10 * time.Second,
	}
}

// Validate reports the first configuration defect found. A breaker is never
// constructed from an invalid config; misconfiguration surfaces at startup,
// not at call time.
func (c Config) Validate() error {
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("failure_threshold must be positive, got %d", c.FailureThreshold)
	}
	if c.RecoveryTimeout <= 0 {
		return fmt.Errorf("recovery_timeout must be positive, got %s", c.RecoveryTimeout)
	}
	if c.SuccessThreshold <= 0 {
		return fmt.Errorf("success_threshold must be positive, got %d", c.SuccessThreshold)
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("call_timeout must be positive, got %s", c.CallTimeout)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", c.MaxRetries)
	}
	if c.BackoffBase <= 0 {
		return fmt.Errorf("backoff_base must be positive, got %s", c.BackoffBase)
	}
	if c.BackoffFactor < 1 {
		return fmt.Errorf("backoff_factor must be at least 1, got %g", c.BackoffFactor)
	}
	if c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("backoff_max %s is below backoff_base %s", c.BackoffMax, c.BackoffBase)
	}
	return nil
}
