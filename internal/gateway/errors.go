// Package gateway drives resilient calls to LLM providers: every invocation
// runs through the provider's circuit breaker, a per-attempt timeout guard,
// and a bounded exponential-backoff retry loop. Callers receive exactly one
// typed error per logical request; per-attempt detail flows out as events.
package gateway

import (
	"fmt"
	"net/http"
	"time"
)

// CircuitOpenError is returned when the provider's breaker rejects the call
// before any network activity. It is terminal for the request: the executor
// neither retries nor sleeps after it.
type CircuitOpenError struct {
	Provider string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("%s: circuit open, call rejected", e.Provider)
}

// TimeoutError reports an attempt that exceeded its deadline.
type TimeoutError struct {
	Provider string
	Elapsed  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: call timed out after %s", e.Provider, e.Elapsed.Round(time.Millisecond))
}

// ProviderError reports an error response from the provider itself.
// StatusCode is the upstream HTTP status.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: provider returned %d: %s", e.Provider, e.StatusCode, e.Message)
}

// Retryable reports whether another attempt could plausibly succeed. Client
// errors are permanent request defects and are not retried, except 408 and
// 429, which are transient by definition.
func (e *ProviderError) Retryable() bool {
	switch {
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 400 && e.StatusCode < 500:
		return false
	default:
		return true
	}
}

// CancelledError reports a call abandoned because the caller's own context
// ended, whether by cancellation or by the caller's deadline. It is never
// counted against the breaker and never retried.
type CancelledError struct {
	Provider string
	Err      error
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("%s: call cancelled by caller: %v", e.Provider, e.Err)
}

func (e *CancelledError) Unwrap() error { return e.Err }

// RetriesExhaustedError wraps the final failure after the retry budget is
// spent. Unwrap exposes the last underlying error for errors.Is/As matching.
type RetriesExhaustedError struct {
	Provider string
	Attempts int
	LastErr  error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("%s: retries exhausted after %d attempts: %v", e.Provider, e.Attempts, e.LastErr)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.LastErr }
