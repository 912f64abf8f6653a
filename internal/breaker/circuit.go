package breaker

import (
	"sync"
	"time"
)

// TransitionFunc observes a state change. It is called with the breaker's
// lock held, so implementations must be fast, must not block, and must not
// call back into the breaker.
type TransitionFunc func(name string, from, to State, at time.Time)

// Option configures a CircuitBreaker at construction time.
type Option func(*CircuitBreaker)

// WithClock substitutes the time source.
func WithClock(c Clock) Option {
	return func(b *CircuitBreaker) { b.clock = c }
}

// OnStateChange registers fn to be invoked on every state transition.
func OnStateChange(fn TransitionFunc) Option {
	return func(b *CircuitBreaker) { b.onChange = fn }
}

// CircuitBreaker tracks consecutive failures for one named provider and
// decides whether calls may proceed. It moves between three states:
//
//	closed    -> open       after FailureThreshold consecutive failures
//	open      -> half_open  once RecoveryTimeout has elapsed (lazily, on Permit)
//	half_open -> closed     after SuccessThreshold consecutive probe successes
//	half_open -> open       on any probe failure
//
// While half-open, at most one probe call is in flight; competing callers
// are rejected exactly as if the breaker were open.
type CircuitBreaker struct {
	mu sync.Mutex

	name     string
	cfg      Config
	clock    Clock
	onChange TransitionFunc

	state         State
	failures      int       // consecutive failures, meaningful while closed
	successes     int       // consecutive probe successes, meaningful while half-open
	openedAt      time.Time // stamped on every transition to open
	probeInFlight bool      // half-open probe slot
}

// New constructs a closed breaker for the named provider. It fails if the
// config is invalid.
func New(name string, cfg Config, opts ...Option) (*CircuitBreaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &CircuitBreaker{
		name:  name,
		cfg:   cfg,
		clock: systemClock{},
		state: StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Name returns the provider name the breaker guards.
func (b *CircuitBreaker) Name() string { return b.name }

// Config returns the breaker's immutable settings.
func (b *CircuitBreaker) Config() Config { return b.cfg }

// Permit reports whether a call may proceed right now. While open it
// performs the lazy open-to-half-open transition once the recovery timeout
// has elapsed and admits the caller that triggered it as the probe; every
// other concurrent caller keeps being rejected until the probe resolves.
// A true return obligates the caller to report the call's outcome via
// RecordSuccess, RecordFailure, or ReleaseProbe.
func (b *CircuitBreaker) Permit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.clock.Now().Sub(b.openedAt) < b.cfg.RecoveryTimeout {
			return false
		}
		b.transitionTo(StateHalfOpen)
		b.probeInFlight = true
		return true
	case StateHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	default:
		return false
	}
}

// RecordSuccess reports a successful call. While closed it clears the
// consecutive-failure streak; while half-open it counts toward closing.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.probeInFlight = false
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transitionTo(StateClosed)
		}
	}
}

// RecordFailure reports a failed call. While closed it advances the streak
// and trips the breaker at the threshold; while half-open a single failure
// reopens immediately with a fresh recovery window.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		b.probeInFlight = false
		b.transitionTo(StateOpen)
	}
}

// ReleaseProbe frees the half-open probe slot without recording an outcome.
// The executor calls it when a permitted call is abandoned for reasons that
// say nothing about provider health (the caller cancelled), so the next
// caller can probe instead of the slot staying occupied forever.
func (b *CircuitBreaker) ReleaseProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.probeInFlight = false
	}
}

// State returns the current state.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker to closed with zeroed counters. Administrative
// use only; normal recovery goes through the half-open probe.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateClosed {
		b.failures = 0
		return
	}
	b.transitionTo(StateClosed)
}

// Snapshot is a point-in-time copy of the breaker's observable state.
type Snapshot struct {
	Name          string
	State         State
	Failures      int
	Successes     int
	OpenedAt      time.Time
	ProbeInFlight bool
}

// Snapshot returns the current state and counters for monitoring surfaces.
func (b *CircuitBreaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:          b.name,
		State:         b.state,
		Failures:      b.failures,
		Successes:     b.successes,
		OpenedAt:      b.openedAt,
		ProbeInFlight: b.probeInFlight,
	}
}

// transitionTo changes state, resets the counters the new state relies on,
// and notifies the transition observer. Must be called with b.mu held.
func (b *CircuitBreaker) transitionTo(newState State) {
	if b.state == newState {
		return
	}

	from := b.state
	b.state = newState

	switch newState {
	case StateClosed:
		b.failures = 0
		b.successes = 0
		b.probeInFlight = false
		b.openedAt = time.Time{}
	case StateHalfOpen:
		b.successes = 0
		b.probeInFlight = false
	case StateOpen:
		b.openedAt = b.clock.Now()
		b.failures = 0
		b.successes = 0
		b.probeInFlight = false
	}

	if b.onChange != nil {
		b.onChange(b.name, from, newState, b.clock.Now())
	}
}
