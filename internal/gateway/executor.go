package gateway

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/dskow/llm-gateway/internal/breaker"
	"github.com/dskow/llm-gateway/internal/events"
)

// Operation is one attempt of the underlying provider call. The gateway
// treats it as opaque: it must honor ctx cancellation and return either a
// result or an error, and it must not retry internally.
type Operation func(ctx context.Context) (any, error)

// CallOption adjusts a single Execute invocation.
type CallOption func(*callSettings)

type callSettings struct {
	timeout time.Duration
}

// WithCallTimeout overrides the configured per-attempt timeout for one call.
func WithCallTimeout(d time.Duration) CallOption {
	return func(s *callSettings) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// Executor drives the retry loop for a single provider. One Executor is
// bound per provider by the Registry and shared by all concurrent callers;
// it holds no per-request state.
type Executor struct {
	provider string
	cfg      breaker.Config
	breaker  *breaker.CircuitBreaker
	emitter  *events.Emitter
	logger   *slog.Logger
}

func newExecutor(provider string, cfg breaker.Config, br *breaker.CircuitBreaker, emitter *events.Emitter, logger *slog.Logger) *Executor {
	return &Executor{
		provider: provider,
		cfg:      cfg,
		breaker:  br,
		emitter:  emitter,
		logger:   logger,
	}
}

// Name returns the provider name this executor serves.
func (e *Executor) Name() string { return e.provider }

// Breaker returns the provider's shared circuit breaker.
func (e *Executor) Breaker() *breaker.CircuitBreaker { return e.breaker }

// Execute runs op under the full protection stack: breaker consultation
// before every attempt, a per-attempt deadline, failure classification, and
// exponential backoff between retryable failures. It returns op's result or
// exactly one typed error (CircuitOpenError, CancelledError, a non-retryable
// ProviderError, or RetriesExhaustedError wrapping the final failure).
func (e *Executor) Execute(ctx context.Context, op Operation, opts ...CallOption) (any, error) {
	settings := callSettings{timeout: e.cfg.CallTimeout}
	for _, opt := range opts {
		opt(&settings)
	}

	attempts := e.cfg.MaxRetries + 1
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		// The breaker is consulted before every attempt, not just the first:
		// a provider that trips mid-sequence must not consume the remaining
		// retry budget.
		if !e.breaker.Permit() {
			e.emitAttempt(attempt, events.KindCircuitOpen, false, 0)
			return nil, &CircuitOpenError{Provider: e.provider}
		}

		start := time.Now()
		val, err := runGuarded(ctx, settings.timeout, op)
		elapsed := time.Since(start)

		if err == nil {
			e.breaker.RecordSuccess()
			e.emitAttempt(attempt, events.KindOK, true, elapsed)
			return val, nil
		}

		// The caller's own context ending says nothing about provider
		// health: nothing is recorded, a held probe slot is released, and
		// there is no retry.
		if ctx.Err() != nil {
			e.breaker.ReleaseProbe()
			e.emitAttempt(attempt, events.KindCancelled, false, elapsed)
			return nil, &CancelledError{Provider: e.provider, Err: ctx.Err()}
		}

		kind, classified, retryable := e.classify(err, elapsed)
		e.breaker.RecordFailure()
		e.emitAttempt(attempt, kind, false, elapsed)
		lastErr = classified

		if !retryable {
			return nil, classified
		}
		if attempt < attempts {
			delay := e.backoffDelay(attempt)
			e.logger.Warn("provider call failed, retrying",
				"provider", e.provider,
				"attempt", attempt,
				"error", classified,
				"backoff", delay,
			)
			if serr := sleepContext(ctx, delay); serr != nil {
				return nil, &CancelledError{Provider: e.provider, Err: serr}
			}
		}
	}

	return nil, &RetriesExhaustedError{Provider: e.provider, Attempts: attempts, LastErr: lastErr}
}

// Run executes op through ex and returns its typed result. It exists because
// methods cannot carry type parameters.
func Run[T any](ctx context.Context, ex *Executor, op func(context.Context) (T, error), opts ...CallOption) (T, error) {
	val, err := ex.Execute(ctx, func(ctx context.Context) (any, error) {
		return op(ctx)
	}, opts...)
	if err != nil || val == nil {
		var zero T
		return zero, err
	}
	return val.(T), nil
}

// classify maps a failed attempt's error to its event kind, the error the
// caller should see, and whether another attempt is worth scheduling.
func (e *Executor) classify(err error, elapsed time.Duration) (events.Kind, error, bool) {
	if errors.Is(err, context.DeadlineExceeded) {
		return events.KindTimeout, &TimeoutError{Provider: e.provider, Elapsed: elapsed}, true
	}
	var perr *ProviderError
	if errors.As(err, &perr) {
		return events.KindProvider, err, perr.Retryable()
	}
	// Connection-level failures: DNS, refused, reset, broken body.
	return events.KindNetwork, err, true
}

func (e *Executor) emitAttempt(attempt int, kind events.Kind, succeeded bool, elapsed time.Duration) {
	e.emitter.Attempt(events.Attempt{
		Provider:  e.provider,
		Attempt:   attempt,
		Succeeded: succeeded,
		Kind:      kind,
		Elapsed:   elapsed,
		At:        time.Now(),
	})
}

// backoffDelay returns the sleep before the attempt following the given
// (just failed, 1-based) attempt: BackoffBase * BackoffFactor^(attempt-1),
// capped at BackoffMax. The cap also absorbs float overflow.
func (e *Executor) backoffDelay(attempt int) time.Duration {
	d := time.Duration(float64(e.cfg.BackoffBase) * math.Pow(e.cfg.BackoffFactor, float64(attempt-1)))
	if d <= 0 || d > e.cfg.BackoffMax {
		return e.cfg.BackoffMax
	}
	return d
}

// runGuarded runs one attempt of op under the per-attempt deadline. The
// result channel is buffered so an operation that outlives its deadline can
// finish in the background and be discarded rather than leak a goroutine.
func runGuarded(ctx context.Context, timeout time.Duration, op Operation) (any, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		val any
		err error
	}
	done := make(chan result, 1)
	go func() {
		val, err := op(attemptCtx)
		done <- result{val, err}
	}()

	select {
	case res := <-done:
		return res.val, res.err
	case <-attemptCtx.Done():
		return nil, attemptCtx.Err()
	}
}

// sleepContext sleeps for d unless ctx ends first.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
