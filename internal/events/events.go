// Package events turns breaker transitions and per-attempt call outcomes
// into discrete events for metrics and logging collaborators. Emission is
// best-effort: a sink that panics is isolated from the call path, and sinks
// are required to return quickly. Slow consumers wrap themselves in an
// AsyncSink, which drops rather than blocks when its queue is full.
package events

import (
	"log/slog"
	"time"

	"github.com/dskow/llm-gateway/internal/breaker"
)

// Kind classifies a call attempt's outcome.
type Kind string

const (
	KindOK          Kind = "ok"
	KindTimeout     Kind = "timeout"
	KindNetwork     Kind = "network"
	KindProvider    Kind = "provider"
	KindCancelled   Kind = "cancelled"
	KindCircuitOpen Kind = "circuit_open"
)

// StateChange records one breaker transition.
type StateChange struct {
	Provider string
	From     breaker.State
	To       breaker.State
	At       time.Time
}

// Attempt records the outcome of one call attempt, including fail-fast
// rejections that never reached the provider.
type Attempt struct {
	Provider  string
	Attempt   int // 1-based
	Succeeded bool
	Kind      Kind
	Elapsed   time.Duration
	At        time.Time
}

// Sink consumes gateway events. Implementations must not block; they are
// invoked inline on the request path.
type Sink interface {
	StateChange(StateChange)
	Attempt(Attempt)
}

// Emitter fans events out to its sinks. A nil *Emitter is valid and drops
// everything, which keeps test wiring small.
type Emitter struct {
	sinks []Sink
}

// NewEmitter builds an emitter over the given sinks.
func NewEmitter(sinks ...Sink) *Emitter {
	return &Emitter{sinks: sinks}
}

// StateChange delivers a transition event to every sink.
func (e *Emitter) StateChange(ev StateChange) {
	if e == nil {
		return
	}
	for _, s := range e.sinks {
		deliver(func() { s.StateChange(ev) })
	}
}

// Attempt delivers an attempt event to every sink.
func (e *Emitter) Attempt(ev Attempt) {
	if e == nil {
		return
	}
	for _, s := range e.sinks {
		deliver(func() { s.Attempt(ev) })
	}
}

// deliver shields the call path from a misbehaving sink.
func deliver(fn func()) {
	defer func() {
		_ = recover()
	}()
	fn()
}

// LogSink writes events to a structured logger. Transitions log at info,
// attempts at debug.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a Sink backed by logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) StateChange(ev StateChange) {
	s.logger.Info("circuit breaker state change",
		"provider", ev.Provider,
		"from", ev.From.String(),
		"to", ev.To.String(),
	)
}

func (s *LogSink) Attempt(ev Attempt) {
	s.logger.Debug("provider call attempt",
		"provider", ev.Provider,
		"attempt", ev.Attempt,
		"outcome", string(ev.Kind),
		"elapsed_ms", ev.Elapsed.Milliseconds(),
	)
}
