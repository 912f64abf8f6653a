package gateway

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dskow/llm-gateway/internal/breaker"
	"github.com/dskow/llm-gateway/internal/events"
)

// Registry hands out the executor (and with it the circuit breaker) for each
// provider name, creating both lazily on first use. Exactly one breaker
// exists per name for the process lifetime; the config supplied by the
// creating call is fixed and later calls share the same instance regardless
// of the config they pass. Distinct names never share state.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]*Executor

	emitter     *events.Emitter
	logger      *slog.Logger
	breakerOpts []breaker.Option
}

// NewRegistry builds an empty registry. Transition events from every breaker
// it creates flow to emitter. Extra breaker options apply to all created
// breakers; tests use this to inject a clock.
func NewRegistry(emitter *events.Emitter, logger *slog.Logger, opts ...breaker.Option) *Registry {
	return &Registry{
		executors:   make(map[string]*Executor),
		emitter:     emitter,
		logger:      logger,
		breakerOpts: opts,
	}
}

// GetOrCreate returns the executor for name, creating its breaker on first
// use. An invalid config fails here, at construction, never at call time.
func (r *Registry) GetOrCreate(name string, cfg breaker.Config) (*Executor, error) {
	r.mu.RLock()
	ex, ok := r.executors[name]
	r.mu.RUnlock()
	if ok {
		return ex, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ex, ok := r.executors[name]; ok {
		return ex, nil
	}

	opts := append(append([]breaker.Option{}, r.breakerOpts...), breaker.OnStateChange(r.onTransition))
	br, err := breaker.New(name, cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating breaker for provider %q: %w", name, err)
	}

	ex = newExecutor(name, cfg, br, r.emitter, r.logger)
	r.executors[name] = ex

	r.logger.Info("circuit breaker created",
		"provider", name,
		"failure_threshold", cfg.FailureThreshold,
		"recovery_timeout", cfg.RecoveryTimeout,
		"success_threshold", cfg.SuccessThreshold,
		"call_timeout", cfg.CallTimeout,
		"max_retries", cfg.MaxRetries,
	)
	return ex, nil
}

// Get returns the executor for name if one has been created.
func (r *Registry) Get(name string) (*Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ex, ok := r.executors[name]
	return ex, ok
}

// Snapshots returns the current state of every breaker, sorted by provider
// name for stable output.
func (r *Registry) Snapshots() []breaker.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snaps := make([]breaker.Snapshot, 0, len(r.executors))
	for _, ex := range r.executors {
		snaps = append(snaps, ex.breaker.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Name < snaps[j].Name })
	return snaps
}

// Reset forces the named breaker closed. It reports whether the provider was
// known. Administrative use only.
func (r *Registry) Reset(name string) bool {
	r.mu.RLock()
	ex, ok := r.executors[name]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	ex.breaker.Reset()
	return true
}

func (r *Registry) onTransition(name string, from, to breaker.State, at time.Time) {
	r.emitter.StateChange(events.StateChange{Provider: name, From: from, To: to, At: at})
}
