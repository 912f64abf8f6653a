// Package metrics provides Prometheus instrumentation for the LLM gateway.
// All metric collectors are registered via Init and exposed through the
// Handler for scraping. Recorder adapts the gateway's event stream to the
// breaker collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dskow/llm-gateway/internal/events"
)

var (
	// BreakerState reports each provider's circuit state:
	// 0=closed, 1=half_open, 2=open.
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "llm_gateway_breaker_state",
			Help: "Circuit breaker state per provider (0=closed, 1=half_open, 2=open)",
		},
		[]string{"provider"},
	)

	// BreakerFailures counts call failures recorded against each provider's breaker.
	BreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_gateway_breaker_failures_total",
			Help: "Total failures counted against the circuit breaker",
		},
		[]string{"provider"},
	)

	// BreakerTransitions counts state transitions by provider and edge.
	BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_gateway_breaker_transitions_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"provider", "from", "to"},
	)

	// BreakerRejections counts fail-fast rejections by an open breaker.
	BreakerRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_gateway_breaker_rejections_total",
			Help: "Total calls rejected without reaching the provider",
		},
		[]string{"provider"},
	)

	// AttemptsTotal counts call attempts by provider and outcome.
	AttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_gateway_attempts_total",
			Help: "Total provider call attempts by outcome",
		},
		[]string{"provider", "outcome"},
	)

	// RetriesTotal counts attempts beyond the first per provider.
	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_gateway_retries_total",
			Help: "Total retry attempts",
		},
		[]string{"provider"},
	)

	// CallDuration observes per-attempt provider latency in seconds.
	// Buckets reach into the minutes because LLM completions are slow.
	CallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_gateway_call_duration_seconds",
			Help:    "Provider call attempt latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "outcome"},
	)

	// RequestsTotal counts HTTP requests by route, method, and status code.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_gateway_requests_total",
			Help: "Total HTTP requests processed",
		},
		[]string{"route", "method", "status"},
	)

	// RequestDuration observes HTTP request latency in seconds.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_gateway_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	// ActiveRequests tracks the number of in-flight HTTP requests.
	ActiveRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "llm_gateway_active_requests",
			Help: "Number of in-flight requests currently being processed",
		},
	)

	// RateLimitHits counts rate limit rejections.
	RateLimitHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "llm_gateway_rate_limit_hits_total",
			Help: "Total rate limit rejections",
		},
	)

	// AuthFailures counts authentication failures by reason.
	AuthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_gateway_auth_failures_total",
			Help: "Total authentication failures",
		},
		[]string{"reason"},
	)

	// ConfigReloads counts configuration reload attempts by outcome.
	ConfigReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_gateway_config_reloads_total",
			Help: "Total configuration reload attempts",
		},
		[]string{"outcome"},
	)

	// PanicsRecovered counts handler panics caught by the recovery middleware.
	PanicsRecovered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "llm_gateway_panics_recovered_total",
			Help: "Total panics recovered from request handlers",
		},
	)
)

// Init registers all metric collectors with the default Prometheus registry.
// Must be called once at startup before handling requests.
func Init() {
	prometheus.MustRegister(
		BreakerState,
		BreakerFailures,
		BreakerTransitions,
		BreakerRejections,
		AttemptsTotal,
		RetriesTotal,
		CallDuration,
		RequestsTotal,
		RequestDuration,
		ActiveRequests,
		RateLimitHits,
		AuthFailures,
		ConfigReloads,
		PanicsRecovered,
	)
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Recorder is the metrics sink for gateway events. Every delivery is a
// lock-free counter or gauge update, safe to run inline on the call path.
type Recorder struct{}

func (Recorder) StateChange(ev events.StateChange) {
	BreakerTransitions.WithLabelValues(ev.Provider, ev.From.String(), ev.To.String()).Inc()
	BreakerState.WithLabelValues(ev.Provider).Set(float64(ev.To))
}

func (Recorder) Attempt(ev events.Attempt) {
	AttemptsTotal.WithLabelValues(ev.Provider, string(ev.Kind)).Inc()

	switch ev.Kind {
	case events.KindCircuitOpen:
		// Fail-fast: no call happened, so there is no latency to observe.
		BreakerRejections.WithLabelValues(ev.Provider).Inc()
		return
	case events.KindTimeout, events.KindNetwork, events.KindProvider:
		BreakerFailures.WithLabelValues(ev.Provider).Inc()
	}

	CallDuration.WithLabelValues(ev.Provider, string(ev.Kind)).Observe(ev.Elapsed.Seconds())
	if ev.Attempt > 1 {
		RetriesTotal.WithLabelValues(ev.Provider).Inc()
	}
}

// InitProvider primes the per-provider collectors so a freshly configured
// provider scrapes as closed instead of absent.
func InitProvider(name string) {
	BreakerState.WithLabelValues(name).Set(0)
	BreakerFailures.WithLabelValues(name).Add(0)
	BreakerRejections.WithLabelValues(name).Add(0)
}
