// Package health provides health check and readiness probe HTTP handlers.
package health

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/dskow/llm-gateway/internal/breaker"
	"github.com/dskow/llm-gateway/internal/gateway"
)

const livenessBody = `{"status":"ok"}` + "\n"

// Readiness verdicts are cached so aggressive orchestrator polling does
// not walk the breaker registry on every probe.
const readinessCacheTTL = 2 * time.Second

// probeResult is one readiness verdict with its serialized body.
type probeResult struct {
	body   []byte
	status int
	at     time.Time
}

// Handler provides /health and /ready endpoints.
type Handler struct {
	registry *gateway.Registry
	logger   *slog.Logger
	last     atomic.Pointer[probeResult]
}

// New creates a health check Handler backed by the breaker registry.
func New(registry *gateway.Registry, logger *slog.Logger) *Handler {
	return &Handler{registry: registry, logger: logger}
}

// RegisterRoutes adds health check routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.liveness)
	mux.HandleFunc("/ready", h.readiness)
}

func (h *Handler) liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	io.WriteString(w, livenessBody)
}

func (h *Handler) readiness(w http.ResponseWriter, r *http.Request) {
	p := h.last.Load()
	if p == nil || time.Since(p.at) >= readinessCacheTTL {
		p = h.probe()
		h.last.Store(p)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(p.status)
	w.Write(p.body)
}

// probe reports whether the gateway can still do useful work. Breaker
// state is the signal: a single open circuit degrades one provider but
// the gateway stays ready; only every circuit being open means no request
// can succeed. Dialing the providers here would defeat the breakers.
func (h *Handler) probe() *probeResult {
	snaps := h.registry.Snapshots()

	providers := make(map[string]string, len(snaps))
	open := 0
	for _, s := range snaps {
		providers[s.Name] = s.State.String()
		if s.State == breaker.StateOpen {
			open++
		}
	}

	status, label := http.StatusOK, "ready"
	if len(snaps) > 0 && open == len(snaps) {
		status, label = http.StatusServiceUnavailable, "not ready"
		h.logger.Warn("all provider circuits open", "providers", len(snaps))
	}

	body, _ := json.Marshal(map[string]any{
		"status":    label,
		"providers": providers,
	})
	return &probeResult{body: append(body, '\n'), status: status, at: time.Now()}
}
