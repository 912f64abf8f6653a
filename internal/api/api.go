// Package api implements the versioned HTTP API of the LLM gateway:
// completion and summarization invocations routed through per-provider
// circuit breakers, plus a provider status listing.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dskow/llm-gateway/internal/apierror"
	"github.com/dskow/llm-gateway/internal/breaker"
	"github.com/dskow/llm-gateway/internal/config"
	"github.com/dskow/llm-gateway/internal/gateway"
	"github.com/dskow/llm-gateway/internal/metrics"
	"github.com/dskow/llm-gateway/internal/middleware"
	"github.com/dskow/llm-gateway/internal/provider"
)

// Input caps, in characters. Oversized inputs are rejected before any
// upstream call is attempted.
const (
	maxPromptChars = 50000
	maxTextChars   = 50000
	maxFocusChars  = 500
)

// Handler serves the /v1 endpoints. It holds one entry per configured
// provider, each pairing an upstream client with its breaker-guarded
// executor.
type Handler struct {
	entries map[string]*entry
	names   []string // sorted provider names for stable listings
	def     string
	logger  *slog.Logger
}

type entry struct {
	client provider.Client
	exec   *gateway.Executor
	kind   string
}

// New builds the API handler from the loaded config: one upstream client
// and one executor per provider, all registered on the shared registry so
// the admin and health endpoints see the same breakers.
func New(cfg *config.Config, registry *gateway.Registry, logger *slog.Logger) (*Handler, error) {
	h := &Handler{
		entries: make(map[string]*entry, len(cfg.Providers)),
		def:     cfg.DefaultProvider,
		logger:  logger,
	}
	for _, pc := range cfg.Providers {
		client, err := provider.New(pc)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", pc.Name, err)
		}
		exec, err := registry.GetOrCreate(pc.Name, breakerConfig(cfg.BreakerFor(pc)))
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", pc.Name, err)
		}
		metrics.InitProvider(pc.Name)
		h.entries[pc.Name] = &entry{client: client, exec: exec, kind: pc.Type}
		h.names = append(h.names, pc.Name)
	}
	sort.Strings(h.names)
	return h, nil
}

// breakerConfig translates a resolved YAML breaker block into the
// breaker package's settings.
func breakerConfig(c config.BreakerConfig) breaker.Config {
	return breaker.Config{
		FailureThreshold: c.FailureThreshold,
		RecoveryTimeout:  c.RecoveryTimeout,
		SuccessThreshold: c.SuccessThreshold,
		CallTimeout:      c.CallTimeout,
		MaxRetries:       c.Retries(),
		BackoffBase:      c.BackoffBase,
		BackoffFactor:    c.BackoffFactor,
		BackoffMax:       c.BackoffMax,
	}
}

// RegisterRoutes attaches the versioned API endpoints to mux. The catch-all
// keeps unmatched paths on the gateway's JSON error envelope instead of the
// mux's plain-text 404.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/completions", h.instrument("/v1/completions", h.completions))
	mux.HandleFunc("/v1/summaries", h.instrument("/v1/summaries", h.summaries))
	mux.HandleFunc("/v1/providers", h.instrument("/v1/providers", h.providers))
	mux.HandleFunc("/", h.instrument("/", h.notFound))
}

func (h *Handler) notFound(w http.ResponseWriter, r *http.Request) {
	apierror.WriteJSON(w, r, http.StatusNotFound, apierror.RouteNotFound, "no matching route")
}

// instrument wraps an endpoint with request counting, latency observation,
// and in-flight tracking under a stable route label.
func (h *Handler) instrument(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		metrics.ActiveRequests.Inc()
		defer metrics.ActiveRequests.Dec()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)

		metrics.RequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
		metrics.RequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	}
}

// statusRecorder captures the response status code for metrics labels.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.written {
		return
	}
	sr.written = true
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if !sr.written {
		sr.WriteHeader(http.StatusOK)
	}
	return sr.ResponseWriter.Write(b)
}

// completionRequest is the body of POST /v1/completions.
type completionRequest struct {
	Provider    string   `json:"provider,omitempty"`
	Prompt      string   `json:"prompt"`
	System      string   `json:"system,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// summaryRequest is the body of POST /v1/summaries.
type summaryRequest struct {
	Provider string `json:"provider,omitempty"`
	Text     string `json:"text"`
	Focus    string `json:"focus,omitempty"`
}

// invokeResponse is the success body shared by completions and summaries.
type invokeResponse struct {
	Text      string `json:"text"`
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	LatencyMs int64  `json:"latency_ms"`
	RequestID string `json:"request_id,omitempty"`
	Usage     *usage `json:"usage,omitempty"`
}

type usage struct {
	PromptTokens int `json:"prompt_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// decodeBody decodes the JSON request body into dst. A body past the
// size cap set by the body-limit middleware maps to 413, malformed JSON
// to 400; either way the error response is already written when
// decodeBody returns false.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			apierror.WriteJSON(w, r, http.StatusRequestEntityTooLarge, apierror.BodyTooLarge,
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return false
		}
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.Validation, "invalid JSON body")
		return false
	}
	return true
}

func (h *Handler) completions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		apierror.WriteJSON(w, r, http.StatusMethodNotAllowed, apierror.MethodNotAllowed, "method not allowed")
		return
	}
	var req completionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	switch {
	case strings.TrimSpace(req.Prompt) == "":
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.Validation, "prompt is required")
		return
	case utf8.RuneCountInString(req.Prompt) > maxPromptChars:
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.Validation,
			fmt.Sprintf("prompt exceeds %d characters", maxPromptChars))
		return
	case req.MaxTokens < 0:
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.Validation, "max_tokens must not be negative")
		return
	case req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2):
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.Validation, "temperature must be between 0 and 2")
		return
	}

	h.invoke(w, r, req.Provider, provider.Request{
		Prompt:      req.Prompt,
		System:      req.System,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
}

func (h *Handler) summaries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		apierror.WriteJSON(w, r, http.StatusMethodNotAllowed, apierror.MethodNotAllowed, "method not allowed")
		return
	}
	var req summaryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	switch {
	case strings.TrimSpace(req.Text) == "":
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.Validation, "text is required")
		return
	case utf8.RuneCountInString(req.Text) > maxTextChars:
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.Validation,
			fmt.Sprintf("text exceeds %d characters", maxTextChars))
		return
	case utf8.RuneCountInString(req.Focus) > maxFocusChars:
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.Validation,
			fmt.Sprintf("focus exceeds %d characters", maxFocusChars))
		return
	}

	h.invoke(w, r, req.Provider, provider.Request{
		Prompt: summaryPrompt(req.Text, req.Focus),
		System: summarySystem,
	})
}

// summarySystem keeps summaries grounded: the model must only condense
// the supplied text, never extend it.
const summarySystem = "You are a careful assistant. Summarize only; do not speculate or give advice beyond the provided text."

// summaryPrompt wraps raw input in a fixed instruction template so every
// summary follows the same structure regardless of provider.
func summaryPrompt(text, focus string) string {
	var b strings.Builder
	b.WriteString("Summarize the following text in a structured, neutral way. " +
		"Output MUST contain: a title; bullet points of the key points; " +
		"any explicit risks or warnings mentioned.")
	if focus != "" {
		b.WriteString("\nFOCUS: ")
		b.WriteString(focus)
	}
	b.WriteString("\n\nTEXT:\n")
	b.WriteString(text)
	return b.String()
}

// providerStatus is one row of the GET /v1/providers listing.
type providerStatus struct {
	Name         string     `json:"name"`
	Type         string     `json:"type"`
	Model        string     `json:"model"`
	State        string     `json:"state"`
	FailureCount int        `json:"failure_count"`
	SuccessCount int        `json:"success_count"`
	OpenedAt     *time.Time `json:"opened_at,omitempty"`
}

func (h *Handler) providers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		apierror.WriteJSON(w, r, http.StatusMethodNotAllowed, apierror.MethodNotAllowed, "method not allowed")
		return
	}
	out := struct {
		Default   string           `json:"default,omitempty"`
		Providers []providerStatus `json:"providers"`
	}{Default: h.def, Providers: make([]providerStatus, 0, len(h.names))}

	for _, name := range h.names {
		ent := h.entries[name]
		snap := ent.exec.Breaker().Snapshot()
		ps := providerStatus{
			Name:         name,
			Type:         ent.kind,
			Model:        ent.client.Model(),
			State:        snap.State.String(),
			FailureCount: snap.Failures,
			SuccessCount: snap.Successes,
		}
		if !snap.OpenedAt.IsZero() {
			t := snap.OpenedAt
			ps.OpenedAt = &t
		}
		out.Providers = append(out.Providers, ps)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		h.logger.Error("failed to encode provider listing", "error", err)
	}
}

// invoke resolves the target provider, runs the completion under its
// executor, and writes the normalized response or the mapped error.
func (h *Handler) invoke(w http.ResponseWriter, r *http.Request, name string, preq provider.Request) {
	if name == "" {
		name = h.def
	}
	ent, ok := h.entries[name]
	if !ok {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.UnknownProvider,
			fmt.Sprintf("unknown provider %q", name))
		return
	}

	start := time.Now()
	resp, err := gateway.Run(r.Context(), ent.exec, func(ctx context.Context) (*provider.Response, error) {
		return ent.client.Complete(ctx, preq)
	})
	if err != nil {
		h.writeGatewayError(w, r, name, ent, err)
		return
	}
	elapsed := time.Since(start)

	model := resp.Model
	if model == "" {
		model = ent.client.Model()
	}
	out := invokeResponse{
		Text:      resp.Text,
		Provider:  name,
		Model:     model,
		LatencyMs: elapsed.Milliseconds(),
		RequestID: middleware.GetRequestID(r.Context()),
	}
	if resp.PromptTokens > 0 || resp.OutputTokens > 0 {
		out.Usage = &usage{PromptTokens: resp.PromptTokens, OutputTokens: resp.OutputTokens}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Gateway-Latency", elapsed.String())
	if err := json.NewEncoder(w).Encode(out); err != nil {
		h.logger.Error("failed to encode completion response", "provider", name, "error", err)
	}
}

// writeGatewayError maps executor errors onto API error responses.
// Exhausted retries are matched through their wrapped terminal failure
// first, so a final timeout surfaces as 504 rather than a generic 502.
func (h *Handler) writeGatewayError(w http.ResponseWriter, r *http.Request, name string, ent *entry, err error) {
	var (
		cancelErr    *gateway.CancelledError
		openErr      *gateway.CircuitOpenError
		timeoutErr   *gateway.TimeoutError
		exhaustedErr *gateway.RetriesExhaustedError
		provErr      *gateway.ProviderError
	)
	switch {
	case errors.As(err, &cancelErr):
		// The client disconnected; the write is best-effort and the
		// status is for the access log, not the caller.
		h.logger.Info("request cancelled by client", "provider", name, "path", r.URL.Path)
		apierror.WriteJSON(w, r, http.StatusGatewayTimeout, apierror.RequestCancelled, "request cancelled")
	case errors.As(err, &openErr):
		recovery := ent.exec.Breaker().Config().RecoveryTimeout
		w.Header().Set("Retry-After", strconv.Itoa(int(recovery.Seconds())))
		apierror.WriteJSON(w, r, http.StatusServiceUnavailable, apierror.CircuitOpen, "circuit breaker open")
	case errors.As(err, &timeoutErr):
		apierror.WriteJSON(w, r, http.StatusGatewayTimeout, apierror.UpstreamTimeout, "upstream provider timed out")
	case errors.As(err, &exhaustedErr):
		h.logger.Error("provider attempts exhausted",
			"provider", name, "attempts", exhaustedErr.Attempts, "error", exhaustedErr.LastErr)
		apierror.WriteJSON(w, r, http.StatusBadGateway, apierror.UpstreamUnavailable, "upstream provider unavailable")
	case errors.As(err, &provErr):
		apierror.WriteJSON(w, r, http.StatusBadGateway, apierror.UpstreamRejected,
			fmt.Sprintf("upstream rejected the request: status %d", provErr.StatusCode))
	default:
		h.logger.Error("unexpected gateway error", "provider", name, "error", err)
		apierror.WriteJSON(w, r, http.StatusInternalServerError, apierror.InternalError, "internal gateway error")
	}
}
