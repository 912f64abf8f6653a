// Package middleware provides the HTTP middleware chain for the LLM
// gateway: panic recovery, request IDs, security headers, CORS,
// structured access logging, body limits, tenant resolution, and
// global deadlines.
package middleware

import (
	"log/slog"
	"net/http"
	"time"
)

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.statusCode = code
	sr.ResponseWriter.WriteHeader(code)
}

// Logging returns middleware that logs each request as structured JSON
// including method, path, status code, latency, and client IP.
// tenantHeader names the header the tenant middleware normalizes; its
// value is attached to the entry when present. Request and response
// bodies are never logged: prompts and completions routinely carry
// content that must not end up in log files.
func Logging(logger *slog.Logger, tenantHeader string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(recorder, r)

			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", recorder.statusCode,
				"latency_ms", time.Since(start).Milliseconds(),
				"client_ip", r.RemoteAddr,
				"request_id", GetRequestID(r.Context()),
			}
			// The tenant middleware runs inside this one and writes the
			// normalized value back onto the shared header map, so it is
			// visible here after the handler returns.
			if tenantHeader != "" {
				if tenant := r.Header.Get(tenantHeader); tenant != "" {
					attrs = append(attrs, "tenant", tenant)
				}
			}

			logger.Log(r.Context(), slog.LevelInfo, "request", attrs...)
		})
	}
}
