package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/dskow/llm-gateway/internal/apierror"
	"github.com/dskow/llm-gateway/internal/metrics"
)

// Recovery returns middleware that turns a panic anywhere below it into a
// logged stack trace and a 500 JSON response. http.ErrAbortHandler is
// re-raised untouched; the server uses it to abort in-flight responses
// and expects it to propagate.
//
// Recovery sits outermost, before the request ID lands in the context,
// so the ID is read from the header the requestid middleware stamps.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				p := recover()
				if p == nil {
					return
				}
				if p == http.ErrAbortHandler {
					panic(p)
				}
				logger.Error("panic recovered",
					"error", p,
					"stack", string(debug.Stack()),
					"method", r.Method,
					"path", r.URL.Path,
					"request_id", r.Header.Get("X-Request-ID"),
				)
				metrics.PanicsRecovered.Inc()
				apierror.WriteJSON(w, r, http.StatusInternalServerError, apierror.InternalError, "an unexpected error occurred")
			}()
			next.ServeHTTP(w, r)
		})
	}
}
