package middleware

import (
	"net/http"

	"github.com/dskow/llm-gateway/internal/apierror"
)

// BodyLimit returns middleware that caps request body size. Prompt
// payloads are small, so anything past maxBytes is rejected with 413
// before it can occupy a provider slot. A declared Content-Length over
// the cap is rejected up front; chunked bodies are capped by
// http.MaxBytesReader, whose error the API handlers map to 413 at
// decode time.
func BodyLimit(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				apierror.WriteJSON(w, r, http.StatusRequestEntityTooLarge, apierror.BodyTooLarge,
					"request body exceeds maximum allowed size")
				return
			}
			if r.Body != nil && r.ContentLength != 0 {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
