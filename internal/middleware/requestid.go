// Package middleware — requestid provides X-Request-ID generation and
// propagation via context for end-to-end request tracing.
package middleware

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/http"
)

type ctxKey string

// RequestIDKey is the context key used to store the request ID.
const RequestIDKey ctxKey = "request_id"

// maxRequestIDLen caps client-supplied request IDs. Oversized values are
// replaced rather than truncated so an ID never appears in two spellings
// across log lines.
const maxRequestIDLen = 128

// RequestID returns middleware that ensures every request carries a usable
// X-Request-ID. A well-formed client-supplied ID is preserved so traces
// can span services; anything oversized or containing characters unsafe
// for log lines is replaced with a generated UUID v4. The ID is set on
// the response header, the request header (for backend propagation), and
// stored in the request context.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if !validRequestID(id) {
			id = newUUID()
		}

		w.Header().Set("X-Request-ID", id)
		r.Header.Set("X-Request-ID", id)

		ctx := context.WithValue(r.Context(), RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID extracts the request ID from a context. Returns empty string
// if no request ID is present.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// validRequestID accepts non-empty IDs up to maxRequestIDLen built from
// letters, digits, '-', '_', and '.'. That covers UUIDs and the trace ID
// formats of common proxies while keeping IDs safe to embed in JSON log
// lines verbatim.
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.':
		default:
			return false
		}
	}
	return true
}

// newUUID generates a version 4 UUID using crypto/rand.
func newUUID() string {
	var u [16]byte
	_, _ = rand.Read(u[:])
	u[6] = (u[6] & 0x0f) | 0x40 // version 4
	u[8] = (u[8] & 0x3f) | 0x80 // RFC 4122 variant
	return fmt.Sprintf("%x-%x-%x-%x-%x", u[0:4], u[4:6], u[6:8], u[8:10], u[10:16])
}
