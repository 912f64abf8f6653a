package middleware

import (
	"net/http"
)

// SecurityHeaders returns middleware that sets the security response
// headers for every endpoint. Completion responses embed user prompts,
// so Cache-Control: no-store keeps them out of shared caches; handlers
// that genuinely want caching override it. HSTS is only set when the
// request arrived over TLS or via a trusted HTTPS proxy.
func SecurityHeaders() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-XSS-Protection", "0")
			h.Set("Cache-Control", "no-store")
			h.Set("Referrer-Policy", "no-referrer")

			if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}

			next.ServeHTTP(w, r)
		})
	}
}
