package middleware

import (
	"net/http"
	"strings"
)

// CORSConfig holds CORS middleware settings.
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	MaxAge         string
}

// DefaultCORSConfig returns the CORS settings the gateway ships with.
// Completions are invoked with bearer tokens, not cookies, so a wildcard
// origin is safe here.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID"},
		MaxAge:         "86400",
	}
}

// CORS returns middleware that answers Cross-Origin Resource Sharing
// headers. Browsers honor only a single value in
// Access-Control-Allow-Origin, so the allowlist is matched per request
// and the matching origin echoed back; "*" in the allowlist permits any
// origin. Requests from unlisted origins get no CORS headers at all and
// the browser blocks the response.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	allowAny := false
	allowed := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			allowAny = true
			continue
		}
		allowed[strings.ToLower(o)] = struct{}{}
	}
	methods := strings.Join(cfg.AllowedMethods, ", ")
	headers := strings.Join(cfg.AllowedHeaders, ", ")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Non-browser clients (curl, backend services) send no Origin
			// and skip all of this.
			if origin := r.Header.Get("Origin"); origin != "" {
				granted := ""
				switch {
				case allowAny:
					granted = "*"
				default:
					if _, ok := allowed[strings.ToLower(origin)]; ok {
						granted = origin
						// Caches must not serve one origin's grant to another.
						w.Header().Add("Vary", "Origin")
					}
				}
				if granted != "" {
					w.Header().Set("Access-Control-Allow-Origin", granted)
					w.Header().Set("Access-Control-Allow-Methods", methods)
					w.Header().Set("Access-Control-Allow-Headers", headers)
					w.Header().Set("Access-Control-Max-Age", cfg.MaxAge)
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
