// Package auth validates JWT Bearer tokens on inference routes and
// enforces the scope and tenant claims they carry.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dskow/llm-gateway/internal/apierror"
	"github.com/dskow/llm-gateway/internal/config"
	"github.com/dskow/llm-gateway/internal/metrics"
	"github.com/dskow/llm-gateway/internal/middleware"
)

type contextKey string

// ClaimsKey is the context key used to store validated JWT claims.
const ClaimsKey contextKey = "jwt_claims"

// Claims carries the validated token identity handed to downstream
// handlers.
type Claims struct {
	Subject  string
	Issuer   string
	Audience string
	Tenant   string
	Scopes   []string
}

// tokenClaims is the raw JWT payload. The scope claim is a single
// space-separated string in RFC 6749 style.
type tokenClaims struct {
	Tenant string `json:"tenant"`
	Scope  string `json:"scope"`
	jwt.RegisteredClaims
}

// Middleware returns an HTTP middleware validating JWT Bearer tokens on
// the paths routeRequiresAuth selects. Validated claims are stored in the
// request context under ClaimsKey.
func Middleware(cfg config.AuthConfig, routeRequiresAuth func(path string) bool, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Enabled || !routeRequiresAuth(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			tokenStr, ok := bearerToken(r)
			if !ok {
				reject(w, r, http.StatusUnauthorized, apierror.AuthMissingToken, "missing or malformed Authorization header", "missing_token")
				return
			}

			claims, err := validateToken(tokenStr, cfg)
			if err != nil {
				logger.Warn("auth failure", "error", err, "path", r.URL.Path)
				if isScopeError(err) {
					reject(w, r, http.StatusForbidden, apierror.AuthInsufficientScope, err.Error(), "insufficient_scope")
				} else {
					reject(w, r, http.StatusUnauthorized, apierror.AuthInvalidToken, err.Error(), "invalid_token")
				}
				return
			}

			ctx := r.Context()

			// Tokens may pin a tenant. When they do, the claim must agree
			// with the tenant header; absent a header it becomes the
			// request's tenant.
			if claims.Tenant != "" {
				if hdr := middleware.GetTenant(ctx); hdr != "" && hdr != claims.Tenant {
					reject(w, r, http.StatusUnauthorized, apierror.AuthInvalidToken, "token tenant does not match request tenant", "tenant_mismatch")
					return
				}
				ctx = middleware.WithTenant(ctx, claims.Tenant)
			}

			ctx = context.WithValue(ctx, ClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// reject records the auth failure metric and writes the error response.
func reject(w http.ResponseWriter, r *http.Request, status int, code apierror.ErrorCode, message, reason string) {
	metrics.AuthFailures.WithLabelValues(reason).Inc()
	apierror.WriteJSON(w, r, status, code, message)
}

func bearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}

// validateToken parses and verifies a token. WithValidMethods pins the
// algorithm to HS256 before the key function runs, which also kills
// alg=none tokens.
func validateToken(tokenStr string, cfg config.AuthConfig) (*Claims, error) {
	var tc tokenClaims
	_, err := jwt.ParseWithClaims(tokenStr, &tc,
		func(*jwt.Token) (any, error) { return []byte(cfg.JWTSecret), nil },
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithAudience(cfg.Audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims := &Claims{
		Subject: tc.Subject,
		Issuer:  tc.Issuer,
		Tenant:  tc.Tenant,
		Scopes:  strings.Fields(tc.Scope),
	}
	if len(tc.Audience) > 0 {
		claims.Audience = tc.Audience[0]
	}

	if missing := firstMissingScope(cfg.Scopes, claims.Scopes); missing != "" {
		return nil, &ScopeError{Missing: missing}
	}
	return claims, nil
}

func firstMissingScope(required, granted []string) string {
	if len(required) == 0 {
		return ""
	}
	have := make(map[string]struct{}, len(granted))
	for _, s := range granted {
		have[s] = struct{}{}
	}
	for _, want := range required {
		if _, ok := have[want]; !ok {
			return want
		}
	}
	return ""
}

// ScopeError indicates the token is valid but lacks a required scope.
type ScopeError struct {
	Missing string
}

func (e *ScopeError) Error() string {
	return fmt.Sprintf("missing required scope: %s", e.Missing)
}

func isScopeError(err error) bool {
	var se *ScopeError
	return errors.As(err, &se)
}
