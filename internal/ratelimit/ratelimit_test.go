package ratelimit

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dskow/llm-gateway/internal/config"
	"github.com/dskow/llm-gateway/internal/middleware"
)

// newHandler builds a rate-limited 200 handler torn down with the test.
func newHandler(t *testing.T, cfg config.RateLimitConfig, trusted []string) http.Handler {
	t.Helper()
	l := New(cfg, trusted, slog.Default())
	t.Cleanup(l.Stop)
	return l.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

// send pushes one request through the handler. tenant and xff are applied
// when non-empty.
func send(handler http.Handler, remoteAddr, tenant, xff string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/completions", nil)
	req.RemoteAddr = remoteAddr
	if tenant != "" {
		req = req.WithContext(middleware.WithTenant(req.Context(), tenant))
	}
	if xff != "" {
		req.Header.Set("X-Forwarded-For", xff)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestLimiter_AllowsUpToBurst(t *testing.T) {
	handler := newHandler(t, config.RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5}, nil)

	for i := 0; i < 5; i++ {
		if rec := send(handler, "10.0.0.1:12345", "", ""); rec.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want 200", i, rec.Code)
		}
	}
}

func TestLimiter_BlocksAfterBurst(t *testing.T) {
	handler := newHandler(t, config.RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2}, nil)

	send(handler, "10.0.0.2:12345", "", "")
	send(handler, "10.0.0.2:12345", "", "")
	rec := send(handler, "10.0.0.2:12345", "", "")

	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestLimiter_PerClientIsolation(t *testing.T) {
	handler := newHandler(t, config.RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1}, nil)

	send(handler, "10.0.0.1:12345", "", "")
	if rec := send(handler, "10.0.0.1:12345", "", ""); rec.Code != http.StatusTooManyRequests {
		t.Errorf("exhausted client: status = %d, want 429", rec.Code)
	}
	if rec := send(handler, "10.0.0.2:12345", "", ""); rec.Code != http.StatusOK {
		t.Errorf("fresh client: status = %d, want 200", rec.Code)
	}
}

func TestLimiter_PerTenantKeying(t *testing.T) {
	handler := newHandler(t, config.RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1, PerTenant: true}, nil)

	if rec := send(handler, "10.0.0.1:1111", "acme", ""); rec.Code != http.StatusOK {
		t.Errorf("acme first request: status = %d, want 200", rec.Code)
	}
	// Same tenant from another IP shares the bucket.
	if rec := send(handler, "10.0.0.2:2222", "acme", ""); rec.Code != http.StatusTooManyRequests {
		t.Errorf("acme from second IP: status = %d, want 429", rec.Code)
	}
	// A different tenant on the exhausted IP gets its own bucket.
	if rec := send(handler, "10.0.0.1:1111", "globex", ""); rec.Code != http.StatusOK {
		t.Errorf("globex: status = %d, want 200", rec.Code)
	}
}

func TestLimiter_PerTenantFallsBackToIP(t *testing.T) {
	handler := newHandler(t, config.RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1, PerTenant: true}, nil)

	if rec := send(handler, "10.0.0.7:12345", "", ""); rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if rec := send(handler, "10.0.0.7:54321", "", ""); rec.Code != http.StatusTooManyRequests {
		t.Errorf("same IP without tenant: status = %d, want 429", rec.Code)
	}
}

func TestLimiter_XFFIgnoredWithoutTrustedProxies(t *testing.T) {
	handler := newHandler(t, config.RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1}, nil)

	send(handler, "10.0.0.50:8080", "", "192.168.1.100")
	// Different XFF, same peer: still the peer's bucket.
	if rec := send(handler, "10.0.0.50:8080", "", "192.168.1.200"); rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429 (XFF must be ignored)", rec.Code)
	}
}

func TestLimiter_XFFHonoredFromTrustedProxy(t *testing.T) {
	handler := newHandler(t, config.RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1}, []string{"10.0.0.0/8"})

	send(handler, "10.0.0.1:8080", "", "203.0.113.50")
	if rec := send(handler, "10.0.0.1:8080", "", "203.0.113.50"); rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429 keyed on forwarded client", rec.Code)
	}
	// A different forwarded client through the same proxy has its own bucket.
	if rec := send(handler, "10.0.0.1:8080", "", "203.0.113.51"); rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 for other forwarded client", rec.Code)
	}
}

func TestLimiter_XFFSpoofFromUntrustedPeer(t *testing.T) {
	handler := newHandler(t, config.RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1}, []string{"10.0.0.0/8"})

	send(handler, "203.0.113.99:12345", "", "1.2.3.4")
	// New spoofed XFF does not buy a fresh bucket.
	if rec := send(handler, "203.0.113.99:12345", "", "5.6.7.8"); rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429 keyed on the untrusted peer", rec.Code)
	}
}

func TestLimiter_XFFWalksPastTrustedHops(t *testing.T) {
	handler := newHandler(t, config.RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1}, []string{"10.0.0.0/8"})

	// The rightmost untrusted entry is the client; 10.0.0.2 is a trusted
	// hop and must be skipped.
	send(handler, "10.0.0.1:8080", "", "198.51.100.7, 10.0.0.2")
	if rec := send(handler, "10.0.0.1:8080", "", "198.51.100.7, 10.0.0.2"); rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429 keyed on 198.51.100.7", rec.Code)
	}
	if rec := send(handler, "10.0.0.1:8080", "", "198.51.100.8, 10.0.0.2"); rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 for a different forwarded client", rec.Code)
	}
}

func TestLimiter_InvalidTrustedCIDRSkipped(t *testing.T) {
	handler := newHandler(t, config.RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1}, []string{"not-a-cidr", "10.0.0.0/8"})

	// The valid prefix still works.
	send(handler, "10.0.0.1:8080", "", "203.0.113.50")
	if rec := send(handler, "10.0.0.1:8080", "", "203.0.113.50"); rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429 keyed on forwarded client", rec.Code)
	}
}

func TestLimiter_IPv6Peer(t *testing.T) {
	handler := newHandler(t, config.RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1}, nil)

	if rec := send(handler, "[2001:db8::1]:5555", "", ""); rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if rec := send(handler, "[2001:db8::1]:6666", "", ""); rec.Code != http.StatusTooManyRequests {
		t.Errorf("same v6 peer: status = %d, want 429", rec.Code)
	}
}

func TestLimiter_UpdateConfig(t *testing.T) {
	l := New(config.RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1}, nil, slog.Default())
	t.Cleanup(l.Stop)
	handler := l.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send(handler, "10.0.0.9:12345", "", "")
	if rec := send(handler, "10.0.0.9:12345", "", ""); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429 before update", rec.Code)
	}

	l.UpdateConfig(config.RateLimitConfig{RequestsPerSecond: 100, BurstSize: 100})

	// The stale bucket is replaced, so the raised limit applies at once.
	if rec := send(handler, "10.0.0.9:12345", "", ""); rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 after raising limit", rec.Code)
	}
}

func TestLimiter_ResponseBody(t *testing.T) {
	handler := newHandler(t, config.RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1}, nil)

	send(handler, "10.0.0.10:12345", "", "")
	rec := send(handler, "10.0.0.10:12345", "", "")

	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if !strings.Contains(rec.Body.String(), "GATEWAY_RATE_LIMIT_EXCEEDED") {
		t.Errorf("body = %s, want GATEWAY_RATE_LIMIT_EXCEEDED", rec.Body.String())
	}
}
