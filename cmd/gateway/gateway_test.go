package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"
)

// --- Health Endpoints ---

func TestHealthEndpoint(t *testing.T) {
	resp, body, err := httpGet(gatewayURL+"/health", nil)
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 200)
	assertBodyContains(t, body, "ok")
}

func TestReadyEndpoint(t *testing.T) {
	resp, body, err := httpGet(gatewayURL+"/ready", nil)
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 200)
	assertBodyContains(t, body, "ready")
	assertBodyContains(t, body, "primary")
}

// --- Auth Flows ---

func TestAuthFlow_ValidToken(t *testing.T) {
	token := signJWT("user-123", "llm:invoke", time.Hour)
	resp, body, err := httpGet(gatewayURL+"/v1/providers", authHeader(token))
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 200)

	m := parseJSON(t, body)
	if def, _ := m["default"].(string); def != "primary" {
		t.Errorf("expected default provider primary, got %q", def)
	}
	providers, ok := m["providers"].([]interface{})
	if !ok || len(providers) != 4 {
		t.Errorf("expected 4 providers in listing, got %v", m["providers"])
	}
}

func TestAuthFlow_MissingToken(t *testing.T) {
	resp, body, err := httpGet(gatewayURL+"/v1/providers", nil)
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 401)
	assertErrorCode(t, body, "GATEWAY_AUTH_MISSING_TOKEN")
}

func TestAuthFlow_ExpiredToken(t *testing.T) {
	token := signJWT("user-123", "llm:invoke", -time.Hour)
	resp, body, err := httpGet(gatewayURL+"/v1/providers", authHeader(token))
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 401)
	assertErrorCode(t, body, "GATEWAY_AUTH_INVALID_TOKEN")
}

func TestAuthFlow_InsufficientScope(t *testing.T) {
	token := signJWT("user-123", "llm:read", time.Hour) // missing "llm:invoke"
	resp, body, err := httpGet(gatewayURL+"/v1/providers", authHeader(token))
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 403)
	assertErrorCode(t, body, "GATEWAY_AUTH_INSUFFICIENT_SCOPE")
}

func TestAuthFlow_GarbageToken(t *testing.T) {
	resp, body, err := httpGet(gatewayURL+"/v1/providers", authHeader("not.a.valid.jwt"))
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 401)
	assertErrorCode(t, body, "GATEWAY_AUTH_INVALID_TOKEN")
}

func TestAuthFlow_TenantMismatch(t *testing.T) {
	token := signJWTWithTenant("user-123", "llm:invoke", "team-a", time.Hour)
	headers := authHeader(token)
	headers["X-Tenant-ID"] = "team-b"

	resp, body, err := httpGet(gatewayURL+"/v1/providers", headers)
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 401)
	assertErrorCode(t, body, "GATEWAY_AUTH_INVALID_TOKEN")
	assertBodyContains(t, body, "does not match")
}

func TestAuthFlow_OpsEndpointsSkipAuth(t *testing.T) {
	for _, path := range []string{"/health", "/ready", "/metrics", "/admin/breakers"} {
		resp, _, err := httpGet(gatewayURL+path, nil)
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != 200 {
			t.Errorf("%s: expected 200 without a token, got %d", path, resp.StatusCode)
		}
	}
}

// --- Completions ---

func TestCompletions_EndToEnd(t *testing.T) {
	token := signJWT("user-123", "llm:invoke", time.Hour)
	resp, body, err := httpPost(gatewayURL+"/v1/completions", `{"prompt":"ping"}`, authHeader(token))
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 200)

	m := parseJSON(t, body)
	if text, _ := m["text"].(string); text != "echo: ping" {
		t.Errorf("expected upstream echo, got %q", text)
	}
	if prov, _ := m["provider"].(string); prov != "primary" {
		t.Errorf("expected default provider primary, got %q", prov)
	}
	if model, _ := m["model"].(string); model != "llama3" {
		t.Errorf("expected model llama3, got %q", model)
	}
	if _, ok := m["latency_ms"]; !ok {
		t.Error("expected latency_ms in response")
	}
	usage, ok := m["usage"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected usage in response, got %s", string(body))
	}
	if usage["prompt_tokens"] != float64(3) || usage["output_tokens"] != float64(9) {
		t.Errorf("unexpected usage: %v", usage)
	}

	if resp.Header.Get("X-Gateway-Latency") == "" {
		t.Error("expected X-Gateway-Latency header")
	}
	id := resp.Header.Get("X-Request-ID")
	if id == "" {
		t.Error("expected X-Request-ID header")
	}
	if m["request_id"] != id {
		t.Errorf("expected body request_id %q to match header, got %v", id, m["request_id"])
	}
}

func TestCompletions_NamedProvider(t *testing.T) {
	token := signJWT("user-123", "llm:invoke", time.Hour)
	resp, body, err := httpPost(gatewayURL+"/v1/completions",
		`{"provider":"openai-side","prompt":"hi"}`, authHeader(token))
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 200)

	m := parseJSON(t, body)
	if text, _ := m["text"].(string); text != "openai says hi" {
		t.Errorf("expected openai mock text, got %q", text)
	}
	if model, _ := m["model"].(string); model != "gpt-test" {
		t.Errorf("expected model gpt-test, got %q", model)
	}
}

func TestCompletions_ValidationError(t *testing.T) {
	token := signJWT("user-123", "llm:invoke", time.Hour)
	resp, body, err := httpPost(gatewayURL+"/v1/completions", `{}`, authHeader(token))
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 400)
	assertErrorCode(t, body, "GATEWAY_VALIDATION")
}

func TestCompletions_UnknownProvider(t *testing.T) {
	token := signJWT("user-123", "llm:invoke", time.Hour)
	resp, body, err := httpPost(gatewayURL+"/v1/completions",
		`{"provider":"nope","prompt":"hi"}`, authHeader(token))
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 404)
	assertErrorCode(t, body, "GATEWAY_UNKNOWN_PROVIDER")
}

func TestCompletions_BodyTooLarge(t *testing.T) {
	token := signJWT("user-123", "llm:invoke", time.Hour)
	// max_body_bytes is 8192 in the test config.
	body := `{"prompt":"` + strings.Repeat("a", 9000) + `"}`
	resp, respBody, err := httpPost(gatewayURL+"/v1/completions", body, authHeader(token))
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 413)
	assertErrorCode(t, respBody, "GATEWAY_BODY_TOO_LARGE")
}

// --- Summaries ---

func TestSummaries_EndToEnd(t *testing.T) {
	token := signJWT("user-123", "llm:invoke", time.Hour)
	resp, body, err := httpPost(gatewayURL+"/v1/summaries",
		`{"text":"the quarterly report","focus":"risks"}`, authHeader(token))
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 200)

	// The mock echoes the prompt, so the summary template the gateway
	// built is visible in the response text.
	m := parseJSON(t, body)
	text, _ := m["text"].(string)
	if !strings.Contains(text, "FOCUS: risks") {
		t.Errorf("expected focus line in wrapped prompt, got %q", text)
	}
	if !strings.Contains(text, "the quarterly report") {
		t.Errorf("expected source text in wrapped prompt, got %q", text)
	}
}

// --- Resilience ---

func TestUpstreamTimeout(t *testing.T) {
	token := signJWT("user-123", "llm:invoke", time.Hour)
	resp, body, err := httpPost(gatewayURL+"/v1/completions",
		`{"provider":"slow","prompt":"hi"}`, authHeader(token))
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 504)
	assertErrorCode(t, body, "GATEWAY_UPSTREAM_TIMEOUT")
}

func TestCircuitBreaker_TripAndReset(t *testing.T) {
	token := signJWT("user-123", "llm:invoke", time.Hour)

	// First request: both attempts fail, tripping the flaky provider's
	// breaker (failure_threshold=2, max_retries=1).
	resp, body, err := httpPost(gatewayURL+"/v1/completions",
		`{"provider":"flaky","prompt":"hi"}`, authHeader(token))
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 502)
	assertErrorCode(t, body, "GATEWAY_UPSTREAM_UNAVAILABLE")

	// Second request: rejected without reaching the backend.
	resp, body, err = httpPost(gatewayURL+"/v1/completions",
		`{"provider":"flaky","prompt":"hi"}`, authHeader(token))
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 503)
	assertErrorCode(t, body, "GATEWAY_CIRCUIT_OPEN")
	assertHeader(t, resp, "Retry-After", "60")

	// The admin API sees the open breaker.
	if state := adminBreakerState(t, "flaky"); state != "open" {
		t.Errorf("expected flaky breaker open, got %q", state)
	}

	// One open circuit degrades a provider; the gateway itself stays ready.
	resp, _, err = httpGet(gatewayURL+"/ready", nil)
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 200)

	// The provider listing reports the same state.
	resp, body, err = httpGet(gatewayURL+"/v1/providers", authHeader(token))
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 200)
	var listing struct {
		Providers []struct {
			Name  string `json:"name"`
			State string `json:"state"`
		} `json:"providers"`
	}
	if err := json.Unmarshal(body, &listing); err != nil {
		t.Fatalf("parse providers listing: %v", err)
	}
	found := false
	for _, p := range listing.Providers {
		if p.Name == "flaky" {
			found = true
			if p.State != "open" {
				t.Errorf("expected flaky open in listing, got %q", p.State)
			}
		}
	}
	if !found {
		t.Error("flaky provider missing from listing")
	}

	// Force the breaker closed through the admin API.
	resp, body, err = httpPost(gatewayURL+"/admin/breakers/flaky/reset", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 200)
	assertBodyContains(t, body, "reset")

	if state := adminBreakerState(t, "flaky"); state != "closed" {
		t.Errorf("expected flaky breaker closed after reset, got %q", state)
	}
}

// adminBreakerState fetches /admin/breakers and returns the named
// provider's circuit state.
func adminBreakerState(t *testing.T, name string) string {
	t.Helper()
	resp, body, err := httpGet(gatewayURL+"/admin/breakers", nil)
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 200)

	var result struct {
		Breakers []struct {
			Provider string `json:"provider"`
			State    string `json:"state"`
		} `json:"breakers"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("parse /admin/breakers: %v\nbody: %s", err, string(body))
	}
	for _, b := range result.Breakers {
		if b.Provider == name {
			return b.State
		}
	}
	t.Fatalf("breaker %q not found in %s", name, string(body))
	return ""
}

// --- Rate Limiting ---

func TestRateLimiting_TenantBurstExhaustion(t *testing.T) {
	// Per-tenant limiting gives this test its own bucket (burst_size=100),
	// so hammering it leaves the other tests' budgets untouched.
	token := signJWT("user-123", "llm:invoke", time.Hour)
	headers := authHeader(token)
	headers["X-Tenant-ID"] = "rl-burst"

	got429 := 0
	total := 150

	for i := 0; i < total; i++ {
		resp, body, err := httpGet(gatewayURL+"/v1/providers", headers)
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			got429++
			assertErrorCode(t, body, "GATEWAY_RATE_LIMIT_EXCEEDED")
			if resp.Header.Get("Retry-After") == "" {
				t.Error("expected Retry-After header on 429")
			}
		} else if resp.StatusCode != http.StatusOK {
			t.Errorf("unexpected status %d", resp.StatusCode)
		}
	}

	if got429 == 0 {
		t.Error("expected at least one 429 response after exhausting burst")
	}
	t.Logf("got %d/%d rate-limited responses", got429, total)
}

// --- Request ID ---

func TestRequestID_Generated(t *testing.T) {
	resp, _, err := httpGet(gatewayURL+"/nonexistent", nil)
	if err != nil {
		t.Fatal(err)
	}
	id := resp.Header.Get("X-Request-ID")
	if id == "" {
		t.Error("expected X-Request-ID header to be auto-generated")
	}
	// Basic UUID format check: 8-4-4-4-12 (36 chars with dashes)
	if len(id) != 36 || strings.Count(id, "-") != 4 {
		t.Errorf("X-Request-ID %q doesn't look like a UUID", id)
	}
}

func TestRequestID_Preserved(t *testing.T) {
	customID := "custom-request-id-12345"
	resp, body, err := httpGet(gatewayURL+"/nonexistent", map[string]string{
		"X-Request-ID": customID,
	})
	if err != nil {
		t.Fatal(err)
	}
	assertHeader(t, resp, "X-Request-ID", customID)

	m := parseJSON(t, body)
	if m["request_id"] != customID {
		t.Errorf("expected request_id %q in error body, got %v", customID, m["request_id"])
	}
}

func TestRequestID_Unique(t *testing.T) {
	ids := make(map[string]bool)
	for i := 0; i < 10; i++ {
		resp, _, err := httpGet(gatewayURL+"/nonexistent", nil)
		if err != nil {
			t.Fatal(err)
		}
		id := resp.Header.Get("X-Request-ID")
		if ids[id] {
			t.Errorf("duplicate X-Request-ID: %s", id)
		}
		ids[id] = true
	}
}

// --- Security Headers ---

func TestSecurityHeaders(t *testing.T) {
	token := signJWT("user-123", "llm:invoke", time.Hour)
	resp, _, err := httpGet(gatewayURL+"/v1/providers", authHeader(token))
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 200)
	assertHeader(t, resp, "X-Content-Type-Options", "nosniff")
	assertHeader(t, resp, "X-Frame-Options", "DENY")
	assertHeader(t, resp, "X-XSS-Protection", "0")
}

// --- CORS ---

func TestCORSPreflight(t *testing.T) {
	resp, _, err := httpDo("OPTIONS", gatewayURL+"/v1/completions", "", map[string]string{
		"Origin":                        "http://example.com",
		"Access-Control-Request-Method": "POST",
	})
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 204)
	assertHeader(t, resp, "Access-Control-Allow-Origin", "*")
	if resp.Header.Get("Access-Control-Allow-Methods") == "" {
		t.Error("expected Access-Control-Allow-Methods header")
	}
}

// --- Metrics ---

func TestMetricsEndpoint(t *testing.T) {
	// Make one API request so the request counters have samples.
	token := signJWT("user-123", "llm:invoke", time.Hour)
	if _, _, err := httpGet(gatewayURL+"/v1/providers", authHeader(token)); err != nil {
		t.Fatal(err)
	}

	resp, body, err := httpGet(gatewayURL+"/metrics", nil)
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 200)
	assertBodyContains(t, body, "llm_gateway_requests_total")
	assertBodyContains(t, body, "llm_gateway_request_duration_seconds")
	assertBodyContains(t, body, "llm_gateway_breaker_state")
}

// --- Admin API ---

func TestAdminConfigRedaction(t *testing.T) {
	resp, body, err := httpGet(gatewayURL+"/admin/config", nil)
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 200)
	assertBodyContains(t, body, `"***"`)
	if strings.Contains(string(body), testJWTSecret) {
		t.Error("jwt_secret leaked through /admin/config")
	}
	if strings.Contains(string(body), "sk-e2e") {
		t.Error("provider api_key leaked through /admin/config")
	}
	assertBodyContains(t, body, `"default_provider":"primary"`)
}

func TestAdminBreakerReset_UnknownProvider(t *testing.T) {
	resp, body, err := httpPost(gatewayURL+"/admin/breakers/nope/reset", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 404)
	assertErrorCode(t, body, "GATEWAY_UNKNOWN_PROVIDER")
}

// --- Error Response Consistency ---

func TestErrorResponseFormat(t *testing.T) {
	token := signJWT("user-123", "llm:invoke", time.Hour)

	tests := []struct {
		name       string
		method     string
		url        string
		body       string
		headers    map[string]string
		wantStatus int
	}{
		{"404 not found", "GET", gatewayURL + "/nonexistent", "", nil, 404},
		{"401 missing auth", "GET", gatewayURL + "/v1/providers", "", nil, 401},
		{"405 method not allowed", "DELETE", gatewayURL + "/v1/completions", "", authHeader(token), 405},
		{"400 validation", "POST", gatewayURL + "/v1/completions", `{}`, authHeader(token), 400},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body, err := httpDo(tt.method, tt.url, tt.body, tt.headers)
			if err != nil {
				t.Fatal(err)
			}
			assertStatusCode(t, resp, tt.wantStatus)

			var m map[string]interface{}
			if err := json.Unmarshal(body, &m); err != nil {
				t.Fatalf("error response not valid JSON: %v", err)
			}
			for _, field := range []string{"error", "error_code", "message", "request_id"} {
				if _, ok := m[field]; !ok {
					t.Errorf("missing field %q in error response: %s", field, string(body))
				}
			}
		})
	}
}
