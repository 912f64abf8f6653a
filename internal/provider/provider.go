// Package provider contains the upstream LLM adapters. Each adapter
// normalizes one vendor API into the gateway's Request/Response pair and
// maps non-2xx upstream answers onto gateway.ProviderError so the
// executor can classify them.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dskow/llm-gateway/internal/config"
	"github.com/dskow/llm-gateway/internal/gateway"
)

// Request is a normalized completion request.
type Request struct {
	Prompt      string
	System      string
	MaxTokens   int
	Temperature *float64
}

// Response is a normalized completion response.
type Response struct {
	Text         string
	Model        string
	PromptTokens int
	OutputTokens int
}

// Client generates a completion from one upstream provider. Complete
// must honor ctx cancellation; per-call deadlines are set by the caller.
type Client interface {
	Name() string
	Model() string
	Complete(ctx context.Context, req Request) (*Response, error)
}

// New builds a Client from a provider config entry.
func New(cfg config.ProviderConfig) (Client, error) {
	switch cfg.Type {
	case config.ProviderOllama:
		return NewOllama(cfg), nil
	case config.ProviderOpenAI:
		return NewOpenAI(cfg), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
}

// maxResponseBytes caps how much of an upstream success body is decoded.
const maxResponseBytes = 4 << 20

// maxErrorBytes caps how much of an upstream error body is read.
const maxErrorBytes = 8 << 10

// newHTTPClient returns the shared transport settings for provider
// calls. No client-level timeout: deadlines come from the request
// context so the executor stays in charge of them.
func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// errorFromResponse converts a non-2xx upstream response into a
// gateway.ProviderError, extracting the upstream's own error message
// when the body carries one.
func errorFromResponse(provider string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBytes))

	msg := extractErrorMessage(raw)
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	return &gateway.ProviderError{
		Provider:   provider,
		StatusCode: resp.StatusCode,
		Message:    msg,
	}
}

// extractErrorMessage handles the two error body shapes upstreams use:
// {"error": "..."} (Ollama) and {"error": {"message": "..."}} (OpenAI).
func extractErrorMessage(raw []byte) string {
	var flat struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &flat); err == nil && flat.Error != "" {
		return flat.Error
	}

	var nested struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &nested); err == nil && nested.Error.Message != "" {
		return nested.Error.Message
	}

	return ""
}
