package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/dskow/llm-gateway/internal/config"
)

// Ollama calls an Ollama server's generate API.
type Ollama struct {
	name    string
	model   string
	baseURL string
	client  *http.Client
}

// NewOllama creates an adapter for the given Ollama provider config.
func NewOllama(cfg config.ProviderConfig) *Ollama {
	return &Ollama{
		name:    cfg.Name,
		model:   cfg.Model,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  newHTTPClient(),
	}
}

// Name returns the configured provider name.
func (o *Ollama) Name() string { return o.name }

// Model returns the configured model identifier.
func (o *Ollama) Model() string { return o.model }

type ollamaRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Stream  bool           `json:"stream"`
	Options *ollamaOptions `json:"options,omitempty"`
}

type ollamaOptions struct {
	NumPredict  int      `json:"num_predict,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

type ollamaResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

// Complete sends a non-streaming generate request.
func (o *Ollama) Complete(ctx context.Context, req Request) (*Response, error) {
	body := ollamaRequest{
		Model:  o.model,
		Prompt: req.Prompt,
		System: req.System,
		Stream: false,
	}
	if req.MaxTokens > 0 || req.Temperature != nil {
		body.Options = &ollamaOptions{Temperature: req.Temperature}
		if req.MaxTokens > 0 {
			body.Options.NumPredict = req.MaxTokens
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding ollama request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building ollama request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling ollama: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errorFromResponse(o.name, resp)
	}

	var out ollamaResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding ollama response: %w", err)
	}

	return &Response{
		Text:         out.Response,
		Model:        out.Model,
		PromptTokens: out.PromptEvalCount,
		OutputTokens: out.EvalCount,
	}, nil
}
