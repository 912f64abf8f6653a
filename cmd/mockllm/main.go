// Package main provides a mock LLM backend for testing the gateway. It
// speaks both the Ollama generate API and the OpenAI chat completions API,
// with knobs for injected latency, random failures, and forced status codes.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

func main() {
	port := flag.Int("port", 3001, "port to listen on")
	model := flag.String("model", "mock-model", "model name reported in responses")
	latency := flag.Duration("latency", 0, "fixed latency added to every completion")
	failRate := flag.Float64("fail-rate", 0, "probability in [0,1) of an injected failure")
	failStatus := flag.Int("fail-status", 500, "status code for injected failures")
	flag.Parse()

	if p := os.Getenv("PORT"); p != "" {
		fmt.Sscanf(p, "%d", port)
	}

	mock := &mockServer{
		model:      *model,
		latency:    *latency,
		failRate:   *failRate,
		failStatus: *failStatus,
	}

	// /__status/{code} returns an arbitrary HTTP status code.
	// Useful for probing the gateway's error mapping directly.
	// Example: GET /__status/503 → 503 Service Unavailable
	http.HandleFunc("/__status/", func(w http.ResponseWriter, r *http.Request) {
		codeStr := strings.TrimPrefix(r.URL.Path, "/__status/")
		code, err := strconv.Atoi(codeStr)
		if err != nil || code < 100 || code > 599 {
			code = 500
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"requested_code": code,
			"message":        http.StatusText(code),
		})
	})

	http.HandleFunc("/api/generate", mock.ollamaGenerate)
	http.HandleFunc("/v1/chat/completions", mock.openaiChat)

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("mock LLM backend listening on %s (model=%s latency=%s fail-rate=%.2f)",
		addr, *model, *latency, *failRate)
	log.Fatal(http.ListenAndServe(addr, nil))
}

type mockServer struct {
	model      string
	latency    time.Duration
	failRate   float64
	failStatus int
}

// inject applies the latency and failure knobs. It reports whether the
// request was already answered with an injected failure.
func (m *mockServer) inject(w http.ResponseWriter) bool {
	if m.latency > 0 {
		time.Sleep(m.latency)
	}
	if m.failRate > 0 && rand.Float64() < m.failRate {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(m.failStatus)
		json.NewEncoder(w).Encode(map[string]string{"error": "injected failure"})
		return true
	}
	return false
}

func (m *mockServer) ollamaGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Model  string `json:"model"`
		Prompt string `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid request body"})
		return
	}
	if m.inject(w) {
		return
	}

	text := mockText(req.Prompt)
	model := req.Model
	if model == "" {
		model = m.model
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"model":             model,
		"response":          text,
		"done":              true,
		"prompt_eval_count": len(strings.Fields(req.Prompt)),
		"eval_count":        len(strings.Fields(text)),
	})
}

func (m *mockServer) openaiChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{"message": "invalid request body"},
		})
		return
	}
	if m.inject(w) {
		return
	}

	var prompt string
	for _, msg := range req.Messages {
		if msg.Role == "user" {
			prompt = msg.Content
		}
	}
	text := mockText(prompt)
	model := req.Model
	if model == "" {
		model = m.model
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"model": model,
		"choices": []map[string]interface{}{
			{
				"message":       map[string]string{"role": "assistant", "content": text},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]int{
			"prompt_tokens":     len(strings.Fields(prompt)),
			"completion_tokens": len(strings.Fields(text)),
		},
	})
}

// mockText produces a deterministic completion so tests can assert on it.
func mockText(prompt string) string {
	p := strings.TrimSpace(prompt)
	if len(p) > 48 {
		p = p[:48] + "..."
	}
	return fmt.Sprintf("mock response to %q", p)
}
