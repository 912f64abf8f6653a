package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestDeadline_FlushesCompletedResponse(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Provider", "ollama-local")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, `{"text":"done"}`)
	})

	handler := Deadline(1 * time.Second)(inner)

	req := httptest.NewRequest(http.MethodPost, "/v1/completions", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != `{"text":"done"}` {
		t.Errorf("body = %q, want handler output", rec.Body.String())
	}
	if rec.Header().Get("X-Provider") != "ollama-local" {
		t.Error("handler-set header lost in flush")
	}
}

func TestDeadline_TimeoutReturns504(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(500 * time.Millisecond):
		case <-r.Context().Done():
		}
	})

	handler := Deadline(50 * time.Millisecond)(inner)

	req := httptest.NewRequest(http.MethodPost, "/v1/completions", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "GATEWAY_DEADLINE_EXCEEDED") {
		t.Errorf("body = %q, want gateway deadline error", rec.Body.String())
	}
}

func TestDeadline_LateHandlerOutputDiscarded(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Write only after the deadline has fired.
		<-r.Context().Done()
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "late completion text")
	})

	handler := Deadline(30 * time.Millisecond)(inner)

	req := httptest.NewRequest(http.MethodPost, "/v1/completions", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "late completion text") {
		t.Error("late handler output reached the client")
	}
}

func TestDeadline_PanicReachesOuterRecovery(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("handler exploded")
	})

	handler := Deadline(1 * time.Second)(inner)

	defer func() {
		if p := recover(); p == nil {
			t.Error("expected the panic to propagate to the request goroutine")
		}
	}()

	req := httptest.NewRequest(http.MethodPost, "/v1/completions", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)
}

func TestDeadline_ZeroDisabled(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Context().Deadline(); ok {
			t.Error("expected no deadline on context when disabled")
		}
		w.WriteHeader(http.StatusOK)
	})

	handler := Deadline(0)(inner)

	req := httptest.NewRequest(http.MethodGet, "/v1/providers", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 passthrough", rec.Code)
	}
}

func TestDeadline_NegativeDisabled(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := Deadline(-1 * time.Second)(inner)

	req := httptest.NewRequest(http.MethodGet, "/v1/providers", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 passthrough", rec.Code)
	}
}
