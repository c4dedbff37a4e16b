package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

type fakeServer struct {
	model       string
	completion  string
	failModels  atomic.Bool
	failNext    atomic.Bool
	completions atomic.Int64
}

func (f *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/models", func(w http.ResponseWriter, r *http.Request) {
		if f.failModels.Load() {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]string{{"id": f.model}},
		})
	})
	mux.HandleFunc("POST /v1/completions", func(w http.ResponseWriter, r *http.Request) {
		f.completions.Add(1)
		if f.failNext.Swap(false) {
			http.Error(w, "overloaded", http.StatusInternalServerError)
			return
		}
		var req completionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Model != f.model {
			http.Error(w, "unknown model", http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]string{{"text": f.completion, "finish_reason": "stop"}},
		})
	})
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func newTestClient(t *testing.T, f *fakeServer) *Client {
	t.Helper()
	server := httptest.NewServer(f.handler())
	t.Cleanup(server.Close)
	return New(Config{
		BaseURL:       server.URL,
		Timeout:       5 * time.Second,
		RetryInterval: time.Millisecond,
	})
}

func TestCompleteDiscoversModel(t *testing.T) {
	f := &fakeServer{model: "qwen-72b", completion: "hello"}
	c := newTestClient(t, f)

	text, err := c.Complete(context.Background(), "say hello")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if text != "hello" {
		t.Errorf("text = %q", text)
	}
	if c.Model() != "qwen-72b" {
		t.Errorf("Model = %q, want qwen-72b", c.Model())
	}
	if !c.Available() {
		t.Error("Available = false after successful completion")
	}
}

func TestCompleteModelUnavailable(t *testing.T) {
	f := &fakeServer{model: "m"}
	f.failModels.Store(true)
	c := newTestClient(t, f)

	_, err := c.Complete(context.Background(), "prompt")
	if !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("err = %v, want ErrModelUnavailable", err)
	}
}

func TestCompleteFailureResetsModelState(t *testing.T) {
	f := &fakeServer{model: "m", completion: "ok"}
	c := newTestClient(t, f)

	if _, err := c.Complete(context.Background(), "p"); err != nil {
		t.Fatalf("warm-up Complete: %v", err)
	}

	f.failNext.Store(true)
	if _, err := c.Complete(context.Background(), "p"); !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("err = %v, want ErrModelUnavailable", err)
	}
	if c.Model() != "" {
		t.Errorf("Model = %q, want cleared after failure", c.Model())
	}

	// Next call re-discovers and succeeds.
	if _, err := c.Complete(context.Background(), "p"); err != nil {
		t.Fatalf("Complete after recovery: %v", err)
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name       string
		completion string
	}{
		{"bare object", `{"answer": 42}`},
		{"fenced object", "```json\n{\"answer\": 42}\n```"},
		{"prose around object", `The result is {"answer": 42} as requested.`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeServer{model: "m", completion: tt.completion}
			c := newTestClient(t, f)

			out, err := c.ExtractJSON(context.Background(), "p")
			if err != nil {
				t.Fatalf("ExtractJSON: %v", err)
			}
			if out["answer"] != float64(42) {
				t.Errorf("answer = %v", out["answer"])
			}
		})
	}
}

func TestExtractJSONUnparseable(t *testing.T) {
	f := &fakeServer{model: "m", completion: "no json at all"}
	c := newTestClient(t, f)
	if _, err := c.ExtractJSON(context.Background(), "p"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestHealthCheck(t *testing.T) {
	f := &fakeServer{model: "m"}
	c := newTestClient(t, f)
	if !c.HealthCheck(context.Background()) {
		t.Error("HealthCheck = false against live server")
	}

	down := New(Config{BaseURL: "http://127.0.0.1:1", Timeout: time.Second})
	if down.HealthCheck(context.Background()) {
		t.Error("HealthCheck = true against dead address")
	}
}

func TestEnsureModelCachesWithinInterval(t *testing.T) {
	f := &fakeServer{model: "m", completion: "ok"}
	server := httptest.NewServer(f.handler())
	t.Cleanup(server.Close)
	c := New(Config{BaseURL: server.URL, RetryInterval: time.Hour})

	if !c.EnsureModel(context.Background()) {
		t.Fatal("EnsureModel = false")
	}
	f.failModels.Store(true)
	// Within the interval the cached answer is reused.
	if !c.EnsureModel(context.Background()) {
		t.Error("EnsureModel should serve from cache inside the retry interval")
	}
}
