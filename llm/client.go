// Package llm provides a client for an OpenAI-compatible completion server
// (vLLM, llama.cpp server). The active model identifier is discovered at
// runtime from the models listing endpoint and cached; any transport or HTTP
// failure during completion clears the cache so the next call re-discovers.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"
)

// ErrModelUnavailable is returned when the inference server has no active
// model or a completion request failed at the transport level.
var ErrModelUnavailable = errors.New("llm: model unavailable")

// Config configures the completion client.
type Config struct {
	BaseURL       string        `json:"base_url"`
	Timeout       time.Duration `json:"timeout"`        // per-request budget, default 1h
	MaxTokens     int           `json:"max_tokens"`     // default 65536
	Temperature   float64       `json:"temperature"`    // default 0.6
	RetryInterval time.Duration `json:"retry_interval"` // model re-discovery interval, default 30s
}

// Client is a completion client with model auto-discovery.
// Safe for concurrent use.
type Client struct {
	cfg    Config
	client *http.Client

	mu        sync.Mutex
	model     string
	lastCheck time.Time
	available bool
}

// New creates a Client. Zero config fields fall back to defaults suitable
// for a local inference server.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8078"
	}
	if cfg.Timeout <= 0 {
		// Relationship extraction over long documents is slow; the server
		// streams nothing back until the full completion is ready.
		cfg.Timeout = time.Hour
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 65536
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.6
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 30 * time.Second
	}

	return &Client{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxConnsPerHost:     10,
				MaxIdleConnsPerHost: 5,
			},
		},
	}
}

// BaseURL returns the configured server base URL.
func (c *Client) BaseURL() string { return c.cfg.BaseURL }

// Close releases idle transport connections.
func (c *Client) Close() {
	c.client.CloseIdleConnections()
}

type modelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// discoverModel queries the models listing endpoint for the active model.
func (c *Client) discoverModel(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/v1/models", nil)
	if err != nil {
		return "", err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("querying models endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("models endpoint returned %d", resp.StatusCode)
	}

	var models modelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&models); err != nil {
		return "", fmt.Errorf("decoding models response: %w", err)
	}
	if len(models.Data) == 0 {
		return "", fmt.Errorf("no models reported by server")
	}
	return models.Data[0].ID, nil
}

// EnsureModel makes sure a model identifier is cached, re-checking the
// server at most once per retry interval. Returns true when a model is
// available.
func (c *Client) EnsureModel(ctx context.Context) bool {
	c.mu.Lock()
	needCheck := c.model == "" || c.lastCheck.IsZero() ||
		time.Since(c.lastCheck) > c.cfg.RetryInterval
	if !needCheck {
		available := c.available
		c.mu.Unlock()
		return available
	}
	c.mu.Unlock()

	model, err := c.discoverModel(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastCheck = time.Now()
	if err != nil {
		slog.Warn("llm: model discovery failed", "error", err)
		c.model = ""
		c.available = false
		return false
	}
	if c.model != model {
		slog.Info("llm: discovered model", "model", model)
	}
	c.model = model
	c.available = true
	return true
}

// Model returns the cached model identifier, or "" when none is known.
func (c *Client) Model() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model
}

// Available reports the last known availability without contacting the server.
func (c *Client) Available() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.available
}

// WaitForModel polls until a model becomes available or maxWait elapses.
func (c *Client) WaitForModel(ctx context.Context, maxWait time.Duration) bool {
	deadline := time.Now().Add(maxWait)
	for attempt := 1; time.Now().Before(deadline); attempt++ {
		if c.EnsureModel(ctx) {
			return true
		}
		slog.Info("llm: model not available, waiting",
			"attempt", attempt,
			"retry_in", c.cfg.RetryInterval,
		)
		select {
		case <-time.After(c.cfg.RetryInterval):
		case <-ctx.Done():
			return false
		}
	}
	return false
}

// resetModelState drops the cached model so the next call re-discovers.
// Called after any completion failure; this is what converts a stale model
// identifier from a sticky failure into a self-healing one.
func (c *Client) resetModelState() {
	c.mu.Lock()
	defer c.mu.Unlock()
	slog.Warn("llm: resetting cached model state after failure")
	c.model = ""
	c.lastCheck = time.Time{}
	c.available = false
}

// CompleteOption adjusts a single completion request.
type CompleteOption func(*completionRequest)

// WithMaxTokens overrides the configured token limit.
func WithMaxTokens(n int) CompleteOption {
	return func(r *completionRequest) { r.MaxTokens = n }
}

// WithTemperature overrides the configured sampling temperature.
func WithTemperature(t float64) CompleteOption {
	return func(r *completionRequest) { r.Temperature = t }
}

// WithStop sets stop sequences.
func WithStop(stop ...string) CompleteOption {
	return func(r *completionRequest) { r.Stop = stop }
}

// WithRepetitionPenalty sets the repetition penalty.
func WithRepetitionPenalty(p float64) CompleteOption {
	return func(r *completionRequest) { r.RepetitionPenalty = p }
}

type completionRequest struct {
	Model             string   `json:"model"`
	Prompt            string   `json:"prompt"`
	MaxTokens         int      `json:"max_tokens"`
	Temperature       float64  `json:"temperature"`
	Stop              []string `json:"stop,omitempty"`
	RepetitionPenalty float64  `json:"repetition_penalty,omitempty"`
}

type completionResponse struct {
	Choices []struct {
		Text         string `json:"text"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// Complete generates a completion for prompt. Returns ErrModelUnavailable
// when no model can be discovered or the request fails; the cached model
// state is cleared before the error surfaces.
func (c *Client) Complete(ctx context.Context, prompt string, opts ...CompleteOption) (string, error) {
	if !c.EnsureModel(ctx) {
		return "", ErrModelUnavailable
	}

	body := completionRequest{
		Model:       c.Model(),
		Prompt:      prompt,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	}
	for _, opt := range opts {
		opt(&body)
	}

	data, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/v1/completions", strings.NewReader(string(data)))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		c.resetModelState()
		return "", fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.resetModelState()
		return "", fmt.Errorf("reading completion response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		slog.Error("llm: completion request failed",
			"status", resp.StatusCode,
			"model", body.Model,
			"prompt_chars", len(prompt),
			"body", truncate(string(respBody), 500),
		)
		c.resetModelState()
		return "", fmt.Errorf("%w: server returned %d", ErrModelUnavailable, resp.StatusCode)
	}

	var completion completionResponse
	if err := json.Unmarshal(respBody, &completion); err != nil {
		return "", fmt.Errorf("decoding completion response: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("no choices in completion response")
	}

	text := completion.Choices[0].Text
	slog.Debug("llm: received completion", "chars", len(text))
	return text, nil
}

var fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// ExtractJSON generates a completion and parses it as a JSON object,
// tolerating fenced code blocks and surrounding prose.
func (c *Client) ExtractJSON(ctx context.Context, prompt string, opts ...CompleteOption) (map[string]any, error) {
	opts = append(opts, WithStop("```", "\n\n\n"))
	text, err := c.Complete(ctx, prompt, opts...)
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(text)
	var out map[string]any
	if err := json.Unmarshal([]byte(trimmed), &out); err == nil {
		return out, nil
	}

	if m := fencedJSONRe.FindStringSubmatch(text); m != nil {
		if err := json.Unmarshal([]byte(m[1]), &out); err == nil {
			return out, nil
		}
	}

	// Last resort: widest brace-delimited slice.
	if start, end := strings.Index(text, "{"), strings.LastIndex(text, "}"); start >= 0 && end > start {
		if err := json.Unmarshal([]byte(text[start:end+1]), &out); err == nil {
			return out, nil
		}
	}

	return nil, fmt.Errorf("could not parse JSON from completion: %s", truncate(trimmed, 200))
}

// HealthCheck reports server liveness via the health endpoint.
func (c *Client) HealthCheck(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

const (
	healthRetries  = 3
	healthBaseWait = 2 * time.Second
	healthMaxWait  = 60 * time.Second
)

// HealthCheckRetry is HealthCheck with exponential backoff. Only the health
// path retries; completions never do, a retry there would pile on top of the
// extraction gate.
func (c *Client) HealthCheckRetry(ctx context.Context) bool {
	for attempt := 0; attempt < healthRetries; attempt++ {
		if attempt > 0 {
			delay := healthBaseWait * time.Duration(1<<(attempt-1))
			if delay > healthMaxWait {
				delay = healthMaxWait
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return false
			}
		}
		if c.HealthCheck(ctx) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
