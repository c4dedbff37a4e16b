// Package ner extracts typed entities by calling an external NER model
// server (a GLiNER sidecar). The model has a small input limit, so long
// texts are segmented on whitespace before prediction and the returned
// spans are shifted back to document coordinates.
package ner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/Rob-P-Smith/kgraph/model"
)

const (
	// Texts longer than segmentTrigger are split into segments of at most
	// segmentMaxChars before prediction. The model's 384-token input limit
	// would otherwise silently truncate and drop entities.
	segmentTrigger  = 1500
	segmentMaxChars = 1000

	// DefaultThreshold is the confidence floor applied when the caller
	// passes no explicit threshold.
	DefaultThreshold = 0.4
)

// Config configures the NER client.
type Config struct {
	BaseURL      string  `json:"base_url"`
	Model        string  `json:"model"`
	Threshold    float64 `json:"threshold"`
	TaxonomyPath string  `json:"taxonomy_path"`
}

// Client calls the NER model server. Safe for concurrent use.
type Client struct {
	cfg    Config
	types  []string
	client *http.Client
}

// New creates a Client and loads the entity-type taxonomy once.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8089"
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.TaxonomyPath == "" {
		cfg.TaxonomyPath = "taxonomy/entities.yaml"
	}

	types, err := LoadTaxonomy(cfg.TaxonomyPath)
	if err != nil {
		return nil, err
	}
	slog.Info("ner: loaded entity taxonomy", "types", len(types), "path", cfg.TaxonomyPath)

	return &Client{
		cfg:   cfg,
		types: types,
		client: &http.Client{
			Timeout: 120 * time.Second,
		},
	}, nil
}

// Model returns the configured model identifier.
func (c *Client) Model() string { return c.cfg.Model }

// BaseURL returns the configured server base URL.
func (c *Client) BaseURL() string { return c.cfg.BaseURL }

// EntityTypes returns the flat taxonomy label list.
func (c *Client) EntityTypes() []string { return c.types }

type predictRequest struct {
	Text      string   `json:"text"`
	Labels    []string `json:"labels"`
	Threshold float64  `json:"threshold"`
}

type prediction struct {
	Text  string  `json:"text"`
	Label string  `json:"label"`
	Start int     `json:"start"`
	End   int     `json:"end"`
	Score float64 `json:"score"`
}

type predictResponse struct {
	Entities []prediction `json:"entities"`
}

func (c *Client) predict(ctx context.Context, text string, threshold float64) ([]prediction, error) {
	body, err := json.Marshal(predictRequest{
		Text:      text,
		Labels:    c.types,
		Threshold: threshold,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/predict", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ner predict request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 500))
		return nil, fmt.Errorf("ner server returned %d: %s", resp.StatusCode, msg)
	}

	var pr predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, fmt.Errorf("decoding ner response: %w", err)
	}
	return pr.Entities, nil
}

// Extract runs entity recognition over text. threshold <= 0 uses the
// configured default. Each returned entity carries exactly one occurrence
// span in document coordinates; duplicates by (normalized, start, end) are
// dropped.
func (c *Client) Extract(ctx context.Context, text string, threshold float64) ([]model.Entity, error) {
	if strings.TrimSpace(text) == "" {
		slog.Warn("ner: empty text provided for extraction")
		return nil, nil
	}
	if threshold <= 0 {
		threshold = c.cfg.Threshold
	}

	var preds []prediction
	if len(text) > segmentTrigger {
		segments := segmentText(text, segmentMaxChars)
		slog.Info("ner: segmenting long text",
			"chars", len(text),
			"segments", len(segments),
		)
		for _, seg := range segments {
			segPreds, err := c.predict(ctx, seg.text, threshold)
			if err != nil {
				return nil, err
			}
			for _, p := range segPreds {
				p.Start += seg.charStart
				p.End += seg.charStart
				preds = append(preds, p)
			}
		}
	} else {
		var err error
		preds, err = c.predict(ctx, text, threshold)
		if err != nil {
			return nil, err
		}
	}

	entities := make([]model.Entity, 0, len(preds))
	seen := make(map[string]bool, len(preds))
	for _, p := range preds {
		normalized := strings.TrimSpace(strings.ToLower(p.Text))
		key := fmt.Sprintf("%s:%d:%d", normalized, p.Start, p.End)
		if seen[key] {
			continue
		}
		seen[key] = true

		before, after, sentence := model.MentionContext(text, p.Start, p.End)
		entities = append(entities, model.Entity{
			Text:          p.Text,
			Normalized:    normalized,
			TypeFull:      p.Label,
			Type:          model.ParseTypeHierarchy(p.Label),
			Confidence:    p.Score,
			Occurrences:   []model.Span{{Start: p.Start, End: p.End}},
			ContextBefore: before,
			ContextAfter:  after,
			Sentence:      sentence,
			Method:        "ner",
		})
	}

	slog.Info("ner: extraction complete", "predictions", len(preds), "entities", len(entities))
	return entities, nil
}

// HealthCheck reports server liveness.
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

type segment struct {
	text      string
	charStart int
}

// segmentText splits text on whitespace into segments of at most maxChars
// characters. Segments are slices of the original text, so a prediction
// offset plus charStart is always a valid document coordinate.
func segmentText(text string, maxChars int) []segment {
	type wordSpan struct{ start, end int }

	var words []wordSpan
	inWord := false
	start := 0
	for i, r := range text {
		if unicode.IsSpace(r) {
			if inWord {
				words = append(words, wordSpan{start, i})
				inWord = false
			}
		} else if !inWord {
			start = i
			inWord = true
		}
	}
	if inWord {
		words = append(words, wordSpan{start, len(text)})
	}

	var segments []segment
	segStart := -1
	segEnd := 0
	for _, w := range words {
		if segStart < 0 {
			segStart, segEnd = w.start, w.end
			continue
		}
		if w.end-segStart > maxChars {
			segments = append(segments, segment{text[segStart:segEnd], segStart})
			segStart, segEnd = w.start, w.end
			continue
		}
		segEnd = w.end
	}
	if segStart >= 0 {
		segments = append(segments, segment{text[segStart:segEnd], segStart})
	}
	return segments
}
