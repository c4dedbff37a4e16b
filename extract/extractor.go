// Package extract produces entities and relationships for a whole document
// in a single LLM pass. Extractions are bounded by a process-wide gate, and
// the model's JSON output is repaired before decoding: wrapper peeling,
// truncation healing, then escape sanitization.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/Rob-P-Smith/kgraph/llm"
	"github.com/Rob-P-Smith/kgraph/model"
)

const (
	// DefaultMinConfidence drops entities and relationships the model was
	// unsure about.
	DefaultMinConfidence = 0.45

	// peelMaxIterations caps the wrapper-peeling loop over fences and prose.
	peelMaxIterations = 10

	// extractionMaxTokens is deliberately large: one completion covers every
	// entity and relationship in a long document.
	extractionMaxTokens = 131072

	repetitionPenalty = 1.1
	contextMax        = 500
)

var peelFenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*\\})\\s*```")

// Completer is the completion surface the extractor needs.
type Completer interface {
	Complete(ctx context.Context, prompt string, opts ...llm.CompleteOption) (string, error)
}

// Config configures the unified extractor.
type Config struct {
	MinConfidence float64 `json:"min_confidence"`
	MaxConcurrent int     `json:"max_concurrent"`
}

// Extractor extracts a knowledge graph from document text via the LLM.
type Extractor struct {
	llm           Completer
	gate          *Gate
	minConfidence float64
}

// New creates an Extractor gated at cfg.MaxConcurrent simultaneous LLM calls.
func New(completer Completer, cfg Config) *Extractor {
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = DefaultMinConfidence
	}
	e := &Extractor{
		llm:           completer,
		gate:          NewGate(cfg.MaxConcurrent),
		minConfidence: cfg.MinConfidence,
	}
	slog.Info("extract: unified extractor initialized",
		"max_concurrent", e.gate.max,
		"min_confidence", e.minConfidence,
	)
	return e
}

// Metrics returns a snapshot of the gate counters.
func (e *Extractor) Metrics() Metrics { return e.gate.Snapshot() }

// ExtractKG extracts entities and relationships from text in one LLM call.
// Unparseable model output is not an error: the caller receives an empty
// graph and the document still persists. Context cancellation and deadline
// expiry do propagate, with the gate slot released.
func (e *Extractor) ExtractKG(ctx context.Context, text string) ([]model.Entity, []model.Relationship, error) {
	if strings.TrimSpace(text) == "" {
		slog.Warn("extract: empty text provided")
		return nil, nil, nil
	}

	prompt := buildExtractionPrompt(text)

	if m := e.gate.Snapshot(); m.SlotsAvailable <= 0 {
		slog.Warn("extract: waiting for extraction slot",
			"active", m.Active,
			"max_concurrent", m.MaxConcurrent,
		)
	}
	if err := e.gate.Acquire(ctx); err != nil {
		return nil, nil, err
	}

	m := e.gate.Snapshot()
	slog.Info("extract: starting extraction",
		"active", m.Active,
		"max_concurrent", m.MaxConcurrent,
		"prompt_chars", len(prompt),
	)

	response, err := e.llm.Complete(ctx, prompt,
		llm.WithMaxTokens(extractionMaxTokens),
		llm.WithRepetitionPenalty(repetitionPenalty),
	)
	if err != nil {
		e.gate.Release(true)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil, err
		}
		slog.Error("extract: llm extraction failed, returning empty graph", "error", err)
		return nil, nil, nil
	}

	entities, relationships := e.parseResponse(response, text)
	e.gate.Release(false)

	slog.Info("extract: extraction complete",
		"entities", len(entities),
		"relationships", len(relationships),
	)
	return entities, relationships, nil
}

// parseResponse turns a raw model response into validated records. Peels
// wrappers, heals truncation, sanitizes escapes, then decodes.
func (e *Extractor) parseResponse(response, text string) ([]model.Entity, []model.Relationship) {
	for iteration := 0; iteration < peelMaxIterations; {
		response = strings.TrimSpace(response)
		if strings.HasPrefix(response, "{") && strings.HasSuffix(response, "}") {
			break
		}
		if m := peelFenceRe.FindStringSubmatch(response); m != nil {
			response = m[1]
			iteration++
			continue
		}
		start := strings.Index(response, "{")
		end := strings.LastIndex(response, "}")
		if start != -1 && end > start {
			response = response[start : end+1]
			iteration++
			continue
		}
		slog.Warn("extract: could not isolate JSON object from response")
		break
	}

	response = HealTruncatedJSON(response)
	response = SanitizeEscapes(response)

	var top map[string]json.RawMessage
	if err := json.Unmarshal([]byte(response), &top); err != nil {
		slog.Error("extract: failed to parse response as JSON",
			"error", err,
			"preview", preview(response, 500),
		)
		return nil, nil
	}

	var entitiesRaw, relationshipsRaw []map[string]any
	if raw, ok := top["entities"]; ok {
		if err := json.Unmarshal(raw, &entitiesRaw); err != nil {
			slog.Warn("extract: entities field is not a list")
		}
	}
	if raw, ok := top["relationships"]; ok {
		if err := json.Unmarshal(raw, &relationshipsRaw); err != nil {
			slog.Warn("extract: relationships field is not a list")
		}
	}

	slog.Info("extract: parsed response",
		"raw_entities", len(entitiesRaw),
		"raw_relationships", len(relationshipsRaw),
	)

	entities := e.processEntities(entitiesRaw, text)
	relationships := e.processRelationships(relationshipsRaw, entities)
	return entities, relationships
}

// processEntities validates raw entity records: required fields, confidence
// floor, dedup by normalized name (first wins), and span verification with
// substring recovery. Entities that cannot be located in the text are
// dropped.
func (e *Extractor) processEntities(raw []map[string]any, text string) []model.Entity {
	entities := make([]model.Entity, 0, len(raw))
	seen := make(map[string]bool, len(raw))

	for _, ent := range raw {
		entityText, okText := asString(ent["text"])
		entityType, okType := asString(ent["type"])
		confidence, okConf := asFloat(ent["confidence"])
		entityText = strings.TrimSpace(entityText)
		entityType = strings.TrimSpace(entityType)
		if !okText || !okType || !okConf || entityText == "" || entityType == "" {
			slog.Debug("extract: skipping entity missing required fields")
			continue
		}
		if confidence < e.minConfidence {
			continue
		}

		normalized := strings.ToLower(entityText)
		if seen[normalized] {
			continue
		}
		seen[normalized] = true

		start, hasStart := asInt(ent["start"])
		end, hasEnd := asInt(ent["end"])
		if !hasStart {
			start = strings.Index(text, entityText)
		}
		if !hasEnd {
			end = start + len(entityText)
		}
		if start < 0 || end < 0 || start >= end {
			// Recover by substring search; collapses repeated mentions to
			// the first hit.
			start = strings.Index(strings.ToLower(text), normalized)
			if start < 0 {
				slog.Debug("extract: cannot locate entity in text", "entity", entityText)
				continue
			}
			end = start + len(entityText)
		}

		before, after, sentence := model.MentionContext(text, start, end)
		entities = append(entities, model.Entity{
			Text:          entityText,
			Normalized:    normalized,
			TypeFull:      entityType,
			Type:          model.ParseTypeHierarchy(entityType),
			Confidence:    confidence,
			Occurrences:   []model.Span{{Start: start, End: end}},
			ContextBefore: before,
			ContextAfter:  after,
			Sentence:      sentence,
			Method:        "llm",
		})
	}

	slog.Info("extract: processed entities", "valid", len(entities), "raw", len(raw))
	return entities
}

// processRelationships validates raw relationships against the extracted
// entity set. Both endpoints must resolve case-insensitively to an entity;
// self-relationships and low-confidence records are dropped. Rejections are
// counted for observability.
func (e *Extractor) processRelationships(raw []map[string]any, entities []model.Entity) []model.Relationship {
	lookup := make(map[string]*model.Entity, len(entities)*2)
	for i := range entities {
		ent := &entities[i]
		lookup[strings.ToLower(ent.Text)] = ent
		lookup[ent.Normalized] = ent
	}

	relationships := make([]model.Relationship, 0, len(raw))
	rejected := 0

	for _, rel := range raw {
		subjText, okSubj := asString(rel["subject"])
		predicate, okPred := asString(rel["predicate"])
		objText, okObj := asString(rel["object"])
		confidence, okConf := asFloat(rel["confidence"])
		if !okSubj || !okPred || !okObj || !okConf {
			rejected++
			slog.Warn("extract: relationship missing required fields")
			continue
		}

		subjText = strings.TrimSpace(subjText)
		objText = strings.TrimSpace(objText)
		predicate = strings.ReplaceAll(strings.ToLower(predicate), " ", "_")
		context, _ := asString(rel["context"])

		if confidence < e.minConfidence {
			rejected++
			slog.Warn("extract: relationship rejected, low confidence",
				"subject", subjText, "object", objText, "confidence", confidence)
			continue
		}

		subject := lookup[strings.ToLower(subjText)]
		if subject == nil {
			rejected++
			slog.Warn("extract: relationship rejected, subject not extracted", "subject", subjText)
			continue
		}
		object := lookup[strings.ToLower(objText)]
		if object == nil {
			rejected++
			slog.Warn("extract: relationship rejected, object not extracted", "object", objText)
			continue
		}
		if subject.Normalized == object.Normalized {
			rejected++
			slog.Warn("extract: relationship rejected, self-reference", "entity", subjText)
			continue
		}

		if len(context) > contextMax {
			context = context[:contextMax]
		}

		relationships = append(relationships, model.Relationship{
			SubjectText:       subject.Text,
			SubjectNormalized: subject.Normalized,
			SubjectType:       subject.TypeFull,
			SubjectSpan:       subject.Occurrences[0],
			Predicate:         predicate,
			ObjectText:        object.Text,
			ObjectNormalized:  object.Normalized,
			ObjectType:        object.TypeFull,
			ObjectSpan:        object.Occurrences[0],
			Confidence:        confidence,
			Context:           context,
		})
	}

	slog.Info("extract: processed relationships", "valid", len(relationships), "rejected", rejected)
	return relationships
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func asInt(v any) (int, bool) {
	f, ok := v.(float64)
	if !ok {
		return 0, false
	}
	return int(f), true
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
