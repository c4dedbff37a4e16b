package extract

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/Rob-P-Smith/kgraph/llm"
	"github.com/Rob-P-Smith/kgraph/model"
)

func testEntity(text string, start int) model.Entity {
	return model.Entity{
		Text:        text,
		Normalized:  strings.ToLower(text),
		TypeFull:    "Technology",
		Type:        model.TypeHierarchy{Primary: "Technology"},
		Confidence:  0.9,
		Occurrences: []model.Span{{Start: start, End: start + len(text)}},
	}
}

func TestParseRelationArray(t *testing.T) {
	response := `[
		{"subject": "Redis", "predicate": "uses", "object": "C", "confidence": 0.9, "context": "written in C"}
	]`
	rels := parseRelationArray(response)
	if len(rels) != 1 {
		t.Fatalf("len = %d, want 1", len(rels))
	}
	if rels[0]["subject"] != "Redis" {
		t.Errorf("subject = %v", rels[0]["subject"])
	}
}

func TestParseRelationArrayFenced(t *testing.T) {
	response := "```json\n[{\"subject\": \"A\", \"predicate\": \"uses\", \"object\": \"B\", \"confidence\": 0.8}]\n```"
	if rels := parseRelationArray(response); len(rels) != 1 {
		t.Fatalf("len = %d, want 1", len(rels))
	}
}

func TestParseRelationArrayPicksLongest(t *testing.T) {
	// Models sometimes echo the single-element format example before the data.
	response := `Example: [{"subject": "X", "predicate": "uses", "object": "Y", "confidence": 0.5}]
	Result:
	[
		{"subject": "A", "predicate": "uses", "object": "B", "confidence": 0.9},
		{"subject": "B", "predicate": "extends", "object": "C", "confidence": 0.8}
	]`
	rels := parseRelationArray(response)
	if len(rels) != 2 {
		t.Fatalf("len = %d, want 2 (longest array wins)", len(rels))
	}
	if rels[0]["subject"] != "A" {
		t.Errorf("subject = %v, want A", rels[0]["subject"])
	}
}

func TestParseRelationArrayNoArray(t *testing.T) {
	if rels := parseRelationArray("no JSON here"); rels != nil {
		t.Errorf("got %v, want nil", rels)
	}
}

func TestHealTruncatedArray(t *testing.T) {
	in := `[
		{"subject": "A", "predicate": "uses", "object": "B", "confidence": 0.9},
		{"subject": "B", "predicate": "uses`
	rels := parseRelationArray(in)
	if len(rels) != 1 {
		t.Fatalf("len = %d, want 1 (truncated record dropped)", len(rels))
	}
}

func TestHealTruncatedArrayNoCompleteObjects(t *testing.T) {
	if got := healTruncatedArray(`[{"subject": "A`); got != "[]" {
		t.Errorf("got %q, want []", got)
	}
}

func TestValidateRelationships(t *testing.T) {
	entities := []model.Entity{
		testEntity("Redis", 0),
		testEntity("Memcached", 20),
	}
	raw := []map[string]any{
		{"subject": "Redis", "predicate": "Faster Than", "object": "Memcached", "confidence": 0.9, "context": "benchmarks"},
		{"subject": "Redis", "predicate": "uses", "object": "Redis", "confidence": 0.9},
		{"subject": "Redis", "predicate": "uses", "object": "Unknown", "confidence": 0.9},
		{"subject": "Redis", "predicate": "uses", "object": "Memcached", "confidence": 0.2},
	}

	validated := validateRelationships(raw, entities, DefaultMinConfidence)
	if len(validated) != 1 {
		t.Fatalf("len = %d, want 1: %+v", len(validated), validated)
	}
	rel := validated[0]
	if rel.Predicate != "faster_than" {
		t.Errorf("Predicate = %q, want faster_than", rel.Predicate)
	}
	if rel.SubjectNormalized != "redis" || rel.ObjectNormalized != "memcached" {
		t.Errorf("endpoints = %q -> %q", rel.SubjectNormalized, rel.ObjectNormalized)
	}
	if rel.SubjectSpan.Start != 0 || rel.ObjectSpan.Start != 20 {
		t.Errorf("spans = %+v -> %+v", rel.SubjectSpan, rel.ObjectSpan)
	}
}

func TestDedupeRelationships(t *testing.T) {
	rels := []model.Relationship{
		{SubjectNormalized: "a", Predicate: "uses", ObjectNormalized: "b", Confidence: 0.6},
		{SubjectNormalized: "a", Predicate: "uses", ObjectNormalized: "b", Confidence: 0.9},
		{SubjectNormalized: "b", Predicate: "uses", ObjectNormalized: "c", Confidence: 0.7},
		{SubjectNormalized: "a", Predicate: "uses", ObjectNormalized: "b", Confidence: 0.5},
	}

	out := dedupeRelationships(rels)
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
	// First-seen order, highest confidence kept.
	if out[0].SubjectNormalized != "a" || out[0].Confidence != 0.9 {
		t.Errorf("out[0] = %+v, want a-uses-b at 0.9", out[0])
	}
	if out[1].SubjectNormalized != "b" {
		t.Errorf("out[1] = %+v, want b-uses-c", out[1])
	}
}

func TestExtractRelationshipsTooFewEntities(t *testing.T) {
	completer := &fakeCompleter{}
	r := NewRelationExtractor(completer, 0)

	rels, err := r.ExtractRelationships(context.Background(), "some text", []model.Entity{testEntity("Redis", 0)})
	if err != nil {
		t.Fatalf("ExtractRelationships: %v", err)
	}
	if rels != nil {
		t.Errorf("got %v, want nil", rels)
	}
	if completer.calls != 0 {
		t.Errorf("LLM called %d times, want 0", completer.calls)
	}
}

func TestExtractRelationships(t *testing.T) {
	completer := &fakeCompleter{response: `[
		{"subject": "Redis", "predicate": "faster_than", "object": "Memcached", "confidence": 0.85, "context": "in the benchmark"}
	]`}
	r := NewRelationExtractor(completer, 0)

	text := "Redis outperformed Memcached in the benchmark."
	entities := []model.Entity{testEntity("Redis", 0), testEntity("Memcached", 19)}

	rels, err := r.ExtractRelationships(context.Background(), text, entities)
	if err != nil {
		t.Fatalf("ExtractRelationships: %v", err)
	}
	if len(rels) != 1 {
		t.Fatalf("len = %d, want 1", len(rels))
	}
	if rels[0].Predicate != "faster_than" {
		t.Errorf("Predicate = %q", rels[0].Predicate)
	}
	if completer.calls != 1 {
		t.Errorf("LLM calls = %d, want 1", completer.calls)
	}
}

func TestExtractRelationshipsSectionsLongDocument(t *testing.T) {
	completer := &fakeCompleter{response: `[]`}
	r := NewRelationExtractor(completer, 0)

	// Two sections' worth of text, with entity pairs in both.
	text := strings.Repeat("x", 2*relationSectionSize)
	entities := []model.Entity{
		testEntity("Alpha", 100),
		testEntity("Beta", 200),
		testEntity("Gamma", relationSectionSize+100),
		testEntity("Delta", relationSectionSize+200),
	}

	if _, err := r.ExtractRelationships(context.Background(), text, entities); err != nil {
		t.Fatalf("ExtractRelationships: %v", err)
	}
	if completer.calls != 2 {
		t.Errorf("LLM calls = %d, want 2 (one per section)", completer.calls)
	}
}

func TestExtractRelationshipsLLMFailureReturnsEmpty(t *testing.T) {
	completer := &fakeCompleter{err: llm.ErrModelUnavailable}
	r := NewRelationExtractor(completer, 0)

	entities := []model.Entity{testEntity("Redis", 0), testEntity("Memcached", 19)}
	rels, err := r.ExtractRelationships(context.Background(), "Redis and Memcached.", entities)
	if err != nil {
		t.Fatalf("non-cancellation failures should not propagate, got %v", err)
	}
	if len(rels) != 0 {
		t.Errorf("len = %d, want 0", len(rels))
	}
}

func TestBuildRelationPromptListsEntitiesTwice(t *testing.T) {
	entities := []model.Entity{testEntity("Redis", 0), testEntity("Memcached", 19)}
	prompt := buildRelationPrompt("Redis and Memcached.", entities)

	line := fmt.Sprintf("1. **%s** (%s)", "Redis", "Technology")
	if strings.Count(prompt, line) != 2 {
		t.Errorf("entity list should appear twice in the prompt, found %d", strings.Count(prompt, line))
	}
}
