package extract

import (
	"context"
	"errors"
	"testing"

	"github.com/Rob-P-Smith/kgraph/llm"
)

type fakeCompleter struct {
	response string
	err      error
	calls    int
}

func (f *fakeCompleter) Complete(ctx context.Context, prompt string, opts ...llm.CompleteOption) (string, error) {
	f.calls++
	return f.response, f.err
}

const sampleText = "FastAPI is a Python web framework. FastAPI uses Pydantic for validation."

func TestExtractKG(t *testing.T) {
	completer := &fakeCompleter{response: `{
		"entities": [
			{"text": "FastAPI", "type": "Framework::Backend::Python", "confidence": 0.95},
			{"text": "Pydantic", "type": "Library::Validation", "confidence": 0.9}
		],
		"relationships": [
			{"subject": "FastAPI", "predicate": "uses", "object": "Pydantic", "confidence": 0.85, "context": "FastAPI uses Pydantic for validation"}
		]
	}`}

	e := New(completer, Config{})
	entities, relationships, err := e.ExtractKG(context.Background(), sampleText)
	if err != nil {
		t.Fatalf("ExtractKG: %v", err)
	}

	if len(entities) != 2 {
		t.Fatalf("len(entities) = %d, want 2", len(entities))
	}
	fastapi := entities[0]
	if fastapi.Normalized != "fastapi" {
		t.Errorf("Normalized = %q, want %q", fastapi.Normalized, "fastapi")
	}
	if fastapi.Type.Primary != "Framework" || fastapi.Type.Sub1 != "Backend" || fastapi.Type.Sub2 != "Python" {
		t.Errorf("type hierarchy = %+v, want Framework/Backend/Python", fastapi.Type)
	}
	if fastapi.Method != "llm" {
		t.Errorf("Method = %q, want llm", fastapi.Method)
	}
	if len(fastapi.Occurrences) != 1 || fastapi.Occurrences[0].Start != 0 {
		t.Errorf("Occurrences = %+v, want span at 0", fastapi.Occurrences)
	}

	if len(relationships) != 1 {
		t.Fatalf("len(relationships) = %d, want 1", len(relationships))
	}
	rel := relationships[0]
	if rel.SubjectNormalized != "fastapi" || rel.Predicate != "uses" || rel.ObjectNormalized != "pydantic" {
		t.Errorf("relationship = %+v", rel)
	}
	if rel.SubjectType != "Framework::Backend::Python" {
		t.Errorf("SubjectType = %q", rel.SubjectType)
	}
}

func TestExtractKGFencedResponse(t *testing.T) {
	completer := &fakeCompleter{response: "Here is the extraction:\n```json\n" +
		`{"entities": [{"text": "FastAPI", "type": "Framework", "confidence": 0.9}], "relationships": []}` +
		"\n```\nDone."}

	e := New(completer, Config{})
	entities, _, err := e.ExtractKG(context.Background(), sampleText)
	if err != nil {
		t.Fatalf("ExtractKG: %v", err)
	}
	if len(entities) != 1 {
		t.Fatalf("len(entities) = %d, want 1", len(entities))
	}
}

func TestExtractKGTruncatedResponse(t *testing.T) {
	// Generation cut off mid-relationship; entities must still survive.
	completer := &fakeCompleter{response: `{
		"entities": [
			{"text": "FastAPI", "type": "Framework", "confidence": 0.9},
			{"text": "Pydantic", "type": "Library", "confidence": 0.9}
		],
		"relationships": [
			{"subject": "FastAPI", "predicate": "uses`}

	e := New(completer, Config{})
	entities, relationships, err := e.ExtractKG(context.Background(), sampleText)
	if err != nil {
		t.Fatalf("ExtractKG: %v", err)
	}
	if len(entities) != 2 {
		t.Errorf("len(entities) = %d, want 2", len(entities))
	}
	if len(relationships) != 0 {
		t.Errorf("len(relationships) = %d, want 0 (truncated record dropped)", len(relationships))
	}
}

func TestExtractKGValidation(t *testing.T) {
	completer := &fakeCompleter{response: `{
		"entities": [
			{"text": "FastAPI", "type": "Framework", "confidence": 0.9},
			{"text": "Pydantic", "type": "Library", "confidence": 0.3},
			{"text": "fastapi", "type": "Framework", "confidence": 0.8},
			{"text": "NoType", "confidence": 0.9},
			{"text": "Unlocatable", "type": "Tool", "confidence": 0.9, "start": -5, "end": -1}
		],
		"relationships": [
			{"subject": "FastAPI", "predicate": "uses", "object": "Pydantic", "confidence": 0.9},
			{"subject": "FastAPI", "predicate": "extends", "object": "FastAPI", "confidence": 0.9},
			{"subject": "FastAPI", "predicate": "uses", "object": "Missing", "confidence": 0.9}
		]
	}`}

	e := New(completer, Config{})
	entities, relationships, err := e.ExtractKG(context.Background(), sampleText)
	if err != nil {
		t.Fatalf("ExtractKG: %v", err)
	}

	// Low confidence, duplicate normalized, missing type, and unlocatable
	// entities are all dropped.
	if len(entities) != 1 {
		t.Fatalf("len(entities) = %d, want 1: %+v", len(entities), entities)
	}
	// Pydantic fell below the confidence floor, so no relationship resolves;
	// the self-reference and the unknown object are dropped too.
	if len(relationships) != 0 {
		t.Errorf("len(relationships) = %d, want 0: %+v", len(relationships), relationships)
	}
}

func TestExtractKGEmptyText(t *testing.T) {
	completer := &fakeCompleter{}
	e := New(completer, Config{})
	entities, relationships, err := e.ExtractKG(context.Background(), "   \n  ")
	if err != nil {
		t.Fatalf("ExtractKG: %v", err)
	}
	if entities != nil || relationships != nil {
		t.Errorf("expected nil results for empty text")
	}
	if completer.calls != 0 {
		t.Errorf("LLM called %d times for empty text, want 0", completer.calls)
	}
}

func TestExtractKGLLMFailureReturnsEmptyGraph(t *testing.T) {
	completer := &fakeCompleter{err: llm.ErrModelUnavailable}
	e := New(completer, Config{})

	entities, relationships, err := e.ExtractKG(context.Background(), sampleText)
	if err != nil {
		t.Fatalf("ExtractKG should swallow LLM failures, got %v", err)
	}
	if entities != nil || relationships != nil {
		t.Errorf("expected empty graph on LLM failure")
	}
	if m := e.Metrics(); m.Failed != 1 {
		t.Errorf("Failed = %d, want 1", m.Failed)
	}
}

func TestExtractKGCancellationPropagates(t *testing.T) {
	completer := &fakeCompleter{err: context.Canceled}
	e := New(completer, Config{})

	_, _, err := e.ExtractKG(context.Background(), sampleText)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if m := e.Metrics(); m.Active != 0 {
		t.Errorf("Active = %d, want 0 (slot released on cancellation)", m.Active)
	}
}
