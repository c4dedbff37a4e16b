package ner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSegmentText(t *testing.T) {
	text := strings.Repeat("word ", 500) // 2500 chars
	segments := segmentText(text, 1000)

	if len(segments) < 3 {
		t.Fatalf("segments = %d, want >= 3", len(segments))
	}
	for i, seg := range segments {
		if len(seg.text) > 1000 {
			t.Errorf("segment %d length = %d, want <= 1000", i, len(seg.text))
		}
		// Offsets must index back into the original text.
		if text[seg.charStart:seg.charStart+len(seg.text)] != seg.text {
			t.Errorf("segment %d charStart %d does not address the original text", i, seg.charStart)
		}
		if strings.HasPrefix(seg.text, " ") || strings.HasSuffix(seg.text, " ") {
			t.Errorf("segment %d has boundary whitespace: %q", i, seg.text[:20])
		}
	}
}

func TestSegmentTextShort(t *testing.T) {
	segments := segmentText("one two three", 1000)
	if len(segments) != 1 {
		t.Fatalf("segments = %d, want 1", len(segments))
	}
	if segments[0].text != "one two three" || segments[0].charStart != 0 {
		t.Errorf("segment = %+v", segments[0])
	}
}

func TestSegmentTextOversizedWord(t *testing.T) {
	long := strings.Repeat("a", 50)
	segments := segmentText("short "+long, 20)
	if len(segments) != 2 {
		t.Fatalf("segments = %d, want 2", len(segments))
	}
	if segments[1].text != long {
		t.Errorf("oversized word not isolated: %q", segments[1].text)
	}
}

func writeTaxonomy(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "entities.yaml")
	data := `entity_categories:
  Language:
    - Language::Programming
  Framework:
    - Framework::Backend::Python
    - Framework::Frontend
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadTaxonomy(t *testing.T) {
	types, err := LoadTaxonomy(writeTaxonomy(t))
	if err != nil {
		t.Fatalf("LoadTaxonomy: %v", err)
	}
	want := []string{"Framework::Backend::Python", "Framework::Frontend", "Language::Programming"}
	if len(types) != len(want) {
		t.Fatalf("types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("types[%d] = %q, want %q (categories sorted)", i, types[i], want[i])
		}
	}
}

func TestLoadTaxonomyMissingFile(t *testing.T) {
	if _, err := LoadTaxonomy("does/not/exist.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestExtract(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req predictRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if len(req.Labels) == 0 {
			t.Error("request carried no labels")
		}

		// Report every "FastAPI" occurrence in the submitted segment.
		var entities []prediction
		for idx := 0; ; {
			pos := strings.Index(req.Text[idx:], "FastAPI")
			if pos < 0 {
				break
			}
			start := idx + pos
			entities = append(entities, prediction{
				Text:  "FastAPI",
				Label: "Framework::Backend::Python",
				Start: start,
				End:   start + len("FastAPI"),
				Score: 0.92,
			})
			idx = start + len("FastAPI")
		}
		json.NewEncoder(w).Encode(predictResponse{Entities: entities})
	}))
	defer server.Close()

	client, err := New(Config{BaseURL: server.URL, TaxonomyPath: writeTaxonomy(t)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	text := "FastAPI is great. " + strings.Repeat("filler words here ", 150) + "Use FastAPI today."
	entities, err := client.Extract(context.Background(), text, 0)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	if len(entities) != 2 {
		t.Fatalf("entities = %d, want 2", len(entities))
	}
	for _, e := range entities {
		if e.Normalized != "fastapi" {
			t.Errorf("Normalized = %q", e.Normalized)
		}
		if e.Method != "ner" {
			t.Errorf("Method = %q, want ner", e.Method)
		}
		if len(e.Occurrences) != 1 {
			t.Fatalf("Occurrences = %+v", e.Occurrences)
		}
		span := e.Occurrences[0]
		if text[span.Start:span.End] != "FastAPI" {
			t.Errorf("span [%d,%d] addresses %q in the original text",
				span.Start, span.End, text[span.Start:span.End])
		}
		if e.Type.Primary != "Framework" || e.Type.Sub1 != "Backend" {
			t.Errorf("type hierarchy = %+v", e.Type)
		}
	}
}

func TestExtractEmptyText(t *testing.T) {
	client, err := New(Config{BaseURL: "http://localhost:1", TaxonomyPath: writeTaxonomy(t)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	entities, err := client.Extract(context.Background(), "   ", 0)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if entities != nil {
		t.Errorf("got %v, want nil", entities)
	}
}

func TestExtractServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer server.Close()

	client, err := New(Config{BaseURL: server.URL, TaxonomyPath: writeTaxonomy(t)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := client.Extract(context.Background(), "short text", 0); err == nil {
		t.Fatal("expected error from failing server")
	}
}
