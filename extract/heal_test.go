package extract

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestHealTruncatedJSONComplete(t *testing.T) {
	in := `{"entities": [{"text": "Go"}], "relationships": []}`
	if got := HealTruncatedJSON(in); got != in {
		t.Errorf("complete JSON was modified: %q", got)
	}
}

func TestHealTruncatedJSONTrailingWhitespace(t *testing.T) {
	in := `{"entities": [], "relationships": []}` + "\n\n  "
	if got := HealTruncatedJSON(in); got != in {
		t.Errorf("whitespace-padded JSON was modified: %q", got)
	}
}

func TestHealTruncatedJSONMidObject(t *testing.T) {
	in := `{"entities": [{"text": "Go", "type": "Language", "confidence": 0.9}, {"text": "Rust", "ty`
	healed := HealTruncatedJSON(in)

	var doc map[string]any
	if err := json.Unmarshal([]byte(healed), &doc); err != nil {
		t.Fatalf("healed output does not parse: %v\n%s", err, healed)
	}
	entities, ok := doc["entities"].([]any)
	if !ok {
		t.Fatalf("entities is not a list: %T", doc["entities"])
	}
	if len(entities) != 1 {
		t.Errorf("len(entities) = %d, want 1 (incomplete object dropped)", len(entities))
	}
}

func TestHealTruncatedJSONMidArray(t *testing.T) {
	in := `{"entities": [{"text": "Go", "type": "Language", "confidence": 0.9}], "relationships": [{"subject": "Go", "predicate": "uses`
	healed := HealTruncatedJSON(in)

	var doc map[string]any
	if err := json.Unmarshal([]byte(healed), &doc); err != nil {
		t.Fatalf("healed output does not parse: %v\n%s", err, healed)
	}
	if _, ok := doc["entities"].([]any); !ok {
		t.Error("entities list lost during healing")
	}
}

func TestHealTruncatedJSONNoObject(t *testing.T) {
	if got := HealTruncatedJSON("the model returned prose instead"); got != emptyKG {
		t.Errorf("got %q, want empty document", got)
	}
}

func TestHealTruncatedJSONNoCompleteStructure(t *testing.T) {
	if got := HealTruncatedJSON(`{"entities": [{"text": "Go`); got != emptyKG {
		t.Errorf("got %q, want empty document", got)
	}
}

func TestHealTruncatedJSONClosesArraysBeforeBraces(t *testing.T) {
	in := `{"entities": [{"text": "Go", "type": "Language", "confidence": 0.9}`
	healed := HealTruncatedJSON(in)

	// The array must close before the object.
	if strings.Index(healed, "]") > strings.LastIndex(healed, "}") {
		t.Errorf("brackets closed in wrong order:\n%s", healed)
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(healed), &doc); err != nil {
		t.Fatalf("healed output does not parse: %v\n%s", err, healed)
	}
}
