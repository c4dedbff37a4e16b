package extract

import (
	"encoding/json"
	"testing"
)

func TestSanitizeEscapes(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "lone backslash escaped",
			in:   `{"context": "matches \d+ digits"}`,
			want: `{"context": "matches \\d+ digits"}`,
		},
		{
			name: "valid escapes preserved",
			in:   `{"text": "line\none \"quoted\" tab\there"}`,
			want: `{"text": "line\none \"quoted\" tab\there"}`,
		},
		{
			name: "valid unicode preserved",
			in:   `{"text": "caf\u00e9"}`,
			want: `{"text": "caf\u00e9"}`,
		},
		{
			name: "truncated unicode escaped",
			in:   `{"text": "bad \u12 escape"}`,
			want: `{"text": "bad \\u12 escape"}`,
		},
		{
			name: "already escaped backslash untouched",
			in:   `{"path": "C:\\Users\\doc"}`,
			want: `{"path": "C:\\Users\\doc"}`,
		},
		{
			name: "clean text untouched",
			in:   `{"text": "nothing to fix"}`,
			want: `{"text": "nothing to fix"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SanitizeEscapes(tt.in)
			if got != tt.want {
				t.Errorf("SanitizeEscapes(%q) = %q, want %q", tt.in, got, tt.want)
			}
			var out map[string]any
			if err := json.Unmarshal([]byte(got), &out); err != nil {
				t.Errorf("sanitized output does not parse: %v", err)
			}
		})
	}
}

func TestSanitizeEscapesStable(t *testing.T) {
	in := `{"context": "regex \d and path C:\\tmp and \u00e9"}`
	once := SanitizeEscapes(in)
	twice := SanitizeEscapes(once)
	if once != twice {
		t.Errorf("sanitizer not stable:\nonce:  %q\ntwice: %q", once, twice)
	}
}
