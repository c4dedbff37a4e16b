package extract

import (
	"log/slog"
	"strings"
)

// emptyKG is the fallback document substituted when a response cannot be
// repaired.
const emptyKG = `{"entities": [], "relationships": []}`

// HealTruncatedJSON repairs an LLM response whose JSON was cut off
// mid-generation. The expected shape is a single object holding "entities"
// and "relationships" arrays.
//
// Strategy: truncate back to the last complete sub-structure, then append
// the minimum closing brackets and braces to balance the counts. If the
// result still cannot balance, the empty document is returned.
func HealTruncatedJSON(response string) string {
	start := strings.Index(response, "{")
	if start == -1 {
		slog.Warn("extract: no JSON object found in response")
		return emptyKG
	}

	stripped := strings.TrimRight(response, " \t\r\n")
	if strings.HasSuffix(stripped, "}") &&
		strings.Count(stripped, "{") == strings.Count(stripped, "}") &&
		strings.Count(stripped, "[") == strings.Count(stripped, "]") {
		return response
	}

	slog.Warn("extract: detected incomplete JSON, attempting to heal")

	// Scan backward for the last closing brace or bracket; everything after
	// it is an incomplete fragment.
	lastComplete := -1
	for i := len(response) - 1; i > start; i-- {
		if response[i] == '}' || response[i] == ']' {
			lastComplete = i
			break
		}
	}
	if lastComplete == -1 {
		slog.Error("extract: no complete structures found, returning empty document")
		return emptyKG
	}

	healed := response[:lastComplete+1]

	openBraces := strings.Count(healed, "{")
	closeBraces := strings.Count(healed, "}")
	openBrackets := strings.Count(healed, "[")
	closeBrackets := strings.Count(healed, "]")

	// Close arrays first, they nest inside the top-level object.
	for i := 0; i < openBrackets-closeBrackets; i++ {
		healed += "\n  ]"
	}
	for i := 0; i < openBraces-closeBraces; i++ {
		healed += "\n}"
	}

	if strings.Count(healed, "{") != strings.Count(healed, "}") ||
		strings.Count(healed, "[") != strings.Count(healed, "]") {
		slog.Error("extract: healing failed to balance, returning empty document")
		return emptyKG
	}

	slog.Warn("extract: healed truncated JSON",
		"removed_chars", len(response)-lastComplete-1,
	)
	return healed
}
