package extract

import (
	"regexp"
	"strings"
)

var (
	unicodeEscapeRe   = regexp.MustCompile(`\\u[0-9a-fA-F]{0,4}`)
	protectUnicodeRe  = regexp.MustCompile(`\\u([0-9a-fA-F]{4})`)
	restoreUnicodeRe  = regexp.MustCompile(`___UNICODE([0-9a-fA-F]{4})___`)
	sanitizeMaxPasses = 3
)

// escapeMarkers protects every valid JSON escape with a unique placeholder
// so the lone-backslash pass cannot double-escape it. Order matters: the
// sequences are replaced one after another, exactly as they are restored.
var escapeMarkers = []struct {
	escape string
	marker string
}{
	{`\"`, "___QUOTE___"},
	{`\\`, "___BACKSLASH___"},
	{`\/`, "___SLASH___"},
	{`\b`, "___BACKSPACE___"},
	{`\f`, "___FORMFEED___"},
	{`\n`, "___NEWLINE___"},
	{`\r`, "___RETURN___"},
	{`\t`, "___TAB___"},
}

// SanitizeEscapes repairs invalid escape sequences in LLM-generated JSON.
// Models emit patterns like \d (regex syntax) inside string values, which
// the decoder rejects. The protect-and-restore passes are what keep
// already-valid escapes from being double-escaped; a single blanket
// replacement would corrupt them. Runs up to three passes, stopping early
// once a pass changes nothing.
func SanitizeEscapes(text string) string {
	for pass := 0; pass < sanitizeMaxPasses; pass++ {
		original := text

		// Truncated \uXXXX escapes: fewer than four hex digits means the
		// backslash itself needs escaping.
		text = unicodeEscapeRe.ReplaceAllStringFunc(text, func(m string) string {
			if len(m) == len(`\u`)+4 {
				return m
			}
			return `\` + m
		})

		for _, em := range escapeMarkers {
			text = strings.ReplaceAll(text, em.escape, em.marker)
		}
		text = protectUnicodeRe.ReplaceAllString(text, "___UNICODE$1___")

		// Any backslash still standing is invalid.
		text = strings.ReplaceAll(text, `\`, `\\`)

		for _, em := range escapeMarkers {
			text = strings.ReplaceAll(text, em.marker, em.escape)
		}
		text = restoreUnicodeRe.ReplaceAllString(text, `\u$1`)

		if text == original {
			break
		}
	}
	return text
}
