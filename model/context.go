package model

import "strings"

const (
	mentionWindow = 100
	sentenceMax   = 500
)

// MentionContext extracts the text surrounding a mention span: a fixed
// window before and after, and the containing sentence bounded by periods.
// Spans outside the text are clamped.
func MentionContext(text string, start, end int) (before, after, sentence string) {
	if start < 0 {
		start = 0
	}
	if start > len(text) {
		start = len(text)
	}
	if end < start {
		end = start
	}
	if end > len(text) {
		end = len(text)
	}

	ctxStart := start - mentionWindow
	if ctxStart < 0 {
		ctxStart = 0
	}
	ctxEnd := end + mentionWindow
	if ctxEnd > len(text) {
		ctxEnd = len(text)
	}
	before = strings.TrimSpace(text[ctxStart:start])
	after = strings.TrimSpace(text[end:ctxEnd])

	sentStart := strings.LastIndex(text[:start], ".") + 1
	sentEnd := strings.Index(text[end:], ".")
	if sentEnd == -1 {
		sentEnd = len(text)
	} else {
		sentEnd += end
	}
	sentence = strings.TrimSpace(text[sentStart:sentEnd])
	if len(sentence) > sentenceMax {
		sentence = sentence[:sentenceMax]
	}
	return before, after, sentence
}
