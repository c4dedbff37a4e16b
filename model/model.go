// Package model defines the records that flow through the extraction
// pipeline: entities, relationships, chunk boundaries, and the chunk-anchored
// forms produced by the mapper. Components pass these by value; graph-side
// identity lives in the external store, keyed by content_id, vector_rowid,
// and normalized entity name.
package model

import "strings"

// TypeHierarchy is the up-to-four-level classification of an entity,
// parsed from a "::"-joined label such as "Framework::Backend::Python".
type TypeHierarchy struct {
	Primary string `json:"type_primary"`
	Sub1    string `json:"type_sub1,omitempty"`
	Sub2    string `json:"type_sub2,omitempty"`
	Sub3    string `json:"type_sub3,omitempty"`
}

// ParseTypeHierarchy splits a type label on "::" into hierarchy levels.
// Levels past the fourth are ignored.
func ParseTypeHierarchy(label string) TypeHierarchy {
	parts := strings.Split(label, "::")
	var h TypeHierarchy
	if len(parts) > 0 {
		h.Primary = parts[0]
	}
	if len(parts) > 1 {
		h.Sub1 = parts[1]
	}
	if len(parts) > 2 {
		h.Sub2 = parts[2]
	}
	if len(parts) > 3 {
		h.Sub3 = parts[3]
	}
	return h
}

// Span is a character range in document coordinates.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Entity is one extracted entity with its document-level occurrences.
// Normalized (lowercased, trimmed display text) is the identity key.
type Entity struct {
	Text       string        `json:"text"`
	Normalized string        `json:"normalized"`
	TypeFull   string        `json:"type_full"`
	Type       TypeHierarchy `json:"type"`
	Confidence float64       `json:"confidence"`

	// Occurrences holds every located mention span. The LLM path recovers
	// at most one span per entity; the NER path reports each mention.
	Occurrences []Span `json:"occurrences"`

	ContextBefore string `json:"context_before"`
	ContextAfter  string `json:"context_after"`
	Sentence      string `json:"sentence"`

	// Method records which extractor produced the entity: "ner" or "llm".
	Method string `json:"extraction_method"`
}

// Relationship is a directed predicate between two extracted entities.
// Subject and object carry the resolved entity identity and span.
type Relationship struct {
	SubjectText       string `json:"subject_text"`
	SubjectNormalized string `json:"subject_normalized"`
	SubjectType       string `json:"subject_type"`
	SubjectSpan       Span   `json:"subject_span"`

	Predicate string `json:"predicate"`

	ObjectText       string `json:"object_text"`
	ObjectNormalized string `json:"object_normalized"`
	ObjectType       string `json:"object_type"`
	ObjectSpan       Span   `json:"object_span"`

	Confidence float64 `json:"confidence"`
	Context    string  `json:"context"`
}

// ChunkRange is one upstream chunk boundary: a contiguous character range of
// the source document, addressed by the external vector store rowid.
type ChunkRange struct {
	VectorRowID int64  `json:"vector_rowid"`
	ChunkIndex  int    `json:"chunk_index"`
	CharStart   int    `json:"char_start"`
	CharEnd     int    `json:"char_end"`
	Text        string `json:"text"`
}

// ChunkAppearance anchors an entity mention to one chunk with chunk-local
// offsets.
type ChunkAppearance struct {
	VectorRowID int64 `json:"vector_rowid"`
	ChunkIndex  int   `json:"chunk_index"`
	OffsetStart int   `json:"offset_start"`
	OffsetEnd   int   `json:"offset_end"`
}

// MappedEntity is an Entity after chunk mapping.
type MappedEntity struct {
	Entity
	Appearances         []ChunkAppearance `json:"chunk_appearances"`
	SpansMultipleChunks bool              `json:"spans_multiple_chunks"`
}

// MappedRelationship is a Relationship after chunk mapping. PrimaryChunk is
// the rowid where the relationship is most relevant; HasPrimary is false when
// neither side mapped to any chunk.
type MappedRelationship struct {
	Relationship
	ChunkRowIDs  []int64 `json:"chunk_rowids"`
	PrimaryChunk int64   `json:"primary_chunk_rowid"`
	HasPrimary   bool    `json:"-"`
	SpansChunks  bool    `json:"spans_chunks"`
}
