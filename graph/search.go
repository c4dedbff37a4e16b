package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrNoSearchInput is returned when a chunk search names neither entity ids
// nor entity texts.
var ErrNoSearchInput = errors.New("graph: must provide either entity ids or entity names")

// EntityMatch is an entity found by text search.
type EntityMatch struct {
	EntityID     string  `json:"entity_id"`
	Text         string  `json:"text"`
	Normalized   string  `json:"normalized"`
	TypePrimary  string  `json:"type_primary"`
	TypeFull     string  `json:"type_full"`
	MentionCount int64   `json:"mention_count"`
	Confidence   float64 `json:"confidence"`
}

// SearchEntities finds entities whose text or normalized name contains any of
// the terms, case-insensitively. Results are deduplicated across terms and
// each term's matches come back ordered by mention count.
func (s *Store) SearchEntities(ctx context.Context, terms []string, limit, minMentions int) ([]EntityMatch, error) {
	matches := []EntityMatch{}
	seen := make(map[string]bool)

	for _, term := range terms {
		records, err := s.run(ctx, `
			MATCH (e:Entity)
			WHERE toLower(e.text) CONTAINS toLower($term)
			   OR toLower(e.normalized) CONTAINS toLower($term)
			WITH e
			WHERE e.mention_count >= $min_mentions
			RETURN
			    elementId(e) as entity_id,
			    e.text as text,
			    e.normalized as normalized,
			    e.type_primary as type_primary,
			    e.type_full as type_full,
			    e.mention_count as mention_count,
			    COALESCE(e.avg_confidence, 0.5) as confidence
			ORDER BY e.mention_count DESC
			LIMIT $limit`,
			map[string]any{
				"term":         term,
				"min_mentions": minMentions,
				"limit":        limit,
			})
		if err != nil {
			return nil, fmt.Errorf("graph: entity search %q: %w", term, err)
		}

		for _, record := range records {
			id := recordString(record, "entity_id")
			if seen[id] {
				continue
			}
			seen[id] = true
			matches = append(matches, EntityMatch{
				EntityID:     id,
				Text:         recordString(record, "text"),
				Normalized:   recordString(record, "normalized"),
				TypePrimary:  recordString(record, "type_primary"),
				TypeFull:     recordString(record, "type_full"),
				MentionCount: recordInt(record, "mention_count"),
				Confidence:   recordFloat(record, "confidence"),
			})
		}
	}

	slog.Info("graph: entity search", "terms", len(terms), "entities", len(matches))
	return matches, nil
}

// ChunkQuery selects chunks by the entities mentioned in them. Exactly one of
// EntityIDs or EntityNames must be set.
type ChunkQuery struct {
	EntityIDs           []string
	EntityNames         []string
	Limit               int
	IncludeDocumentInfo bool
}

// ChunkMatch is a chunk containing one or more of the queried entities.
// ChunkText is filled in by the caller when a chunk-text resolver is
// configured; the graph itself stores only a preview.
type ChunkMatch struct {
	ChunkID         string   `json:"chunk_id"`
	VectorRowID     int64    `json:"vector_rowid"`
	ChunkIndex      int64    `json:"chunk_index"`
	EntityCount     int64    `json:"entity_count"`
	MatchedEntities []string `json:"matched_entities"`
	ChunkText       string   `json:"chunk_text,omitempty"`
	DocumentURL     string   `json:"document_url,omitempty"`
	DocumentTitle   string   `json:"document_title,omitempty"`
}

// SearchChunks finds chunks mentioning the queried entities, ordered by how
// many of them each chunk contains, then by position in the document.
func (s *Store) SearchChunks(ctx context.Context, query ChunkQuery) ([]ChunkMatch, error) {
	if len(query.EntityIDs) == 0 && len(query.EntityNames) == 0 {
		return nil, ErrNoSearchInput
	}

	var cypher string
	params := map[string]any{"limit": query.Limit}
	if len(query.EntityIDs) > 0 {
		cypher = `
			MATCH (e:Entity)-[:MENTIONED_IN]->(c:Chunk)
			WHERE elementId(e) IN $entity_ids
			WITH c, COLLECT(DISTINCT e.text) as matched_entities, COUNT(DISTINCT e) as entity_count`
		params["entity_ids"] = query.EntityIDs
	} else {
		cypher = `
			MATCH (e:Entity)-[:MENTIONED_IN]->(c:Chunk)
			WHERE e.text IN $entity_names OR e.normalized IN $entity_names
			WITH c, COLLECT(DISTINCT e.text) as matched_entities, COUNT(DISTINCT e) as entity_count`
		params["entity_names"] = query.EntityNames
	}

	if query.IncludeDocumentInfo {
		cypher += `
			OPTIONAL MATCH (d:Document)-[:HAS_CHUNK]->(c)
			RETURN
			    elementId(c) as chunk_id,
			    c.vector_rowid as vector_rowid,
			    c.chunk_index as chunk_index,
			    entity_count,
			    matched_entities,
			    d.url as document_url,
			    d.title as document_title
			ORDER BY entity_count DESC, c.chunk_index ASC
			LIMIT $limit`
	} else {
		cypher += `
			RETURN
			    elementId(c) as chunk_id,
			    c.vector_rowid as vector_rowid,
			    c.chunk_index as chunk_index,
			    entity_count,
			    matched_entities,
			    null as document_url,
			    null as document_title
			ORDER BY entity_count DESC, c.chunk_index ASC
			LIMIT $limit`
	}

	records, err := s.run(ctx, cypher, params)
	if err != nil {
		return nil, fmt.Errorf("graph: chunk search: %w", err)
	}

	chunks := make([]ChunkMatch, 0, len(records))
	for _, record := range records {
		chunks = append(chunks, ChunkMatch{
			ChunkID:         recordString(record, "chunk_id"),
			VectorRowID:     recordInt(record, "vector_rowid"),
			ChunkIndex:      recordInt(record, "chunk_index"),
			EntityCount:     recordInt(record, "entity_count"),
			MatchedEntities: recordStrings(record, "matched_entities"),
			DocumentURL:     recordString(record, "document_url"),
			DocumentTitle:   recordString(record, "document_title"),
		})
	}

	slog.Info("graph: chunk search", "chunks", len(chunks))
	return chunks, nil
}

// RelatedEntity is an entity discovered by expansion from a query entity.
type RelatedEntity struct {
	EntityID               string  `json:"entity_id"`
	Text                   string  `json:"text"`
	Normalized             string  `json:"normalized"`
	TypePrimary            string  `json:"type_primary"`
	TypeFull               string  `json:"type_full"`
	MentionCount           int64   `json:"mention_count"`
	RelationshipType       string  `json:"relationship_type"`
	RelationshipConfidence float64 `json:"relationship_confidence"`
	PathDistance           int     `json:"path_distance"`
}

// ExpandEntities discovers entities related to the named ones through shared
// chunk mentions. An entity must co-occur in at least two chunks to count;
// confidence is bucketed by co-occurrence strength and results below
// minConfidence are dropped.
func (s *Store) ExpandEntities(ctx context.Context, names []string, maxExpansions int, minConfidence float64) ([]RelatedEntity, error) {
	records, err := s.run(ctx, `
		MATCH (e1:Entity)-[:MENTIONED_IN]->(c:Chunk)<-[:MENTIONED_IN]-(e2:Entity)
		WHERE (e1.text IN $entity_names OR e1.normalized IN $entity_names)
		  AND e2 <> e1
		WITH e2, COUNT(DISTINCT c) as cooccurrence_count
		WHERE cooccurrence_count >= 2
		RETURN
		    elementId(e2) as entity_id,
		    e2.text as text,
		    e2.normalized as normalized,
		    e2.type_primary as type_primary,
		    e2.type_full as type_full,
		    e2.mention_count as mention_count,
		    cooccurrence_count,
		    'CO_OCCURS' as relationship_type,
		    CASE
		        WHEN cooccurrence_count >= 5 THEN 0.9
		        WHEN cooccurrence_count >= 3 THEN 0.7
		        ELSE 0.5
		    END as relationship_confidence,
		    1 as path_distance
		ORDER BY cooccurrence_count DESC, e2.mention_count DESC
		LIMIT $max_expansions`,
		map[string]any{
			"entity_names":   names,
			"max_expansions": maxExpansions,
		})
	if err != nil {
		return nil, fmt.Errorf("graph: entity expansion: %w", err)
	}

	expanded := []RelatedEntity{}
	seen := make(map[string]bool)
	for _, record := range records {
		id := recordString(record, "entity_id")
		confidence := recordFloat(record, "relationship_confidence")
		if seen[id] || confidence < minConfidence {
			continue
		}
		seen[id] = true
		expanded = append(expanded, RelatedEntity{
			EntityID:               id,
			Text:                   recordString(record, "text"),
			Normalized:             recordString(record, "normalized"),
			TypePrimary:            recordString(record, "type_primary"),
			TypeFull:               recordString(record, "type_full"),
			MentionCount:           recordInt(record, "mention_count"),
			RelationshipType:       recordString(record, "relationship_type"),
			RelationshipConfidence: confidence,
			PathDistance:           int(recordInt(record, "path_distance")),
		})
	}

	slog.Info("graph: entity expansion", "inputs", len(names), "related", len(expanded))
	return expanded, nil
}
