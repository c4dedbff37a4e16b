package graph

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"
)

const chunkTextMax = 500

// ChunkScore is a scored chunk from enhanced search.
type ChunkScore struct {
	ChunkID             string  `json:"chunk_id"`
	VectorRowID         int64   `json:"vector_rowid"`
	ChunkIndex          int64   `json:"chunk_index"`
	ChunkText           string  `json:"chunk_text"`
	DocumentURL         string  `json:"document_url"`
	ExpansionScore      float64 `json:"expansion_score"`
	SearchEntityCount   int     `json:"search_entity_count"`
	ExpandedEntityCount int     `json:"expanded_entity_count"`
	RelationshipCount   int     `json:"relationship_count"`
}

// EnhancedStats carries query timing and score-distribution counters.
type EnhancedStats struct {
	CypherExecutionTimeMs float64 `json:"cypher_execution_time_ms"`
	TotalChunksFound      int     `json:"total_chunks_found"`
	ChunksReturned        int     `json:"chunks_returned"`
	MultiEntityChunks     int     `json:"multi_entity_chunks"`
	SingleEntityChunks    int     `json:"single_entity_chunks"`
	ExpansionOnlyChunks   int     `json:"expansion_only_chunks"`
}

// EnhancedResult is the outcome of an enhanced search.
type EnhancedResult struct {
	Chunks                []ChunkScore  `json:"chunks"`
	TotalChunks           int           `json:"total_chunks"`
	SearchEntitiesFound   int           `json:"search_entities_found"`
	ExpandedEntitiesFound int           `json:"expanded_entities_found"`
	Stats                 EnhancedStats `json:"stats"`
}

// scoredChunk is an intermediate chunk pulled from the traversal, before
// scoring. Entities holds either the search-term entities or the co-occurring
// entities found in the chunk, depending on which branch produced it.
type scoredChunk struct {
	ChunkID     string
	VectorRowID int64
	HasRowID    bool
	ChunkIndex  int64
	Text        string
	DocumentURL string
	Entities    []string
}

// EnhancedSearch expands the search-term entities through co-occurrence and
// scores every reachable chunk. One traversal collects the search-term
// chunks, the co-occurring entities and their chunks; ranking happens
// client-side.
func (s *Store) EnhancedSearch(ctx context.Context, searchTerms []string, maxChunks int) (*EnhancedResult, error) {
	started := time.Now()

	record, err := s.runSingle(ctx, `
		MATCH (search_entity:Entity)
		WHERE search_entity.text IN $search_terms

		OPTIONAL MATCH (search_entity)-[:MENTIONED_IN]->(search_chunk:Chunk)<-[:HAS_CHUNK]-(doc:Document)

		OPTIONAL MATCH (search_chunk)<-[:MENTIONED_IN]-(cooccur_entity:Entity)
		WHERE NOT cooccur_entity.text IN $search_terms

		OPTIONAL MATCH (search_entity)-[rel]-(related_search_entity:Entity)
		WHERE related_search_entity.text IN $search_terms
		  AND id(search_entity) < id(related_search_entity)

		OPTIONAL MATCH (cooccur_entity)-[:MENTIONED_IN]->(expanded_chunk:Chunk)<-[:HAS_CHUNK]-(expanded_doc:Document)

		WITH
		    collect(DISTINCT {
		        entity: search_entity.text,
		        mention_count: search_entity.mention_count,
		        type: search_entity.type_primary
		    }) as search_entities_found,

		    collect(DISTINCT {
		        chunk_id: elementId(search_chunk),
		        vector_rowid: search_chunk.vector_rowid,
		        chunk_index: search_chunk.chunk_index,
		        text: COALESCE(search_chunk.text, search_chunk.text_preview),
		        doc_url: doc.url,
		        search_entities: [e IN collect(DISTINCT search_entity.text) WHERE e IS NOT NULL],
		        chunk_type: 'search_term'
		    }) as search_chunks_data,

		    collect(DISTINCT {
		        entity: cooccur_entity.text,
		        mention_count: cooccur_entity.mention_count,
		        type: cooccur_entity.type_primary,
		        cooccurs_in_chunks: count(DISTINCT search_chunk)
		    }) as cooccurring_entities,

		    collect(DISTINCT {
		        from_entity: search_entity.text,
		        to_entity: related_search_entity.text,
		        relationship_type: type(rel),
		        strength: 1.0
		    }) as entity_relationships,

		    collect(DISTINCT {
		        chunk_id: elementId(expanded_chunk),
		        vector_rowid: expanded_chunk.vector_rowid,
		        chunk_index: expanded_chunk.chunk_index,
		        text: COALESCE(expanded_chunk.text, expanded_chunk.text_preview),
		        doc_url: expanded_doc.url,
		        expanded_entities: [e IN collect(DISTINCT cooccur_entity.text) WHERE e IS NOT NULL],
		        chunk_type: 'expanded'
		    }) as expanded_chunks_data

		RETURN
		    search_entities_found,
		    search_chunks_data,
		    cooccurring_entities,
		    entity_relationships,
		    expanded_chunks_data`,
		map[string]any{"search_terms": searchTerms})
	if err != nil {
		return nil, fmt.Errorf("graph: enhanced search: %w", err)
	}

	executionMs := float64(time.Since(started).Microseconds()) / 1000.0

	result := &EnhancedResult{
		Chunks: []ChunkScore{},
		Stats:  EnhancedStats{CypherExecutionTimeMs: math.Round(executionMs*100) / 100},
	}
	if record == nil {
		return result, nil
	}

	searchChunks := collectChunks(record, "search_chunks_data", "search_entities")
	expandedChunks := collectChunks(record, "expanded_chunks_data", "expanded_entities")
	result.SearchEntitiesFound = collectedLen(record, "search_entities_found")
	result.ExpandedEntitiesFound = collectedLen(record, "cooccurring_entities")

	scored := scoreAndRankChunks(searchChunks, expandedChunks)

	top := scored
	if len(top) > maxChunks {
		top = top[:maxChunks]
	}
	result.Chunks = top
	result.TotalChunks = len(top)
	result.Stats.TotalChunksFound = len(scored)
	result.Stats.ChunksReturned = len(top)
	for _, c := range top {
		switch {
		case c.SearchEntityCount >= 2:
			result.Stats.MultiEntityChunks++
		case c.SearchEntityCount == 1:
			result.Stats.SingleEntityChunks++
		default:
			result.Stats.ExpansionOnlyChunks++
		}
	}

	slog.Info("graph: enhanced search complete",
		"chunks", len(top),
		"multi_entity", result.Stats.MultiEntityChunks,
		"execution_ms", result.Stats.CypherExecutionTimeMs,
	)
	return result, nil
}

// scoreAndRankChunks assigns a relevance tier to each chunk and sorts by
// score descending. Chunks are deduplicated by vector rowid, search-term
// chunks first so they win over expansion hits.
//
// Tiers: 1.0 for multiple search-term entities in a chunk, 0.6 for a single
// one, 0.8 / 0.6 / 0.4 for expansion-only chunks by how many co-occurring
// entities they carry.
func scoreAndRankChunks(searchChunks, expandedChunks []scoredChunk) []ChunkScore {
	scored := []ChunkScore{}
	seen := make(map[int64]bool)

	for _, chunk := range searchChunks {
		if !chunk.HasRowID || seen[chunk.VectorRowID] {
			continue
		}
		seen[chunk.VectorRowID] = true

		count := len(chunk.Entities)
		score := 0.4
		switch {
		case count >= 2:
			score = 1.0
		case count == 1:
			score = 0.6
		}

		scored = append(scored, ChunkScore{
			ChunkID:           chunk.ChunkID,
			VectorRowID:       chunk.VectorRowID,
			ChunkIndex:        chunk.ChunkIndex,
			ChunkText:         truncate(chunk.Text, chunkTextMax),
			DocumentURL:       chunk.DocumentURL,
			ExpansionScore:    score,
			SearchEntityCount: count,
		})
	}

	for _, chunk := range expandedChunks {
		if !chunk.HasRowID || seen[chunk.VectorRowID] {
			continue
		}
		seen[chunk.VectorRowID] = true

		count := len(chunk.Entities)
		score := 0.4
		switch {
		case count > 3:
			score = 0.8
		case count > 1:
			score = 0.6
		}

		scored = append(scored, ChunkScore{
			ChunkID:             chunk.ChunkID,
			VectorRowID:         chunk.VectorRowID,
			ChunkIndex:          chunk.ChunkIndex,
			ChunkText:           truncate(chunk.Text, chunkTextMax),
			DocumentURL:         chunk.DocumentURL,
			ExpansionScore:      score,
			ExpandedEntityCount: count,
		})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].ExpansionScore > scored[j].ExpansionScore
	})
	return scored
}

// collectChunks decodes one of the collected chunk lists from the traversal
// record. Entries without a vector rowid (unmatched OPTIONAL MATCH rows) are
// marked so scoring can skip them.
func collectChunks(record interface{ Get(string) (any, bool) }, key, entitiesKey string) []scoredChunk {
	raw, ok := record.Get(key)
	if !ok || raw == nil {
		return nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil
	}

	chunks := make([]scoredChunk, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		chunk := scoredChunk{
			ChunkID:     mapString(m, "chunk_id"),
			Text:        mapString(m, "text"),
			DocumentURL: mapString(m, "doc_url"),
			ChunkIndex:  mapInt(m, "chunk_index"),
		}
		if rowid, ok := m["vector_rowid"]; ok && rowid != nil {
			chunk.VectorRowID = anyInt(rowid)
			chunk.HasRowID = true
		}
		if rawEntities, ok := m[entitiesKey].([]any); ok {
			for _, e := range rawEntities {
				if s, ok := e.(string); ok {
					chunk.Entities = append(chunk.Entities, s)
				}
			}
		}
		chunks = append(chunks, chunk)
	}
	return chunks
}

// collectedLen counts the non-null entries of a collected list. The traversal
// emits a single all-null map when an OPTIONAL MATCH found nothing.
func collectedLen(record interface{ Get(string) (any, bool) }, key string) int {
	raw, ok := record.Get(key)
	if !ok || raw == nil {
		return 0
	}
	items, ok := raw.([]any)
	if !ok {
		return 0
	}
	n := 0
	for _, item := range items {
		if m, ok := item.(map[string]any); ok && m["entity"] != nil {
			n++
		}
	}
	return n
}

func mapString(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func mapInt(m map[string]any, key string) int64 {
	v, ok := m[key]
	if !ok || v == nil {
		return 0
	}
	return anyInt(v)
}

func anyInt(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}
