package graph

import (
	"context"
	"fmt"
	"log/slog"
)

// Node labels and structural relationship types.
const (
	NodeDocument = "Document"
	NodeChunk    = "Chunk"
	NodeEntity   = "Entity"

	RelHasChunk    = "HAS_CHUNK"
	RelMentionedIn = "MENTIONED_IN"
	RelCoOccurs    = "CO_OCCURS_WITH"
)

// Schema manages constraints and indexes for the graph.
type Schema struct {
	store *Store
}

// NewSchema creates a schema manager over a connected store.
func NewSchema(store *Store) *Schema {
	return &Schema{store: store}
}

// SchemaResult reports what initialization managed to create. Individual
// failures are collected rather than aborting: a partially initialized schema
// still serves traffic.
type SchemaResult struct {
	ConstraintsCreated int      `json:"constraints_created"`
	IndexesCreated     int      `json:"indexes_created"`
	Errors             []string `json:"errors"`
}

var schemaConstraints = []struct {
	name  string
	query string
}{
	{"unique_document_content_id", `
		CREATE CONSTRAINT unique_document_content_id IF NOT EXISTS
		FOR (d:Document) REQUIRE d.content_id IS UNIQUE`},
	{"unique_chunk_rowid", `
		CREATE CONSTRAINT unique_chunk_rowid IF NOT EXISTS
		FOR (c:Chunk) REQUIRE c.vector_rowid IS UNIQUE`},
	{"unique_entity_normalized", `
		CREATE CONSTRAINT unique_entity_normalized IF NOT EXISTS
		FOR (e:Entity) REQUIRE e.normalized IS UNIQUE`},
}

var schemaIndexes = []struct {
	name  string
	query string
}{
	{"index_document_url", `
		CREATE INDEX index_document_url IF NOT EXISTS
		FOR (d:Document) ON (d.url)`},
	{"index_entity_type_primary", `
		CREATE INDEX index_entity_type_primary IF NOT EXISTS
		FOR (e:Entity) ON (e.type_primary)`},
	{"index_entity_type_full", `
		CREATE INDEX index_entity_type_full IF NOT EXISTS
		FOR (e:Entity) ON (e.type_full)`},
	{"index_entity_text", `
		CREATE INDEX index_entity_text IF NOT EXISTS
		FOR (e:Entity) ON (e.text)`},
	{"index_chunk_index", `
		CREATE INDEX index_chunk_index IF NOT EXISTS
		FOR (c:Chunk) ON (c.chunk_index)`},
}

// Initialize creates the uniqueness constraints and performance indexes.
// Safe to run on every startup; existing objects are skipped.
func (s *Schema) Initialize(ctx context.Context) SchemaResult {
	slog.Info("graph: initializing schema")
	result := SchemaResult{Errors: []string{}}

	for _, c := range schemaConstraints {
		if _, err := s.store.run(ctx, c.query, nil); err != nil {
			msg := fmt.Sprintf("failed to create constraint %s: %v", c.name, err)
			slog.Warn("graph: " + msg)
			result.Errors = append(result.Errors, msg)
			continue
		}
		result.ConstraintsCreated++
	}

	for _, idx := range schemaIndexes {
		if _, err := s.store.run(ctx, idx.query, nil); err != nil {
			msg := fmt.Sprintf("failed to create index %s: %v", idx.name, err)
			slog.Warn("graph: " + msg)
			result.Errors = append(result.Errors, msg)
			continue
		}
		result.IndexesCreated++
	}

	slog.Info("graph: schema initialization complete",
		"constraints", result.ConstraintsCreated,
		"indexes", result.IndexesCreated,
		"errors", len(result.Errors),
	)
	return result
}

// SchemaInfo snapshots the live schema: declared constraints and indexes plus
// node and relationship counts.
type SchemaInfo struct {
	Constraints        []map[string]any `json:"constraints"`
	Indexes            []map[string]any `json:"indexes"`
	NodeCounts         map[string]int64 `json:"node_counts"`
	RelationshipCounts map[string]int64 `json:"relationship_counts"`
}

// Info queries the current schema state.
func (s *Schema) Info(ctx context.Context) (*SchemaInfo, error) {
	info := &SchemaInfo{
		Constraints:        []map[string]any{},
		Indexes:            []map[string]any{},
		NodeCounts:         map[string]int64{},
		RelationshipCounts: map[string]int64{},
	}

	records, err := s.store.run(ctx, "SHOW CONSTRAINTS", nil)
	if err != nil {
		return nil, fmt.Errorf("graph: show constraints: %w", err)
	}
	for _, record := range records {
		info.Constraints = append(info.Constraints, map[string]any{
			"name":       recordString(record, "name"),
			"type":       recordString(record, "type"),
			"entityType": recordString(record, "entityType"),
		})
	}

	records, err = s.store.run(ctx, "SHOW INDEXES", nil)
	if err != nil {
		return nil, fmt.Errorf("graph: show indexes: %w", err)
	}
	for _, record := range records {
		info.Indexes = append(info.Indexes, map[string]any{
			"name":       recordString(record, "name"),
			"type":       recordString(record, "type"),
			"entityType": recordString(record, "entityType"),
			"properties": recordStrings(record, "properties"),
		})
	}

	for _, label := range []string{NodeDocument, NodeChunk, NodeEntity} {
		record, err := s.store.runSingle(ctx,
			fmt.Sprintf("MATCH (n:%s) RETURN count(n) AS count", label), nil)
		if err != nil {
			return nil, fmt.Errorf("graph: count %s nodes: %w", label, err)
		}
		info.NodeCounts[label] = recordInt(record, "count")
	}

	records, err = s.store.run(ctx, `
		MATCH ()-[r]->()
		RETURN type(r) AS rel_type, count(r) AS count
		ORDER BY count DESC`, nil)
	if err != nil {
		return nil, fmt.Errorf("graph: count relationships: %w", err)
	}
	for _, record := range records {
		info.RelationshipCounts[recordString(record, "rel_type")] = recordInt(record, "count")
	}

	return info, nil
}

// Validation reports integrity issues found in the stored graph.
type Validation struct {
	Valid  bool     `json:"valid"`
	Issues []string `json:"issues"`
}

// Validate checks for orphaned chunks and mention-less entities. Orphaned
// chunks mark the graph invalid; entities without mentions are reported but
// tolerated, normalization can legitimately produce them.
func (s *Schema) Validate(ctx context.Context) (*Validation, error) {
	validation := &Validation{Valid: true, Issues: []string{}}

	record, err := s.store.runSingle(ctx, `
		MATCH (c:Chunk)
		WHERE NOT EXISTS((c)<-[:HAS_CHUNK]-(:Document))
		RETURN count(c) AS orphaned_chunks`, nil)
	if err != nil {
		return nil, fmt.Errorf("graph: validate chunks: %w", err)
	}
	if orphaned := recordInt(record, "orphaned_chunks"); orphaned > 0 {
		validation.Valid = false
		validation.Issues = append(validation.Issues,
			fmt.Sprintf("Found %d orphaned chunks (no parent document)", orphaned))
	}

	record, err = s.store.runSingle(ctx, `
		MATCH (e:Entity)
		WHERE NOT EXISTS((e)-[:MENTIONED_IN]->(:Chunk))
		RETURN count(e) AS entities_without_mentions`, nil)
	if err != nil {
		return nil, fmt.Errorf("graph: validate entities: %w", err)
	}
	if unmentioned := recordInt(record, "entities_without_mentions"); unmentioned > 0 {
		validation.Issues = append(validation.Issues,
			fmt.Sprintf("Found %d entities with no chunk mentions (may be expected for entity normalization)", unmentioned))
	}

	return validation, nil
}

// ClearAll deletes every node and relationship. Destructive; intended for
// tests and rebuilds only.
func (s *Schema) ClearAll(ctx context.Context) (int64, error) {
	slog.Warn("graph: clearing all data")

	record, err := s.store.runSingle(ctx, `
		MATCH (n)
		DETACH DELETE n
		RETURN count(n) AS deleted`, nil)
	if err != nil {
		return 0, fmt.Errorf("graph: clear all: %w", err)
	}
	deleted := recordInt(record, "deleted")
	slog.Info("graph: cleared all data", "deleted", deleted)
	return deleted, nil
}
