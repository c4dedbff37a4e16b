// Package graph persists the knowledge graph in Neo4j: Document, Chunk and
// Entity nodes, structural HAS_CHUNK and MENTIONED_IN edges, and dynamic
// semantic relationships between entities. Entity nodes are merged on their
// normalized name, so repeated mentions aggregate into running-average
// confidence and a mention count.
package graph

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/config"

	"github.com/Rob-P-Smith/kgraph/model"
)

const (
	textPreviewMax = 200
	mentionCtxMax  = 100
	sentenceMax    = 500
	relContextMax  = 500
)

// relTypeRe guards the dynamic relationship label interpolated into Cypher.
// Predicates arrive as lowercase snake_case; anything else is rejected.
var relTypeRe = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// Config holds Neo4j connection settings.
type Config struct {
	URI                   string        `json:"uri"`
	User                  string        `json:"user"`
	Password              string        `json:"-"`
	Database              string        `json:"database"`
	MaxConnectionPoolSize int           `json:"max_connection_pool_size"`
	MaxConnectionLifetime time.Duration `json:"max_connection_lifetime"`
	ConnectionTimeout     time.Duration `json:"connection_timeout"`
}

// DefaultConfig returns connection settings for a local Neo4j instance.
func DefaultConfig() Config {
	return Config{
		URI:                   "bolt://localhost:7687",
		User:                  "neo4j",
		Password:              "password",
		Database:              "neo4j",
		MaxConnectionPoolSize: 50,
		MaxConnectionLifetime: time.Hour,
		ConnectionTimeout:     30 * time.Second,
	}
}

// Store is the Neo4j-backed graph store.
type Store struct {
	driver   neo4j.DriverWithContext
	database string
	uri      string
}

// Connect creates a driver and verifies connectivity before returning.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	driver, err := neo4j.NewDriverWithContext(
		cfg.URI,
		neo4j.BasicAuth(cfg.User, cfg.Password, ""),
		func(c *config.Config) {
			c.MaxConnectionPoolSize = cfg.MaxConnectionPoolSize
			c.MaxConnectionLifetime = cfg.MaxConnectionLifetime
			c.SocketConnectTimeout = cfg.ConnectionTimeout
		},
	)
	if err != nil {
		return nil, fmt.Errorf("graph: create driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("graph: verify connectivity to %s: %w", cfg.URI, err)
	}

	slog.Info("graph: connected to neo4j", "uri", cfg.URI, "database", cfg.Database)
	return &Store{driver: driver, database: cfg.Database, uri: cfg.URI}, nil
}

// Close releases the driver and its connection pool.
func (s *Store) Close(ctx context.Context) error {
	err := s.driver.Close(ctx)
	slog.Info("graph: neo4j connection closed")
	return err
}

// Health describes connection state for the health endpoint.
type Health struct {
	Status   string `json:"status"`
	URI      string `json:"uri,omitempty"`
	Database string `json:"database,omitempty"`
	Message  string `json:"message,omitempty"`
}

// HealthCheck runs a trivial query against the configured database.
func (s *Store) HealthCheck(ctx context.Context) Health {
	_, err := s.runSingle(ctx, "RETURN 1 AS health", nil)
	if err != nil {
		return Health{Status: "error", Message: err.Error()}
	}
	return Health{Status: "connected", URI: s.uri, Database: s.database}
}

// UpsertDocument creates or updates a Document node keyed by content_id and
// returns its element id.
func (s *Store) UpsertDocument(ctx context.Context, contentID int64, url, title string) (string, error) {
	record, err := s.runSingle(ctx, `
		MERGE (d:Document {content_id: $content_id})
		SET d.url = $url,
		    d.title = $title,
		    d.created_at = COALESCE(d.created_at, datetime()),
		    d.updated_at = datetime()
		RETURN elementId(d) AS node_id`,
		map[string]any{
			"content_id": contentID,
			"url":        url,
			"title":      title,
		})
	if err != nil {
		return "", fmt.Errorf("graph: upsert document %d: %w", contentID, err)
	}
	return recordString(record, "node_id"), nil
}

// UpsertChunk creates or updates a Chunk node keyed by vector_rowid, links it
// to its parent Document, and returns its element id. Only a preview of the
// chunk text is stored; the full text lives in the vector store.
func (s *Store) UpsertChunk(ctx context.Context, documentNodeID string, chunk model.ChunkRange) (string, error) {
	record, err := s.runSingle(ctx, `
		MATCH (d:Document)
		WHERE elementId(d) = $doc_id
		MERGE (c:Chunk {vector_rowid: $vector_rowid})
		SET c.chunk_index = $chunk_index,
		    c.char_start = $char_start,
		    c.char_end = $char_end,
		    c.text_preview = $text_preview,
		    c.created_at = COALESCE(c.created_at, datetime())
		MERGE (d)-[:HAS_CHUNK]->(c)
		RETURN elementId(c) AS node_id`,
		map[string]any{
			"doc_id":       documentNodeID,
			"vector_rowid": chunk.VectorRowID,
			"chunk_index":  chunk.ChunkIndex,
			"char_start":   chunk.CharStart,
			"char_end":     chunk.CharEnd,
			"text_preview": truncate(chunk.Text, textPreviewMax),
		})
	if err != nil {
		return "", fmt.Errorf("graph: upsert chunk %d: %w", chunk.VectorRowID, err)
	}
	return recordString(record, "node_id"), nil
}

// UpsertEntity creates or updates an Entity node keyed by its normalized
// name. On a repeat mention the running-average confidence and the mention
// count are updated; the original surface text and type are kept.
func (s *Store) UpsertEntity(ctx context.Context, entity model.Entity) (string, error) {
	record, err := s.runSingle(ctx, `
		MERGE (e:Entity {normalized: $normalized})
		ON CREATE SET
		    e.text = $text,
		    e.type_primary = $type_primary,
		    e.type_sub1 = $type_sub1,
		    e.type_sub2 = $type_sub2,
		    e.type_sub3 = $type_sub3,
		    e.type_full = $type_full,
		    e.created_at = datetime(),
		    e.mention_count = 1,
		    e.avg_confidence = $confidence
		ON MATCH SET
		    e.mention_count = e.mention_count + 1,
		    e.avg_confidence = (e.avg_confidence * (e.mention_count - 1) + $confidence) / e.mention_count,
		    e.updated_at = datetime()
		RETURN elementId(e) AS node_id`,
		map[string]any{
			"normalized":   entity.Normalized,
			"text":         entity.Text,
			"type_primary": entity.Type.Primary,
			"type_sub1":    nullable(entity.Type.Sub1),
			"type_sub2":    nullable(entity.Type.Sub2),
			"type_sub3":    nullable(entity.Type.Sub3),
			"type_full":    entity.TypeFull,
			"confidence":   entity.Confidence,
		})
	if err != nil {
		return "", fmt.Errorf("graph: upsert entity %q: %w", entity.Normalized, err)
	}
	return recordString(record, "node_id"), nil
}

// LinkMention creates or refreshes the MENTIONED_IN edge from an entity to a
// chunk, carrying the chunk-local offsets and the mention context.
func (s *Store) LinkMention(
	ctx context.Context,
	entityNodeID, chunkNodeID string,
	appearance model.ChunkAppearance,
	entity model.Entity,
) error {
	_, err := s.run(ctx, `
		MATCH (e:Entity) WHERE elementId(e) = $entity_id
		MATCH (c:Chunk) WHERE elementId(c) = $chunk_id
		MERGE (e)-[m:MENTIONED_IN]->(c)
		SET m.offset_start = $offset_start,
		    m.offset_end = $offset_end,
		    m.confidence = $confidence,
		    m.context_before = $context_before,
		    m.context_after = $context_after,
		    m.sentence = $sentence,
		    m.created_at = COALESCE(m.created_at, datetime())`,
		map[string]any{
			"entity_id":      entityNodeID,
			"chunk_id":       chunkNodeID,
			"offset_start":   appearance.OffsetStart,
			"offset_end":     appearance.OffsetEnd,
			"confidence":     entity.Confidence,
			"context_before": truncate(entity.ContextBefore, mentionCtxMax),
			"context_after":  truncate(entity.ContextAfter, mentionCtxMax),
			"sentence":       truncate(entity.Sentence, sentenceMax),
		})
	if err != nil {
		return fmt.Errorf("graph: link mention %q: %w", entity.Normalized, err)
	}
	return nil
}

// UpsertRelationship creates or updates a semantic edge between two entities.
// The predicate becomes the relationship type; repeat observations blend
// confidence and increment the occurrence count.
func (s *Store) UpsertRelationship(ctx context.Context, rel model.Relationship) error {
	relType := strings.ReplaceAll(strings.ToUpper(rel.Predicate), " ", "_")
	if !relTypeRe.MatchString(relType) {
		return fmt.Errorf("graph: invalid relationship type %q", relType)
	}

	// Relationship types cannot be parameterized in Cypher, hence the
	// validated interpolation.
	query := fmt.Sprintf(`
		MATCH (s:Entity {normalized: $subject})
		MATCH (o:Entity {normalized: $object})
		MERGE (s)-[r:%s]->(o)
		ON CREATE SET
		    r.confidence = $confidence,
		    r.context = $context,
		    r.created_at = datetime(),
		    r.occurrence_count = 1
		ON MATCH SET
		    r.confidence = (r.confidence * (r.occurrence_count) + $confidence) / (r.occurrence_count + 1),
		    r.occurrence_count = r.occurrence_count + 1,
		    r.updated_at = datetime()`, relType)

	_, err := s.run(ctx, query, map[string]any{
		"subject":    rel.SubjectNormalized,
		"object":     rel.ObjectNormalized,
		"confidence": rel.Confidence,
		"context":    truncate(rel.Context, relContextMax),
	})
	if err != nil {
		return fmt.Errorf("graph: upsert relationship %s-%s->%s: %w",
			rel.SubjectNormalized, relType, rel.ObjectNormalized, err)
	}
	return nil
}

// RecordCoOccurrence tracks that two entities appeared in the same chunk. The
// pair is stored in lexicographic order so the edge direction is stable.
func (s *Store) RecordCoOccurrence(ctx context.Context, entity1, entity2 string, chunkRowID int64) error {
	if entity1 > entity2 {
		entity1, entity2 = entity2, entity1
	}

	_, err := s.run(ctx, `
		MATCH (e1:Entity {normalized: $entity1})
		MATCH (e2:Entity {normalized: $entity2})
		WHERE e1.normalized < e2.normalized
		MERGE (e1)-[co:CO_OCCURS_WITH]->(e2)
		ON CREATE SET
		    co.count = 1,
		    co.chunk_rowids = [$chunk_rowid],
		    co.created_at = datetime()
		ON MATCH SET
		    co.count = co.count + 1,
		    co.chunk_rowids = co.chunk_rowids + $chunk_rowid,
		    co.updated_at = datetime()`,
		map[string]any{
			"entity1":     entity1,
			"entity2":     entity2,
			"chunk_rowid": chunkRowID,
		})
	if err != nil {
		return fmt.Errorf("graph: record co-occurrence: %w", err)
	}
	return nil
}

// DocumentStats summarizes a stored document.
type DocumentStats struct {
	DocID       string `json:"doc_id"`
	URL         string `json:"url"`
	Title       string `json:"title"`
	ChunkCount  int64  `json:"chunk_count"`
	EntityCount int64  `json:"entity_count"`
}

// DocumentStats returns chunk and entity counts for a document, or nil when
// the document does not exist.
func (s *Store) DocumentStats(ctx context.Context, contentID int64) (*DocumentStats, error) {
	record, err := s.runSingle(ctx, `
		MATCH (d:Document {content_id: $content_id})
		OPTIONAL MATCH (d)-[:HAS_CHUNK]->(c:Chunk)
		OPTIONAL MATCH (e:Entity)-[:MENTIONED_IN]->(c)
		RETURN
		    elementId(d) AS doc_id,
		    d.url AS url,
		    d.title AS title,
		    COUNT(DISTINCT c) AS chunk_count,
		    COUNT(DISTINCT e) AS entity_count`,
		map[string]any{"content_id": contentID})
	if err != nil {
		return nil, fmt.Errorf("graph: document stats %d: %w", contentID, err)
	}
	if record == nil {
		return nil, nil
	}
	return &DocumentStats{
		DocID:       recordString(record, "doc_id"),
		URL:         recordString(record, "url"),
		Title:       recordString(record, "title"),
		ChunkCount:  recordInt(record, "chunk_count"),
		EntityCount: recordInt(record, "entity_count"),
	}, nil
}

// run executes a write-or-read query in a fresh session and collects every
// record before the session closes.
func (s *Store) run(ctx context.Context, cypher string, params map[string]any) ([]*neo4j.Record, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.database})
	defer session.Close(ctx)

	result, err := session.Run(ctx, cypher, params)
	if err != nil {
		return nil, err
	}
	return result.Collect(ctx)
}

// runSingle executes a query expected to yield at most one record. A missing
// record is returned as nil without error.
func (s *Store) runSingle(ctx context.Context, cypher string, params map[string]any) (*neo4j.Record, error) {
	records, err := s.run(ctx, cypher, params)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[0], nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func recordString(record *neo4j.Record, key string) string {
	if record == nil {
		return ""
	}
	v, ok := record.Get(key)
	if !ok || v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

func recordInt(record *neo4j.Record, key string) int64 {
	if record == nil {
		return 0
	}
	v, ok := record.Get(key)
	if !ok || v == nil {
		return 0
	}
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

func recordFloat(record *neo4j.Record, key string) float64 {
	if record == nil {
		return 0
	}
	v, ok := record.Get(key)
	if !ok || v == nil {
		return 0
	}
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	default:
		return 0
	}
}

func recordStrings(record *neo4j.Record, key string) []string {
	if record == nil {
		return nil
	}
	v, ok := record.Get(key)
	if !ok || v == nil {
		return nil
	}
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
