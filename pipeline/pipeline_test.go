package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rob-P-Smith/kgraph/graph"
	"github.com/Rob-P-Smith/kgraph/model"
)

type fakeUnified struct {
	entities      []model.Entity
	relationships []model.Relationship
	err           error
	calls         int
}

func (f *fakeUnified) ExtractKG(ctx context.Context, text string) ([]model.Entity, []model.Relationship, error) {
	f.calls++
	return f.entities, f.relationships, f.err
}

type fakeNER struct {
	entities []model.Entity
	calls    int
}

func (f *fakeNER) Extract(ctx context.Context, text string, threshold float64) ([]model.Entity, error) {
	f.calls++
	return f.entities, nil
}

type fakeRelations struct {
	relationships []model.Relationship
	calls         int
}

func (f *fakeRelations) ExtractRelationships(ctx context.Context, text string, entities []model.Entity) ([]model.Relationship, error) {
	f.calls++
	return f.relationships, nil
}

// fakeStore records every write in order.
type fakeStore struct {
	ops           []string
	failEntity    bool
	coOccurrences int
}

func (f *fakeStore) UpsertDocument(ctx context.Context, contentID int64, url, title string) (string, error) {
	f.ops = append(f.ops, "document")
	return "doc-node-1", nil
}

func (f *fakeStore) UpsertChunk(ctx context.Context, documentNodeID string, chunk model.ChunkRange) (string, error) {
	f.ops = append(f.ops, "chunk")
	return "chunk-node", nil
}

func (f *fakeStore) UpsertEntity(ctx context.Context, entity model.Entity) (string, error) {
	if f.failEntity {
		return "", errors.New("entity write refused")
	}
	f.ops = append(f.ops, "entity")
	return "entity-node", nil
}

func (f *fakeStore) LinkMention(ctx context.Context, entityNodeID, chunkNodeID string, appearance model.ChunkAppearance, entity model.Entity) error {
	f.ops = append(f.ops, "mention")
	return nil
}

func (f *fakeStore) UpsertRelationship(ctx context.Context, rel model.Relationship) error {
	f.ops = append(f.ops, "relationship")
	return nil
}

func (f *fakeStore) RecordCoOccurrence(ctx context.Context, entity1, entity2 string, chunkRowID int64) error {
	f.ops = append(f.ops, "cooccurrence")
	f.coOccurrences++
	return nil
}

type fakeSchema struct {
	calls int
}

func (f *fakeSchema) Initialize(ctx context.Context) graph.SchemaResult {
	f.calls++
	return graph.SchemaResult{ConstraintsCreated: 3, IndexesCreated: 5}
}

func testRequest() Request {
	markdown := "Apache Kafka streams events into Elasticsearch for indexing."
	return Request{
		ContentID: 42,
		URL:       "https://example.com/doc",
		Title:     "Doc",
		Markdown:  markdown,
		Chunks: []model.ChunkRange{
			{VectorRowID: 900, ChunkIndex: 0, CharStart: 0, CharEnd: len(markdown), Text: markdown},
		},
	}
}

func extracted() ([]model.Entity, []model.Relationship) {
	entities := []model.Entity{
		{Text: "Apache Kafka", Normalized: "apache kafka", TypeFull: "Platform",
			Type: model.TypeHierarchy{Primary: "Platform"}, Confidence: 0.9,
			Occurrences: []model.Span{{Start: 0, End: 12}}},
		{Text: "Elasticsearch", Normalized: "elasticsearch", TypeFull: "Database",
			Type: model.TypeHierarchy{Primary: "Database"}, Confidence: 0.85,
			Occurrences: []model.Span{{Start: 33, End: 46}}},
	}
	relationships := []model.Relationship{
		{SubjectText: "Apache Kafka", SubjectNormalized: "apache kafka",
			Predicate: "integrates_with",
			ObjectText: "Elasticsearch", ObjectNormalized: "elasticsearch",
			Confidence: 0.8},
	}
	return entities, relationships
}

func TestProcessUnified(t *testing.T) {
	entities, relationships := extracted()
	unified := &fakeUnified{entities: entities, relationships: relationships}
	store := &fakeStore{}
	schema := &fakeSchema{}

	p := New(Config{}, nil, nil, unified, store, schema)
	result, err := p.Process(context.Background(), testRequest())
	require.NoError(t, err)

	assert.Equal(t, 1, unified.calls)
	assert.Equal(t, int64(42), result.ContentID)
	assert.Equal(t, "doc-node-1", result.DocumentNodeID)
	assert.Equal(t, 2, result.EntitiesExtracted)
	assert.Equal(t, 1, result.RelationshipsExtracted)
	assert.Len(t, result.Entities, 2)
	assert.Len(t, result.Relationships, 1)
	assert.Equal(t, 1, result.Summary.TotalChunks)
	assert.GreaterOrEqual(t, result.ProcessingTimeMs, 0.0)

	// Both entities land in the single chunk.
	require.Len(t, result.Entities[0].ChunkAppearances, 1)
	assert.Equal(t, int64(900), result.Entities[0].ChunkAppearances[0].VectorRowID)
}

func TestProcessPersistOrder(t *testing.T) {
	entities, relationships := extracted()
	unified := &fakeUnified{entities: entities, relationships: relationships}
	store := &fakeStore{}

	p := New(Config{}, nil, nil, unified, store, &fakeSchema{})
	_, err := p.Process(context.Background(), testRequest())
	require.NoError(t, err)

	// Document first, then chunks, then entities interleaved with their
	// mention edges, relationships last.
	require.NotEmpty(t, store.ops)
	assert.Equal(t, "document", store.ops[0])
	assert.Equal(t, "chunk", store.ops[1])
	joined := strings.Join(store.ops, ",")
	assert.Equal(t, "document,chunk,entity,mention,entity,mention,relationship", joined)
}

func TestProcessNERBranch(t *testing.T) {
	entities, relationships := extracted()
	ner := &fakeNER{entities: entities}
	relations := &fakeRelations{relationships: relationships}
	unified := &fakeUnified{}
	store := &fakeStore{}

	p := New(Config{UseNER: true, NERThreshold: 0.4}, ner, relations, unified, store, &fakeSchema{})
	result, err := p.Process(context.Background(), testRequest())
	require.NoError(t, err)

	assert.Equal(t, 1, ner.calls)
	assert.Equal(t, 1, relations.calls)
	assert.Equal(t, 0, unified.calls, "unified extractor must not run on the NER branch")
	assert.Equal(t, 2, result.EntitiesExtracted)
}

func TestProcessSchemaInitializedOnce(t *testing.T) {
	unified := &fakeUnified{}
	schema := &fakeSchema{}

	p := New(Config{}, nil, nil, unified, &fakeStore{}, schema)
	for i := 0; i < 3; i++ {
		_, err := p.Process(context.Background(), testRequest())
		require.NoError(t, err)
	}
	assert.Equal(t, 1, schema.calls)
}

func TestProcessStorageFailurePropagates(t *testing.T) {
	entities, relationships := extracted()
	unified := &fakeUnified{entities: entities, relationships: relationships}
	store := &fakeStore{failEntity: true}

	p := New(Config{}, nil, nil, unified, store, &fakeSchema{})
	_, err := p.Process(context.Background(), testRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store entity")

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.FailedCount)
	assert.Equal(t, int64(0), stats.TotalDocumentsProcessed)
}

func TestProcessExtractionCancellation(t *testing.T) {
	unified := &fakeUnified{err: context.Canceled}
	p := New(Config{}, nil, nil, unified, &fakeStore{}, &fakeSchema{})

	_, err := p.Process(context.Background(), testRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProcessCoOccurrence(t *testing.T) {
	entities, relationships := extracted()
	unified := &fakeUnified{entities: entities, relationships: relationships}

	// Disabled by default.
	store := &fakeStore{}
	p := New(Config{}, nil, nil, unified, store, &fakeSchema{})
	_, err := p.Process(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, 0, store.coOccurrences)

	// Enabled: one pair in one shared chunk.
	store = &fakeStore{}
	p = New(Config{EnableCoOccurrence: true}, nil, nil, unified, store, &fakeSchema{})
	_, err = p.Process(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, 1, store.coOccurrences)
}

func TestStats(t *testing.T) {
	entities, relationships := extracted()
	unified := &fakeUnified{entities: entities, relationships: relationships}
	p := New(Config{}, nil, nil, unified, &fakeStore{}, &fakeSchema{})

	stats := p.Stats()
	assert.Equal(t, int64(0), stats.TotalDocumentsProcessed)
	assert.Nil(t, stats.LastProcessedAt)

	for i := 0; i < 2; i++ {
		_, err := p.Process(context.Background(), testRequest())
		require.NoError(t, err)
	}

	stats = p.Stats()
	assert.Equal(t, int64(2), stats.TotalDocumentsProcessed)
	assert.Equal(t, int64(4), stats.TotalEntitiesExtracted)
	assert.Equal(t, int64(2), stats.TotalRelationships)
	assert.NotNil(t, stats.LastProcessedAt)
	assert.GreaterOrEqual(t, stats.AvgProcessingTimeMs, 0.0)
}

func TestProcessEmptyExtraction(t *testing.T) {
	unified := &fakeUnified{}
	store := &fakeStore{}
	p := New(Config{}, nil, nil, unified, store, &fakeSchema{})

	result, err := p.Process(context.Background(), testRequest())
	require.NoError(t, err)

	// Document and chunks persist even when extraction found nothing.
	assert.Equal(t, 0, result.EntitiesExtracted)
	assert.Equal(t, []string{"document", "chunk"}, store.ops)
	assert.NotNil(t, result.Entities)
	assert.NotNil(t, result.Relationships)
}
