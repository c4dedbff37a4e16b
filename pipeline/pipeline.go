// Package pipeline orchestrates one document's journey: extraction, chunk
// mapping, then ordered idempotent persistence. Partial graph state after a
// failure is acceptable; every write is a merge, so client-driven re-ingest
// converges.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Rob-P-Smith/kgraph/chunkmap"
	"github.com/Rob-P-Smith/kgraph/graph"
	"github.com/Rob-P-Smith/kgraph/model"
)

var ingestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "kgraph_ingest_duration_seconds",
	Help:    "Wall-clock duration of document ingest, extraction included.",
	Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
})

// EntityExtractor produces entities from raw text (the NER path).
type EntityExtractor interface {
	Extract(ctx context.Context, text string, threshold float64) ([]model.Entity, error)
}

// RelationExtractor produces relationships over a fixed entity set.
type RelationExtractor interface {
	ExtractRelationships(ctx context.Context, text string, entities []model.Entity) ([]model.Relationship, error)
}

// KGExtractor produces entities and relationships in a single pass.
type KGExtractor interface {
	ExtractKG(ctx context.Context, text string) ([]model.Entity, []model.Relationship, error)
}

// GraphStore is the persistence surface the pipeline needs.
type GraphStore interface {
	UpsertDocument(ctx context.Context, contentID int64, url, title string) (string, error)
	UpsertChunk(ctx context.Context, documentNodeID string, chunk model.ChunkRange) (string, error)
	UpsertEntity(ctx context.Context, entity model.Entity) (string, error)
	LinkMention(ctx context.Context, entityNodeID, chunkNodeID string, appearance model.ChunkAppearance, entity model.Entity) error
	UpsertRelationship(ctx context.Context, rel model.Relationship) error
	RecordCoOccurrence(ctx context.Context, entity1, entity2 string, chunkRowID int64) error
}

// SchemaInitializer prepares constraints and indexes before first use.
type SchemaInitializer interface {
	Initialize(ctx context.Context) graph.SchemaResult
}

// Config selects the extraction branch and optional behaviors.
type Config struct {
	// UseNER routes extraction through the NER model followed by a
	// relationship-only LLM pass. Off means unified single-pass extraction.
	UseNER bool `json:"use_ner"`

	// NERThreshold overrides the NER confidence floor; <= 0 keeps the
	// extractor's default.
	NERThreshold float64 `json:"ner_threshold"`

	// EnableCoOccurrence persists pairwise CO_OCCURS_WITH edges per chunk.
	// Off by default: the write amplification is quadratic in entities per
	// chunk and enhanced search derives co-occurrence from mentions anyway.
	EnableCoOccurrence bool `json:"enable_co_occurrence"`
}

// Pipeline drives extraction, mapping and persistence for one document at a
// time per call. Safe for concurrent use.
type Pipeline struct {
	cfg       Config
	entities  EntityExtractor
	relations RelationExtractor
	unified   KGExtractor
	mapper    *chunkmap.Mapper
	store     GraphStore
	schema    SchemaInitializer

	initMu      sync.Mutex
	initialized bool

	statsMu sync.Mutex
	stats   statsCounters
}

type statsCounters struct {
	processed       int64
	entities        int64
	relationships   int64
	processingMsSum float64
	failed          int64
	lastProcessedAt time.Time
}

// New creates a Pipeline. The NER pair (entities, relations) may be nil when
// cfg.UseNER is false; unified may be nil when it is true.
func New(
	cfg Config,
	entities EntityExtractor,
	relations RelationExtractor,
	unified KGExtractor,
	store GraphStore,
	schema SchemaInitializer,
) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		entities:  entities,
		relations: relations,
		unified:   unified,
		mapper:    chunkmap.New(),
		store:     store,
		schema:    schema,
	}
}

// Request is one document to ingest, already chunked upstream.
type Request struct {
	ContentID int64
	URL       string
	Title     string
	Markdown  string
	Chunks    []model.ChunkRange
	Metadata  map[string]any
}

// EntityDetail is the per-entity section of the ingest result.
type EntityDetail struct {
	Text                string                  `json:"text"`
	Normalized          string                  `json:"normalized"`
	TypePrimary         string                  `json:"type_primary"`
	TypeSub1            string                  `json:"type_sub1,omitempty"`
	TypeSub2            string                  `json:"type_sub2,omitempty"`
	TypeSub3            string                  `json:"type_sub3,omitempty"`
	TypeFull            string                  `json:"type_full"`
	Confidence          float64                 `json:"confidence"`
	ContextBefore       string                  `json:"context_before"`
	ContextAfter        string                  `json:"context_after"`
	Sentence            string                  `json:"sentence"`
	ChunkAppearances    []model.ChunkAppearance `json:"chunk_appearances"`
	SpansMultipleChunks bool                    `json:"spans_multiple_chunks"`
}

// RelationshipDetail is the per-relationship section of the ingest result.
type RelationshipDetail struct {
	SubjectText       string  `json:"subject_text"`
	SubjectNormalized string  `json:"subject_normalized"`
	Predicate         string  `json:"predicate"`
	ObjectText        string  `json:"object_text"`
	ObjectNormalized  string  `json:"object_normalized"`
	Confidence        float64 `json:"confidence"`
	Context           string  `json:"context"`
	SpansChunks       bool    `json:"spans_chunks"`
	ChunkRowIDs       []int64 `json:"chunk_rowids"`
}

// Result is the structured outcome of processing one document.
type Result struct {
	ContentID              int64                `json:"content_id"`
	DocumentNodeID         string               `json:"neo4j_document_id"`
	EntitiesExtracted      int                  `json:"entities_extracted"`
	RelationshipsExtracted int                  `json:"relationships_extracted"`
	ProcessingTimeMs       float64              `json:"processing_time_ms"`
	Entities               []EntityDetail       `json:"entities"`
	Relationships          []RelationshipDetail `json:"relationships"`
	Summary                chunkmap.Summary     `json:"summary"`
}

// ensureInitialized runs schema setup exactly once per process.
func (p *Pipeline) ensureInitialized(ctx context.Context) {
	p.initMu.Lock()
	defer p.initMu.Unlock()
	if p.initialized {
		return
	}
	result := p.schema.Initialize(ctx)
	slog.Info("pipeline: schema ready",
		"constraints", result.ConstraintsCreated,
		"indexes", result.IndexesCreated,
	)
	p.initialized = true
}

// Process runs the full pipeline for one document. Extraction failures that
// are not cancellations yield an empty graph rather than an error; storage
// failures propagate and count as failed.
func (p *Pipeline) Process(ctx context.Context, req Request) (*Result, error) {
	p.ensureInitialized(ctx)

	started := time.Now()
	slog.Info("pipeline: processing document",
		"content_id", req.ContentID,
		"url", req.URL,
		"markdown_chars", len(req.Markdown),
		"chunks", len(req.Chunks),
	)

	result, err := p.process(ctx, req)
	elapsed := time.Since(started)
	ingestDuration.Observe(elapsed.Seconds())

	if err != nil {
		p.recordFailure()
		return nil, err
	}

	result.ProcessingTimeMs = math.Round(float64(elapsed.Microseconds())/1000*100) / 100
	p.recordSuccess(result)

	slog.Info("pipeline: processing complete",
		"content_id", req.ContentID,
		"entities", result.EntitiesExtracted,
		"relationships", result.RelationshipsExtracted,
		"elapsed_ms", result.ProcessingTimeMs,
	)
	return result, nil
}

func (p *Pipeline) process(ctx context.Context, req Request) (*Result, error) {
	var (
		entities      []model.Entity
		relationships []model.Relationship
		err           error
	)

	if p.cfg.UseNER {
		entities, err = p.entities.Extract(ctx, req.Markdown, p.cfg.NERThreshold)
		if err != nil {
			return nil, fmt.Errorf("pipeline: entity extraction: %w", err)
		}
		slog.Info("pipeline: ner entities extracted", "entities", len(entities))

		relationships, err = p.relations.ExtractRelationships(ctx, req.Markdown, entities)
		if err != nil {
			return nil, fmt.Errorf("pipeline: relationship extraction: %w", err)
		}
		slog.Info("pipeline: relationships extracted", "relationships", len(relationships))
	} else {
		entities, relationships, err = p.unified.ExtractKG(ctx, req.Markdown)
		if err != nil {
			return nil, fmt.Errorf("pipeline: unified extraction: %w", err)
		}
		slog.Info("pipeline: unified extraction complete",
			"entities", len(entities),
			"relationships", len(relationships),
		)
	}

	mappedEntities := p.mapper.MapEntities(entities, req.Chunks)
	mappedRelationships := p.mapper.MapRelationships(relationships, mappedEntities, req.Chunks)

	docNodeID, err := p.persist(ctx, req, mappedEntities, mappedRelationships)
	if err != nil {
		return nil, err
	}

	return &Result{
		ContentID:              req.ContentID,
		DocumentNodeID:         docNodeID,
		EntitiesExtracted:      len(mappedEntities),
		RelationshipsExtracted: len(mappedRelationships),
		Entities:               formatEntities(mappedEntities),
		Relationships:          formatRelationships(mappedRelationships),
		Summary:                p.mapper.Summarize(mappedEntities, mappedRelationships, req.Chunks),
	}, nil
}

// persist writes the document graph in dependency order: Document, Chunks,
// Entities with their mention edges, then Relationships.
func (p *Pipeline) persist(
	ctx context.Context,
	req Request,
	entities []model.MappedEntity,
	relationships []model.MappedRelationship,
) (string, error) {
	docNodeID, err := p.store.UpsertDocument(ctx, req.ContentID, req.URL, req.Title)
	if err != nil {
		return "", fmt.Errorf("pipeline: store document: %w", err)
	}

	chunkNodes := make(map[int64]string, len(req.Chunks))
	for _, chunk := range req.Chunks {
		nodeID, err := p.store.UpsertChunk(ctx, docNodeID, chunk)
		if err != nil {
			return "", fmt.Errorf("pipeline: store chunk %d: %w", chunk.VectorRowID, err)
		}
		chunkNodes[chunk.VectorRowID] = nodeID
	}

	entityNodes := make(map[string]string, len(entities))
	for _, entity := range entities {
		nodeID, err := p.store.UpsertEntity(ctx, entity.Entity)
		if err != nil {
			return "", fmt.Errorf("pipeline: store entity %q: %w", entity.Normalized, err)
		}
		entityNodes[entity.Normalized] = nodeID

		for _, appearance := range entity.Appearances {
			chunkNodeID, ok := chunkNodes[appearance.VectorRowID]
			if !ok {
				continue
			}
			if err := p.store.LinkMention(ctx, nodeID, chunkNodeID, appearance, entity.Entity); err != nil {
				return "", fmt.Errorf("pipeline: link mention %q: %w", entity.Normalized, err)
			}
		}
	}

	for _, rel := range relationships {
		if err := p.store.UpsertRelationship(ctx, rel.Relationship); err != nil {
			return "", fmt.Errorf("pipeline: store relationship: %w", err)
		}
	}

	if p.cfg.EnableCoOccurrence {
		if err := p.persistCoOccurrences(ctx, entities); err != nil {
			return "", err
		}
	}

	slog.Info("pipeline: graph storage complete",
		"document", docNodeID,
		"chunks", len(chunkNodes),
		"entities", len(entityNodes),
		"relationships", len(relationships),
	)
	return docNodeID, nil
}

// persistCoOccurrences writes pairwise co-occurrence edges per chunk.
func (p *Pipeline) persistCoOccurrences(ctx context.Context, entities []model.MappedEntity) error {
	chunkEntities := make(map[int64][]string)
	var order []int64
	for _, entity := range entities {
		for _, appearance := range entity.Appearances {
			rowid := appearance.VectorRowID
			if _, ok := chunkEntities[rowid]; !ok {
				order = append(order, rowid)
			}
			chunkEntities[rowid] = append(chunkEntities[rowid], entity.Normalized)
		}
	}

	for _, rowid := range order {
		names := chunkEntities[rowid]
		if len(names) < 2 {
			continue
		}
		for i, first := range names {
			for _, second := range names[i+1:] {
				if err := p.store.RecordCoOccurrence(ctx, first, second, rowid); err != nil {
					return fmt.Errorf("pipeline: co-occurrence: %w", err)
				}
			}
		}
	}
	return nil
}

func formatEntities(entities []model.MappedEntity) []EntityDetail {
	out := make([]EntityDetail, 0, len(entities))
	for _, e := range entities {
		appearances := e.Appearances
		if appearances == nil {
			appearances = []model.ChunkAppearance{}
		}
		out = append(out, EntityDetail{
			Text:                e.Text,
			Normalized:          e.Normalized,
			TypePrimary:         e.Type.Primary,
			TypeSub1:            e.Type.Sub1,
			TypeSub2:            e.Type.Sub2,
			TypeSub3:            e.Type.Sub3,
			TypeFull:            e.TypeFull,
			Confidence:          e.Confidence,
			ContextBefore:       e.ContextBefore,
			ContextAfter:        e.ContextAfter,
			Sentence:            e.Sentence,
			ChunkAppearances:    appearances,
			SpansMultipleChunks: e.SpansMultipleChunks,
		})
	}
	return out
}

func formatRelationships(relationships []model.MappedRelationship) []RelationshipDetail {
	out := make([]RelationshipDetail, 0, len(relationships))
	for _, r := range relationships {
		rowids := r.ChunkRowIDs
		if rowids == nil {
			rowids = []int64{}
		}
		out = append(out, RelationshipDetail{
			SubjectText:       r.SubjectText,
			SubjectNormalized: r.SubjectNormalized,
			Predicate:         r.Predicate,
			ObjectText:        r.ObjectText,
			ObjectNormalized:  r.ObjectNormalized,
			Confidence:        r.Confidence,
			Context:           r.Context,
			SpansChunks:       r.SpansChunks,
			ChunkRowIDs:       rowids,
		})
	}
	return out
}

// ServiceStats are the lifetime counters behind GET /stats.
type ServiceStats struct {
	TotalDocumentsProcessed int64      `json:"total_documents_processed"`
	TotalEntitiesExtracted  int64      `json:"total_entities_extracted"`
	TotalRelationships      int64      `json:"total_relationships_extracted"`
	AvgProcessingTimeMs     float64    `json:"avg_processing_time_ms"`
	LastProcessedAt         *time.Time `json:"last_processed_at"`
	QueueSize               int        `json:"queue_size"`
	FailedCount             int64      `json:"failed_count"`
}

// Stats snapshots the lifetime counters.
func (p *Pipeline) Stats() ServiceStats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	stats := ServiceStats{
		TotalDocumentsProcessed: p.stats.processed,
		TotalEntitiesExtracted:  p.stats.entities,
		TotalRelationships:      p.stats.relationships,
		FailedCount:             p.stats.failed,
	}
	if p.stats.processed > 0 {
		stats.AvgProcessingTimeMs = p.stats.processingMsSum / float64(p.stats.processed)
	}
	if !p.stats.lastProcessedAt.IsZero() {
		t := p.stats.lastProcessedAt
		stats.LastProcessedAt = &t
	}
	return stats
}

func (p *Pipeline) recordSuccess(result *Result) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	p.stats.processed++
	p.stats.entities += int64(result.EntitiesExtracted)
	p.stats.relationships += int64(result.RelationshipsExtracted)
	p.stats.processingMsSum += result.ProcessingTimeMs
	p.stats.lastProcessedAt = time.Now().UTC()
}

func (p *Pipeline) recordFailure() {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	p.stats.failed++
}
