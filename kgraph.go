// Package kgraph assembles the knowledge-graph extraction service: an LLM
// completion client, an optional NER sidecar, the unified extractor, the
// Neo4j graph store and the ingest pipeline, behind one lifecycle object.
package kgraph

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Rob-P-Smith/kgraph/extract"
	"github.com/Rob-P-Smith/kgraph/graph"
	"github.com/Rob-P-Smith/kgraph/llm"
	"github.com/Rob-P-Smith/kgraph/ner"
	"github.com/Rob-P-Smith/kgraph/pipeline"
	"github.com/Rob-P-Smith/kgraph/vecstore"
)

// Service wires together every component of the extraction service.
type Service struct {
	cfg Config

	LLM       *llm.Client
	NER       *ner.Client
	Extractor *extract.Extractor
	Relations *extract.RelationExtractor
	Store     *graph.Store
	Schema    *graph.Schema
	Pipeline  *pipeline.Pipeline

	// Vectors is nil when no vector database path is configured.
	Vectors *vecstore.Resolver

	startedAt time.Time
}

// New connects the graph store and builds the extraction stack. The graph
// store is required; the LLM and NER servers are probed lazily, so an
// unreachable model server degrades health rather than failing startup.
func New(ctx context.Context, cfg Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := graph.Connect(ctx, cfg.Graph)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGraphUnavailable, err)
	}

	svc := &Service{
		cfg:       cfg,
		LLM:       llm.New(cfg.LLM),
		Store:     store,
		Schema:    graph.NewSchema(store),
		startedAt: time.Now(),
	}

	svc.Extractor = extract.New(svc.LLM, cfg.Extractor)
	svc.Relations = extract.NewRelationExtractor(svc.LLM, cfg.Extractor.MinConfidence)

	if cfg.Pipeline.UseNER {
		nerClient, err := ner.New(cfg.NER)
		if err != nil {
			store.Close(ctx)
			return nil, err
		}
		svc.NER = nerClient
	}

	svc.Pipeline = pipeline.New(
		cfg.Pipeline,
		svc.NER,
		svc.Relations,
		svc.Extractor,
		store,
		svc.Schema,
	)

	if cfg.VectorDBPath != "" {
		resolver, err := vecstore.Open(cfg.VectorDBPath)
		if err != nil {
			// Hydration is an enrichment; the graph preview still serves.
			slog.Warn("kgraph: vector database unavailable, chunk text hydration disabled",
				"path", cfg.VectorDBPath,
				"error", err,
			)
		} else {
			svc.Vectors = resolver
		}
	}

	slog.Info("kgraph: service assembled",
		"graph_uri", cfg.Graph.URI,
		"llm_url", cfg.LLM.BaseURL,
		"use_ner", cfg.Pipeline.UseNER,
		"co_occurrence", cfg.Pipeline.EnableCoOccurrence,
	)
	return svc, nil
}

// Config returns the configuration the service was built with.
func (s *Service) Config() Config { return s.cfg }

// Uptime reports time since New.
func (s *Service) Uptime() time.Duration { return time.Since(s.startedAt) }

// Close releases every held connection.
func (s *Service) Close(ctx context.Context) error {
	s.LLM.Close()
	if s.Vectors != nil {
		if err := s.Vectors.Close(); err != nil {
			slog.Warn("kgraph: closing vector database", "error", err)
		}
	}
	return s.Store.Close(ctx)
}

// ServiceHealth is the per-dependency section of a health report.
type ServiceHealth struct {
	GraphStore string `json:"graph_store"`
	LLM        string `json:"llm"`
	NER        string `json:"ner,omitempty"`
}

// HealthReport aggregates dependency health. Status is healthy when every
// dependency responds, degraded when an optional one is down, unhealthy when
// the graph store is unreachable.
type HealthReport struct {
	Status     string        `json:"status"`
	Service    string        `json:"service"`
	Version    string        `json:"version"`
	UptimeSecs float64       `json:"uptime_seconds"`
	Services   ServiceHealth `json:"services"`
}

// Health probes every dependency and folds the results into one status.
func (s *Service) Health(ctx context.Context) HealthReport {
	report := HealthReport{
		Service:    ServiceName,
		Version:    ServiceVersion,
		UptimeSecs: s.Uptime().Seconds(),
	}

	graphHealthy := false
	gh := s.Store.HealthCheck(ctx)
	if gh.Status == "connected" {
		report.Services.GraphStore = "connected"
		graphHealthy = true
	} else {
		report.Services.GraphStore = fmt.Sprintf("error: %s", gh.Message)
	}

	llmHealthy := false
	if s.LLM.EnsureModel(ctx) {
		report.Services.LLM = fmt.Sprintf("connected (%s)", s.LLM.Model())
		llmHealthy = true
	} else {
		report.Services.LLM = "unavailable"
	}

	nerHealthy := true
	if s.NER != nil {
		if s.NER.HealthCheck(ctx) {
			report.Services.NER = "loaded"
		} else {
			report.Services.NER = "unavailable"
			nerHealthy = false
		}
	}

	switch {
	case graphHealthy && llmHealthy && nerHealthy:
		report.Status = "healthy"
	case graphHealthy:
		report.Status = "degraded"
	default:
		report.Status = "unhealthy"
	}
	return report
}
