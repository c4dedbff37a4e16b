package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Rob-P-Smith/kgraph"
	"github.com/Rob-P-Smith/kgraph/graph"
	"github.com/Rob-P-Smith/kgraph/llm"
	"github.com/Rob-P-Smith/kgraph/model"
	"github.com/Rob-P-Smith/kgraph/pipeline"
)

type handler struct {
	svc *kgraph.Service
}

func newRouter(svc *kgraph.Service) *gin.Engine {
	h := &handler{svc: svc}

	r := gin.New()
	r.Use(recovery(), corsConfig(), requestID(), requestLogger())

	r.GET("/", h.root)
	r.GET("/health", h.health)
	r.GET("/stats", h.stats)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	v1.GET("/extraction/status", h.extractionStatus)
	v1.GET("/model-info", h.modelInfo)
	v1.GET("/schema/info", h.schemaInfo)
	v1.GET("/schema/validate", h.schemaValidate)
	v1.POST("/schema/clear", h.schemaClear)
	v1.POST("/ingest", h.ingest)
	v1.POST("/search/entities", h.searchEntities)
	v1.POST("/search/chunks", h.searchChunks)
	v1.POST("/expand/entities", h.expandEntities)
	v1.POST("/search/enhanced", h.searchEnhanced)

	return r
}

func (h *handler) root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": kgraph.ServiceName,
		"version": kgraph.ServiceVersion,
		"status":  "running",
	})
}

func (h *handler) health(c *gin.Context) {
	report := h.svc.Health(c.Request.Context())
	status := http.StatusOK
	if report.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

func (h *handler) stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Pipeline.Stats())
}

func (h *handler) extractionStatus(c *gin.Context) {
	metrics := h.svc.Extractor.Metrics()
	status := "healthy"
	if metrics.SlotsAvailable == 0 {
		status = "at_capacity"
	}
	c.JSON(http.StatusOK, gin.H{
		"extraction_metrics": metrics,
		"status":             status,
		"timestamp":          time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *handler) modelInfo(c *gin.Context) {
	info := gin.H{
		"llm": gin.H{
			"model":     h.svc.LLM.Model(),
			"available": h.svc.LLM.EnsureModel(c.Request.Context()),
			"base_url":  h.svc.LLM.BaseURL(),
		},
	}
	if h.svc.NER != nil {
		info["ner"] = gin.H{
			"model":        h.svc.NER.Model(),
			"loaded":       h.svc.NER.HealthCheck(c.Request.Context()),
			"base_url":     h.svc.NER.BaseURL(),
			"entity_types": len(h.svc.NER.EntityTypes()),
		}
	} else {
		info["ner"] = gin.H{"enabled": false}
	}
	c.JSON(http.StatusOK, info)
}

func (h *handler) schemaInfo(c *gin.Context) {
	info, err := h.svc.Schema.Info(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, info)
}

type schemaClearRequest struct {
	Confirm bool `json:"confirm"`
}

// schemaClear wipes the graph. The confirm flag is mandatory; this exists for
// reindexing from scratch, not routine operation.
func (h *handler) schemaClear(c *gin.Context) {
	var req schemaClearRequest
	if err := c.ShouldBindJSON(&req); err != nil || !req.Confirm {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "confirm must be true"})
		return
	}

	deleted, err := h.svc.Schema.ClearAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted_nodes": deleted})
}

func (h *handler) schemaValidate(c *gin.Context) {
	validation, err := h.svc.Schema.Validate(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, validation)
}

type ingestChunk struct {
	VectorRowID int64  `json:"vector_rowid" binding:"required,gt=0"`
	ChunkIndex  int    `json:"chunk_index" binding:"gte=0"`
	CharStart   int    `json:"char_start" binding:"gte=0"`
	CharEnd     int    `json:"char_end" binding:"required,gt=0"`
	Text        string `json:"text" binding:"required,min=10,max=10000"`
}

type ingestRequest struct {
	ContentID int64          `json:"content_id" binding:"required,gt=0"`
	URL       string         `json:"url" binding:"required,max=2048"`
	Title     string         `json:"title" binding:"required,max=500"`
	Markdown  string         `json:"markdown" binding:"required,min=50,max=1000000"`
	Chunks    []ingestChunk  `json:"chunks" binding:"required,min=1,max=1000,dive"`
	Metadata  map[string]any `json:"metadata"`
}

// validate applies the cross-field rules the binding tags cannot express.
func (r *ingestRequest) validate() error {
	if !strings.HasPrefix(r.URL, "http://") && !strings.HasPrefix(r.URL, "https://") {
		return fmt.Errorf("url must be http or https")
	}
	for i, chunk := range r.Chunks {
		if chunk.CharEnd <= chunk.CharStart {
			return fmt.Errorf("chunk %d: char_end must be greater than char_start", i)
		}
		if i > 0 && chunk.ChunkIndex <= r.Chunks[i-1].ChunkIndex {
			return fmt.Errorf("chunk %d: chunk_index must be strictly increasing", i)
		}
	}
	return nil
}

type ingestResponse struct {
	Success bool `json:"success"`
	*pipeline.Result
}

func (h *handler) ingest(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	if err := req.validate(); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	chunks := make([]model.ChunkRange, len(req.Chunks))
	for i, chunk := range req.Chunks {
		chunks[i] = model.ChunkRange{
			VectorRowID: chunk.VectorRowID,
			ChunkIndex:  chunk.ChunkIndex,
			CharStart:   chunk.CharStart,
			CharEnd:     chunk.CharEnd,
			Text:        chunk.Text,
		}
	}

	ctx := c.Request.Context()
	if timeout := h.svc.Config().RequestTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := h.svc.Pipeline.Process(ctx, pipeline.Request{
		ContentID: req.ContentID,
		URL:       req.URL,
		Title:     req.Title,
		Markdown:  req.Markdown,
		Chunks:    chunks,
		Metadata:  req.Metadata,
	})
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, llm.ErrModelUnavailable):
			status = http.StatusServiceUnavailable
		case errors.Is(err, context.DeadlineExceeded):
			status = http.StatusGatewayTimeout
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, ingestResponse{Success: true, Result: result})
}

type entitySearchRequest struct {
	EntityTerms []string `json:"entity_terms" binding:"required,min=1"`
	Limit       int      `json:"limit" binding:"gte=0,lte=500"`
	MinMentions int      `json:"min_mentions" binding:"gte=0"`
}

func (h *handler) searchEntities(c *gin.Context) {
	var req entitySearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	if req.Limit <= 0 {
		req.Limit = 100
	}
	if req.MinMentions <= 0 {
		req.MinMentions = 1
	}

	matches, err := h.svc.Store.SearchEntities(c.Request.Context(), req.EntityTerms, req.Limit, req.MinMentions)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entities":    matches,
		"total_found": len(matches),
	})
}

type chunkSearchRequest struct {
	EntityIDs           []string `json:"entity_ids"`
	EntityNames         []string `json:"entity_names"`
	Limit               int      `json:"limit" binding:"gte=0,lte=500"`
	IncludeDocumentInfo bool     `json:"include_document_info"`
}

func (h *handler) searchChunks(c *gin.Context) {
	var req chunkSearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	if req.Limit <= 0 {
		req.Limit = 100
	}

	matches, err := h.svc.Store.SearchChunks(c.Request.Context(), graph.ChunkQuery{
		EntityIDs:           req.EntityIDs,
		EntityNames:         req.EntityNames,
		Limit:               req.Limit,
		IncludeDocumentInfo: req.IncludeDocumentInfo,
	})
	if err != nil {
		if errors.Is(err, graph.ErrNoSearchInput) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	h.hydrateChunkMatches(c.Request.Context(), matches)
	c.JSON(http.StatusOK, gin.H{
		"chunks":      matches,
		"total_found": len(matches),
	})
}

type expandRequest struct {
	EntityNames    []string `json:"entity_names" binding:"required,min=1"`
	MaxExpansions  int      `json:"max_expansions" binding:"gte=0,lte=100"`
	MinConfidence  float64  `json:"min_confidence" binding:"gte=0,lte=1"`
	ExpansionDepth int      `json:"expansion_depth" binding:"gte=0,lte=3"`
}

func (h *handler) expandEntities(c *gin.Context) {
	var req expandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	if req.MaxExpansions <= 0 {
		req.MaxExpansions = 20
	}

	related, err := h.svc.Store.ExpandEntities(c.Request.Context(), req.EntityNames, req.MaxExpansions, req.MinConfidence)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"related_entities": related,
		"total_found":      len(related),
	})
}

type enhancedSearchRequest struct {
	Query              string   `json:"query"`
	SearchTermEntities []string `json:"search_term_entities" binding:"required,min=1"`
	MaxChunks          int      `json:"max_chunks" binding:"gte=0,lte=500"`
}

// enhancedSearchResponse echoes the caller's query alongside the search
// result.
type enhancedSearchResponse struct {
	Success bool   `json:"success"`
	Query   string `json:"query"`
	*graph.EnhancedResult
}

func (h *handler) searchEnhanced(c *gin.Context) {
	var req enhancedSearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	if req.MaxChunks <= 0 {
		req.MaxChunks = 100
	}

	result, err := h.svc.Store.EnhancedSearch(c.Request.Context(), req.SearchTermEntities, req.MaxChunks)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	h.hydrateChunkScores(c.Request.Context(), result.Chunks)
	c.JSON(http.StatusOK, enhancedSearchResponse{
		Success:        true,
		Query:          req.Query,
		EnhancedResult: result,
	})
}

// hydrateChunkMatches replaces graph previews with full chunk text when the
// vector database is configured. Lookup failures leave the preview in place.
func (h *handler) hydrateChunkMatches(ctx context.Context, chunks []graph.ChunkMatch) {
	if h.svc.Vectors == nil || len(chunks) == 0 {
		return
	}
	rowids := make([]int64, len(chunks))
	for i, chunk := range chunks {
		rowids[i] = chunk.VectorRowID
	}
	texts, err := h.svc.Vectors.ChunkTexts(ctx, rowids)
	if err != nil {
		return
	}
	for i := range chunks {
		if text, ok := texts[chunks[i].VectorRowID]; ok {
			chunks[i].ChunkText = text
		}
	}
}

func (h *handler) hydrateChunkScores(ctx context.Context, chunks []graph.ChunkScore) {
	if h.svc.Vectors == nil || len(chunks) == 0 {
		return
	}
	rowids := make([]int64, len(chunks))
	for i, chunk := range chunks {
		rowids[i] = chunk.VectorRowID
	}
	texts, err := h.svc.Vectors.ChunkTexts(ctx, rowids)
	if err != nil {
		return
	}
	for i := range chunks {
		if text, ok := texts[chunks[i].VectorRowID]; ok {
			chunks[i].ChunkText = text
		}
	}
}
