// Package chunkmap anchors extracted entities and relationships to the
// upstream chunk identifiers. Extraction sees the whole document for
// context; retrieval addresses individual chunks, so every mention is mapped
// back to chunk coordinates by character-range overlap.
package chunkmap

import (
	"log/slog"
	"math"
	"sort"

	"github.com/Rob-P-Smith/kgraph/model"
)

// OverlapThreshold is the minimum character overlap between an occurrence
// and a chunk to count as an appearance. Suppresses spurious boundary spill.
const OverlapThreshold = 10

// Mapper maps document-coordinate spans onto chunk boundaries.
type Mapper struct {
	overlapThreshold int
}

// New creates a Mapper with the default overlap threshold.
func New() *Mapper {
	return &Mapper{overlapThreshold: OverlapThreshold}
}

// MapEntities computes the chunk appearances for each entity. Every
// occurrence is tested against every chunk; appearances are deduplicated by
// (vector_rowid, chunk_index) and carry chunk-local offsets.
func (m *Mapper) MapEntities(entities []model.Entity, chunks []model.ChunkRange) []model.MappedEntity {
	if len(chunks) == 0 {
		slog.Warn("chunkmap: no chunks provided for entity mapping")
	}

	mapped := make([]model.MappedEntity, 0, len(entities))
	totalAppearances := 0
	multiChunk := 0

	for _, entity := range entities {
		var appearances []model.ChunkAppearance
		seen := make(map[int64]map[int]bool)

		for _, occ := range entity.Occurrences {
			for _, chunk := range chunks {
				if overlap(occ.Start, occ.End, chunk.CharStart, chunk.CharEnd) < m.overlapThreshold {
					continue
				}
				if seen[chunk.VectorRowID][chunk.ChunkIndex] {
					continue
				}
				if seen[chunk.VectorRowID] == nil {
					seen[chunk.VectorRowID] = make(map[int]bool)
				}
				seen[chunk.VectorRowID][chunk.ChunkIndex] = true

				chunkLen := len(chunk.Text)
				if chunkLen == 0 {
					chunkLen = chunk.CharEnd - chunk.CharStart
				}
				offsetStart := occ.Start - chunk.CharStart
				if offsetStart < 0 {
					offsetStart = 0
				}
				offsetEnd := occ.End - chunk.CharStart
				if offsetEnd > chunkLen {
					offsetEnd = chunkLen
				}

				appearances = append(appearances, model.ChunkAppearance{
					VectorRowID: chunk.VectorRowID,
					ChunkIndex:  chunk.ChunkIndex,
					OffsetStart: offsetStart,
					OffsetEnd:   offsetEnd,
				})
			}
		}

		totalAppearances += len(appearances)
		if len(appearances) > 1 {
			multiChunk++
		}
		mapped = append(mapped, model.MappedEntity{
			Entity:              entity,
			Appearances:         appearances,
			SpansMultipleChunks: len(appearances) > 1,
		})
	}

	slog.Info("chunkmap: mapped entities",
		"entities", len(mapped),
		"appearances", totalAppearances,
		"multi_chunk", multiChunk,
	)
	return mapped
}

// MapRelationships anchors each relationship to the union of its endpoint
// chunk sets and selects a primary chunk. Relationships whose endpoints did
// not survive entity mapping are dropped.
func (m *Mapper) MapRelationships(
	relationships []model.Relationship,
	entities []model.MappedEntity,
	chunks []model.ChunkRange,
) []model.MappedRelationship {
	lookup := make(map[string]*model.MappedEntity, len(entities))
	for i := range entities {
		lookup[entities[i].Normalized] = &entities[i]
	}

	chunkIndex := make(map[int64]int, len(chunks))
	for _, c := range chunks {
		chunkIndex[c.VectorRowID] = c.ChunkIndex
	}

	mapped := make([]model.MappedRelationship, 0, len(relationships))
	crossChunk := 0

	for _, rel := range relationships {
		subject := lookup[rel.SubjectNormalized]
		object := lookup[rel.ObjectNormalized]
		if subject == nil || object == nil {
			slog.Warn("chunkmap: entity not found for relationship",
				"subject", rel.SubjectText,
				"object", rel.ObjectText,
			)
			continue
		}

		subjectChunks := rowidSet(subject.Appearances)
		objectChunks := rowidSet(object.Appearances)

		union := make(map[int64]bool, len(subjectChunks)+len(objectChunks))
		shared := 0
		for rowid := range subjectChunks {
			union[rowid] = true
		}
		for rowid := range objectChunks {
			if union[rowid] {
				shared++
			}
			union[rowid] = true
		}

		rowids := make([]int64, 0, len(union))
		for rowid := range union {
			rowids = append(rowids, rowid)
		}
		sort.Slice(rowids, func(i, j int) bool { return rowids[i] < rowids[j] })

		primary, hasPrimary := m.primaryChunk(subject, object, chunkIndex)

		if shared == 0 {
			crossChunk++
		}
		mapped = append(mapped, model.MappedRelationship{
			Relationship: rel,
			ChunkRowIDs:  rowids,
			PrimaryChunk: primary,
			HasPrimary:   hasPrimary,
			SpansChunks:  shared == 0,
		})
	}

	slog.Info("chunkmap: mapped relationships",
		"relationships", len(mapped),
		"cross_chunk", crossChunk,
	)
	return mapped
}

// primaryChunk picks the chunk where a relationship is most relevant:
//  1. a shared chunk (lowest rowid);
//  2. the subject/object pair with the smallest chunk-index distance,
//     returning the lower rowid;
//  3. the lowest subject chunk;
//  4. the lowest object chunk;
//  5. none.
func (m *Mapper) primaryChunk(subject, object *model.MappedEntity, chunkIndex map[int64]int) (int64, bool) {
	subjectChunks := rowidSet(subject.Appearances)
	objectChunks := rowidSet(object.Appearances)

	var shared []int64
	for rowid := range subjectChunks {
		if objectChunks[rowid] {
			shared = append(shared, rowid)
		}
	}
	if len(shared) > 0 {
		return minRowid(shared), true
	}

	if len(subjectChunks) > 0 && len(objectChunks) > 0 {
		minDistance := math.MaxInt
		var primary int64
		for _, sApp := range subject.Appearances {
			for _, oApp := range object.Appearances {
				distance := chunkIndex[sApp.VectorRowID] - chunkIndex[oApp.VectorRowID]
				if distance < 0 {
					distance = -distance
				}
				if distance < minDistance {
					minDistance = distance
					primary = sApp.VectorRowID
					if oApp.VectorRowID < primary {
						primary = oApp.VectorRowID
					}
				}
			}
		}
		return primary, true
	}

	if len(subjectChunks) > 0 {
		return minRowid(keys(subjectChunks)), true
	}
	if len(objectChunks) > 0 {
		return minRowid(keys(objectChunks)), true
	}
	return 0, false
}

// Summary aggregates mapping statistics for the ingest response.
type Summary struct {
	TotalChunks              int            `json:"total_chunks"`
	ChunksWithEntities       int            `json:"chunks_with_entities"`
	TotalEntityAppearances   int            `json:"total_entity_appearances"`
	UniqueEntities           int            `json:"unique_entities"`
	MultiChunkEntities       int            `json:"multi_chunk_entities"`
	AvgEntitiesPerChunk      float64        `json:"avg_entities_per_chunk"`
	TotalRelationships       int            `json:"total_relationships"`
	CrossChunkRelationships  int            `json:"cross_chunk_relationships"`
	EntitiesByType           map[string]int `json:"entities_by_type"`
	RelationshipsByPredicate map[string]int `json:"relationships_by_predicate"`
}

// Summarize computes mapping statistics over the mapped records.
func (m *Mapper) Summarize(
	entities []model.MappedEntity,
	relationships []model.MappedRelationship,
	chunks []model.ChunkRange,
) Summary {
	s := Summary{
		TotalChunks:              len(chunks),
		UniqueEntities:           len(entities),
		TotalRelationships:       len(relationships),
		EntitiesByType:           make(map[string]int),
		RelationshipsByPredicate: make(map[string]int),
	}

	chunkEntityCount := make(map[int64]int)
	for _, e := range entities {
		s.TotalEntityAppearances += len(e.Appearances)
		if e.SpansMultipleChunks {
			s.MultiChunkEntities++
		}
		s.EntitiesByType[e.Type.Primary]++
		for _, app := range e.Appearances {
			chunkEntityCount[app.VectorRowID]++
		}
	}
	for _, r := range relationships {
		if r.SpansChunks {
			s.CrossChunkRelationships++
		}
		s.RelationshipsByPredicate[r.Predicate]++
	}

	s.ChunksWithEntities = len(chunkEntityCount)
	if s.ChunksWithEntities > 0 {
		avg := float64(s.TotalEntityAppearances) / float64(s.ChunksWithEntities)
		s.AvgEntitiesPerChunk = math.Round(avg*100) / 100
	}
	return s
}

func overlap(start1, end1, start2, end2 int) int {
	start := start1
	if start2 > start {
		start = start2
	}
	end := end1
	if end2 < end {
		end = end2
	}
	if end <= start {
		return 0
	}
	return end - start
}

func rowidSet(appearances []model.ChunkAppearance) map[int64]bool {
	set := make(map[int64]bool, len(appearances))
	for _, app := range appearances {
		set[app.VectorRowID] = true
	}
	return set
}

func keys(set map[int64]bool) []int64 {
	out := make([]int64, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

func minRowid(rowids []int64) int64 {
	min := rowids[0]
	for _, r := range rowids[1:] {
		if r < min {
			min = r
		}
	}
	return min
}
