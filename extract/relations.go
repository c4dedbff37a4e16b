package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Rob-P-Smith/kgraph/llm"
	"github.com/Rob-P-Smith/kgraph/model"
)

const (
	// relationSectionSize splits very long documents into sections so the
	// relationship prompt stays inside the model's context.
	relationSectionSize    = 30000
	relationSectionOverlap = 3000
	relationMaxTokens      = 4096

	// relationTemperature runs cooler than the client default; the output is
	// constrained to entities already extracted.
	relationTemperature = 0.3
)

const relationPromptTemplate = `You are an expert at extracting semantic relationships between entities in technical documentation.

Return ONLY a single JSON array, no additional text.
DO NOT RETURN A SUMMARY.
DO NOT EXPLAIN YOUR CHOICES.

[[[
**Text:**
%s
]]]

///
**Entities:**
%s
///

**Task:**
Identify meaningful relationships between the entities above between the triple forward slashes.
Focus on explicit relationships mentioned in the text between the triple square brackets.
DO NOT ADD DUPLICATE RELATIONSHIPS.
DO NOT ADD ENTITIES NOT ALREADY IN THE LIST OF ENTITIES within the triple forward slashes below:
///
%s
///

(((
**Relationship Types (organized by category):**
%s
)))

Use the most appropriate relationship type from the categories above within the triple parenthesis, or create similar snake_case predicates if needed.

**Output Format:**
Return a JSON array of relationships. Each relationship should have:
- subject: The entity name (must match one from the list above)
- predicate: The relationship type (use snake_case, e.g., "uses", "implements")
- object: The target entity name (must match one from the list above)
- confidence: Float between 0 and 1
- context: Brief supporting text from the document

**Important Rules:**
1. Only extract relationships explicitly stated in the text
2. Subject and object MUST be entity names from the list above (exact match)
3. Use lowercase snake_case for predicates (do not deviate from this)
4. Confidence should reflect how clearly the relationship is stated
5. Context should be a brief quote or paraphrase from the text (no more than 100 words no less than 50 words)
6. Return empty array [] if no clear relationships exist
7. Focus on meaningful relationships, not trivial mentions

Return ONLY a single JSON array, no additional text.
DO NOT RETURN A SUMMARY.
DO NOT EXPLAIN YOUR CHOICES.

When you have finished generating the complete JSON array, stop immediately with your normal end-of-generation token.`

// RelationExtractor extracts only relationships, over an entity set produced
// elsewhere. This is the second stage of the NER pipeline branch: the NER
// model finds entities, the LLM connects them.
type RelationExtractor struct {
	llm           Completer
	minConfidence float64
}

// NewRelationExtractor creates a relationship-only extractor.
func NewRelationExtractor(completer Completer, minConfidence float64) *RelationExtractor {
	if minConfidence <= 0 {
		minConfidence = DefaultMinConfidence
	}
	return &RelationExtractor{llm: completer, minConfidence: minConfidence}
}

// ExtractRelationships finds relationships between the given entities.
// Documents longer than the section size are processed in overlapping
// sections, then deduplicated by (subject, predicate, object) keeping the
// highest confidence. Fewer than two entities short-circuits to nothing.
func (r *RelationExtractor) ExtractRelationships(
	ctx context.Context,
	text string,
	entities []model.Entity,
) ([]model.Relationship, error) {
	if len(entities) < 2 {
		slog.Info("extract: fewer than two entities, skipping relationship extraction")
		return nil, nil
	}

	if len(text) <= relationSectionSize {
		rels, err := r.extractSection(ctx, text, entities)
		if err != nil {
			return nil, err
		}
		return dedupeRelationships(rels), nil
	}

	slog.Info("extract: long document, extracting relationships in sections",
		"chars", len(text),
		"section_size", relationSectionSize,
	)

	var all []model.Relationship
	for start := 0; start < len(text); start += relationSectionSize {
		end := start + relationSectionSize + relationSectionOverlap
		if end > len(text) {
			end = len(text)
		}
		section := text[start:end]

		var sectionEntities []model.Entity
		for _, e := range entities {
			if len(e.Occurrences) == 0 {
				continue
			}
			pos := e.Occurrences[0].Start
			if pos >= start && pos < start+len(section) {
				sectionEntities = append(sectionEntities, e)
			}
		}
		if len(sectionEntities) < 2 {
			continue
		}

		rels, err := r.extractSection(ctx, section, sectionEntities)
		if err != nil {
			return nil, err
		}
		all = append(all, rels...)
	}
	return dedupeRelationships(all), nil
}

func (r *RelationExtractor) extractSection(
	ctx context.Context,
	text string,
	entities []model.Entity,
) ([]model.Relationship, error) {
	prompt := buildRelationPrompt(text, entities)

	response, err := r.llm.Complete(ctx, prompt,
		llm.WithMaxTokens(relationMaxTokens),
		llm.WithTemperature(relationTemperature),
		llm.WithRepetitionPenalty(repetitionPenalty),
	)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		slog.Error("extract: relationship extraction failed", "error", err)
		return nil, nil
	}

	raw := parseRelationArray(response)
	validated := validateRelationships(raw, entities, r.minConfidence)
	slog.Info("extract: section relationships", "raw", len(raw), "valid", len(validated))
	return validated, nil
}

// buildRelationPrompt renders the relationship-only prompt: the numbered
// entity list appears twice, around the task description, to anchor the
// exact-match rule.
func buildRelationPrompt(text string, entities []model.Entity) string {
	var list strings.Builder
	for i, e := range entities {
		fmt.Fprintf(&list, "%d. **%s** (%s)\n", i+1, e.Text, e.Type.Primary)
	}
	entityList := strings.TrimRight(list.String(), "\n")

	var rels strings.Builder
	for i, cat := range relationshipCategories {
		if i > 0 {
			rels.WriteByte('\n')
		}
		fmt.Fprintf(&rels, "- **%s**: %s", titleCase(cat.name), strings.Join(cat.predicates, ", "))
	}

	return fmt.Sprintf(relationPromptTemplate, text, entityList, entityList, rels.String())
}

// healTruncatedArray closes a JSON array cut off mid-generation by trimming
// back to the last complete object.
func healTruncatedArray(response string) string {
	start := strings.Index(response, "[")
	if start == -1 {
		return response
	}
	if strings.HasSuffix(strings.TrimRight(response, " \t\r\n"), "]") {
		return response
	}

	slog.Warn("extract: incomplete relationship array, healing")
	lastBrace := -1
	for i := len(response) - 1; i > start; i-- {
		if response[i] == '}' {
			lastBrace = i
			break
		}
	}
	if lastBrace == -1 {
		slog.Error("extract: no complete objects in truncated relationship response")
		return "[]"
	}
	return response[:lastBrace+1] + "\n]"
}

// parseRelationArray pulls JSON arrays out of a model response. The response
// may contain several arrays (the model sometimes echoes the format example);
// the longest one is taken as the actual data.
func parseRelationArray(response string) []map[string]any {
	response = healTruncatedArray(response)
	response = strings.ReplaceAll(response, "```json", "")
	response = strings.ReplaceAll(response, "```", "")
	response = strings.TrimSpace(response)

	var arrays [][]map[string]any
	offset := 0
	for {
		start := strings.Index(response[offset:], "[")
		if start < 0 {
			break
		}
		start += offset

		depth := 0
		end := start
		for i := start; i < len(response); i++ {
			switch response[i] {
			case '[':
				depth++
			case ']':
				depth--
				if depth == 0 {
					end = i + 1
				}
			}
			if end > start {
				break
			}
		}
		if end == start {
			break
		}

		var arr []map[string]any
		if err := json.Unmarshal([]byte(response[start:end]), &arr); err == nil {
			arrays = append(arrays, arr)
		}
		offset = end
	}

	if len(arrays) == 0 {
		slog.Warn("extract: no JSON array found in relationship response",
			"preview", preview(response, 500),
		)
		return nil
	}

	longest := arrays[0]
	for _, arr := range arrays[1:] {
		if len(arr) > len(longest) {
			longest = arr
		}
	}
	return longest
}

// validateRelationships resolves subject and object against the entity set
// and applies the same rejection rules as the unified extractor.
func validateRelationships(raw []map[string]any, entities []model.Entity, minConfidence float64) []model.Relationship {
	lookup := make(map[string]*model.Entity, len(entities)*2)
	for i := range entities {
		ent := &entities[i]
		lookup[strings.ToLower(ent.Text)] = ent
		lookup[ent.Normalized] = ent
	}

	validated := make([]model.Relationship, 0, len(raw))
	for _, rel := range raw {
		subjText, okSubj := asString(rel["subject"])
		predicate, okPred := asString(rel["predicate"])
		objText, okObj := asString(rel["object"])
		confidence, okConf := asFloat(rel["confidence"])
		if !okSubj || !okPred || !okObj || !okConf {
			continue
		}

		subject := lookup[strings.ToLower(strings.TrimSpace(subjText))]
		object := lookup[strings.ToLower(strings.TrimSpace(objText))]
		if subject == nil || object == nil {
			slog.Debug("extract: relationship entity not found",
				"subject", subjText, "object", objText)
			continue
		}
		if subject.Normalized == object.Normalized {
			continue
		}
		if confidence < minConfidence {
			continue
		}

		context, _ := asString(rel["context"])
		if len(context) > contextMax {
			context = context[:contextMax]
		}

		validated = append(validated, model.Relationship{
			SubjectText:       subject.Text,
			SubjectNormalized: subject.Normalized,
			SubjectType:       subject.TypeFull,
			SubjectSpan:       subject.Occurrences[0],
			Predicate:         strings.ReplaceAll(strings.ToLower(predicate), " ", "_"),
			ObjectText:        object.Text,
			ObjectNormalized:  object.Normalized,
			ObjectType:        object.TypeFull,
			ObjectSpan:        object.Occurrences[0],
			Confidence:        confidence,
			Context:           context,
		})
	}
	return validated
}

// dedupeRelationships keeps the highest-confidence record per
// (subject, predicate, object) triple.
func dedupeRelationships(relationships []model.Relationship) []model.Relationship {
	best := make(map[string]int, len(relationships))
	order := make([]string, 0, len(relationships))

	for i, rel := range relationships {
		key := rel.SubjectNormalized + "\x00" + rel.Predicate + "\x00" + rel.ObjectNormalized
		if j, ok := best[key]; ok {
			if rel.Confidence > relationships[j].Confidence {
				best[key] = i
			}
			continue
		}
		best[key] = i
		order = append(order, key)
	}

	out := make([]model.Relationship, 0, len(order))
	for _, key := range order {
		out = append(out, relationships[best[key]])
	}
	return out
}
