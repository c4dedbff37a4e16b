package extract

import (
	"fmt"
	"strings"
)

// relationshipCategories is the predicate vocabulary offered to the model,
// grouped by category. The model may still emit other snake_case predicates;
// readers treat the vocabulary as open.
var relationshipCategories = []struct {
	name       string
	predicates []string
}{
	{"technical", []string{
		"uses", "implements", "extends", "depends_on", "requires",
		"provides", "supports", "integrates_with", "based_on",
		"built_with", "powered_by", "runs_on", "compatible_with",
	}},
	{"comparison", []string{
		"similar_to", "alternative_to", "competes_with", "differs_from",
		"replaces", "supersedes", "evolved_from",
	}},
	{"hierarchical", []string{
		"part_of", "contains", "includes", "composed_of",
		"category_of", "type_of", "instance_of", "subclass_of",
	}},
	{"functional", []string{
		"processes", "generates", "transforms", "analyzes",
		"validates", "handles", "manages", "controls",
	}},
	{"development", []string{
		"developed_by", "maintained_by", "created_by", "designed_by",
		"contributed_to", "sponsored_by",
	}},
	{"documentation", []string{
		"documented_in", "described_in", "defined_in",
		"referenced_in", "mentioned_in",
	}},
	{"configuration", []string{
		"configured_with", "settings_for", "parameter_of",
		"option_for", "enabled_by",
	}},
	{"performance", []string{
		"optimizes", "improves", "accelerates", "scales_with",
		"benchmarked_against",
	}},
}

// entityTypeExamples guides the model's primary type categories.
var entityTypeExamples = []string{
	"Framework", "Library", "Language", "Technology", "Platform",
	"Concept", "Algorithm", "Pattern", "Tool", "Service",
	"Database", "Protocol", "Format", "Standard", "API",
	"Person", "Organization", "Product", "Version", "Date",
}

const extractionPromptTemplate = `You are an expert at extracting knowledge graphs from technical documentation.

Your task is to extract BOTH entities and relationships from the text below.

[[[
**Text:**
%s
]]]

**Task 1: Extract Entities**
Identify all significant entities in the text. For each entity:
- Determine its type from categories like: %s
- Assign a confidence score (0.0 to 1.0)
- Find its exact position in the text

Focus on:
- Technologies (frameworks, libraries, languages, tools)
- Concepts (patterns, algorithms, methodologies)
- Products and services
- Organizations and people
- Processes and operations (e.g., "text_normalization", "removing_stopwords")

**Task 2: Extract Relationships**
Identify meaningful relationships between the entities you found.

(((
**Relationship Types (organized by category):**
%s
)))

Use the most appropriate relationship type from above, or create similar snake_case predicates if needed.

**Output Format:**
Return a JSON object with two arrays:

{
  "entities": [
    {
      "text": "FastAPI",
      "type": "Framework::Backend::Python",
      "confidence": 0.95,
      "start": 0,
      "end": 7
    },
    ...
  ],
  "relationships": [
    {
      "subject": "FastAPI",
      "predicate": "uses",
      "object": "Pydantic",
      "confidence": 0.88,
      "context": "FastAPI uses Pydantic for data validation and serialization"
    },
    ...
  ]
}

**Important Rules:**

***ENTITY EXTRACTION:***
1. Extract ALL significant entities from the text, including technologies, concepts, processes, data types, products, organizations, and people
2. Entity "text" must be the exact text from the document
3. Entity "type" should be HIERARCHICAL using :: separator (e.g., "Framework::Backend::Python", "Concept::DataType")
   - Use 1-3 levels as appropriate (flat "Concept" is ok if no subcategories apply)
4. Entity "start" and "end" are character positions in the text
5. Be LIBERAL with entity extraction - if you might reference it in a relationship, extract it as an entity!
6. Deduplicate entities (same entity mentioned multiple times = one entry with first position)

***RELATIONSHIP EXTRACTION:***
7. **CRITICAL:** Relationship "subject" and "object" must EXACTLY match an entity "text" from your entities array
8. **VERIFY BEFORE CREATING:** Before adding a relationship, check that BOTH the subject AND object exist in your entities list
9. **DO NOT** invent new entity names in relationships - use EXACT text from entities array
10. Use lowercase snake_case for predicates (e.g., "uses", "implements", "part_of")
11. Confidence should reflect clarity (0.5-0.7 = uncertain, 0.7-0.9 = clear, 0.9-1.0 = explicit)
12. Context should be a relevant quote from the text (50-100 words)

***CONSISTENCY CHECK:***
13. After generating all relationships, verify EACH ONE references only entities from your entities array; remove any that do not.

Return ONLY the JSON object, no additional text.
DO NOT ADD EXPLANATIONS OR SUMMARIES.
DO NOT ADD MARKDOWN CODE FENCES.

When you have finished generating the complete JSON object, stop immediately with your normal end-of-generation token.`

// buildExtractionPrompt renders the single-pass extraction prompt for text.
func buildExtractionPrompt(text string) string {
	var rels strings.Builder
	for i, cat := range relationshipCategories {
		if i > 0 {
			rels.WriteByte('\n')
		}
		fmt.Fprintf(&rels, "- **%s**: %s", titleCase(cat.name), strings.Join(cat.predicates, ", "))
	}

	return fmt.Sprintf(extractionPromptTemplate,
		text,
		strings.Join(entityTypeExamples, ", "),
		rels.String(),
	)
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
