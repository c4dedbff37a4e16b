package ner

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// taxonomyFile is the on-disk shape of the entity-type taxonomy:
//
//	entity_categories:
//	  Framework:
//	    - Framework::Backend::Python
//	    - Framework::Frontend::JavaScript
type taxonomyFile struct {
	EntityCategories map[string][]string `yaml:"entity_categories"`
}

// LoadTaxonomy reads the hierarchical entity-type taxonomy and returns the
// flat list of type labels handed to the NER model. Categories are walked in
// sorted order so the label list is stable across restarts.
func LoadTaxonomy(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading taxonomy %s: %w", path, err)
	}

	var tf taxonomyFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parsing taxonomy %s: %w", path, err)
	}
	if len(tf.EntityCategories) == 0 {
		return nil, fmt.Errorf("taxonomy %s defines no entity categories", path)
	}

	categories := make([]string, 0, len(tf.EntityCategories))
	for c := range tf.EntityCategories {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	var types []string
	for _, c := range categories {
		types = append(types, tf.EntityCategories[c]...)
	}
	return types, nil
}
