// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package classify

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"go.yaml.in/yaml/v3"
)

// Taxonomy maps a field label to the keywords whose presence in a
// publication's text assigns that label.
type Taxonomy map[string][]string

// DefaultTaxonomy covers the major UK Biobank research areas: disease
// categories and study-feature categories.
func DefaultTaxonomy() Taxonomy {
	return Taxonomy{
		"cardiovascular": {
			"cardiovascular disease", "heart disease", "stroke",
			"hypertension", "atherosclerosis", "arrhythmia",
			"coronary artery disease", "heart failure",
		},
		"cancer": {
			"cancer", "tumour", "carcinoma", "neoplasm", "lymphoma",
			"leukemia", "melanoma", "oncology", "metastasis",
		},
		"neurodegenerative": {
			"alzheimer", "parkinson", "dementia", "neurodegeneration",
			"cognitive decline", "brain aging", "neurological",
		},
		"metabolic": {
			"diabetes", "obesity", "metabolic syndrome",
			"thyroid disease", "insulin resistance",
		},
		"psychiatric": {
			"depression", "anxiety", "mental health", "schizophrenia",
			"bipolar disorder", "psychiatric illness",
		},
		"respiratory": {
			"asthma", "copd", "lung disease", "respiratory disease",
			"pulmonary disease", "covid-19", "pneumonia",
		},
		"genetic": {
			"snp", "genome-wide", "gwas", "polygenic", "heritability",
			"genetic variant", "allele", "genomic",
		},
		"imaging": {
			"mri", "imaging", "brain volume", "white matter",
			"grey matter", "radiological",
		},
		"lifestyle": {
			"diet", "exercise", "smoking", "alcohol",
			"physical activity", "sleep", "nutrition", "bmi",
		},
		"biomarkers": {
			"cholesterol", "triglycerides", "blood pressure", "glucose",
			"biomarker", "metabolite",
		},
		"environmental": {
			"pollution", "air quality", "socioeconomic",
			"environmental exposure",
		},
	}
}

// LoadTaxonomy reads a label-to-keywords taxonomy from a YAML file.
func LoadTaxonomy(path string) (Taxonomy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading taxonomy %s: %w", path, err)
	}
	var t Taxonomy
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parsing taxonomy %s: %w", path, err)
	}
	if len(t) == 0 {
		return nil, fmt.Errorf("taxonomy %s defines no labels", path)
	}
	return t, nil
}

// TaxonomyBackend assigns every label whose keyword list matches the text.
// Fully deterministic and local.
type TaxonomyBackend struct {
	taxonomy Taxonomy
	labels   []string // iteration order fixed for determinism
}

// NewTaxonomyBackend builds a backend over the given taxonomy, or the
// default one when taxonomy is nil.
func NewTaxonomyBackend(taxonomy Taxonomy) *TaxonomyBackend {
	if taxonomy == nil {
		taxonomy = DefaultTaxonomy()
	}
	labels := make([]string, 0, len(taxonomy))
	for label := range taxonomy {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return &TaxonomyBackend{taxonomy: taxonomy, labels: labels}
}

// Name returns the backend identifier.
func (b *TaxonomyBackend) Name() string { return "taxonomy" }

// Classify returns every label with at least one keyword contained in the
// lowercased text.
func (b *TaxonomyBackend) Classify(_ context.Context, text string) ([]string, error) {
	lower := strings.ToLower(text)
	var out []string
	for _, label := range b.labels {
		for _, kw := range b.taxonomy[label] {
			if strings.Contains(lower, strings.ToLower(kw)) {
				out = append(out, label)
				break
			}
		}
	}
	return out, nil
}
