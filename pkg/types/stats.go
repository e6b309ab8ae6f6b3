// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

// ContributionStat aggregates the publications carrying one field label.
// Stats are derived on demand from the record store and never persisted
// independently of it.
type ContributionStat struct {
	// FieldLabel is the research-field or disease label.
	FieldLabel string `json:"field_label" yaml:"field_label"`

	// PublicationCount is the number of classified publications carrying
	// the label.
	PublicationCount int `json:"publication_count" yaml:"publication_count"`

	// YearHistogram maps publication year to count. Records with an
	// unknown year (0) contribute to PublicationCount but not here.
	YearHistogram map[int]int `json:"year_histogram" yaml:"year_histogram"`
}

// AggregateOutput is the full aggregator result over one store snapshot.
type AggregateOutput struct {
	// Stats holds one entry per distinct label, ordered by descending
	// PublicationCount with ties broken by ascending FieldLabel.
	Stats []ContributionStat `json:"stats" yaml:"stats"`

	// UnclassifiedCount is the number of records excluded because they
	// carry no labels.
	UnclassifiedCount int `json:"unclassified_count" yaml:"unclassified_count"`

	// TotalRecords is the number of records examined.
	TotalRecords int `json:"total_records" yaml:"total_records"`
}
