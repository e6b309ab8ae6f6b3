// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package types holds the shared data model for the UK Biobank publication
// pipeline: raw fetch payloads, normalized publication records, contribution
// statistics, and per-stage configuration.
package types

// FetchStatus tracks how far a publication record has progressed through
// the pipeline. Statuses are totally ordered; a record never moves backward
// except through an explicit re-fetch override.
type FetchStatus string

const (
	StatusPending    FetchStatus = "pending"
	StatusFetched    FetchStatus = "fetched"
	StatusParsed     FetchStatus = "parsed"
	StatusClassified FetchStatus = "classified"
	StatusFailed     FetchStatus = "failed"
)

// statusRank defines the forward order for status transitions. StatusFailed
// is terminal but carries no rank: a failed record keeps its last rank and
// is re-eligible for processing on a forced run.
var statusRank = map[FetchStatus]int{
	StatusPending:    0,
	StatusFetched:    1,
	StatusParsed:     2,
	StatusClassified: 3,
}

// Rank returns the position of s in the lifecycle order, or -1 for
// StatusFailed and unknown values.
func (s FetchStatus) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

// Valid reports whether s is a recognized status value.
func (s FetchStatus) Valid() bool {
	return s == StatusFailed || s.Rank() >= 0
}

// RawFormat identifies the wire format of a fetched payload.
type RawFormat string

const (
	FormatTSV RawFormat = "tsv"
	FormatXML RawFormat = "xml"
)

// RawRecord is one unvalidated publication payload as delivered by the
// fetcher. It is transient: only its normalized form is persisted.
type RawRecord struct {
	// Format selects how Payload is framed.
	Format RawFormat

	// Header is the tab-separated column row, shared by every record of a
	// TSV snapshot. Empty for XML payloads.
	Header string

	// Payload is one tab-separated data row or one <publication> element.
	Payload string

	// Cursor is the zero-based index of this record within the source
	// snapshot, used to resume an interrupted fetch.
	Cursor int
}

// PublicationRecord is a normalized, deduplicated publication tracked by the
// record store.
type PublicationRecord struct {
	// ID is the stable dedup key: the DOI when present, otherwise
	// "pubmed-<id>", otherwise "ukb-<internal id>".
	ID string `json:"id" yaml:"id"`

	// Title is the publication title. Never null; empty when unavailable.
	Title string `json:"title" yaml:"title"`

	// Abstract is the publication abstract. Never null; empty when unavailable.
	Abstract string `json:"abstract" yaml:"abstract"`

	// Year is the publication year, or 0 when unknown or implausible.
	Year int `json:"year" yaml:"year"`

	// Authors lists author names in source order.
	Authors []string `json:"authors" yaml:"authors"`

	// Journal is the publishing journal name.
	Journal string `json:"journal,omitempty" yaml:"journal,omitempty"`

	// Keywords are the source-supplied keywords, trimmed.
	Keywords []string `json:"keywords,omitempty" yaml:"keywords,omitempty"`

	// PubMedID is the PubMed identifier when the source supplies one.
	PubMedID string `json:"pubmed_id,omitempty" yaml:"pubmed_id,omitempty"`

	// DOI is the bare DOI (no https://doi.org/ prefix) when available.
	DOI string `json:"doi,omitempty" yaml:"doi,omitempty"`

	// TotalCitations is the source-reported citation count.
	TotalCitations int `json:"total_citations,omitempty" yaml:"total_citations,omitempty"`

	// FieldLabels are the research-field/disease labels assigned by the
	// classifier, sorted and deduplicated. Empty until classification.
	FieldLabels []string `json:"field_labels" yaml:"field_labels"`

	// FetchStatus is the record's position in the pipeline lifecycle.
	FetchStatus FetchStatus `json:"fetch_status" yaml:"fetch_status"`

	// ErrorNote holds the most recent failure reason. Empty unless the
	// record has failed at some stage.
	ErrorNote string `json:"error_note,omitempty" yaml:"error_note,omitempty"`
}

// Text returns the title and abstract joined for classification input.
func (r *PublicationRecord) Text() string {
	if r.Abstract == "" {
		return r.Title
	}
	return r.Title + " " + r.Abstract
}
