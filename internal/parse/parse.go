// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package parse normalizes raw Schema 19 payloads into publication records.
// Parsing is pure: no I/O, no network access, and the same payload always
// yields the same record or the same error.
package parse

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pdiddy/ukb-pipeline/pkg/types"
)

// minYear bounds the plausible publication year range. Years outside
// [minYear, current year + 1] are treated as unknown (0), not as errors.
const minYear = 1990

// ParseError reports a required field that is missing or malformed.
type ParseError struct {
	Field  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse: field %q: %s", e.Field, e.Reason)
}

// Parse converts one raw record into a normalized PublicationRecord.
//
// Required fields are an identifier (DOI, PubMed ID, or UKB internal ID)
// and a title; their absence is a *ParseError and the caller decides
// whether to mark the record failed or drop it. Optional fields degrade to
// documented defaults: empty strings for abstract and journal, 0 for an
// absent or implausible year, nil for authors and keywords.
func Parse(raw types.RawRecord) (*types.PublicationRecord, error) {
	switch raw.Format {
	case types.FormatXML:
		return parseXML(raw.Payload)
	case types.FormatTSV:
		return parseTSV(raw.Header, raw.Payload)
	default:
		return nil, &ParseError{Field: "format", Reason: fmt.Sprintf("unknown format %q", raw.Format)}
	}
}

// Column names as they appear in the Schema 19 header row.
const (
	colUKBID     = "publication id (UKB internal)"
	colTitle     = "title"
	colKeywords  = "keywords"
	colAuthors   = "author(s)"
	colJournal   = "journal"
	colYear      = "year of publication"
	colAbstract  = "abstract"
	colPubMedID  = "PubMed ID"
	colDOI       = "DOI"
	colCitations = "Total citations"
)

func parseTSV(header, line string) (*types.PublicationRecord, error) {
	if strings.TrimSpace(header) == "" {
		return nil, &ParseError{Field: "header", Reason: "missing header row"}
	}

	cols := strings.Split(header, "\t")
	idx := make(map[string]int, len(cols))
	for i, name := range cols {
		idx[strings.TrimSpace(name)] = i
	}

	values := strings.Split(line, "\t")
	field := func(name string) string {
		i, ok := idx[name]
		if !ok || i >= len(values) {
			return ""
		}
		return strings.TrimSpace(values[i])
	}

	return build(fields{
		ukbID:     field(colUKBID),
		title:     field(colTitle),
		keywords:  field(colKeywords),
		authors:   field(colAuthors),
		journal:   field(colJournal),
		year:      field(colYear),
		abstract:  field(colAbstract),
		pubmedID:  field(colPubMedID),
		doi:       field(colDOI),
		citations: field(colCitations),
	})
}

// xmlPublication mirrors one <publication> element of the pseudo-XML format.
type xmlPublication struct {
	UKBID     string `xml:"ukb_id"`
	Title     string `xml:"title"`
	Keywords  string `xml:"keywords"`
	Authors   string `xml:"authors"`
	Journal   string `xml:"journal"`
	Year      string `xml:"year"`
	Abstract  string `xml:"abstract"`
	PubMedID  string `xml:"pubmed_id"`
	DOI       string `xml:"doi"`
	Citations string `xml:"citations_total"`
}

func parseXML(payload string) (*types.PublicationRecord, error) {
	var pub xmlPublication
	if err := xml.Unmarshal([]byte(payload), &pub); err != nil {
		return nil, &ParseError{Field: "publication", Reason: fmt.Sprintf("invalid XML: %v", err)}
	}
	return build(fields{
		ukbID:     strings.TrimSpace(pub.UKBID),
		title:     strings.TrimSpace(pub.Title),
		keywords:  pub.Keywords,
		authors:   pub.Authors,
		journal:   strings.TrimSpace(pub.Journal),
		year:      strings.TrimSpace(pub.Year),
		abstract:  strings.TrimSpace(pub.Abstract),
		pubmedID:  strings.TrimSpace(pub.PubMedID),
		doi:       strings.TrimSpace(pub.DOI),
		citations: strings.TrimSpace(pub.Citations),
	})
}

// fields carries the raw string values shared by both wire formats.
type fields struct {
	ukbID, title, keywords, authors, journal string
	year, abstract, pubmedID, doi, citations string
}

func build(f fields) (*types.PublicationRecord, error) {
	doi := strings.TrimPrefix(f.doi, "https://doi.org/")

	id := ""
	switch {
	case doi != "":
		id = doi
	case f.pubmedID != "":
		id = "pubmed-" + f.pubmedID
	case f.ukbID != "":
		id = "ukb-" + f.ukbID
	}
	if id == "" {
		return nil, &ParseError{Field: "id", Reason: "no DOI, PubMed ID, or UKB internal ID"}
	}
	if f.title == "" {
		return nil, &ParseError{Field: "title", Reason: "missing title"}
	}

	return &types.PublicationRecord{
		ID:             id,
		Title:          f.title,
		Abstract:       f.abstract,
		Year:           parseYear(f.year),
		Authors:        splitList(f.authors),
		Journal:        f.journal,
		Keywords:       splitList(f.keywords),
		PubMedID:       f.pubmedID,
		DOI:            doi,
		TotalCitations: parseCount(f.citations),
		FetchStatus:    types.StatusParsed,
	}, nil
}

// parseYear returns the publication year, or 0 when absent, unparsable, or
// outside the plausible range.
func parseYear(s string) int {
	y, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	if y < minYear || y > time.Now().Year()+1 {
		return 0
	}
	return y
}

// parseCount parses a non-negative integer, tolerating the float formatting
// some snapshot exports use for citation counts.
func parseCount(s string) int {
	if s == "" {
		return 0
	}
	if n, err := strconv.Atoi(s); err == nil && n >= 0 {
		return n
	}
	if fl, err := strconv.ParseFloat(s, 64); err == nil && fl >= 0 {
		return int(fl)
	}
	return 0
}

// splitList splits a semicolon-separated source field, trimming entries and
// dropping empties. Returns nil for an empty field.
func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ";")
	var out []string
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
