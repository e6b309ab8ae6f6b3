// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package parse

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/ukb-pipeline/pkg/types"
)

// schema19Header mirrors the column order of the Showcase snapshot.
var schema19Header = strings.Join([]string{
	colUKBID, colTitle, colKeywords, colAuthors, colJournal,
	colYear, colAbstract, colPubMedID, colDOI, colCitations,
}, "\t")

func tsvRow(ukbID, title, keywords, authors, journal, year, abstract, pubmedID, doi, citations string) types.RawRecord {
	return types.RawRecord{
		Format: types.FormatTSV,
		Header: schema19Header,
		Payload: strings.Join([]string{
			ukbID, title, keywords, authors, journal,
			year, abstract, pubmedID, doi, citations,
		}, "\t"),
	}
}

func TestParseTSV(t *testing.T) {
	raw := tsvRow(
		"123",
		"Genome-wide association study of hypertension",
		"gwas; hypertension ; blood pressure",
		"Smith J; Jones A",
		"Nature Genetics",
		"2019",
		"We report 12 novel loci.",
		"31234567",
		"10.1038/s41588-019-0001-1",
		"42",
	)

	rec, err := Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, "10.1038/s41588-019-0001-1", rec.ID)
	assert.Equal(t, "Genome-wide association study of hypertension", rec.Title)
	assert.Equal(t, "We report 12 novel loci.", rec.Abstract)
	assert.Equal(t, 2019, rec.Year)
	assert.Equal(t, []string{"Smith J", "Jones A"}, rec.Authors)
	assert.Equal(t, "Nature Genetics", rec.Journal)
	assert.Equal(t, []string{"gwas", "hypertension", "blood pressure"}, rec.Keywords)
	assert.Equal(t, "31234567", rec.PubMedID)
	assert.Equal(t, "10.1038/s41588-019-0001-1", rec.DOI)
	assert.Equal(t, 42, rec.TotalCitations)
	assert.Equal(t, types.StatusParsed, rec.FetchStatus)
}

func TestParseIDPreference(t *testing.T) {
	tests := []struct {
		name            string
		ukbID, pm, doi  string
		wantID, wantDOI string
	}{
		{name: "doi wins", ukbID: "7", pm: "99", doi: "10.1/x", wantID: "10.1/x", wantDOI: "10.1/x"},
		{name: "doi url prefix stripped", doi: "https://doi.org/10.1/y", wantID: "10.1/y", wantDOI: "10.1/y"},
		{name: "pubmed fallback", ukbID: "7", pm: "99", wantID: "pubmed-99"},
		{name: "ukb fallback", ukbID: "7", wantID: "ukb-7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := Parse(tsvRow(tt.ukbID, "A title", "", "", "", "", "", tt.pm, tt.doi, ""))
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, rec.ID)
			assert.Equal(t, tt.wantDOI, rec.DOI)
		})
	}
}

func TestParseRequiredFields(t *testing.T) {
	tests := []struct {
		name      string
		raw       types.RawRecord
		wantField string
	}{
		{
			name:      "no identifier",
			raw:       tsvRow("", "A title", "", "", "", "", "", "", "", ""),
			wantField: "id",
		},
		{
			name:      "no title",
			raw:       tsvRow("123", "", "", "", "", "", "", "", "", ""),
			wantField: "title",
		},
		{
			name:      "missing header",
			raw:       types.RawRecord{Format: types.FormatTSV, Header: "  ", Payload: "x\ty"},
			wantField: "header",
		},
		{
			name:      "unknown format",
			raw:       types.RawRecord{Format: "csv", Payload: "whatever"},
			wantField: "format",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.raw)
			var pe *ParseError
			require.True(t, errors.As(err, &pe), "expected *ParseError, got %v", err)
			assert.Equal(t, tt.wantField, pe.Field)
		})
	}
}

func TestParseOptionalDefaults(t *testing.T) {
	rec, err := Parse(tsvRow("123", "Minimal record", "", "", "", "", "", "", "", ""))
	require.NoError(t, err)

	assert.Equal(t, "ukb-123", rec.ID)
	assert.Empty(t, rec.Abstract)
	assert.Empty(t, rec.Journal)
	assert.Zero(t, rec.Year)
	assert.Nil(t, rec.Authors)
	assert.Nil(t, rec.Keywords)
	assert.Zero(t, rec.TotalCitations)
}

func TestParseYearBounds(t *testing.T) {
	next := time.Now().Year() + 1
	tests := []struct {
		year string
		want int
	}{
		{"2005", 2005},
		{"1990", 1990},
		{"1989", 0},
		{fmt.Sprintf("%d", next), next},
		{fmt.Sprintf("%d", next+1), 0},
		{"19O5", 0},
		{"", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseYear(tt.year), "year %q", tt.year)
	}
}

func TestParseCountToleratesFloats(t *testing.T) {
	assert.Equal(t, 17, parseCount("17"))
	assert.Equal(t, 17, parseCount("17.0"))
	assert.Equal(t, 0, parseCount(""))
	assert.Equal(t, 0, parseCount("-3"))
	assert.Equal(t, 0, parseCount("n/a"))
}

func TestParseXML(t *testing.T) {
	raw := types.RawRecord{
		Format: types.FormatXML,
		Payload: `<publication>
  <ukb_id>456</ukb_id>
  <title>Cortical thickness and cognition</title>
  <keywords>mri; cognition</keywords>
  <authors>Lee K; Chen W</authors>
  <journal>NeuroImage</journal>
  <year>2021</year>
  <abstract>Thickness correlates with recall.</abstract>
  <pubmed_id>33112233</pubmed_id>
  <doi>10.1016/j.neuroimage.2021.1</doi>
  <citations_total>8</citations_total>
</publication>`,
	}

	rec, err := Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, "10.1016/j.neuroimage.2021.1", rec.ID)
	assert.Equal(t, "Cortical thickness and cognition", rec.Title)
	assert.Equal(t, 2021, rec.Year)
	assert.Equal(t, []string{"Lee K", "Chen W"}, rec.Authors)
	assert.Equal(t, []string{"mri", "cognition"}, rec.Keywords)
	assert.Equal(t, 8, rec.TotalCitations)
}

func TestParseXMLInvalid(t *testing.T) {
	_, err := Parse(types.RawRecord{Format: types.FormatXML, Payload: "<publication><title>broken"})
	var pe *ParseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "publication", pe.Field)
}

func TestParseDeterministic(t *testing.T) {
	raw := tsvRow("123", "Same in, same out", "a; b", "X", "J", "2020", "abs", "1", "10.1/z", "3")

	first, err := Parse(raw)
	require.NoError(t, err)
	second, err := Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}
