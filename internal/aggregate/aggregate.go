// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package aggregate computes per-label contribution statistics over a
// record store snapshot. Aggregation is pure: it never mutates records and
// is recomputed on demand rather than persisted.
package aggregate

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/ukb-pipeline/pkg/types"
)

// Compute builds one ContributionStat per distinct field label across the
// given records, ordered by descending publication count with ties broken
// by ascending label. Records without labels are skipped, not failed, and
// reported via UnclassifiedCount.
func Compute(records []*types.PublicationRecord) types.AggregateOutput {
	byLabel := make(map[string]*types.ContributionStat)
	unclassified := 0

	for _, rec := range records {
		if len(rec.FieldLabels) == 0 {
			unclassified++
			continue
		}
		for _, label := range rec.FieldLabels {
			stat, ok := byLabel[label]
			if !ok {
				stat = &types.ContributionStat{
					FieldLabel:    label,
					YearHistogram: make(map[int]int),
				}
				byLabel[label] = stat
			}
			stat.PublicationCount++
			if rec.Year != 0 {
				stat.YearHistogram[rec.Year]++
			}
		}
	}

	stats := make([]types.ContributionStat, 0, len(byLabel))
	for _, stat := range byLabel {
		stats = append(stats, *stat)
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].PublicationCount != stats[j].PublicationCount {
			return stats[i].PublicationCount > stats[j].PublicationCount
		}
		return stats[i].FieldLabel < stats[j].FieldLabel
	})

	return types.AggregateOutput{
		Stats:             stats,
		UnclassifiedCount: unclassified,
		TotalRecords:      len(records),
	}
}

// FormatTable writes the stats as a human-readable table to w.
func FormatTable(out types.AggregateOutput, w io.Writer) {
	if len(out.Stats) == 0 {
		fmt.Fprintln(w, "No classified publications.")
		return
	}

	fmt.Fprintf(w, "%-4s  %-24s  %-12s  %s\n", "Rank", "Field", "Papers", "Years")
	fmt.Fprintln(w, strings.Repeat("-", 70))

	for i, stat := range out.Stats {
		fmt.Fprintf(w, "%-4d  %-24s  %-12d  %s\n",
			i+1, stat.FieldLabel, stat.PublicationCount, yearSpan(stat.YearHistogram))
	}

	fmt.Fprintf(w, "\n%d labels over %d publications (%d unclassified)\n",
		len(out.Stats), out.TotalRecords, out.UnclassifiedCount)
}

// yearSpan summarizes a histogram as "first-last" or "" when no record
// carried a known year.
func yearSpan(hist map[int]int) string {
	first, last := 0, 0
	for y := range hist {
		if first == 0 || y < first {
			first = y
		}
		if y > last {
			last = y
		}
	}
	if first == 0 {
		return ""
	}
	if first == last {
		return fmt.Sprintf("%d", first)
	}
	return fmt.Sprintf("%d-%d", first, last)
}

// FormatJSON writes the full output as indented JSON to w.
func FormatJSON(out types.AggregateOutput, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// WriteYAML writes the full output as YAML to w, for the external report
// and visualization generators.
func WriteYAML(out types.AggregateOutput, w io.Writer) error {
	data, err := yaml.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshaling stats: %w", err)
	}
	_, err = w.Write(data)
	return err
}
