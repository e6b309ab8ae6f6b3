// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pdiddy/ukb-pipeline/internal/aggregate"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print per-field contribution statistics",
	Long: `Report aggregates the classified records into one ContributionStat per
field label, ordered by publication count. It also writes
output/contributions.yaml under the data directory for the external report
and visualization generators.`,
	RunE: runReport,
}

func runReport(cmd *cobra.Command, args []string) error {
	cfg := loadConfig(cmd)

	st, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	records, err := st.List(cmd.Context(), "")
	if err != nil {
		return err
	}
	out := aggregate.Compute(records)

	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		if err := aggregate.FormatJSON(out, os.Stdout); err != nil {
			return err
		}
	} else {
		aggregate.FormatTable(out, os.Stdout)
	}

	outDir := filepath.Join(cfg.Store.DataDir, "output")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	outPath := filepath.Join(outDir, "contributions.yaml")
	f, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("creating %s: %w", outPath, err)
	}
	defer f.Close()
	if err := aggregate.WriteYAML(out, f); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "wrote %s\n", outPath)
	return nil
}

func init() {
	reportCmd.Flags().Bool("json", false, "output statistics as JSON")
	rootCmd.AddCommand(reportCmd)
}
