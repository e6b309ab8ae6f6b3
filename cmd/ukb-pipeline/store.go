// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pdiddy/ukb-pipeline/internal/store"
	"github.com/pdiddy/ukb-pipeline/pkg/types"
)

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Inspect and export the publication record store",
	Long: `Store provides read access to the local SQLite record store: list
records, look one up by ID, print per-status counts, or export the full
store for external consumers.`,
}

// --- list subcommand ---

var storeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List publication records in insertion order",
	RunE:  runStoreList,
}

func runStoreList(cmd *cobra.Command, args []string) error {
	st, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	status, _ := cmd.Flags().GetString("status")
	records, err := st.List(cmd.Context(), types.FetchStatus(status))
	if err != nil {
		return err
	}

	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}

	if len(records) == 0 {
		fmt.Println("No records found.")
		return nil
	}

	fmt.Fprintf(os.Stdout, "%-40s  %-50s  %-4s  %-10s  %s\n",
		"ID", "Title", "Year", "Status", "Labels")
	fmt.Fprintln(os.Stdout, strings.Repeat("-", 120))
	for _, rec := range records {
		title := rec.Title
		if len(title) > 50 {
			title = title[:47] + "..."
		}
		id := rec.ID
		if len(id) > 40 {
			id = id[:37] + "..."
		}
		year := ""
		if rec.Year != 0 {
			year = fmt.Sprintf("%d", rec.Year)
		}
		fmt.Fprintf(os.Stdout, "%-40s  %-50s  %-4s  %-10s  %s\n",
			id, title, year, rec.FetchStatus, strings.Join(rec.FieldLabels, ","))
	}
	fmt.Fprintf(os.Stdout, "\n%d records\n", len(records))
	return nil
}

// --- get subcommand ---

var storeGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one record by ID",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		rec, err := st.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	},
}

// --- stats subcommand ---

var storeStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print per-status record counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		counts, err := st.Counts(cmd.Context())
		if err != nil {
			return err
		}
		total := 0
		for _, status := range []types.FetchStatus{
			types.StatusPending, types.StatusFetched, types.StatusParsed,
			types.StatusClassified, types.StatusFailed,
		} {
			n := counts[status]
			total += n
			fmt.Fprintf(os.Stdout, "%-12s %d\n", status, n)
		}
		fmt.Fprintf(os.Stdout, "%-12s %d\n", "total", total)
		return nil
	},
}

// --- export subcommand ---

var storeExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export all records as YAML or JSON",
	Long: `Export writes the full record store to stdout. Exports of an unchanged
store are byte-identical, so downstream report and visualization tooling
can diff successive snapshots.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		format, _ := cmd.Flags().GetString("format")
		switch format {
		case "yaml", "":
			return st.ExportYAML(cmd.Context(), os.Stdout)
		case "json":
			return st.ExportJSON(cmd.Context(), os.Stdout)
		default:
			return fmt.Errorf("unsupported format %q: use yaml or json", format)
		}
	},
}

// openStore opens the record store from the shared persistent flags.
func openStore(cmd *cobra.Command) (*store.Store, error) {
	cfg := loadConfig(cmd)
	return store.Open(cfg.Store)
}

func init() {
	storeListCmd.Flags().String("status", "", "filter by status: pending, fetched, parsed, classified, failed")
	storeListCmd.Flags().Bool("json", false, "output records as JSON")

	storeExportCmd.Flags().String("format", "yaml", "export format: yaml or json")

	storeCmd.AddCommand(storeListCmd)
	storeCmd.AddCommand(storeGetCmd)
	storeCmd.AddCommand(storeStatsCmd)
	storeCmd.AddCommand(storeExportCmd)

	rootCmd.AddCommand(storeCmd)
}
