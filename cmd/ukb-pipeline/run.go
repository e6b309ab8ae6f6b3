// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pdiddy/ukb-pipeline/internal/classify"
	"github.com/pdiddy/ukb-pipeline/internal/fetch"
	"github.com/pdiddy/ukb-pipeline/internal/logging"
	"github.com/pdiddy/ukb-pipeline/internal/pipeline"
	"github.com/pdiddy/ukb-pipeline/internal/secrets"
	"github.com/pdiddy/ukb-pipeline/internal/store"
	"github.com/pdiddy/ukb-pipeline/pkg/types"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute the full ingestion pipeline",
	Long: `Run fetches the publication snapshot, normalizes and deduplicates the
records into the store, classifies them into research-field labels, and
prints the aggregated contribution summary.

Re-running with the same parameters is idempotent: already-classified
records are skipped unless --force is set. An interrupted run resumes from
its last committed cursor.`,
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg := runConfig(cmd)

	verbose, _ := cmd.Flags().GetBool("verbose")
	log, err := logging.New(verbose)
	if err != nil {
		return err
	}
	defer log.Sync()

	st, err := store.Open(cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	if unlock, _ := cmd.Flags().GetBool("force-unlock"); unlock {
		if err := st.ForceUnlock(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(os.Stderr, "cleared stale run lock")
	}

	backend, err := buildBackend(cfg.Classify)
	if err != nil {
		return err
	}

	fetcher := fetch.New(cfg.Fetch, log)
	runner := pipeline.NewRunner(st, fetcher, backend, cfg, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, err := runner.Run(ctx, os.Stdout)
	if err != nil {
		if summary != nil {
			fmt.Fprintf(os.Stderr, "run %s: %v\n", summary.State, err)
		}
		return err
	}
	return nil
}

// runConfig overlays the run command's flags on the base configuration.
func runConfig(cmd *cobra.Command) types.Config {
	cfg := loadConfig(cmd)

	if query, _ := cmd.Flags().GetString("query"); query != "" {
		cfg.Fetch.Query = query
	}
	if from, _ := cmd.Flags().GetString("from"); from != "" {
		if t, err := time.Parse("2006-01-02", from); err == nil {
			cfg.Fetch.DateFrom = t
		}
	}
	if to, _ := cmd.Flags().GetString("to"); to != "" {
		if t, err := time.Parse("2006-01-02", to); err == nil {
			cfg.Fetch.DateTo = t
		}
	}
	if format, _ := cmd.Flags().GetString("format"); format != "" {
		cfg.Fetch.Format = types.RawFormat(format)
	}
	if sourceURL, _ := cmd.Flags().GetString("source-url"); sourceURL != "" {
		cfg.Fetch.SourceURL = sourceURL
	}
	if n, _ := cmd.Flags().GetInt("max-retries"); n > 0 {
		cfg.Fetch.MaxRetries = n
		cfg.Classify.MaxRetries = n
	}
	if t, _ := cmd.Flags().GetFloat64("failure-threshold"); t > 0 {
		cfg.Pipeline.FailureThreshold = t
	}
	if n, _ := cmd.Flags().GetInt("workers"); n > 0 {
		cfg.Pipeline.Workers = n
	}
	if force, _ := cmd.Flags().GetBool("force"); force {
		cfg.Pipeline.Force = true
	}
	if backend, _ := cmd.Flags().GetString("backend"); backend != "" {
		cfg.Classify.Backend = backend
	}
	return cfg
}

// buildBackend selects the classification backend from configuration.
func buildBackend(cfg types.ClassifyConfig) (classify.Backend, error) {
	switch cfg.Backend {
	case "", "taxonomy":
		var taxonomy classify.Taxonomy
		if cfg.TaxonomyPath != "" {
			var err error
			taxonomy, err = classify.LoadTaxonomy(cfg.TaxonomyPath)
			if err != nil {
				return nil, err
			}
		}
		return classify.NewTaxonomyBackend(taxonomy), nil
	case "remote":
		cfg.APIKey = secretDefault(secrets.ClassifierAPIKey, cfg.APIKey)
		return classify.NewRemoteBackend(cfg)
	default:
		return nil, fmt.Errorf("unknown classifier backend %q: use taxonomy or remote", cfg.Backend)
	}
}

func init() {
	runCmd.Flags().String("query", "", "free-text filter forwarded to the source")
	runCmd.Flags().String("from", "", "publication date range start (YYYY-MM-DD)")
	runCmd.Flags().String("to", "", "publication date range end (YYYY-MM-DD)")
	runCmd.Flags().String("format", "", "download format: tsv or xml")
	runCmd.Flags().String("source-url", "", "override the publication source endpoint")
	runCmd.Flags().String("backend", "", "classifier backend: taxonomy or remote")
	runCmd.Flags().Int("max-retries", 0, "retry budget for fetch and classification calls")
	runCmd.Flags().Float64("failure-threshold", 0, "per-run failure-rate ceiling in (0,1]")
	runCmd.Flags().Int("workers", 0, "concurrent classification workers")
	runCmd.Flags().Bool("force", false, "re-fetch and re-classify already-classified records")
	runCmd.Flags().Bool("force-unlock", false, "clear a stale run lock before starting")

	rootCmd.AddCommand(runCmd)
}
