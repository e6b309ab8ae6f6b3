// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package main is the entry point for the ukb-pipeline CLI.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pdiddy/ukb-pipeline/internal/secrets"
	"github.com/pdiddy/ukb-pipeline/pkg/types"
)

// version is set at build time via ldflags.
var version = "dev"

// loadedSecrets holds API keys loaded from .secrets/ at startup.
var loadedSecrets map[string]string

// secretDefault returns fallback when non-empty, otherwise the secret value
// for key if one was loaded.
func secretDefault(key, fallback string) string {
	if fallback != "" {
		return fallback
	}
	if v, ok := loadedSecrets[key]; ok {
		return v
	}
	return ""
}

// rootCmd is the base command for the ukb-pipeline CLI.
var rootCmd = &cobra.Command{
	Use:   "ukb-pipeline",
	Short: "Ingest and analyze UK Biobank publication metadata",
	Long: `ukb-pipeline fetches UK Biobank publication metadata (Showcase Schema 19),
normalizes and deduplicates it into a local record store, assigns
research-field and disease labels, and computes per-field contribution
statistics.

Each stage is reachable through subcommands: run executes the full
pipeline; store inspects and exports the record store; report prints the
aggregated contribution statistics for external report and visualization
tooling.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadedSecrets = secrets.Load(".secrets/")
		if len(loadedSecrets) > 0 {
			keys := make([]string, 0, len(loadedSecrets))
			for k := range loadedSecrets {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			fmt.Fprintf(os.Stderr, "Loaded secrets: %v\n", keys)
		}
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "config file (default: ./ukb-pipeline.yaml or ~/.config/ukb-pipeline/config.yaml)")
	rootCmd.PersistentFlags().String("data-dir", "data", "base directory for pipeline state")
	rootCmd.PersistentFlags().Bool("verbose", false, "enable debug logging")
}

func initConfig() {
	cfgFile, _ := rootCmd.PersistentFlags().GetString("config")
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("ukb-pipeline")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")

		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "ukb-pipeline"))
		}
	}

	viper.SetEnvPrefix("UKB_PIPELINE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// loadConfig assembles the stage configuration from the config file and the
// shared persistent flags. Stage commands overlay their own flags on top.
func loadConfig(cmd *cobra.Command) types.Config {
	var cfg types.Config
	// Viper keys mirror the yaml layout; absent keys leave zero values for
	// the stage constructors to default.
	_ = viper.Unmarshal(&cfg)

	if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
		cfg.Store.DataDir = dataDir
	}
	if cfg.Store.DataDir == "" {
		cfg.Store.DataDir = "data"
	}
	if cfg.Fetch.UserAgent == "" {
		cfg.Fetch.UserAgent = "ukb-pipeline/" + version
	}
	// Give the source operator a way to reach us about fetch behavior.
	if email := secretDefault(secrets.ContactEmail, ""); email != "" {
		cfg.Fetch.UserAgent += " (mailto:" + email + ")"
	}
	if cfg.Classify.UserAgent == "" {
		cfg.Classify.UserAgent = "ukb-pipeline/" + version
	}
	if cfg.Fetch.Timeout <= 0 {
		cfg.Fetch.Timeout = 30 * time.Second
	}
	if cfg.Classify.Timeout <= 0 {
		cfg.Classify.Timeout = 30 * time.Second
	}
	return cfg
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
