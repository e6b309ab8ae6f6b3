// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var classifyCmd = &cobra.Command{
	Use:   "classify [text]",
	Short: "Classify a piece of text against the configured taxonomy",
	Long: `Classify runs the configured backend over the given text and prints the
assigned labels, one per line. Useful for debugging taxonomy changes
without a full pipeline run.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig(cmd)
		if backendName, _ := cmd.Flags().GetString("backend"); backendName != "" {
			cfg.Classify.Backend = backendName
		}
		if path, _ := cmd.Flags().GetString("taxonomy"); path != "" {
			cfg.Classify.TaxonomyPath = path
		}

		backend, err := buildBackend(cfg.Classify)
		if err != nil {
			return err
		}

		labels, err := backend.Classify(cmd.Context(), strings.Join(args, " "))
		if err != nil {
			return err
		}
		if len(labels) == 0 {
			fmt.Println("No labels matched.")
			return nil
		}
		for _, label := range labels {
			fmt.Println(label)
		}
		return nil
	},
}

func init() {
	classifyCmd.Flags().String("backend", "", "classifier backend: taxonomy or remote")
	classifyCmd.Flags().String("taxonomy", "", "taxonomy YAML file overriding the built-in labels")
	rootCmd.AddCommand(classifyCmd)
}
