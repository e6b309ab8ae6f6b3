package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of ukb-pipeline",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ukb-pipeline %s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
