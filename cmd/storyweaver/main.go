// Package main provides the storyweaver CLI: a pipeline orchestrator for
// multi-stage AI content generation.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "storyweaver",
	Short: "Multi-stage AI content generation orchestrator",
	Long:  "Storyweaver executes dependency-ordered generation pipelines with an event-sourced run log, response caching, and copy-on-write run branching.",
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
