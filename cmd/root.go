// Package cmd provides CLI commands for campuskb.
//
// Commands:
//   - serve: HTTP API server for ingestion, retrieval and export
//   - ingest: ingest a document file or crawl a site, waiting for completion
//   - retrieve: similarity search against the live corpus
//   - export: write accepted QA pairs as JSONL training datasets
//
// Signal handling and graceful shutdown are implemented for all commands
// via context cancellation.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/campuskb/campuskb/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "campuskb",
	Short: "Campus knowledge base: ingest institutional documents, retrieve grounded context",
	Long: `campuskb ingests institutional documents and web pages into a versioned,
deduplicated corpus, serves similarity search over it, and exports
synthesized QA pairs as fine-tuning datasets.`,
	SilenceUsage: true,
}

// Execute is the main entry point for the campuskb CLI.
func Execute() error {
	initLogger()
	return rootCmd.Execute()
}

// initLogger initializes the default structured logger. DEBUG in the
// environment (any value) lowers the level to debug.
func initLogger() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// loadConfig loads and validates configuration for a command run.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}
