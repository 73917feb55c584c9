package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/campuskb/campuskb/internal/app"
	"github.com/campuskb/campuskb/internal/export"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export accepted QA pairs as JSONL training datasets",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runExport()
	},
}

func init() {
	rootCmd.AddCommand(exportCmd)
}

func runExport() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.Setup(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer a.Close() //nolint:errcheck

	result, err := a.Exporter.Run(ctx)
	if errors.Is(err, export.ErrNoPairs) {
		fmt.Println("No accepted QA pairs to export.")
		return nil
	}
	if err != nil {
		return fmt.Errorf("exporting: %w", err)
	}

	fmt.Printf("Train: %s (%d pairs)\n", result.TrainPath, result.TrainCount)
	fmt.Printf("Val:   %s (%d pairs)\n", result.ValPath, result.ValCount)
	return nil
}
