package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/campuskb/campuskb/internal/app"
)

var (
	retrieveK      int
	retrieveBudget int
)

var retrieveCmd = &cobra.Command{
	Use:   "retrieve <query>",
	Short: "Search the live corpus and print a retrieval context",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRetrieve(strings.Join(args, " "))
	},
}

func init() {
	retrieveCmd.Flags().IntVarP(&retrieveK, "top", "k", 5, "number of chunks to retrieve")
	retrieveCmd.Flags().IntVar(&retrieveBudget, "max-context-tokens", 0, "context budget for this query (0 uses the configured default)")
	rootCmd.AddCommand(retrieveCmd)
}

func runRetrieve(query string) error {
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

	result, err := a.Retriever.Retrieve(ctx, query, retrieveK, retrieveBudget)
	if err != nil {
		return fmt.Errorf("retrieving: %w", err)
	}

	if len(result.Chunks) == 0 {
		fmt.Println("No results.")
		return nil
	}

	for i, c := range result.Chunks {
		fmt.Printf("%d. [%.3f] source=%s", i+1, c.Score, c.SourceID)
		if c.Section != "" {
			fmt.Printf(" section=%q", c.Section)
		}
		if c.Page > 0 {
			fmt.Printf(" page=%d", c.Page)
		}
		fmt.Println()
		fmt.Println(indent(c.Content, "   "))
	}
	fmt.Println("--- context ---")
	fmt.Println(result.Context)
	return nil
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}
