package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/campuskb/campuskb/internal/app"
	"github.com/campuskb/campuskb/internal/corpus"
)

// statusPollInterval is how often a foreground ingest checks on its run.
const statusPollInterval = 500 * time.Millisecond

var (
	ingestURL   string
	ingestDepth int
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [file]",
	Short: "Ingest a document file, or crawl a site with --url",
	Long: `Ingest runs the full pipeline in the foreground: extraction, chunking,
embedding, deduplication, promotion and QA synthesis. It exits once the
run reaches a terminal state.

Examples:
  campuskb ingest handbook.pdf
  campuskb ingest --url https://campus.example.edu/admissions`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if ingestURL == "" && len(args) == 0 {
			return errors.New("provide a file path or --url")
		}
		if ingestURL != "" && len(args) > 0 {
			return errors.New("provide either a file path or --url, not both")
		}
		return runIngest(args)
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestURL, "url", "", "crawl this URL instead of reading a file")
	ingestCmd.Flags().IntVar(&ingestDepth, "depth", 0, "crawl depth for --url (0 uses the configured default)")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(args []string) error {
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
	defer a.Close() //nolint:errcheck // foreground command, nothing to do with a close error

	var run *corpus.Ingestion
	if ingestURL != "" {
		run, err = a.Pipeline.SubmitURL(ctx, ingestURL, ingestDepth)
	} else {
		path := args[0]
		data, readErr := os.ReadFile(path) //nolint:gosec // user-supplied path is the point
		if readErr != nil {
			return fmt.Errorf("reading %s: %w", path, readErr)
		}
		run, err = a.Pipeline.SubmitDocument(ctx, filepath.Base(path), data)
	}
	if err != nil {
		return fmt.Errorf("submitting ingestion: %w", err)
	}

	fmt.Printf("Ingestion %s started\n", run.ID)

	final, err := waitForRun(ctx, a, run.ID)
	if err != nil {
		return err
	}

	fmt.Printf("Status:     %s\n", final.Status)
	fmt.Printf("Chunks:     %d live, %d staged\n", final.ChunksLive, final.ChunksStaged)
	fmt.Printf("Duplicates: %d\n", final.DuplicateHits)
	for _, e := range final.Errors {
		fmt.Printf("Warning:    %s\n", e)
	}
	if final.Status == corpus.IngestionFailed {
		return errors.New("ingestion failed")
	}
	return nil
}

// waitForRun polls until the ingestion reaches a terminal state. On Ctrl+C
// it cancels the run and reports the resulting state.
func waitForRun(ctx context.Context, a *app.App, id uuid.UUID) (*corpus.Ingestion, error) {
	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()

	cancelled := false
	for {
		<-ticker.C
		if ctx.Err() != nil && !cancelled {
			a.Pipeline.Cancel(id)
			cancelled = true
			fmt.Println("Cancelling...")
		}

		run, err := a.Pipeline.Status(context.WithoutCancel(ctx), id)
		if err != nil {
			return nil, fmt.Errorf("checking ingestion status: %w", err)
		}
		if run.Status != corpus.IngestionRunning {
			return run, nil
		}
	}
}
