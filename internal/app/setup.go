package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/firebase/genkit/go/plugins/ollama"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/campuskb/campuskb/db"
	"github.com/campuskb/campuskb/internal/chunk"
	"github.com/campuskb/campuskb/internal/config"
	"github.com/campuskb/campuskb/internal/corpus"
	"github.com/campuskb/campuskb/internal/embed"
	"github.com/campuskb/campuskb/internal/export"
	"github.com/campuskb/campuskb/internal/extract"
	"github.com/campuskb/campuskb/internal/index"
	"github.com/campuskb/campuskb/internal/log"
	"github.com/campuskb/campuskb/internal/pipeline"
	"github.com/campuskb/campuskb/internal/retrieve"
	"github.com/campuskb/campuskb/internal/synth"
)

// Setup creates and initializes the application.
// Returns an App with embedded cleanup — call Close() to release.
func Setup(ctx context.Context, cfg *config.Config) (_ *App, retErr error) {
	a := &App{Config: cfg}
	logger := slog.Default()

	// On error, clean up everything already initialized.
	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				slog.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	pool, dbCleanup, err := provideDBPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.dbCleanup = dbCleanup
	a.DBPool = pool

	g, err := provideGenkit(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Genkit = g

	rawEmbedder := provideEmbedder(g, cfg)
	if rawEmbedder == nil {
		return nil, fmt.Errorf("embedder %q not found for provider %q", cfg.EmbedderModel, cfg.Provider)
	}
	embedder := embed.NewGenkit(rawEmbedder, cfg.EmbedderModel, config.EmbeddingDimension)

	store := corpus.NewStore(pool, logger)
	a.Store = store

	idx, err := provideIndex(ctx, store, cfg)
	if err != nil {
		return nil, err
	}
	a.Index = idx

	pipe, err := providePipeline(store, embedder, idx, g, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Pipeline = pipe

	a.Retriever = retrieve.New(embedder, idx, store, retrieve.Config{
		TokenBudget:     cfg.ContextTokenBudget,
		OverfetchFactor: cfg.OverfetchFactor,
		PerSourceCap:    cfg.PerSourceCap,
	}, logger)

	a.Exporter = export.New(store, cfg.ExportDir, logger)

	return a, nil
}

// provideDBPool creates a PostgreSQL connection pool and runs migrations.
func provideDBPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, func(), error) {
	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return nil, nil, fmt.Errorf("running migrations: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresConnectionString())
	if err != nil {
		return nil, nil, fmt.Errorf("parsing connection config: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("pinging database: %w", err)
	}

	return pool, pool.Close, nil
}

// provideGenkit initializes Genkit with the configured AI provider.
// Supports gemini (default) and ollama.
func provideGenkit(ctx context.Context, cfg *config.Config) (*genkit.Genkit, error) {
	var g *genkit.Genkit

	switch cfg.Provider {
	case config.ProviderOllama:
		ollamaPlugin := &ollama.Ollama{ServerAddress: cfg.OllamaHost}
		g = genkit.Init(ctx, genkit.WithPlugins(ollamaPlugin))
		if g == nil {
			return nil, errors.New("initializing genkit with ollama provider")
		}
		// Ollama requires explicit model registration (no auto-discovery).
		ollamaPlugin.DefineModel(g, ollama.ModelDefinition{
			Name: cfg.ModelName,
			Type: "chat",
		}, nil)
		ollamaPlugin.DefineEmbedder(g, cfg.OllamaHost, cfg.EmbedderModel, nil)
		slog.Info("initialized Genkit with ollama provider",
			"model", cfg.ModelName, "host", cfg.OllamaHost)

	default: // gemini
		g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
		if g == nil {
			return nil, errors.New("initializing genkit with gemini provider")
		}
		slog.Info("initialized Genkit with gemini provider", "model", cfg.ModelName)
	}

	return g, nil
}

// provideEmbedder looks up the embedder registered by the AI provider plugin.
func provideEmbedder(g *genkit.Genkit, cfg *config.Config) ai.Embedder {
	switch cfg.Provider {
	case config.ProviderOllama:
		// Ollama embedder is keyed by server address (registered in provideGenkit).
		return ollama.Embedder(g, cfg.OllamaHost)
	default:
		return googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel)
	}
}

// provideIndex builds the in-memory vector index and warms it from the live
// corpus. A persisted index meta that disagrees with the configured embedding
// space aborts startup rather than serving cross-space similarities.
func provideIndex(ctx context.Context, store *corpus.Store, cfg *config.Config) (*index.Index, error) {
	idx := index.New(cfg.EmbedderModel, config.EmbeddingDimension, cfg.CompactAfterRemoves)

	meta, err := store.GetIndexMeta(ctx)
	switch {
	case errors.Is(err, corpus.ErrNotFound):
		// Fresh corpus, nothing to warm or verify.
	case err != nil:
		return nil, fmt.Errorf("loading index meta: %w", err)
	case meta.Model != cfg.EmbedderModel:
		return nil, fmt.Errorf("corpus was embedded with %q but embedder_model is %q; re-ingest or revert the config", meta.Model, cfg.EmbedderModel)
	case meta.Dimension != config.EmbeddingDimension:
		return nil, fmt.Errorf("corpus dimension %d does not match %d", meta.Dimension, config.EmbeddingDimension)
	}

	live, err := store.LiveEmbeddings(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading live embeddings: %w", err)
	}
	entries := make([]index.Entry, 0, len(live))
	for _, e := range live {
		entries = append(entries, index.Entry{ChunkID: e.ChunkID, SourceID: e.SourceID, Vector: e.Vector})
	}
	if err := idx.Rebuild(entries); err != nil {
		return nil, fmt.Errorf("warming index: %w", err)
	}
	slog.Info("vector index warmed", "chunks", len(entries), "model", cfg.EmbedderModel)

	return idx, nil
}

// providePipeline assembles the ingestion pipeline with its extractors and
// QA synthesizer.
func providePipeline(
	store *corpus.Store,
	embedder embed.Embedder,
	idx *index.Index,
	g *genkit.Genkit,
	cfg *config.Config,
	logger log.Logger,
) (*pipeline.Pipeline, error) {
	docs := extract.NewDocument(logger)
	crawler := extract.NewCrawler(extract.CrawlConfig{
		MaxDepth:    cfg.CrawlDepth,
		MaxPages:    cfg.CrawlMaxPages,
		Parallelism: cfg.CrawlParallelism,
		Delay:       time.Duration(cfg.CrawlDelayMS) * time.Millisecond,
		Timeout:     time.Duration(cfg.CrawlTimeoutMS) * time.Millisecond,
	}, logger)

	generator := synth.NewGenkitGenerator(g, cfg.ModelName)
	synthesizer := synth.New(generator, synth.Config{
		MaxPairsPerChunk:  cfg.QAMaxPairsPerChunk,
		OverlapThreshold:  cfg.QAOverlapThreshold,
		MaxRetries:        cfg.QAMaxRetries,
		RequestsPerSecond: cfg.QARequestsPerSecond,
	}, logger)

	return pipeline.New(store, embedder, idx, synthesizer, docs, crawler, pipeline.Config{
		Workers:        cfg.IngestWorkers,
		SynthWorkers:   cfg.SynthWorkers,
		DedupThreshold: cfg.DedupSimilarityThreshold,
		ChunkingDefaults: chunk.Config{
			MinSize: cfg.MinChunkSize,
			MaxSize: cfg.MaxChunkSize,
			Overlap: cfg.ChunkOverlap,
		},
	}, logger)
}
