package config

import "fmt"

// Validate checks the configuration for consistency. It returns the first
// violation found, wrapped around a package sentinel so callers can use
// errors.Is().
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	switch c.Provider {
	case ProviderGemini, ProviderOllama:
	default:
		return fmt.Errorf("%w: %q (supported: gemini, ollama)", ErrInvalidProvider, c.Provider)
	}

	if c.EmbedderModel == "" {
		return fmt.Errorf("%w: empty", ErrInvalidEmbedderModel)
	}

	if c.MinChunkSize <= 0 || c.MaxChunkSize <= 0 || c.MinChunkSize > c.MaxChunkSize {
		return fmt.Errorf("%w: min=%d max=%d", ErrInvalidChunkBounds, c.MinChunkSize, c.MaxChunkSize)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.MinChunkSize {
		return fmt.Errorf("%w: overlap=%d must be in [0, min_chunk_size)", ErrInvalidOverlap, c.ChunkOverlap)
	}

	if c.CrawlDepth < 0 || c.CrawlDepth > 5 {
		return fmt.Errorf("%w: %d (must be 0-5)", ErrInvalidCrawlDepth, c.CrawlDepth)
	}

	if c.DedupSimilarityThreshold <= 0 || c.DedupSimilarityThreshold > 1 {
		return fmt.Errorf("%w: %v (must be in (0, 1])", ErrInvalidThreshold, c.DedupSimilarityThreshold)
	}
	if c.QAOverlapThreshold < 0 || c.QAOverlapThreshold > 1 {
		return fmt.Errorf("%w: qa_overlap_threshold=%v (must be in [0, 1])", ErrInvalidThreshold, c.QAOverlapThreshold)
	}

	if c.IndexMetric != "cosine" {
		return fmt.Errorf("%w: %q (only cosine is supported)", ErrInvalidMetric, c.IndexMetric)
	}

	if c.ContextTokenBudget <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidContextBudget, c.ContextTokenBudget)
	}
	if c.OverfetchFactor < 1 {
		return fmt.Errorf("%w: overfetch_factor=%d", ErrInvalidContextBudget, c.OverfetchFactor)
	}

	if c.IngestWorkers < 1 || c.IngestWorkers > 64 {
		return fmt.Errorf("%w: ingest_workers=%d (must be 1-64)", ErrInvalidWorkers, c.IngestWorkers)
	}
	if c.SynthWorkers < 1 || c.SynthWorkers > 64 {
		return fmt.Errorf("%w: synth_workers=%d (must be 1-64)", ErrInvalidWorkers, c.SynthWorkers)
	}

	if c.PostgresHost == "" {
		return ErrInvalidPostgresHost
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if c.PostgresDBName == "" {
		return ErrInvalidPostgresDBName
	}

	return nil
}
