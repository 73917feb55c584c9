// Package config provides application configuration management with
// multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.campuskb/config.yaml or ./config.yaml)
//  3. Default values
//
// Security: sensitive fields (passwords) are masked in MarshalJSON/String.
// Validation: range checks in validation.go with sentinel errors for
// errors.Is() checking.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrInvalidChunkBounds indicates min/max chunk sizes are inconsistent.
	ErrInvalidChunkBounds = errors.New("invalid chunk size bounds")

	// ErrInvalidOverlap indicates the chunk overlap is out of range.
	ErrInvalidOverlap = errors.New("invalid chunk overlap")

	// ErrInvalidCrawlDepth indicates the crawl depth is out of range.
	ErrInvalidCrawlDepth = errors.New("invalid crawl depth")

	// ErrInvalidThreshold indicates the dedup similarity threshold is out of range.
	ErrInvalidThreshold = errors.New("invalid dedup similarity threshold")

	// ErrInvalidEmbedderModel indicates the embedder model is empty.
	ErrInvalidEmbedderModel = errors.New("invalid embedder model")

	// ErrInvalidDimension indicates the embedding dimension does not match the schema.
	ErrInvalidDimension = errors.New("invalid embedding dimension")

	// ErrInvalidMetric indicates the index metric is not supported.
	ErrInvalidMetric = errors.New("invalid index metric")

	// ErrInvalidContextBudget indicates the retrieval context budget is out of range.
	ErrInvalidContextBudget = errors.New("invalid context token budget")

	// ErrInvalidWorkers indicates a worker count is out of range.
	ErrInvalidWorkers = errors.New("invalid worker count")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is empty.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is empty.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidProvider indicates the AI provider is not supported.
	ErrInvalidProvider = errors.New("invalid provider")
)

// AI provider identifiers used in Config.Provider.
const (
	ProviderGemini = "gemini"
	ProviderOllama = "ollama"
)

const (
	// DefaultEmbedderModel is the default Gemini embedder model.
	// gemini-embedding-001 supports truncation to 768 dimensions via
	// OutputDimensionality; the pgvector schema uses vector(768).
	DefaultEmbedderModel = "gemini-embedding-001"

	// EmbeddingDimension must match the vector(768) column in db/migrations.
	EmbeddingDimension = 768
)

// Config stores application configuration.
// SECURITY: sensitive fields are masked in MarshalJSON().
type Config struct {
	// AI provider and model configuration
	Provider      string `mapstructure:"provider" json:"provider"`             // "gemini" (default), "ollama"
	ModelName     string `mapstructure:"model_name" json:"model_name"`         // generation model for QA synthesis
	EmbedderModel string `mapstructure:"embedder_model" json:"embedder_model"` // embedding model identifier
	OllamaHost    string `mapstructure:"ollama_host" json:"ollama_host"`

	// Chunking
	MinChunkSize int `mapstructure:"min_chunk_size" json:"min_chunk_size"`
	MaxChunkSize int `mapstructure:"max_chunk_size" json:"max_chunk_size"`
	ChunkOverlap int `mapstructure:"chunk_overlap" json:"chunk_overlap"`

	// Web extraction
	CrawlDepth       int `mapstructure:"crawl_depth" json:"crawl_depth"`
	CrawlMaxPages    int `mapstructure:"crawl_max_pages" json:"crawl_max_pages"`
	CrawlParallelism int `mapstructure:"crawl_parallelism" json:"crawl_parallelism"`
	CrawlDelayMS     int `mapstructure:"crawl_delay_ms" json:"crawl_delay_ms"`
	CrawlTimeoutMS   int `mapstructure:"crawl_timeout_ms" json:"crawl_timeout_ms"`

	// Deduplication
	DedupSimilarityThreshold float64 `mapstructure:"dedup_similarity_threshold" json:"dedup_similarity_threshold"`

	// Index / retrieval
	IndexMetric         string `mapstructure:"index_metric" json:"index_metric"` // "cosine"
	CompactAfterRemoves int    `mapstructure:"compact_after_removes" json:"compact_after_removes"`
	ContextTokenBudget  int    `mapstructure:"context_token_budget" json:"context_token_budget"`
	OverfetchFactor     int    `mapstructure:"overfetch_factor" json:"overfetch_factor"`
	PerSourceCap        int    `mapstructure:"retrieval_per_source_cap" json:"retrieval_per_source_cap"`

	// QA synthesis
	QAMaxPairsPerChunk  int     `mapstructure:"qa_max_pairs_per_chunk" json:"qa_max_pairs_per_chunk"`
	QAOverlapThreshold  float64 `mapstructure:"qa_overlap_threshold" json:"qa_overlap_threshold"`
	QAMaxRetries        int     `mapstructure:"qa_max_retries" json:"qa_max_retries"`
	QARequestsPerSecond float64 `mapstructure:"qa_requests_per_second" json:"qa_requests_per_second"`

	// Concurrency
	IngestWorkers int `mapstructure:"ingest_workers" json:"ingest_workers"`
	SynthWorkers  int `mapstructure:"synth_workers" json:"synth_workers"`

	// Training export
	ExportDir string `mapstructure:"export_dir" json:"export_dir"`

	// HTTP server
	APIAddr string `mapstructure:"api_addr" json:"api_addr"`

	// Storage configuration (see storage.go)
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`
}

// Load loads configuration.
// Priority: environment variables > configuration file > default values.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".campuskb")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is not an error; defaults apply.
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using defaults",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// DATABASE_URL has the highest priority for PostgreSQL settings.
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults() {
	viper.SetDefault("provider", ProviderGemini)
	viper.SetDefault("model_name", "gemini-2.5-flash")
	viper.SetDefault("embedder_model", DefaultEmbedderModel)
	viper.SetDefault("ollama_host", "http://localhost:11434")

	viper.SetDefault("min_chunk_size", 200)
	viper.SetDefault("max_chunk_size", 1000)
	viper.SetDefault("chunk_overlap", 100)

	viper.SetDefault("crawl_depth", 1)
	viper.SetDefault("crawl_max_pages", 50)
	viper.SetDefault("crawl_parallelism", 2)
	viper.SetDefault("crawl_delay_ms", 1000)
	viper.SetDefault("crawl_timeout_ms", 30000)

	viper.SetDefault("dedup_similarity_threshold", 0.97)

	viper.SetDefault("index_metric", "cosine")
	viper.SetDefault("compact_after_removes", 256)
	viper.SetDefault("context_token_budget", 2048)
	viper.SetDefault("overfetch_factor", 4)
	viper.SetDefault("retrieval_per_source_cap", 2)

	viper.SetDefault("qa_max_pairs_per_chunk", 3)
	viper.SetDefault("qa_overlap_threshold", 0.5)
	viper.SetDefault("qa_max_retries", 4)
	viper.SetDefault("qa_requests_per_second", 2.0)

	viper.SetDefault("ingest_workers", 4)
	viper.SetDefault("synth_workers", 3)

	viper.SetDefault("export_dir", "training_data")
	viper.SetDefault("api_addr", "127.0.0.1:3500")

	viper.SetDefault("postgres_host", "localhost")
	viper.SetDefault("postgres_port", 5432)
	viper.SetDefault("postgres_user", "campuskb")
	viper.SetDefault("postgres_password", "campuskb_dev_password")
	viper.SetDefault("postgres_db_name", "campuskb")
	viper.SetDefault("postgres_ssl_mode", "disable")
}

// bindEnvVariables binds environment overrides explicitly.
// GEMINI_API_KEY is read directly by Genkit, not via Viper.
func bindEnvVariables() {
	mustBind := func(key, envVar string) {
		if err := viper.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("provider", "CAMPUSKB_PROVIDER")
	mustBind("model_name", "CAMPUSKB_MODEL_NAME")
	mustBind("embedder_model", "CAMPUSKB_EMBEDDER_MODEL")
	mustBind("ollama_host", "CAMPUSKB_OLLAMA_HOST")
	mustBind("api_addr", "CAMPUSKB_API_ADDR")
	mustBind("export_dir", "CAMPUSKB_EXPORT_DIR")
}

// maskedValue is the placeholder for masked sensitive data.
const maskedValue = "████████"

// maskSecret masks a secret string for safe logging. Secrets of 8 chars or
// fewer are fully masked; longer secrets keep the first and last two
// characters for debug utility.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with sensitive field masking.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
