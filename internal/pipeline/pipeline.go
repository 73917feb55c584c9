// Package pipeline drives ingestion end to end: extract, chunk, deduplicate,
// embed, stage, promote, index, synthesize. A run either promotes all of its
// chunks atomically or leaves the corpus exactly as it was.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/campuskb/campuskb/internal/chunk"
	"github.com/campuskb/campuskb/internal/corpus"
	"github.com/campuskb/campuskb/internal/embed"
	"github.com/campuskb/campuskb/internal/extract"
	"github.com/campuskb/campuskb/internal/index"
	"github.com/campuskb/campuskb/internal/log"
	"github.com/campuskb/campuskb/internal/synth"
)

// ErrBusy indicates the pipeline is shutting down and rejects new work.
var ErrBusy = errors.New("pipeline is shutting down")

// Store is the corpus surface the pipeline writes through.
type Store interface {
	RegisterSource(ctx context.Context, kind corpus.SourceKind, origin string) (*corpus.Source, error)
	UpdateSourceStatus(ctx context.Context, id uuid.UUID, status corpus.SourceStatus, contentHash string) error
	BeginIngestion(ctx context.Context, sourceID uuid.UUID) (*corpus.Ingestion, error)
	GetIngestion(ctx context.Context, id uuid.UUID) (*corpus.Ingestion, error)
	FinishIngestion(ctx context.Context, id uuid.UUID, status corpus.IngestionStatus, staged, live, dupes int, errs []string) error
	StageChunk(ctx context.Context, c *corpus.Chunk) error
	FindLiveChunkByFingerprint(ctx context.Context, fingerprint string) (*corpus.Chunk, error)
	PromoteRun(ctx context.Context, ingestionID, sourceID uuid.UUID) (*corpus.PromoteResult, error)
	DiscardRun(ctx context.Context, ingestionID uuid.UUID) error
	InsertEmbedding(ctx context.Context, e *corpus.Embedding) error
	NearestLive(ctx context.Context, excludeSourceID uuid.UUID, vector []float32) (float64, error)
	InsertQAPair(ctx context.Context, p *corpus.QAPair) error
	MarkChunkQAFailed(ctx context.Context, id uuid.UUID) error
	RecordDuplicateRef(ctx context.Context, ingestionID, canonicalChunkID uuid.UUID) error
	GetIndexMeta(ctx context.Context) (*corpus.IndexMeta, error)
	SetIndexMeta(ctx context.Context, m *corpus.IndexMeta) error
}

// Indexer is the in-memory index surface the pipeline maintains.
type Indexer interface {
	Insert(entries ...index.Entry) error
	Remove(ids ...uuid.UUID)
}

// DocumentExtractor extracts segments from raw document bytes.
type DocumentExtractor interface {
	Extract(origin string, data []byte) ([]extract.Segment, []error)
}

// SiteCrawler extracts segments from a start URL. depth <= 0 means the
// crawler's configured default.
type SiteCrawler interface {
	Crawl(ctx context.Context, startURL string, depth int) ([]extract.Segment, []error)
}

// Synthesizer generates QA pairs for a chunk.
type Synthesizer interface {
	Synthesize(ctx context.Context, chunkText string) ([]synth.Pair, error)
}

// Config tunes the pipeline.
type Config struct {
	Workers          int     // concurrent ingestion runs
	SynthWorkers     int     // concurrent QA generations within a run
	DedupThreshold   float64 // cosine similarity at or above which a chunk is a near-duplicate
	SkipQASynthesis  bool    // disable QA generation (no generator configured)
	ChunkingDefaults chunk.Config
}

// Pipeline owns ingestion. Submissions return immediately with a running
// ingestion record; progress is observed through Status and the run can be
// stopped with Cancel.
type Pipeline struct {
	store    Store
	embedder embed.Embedder
	idx      Indexer
	synth    Synthesizer
	chunker  *chunk.Chunker
	docs     DocumentExtractor
	crawler  SiteCrawler
	cfg      Config
	logger   log.Logger

	slots chan struct{} // bounds concurrent runs
	wg    sync.WaitGroup

	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelFunc
	closed  bool
}

// New assembles a pipeline.
func New(
	store Store,
	embedder embed.Embedder,
	idx Indexer,
	synthesizer Synthesizer,
	docs DocumentExtractor,
	crawler SiteCrawler,
	cfg Config,
	logger log.Logger,
) (*Pipeline, error) {
	chunker, err := chunk.New(cfg.ChunkingDefaults)
	if err != nil {
		return nil, fmt.Errorf("building chunker: %w", err)
	}
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("pipeline needs at least one worker, got %d", cfg.Workers)
	}
	return &Pipeline{
		store:    store,
		embedder: embedder,
		idx:      idx,
		synth:    synthesizer,
		chunker:  chunker,
		docs:     docs,
		crawler:  crawler,
		cfg:      cfg,
		logger:   logger,
		slots:    make(chan struct{}, cfg.Workers),
		cancels:  make(map[uuid.UUID]context.CancelFunc),
	}, nil
}

// SubmitDocument registers a document source and starts an ingestion run over
// it. The returned ingestion is already persisted in the running state.
func (p *Pipeline) SubmitDocument(ctx context.Context, filename string, data []byte) (*corpus.Ingestion, error) {
	contentHash := corpus.HashContent(data)
	return p.submit(ctx, corpus.SourceKindDocument, filename, func(runCtx context.Context) ([]extract.Segment, []error, string) {
		segments, errs := p.docs.Extract(filename, data)
		return segments, errs, contentHash
	})
}

// SubmitURL registers a web source and starts a crawl-backed ingestion run.
// depth bounds this crawl's link hops, <= 0 uses the configured default. The
// content hash covers the extracted text of all crawled pages, so a recrawl
// of an unchanged site is a no-op.
func (p *Pipeline) SubmitURL(ctx context.Context, startURL string, depth int) (*corpus.Ingestion, error) {
	return p.submit(ctx, corpus.SourceKindWeb, startURL, func(runCtx context.Context) ([]extract.Segment, []error, string) {
		segments, errs := p.crawler.Crawl(runCtx, startURL, depth)
		var joined strings.Builder
		for _, s := range segments {
			joined.WriteString(s.Text)
			joined.WriteByte('\n')
		}
		return segments, errs, corpus.HashContent([]byte(joined.String()))
	})
}

// Status reports an ingestion run.
func (p *Pipeline) Status(ctx context.Context, ingestionID uuid.UUID) (*corpus.Ingestion, error) {
	return p.store.GetIngestion(ctx, ingestionID)
}

// Cancel stops a running ingestion. The run discards everything it staged;
// the live corpus is untouched. Cancelling an unknown or finished run is a
// no-op and returns false.
func (p *Pipeline) Cancel(ingestionID uuid.UUID) bool {
	p.mu.Lock()
	cancel, ok := p.cancels[ingestionID]
	p.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Close stops accepting submissions and waits for in-flight runs to finish.
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}

// extractFn produces the run's segments, extraction errors and the content
// hash used for the unchanged-source check.
type extractFn func(ctx context.Context) ([]extract.Segment, []error, string)

func (p *Pipeline) submit(ctx context.Context, kind corpus.SourceKind, origin string, fn extractFn) (*corpus.Ingestion, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrBusy
	}
	p.mu.Unlock()

	source, err := p.store.RegisterSource(ctx, kind, origin)
	if err != nil {
		return nil, err
	}
	run, err := p.store.BeginIngestion(ctx, source.ID)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.mu.Lock()
	p.cancels[run.ID] = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			cancel()
			p.mu.Lock()
			delete(p.cancels, run.ID)
			p.mu.Unlock()
		}()

		p.slots <- struct{}{}
		defer func() { <-p.slots }()

		p.execute(runCtx, run, source, fn)
	}()

	return run, nil
}
