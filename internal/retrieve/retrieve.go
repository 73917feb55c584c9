// Package retrieve answers queries against the in-memory index and assembles
// a bounded context block from the winning chunks.
package retrieve

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/campuskb/campuskb/internal/corpus"
	"github.com/campuskb/campuskb/internal/embed"
	"github.com/campuskb/campuskb/internal/index"
	"github.com/campuskb/campuskb/internal/log"
)

// ErrModelMismatch indicates the query embedder and the index were built with
// different embedding models. Scores across embedding spaces are meaningless,
// so the query is rejected outright.
var ErrModelMismatch = errors.New("query embedder does not match index model")

// Store is the corpus slice the retriever needs.
type Store interface {
	ChunksByIDs(ctx context.Context, ids []uuid.UUID) ([]corpus.Chunk, error)
}

// Searcher is the index slice the retriever needs.
type Searcher interface {
	Search(query []float32, k int) ([]index.Hit, error)
	Model() string
}

// Config tunes retrieval.
type Config struct {
	TokenBudget     int // context size limit, approximated at four chars per token
	OverfetchFactor int // index candidates fetched per requested result
	PerSourceCap    int // max results per source, relaxed when too few sources
}

// ScoredChunk is a retrieval result.
type ScoredChunk struct {
	corpus.Chunk
	Score float64
}

// Result is the outcome of one retrieval.
type Result struct {
	Chunks  []ScoredChunk
	Context string // budget-bounded concatenation for prompting
}

// Retriever runs similarity search over the index and reloads chunk content
// from the corpus store.
type Retriever struct {
	embedder embed.Embedder
	searcher Searcher
	store    Store
	cfg      Config
	logger   log.Logger
}

// New creates a retriever.
func New(embedder embed.Embedder, searcher Searcher, store Store, cfg Config, logger log.Logger) *Retriever {
	return &Retriever{embedder: embedder, searcher: searcher, store: store, cfg: cfg, logger: logger}
}

// Retrieve embeds the query and returns up to k chunks, most similar first.
// The index is overfetched so that stale entries, retired chunks and the
// per-source cap still leave k results when the corpus has them.
// maxContextTokens bounds the assembled context block for this call; zero or
// negative falls back to the configured budget.
func (r *Retriever) Retrieve(ctx context.Context, query string, k, maxContextTokens int) (*Result, error) {
	if k <= 0 {
		return &Result{}, nil
	}
	budget := maxContextTokens
	if budget <= 0 {
		budget = r.cfg.TokenBudget
	}
	if r.embedder.Model() != r.searcher.Model() {
		return nil, fmt.Errorf("embedder %q vs index %q: %w",
			r.embedder.Model(), r.searcher.Model(), ErrModelMismatch)
	}

	vectors, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	hits, err := r.searcher.Search(vectors[0], k*r.cfg.OverfetchFactor)
	if errors.Is(err, index.ErrEmpty) {
		return &Result{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("searching index: %w", err)
	}

	ids := make([]uuid.UUID, len(hits))
	scores := make(map[uuid.UUID]float64, len(hits))
	for i, h := range hits {
		ids[i] = h.ChunkID
		scores[h.ChunkID] = h.Score
	}

	chunks, err := r.store.ChunksByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("loading chunks: %w", err)
	}

	candidates := make([]ScoredChunk, 0, len(chunks))
	seen := make(map[string]struct{}, len(chunks))
	for _, c := range chunks {
		// The index can briefly trail the store after a promote; drop
		// anything no longer retrievable and collapse residual duplicates.
		if !c.Live || c.NearDup {
			continue
		}
		if _, dup := seen[c.Fingerprint]; dup {
			continue
		}
		seen[c.Fingerprint] = struct{}{}
		candidates = append(candidates, ScoredChunk{Chunk: c, Score: scores[c.ID]})
	}

	selected := capPerSource(candidates, k, r.cfg.PerSourceCap)
	return &Result{
		Chunks:  selected,
		Context: BuildContext(selected, budget),
	}, nil
}

// capPerSource keeps at most cap chunks per source while filling k slots from
// candidates in score order. When the cap leaves slots unfilled (few sources
// hold all the relevant content) it is relaxed and the best remaining
// candidates fill the gap regardless of source. The result stays in candidate
// order, so it is descending by score either way.
func capPerSource(candidates []ScoredChunk, k, cap int) []ScoredChunk {
	if len(candidates) == 0 {
		return nil
	}

	perSource := make(map[uuid.UUID]int)
	picked := make(map[uuid.UUID]struct{}, k)

	for _, c := range candidates {
		if len(picked) == k {
			break
		}
		if cap > 0 && perSource[c.SourceID] >= cap {
			continue
		}
		perSource[c.SourceID]++
		picked[c.ID] = struct{}{}
	}
	for _, c := range candidates {
		if len(picked) == k {
			break
		}
		picked[c.ID] = struct{}{}
	}

	selected := make([]ScoredChunk, 0, len(picked))
	for _, c := range candidates {
		if _, ok := picked[c.ID]; ok {
			selected = append(selected, c)
		}
	}
	return selected
}

// BuildContext concatenates chunk texts in result order until the budget is
// spent, approximating tokens at four characters each. A chunk that does not
// fit is skipped rather than truncated mid-sentence; later smaller chunks may
// still fit.
func BuildContext(chunks []ScoredChunk, tokenBudget int) string {
	maxChars := tokenBudget * 4
	var (
		b    strings.Builder
		used int
	)
	for _, c := range chunks {
		need := len(c.Content)
		if b.Len() > 0 {
			need += 2 // separator
		}
		if used+need > maxChars {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(c.Content)
		used += need
	}
	return b.String()
}
