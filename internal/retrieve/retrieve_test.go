package retrieve

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/campuskb/campuskb/internal/corpus"
	"github.com/campuskb/campuskb/internal/index"
	"github.com/campuskb/campuskb/internal/log"
)

type fakeEmbedder struct {
	model  string
	vector []float32
	err    error
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vector
	}
	return out, nil
}

func (f *fakeEmbedder) Model() string  { return f.model }
func (f *fakeEmbedder) Dimension() int { return len(f.vector) }

type fakeStore struct {
	chunks map[uuid.UUID]corpus.Chunk
	err    error
}

func (f *fakeStore) ChunksByIDs(_ context.Context, ids []uuid.UUID) ([]corpus.Chunk, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []corpus.Chunk
	for _, id := range ids {
		if c, ok := f.chunks[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func testConfig() Config {
	return Config{TokenBudget: 2048, OverfetchFactor: 4, PerSourceCap: 2}
}

// buildCorpus indexes n chunks for each given source with descending
// similarity to the query vector unit(0).
func buildCorpus(t *testing.T, sources []uuid.UUID, perSource int) (*index.Index, *fakeStore) {
	t.Helper()
	idx := index.New("test-model", 4, 256)
	store := &fakeStore{chunks: map[uuid.UUID]corpus.Chunk{}}

	score := float32(1.0)
	for _, src := range sources {
		for j := 0; j < perSource; j++ {
			id := uuid.New()
			vec := []float32{score, 1, 0, 0}
			score -= 0.05
			if err := idx.Insert(index.Entry{ChunkID: id, SourceID: src, Vector: vec}); err != nil {
				t.Fatalf("Insert: %v", err)
			}
			store.chunks[id] = corpus.Chunk{
				ID:          id,
				SourceID:    src,
				Content:     "content for " + id.String(),
				Fingerprint: id.String(),
				Live:        true,
			}
		}
	}
	return idx, store
}

func TestRetrieveModelMismatch(t *testing.T) {
	idx := index.New("index-model", 4, 256)
	r := New(&fakeEmbedder{model: "other-model", vector: []float32{1, 0, 0, 0}},
		idx, &fakeStore{}, testConfig(), log.NewNop())

	_, err := r.Retrieve(context.Background(), "when is tuition due", 3, 0)
	if !errors.Is(err, ErrModelMismatch) {
		t.Fatalf("Retrieve() = %v, want ErrModelMismatch", err)
	}
}

func TestRetrieveEmptyIndex(t *testing.T) {
	idx := index.New("test-model", 4, 256)
	r := New(&fakeEmbedder{model: "test-model", vector: []float32{1, 0, 0, 0}},
		idx, &fakeStore{}, testConfig(), log.NewNop())

	res, err := r.Retrieve(context.Background(), "anything", 3, 0)
	if err != nil {
		t.Fatalf("Retrieve() = %v", err)
	}
	if len(res.Chunks) != 0 || res.Context != "" {
		t.Errorf("empty corpus returned %+v", res)
	}
}

func TestRetrieveOrdersByScore(t *testing.T) {
	src := uuid.New()
	idx, store := buildCorpus(t, []uuid.UUID{src}, 3)
	cfg := testConfig()
	cfg.PerSourceCap = 10

	r := New(&fakeEmbedder{model: "test-model", vector: []float32{1, 0, 0, 0}},
		idx, store, cfg, log.NewNop())

	res, err := r.Retrieve(context.Background(), "query", 3, 0)
	if err != nil {
		t.Fatalf("Retrieve() = %v", err)
	}
	if len(res.Chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(res.Chunks))
	}
	for i := 1; i < len(res.Chunks); i++ {
		if res.Chunks[i].Score > res.Chunks[i-1].Score {
			t.Errorf("results out of order at %d: %v > %v", i, res.Chunks[i].Score, res.Chunks[i-1].Score)
		}
	}
}

func TestRetrieveSkipsRetiredChunks(t *testing.T) {
	src := uuid.New()
	idx, store := buildCorpus(t, []uuid.UUID{src}, 3)
	cfg := testConfig()
	cfg.PerSourceCap = 10

	// Retire the best chunk in the store but leave it in the index,
	// simulating the window between a promote and the index update.
	hits, err := idx.Search([]float32{1, 0, 0, 0}, 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	bestID := hits[0].ChunkID
	stale := store.chunks[bestID]
	stale.Live = false
	store.chunks[bestID] = stale

	r := New(&fakeEmbedder{model: "test-model", vector: []float32{1, 0, 0, 0}},
		idx, store, cfg, log.NewNop())

	res, err := r.Retrieve(context.Background(), "query", 3, 0)
	if err != nil {
		t.Fatalf("Retrieve() = %v", err)
	}
	for _, c := range res.Chunks {
		if c.ID == bestID {
			t.Error("retired chunk appeared in results")
		}
	}
	if len(res.Chunks) != 2 {
		t.Errorf("got %d chunks, want the 2 remaining live ones", len(res.Chunks))
	}
}

func TestRetrievePerSourceCap(t *testing.T) {
	srcA, srcB := uuid.New(), uuid.New()
	idx, store := buildCorpus(t, []uuid.UUID{srcA, srcB}, 5)

	r := New(&fakeEmbedder{model: "test-model", vector: []float32{1, 0, 0, 0}},
		idx, store, testConfig(), log.NewNop())

	res, err := r.Retrieve(context.Background(), "query", 4, 0)
	if err != nil {
		t.Fatalf("Retrieve() = %v", err)
	}
	if len(res.Chunks) != 4 {
		t.Fatalf("got %d chunks, want 4", len(res.Chunks))
	}
	counts := map[uuid.UUID]int{}
	for _, c := range res.Chunks {
		counts[c.SourceID]++
	}
	if counts[srcA] != 2 || counts[srcB] != 2 {
		t.Errorf("per-source counts = %v, want 2 each", counts)
	}
}

func TestRetrieveCapRelaxesForSingleSource(t *testing.T) {
	src := uuid.New()
	idx, store := buildCorpus(t, []uuid.UUID{src}, 5)

	r := New(&fakeEmbedder{model: "test-model", vector: []float32{1, 0, 0, 0}},
		idx, store, testConfig(), log.NewNop())

	res, err := r.Retrieve(context.Background(), "query", 4, 0)
	if err != nil {
		t.Fatalf("Retrieve() = %v", err)
	}
	if len(res.Chunks) != 4 {
		t.Errorf("got %d chunks, want cap relaxed to fill 4", len(res.Chunks))
	}
	// The relaxed picks must not break the score ordering.
	for i := 1; i < len(res.Chunks); i++ {
		if res.Chunks[i].Score > res.Chunks[i-1].Score {
			t.Errorf("results out of order at %d: %v > %v", i, res.Chunks[i].Score, res.Chunks[i-1].Score)
		}
	}
}

func TestCapRelaxedResultsStayScoreOrdered(t *testing.T) {
	srcA, srcB := uuid.New(), uuid.New()
	// srcA holds the three best chunks, srcB one weak one. With cap 1 and
	// k 3, two of srcA's chunks come from the relaxed pass and must still
	// rank above srcB's.
	candidates := []ScoredChunk{
		{Chunk: corpus.Chunk{ID: uuid.New(), SourceID: srcA}, Score: 0.9},
		{Chunk: corpus.Chunk{ID: uuid.New(), SourceID: srcA}, Score: 0.8},
		{Chunk: corpus.Chunk{ID: uuid.New(), SourceID: srcA}, Score: 0.7},
		{Chunk: corpus.Chunk{ID: uuid.New(), SourceID: srcB}, Score: 0.1},
	}

	got := capPerSource(candidates, 3, 1)
	if len(got) != 3 {
		t.Fatalf("got %d chunks, want 3", len(got))
	}
	wantScores := []float64{0.9, 0.8, 0.7}
	for i, c := range got {
		if c.Score != wantScores[i] {
			t.Errorf("position %d score = %v, want %v", i, c.Score, wantScores[i])
		}
	}
}

func TestRetrievePerCallContextBudget(t *testing.T) {
	src := uuid.New()
	idx, store := buildCorpus(t, []uuid.UUID{src}, 3)
	cfg := testConfig()
	cfg.PerSourceCap = 10

	r := New(&fakeEmbedder{model: "test-model", vector: []float32{1, 0, 0, 0}},
		idx, store, cfg, log.NewNop())

	// One chunk's content is ~48 chars; a 15-token budget (60 chars) fits
	// exactly one, far below the configured 2048-token default.
	res, err := r.Retrieve(context.Background(), "query", 3, 15)
	if err != nil {
		t.Fatalf("Retrieve() = %v", err)
	}
	if len(res.Chunks) != 3 {
		t.Fatalf("got %d chunks, want 3 (budget bounds context, not results)", len(res.Chunks))
	}
	if len(res.Context) > 60 {
		t.Errorf("context is %d chars, per-call budget allows 60", len(res.Context))
	}
	if res.Context == "" {
		t.Error("context empty, want the best chunk within budget")
	}

	wide, err := r.Retrieve(context.Background(), "query", 3, 0)
	if err != nil {
		t.Fatalf("Retrieve() = %v", err)
	}
	if len(wide.Context) <= len(res.Context) {
		t.Errorf("default budget context (%d chars) not larger than bounded one (%d)",
			len(wide.Context), len(res.Context))
	}
}

func TestRetrieveCollapsesDuplicateFingerprints(t *testing.T) {
	srcA, srcB := uuid.New(), uuid.New()
	idx := index.New("test-model", 4, 256)
	store := &fakeStore{chunks: map[uuid.UUID]corpus.Chunk{}}

	for i, src := range []uuid.UUID{srcA, srcB} {
		id := uuid.New()
		_ = idx.Insert(index.Entry{ChunkID: id, SourceID: src, Vector: []float32{1 - float32(i)*0.01, 0, 0, 0}})
		store.chunks[id] = corpus.Chunk{
			ID: id, SourceID: src,
			Content:     "identical text",
			Fingerprint: "same-fingerprint",
			Live:        true,
		}
	}

	r := New(&fakeEmbedder{model: "test-model", vector: []float32{1, 0, 0, 0}},
		idx, store, testConfig(), log.NewNop())

	res, err := r.Retrieve(context.Background(), "query", 5, 0)
	if err != nil {
		t.Fatalf("Retrieve() = %v", err)
	}
	if len(res.Chunks) != 1 {
		t.Errorf("got %d chunks, want duplicates collapsed to 1", len(res.Chunks))
	}
}

func TestRetrieveZeroK(t *testing.T) {
	r := New(&fakeEmbedder{model: "m", vector: []float32{1}},
		index.New("m", 1, 8), &fakeStore{}, testConfig(), log.NewNop())
	res, err := r.Retrieve(context.Background(), "query", 0, 0)
	if err != nil {
		t.Fatalf("Retrieve() = %v", err)
	}
	if len(res.Chunks) != 0 {
		t.Errorf("got %d chunks for k=0", len(res.Chunks))
	}
}

func TestBuildContext(t *testing.T) {
	chunks := []ScoredChunk{
		{Chunk: corpus.Chunk{Content: strings.Repeat("a", 40)}},
		{Chunk: corpus.Chunk{Content: strings.Repeat("b", 400)}}, // will not fit
		{Chunk: corpus.Chunk{Content: strings.Repeat("c", 30)}},  // still fits after skip
	}

	got := BuildContext(chunks, 20) // 80 chars
	if !strings.Contains(got, "aaaa") {
		t.Error("first chunk missing from context")
	}
	if strings.Contains(got, "bbbb") {
		t.Error("oversized chunk was not skipped")
	}
	if !strings.Contains(got, "cccc") {
		t.Error("later fitting chunk was not included")
	}
	if len(got) > 80 {
		t.Errorf("context is %d chars, budget is 80", len(got))
	}
}

func TestBuildContextEmpty(t *testing.T) {
	if got := BuildContext(nil, 100); got != "" {
		t.Errorf("BuildContext(nil) = %q", got)
	}
}
