package pipeline

import (
	"context"
	"crypto/sha256"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/goleak"

	"github.com/campuskb/campuskb/internal/chunk"
	"github.com/campuskb/campuskb/internal/corpus"
	"github.com/campuskb/campuskb/internal/extract"
	"github.com/campuskb/campuskb/internal/index"
	"github.com/campuskb/campuskb/internal/log"
	"github.com/campuskb/campuskb/internal/synth"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeStore is an in-memory corpus mirroring the PostgreSQL semantics the
// pipeline relies on: staged rows invisible until promotion, fingerprint
// uniqueness over live rows, supersession on promote.
type fakeStore struct {
	mu         sync.Mutex
	sources    map[uuid.UUID]*corpus.Source
	byOrigin   map[string]uuid.UUID
	ingestions map[uuid.UUID]*corpus.Ingestion
	chunks     map[uuid.UUID]*corpus.Chunk
	embeddings map[uuid.UUID]*corpus.Embedding
	qaPairs    []*corpus.QAPair
	dupRefs    map[uuid.UUID][]uuid.UUID
	meta       *corpus.IndexMeta

	hideLiveFingerprints bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sources:    map[uuid.UUID]*corpus.Source{},
		byOrigin:   map[string]uuid.UUID{},
		ingestions: map[uuid.UUID]*corpus.Ingestion{},
		chunks:     map[uuid.UUID]*corpus.Chunk{},
		embeddings: map[uuid.UUID]*corpus.Embedding{},
		dupRefs:    map[uuid.UUID][]uuid.UUID{},
	}
}

func (f *fakeStore) RegisterSource(_ context.Context, kind corpus.SourceKind, origin string) (*corpus.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.byOrigin[origin]; ok {
		cp := *f.sources[id]
		return &cp, nil
	}
	src := &corpus.Source{ID: uuid.New(), Kind: kind, Origin: origin, Status: corpus.SourceStatusPending}
	f.sources[src.ID] = src
	f.byOrigin[origin] = src.ID
	cp := *src
	return &cp, nil
}

func (f *fakeStore) UpdateSourceStatus(_ context.Context, id uuid.UUID, status corpus.SourceStatus, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	src, ok := f.sources[id]
	if !ok {
		return corpus.ErrNotFound
	}
	src.Status = status
	if hash != "" {
		src.ContentHash = hash
	}
	return nil
}

func (f *fakeStore) BeginIngestion(_ context.Context, sourceID uuid.UUID) (*corpus.Ingestion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run := &corpus.Ingestion{ID: uuid.New(), SourceID: sourceID, Status: corpus.IngestionRunning, StartedAt: time.Now()}
	f.ingestions[run.ID] = run
	cp := *run
	return &cp, nil
}

func (f *fakeStore) GetIngestion(_ context.Context, id uuid.UUID) (*corpus.Ingestion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.ingestions[id]
	if !ok {
		return nil, corpus.ErrNotFound
	}
	cp := *run
	return &cp, nil
}

func (f *fakeStore) FinishIngestion(_ context.Context, id uuid.UUID, status corpus.IngestionStatus, staged, live, dupes int, errs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.ingestions[id]
	if !ok {
		return corpus.ErrNotFound
	}
	now := time.Now()
	run.Status = status
	run.ChunksStaged = staged
	run.ChunksLive = live
	run.DuplicateHits = dupes
	run.Errors = errs
	run.FinishedAt = &now
	return nil
}

func (f *fakeStore) StageChunk(_ context.Context, c *corpus.Chunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *c
	f.chunks[c.ID] = &cp
	return nil
}

func (f *fakeStore) FindLiveChunkByFingerprint(_ context.Context, fingerprint string) (*corpus.Chunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hideLiveFingerprints {
		// Models the window where a concurrent run's identical content has
		// not committed yet, so the race surfaces at promote time.
		return nil, corpus.ErrNotFound
	}
	for _, c := range f.chunks {
		if c.Live && c.Fingerprint == fingerprint {
			cp := *c
			return &cp, nil
		}
	}
	return nil, corpus.ErrNotFound
}

func (f *fakeStore) PromoteRun(_ context.Context, ingestionID, sourceID uuid.UUID) (*corpus.PromoteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	res := &corpus.PromoteResult{}
	for id, c := range f.chunks {
		if c.SourceID == sourceID && c.Live {
			c.Live = false
			c.SupersededBy = &ingestionID
			res.Superseded = append(res.Superseded, id)
		}
	}
	liveFingerprints := map[string]uuid.UUID{}
	for id, c := range f.chunks {
		if c.Live {
			liveFingerprints[c.Fingerprint] = id
		}
	}
	for id, c := range f.chunks {
		if c.IngestionID != ingestionID || c.Live || c.SupersededBy != nil {
			continue
		}
		if canonical, taken := liveFingerprints[c.Fingerprint]; taken {
			res.Duplicates++
			f.dupRefs[ingestionID] = append(f.dupRefs[ingestionID], canonical)
			continue
		}
		c.Live = true
		liveFingerprints[c.Fingerprint] = id
		res.Promoted = append(res.Promoted, id)
	}
	return res, nil
}

func (f *fakeStore) DiscardRun(_ context.Context, ingestionID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, c := range f.chunks {
		if c.IngestionID == ingestionID && !c.Live && c.SupersededBy == nil {
			delete(f.chunks, id)
			delete(f.embeddings, id)
		}
	}
	return nil
}

func (f *fakeStore) InsertEmbedding(_ context.Context, e *corpus.Embedding) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *e
	f.embeddings[e.ChunkID] = &cp
	return nil
}

func (f *fakeStore) NearestLive(_ context.Context, excludeSourceID uuid.UUID, vector []float32) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	best := 0.0
	for id, c := range f.chunks {
		if !c.Live || c.NearDup || c.SourceID == excludeSourceID {
			continue
		}
		e, ok := f.embeddings[id]
		if !ok {
			continue
		}
		if sim := cosine(vector, e.Vector); sim > best {
			best = sim
		}
	}
	return best, nil
}

func (f *fakeStore) InsertQAPair(_ context.Context, p *corpus.QAPair) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *p
	f.qaPairs = append(f.qaPairs, &cp)
	return nil
}

func (f *fakeStore) RecordDuplicateRef(_ context.Context, ingestionID, canonicalChunkID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dupRefs[ingestionID] = append(f.dupRefs[ingestionID], canonicalChunkID)
	return nil
}

func (f *fakeStore) MarkChunkQAFailed(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.chunks[id]
	if !ok {
		return corpus.ErrNotFound
	}
	c.QAFailed = true
	return nil
}

func (f *fakeStore) GetIndexMeta(_ context.Context) (*corpus.IndexMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.meta == nil {
		return nil, corpus.ErrNotFound
	}
	cp := *f.meta
	return &cp, nil
}

func (f *fakeStore) SetIndexMeta(_ context.Context, m *corpus.IndexMeta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *m
	f.meta = &cp
	return nil
}

func (f *fakeStore) liveChunks() []*corpus.Chunk {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*corpus.Chunk
	for _, c := range f.chunks {
		if c.Live {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out
}

func (f *fakeStore) stagedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.chunks {
		if !c.Live && c.SupersededBy == nil {
			n++
		}
	}
	return n
}

// hashEmbedder derives a deterministic unit-ish vector from text so distinct
// texts land far apart. An override map forces specific texts onto specific
// vectors for near-duplicate scenarios.
type hashEmbedder struct {
	overrides map[string][]float32
}

func (h *hashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := h.overrides[t]; ok {
			out[i] = v
			continue
		}
		sum := sha256.Sum256([]byte(t))
		v := make([]float32, 4)
		for j := range v {
			v[j] = float32(sum[j]) + 1 // strictly positive, no zero vectors
		}
		out[i] = v
	}
	return out, nil
}

func (h *hashEmbedder) Model() string  { return "test-model" }
func (h *hashEmbedder) Dimension() int { return 4 }

type fakeSynth struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeSynth) Synthesize(_ context.Context, chunkText string) ([]synth.Pair, error) {
	f.mu.Lock()
	f.calls++
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	first := strings.Fields(chunkText)[0]
	return []synth.Pair{
		{Question: "What does the passage say?", Answer: first, Grounded: true},
		{Question: "What is invented?", Answer: "something unrelated", Grounded: false},
	}, nil
}

type fakeDocExtractor struct{}

func (fakeDocExtractor) Extract(origin string, data []byte) ([]extract.Segment, []error) {
	norm := extract.Normalize(string(data))
	if norm == "" {
		return nil, []error{&extract.Error{Origin: origin, Location: "document", Err: extract.ErrNoText}}
	}
	return []extract.Segment{{Text: norm, Page: 1}}, nil
}

type blockingCrawler struct {
	segments []extract.Segment
	block    chan struct{} // closed to release
}

func (b *blockingCrawler) Crawl(ctx context.Context, _ string, _ int) ([]extract.Segment, []error) {
	if b.block != nil {
		select {
		case <-b.block:
		case <-ctx.Done():
			return nil, []error{ctx.Err()}
		}
	}
	if ctx.Err() != nil {
		return nil, []error{ctx.Err()}
	}
	return b.segments, nil
}

type testEnv struct {
	store *fakeStore
	idx   *index.Index
	synth *fakeSynth
	pipe  *Pipeline
}

func newEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	store := newFakeStore()
	idx := index.New("test-model", 4, 256)
	syn := &fakeSynth{}

	cfg := Config{
		Workers:        2,
		SynthWorkers:   2,
		DedupThreshold: 0.999,
		ChunkingDefaults: chunk.Config{
			MinSize: 20,
			MaxSize: 80,
			Overlap: 5,
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	pipe, err := New(store, &hashEmbedder{}, idx, syn, fakeDocExtractor{},
		&blockingCrawler{segments: []extract.Segment{{Text: "crawled page text about campus housing options and meal plans for students.", Section: "https://example.edu"}}},
		cfg, log.NewNop())
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	return &testEnv{store: store, idx: idx, synth: syn, pipe: pipe}
}

const sampleDoc = "Tuition is due on the first day of each semester. Late payment places a hold on registration. The bursar office processes payment plans during the first two weeks."

func TestSubmitDocumentCompletes(t *testing.T) {
	env := newEnv(t, nil)

	run, err := env.pipe.SubmitDocument(context.Background(), "catalog.txt", []byte(sampleDoc))
	if err != nil {
		t.Fatalf("SubmitDocument() = %v", err)
	}
	env.pipe.Close()

	final, err := env.pipe.Status(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("Status() = %v", err)
	}
	if final.Status != corpus.IngestionCompleted {
		t.Fatalf("status = %s, want completed (errors: %v)", final.Status, final.Errors)
	}
	if final.ChunksLive == 0 {
		t.Error("no chunks went live")
	}
	if got := len(env.store.liveChunks()); got != final.ChunksLive {
		t.Errorf("store has %d live chunks, run reports %d", got, final.ChunksLive)
	}
	if env.idx.Len() != final.ChunksLive {
		t.Errorf("index has %d entries, want %d", env.idx.Len(), final.ChunksLive)
	}
	if env.store.stagedCount() != 0 {
		t.Errorf("%d rows left staged after completion", env.store.stagedCount())
	}
}

func TestResubmitUnchangedIsNoop(t *testing.T) {
	env := newEnv(t, nil)
	ctx := context.Background()

	first, _ := env.pipe.SubmitDocument(ctx, "catalog.txt", []byte(sampleDoc))
	// Serialize the two runs so the second observes the first's result.
	for {
		st, err := env.pipe.Status(ctx, first.ID)
		if err != nil {
			t.Fatalf("Status() = %v", err)
		}
		if st.Status != corpus.IngestionRunning {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	liveBefore := len(env.store.liveChunks())

	second, err := env.pipe.SubmitDocument(ctx, "catalog.txt", []byte(sampleDoc))
	if err != nil {
		t.Fatalf("SubmitDocument() = %v", err)
	}
	env.pipe.Close()

	final, _ := env.pipe.Status(ctx, second.ID)
	if final.Status != corpus.IngestionNoop {
		t.Fatalf("second run status = %s, want noop", final.Status)
	}
	if got := len(env.store.liveChunks()); got != liveBefore {
		t.Errorf("live chunks changed on noop: %d -> %d", liveBefore, got)
	}
}

func TestReingestSupersedesOldGeneration(t *testing.T) {
	env := newEnv(t, nil)
	ctx := context.Background()

	first, _ := env.pipe.SubmitDocument(ctx, "catalog.txt", []byte(sampleDoc))
	waitDone(t, env.pipe, first.ID)

	oldLive := env.store.liveChunks()

	updated := "Tuition is now due two weeks before each semester begins. Payment plans are available through the student portal at any time of year."
	second, err := env.pipe.SubmitDocument(ctx, "catalog.txt", []byte(updated))
	if err != nil {
		t.Fatalf("SubmitDocument() = %v", err)
	}
	env.pipe.Close()

	final, _ := env.pipe.Status(ctx, second.ID)
	if final.Status != corpus.IngestionCompleted {
		t.Fatalf("second run status = %s (errors: %v)", final.Status, final.Errors)
	}

	env.store.mu.Lock()
	for _, old := range oldLive {
		c := env.store.chunks[old.ID]
		if c.Live {
			t.Errorf("old chunk %s still live after re-ingestion", old.ID)
		}
		if c.SupersededBy == nil || *c.SupersededBy != second.ID {
			t.Errorf("old chunk %s not marked superseded by the new run", old.ID)
		}
	}
	env.store.mu.Unlock()

	if env.idx.Len() != len(env.store.liveChunks()) {
		t.Errorf("index size %d does not match %d live chunks", env.idx.Len(), len(env.store.liveChunks()))
	}
}

func TestCancelDiscardsStagedWork(t *testing.T) {
	block := make(chan struct{})
	env := newEnv(t, nil)
	env.pipe.crawler = &blockingCrawler{block: block}

	run, err := env.pipe.SubmitURL(context.Background(), "https://example.edu", 0)
	if err != nil {
		t.Fatalf("SubmitURL() = %v", err)
	}

	if !env.pipe.Cancel(run.ID) {
		t.Fatal("Cancel() = false for a running ingestion")
	}
	close(block)
	env.pipe.Close()

	final, _ := env.pipe.Status(context.Background(), run.ID)
	if final.Status != corpus.IngestionCancelled {
		t.Fatalf("status = %s, want cancelled", final.Status)
	}
	if env.store.stagedCount() != 0 {
		t.Errorf("%d staged rows survived cancellation", env.store.stagedCount())
	}
	if got := len(env.store.liveChunks()); got != 0 {
		t.Errorf("%d chunks went live from a cancelled run", got)
	}
}

func TestCancelUnknownRun(t *testing.T) {
	env := newEnv(t, nil)
	defer env.pipe.Close()
	if env.pipe.Cancel(uuid.New()) {
		t.Error("Cancel() = true for unknown ingestion")
	}
}

func TestExactDuplicateAcrossSources(t *testing.T) {
	env := newEnv(t, nil)
	ctx := context.Background()

	first, _ := env.pipe.SubmitDocument(ctx, "original.txt", []byte(sampleDoc))
	waitDone(t, env.pipe, first.ID)
	liveBefore := len(env.store.liveChunks())

	second, err := env.pipe.SubmitDocument(ctx, "copy.txt", []byte(sampleDoc))
	if err != nil {
		t.Fatalf("SubmitDocument() = %v", err)
	}
	env.pipe.Close()

	final, _ := env.pipe.Status(ctx, second.ID)
	if final.Status != corpus.IngestionNoop {
		t.Fatalf("duplicate document run status = %s, want noop", final.Status)
	}
	if final.DuplicateHits == 0 {
		t.Error("duplicate hits not counted")
	}
	if got := len(env.store.liveChunks()); got != liveBefore {
		t.Errorf("live chunks changed: %d -> %d", liveBefore, got)
	}

	env.store.mu.Lock()
	refs := env.store.dupRefs[second.ID]
	env.store.mu.Unlock()
	if len(refs) == 0 {
		t.Fatal("no canonical chunk refs recorded for duplicate run")
	}
	for _, id := range refs {
		c, ok := env.store.chunks[id]
		if !ok || !c.Live {
			t.Errorf("duplicate ref %s does not point at a live chunk", id)
		}
	}
}

func TestPromoteTimeFingerprintLossRecordsCanonical(t *testing.T) {
	env := newEnv(t, nil)
	ctx := context.Background()

	first, _ := env.pipe.SubmitDocument(ctx, "original.txt", []byte(sampleDoc))
	waitDone(t, env.pipe, first.ID)

	// Hide the live fingerprints from the staging check, so the identical
	// content is only caught when its promote sees the fingerprint taken.
	env.store.mu.Lock()
	env.store.hideLiveFingerprints = true
	env.store.mu.Unlock()

	second, err := env.pipe.SubmitDocument(ctx, "copy.txt", []byte(sampleDoc))
	if err != nil {
		t.Fatalf("SubmitDocument() = %v", err)
	}
	env.pipe.Close()

	final, _ := env.pipe.Status(ctx, second.ID)
	if final.DuplicateHits == 0 {
		t.Error("promote-time losses not counted as duplicates")
	}
	if final.ChunksLive != 0 {
		t.Errorf("losing run promoted %d chunks, want 0", final.ChunksLive)
	}

	env.store.mu.Lock()
	refs := env.store.dupRefs[second.ID]
	env.store.mu.Unlock()
	if len(refs) == 0 {
		t.Fatal("no canonical chunk refs recorded for promote-time losses")
	}
	for _, id := range refs {
		c, ok := env.store.chunks[id]
		if !ok || !c.Live || c.SourceID == final.SourceID {
			t.Errorf("ref %s should point at the other source's live chunk", id)
		}
	}
}

func TestNearDuplicateFlaggedAndExcludedFromIndex(t *testing.T) {
	textA := "The library is open until midnight during the final examination period each term."
	textB := "The campus library stays open to midnight throughout the final exam period every term."

	env := newEnv(t, func(cfg *Config) {
		cfg.ChunkingDefaults = chunk.Config{MinSize: 20, MaxSize: 200, Overlap: 5}
	})
	emb := &hashEmbedder{overrides: map[string][]float32{
		textA: {1, 0, 0, 0},
		textB: {1, 0.001, 0, 0},
	}}
	env.pipe.embedder = emb

	first, _ := env.pipe.SubmitDocument(context.Background(), "a.txt", []byte(textA))
	waitDone(t, env.pipe, first.ID)

	second, err := env.pipe.SubmitDocument(context.Background(), "b.txt", []byte(textB))
	if err != nil {
		t.Fatalf("SubmitDocument() = %v", err)
	}
	env.pipe.Close()

	final, _ := env.pipe.Status(context.Background(), second.ID)
	if final.Status != corpus.IngestionCompleted {
		t.Fatalf("status = %s (errors: %v)", final.Status, final.Errors)
	}

	var flagged int
	for _, c := range env.store.liveChunks() {
		if c.NearDup {
			flagged++
		}
	}
	if flagged != 1 {
		t.Errorf("flagged %d near-duplicates, want 1", flagged)
	}
	if env.idx.Len() != 1 {
		t.Errorf("index has %d entries, want 1 (near-dup excluded)", env.idx.Len())
	}
}

func TestEmptyDocumentFails(t *testing.T) {
	env := newEnv(t, nil)

	run, err := env.pipe.SubmitDocument(context.Background(), "empty.txt", []byte("   \n "))
	if err != nil {
		t.Fatalf("SubmitDocument() = %v", err)
	}
	env.pipe.Close()

	final, _ := env.pipe.Status(context.Background(), run.ID)
	if final.Status != corpus.IngestionFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if len(final.Errors) == 0 {
		t.Error("failed run recorded no errors")
	}
}

func TestEmbeddingSpaceMismatchFailsRun(t *testing.T) {
	env := newEnv(t, nil)
	_ = env.store.SetIndexMeta(context.Background(), &corpus.IndexMeta{
		Model: "someone-elses-model", Metric: "cosine", Dimension: 4,
	})

	run, _ := env.pipe.SubmitDocument(context.Background(), "doc.txt", []byte(sampleDoc))
	env.pipe.Close()

	final, _ := env.pipe.Status(context.Background(), run.ID)
	if final.Status != corpus.IngestionFailed {
		t.Fatalf("status = %s, want failed on embedding space mismatch", final.Status)
	}
}

func TestQAPairsStoredWithGroundingStates(t *testing.T) {
	env := newEnv(t, nil)

	run, _ := env.pipe.SubmitDocument(context.Background(), "doc.txt", []byte(sampleDoc))
	env.pipe.Close()

	final, _ := env.pipe.Status(context.Background(), run.ID)
	if final.Status != corpus.IngestionCompleted {
		t.Fatalf("status = %s (errors: %v)", final.Status, final.Errors)
	}

	env.store.mu.Lock()
	defer env.store.mu.Unlock()
	if len(env.store.qaPairs) == 0 {
		t.Fatal("no QA pairs stored")
	}
	states := map[corpus.QAState]int{}
	for _, p := range env.store.qaPairs {
		states[p.State]++
	}
	if states[corpus.QAAccepted] == 0 {
		t.Error("grounded pairs were not auto-accepted")
	}
	if states[corpus.QARejected] == 0 {
		t.Error("ungrounded pairs were not recorded as rejected")
	}
}

func TestSynthesisFailureMarksChunksNotRun(t *testing.T) {
	env := newEnv(t, nil)
	env.synth.err = errors.New("generation quota exhausted")

	run, _ := env.pipe.SubmitDocument(context.Background(), "doc.txt", []byte(sampleDoc))
	env.pipe.Close()

	final, _ := env.pipe.Status(context.Background(), run.ID)
	if final.Status != corpus.IngestionCompleted {
		t.Fatalf("status = %s, want completed despite QA failures", final.Status)
	}
	if len(final.Errors) == 0 {
		t.Error("QA failures were not reported on the run")
	}

	failed := 0
	for _, c := range env.store.liveChunks() {
		if c.QAFailed {
			failed++
		}
	}
	if failed == 0 {
		t.Error("no chunk was marked qa_failed")
	}
	env.store.mu.Lock()
	defer env.store.mu.Unlock()
	if len(env.store.qaPairs) != 0 {
		t.Errorf("qa pairs stored = %d, want 0", len(env.store.qaPairs))
	}
}

type pagedExtractor struct {
	segments []extract.Segment
}

func (p pagedExtractor) Extract(string, []byte) ([]extract.Segment, []error) {
	return p.segments, nil
}

func TestDocumentChunksSpanPageBreaks(t *testing.T) {
	store := newFakeStore()
	idx := index.New("test-model", 4, 256)
	docs := pagedExtractor{segments: []extract.Segment{
		{Text: "Page one ends mid thought about tuition", Page: 1},
		{Text: "with the deadline. More page two text follows here plus yet more trailing words.", Page: 2},
	}}

	pipe, err := New(store, &hashEmbedder{}, idx, &fakeSynth{}, docs, &blockingCrawler{},
		Config{
			Workers:        1,
			SynthWorkers:   1,
			DedupThreshold: 0.999,
			ChunkingDefaults: chunk.Config{
				MinSize: 20,
				MaxSize: 80,
				Overlap: 5,
			},
		}, log.NewNop())
	if err != nil {
		t.Fatalf("New() = %v", err)
	}

	run, err := pipe.SubmitDocument(context.Background(), "two-pages.pdf", []byte("raw"))
	if err != nil {
		t.Fatalf("SubmitDocument() = %v", err)
	}
	pipe.Close()

	final, _ := pipe.Status(context.Background(), run.ID)
	if final.Status != corpus.IngestionCompleted {
		t.Fatalf("status = %s (errors: %v)", final.Status, final.Errors)
	}

	spanning := false
	for _, c := range store.liveChunks() {
		if strings.Contains(c.Content, "tuition") && strings.Contains(c.Content, "deadline") {
			spanning = true
			if c.Page != 1 {
				t.Errorf("spanning chunk page = %d, want 1 (page it starts on)", c.Page)
			}
		}
	}
	if !spanning {
		t.Error("no chunk spans the page break")
	}
}

func TestSubmitAfterCloseRejected(t *testing.T) {
	env := newEnv(t, nil)
	env.pipe.Close()

	if _, err := env.pipe.SubmitDocument(context.Background(), "late.txt", []byte(sampleDoc)); err == nil {
		t.Fatal("SubmitDocument() after Close = nil, want error")
	}
}

func waitDone(t *testing.T, p *Pipeline, id uuid.UUID) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := p.Status(context.Background(), id)
		if err != nil {
			t.Fatalf("Status() = %v", err)
		}
		if run.Status != corpus.IngestionRunning {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("ingestion did not finish in time")
}
