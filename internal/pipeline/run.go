package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/campuskb/campuskb/internal/corpus"
	"github.com/campuskb/campuskb/internal/embed"
	"github.com/campuskb/campuskb/internal/extract"
	"github.com/campuskb/campuskb/internal/index"
)

// stagedChunk carries a chunk through the run together with its vector.
type stagedChunk struct {
	chunk  corpus.Chunk
	vector []float32
}

// execute runs one ingestion to a terminal state. Every early return before
// promotion discards the staged rows, so a failed or cancelled run leaves the
// live corpus untouched.
func (p *Pipeline) execute(ctx context.Context, run *corpus.Ingestion, source *corpus.Source, fn extractFn) {
	// Terminal bookkeeping must outlive a cancelled run context.
	cleanCtx := context.WithoutCancel(ctx)

	fail := func(staged, dupes int, errs []string, cause error) {
		errs = append(errs, cause.Error())
		p.logger.Error("ingestion failed", "ingestion_id", run.ID, "origin", source.Origin, "error", cause)
		if err := p.store.DiscardRun(cleanCtx, run.ID); err != nil {
			p.logger.Error("discarding failed run", "ingestion_id", run.ID, "error", err)
		}
		if err := p.store.FinishIngestion(cleanCtx, run.ID, corpus.IngestionFailed, staged, 0, dupes, errs); err != nil {
			p.logger.Error("recording failed run", "ingestion_id", run.ID, "error", err)
		}
		if err := p.store.UpdateSourceStatus(cleanCtx, source.ID, corpus.SourceStatusFailed, ""); err != nil {
			p.logger.Error("updating source status", "source_id", source.ID, "error", err)
		}
	}
	cancelled := func(staged, dupes int, errs []string) {
		p.logger.Info("ingestion cancelled", "ingestion_id", run.ID, "origin", source.Origin)
		if err := p.store.DiscardRun(cleanCtx, run.ID); err != nil {
			p.logger.Error("discarding cancelled run", "ingestion_id", run.ID, "error", err)
		}
		if err := p.store.FinishIngestion(cleanCtx, run.ID, corpus.IngestionCancelled, staged, 0, dupes, errs); err != nil {
			p.logger.Error("recording cancelled run", "ingestion_id", run.ID, "error", err)
		}
	}

	// 1. Extract.
	segments, extractErrs, contentHash := fn(ctx)
	errs := make([]string, 0, len(extractErrs))
	for _, e := range extractErrs {
		errs = append(errs, e.Error())
	}
	if ctx.Err() != nil {
		cancelled(0, 0, errs)
		return
	}
	if len(segments) == 0 {
		fail(0, 0, errs, fmt.Errorf("source %q produced no text", source.Origin))
		return
	}

	// 2. Unchanged content is a no-op run; the live generation stays.
	if contentHash == source.ContentHash && source.Status == corpus.SourceStatusIndexed {
		p.logger.Info("content unchanged, skipping", "origin", source.Origin, "ingestion_id", run.ID)
		if err := p.store.FinishIngestion(cleanCtx, run.ID, corpus.IngestionNoop, 0, 0, 0, errs); err != nil {
			p.logger.Error("recording noop run", "ingestion_id", run.ID, "error", err)
		}
		return
	}

	if err := p.ensureIndexMeta(ctx); err != nil {
		fail(0, 0, errs, err)
		return
	}
	if err := p.store.UpdateSourceStatus(ctx, source.ID, corpus.SourceStatusExtracted, ""); err != nil {
		fail(0, 0, errs, err)
		return
	}

	// 3. Chunk, fingerprint, drop exact duplicates.
	staged, dupes, err := p.buildChunks(ctx, run, source, segments)
	if err != nil {
		if ctx.Err() != nil {
			cancelled(0, dupes, errs)
			return
		}
		fail(0, dupes, errs, err)
		return
	}
	if len(staged) == 0 {
		// Everything in the document already lives in the corpus.
		if err := p.store.FinishIngestion(cleanCtx, run.ID, corpus.IngestionNoop, 0, 0, dupes, errs); err != nil {
			p.logger.Error("recording noop run", "ingestion_id", run.ID, "error", err)
		}
		return
	}

	// 4. Embed and flag semantic near-duplicates.
	if err := p.embedAndFlag(ctx, source.ID, staged); err != nil {
		if ctx.Err() != nil {
			cancelled(0, dupes, errs)
			return
		}
		fail(0, dupes, errs, err)
		return
	}

	// 5. Stage chunks and their vectors, still invisible to retrieval.
	for i := range staged {
		if ctx.Err() != nil {
			cancelled(i, dupes, errs)
			return
		}
		if err := p.store.StageChunk(ctx, &staged[i].chunk); err != nil {
			fail(i, dupes, errs, err)
			return
		}
		if err := p.store.InsertEmbedding(ctx, &corpus.Embedding{
			ChunkID: staged[i].chunk.ID,
			Vector:  staged[i].vector,
			Model:   p.embedder.Model(),
			Norm:    embed.Norm(staged[i].vector),
		}); err != nil {
			fail(i+1, dupes, errs, err)
			return
		}
	}

	if ctx.Err() != nil {
		cancelled(len(staged), dupes, errs)
		return
	}

	// 6. Atomic swap: retire the old generation, promote this one.
	result, err := p.store.PromoteRun(ctx, run.ID, source.ID)
	if err != nil {
		fail(len(staged), dupes, errs, err)
		return
	}
	dupes += result.Duplicates

	// 7. Update the in-memory index to match the new live set.
	p.idx.Remove(result.Superseded...)
	promoted := make(map[uuid.UUID]struct{}, len(result.Promoted))
	for _, id := range result.Promoted {
		promoted[id] = struct{}{}
	}
	var entries []index.Entry
	for _, sc := range staged {
		if _, ok := promoted[sc.chunk.ID]; !ok || sc.chunk.NearDup {
			continue
		}
		entries = append(entries, index.Entry{
			ChunkID:  sc.chunk.ID,
			SourceID: source.ID,
			Vector:   sc.vector,
		})
	}
	if err := p.idx.Insert(entries...); err != nil {
		// The database is already consistent; the index will catch up on
		// the next rebuild. Record but do not fail the run.
		p.logger.Error("index insert failed after promote", "ingestion_id", run.ID, "error", err)
		errs = append(errs, fmt.Sprintf("index update: %v", err))
	}

	// 8. Synthesize QA pairs from the promoted chunks.
	if p.synth != nil && !p.cfg.SkipQASynthesis {
		if qaErrs := p.synthesizeAll(ctx, staged, promoted); len(qaErrs) > 0 {
			errs = append(errs, qaErrs...)
		}
	}

	if err := p.store.FinishIngestion(cleanCtx, run.ID, corpus.IngestionCompleted,
		len(staged), len(result.Promoted), dupes, errs); err != nil {
		p.logger.Error("recording completed run", "ingestion_id", run.ID, "error", err)
	}
	if err := p.store.UpdateSourceStatus(cleanCtx, source.ID, corpus.SourceStatusIndexed, contentHash); err != nil {
		p.logger.Error("updating source status", "source_id", source.ID, "error", err)
	}
	p.logger.Info("ingestion completed",
		"ingestion_id", run.ID,
		"origin", source.Origin,
		"chunks_live", len(result.Promoted),
		"duplicates", dupes)
}

// chunkStream is a contiguous run of text chunked as one unit. A document's
// pages merge into a single stream so chunks and their overlap can span page
// breaks; crawled pages are unrelated documents and each stays its own
// stream.
type chunkStream struct {
	text       string
	boundaries []streamBoundary // ascending by start offset
}

type streamBoundary struct {
	start   int // rune offset into text
	page    int
	section string
}

// locate returns the provenance of the boundary a chunk starts in.
func (s *chunkStream) locate(start int) (page int, section string) {
	for i := len(s.boundaries) - 1; i >= 0; i-- {
		if s.boundaries[i].start <= start {
			return s.boundaries[i].page, s.boundaries[i].section
		}
	}
	return 0, ""
}

// documentStream concatenates a document's segments, keeping each segment's
// starting offset so chunk provenance maps back to the page it begins on.
func documentStream(segments []extract.Segment) chunkStream {
	var (
		b      strings.Builder
		bounds []streamBoundary
		offset int
	)
	for i, seg := range segments {
		if i > 0 {
			b.WriteString("\n\n")
			offset += 2
		}
		bounds = append(bounds, streamBoundary{start: offset, page: seg.Page, section: seg.Section})
		b.WriteString(seg.Text)
		offset += utf8.RuneCountInString(seg.Text)
	}
	return chunkStream{text: b.String(), boundaries: bounds}
}

// buildChunks splits segments into fingerprinted chunks, dropping pieces that
// duplicate content already live in another source or earlier in this run.
// The same fingerprint in the same source is fine: the old copy is about to
// be superseded by this run.
func (p *Pipeline) buildChunks(ctx context.Context, run *corpus.Ingestion, source *corpus.Source, segments []extract.Segment) ([]stagedChunk, int, error) {
	var streams []chunkStream
	if source.Kind == corpus.SourceKindDocument {
		streams = []chunkStream{documentStream(segments)}
	} else {
		for _, seg := range segments {
			streams = append(streams, chunkStream{
				text:       seg.Text,
				boundaries: []streamBoundary{{page: seg.Page, section: seg.Section}},
			})
		}
	}

	var (
		staged []stagedChunk
		dupes  int
	)
	seenInRun := make(map[string]struct{})

	for i := range streams {
		stream := &streams[i]
		for _, piece := range p.chunker.Split(stream.text) {
			if err := ctx.Err(); err != nil {
				return nil, dupes, err
			}

			fingerprint := corpus.Fingerprint(piece.Text)
			if _, seen := seenInRun[fingerprint]; seen {
				dupes++
				continue
			}

			existing, err := p.store.FindLiveChunkByFingerprint(ctx, fingerprint)
			switch {
			case err == nil && existing.SourceID != source.ID:
				// Another source already owns this exact content. Keep a
				// pointer to the canonical chunk so the hit stays traceable.
				if err := p.store.RecordDuplicateRef(ctx, run.ID, existing.ID); err != nil {
					return nil, dupes, fmt.Errorf("recording duplicate ref: %w", err)
				}
				dupes++
				continue
			case err != nil && !errors.Is(err, corpus.ErrNotFound):
				return nil, dupes, fmt.Errorf("checking fingerprint: %w", err)
			}

			page, section := stream.locate(piece.Start)
			seenInRun[fingerprint] = struct{}{}
			staged = append(staged, stagedChunk{chunk: corpus.Chunk{
				ID:          uuid.New(),
				SourceID:    source.ID,
				IngestionID: run.ID,
				Content:     piece.Text,
				Fingerprint: fingerprint,
				StartOffset: piece.Start,
				EndOffset:   piece.End,
				Page:        page,
				Section:     section,
			}})
		}
	}
	return staged, dupes, nil
}

// embedAndFlag embeds every staged chunk and marks semantic near-duplicates:
// first against earlier chunks of this run, then against the live corpus
// outside this source. Flagged chunks are kept for audit but never indexed
// or retrieved.
func (p *Pipeline) embedAndFlag(ctx context.Context, sourceID uuid.UUID, staged []stagedChunk) error {
	texts := make([]string, len(staged))
	for i := range staged {
		texts[i] = staged[i].chunk.Content
	}
	vectors, err := p.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding chunks: %w", err)
	}
	for i := range staged {
		staged[i].vector = vectors[i]
	}

	var kept []stagedChunk
	for i := range staged {
		if err := ctx.Err(); err != nil {
			return err
		}

		near := false
		for j := range kept {
			if cosine(staged[i].vector, kept[j].vector) >= p.cfg.DedupThreshold {
				near = true
				break
			}
		}
		if !near {
			best, err := p.store.NearestLive(ctx, sourceID, staged[i].vector)
			if err != nil {
				return err
			}
			near = best >= p.cfg.DedupThreshold
		}

		staged[i].chunk.NearDup = near
		if !near {
			kept = append(kept, staged[i])
		}
	}
	return nil
}

// synthesizeAll generates QA pairs for the promoted, retrievable chunks.
// Generation failures are reported per chunk, never fail the run: the corpus
// is already live at this point.
func (p *Pipeline) synthesizeAll(ctx context.Context, staged []stagedChunk, promoted map[uuid.UUID]struct{}) []string {
	var (
		mu     sync.Mutex
		report []string
	)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(max(p.cfg.SynthWorkers, 1))

	for _, sc := range staged {
		if _, ok := promoted[sc.chunk.ID]; !ok || sc.chunk.NearDup {
			continue
		}
		eg.Go(func() error {
			pairs, err := p.synth.Synthesize(egCtx, sc.chunk.Content)
			if err != nil {
				if markErr := p.store.MarkChunkQAFailed(egCtx, sc.chunk.ID); markErr != nil {
					p.logger.Error("marking chunk qa_failed", "chunk_id", sc.chunk.ID, "error", markErr)
				}
				mu.Lock()
				report = append(report, fmt.Sprintf("qa synthesis for chunk %s: %v", sc.chunk.ID, err))
				mu.Unlock()
				return nil
			}
			for _, pair := range pairs {
				// Grounding already ran in the synthesizer; pairs that
				// failed it are kept as rejected so the miss is auditable.
				state := corpus.QARejected
				if pair.Grounded {
					state = corpus.QAAccepted
				}
				if err := p.store.InsertQAPair(egCtx, &corpus.QAPair{
					ChunkID:  sc.chunk.ID,
					Question: pair.Question,
					Answer:   pair.Answer,
					State:    state,
				}); err != nil {
					mu.Lock()
					report = append(report, fmt.Sprintf("storing qa pair for chunk %s: %v", sc.chunk.ID, err))
					mu.Unlock()
				}
			}
			return nil
		})
	}
	_ = eg.Wait()
	return report
}

// ensureIndexMeta pins the embedding space on first use and rejects runs
// whose embedder disagrees with the pinned space.
func (p *Pipeline) ensureIndexMeta(ctx context.Context) error {
	meta, err := p.store.GetIndexMeta(ctx)
	if errors.Is(err, corpus.ErrNotFound) {
		return p.store.SetIndexMeta(ctx, &corpus.IndexMeta{
			Model:     p.embedder.Model(),
			Metric:    "cosine",
			Dimension: p.embedder.Dimension(),
		})
	}
	if err != nil {
		return err
	}
	if meta.Model != p.embedder.Model() || meta.Dimension != p.embedder.Dimension() {
		return fmt.Errorf("corpus embedded with %s/%d, configured embedder is %s/%d: re-embed required",
			meta.Model, meta.Dimension, p.embedder.Model(), p.embedder.Dimension())
	}
	return nil
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
