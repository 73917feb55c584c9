// Package corpus persists the document corpus: sources, ingestion runs,
// chunks, embeddings and QA pairs. It is the system of record; the in-memory
// search index is rebuilt from here at startup.
package corpus

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// SourceKind distinguishes how a source's content was obtained.
type SourceKind string

const (
	SourceKindDocument SourceKind = "document" // uploaded PDF or plain text
	SourceKindWeb      SourceKind = "web"      // crawled URL
)

// SourceStatus tracks a source through the pipeline.
type SourceStatus string

const (
	SourceStatusPending   SourceStatus = "pending"
	SourceStatusExtracted SourceStatus = "extracted"
	SourceStatusIndexed   SourceStatus = "indexed"
	SourceStatusFailed    SourceStatus = "failed"
)

// Source is a registered document or URL.
type Source struct {
	ID          uuid.UUID
	Kind        SourceKind
	Origin      string // file name or canonical URL; unique
	ContentHash string // sha256 hex of the raw content at last ingestion
	Status      SourceStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IngestionStatus tracks an ingestion run.
type IngestionStatus string

const (
	IngestionRunning   IngestionStatus = "running"
	IngestionCompleted IngestionStatus = "completed"
	IngestionFailed    IngestionStatus = "failed"
	IngestionCancelled IngestionStatus = "cancelled"
	IngestionNoop      IngestionStatus = "noop" // content hash unchanged, nothing to do
)

// Ingestion is one run of the pipeline over a single source.
type Ingestion struct {
	ID            uuid.UUID
	SourceID      uuid.UUID
	Status        IngestionStatus
	ChunksStaged  int
	ChunksLive    int
	DuplicateHits int
	Errors        []string
	StartedAt     time.Time
	FinishedAt    *time.Time
}

// Chunk is one retrievable unit of text. Chunks are append-only: a re-ingested
// source stages fresh chunks and marks the previous generation superseded by
// the new run rather than mutating rows in place.
type Chunk struct {
	ID           uuid.UUID
	SourceID     uuid.UUID
	IngestionID  uuid.UUID
	Content      string
	Fingerprint  string // sha256 hex of normalized content
	StartOffset  int
	EndOffset    int
	Page         int    // 1-based page for PDFs, 0 otherwise
	Section      string // heading or URL fragment, may be empty
	NearDup      bool   // flagged semantically near-duplicate, kept but excluded from retrieval
	QAFailed     bool   // QA synthesis gave up on this chunk after retries
	Live         bool   // promoted and visible to retrieval
	SupersededBy *uuid.UUID
	CreatedAt    time.Time
}

// Embedding is the stored vector for a chunk.
type Embedding struct {
	ChunkID uuid.UUID
	Vector  []float32
	Model   string
	Norm    float64
}

// QAState tracks a synthesized question/answer pair through review.
type QAState string

const (
	QACandidate QAState = "candidate"
	QAAccepted  QAState = "accepted"
	QARejected  QAState = "rejected"
)

// QAPair is a synthesized question/answer pair grounded in a chunk.
type QAPair struct {
	ID        uuid.UUID
	ChunkID   uuid.UUID
	Question  string
	Answer    string
	State     QAState
	CreatedAt time.Time
}

// AcceptedPair is an accepted QA pair joined with its chunk's attribution,
// the shape the training export consumes.
type AcceptedPair struct {
	QAPair
	Origin  string // owning source's file name or URL
	Section string
	Page    int
}

// IndexMeta pins the embedding space the corpus was built in. Queries
// embedded with a different model are rejected rather than silently compared
// across incompatible spaces.
type IndexMeta struct {
	Model     string
	Metric    string
	Dimension int
	UpdatedAt time.Time
}

// Fingerprint returns the sha256 hex digest of the normalized content,
// used for exact-duplicate detection across the live corpus.
func Fingerprint(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// HashContent returns the sha256 hex digest of raw source bytes, used to
// detect unchanged re-submissions.
func HashContent(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
