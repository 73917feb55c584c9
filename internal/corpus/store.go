package corpus

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/campuskb/campuskb/internal/log"
)

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNoLiveChunks indicates the corpus has no retrievable content.
	ErrNoLiveChunks = errors.New("no live chunks in corpus")
)

// querier is the subset of pgx operations the store needs for single
// statements. Both *pgxpool.Pool and pgx.Tx satisfy it, which keeps the
// promote path and tests on the same code.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// beginner starts transactions. *pgxpool.Pool satisfies it.
type beginner interface {
	querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store persists the corpus in PostgreSQL.
type Store struct {
	db     beginner
	logger log.Logger
}

// NewStore creates a corpus store backed by db.
func NewStore(db beginner, logger log.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// RegisterSource inserts a source or returns the existing one for the same
// origin. The content hash and status are left untouched on conflict; the
// pipeline decides whether a re-submission is a no-op.
func (s *Store) RegisterSource(ctx context.Context, kind SourceKind, origin string) (*Source, error) {
	const query = `
		INSERT INTO sources (id, kind, origin, content_hash, status)
		VALUES ($1, $2, $3, '', 'pending')
		ON CONFLICT (origin) DO UPDATE SET updated_at = now()
		RETURNING id, kind, origin, content_hash, status, created_at, updated_at`

	var src Source
	err := s.db.QueryRow(ctx, query, uuid.New(), kind, origin).Scan(
		&src.ID, &src.Kind, &src.Origin, &src.ContentHash, &src.Status,
		&src.CreatedAt, &src.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("registering source %q: %w", origin, err)
	}
	return &src, nil
}

// GetSource loads a source by ID.
func (s *Store) GetSource(ctx context.Context, id uuid.UUID) (*Source, error) {
	const query = `
		SELECT id, kind, origin, content_hash, status, created_at, updated_at
		FROM sources WHERE id = $1`

	var src Source
	err := s.db.QueryRow(ctx, query, id).Scan(
		&src.ID, &src.Kind, &src.Origin, &src.ContentHash, &src.Status,
		&src.CreatedAt, &src.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("source %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting source %s: %w", id, err)
	}
	return &src, nil
}

// UpdateSourceStatus transitions a source and optionally records a new
// content hash (pass "" to keep the current one).
func (s *Store) UpdateSourceStatus(ctx context.Context, id uuid.UUID, status SourceStatus, contentHash string) error {
	const query = `
		UPDATE sources
		SET status = $2,
		    content_hash = CASE WHEN $3 = '' THEN content_hash ELSE $3 END,
		    updated_at = now()
		WHERE id = $1`

	tag, err := s.db.Exec(ctx, query, id, status, contentHash)
	if err != nil {
		return fmt.Errorf("updating source %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("source %s: %w", id, ErrNotFound)
	}
	return nil
}

// BeginIngestion opens a new ingestion run for a source.
func (s *Store) BeginIngestion(ctx context.Context, sourceID uuid.UUID) (*Ingestion, error) {
	const query = `
		INSERT INTO ingestions (id, source_id, status)
		VALUES ($1, $2, 'running')
		RETURNING id, source_id, status, chunks_staged, chunks_live, duplicate_hits, errors, started_at, finished_at`

	var run Ingestion
	err := s.db.QueryRow(ctx, query, uuid.New(), sourceID).Scan(
		&run.ID, &run.SourceID, &run.Status, &run.ChunksStaged, &run.ChunksLive,
		&run.DuplicateHits, &run.Errors, &run.StartedAt, &run.FinishedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("beginning ingestion for source %s: %w", sourceID, err)
	}
	return &run, nil
}

// GetIngestion loads an ingestion run by ID.
func (s *Store) GetIngestion(ctx context.Context, id uuid.UUID) (*Ingestion, error) {
	const query = `
		SELECT id, source_id, status, chunks_staged, chunks_live, duplicate_hits, errors, started_at, finished_at
		FROM ingestions WHERE id = $1`

	var run Ingestion
	err := s.db.QueryRow(ctx, query, id).Scan(
		&run.ID, &run.SourceID, &run.Status, &run.ChunksStaged, &run.ChunksLive,
		&run.DuplicateHits, &run.Errors, &run.StartedAt, &run.FinishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("ingestion %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting ingestion %s: %w", id, err)
	}
	return &run, nil
}

// FinishIngestion records the terminal state and counters of a run.
func (s *Store) FinishIngestion(ctx context.Context, id uuid.UUID, status IngestionStatus, staged, live, dupes int, errs []string) error {
	const query = `
		UPDATE ingestions
		SET status = $2, chunks_staged = $3, chunks_live = $4,
		    duplicate_hits = $5, errors = $6, finished_at = now()
		WHERE id = $1`

	if errs == nil {
		errs = []string{}
	}
	tag, err := s.db.Exec(ctx, query, id, status, staged, live, dupes, errs)
	if err != nil {
		return fmt.Errorf("finishing ingestion %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("ingestion %s: %w", id, ErrNotFound)
	}
	return nil
}
