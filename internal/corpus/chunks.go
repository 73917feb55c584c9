package corpus

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// StageChunk inserts a chunk with live=false. Staged chunks are invisible to
// retrieval until PromoteRun flips the whole run at once, so a cancelled or
// failed ingestion never leaks partial content.
func (s *Store) StageChunk(ctx context.Context, c *Chunk) error {
	const query = `
		INSERT INTO chunks
			(id, source_id, ingestion_id, content, fingerprint,
			 start_offset, end_offset, page, section, near_duplicate, live)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, false)`

	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	_, err := s.db.Exec(ctx, query,
		c.ID, c.SourceID, c.IngestionID, c.Content, c.Fingerprint,
		c.StartOffset, c.EndOffset, c.Page, c.Section, c.NearDup,
	)
	if err != nil {
		return fmt.Errorf("staging chunk for source %s: %w", c.SourceID, err)
	}
	return nil
}

// FindLiveChunkByFingerprint returns the live chunk with the given content
// fingerprint, or ErrNotFound. At most one can exist: a unique partial index
// enforces fingerprint uniqueness over live rows.
func (s *Store) FindLiveChunkByFingerprint(ctx context.Context, fingerprint string) (*Chunk, error) {
	const query = `
		SELECT id, source_id, ingestion_id, content, fingerprint,
		       start_offset, end_offset, page, section, near_duplicate,
		       qa_failed, live, superseded_by, created_at
		FROM chunks
		WHERE fingerprint = $1 AND live = true`

	var c Chunk
	err := s.db.QueryRow(ctx, query, fingerprint).Scan(
		&c.ID, &c.SourceID, &c.IngestionID, &c.Content, &c.Fingerprint,
		&c.StartOffset, &c.EndOffset, &c.Page, &c.Section, &c.NearDup,
		&c.QAFailed, &c.Live, &c.SupersededBy, &c.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up fingerprint: %w", err)
	}
	return &c, nil
}

// PromoteResult reports what PromoteRun changed.
type PromoteResult struct {
	Promoted   []uuid.UUID // chunk IDs that became live
	Superseded []uuid.UUID // previously live chunk IDs of the same source, now retired
	Duplicates int         // staged chunks skipped because another source already holds the fingerprint
}

// PromoteRun atomically replaces a source's live generation with the chunks
// staged by the given run. The whole swap runs in one transaction under a
// global advisory lock, so concurrent runs over different sources serialize
// at the promote step and fingerprint races resolve deterministically: the
// chunk that is already live wins and the staged newcomer stays dead,
// recorded as a duplicate hit.
func (s *Store) PromoteRun(ctx context.Context, ingestionID, sourceID uuid.UUID) (*PromoteResult, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning promote transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Transaction-scoped lock, released automatically at commit/rollback.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('chunks_promote'))`); err != nil {
		return nil, fmt.Errorf("acquiring promote lock: %w", err)
	}

	res := &PromoteResult{}

	// Retire the previous live generation of this source. Rows stay for
	// audit; superseded_by points at the run that replaced them.
	rows, err := tx.Query(ctx, `
		UPDATE chunks
		SET live = false, superseded_by = $1
		WHERE source_id = $2 AND live = true
		RETURNING id`, ingestionID, sourceID)
	if err != nil {
		return nil, fmt.Errorf("retiring previous generation: %w", err)
	}
	res.Superseded, err = collectIDs(rows)
	if err != nil {
		return nil, fmt.Errorf("retiring previous generation: %w", err)
	}

	// Promote staged chunks whose fingerprint is not already live elsewhere.
	// Near-duplicates are promoted too (they are live but retrieval-excluded)
	// so supersession chains stay complete.
	rows, err = tx.Query(ctx, `
		UPDATE chunks c
		SET live = true
		WHERE c.ingestion_id = $1 AND c.live = false AND c.superseded_by IS NULL
		  AND NOT EXISTS (
			SELECT 1 FROM chunks other
			WHERE other.fingerprint = c.fingerprint AND other.live = true
		  )
		RETURNING c.id`, ingestionID)
	if err != nil {
		return nil, fmt.Errorf("promoting staged chunks: %w", err)
	}
	res.Promoted, err = collectIDs(rows)
	if err != nil {
		return nil, fmt.Errorf("promoting staged chunks: %w", err)
	}

	// Whatever staged rows were left behind lost a fingerprint race.
	// Map each loser to the live chunk that owns its content so the hit
	// stays traceable, then count them.
	if _, err := tx.Exec(ctx, `
		INSERT INTO duplicate_refs (ingestion_id, chunk_id)
		SELECT c.ingestion_id, canon.id
		FROM chunks c
		JOIN chunks canon ON canon.fingerprint = c.fingerprint AND canon.live = true
		WHERE c.ingestion_id = $1 AND c.live = false AND c.superseded_by IS NULL
		ON CONFLICT DO NOTHING`, ingestionID); err != nil {
		return nil, fmt.Errorf("recording duplicate losses: %w", err)
	}

	var skipped int
	err = tx.QueryRow(ctx, `
		SELECT count(*) FROM chunks
		WHERE ingestion_id = $1 AND live = false AND superseded_by IS NULL`,
		ingestionID).Scan(&skipped)
	if err != nil {
		return nil, fmt.Errorf("counting duplicate losses: %w", err)
	}
	res.Duplicates = skipped

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing promote: %w", err)
	}

	s.logger.Info("promoted ingestion run",
		"ingestion_id", ingestionID,
		"source_id", sourceID,
		"promoted", len(res.Promoted),
		"superseded", len(res.Superseded),
		"duplicates", res.Duplicates)
	return res, nil
}

// RecordDuplicateRef notes that a run resolved some of its content to an
// existing canonical chunk instead of staging a copy.
func (s *Store) RecordDuplicateRef(ctx context.Context, ingestionID, canonicalChunkID uuid.UUID) error {
	const query = `
		INSERT INTO duplicate_refs (ingestion_id, chunk_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`

	if _, err := s.db.Exec(ctx, query, ingestionID, canonicalChunkID); err != nil {
		return fmt.Errorf("recording duplicate ref for run %s: %w", ingestionID, err)
	}
	return nil
}

// MarkChunkQAFailed records that QA synthesis exhausted its retries for a
// chunk. The chunk stays live and retrievable; a later re-ingestion retries.
func (s *Store) MarkChunkQAFailed(ctx context.Context, id uuid.UUID) error {
	const query = `UPDATE chunks SET qa_failed = true WHERE id = $1`

	tag, err := s.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("marking chunk %s qa_failed: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("chunk %s: %w", id, ErrNotFound)
	}
	return nil
}

// DiscardRun deletes everything a run staged. Used when an ingestion fails or
// is cancelled before promotion; live chunks are never touched.
func (s *Store) DiscardRun(ctx context.Context, ingestionID uuid.UUID) error {
	const query = `
		DELETE FROM chunks
		WHERE ingestion_id = $1 AND live = false AND superseded_by IS NULL`

	tag, err := s.db.Exec(ctx, query, ingestionID)
	if err != nil {
		return fmt.Errorf("discarding run %s: %w", ingestionID, err)
	}
	s.logger.Debug("discarded staged chunks", "ingestion_id", ingestionID, "count", tag.RowsAffected())
	return nil
}

// ChunksByIDs loads chunks preserving the order of ids. Missing IDs are
// skipped rather than erroring; the index may briefly reference chunks a
// concurrent promote has retired.
func (s *Store) ChunksByIDs(ctx context.Context, ids []uuid.UUID) ([]Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	const query = `
		SELECT id, source_id, ingestion_id, content, fingerprint,
		       start_offset, end_offset, page, section, near_duplicate,
		       qa_failed, live, superseded_by, created_at
		FROM chunks WHERE id = ANY($1)`

	rows, err := s.db.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("loading chunks: %w", err)
	}
	defer rows.Close()

	byID := make(map[uuid.UUID]Chunk, len(ids))
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(
			&c.ID, &c.SourceID, &c.IngestionID, &c.Content, &c.Fingerprint,
			&c.StartOffset, &c.EndOffset, &c.Page, &c.Section, &c.NearDup,
			&c.QAFailed, &c.Live, &c.SupersededBy, &c.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		byID[c.ID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chunks: %w", err)
	}

	ordered := make([]Chunk, 0, len(byID))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			ordered = append(ordered, c)
		}
	}
	return ordered, nil
}

// LiveChunksBySource returns the current live generation of a source.
func (s *Store) LiveChunksBySource(ctx context.Context, sourceID uuid.UUID) ([]Chunk, error) {
	const query = `
		SELECT id, source_id, ingestion_id, content, fingerprint,
		       start_offset, end_offset, page, section, near_duplicate,
		       qa_failed, live, superseded_by, created_at
		FROM chunks
		WHERE source_id = $1 AND live = true
		ORDER BY start_offset`

	rows, err := s.db.Query(ctx, query, sourceID)
	if err != nil {
		return nil, fmt.Errorf("loading live chunks for source %s: %w", sourceID, err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(
			&c.ID, &c.SourceID, &c.IngestionID, &c.Content, &c.Fingerprint,
			&c.StartOffset, &c.EndOffset, &c.Page, &c.Section, &c.NearDup,
			&c.QAFailed, &c.Live, &c.SupersededBy, &c.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chunks: %w", err)
	}
	return chunks, nil
}

func collectIDs(rows pgx.Rows) ([]uuid.UUID, error) {
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
