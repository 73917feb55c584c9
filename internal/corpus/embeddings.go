package corpus

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

// InsertEmbedding stores the vector for a chunk. One embedding per chunk;
// re-embedding replaces it.
func (s *Store) InsertEmbedding(ctx context.Context, e *Embedding) error {
	const query = `
		INSERT INTO embeddings (chunk_id, embedding, model, norm)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (chunk_id) DO UPDATE
		SET embedding = EXCLUDED.embedding, model = EXCLUDED.model, norm = EXCLUDED.norm`

	_, err := s.db.Exec(ctx, query, e.ChunkID, pgvector.NewVector(e.Vector), e.Model, e.Norm)
	if err != nil {
		return fmt.Errorf("inserting embedding for chunk %s: %w", e.ChunkID, err)
	}
	return nil
}

// LiveEmbedding pairs a live, retrievable chunk with its vector. Used to
// rebuild the in-memory index at startup.
type LiveEmbedding struct {
	ChunkID  uuid.UUID
	SourceID uuid.UUID
	Vector   []float32
	Model    string
}

// LiveEmbeddings streams every embedding whose chunk is live and not a
// near-duplicate, in stable chunk-id order.
func (s *Store) LiveEmbeddings(ctx context.Context) ([]LiveEmbedding, error) {
	const query = `
		SELECT e.chunk_id, c.source_id, e.embedding, e.model
		FROM embeddings e
		JOIN chunks c ON c.id = e.chunk_id
		WHERE c.live = true AND c.near_duplicate = false
		ORDER BY e.chunk_id`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("loading live embeddings: %w", err)
	}
	defer rows.Close()

	var out []LiveEmbedding
	for rows.Next() {
		var (
			le  LiveEmbedding
			vec pgvector.Vector
		)
		if err := rows.Scan(&le.ChunkID, &le.SourceID, &vec, &le.Model); err != nil {
			return nil, fmt.Errorf("scanning embedding: %w", err)
		}
		le.Vector = vec.Slice()
		out = append(out, le)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating embeddings: %w", err)
	}
	return out, nil
}

// NearestLive returns the highest cosine similarity between the given vector
// and any live, non-near-duplicate chunk outside the excluded source. Used
// for semantic near-duplicate detection during ingestion; the submitting
// source is excluded because its own live generation is about to be replaced.
// Returns 0 when no other live embeddings exist.
func (s *Store) NearestLive(ctx context.Context, excludeSourceID uuid.UUID, vector []float32) (float64, error) {
	const query = `
		SELECT 1 - (e.embedding <=> $2) AS similarity
		FROM embeddings e
		JOIN chunks c ON c.id = e.chunk_id
		WHERE c.source_id <> $1 AND c.live = true AND c.near_duplicate = false
		ORDER BY e.embedding <=> $2
		LIMIT 1`

	var similarity float64
	err := s.db.QueryRow(ctx, query, excludeSourceID, pgvector.NewVector(vector)).Scan(&similarity)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("nearest live neighbor: %w", err)
	}
	return similarity, nil
}
