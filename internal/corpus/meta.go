package corpus

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// GetIndexMeta loads the pinned embedding space. ErrNotFound means the corpus
// has never been embedded.
func (s *Store) GetIndexMeta(ctx context.Context) (*IndexMeta, error) {
	const query = `SELECT model, metric, dimension, updated_at FROM index_meta WHERE id = 1`

	var m IndexMeta
	err := s.db.QueryRow(ctx, query).Scan(&m.Model, &m.Metric, &m.Dimension, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading index meta: %w", err)
	}
	return &m, nil
}

// SetIndexMeta pins the embedding space. There is exactly one row; switching
// models requires a full re-embed, so this overwrites rather than versions.
func (s *Store) SetIndexMeta(ctx context.Context, m *IndexMeta) error {
	const query = `
		INSERT INTO index_meta (id, model, metric, dimension)
		VALUES (1, $1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET model = EXCLUDED.model, metric = EXCLUDED.metric,
		    dimension = EXCLUDED.dimension, updated_at = now()`

	_, err := s.db.Exec(ctx, query, m.Model, m.Metric, m.Dimension)
	if err != nil {
		return fmt.Errorf("setting index meta: %w", err)
	}
	return nil
}
