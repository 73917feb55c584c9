package corpus

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// InsertQAPair stores a synthesized question/answer pair.
func (s *Store) InsertQAPair(ctx context.Context, p *QAPair) error {
	const query = `
		INSERT INTO qa_pairs (id, chunk_id, question, answer, state)
		VALUES ($1, $2, $3, $4, $5)`

	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.State == "" {
		p.State = QACandidate
	}
	_, err := s.db.Exec(ctx, query, p.ID, p.ChunkID, p.Question, p.Answer, p.State)
	if err != nil {
		return fmt.Errorf("inserting QA pair for chunk %s: %w", p.ChunkID, err)
	}
	return nil
}

// UpdateQAState transitions a pair between candidate, accepted and rejected.
func (s *Store) UpdateQAState(ctx context.Context, id uuid.UUID, state QAState) error {
	const query = `UPDATE qa_pairs SET state = $2 WHERE id = $1`

	tag, err := s.db.Exec(ctx, query, id, state)
	if err != nil {
		return fmt.Errorf("updating QA pair %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("QA pair %s: %w", id, ErrNotFound)
	}
	return nil
}

// AcceptedPairs returns every accepted pair whose chunk is still live, in
// insertion order, joined with the chunk's source attribution. The export
// reads from here.
func (s *Store) AcceptedPairs(ctx context.Context) ([]AcceptedPair, error) {
	const query = `
		SELECT q.id, q.chunk_id, q.question, q.answer, q.state, q.created_at,
		       src.origin, c.section, c.page
		FROM qa_pairs q
		JOIN chunks c ON c.id = q.chunk_id
		JOIN sources src ON src.id = c.source_id
		WHERE q.state = 'accepted' AND c.live = true
		ORDER BY q.created_at, q.id`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("loading accepted QA pairs: %w", err)
	}
	defer rows.Close()

	var pairs []AcceptedPair
	for rows.Next() {
		var p AcceptedPair
		if err := rows.Scan(&p.ID, &p.ChunkID, &p.Question, &p.Answer, &p.State, &p.CreatedAt,
			&p.Origin, &p.Section, &p.Page); err != nil {
			return nil, fmt.Errorf("scanning QA pair: %w", err)
		}
		pairs = append(pairs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating QA pairs: %w", err)
	}
	return pairs, nil
}
