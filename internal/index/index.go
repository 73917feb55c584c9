// Package index holds the in-memory vector index used for retrieval.
// Readers search a frozen snapshot reached through an atomic pointer, so
// searches never block on writers; writers serialize among themselves and
// publish a new snapshot per mutation. Removals are tombstoned and physically
// dropped once enough garbage accumulates.
package index

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

var (
	// ErrDimension indicates a vector does not match the index dimension.
	ErrDimension = errors.New("vector dimension mismatch")

	// ErrEmpty indicates the index has no searchable entries.
	ErrEmpty = errors.New("index is empty")
)

// Entry is one indexed chunk vector.
type Entry struct {
	ChunkID  uuid.UUID
	SourceID uuid.UUID
	Vector   []float32
}

// Hit is one search result.
type Hit struct {
	ChunkID  uuid.UUID
	SourceID uuid.UUID
	Score    float64 // cosine similarity in [-1, 1]
}

type indexedEntry struct {
	Entry
	norm float64
}

// snapshot is immutable once published.
type snapshot struct {
	entries    []indexedEntry
	tombstones map[uuid.UUID]struct{}
}

func (s *snapshot) live() int { return len(s.entries) - len(s.tombstones) }

// Index is a brute-force cosine index over chunk embeddings.
type Index struct {
	model        string
	dimension    int
	compactAfter int

	mu   sync.Mutex // serializes writers
	snap atomic.Pointer[snapshot]
}

// New creates an empty index pinned to an embedding model and dimension.
// compactAfter bounds how many tombstones accumulate before a physical sweep.
func New(model string, dimension, compactAfter int) *Index {
	idx := &Index{model: model, dimension: dimension, compactAfter: compactAfter}
	idx.snap.Store(&snapshot{tombstones: map[uuid.UUID]struct{}{}})
	return idx
}

// Model returns the embedding model the index was built with.
func (i *Index) Model() string { return i.model }

// Len returns the number of searchable entries.
func (i *Index) Len() int { return i.snap.Load().live() }

// Insert adds entries and publishes a new snapshot. Vectors are validated
// against the index dimension before anything is mutated, so a bad batch
// leaves the index unchanged.
func (i *Index) Insert(entries ...Entry) error {
	for _, e := range entries {
		if len(e.Vector) != i.dimension {
			return fmt.Errorf("chunk %s has dimension %d, index wants %d: %w",
				e.ChunkID, len(e.Vector), i.dimension, ErrDimension)
		}
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	cur := i.snap.Load()
	next := &snapshot{
		entries:    make([]indexedEntry, 0, len(cur.entries)+len(entries)),
		tombstones: cur.tombstones,
	}
	next.entries = append(next.entries, cur.entries...)
	for _, e := range entries {
		next.entries = append(next.entries, indexedEntry{Entry: e, norm: norm(e.Vector)})
	}
	i.snap.Store(next)
	return nil
}

// Remove tombstones entries by chunk ID. Unknown IDs are ignored. When the
// tombstone count reaches the compaction threshold the snapshot is rebuilt
// without the dead entries.
func (i *Index) Remove(ids ...uuid.UUID) {
	if len(ids) == 0 {
		return
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	cur := i.snap.Load()
	present := make(map[uuid.UUID]struct{}, len(cur.entries))
	for _, e := range cur.entries {
		present[e.ChunkID] = struct{}{}
	}

	// Only tombstone IDs the index actually holds; otherwise phantom
	// tombstones would skew the live count.
	tombstones := make(map[uuid.UUID]struct{}, len(cur.tombstones)+len(ids))
	for id := range cur.tombstones {
		tombstones[id] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := present[id]; ok {
			tombstones[id] = struct{}{}
		}
	}
	if len(tombstones) == len(cur.tombstones) {
		return
	}

	next := &snapshot{entries: cur.entries, tombstones: tombstones}
	if len(tombstones) >= i.compactAfter {
		next = compact(next)
	}
	i.snap.Store(next)
}

// Rebuild atomically replaces the whole index with the given entries.
// Searches in flight keep reading the snapshot they started with.
func (i *Index) Rebuild(entries []Entry) error {
	for _, e := range entries {
		if len(e.Vector) != i.dimension {
			return fmt.Errorf("chunk %s has dimension %d, index wants %d: %w",
				e.ChunkID, len(e.Vector), i.dimension, ErrDimension)
		}
	}

	indexed := make([]indexedEntry, len(entries))
	for j, e := range entries {
		indexed[j] = indexedEntry{Entry: e, norm: norm(e.Vector)}
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	i.snap.Store(&snapshot{entries: indexed, tombstones: map[uuid.UUID]struct{}{}})
	return nil
}

// Search returns the k entries most similar to the query by cosine
// similarity, highest first. Ties break on chunk ID so results are stable.
func (i *Index) Search(query []float32, k int) ([]Hit, error) {
	if len(query) != i.dimension {
		return nil, fmt.Errorf("query has dimension %d, index wants %d: %w",
			len(query), i.dimension, ErrDimension)
	}
	if k <= 0 {
		return nil, nil
	}

	snap := i.snap.Load()
	if snap.live() == 0 {
		return nil, ErrEmpty
	}

	qNorm := norm(query)
	if qNorm == 0 {
		return nil, fmt.Errorf("query vector is zero: %w", ErrDimension)
	}

	hits := make([]Hit, 0, snap.live())
	for _, e := range snap.entries {
		if _, dead := snap.tombstones[e.ChunkID]; dead {
			continue
		}
		if e.norm == 0 {
			continue
		}
		hits = append(hits, Hit{
			ChunkID:  e.ChunkID,
			SourceID: e.SourceID,
			Score:    dot(query, e.Vector) / (qNorm * e.norm),
		})
	}

	sort.Slice(hits, func(a, b int) bool {
		if hits[a].Score != hits[b].Score {
			return hits[a].Score > hits[b].Score
		}
		return hits[a].ChunkID.String() < hits[b].ChunkID.String()
	})

	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func compact(s *snapshot) *snapshot {
	entries := make([]indexedEntry, 0, s.live())
	for _, e := range s.entries {
		if _, dead := s.tombstones[e.ChunkID]; !dead {
			entries = append(entries, e)
		}
	}
	return &snapshot{entries: entries, tombstones: map[uuid.UUID]struct{}{}}
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func dot(a, b []float32) float64 {
	var sum float64
	for j := range a {
		sum += float64(a[j]) * float64(b[j])
	}
	return sum
}
