package index

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/google/uuid"
)

func unit(dim, axis int) []float32 {
	v := make([]float32, dim)
	v[axis] = 1
	return v
}

func TestInsertAndSearch(t *testing.T) {
	idx := New("test-model", 4, 256)

	a, b, c := uuid.New(), uuid.New(), uuid.New()
	src := uuid.New()
	err := idx.Insert(
		Entry{ChunkID: a, SourceID: src, Vector: unit(4, 0)},
		Entry{ChunkID: b, SourceID: src, Vector: unit(4, 1)},
		Entry{ChunkID: c, SourceID: src, Vector: []float32{0.9, 0.1, 0, 0}},
	)
	if err != nil {
		t.Fatalf("Insert() = %v", err)
	}
	if idx.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", idx.Len())
	}

	hits, err := idx.Search(unit(4, 0), 2)
	if err != nil {
		t.Fatalf("Search() = %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	if hits[0].ChunkID != a {
		t.Errorf("top hit = %s, want exact match %s", hits[0].ChunkID, a)
	}
	if math.Abs(hits[0].Score-1) > 1e-6 {
		t.Errorf("exact match score = %v, want 1", hits[0].Score)
	}
	if hits[1].ChunkID != c {
		t.Errorf("second hit = %s, want near match %s", hits[1].ChunkID, c)
	}
}

func TestSearchEmpty(t *testing.T) {
	idx := New("test-model", 4, 256)
	if _, err := idx.Search(unit(4, 0), 3); !errors.Is(err, ErrEmpty) {
		t.Fatalf("Search() on empty index = %v, want ErrEmpty", err)
	}
}

func TestInsertDimensionMismatch(t *testing.T) {
	idx := New("test-model", 4, 256)
	err := idx.Insert(Entry{ChunkID: uuid.New(), Vector: unit(8, 0)})
	if !errors.Is(err, ErrDimension) {
		t.Fatalf("Insert() = %v, want ErrDimension", err)
	}
	if idx.Len() != 0 {
		t.Error("failed insert mutated the index")
	}
}

func TestInsertBadBatchLeavesIndexUnchanged(t *testing.T) {
	idx := New("test-model", 4, 256)
	good := Entry{ChunkID: uuid.New(), Vector: unit(4, 0)}
	bad := Entry{ChunkID: uuid.New(), Vector: unit(3, 0)}

	if err := idx.Insert(good, bad); !errors.Is(err, ErrDimension) {
		t.Fatalf("Insert() = %v, want ErrDimension", err)
	}
	if idx.Len() != 0 {
		t.Errorf("Len() = %d after rejected batch, want 0", idx.Len())
	}
}

func TestSearchQueryDimensionMismatch(t *testing.T) {
	idx := New("test-model", 4, 256)
	_ = idx.Insert(Entry{ChunkID: uuid.New(), Vector: unit(4, 0)})
	if _, err := idx.Search(unit(8, 0), 1); !errors.Is(err, ErrDimension) {
		t.Fatalf("Search() = %v, want ErrDimension", err)
	}
}

func TestRemoveTombstones(t *testing.T) {
	idx := New("test-model", 4, 256)
	a, b := uuid.New(), uuid.New()
	_ = idx.Insert(
		Entry{ChunkID: a, Vector: unit(4, 0)},
		Entry{ChunkID: b, Vector: unit(4, 1)},
	)

	idx.Remove(a)
	if idx.Len() != 1 {
		t.Fatalf("Len() = %d after remove, want 1", idx.Len())
	}

	hits, err := idx.Search(unit(4, 0), 5)
	if err != nil {
		t.Fatalf("Search() = %v", err)
	}
	for _, h := range hits {
		if h.ChunkID == a {
			t.Error("removed chunk still returned by search")
		}
	}
}

func TestRemoveUnknownIDIgnored(t *testing.T) {
	idx := New("test-model", 4, 256)
	keep := uuid.New()
	_ = idx.Insert(Entry{ChunkID: keep, Vector: unit(4, 0)})

	// More unknown IDs than live entries must not skew the live count or
	// leave phantom tombstones behind.
	idx.Remove(uuid.New(), uuid.New())
	if idx.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", idx.Len())
	}
	if n := len(idx.snap.Load().tombstones); n != 0 {
		t.Errorf("tombstones = %d after removing unknown IDs, want 0", n)
	}

	hits, err := idx.Search(unit(4, 0), 3)
	if err != nil {
		t.Fatalf("Search() = %v", err)
	}
	if len(hits) != 1 || hits[0].ChunkID != keep {
		t.Errorf("hits = %v, want the surviving entry %s", hits, keep)
	}
}

func TestCompaction(t *testing.T) {
	idx := New("test-model", 4, 3)

	keep := uuid.New()
	_ = idx.Insert(Entry{ChunkID: keep, Vector: unit(4, 0)})

	var doomed []uuid.UUID
	for range 3 {
		id := uuid.New()
		doomed = append(doomed, id)
		_ = idx.Insert(Entry{ChunkID: id, Vector: unit(4, 1)})
	}

	idx.Remove(doomed...)

	snap := idx.snap.Load()
	if len(snap.tombstones) != 0 {
		t.Errorf("tombstones = %d after compaction, want 0", len(snap.tombstones))
	}
	if len(snap.entries) != 1 {
		t.Errorf("physical entries = %d after compaction, want 1", len(snap.entries))
	}
	if idx.Len() != 1 {
		t.Errorf("Len() = %d, want 1", idx.Len())
	}
}

func TestRebuildSwapsAtomically(t *testing.T) {
	idx := New("test-model", 4, 256)
	_ = idx.Insert(Entry{ChunkID: uuid.New(), Vector: unit(4, 0)})

	fresh := []Entry{
		{ChunkID: uuid.New(), Vector: unit(4, 1)},
		{ChunkID: uuid.New(), Vector: unit(4, 2)},
	}
	if err := idx.Rebuild(fresh); err != nil {
		t.Fatalf("Rebuild() = %v", err)
	}
	if idx.Len() != 2 {
		t.Errorf("Len() = %d after rebuild, want 2", idx.Len())
	}

	hits, err := idx.Search(unit(4, 1), 5)
	if err != nil {
		t.Fatalf("Search() = %v", err)
	}
	if hits[0].ChunkID != fresh[0].ChunkID {
		t.Errorf("top hit = %s, want %s", hits[0].ChunkID, fresh[0].ChunkID)
	}
}

func TestSearchTieBreakIsStable(t *testing.T) {
	idx := New("test-model", 4, 256)
	a, b := uuid.New(), uuid.New()
	// Identical vectors, identical scores.
	_ = idx.Insert(
		Entry{ChunkID: a, Vector: unit(4, 0)},
		Entry{ChunkID: b, Vector: unit(4, 0)},
	)

	first, err := idx.Search(unit(4, 0), 2)
	if err != nil {
		t.Fatalf("Search() = %v", err)
	}
	for range 10 {
		again, err := idx.Search(unit(4, 0), 2)
		if err != nil {
			t.Fatalf("Search() = %v", err)
		}
		if again[0].ChunkID != first[0].ChunkID || again[1].ChunkID != first[1].ChunkID {
			t.Fatal("tie order changed between searches")
		}
	}
}

func TestConcurrentSearchDuringWrites(t *testing.T) {
	idx := New("test-model", 4, 8)
	seed := make([]Entry, 16)
	for j := range seed {
		seed[j] = Entry{ChunkID: uuid.New(), Vector: unit(4, j%4)}
	}
	if err := idx.Rebuild(seed); err != nil {
		t.Fatalf("Rebuild() = %v", err)
	}

	stop := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-stop:
				return
			default:
			}
			_ = idx.Insert(Entry{ChunkID: uuid.New(), Vector: unit(4, 1)})
			idx.Remove(seed[0].ChunkID)
			_ = idx.Rebuild(seed)
		}
	}()

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 200 {
				hits, err := idx.Search(unit(4, 0), 3)
				if err != nil && !errors.Is(err, ErrEmpty) {
					t.Errorf("Search() = %v", err)
					return
				}
				for _, h := range hits {
					if h.Score < -1.000001 || h.Score > 1.000001 {
						t.Errorf("score %v out of range", h.Score)
						return
					}
				}
			}
		}()
	}

	wg.Wait()
	close(stop)
	<-writerDone
}
