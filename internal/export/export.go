// Package export writes accepted QA pairs as JSONL fine-tuning data with a
// deterministic train/validation split. A file lock serializes exports so two
// processes never interleave writes into the same dataset.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/campuskb/campuskb/internal/corpus"
	"github.com/campuskb/campuskb/internal/log"
)

var (
	// ErrLocked indicates another export is in progress.
	ErrLocked = errors.New("export already in progress")

	// ErrNoPairs indicates there is nothing to export.
	ErrNoPairs = errors.New("no accepted QA pairs to export")
)

// valEvery controls the split: every tenth pair goes to validation, giving a
// stable 90/10 split that does not reshuffle existing rows when new pairs
// are appended to the corpus.
const valEvery = 10

// Store is the corpus slice the exporter reads.
type Store interface {
	AcceptedPairs(ctx context.Context) ([]corpus.AcceptedPair, error)
}

// Result describes a completed export.
type Result struct {
	TrainPath  string `json:"train_path"`
	ValPath    string `json:"val_path"`
	TrainCount int    `json:"train_count"`
	ValCount   int    `json:"val_count"`
	ExportedAt string `json:"exported_at"`
}

// Exporter writes datasets under a fixed directory.
type Exporter struct {
	store  Store
	dir    string
	logger log.Logger
}

// New creates an exporter writing into dir.
func New(store Store, dir string, logger log.Logger) *Exporter {
	return &Exporter{store: store, dir: dir, logger: logger}
}

// record is one JSONL line in the prompt/completion fine-tuning format.
// Every row carries the attribution back to where the answer came from.
type record struct {
	Prompt     string `json:"prompt"`
	Completion string `json:"completion"`
	Source     string `json:"source"`
	Section    string `json:"section,omitempty"`
	Page       int    `json:"page,omitempty"`
}

// Run exports every accepted pair whose chunk is still live. It writes
// train.jsonl, val.jsonl and metadata.json, replacing any previous export in
// the directory. Returns ErrLocked without waiting if an export is already
// running.
func (e *Exporter) Run(ctx context.Context) (*Result, error) {
	if err := os.MkdirAll(e.dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating export directory: %w", err)
	}

	lock := flock.New(filepath.Join(e.dir, ".export.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring export lock: %w", err)
	}
	if !locked {
		return nil, ErrLocked
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			e.logger.Warn("releasing export lock", "error", err)
		}
	}()

	pairs, err := e.store.AcceptedPairs(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading accepted pairs: %w", err)
	}
	if len(pairs) == 0 {
		return nil, ErrNoPairs
	}

	var train, val []record
	for i, p := range pairs {
		r := record{
			Prompt:     p.Question,
			Completion: p.Answer,
			Source:     p.Origin,
			Section:    p.Section,
			Page:       p.Page,
		}
		if (i+1)%valEvery == 0 {
			val = append(val, r)
		} else {
			train = append(train, r)
		}
	}

	res := &Result{
		TrainPath:  filepath.Join(e.dir, "train.jsonl"),
		ValPath:    filepath.Join(e.dir, "val.jsonl"),
		TrainCount: len(train),
		ValCount:   len(val),
		ExportedAt: time.Now().UTC().Format(time.RFC3339),
	}

	if err := writeJSONL(res.TrainPath, train); err != nil {
		return nil, err
	}
	if err := writeJSONL(res.ValPath, val); err != nil {
		return nil, err
	}
	if err := writeMetadata(filepath.Join(e.dir, "metadata.json"), res); err != nil {
		return nil, err
	}

	e.logger.Info("exported training data",
		"train", res.TrainCount, "val", res.ValCount, "dir", e.dir)
	return res, nil
}

// writeJSONL writes records to a temp file and renames it into place, so a
// crashed export never leaves a truncated dataset behind.
func writeJSONL(path string, records []record) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-export-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	enc := json.NewEncoder(tmp)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			tmp.Close()
			return fmt.Errorf("writing %s: %w", path, err)
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}

func writeMetadata(path string, res *Result) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o640); err != nil {
		return fmt.Errorf("writing metadata: %w", err)
	}
	return nil
}
