// Package chunk splits normalized text into bounded, overlapping pieces.
// Splitting is purely positional and deterministic: the same text with the
// same settings always yields byte-for-byte identical chunks, which the
// fingerprint-based deduplication upstream depends on.
package chunk

import (
	"errors"
	"fmt"
)

// Config bounds chunk sizes. Sizes and overlap are measured in runes.
type Config struct {
	MinSize int // smallest chunk worth keeping, except a shorter final remainder
	MaxSize int
	Overlap int // runes carried over from the end of one chunk into the next
}

// Piece is one chunk of the input with rune offsets into the original text.
type Piece struct {
	Text  string
	Start int
	End   int
}

// Chunker splits text per a fixed Config.
type Chunker struct {
	cfg Config
}

// New validates cfg and returns a chunker.
func New(cfg Config) (*Chunker, error) {
	if cfg.MinSize <= 0 || cfg.MaxSize <= 0 || cfg.MinSize > cfg.MaxSize {
		return nil, fmt.Errorf("chunk size bounds min=%d max=%d: %w", cfg.MinSize, cfg.MaxSize, errInvalid)
	}
	if cfg.Overlap < 0 || cfg.Overlap >= cfg.MinSize {
		return nil, fmt.Errorf("chunk overlap %d with min size %d: %w", cfg.Overlap, cfg.MinSize, errInvalid)
	}
	return &Chunker{cfg: cfg}, nil
}

var errInvalid = errors.New("invalid chunking configuration")

// Split cuts text into pieces of at most MaxSize runes. Each cut prefers the
// last sentence boundary past MinSize; a sentence longer than MaxSize is cut
// mid-sentence rather than emitting an oversized chunk. Consecutive pieces
// share Overlap runes of context. A final remainder shorter than MinSize is
// still emitted so no text is lost.
func (c *Chunker) Split(text string) []Piece {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	if len(runes) <= c.cfg.MaxSize {
		return []Piece{{Text: text, Start: 0, End: len(runes)}}
	}

	var pieces []Piece
	start := 0
	for start < len(runes) {
		end := start + c.cfg.MaxSize
		if end >= len(runes) {
			end = len(runes)
		} else if cut := lastSentenceEnd(runes, start+c.cfg.MinSize, end); cut > 0 {
			end = cut
		}

		pieces = append(pieces, Piece{
			Text:  string(runes[start:end]),
			Start: start,
			End:   end,
		})

		if end == len(runes) {
			break
		}
		start = end - c.cfg.Overlap
	}
	return pieces
}

// lastSentenceEnd scans backward through runes[lo:hi] for the end of a
// sentence and returns the position just past it, or 0 if none is found in
// the window. A sentence ends at '.', '!' or '?' followed by a space or the
// window edge, so decimals like "3.5" do not split.
func lastSentenceEnd(runes []rune, lo, hi int) int {
	if lo < 0 {
		lo = 0
	}
	for i := hi - 1; i >= lo; i-- {
		switch runes[i] {
		case '.', '!', '?':
			if i+1 >= len(runes) || runes[i+1] == ' ' {
				return i + 1
			}
		}
	}
	return 0
}
