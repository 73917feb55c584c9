// Package extract turns source material (PDFs, plain text, web pages) into
// ordered text segments ready for chunking. Extraction is tolerant per
// segment: an unreadable page is reported and skipped, the rest of the
// document still flows through.
package extract

import (
	"fmt"
	"strings"
	"unicode"
)

// Segment is one extracted unit of text with provenance.
type Segment struct {
	Text    string
	Page    int    // 1-based PDF page, 0 for non-paged sources
	Section string // heading, page title or URL, may be empty
}

// Error reports a partial extraction failure tied to a location.
type Error struct {
	Origin   string // file name or URL
	Location string // "page 4", URL, etc.
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("extracting %s (%s): %v", e.Origin, e.Location, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Normalize collapses runs of whitespace to single spaces and trims. The
// result string feeds both chunking and fingerprinting, so two extractions of
// the same content normalize identically regardless of layout noise.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inSpace := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			inSpace = true
			continue
		}
		if inSpace && b.Len() > 0 {
			b.WriteByte(' ')
		}
		inSpace = false
		b.WriteRune(r)
	}
	return b.String()
}

// FromText wraps plain text content in a single segment.
func FromText(content string) []Segment {
	norm := Normalize(content)
	if norm == "" {
		return nil
	}
	return []Segment{{Text: norm}}
}
