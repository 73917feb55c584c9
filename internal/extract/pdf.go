package extract

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/ledongthuc/pdf"

	"github.com/campuskb/campuskb/internal/log"
)

// ErrNoText indicates a document yielded no extractable text at all,
// typically a scanned PDF with no text layer.
var ErrNoText = errors.New("no extractable text")

// PDF extracts text from PDF bytes, one segment per page.
type PDF struct {
	logger log.Logger
}

// NewPDF creates a PDF extractor.
func NewPDF(logger log.Logger) *PDF {
	return &PDF{logger: logger}
}

// Extract reads every page of the document. Pages that fail to parse are
// logged and skipped; the error return is reserved for documents that are
// not PDFs at all or contain no text anywhere.
func (p *PDF) Extract(origin string, data []byte) ([]Segment, []error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, []error{&Error{Origin: origin, Location: "header", Err: fmt.Errorf("opening PDF: %w", err)}}
	}

	var (
		segments []Segment
		errs     []error
	)
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}

		text, err := pageText(page)
		if err != nil {
			errs = append(errs, &Error{Origin: origin, Location: fmt.Sprintf("page %d", i), Err: err})
			p.logger.Warn("skipping unreadable PDF page", "origin", origin, "page", i, "error", err)
			continue
		}

		norm := Normalize(text)
		if norm == "" {
			continue
		}
		segments = append(segments, Segment{Text: norm, Page: i})
	}

	if len(segments) == 0 {
		errs = append(errs, &Error{Origin: origin, Location: "document", Err: ErrNoText})
	}
	return segments, errs
}

// pageText recovers from panics inside the PDF library, which can choke on
// malformed font tables.
func pageText(page pdf.Page) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parsing page content: %v", r)
		}
	}()
	return page.GetPlainText(nil)
}
