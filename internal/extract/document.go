package extract

import "github.com/campuskb/campuskb/internal/log"

// Document extracts uploaded document bytes, sniffing the format: PDFs go
// through the page-aware PDF extractor, everything else is treated as plain
// text.
type Document struct {
	pdf *PDF
}

// NewDocument creates a document extractor.
func NewDocument(logger log.Logger) *Document {
	return &Document{pdf: NewPDF(logger)}
}

// Extract dispatches on the document's magic bytes.
func (d *Document) Extract(origin string, data []byte) ([]Segment, []error) {
	if isPDF(data) {
		return d.pdf.Extract(origin, data)
	}
	segments := FromText(string(data))
	if segments == nil {
		return nil, []error{&Error{Origin: origin, Location: "document", Err: ErrNoText}}
	}
	return segments, nil
}

func isPDF(data []byte) bool {
	return len(data) >= 4 && string(data[:4]) == "%PDF"
}
