package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// Page is the extracted text of one PDF page. Err is set when the page could
// not be read; the rest of the document is still usable.
type Page struct {
	Number int
	Text   string
	Err    error
}

// PageReader extracts per-page text from a document.
type PageReader interface {
	Pages(ctx context.Context, path string) ([]Page, error)
}

// PDFText reads the text layer of a PDF. Pages whose content stream yields no
// plain text are retried row by row.
type PDFText struct{}

// Pages implements PageReader.
func (PDFText) Pages(ctx context.Context, path string) ([]Page, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ingest: open %s: %w", path, err)
	}
	defer f.Close()

	pages := make([]Page, 0, r.NumPage())
	for i := 1; i <= r.NumPage(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text, err := pageText(r.Page(i))
		pages = append(pages, Page{Number: i, Text: text, Err: err})
	}
	return pages, nil
}

func pageText(p pdf.Page) (text string, err error) {
	if p.V.IsNull() {
		return "", nil
	}
	defer func() {
		if rec := recover(); rec != nil {
			text, err = "", fmt.Errorf("malformed page: %v", rec)
		}
	}()

	text, err = p.GetPlainText(nil)
	if err == nil && strings.TrimSpace(text) != "" {
		return text, nil
	}
	rows, rowErr := p.GetTextByRow()
	if rowErr != nil {
		return "", errors.Join(err, rowErr)
	}
	var b strings.Builder
	for _, row := range rows {
		for _, word := range row.Content {
			b.WriteString(word.S)
		}
		b.WriteByte('\n')
	}
	return b.String(), nil
}
