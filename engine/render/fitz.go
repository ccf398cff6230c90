package render

import (
	"fmt"
	"image"

	"github.com/gen2brain/go-fitz"
)

// pointsDPI is the resolution at which one pixel equals one PDF point.
const pointsDPI = 72

// FitzRasterizer renders pages with MuPDF.
type FitzRasterizer struct{}

// Open implements Rasterizer.
func (FitzRasterizer) Open(path string) (Document, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return nil, err
	}
	return &fitzDocument{doc: doc}, nil
}

type fitzDocument struct {
	doc *fitz.Document
}

func (d *fitzDocument) NumPage() int { return d.doc.NumPage() }

func (d *fitzDocument) Render(page int, scale float64) (image.Image, error) {
	if page < 1 || page > d.doc.NumPage() {
		return nil, fmt.Errorf("page %d of %d", page, d.doc.NumPage())
	}
	return d.doc.ImageDPI(page-1, pointsDPI*scale)
}

func (d *fitzDocument) Size(page int) (float64, float64, error) {
	b, err := d.doc.Bound(page - 1)
	if err != nil {
		return 0, 0, err
	}
	return float64(b.Dx()), float64(b.Dy()), nil
}

func (d *fitzDocument) Close() error { return d.doc.Close() }
