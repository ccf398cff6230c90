// Package enginetest provides deterministic stand-ins for the embedding model,
// the PDF text reader and the rasterizer, and assembles a complete in-memory
// engine on top of them for binary-level tests.
package enginetest

import (
	"context"
	"errors"
	"hash/fnv"
	"image"
	"image/draw"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/WessleyAI/driveiq/engine/app"
	"github.com/WessleyAI/driveiq/engine/ingest"
	"github.com/WessleyAI/driveiq/engine/render"
	"github.com/WessleyAI/driveiq/pkg/config"
)

// Dims is the vector size produced by BagOfWords.
const Dims = 384

// Sample page texts: a maintenance page and a table of contents.
const (
	OilPage = "Maintenance schedule. Oil change interval: change the engine oil every 5000 miles."
	TOCPage = "Table of Contents\nOil change ...... 12\nTire rotation ...... 40\nBrake fluid ...... 52\nWiper blades ...... 60"
)

var word = regexp.MustCompile(`[a-z0-9]+`)

var stop = map[string]bool{"the": true, "i": true, "my": true, "should": true, "a": true, "of": true, "to": true}

// BagOfWords embeds a text as its L2-normalised hashed word counts, so texts
// sharing words are close. It is deterministic and needs no network.
type BagOfWords struct{}

// Vector embeds one text.
func (BagOfWords) Vector(text string) []float32 {
	v := make([]float32, Dims)
	for _, w := range word.FindAllString(strings.ToLower(text), -1) {
		if stop[w] {
			continue
		}
		h := fnv.New32a()
		h.Write([]byte(w))
		v[h.Sum32()%Dims]++
	}
	var norm float64
	for _, x := range v {
		norm += float64(x * x)
	}
	if norm == 0 {
		v[0] = 1
		return v
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / math.Sqrt(norm))
	}
	return v
}

// EmbedBatch implements embedding.Model.
func (b BagOfWords) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = b.Vector(t)
	}
	return out, nil
}

// Pages serves page texts keyed by file base name.
type Pages struct {
	mu    sync.Mutex
	byDoc map[string][]string
}

// NewPages returns an empty reader.
func NewPages() *Pages { return &Pages{byDoc: map[string][]string{}} }

// Set registers the page texts of a file.
func (p *Pages) Set(name string, pages ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byDoc[name] = pages
}

// Pages implements ingest.PageReader.
func (p *Pages) Pages(_ context.Context, path string) ([]ingest.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	texts, ok := p.byDoc[filepath.Base(path)]
	if !ok {
		return nil, errors.New("enginetest: unreadable pdf")
	}
	out := make([]ingest.Page, len(texts))
	for i, t := range texts {
		out[i] = ingest.Page{Number: i + 1, Text: t}
	}
	return out, nil
}

// Rasterizer renders every page as a blank US-letter sheet. The page count
// of a file is its number of registered texts in Pages.
type Rasterizer struct {
	Pages *Pages
}

// Open implements render.Rasterizer.
func (r Rasterizer) Open(path string) (render.Document, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	pages, err := r.Pages.Pages(context.Background(), path)
	if err != nil {
		return nil, err
	}
	return blankDoc(len(pages)), nil
}

type blankDoc int

func (d blankDoc) NumPage() int { return int(d) }

func (d blankDoc) Render(_ int, scale float64) (image.Image, error) {
	img := image.NewRGBA(image.Rect(0, 0, int(612*scale), int(792*scale)))
	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)
	return img, nil
}

func (blankDoc) Size(int) (float64, float64, error) { return 612, 792, nil }
func (blankDoc) Close() error                       { return nil }

// Env is an assembled in-memory engine rooted in a temporary directory.
type Env struct {
	App   *app.App
	Pages *Pages
	// Docs is the source directory searched for PDFs.
	Docs string
}

// Config returns a configuration using only the memory backend, with image and
// document directories under root.
func Config(root string) *config.Config {
	cfg := config.Default()
	cfg.Stores.Backends = []string{"memory"}
	cfg.Redis.URL = ""
	cfg.Render.Dir = filepath.Join(root, "images")
	cfg.Ingest.DocsDir = filepath.Join(root, "docs")
	cfg.Render.SourceDirs = []string{cfg.Ingest.DocsDir}
	return cfg
}

// New assembles an Env. Callers may adjust cfg before passing it; nil uses
// Config on a fresh temporary directory.
func New(t testing.TB, cfg *config.Config) *Env {
	t.Helper()
	if cfg == nil {
		cfg = Config(t.TempDir())
	}
	if err := os.MkdirAll(cfg.Ingest.DocsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	pages := NewPages()
	a, err := app.New(context.Background(), cfg, nil, app.Overrides{
		Model:      BagOfWords{},
		Rasterizer: Rasterizer{Pages: pages},
		Pages:      pages,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { a.Close() })
	return &Env{App: a, Pages: pages, Docs: cfg.Ingest.DocsDir}
}

// AddPDF writes a placeholder PDF named name into Docs and registers its page
// texts. It returns the file path.
func (e *Env) AddPDF(t testing.TB, name string, pages ...string) string {
	t.Helper()
	path := filepath.Join(e.Docs, name)
	if err := os.WriteFile(path, []byte("%PDF-1.4\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	e.Pages.Set(name, pages...)
	return path
}
