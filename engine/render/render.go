// Package render rasterizes PDF pages into thumbnail and full-size PNGs and
// produces highlighted variants for a set of search terms. All images live
// under one directory tree and can be regenerated from the source PDF.
package render

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/WessleyAI/driveiq/engine/domain"
)

const (
	DefaultThumbnailScale = 0.4
	DefaultFullScale      = 1.5
	// DefaultHighlightMaxAge is how long highlighted renders are kept by Cleanup.
	DefaultHighlightMaxAge = 24 * time.Hour

	maxSafeName = 100

	dirThumbnails  = "thumbnails"
	dirFullsize    = "fullsize"
	dirHighlighted = "highlighted"
)

// DefaultHighlight is a translucent yellow.
var DefaultHighlight = color.NRGBA{R: 255, G: 230, B: 0, A: 110}

// Document is an open PDF that can be rasterized page by page. Pages are 1-based.
type Document interface {
	NumPage() int
	// Render rasterizes page at scale, where 1.0 is 72 DPI.
	Render(page int, scale float64) (image.Image, error)
	// Size returns the page size in PDF points.
	Size(page int) (width, height float64, err error)
	Close() error
}

// Rasterizer opens PDFs for rendering.
type Rasterizer interface {
	Open(path string) (Document, error)
}

// Box is a rectangle in PDF user space: points, origin at the bottom left.
type Box struct {
	X0, Y0, X1, Y1 float64
}

// Locator finds the boxes covering each case-insensitive occurrence of terms on a page.
type Locator interface {
	Locate(path string, page int, terms []string) ([]Box, error)
}

// Options configures a Renderer.
type Options struct {
	// Dir is the root of the image tree.
	Dir            string
	ThumbnailScale float64
	FullScale      float64
	Highlight      color.Color
	// SourceDirs are searched by FindPDF, in order.
	SourceDirs []string
}

// DefaultOptions renders under dir with the reference scales.
func DefaultOptions(dir string) Options {
	return Options{
		Dir:            dir,
		ThumbnailScale: DefaultThumbnailScale,
		FullScale:      DefaultFullScale,
		Highlight:      DefaultHighlight,
	}
}

// Paths are the image files of one page.
type Paths struct {
	Thumbnail string `json:"thumbnail"`
	Fullsize  string `json:"fullsize"`
}

// PageImages is one rendered page.
type PageImages struct {
	PageNumber int `json:"page_number"`
	Paths
}

// Renderer writes page images to disk. It opens the source PDF per call and is
// safe for concurrent use.
type Renderer struct {
	opts    Options
	raster  Rasterizer
	locator Locator
	log     *slog.Logger
}

// New creates a Renderer. A nil locator disables term highlighting; highlighted
// renders are then identical to the full-size image.
func New(raster Rasterizer, locator Locator, opts Options, logger *slog.Logger) *Renderer {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ThumbnailScale <= 0 {
		opts.ThumbnailScale = DefaultThumbnailScale
	}
	if opts.FullScale <= 0 {
		opts.FullScale = DefaultFullScale
	}
	if opts.Highlight == nil {
		opts.Highlight = DefaultHighlight
	}
	return &Renderer{opts: opts, raster: raster, locator: locator, log: logger}
}

// Dir returns the root of the image tree.
func (r *Renderer) Dir() string { return r.opts.Dir }

var unsafeChars = regexp.MustCompile(`[^\p{L}\p{N}_\-]`)

// SafeName turns a document name into a filesystem-safe stem: the extension is
// dropped, other characters outside letters, digits, '_' and '-' become '_',
// and the result is capped at 100 characters.
func SafeName(documentName string) string {
	base := filepath.Base(documentName)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	safe := []rune(unsafeChars.ReplaceAllString(stem, "_"))
	if len(safe) > maxSafeName {
		safe = safe[:maxSafeName]
	}
	return string(safe)
}

// TermsHash is the cache key of a highlight term set. Order, case, blanks and
// repeats do not matter.
func TermsHash(terms []string) string {
	sorted := cleanTerms(terms)
	slices.Sort(sorted)
	sum := md5.Sum([]byte(strings.Join(sorted, "_")))
	return hex.EncodeToString(sum[:])[:8]
}

// Paths returns where the page images of documentName live.
func (r *Renderer) Paths(documentName string, page int) Paths {
	name := pageFile(SafeName(documentName), page)
	return Paths{
		Thumbnail: filepath.Join(r.opts.Dir, dirThumbnails, name+".png"),
		Fullsize:  filepath.Join(r.opts.Dir, dirFullsize, name+".png"),
	}
}

// HighlightedPath returns the cache file of a highlighted render.
func (r *Renderer) HighlightedPath(documentName string, page int, terms []string) string {
	name := pageFile(SafeName(documentName), page) + "_" + TermsHash(terms) + ".png"
	return filepath.Join(r.opts.Dir, dirHighlighted, name)
}

func pageFile(safe string, page int) string {
	return safe + "_page_" + strconv.Itoa(page)
}

// RenderDocument writes a thumbnail and a full-size image for every page of
// the PDF at pdfPath. Existing images are overwritten. A page that fails to
// render is logged and skipped.
func (r *Renderer) RenderDocument(ctx context.Context, pdfPath, documentName string) ([]PageImages, error) {
	doc, err := r.raster.Open(pdfPath)
	if err != nil {
		return nil, fmt.Errorf("render: open %s: %w", pdfPath, err)
	}
	defer doc.Close()

	out := make([]PageImages, 0, doc.NumPage())
	for page := 1; page <= doc.NumPage(); page++ {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		paths := r.Paths(documentName, page)
		if err := r.renderTo(doc, page, r.opts.ThumbnailScale, paths.Thumbnail, nil); err != nil {
			r.log.Warn("render: thumbnail failed", "document", documentName, "page", page, "error", err)
			continue
		}
		if err := r.renderTo(doc, page, r.opts.FullScale, paths.Fullsize, nil); err != nil {
			r.log.Warn("render: fullsize failed", "document", documentName, "page", page, "error", err)
			continue
		}
		out = append(out, PageImages{PageNumber: page, Paths: paths})
	}
	r.log.Info("render: document rendered", "document", documentName, "pages", len(out))
	return out, nil
}

// Highlight returns the path of a full-size render of page with every
// occurrence of terms highlighted. Cached renders are returned unchanged.
// The source PDF is looked up in the configured source directories; if it is
// gone the error wraps domain.ErrSourceMissing. Terms that do not occur on the
// page leave the image unmarked. With no terms the plain full-size image is
// returned.
func (r *Renderer) Highlight(ctx context.Context, documentName string, page int, terms []string) (string, error) {
	terms = cleanTerms(terms)
	if len(terms) == 0 {
		full := r.Paths(documentName, page).Fullsize
		if !exists(full) {
			return "", fmt.Errorf("render: %s page %d: %w", documentName, page, domain.ErrNotFound)
		}
		return full, nil
	}
	out := r.HighlightedPath(documentName, page, terms)
	if exists(out) {
		return out, nil
	}
	pdfPath, err := r.FindPDF(documentName)
	if err != nil {
		return "", err
	}
	return r.highlight(ctx, pdfPath, page, terms, out)
}

// HighlightFile is Highlight with an explicit source path.
func (r *Renderer) HighlightFile(ctx context.Context, pdfPath, documentName string, page int, terms []string) (string, error) {
	terms = cleanTerms(terms)
	out := r.HighlightedPath(documentName, page, terms)
	if exists(out) {
		return out, nil
	}
	if !exists(pdfPath) {
		return "", fmt.Errorf("render: %s: %w", pdfPath, domain.ErrSourceMissing)
	}
	return r.highlight(ctx, pdfPath, page, terms, out)
}

func (r *Renderer) highlight(ctx context.Context, pdfPath string, page int, terms []string, out string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	doc, err := r.raster.Open(pdfPath)
	if err != nil {
		return "", fmt.Errorf("render: open %s: %w", pdfPath, err)
	}
	defer doc.Close()

	if page < 1 || page > doc.NumPage() {
		return "", fmt.Errorf("render: page %d of %d: %w", page, doc.NumPage(), domain.ErrPageOutOfRange)
	}

	var boxes []Box
	if r.locator != nil && len(terms) > 0 {
		boxes, err = r.locator.Locate(pdfPath, page, terms)
		if err != nil {
			// Unlocatable text still yields a usable page image.
			r.log.Warn("render: locate terms failed", "path", pdfPath, "page", page, "error", err)
			boxes = nil
		}
	}
	if err := r.renderTo(doc, page, r.opts.FullScale, out, boxes); err != nil {
		return "", err
	}
	r.log.Debug("render: highlighted", "path", out, "terms", len(terms), "matches", len(boxes))
	return out, nil
}

func (r *Renderer) renderTo(doc Document, page int, scale float64, path string, boxes []Box) error {
	img, err := doc.Render(page, scale)
	if err != nil {
		return fmt.Errorf("render: page %d: %w", page, err)
	}
	if len(boxes) > 0 {
		w, h, err := doc.Size(page)
		if err != nil {
			return fmt.Errorf("render: page %d size: %w", page, err)
		}
		img = paint(img, boxes, w, h, r.opts.Highlight)
	}
	return writePNG(path, img)
}

// paint draws boxes, given in PDF points over a pageW x pageH page, onto a copy of img.
func paint(img image.Image, boxes []Box, pageW, pageH float64, c color.Color) image.Image {
	b := img.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, img, b.Min, draw.Src)
	if pageW <= 0 || pageH <= 0 {
		return dst
	}
	sx := float64(b.Dx()) / pageW
	sy := float64(b.Dy()) / pageH
	fill := image.NewUniform(c)
	for _, box := range boxes {
		rect := image.Rect(
			b.Min.X+int(box.X0*sx), b.Min.Y+int((pageH-box.Y1)*sy),
			b.Min.X+int(box.X1*sx+0.5), b.Min.Y+int((pageH-box.Y0)*sy+0.5),
		).Intersect(b)
		if rect.Empty() {
			continue
		}
		draw.Draw(dst, rect, fill, image.Point{}, draw.Over)
	}
	return dst
}

// writePNG encodes img next to path and renames it into place so concurrent
// writers of the same key never expose a partial file.
func writePNG(path string, img image.Image) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("render: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*.png")
	if err != nil {
		return fmt.Errorf("render: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := png.Encode(tmp, img); err != nil {
		tmp.Close()
		return fmt.Errorf("render: encode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("render: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("render: rename: %w", err)
	}
	return nil
}

// cleanTerms trims and lowercases terms, dropping blanks and duplicates.
// Matching is case-insensitive, so lowercasing loses nothing.
func cleanTerms(terms []string) []string {
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" && !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}

func exists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}

// FindPDF looks for the source of documentName in the source directories:
// exact name, then name plus ".pdf", then any PDF whose safe name contains
// the document's safe name. The error wraps domain.ErrSourceMissing.
func (r *Renderer) FindPDF(documentName string) (string, error) {
	want := SafeName(documentName)
	for _, dir := range r.opts.SourceDirs {
		if p := filepath.Join(dir, documentName); exists(p) {
			return p, nil
		}
		if !strings.HasSuffix(strings.ToLower(documentName), ".pdf") {
			if p := filepath.Join(dir, documentName+".pdf"); exists(p) {
				return p, nil
			}
		}
		matches, _ := filepath.Glob(filepath.Join(dir, "*.pdf"))
		slices.Sort(matches)
		for _, m := range matches {
			if want != "" && strings.Contains(SafeName(m), want) {
				return m, nil
			}
		}
	}
	return "", fmt.Errorf("render: %s: %w", documentName, domain.ErrSourceMissing)
}

// ListPages returns the sorted page numbers that have a thumbnail for
// documentName. No thumbnails is domain.ErrNotFound.
func (r *Renderer) ListPages(documentName string) ([]int, error) {
	prefix := SafeName(documentName) + "_page_"
	entries, err := os.ReadDir(filepath.Join(r.opts.Dir, dirThumbnails))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("render: list pages: %w", err)
	}
	var pages []int
	for _, e := range entries {
		rest, ok := strings.CutPrefix(e.Name(), prefix)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(rest, ".png"))
		if err != nil {
			continue
		}
		pages = append(pages, n)
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("render: %s: %w", documentName, domain.ErrNotFound)
	}
	slices.Sort(pages)
	return pages, nil
}

// Cleanup removes highlighted renders older than maxAge and returns how many
// were removed.
func (r *Renderer) Cleanup(maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = DefaultHighlightMaxAge
	}
	files, err := filepath.Glob(filepath.Join(r.opts.Dir, dirHighlighted, "*.png"))
	if err != nil {
		return 0, fmt.Errorf("render: cleanup: %w", err)
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, f := range files {
		st, err := os.Stat(f)
		if err != nil || !st.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(f); err == nil {
			removed++
		}
	}
	if removed > 0 {
		r.log.Info("render: highlight cache cleaned", "removed", removed)
	}
	return removed, nil
}

// Purge removes every image of documentName.
func (r *Renderer) Purge(documentName string) int {
	safe := SafeName(documentName)
	removed := 0
	for _, dir := range []string{dirThumbnails, dirFullsize, dirHighlighted} {
		files, _ := filepath.Glob(filepath.Join(r.opts.Dir, dir, safe+"_page_*.png"))
		for _, f := range files {
			if err := os.Remove(f); err == nil {
				removed++
			}
		}
	}
	return removed
}
