// Package ingest turns PDF documents into tagged, embedded chunks in every
// configured vector store and renders their page images. A corpus run replaces
// everything previously stored; a single-document run replaces only that
// document's chunks.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/WessleyAI/driveiq/engine/chunker"
	"github.com/WessleyAI/driveiq/engine/domain"
	"github.com/WessleyAI/driveiq/engine/render"
	"github.com/WessleyAI/driveiq/engine/tagger"
	"github.com/WessleyAI/driveiq/engine/vectorstore"
	"github.com/WessleyAI/driveiq/pkg/fn"
	"github.com/WessleyAI/driveiq/pkg/metrics"
	"github.com/google/uuid"
)

const (
	// DefaultMinPageChars is the shortest page text worth chunking.
	DefaultMinPageChars = 50
	// DefaultWorkers bounds how many documents a corpus run processes at once.
	DefaultWorkers = 4
	// DefaultEmbedBatch is the number of chunks per embedding request.
	DefaultEmbedBatch = 32
)

// Document types inferred from file names.
const (
	TypeManual            = "manual"
	TypeQuickReference    = "qrg"
	TypeVehicleHistory    = "vehicle_history"
	TypeMaintenanceReport = "maintenance_report"
)

// Embedder computes vectors for chunk contents.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// SearchCache is invalidated after every write to the stores.
type SearchCache interface {
	InvalidateSearch(ctx context.Context) int
}

// PageRenderer produces the page images of a document.
type PageRenderer interface {
	RenderDocument(ctx context.Context, pdfPath, documentName string) ([]render.PageImages, error)
	Purge(documentName string) int
}

// Deps holds the collaborators of the ingestion pipeline. Renderer, Cache and
// Metrics are optional.
type Deps struct {
	Pages    PageReader
	Tagger   *tagger.Tagger
	Embedder Embedder
	Stores   []vectorstore.Store
	Renderer PageRenderer
	Cache    SearchCache
	Metrics  *metrics.Registry
	Logger   *slog.Logger
}

// Options tunes the pipeline.
type Options struct {
	Chunk        chunker.Options
	MinPageChars int
	Workers      int
	EmbedBatch   int
	UpsertBatch  int
}

// DefaultOptions returns the reference configuration.
func DefaultOptions() Options {
	return Options{
		Chunk:        chunker.DefaultOptions(),
		MinPageChars: DefaultMinPageChars,
		Workers:      DefaultWorkers,
		EmbedBatch:   DefaultEmbedBatch,
		UpsertBatch:  vectorstore.DefaultBatchSize,
	}
}

// Service runs ingestion. It is safe for concurrent use as long as two runs
// never target the same document.
type Service struct {
	deps     Deps
	opts     Options
	log      *slog.Logger
	pipeline fn.Stage[*document, *document]

	docs     *metrics.Counter
	chunks   *metrics.Counter
	failed   *metrics.Counter
	duration *metrics.Histogram
}

type source struct {
	Path string
	Name string
	Type string
}

// document flows through the pipeline stages.
type document struct {
	source
	stats  *DocumentStats
	pages  []Page
	chunks []domain.DocumentChunk
}

// New creates a Service. Pages defaults to PDFText and Tagger to the default
// topic sets.
func New(deps Deps, opts Options) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Pages == nil {
		deps.Pages = PDFText{}
	}
	if deps.Tagger == nil {
		deps.Tagger = tagger.New(nil, 0)
	}
	if opts.MinPageChars <= 0 {
		opts.MinPageChars = DefaultMinPageChars
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.EmbedBatch <= 0 {
		opts.EmbedBatch = DefaultEmbedBatch
	}
	if opts.UpsertBatch <= 0 {
		opts.UpsertBatch = vectorstore.DefaultBatchSize
	}
	s := &Service{deps: deps, opts: opts, log: deps.Logger}
	if reg := deps.Metrics; reg != nil {
		s.docs = reg.Counter("driveiq_ingest_documents_total", "Documents ingested")
		s.chunks = reg.Counter("driveiq_ingest_chunks_total", "Chunks stored")
		s.failed = reg.Counter("driveiq_ingest_chunks_failed_total", "Chunks that could not be embedded or stored")
		s.duration = reg.Histogram("driveiq_ingest_document_seconds", "Time to ingest one document", nil)
	}

	s.pipeline = fn.Pipeline(
		logged("read", s.log, s.read),
		logged("render", s.log, s.render),
		logged("chunk", s.log, s.chunk),
		logged("embed", s.log, s.embed),
		logged("store", s.log, s.store),
	)
	return s
}

// logged wraps a stage with a span and enter/exit logging.
func logged(name string, log *slog.Logger, stage fn.Stage[*document, *document]) fn.Stage[*document, *document] {
	traced := fn.TracedStage("ingest."+name, stage)
	return func(ctx context.Context, d *document) fn.Result[*document] {
		start := time.Now()
		log.Debug("stage.enter", "stage", name, "document", d.Name)
		r := traced(ctx, d)
		log.Debug("stage.exit", "stage", name, "document", d.Name, "duration", time.Since(start))
		return r
	}
}

// DocumentType infers the type of a document from its file name. A non-empty
// label always wins.
func DocumentType(filename, label string) string {
	if label != "" {
		return label
	}
	name := strings.ToLower(filepath.Base(filename))
	switch {
	case strings.Contains(name, "qrg"), strings.Contains(name, "quick"):
		return TypeQuickReference
	case strings.Contains(name, "carfax"):
		return TypeVehicleHistory
	case strings.Contains(name, "maintenance"):
		return TypeMaintenanceReport
	default:
		return TypeManual
	}
}

// ChunkID is the deterministic point ID of a chunk, so re-ingesting a
// document overwrites rather than duplicates.
func ChunkID(documentName string, index int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, fmt.Appendf(nil, "%s-%d", documentName, index)).String()
}

// ListPDFs returns the PDF files directly inside dir, sorted by name.
func ListPDFs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("ingest: read %s: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".pdf") {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	return out, nil
}

func newSource(path, label string) source {
	name := filepath.Base(path)
	return source{Path: path, Name: name, Type: DocumentType(name, label)}
}

// IngestFile replaces the chunks of one document with a fresh ingestion of
// the PDF at path. Chunks of other documents are untouched.
func (s *Service) IngestFile(ctx context.Context, path, documentType string) (DocumentStats, error) {
	src := newSource(path, documentType)
	if _, err := os.Stat(path); err != nil {
		return DocumentStats{Document: src.Name, DocumentType: src.Type, Error: err.Error()}, fmt.Errorf("ingest: %w", err)
	}
	if err := s.clear(ctx, domain.Filter{DocumentName: src.Name}); err != nil {
		return DocumentStats{Document: src.Name, DocumentType: src.Type, Error: err.Error()}, err
	}
	stats, err := s.ingest(ctx, src)
	s.invalidate(ctx)
	return stats, err
}

// IngestAll clears every store and ingests each PDF in dir. A document that
// fails is recorded in the report and does not stop the others.
func (s *Service) IngestAll(ctx context.Context, dir string) (*Report, error) {
	start := time.Now()
	paths, err := ListPDFs(dir)
	if err != nil {
		return nil, err
	}
	if err := s.clear(ctx, domain.Filter{}); err != nil {
		return nil, err
	}
	s.log.Info("ingest: corpus run", "dir", dir, "documents", len(paths), "workers", s.opts.Workers)

	stats := fn.ParMap(paths, s.opts.Workers, func(p string) DocumentStats {
		st, _ := s.ingest(ctx, newSource(p, ""))
		return st
	})
	s.invalidate(ctx)

	report := newReport(stats)
	report.Duration = time.Since(start)
	s.log.Info("ingest: corpus done",
		"documents", len(stats),
		"chunks", report.Chunks,
		"inserted", report.Inserted,
		"failed", report.Failed,
		"duration", report.Duration,
	)
	return report, nil
}

// Remove deletes every chunk and page image of a document.
func (s *Service) Remove(ctx context.Context, documentName string) error {
	err := s.clear(ctx, domain.Filter{DocumentName: documentName})
	if s.deps.Renderer != nil {
		n := s.deps.Renderer.Purge(documentName)
		s.log.Info("ingest: page images purged", "document", documentName, "images", n)
	}
	s.invalidate(ctx)
	return err
}

func (s *Service) clear(ctx context.Context, f domain.Filter) error {
	var errs []error
	for _, st := range s.deps.Stores {
		if err := st.Delete(ctx, f); err != nil {
			errs = append(errs, fmt.Errorf("ingest: clear %s: %w", st.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) invalidate(ctx context.Context) {
	if s.deps.Cache == nil {
		return
	}
	if n := s.deps.Cache.InvalidateSearch(ctx); n > 0 {
		s.log.Debug("ingest: search cache invalidated", "keys", n)
	}
}

func (s *Service) ingest(ctx context.Context, src source) (DocumentStats, error) {
	start := time.Now()
	stats := &DocumentStats{Document: src.Name, DocumentType: src.Type, Topics: map[string]int{}}
	_, err := s.pipeline(ctx, &document{source: src, stats: stats}).Unwrap()
	stats.Duration = time.Since(start)
	stats.Failed = stats.Attempted - stats.Inserted

	if s.docs != nil {
		s.docs.Inc()
		s.chunks.Add(int64(stats.Inserted))
		s.failed.Add(int64(stats.Failed))
		s.duration.Since(start)
	}
	if err != nil {
		stats.Error = err.Error()
		s.log.Error("ingest: document failed", "document", src.Name, "error", err)
		return *stats, err
	}
	s.log.Info("ingest: document done",
		"document", src.Name,
		"type", src.Type,
		"pages", stats.Pages,
		"skipped", stats.PagesSkipped,
		"attempted", stats.Attempted,
		"invalid", stats.Invalid,
		"inserted", stats.Inserted,
		"duration", stats.Duration,
	)
	return *stats, nil
}

// --- stages ---

func (s *Service) read(ctx context.Context, d *document) fn.Result[*document] {
	pages, err := s.deps.Pages.Pages(ctx, d.Path)
	if err != nil {
		return fn.Err[*document](err)
	}
	d.pages = pages
	d.stats.Pages = len(pages)
	return fn.Ok(d)
}

func (s *Service) render(ctx context.Context, d *document) fn.Result[*document] {
	if s.deps.Renderer == nil {
		return fn.Ok(d)
	}
	imgs, err := s.deps.Renderer.RenderDocument(ctx, d.Path, d.Name)
	if err != nil {
		s.log.Warn("ingest: page images failed", "document", d.Name, "error", err)
	}
	d.stats.Images = len(imgs)
	return fn.Ok(d)
}

func (s *Service) chunk(ctx context.Context, d *document) fn.Result[*document] {
	var tracker tagger.Tracker
	for _, p := range d.pages {
		if p.Err != nil {
			s.log.Warn("ingest: unreadable page", "document", d.Name, "page", p.Number, "error", p.Err)
			d.stats.PagesSkipped++
			continue
		}
		text := strings.TrimSpace(p.Text)
		if utf8.RuneCountInString(text) < s.opts.MinPageChars {
			s.log.Debug("ingest: page without text", "document", d.Name, "page", p.Number)
			d.stats.PagesSkipped++
			continue
		}
		h := tracker.Page(text)
		for piece := range chunker.Seq(text, s.opts.Chunk) {
			idx := len(d.chunks)
			c := domain.DocumentChunk{
				ID:           ChunkID(d.Name, idx),
				DocumentName: d.Name,
				DocumentType: d.Type,
				ChunkIndex:   idx,
				Content:      piece,
				PageNumber:   p.Number,
				Chapter:      h.Chapter,
				Section:      h.Section,
				Topics:       s.deps.Tagger.Topics(piece),
				Tokens:       chunker.Tokens(piece),
			}
			if err := domain.ValidateChunk(c, 0); err != nil {
				s.log.Warn("ingest: invalid chunk skipped", "document", d.Name, "page", p.Number, "bytes", len(piece), "error", err)
				d.stats.Invalid++
				continue
			}
			d.chunks = append(d.chunks, c)
		}
	}
	d.stats.Attempted = len(d.chunks) + d.stats.Invalid
	return fn.Ok(d)
}

func contents(chunks []domain.DocumentChunk) []string {
	return fn.Map(chunks, func(c domain.DocumentChunk) string { return c.Content })
}

// embed attaches vectors. A failed batch is retried one chunk at a time and
// chunks that still fail are dropped.
func (s *Service) embed(ctx context.Context, d *document) fn.Result[*document] {
	kept := make([]domain.DocumentChunk, 0, len(d.chunks))
	for _, batch := range fn.Chunk(d.chunks, s.opts.EmbedBatch) {
		vecs, err := s.deps.Embedder.EmbedBatch(ctx, contents(batch))
		if err != nil {
			if ctx.Err() != nil {
				return fn.Err[*document](ctx.Err())
			}
			s.log.Warn("ingest: embed batch failed, retrying per chunk", "document", d.Name, "size", len(batch), "error", err)
			vecs = make([][]float32, len(batch))
			for i, c := range batch {
				v, err := s.deps.Embedder.EmbedBatch(ctx, []string{c.Content})
				if err != nil || len(v) != 1 {
					s.log.Warn("ingest: chunk skipped", "document", d.Name, "chunk", c.ChunkIndex, "page", c.PageNumber, "error", err)
					d.stats.EmbedFailed++
					continue
				}
				vecs[i] = v[0]
			}
		}
		for i, c := range batch {
			if i >= len(vecs) || vecs[i] == nil {
				continue
			}
			c.Embedding = vecs[i]
			kept = append(kept, c)
		}
	}
	d.chunks = kept
	return fn.Ok(d)
}

// store writes to every backend. The reported insert count is the lowest
// across backends, so a chunk counts only once every store holds it.
func (s *Service) store(ctx context.Context, d *document) fn.Result[*document] {
	if len(s.deps.Stores) == 0 {
		return fn.Errf[*document]("ingest: no vector stores configured")
	}
	inserted := -1
	for _, st := range s.deps.Stores {
		n := s.storeAll(ctx, st, d.chunks, d.Name)
		if inserted < 0 || n < inserted {
			inserted = n
		}
	}
	d.stats.Inserted = inserted
	for _, c := range d.chunks {
		for _, t := range c.Topics {
			d.stats.Topics[t]++
		}
	}
	return fn.Ok(d)
}

// storeAll upserts in batches; the chunks of a failed batch are retried one by
// one so a single bad chunk costs only itself.
func (s *Service) storeAll(ctx context.Context, st vectorstore.Store, chunks []domain.DocumentChunk, doc string) int {
	inserted := 0
	for len(chunks) > 0 {
		n, err := vectorstore.UpsertBatched(ctx, st, chunks, s.opts.UpsertBatch)
		inserted += n
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			s.log.Warn("ingest: store cancelled", "backend", st.Name(), "document", doc, "error", ctx.Err())
			break
		}
		end := min(n+s.opts.UpsertBatch, len(chunks))
		s.log.Warn("ingest: batch upsert failed, retrying per chunk", "backend", st.Name(), "document", doc, "error", err)
		for _, c := range chunks[n:end] {
			if err := st.Upsert(ctx, []domain.DocumentChunk{c}); err != nil {
				s.log.Warn("ingest: chunk not stored", "backend", st.Name(), "document", doc, "chunk", c.ChunkIndex, "error", err)
				continue
			}
			inserted++
		}
		chunks = chunks[end:]
	}
	return inserted
}
