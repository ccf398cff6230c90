package ingest

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/WessleyAI/driveiq/engine/domain"
	"github.com/WessleyAI/driveiq/engine/render"
	"github.com/WessleyAI/driveiq/engine/search"
	"github.com/WessleyAI/driveiq/engine/vectorstore"
	"github.com/WessleyAI/driveiq/pkg/metrics"
)

const dims = 384

// --- fakes ---

type fakePages struct {
	mu    sync.Mutex
	byDoc map[string][]Page
}

func (f *fakePages) set(doc string, pages ...Page) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byDoc[doc] = pages
}

func (f *fakePages) Pages(_ context.Context, path string) ([]Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pages, ok := f.byDoc[filepath.Base(path)]
	if !ok {
		return nil, errors.New("not a pdf")
	}
	return pages, nil
}

func text(pages ...string) []Page {
	out := make([]Page, len(pages))
	for i, p := range pages {
		out[i] = Page{Number: i + 1, Text: p}
	}
	return out
}

var bowWord = regexp.MustCompile(`[a-z0-9]+`)

var bowStop = map[string]bool{"the": true, "i": true, "my": true, "should": true, "a": true, "of": true, "to": true}

// bagOfWords embeds texts as normalized hashed word counts. Any batch holding
// a text with the poison marker fails.
type bagOfWords struct {
	poison string
}

func (b *bagOfWords) vector(text string) []float32 {
	v := make([]float32, dims)
	for _, w := range bowWord.FindAllString(strings.ToLower(text), -1) {
		if bowStop[w] {
			continue
		}
		h := fnv.New32a()
		h.Write([]byte(w))
		v[h.Sum32()%dims]++
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

func (b *bagOfWords) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if b.poison != "" && strings.Contains(t, b.poison) {
			return nil, errors.New("model error")
		}
		out[i] = b.vector(t)
	}
	return out, nil
}

func (b *bagOfWords) Embed(ctx context.Context, text string) ([]float32, error) {
	v, err := b.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return v[0], nil
}

// rejectingStore fails any upsert that carries the marker.
type rejectingStore struct {
	*vectorstore.Memory
	marker string
}

func (r *rejectingStore) Upsert(ctx context.Context, chunks []domain.DocumentChunk) error {
	for _, c := range chunks {
		if strings.Contains(c.Content, r.marker) {
			return errors.New("constraint violation")
		}
	}
	return r.Memory.Upsert(ctx, chunks)
}

type fakeRenderer struct {
	mu     sync.Mutex
	purged []string
}

func (f *fakeRenderer) RenderDocument(_ context.Context, _, doc string) ([]render.PageImages, error) {
	return []render.PageImages{{PageNumber: 1}, {PageNumber: 2}}, nil
}

func (f *fakeRenderer) Purge(doc string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purged = append(f.purged, doc)
	return 4
}

type countingCache struct {
	mu    sync.Mutex
	calls int
}

func (c *countingCache) InvalidateSearch(context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return 1
}

type fixture struct {
	dir      string
	pages    *fakePages
	mem      *vectorstore.Memory
	embedder *bagOfWords
	renderer *fakeRenderer
	cache    *countingCache
	svc      *Service
}

func newFixture(t *testing.T, stores ...vectorstore.Store) *fixture {
	t.Helper()
	mem, err := vectorstore.NewMemory("test", dims)
	if err != nil {
		t.Fatal(err)
	}
	if len(stores) == 0 {
		stores = []vectorstore.Store{mem}
	}
	f := &fixture{
		dir:      t.TempDir(),
		pages:    &fakePages{byDoc: map[string][]Page{}},
		mem:      mem,
		embedder: &bagOfWords{},
		renderer: &fakeRenderer{},
		cache:    &countingCache{},
	}
	f.svc = New(Deps{
		Pages:    f.pages,
		Embedder: f.embedder,
		Stores:   stores,
		Renderer: f.renderer,
		Cache:    f.cache,
		Metrics:  metrics.New(),
	}, DefaultOptions())
	return f
}

func (f *fixture) add(t *testing.T, name string, pages ...Page) string {
	t.Helper()
	path := filepath.Join(f.dir, name)
	if err := os.WriteFile(path, []byte("%PDF-1.4"), 0o644); err != nil {
		t.Fatal(err)
	}
	f.pages.set(name, pages...)
	return path
}

func count(t *testing.T, s vectorstore.Store) int64 {
	t.Helper()
	n, err := s.Count(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return n
}

const (
	oilPage = "Maintenance schedule. Oil change interval: change the engine oil every 5000 miles."
	tocPage = "Table of Contents\nOil change ...... 12\nTire rotation ...... 40\nBrake fluid ...... 52\nWiper blades ...... 60"
)

// --- tests ---

func TestEndToEnd_OilChangeQuery(t *testing.T) {
	f := newFixture(t)
	f.add(t, "manual.pdf", text(oilPage, tocPage)...)
	ctx := context.Background()

	report, err := f.svc.IngestAll(ctx, f.dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Documents) != 1 || report.Inserted != 2 || report.Failed != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	doc := report.Documents[0]
	if doc.DocumentType != TypeManual || doc.Images != 2 || doc.Topics["maintenance"] == 0 {
		t.Fatalf("unexpected document stats %+v", doc)
	}

	ranker := search.New(f.embedder, []vectorstore.Store{f.mem}, nil, search.DefaultOptions(), nil)
	resp, err := ranker.Search(ctx, search.Query{Text: "when should I change my oil", Limit: 5})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 1 {
		t.Fatalf("expected exactly one result, got %+v", resp.Results)
	}
	got := resp.Results[0]
	if got.PageNumber != 1 || got.DocumentName != "manual.pdf" || !slices.Contains(got.Topics, "maintenance") {
		t.Fatalf("unexpected result %+v", got)
	}
}

func TestIngest_SkipsOversizedChunks(t *testing.T) {
	f := newFixture(t)
	opts := DefaultOptions()
	opts.Chunk.Size = 12000
	f.svc = New(Deps{Pages: f.pages, Embedder: f.embedder, Stores: []vectorstore.Store{f.mem}}, opts)
	// No sentence end, so the whole page becomes one chunk.
	runOn := strings.TrimSpace(strings.Repeat("oil ", 2600))
	path := f.add(t, "manual.pdf", text(runOn, oilPage)...)

	stats, err := f.svc.IngestFile(context.Background(), path, "")
	if err != nil {
		t.Fatal(err)
	}
	if stats.Attempted != 2 || stats.Invalid != 1 || stats.Inserted != 1 || stats.Failed != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	hits, err := f.mem.Search(context.Background(), f.embedder.vector(oilPage), 5, 0, domain.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	for _, h := range hits {
		if len(h.Chunk.Content) > domain.MaxChunkLength {
			t.Fatalf("stored a %d byte chunk", len(h.Chunk.Content))
		}
	}
	if len(hits) != 1 || hits[0].Chunk.PageNumber != 2 {
		t.Fatalf("unexpected hits %+v", hits)
	}
}

func TestIngest_SkipsShortAndUnreadablePages(t *testing.T) {
	f := newFixture(t)
	path := f.add(t, "qrg.pdf",
		Page{Number: 1, Text: "Notes"},
		Page{Number: 2, Err: errors.New("bad xref")},
		Page{Number: 3, Text: oilPage},
	)

	stats, err := f.svc.IngestFile(context.Background(), path, "")
	if err != nil {
		t.Fatal(err)
	}
	if stats.Pages != 3 || stats.PagesSkipped != 2 || stats.Attempted != 1 || stats.Inserted != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.DocumentType != TypeQuickReference {
		t.Fatalf("expected qrg type, got %s", stats.DocumentType)
	}

	hits, err := f.mem.Search(context.Background(), f.embedder.vector(oilPage), 5, 0, domain.Filter{})
	if err != nil || len(hits) != 1 {
		t.Fatalf("search: %v %+v", err, hits)
	}
	if hits[0].Chunk.PageNumber != 3 || hits[0].Chunk.ID != ChunkID("qrg.pdf", 0) {
		t.Fatalf("page numbers must follow the PDF, got %+v", hits[0].Chunk)
	}
}

func TestIngestFile_ReplacesOnlyThatDocument(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.add(t, "a.pdf", text(oilPage, tocPage)...)
	f.add(t, "b.pdf", text(oilPage)...)

	if _, err := f.svc.IngestAll(ctx, f.dir); err != nil {
		t.Fatal(err)
	}
	if n := count(t, f.mem); n != 3 {
		t.Fatalf("expected 3 chunks, got %d", n)
	}

	f.pages.set("a.pdf", text(oilPage)...)
	if _, err := f.svc.IngestFile(ctx, a, ""); err != nil {
		t.Fatal(err)
	}
	if n := count(t, f.mem); n != 2 {
		t.Fatalf("re-ingesting a.pdf should leave 2 chunks, got %d", n)
	}

	if err := os.Remove(filepath.Join(f.dir, "b.pdf")); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.IngestAll(ctx, f.dir); err != nil {
		t.Fatal(err)
	}
	if n := count(t, f.mem); n != 1 {
		t.Fatalf("a corpus run replaces everything, got %d chunks", n)
	}
}

func TestIngest_EmbedFailureSkipsOnlyThatChunk(t *testing.T) {
	f := newFixture(t)
	f.embedder.poison = "POISON"
	path := f.add(t, "manual.pdf", text(
		oilPage,
		"POISON page with enough characters to be chunked by the pipeline.",
		"Check the tire pressure monthly and rotate tires every 7500 miles.",
	)...)

	stats, err := f.svc.IngestFile(context.Background(), path, "")
	if err != nil {
		t.Fatal(err)
	}
	if stats.Attempted != 3 || stats.EmbedFailed != 1 || stats.Inserted != 2 || stats.Failed != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestIngest_StoreFailureCountedPerChunk(t *testing.T) {
	mem, err := vectorstore.NewMemory("reject", dims)
	if err != nil {
		t.Fatal(err)
	}
	store := &rejectingStore{Memory: mem, marker: "REJECT"}
	f := newFixture(t, store)
	path := f.add(t, "manual.pdf", text(
		oilPage,
		"REJECT this page because the store refuses it for some reason.",
		"Check the tire pressure monthly and rotate tires every 7500 miles.",
	)...)

	stats, err := f.svc.IngestFile(context.Background(), path, "")
	if err != nil {
		t.Fatal(err)
	}
	if stats.Attempted != 3 || stats.Inserted != 2 || stats.Failed != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if n := count(t, mem); n != 2 {
		t.Fatalf("expected 2 stored chunks, got %d", n)
	}
}

func TestIngestFile_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.IngestFile(ctx, filepath.Join(f.dir, "missing.pdf"), ""); err == nil {
		t.Fatal("expected error for missing file")
	}

	path := filepath.Join(f.dir, "corrupt.pdf")
	if err := os.WriteFile(path, []byte("junk"), 0o644); err != nil {
		t.Fatal(err)
	}
	stats, err := f.svc.IngestFile(ctx, path, "")
	if err == nil || stats.Error == "" {
		t.Fatalf("expected unreadable document to fail, got %+v", stats)
	}

	noStores := New(Deps{Pages: f.pages, Embedder: f.embedder}, DefaultOptions())
	good := f.add(t, "manual.pdf", text(oilPage)...)
	if _, err := noStores.IngestFile(ctx, good, ""); err == nil {
		t.Fatal("expected error without stores")
	}
}

func TestRemove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, "a.pdf", text(oilPage)...)
	f.add(t, "b.pdf", text(oilPage, tocPage)...)
	if _, err := f.svc.IngestAll(ctx, f.dir); err != nil {
		t.Fatal(err)
	}
	before := f.cache.calls

	if err := f.svc.Remove(ctx, "b.pdf"); err != nil {
		t.Fatal(err)
	}
	if n := count(t, f.mem); n != 1 {
		t.Fatalf("expected only a.pdf to remain, got %d chunks", n)
	}
	if !slices.Equal(f.renderer.purged, []string{"b.pdf"}) {
		t.Fatalf("expected b.pdf images purged, got %v", f.renderer.purged)
	}
	if f.cache.calls != before+1 {
		t.Fatal("removal should invalidate the search cache")
	}
}

func TestReport(t *testing.T) {
	r := newReport([]DocumentStats{
		{Document: "a.pdf", Attempted: 3, Inserted: 3, Topics: map[string]int{"maintenance": 2, "general": 1}},
		{Document: "b.pdf", Attempted: 2, Inserted: 1, Failed: 1, Topics: map[string]int{"maintenance": 1}},
		{Document: "c.pdf", Error: "open failed"},
	})
	if r.Chunks != 5 || r.Inserted != 4 || r.Failed != 1 || r.Topics["maintenance"] != 3 {
		t.Fatalf("unexpected totals %+v", r)
	}
	if !slices.Equal(r.TopicNames(), []string{"general", "maintenance"}) {
		t.Fatalf("unexpected topics %v", r.TopicNames())
	}
	if errs := r.Errors(); len(errs) != 1 || errs["c.pdf"] != "open failed" {
		t.Fatalf("unexpected errors %v", errs)
	}
}

func TestDocumentType(t *testing.T) {
	tests := []struct{ name, label, want string }{
		{"4Runner_QRG.pdf", "", TypeQuickReference},
		{"Quick Start.pdf", "", TypeQuickReference},
		{"CARFAX Report.pdf", "", TypeVehicleHistory},
		{"maintenance-2023.pdf", "", TypeMaintenanceReport},
		{"owners_manual.pdf", "", TypeManual},
		{"owners_manual.pdf", "warranty", "warranty"},
	}
	for _, tt := range tests {
		if got := DocumentType(tt.name, tt.label); got != tt.want {
			t.Errorf("DocumentType(%q, %q) = %q, want %q", tt.name, tt.label, got, tt.want)
		}
	}
}

func TestChunkID(t *testing.T) {
	if ChunkID("manual.pdf", 0) != ChunkID("manual.pdf", 0) {
		t.Fatal("chunk IDs must be deterministic")
	}
	if ChunkID("manual.pdf", 0) == ChunkID("manual.pdf", 1) || ChunkID("a.pdf", 0) == ChunkID("b.pdf", 0) {
		t.Fatal("chunk IDs must differ per document and index")
	}
}

func TestListPDFs(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"b.PDF", "a.pdf", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, n), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "sub.pdf"), 0o755); err != nil {
		t.Fatal(err)
	}
	got, err := ListPDFs(dir)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{filepath.Join(dir, "a.pdf"), filepath.Join(dir, "b.PDF")}
	if !slices.Equal(got, want) {
		t.Fatalf("ListPDFs = %v, want %v", got, want)
	}
	if _, err := ListPDFs(filepath.Join(dir, "nope")); err == nil {
		t.Fatal("expected error for missing dir")
	}
}
