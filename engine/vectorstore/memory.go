package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/WessleyAI/driveiq/engine/domain"
	"github.com/philippgille/chromem-go"
)

var errNoEmbedder = errors.New("vectorstore: memory store requires precomputed embeddings")

// Memory is an in-process backend over chromem-go. It suits local runs and
// tests; contents are lost when the process exits.
type Memory struct {
	db   *chromem.DB
	name string
	dims int

	// mu guards col and its contents. Searches and scans hold the read lock
	// between counting and querying so writes cannot shrink the collection
	// in between.
	mu  sync.RWMutex
	col *chromem.Collection
}

// NewMemory creates an empty in-memory store.
func NewMemory(name string, dims int) (*Memory, error) {
	if name == "" {
		name = DefaultCollection
	}
	m := &Memory{db: chromem.NewDB(), name: name, dims: dims}
	if err := m.reset(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Memory) reset() error {
	col, err := m.db.GetOrCreateCollection(m.name, nil, func(context.Context, string) ([]float32, error) {
		return nil, errNoEmbedder
	})
	if err != nil {
		return fmt.Errorf("vectorstore: memory collection: %w", err)
	}
	m.col = col
	return nil
}

// Name implements Store.
func (m *Memory) Name() string { return BackendMemory }

// Upsert implements Store.
func (m *Memory) Upsert(ctx context.Context, chunks []domain.DocumentChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	docs := make([]chromem.Document, len(chunks))
	for i, c := range chunks {
		if len(c.Embedding) != m.dims {
			return fmt.Errorf("vectorstore: chunk %s has %d dims, want %d: %w", c.ID, len(c.Embedding), m.dims, domain.ErrDimensionMismatch)
		}
		docs[i] = chromem.Document{
			ID:        c.ID,
			Content:   c.Content,
			Embedding: slices.Clone(c.Embedding),
			Metadata: map[string]string{
				keyDocumentName: c.DocumentName,
				keyDocumentType: c.DocumentType,
				keyChunkIndex:   strconv.Itoa(c.ChunkIndex),
				keyPageNumber:   strconv.Itoa(c.PageNumber),
				keyChapter:      c.Chapter,
				keySection:      c.Section,
				keyTopics:       strings.Join(c.Topics, ","),
				keyTokens:       strconv.Itoa(c.Tokens),
			},
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("vectorstore: memory upsert: %w", err)
	}
	return nil
}

// Search implements Store. Topic filters are applied after the similarity
// query, so every stored chunk is considered when they are set.
func (m *Memory) Search(ctx context.Context, vec []float32, limit int, threshold float64, f domain.Filter) ([]Hit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	col := m.col
	total := col.Count()
	if limit <= 0 || total == 0 {
		return nil, nil
	}
	n := min(limit, total)
	if len(f.Topics) > 0 {
		n = total
	}
	where := map[string]string{}
	if f.DocumentName != "" {
		where[keyDocumentName] = f.DocumentName
	}
	if f.DocumentType != "" {
		where[keyDocumentType] = f.DocumentType
	}

	results, err := col.QueryEmbedding(ctx, vec, n, where, nil)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: memory search: %w", err)
	}
	var hits []Hit
	for _, r := range results {
		score := float64(r.Similarity)
		if score < threshold {
			continue
		}
		c := memoryChunk(r.ID, r.Content, r.Metadata)
		if !f.Matches(c) {
			continue
		}
		hits = append(hits, Hit{Chunk: c, Score: score})
		if len(hits) == limit {
			break
		}
	}
	return hits, nil
}

// Delete implements Store.
func (m *Memory) Delete(ctx context.Context, f domain.Filter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f.IsEmpty() {
		if err := m.db.DeleteCollection(m.name); err != nil {
			return fmt.Errorf("vectorstore: memory clear: %w", err)
		}
		return m.reset()
	}

	col := m.col
	total := col.Count()
	if total == 0 {
		return nil
	}
	// Any query vector of the stored dimension ranks the whole collection.
	results, err := col.QueryEmbedding(ctx, unitVector(m.dims), total, nil, nil)
	if err != nil {
		return fmt.Errorf("vectorstore: memory delete scan: %w", err)
	}
	var ids []string
	for _, r := range results {
		if f.Matches(memoryChunk(r.ID, r.Content, r.Metadata)) {
			ids = append(ids, r.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	if err := col.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("vectorstore: memory delete: %w", err)
	}
	return nil
}

// Count implements Store.
func (m *Memory) Count(context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(m.col.Count()), nil
}

// Health implements Store.
func (m *Memory) Health(ctx context.Context) Health {
	n, _ := m.Count(ctx)
	return Health{Backend: BackendMemory, Connected: true, Points: n, Status: "ok"}
}

func unitVector(dims int) []float32 {
	v := make([]float32, dims)
	if dims > 0 {
		v[0] = 1
	}
	return v
}

func memoryChunk(id, content string, md map[string]string) domain.DocumentChunk {
	atoi := func(s string) int {
		n, _ := strconv.Atoi(s)
		return n
	}
	topics := []string{domain.TopicGeneral}
	if t := md[keyTopics]; t != "" {
		topics = strings.Split(t, ",")
	}
	return domain.DocumentChunk{
		ID:           id,
		DocumentName: md[keyDocumentName],
		DocumentType: md[keyDocumentType],
		ChunkIndex:   atoi(md[keyChunkIndex]),
		Content:      content,
		PageNumber:   atoi(md[keyPageNumber]),
		Chapter:      md[keyChapter],
		Section:      md[keySection],
		Topics:       topics,
		Tokens:       atoi(md[keyTokens]),
	}
}
