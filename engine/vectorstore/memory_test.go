package vectorstore

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/WessleyAI/driveiq/engine/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memChunk(doc string, page int, topics []string, vec ...float32) domain.DocumentChunk {
	return domain.DocumentChunk{
		ID:           uuid.NewString(),
		DocumentName: doc,
		DocumentType: "manual",
		Content:      doc + " page content",
		PageNumber:   page,
		Topics:       topics,
		Embedding:    vec,
	}
}

func TestMemory_UpsertSearchRanksByCosine(t *testing.T) {
	ctx := context.Background()
	m, err := NewMemory("", 3)
	require.NoError(t, err)

	near := memChunk("a.pdf", 1, []string{"maintenance"}, 1, 0, 0)
	mid := memChunk("a.pdf", 2, []string{"safety"}, 1, 1, 0)
	far := memChunk("b.pdf", 1, []string{"general"}, 0, 0, 1)
	require.NoError(t, m.Upsert(ctx, []domain.DocumentChunk{near, mid, far}))

	hits, err := m.Search(ctx, []float32{1, 0, 0}, 5, 0.5, domain.Filter{})
	require.NoError(t, err)
	require.Len(t, hits, 2, "orthogonal chunk is below the threshold")
	assert.Equal(t, near.ID, hits[0].Chunk.ID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-5)
	assert.InDelta(t, 0.7071, hits[1].Score, 1e-3)
	assert.Equal(t, []string{"maintenance"}, hits[0].Chunk.Topics)
	assert.Equal(t, 1, hits[0].Chunk.PageNumber)
}

func TestMemory_Filters(t *testing.T) {
	ctx := context.Background()
	m, _ := NewMemory("", 2)
	a := memChunk("a.pdf", 1, []string{"maintenance", "technical"}, 1, 0)
	b := memChunk("b.pdf", 1, []string{"safety"}, 1, 0.1)
	b.DocumentType = "qrg"
	require.NoError(t, m.Upsert(ctx, []domain.DocumentChunk{a, b}))

	hits, _ := m.Search(ctx, []float32{1, 0}, 5, 0, domain.Filter{Topics: []string{"safety", "features"}})
	require.Len(t, hits, 1)
	assert.Equal(t, "b.pdf", hits[0].Chunk.DocumentName)

	hits, _ = m.Search(ctx, []float32{1, 0}, 5, 0, domain.Filter{DocumentType: "manual"})
	require.Len(t, hits, 1)
	assert.Equal(t, "a.pdf", hits[0].Chunk.DocumentName)
}

func TestMemory_UpsertReplacesByID(t *testing.T) {
	ctx := context.Background()
	m, _ := NewMemory("", 2)
	c := memChunk("a.pdf", 1, nil, 1, 0)
	require.NoError(t, m.Upsert(ctx, []domain.DocumentChunk{c}))
	c.Content = "updated"
	require.NoError(t, m.Upsert(ctx, []domain.DocumentChunk{c}))

	n, _ := m.Count(ctx)
	assert.EqualValues(t, 1, n)
	hits, _ := m.Search(ctx, []float32{1, 0}, 1, 0, domain.Filter{})
	assert.Equal(t, "updated", hits[0].Chunk.Content)
	assert.Equal(t, []string{domain.TopicGeneral}, hits[0].Chunk.Topics)
}

func TestMemory_DeleteByDocumentAndClear(t *testing.T) {
	ctx := context.Background()
	m, _ := NewMemory("", 2)
	require.NoError(t, m.Upsert(ctx, []domain.DocumentChunk{
		memChunk("a.pdf", 1, nil, 1, 0),
		memChunk("a.pdf", 2, nil, 0, 1),
		memChunk("b.pdf", 1, nil, 1, 1),
	}))

	require.NoError(t, m.Delete(ctx, domain.Filter{DocumentName: "a.pdf"}))
	n, _ := m.Count(ctx)
	assert.EqualValues(t, 1, n)

	require.NoError(t, m.Delete(ctx, domain.Filter{}))
	n, _ = m.Count(ctx)
	assert.EqualValues(t, 0, n)

	hits, err := m.Search(ctx, []float32{1, 0}, 3, 0, domain.Filter{})
	require.NoError(t, err)
	assert.Empty(t, hits)
	assert.True(t, m.Health(ctx).Connected)
}

func TestMemory_SearchDuringReingest(t *testing.T) {
	ctx := context.Background()
	m, err := NewMemory("", 3)
	require.NoError(t, err)
	pages := []domain.DocumentChunk{
		memChunk("a.pdf", 1, nil, 1, 0, 0),
		memChunk("a.pdf", 2, nil, 1, 1, 0),
		memChunk("a.pdf", 3, nil, 0, 1, 1),
	}
	require.NoError(t, m.Upsert(ctx, pages))

	done := make(chan struct{})
	writerErr := make(chan error, 1)
	go func() {
		defer close(writerErr)
		for {
			select {
			case <-done:
				return
			default:
			}
			if err := m.Delete(ctx, domain.Filter{DocumentName: "a.pdf"}); err != nil {
				writerErr <- err
				return
			}
			if err := m.Upsert(ctx, pages); err != nil {
				writerErr <- err
				return
			}
		}
	}()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 200 {
				if _, err := m.Search(ctx, []float32{1, 0, 0}, 5, 0, domain.Filter{}); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(done)
	close(errs)

	for err := range errs {
		t.Fatalf("search failed during re-ingest: %v", err)
	}
	require.NoError(t, <-writerErr)
}

func TestMemory_DimensionMismatch(t *testing.T) {
	m, _ := NewMemory("", 3)
	err := m.Upsert(context.Background(), []domain.DocumentChunk{memChunk("a.pdf", 1, nil, 1, 0)})
	assert.True(t, errors.Is(err, domain.ErrDimensionMismatch))
}

type failingStore struct {
	*Memory
	failAt int
	calls  int
}

func (f *failingStore) Upsert(ctx context.Context, chunks []domain.DocumentChunk) error {
	f.calls++
	if f.calls == f.failAt {
		return errors.New("write failed")
	}
	return f.Memory.Upsert(ctx, chunks)
}

func TestUpsertBatched_KeepsCommittedBatches(t *testing.T) {
	ctx := context.Background()
	m, _ := NewMemory("", 2)
	s := &failingStore{Memory: m, failAt: 3}

	var chunks []domain.DocumentChunk
	for i := 0; i < 250; i++ {
		chunks = append(chunks, memChunk("big.pdf", i+1, nil, 1, float32(i)))
	}
	n, err := UpsertBatched(ctx, s, chunks, 100)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "batch 2"))
	assert.Equal(t, 200, n)
	stored, _ := m.Count(ctx)
	assert.EqualValues(t, 200, stored)
}

func TestUpsertBatched_DefaultSize(t *testing.T) {
	m, _ := NewMemory("", 2)
	n, err := UpsertBatched(context.Background(), m, []domain.DocumentChunk{memChunk("a.pdf", 1, nil, 1, 0)}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPGVector_SchemaUsesDims(t *testing.T) {
	p := NewPGVector(nil, 384)
	s := p.Schema()
	assert.Contains(t, s, "vector(384)")
	assert.NotContains(t, s, "{{DIMS}}")
	assert.Contains(t, s, "vector_cosine_ops")
	assert.Equal(t, BackendPGVector, p.Name())
}

func TestOpenPGVector_EmptyDSN(t *testing.T) {
	_, err := OpenPGVector(PGOptions{})
	assert.Error(t, err)
}
