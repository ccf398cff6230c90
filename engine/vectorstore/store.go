// Package vectorstore defines the storage contract shared by every vector
// backend and provides the Qdrant, pgvector and in-memory implementations.
// Backends convert their native payloads into domain.DocumentChunk at this
// boundary; nothing untyped leaves the package.
package vectorstore

import (
	"context"
	"fmt"

	"github.com/WessleyAI/driveiq/engine/domain"
	"github.com/WessleyAI/driveiq/pkg/fn"
)

// DefaultBatchSize is the upsert batch used by ingestion.
const DefaultBatchSize = 100

// Backend names reported in Health and on search results.
const (
	BackendQdrant   = "qdrant"
	BackendPGVector = "pgvector"
	BackendMemory   = "memory"
)

// Hit is one search match. Chunk.Embedding is not populated.
type Hit struct {
	Chunk domain.DocumentChunk
	Score float64
}

// Health is a point-in-time view of a backend.
type Health struct {
	Backend   string `json:"backend"`
	Connected bool   `json:"connected"`
	Points    int64  `json:"points"`
	Status    string `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Store is implemented by each backend.
type Store interface {
	// Name identifies the backend.
	Name() string
	// Upsert inserts or replaces chunks by ID. Every chunk must carry an embedding.
	Upsert(ctx context.Context, chunks []domain.DocumentChunk) error
	// Search returns up to limit chunks with similarity >= threshold, best first.
	Search(ctx context.Context, vec []float32, limit int, threshold float64, f domain.Filter) ([]Hit, error)
	// Delete removes every chunk matching f. An empty filter clears the store.
	Delete(ctx context.Context, f domain.Filter) error
	// Count returns the number of stored chunks.
	Count(ctx context.Context) (int64, error)
	// Health never fails; problems are reported in the returned value.
	Health(ctx context.Context) Health
}

// UpsertBatched writes chunks in batches of size and returns how many were
// committed. A failing batch stops the run; earlier batches stay committed.
func UpsertBatched(ctx context.Context, s Store, chunks []domain.DocumentChunk, size int) (int, error) {
	if size <= 0 {
		size = DefaultBatchSize
	}
	committed := 0
	for i, batch := range fn.Chunk(chunks, size) {
		if err := s.Upsert(ctx, batch); err != nil {
			return committed, fmt.Errorf("vectorstore: %s batch %d: %w", s.Name(), i, err)
		}
		committed += len(batch)
	}
	return committed, nil
}
