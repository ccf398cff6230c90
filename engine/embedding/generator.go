// Package embedding turns text into fixed-dimension vectors through a lazily
// loaded model and an optional fail-open cache.
package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/WessleyAI/driveiq/engine/domain"
	"github.com/WessleyAI/driveiq/pkg/fn"
)

// DefaultDims matches all-MiniLM-L6-v2 and Ollama's all-minilm.
const DefaultDims = 384

// Model computes vectors for a batch of texts, one per input in order.
type Model interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Loader constructs the model. It is called at most once per successful load.
type Loader func(ctx context.Context) (Model, error)

// Cache is the subset of cache.Redis the generator needs. Misses are nil entries.
type Cache interface {
	GetEmbeddings(ctx context.Context, texts []string) [][]float32
	SetEmbeddings(ctx context.Context, texts []string, vecs [][]float32)
}

// Options configures a Generator.
type Options struct {
	Dims      int
	BatchSize int
	Retry     fn.RetryOpts
}

// DefaultOptions returns 384 dims, 32 texts per model call and two attempts.
func DefaultOptions() Options {
	return Options{
		Dims:      DefaultDims,
		BatchSize: 32,
		Retry:     fn.RetryOpts{MaxAttempts: 2, InitialWait: 200 * time.Millisecond, MaxWait: 2 * time.Second, Jitter: true},
	}
}

// Generator is safe for concurrent use.
type Generator struct {
	load   Loader
	cache  Cache
	opts   Options
	logger *slog.Logger

	mu    sync.Mutex
	model Model
}

// New creates a Generator. cache may be nil.
func New(load Loader, cache Cache, opts Options, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultOptions()
	if opts.Dims <= 0 {
		opts.Dims = def.Dims
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = def.Retry
	}
	return &Generator{load: load, cache: cache, opts: opts, logger: logger}
}

// Static wraps an already constructed model.
func Static(m Model) Loader {
	return func(context.Context) (Model, error) { return m, nil }
}

// Dims returns the configured vector dimension.
func (g *Generator) Dims() int { return g.opts.Dims }

// Warm loads the model eagerly so the first query does not pay for it.
func (g *Generator) Warm(ctx context.Context) error {
	_, err := g.getModel(ctx)
	return err
}

func (g *Generator) getModel(ctx context.Context) (Model, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.model != nil {
		return g.model, nil
	}
	start := time.Now()
	m, err := g.load(ctx)
	if err != nil {
		return nil, fmt.Errorf("embedding: load model: %w", err)
	}
	g.logger.Info("embedding model loaded", "dims", g.opts.Dims, "duration", time.Since(start))
	g.model = m
	return m, nil
}

// Embed returns the vector for a single text.
func (g *Generator) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := g.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch returns one vector per text in input order. Cached texts are
// served without touching the model; the rest are computed in batches and
// written back to the cache.
func (g *Generator) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	if len(texts) == 0 {
		return out, nil
	}
	for i, t := range texts {
		if t == "" {
			return nil, fmt.Errorf("embedding: text %d: %w", i, domain.ErrEmptyText)
		}
	}

	if g.cache != nil {
		for i, v := range g.cache.GetEmbeddings(ctx, texts) {
			if len(v) == g.opts.Dims {
				out[i] = v
			}
		}
	}

	// Unique uncached texts and every position each one fills.
	var missing []string
	positions := map[string][]int{}
	for i, v := range out {
		if v != nil {
			continue
		}
		if _, seen := positions[texts[i]]; !seen {
			missing = append(missing, texts[i])
		}
		positions[texts[i]] = append(positions[texts[i]], i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	model, err := g.getModel(ctx)
	if err != nil {
		return nil, err
	}

	for _, batch := range fn.Chunk(missing, g.opts.BatchSize) {
		vecs, err := fn.Retry(ctx, g.opts.Retry, func(ctx context.Context) fn.Result[[][]float32] {
			return fn.FromPair(model.EmbedBatch(ctx, batch))
		}).Unwrap()
		if err != nil {
			return nil, fmt.Errorf("embedding: batch of %d: %w", len(batch), err)
		}
		if len(vecs) != len(batch) {
			return nil, fmt.Errorf("embedding: model returned %d vectors for %d texts", len(vecs), len(batch))
		}
		for j, v := range vecs {
			if len(v) != g.opts.Dims {
				return nil, fmt.Errorf("embedding: got %d dims, want %d: %w", len(v), g.opts.Dims, domain.ErrDimensionMismatch)
			}
			for _, pos := range positions[batch[j]] {
				out[pos] = v
			}
		}
		if g.cache != nil {
			g.cache.SetEmbeddings(ctx, batch, vecs)
		}
	}
	return out, nil
}
