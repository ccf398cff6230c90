// Package app assembles the engine components from a config.Config. The API
// server, the ingestion worker and the operator CLI share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/WessleyAI/driveiq/engine/cache"
	"github.com/WessleyAI/driveiq/engine/chunker"
	"github.com/WessleyAI/driveiq/engine/embedding"
	"github.com/WessleyAI/driveiq/engine/ingest"
	"github.com/WessleyAI/driveiq/engine/render"
	"github.com/WessleyAI/driveiq/engine/search"
	"github.com/WessleyAI/driveiq/engine/vectorstore"
	"github.com/WessleyAI/driveiq/pkg/config"
	"github.com/WessleyAI/driveiq/pkg/metrics"
)

// App owns every long-lived component and the connections behind them.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Metrics  *metrics.Registry
	Cache    *cache.Redis
	Embedder *embedding.Generator
	Stores   []vectorstore.Store
	Ranker   *search.Ranker
	Renderer *render.Renderer
	Ingest   *ingest.Service

	closers []func() error
}

// Overrides replace parts of the assembly. Tests use them to run without
// external services.
type Overrides struct {
	Model      embedding.Model
	Stores     []vectorstore.Store
	Rasterizer render.Rasterizer
	Pages      ingest.PageReader
}

// New connects to the configured backends. Stores that cannot be prepared
// are kept and reported as degraded by the ranker rather than failing startup.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, ov Overrides) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger, Metrics: metrics.New()}

	if cfg.Redis.URL != "" {
		c, err := cache.Dial(cfg.Redis.URL, cache.Options{
			EmbeddingTTL: cfg.Redis.EmbeddingTTL,
			SearchTTL:    cfg.Redis.SearchTTL,
		}, logger)
		if err != nil {
			return nil, err
		}
		if err := c.Ping(ctx); err != nil {
			logger.Warn("app: redis unreachable, cache will miss", "err", err)
		}
		a.Cache = c
		a.closers = append(a.closers, c.Close)
	}

	if err := a.buildEmbedder(cfg, ov.Model); err != nil {
		a.Close()
		return nil, err
	}

	if ov.Stores != nil {
		a.Stores = ov.Stores
	} else if err := a.openStores(ctx, cfg); err != nil {
		a.Close()
		return nil, err
	}

	var results search.ResultCache
	var invalidator ingest.SearchCache
	if a.Cache != nil {
		results, invalidator = a.Cache, a.Cache
	}
	a.Ranker = search.New(a.Embedder, a.Stores, results, SearchOptions(cfg), logger)

	raster := ov.Rasterizer
	if raster == nil {
		raster = render.FitzRasterizer{}
	}
	ropts := render.DefaultOptions(cfg.Render.Dir)
	ropts.ThumbnailScale = cfg.Render.ThumbnailScale
	ropts.FullScale = cfg.Render.FullScale
	ropts.SourceDirs = cfg.Render.SourceDirs
	a.Renderer = render.New(raster, render.PDFLocator{}, ropts, logger)

	a.Ingest = ingest.New(ingest.Deps{
		Pages:    ov.Pages,
		Embedder: a.Embedder,
		Stores:   a.Stores,
		Renderer: a.Renderer,
		Cache:    invalidator,
		Metrics:  a.Metrics,
		Logger:   logger,
	}, ingest.Options{
		Chunk:        chunker.Options{Size: cfg.Chunk.Size, Overlap: cfg.Chunk.Overlap},
		MinPageChars: cfg.Chunk.MinPageChars,
		Workers:      cfg.Ingest.Workers,
		EmbedBatch:   cfg.Embedding.BatchSize,
		UpsertBatch:  cfg.Stores.UpsertBatch,
	})
	return a, nil
}

func (a *App) buildEmbedder(cfg *config.Config, model embedding.Model) error {
	load := embedding.Static(model)
	if model == nil {
		var err error
		load, err = embedding.NewLoader(embedding.ProviderConfig{
			Provider:  cfg.Embedding.Provider,
			BaseURL:   cfg.Embedding.BaseURL,
			Model:     cfg.Embedding.Model,
			APIKey:    cfg.Embedding.APIKey,
			RateLimit: cfg.Embedding.RateLimit,
		})
		if err != nil {
			return err
		}
	}
	opts := embedding.DefaultOptions()
	opts.Dims = cfg.Embedding.Dims
	opts.BatchSize = cfg.Embedding.BatchSize

	var c embedding.Cache
	if a.Cache != nil {
		c = a.Cache
	}
	a.Embedder = embedding.New(load, c, opts, a.Logger)
	return nil
}

func (a *App) openStores(ctx context.Context, cfg *config.Config) error {
	dims := cfg.Embedding.Dims
	for _, name := range cfg.Stores.Backends {
		switch name {
		case vectorstore.BackendQdrant:
			q, err := vectorstore.NewQdrant(cfg.Stores.QdrantAddr, cfg.Stores.Collection, dims)
			if err != nil {
				return err
			}
			a.closers = append(a.closers, q.Close)
			if err := q.EnsureCollection(ctx); err != nil {
				a.Logger.Warn("app: qdrant collection not ready", "err", err)
			}
			a.Stores = append(a.Stores, q)
		case vectorstore.BackendPGVector:
			p, err := vectorstore.OpenPGVector(vectorstore.PGOptions{
				DSN:   cfg.Stores.PostgresDSN,
				Dims:  dims,
				Debug: cfg.Level() == slog.LevelDebug,
			})
			if err != nil {
				return err
			}
			a.closers = append(a.closers, p.Close)
			if err := p.InitSchema(ctx); err != nil {
				a.Logger.Warn("app: pgvector schema not ready", "err", err)
			}
			a.Stores = append(a.Stores, p)
		case vectorstore.BackendMemory:
			m, err := vectorstore.NewMemory(cfg.Stores.Collection, dims)
			if err != nil {
				return err
			}
			a.Stores = append(a.Stores, m)
		default:
			return fmt.Errorf("app: unknown backend %q", name)
		}
	}
	return nil
}

// SearchOptions maps the search section of the config onto ranker options.
func SearchOptions(cfg *config.Config) search.Options {
	opts := search.DefaultOptions()
	opts.Weights = search.Weights{Semantic: cfg.Search.SemanticWeight, Keyword: cfg.Search.KeywordWeight}
	opts.MinScore = cfg.Search.AnswerMinScore
	opts.CandidateFactor = cfg.Search.CandidateFactor
	opts.BackendTimeout = cfg.Stores.Timeout
	opts.TOC.MinRefs = cfg.Search.TOCMinRefs
	opts.TOC.MinRatio = cfg.Search.TOCMinRatio
	return opts
}

// MinScore returns the threshold for a call site: "answer", "browse" or
// "explore". Anything else gets the answer threshold.
func (a *App) MinScore(mode string) float64 {
	switch mode {
	case "browse":
		return a.Config.Search.BrowseMinScore
	case "explore":
		return a.Config.Search.ExploreMinScore
	default:
		return a.Config.Search.AnswerMinScore
	}
}

// Close releases connections in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
