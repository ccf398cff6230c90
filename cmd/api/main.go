// Command api serves hybrid search, query classification and page images
// over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/WessleyAI/driveiq/engine/app"
	"github.com/WessleyAI/driveiq/pkg/config"
	"github.com/WessleyAI/driveiq/pkg/mid"
)

func main() {
	var (
		configPath = flag.String("config", os.Getenv("DRIVEIQ_CONFIG"), "YAML config file")
		port       = flag.String("port", "", "listen port, overrides config")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	if *port != "" {
		cfg.HTTP.Port = *port
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger, app.Overrides{})
	if err != nil {
		return err
	}
	defer a.Close()

	// Loading the model up front keeps the first request fast; a failure is
	// retried lazily.
	if err := a.Embedder.Warm(ctx); err != nil {
		logger.Warn("embedding model not ready", "err", err)
	}
	a.Metrics.CollectRuntime(ctx, "driveiq_api", 15*time.Second)
	go cleanupHighlights(ctx, a, time.Hour)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      newHandler(a),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.HTTP.Port, "backends", cfg.Stores.Backends)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

// cleanupHighlights removes stale highlighted images every interval until ctx
// is done.
func cleanupHighlights(ctx context.Context, a *app.App, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := a.Renderer.Cleanup(a.Config.Render.HighlightMaxAge)
			if err != nil {
				a.Logger.Warn("highlight cleanup failed", "err", err)
				continue
			}
			if n > 0 {
				a.Logger.Info("removed stale highlights", "count", n)
			}
		}
	}
}

// newHandler registers every route behind the middleware chain.
func newHandler(a *app.App) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handleHealth(a))
	mux.HandleFunc("POST /api/search", handleSearch(a))
	mux.HandleFunc("POST /api/search/smart", handleSmartSearch(a))
	mux.HandleFunc("POST /api/context", handleContext(a))
	mux.HandleFunc("POST /api/intent", handleIntent)
	mux.HandleFunc("POST /api/key-terms", handleKeyTerms)
	mux.HandleFunc("GET /api/pages/{doc}/pages", handleListPages(a))
	mux.HandleFunc("GET /api/pages/{doc}/{page}/thumbnail", handlePageImage(a, thumbnail))
	mux.HandleFunc("GET /api/pages/{doc}/{page}/full", handlePageImage(a, fullsize))
	mux.HandleFunc("GET /api/pages/{doc}/{page}/highlighted", handleHighlighted(a))
	mux.Handle("GET /metrics", a.Metrics.Handler())

	return mid.Chain(mux,
		mid.Recover(a.Logger),
		mid.Logger(a.Logger),
		mid.Metrics(a.Metrics, "driveiq_api"),
		mid.OTel("driveiq-api"),
		mid.CORS(a.Config.HTTP.CORSOrigin),
	)
}
