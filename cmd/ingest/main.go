// Command ingest loads PDF documents into the vector stores and renders their
// page images. It either runs once over a directory, replacing the whole
// corpus, or works NATS ingestion jobs until interrupted.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/WessleyAI/driveiq/engine/app"
	"github.com/WessleyAI/driveiq/engine/ingest"
	"github.com/WessleyAI/driveiq/pkg/config"
	"github.com/nats-io/nats.go"
)

type options struct {
	configPath  string
	dir         string
	file        string
	docType     string
	worker      bool
	metricsAddr string
}

func main() {
	var o options
	flag.StringVar(&o.configPath, "config", os.Getenv("DRIVEIQ_CONFIG"), "YAML config file")
	flag.StringVar(&o.dir, "dir", "", "ingest every PDF in this directory, replacing the stored corpus (default: config docs_dir)")
	flag.StringVar(&o.file, "file", "", "ingest a single PDF, replacing only that document")
	flag.StringVar(&o.docType, "type", "", "document type label for -file (default: inferred from the file name)")
	flag.BoolVar(&o.worker, "worker", false, "consume ingestion jobs from NATS")
	flag.StringVar(&o.metricsAddr, "metrics", ":9091", "metrics listen address, empty to disable")
	flag.Parse()

	cfg, err := config.Load(o.configPath)
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger, app.Overrides{})
	if err != nil {
		logger.Error("startup failed", "err", err)
		os.Exit(1)
	}
	if o.metricsAddr != "" {
		a.Metrics.CollectRuntime(ctx, "driveiq_ingest", 15*time.Second)
		a.Metrics.ServeAsync(ctx, o.metricsAddr, logger)
	}

	err = run(ctx, a, o, os.Stdout)
	a.Close()
	if err != nil {
		logger.Error("ingest failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, a *app.App, o options, out io.Writer) error {
	cfg, logger := a.Config, a.Logger
	switch {
	case o.worker:
		return work(ctx, cfg.NATS.URL, a.Ingest, logger)
	case o.file != "":
		stats, err := a.Ingest.IngestFile(ctx, o.file, o.docType)
		if err != nil {
			return err
		}
		return printJSON(out, stats)
	default:
		dir := o.dir
		if dir == "" {
			dir = cfg.Ingest.DocsDir
		}
		report, err := a.Ingest.IngestAll(ctx, dir)
		if err != nil {
			return err
		}
		for doc, msg := range report.Errors() {
			logger.Warn("document failed", "document", doc, "err", msg)
		}
		return printJSON(out, report)
	}
}

// work subscribes the ingestion service to NATS and blocks until ctx is done.
func work(ctx context.Context, url string, svc *ingest.Service, logger *slog.Logger) error {
	nc, err := nats.Connect(url,
		nats.Name("driveiq-ingest"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return fmt.Errorf("nats connect %s: %w", url, err)
	}
	defer nc.Drain()

	sub, err := ingest.StartConsumer(nc, svc)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", ingest.Subject, err)
	}
	defer sub.Unsubscribe()

	logger.Info("ingest worker started", "subject", ingest.Subject, "nats", url)
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
