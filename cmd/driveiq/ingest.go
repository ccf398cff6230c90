package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/WessleyAI/driveiq/engine/app"
	"github.com/WessleyAI/driveiq/engine/ingest"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
)

type ingestFlags struct {
	dir     string
	docType string
	remove  bool
	enqueue bool
}

func newIngestCmd(c *cli) *cobra.Command {
	var f ingestFlags
	cmd := &cobra.Command{
		Use:   "ingest [file.pdf...]",
		Short: "Ingest PDF documents into the vector stores",
		Long: `Without arguments every PDF under the docs directory is ingested and the
stored corpus is replaced. With file arguments only those documents are
replaced. --remove deletes documents by name and --enqueue hands the work to
ingest workers over NATS instead of doing it in process.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.remove && len(args) == 0 {
				return fmt.Errorf("--remove needs at least one document name")
			}
			return c.run(cmd, func(ctx context.Context, a *app.App) error {
				switch {
				case f.enqueue:
					return enqueue(ctx, cmd, a, args, f)
				case f.remove:
					return remove(ctx, cmd, a, args, c.json)
				case len(args) > 0:
					return ingestFiles(ctx, cmd, a, args, f.docType, c.json)
				default:
					return ingestDir(ctx, cmd, a, f.dir, c.json)
				}
			})
		},
	}
	cmd.Flags().StringVarP(&f.dir, "dir", "d", "", "directory to ingest (default: config docs_dir)")
	cmd.Flags().StringVarP(&f.docType, "type", "t", "", "document type label (default: inferred from the file name)")
	cmd.Flags().BoolVar(&f.remove, "remove", false, "remove the named documents instead of ingesting")
	cmd.Flags().BoolVar(&f.enqueue, "enqueue", false, "publish jobs to NATS instead of ingesting in process")
	return cmd
}

func ingestDir(ctx context.Context, cmd *cobra.Command, a *app.App, dir string, asJSON bool) error {
	if dir == "" {
		dir = a.Config.Ingest.DocsDir
	}
	report, err := a.Ingest.IngestAll(ctx, dir)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(cmd, report)
	}
	for _, d := range report.Documents {
		printStats(cmd, d)
	}
	cmd.Printf("\n%d documents, %d chunks, %d inserted, %d failed in %s\n",
		len(report.Documents), report.Chunks, report.Inserted, report.Failed, report.Duration.Round(time.Millisecond))
	if names := report.TopicNames(); len(names) > 0 {
		cmd.Println("Topics:")
		for _, t := range names {
			cmd.Printf("  %-16s %d\n", t, report.Topics[t])
		}
	}
	return nil
}

func ingestFiles(ctx context.Context, cmd *cobra.Command, a *app.App, paths []string, docType string, asJSON bool) error {
	all := make([]ingest.DocumentStats, 0, len(paths))
	for _, p := range paths {
		stats, err := a.Ingest.IngestFile(ctx, p, docType)
		if err != nil {
			return err
		}
		all = append(all, stats)
	}
	if asJSON {
		return printJSON(cmd, all)
	}
	for _, s := range all {
		printStats(cmd, s)
	}
	return nil
}

func printStats(cmd *cobra.Command, s ingest.DocumentStats) {
	if s.Error != "" {
		cmd.Printf("%-40s FAILED: %s\n", s.Document, s.Error)
		return
	}
	cmd.Printf("%-40s %-8s %3d pages %4d chunks %4d inserted\n",
		s.Document, s.DocumentType, s.Pages, s.Attempted, s.Inserted)
}

func remove(ctx context.Context, cmd *cobra.Command, a *app.App, docs []string, asJSON bool) error {
	for _, d := range docs {
		if err := a.Ingest.Remove(ctx, d); err != nil {
			return err
		}
	}
	if asJSON {
		return printJSON(cmd, map[string][]string{"removed": docs})
	}
	for _, d := range docs {
		cmd.Printf("Removed %s\n", d)
	}
	return nil
}

func enqueue(ctx context.Context, cmd *cobra.Command, a *app.App, args []string, f ingestFlags) error {
	if len(args) == 0 {
		paths, err := ingest.ListPDFs(a.Config.Ingest.DocsDir)
		if err != nil {
			return err
		}
		args = paths
	}
	nc, err := nats.Connect(a.Config.NATS.URL, nats.Name("driveiq-cli"))
	if err != nil {
		return fmt.Errorf("nats connect %s: %w", a.Config.NATS.URL, err)
	}
	defer nc.Close()

	for _, arg := range args {
		job := ingest.Job{DocumentType: f.docType}
		if f.remove {
			job.Remove, job.Document = true, arg
		} else {
			abs, err := filepath.Abs(arg)
			if err != nil {
				return err
			}
			job.Path = abs
		}
		if err := ingest.Enqueue(ctx, nc, job); err != nil {
			return err
		}
	}
	if err := nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}
	cmd.Printf("Enqueued %d jobs on %s\n", len(args), ingest.Subject)
	return nil
}
