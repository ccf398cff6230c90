package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"

	"github.com/WessleyAI/driveiq/engine/app"
	"github.com/WessleyAI/driveiq/pkg/config"
	"github.com/spf13/cobra"
)

// opener builds the engine for one command invocation.
type opener func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app.App, error)

func openApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app.App, error) {
	return app.New(ctx, cfg, logger, app.Overrides{})
}

// cli carries the global flags and the opener to every subcommand.
type cli struct {
	open       opener
	configPath string
	logLevel   string
	json       bool
}

func newRootCmd(open opener) *cobra.Command {
	c := &cli{open: open}
	root := &cobra.Command{
		Use:   "driveiq",
		Short: "Vehicle manual retrieval engine",
		Long: `driveiq ingests vehicle owner manuals into vector stores and answers
questions with hybrid semantic and keyword search. Page images can be
rendered with the matched terms highlighted.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", os.Getenv("DRIVEIQ_CONFIG"), "YAML config file")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "debug, info, warn or error (overrides config)")
	root.PersistentFlags().BoolVar(&c.json, "json", false, "print JSON instead of text")

	root.AddCommand(
		newIngestCmd(c),
		newSearchCmd(c),
		newClassifyCmd(c),
		newHighlightCmd(c),
		newCleanupCmd(c),
		newHealthCmd(c),
	)
	return root
}

// config loads the configuration with command line overrides applied.
func (c *cli) config() (*config.Config, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, err
	}
	if c.logLevel != "" {
		if _, err := config.ParseLevel(c.logLevel); err != nil {
			return nil, err
		}
		cfg.LogLevel = c.logLevel
	}
	return cfg, nil
}

// run opens the engine, calls f and closes the engine. Logs go to stderr so
// stdout stays parseable.
func (c *cli) run(cmd *cobra.Command, f func(ctx context.Context, a *app.App) error) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: cfg.Level()}))
	a, err := c.open(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return f(cmd.Context(), a)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
