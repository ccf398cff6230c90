package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/WessleyAI/driveiq/engine/app"
	"github.com/WessleyAI/driveiq/engine/render"
	"github.com/spf13/cobra"
)

func newHighlightCmd(c *cli) *cobra.Command {
	var text string
	cmd := &cobra.Command{
		Use:   "highlight <document> <page> [term...]",
		Short: "Render a page with terms highlighted",
		Long: `Renders one page of an ingested document with every occurrence of the
given terms highlighted and prints the path of the PNG. --text extracts
the key terms from a passage instead, for example an answer snippet.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			page, err := strconv.Atoi(args[1])
			if err != nil || page < 1 {
				return fmt.Errorf("page must be a positive integer, got %q", args[1])
			}
			terms := args[2:]
			if text != "" {
				terms = append(terms, render.ExtractKeyTerms(text)...)
			}
			return c.run(cmd, func(ctx context.Context, a *app.App) error {
				path, err := a.Renderer.Highlight(ctx, args[0], page, terms)
				if err != nil {
					return err
				}
				if c.json {
					return printJSON(cmd, map[string]any{"path": path, "terms": terms})
				}
				if len(terms) > 0 {
					cmd.Printf("Terms: %s\n", strings.Join(terms, ", "))
				}
				cmd.Println(path)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "extract terms to highlight from this text")
	return cmd
}

func newCleanupCmd(c *cli) *cobra.Command {
	var maxAge time.Duration
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove stale highlighted page renders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, func(_ context.Context, a *app.App) error {
				age := maxAge
				if age <= 0 {
					age = a.Config.Render.HighlightMaxAge
				}
				n, err := a.Renderer.Cleanup(age)
				if err != nil {
					return err
				}
				if c.json {
					return printJSON(cmd, map[string]int{"removed": n})
				}
				cmd.Printf("Removed %d highlighted images older than %s\n", n, age)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "remove renders older than this (default: config highlight_max_age)")
	return cmd
}
