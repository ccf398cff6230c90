package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/WessleyAI/driveiq/engine/app"
	"github.com/WessleyAI/driveiq/engine/domain"
	"github.com/WessleyAI/driveiq/engine/search"
	"github.com/spf13/cobra"
)

type searchFlags struct {
	limit   int
	mode    string
	doc     string
	docType string
	topics  []string
	context bool
	smart   bool
}

func newSearchCmd(c *cli) *cobra.Command {
	var f searchFlags
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the ingested manuals",
		Long: `Runs a hybrid semantic and keyword search across every configured vector
store. --mode picks the relevance threshold (answer, browse or explore).
--context prints the results formatted as language model context and
--smart classifies the query first and only searches technical questions.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			return c.run(cmd, func(ctx context.Context, a *app.App) error {
				if f.smart {
					return smartSearch(ctx, cmd, a, query, f.limit, c.json)
				}
				limit := f.limit
				if limit <= 0 {
					limit = a.Config.Search.DefaultLimit
				}
				resp, err := a.Ranker.Search(ctx, search.Query{
					Text:     query,
					Limit:    limit,
					MinScore: a.MinScore(f.mode),
					Filter:   domain.Filter{DocumentName: f.doc, DocumentType: f.docType, Topics: f.topics},
				})
				if err != nil {
					return err
				}
				switch {
				case c.json:
					return printJSON(cmd, resp)
				case f.context:
					if len(resp.Results) == 0 {
						cmd.Println("No relevant documentation found.")
						return nil
					}
					cmd.Println(search.BuildContext(resp.Results))
					return nil
				}
				printResponse(cmd, resp)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&f.limit, "limit", "n", 0, "maximum results (default: config)")
	cmd.Flags().StringVarP(&f.mode, "mode", "m", "answer", "relevance threshold: answer, browse or explore")
	cmd.Flags().StringVar(&f.doc, "doc", "", "only search this document")
	cmd.Flags().StringVar(&f.docType, "type", "", "only search this document type")
	cmd.Flags().StringSliceVar(&f.topics, "topic", nil, "only return chunks tagged with one of these topics")
	cmd.Flags().BoolVar(&f.context, "context", false, "print results as prompt context")
	cmd.Flags().BoolVar(&f.smart, "smart", false, "classify the query before searching")
	return cmd
}

func smartSearch(ctx context.Context, cmd *cobra.Command, a *app.App, query string, limit int, asJSON bool) error {
	if limit <= 0 {
		limit = a.Config.Search.DefaultSmartLimit
	}
	res, err := a.Ranker.SmartSearch(ctx, query, limit)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(cmd, res)
	}
	cmd.Printf("Intent: %s (expert: %s)\n", res.Intent, res.Expert)
	if res.Response == nil {
		cmd.Println("No search performed.")
		return nil
	}
	printResponse(cmd, res.Response)
	return nil
}

func printResponse(cmd *cobra.Command, resp *search.Response) {
	if resp.Unavailable {
		cmd.Println("All search backends are unavailable.")
		return
	}
	if len(resp.Results) == 0 {
		cmd.Println("No results found.")
		return
	}
	cmd.Printf("Found %d results", len(resp.Results))
	if resp.Cached {
		cmd.Print(" (cached)")
	}
	if resp.Degraded {
		cmd.Print(" (degraded)")
	}
	cmd.Println()
	cmd.Println()
	for i, r := range resp.Results {
		cmd.Printf("%d. %s, page %d [%.3f]\n", i+1, r.DocumentName, r.PageNumber, r.CombinedScore)
		if r.Chapter != "" {
			cmd.Printf("   %s\n", r.Chapter)
		}
		if len(r.Topics) > 0 {
			cmd.Printf("   topics: %s\n", strings.Join(r.Topics, ", "))
		}
		cmd.Printf("   %s\n\n", excerpt(r.Content, 200))
	}
}

func excerpt(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return fmt.Sprintf("%s...", string(r[:n]))
}
