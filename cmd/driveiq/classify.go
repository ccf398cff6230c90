package main

import (
	"strings"

	"github.com/WessleyAI/driveiq/engine/domain"
	"github.com/WessleyAI/driveiq/engine/intent"
	"github.com/spf13/cobra"
)

func newClassifyCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "classify <query>",
		Short: "Classify a query's intent and expert route",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			if err := domain.ValidateQuery(query); err != nil {
				return err
			}
			in := intent.Classify(query)
			out := struct {
				Intent         intent.Intent `json:"intent"`
				Expert         intent.Expert `json:"expert"`
				NeedsRetrieval bool          `json:"needs_retrieval"`
			}{in, intent.Route(query), in.NeedsRetrieval()}
			if c.json {
				return printJSON(cmd, out)
			}
			cmd.Printf("Intent:          %s\n", out.Intent)
			cmd.Printf("Expert:          %s\n", out.Expert)
			cmd.Printf("Needs retrieval: %t\n", out.NeedsRetrieval)
			return nil
		},
	}
}
