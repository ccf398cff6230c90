package main

import (
	"context"
	"errors"

	"github.com/WessleyAI/driveiq/engine/app"
	"github.com/spf13/cobra"
)

var errUnavailable = errors.New("no search backend is reachable")

func newHealthCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Report the state of every search backend and the cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, func(ctx context.Context, a *app.App) error {
				backends := a.Ranker.Health(ctx)
				cache := "disabled"
				if a.Cache != nil {
					cache = "ok"
					if err := a.Cache.Ping(ctx); err != nil {
						cache = "unreachable"
					}
				}
				up := 0
				for _, b := range backends {
					if b.Connected {
						up++
					}
				}
				if c.json {
					if err := printJSON(cmd, map[string]any{"backends": backends, "cache": cache}); err != nil {
						return err
					}
				} else {
					for _, b := range backends {
						state := "connected"
						if !b.Connected {
							state = "down: " + b.Error
						}
						cmd.Printf("%-10s %-10s points=%-8d breaker=%s\n", b.Backend, state, b.Points, b.Breaker)
					}
					cmd.Printf("%-10s %s\n", "cache", cache)
				}
				if up == 0 {
					return errUnavailable
				}
				return nil
			})
		},
	}
}
