package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vladislavdragonenkov/billing/internal/app"
)

func seedCmd(open runtimeFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file.json>",
		Short: "Upsert billable entities, workspace members and plans from a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := app.LoadSeedFile(args[0])
			if err != nil {
				return err
			}
			return withRuntime(cmd, open, func(ctx context.Context, rt *app.Runtime) error {
				if err := app.ApplySeed(ctx, rt.Seeder, data); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "seeded entities=%d members=%d plans=%d\n",
					len(data.Entities), len(data.Members), len(data.Plans))
				return nil
			})
		},
	}
}
