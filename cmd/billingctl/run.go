package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vladislavdragonenkov/billing/internal/app"
	"github.com/vladislavdragonenkov/billing/internal/service/outbox"
	"github.com/vladislavdragonenkov/billing/internal/service/remediation"
)

const sweeperName = "sweeper"

// runCmd выполняет один проход воркера без запуска сервиса.
func runCmd(open runtimeFactory) *cobra.Command {
	return &cobra.Command{
		Use:       "run <outbox|remediation|sweeper>",
		Short:     "Process one batch of a background worker",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{outbox.QueueName, remediation.QueueName, sweeperName},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, open, func(ctx context.Context, rt *app.Runtime) error {
				processed, err := runOnce(ctx, rt.Services, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: processed %d\n", args[0], processed)
				return nil
			})
		},
	}
}

func runOnce(ctx context.Context, services *app.Services, worker string) (int, error) {
	switch worker {
	case outbox.QueueName:
		return services.Outbox.ProcessOnce(ctx), nil
	case remediation.QueueName:
		return services.Remediation.ProcessOnce(ctx), nil
	case sweeperName:
		return services.Sweeper.SweepOnce(ctx)
	default:
		return 0, fmt.Errorf("unknown worker %q (use %s|%s|%s)", worker, outbox.QueueName, remediation.QueueName, sweeperName)
	}
}
