package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vladislavdragonenkov/billing/internal/app"
	"github.com/vladislavdragonenkov/billing/internal/version"
)

// runtimeFactory открывает хранилище и сервисы для одной команды.
type runtimeFactory func(ctx context.Context) (*app.Runtime, error)

func envRuntime(ctx context.Context) (*app.Runtime, error) {
	cfg, warnings := app.ReadConfigFromEnv(os.LookupEnv)
	for _, w := range warnings {
		log.Warn(w)
	}
	return app.NewRuntime(ctx, cfg, log.WithField("component", "billingctl"))
}

func newRootCmd(open runtimeFactory) *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:           "billingctl",
		Short:         "Operator tool for billing queues, dead letters and seed data",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			if verbose {
				log.SetLevel(log.DebugLevel)
			}
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(runCmd(open))
	root.AddCommand(dlqCmd(open))
	root.AddCommand(seedCmd(open))
	return root
}

// withRuntime открывает runtime на время выполнения fn.
func withRuntime(cmd *cobra.Command, open runtimeFactory, fn func(ctx context.Context, rt *app.Runtime) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := open(ctx)
	if err != nil {
		return fmt.Errorf("open runtime: %w", err)
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.WithError(err).Warn("failed to load .env file")
	}
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)

	if err := newRootCmd(envRuntime).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
