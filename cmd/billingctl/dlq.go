package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"text/tabwriter"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vladislavdragonenkov/billing/internal/app"
	"github.com/vladislavdragonenkov/billing/internal/domain"
	"github.com/vladislavdragonenkov/billing/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/billing/internal/service/outbox"
	"github.com/vladislavdragonenkov/billing/internal/service/remediation"
)

const (
	defaultListLimit   = 50
	defaultReplayGroup = "billingctl-dlq-replay"
	defaultReplayFor   = 10 * time.Second
)

func dlqCmd(open runtimeFactory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and requeue dead-lettered outbox jobs and remediation tasks",
	}
	cmd.AddCommand(dlqListCmd(open))
	cmd.AddCommand(dlqRequeueCmd(open))
	cmd.AddCommand(dlqReplayCmd(open))
	return cmd
}

func dlqListCmd(open runtimeFactory) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:       "list <outbox|remediation>",
		Short:     "List dead letters of a queue",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{outbox.QueueName, remediation.QueueName},
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return fmt.Errorf("limit must be > 0")
			}
			return withRuntime(cmd, open, func(ctx context.Context, rt *app.Runtime) error {
				return listDeadLetters(ctx, cmd.OutOrStdout(), rt.Services, args[0], limit)
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", defaultListLimit, "max number of dead letters")
	return cmd
}

func dlqRequeueCmd(open runtimeFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <outbox|remediation> <id>...",
		Short: "Move dead letters back to pending with a reset attempt counter",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, open, func(ctx context.Context, rt *app.Runtime) error {
				for _, id := range args[1:] {
					if err := requeue(ctx, rt.Services, args[0], id); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s requeued\n", args[0], id)
				}
				return nil
			})
		},
	}
}

// dlqReplayCmd читает dead letter topic и возвращает найденные задачи в очередь.
func dlqReplayCmd(open runtimeFactory) *cobra.Command {
	var (
		group    string
		duration time.Duration
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Requeue dead letters read from the Kafka DLQ topic",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if duration <= 0 {
				return fmt.Errorf("duration must be > 0")
			}
			return withRuntime(cmd, open, func(ctx context.Context, rt *app.Runtime) error {
				if len(rt.Config.KafkaBrokers) == 0 {
					return fmt.Errorf("%s is required for replay", app.EnvKafkaBrokers)
				}
				counter := &replayCounter{}
				consumer, err := kafka.NewDeadLetterConsumer(rt.Config.KafkaBrokers, group, rt.Config.KafkaDLQTopic,
					replayHandler(rt.Services, counter))
				if err != nil {
					return err
				}

				replayCtx, cancel := context.WithTimeout(ctx, duration)
				defer cancel()
				if err := consumer.Start(replayCtx); err != nil {
					return err
				}
				<-replayCtx.Done()
				if err := consumer.Stop(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "replay finished: requeued=%d skipped=%d\n", counter.requeued.Load(), counter.skipped.Load())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&group, "group", defaultReplayGroup, "Kafka consumer group")
	cmd.Flags().DurationVar(&duration, "duration", defaultReplayFor, "how long to consume the DLQ topic")
	return cmd
}

func listDeadLetters(ctx context.Context, out io.Writer, services *app.Services, queue string, limit int) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tATTEMPTS\tUPDATED\tLAST ERROR")

	switch queue {
	case outbox.QueueName:
		jobs, err := services.Outbox.DeadLetters(ctx, limit)
		if err != nil {
			return err
		}
		for _, job := range jobs {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", job.ID, job.JobType, job.AttemptCount, job.UpdatedAt.Format(time.RFC3339), job.LastErrorText)
		}
	case remediation.QueueName:
		tasks, err := services.Remediation.DeadLetters(ctx, limit)
		if err != nil {
			return err
		}
		for _, task := range tasks {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", task.ID, task.Kind, task.AttemptCount, task.UpdatedAt.Format(time.RFC3339), task.LastErrorText)
		}
	default:
		return unknownQueue(queue)
	}
	return tw.Flush()
}

func requeue(ctx context.Context, services *app.Services, queue, id string) error {
	switch queue {
	case outbox.QueueName:
		_, err := services.Outbox.Requeue(ctx, id)
		return err
	case remediation.QueueName:
		_, err := services.Remediation.Requeue(ctx, id)
		return err
	default:
		return unknownQueue(queue)
	}
}

// replayCounter обновляется из нескольких ConsumeClaim одновременно.
type replayCounter struct {
	requeued atomic.Int64
	skipped  atomic.Int64
}

// replayHandler возвращает ошибку только при сбое хранилища: такие сообщения будут перечитаны.
func replayHandler(services *app.Services, counter *replayCounter) kafka.DeadLetterHandler {
	return func(ctx context.Context, dl domain.DeadLetter) error {
		logger := log.WithFields(log.Fields{"queue": dl.Queue, "job_id": dl.JobID})
		err := requeue(ctx, services, dl.Queue, dl.JobID)
		switch {
		case err == nil:
			counter.requeued.Add(1)
			logger.Info("dead letter requeued from kafka")
			return nil
		case domain.IsNotFound(err), errors.Is(err, domain.ErrNotDeadLetter), errors.Is(err, errUnknownQueue):
			counter.skipped.Add(1)
			logger.WithError(err).Warn("dead letter skipped")
			return nil
		default:
			return err
		}
	}
}

var errUnknownQueue = errors.New("unknown queue")

func unknownQueue(queue string) error {
	return fmt.Errorf("%w %q (use %s|%s)", errUnknownQueue, queue, outbox.QueueName, remediation.QueueName)
}
