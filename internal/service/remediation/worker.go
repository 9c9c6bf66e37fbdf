package remediation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/billing/internal/domain"
	"github.com/vladislavdragonenkov/billing/internal/service/outbox"
)

// QueueName используется как имя очереди в dead letter сообщениях.
const QueueName = "remediation"

const (
	defaultPollInterval  = 5 * time.Second
	defaultBatchSize     = 20
	defaultMaxAttempts   = 8
	defaultRetryDelay    = 1 * time.Minute
	defaultLeaseDuration = 2 * time.Minute

	component = "remediation-worker"
)

var (
	remediationTaskResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_remediation_task_results_total",
		Help: "Total number of remediation task executions grouped by kind and result.",
	}, []string{"kind", "result"})
	remediationPendingTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "billing_remediation_pending_tasks",
		Help: "Current number of pending remediation tasks.",
	})
	remediationDeadLetterTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "billing_remediation_dead_letter_tasks",
		Help: "Current number of dead-lettered remediation tasks.",
	})
)

// Option настраивает Worker.
type Option func(*Worker)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithDLQPublisher задаёт publisher для задач, исчерпавших попытки.
func WithDLQPublisher(publisher domain.DeadLetterPublisher) Option {
	return func(w *Worker) {
		w.dlqPublisher = publisher
	}
}

// WithGuardrails подключает получателя событий guardrail.
func WithGuardrails(recorder domain.GuardrailRecorder) Option {
	return func(w *Worker) {
		w.guardrails = recorder
	}
}

// WithOwner задаёт идентификатор владельца аренды.
func WithOwner(owner string) Option {
	return func(w *Worker) {
		if owner != "" {
			w.owner = owner
		}
	}
}

// WithPollInterval задаёт частоту опроса.
func WithPollInterval(interval time.Duration) Option {
	return func(w *Worker) {
		if interval > 0 {
			w.pollInterval = interval
		}
	}
}

// WithBatchSize задаёт число задач за цикл.
func WithBatchSize(size int) Option {
	return func(w *Worker) {
		if size > 0 {
			w.batchSize = size
		}
	}
}

// WithLeaseDuration задаёт длительность аренды.
func WithLeaseDuration(lease time.Duration) Option {
	return func(w *Worker) {
		if lease > 0 {
			w.lease = lease
		}
	}
}

// WithRetryPolicy задаёт график повторов.
func WithRetryPolicy(policy outbox.RetryPolicy) Option {
	return func(w *Worker) {
		w.retry = policy
	}
}

// WithClock подменяет источник времени (для тестов).
func WithClock(clock func() time.Time) Option {
	return func(w *Worker) {
		if clock != nil {
			w.clock = clock
		}
	}
}

// Worker исправляет расхождения с провайдером: сейчас это отмена дублирующих подписок.
type Worker struct {
	repo         domain.BillingRepository
	provider     domain.CheckoutProvider
	dlqPublisher domain.DeadLetterPublisher
	guardrails   domain.GuardrailRecorder
	logger       *log.Entry
	owner        string
	pollInterval time.Duration
	batchSize    int
	lease        time.Duration
	retry        outbox.RetryPolicy
	clock        func() time.Time
}

// NewWorker создаёт remediation worker.
func NewWorker(repo domain.BillingRepository, provider domain.CheckoutProvider, opts ...Option) *Worker {
	w := &Worker{
		repo:         repo,
		provider:     provider,
		logger:       log.WithField("component", component),
		owner:        component + "-" + uuid.NewString(),
		pollInterval: defaultPollInterval,
		batchSize:    defaultBatchSize,
		lease:        defaultLeaseDuration,
		retry:        outbox.RetryPolicy{MaxAttempts: defaultMaxAttempts, Delay: defaultRetryDelay},
		clock:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run опрашивает очередь до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || w.provider == nil {
		w.logger.Warn("remediation worker is disabled: repo or provider is nil")
		return
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.ProcessOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.ProcessOnce(ctx)
		}
	}
}

// ProcessOnce арендует и выполняет до batchSize задач.
func (w *Worker) ProcessOnce(ctx context.Context) int {
	processed := 0
	for processed < w.batchSize && ctx.Err() == nil {
		var task domain.RemediationTask
		err := w.repo.WithinTx(ctx, func(ctx context.Context, tx domain.BillingTx) error {
			var err error
			task, err = tx.LeaseNextRemediationTask(ctx, w.owner, w.clock(), w.lease)
			return err
		})
		if domain.IsNotFound(err) {
			break
		}
		if err != nil {
			w.logger.WithError(err).Warn("failed to lease remediation task")
			break
		}
		w.executeTask(ctx, task)
		processed++
	}
	w.refreshBacklogMetrics(ctx)
	return processed
}

func (w *Worker) executeTask(ctx context.Context, task domain.RemediationTask) {
	logger := w.logger.WithFields(log.Fields{
		"task_id":       task.ID,
		"kind":          task.Kind,
		"lease_version": task.LeaseVersion,
		"attempt":       task.AttemptCount + 1,
	})

	if err := w.repo.WithinTx(ctx, func(ctx context.Context, tx domain.BillingTx) error {
		return tx.UpdateRemediationTask(ctx, task, task.LeaseVersion)
	}); err != nil {
		w.handleFailure(ctx, logger, task, err)
		return
	}
	w.guardrail(ctx, outbox.GuardrailJobAttemptStarted, task, nil)

	var err error
	switch task.Kind {
	case domain.RemediationKindCancelDuplicateSubscription:
		err = w.cancelDuplicateSubscription(ctx, task)
	default:
		err = outbox.Permanent(fmt.Errorf("unknown remediation kind %q", task.Kind))
	}
	if err != nil {
		w.handleFailure(ctx, logger, task, err)
		return
	}

	remediationTaskResults.WithLabelValues(task.Kind, "resolved").Inc()
	logger.Info("remediation task resolved")
}

// IdempotencyKey возвращает стабильный ключ вызова провайдера для задачи.
func IdempotencyKey(taskID string) string {
	return "remediation:" + taskID
}

func (w *Worker) cancelDuplicateSubscription(ctx context.Context, task domain.RemediationTask) error {
	var payload domain.CancelDuplicateSubscriptionPayload
	if err := json.Unmarshal(task.PayloadJSON, &payload); err != nil {
		return outbox.Permanent(fmt.Errorf("decode cancel payload: %w", err))
	}
	if payload.ProviderSubscriptionID == "" {
		return outbox.Permanent(errors.New("cancel payload has no provider subscription id"))
	}

	err := w.provider.CancelSubscription(ctx, payload.ProviderSubscriptionID, IdempotencyKey(task.ID))
	if err != nil && !errors.Is(err, domain.ErrProviderResourceMissing) {
		return fmt.Errorf("cancel subscription: %w", err)
	}

	provider := payload.Provider
	if provider == "" {
		provider = w.provider.Name()
	}
	now := w.clock()
	return w.repo.WithinTx(ctx, func(ctx context.Context, tx domain.BillingTx) error {
		resolved := task
		resolved.Status = domain.JobStatusSucceeded
		resolved.ResolvedAt = now
		resolved.LastErrorText = ""
		resolved.LeaseOwner = ""
		resolved.LeaseExpiresAt = time.Time{}
		resolved.LeaseVersion = task.LeaseVersion + 1
		if err := tx.UpdateRemediationTask(ctx, resolved, task.LeaseVersion); err != nil {
			return err
		}

		sub, err := tx.FindSubscriptionByProviderID(ctx, provider, payload.ProviderSubscriptionID)
		if domain.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("find subscription: %w", err)
		}
		if sub.Status.Terminal() && !sub.IsCurrent {
			return nil
		}
		sub.Status = domain.SubscriptionStatusCanceled
		sub.IsCurrent = false
		if _, err := tx.UpsertSubscription(ctx, sub); err != nil {
			return fmt.Errorf("upsert subscription: %w", err)
		}
		return nil
	})
}

func (w *Worker) handleFailure(ctx context.Context, logger *log.Entry, task domain.RemediationTask, cause error) {
	if domain.IsLeaseFenced(cause) {
		remediationTaskResults.WithLabelValues(task.Kind, "fenced").Inc()
		logger.WithError(cause).Warn("remediation task lease fenced")
		w.guardrail(ctx, outbox.GuardrailJobLeaseFenced, task, cause)
		return
	}

	now := w.clock()
	next := task
	next.LastErrorText = cause.Error()
	next.LeaseOwner = ""
	next.LeaseExpiresAt = time.Time{}
	next.LeaseVersion = task.LeaseVersion + 1

	result := "retry"
	if outbox.IsPermanent(cause) {
		result = "failed"
		next.Status = domain.JobStatusFailed
		next.ResolvedAt = now
	} else {
		next.AttemptCount = task.AttemptCount + 1
		deadLetter, at := w.retry.Next(next.AttemptCount, now)
		if deadLetter {
			result = "dead_letter"
			next.Status = domain.JobStatusDeadLetter
			next.ResolvedAt = now
		} else {
			next.NextAttemptAt = at
		}
	}

	if err := w.repo.WithinTx(ctx, func(ctx context.Context, tx domain.BillingTx) error {
		return tx.UpdateRemediationTask(ctx, next, task.LeaseVersion)
	}); err != nil {
		remediationTaskResults.WithLabelValues(task.Kind, "fenced").Inc()
		logger.WithError(err).Warn("failed to record remediation task failure")
		if domain.IsLeaseFenced(err) {
			w.guardrail(ctx, outbox.GuardrailJobLeaseFenced, task, err)
		}
		return
	}

	remediationTaskResults.WithLabelValues(task.Kind, result).Inc()
	logger = logger.WithError(cause).WithField("result", result)
	switch result {
	case "failed":
		logger.Error("remediation task failed permanently")
		w.guardrail(ctx, outbox.GuardrailJobFailed, next, cause)
	case "dead_letter":
		logger.Error("remediation task moved to dead letter")
		w.guardrail(ctx, outbox.GuardrailJobDeadLetter, next, cause)
		if w.dlqPublisher != nil {
			if err := w.dlqPublisher.PublishDeadLetter(ctx, domain.DeadLetter{
				Queue:        QueueName,
				JobID:        next.ID,
				JobType:      next.Kind,
				Payload:      next.PayloadJSON,
				AttemptCount: next.AttemptCount,
				LastError:    next.LastErrorText,
				DeadAt:       now,
			}); err != nil {
				logger.WithError(err).Warn("failed to publish remediation dead letter")
			}
		}
	default:
		logger.WithField("next_attempt_at", next.NextAttemptAt).Warn("remediation attempt failed, retry scheduled")
		w.guardrail(ctx, outbox.GuardrailJobAttemptFailed, next, cause)
	}
}

// Requeue возвращает задачу из dead letter в pending.
func (w *Worker) Requeue(ctx context.Context, taskID string) (domain.RemediationTask, error) {
	var requeued domain.RemediationTask
	err := w.repo.WithinTx(ctx, func(ctx context.Context, tx domain.BillingTx) error {
		task, err := tx.FindRemediationTask(ctx, taskID)
		if err != nil {
			return err
		}
		if task.Status != domain.JobStatusDeadLetter {
			return fmt.Errorf("remediation task %s is %s: %w", taskID, task.Status, domain.ErrNotDeadLetter)
		}
		requeued = task
		requeued.Status = domain.JobStatusPending
		requeued.AttemptCount = 0
		requeued.NextAttemptAt = w.clock()
		requeued.ResolvedAt = time.Time{}
		requeued.LastErrorText = ""
		requeued.LeaseOwner = ""
		requeued.LeaseExpiresAt = time.Time{}
		requeued.LeaseVersion = task.LeaseVersion + 1
		return tx.UpdateRemediationTask(ctx, requeued, task.LeaseVersion)
	})
	if err != nil {
		return domain.RemediationTask{}, err
	}
	w.logger.WithField("task_id", taskID).Info("remediation task requeued from dead letter")
	return requeued, nil
}

// DeadLetters возвращает задачи в dead letter.
func (w *Worker) DeadLetters(ctx context.Context, limit int) ([]domain.RemediationTask, error) {
	var tasks []domain.RemediationTask
	err := w.repo.WithinTx(ctx, func(ctx context.Context, tx domain.BillingTx) error {
		var err error
		tasks, err = tx.ListRemediationTasks(ctx, domain.JobStatusDeadLetter, limit)
		return err
	})
	return tasks, err
}

func (w *Worker) guardrail(ctx context.Context, code string, task domain.RemediationTask, cause error) {
	if w.guardrails == nil {
		return
	}
	fields := map[string]any{
		"task_id":       task.ID,
		"kind":          task.Kind,
		"attempt_count": task.AttemptCount,
		"lease_version": task.LeaseVersion,
	}
	if cause != nil {
		fields["error"] = cause.Error()
	}
	w.guardrails.RecordBillingGuardrail(ctx, domain.GuardrailEvent{
		Code:      code,
		Component: component,
		Fields:    fields,
	})
}

func (w *Worker) refreshBacklogMetrics(ctx context.Context) {
	var stats domain.JobStats
	err := w.repo.WithinTx(ctx, func(ctx context.Context, tx domain.BillingTx) error {
		var err error
		stats, err = tx.RemediationStats(ctx)
		return err
	})
	if err != nil {
		w.logger.WithError(err).Warn("failed to collect remediation backlog stats")
		return
	}
	remediationPendingTasks.Set(float64(stats.PendingCount))
	remediationDeadLetterTasks.Set(float64(stats.DeadLetterCount))
}
