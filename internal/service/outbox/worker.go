package outbox

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
	"github.com/vladislavdragonenkov/billing/internal/service/checkoutsession"
)

// QueueName используется как имя очереди в dead letter сообщениях.
const QueueName = "outbox"

const (
	defaultPollInterval  = 1 * time.Second
	defaultBatchSize     = 100
	defaultMaxAttempts   = 5
	defaultRetryDelay    = 30 * time.Second
	defaultLeaseDuration = 1 * time.Minute

	component = "outbox-worker"
)

var (
	outboxJobResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_outbox_job_results_total",
		Help: "Total number of outbox job executions grouped by job type and result.",
	}, []string{"job_type", "result"})
	outboxPendingJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "billing_outbox_pending_jobs",
		Help: "Current number of pending jobs in the billing outbox.",
	})
	outboxDeadLetterJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "billing_outbox_dead_letter_jobs",
		Help: "Current number of dead-lettered jobs in the billing outbox.",
	})
	outboxOldestPendingAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "billing_outbox_oldest_pending_age_seconds",
		Help: "Age in seconds of the oldest pending outbox job.",
	})
)

// WorkerOptions задаёт параметры outbox worker.
type WorkerOptions struct {
	Logger        *log.Entry
	DLQPublisher  domain.DeadLetterPublisher
	Guardrails    domain.GuardrailRecorder
	Sessions      *checkoutsession.Service
	Owner         string
	PollInterval  time.Duration
	BatchSize     int
	LeaseDuration time.Duration
	Retry         RetryPolicy
	Clock         func() time.Time
}

// Option настраивает Worker.
type Option func(*WorkerOptions)

// WithLogger задаёт logger для воркера.
func WithLogger(logger *log.Entry) Option {
	return func(opts *WorkerOptions) {
		opts.Logger = logger
	}
}

// WithDLQPublisher задаёт publisher для задач, исчерпавших попытки.
func WithDLQPublisher(publisher domain.DeadLetterPublisher) Option {
	return func(opts *WorkerOptions) {
		opts.DLQPublisher = publisher
	}
}

// WithGuardrails подключает получателя событий guardrail.
func WithGuardrails(recorder domain.GuardrailRecorder) Option {
	return func(opts *WorkerOptions) {
		opts.Guardrails = recorder
	}
}

// WithSessions задаёт проекцию checkout-сессий.
func WithSessions(sessions *checkoutsession.Service) Option {
	return func(opts *WorkerOptions) {
		opts.Sessions = sessions
	}
}

// WithOwner задаёт идентификатор владельца аренды.
func WithOwner(owner string) Option {
	return func(opts *WorkerOptions) {
		opts.Owner = owner
	}
}

// WithPollInterval задаёт частоту опроса outbox.
func WithPollInterval(interval time.Duration) Option {
	return func(opts *WorkerOptions) {
		opts.PollInterval = interval
	}
}

// WithBatchSize задаёт число задач за один цикл.
func WithBatchSize(batchSize int) Option {
	return func(opts *WorkerOptions) {
		opts.BatchSize = batchSize
	}
}

// WithLeaseDuration задаёт длительность аренды задачи.
func WithLeaseDuration(lease time.Duration) Option {
	return func(opts *WorkerOptions) {
		opts.LeaseDuration = lease
	}
}

// WithMaxAttempts задаёт число попыток перед dead letter.
func WithMaxAttempts(maxAttempts int) Option {
	return func(opts *WorkerOptions) {
		opts.Retry.MaxAttempts = maxAttempts
	}
}

// WithRetryDelay задаёт шаг линейной задержки между попытками.
func WithRetryDelay(delay time.Duration) Option {
	return func(opts *WorkerOptions) {
		opts.Retry.Delay = delay
	}
}

// WithClock подменяет источник времени (для тестов).
func WithClock(clock func() time.Time) Option {
	return func(opts *WorkerOptions) {
		opts.Clock = clock
	}
}

// Worker выполняет отложенные побочные эффекты у провайдера из billing outbox.
type Worker struct {
	repo         domain.BillingRepository
	provider     domain.CheckoutProvider
	sessions     *checkoutsession.Service
	dlqPublisher domain.DeadLetterPublisher
	guardrails   domain.GuardrailRecorder
	logger       *log.Entry
	owner        string
	pollInterval time.Duration
	batchSize    int
	lease        time.Duration
	retry        RetryPolicy
	clock        func() time.Time
}

// NewWorker создаёт outbox worker.
func NewWorker(repo domain.BillingRepository, provider domain.CheckoutProvider, options ...Option) *Worker {
	opts := WorkerOptions{
		PollInterval:  defaultPollInterval,
		BatchSize:     defaultBatchSize,
		LeaseDuration: defaultLeaseDuration,
		Retry:         RetryPolicy{MaxAttempts: defaultMaxAttempts, Delay: defaultRetryDelay},
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", component)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.LeaseDuration <= 0 {
		opts.LeaseDuration = defaultLeaseDuration
	}
	opts.Retry = opts.Retry.normalized()
	if opts.Owner == "" {
		opts.Owner = component + "-" + uuid.NewString()
	}
	if opts.Sessions == nil {
		opts.Sessions = checkoutsession.NewService()
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}

	return &Worker{
		repo:         repo,
		provider:     provider,
		sessions:     opts.Sessions,
		dlqPublisher: opts.DLQPublisher,
		guardrails:   opts.Guardrails,
		logger:       logger,
		owner:        opts.Owner,
		pollInterval: opts.PollInterval,
		batchSize:    opts.BatchSize,
		lease:        opts.LeaseDuration,
		retry:        opts.Retry,
		clock:        opts.Clock,
	}
}

// Run запускает периодический polling outbox до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || w.provider == nil {
		w.logger.Warn("outbox worker is disabled: repo or provider is nil")
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

// ProcessOnce арендует и выполняет до batchSize готовых задач. Возвращает число обработанных задач.
func (w *Worker) ProcessOnce(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}
	w.refreshBacklogMetrics(ctx)

	processed := 0
	for processed < w.batchSize {
		if ctx.Err() != nil {
			break
		}
		job, ok, err := w.leaseNext(ctx)
		if err != nil {
			w.logger.WithError(err).Warn("failed to lease outbox job")
			break
		}
		if !ok {
			break
		}
		w.executeJob(ctx, job)
		processed++
	}

	if processed > 0 {
		w.refreshBacklogMetrics(ctx)
	}
	return processed
}

func (w *Worker) leaseNext(ctx context.Context) (domain.OutboxJob, bool, error) {
	var job domain.OutboxJob
	err := w.repo.WithinTx(ctx, func(ctx context.Context, tx domain.BillingTx) error {
		var err error
		job, err = tx.LeaseNextOutboxJob(ctx, w.owner, w.clock(), w.lease)
		return err
	})
	if domain.IsNotFound(err) {
		return domain.OutboxJob{}, false, nil
	}
	if err != nil {
		return domain.OutboxJob{}, false, err
	}
	return job, true, nil
}

func (w *Worker) executeJob(ctx context.Context, job domain.OutboxJob) {
	logger := w.logger.WithFields(log.Fields{
		"job_id":        job.ID,
		"job_type":      job.JobType,
		"lease_version": job.LeaseVersion,
		"attempt":       job.AttemptCount + 1,
	})

	// Пустой патч под fencing: чужая аренда не должна дойти до провайдера.
	if err := w.repo.WithinTx(ctx, func(ctx context.Context, tx domain.BillingTx) error {
		return tx.UpdateOutboxJob(ctx, job, job.LeaseVersion)
	}); err != nil {
		w.handleFailure(ctx, logger, job, err)
		return
	}
	w.guardrail(ctx, GuardrailJobAttemptStarted, job, nil)

	var err error
	switch job.JobType {
	case domain.OutboxJobExpireCheckoutSession:
		err = w.expireCheckoutSession(ctx, job)
	case domain.OutboxJobCancelDuplicateSubscription:
		err = w.deferDuplicateCancel(ctx, job)
	default:
		err = Permanent(fmt.Errorf("unknown outbox job type %q", job.JobType))
	}
	if err != nil {
		w.handleFailure(ctx, logger, job, err)
		return
	}

	outboxJobResults.WithLabelValues(job.JobType, "succeeded").Inc()
	logger.Info("outbox job succeeded")
}

func (w *Worker) expireCheckoutSession(ctx context.Context, job domain.OutboxJob) error {
	var payload domain.ExpireCheckoutSessionPayload
	if err := json.Unmarshal(job.PayloadJSON, &payload); err != nil {
		return Permanent(fmt.Errorf("decode expire payload: %w", err))
	}
	if payload.ProviderCheckoutSessionID == "" {
		return Permanent(errors.New("expire payload has no provider checkout session id"))
	}

	closed, err := w.provider.ExpireCheckoutSession(ctx, payload.ProviderCheckoutSessionID)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrProviderResourceMissing):
		closed = domain.ProviderCheckoutSession{ID: payload.ProviderCheckoutSessionID, Status: domain.ProviderSessionStatusExpired}
	default:
		return fmt.Errorf("expire checkout session: %w", err)
	}
	if closed.Status == domain.ProviderSessionStatusOpen {
		return fmt.Errorf("checkout session %s is still open at the provider", payload.ProviderCheckoutSessionID)
	}

	status := domain.CheckoutSessionStatusExpired
	if payload.Reason != "" && payload.Reason != "expired" {
		status = domain.CheckoutSessionStatusAbandoned
	}
	provider := payload.Provider
	if provider == "" {
		provider = w.provider.Name()
	}
	now := w.clock()
	return w.repo.WithinTx(ctx, func(ctx context.Context, tx domain.BillingTx) error {
		if err := markSucceeded(ctx, tx, job, now); err != nil {
			return err
		}
		if _, err := tx.FindCheckoutSessionByProviderID(ctx, provider, payload.ProviderCheckoutSessionID); err != nil {
			if domain.IsNotFound(err) {
				return nil
			}
			return fmt.Errorf("find checkout session: %w", err)
		}
		_, err := w.sessions.MarkExpiredOrAbandoned(ctx, tx, status, checkoutsession.Transition{
			Provider:                  provider,
			ProviderCheckoutSessionID: payload.ProviderCheckoutSessionID,
			BillableEntityID:          payload.BillableEntityID,
		})
		if errors.Is(err, domain.ErrInvalidTransition) {
			w.logger.WithError(err).WithField("job_id", job.ID).Info("local checkout session already moved on, projection skipped")
			return nil
		}
		return err
	})
}

// deferDuplicateCancel превращает задачу в remediation task с dedupe key по подписке.
func (w *Worker) deferDuplicateCancel(ctx context.Context, job domain.OutboxJob) error {
	var payload domain.CancelDuplicateSubscriptionPayload
	if err := json.Unmarshal(job.PayloadJSON, &payload); err != nil {
		return Permanent(fmt.Errorf("decode cancel payload: %w", err))
	}
	if payload.ProviderSubscriptionID == "" {
		return Permanent(errors.New("cancel payload has no provider subscription id"))
	}

	now := w.clock()
	return w.repo.WithinTx(ctx, func(ctx context.Context, tx domain.BillingTx) error {
		task, created, err := tx.EnqueueRemediationTask(ctx, domain.RemediationTask{
			Kind:          domain.RemediationKindCancelDuplicateSubscription,
			DedupeKey:     DuplicateCancelDedupeKey(payload.Provider, payload.ProviderSubscriptionID),
			PayloadJSON:   job.PayloadJSON,
			NextAttemptAt: now,
		})
		if err != nil {
			return fmt.Errorf("enqueue remediation task: %w", err)
		}
		w.logger.WithFields(log.Fields{
			"job_id":                   job.ID,
			"remediation_task_id":      task.ID,
			"provider_subscription_id": payload.ProviderSubscriptionID,
			"created":                  created,
		}).Info("duplicate subscription cancel deferred to remediation")
		return markSucceeded(ctx, tx, job, now)
	})
}

// DuplicateCancelDedupeKey — ключ дедупликации отмены дублирующей подписки.
func DuplicateCancelDedupeKey(provider, providerSubscriptionID string) string {
	if provider == "" {
		provider = domain.ProviderStripe
	}
	return domain.RemediationKindCancelDuplicateSubscription + ":" + provider + ":" + providerSubscriptionID
}

func markSucceeded(ctx context.Context, tx domain.BillingTx, job domain.OutboxJob, now time.Time) error {
	done := job
	done.Status = domain.JobStatusSucceeded
	done.FinishedAt = now
	done.LastErrorText = ""
	done.LeaseOwner = ""
	done.LeaseExpiresAt = time.Time{}
	done.LeaseVersion = job.LeaseVersion + 1
	return tx.UpdateOutboxJob(ctx, done, job.LeaseVersion)
}

func (w *Worker) handleFailure(ctx context.Context, logger *log.Entry, job domain.OutboxJob, cause error) {
	if domain.IsLeaseFenced(cause) {
		outboxJobResults.WithLabelValues(job.JobType, "fenced").Inc()
		logger.WithError(cause).Warn("outbox job lease fenced")
		w.guardrail(ctx, GuardrailJobLeaseFenced, job, cause)
		return
	}

	now := w.clock()
	next := job
	next.LastErrorText = cause.Error()
	next.LeaseOwner = ""
	next.LeaseExpiresAt = time.Time{}
	next.LeaseVersion = job.LeaseVersion + 1

	result := "retry"
	if IsPermanent(cause) {
		result = "failed"
		next.Status = domain.JobStatusFailed
		next.FinishedAt = now
	} else {
		next.AttemptCount = job.AttemptCount + 1
		deadLetter, availableAt := w.retry.Next(next.AttemptCount, now)
		if deadLetter {
			result = "dead_letter"
			next.Status = domain.JobStatusDeadLetter
			next.FinishedAt = now
		} else {
			next.AvailableAt = availableAt
		}
	}

	err := w.repo.WithinTx(ctx, func(ctx context.Context, tx domain.BillingTx) error {
		return tx.UpdateOutboxJob(ctx, next, job.LeaseVersion)
	})
	if err != nil {
		outboxJobResults.WithLabelValues(job.JobType, "fenced").Inc()
		logger.WithError(err).Warn("failed to record outbox job failure")
		if domain.IsLeaseFenced(err) {
			w.guardrail(ctx, GuardrailJobLeaseFenced, job, err)
		}
		return
	}

	outboxJobResults.WithLabelValues(job.JobType, result).Inc()
	logger = logger.WithError(cause).WithField("result", result)
	switch result {
	case "failed":
		logger.Error("outbox job failed permanently")
		w.guardrail(ctx, GuardrailJobFailed, next, cause)
	case "dead_letter":
		logger.Error("outbox job moved to dead letter")
		w.guardrail(ctx, GuardrailJobDeadLetter, next, cause)
		w.publishDeadLetter(ctx, logger, next)
	default:
		logger.WithField("available_at", next.AvailableAt).Warn("outbox job attempt failed, retry scheduled")
		w.guardrail(ctx, GuardrailJobAttemptFailed, next, cause)
	}
}

func (w *Worker) publishDeadLetter(ctx context.Context, logger *log.Entry, job domain.OutboxJob) {
	if w.dlqPublisher == nil {
		return
	}
	err := w.dlqPublisher.PublishDeadLetter(ctx, domain.DeadLetter{
		Queue:        QueueName,
		JobID:        job.ID,
		JobType:      job.JobType,
		Payload:      job.PayloadJSON,
		AttemptCount: job.AttemptCount,
		LastError:    job.LastErrorText,
		DeadAt:       job.FinishedAt,
	})
	if err != nil {
		outboxJobResults.WithLabelValues(job.JobType, "dlq_failed").Inc()
		logger.WithError(err).Warn("failed to publish outbox dead letter")
	}
}

// Requeue возвращает задачу из dead letter в pending со сброшенным счётчиком попыток.
func (w *Worker) Requeue(ctx context.Context, jobID string) (domain.OutboxJob, error) {
	var requeued domain.OutboxJob
	err := w.repo.WithinTx(ctx, func(ctx context.Context, tx domain.BillingTx) error {
		job, err := tx.FindOutboxJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status != domain.JobStatusDeadLetter {
			return fmt.Errorf("outbox job %s is %s: %w", jobID, job.Status, domain.ErrNotDeadLetter)
		}
		requeued = job
		requeued.Status = domain.JobStatusPending
		requeued.AttemptCount = 0
		requeued.AvailableAt = w.clock()
		requeued.FinishedAt = time.Time{}
		requeued.LastErrorText = ""
		requeued.LeaseOwner = ""
		requeued.LeaseExpiresAt = time.Time{}
		requeued.LeaseVersion = job.LeaseVersion + 1
		return tx.UpdateOutboxJob(ctx, requeued, job.LeaseVersion)
	})
	if err != nil {
		return domain.OutboxJob{}, err
	}
	w.logger.WithField("job_id", jobID).Info("outbox job requeued from dead letter")
	return requeued, nil
}

// DeadLetters возвращает задачи в dead letter.
func (w *Worker) DeadLetters(ctx context.Context, limit int) ([]domain.OutboxJob, error) {
	var jobs []domain.OutboxJob
	err := w.repo.WithinTx(ctx, func(ctx context.Context, tx domain.BillingTx) error {
		var err error
		jobs, err = tx.ListOutboxJobs(ctx, domain.JobStatusDeadLetter, limit)
		return err
	})
	return jobs, err
}

func (w *Worker) guardrail(ctx context.Context, code string, job domain.OutboxJob, cause error) {
	if w.guardrails == nil {
		return
	}
	fields := map[string]any{
		"job_id":        job.ID,
		"job_type":      job.JobType,
		"attempt_count": job.AttemptCount,
		"lease_version": job.LeaseVersion,
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
		stats, err = tx.OutboxStats(ctx)
		return err
	})
	if err != nil {
		w.logger.WithError(err).Warn("failed to collect outbox backlog stats")
		return
	}

	outboxPendingJobs.Set(float64(stats.PendingCount))
	outboxDeadLetterJobs.Set(float64(stats.DeadLetterCount))
	if stats.PendingCount == 0 || stats.OldestPendingAt.IsZero() {
		outboxOldestPendingAge.Set(0)
		return
	}
	age := w.clock().Sub(stats.OldestPendingAt).Seconds()
	if age < 0 {
		age = 0
	}
	outboxOldestPendingAge.Set(age)
}
