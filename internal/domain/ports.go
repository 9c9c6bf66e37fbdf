package domain

import (
	"context"
	"time"
)

// BillingRepository — транзакционное хранилище биллинга.
type BillingRepository interface {
	// WithinTx выполняет fn в одной транзакции. Ошибка fn откатывает транзакцию.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx BillingTx) error) error
}

// BillingTx — операции внутри транзакции. Методы Lock* берут блокировки строк до конца транзакции.
// Все Update* с expectedLeaseVersion возвращают ErrLeaseFenced при несовпадении версии.
type BillingTx interface {
	LockBillableEntity(ctx context.Context, id string) (BillableEntity, error)
	FindBillableEntityByWorkspace(ctx context.Context, workspaceID string) (BillableEntity, error)
	FindWorkspaceRole(ctx context.Context, workspaceID, userID string) (WorkspaceRole, error)
	FindCustomer(ctx context.Context, billableEntityID, provider string) (BillingCustomer, error)
	UpsertCustomer(ctx context.Context, customer BillingCustomer) error

	LockSubscriptions(ctx context.Context, billableEntityID string) ([]Subscription, error)
	FindSubscriptionByProviderID(ctx context.Context, provider, providerSubscriptionID string) (Subscription, error)
	UpsertSubscription(ctx context.Context, sub Subscription) (Subscription, error)

	FindPlan(ctx context.Context, code string) (Plan, error)

	FindIdempotencyForUpdate(ctx context.Context, action IdempotencyAction, billableEntityID, clientKey string) (IdempotencyRecord, error)
	ListPendingIdempotency(ctx context.Context, action IdempotencyAction, billableEntityID string) ([]IdempotencyRecord, error)
	ListStalePendingIdempotency(ctx context.Context, action IdempotencyAction, now time.Time, limit int) ([]IdempotencyRecord, error)
	LockIdempotencyByID(ctx context.Context, id string) (IdempotencyRecord, error)
	InsertIdempotency(ctx context.Context, rec IdempotencyRecord) error
	UpdateIdempotency(ctx context.Context, rec IdempotencyRecord, expectedLeaseVersion int64) error

	LockCheckoutSessions(ctx context.Context, billableEntityID string) ([]CheckoutSession, error)
	FindCheckoutSessionByProviderID(ctx context.Context, provider, providerSessionID string) (CheckoutSession, error)
	FindCheckoutSessionByOperationKey(ctx context.Context, provider, operationKey string) (CheckoutSession, error)
	FindCheckoutSessionBySubscriptionID(ctx context.Context, provider, providerSubscriptionID string) (CheckoutSession, error)
	UpsertCheckoutSessionByOperationKey(ctx context.Context, session CheckoutSession) (CheckoutSession, error)
	UpdateCheckoutSession(ctx context.Context, session CheckoutSession) error

	EnqueueOutboxJob(ctx context.Context, job OutboxJob) (OutboxJob, error)
	LeaseNextOutboxJob(ctx context.Context, owner string, now time.Time, lease time.Duration) (OutboxJob, error)
	FindOutboxJob(ctx context.Context, id string) (OutboxJob, error)
	ListOutboxJobs(ctx context.Context, status JobStatus, limit int) ([]OutboxJob, error)
	UpdateOutboxJob(ctx context.Context, job OutboxJob, expectedLeaseVersion int64) error
	OutboxStats(ctx context.Context) (JobStats, error)

	// EnqueueRemediationTask возвращает false, если задача с тем же DedupeKey уже есть.
	EnqueueRemediationTask(ctx context.Context, task RemediationTask) (RemediationTask, bool, error)
	LeaseNextRemediationTask(ctx context.Context, owner string, now time.Time, lease time.Duration) (RemediationTask, error)
	FindRemediationTask(ctx context.Context, id string) (RemediationTask, error)
	ListRemediationTasks(ctx context.Context, status JobStatus, limit int) ([]RemediationTask, error)
	UpdateRemediationTask(ctx context.Context, task RemediationTask, expectedLeaseVersion int64) error
	RemediationStats(ctx context.Context) (JobStats, error)
}

// GuardrailEvent — событие наблюдаемости о срабатывании защитного механизма.
type GuardrailEvent struct {
	Code       string         `json:"code"`
	Component  string         `json:"component"`
	Fields     map[string]any `json:"fields,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}

// GuardrailRecorder принимает события guardrail (аренда, ретраи, dead letter, расхождения).
type GuardrailRecorder interface {
	RecordBillingGuardrail(ctx context.Context, event GuardrailEvent)
}

// DeadLetter — задача, исчерпавшая попытки.
type DeadLetter struct {
	Queue        string    `json:"queue"`
	JobID        string    `json:"jobId"`
	JobType      string    `json:"jobType"`
	Payload      []byte    `json:"payload"`
	AttemptCount int       `json:"attemptCount"`
	LastError    string    `json:"lastError"`
	DeadAt       time.Time `json:"deadAt"`
}

// DeadLetterPublisher публикует dead letter наружу (Kafka).
type DeadLetterPublisher interface {
	PublishDeadLetter(ctx context.Context, dl DeadLetter) error
}
