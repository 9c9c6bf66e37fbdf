package domain

import "time"

// JobStatus — статус арендуемой фоновой задачи (outbox и remediation).
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusSucceeded  JobStatus = "succeeded"
	JobStatusFailed     JobStatus = "failed"
	JobStatusDeadLetter JobStatus = "dead_letter"
)

// Terminal сообщает, что задача больше не будет выполняться.
func (s JobStatus) Terminal() bool {
	return s != JobStatusPending
}

// Типы задач outbox.
const (
	OutboxJobExpireCheckoutSession       = "expire_checkout_session"
	OutboxJobCancelDuplicateSubscription = "cancel_duplicate_subscription"
)

// RemediationKindCancelDuplicateSubscription — отмена дублирующей подписки у провайдера.
const RemediationKindCancelDuplicateSubscription = "cancel_duplicate_subscription"

// OutboxJob — отложенный побочный эффект у провайдера.
type OutboxJob struct {
	ID             string
	JobType        string
	PayloadJSON    []byte
	Status         JobStatus
	AttemptCount   int
	LeaseOwner     string
	LeaseExpiresAt time.Time
	LeaseVersion   int64
	AvailableAt    time.Time
	LastErrorText  string
	FinishedAt     time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RemediationTask — задача исправления расхождения (дублирующая подписка).
type RemediationTask struct {
	ID             string
	Kind           string
	DedupeKey      string
	PayloadJSON    []byte
	Status         JobStatus
	AttemptCount   int
	LeaseOwner     string
	LeaseExpiresAt time.Time
	LeaseVersion   int64
	NextAttemptAt  time.Time
	LastErrorText  string
	ResolvedAt     time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ExpireCheckoutSessionPayload — payload задачи expire_checkout_session.
type ExpireCheckoutSessionPayload struct {
	Provider                  string `json:"provider"`
	ProviderCheckoutSessionID string `json:"providerCheckoutSessionId"`
	OperationKey              string `json:"operationKey"`
	BillableEntityID          string `json:"billableEntityId"`
	Reason                    string `json:"reason"`
}

// CancelDuplicateSubscriptionPayload — payload отмены дублирующей подписки.
type CancelDuplicateSubscriptionPayload struct {
	Provider               string `json:"provider"`
	BillableEntityID       string `json:"billableEntityId"`
	ProviderSubscriptionID string `json:"providerSubscriptionId"`
	KeepSubscriptionID     string `json:"keepSubscriptionId,omitempty"`
	Reason                 string `json:"reason"`
}

// JobStats — размер backlog очереди задач.
type JobStats struct {
	PendingCount    int
	DeadLetterCount int
	OldestPendingAt time.Time
}
