package remediation

import (
	"context"
	"encoding/json"
	"slices"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/billing/internal/domain"
	"github.com/vladislavdragonenkov/billing/internal/service/outbox"
	"github.com/vladislavdragonenkov/billing/internal/service/payment"
	"github.com/vladislavdragonenkov/billing/internal/storage/memory"
)

type recordedGuardrails struct {
	codes []string
}

func (r *recordedGuardrails) RecordBillingGuardrail(_ context.Context, event domain.GuardrailEvent) {
	r.codes = append(r.codes, event.Code)
}

type recordedDLQ struct {
	letters []domain.DeadLetter
}

func (r *recordedDLQ) PublishDeadLetter(_ context.Context, dl domain.DeadLetter) error {
	r.letters = append(r.letters, dl)
	return nil
}

func enqueueCancel(t *testing.T, repo *memory.BillingRepository, subID string, at time.Time) domain.RemediationTask {
	t.Helper()

	payload, err := json.Marshal(domain.CancelDuplicateSubscriptionPayload{
		Provider:               domain.ProviderStripe,
		BillableEntityID:       "be-1",
		ProviderSubscriptionID: subID,
		KeepSubscriptionID:     "sub_1",
		Reason:                 "duplicate_subscription",
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	var task domain.RemediationTask
	err = repo.WithinTx(context.Background(), func(ctx context.Context, tx domain.BillingTx) error {
		var err error
		task, _, err = tx.EnqueueRemediationTask(ctx, domain.RemediationTask{
			Kind:          domain.RemediationKindCancelDuplicateSubscription,
			DedupeKey:     outbox.DuplicateCancelDedupeKey(domain.ProviderStripe, subID),
			PayloadJSON:   payload,
			NextAttemptAt: at,
		})
		return err
	})
	if err != nil {
		t.Fatalf("enqueue task: %v", err)
	}
	return task
}

func taskByID(t *testing.T, repo *memory.BillingRepository, id string) domain.RemediationTask {
	t.Helper()
	for _, task := range repo.RemediationTasks() {
		if task.ID == id {
			return task
		}
	}
	t.Fatalf("remediation task %s not found", id)
	return domain.RemediationTask{}
}

func TestWorker_CancelDuplicateSubscription(t *testing.T) {
	now := time.Now().UTC()
	repo := memory.NewBillingRepository()
	repo.SeedSubscription(domain.Subscription{
		ID:                     "local-sub-2",
		BillableEntityID:       "be-1",
		Provider:               domain.ProviderStripe,
		ProviderSubscriptionID: "sub_2",
		Status:                 domain.SubscriptionStatusActive,
	})
	provider := payment.NewMockProvider()
	task := enqueueCancel(t, repo, "sub_2", now)

	worker := NewWorker(repo, provider, WithClock(func() time.Time { return now }))
	if got := worker.ProcessOnce(context.Background()); got != 1 {
		t.Fatalf("expected 1 processed task, got %d", got)
	}

	resolved := taskByID(t, repo, task.ID)
	if resolved.Status != domain.JobStatusSucceeded || resolved.ResolvedAt.IsZero() {
		t.Fatalf("expected resolved task, got %#v", resolved)
	}
	if len(provider.CancelCalls) != 1 || provider.CancelCalls[0] != "sub_2" {
		t.Fatalf("expected cancel of sub_2, got %v", provider.CancelCalls)
	}

	err := repo.WithinTx(context.Background(), func(ctx context.Context, tx domain.BillingTx) error {
		sub, err := tx.FindSubscriptionByProviderID(ctx, domain.ProviderStripe, "sub_2")
		if err != nil {
			return err
		}
		if sub.Status != domain.SubscriptionStatusCanceled || sub.IsCurrent {
			t.Fatalf("expected canceled non-current subscription, got %#v", sub)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("find subscription: %v", err)
	}
}

func TestWorker_MissingSubscriptionCountsAsSuccess(t *testing.T) {
	now := time.Now().UTC()
	repo := memory.NewBillingRepository()
	provider := payment.NewMockProvider()
	provider.CancelErr = &domain.ProviderError{
		Class:      domain.ProviderErrorDeterministic,
		StatusCode: 404,
		Code:       "resource_missing",
		Err:        domain.ErrProviderResourceMissing,
	}
	task := enqueueCancel(t, repo, "sub_gone", now)

	NewWorker(repo, provider, WithClock(func() time.Time { return now })).ProcessOnce(context.Background())

	if got := taskByID(t, repo, task.ID).Status; got != domain.JobStatusSucceeded {
		t.Fatalf("expected resolved task, got %s", got)
	}
}

func TestWorker_RetryDeadLetterAndRequeue(t *testing.T) {
	now := time.Now().UTC()
	repo := memory.NewBillingRepository()
	provider := payment.NewMockProvider()
	provider.CancelErr = &domain.ProviderError{Class: domain.ProviderErrorIndeterminate, StatusCode: 500, Message: "boom"}
	guardrails := &recordedGuardrails{}
	dlq := &recordedDLQ{}
	task := enqueueCancel(t, repo, "sub_2", now)

	worker := NewWorker(repo, provider,
		WithClock(func() time.Time { return now }),
		WithRetryPolicy(outbox.RetryPolicy{MaxAttempts: 2, Delay: time.Minute}),
		WithGuardrails(guardrails),
		WithDLQPublisher(dlq),
	)

	worker.ProcessOnce(context.Background())
	retried := taskByID(t, repo, task.ID)
	if retried.Status != domain.JobStatusPending || retried.AttemptCount != 1 {
		t.Fatalf("expected pending task after first failure, got %#v", retried)
	}
	if !retried.NextAttemptAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("expected next attempt at now+1m, got %s", retried.NextAttemptAt)
	}

	now = now.Add(time.Minute)
	worker.ProcessOnce(context.Background())
	dead := taskByID(t, repo, task.ID)
	if dead.Status != domain.JobStatusDeadLetter {
		t.Fatalf("expected dead letter, got %s", dead.Status)
	}
	if len(dlq.letters) != 1 || dlq.letters[0].Queue != "remediation" {
		t.Fatalf("expected one remediation dead letter, got %#v", dlq.letters)
	}
	wantCodes := []string{
		outbox.GuardrailJobAttemptStarted, outbox.GuardrailJobAttemptFailed,
		outbox.GuardrailJobAttemptStarted, outbox.GuardrailJobDeadLetter,
	}
	if !slices.Equal(guardrails.codes, wantCodes) {
		t.Fatalf("guardrails = %v, want %v", guardrails.codes, wantCodes)
	}

	letters, err := worker.DeadLetters(context.Background(), 10)
	if err != nil || len(letters) != 1 {
		t.Fatalf("expected one dead letter listed, got %d, %v", len(letters), err)
	}

	if _, err := worker.Requeue(context.Background(), task.ID); err != nil {
		t.Fatalf("requeue failed: %v", err)
	}
	provider.CancelErr = nil
	worker.ProcessOnce(context.Background())
	if got := taskByID(t, repo, task.ID).Status; got != domain.JobStatusSucceeded {
		t.Fatalf("expected requeued task to resolve, got %s", got)
	}
}

func TestWorker_SuccessfulAttemptLeavesGuardrail(t *testing.T) {
	now := time.Now().UTC()
	repo := memory.NewBillingRepository()
	guardrails := &recordedGuardrails{}
	enqueueCancel(t, repo, "sub_2", now)

	NewWorker(repo, payment.NewMockProvider(),
		WithClock(func() time.Time { return now }),
		WithGuardrails(guardrails),
	).ProcessOnce(context.Background())

	if !slices.Equal(guardrails.codes, []string{outbox.GuardrailJobAttemptStarted}) {
		t.Fatalf("unexpected guardrails %v", guardrails.codes)
	}
}

func TestWorker_DeadLetterExactlyAtMaxAttempts(t *testing.T) {
	const maxAttempts = 3
	now := time.Now().UTC()
	repo := memory.NewBillingRepository()
	provider := payment.NewMockProvider()
	provider.CancelErr = &domain.ProviderError{Class: domain.ProviderErrorIndeterminate, StatusCode: 429, Message: "rate limited"}
	dlq := &recordedDLQ{}
	task := enqueueCancel(t, repo, "sub_2", now)

	worker := NewWorker(repo, provider,
		WithClock(func() time.Time { return now }),
		WithRetryPolicy(outbox.RetryPolicy{MaxAttempts: maxAttempts, Delay: 30 * time.Second}),
		WithDLQPublisher(dlq),
	)

	for attempt := 1; attempt < maxAttempts; attempt++ {
		worker.ProcessOnce(context.Background())
		current := taskByID(t, repo, task.ID)
		if current.Status != domain.JobStatusPending || current.AttemptCount != attempt {
			t.Fatalf("attempt %d: expected pending with %d attempts, got %s/%d", attempt, attempt, current.Status, current.AttemptCount)
		}
		if want := now.Add(time.Duration(attempt) * 30 * time.Second); !current.NextAttemptAt.Equal(want) {
			t.Fatalf("attempt %d: next attempt at %s, want %s", attempt, current.NextAttemptAt, want)
		}
		if len(dlq.letters) != 0 {
			t.Fatalf("attempt %d: dead letter published too early", attempt)
		}
		now = current.NextAttemptAt
	}

	worker.ProcessOnce(context.Background())

	dead := taskByID(t, repo, task.ID)
	if dead.Status != domain.JobStatusDeadLetter || dead.AttemptCount != maxAttempts {
		t.Fatalf("expected dead letter at %d attempts, got %s/%d", maxAttempts, dead.Status, dead.AttemptCount)
	}
	if len(dlq.letters) != 1 || dlq.letters[0].AttemptCount != maxAttempts {
		t.Fatalf("expected one dead letter with %d attempts, got %#v", maxAttempts, dlq.letters)
	}
	if len(provider.CancelCalls) != 0 {
		t.Fatalf("failed cancels must not be recorded, got %v", provider.CancelCalls)
	}
}

func TestWorker_UnknownKindFailsPermanently(t *testing.T) {
	now := time.Now().UTC()
	repo := memory.NewBillingRepository()
	var task domain.RemediationTask
	err := repo.WithinTx(context.Background(), func(ctx context.Context, tx domain.BillingTx) error {
		var err error
		task, _, err = tx.EnqueueRemediationTask(ctx, domain.RemediationTask{Kind: "refund_charge", NextAttemptAt: now})
		return err
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	NewWorker(repo, payment.NewMockProvider(), WithClock(func() time.Time { return now })).ProcessOnce(context.Background())

	if got := taskByID(t, repo, task.ID).Status; got != domain.JobStatusFailed {
		t.Fatalf("expected failed task, got %s", got)
	}
}

func TestIdempotencyKey(t *testing.T) {
	if got := IdempotencyKey("task-1"); got != "remediation:task-1" {
		t.Fatalf("unexpected key %q", got)
	}
}
