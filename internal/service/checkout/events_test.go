package checkout

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/billing/internal/domain"
	"github.com/vladislavdragonenkov/billing/internal/service/checkoutsession"
)

func newEventProcessor(f *fixture) *EventProcessor {
	return NewEventProcessor(f.repo, checkoutsession.NewService(), WithEventGuardrails(f.guardrails))
}

func completedEvent(id string, resp domain.CheckoutResponse, customer, subscription string, at time.Time) domain.ProviderEvent {
	return domain.ProviderEvent{
		ID:        id,
		Type:      domain.ProviderEventCheckoutSessionCompleted,
		CreatedAt: at,
		CheckoutSession: &domain.ProviderCheckoutSession{
			ID:             resp.CheckoutSession.ProviderCheckoutSessionID,
			Status:         domain.ProviderSessionStatusComplete,
			CustomerID:     customer,
			SubscriptionID: subscription,
			Metadata: map[string]string{
				domain.MetadataKeyOperationKey:     resp.OperationKey,
				domain.MetadataKeyBillableEntityID: resp.BillableEntityID,
			},
		},
	}
}

func subscriptionEvent(id, eventType, subID string, status domain.SubscriptionStatus, at time.Time) domain.ProviderEvent {
	return domain.ProviderEvent{
		ID:        id,
		Type:      eventType,
		CreatedAt: at,
		Subscription: &domain.ProviderSubscription{
			ID:         subID,
			CustomerID: "cus_1",
			Status:     status,
			Metadata: map[string]string{
				domain.MetadataKeyBillableEntityID: "be-1",
				domain.MetadataKeyPlanCode:         "pro_monthly",
			},
		},
	}
}

func sessionByID(t *testing.T, f *fixture, providerSessionID string) domain.CheckoutSession {
	t.Helper()
	for _, s := range f.repo.CheckoutSessions() {
		if s.ProviderCheckoutSessionID == providerSessionID {
			return s
		}
	}
	t.Fatalf("checkout session %s not found", providerSessionID)
	return domain.CheckoutSession{}
}

func TestEventProcessor_CheckoutCompletedThenSubscriptionCreated(t *testing.T) {
	f := newFixture(t)
	p := newEventProcessor(f)
	ctx := context.Background()

	resp, err := f.start("abc", proMonthly(), testNow)
	require.NoError(t, err)

	require.NoError(t, p.Process(ctx, completedEvent("evt_1", resp, "cus_1", "sub_1", testNow.Add(time.Minute))))
	session := sessionByID(t, f, resp.CheckoutSession.ProviderCheckoutSessionID)
	assert.Equal(t, domain.CheckoutSessionStatusCompletedPendingSubscription, session.Status)
	assert.Equal(t, "evt_1", session.LastProviderEventID)

	require.NoError(t, p.Process(ctx, subscriptionEvent("evt_2", domain.ProviderEventSubscriptionCreated, "sub_1",
		domain.SubscriptionStatusActive, testNow.Add(2*time.Minute))))
	session = sessionByID(t, f, resp.CheckoutSession.ProviderCheckoutSessionID)
	assert.Equal(t, domain.CheckoutSessionStatusCompletedReconciled, session.Status)

	_, err = f.start("next", proMonthly(), testNow.Add(3*time.Minute))
	requireCode(t, err, domain.ErrorCodeSubscriptionExistsUsePortal)
}

func TestEventProcessor_SubscriptionBeforeCheckoutCompleted(t *testing.T) {
	f := newFixture(t)
	p := newEventProcessor(f)
	ctx := context.Background()

	resp, err := f.start("abc", proMonthly(), testNow)
	require.NoError(t, err)

	require.NoError(t, p.Process(ctx, subscriptionEvent("evt_1", domain.ProviderEventSubscriptionCreated, "sub_1",
		domain.SubscriptionStatusActive, testNow.Add(time.Minute))))
	require.NoError(t, p.Process(ctx, completedEvent("evt_2", resp, "cus_1", "sub_1", testNow.Add(2*time.Minute))))

	session := sessionByID(t, f, resp.CheckoutSession.ProviderCheckoutSessionID)
	assert.Equal(t, domain.CheckoutSessionStatusCompletedReconciled, session.Status)
}

func TestEventProcessor_CorrelationMismatch(t *testing.T) {
	f := newFixture(t)
	p := newEventProcessor(f)

	resp, err := f.start("abc", proMonthly(), testNow)
	require.NoError(t, err)

	event := completedEvent("evt_1", resp, "cus_1", "sub_1", testNow.Add(time.Minute))
	event.CheckoutSession.Metadata[domain.MetadataKeyOperationKey] = "someone-else"

	err = p.Process(context.Background(), event)
	requireCode(t, err, domain.ErrorCodeSessionCorrelationMismatch)
	assert.Contains(t, f.guardrails.codes(), "billing.session_correlation_mismatch")
	assert.Equal(t, domain.CheckoutSessionStatusOpen, sessionByID(t, f, resp.CheckoutSession.ProviderCheckoutSessionID).Status)
}

func TestEventProcessor_CheckoutExpiredAndStaleEvents(t *testing.T) {
	f := newFixture(t)
	p := newEventProcessor(f)
	ctx := context.Background()

	resp, err := f.start("abc", proMonthly(), testNow)
	require.NoError(t, err)

	expired := domain.ProviderEvent{
		ID:        "evt_2",
		Type:      domain.ProviderEventCheckoutSessionExpired,
		CreatedAt: testNow.Add(2 * time.Hour),
		CheckoutSession: &domain.ProviderCheckoutSession{
			ID:     resp.CheckoutSession.ProviderCheckoutSessionID,
			Status: domain.ProviderSessionStatusExpired,
		},
	}
	require.NoError(t, p.Process(ctx, expired))
	assert.Equal(t, domain.CheckoutSessionStatusExpired, sessionByID(t, f, resp.CheckoutSession.ProviderCheckoutSessionID).Status)

	require.NoError(t, p.Process(ctx, completedEvent("evt_1", resp, "cus_1", "sub_1", testNow.Add(time.Minute))))
	assert.Equal(t, domain.CheckoutSessionStatusExpired, sessionByID(t, f, resp.CheckoutSession.ProviderCheckoutSessionID).Status)
}

func TestEventProcessor_UnknownSessionIsIgnored(t *testing.T) {
	f := newFixture(t)
	p := newEventProcessor(f)

	err := p.Process(context.Background(), domain.ProviderEvent{
		ID:              "evt_1",
		Type:            domain.ProviderEventCheckoutSessionExpired,
		CreatedAt:       testNow,
		CheckoutSession: &domain.ProviderCheckoutSession{ID: "cs_unknown", Status: domain.ProviderSessionStatusExpired},
	})
	require.NoError(t, err)

	require.NoError(t, p.Process(context.Background(), domain.ProviderEvent{ID: "evt_2", Type: "invoice.paid"}))
}

func TestEventProcessor_DuplicateSubscriptionIsQueuedForCancel(t *testing.T) {
	f := newFixture(t)
	p := newEventProcessor(f)
	ctx := context.Background()

	require.NoError(t, p.Process(ctx, subscriptionEvent("evt_1", domain.ProviderEventSubscriptionCreated, "sub_1",
		domain.SubscriptionStatusActive, testNow)))
	require.NoError(t, p.Process(ctx, subscriptionEvent("evt_2", domain.ProviderEventSubscriptionCreated, "sub_2",
		domain.SubscriptionStatusActive, testNow.Add(time.Minute))))
	require.NoError(t, p.Process(ctx, subscriptionEvent("evt_3", domain.ProviderEventSubscriptionUpdated, "sub_2",
		domain.SubscriptionStatusActive, testNow.Add(2*time.Minute))))

	jobs := f.repo.OutboxJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.OutboxJobCancelDuplicateSubscription, jobs[0].JobType)

	var payload domain.CancelDuplicateSubscriptionPayload
	require.NoError(t, json.Unmarshal(jobs[0].PayloadJSON, &payload))
	assert.Equal(t, "sub_2", payload.ProviderSubscriptionID)
	assert.Equal(t, "sub_1", payload.KeepSubscriptionID)
	assert.Equal(t, "be-1", payload.BillableEntityID)
	assert.Contains(t, f.guardrails.codes(), "billing.duplicate_subscription_detected")
}

func TestEventProcessor_SubscriptionDeletedClearsCurrent(t *testing.T) {
	f := newFixture(t)
	p := newEventProcessor(f)
	ctx := context.Background()

	require.NoError(t, p.Process(ctx, subscriptionEvent("evt_1", domain.ProviderEventSubscriptionCreated, "sub_1",
		domain.SubscriptionStatusActive, testNow)))
	_, err := f.start("abc", proMonthly(), testNow.Add(time.Minute))
	requireCode(t, err, domain.ErrorCodeSubscriptionExistsUsePortal)

	require.NoError(t, p.Process(ctx, subscriptionEvent("evt_2", domain.ProviderEventSubscriptionDeleted, "sub_1",
		domain.SubscriptionStatusCanceled, testNow.Add(2*time.Minute))))

	_, err = f.start("def", proMonthly(), testNow.Add(3*time.Minute))
	require.NoError(t, err)
}
