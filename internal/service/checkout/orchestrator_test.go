package checkout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/billing/internal/domain"
	"github.com/vladislavdragonenkov/billing/internal/service/checkoutsession"
	"github.com/vladislavdragonenkov/billing/internal/service/idempotency"
	"github.com/vladislavdragonenkov/billing/internal/service/payment"
	"github.com/vladislavdragonenkov/billing/internal/service/policy"
	"github.com/vladislavdragonenkov/billing/internal/service/pricing"
	"github.com/vladislavdragonenkov/billing/internal/storage/memory"
)

var testNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

// hookProvider позволяет вмешаться в вызов CreateCheckoutSession.
type hookProvider struct {
	*payment.MockProvider
	onCreate func()
}

func (p *hookProvider) CreateCheckoutSession(ctx context.Context, req domain.FrozenCheckoutRequest, key string) (domain.ProviderCheckoutSession, error) {
	if p.onCreate != nil {
		p.onCreate()
	}
	return p.MockProvider.CreateCheckoutSession(ctx, req, key)
}

type recordingGuardrails struct {
	mu     sync.Mutex
	events []domain.GuardrailEvent
}

func (r *recordingGuardrails) RecordBillingGuardrail(_ context.Context, event domain.GuardrailEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingGuardrails) codes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Code)
	}
	return out
}

type fixture struct {
	repo       *memory.BillingRepository
	mock       *payment.MockProvider
	provider   *hookProvider
	guardrails *recordingGuardrails
	orch       *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	repo := memory.NewBillingRepository()
	repo.SeedBillableEntity(domain.BillableEntity{ID: "be-1", WorkspaceID: "ws-1"})
	repo.SeedWorkspaceMember("ws-1", "user-1", domain.WorkspaceRoleOwner)
	repo.SeedWorkspaceMember("ws-1", "user-2", domain.WorkspaceRoleMember)
	repo.SeedPlan(domain.Plan{
		Code:    "pro_monthly",
		Version: 3,
		Name:    "Pro",
		Active:  true,
		Prices: []domain.PlanPrice{{
			PlanCode:        "pro_monthly",
			PlanVersion:     3,
			ProviderPriceID: "price_pro_monthly",
			Currency:        "usd",
			AmountMinor:     2900,
			Interval:        "month",
			Quantity:        1,
		}},
	})

	mock := payment.NewMockProvider()
	mock.Now = func() time.Time { return testNow }
	provider := &hookProvider{MockProvider: mock}
	guardrails := &recordingGuardrails{}

	orch, err := NewOrchestrator(Dependencies{
		Repository: repo,
		Ledger:     idempotency.NewLedger(),
		Sessions:   checkoutsession.NewService(),
		Policy:     policy.NewService(),
		Catalog:    pricing.NewCatalog("USD"),
		Provider:   provider,
	}, WithGuardrails(guardrails), WithAppBaseURL("https://app.example.com"))
	require.NoError(t, err)

	return &fixture{repo: repo, mock: mock, provider: provider, guardrails: guardrails, orch: orch}
}

func (f *fixture) start(key string, payload domain.CheckoutPayload, now time.Time) (domain.CheckoutResponse, error) {
	return f.orch.StartCheckout(context.Background(), StartCheckoutInput{
		Actor:          "user-1",
		WorkspaceID:    "ws-1",
		Payload:        payload,
		IdempotencyKey: key,
	}, now)
}

func (f *fixture) recordByKey(t *testing.T, key string) domain.IdempotencyRecord {
	t.Helper()
	for _, rec := range f.repo.IdempotencyRecords() {
		if rec.ClientIdempotencyKey == key {
			return rec
		}
	}
	t.Fatalf("idempotency record for key %q not found", key)
	return domain.IdempotencyRecord{}
}

func (f *fixture) mutateRecord(t *testing.T, id string, fn func(rec *domain.IdempotencyRecord)) {
	t.Helper()
	err := f.repo.WithinTx(context.Background(), func(ctx context.Context, tx domain.BillingTx) error {
		rec, err := tx.LockIdempotencyByID(ctx, id)
		if err != nil {
			return err
		}
		expected := rec.LeaseVersion
		fn(&rec)
		return tx.UpdateIdempotency(ctx, rec, expected)
	})
	require.NoError(t, err)
}

func proMonthly() domain.CheckoutPayload {
	return domain.CheckoutPayload{CheckoutType: "subscription", PlanCode: "pro_monthly"}
}

func indeterminate() error {
	return &domain.ProviderError{Class: domain.ProviderErrorIndeterminate, StatusCode: 500, Code: "api_error", Message: "boom"}
}

func requireCode(t *testing.T, err error, code domain.ErrorCode) *domain.BillingError {
	t.Helper()
	require.Error(t, err)
	be, ok := domain.AsBillingError(err)
	require.True(t, ok, "expected billing error, got %v", err)
	require.Equal(t, code, be.Code, "unexpected error: %v", err)
	return be
}

func TestStartCheckout_CreatesSessionAndReplaysResponse(t *testing.T) {
	f := newFixture(t)

	first, err := f.start("abc", proMonthly(), testNow)
	require.NoError(t, err)

	assert.Equal(t, domain.ProviderStripe, first.Provider)
	assert.Equal(t, "be-1", first.BillableEntityID)
	assert.Equal(t, domain.CheckoutFlowSubscription, first.CheckoutType)
	assert.Equal(t, "cs_mock_1", first.CheckoutSession.ProviderCheckoutSessionID)
	assert.Equal(t, domain.CheckoutSessionStatusOpen, first.CheckoutSession.Status)
	assert.Equal(t, domain.ProviderSessionStatusOpen, first.CheckoutSession.ProviderStatus)
	assert.Equal(t, testNow.Add(time.Hour).Format(time.RFC3339), first.CheckoutSession.ExpiresAt)

	second, err := f.start("abc", proMonthly(), testNow.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, first, second)
	require.Len(t, f.mock.CreateCalls, 1)

	call := f.mock.CreateCalls[0]
	assert.Equal(t, "checkout:"+first.OperationKey, call.IdempotencyKey)
	assert.Equal(t, "subscription", call.Request.Mode)
	assert.Equal(t, "https://app.example.com/billing/checkout/success", call.Request.SuccessURL)
	assert.Equal(t, []domain.FrozenLineItem{{Price: "price_pro_monthly", Quantity: 1}}, call.Request.LineItems)
	assert.Equal(t, first.OperationKey, call.Request.Metadata[domain.MetadataKeyOperationKey])
	assert.Equal(t, "pro_monthly", call.Request.Metadata[domain.MetadataKeyPlanCode])
	assert.Equal(t, "3", call.Request.Metadata[domain.MetadataKeyPlanVersion])
	require.NotNil(t, call.Request.SubscriptionData)
	assert.Equal(t, first.OperationKey, call.Request.SubscriptionData.Metadata[domain.MetadataKeyOperationKey])

	rec := f.recordByKey(t, "abc")
	assert.Equal(t, domain.IdempotencyStatusSucceeded, rec.Status)
	assert.Equal(t, "cs_mock_1", rec.ProviderSessionID)
	assert.Equal(t, domain.ProviderRequestSchemaVersion, rec.ProviderRequestSchemaVersion)
	assert.Equal(t, "mock", rec.ProviderSDKName)
	assert.Equal(t, testNow.Add(10*time.Minute), rec.ProviderIdempotencyReplayDeadlineAt)
	assert.Equal(t, testNow.Add(time.Hour), rec.ProviderCheckoutSessionExpiresAtUpperBound)

	sessions := f.repo.CheckoutSessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, domain.CheckoutSessionStatusOpen, sessions[0].Status)
	assert.Equal(t, rec.OperationKey, sessions[0].OperationKey)
	assert.Equal(t, rec.ID, sessions[0].IdempotencyRowID)
}

func TestStartCheckout_ConcurrentRequests(t *testing.T) {
	f := newFixture(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.provider.onCreate = func() {
		once.Do(func() {
			close(entered)
			<-release
		})
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.start("key-a", proMonthly(), testNow)
		done <- err
	}()
	<-entered

	_, err := f.start("key-b", proMonthly(), testNow)
	be := requireCode(t, err, domain.ErrorCodeCheckoutInProgress)
	retryAfter, ok := be.RetryAfter()
	require.True(t, ok)
	assert.Equal(t, int(idempotency.NewLedger().LeaseTTL()/time.Second), retryAfter)

	_, err = f.start("key-a", proMonthly(), testNow)
	requireCode(t, err, domain.ErrorCodeRequestInProgress)

	close(release)
	require.NoError(t, <-done)
	require.Len(t, f.mock.CreateCalls, 1)
}

func TestStartCheckout_StaleOtherKeyIsRecoveredInline(t *testing.T) {
	f := newFixture(t)
	f.mock.CreateErrs = []error{indeterminate()}
	_, err := f.start("key-a", proMonthly(), testNow)
	requireCode(t, err, domain.ErrorCodeRequestInProgress)
	require.True(t, f.recordByKey(t, "key-a").LeaseStale(testNow))

	_, err = f.start("key-b", proMonthly(), testNow.Add(time.Minute))
	requireCode(t, err, domain.ErrorCodeSessionOpen)

	assert.Equal(t, domain.IdempotencyStatusSucceeded, f.recordByKey(t, "key-a").Status,
		"stale row must be resolved without waiting for the sweeper")
	require.Len(t, f.mock.CreateCalls, 2)
	assert.Equal(t, f.mock.CreateCalls[0].IdempotencyKey, f.mock.CreateCalls[1].IdempotencyKey)
	assert.Equal(t, 1, f.mock.SessionCount())
	blocked := f.recordByKey(t, "key-b")
	assert.Equal(t, domain.IdempotencyStatusFailed, blocked.Status)
	assert.Equal(t, domain.ErrorCodeSessionOpen, blocked.FailureCode)
}

func TestStartCheckout_RequiresIdempotencyKey(t *testing.T) {
	f := newFixture(t)

	_, err := f.start("  ", proMonthly(), testNow)
	requireCode(t, err, domain.ErrorCodeIdempotencyKeyRequired)
	assert.Empty(t, f.repo.IdempotencyRecords())
}

func TestStartCheckout_RejectsMemberWithoutBillingRole(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.StartCheckout(context.Background(), StartCheckoutInput{
		Actor:          "user-2",
		WorkspaceID:    "ws-1",
		Payload:        proMonthly(),
		IdempotencyKey: "abc",
	}, testNow)
	requireCode(t, err, domain.ErrorCodeForbidden)
	assert.Empty(t, f.repo.IdempotencyRecords())
}

func TestStartCheckout_KeyReusedWithDifferentPayload(t *testing.T) {
	f := newFixture(t)

	_, err := f.start("abc", proMonthly(), testNow)
	require.NoError(t, err)

	_, err = f.start("abc", domain.CheckoutPayload{PlanCode: "team_monthly"}, testNow)
	requireCode(t, err, domain.ErrorCodeIdempotencyKeyReused)
}

func TestStartCheckout_ValidationFailureIsRecordedAndReplayed(t *testing.T) {
	f := newFixture(t)
	payload := domain.CheckoutPayload{
		CheckoutType: "one_off",
		OneOff:       &domain.OneOffPayload{Name: "Setup fee", AmountMinor: 5000, Currency: "EUR"},
	}

	_, err := f.start("abc", payload, testNow)
	first := requireCode(t, err, domain.ErrorCodeInvalidRequest)
	assert.Equal(t, "oneOff.currency", first.Details["field"])

	_, err = f.start("abc", payload, testNow.Add(time.Minute))
	second := requireCode(t, err, domain.ErrorCodeInvalidRequest)
	assert.Equal(t, first.Message, second.Message)
	assert.Equal(t, first.Details, second.Details)

	assert.Empty(t, f.mock.CreateCalls)
	assert.Equal(t, domain.IdempotencyStatusFailed, f.recordByKey(t, "abc").Status)
}

func TestStartCheckout_UnknownPlan(t *testing.T) {
	f := newFixture(t)

	_, err := f.start("abc", domain.CheckoutPayload{PlanCode: "enterprise"}, testNow)
	requireCode(t, err, domain.ErrorCodePlanNotFound)
	assert.Empty(t, f.mock.CreateCalls)
}

func TestStartCheckout_OpenSessionBlocksNewKey(t *testing.T) {
	f := newFixture(t)

	created, err := f.start("first", proMonthly(), testNow)
	require.NoError(t, err)

	_, err = f.start("second", proMonthly(), testNow.Add(time.Minute))
	be := requireCode(t, err, domain.ErrorCodeSessionOpen)
	assert.Equal(t, created.CheckoutSession.ProviderCheckoutSessionID, be.Details["providerCheckoutSessionId"])
	assert.Equal(t, created.CheckoutSession.CheckoutURL, be.Details["checkoutUrl"])
	require.Len(t, f.mock.CreateCalls, 1)

	status, ok := domain.HTTPStatus(be)
	require.True(t, ok)
	assert.Equal(t, 409, status)
}

func TestStartCheckout_ExpiredOpenSessionIsCleanedUp(t *testing.T) {
	f := newFixture(t)

	_, err := f.start("first", proMonthly(), testNow)
	require.NoError(t, err)

	later := testNow.Add(2 * time.Hour)
	_, err = f.start("second", proMonthly(), later)
	require.NoError(t, err)

	statuses := map[domain.CheckoutSessionStatus]int{}
	for _, s := range f.repo.CheckoutSessions() {
		statuses[s.Status]++
	}
	assert.Equal(t, 1, statuses[domain.CheckoutSessionStatusExpired])
	assert.Equal(t, 1, statuses[domain.CheckoutSessionStatusOpen])
}

func TestStartCheckout_ExistingSubscriptionUsesPortal(t *testing.T) {
	f := newFixture(t)
	f.repo.SeedSubscription(domain.Subscription{
		BillableEntityID:       "be-1",
		Provider:               domain.ProviderStripe,
		ProviderSubscriptionID: "sub_1",
		Status:                 domain.SubscriptionStatusActive,
		IsCurrent:              true,
	})

	_, err := f.start("abc", proMonthly(), testNow)
	be := requireCode(t, err, domain.ErrorCodeSubscriptionExistsUsePortal)
	assert.Equal(t, "sub_1", be.Details["providerSubscriptionId"])
	assert.Empty(t, f.mock.CreateCalls)
}

func TestStartCheckout_SubscriptionAppearsDuringProviderCall(t *testing.T) {
	f := newFixture(t)
	f.provider.onCreate = func() {
		f.repo.SeedSubscription(domain.Subscription{
			BillableEntityID:       "be-1",
			Provider:               domain.ProviderStripe,
			ProviderSubscriptionID: "sub_race",
			Status:                 domain.SubscriptionStatusActive,
			IsCurrent:              true,
		})
	}

	_, err := f.start("abc", proMonthly(), testNow)
	requireCode(t, err, domain.ErrorCodeSubscriptionExistsUsePortal)

	assert.Equal(t, domain.IdempotencyStatusFailed, f.recordByKey(t, "abc").Status)

	sessions := f.repo.CheckoutSessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, domain.CheckoutSessionStatusAbandoned, sessions[0].Status)
	assert.Equal(t, "cs_mock_1", sessions[0].ProviderCheckoutSessionID)

	jobs := f.repo.OutboxJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.OutboxJobExpireCheckoutSession, jobs[0].JobType)
	assert.Contains(t, string(jobs[0].PayloadJSON), "cs_mock_1")
}

func TestStartCheckout_OneOffDoesNotBlockSubscription(t *testing.T) {
	f := newFixture(t)

	oneOff, err := f.start("one-off", domain.CheckoutPayload{
		CheckoutType: "one_off",
		OneOff:       &domain.OneOffPayload{Name: "Setup fee", AmountMinor: 5000, Currency: "usd"},
	}, testNow)
	require.NoError(t, err)
	assert.Equal(t, domain.CheckoutFlowOneOff, oneOff.CheckoutType)

	call := f.mock.CreateCalls[0]
	assert.Equal(t, "payment", call.Request.Mode)
	require.Len(t, call.Request.LineItems, 1)
	require.NotNil(t, call.Request.LineItems[0].PriceData)
	assert.Equal(t, int64(5000), call.Request.LineItems[0].PriceData.UnitAmount)
	assert.Equal(t, int64(1), call.Request.LineItems[0].Quantity)
	assert.Nil(t, call.Request.SubscriptionData)

	_, err = f.start("subscription", proMonthly(), testNow.Add(time.Minute))
	require.NoError(t, err)
}

func TestStartCheckout_DeterministicProviderRejection(t *testing.T) {
	f := newFixture(t)
	f.mock.CreateErrs = []error{&domain.ProviderError{
		Class:      domain.ProviderErrorDeterministic,
		StatusCode: 400,
		Code:       "parameter_invalid",
		RequestID:  "req_1",
	}}

	_, err := f.start("abc", proMonthly(), testNow)
	first := requireCode(t, err, domain.ErrorCodeProviderError)
	assert.Equal(t, "400", first.Details["providerStatusCode"])

	_, err = f.start("abc", proMonthly(), testNow.Add(time.Minute))
	second := requireCode(t, err, domain.ErrorCodeProviderError)
	assert.Equal(t, first.Details, second.Details)
	require.Len(t, f.mock.CreateCalls, 1)
	assert.Equal(t, domain.IdempotencyStatusFailed, f.recordByKey(t, "abc").Status)
}

func TestStartCheckout_IndeterminateOutcomeIsReplayedWithSameKey(t *testing.T) {
	f := newFixture(t)
	f.mock.CreateErrs = []error{indeterminate()}
	f.mock.CreateAppliesBeforeErr = true

	_, err := f.start("abc", proMonthly(), testNow)
	requireCode(t, err, domain.ErrorCodeRequestInProgress)

	pending := f.recordByKey(t, "abc")
	assert.Equal(t, domain.IdempotencyStatusPending, pending.Status)
	assert.True(t, pending.LeaseStale(testNow))
	assert.Contains(t, f.guardrails.codes(), "billing.provider_outcome_indeterminate")

	resp, err := f.start("abc", proMonthly(), testNow.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "cs_mock_1", resp.CheckoutSession.ProviderCheckoutSessionID)

	require.Len(t, f.mock.CreateCalls, 2)
	assert.Equal(t, f.mock.CreateCalls[0].IdempotencyKey, f.mock.CreateCalls[1].IdempotencyKey)
	assert.Equal(t, f.mock.CreateCalls[0].Request, f.mock.CreateCalls[1].Request)
	assert.Equal(t, 1, f.mock.SessionCount())
	assert.Equal(t, domain.IdempotencyStatusSucceeded, f.recordByKey(t, "abc").Status)
}

func TestStartCheckout_FencedFinalizeSurfacesInProgress(t *testing.T) {
	f := newFixture(t)
	f.provider.onCreate = func() {
		rec := f.recordByKey(t, "abc")
		f.mutateRecord(t, rec.ID, func(r *domain.IdempotencyRecord) {
			r.LeaseVersion++
			r.LeaseOwner = "recovery-worker"
		})
	}

	_, err := f.start("abc", proMonthly(), testNow)
	requireCode(t, err, domain.ErrorCodeRequestInProgress)
	assert.Contains(t, f.guardrails.codes(), "billing.lease_fenced")
	assert.Empty(t, f.repo.CheckoutSessions())
	assert.Equal(t, domain.IdempotencyStatusPending, f.recordByKey(t, "abc").Status)
}

func TestOutcomeLabel(t *testing.T) {
	assert.Equal(t, "succeeded", outcomeLabel(nil))
	assert.Equal(t, "request_in_progress", outcomeLabel(requestInProgress("op")))
	assert.Equal(t, "error", outcomeLabel(errors.New("boom")))
}
