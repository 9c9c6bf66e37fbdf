package checkout

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/billing/internal/domain"
	"github.com/vladislavdragonenkov/billing/internal/service/idempotency"
)

// leavePending оставляет запись pending с замороженным запросом и освобожденной арендой.
func leavePending(t *testing.T, f *fixture, key string) domain.IdempotencyRecord {
	t.Helper()
	f.mock.CreateErrs = []error{indeterminate()}
	_, err := f.start(key, proMonthly(), testNow)
	requireCode(t, err, domain.ErrorCodeRequestInProgress)
	rec := f.recordByKey(t, key)
	require.Equal(t, domain.IdempotencyStatusPending, rec.Status)
	require.True(t, rec.HasFrozenRequest())
	return rec
}

func TestRecovery_HashMismatchFailsClosed(t *testing.T) {
	f := newFixture(t)
	rec := leavePending(t, f, "abc")
	f.mutateRecord(t, rec.ID, func(r *domain.IdempotencyRecord) {
		r.ProviderRequestHash = "0000000000000000000000000000000000000000000000000000000000000000"
	})

	_, err := f.start("abc", proMonthly(), testNow.Add(time.Minute))
	be := requireCode(t, err, domain.ErrorCodeConfigurationInvalid)
	assert.Equal(t, domain.CauseProviderRequestHashMismatch, be.Details["cause"])

	status, ok := domain.HTTPStatus(be)
	require.True(t, ok)
	assert.Equal(t, 409, status)

	require.Len(t, f.mock.CreateCalls, 1, "provider must not be called again")
	assert.Equal(t, domain.IdempotencyStatusFailed, f.recordByKey(t, "abc").Status)
	assert.Contains(t, f.guardrails.codes(), "billing.provider_request_hash_mismatch")

	_, err = f.start("abc", proMonthly(), testNow.Add(2*time.Minute))
	requireCode(t, err, domain.ErrorCodeConfigurationInvalid)
}

func TestRecovery_ReplayWindowElapsedPlacesHold(t *testing.T) {
	f := newFixture(t)
	leavePending(t, f, "abc")

	_, err := f.start("abc", proMonthly(), testNow.Add(11*time.Minute))
	be := requireCode(t, err, domain.ErrorCodeRecoveryWindowElapsed)
	status, _ := domain.HTTPStatus(be)
	assert.Equal(t, 410, status)

	rec := f.recordByKey(t, "abc")
	assert.Equal(t, domain.IdempotencyStatusExpired, rec.Status)
	require.Len(t, f.mock.CreateCalls, 1)

	sessions := f.repo.CheckoutSessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, domain.CheckoutSessionStatusRecoveryVerificationPending, sessions[0].Status)
	assert.Equal(t, testNow.Add(time.Hour+5*time.Minute), sessions[0].ExpiresAt)
	assert.Equal(t, rec.OperationKey, sessions[0].OperationKey)

	_, err = f.start("other", proMonthly(), testNow.Add(12*time.Minute))
	requireCode(t, err, domain.ErrorCodeRecoveryVerificationPending)

	// После окончания hold новый checkout снова возможен.
	_, err = f.start("after-hold", proMonthly(), testNow.Add(2*time.Hour))
	require.NoError(t, err)
}

func TestRecovery_ReplayWindowElapsedAfterUpperBoundSkipsHold(t *testing.T) {
	f := newFixture(t)
	leavePending(t, f, "abc")

	_, err := f.start("abc", proMonthly(), testNow.Add(2*time.Hour))
	requireCode(t, err, domain.ErrorCodeRecoveryWindowElapsed)
	assert.Empty(t, f.repo.CheckoutSessions())
}

func TestRecovery_ProvenanceDriftFailsAfterHold(t *testing.T) {
	f := newFixture(t)
	leavePending(t, f, "abc")
	f.mock.Provenance.ProviderAPIVersion = "mock-2026-01-01"

	_, err := f.start("abc", proMonthly(), testNow.Add(time.Minute))
	be := requireCode(t, err, domain.ErrorCodeReplayProvenanceMismatch)
	assert.Contains(t, be.Details, "providerApiVersion")

	require.Len(t, f.mock.CreateCalls, 1)
	assert.Equal(t, domain.IdempotencyStatusFailed, f.recordByKey(t, "abc").Status)

	sessions := f.repo.CheckoutSessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, domain.CheckoutSessionStatusRecoveryVerificationPending, sessions[0].Status)
	assert.Equal(t, "provenance_mismatch", sessions[0].Metadata()[metadataKeyRecoveryReason])
}

func TestRecovery_KnownProviderSessionIsRetrieved(t *testing.T) {
	f := newFixture(t)
	f.mock.CreateAppliesBeforeErr = true
	rec := leavePending(t, f, "abc")
	f.mutateRecord(t, rec.ID, func(r *domain.IdempotencyRecord) {
		r.ProviderSessionID = "cs_mock_1"
	})

	resp, err := f.start("abc", proMonthly(), testNow.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "cs_mock_1", resp.CheckoutSession.ProviderCheckoutSessionID)
	require.Len(t, f.mock.CreateCalls, 1)
	assert.Equal(t, 1, f.mock.RetrieveCalls)
}

func TestRecovery_CompletedSessionProjectsPendingSubscription(t *testing.T) {
	f := newFixture(t)
	f.mock.CreateAppliesBeforeErr = true
	rec := leavePending(t, f, "abc")
	_, err := f.mock.CompleteSession("cs_mock_1", "cus_1", "")
	require.NoError(t, err)
	f.mutateRecord(t, rec.ID, func(r *domain.IdempotencyRecord) {
		r.ProviderSessionID = "cs_mock_1"
	})

	resp, err := f.start("abc", proMonthly(), testNow.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, domain.CheckoutSessionStatusCompletedPendingSubscription, resp.CheckoutSession.Status)
	assert.Equal(t, "cus_1", resp.CheckoutSession.CustomerID)

	_, err = f.start("next", proMonthly(), testNow.Add(2*time.Minute))
	requireCode(t, err, domain.ErrorCodeCompletionPending)
}

func TestRecovery_FreshLeaseIsNotTakenOver(t *testing.T) {
	f := newFixture(t)
	rec := leavePending(t, f, "abc")
	f.mutateRecord(t, rec.ID, func(r *domain.IdempotencyRecord) {
		r.LeaseExpiresAt = testNow.Add(time.Hour)
	})

	err := f.orch.RecoverStalePending(context.Background(), f.recordByKey(t, "abc"), testNow.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, domain.IdempotencyStatusPending, f.recordByKey(t, "abc").Status)
	require.Len(t, f.mock.CreateCalls, 1)
}

func TestRecovery_FrozenRequestMissing(t *testing.T) {
	f := newFixture(t)
	stale := domain.IdempotencyRecord{
		ID:                     "row-x",
		Action:                 domain.IdempotencyActionCheckout,
		BillableEntityID:       "be-1",
		ClientIdempotencyKey:   "key-x",
		RequestFingerprintHash: "fp",
		Status:                 domain.IdempotencyStatusPending,
		LeaseVersion:           1,
		LeaseExpiresAt:         testNow.Add(-time.Minute),
		OperationKey:           "op-x",
		ProviderIdempotencyKey: "checkout:op-x",
	}
	require.NoError(t, f.repo.WithinTx(context.Background(), func(ctx context.Context, tx domain.BillingTx) error {
		return tx.InsertIdempotency(ctx, stale)
	}))

	require.NoError(t, f.orch.RecoverStalePending(context.Background(), stale, testNow))

	rec := f.recordByKey(t, "key-x")
	assert.Equal(t, domain.IdempotencyStatusFailed, rec.Status)
	assert.Equal(t, domain.ErrorCodeConfigurationInvalid, rec.FailureCode)
	stored := idempotency.StoredFailure(rec)
	assert.Equal(t, domain.CauseFrozenRequestMissing, stored.Details["cause"])
	assert.Empty(t, f.mock.CreateCalls)
}

func TestRecovery_SweeperResolvesStrandedCheckout(t *testing.T) {
	f := newFixture(t)
	f.mock.CreateAppliesBeforeErr = true
	leavePending(t, f, "abc")

	sweeper := idempotency.NewSweepWorker(f.repo, f.orch,
		idempotency.WithClock(func() time.Time { return testNow.Add(time.Minute) }))
	found, err := sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, found)

	rec := f.recordByKey(t, "abc")
	assert.Equal(t, domain.IdempotencyStatusSucceeded, rec.Status)
	require.Len(t, f.mock.CreateCalls, 2)
	assert.Equal(t, 1, f.mock.SessionCount())

	resp, err := f.start("abc", proMonthly(), testNow.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "cs_mock_1", resp.CheckoutSession.ProviderCheckoutSessionID)
}

func TestRecoveryResult(t *testing.T) {
	assert.Equal(t, "succeeded", recoveryResult(nil))
	assert.Equal(t, "in_progress", recoveryResult(requestInProgress("")))
	assert.Equal(t, "failed", recoveryResult(domain.NewBillingError(domain.ErrorCodeProviderError, "x")))
	assert.Equal(t, "error", recoveryResult(context.Canceled))
}
