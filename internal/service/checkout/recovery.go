package checkout

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/billing/internal/domain"
	"github.com/vladislavdragonenkov/billing/internal/service/checkoutsession"
	"github.com/vladislavdragonenkov/billing/internal/service/idempotency"
)

const metadataKeyRecoveryReason = "recovery_reason"

// replayPlan: повторить вызов или закрыть запись.
type replayPlan struct {
	record    domain.IdempotencyRecord
	frozen    domain.FrozenCheckoutRequest
	failure   *domain.BillingError
	guardrail string
	holdUntil time.Time
}

// RecoverStalePending восстанавливает зависшую pending-запись без участия клиента.
// Исходы из таксономии биллинга (включая REQUEST_IN_PROGRESS) считаются штатными.
func (o *Orchestrator) RecoverStalePending(ctx context.Context, rec domain.IdempotencyRecord, now time.Time) error {
	_, err := o.recover(ctx, rec, now.UTC())
	o.metrics.RecordRecovery(recoveryResult(err))

	logger := o.logger.WithFields(log.Fields{
		"operation_key":      rec.OperationKey,
		"idempotency_row_id": rec.ID,
	})
	if err == nil {
		logger.Info("stale checkout recovered")
		return nil
	}
	if be, ok := domain.AsBillingError(err); ok {
		logger.WithField("failure_code", be.Code).Info("stale checkout resolved")
		return nil
	}
	return err
}

// recover повторно арендует зависшую запись и доводит ее до терминального исхода.
func (o *Orchestrator) recover(ctx context.Context, stale domain.IdempotencyRecord, now time.Time) (domain.CheckoutResponse, error) {
	var result idempotency.RecoverResult
	err := o.repo.WithinTx(ctx, func(ctx context.Context, tx domain.BillingTx) error {
		var err error
		result, err = o.ledger.RecoverPendingRequest(ctx, tx, stale.ID, stale.LeaseVersion, now)
		return err
	})
	if err != nil {
		return domain.CheckoutResponse{}, err
	}
	if !result.Reclaimed {
		return terminalOutcome(result.Record)
	}

	held := result.Record
	flow := recordFlow(held)
	if held.ProviderSessionID != "" {
		return o.finalizeKnownSession(ctx, held, flow, now)
	}

	var plan replayPlan
	err = o.repo.WithinTx(ctx, func(ctx context.Context, tx domain.BillingTx) error {
		plan = replayPlan{record: held}
		return o.planReplay(ctx, tx, &plan, flow, now)
	})
	if err != nil {
		if domain.IsLeaseFenced(err) {
			return domain.CheckoutResponse{}, requestInProgress(held.OperationKey)
		}
		return domain.CheckoutResponse{}, err
	}

	if plan.guardrail != "" {
		fields := log.Fields{"operation_key": held.OperationKey, "idempotency_row_id": held.ID}
		if !plan.holdUntil.IsZero() {
			fields["hold_until"] = plan.holdUntil.Format(time.RFC3339)
		}
		o.guardrail(ctx, plan.guardrail, fields)
	}
	if plan.failure != nil {
		o.logger.WithFields(log.Fields{
			"operation_key": held.OperationKey,
			"failure_code":  plan.failure.Code,
		}).Warn("pending checkout closed during recovery")
		return domain.CheckoutResponse{}, plan.failure
	}

	o.logger.WithFields(log.Fields{
		"operation_key": held.OperationKey,
		"lease_version": plan.record.LeaseVersion,
	}).Info("replaying frozen provider request")
	return o.createThroughProvider(ctx, plan.record, flow, plan.frozen, now)
}

// finalizeKnownSession финализирует запись по уже известной сессии провайдера.
func (o *Orchestrator) finalizeKnownSession(ctx context.Context, held domain.IdempotencyRecord, flow domain.CheckoutFlow, now time.Time) (domain.CheckoutResponse, error) {
	started := time.Now()
	session, err := o.provider.RetrieveCheckoutSession(ctx, held.ProviderSessionID)
	o.metrics.RecordProviderCall("retrieve_checkout_session", providerResult(err), time.Since(started))
	if err != nil {
		return domain.CheckoutResponse{}, o.handleProviderFailure(ctx, held, err, now)
	}
	return o.finalize(ctx, held, flow, session, now)
}

// planReplay решает, можно ли безопасно повторить замороженный вызов.
// Отказы записываются в той же транзакции.
func (o *Orchestrator) planReplay(ctx context.Context, tx domain.BillingTx, plan *replayPlan, flow domain.CheckoutFlow, now time.Time) error {
	held := plan.record

	if !held.HasFrozenRequest() {
		_, err := idempotency.AssertProviderRequestHashStable(held)
		be, _ := domain.AsBillingError(err)
		plan.guardrail = "billing.frozen_request_missing"
		return o.closeRecord(ctx, tx, plan, domain.IdempotencyStatusFailed, be)
	}

	holdUntil := held.ProviderCheckoutSessionExpiresAtUpperBound.Add(o.recoveryGrace)

	if !now.Before(held.ProviderIdempotencyReplayDeadlineAt) {
		if now.Before(holdUntil) {
			if err := o.placeHold(ctx, tx, held, flow, holdUntil, "replay_window_elapsed"); err != nil {
				return err
			}
			plan.holdUntil = holdUntil
		}
		plan.guardrail = "billing.recovery_window_elapsed"
		elapsed := domain.NewBillingError(domain.ErrorCodeRecoveryWindowElapsed,
			"provider idempotency replay window elapsed, checkout outcome cannot be recovered").
			WithDetails(map[string]any{"operationKey": held.OperationKey})
		return o.closeRecord(ctx, tx, plan, domain.IdempotencyStatusExpired, elapsed)
	}

	if err := idempotency.AssertReplayProvenanceCompatible(held, o.provider.SDKProvenance()); err != nil {
		be, ok := domain.AsBillingError(err)
		if !ok {
			return err
		}
		if now.Before(holdUntil) {
			if err := o.placeHold(ctx, tx, held, flow, holdUntil, "provenance_mismatch"); err != nil {
				return err
			}
			plan.holdUntil = holdUntil
		}
		plan.guardrail = "billing.replay_provenance_mismatch"
		return o.closeRecord(ctx, tx, plan, domain.IdempotencyStatusFailed, be)
	}

	frozen, err := idempotency.AssertProviderRequestHashStable(held)
	if err != nil {
		be, ok := domain.AsBillingError(err)
		if !ok {
			return err
		}
		plan.guardrail = "billing.provider_request_hash_mismatch"
		return o.closeRecord(ctx, tx, plan, domain.IdempotencyStatusFailed, be)
	}
	plan.frozen = frozen
	return nil
}

func (o *Orchestrator) closeRecord(
	ctx context.Context,
	tx domain.BillingTx,
	plan *replayPlan,
	status domain.IdempotencyStatus,
	failure *domain.BillingError,
) error {
	var (
		marked domain.IdempotencyRecord
		err    error
	)
	if status == domain.IdempotencyStatusExpired {
		marked, err = o.ledger.MarkExpired(ctx, tx, plan.record.ID, plan.record.LeaseVersion, failure)
	} else {
		marked, err = o.ledger.MarkFailed(ctx, tx, plan.record.ID, plan.record.LeaseVersion, failure)
	}
	if err != nil {
		return err
	}
	plan.record = marked
	plan.failure = idempotency.StoredFailure(marked)
	return nil
}

// placeHold блокирует новые checkout, пока исход неподтвержденного вызова провайдера может проявиться.
func (o *Orchestrator) placeHold(
	ctx context.Context,
	tx domain.BillingTx,
	held domain.IdempotencyRecord,
	flow domain.CheckoutFlow,
	until time.Time,
	reason string,
) error {
	_, err := o.sessions.MarkRecoveryVerificationPending(ctx, tx, checkoutsession.Transition{
		Provider:         o.provider.Name(),
		OperationKey:     held.OperationKey,
		BillableEntityID: held.BillableEntityID,
		IdempotencyRowID: held.ID,
		ExpiresAt:        until,
		Metadata: map[string]string{
			domain.MetadataKeyCheckoutFlow: string(flow),
			metadataKeyRecoveryReason:      reason,
		},
	})
	if err != nil {
		return fmt.Errorf("place recovery verification hold: %w", err)
	}
	return nil
}

// recordFlow восстанавливает тип checkout из нормализованного запроса записи.
func recordFlow(rec domain.IdempotencyRecord) domain.CheckoutFlow {
	var req domain.NormalizedCheckoutRequest
	if err := json.Unmarshal(rec.NormalizedRequestJSON, &req); err == nil && req.CheckoutType == domain.CheckoutFlowOneOff {
		return domain.CheckoutFlowOneOff
	}
	return domain.CheckoutFlowSubscription
}

func recoveryResult(err error) string {
	if err == nil {
		return "succeeded"
	}
	be, ok := domain.AsBillingError(err)
	if !ok {
		return "error"
	}
	if be.Code == domain.ErrorCodeRequestInProgress {
		return "in_progress"
	}
	return "failed"
}
