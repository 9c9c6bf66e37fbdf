package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/billing/internal/domain"
)

const defaultLeaseTTL = 2 * time.Minute

// LedgerOption настраивает Ledger.
type LedgerOption func(*Ledger)

// WithLeaseTTL задаёт срок аренды pending-записи, после которого она считается зависшей.
func WithLeaseTTL(ttl time.Duration) LedgerOption {
	return func(l *Ledger) {
		if ttl > 0 {
			l.leaseTTL = ttl
		}
	}
}

// WithLedgerLogger задаёт logger.
func WithLedgerLogger(logger *log.Entry) LedgerOption {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithIDGenerator подменяет генератор идентификаторов (для тестов).
func WithIDGenerator(gen func() string) LedgerOption {
	return func(l *Ledger) {
		if gen != nil {
			l.newID = gen
		}
	}
}

// Ledger реализует атомарные примитивы леджера идемпотентности поверх domain.BillingTx.
// Каждая мутация принимает ожидаемую версию аренды и отклоняется при её несовпадении.
type Ledger struct {
	leaseTTL time.Duration
	logger   *log.Entry
	newID    func() string
}

// NewLedger создаёт леджер.
func NewLedger(opts ...LedgerOption) *Ledger {
	l := &Ledger{
		leaseTTL: defaultLeaseTTL,
		logger:   log.WithField("component", "idempotency-ledger"),
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LeaseTTL возвращает срок аренды.
func (l *Ledger) LeaseTTL() time.Duration {
	return l.leaseTTL
}

// ClaimRequest: входные данные claimOrReplay.
type ClaimRequest struct {
	Action                domain.IdempotencyAction
	BillableEntityID      string
	ClientKey             string
	FingerprintHash       string
	NormalizedRequestJSON []byte
	Now                   time.Time
}

// ClaimResult — исход claimOrReplay и строка, к которой он относится.
type ClaimResult struct {
	Outcome domain.ClaimOutcome
	Record  domain.IdempotencyRecord
}

// ClaimOrReplay атомарно (в рамках tx) находит существующую запись или создаёт новую pending-запись.
func (l *Ledger) ClaimOrReplay(ctx context.Context, tx domain.BillingTx, req ClaimRequest) (ClaimResult, error) {
	key := strings.TrimSpace(req.ClientKey)
	if key == "" {
		return ClaimResult{}, domain.NewBillingError(domain.ErrorCodeIdempotencyKeyRequired, "Idempotency-Key header is required")
	}

	existing, err := tx.FindIdempotencyForUpdate(ctx, req.Action, req.BillableEntityID, key)
	switch {
	case err == nil:
		return l.replay(existing, req)
	case !domain.IsNotFound(err):
		return ClaimResult{}, fmt.Errorf("find idempotency record: %w", err)
	}

	pending, err := tx.ListPendingIdempotency(ctx, req.Action, req.BillableEntityID)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("list pending idempotency records: %w", err)
	}
	for _, other := range pending {
		if other.ClientIdempotencyKey != key {
			return ClaimResult{Outcome: domain.ClaimOutcomeCheckoutInProgressOtherKey, Record: other}, nil
		}
	}

	operationKey := l.newID()
	rec := domain.IdempotencyRecord{
		ID:                     l.newID(),
		Action:                 req.Action,
		BillableEntityID:       req.BillableEntityID,
		ClientIdempotencyKey:   key,
		RequestFingerprintHash: req.FingerprintHash,
		NormalizedRequestJSON:  req.NormalizedRequestJSON,
		Status:                 domain.IdempotencyStatusPending,
		LeaseVersion:           1,
		LeaseOwner:             l.newID(),
		LeaseExpiresAt:         req.Now.Add(l.leaseTTL),
		OperationKey:           operationKey,
		ProviderIdempotencyKey: string(req.Action) + ":" + operationKey,
		CreatedAt:              req.Now,
		UpdatedAt:              req.Now,
	}
	if err := tx.InsertIdempotency(ctx, rec); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			// Конкурент вставил ту же строку между чтением и записью.
			return ClaimResult{}, domain.NewBillingError(domain.ErrorCodeRequestInProgress, "request with this idempotency key is in progress").Wrap(err)
		}
		return ClaimResult{}, fmt.Errorf("insert idempotency record: %w", err)
	}

	l.logger.WithFields(log.Fields{
		"idempotency_row_id": rec.ID,
		"operation_key":      rec.OperationKey,
		"billable_entity_id": rec.BillableEntityID,
	}).Debug("idempotency key claimed")

	return ClaimResult{Outcome: domain.ClaimOutcomeClaimed, Record: rec}, nil
}

func (l *Ledger) replay(existing domain.IdempotencyRecord, req ClaimRequest) (ClaimResult, error) {
	if existing.RequestFingerprintHash != req.FingerprintHash {
		return ClaimResult{}, domain.NewBillingError(domain.ErrorCodeIdempotencyKeyReused,
			"idempotency key was already used with a different request").
			WithDetails(map[string]any{"operationKey": existing.OperationKey})
	}

	switch existing.Status {
	case domain.IdempotencyStatusSucceeded:
		return ClaimResult{Outcome: domain.ClaimOutcomeReplaySucceeded, Record: existing}, nil
	case domain.IdempotencyStatusFailed, domain.IdempotencyStatusExpired:
		return ClaimResult{Outcome: domain.ClaimOutcomeReplayTerminal, Record: existing}, nil
	case domain.IdempotencyStatusPending:
		if existing.LeaseStale(req.Now) {
			return ClaimResult{Outcome: domain.ClaimOutcomeRecoverPending, Record: existing}, nil
		}
		return ClaimResult{Outcome: domain.ClaimOutcomeInProgressSameKey, Record: existing}, nil
	default:
		return ClaimResult{}, fmt.Errorf("idempotency record %s has unknown status %q", existing.ID, existing.Status)
	}
}

// StoredFailure восстанавливает сохранённую ошибку терминальной записи.
func StoredFailure(rec domain.IdempotencyRecord) *domain.BillingError {
	code := rec.FailureCode
	if code == "" {
		code = domain.ErrorCodeInternal
	}
	be := domain.NewBillingError(code, rec.FailureReason)
	if len(rec.FailureDetailsJSON) > 0 {
		details := map[string]any{}
		if err := json.Unmarshal(rec.FailureDetailsJSON, &details); err == nil && len(details) > 0 {
			be = be.WithDetails(details)
		}
	}
	return be
}

// mutate блокирует строку, проверяет версию и сохраняет изменения с версией +1.
func (l *Ledger) mutate(
	ctx context.Context,
	tx domain.BillingTx,
	id string,
	expectedLeaseVersion int64,
	apply func(rec *domain.IdempotencyRecord),
) (domain.IdempotencyRecord, error) {
	rec, err := tx.LockIdempotencyByID(ctx, id)
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("lock idempotency record: %w", err)
	}
	if rec.LeaseVersion != expectedLeaseVersion {
		l.logger.WithFields(log.Fields{
			"idempotency_row_id": id,
			"expected_version":   expectedLeaseVersion,
			"actual_version":     rec.LeaseVersion,
		}).Warn("idempotency write fenced")
		return rec, domain.ErrLeaseFenced
	}
	if rec.Status.Terminal() {
		return rec, fmt.Errorf("%w: %w", domain.ErrLeaseFenced, domain.ErrTerminalRecord)
	}

	apply(&rec)
	rec.LeaseVersion = expectedLeaseVersion + 1
	if err := tx.UpdateIdempotency(ctx, rec, expectedLeaseVersion); err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("update idempotency record: %w", err)
	}
	return rec, nil
}

// MarkFailed переводит запись в failed с кодом и деталями ошибки.
func (l *Ledger) MarkFailed(ctx context.Context, tx domain.BillingTx, id string, expectedLeaseVersion int64, failure *domain.BillingError) (domain.IdempotencyRecord, error) {
	return l.markTerminal(ctx, tx, id, expectedLeaseVersion, domain.IdempotencyStatusFailed, failure)
}

// MarkExpired переводит запись в expired (окно восстановления истекло).
func (l *Ledger) MarkExpired(ctx context.Context, tx domain.BillingTx, id string, expectedLeaseVersion int64, failure *domain.BillingError) (domain.IdempotencyRecord, error) {
	return l.markTerminal(ctx, tx, id, expectedLeaseVersion, domain.IdempotencyStatusExpired, failure)
}

func (l *Ledger) markTerminal(
	ctx context.Context,
	tx domain.BillingTx,
	id string,
	expectedLeaseVersion int64,
	status domain.IdempotencyStatus,
	failure *domain.BillingError,
) (domain.IdempotencyRecord, error) {
	if failure == nil {
		return domain.IdempotencyRecord{}, errors.New("failure is required")
	}
	var details []byte
	if len(failure.Details) > 0 {
		encoded, err := json.Marshal(failure.Details)
		if err != nil {
			return domain.IdempotencyRecord{}, fmt.Errorf("marshal failure details: %w", err)
		}
		details = encoded
	}
	return l.mutate(ctx, tx, id, expectedLeaseVersion, func(rec *domain.IdempotencyRecord) {
		rec.Status = status
		rec.FailureCode = failure.Code
		rec.FailureReason = failure.Message
		rec.FailureDetailsJSON = details
		rec.LeaseOwner = ""
	})
}

// MarkSucceeded сохраняет ответ и переводит запись в succeeded.
func (l *Ledger) MarkSucceeded(ctx context.Context, tx domain.BillingTx, id string, expectedLeaseVersion int64, response []byte, providerSessionID string) (domain.IdempotencyRecord, error) {
	return l.mutate(ctx, tx, id, expectedLeaseVersion, func(rec *domain.IdempotencyRecord) {
		rec.Status = domain.IdempotencyStatusSucceeded
		rec.ResponseJSON = response
		if providerSessionID != "" {
			rec.ProviderSessionID = providerSessionID
		}
		rec.LeaseOwner = ""
	})
}

// FrozenRequest — зафиксированный запрос к провайдеру.
type FrozenRequest struct {
	ParamsJSON               []byte
	Hash                     string
	SchemaVersion            int
	Provenance               domain.ProviderProvenance
	FrozenAt                 time.Time
	ReplayDeadlineAt         time.Time
	SessionExpiresUpperBound time.Time
}

// FreezeProviderRequest сохраняет замороженные параметры вызова провайдера.
func (l *Ledger) FreezeProviderRequest(ctx context.Context, tx domain.BillingTx, id string, expectedLeaseVersion int64, frozen FrozenRequest) (domain.IdempotencyRecord, error) {
	return l.mutate(ctx, tx, id, expectedLeaseVersion, func(rec *domain.IdempotencyRecord) {
		rec.ProviderRequestParamsJSON = frozen.ParamsJSON
		rec.ProviderRequestHash = frozen.Hash
		rec.ProviderRequestSchemaVersion = frozen.SchemaVersion
		rec.ProviderSDKName = frozen.Provenance.ProviderSDKName
		rec.ProviderSDKVersion = frozen.Provenance.ProviderSDKVersion
		rec.ProviderAPIVersion = frozen.Provenance.ProviderAPIVersion
		rec.ProviderRequestFrozenAt = frozen.FrozenAt
		rec.ProviderIdempotencyReplayDeadlineAt = frozen.ReplayDeadlineAt
		rec.ProviderCheckoutSessionExpiresAtUpperBound = frozen.SessionExpiresUpperBound
	})
}

// RecordProviderSession запоминает id сессии провайдера, чтобы восстановление шло безопасным путём.
func (l *Ledger) RecordProviderSession(ctx context.Context, tx domain.BillingTx, id string, expectedLeaseVersion int64, providerSessionID string) (domain.IdempotencyRecord, error) {
	return l.mutate(ctx, tx, id, expectedLeaseVersion, func(rec *domain.IdempotencyRecord) {
		rec.ProviderSessionID = providerSessionID
	})
}

// ReleaseLease досрочно освобождает аренду, оставляя запись pending.
// Следующий повтор с тем же ключом сразу попадёт в восстановление.
func (l *Ledger) ReleaseLease(ctx context.Context, tx domain.BillingTx, id string, expectedLeaseVersion int64, now time.Time) (domain.IdempotencyRecord, error) {
	return l.mutate(ctx, tx, id, expectedLeaseVersion, func(rec *domain.IdempotencyRecord) {
		rec.LeaseOwner = ""
		rec.LeaseExpiresAt = now
	})
}

// RecoverResult — результат повторной аренды зависшей записи.
type RecoverResult struct {
	Record domain.IdempotencyRecord
	// Запись снова арендована вызывающим.
	Reclaimed bool
}

// RecoverPendingRequest повторно арендует зависшую pending-запись (новый владелец, версия +1).
// Терминальная запись возвращается как есть; свежая аренда чужого владельца даёт REQUEST_IN_PROGRESS.
func (l *Ledger) RecoverPendingRequest(ctx context.Context, tx domain.BillingTx, id string, expectedLeaseVersion int64, now time.Time) (RecoverResult, error) {
	rec, err := tx.LockIdempotencyByID(ctx, id)
	if err != nil {
		return RecoverResult{}, fmt.Errorf("lock idempotency record: %w", err)
	}
	if rec.Status.Terminal() {
		return RecoverResult{Record: rec}, nil
	}
	if rec.LeaseVersion != expectedLeaseVersion || !rec.LeaseStale(now) {
		return RecoverResult{Record: rec}, domain.NewBillingError(domain.ErrorCodeRequestInProgress,
			"request with this idempotency key is in progress")
	}

	owner := l.newID()
	updated, err := l.mutate(ctx, tx, id, expectedLeaseVersion, func(r *domain.IdempotencyRecord) {
		r.LeaseOwner = owner
		r.LeaseExpiresAt = now.Add(l.leaseTTL)
	})
	if err != nil {
		return RecoverResult{}, err
	}

	l.logger.WithFields(log.Fields{
		"idempotency_row_id": id,
		"operation_key":      updated.OperationKey,
		"lease_version":      updated.LeaseVersion,
	}).Info("stale pending checkout re-leased for recovery")

	return RecoverResult{Record: updated, Reclaimed: true}, nil
}

// AssertReplayProvenanceCompatible проверяет, что текущий SDK совместим с тем, которым заморожен запрос.
// Совпадать должны имя SDK, версия API и мажорная версия SDK.
func AssertReplayProvenanceCompatible(rec domain.IdempotencyRecord, current domain.ProviderProvenance) error {
	mismatch := map[string]any{}
	if rec.ProviderSDKName != current.ProviderSDKName {
		mismatch["providerSdkName"] = map[string]string{"frozen": rec.ProviderSDKName, "runtime": current.ProviderSDKName}
	}
	if rec.ProviderAPIVersion != current.ProviderAPIVersion {
		mismatch["providerApiVersion"] = map[string]string{"frozen": rec.ProviderAPIVersion, "runtime": current.ProviderAPIVersion}
	}
	if majorVersion(rec.ProviderSDKVersion) != majorVersion(current.ProviderSDKVersion) {
		mismatch["providerSdkVersion"] = map[string]string{"frozen": rec.ProviderSDKVersion, "runtime": current.ProviderSDKVersion}
	}
	if len(mismatch) == 0 {
		return nil
	}
	return domain.NewBillingError(domain.ErrorCodeReplayProvenanceMismatch,
		"provider SDK or API version changed since the request was frozen").WithDetails(mismatch)
}

// AssertProviderRequestHashStable пересчитывает хеш замороженного запроса так, как он будет отправлен повторно.
func AssertProviderRequestHashStable(rec domain.IdempotencyRecord) (domain.FrozenCheckoutRequest, error) {
	var frozen domain.FrozenCheckoutRequest
	if !rec.HasFrozenRequest() {
		return frozen, domain.NewBillingError(domain.ErrorCodeConfigurationInvalid, "pending request has no frozen provider request").
			WithDetails(map[string]any{"cause": domain.CauseFrozenRequestMissing})
	}
	mismatch := domain.NewBillingError(domain.ErrorCodeConfigurationInvalid, "frozen provider request no longer reproduces its hash").
		WithDetails(map[string]any{"cause": domain.CauseProviderRequestHashMismatch})

	if err := json.Unmarshal(rec.ProviderRequestParamsJSON, &frozen); err != nil {
		return frozen, mismatch.Wrap(err)
	}
	hash, err := Hash(frozen)
	if err != nil {
		return frozen, mismatch.Wrap(err)
	}
	if hash != rec.ProviderRequestHash {
		return frozen, mismatch
	}
	return frozen, nil
}

func majorVersion(v string) string {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	if i := strings.IndexByte(v, '.'); i >= 0 {
		return v[:i]
	}
	return v
}
