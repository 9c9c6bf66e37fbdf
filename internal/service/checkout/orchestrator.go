package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/billing/internal/domain"
	"github.com/vladislavdragonenkov/billing/internal/metrics"
	"github.com/vladislavdragonenkov/billing/internal/service/checkoutsession"
	"github.com/vladislavdragonenkov/billing/internal/service/idempotency"
	"github.com/vladislavdragonenkov/billing/internal/service/policy"
)

const (
	defaultReplayWindow  = 10 * time.Minute
	defaultSessionTTL    = time.Hour
	defaultRecoveryGrace = 5 * time.Minute

	guardrailComponent = "checkout-orchestrator"
)

// EntityResolver разрешает billable entity и право записи для принципала запроса.
type EntityResolver interface {
	ResolveBillableEntityForWriteRequest(ctx context.Context, tx domain.BillingTx, req policy.WriteRequest) (domain.BillableEntity, error)
}

// PriceCatalog — каталог цен, из которого строится замороженный запрос.
type PriceCatalog interface {
	ResolveSubscriptionCheckoutPrices(ctx context.Context, tx domain.BillingTx, planCode string) (domain.Plan, []domain.PlanPrice, error)
	ResolvePhase1SellablePrice(ctx context.Context, tx domain.BillingTx, planCode string) (domain.Plan, domain.PlanPrice, error)
	DeploymentCurrency() string
}

// Dependencies — обязательные зависимости оркестратора.
type Dependencies struct {
	Repository domain.BillingRepository
	Ledger     *idempotency.Ledger
	Sessions   *checkoutsession.Service
	Policy     EntityResolver
	Catalog    PriceCatalog
	Provider   domain.CheckoutProvider
}

func (d Dependencies) validate() error {
	switch {
	case d.Repository == nil:
		return errors.New("billing repository is required")
	case d.Ledger == nil:
		return errors.New("idempotency ledger is required")
	case d.Sessions == nil:
		return errors.New("checkout session service is required")
	case d.Policy == nil:
		return errors.New("billing policy is required")
	case d.Catalog == nil:
		return errors.New("price catalog is required")
	case d.Provider == nil:
		return errors.New("checkout provider is required")
	}
	return nil
}

// Option настраивает Orchestrator.
type Option func(*Orchestrator)

// WithLogger задает logger.
func WithLogger(logger *log.Entry) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics подключает метрики checkout.
func WithMetrics(m *metrics.CheckoutMetrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithGuardrails подключает получателя событий guardrail.
func WithGuardrails(recorder domain.GuardrailRecorder) Option {
	return func(o *Orchestrator) {
		o.guardrails = recorder
	}
}

// WithAppBaseURL задает origin приложения для success/cancel URL.
func WithAppBaseURL(baseURL string) Option {
	return func(o *Orchestrator) {
		if strings.TrimSpace(baseURL) != "" {
			o.appBaseURL = strings.TrimSpace(baseURL)
		}
	}
}

// WithReplayWindow задает окно, в течение которого замороженный запрос можно повторить у провайдера.
func WithReplayWindow(window time.Duration) Option {
	return func(o *Orchestrator) {
		if window > 0 {
			o.replayWindow = window
		}
	}
}

// WithSessionTTL задает срок жизни checkout-сессии у провайдера.
func WithSessionTTL(ttl time.Duration) Option {
	return func(o *Orchestrator) {
		if ttl > 0 {
			o.sessionTTL = ttl
		}
	}
}

// WithRecoveryGrace задает запас к верхней границе срока сессии для hold восстановления.
func WithRecoveryGrace(grace time.Duration) Option {
	return func(o *Orchestrator) {
		if grace > 0 {
			o.recoveryGrace = grace
		}
	}
}

// WithIDGenerator подменяет генератор идентификаторов (для тестов).
func WithIDGenerator(gen func() string) Option {
	return func(o *Orchestrator) {
		if gen != nil {
			o.newID = gen
		}
	}
}

// Orchestrator создает checkout-сессии провайдера с ровно одним видимым эффектом на ключ идемпотентности.
type Orchestrator struct {
	repo       domain.BillingRepository
	ledger     *idempotency.Ledger
	sessions   *checkoutsession.Service
	policy     EntityResolver
	catalog    PriceCatalog
	provider   domain.CheckoutProvider
	guardrails domain.GuardrailRecorder
	metrics    *metrics.CheckoutMetrics
	validator  *requestValidator
	logger     *log.Entry
	newID      func() string

	appBaseURL    string
	replayWindow  time.Duration
	sessionTTL    time.Duration
	recoveryGrace time.Duration
}

// NewOrchestrator создает оркестратор checkout.
func NewOrchestrator(deps Dependencies, opts ...Option) (*Orchestrator, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	o := &Orchestrator{
		repo:          deps.Repository,
		ledger:        deps.Ledger,
		sessions:      deps.Sessions,
		policy:        deps.Policy,
		catalog:       deps.Catalog,
		provider:      deps.Provider,
		validator:     newRequestValidator(),
		logger:        log.WithField("component", guardrailComponent),
		newID:         uuid.NewString,
		appBaseURL:    "http://localhost:3000",
		replayWindow:  defaultReplayWindow,
		sessionTTL:    defaultSessionTTL,
		recoveryGrace: defaultRecoveryGrace,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// StartCheckoutInput описывает запрос на создание checkout.
type StartCheckoutInput struct {
	Actor          string
	WorkspaceID    string
	Payload        domain.CheckoutPayload
	IdempotencyKey string
}

type claimState struct {
	entity  domain.BillableEntity
	outcome domain.ClaimOutcome
	record  domain.IdempotencyRecord
	flow    domain.CheckoutFlow
	frozen  domain.FrozenCheckoutRequest
	failure *domain.BillingError
}

// StartCheckout создает checkout или воспроизводит исход предыдущего запроса с тем же ключом.
func (o *Orchestrator) StartCheckout(ctx context.Context, in StartCheckoutInput, now time.Time) (domain.CheckoutResponse, error) {
	started := time.Now()
	resp, err := o.startCheckout(ctx, in, now.UTC(), true)
	o.metrics.RecordCheckoutDuration(time.Since(started))
	o.metrics.RecordCheckoutOutcome(outcomeLabel(err))
	return resp, err
}

// recoverOther разрешает один раз восстановить зависшую запись под чужим ключом и повторить claim.
func (o *Orchestrator) startCheckout(ctx context.Context, in StartCheckoutInput, now time.Time, recoverOther bool) (domain.CheckoutResponse, error) {
	normalized := normalize(in.Payload)
	normalizedJSON, err := idempotency.CanonicalJSON(normalized)
	if err != nil {
		return domain.CheckoutResponse{}, fmt.Errorf("canonicalize checkout request: %w", err)
	}
	fingerprint := idempotency.HashBytes(normalizedJSON)

	var st claimState
	err = o.repo.WithinTx(ctx, func(ctx context.Context, tx domain.BillingTx) error {
		entity, err := o.policy.ResolveBillableEntityForWriteRequest(ctx, tx, policy.WriteRequest{
			WorkspaceID: in.WorkspaceID,
			UserID:      in.Actor,
		})
		if err != nil {
			return err
		}
		if _, err := tx.LockBillableEntity(ctx, entity.ID); err != nil {
			return fmt.Errorf("lock billable entity: %w", err)
		}
		subs, err := tx.LockSubscriptions(ctx, entity.ID)
		if err != nil {
			return fmt.Errorf("lock subscriptions: %w", err)
		}

		claim, err := o.ledger.ClaimOrReplay(ctx, tx, idempotency.ClaimRequest{
			Action:                domain.IdempotencyActionCheckout,
			BillableEntityID:      entity.ID,
			ClientKey:             in.IdempotencyKey,
			FingerprintHash:       fingerprint,
			NormalizedRequestJSON: normalizedJSON,
			Now:                   now,
		})
		if err != nil {
			return err
		}
		st = claimState{entity: entity, outcome: claim.Outcome, record: claim.Record, flow: normalized.CheckoutType}
		if claim.Outcome != domain.ClaimOutcomeClaimed {
			return nil
		}
		return o.prepare(ctx, tx, &st, normalized, subs, now)
	})
	if err != nil {
		return domain.CheckoutResponse{}, err
	}

	o.metrics.RecordClaimOutcome(string(st.outcome))
	logger := o.logger.WithFields(log.Fields{
		"operation_key":      st.record.OperationKey,
		"billable_entity_id": st.entity.ID,
		"claim_outcome":      st.outcome,
	})

	switch st.outcome {
	case domain.ClaimOutcomeClaimed:
		if st.failure != nil {
			logger.WithField("failure_code", st.failure.Code).Info("checkout rejected before provider call")
			return domain.CheckoutResponse{}, st.failure
		}
		return o.createThroughProvider(ctx, st.record, st.flow, st.frozen, now)
	case domain.ClaimOutcomeReplaySucceeded, domain.ClaimOutcomeReplayTerminal:
		logger.Debug("checkout replayed from idempotency ledger")
		return terminalOutcome(st.record)
	case domain.ClaimOutcomeInProgressSameKey:
		return domain.CheckoutResponse{}, requestInProgress(st.record.OperationKey)
	case domain.ClaimOutcomeCheckoutInProgressOtherKey:
		if recoverOther && st.record.LeaseStale(now) {
			logger.WithField("blocking_operation_key", st.record.OperationKey).Info("recovering stale checkout held under another key")
			if err := o.RecoverStalePending(ctx, st.record, now); err != nil {
				return domain.CheckoutResponse{}, err
			}
			return o.startCheckout(ctx, in, now, false)
		}
		return domain.CheckoutResponse{}, checkoutInProgress(st.record, now)
	case domain.ClaimOutcomeRecoverPending:
		logger.Info("recovering stale pending checkout")
		return o.recover(ctx, st.record, now)
	default:
		return domain.CheckoutResponse{}, fmt.Errorf("unknown claim outcome %q", st.outcome)
	}
}

// prepare выполняется в транзакции claim: проверка ввода, блокирующие сессии и подписки,
// заморозка запроса к провайдеру. Детерминированный отказ записывается в леджер и коммитится.
func (o *Orchestrator) prepare(
	ctx context.Context,
	tx domain.BillingTx,
	st *claimState,
	req domain.NormalizedCheckoutRequest,
	subs []domain.Subscription,
	now time.Time,
) error {
	failure, err := o.freeze(ctx, tx, st, req, subs, now)
	if err != nil {
		return err
	}
	if failure == nil {
		return nil
	}

	marked, err := o.ledger.MarkFailed(ctx, tx, st.record.ID, st.record.LeaseVersion, failure)
	if err != nil {
		return fmt.Errorf("mark checkout failed: %w", err)
	}
	st.record = marked
	st.failure = idempotency.StoredFailure(marked)
	return nil
}

func (o *Orchestrator) freeze(
	ctx context.Context,
	tx domain.BillingTx,
	st *claimState,
	req domain.NormalizedCheckoutRequest,
	subs []domain.Subscription,
	now time.Time,
) (*domain.BillingError, error) {
	if failure := o.validator.Check(req, o.catalog.DeploymentCurrency()); failure != nil {
		return failure, nil
	}

	in := frozenRequestInput{
		Request:          req,
		Record:           st.record,
		AppBaseURL:       o.appBaseURL,
		SessionExpiresAt: now.Add(o.sessionTTL),
	}

	if req.CheckoutType == domain.CheckoutFlowSubscription {
		if _, err := o.sessions.CleanupExpiredBlockingSessions(ctx, tx, st.entity.ID, now); err != nil {
			return nil, err
		}
		blocking, found, err := o.sessions.GetBlockingCheckoutSession(ctx, tx, st.entity.ID, now)
		if err != nil {
			return nil, err
		}
		if found {
			return checkoutsession.BlockingFailure(blocking), nil
		}
		if sub, ok := currentSubscription(subs); ok {
			return subscriptionExists(sub), nil
		}

		plan, price, err := o.catalog.ResolvePhase1SellablePrice(ctx, tx, req.PlanCode)
		if be, ok := domain.AsBillingError(err); ok {
			return be, nil
		}
		if err != nil {
			return nil, err
		}
		in.Plan = plan
		in.Price = price
	}

	customer, err := tx.FindCustomer(ctx, st.entity.ID, o.provider.Name())
	switch {
	case err == nil:
		in.CustomerID = customer.ProviderCustomerID
	case !domain.IsNotFound(err):
		return nil, fmt.Errorf("find billing customer: %w", err)
	}

	frozen := buildFrozenRequest(in)
	params, err := idempotency.CanonicalJSON(frozen)
	if err != nil {
		return nil, fmt.Errorf("canonicalize provider request: %w", err)
	}
	rec, err := o.ledger.FreezeProviderRequest(ctx, tx, st.record.ID, st.record.LeaseVersion, idempotency.FrozenRequest{
		ParamsJSON:               params,
		Hash:                     idempotency.HashBytes(params),
		SchemaVersion:            domain.ProviderRequestSchemaVersion,
		Provenance:               o.provider.SDKProvenance(),
		FrozenAt:                 now,
		ReplayDeadlineAt:         now.Add(o.replayWindow),
		SessionExpiresUpperBound: time.Unix(frozen.ExpiresAt, 0).UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("freeze provider request: %w", err)
	}
	st.record = rec
	st.frozen = frozen
	return nil, nil
}

// createThroughProvider вызывает провайдера вне транзакции и финализирует результат.
func (o *Orchestrator) createThroughProvider(
	ctx context.Context,
	rec domain.IdempotencyRecord,
	flow domain.CheckoutFlow,
	frozen domain.FrozenCheckoutRequest,
	now time.Time,
) (domain.CheckoutResponse, error) {
	o.metrics.RecordProviderInFlightStarted()
	started := time.Now()
	session, err := o.provider.CreateCheckoutSession(ctx, frozen, rec.ProviderIdempotencyKey)
	o.metrics.RecordProviderInFlightFinished()
	o.metrics.RecordProviderCall("create_checkout_session", providerResult(err), time.Since(started))
	if err != nil {
		return domain.CheckoutResponse{}, o.handleProviderFailure(ctx, rec, err, now)
	}
	return o.finalize(ctx, rec, flow, session, now)
}

// handleProviderFailure записывает детерминированный отказ или освобождает аренду при неизвестном исходе.
func (o *Orchestrator) handleProviderFailure(ctx context.Context, rec domain.IdempotencyRecord, callErr error, now time.Time) error {
	logger := o.logger.WithFields(log.Fields{
		"operation_key":      rec.OperationKey,
		"idempotency_row_id": rec.ID,
		"lease_version":      rec.LeaseVersion,
	}).WithError(callErr)

	if domain.ClassifyProviderError(callErr) == domain.ProviderErrorDeterministic {
		var stored *domain.BillingError
		err := o.repo.WithinTx(ctx, func(ctx context.Context, tx domain.BillingTx) error {
			marked, err := o.ledger.MarkFailed(ctx, tx, rec.ID, rec.LeaseVersion, providerFailure(callErr))
			if err != nil {
				return err
			}
			stored = idempotency.StoredFailure(marked)
			return nil
		})
		if domain.IsLeaseFenced(err) {
			o.guardrail(ctx, "billing.lease_fenced", log.Fields{"operation_key": rec.OperationKey, "stage": "provider_rejected"})
			return requestInProgress(rec.OperationKey)
		}
		if err != nil {
			return fmt.Errorf("record provider rejection: %w", err)
		}
		logger.Warn("provider rejected checkout session")
		return stored
	}

	err := o.repo.WithinTx(ctx, func(ctx context.Context, tx domain.BillingTx) error {
		_, err := o.ledger.ReleaseLease(ctx, tx, rec.ID, rec.LeaseVersion, now)
		return err
	})
	switch {
	case domain.IsLeaseFenced(err):
		logger.Info("lease already taken over after indeterminate provider outcome")
	case err != nil:
		logger.WithField("release_error", err.Error()).Error("failed to release checkout lease")
	}
	o.guardrail(ctx, "billing.provider_outcome_indeterminate", log.Fields{
		"operation_key": rec.OperationKey,
		"error":         callErr.Error(),
	})
	logger.Warn("provider outcome is indeterminate, checkout left pending for recovery")
	return requestInProgress(rec.OperationKey)
}

type finalizeResult struct {
	response domain.CheckoutResponse
	failure  *domain.BillingError
}

// finalize проецирует сессию провайдера и закрывает запись леджера.
// Запись должна быть арендована вызывающим с версией rec.LeaseVersion.
func (o *Orchestrator) finalize(
	ctx context.Context,
	rec domain.IdempotencyRecord,
	flow domain.CheckoutFlow,
	session domain.ProviderCheckoutSession,
	now time.Time,
) (domain.CheckoutResponse, error) {
	var result finalizeResult
	err := o.repo.WithinTx(ctx, func(ctx context.Context, tx domain.BillingTx) error {
		if _, err := tx.LockBillableEntity(ctx, rec.BillableEntityID); err != nil {
			return fmt.Errorf("lock billable entity: %w", err)
		}
		subs, err := tx.LockSubscriptions(ctx, rec.BillableEntityID)
		if err != nil {
			return fmt.Errorf("lock subscriptions: %w", err)
		}
		current, err := tx.LockIdempotencyByID(ctx, rec.ID)
		if err != nil {
			return fmt.Errorf("lock idempotency record: %w", err)
		}
		if current.LeaseVersion != rec.LeaseVersion || current.Status.Terminal() {
			return domain.ErrLeaseFenced
		}
		if _, err := tx.LockCheckoutSessions(ctx, rec.BillableEntityID); err != nil {
			return fmt.Errorf("lock checkout sessions: %w", err)
		}

		if err := o.rememberCustomer(ctx, tx, rec.BillableEntityID, session.CustomerID, now); err != nil {
			return err
		}

		if flow == domain.CheckoutFlowSubscription {
			if sub, ok := currentSubscription(subs); ok {
				failure, err := o.abandonForExistingSubscription(ctx, tx, rec, session, sub)
				if err != nil {
					return err
				}
				result.failure = failure
				return nil
			}
		}

		projected, err := o.sessions.ProjectProviderSession(ctx, tx, checkoutsession.ProjectInput{
			BillableEntityID: rec.BillableEntityID,
			IdempotencyRowID: rec.ID,
			OperationKey:     rec.OperationKey,
			Flow:             flow,
			Session:          session,
			Provider:         o.provider.Name(),
		}, now)
		if err != nil {
			return err
		}

		response := o.buildResponse(rec, flow, session, projected)
		body, err := json.Marshal(response)
		if err != nil {
			return fmt.Errorf("marshal checkout response: %w", err)
		}
		if _, err := o.ledger.MarkSucceeded(ctx, tx, rec.ID, rec.LeaseVersion, body, session.ID); err != nil {
			return err
		}
		result.response = response
		return nil
	})

	logger := o.logger.WithFields(log.Fields{
		"operation_key":                rec.OperationKey,
		"billable_entity_id":           rec.BillableEntityID,
		"provider_checkout_session_id": session.ID,
	})
	switch {
	case domain.IsLeaseFenced(err):
		o.guardrail(ctx, "billing.lease_fenced", log.Fields{
			"operation_key":                rec.OperationKey,
			"provider_checkout_session_id": session.ID,
			"stage":                        "finalize",
		})
		logger.Warn("checkout finalize fenced by a newer lease")
		return domain.CheckoutResponse{}, requestInProgress(rec.OperationKey)
	case err != nil:
		o.recordProviderSessionBestEffort(ctx, rec, session.ID)
		o.guardrail(ctx, "billing.finalize_failed", log.Fields{
			"operation_key":                rec.OperationKey,
			"provider_checkout_session_id": session.ID,
			"error":                        err.Error(),
		})
		logger.WithError(err).Error("checkout finalize failed")
		return domain.CheckoutResponse{}, err
	case result.failure != nil:
		logger.WithField("failure_code", result.failure.Code).Info("checkout abandoned, subscription already exists")
		return domain.CheckoutResponse{}, result.failure
	}

	logger.WithField("session_status", result.response.CheckoutSession.Status).Info("checkout session created")
	return result.response, nil
}

// abandonForExistingSubscription закрывает только что созданную сессию, если подписка появилась во время вызова.
func (o *Orchestrator) abandonForExistingSubscription(
	ctx context.Context,
	tx domain.BillingTx,
	rec domain.IdempotencyRecord,
	session domain.ProviderCheckoutSession,
	sub domain.Subscription,
) (*domain.BillingError, error) {
	marked, err := o.ledger.MarkFailed(ctx, tx, rec.ID, rec.LeaseVersion, subscriptionExists(sub))
	if err != nil {
		return nil, err
	}

	if _, err := o.sessions.MarkExpiredOrAbandoned(ctx, tx, domain.CheckoutSessionStatusAbandoned, checkoutsession.Transition{
		Provider:                  o.provider.Name(),
		ProviderCheckoutSessionID: session.ID,
		OperationKey:              rec.OperationKey,
		ProviderCustomerID:        session.CustomerID,
		BillableEntityID:          rec.BillableEntityID,
		IdempotencyRowID:          rec.ID,
		CheckoutURL:               session.URL,
		ExpiresAt:                 session.ExpiresAt,
		Metadata:                  map[string]string{domain.MetadataKeyCheckoutFlow: string(domain.CheckoutFlowSubscription)},
	}); err != nil {
		return nil, err
	}

	if session.Status == domain.ProviderSessionStatusOpen {
		payload, err := json.Marshal(domain.ExpireCheckoutSessionPayload{
			Provider:                  o.provider.Name(),
			ProviderCheckoutSessionID: session.ID,
			OperationKey:              rec.OperationKey,
			BillableEntityID:          rec.BillableEntityID,
			Reason:                    "subscription_exists",
		})
		if err != nil {
			return nil, fmt.Errorf("marshal expire payload: %w", err)
		}
		if _, err := tx.EnqueueOutboxJob(ctx, domain.OutboxJob{
			ID:          o.newID(),
			JobType:     domain.OutboxJobExpireCheckoutSession,
			PayloadJSON: payload,
		}); err != nil {
			return nil, fmt.Errorf("enqueue expire checkout session: %w", err)
		}
	}
	return idempotency.StoredFailure(marked), nil
}

func (o *Orchestrator) rememberCustomer(ctx context.Context, tx domain.BillingTx, billableEntityID, customerID string, now time.Time) error {
	if customerID == "" {
		return nil
	}
	existing, err := tx.FindCustomer(ctx, billableEntityID, o.provider.Name())
	switch {
	case err == nil && existing.ProviderCustomerID == customerID:
		return nil
	case err != nil && !domain.IsNotFound(err):
		return fmt.Errorf("find billing customer: %w", err)
	}
	if err := tx.UpsertCustomer(ctx, domain.BillingCustomer{
		BillableEntityID:   billableEntityID,
		Provider:           o.provider.Name(),
		ProviderCustomerID: customerID,
		CreatedAt:          now,
	}); err != nil {
		return fmt.Errorf("upsert billing customer: %w", err)
	}
	return nil
}

// recordProviderSessionBestEffort запоминает id сессии, чтобы восстановление пошло через retrieve.
func (o *Orchestrator) recordProviderSessionBestEffort(ctx context.Context, rec domain.IdempotencyRecord, sessionID string) {
	if sessionID == "" {
		return
	}
	err := o.repo.WithinTx(ctx, func(ctx context.Context, tx domain.BillingTx) error {
		_, err := o.ledger.RecordProviderSession(ctx, tx, rec.ID, rec.LeaseVersion, sessionID)
		return err
	})
	if err != nil {
		o.logger.WithError(err).WithFields(log.Fields{
			"operation_key":                rec.OperationKey,
			"provider_checkout_session_id": sessionID,
		}).Warn("failed to record provider session id")
	}
}

func (o *Orchestrator) buildResponse(
	rec domain.IdempotencyRecord,
	flow domain.CheckoutFlow,
	session domain.ProviderCheckoutSession,
	projected domain.CheckoutSession,
) domain.CheckoutResponse {
	resp := domain.CheckoutResponse{
		Provider:         o.provider.Name(),
		BillableEntityID: rec.BillableEntityID,
		OperationKey:     rec.OperationKey,
		CheckoutType:     flow,
		CheckoutSession: domain.CheckoutSessionResponse{
			ProviderCheckoutSessionID: session.ID,
			Status:                    projected.Status,
			ProviderStatus:            session.Status,
			CheckoutURL:               session.URL,
			CustomerID:                session.CustomerID,
			SubscriptionID:            session.SubscriptionID,
		},
	}
	if !session.ExpiresAt.IsZero() {
		resp.CheckoutSession.ExpiresAt = session.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func (o *Orchestrator) guardrail(ctx context.Context, code string, fields log.Fields) {
	if o.guardrails == nil {
		return
	}
	o.guardrails.RecordBillingGuardrail(ctx, domain.GuardrailEvent{
		Code:      code,
		Component: guardrailComponent,
		Fields:    fields,
	})
}

// terminalOutcome воспроизводит исход терминальной записи.
func terminalOutcome(rec domain.IdempotencyRecord) (domain.CheckoutResponse, error) {
	if rec.Status != domain.IdempotencyStatusSucceeded {
		return domain.CheckoutResponse{}, idempotency.StoredFailure(rec)
	}
	var resp domain.CheckoutResponse
	if err := json.Unmarshal(rec.ResponseJSON, &resp); err != nil {
		return domain.CheckoutResponse{}, fmt.Errorf("decode stored checkout response: %w", err)
	}
	return resp, nil
}

func currentSubscription(subs []domain.Subscription) (domain.Subscription, bool) {
	for _, sub := range subs {
		if sub.Blocking() {
			return sub, true
		}
	}
	return domain.Subscription{}, false
}

func subscriptionExists(sub domain.Subscription) *domain.BillingError {
	return domain.NewBillingError(domain.ErrorCodeSubscriptionExistsUsePortal,
		"billing account already has a subscription, use the customer portal").
		WithDetails(map[string]any{"providerSubscriptionId": sub.ProviderSubscriptionID})
}

// checkoutInProgress подсказывает клиенту, когда истечет аренда чужой записи.
func checkoutInProgress(other domain.IdempotencyRecord, now time.Time) *domain.BillingError {
	wait := other.LeaseExpiresAt.Sub(now)
	seconds := int((wait + time.Second - 1) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return domain.NewBillingError(domain.ErrorCodeCheckoutInProgress, "another checkout is in progress for this billing account").
		WithDetails(map[string]any{domain.DetailRetryAfterSeconds: seconds})
}

func requestInProgress(operationKey string) *domain.BillingError {
	be := domain.NewBillingError(domain.ErrorCodeRequestInProgress, "request with this idempotency key is in progress")
	if operationKey != "" {
		be = be.WithDetails(map[string]any{"operationKey": operationKey})
	}
	return be
}

func providerFailure(err error) *domain.BillingError {
	details := map[string]any{}
	var pe *domain.ProviderError
	if errors.As(err, &pe) {
		if pe.StatusCode != 0 {
			details["providerStatusCode"] = strconv.Itoa(pe.StatusCode)
		}
		if pe.Code != "" {
			details["providerCode"] = pe.Code
		}
		if pe.RequestID != "" {
			details["providerRequestId"] = pe.RequestID
		}
	}
	return domain.NewBillingError(domain.ErrorCodeProviderError, "payment provider rejected the checkout request").
		WithDetails(details)
}

func providerResult(err error) string {
	if err == nil {
		return "ok"
	}
	return string(domain.ClassifyProviderError(err))
}

func outcomeLabel(err error) string {
	if err == nil {
		return "succeeded"
	}
	if be, ok := domain.AsBillingError(err); ok {
		return strings.ToLower(string(be.Code))
	}
	return "error"
}
