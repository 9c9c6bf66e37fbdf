package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/billing/internal/domain"
	"github.com/vladislavdragonenkov/billing/internal/service/checkoutsession"
)

// EventOption настраивает EventProcessor.
type EventOption func(*EventProcessor)

// WithEventLogger задает logger.
func WithEventLogger(logger *log.Entry) EventOption {
	return func(p *EventProcessor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithEventGuardrails подключает получателя событий guardrail.
func WithEventGuardrails(recorder domain.GuardrailRecorder) EventOption {
	return func(p *EventProcessor) {
		p.guardrails = recorder
	}
}

// WithEventIDGenerator подменяет генератор идентификаторов (для тестов).
func WithEventIDGenerator(gen func() string) EventOption {
	return func(p *EventProcessor) {
		if gen != nil {
			p.newID = gen
		}
	}
}

// EventProcessor применяет проверенные события провайдера к проекциям сессий и подписок.
type EventProcessor struct {
	repo       domain.BillingRepository
	sessions   *checkoutsession.Service
	provider   string
	guardrails domain.GuardrailRecorder
	logger     *log.Entry
	newID      func() string
}

// NewEventProcessor создает обработчик событий провайдера.
func NewEventProcessor(repo domain.BillingRepository, sessions *checkoutsession.Service, opts ...EventOption) *EventProcessor {
	p := &EventProcessor{
		repo:     repo,
		sessions: sessions,
		provider: domain.ProviderStripe,
		logger:   log.WithField("component", "provider-events"),
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process применяет событие. Неизвестные типы и события без локальной строки игнорируются.
func (p *EventProcessor) Process(ctx context.Context, event domain.ProviderEvent) error {
	logger := p.logger.WithFields(log.Fields{"event_id": event.ID, "event_type": event.Type})

	var err error
	switch event.Type {
	case domain.ProviderEventCheckoutSessionCompleted:
		err = p.withSession(ctx, event, p.checkoutCompleted)
	case domain.ProviderEventCheckoutSessionExpired:
		err = p.withSession(ctx, event, p.checkoutExpired)
	case domain.ProviderEventSubscriptionCreated, domain.ProviderEventSubscriptionUpdated:
		err = p.withSubscription(ctx, event, p.subscriptionChanged)
	case domain.ProviderEventSubscriptionDeleted:
		err = p.withSubscription(ctx, event, p.subscriptionDeleted)
	default:
		logger.Debug("provider event ignored")
		return nil
	}

	if domain.IsNotFound(err) {
		logger.Info("provider event has no local checkout session")
		return nil
	}
	if err != nil {
		if be, ok := domain.AsBillingError(err); ok && be.Code == domain.ErrorCodeSessionCorrelationMismatch {
			p.guardrail(ctx, "billing.session_correlation_mismatch", log.Fields{"event_id": event.ID, "details": be.Details})
		}
		return err
	}
	logger.Debug("provider event applied")
	return nil
}

func (p *EventProcessor) withSession(
	ctx context.Context,
	event domain.ProviderEvent,
	apply func(ctx context.Context, tx domain.BillingTx, event domain.ProviderEvent, session domain.ProviderCheckoutSession) error,
) error {
	if event.CheckoutSession == nil || event.CheckoutSession.ID == "" {
		return errors.New("provider event has no checkout session object")
	}
	session := *event.CheckoutSession
	return p.repo.WithinTx(ctx, func(ctx context.Context, tx domain.BillingTx) error {
		return apply(ctx, tx, event, session)
	})
}

func (p *EventProcessor) withSubscription(
	ctx context.Context,
	event domain.ProviderEvent,
	apply func(ctx context.Context, tx domain.BillingTx, event domain.ProviderEvent, sub domain.ProviderSubscription) error,
) error {
	if event.Subscription == nil || event.Subscription.ID == "" {
		return errors.New("provider event has no subscription object")
	}
	sub := *event.Subscription
	return p.repo.WithinTx(ctx, func(ctx context.Context, tx domain.BillingTx) error {
		return apply(ctx, tx, event, sub)
	})
}

func (p *EventProcessor) checkoutCompleted(ctx context.Context, tx domain.BillingTx, event domain.ProviderEvent, session domain.ProviderCheckoutSession) error {
	row, err := p.findSession(ctx, tx, session)
	if err != nil {
		return err
	}
	if err := checkoutsession.AssertCheckoutSessionCorrelation(row, checkoutsession.CorrelationEvent{
		EventID:            event.ID,
		OperationKey:       session.Metadata[domain.MetadataKeyOperationKey],
		BillableEntityID:   session.Metadata[domain.MetadataKeyBillableEntityID],
		ProviderCustomerID: session.CustomerID,
	}); err != nil {
		return err
	}

	t := p.transition(event, session, row)
	t.CompletedAt = event.CreatedAt

	if session.CustomerID != "" {
		if err := tx.UpsertCustomer(ctx, domain.BillingCustomer{
			BillableEntityID:   row.BillableEntityID,
			Provider:           p.provider,
			ProviderCustomerID: session.CustomerID,
			CreatedAt:          event.CreatedAt,
		}); err != nil {
			return fmt.Errorf("upsert billing customer: %w", err)
		}
	}

	if row.Flow() == domain.CheckoutFlowOneOff || p.subscriptionKnown(ctx, tx, session.SubscriptionID) {
		_, err = p.sessions.MarkReconciled(ctx, tx, t)
		return err
	}
	_, err = p.sessions.MarkCompletedPendingSubscription(ctx, tx, t)
	return err
}

func (p *EventProcessor) checkoutExpired(ctx context.Context, tx domain.BillingTx, event domain.ProviderEvent, session domain.ProviderCheckoutSession) error {
	row, err := p.findSession(ctx, tx, session)
	if err != nil {
		return err
	}
	_, err = p.sessions.MarkExpiredOrAbandoned(ctx, tx, domain.CheckoutSessionStatusExpired, p.transition(event, session, row))
	return err
}

// findSession ищет строку по id сессии провайдера, затем по operation key из метаданных.
func (p *EventProcessor) findSession(ctx context.Context, tx domain.BillingTx, session domain.ProviderCheckoutSession) (domain.CheckoutSession, error) {
	row, err := tx.FindCheckoutSessionByProviderID(ctx, p.provider, session.ID)
	if err == nil || !domain.IsNotFound(err) {
		return row, err
	}
	opKey := session.Metadata[domain.MetadataKeyOperationKey]
	if opKey == "" {
		return domain.CheckoutSession{}, domain.ErrNotFound
	}
	return tx.FindCheckoutSessionByOperationKey(ctx, p.provider, opKey)
}

func (p *EventProcessor) transition(event domain.ProviderEvent, session domain.ProviderCheckoutSession, row domain.CheckoutSession) checkoutsession.Transition {
	return checkoutsession.Transition{
		Provider:                  p.provider,
		ProviderCheckoutSessionID: session.ID,
		OperationKey:              row.OperationKey,
		ProviderSubscriptionID:    session.SubscriptionID,
		ProviderCustomerID:        session.CustomerID,
		BillableEntityID:          row.BillableEntityID,
		EventCreatedAt:            event.CreatedAt,
		EventID:                   event.ID,
	}
}

func (p *EventProcessor) subscriptionKnown(ctx context.Context, tx domain.BillingTx, providerSubscriptionID string) bool {
	if providerSubscriptionID == "" {
		return false
	}
	sub, err := tx.FindSubscriptionByProviderID(ctx, p.provider, providerSubscriptionID)
	return err == nil && !sub.Status.Terminal()
}

// subscriptionChanged обновляет проекцию подписки. Вторая действующая подписка того же billable entity
// не становится текущей и уходит в outbox на отмену.
func (p *EventProcessor) subscriptionChanged(ctx context.Context, tx domain.BillingTx, event domain.ProviderEvent, incoming domain.ProviderSubscription) error {
	existing, found, err := p.existingSubscription(ctx, tx, incoming.ID)
	if err != nil {
		return err
	}
	if found && existing.LastProviderEventAt.After(event.CreatedAt) {
		p.logger.WithFields(log.Fields{"event_id": event.ID, "provider_subscription_id": incoming.ID}).
			Debug("stale subscription event ignored")
		return nil
	}

	entityID := incoming.Metadata[domain.MetadataKeyBillableEntityID]
	if found {
		entityID = existing.BillableEntityID
	}
	if entityID == "" {
		p.guardrail(ctx, "billing.subscription_unmapped", log.Fields{"event_id": event.ID, "provider_subscription_id": incoming.ID})
		return nil
	}

	if _, err := tx.LockBillableEntity(ctx, entityID); err != nil {
		return fmt.Errorf("lock billable entity: %w", err)
	}
	subs, err := tx.LockSubscriptions(ctx, entityID)
	if err != nil {
		return fmt.Errorf("lock subscriptions: %w", err)
	}

	sub := domain.Subscription{
		ID:                     existing.ID,
		BillableEntityID:       entityID,
		Provider:               p.provider,
		ProviderSubscriptionID: incoming.ID,
		ProviderCustomerID:     incoming.CustomerID,
		PlanCode:               incoming.Metadata[domain.MetadataKeyPlanCode],
		Status:                 incoming.Status,
		IsCurrent:              !incoming.Status.Terminal(),
		CurrentPeriodEnd:       incoming.CurrentPeriodEnd,
		LastProviderEventAt:    event.CreatedAt,
	}
	if sub.PlanCode == "" {
		sub.PlanCode = existing.PlanCode
	}

	var keep domain.Subscription
	duplicate := false
	if !incoming.Status.Terminal() && (!found || existing.IsCurrent) {
		for _, other := range subs {
			if other.ProviderSubscriptionID != incoming.ID && other.Blocking() {
				keep, duplicate = other, true
				break
			}
		}
	}
	if found && !existing.IsCurrent && !incoming.Status.Terminal() {
		// Однажды признанная дублем подписка не возвращается в текущие.
		sub.IsCurrent = false
	}
	if duplicate {
		sub.IsCurrent = false
	}

	if _, err := tx.UpsertSubscription(ctx, sub); err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}

	if duplicate {
		return p.enqueueDuplicateCancel(ctx, tx, event, sub, keep)
	}
	if sub.IsCurrent {
		_, err := p.sessions.MarkReconciled(ctx, tx, checkoutsession.Transition{
			Provider:               p.provider,
			OperationKey:           incoming.Metadata[domain.MetadataKeyOperationKey],
			ProviderSubscriptionID: incoming.ID,
			ProviderCustomerID:     incoming.CustomerID,
			BillableEntityID:       entityID,
			CompletedAt:            event.CreatedAt,
			EventCreatedAt:         event.CreatedAt,
			EventID:                event.ID,
		})
		if err != nil && !domain.IsNotFound(err) {
			return err
		}
	}
	return nil
}

func (p *EventProcessor) enqueueDuplicateCancel(ctx context.Context, tx domain.BillingTx, event domain.ProviderEvent, dup, keep domain.Subscription) error {
	payload, err := json.Marshal(domain.CancelDuplicateSubscriptionPayload{
		Provider:               p.provider,
		BillableEntityID:       dup.BillableEntityID,
		ProviderSubscriptionID: dup.ProviderSubscriptionID,
		KeepSubscriptionID:     keep.ProviderSubscriptionID,
		Reason:                 "duplicate_subscription",
	})
	if err != nil {
		return fmt.Errorf("marshal cancel payload: %w", err)
	}
	if _, err := tx.EnqueueOutboxJob(ctx, domain.OutboxJob{
		ID:          p.newID(),
		JobType:     domain.OutboxJobCancelDuplicateSubscription,
		PayloadJSON: payload,
	}); err != nil {
		return fmt.Errorf("enqueue duplicate subscription cancel: %w", err)
	}

	p.guardrail(ctx, "billing.duplicate_subscription_detected", log.Fields{
		"event_id":                 event.ID,
		"billable_entity_id":       dup.BillableEntityID,
		"provider_subscription_id": dup.ProviderSubscriptionID,
		"keep_subscription_id":     keep.ProviderSubscriptionID,
	})
	return nil
}

func (p *EventProcessor) subscriptionDeleted(ctx context.Context, tx domain.BillingTx, event domain.ProviderEvent, incoming domain.ProviderSubscription) error {
	existing, found, err := p.existingSubscription(ctx, tx, incoming.ID)
	if err != nil {
		return err
	}
	if !found {
		return domain.ErrNotFound
	}
	if existing.LastProviderEventAt.After(event.CreatedAt) {
		return nil
	}
	existing.Status = domain.SubscriptionStatusCanceled
	existing.IsCurrent = false
	existing.LastProviderEventAt = event.CreatedAt
	if _, err := tx.UpsertSubscription(ctx, existing); err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

func (p *EventProcessor) existingSubscription(ctx context.Context, tx domain.BillingTx, providerSubscriptionID string) (domain.Subscription, bool, error) {
	sub, err := tx.FindSubscriptionByProviderID(ctx, p.provider, providerSubscriptionID)
	switch {
	case err == nil:
		return sub, true, nil
	case domain.IsNotFound(err):
		return domain.Subscription{}, false, nil
	default:
		return domain.Subscription{}, false, fmt.Errorf("find subscription: %w", err)
	}
}

func (p *EventProcessor) guardrail(ctx context.Context, code string, fields log.Fields) {
	if p.guardrails == nil {
		return
	}
	p.guardrails.RecordBillingGuardrail(ctx, domain.GuardrailEvent{
		Code:      code,
		Component: "provider-events",
		Fields:    fields,
	})
}
