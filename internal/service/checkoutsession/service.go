package checkoutsession

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/billing/internal/domain"
)

const defaultOpenGrace = 5 * time.Minute

// Option настраивает Service.
type Option func(*Service)

// WithOpenGrace задает запас после expiresAt, в течение которого open-сессия еще блокирует checkout.
func WithOpenGrace(grace time.Duration) Option {
	return func(s *Service) {
		if grace >= 0 {
			s.openGrace = grace
		}
	}
}

// WithLogger задает logger.
func WithLogger(logger *log.Entry) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Service ведет локальную проекцию checkout-сессий провайдера.
// Все методы работают внутри транзакции вызывающего.
type Service struct {
	openGrace time.Duration
	logger    *log.Entry
}

// NewService создает проекцию.
func NewService(opts ...Option) *Service {
	s := &Service{
		openGrace: defaultOpenGrace,
		logger:    log.WithField("component", "checkout-session"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenGrace возвращает запас блокировки open-сессии.
func (s *Service) OpenGrace() time.Duration {
	return s.openGrace
}

// Transition описывает изменение строки сессии. Пустые поля не перезаписывают сохраненные значения.
type Transition struct {
	Provider                  string
	ProviderCheckoutSessionID string
	OperationKey              string
	ProviderSubscriptionID    string
	ProviderCustomerID        string
	BillableEntityID          string
	IdempotencyRowID          string
	CheckoutURL               string
	ExpiresAt                 time.Time
	CompletedAt               time.Time
	EventCreatedAt            time.Time
	EventID                   string
	Metadata                  map[string]string
}

func (t Transition) provider() string {
	if t.Provider == "" {
		return domain.ProviderStripe
	}
	return t.Provider
}

// GetBlockingCheckoutSession возвращает первую сессию, которая блокирует новый subscription checkout.
// Сессии one_off никогда не блокируют.
func (s *Service) GetBlockingCheckoutSession(ctx context.Context, tx domain.BillingTx, billableEntityID string, now time.Time) (domain.CheckoutSession, bool, error) {
	sessions, err := tx.LockCheckoutSessions(ctx, billableEntityID)
	if err != nil {
		return domain.CheckoutSession{}, false, fmt.Errorf("lock checkout sessions: %w", err)
	}
	for _, session := range sessions {
		if session.Flow() == domain.CheckoutFlowOneOff {
			continue
		}
		if s.blocks(session, now) {
			return session, true, nil
		}
	}
	return domain.CheckoutSession{}, false, nil
}

func (s *Service) blocks(session domain.CheckoutSession, now time.Time) bool {
	switch session.Status {
	case domain.CheckoutSessionStatusCompletedPendingSubscription:
		return true
	case domain.CheckoutSessionStatusOpen:
		return session.ExpiresAt.IsZero() || now.Before(session.ExpiresAt.Add(s.openGrace))
	case domain.CheckoutSessionStatusRecoveryVerificationPending:
		return now.Before(session.ExpiresAt)
	default:
		return false
	}
}

// CleanupExpiredBlockingSessions переводит просроченные open-сессии в expired,
// а истекшие recovery-hold в abandoned. Возвращает число измененных строк.
func (s *Service) CleanupExpiredBlockingSessions(ctx context.Context, tx domain.BillingTx, billableEntityID string, now time.Time) (int, error) {
	sessions, err := tx.LockCheckoutSessions(ctx, billableEntityID)
	if err != nil {
		return 0, fmt.Errorf("lock checkout sessions: %w", err)
	}

	changed := 0
	for _, session := range sessions {
		var to domain.CheckoutSessionStatus
		switch {
		case session.Status == domain.CheckoutSessionStatusOpen &&
			!session.ExpiresAt.IsZero() && !now.Before(session.ExpiresAt.Add(s.openGrace)):
			to = domain.CheckoutSessionStatusExpired
		case session.Status == domain.CheckoutSessionStatusRecoveryVerificationPending &&
			!now.Before(session.ExpiresAt):
			to = domain.CheckoutSessionStatusAbandoned
		default:
			continue
		}

		session.Status = to
		if err := tx.UpdateCheckoutSession(ctx, session); err != nil {
			return changed, fmt.Errorf("update checkout session %s: %w", session.ID, err)
		}
		changed++
		s.logger.WithFields(log.Fields{
			"checkout_session_id": session.ID,
			"operation_key":       session.OperationKey,
			"status":              to,
		}).Info("expired blocking checkout session cleaned up")
	}
	return changed, nil
}

// UpsertBlockingCheckoutSession создает или обновляет строку по (provider, operation key) в блокирующем статусе.
func (s *Service) UpsertBlockingCheckoutSession(ctx context.Context, tx domain.BillingTx, status domain.CheckoutSessionStatus, t Transition) (domain.CheckoutSession, error) {
	if !status.Blocking() {
		return domain.CheckoutSession{}, fmt.Errorf("%w: %s is not a blocking status", domain.ErrInvalidTransition, status)
	}
	if t.OperationKey == "" {
		return domain.CheckoutSession{}, errors.New("operation key is required")
	}

	existing, found, err := s.lookup(ctx, tx, Transition{Provider: t.provider(), OperationKey: t.OperationKey}, false)
	if err != nil {
		return domain.CheckoutSession{}, err
	}
	return s.apply(ctx, tx, existing, found, status, t, false)
}

// MarkCompletedPendingSubscription фиксирует оплату subscription checkout до появления подписки.
func (s *Service) MarkCompletedPendingSubscription(ctx context.Context, tx domain.BillingTx, t Transition) (domain.CheckoutSession, error) {
	return s.mark(ctx, tx, domain.CheckoutSessionStatusCompletedPendingSubscription, t, false)
}

// MarkReconciled фиксирует полностью сверенную сессию. Дополнительно ищет строку по id подписки.
func (s *Service) MarkReconciled(ctx context.Context, tx domain.BillingTx, t Transition) (domain.CheckoutSession, error) {
	if t.CompletedAt.IsZero() {
		t.CompletedAt = t.EventCreatedAt
	}
	return s.mark(ctx, tx, domain.CheckoutSessionStatusCompletedReconciled, t, true)
}

// MarkRecoveryVerificationPending ставит hold на время, пока исход вызова провайдера не проверен.
// Срок существующего hold никогда не сокращается.
func (s *Service) MarkRecoveryVerificationPending(ctx context.Context, tx domain.BillingTx, t Transition) (domain.CheckoutSession, error) {
	return s.mark(ctx, tx, domain.CheckoutSessionStatusRecoveryVerificationPending, t, false)
}

// MarkExpiredOrAbandoned переводит сессию в expired или abandoned.
func (s *Service) MarkExpiredOrAbandoned(ctx context.Context, tx domain.BillingTx, status domain.CheckoutSessionStatus, t Transition) (domain.CheckoutSession, error) {
	if status != domain.CheckoutSessionStatusExpired && status != domain.CheckoutSessionStatusAbandoned {
		return domain.CheckoutSession{}, fmt.Errorf("%w: %s is neither expired nor abandoned", domain.ErrInvalidTransition, status)
	}
	return s.mark(ctx, tx, status, t, false)
}

// ProjectInput содержит результат вызова провайдера для проекции при финализации.
type ProjectInput struct {
	BillableEntityID string
	IdempotencyRowID string
	OperationKey     string
	Flow             domain.CheckoutFlow
	Session          domain.ProviderCheckoutSession
	Provider         string
}

// ProjectProviderSession отображает сессию провайдера на локальную строку.
func (s *Service) ProjectProviderSession(ctx context.Context, tx domain.BillingTx, in ProjectInput, now time.Time) (domain.CheckoutSession, error) {
	status, err := ProjectedStatus(in.Session.Status, in.Flow)
	if err != nil {
		return domain.CheckoutSession{}, err
	}

	t := Transition{
		Provider:                  in.Provider,
		ProviderCheckoutSessionID: in.Session.ID,
		OperationKey:              in.OperationKey,
		ProviderSubscriptionID:    in.Session.SubscriptionID,
		ProviderCustomerID:        in.Session.CustomerID,
		BillableEntityID:          in.BillableEntityID,
		IdempotencyRowID:          in.IdempotencyRowID,
		CheckoutURL:               in.Session.URL,
		ExpiresAt:                 in.Session.ExpiresAt,
		Metadata:                  map[string]string{domain.MetadataKeyCheckoutFlow: string(in.Flow)},
	}
	if status == domain.CheckoutSessionStatusCompletedReconciled || status == domain.CheckoutSessionStatusCompletedPendingSubscription {
		t.CompletedAt = now
	}
	return s.mark(ctx, tx, status, t, false)
}

// ProjectedStatus сопоставляет статус сессии провайдера локальному статусу.
func ProjectedStatus(providerStatus string, flow domain.CheckoutFlow) (domain.CheckoutSessionStatus, error) {
	switch providerStatus {
	case domain.ProviderSessionStatusOpen:
		return domain.CheckoutSessionStatusOpen, nil
	case domain.ProviderSessionStatusComplete:
		if flow == domain.CheckoutFlowOneOff {
			return domain.CheckoutSessionStatusCompletedReconciled, nil
		}
		return domain.CheckoutSessionStatusCompletedPendingSubscription, nil
	case domain.ProviderSessionStatusExpired:
		return domain.CheckoutSessionStatusExpired, nil
	default:
		return "", fmt.Errorf("unsupported provider checkout session status %q", providerStatus)
	}
}

// CorrelationEvent: идентификаторы, которые событие провайдера сообщает о сессии.
type CorrelationEvent struct {
	EventID            string
	OperationKey       string
	BillableEntityID   string
	ProviderCustomerID string
}

// AssertCheckoutSessionCorrelation проверяет, что событие провайдера относится к той же операции,
// тому же billable entity и тому же клиенту, что и найденная по id сессии строка.
func AssertCheckoutSessionCorrelation(session domain.CheckoutSession, event CorrelationEvent) error {
	mismatch := map[string]any{}
	compare := func(field, stored, reported string) {
		if stored != "" && reported != "" && stored != reported {
			mismatch[field] = map[string]string{"stored": stored, "event": reported}
		}
	}
	compare("operationKey", session.OperationKey, event.OperationKey)
	compare("billableEntityId", session.BillableEntityID, event.BillableEntityID)
	compare("providerCustomerId", session.ProviderCustomerID, event.ProviderCustomerID)
	if len(mismatch) == 0 {
		return nil
	}
	mismatch["providerCheckoutSessionId"] = session.ProviderCheckoutSessionID
	if event.EventID != "" {
		mismatch["eventId"] = event.EventID
	}
	return domain.NewBillingError(domain.ErrorCodeSessionCorrelationMismatch,
		"provider event does not match the stored checkout session").WithDetails(mismatch)
}

// BlockingFailure возвращает ошибку, которой отвечают на checkout при блокирующей сессии.
func BlockingFailure(session domain.CheckoutSession) *domain.BillingError {
	switch session.Status {
	case domain.CheckoutSessionStatusOpen:
		return domain.NewBillingError(domain.ErrorCodeSessionOpen, "a checkout session is already open").
			WithDetails(map[string]any{
				"providerCheckoutSessionId": session.ProviderCheckoutSessionID,
				"checkoutUrl":               session.CheckoutURL,
			})
	case domain.CheckoutSessionStatusCompletedPendingSubscription:
		return domain.NewBillingError(domain.ErrorCodeCompletionPending, "previous checkout is completed and waiting for the subscription").
			WithDetails(map[string]any{"providerCheckoutSessionId": session.ProviderCheckoutSessionID})
	case domain.CheckoutSessionStatusRecoveryVerificationPending:
		return domain.NewBillingError(domain.ErrorCodeRecoveryVerificationPending, "previous checkout outcome is being verified").
			WithDetails(map[string]any{"operationKey": session.OperationKey})
	default:
		return domain.NewBillingError(domain.ErrorCodeCheckoutInProgress, "another checkout is in progress")
	}
}

func (s *Service) mark(ctx context.Context, tx domain.BillingTx, status domain.CheckoutSessionStatus, t Transition, bySubscription bool) (domain.CheckoutSession, error) {
	existing, found, err := s.lookup(ctx, tx, t, bySubscription)
	if err != nil {
		return domain.CheckoutSession{}, err
	}
	return s.apply(ctx, tx, existing, found, status, t, status == domain.CheckoutSessionStatusRecoveryVerificationPending)
}

// lookup ищет строку по id сессии провайдера, затем по operation key, затем (опционально) по id подписки.
func (s *Service) lookup(ctx context.Context, tx domain.BillingTx, t Transition, bySubscription bool) (domain.CheckoutSession, bool, error) {
	provider := t.provider()
	finders := make([]func() (domain.CheckoutSession, error), 0, 3)
	if t.ProviderCheckoutSessionID != "" {
		finders = append(finders, func() (domain.CheckoutSession, error) {
			return tx.FindCheckoutSessionByProviderID(ctx, provider, t.ProviderCheckoutSessionID)
		})
	}
	if t.OperationKey != "" {
		finders = append(finders, func() (domain.CheckoutSession, error) {
			return tx.FindCheckoutSessionByOperationKey(ctx, provider, t.OperationKey)
		})
	}
	if bySubscription && t.ProviderSubscriptionID != "" {
		finders = append(finders, func() (domain.CheckoutSession, error) {
			return tx.FindCheckoutSessionBySubscriptionID(ctx, provider, t.ProviderSubscriptionID)
		})
	}

	for _, find := range finders {
		session, err := find()
		if err == nil {
			return session, true, nil
		}
		if !domain.IsNotFound(err) {
			return domain.CheckoutSession{}, false, fmt.Errorf("find checkout session: %w", err)
		}
	}
	return domain.CheckoutSession{}, false, nil
}

func (s *Service) apply(
	ctx context.Context,
	tx domain.BillingTx,
	existing domain.CheckoutSession,
	found bool,
	to domain.CheckoutSessionStatus,
	t Transition,
	keepLaterExpiry bool,
) (domain.CheckoutSession, error) {
	if !found {
		if t.OperationKey == "" {
			return domain.CheckoutSession{}, fmt.Errorf("checkout session for %q: %w", t.ProviderCheckoutSessionID, domain.ErrNotFound)
		}
		existing = domain.CheckoutSession{
			Provider:     t.provider(),
			OperationKey: t.OperationKey,
		}
	}

	if found && existing.Status.Terminal() {
		s.logger.WithFields(log.Fields{
			"checkout_session_id": existing.ID,
			"status":              existing.Status,
			"requested_status":    to,
		}).Debug("checkout session is terminal, write ignored")
		return existing, nil
	}
	if found && !t.EventCreatedAt.IsZero() && existing.LastProviderEventCreatedAt.After(t.EventCreatedAt) {
		s.logger.WithFields(log.Fields{
			"checkout_session_id": existing.ID,
			"event_id":            t.EventID,
		}).Debug("out-of-order provider event ignored")
		return existing, nil
	}
	if !domain.CanTransitionCheckoutSession(existing.Status, to) {
		return domain.CheckoutSession{}, domain.NewBillingError(domain.ErrorCodeSessionTransitionConflict,
			"checkout session transition is not allowed").
			WithDetails(map[string]any{"from": string(existing.Status), "to": string(to)}).
			Wrap(domain.ErrInvalidTransition)
	}

	next := existing
	next.Status = to
	setIfEmpty := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setIfEmpty(&next.ProviderCheckoutSessionID, t.ProviderCheckoutSessionID)
	setIfEmpty(&next.ProviderSubscriptionID, t.ProviderSubscriptionID)
	setIfEmpty(&next.ProviderCustomerID, t.ProviderCustomerID)
	setIfEmpty(&next.BillableEntityID, t.BillableEntityID)
	setIfEmpty(&next.IdempotencyRowID, t.IdempotencyRowID)
	setIfEmpty(&next.CheckoutURL, t.CheckoutURL)
	setIfEmpty(&next.LastProviderEventID, t.EventID)

	if keepLaterExpiry {
		next.ExpiresAt = pickLaterDate(existing.ExpiresAt, t.ExpiresAt)
	} else if !t.ExpiresAt.IsZero() {
		next.ExpiresAt = t.ExpiresAt
	}
	if !t.CompletedAt.IsZero() && next.CompletedAt.IsZero() {
		next.CompletedAt = t.CompletedAt
	}
	if !t.EventCreatedAt.IsZero() {
		next.LastProviderEventCreatedAt = t.EventCreatedAt
	}
	if len(t.Metadata) > 0 || len(next.MetadataJSON) == 0 {
		next.MetadataJSON = domain.MergeMetadata(existing.MetadataJSON, t.Metadata)
	}

	if found {
		if err := tx.UpdateCheckoutSession(ctx, next); err != nil {
			return domain.CheckoutSession{}, fmt.Errorf("update checkout session: %w", err)
		}
	} else {
		saved, err := tx.UpsertCheckoutSessionByOperationKey(ctx, next)
		if err != nil {
			return domain.CheckoutSession{}, fmt.Errorf("upsert checkout session: %w", err)
		}
		next = saved
	}

	s.logger.WithFields(log.Fields{
		"checkout_session_id":          next.ID,
		"provider_checkout_session_id": next.ProviderCheckoutSessionID,
		"operation_key":                next.OperationKey,
		"from":                         existing.Status,
		"to":                           to,
	}).Debug("checkout session projected")
	return next, nil
}

// pickLaterDate возвращает более позднюю из дат; нулевая дата проигрывает.
func pickLaterDate(a, b time.Time) time.Time {
	if a.IsZero() {
		return b
	}
	if b.IsZero() || a.After(b) {
		return a
	}
	return b
}
