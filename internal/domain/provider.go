package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ProviderStripe — код провайдера в строках биллинга.
const ProviderStripe = "stripe"

// Статусы checkout-сессии у провайдера.
const (
	ProviderSessionStatusOpen     = "open"
	ProviderSessionStatusComplete = "complete"
	ProviderSessionStatusExpired  = "expired"
)

// ProviderCheckoutSession — checkout-сессия в том виде, в каком её вернул провайдер.
type ProviderCheckoutSession struct {
	ID             string
	Status         string
	PaymentStatus  string
	URL            string
	ExpiresAt      time.Time
	CustomerID     string
	SubscriptionID string
	Metadata       map[string]string
}

// CheckoutProvider — адаптер SDK платёжного провайдера.
type CheckoutProvider interface {
	// Name возвращает код провайдера.
	Name() string
	CreateCheckoutSession(ctx context.Context, req FrozenCheckoutRequest, idempotencyKey string) (ProviderCheckoutSession, error)
	RetrieveCheckoutSession(ctx context.Context, sessionID string) (ProviderCheckoutSession, error)
	ExpireCheckoutSession(ctx context.Context, sessionID string) (ProviderCheckoutSession, error)
	CancelSubscription(ctx context.Context, subscriptionID, idempotencyKey string) error
	SDKProvenance() ProviderProvenance
}

// ProviderErrorClass — класс исхода неуспешного вызова провайдера.
type ProviderErrorClass string

const (
	// ProviderErrorDeterministic — провайдер гарантированно отклонил запрос (4xx кроме 429).
	ProviderErrorDeterministic ProviderErrorClass = "deterministic"
	// ProviderErrorIndeterminate — исход неизвестен (429, 5xx, сеть, таймаут).
	ProviderErrorIndeterminate ProviderErrorClass = "indeterminate"
)

// ProviderError — классифицированная ошибка провайдера.
type ProviderError struct {
	Class      ProviderErrorClass
	StatusCode int
	Code       string
	Message    string
	RequestID  string
	Err        error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error (%s, status=%d, code=%s): %s", e.Class, e.StatusCode, e.Code, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// ClassifyProviderError определяет класс ошибки. Всё, что не распознано, считается неопределённым.
func ClassifyProviderError(err error) ProviderErrorClass {
	var pe *ProviderError
	if errors.As(err, &pe) && pe.Class != "" {
		return pe.Class
	}
	return ProviderErrorIndeterminate
}

// ClassifyHTTPStatus классифицирует ответ провайдера по HTTP-статусу.
func ClassifyHTTPStatus(status int) ProviderErrorClass {
	switch {
	case status == 429:
		return ProviderErrorIndeterminate
	case status >= 400 && status < 500:
		return ProviderErrorDeterministic
	default:
		return ProviderErrorIndeterminate
	}
}

// Типы событий провайдера, которые обрабатывает биллинг.
const (
	ProviderEventCheckoutSessionCompleted = "checkout.session.completed"
	ProviderEventCheckoutSessionExpired   = "checkout.session.expired"
	ProviderEventSubscriptionCreated      = "customer.subscription.created"
	ProviderEventSubscriptionUpdated      = "customer.subscription.updated"
	ProviderEventSubscriptionDeleted      = "customer.subscription.deleted"
)

// ProviderSubscription — подписка в том виде, в каком ее сообщил провайдер.
type ProviderSubscription struct {
	ID               string
	CustomerID       string
	Status           SubscriptionStatus
	CurrentPeriodEnd time.Time
	Metadata         map[string]string
}

// ProviderEvent — проверенное по подписи событие провайдера.
type ProviderEvent struct {
	ID              string
	Type            string
	CreatedAt       time.Time
	CheckoutSession *ProviderCheckoutSession
	Subscription    *ProviderSubscription
}
