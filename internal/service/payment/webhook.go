package payment

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/vladislavdragonenkov/billing/internal/domain"
)

// WebhookBodyLimit ограничивает размер тела webhook.
const WebhookBodyLimit = 1024 * 1024

type stripeCheckoutSessionObject struct {
	ID            string            `json:"id"`
	Status        string            `json:"status"`
	PaymentStatus string            `json:"payment_status"`
	URL           string            `json:"url"`
	ExpiresAt     int64             `json:"expires_at"`
	Customer      string            `json:"customer"`
	Subscription  string            `json:"subscription"`
	Metadata      map[string]string `json:"metadata"`
}

type stripeSubscriptionObject struct {
	ID               string            `json:"id"`
	Customer         string            `json:"customer"`
	Status           string            `json:"status"`
	CurrentPeriodEnd int64             `json:"current_period_end"`
	Metadata         map[string]string `json:"metadata"`
	Items            struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

// ParseWebhookEvent проверяет подпись и разбирает событие Stripe.
// Неизвестные типы событий возвращаются без объекта.
func ParseWebhookEvent(payload []byte, signatureHeader, secret string) (domain.ProviderEvent, error) {
	invalid := domain.NewBillingError(domain.ErrorCodeWebhookSignatureInvalid, "invalid provider signature")
	if signatureHeader == "" || secret == "" {
		return domain.ProviderEvent{}, invalid
	}

	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return domain.ProviderEvent{}, invalid.Wrap(err)
	}

	out := domain.ProviderEvent{
		ID:        event.ID,
		Type:      string(event.Type),
		CreatedAt: time.Unix(event.Created, 0).UTC(),
	}
	if event.Data == nil {
		return out, nil
	}

	switch out.Type {
	case domain.ProviderEventCheckoutSessionCompleted, domain.ProviderEventCheckoutSessionExpired:
		var obj stripeCheckoutSessionObject
		if err := json.Unmarshal(event.Data.Raw, &obj); err != nil {
			return domain.ProviderEvent{}, fmt.Errorf("decode checkout.session: %w", err)
		}
		session := domain.ProviderCheckoutSession{
			ID:             obj.ID,
			Status:         obj.Status,
			PaymentStatus:  obj.PaymentStatus,
			URL:            obj.URL,
			CustomerID:     obj.Customer,
			SubscriptionID: obj.Subscription,
			Metadata:       obj.Metadata,
		}
		if obj.ExpiresAt > 0 {
			session.ExpiresAt = time.Unix(obj.ExpiresAt, 0).UTC()
		}
		out.CheckoutSession = &session
	case domain.ProviderEventSubscriptionCreated, domain.ProviderEventSubscriptionUpdated, domain.ProviderEventSubscriptionDeleted:
		var obj stripeSubscriptionObject
		if err := json.Unmarshal(event.Data.Raw, &obj); err != nil {
			return domain.ProviderEvent{}, fmt.Errorf("decode subscription: %w", err)
		}
		periodEnd := obj.CurrentPeriodEnd
		if periodEnd == 0 && len(obj.Items.Data) > 0 {
			periodEnd = obj.Items.Data[0].CurrentPeriodEnd
		}
		sub := domain.ProviderSubscription{
			ID:         obj.ID,
			CustomerID: obj.Customer,
			Status:     domain.SubscriptionStatus(obj.Status),
			Metadata:   obj.Metadata,
		}
		if periodEnd > 0 {
			sub.CurrentPeriodEnd = time.Unix(periodEnd, 0).UTC()
		}
		out.Subscription = &sub
	}
	return out, nil
}
