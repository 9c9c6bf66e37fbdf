package payment

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/checkout/session"
	"github.com/stripe/stripe-go/v83/subscription"

	"github.com/vladislavdragonenkov/billing/internal/domain"
)

const (
	stripeSDKName   = "stripe-go"
	stripeSDKModule = "github.com/stripe/stripe-go/v83"
)

// StripeOption настраивает StripeProvider.
type StripeOption func(*StripeProvider)

// WithStripeLogger задает logger; он же используется как leveled logger SDK.
func WithStripeLogger(logger *log.Entry) StripeOption {
	return func(p *StripeProvider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithStripeBackend подменяет backend SDK (тестовый сервер).
func WithStripeBackend(backend stripe.Backend) StripeOption {
	return func(p *StripeProvider) {
		p.backend = backend
	}
}

// WithSDKVersion фиксирует версию SDK в provenance вместо версии из build info.
func WithSDKVersion(version string) StripeOption {
	return func(p *StripeProvider) {
		if strings.TrimSpace(version) != "" {
			p.sdkVersion = strings.TrimSpace(version)
		}
	}
}

// WithMaxNetworkRetries задает число сетевых ретраев SDK (с тем же ключом идемпотентности).
func WithMaxNetworkRetries(retries int) StripeOption {
	return func(p *StripeProvider) {
		if retries >= 0 {
			p.maxRetries = int64(retries)
		}
	}
}

// StripeProvider реализует domain.CheckoutProvider поверх stripe-go.
// Клиенты создаются на экземпляр, глобальный stripe.Key не используется.
type StripeProvider struct {
	backend    stripe.Backend
	sessions   session.Client
	subs       subscription.Client
	logger     *log.Entry
	sdkVersion string
	maxRetries int64
}

// NewStripeProvider создает адаптер Stripe.
func NewStripeProvider(secretKey string, opts ...StripeOption) (*StripeProvider, error) {
	if strings.TrimSpace(secretKey) == "" {
		return nil, errors.New("stripe secret key is required")
	}

	p := &StripeProvider{
		logger:     log.WithField("component", "stripe-provider"),
		sdkVersion: detectSDKVersion(),
		maxRetries: 2,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.backend == nil {
		p.backend = stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
			LeveledLogger:     p.logger,
			MaxNetworkRetries: stripe.Int64(p.maxRetries),
		})
	}
	p.sessions = session.Client{B: p.backend, Key: secretKey}
	p.subs = subscription.Client{B: p.backend, Key: secretKey}
	return p, nil
}

// Name возвращает код провайдера.
func (p *StripeProvider) Name() string {
	return domain.ProviderStripe
}

// SDKProvenance возвращает имя и версию SDK и закрепленную версию API.
func (p *StripeProvider) SDKProvenance() domain.ProviderProvenance {
	return domain.ProviderProvenance{
		ProviderSDKName:    stripeSDKName,
		ProviderSDKVersion: p.sdkVersion,
		ProviderAPIVersion: stripe.APIVersion,
	}
}

// CreateCheckoutSession создает checkout-сессию из замороженного запроса.
func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, req domain.FrozenCheckoutRequest, idempotencyKey string) (domain.ProviderCheckoutSession, error) {
	params := checkoutSessionParams(req)
	params.Context = ctx
	if idempotencyKey != "" {
		params.IdempotencyKey = stripe.String(idempotencyKey)
	}

	created, err := p.sessions.New(params)
	if err != nil {
		return domain.ProviderCheckoutSession{}, p.wrap("create checkout session", err)
	}
	return fromStripeSession(created), nil
}

// RetrieveCheckoutSession читает сессию по id.
func (p *StripeProvider) RetrieveCheckoutSession(ctx context.Context, sessionID string) (domain.ProviderCheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	got, err := p.sessions.Get(sessionID, params)
	if err != nil {
		return domain.ProviderCheckoutSession{}, p.wrap("retrieve checkout session", err)
	}
	return fromStripeSession(got), nil
}

// ExpireCheckoutSession закрывает open-сессию. Если сессия уже закрыта, возвращается ее текущее состояние.
func (p *StripeProvider) ExpireCheckoutSession(ctx context.Context, sessionID string) (domain.ProviderCheckoutSession, error) {
	params := &stripe.CheckoutSessionExpireParams{}
	params.Context = ctx
	expired, err := p.sessions.Expire(sessionID, params)
	if err == nil {
		return fromStripeSession(expired), nil
	}

	wrapped := p.wrap("expire checkout session", err)
	if domain.ClassifyProviderError(wrapped) != domain.ProviderErrorDeterministic || errors.Is(wrapped, domain.ErrProviderResourceMissing) {
		return domain.ProviderCheckoutSession{}, wrapped
	}
	current, getErr := p.RetrieveCheckoutSession(ctx, sessionID)
	if getErr != nil || current.Status == domain.ProviderSessionStatusOpen {
		return domain.ProviderCheckoutSession{}, wrapped
	}
	return current, nil
}

// CancelSubscription отменяет подписку немедленно.
func (p *StripeProvider) CancelSubscription(ctx context.Context, subscriptionID, idempotencyKey string) error {
	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx
	if idempotencyKey != "" {
		params.IdempotencyKey = stripe.String(idempotencyKey)
	}
	if _, err := p.subs.Cancel(subscriptionID, params); err != nil {
		return p.wrap("cancel subscription", err)
	}
	return nil
}

func (p *StripeProvider) wrap(op string, err error) error {
	classified := ClassifyStripeError(err)
	var pe *domain.ProviderError
	if errors.As(classified, &pe) {
		p.logger.WithFields(log.Fields{
			"operation":   op,
			"class":       pe.Class,
			"status_code": pe.StatusCode,
			"code":        pe.Code,
			"request_id":  pe.RequestID,
		}).Warn("stripe call failed")
	}
	return fmt.Errorf("%s: %w", op, classified)
}

// ClassifyStripeError приводит ошибку SDK к domain.ProviderError.
// Отказ 4xx (кроме 429) и invalid_request_error детерминированы, остальное считается неопределенным.
// 409 idempotency_error означает, что запрос с тем же ключом ещё выполняется у Stripe,
// и тоже неопределён: повтор с тем же ключом вернёт его результат.
func ClassifyStripeError(err error) error {
	if err == nil {
		return nil
	}

	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		class := domain.ClassifyHTTPStatus(stripeErr.HTTPStatusCode)
		if stripeErr.HTTPStatusCode == 0 && stripeErr.Type == stripe.ErrorTypeInvalidRequest {
			class = domain.ProviderErrorDeterministic
		}
		if stripeErr.Type == stripe.ErrorTypeIdempotency && stripeErr.HTTPStatusCode == http.StatusConflict {
			class = domain.ProviderErrorIndeterminate
		}
		cause := err
		if stripeErr.Code == stripe.ErrorCodeResourceMissing {
			cause = fmt.Errorf("%w: %w", domain.ErrProviderResourceMissing, err)
		}
		return &domain.ProviderError{
			Class:      class,
			StatusCode: stripeErr.HTTPStatusCode,
			Code:       string(stripeErr.Code),
			Message:    stripeErr.Msg,
			RequestID:  stripeErr.RequestID,
			Err:        cause,
		}
	}

	code := "network_error"
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = "timeout"
	case errors.As(err, &netErr) && netErr.Timeout():
		code = "timeout"
	case errors.Is(err, context.Canceled):
		code = "canceled"
	}
	return &domain.ProviderError{
		Class:   domain.ProviderErrorIndeterminate,
		Code:    code,
		Message: err.Error(),
		Err:     err,
	}
}

func checkoutSessionParams(req domain.FrozenCheckoutRequest) *stripe.CheckoutSessionParams {
	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(req.Mode),
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
	}
	if req.ClientReferenceID != "" {
		params.ClientReferenceID = stripe.String(req.ClientReferenceID)
	}
	if req.Customer != "" {
		params.Customer = stripe.String(req.Customer)
	}
	if req.ExpiresAt > 0 {
		params.ExpiresAt = stripe.Int64(req.ExpiresAt)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	for _, item := range req.LineItems {
		line := &stripe.CheckoutSessionLineItemParams{Quantity: stripe.Int64(item.Quantity)}
		if item.Price != "" {
			line.Price = stripe.String(item.Price)
		}
		if item.PriceData != nil {
			line.PriceData = &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(item.PriceData.Currency),
				UnitAmount: stripe.Int64(item.PriceData.UnitAmount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(item.PriceData.ProductName),
				},
			}
		}
		params.LineItems = append(params.LineItems, line)
	}
	if req.SubscriptionData != nil {
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: cloneStringMap(req.SubscriptionData.Metadata),
		}
	}
	return params
}

func fromStripeSession(s *stripe.CheckoutSession) domain.ProviderCheckoutSession {
	if s == nil {
		return domain.ProviderCheckoutSession{}
	}
	out := domain.ProviderCheckoutSession{
		ID:            s.ID,
		Status:        string(s.Status),
		PaymentStatus: string(s.PaymentStatus),
		URL:           s.URL,
		Metadata:      cloneStringMap(s.Metadata),
	}
	if s.ExpiresAt > 0 {
		out.ExpiresAt = time.Unix(s.ExpiresAt, 0).UTC()
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	if s.Subscription != nil {
		out.SubscriptionID = s.Subscription.ID
	}
	return out
}

func detectSDKVersion() string {
	info, ok := debug.ReadBuildInfo()
	if ok {
		for _, dep := range info.Deps {
			if dep.Path == stripeSDKModule && dep.Version != "" && dep.Version != "(devel)" {
				return dep.Version
			}
		}
	}
	return "v83"
}

var _ domain.CheckoutProvider = (*StripeProvider)(nil)
