package payment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/billing/internal/domain"
)

// MockCreateCall фиксирует вызов CreateCheckoutSession.
type MockCreateCall struct {
	Request        domain.FrozenCheckoutRequest
	IdempotencyKey string
}

// MockProvider — детерминированный in-memory провайдер для dev-режима и тестов.
// Как и реальный провайдер, повтор с тем же ключом идемпотентности возвращает ту же сессию.
type MockProvider struct {
	mu sync.Mutex

	// Ошибки очередных вызовов CreateCheckoutSession, по одной на вызов.
	CreateErrs []error
	// Сессия создается, даже когда вызов завершается ошибкой (потерянный ответ).
	CreateAppliesBeforeErr bool
	RetrieveErr            error
	ExpireErr              error
	CancelErr              error
	Provenance             domain.ProviderProvenance
	BaseURL                string
	Now                    func() time.Time

	CreateCalls   []MockCreateCall
	RetrieveCalls int
	ExpireCalls   []string
	CancelCalls   []string

	seq        int
	sessions   map[string]domain.ProviderCheckoutSession
	byKey      map[string]string
	cancelKeys map[string]string
}

// NewMockProvider возвращает mock с успешным сценарием по умолчанию.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Provenance: domain.ProviderProvenance{
			ProviderSDKName:    "mock",
			ProviderSDKVersion: "v1.0.0",
			ProviderAPIVersion: "mock-2025-01-01",
		},
		BaseURL:    "https://checkout.mock.local/pay/",
		Now:        func() time.Time { return time.Now().UTC() },
		sessions:   map[string]domain.ProviderCheckoutSession{},
		byKey:      map[string]string{},
		cancelKeys: map[string]string{},
	}
}

// Name возвращает код провайдера.
func (m *MockProvider) Name() string {
	return domain.ProviderStripe
}

// SDKProvenance возвращает настроенную версию SDK.
func (m *MockProvider) SDKProvenance() domain.ProviderProvenance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Provenance
}

// CreateCheckoutSession создает сессию или возвращает ранее созданную для того же ключа.
func (m *MockProvider) CreateCheckoutSession(_ context.Context, req domain.FrozenCheckoutRequest, idempotencyKey string) (domain.ProviderCheckoutSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CreateCalls = append(m.CreateCalls, MockCreateCall{Request: req, IdempotencyKey: idempotencyKey})

	var callErr error
	if len(m.CreateErrs) > 0 {
		callErr = m.CreateErrs[0]
		m.CreateErrs = m.CreateErrs[1:]
	}
	if callErr != nil && !m.CreateAppliesBeforeErr {
		return domain.ProviderCheckoutSession{}, callErr
	}

	if id, ok := m.byKey[idempotencyKey]; ok && idempotencyKey != "" {
		if callErr != nil {
			return domain.ProviderCheckoutSession{}, callErr
		}
		return cloneProviderSession(m.sessions[id]), nil
	}

	m.seq++
	id := fmt.Sprintf("cs_mock_%d", m.seq)
	session := domain.ProviderCheckoutSession{
		ID:         id,
		Status:     domain.ProviderSessionStatusOpen,
		URL:        m.BaseURL + id,
		CustomerID: req.Customer,
		Metadata:   cloneStringMap(req.Metadata),
	}
	if req.ExpiresAt > 0 {
		session.ExpiresAt = time.Unix(req.ExpiresAt, 0).UTC()
	} else {
		session.ExpiresAt = m.Now().Add(24 * time.Hour)
	}
	m.sessions[id] = session
	if idempotencyKey != "" {
		m.byKey[idempotencyKey] = id
	}

	if callErr != nil {
		return domain.ProviderCheckoutSession{}, callErr
	}
	return cloneProviderSession(session), nil
}

// RetrieveCheckoutSession возвращает сохраненную сессию.
func (m *MockProvider) RetrieveCheckoutSession(_ context.Context, sessionID string) (domain.ProviderCheckoutSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.RetrieveCalls++
	if m.RetrieveErr != nil {
		return domain.ProviderCheckoutSession{}, m.RetrieveErr
	}
	session, ok := m.sessions[sessionID]
	if !ok {
		return domain.ProviderCheckoutSession{}, missingResource(sessionID)
	}
	return cloneProviderSession(session), nil
}

// ExpireCheckoutSession закрывает open-сессию. Закрытая сессия возвращается как есть.
func (m *MockProvider) ExpireCheckoutSession(_ context.Context, sessionID string) (domain.ProviderCheckoutSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ExpireCalls = append(m.ExpireCalls, sessionID)
	if m.ExpireErr != nil {
		return domain.ProviderCheckoutSession{}, m.ExpireErr
	}
	session, ok := m.sessions[sessionID]
	if !ok {
		return domain.ProviderCheckoutSession{}, missingResource(sessionID)
	}
	if session.Status == domain.ProviderSessionStatusOpen {
		session.Status = domain.ProviderSessionStatusExpired
		m.sessions[sessionID] = session
	}
	return cloneProviderSession(session), nil
}

// CancelSubscription фиксирует отмену; повтор с тем же ключом не считается новой отменой.
func (m *MockProvider) CancelSubscription(_ context.Context, subscriptionID, idempotencyKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CancelErr != nil {
		return m.CancelErr
	}
	if prev, ok := m.cancelKeys[idempotencyKey]; ok && idempotencyKey != "" && prev == subscriptionID {
		return nil
	}
	m.CancelCalls = append(m.CancelCalls, subscriptionID)
	if idempotencyKey != "" {
		m.cancelKeys[idempotencyKey] = subscriptionID
	}
	return nil
}

// CompleteSession имитирует оплату сессии покупателем.
func (m *MockProvider) CompleteSession(sessionID, customerID, subscriptionID string) (domain.ProviderCheckoutSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return domain.ProviderCheckoutSession{}, missingResource(sessionID)
	}
	session.Status = domain.ProviderSessionStatusComplete
	session.PaymentStatus = "paid"
	if customerID != "" {
		session.CustomerID = customerID
	}
	session.SubscriptionID = subscriptionID
	m.sessions[sessionID] = session
	return cloneProviderSession(session), nil
}

// SessionCount возвращает число созданных сессий.
func (m *MockProvider) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func missingResource(id string) error {
	return &domain.ProviderError{
		Class:      domain.ProviderErrorDeterministic,
		StatusCode: 404,
		Code:       "resource_missing",
		Message:    "no such resource: " + id,
		Err:        domain.ErrProviderResourceMissing,
	}
}

func cloneProviderSession(src domain.ProviderCheckoutSession) domain.ProviderCheckoutSession {
	dst := src
	dst.Metadata = cloneStringMap(src.Metadata)
	return dst
}

func cloneStringMap(src map[string]string) map[string]string {
	if src == nil {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

var _ domain.CheckoutProvider = (*MockProvider)(nil)
