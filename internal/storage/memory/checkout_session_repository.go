package memory

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/billing/internal/domain"
)

func (t *memoryTx) LockCheckoutSessions(_ context.Context, billableEntityID string) ([]domain.CheckoutSession, error) {
	out := make([]domain.CheckoutSession, 0)
	for _, s := range t.st.sessions {
		if s.BillableEntityID == billableEntityID {
			out = append(out, cloneCheckoutSession(s))
		}
	}
	sortSessions(out)
	return out, nil
}

func (t *memoryTx) FindCheckoutSessionByProviderID(_ context.Context, provider, providerSessionID string) (domain.CheckoutSession, error) {
	return t.findSession(func(s domain.CheckoutSession) bool {
		return providerSessionID != "" && s.Provider == provider && s.ProviderCheckoutSessionID == providerSessionID
	})
}

func (t *memoryTx) FindCheckoutSessionByOperationKey(_ context.Context, provider, operationKey string) (domain.CheckoutSession, error) {
	return t.findSession(func(s domain.CheckoutSession) bool {
		return operationKey != "" && s.Provider == provider && s.OperationKey == operationKey
	})
}

func (t *memoryTx) FindCheckoutSessionBySubscriptionID(_ context.Context, provider, providerSubscriptionID string) (domain.CheckoutSession, error) {
	return t.findSession(func(s domain.CheckoutSession) bool {
		return providerSubscriptionID != "" && s.Provider == provider && s.ProviderSubscriptionID == providerSubscriptionID
	})
}

// UpsertCheckoutSessionByOperationKey создаёт строку или перезаписывает найденную по (provider, operation_key).
func (t *memoryTx) UpsertCheckoutSessionByOperationKey(ctx context.Context, session domain.CheckoutSession) (domain.CheckoutSession, error) {
	now := t.now()
	existing, err := t.FindCheckoutSessionByOperationKey(ctx, session.Provider, session.OperationKey)
	switch {
	case err == nil:
		session.ID = existing.ID
		session.CreatedAt = existing.CreatedAt
	case domain.IsNotFound(err):
		if session.ID == "" {
			session.ID = uuid.NewString()
		}
		session.CreatedAt = now
	default:
		return domain.CheckoutSession{}, err
	}
	if session.ProviderCheckoutSessionID != "" {
		if other, err := t.FindCheckoutSessionByProviderID(ctx, session.Provider, session.ProviderCheckoutSessionID); err == nil && other.ID != session.ID {
			return domain.CheckoutSession{}, domain.ErrAlreadyExists
		}
	}
	session.UpdatedAt = now
	t.st.sessions[session.ID] = cloneCheckoutSession(session)
	return cloneCheckoutSession(session), nil
}

func (t *memoryTx) UpdateCheckoutSession(_ context.Context, session domain.CheckoutSession) error {
	existing, ok := t.st.sessions[session.ID]
	if !ok {
		return domain.ErrNotFound
	}
	session.CreatedAt = existing.CreatedAt
	session.UpdatedAt = t.now()
	t.st.sessions[session.ID] = cloneCheckoutSession(session)
	return nil
}

func (t *memoryTx) findSession(match func(domain.CheckoutSession) bool) (domain.CheckoutSession, error) {
	candidates := make([]domain.CheckoutSession, 0, 1)
	for _, s := range t.st.sessions {
		if match(s) {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return domain.CheckoutSession{}, domain.ErrNotFound
	}
	sortSessions(candidates)
	return cloneCheckoutSession(candidates[len(candidates)-1]), nil
}

func sortSessions(sessions []domain.CheckoutSession) {
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
}

func cloneCheckoutSession(src domain.CheckoutSession) domain.CheckoutSession {
	dst := src
	dst.MetadataJSON = cloneBytes(src.MetadataJSON)
	return dst
}
