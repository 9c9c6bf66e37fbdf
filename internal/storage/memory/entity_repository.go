package memory

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/billing/internal/domain"
)

func (t *memoryTx) LockBillableEntity(_ context.Context, id string) (domain.BillableEntity, error) {
	entity, ok := t.st.entities[id]
	if !ok {
		return domain.BillableEntity{}, domain.ErrNotFound
	}
	return entity, nil
}

func (t *memoryTx) FindBillableEntityByWorkspace(_ context.Context, workspaceID string) (domain.BillableEntity, error) {
	for _, entity := range t.st.entities {
		if entity.WorkspaceID == workspaceID {
			return entity, nil
		}
	}
	return domain.BillableEntity{}, domain.ErrNotFound
}

func (t *memoryTx) FindWorkspaceRole(_ context.Context, workspaceID, userID string) (domain.WorkspaceRole, error) {
	role, ok := t.st.members[memberKey(workspaceID, userID)]
	if !ok {
		return "", domain.ErrNotFound
	}
	return role, nil
}

func (t *memoryTx) FindCustomer(_ context.Context, billableEntityID, provider string) (domain.BillingCustomer, error) {
	customer, ok := t.st.customers[customerKey(billableEntityID, provider)]
	if !ok {
		return domain.BillingCustomer{}, domain.ErrNotFound
	}
	return customer, nil
}

func (t *memoryTx) UpsertCustomer(_ context.Context, customer domain.BillingCustomer) error {
	key := customerKey(customer.BillableEntityID, customer.Provider)
	if existing, ok := t.st.customers[key]; ok {
		customer.CreatedAt = existing.CreatedAt
	} else if customer.CreatedAt.IsZero() {
		customer.CreatedAt = t.now()
	}
	t.st.customers[key] = customer
	return nil
}

func (t *memoryTx) LockSubscriptions(_ context.Context, billableEntityID string) ([]domain.Subscription, error) {
	out := make([]domain.Subscription, 0)
	for _, sub := range t.st.subscriptions {
		if sub.BillableEntityID == billableEntityID {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (t *memoryTx) FindSubscriptionByProviderID(_ context.Context, provider, providerSubscriptionID string) (domain.Subscription, error) {
	for _, sub := range t.st.subscriptions {
		if sub.Provider == provider && sub.ProviderSubscriptionID == providerSubscriptionID {
			return sub, nil
		}
	}
	return domain.Subscription{}, domain.ErrNotFound
}

// UpsertSubscription ищет подписку по (provider, provider_subscription_id).
func (t *memoryTx) UpsertSubscription(ctx context.Context, sub domain.Subscription) (domain.Subscription, error) {
	now := t.now()
	if existing, err := t.FindSubscriptionByProviderID(ctx, sub.Provider, sub.ProviderSubscriptionID); err == nil {
		sub.ID = existing.ID
		sub.CreatedAt = existing.CreatedAt
	} else {
		if sub.ID == "" {
			sub.ID = uuid.NewString()
		}
		if sub.CreatedAt.IsZero() {
			sub.CreatedAt = now
		}
	}
	sub.UpdatedAt = now
	t.st.subscriptions[sub.ID] = sub
	return sub, nil
}

func (t *memoryTx) FindPlan(_ context.Context, code string) (domain.Plan, error) {
	plan, ok := t.st.plans[code]
	if !ok {
		return domain.Plan{}, domain.ErrNotFound
	}
	return clonePlan(plan), nil
}

func clonePlan(src domain.Plan) domain.Plan {
	dst := src
	dst.Prices = append([]domain.PlanPrice(nil), src.Prices...)
	return dst
}
