package domain

import "time"

// BillableEntity — единица тарификации (как правило, workspace).
type BillableEntity struct {
	ID          string
	WorkspaceID string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// WorkspaceRole — роль пользователя в workspace.
type WorkspaceRole string

const (
	WorkspaceRoleOwner  WorkspaceRole = "owner"
	WorkspaceRoleAdmin  WorkspaceRole = "admin"
	WorkspaceRoleMember WorkspaceRole = "member"
)

// CanManageBilling сообщает, может ли роль изменять биллинг.
func (r WorkspaceRole) CanManageBilling() bool {
	return r == WorkspaceRoleOwner || r == WorkspaceRoleAdmin
}

// BillingCustomer связывает billable entity с клиентом провайдера.
type BillingCustomer struct {
	BillableEntityID   string
	Provider           string
	ProviderCustomerID string
	CreatedAt          time.Time
}

// SubscriptionStatus — статус подписки у провайдера.
type SubscriptionStatus string

const (
	SubscriptionStatusIncomplete        SubscriptionStatus = "incomplete"
	SubscriptionStatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
	SubscriptionStatusTrialing          SubscriptionStatus = "trialing"
	SubscriptionStatusActive            SubscriptionStatus = "active"
	SubscriptionStatusPastDue           SubscriptionStatus = "past_due"
	SubscriptionStatusUnpaid            SubscriptionStatus = "unpaid"
	SubscriptionStatusPaused            SubscriptionStatus = "paused"
	SubscriptionStatusCanceled          SubscriptionStatus = "canceled"
)

// Terminal сообщает, что подписка завершена.
func (s SubscriptionStatus) Terminal() bool {
	return s == SubscriptionStatusCanceled || s == SubscriptionStatusIncompleteExpired
}

// Subscription — локальная проекция подписки провайдера.
type Subscription struct {
	ID                     string
	BillableEntityID       string
	Provider               string
	ProviderSubscriptionID string
	ProviderCustomerID     string
	PlanCode               string
	Status                 SubscriptionStatus
	IsCurrent              bool
	CurrentPeriodEnd       time.Time
	LastProviderEventAt    time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Blocking сообщает, что подписка запрещает новый subscription checkout.
func (s Subscription) Blocking() bool {
	return s.IsCurrent && !s.Status.Terminal()
}

// Plan — тарифный план каталога.
type Plan struct {
	Code      string
	Version   int
	Name      string
	Active    bool
	Prices    []PlanPrice
	CreatedAt time.Time
}

// PlanPrice — цена плана у провайдера.
type PlanPrice struct {
	PlanCode        string `json:"planCode"`
	PlanVersion     int    `json:"planVersion"`
	ProviderPriceID string `json:"providerPriceId"`
	Currency        string `json:"currency"`
	AmountMinor     int64  `json:"amountMinor"`
	Interval        string `json:"interval"`
	Quantity        int64  `json:"quantity"`
}
