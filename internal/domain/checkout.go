package domain

// CheckoutPayload — тело запроса POST /api/billing/checkout.
type CheckoutPayload struct {
	CheckoutType string         `json:"checkoutType"`
	PlanCode     string         `json:"planCode,omitempty"`
	OneOff       *OneOffPayload `json:"oneOff,omitempty"`
	SuccessPath  string         `json:"successPath,omitempty"`
	CancelPath   string         `json:"cancelPath,omitempty"`
}

// OneOffPayload описывает разовый платёж.
type OneOffPayload struct {
	Name        string `json:"name"`
	AmountMinor int64  `json:"amountMinor"`
	Quantity    int64  `json:"quantity,omitempty"`
	Currency    string `json:"currency"`
}

// NormalizedCheckoutRequest — каноническая форма запроса, по которой считается отпечаток.
type NormalizedCheckoutRequest struct {
	CheckoutType CheckoutFlow      `json:"checkoutType" validate:"required,oneof=subscription one_off"`
	PlanCode     string            `json:"planCode,omitempty" validate:"required_if=CheckoutType subscription,max=128"`
	OneOff       *NormalizedOneOff `json:"oneOff,omitempty" validate:"required_if=CheckoutType one_off"`
	SuccessPath  string            `json:"successPath"`
	CancelPath   string            `json:"cancelPath"`
}

// NormalizedOneOff — нормализованный разовый платёж.
type NormalizedOneOff struct {
	Name        string `json:"name" validate:"required,max=250"`
	AmountMinor int64  `json:"amountMinor" validate:"min=1,max=99999999"`
	Quantity    int64  `json:"quantity" validate:"min=1,max=10000"`
	Currency    string `json:"currency" validate:"len=3,alpha"`
}

// CheckoutResponse — ответ оркестратора; сохраняется в леджере и отдаётся дословно при повторе.
type CheckoutResponse struct {
	Provider         string                  `json:"provider"`
	BillableEntityID string                  `json:"billableEntityId"`
	OperationKey     string                  `json:"operationKey"`
	CheckoutType     CheckoutFlow            `json:"checkoutType"`
	CheckoutSession  CheckoutSessionResponse `json:"checkoutSession"`
}

// CheckoutSessionResponse — состояние сессии в ответе клиенту.
type CheckoutSessionResponse struct {
	ProviderCheckoutSessionID string                `json:"providerCheckoutSessionId"`
	Status                    CheckoutSessionStatus `json:"status"`
	ProviderStatus            string                `json:"providerStatus"`
	CheckoutURL               string                `json:"checkoutUrl"`
	ExpiresAt                 string                `json:"expiresAt,omitempty"`
	CustomerID                string                `json:"customerId,omitempty"`
	SubscriptionID            string                `json:"subscriptionId,omitempty"`
}

// ProviderRequestSchemaVersion — версия схемы замороженного запроса.
const ProviderRequestSchemaVersion = 1

// FrozenCheckoutRequest — полностью определённые параметры вызова провайдера.
// Сериализуется канонически и воспроизводится побайтно при восстановлении.
type FrozenCheckoutRequest struct {
	Mode              string                  `json:"mode"`
	LineItems         []FrozenLineItem        `json:"line_items"`
	SuccessURL        string                  `json:"success_url"`
	CancelURL         string                  `json:"cancel_url"`
	Customer          string                  `json:"customer,omitempty"`
	ClientReferenceID string                  `json:"client_reference_id"`
	ExpiresAt         int64                   `json:"expires_at"`
	Metadata          map[string]string       `json:"metadata"`
	SubscriptionData  *FrozenSubscriptionData `json:"subscription_data,omitempty"`
}

// FrozenLineItem — позиция checkout: либо price из каталога, либо price_data для one_off.
type FrozenLineItem struct {
	Price     string           `json:"price,omitempty"`
	Quantity  int64            `json:"quantity"`
	PriceData *FrozenPriceData `json:"price_data,omitempty"`
}

// FrozenPriceData — цена для разового платежа.
type FrozenPriceData struct {
	Currency    string `json:"currency"`
	UnitAmount  int64  `json:"unit_amount"`
	ProductName string `json:"product_name"`
}

// FrozenSubscriptionData — метаданные, которые провайдер перенесёт на подписку.
type FrozenSubscriptionData struct {
	Metadata map[string]string `json:"metadata"`
}

// Ключи метаданных замороженного запроса.
const (
	MetadataKeyOperationKey     = "operation_key"
	MetadataKeyBillableEntityID = "billable_entity_id"
	MetadataKeyIdempotencyRowID = "idempotency_row_id"
	MetadataKeyCheckoutType     = "checkout_type"
	MetadataKeyPlanCode         = "plan_code"
	MetadataKeyPlanVersion      = "plan_version"
)
