package domain

import (
	"encoding/json"
	"time"
)

// CheckoutSessionStatus — локальный статус checkout-сессии провайдера.
type CheckoutSessionStatus string

const (
	CheckoutSessionStatusOpen                         CheckoutSessionStatus = "open"
	CheckoutSessionStatusRecoveryVerificationPending  CheckoutSessionStatus = "recovery_verification_pending"
	CheckoutSessionStatusCompletedPendingSubscription CheckoutSessionStatus = "completed_pending_subscription"
	CheckoutSessionStatusCompletedReconciled          CheckoutSessionStatus = "completed_reconciled"
	CheckoutSessionStatusExpired                      CheckoutSessionStatus = "expired"
	CheckoutSessionStatusAbandoned                    CheckoutSessionStatus = "abandoned"
)

// Valid проверяет, что статус известен.
func (s CheckoutSessionStatus) Valid() bool {
	_, ok := checkoutSessionTransitions[s]
	return ok
}

// Terminal сообщает, что статус «липкий» и больше не меняется.
func (s CheckoutSessionStatus) Terminal() bool {
	switch s {
	case CheckoutSessionStatusCompletedReconciled, CheckoutSessionStatusExpired, CheckoutSessionStatusAbandoned:
		return true
	default:
		return false
	}
}

// Blocking сообщает, что статус может блокировать новый checkout.
func (s CheckoutSessionStatus) Blocking() bool {
	switch s {
	case CheckoutSessionStatusOpen, CheckoutSessionStatusRecoveryVerificationPending, CheckoutSessionStatusCompletedPendingSubscription:
		return true
	default:
		return false
	}
}

// checkoutSessionTransitions — разрешённые переходы; самопереход обновляет поля.
var checkoutSessionTransitions = map[CheckoutSessionStatus][]CheckoutSessionStatus{
	CheckoutSessionStatusOpen: {
		CheckoutSessionStatusOpen,
		CheckoutSessionStatusCompletedPendingSubscription,
		CheckoutSessionStatusCompletedReconciled,
		CheckoutSessionStatusExpired,
		CheckoutSessionStatusAbandoned,
	},
	CheckoutSessionStatusRecoveryVerificationPending: {
		CheckoutSessionStatusRecoveryVerificationPending,
		CheckoutSessionStatusOpen,
		CheckoutSessionStatusCompletedPendingSubscription,
		CheckoutSessionStatusCompletedReconciled,
		CheckoutSessionStatusExpired,
		CheckoutSessionStatusAbandoned,
	},
	CheckoutSessionStatusCompletedPendingSubscription: {
		CheckoutSessionStatusCompletedPendingSubscription,
		CheckoutSessionStatusCompletedReconciled,
		CheckoutSessionStatusAbandoned,
	},
	CheckoutSessionStatusCompletedReconciled: nil,
	CheckoutSessionStatusExpired:             nil,
	CheckoutSessionStatusAbandoned:           nil,
}

// CanTransitionCheckoutSession проверяет переход по таблице. Пустой from означает новую строку.
func CanTransitionCheckoutSession(from, to CheckoutSessionStatus) bool {
	if !to.Valid() {
		return false
	}
	if from == "" {
		return true
	}
	for _, allowed := range checkoutSessionTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// CheckoutFlow — тип checkout, дискриминант нормализованного запроса и метаданных сессии.
type CheckoutFlow string

const (
	CheckoutFlowSubscription CheckoutFlow = "subscription"
	CheckoutFlowOneOff       CheckoutFlow = "one_off"
)

// Valid проверяет тип checkout.
func (f CheckoutFlow) Valid() bool {
	return f == CheckoutFlowSubscription || f == CheckoutFlowOneOff
}

// MetadataKeyCheckoutFlow — ключ метаданных сессии с типом checkout.
const MetadataKeyCheckoutFlow = "checkout_flow"

// CheckoutSession — локальная проекция checkout-сессии провайдера.
type CheckoutSession struct {
	ID                         string
	BillableEntityID           string
	Provider                   string
	ProviderCheckoutSessionID  string
	IdempotencyRowID           string
	OperationKey               string
	ProviderCustomerID         string
	ProviderSubscriptionID     string
	Status                     CheckoutSessionStatus
	CheckoutURL                string
	ExpiresAt                  time.Time
	CompletedAt                time.Time
	LastProviderEventCreatedAt time.Time
	LastProviderEventID        string
	MetadataJSON               []byte
	CreatedAt                  time.Time
	UpdatedAt                  time.Time
}

// Metadata разбирает MetadataJSON; битые метаданные считаются пустыми.
func (s CheckoutSession) Metadata() map[string]string {
	out := map[string]string{}
	if len(s.MetadataJSON) == 0 {
		return out
	}
	_ = json.Unmarshal(s.MetadataJSON, &out)
	return out
}

// Flow возвращает тип checkout из метаданных (по умолчанию subscription).
func (s CheckoutSession) Flow() CheckoutFlow {
	if CheckoutFlow(s.Metadata()[MetadataKeyCheckoutFlow]) == CheckoutFlowOneOff {
		return CheckoutFlowOneOff
	}
	return CheckoutFlowSubscription
}

// MergeMetadata объединяет метаданные, новые значения перекрывают старые.
func MergeMetadata(existing []byte, patch map[string]string) []byte {
	merged := map[string]string{}
	if len(existing) > 0 {
		_ = json.Unmarshal(existing, &merged)
	}
	for k, v := range patch {
		merged[k] = v
	}
	data, err := json.Marshal(merged)
	if err != nil {
		return existing
	}
	return data
}
