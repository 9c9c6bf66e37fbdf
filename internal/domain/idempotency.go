package domain

import "time"

// IdempotencyStatus описывает жизненный цикл записи идемпотентности.
type IdempotencyStatus string

const (
	// IdempotencyStatusPending — запрос захвачен и ещё обрабатывается.
	IdempotencyStatusPending IdempotencyStatus = "pending"
	// IdempotencyStatusSucceeded — запрос завершён успешно, ответ сохранён.
	IdempotencyStatusSucceeded IdempotencyStatus = "succeeded"
	// IdempotencyStatusFailed — детерминированная ошибка сохранена и будет воспроизводиться.
	IdempotencyStatusFailed IdempotencyStatus = "failed"
	// IdempotencyStatusExpired — окно восстановления истекло.
	IdempotencyStatusExpired IdempotencyStatus = "expired"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s IdempotencyStatus) Valid() bool {
	switch s {
	case IdempotencyStatusPending, IdempotencyStatusSucceeded, IdempotencyStatusFailed, IdempotencyStatusExpired:
		return true
	default:
		return false
	}
}

// Terminal сообщает, что статус больше не меняется.
func (s IdempotencyStatus) Terminal() bool {
	return s == IdempotencyStatusSucceeded || s == IdempotencyStatusFailed || s == IdempotencyStatusExpired
}

// IdempotencyAction — действие, которое защищает запись идемпотентности.
type IdempotencyAction string

// IdempotencyActionCheckout — создание checkout-сессии.
const IdempotencyActionCheckout IdempotencyAction = "checkout"

// IdempotencyRecord — строка леджера идемпотентности для (action, billable entity, client key).
type IdempotencyRecord struct {
	ID                     string
	Action                 IdempotencyAction
	BillableEntityID       string
	ClientIdempotencyKey   string
	RequestFingerprintHash string
	NormalizedRequestJSON  []byte
	Status                 IdempotencyStatus

	LeaseVersion   int64
	LeaseOwner     string
	LeaseExpiresAt time.Time

	OperationKey           string
	ProviderIdempotencyKey string

	// Замороженный запрос к провайдеру.
	ProviderRequestParamsJSON                  []byte
	ProviderRequestHash                        string
	ProviderRequestSchemaVersion               int
	ProviderSDKName                            string
	ProviderSDKVersion                         string
	ProviderAPIVersion                         string
	ProviderRequestFrozenAt                    time.Time
	ProviderIdempotencyReplayDeadlineAt        time.Time
	ProviderCheckoutSessionExpiresAtUpperBound time.Time

	ProviderSessionID  string
	ResponseJSON       []byte
	FailureCode        ErrorCode
	FailureReason      string
	FailureDetailsJSON []byte

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasFrozenRequest сообщает, что параметры вызова провайдера уже зафиксированы.
func (r IdempotencyRecord) HasFrozenRequest() bool {
	return len(r.ProviderRequestParamsJSON) > 0 && r.ProviderRequestHash != ""
}

// LeaseStale сообщает, что аренда pending-записи истекла.
func (r IdempotencyRecord) LeaseStale(now time.Time) bool {
	return r.Status == IdempotencyStatusPending && !now.Before(r.LeaseExpiresAt)
}

// ClaimOutcome — результат атомарного claimOrReplay.
type ClaimOutcome string

const (
	ClaimOutcomeClaimed                    ClaimOutcome = "claimed"
	ClaimOutcomeReplaySucceeded            ClaimOutcome = "replay_succeeded"
	ClaimOutcomeReplayTerminal             ClaimOutcome = "replay_terminal"
	ClaimOutcomeInProgressSameKey          ClaimOutcome = "in_progress_same_key"
	ClaimOutcomeCheckoutInProgressOtherKey ClaimOutcome = "checkout_in_progress_other_key"
	ClaimOutcomeRecoverPending             ClaimOutcome = "recover_pending"
)

// ProviderProvenance — версия SDK и API провайдера, с которой заморожен запрос.
type ProviderProvenance struct {
	ProviderSDKName    string `json:"providerSdkName"`
	ProviderSDKVersion string `json:"providerSdkVersion"`
	ProviderAPIVersion string `json:"providerApiVersion"`
}
