package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode — код ошибки биллинга, видимый клиенту.
type ErrorCode string

const (
	ErrorCodePlanNotFound                ErrorCode = "CHECKOUT_PLAN_NOT_FOUND"
	ErrorCodeConfigurationInvalid        ErrorCode = "CHECKOUT_CONFIGURATION_INVALID"
	ErrorCodeSubscriptionExistsUsePortal ErrorCode = "SUBSCRIPTION_EXISTS_USE_PORTAL"
	ErrorCodeSessionOpen                 ErrorCode = "CHECKOUT_SESSION_OPEN"
	ErrorCodeCheckoutInProgress          ErrorCode = "CHECKOUT_IN_PROGRESS"
	ErrorCodeCompletionPending           ErrorCode = "CHECKOUT_COMPLETION_PENDING"
	ErrorCodeRecoveryVerificationPending ErrorCode = "CHECKOUT_RECOVERY_VERIFICATION_PENDING"
	ErrorCodeRequestInProgress           ErrorCode = "REQUEST_IN_PROGRESS"
	ErrorCodeProviderError               ErrorCode = "CHECKOUT_PROVIDER_ERROR"
	ErrorCodeRecoveryWindowElapsed       ErrorCode = "CHECKOUT_RECOVERY_WINDOW_ELAPSED"
	ErrorCodeReplayProvenanceMismatch    ErrorCode = "CHECKOUT_REPLAY_PROVENANCE_MISMATCH"
	ErrorCodeIdempotencyKeyRequired      ErrorCode = "IDEMPOTENCY_KEY_REQUIRED"
	ErrorCodeIdempotencyKeyReused        ErrorCode = "IDEMPOTENCY_KEY_REUSED"
	ErrorCodeLeaseFenced                 ErrorCode = "BILLING_LEASE_FENCED"
	ErrorCodeForbidden                   ErrorCode = "BILLING_FORBIDDEN"
	ErrorCodeBillableEntityNotFound      ErrorCode = "BILLABLE_ENTITY_NOT_FOUND"
	ErrorCodeInvalidRequest              ErrorCode = "INVALID_REQUEST"
	ErrorCodeSessionCorrelationMismatch  ErrorCode = "CHECKOUT_SESSION_CORRELATION_MISMATCH"
	ErrorCodeSessionTransitionConflict   ErrorCode = "CHECKOUT_SESSION_TRANSITION_CONFLICT"
	ErrorCodeWebhookSignatureInvalid     ErrorCode = "WEBHOOK_SIGNATURE_INVALID"
	ErrorCodeInternal                    ErrorCode = "INTERNAL_ERROR"
)

// Причины CHECKOUT_CONFIGURATION_INVALID, при которых ответ 409 вместо 400.
const (
	CauseProviderRequestHashMismatch = "provider_request_hash_mismatch"
	CauseFrozenRequestMissing        = "frozen_request_missing"
)

// DetailRetryAfterSeconds — через сколько секунд клиенту имеет смысл повторить запрос.
const DetailRetryAfterSeconds = "retryAfterSeconds"

// RetryAfter возвращает подсказку повтора из деталей ошибки.
func (e *BillingError) RetryAfter() (int, bool) {
	if e == nil {
		return 0, false
	}
	switch v := e.Details[DetailRetryAfterSeconds].(type) {
	case int:
		return v, v > 0
	case float64:
		return int(v), v > 0
	default:
		return 0, false
	}
}

// BillingError — ошибка из таксономии биллинга с деталями для клиента.
type BillingError struct {
	Code    ErrorCode
	Message string
	Details map[string]any
	Err     error
}

// NewBillingError создаёт ошибку с кодом и сообщением.
func NewBillingError(code ErrorCode, message string) *BillingError {
	return &BillingError{Code: code, Message: message}
}

// WithDetails возвращает копию ошибки с добавленными деталями.
func (e *BillingError) WithDetails(details map[string]any) *BillingError {
	cp := *e
	cp.Details = make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	for k, v := range details {
		cp.Details[k] = v
	}
	return &cp
}

// Wrap прикрепляет причину.
func (e *BillingError) Wrap(err error) *BillingError {
	cp := *e
	cp.Err = err
	return &cp
}

func (e *BillingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *BillingError) Unwrap() error {
	return e.Err
}

// Is сравнивает ошибки биллинга по коду.
func (e *BillingError) Is(target error) bool {
	var other *BillingError
	if errors.As(target, &other) {
		return other.Code == e.Code && other.Message == ""
	}
	return false
}

// AsBillingError извлекает BillingError из цепочки ошибок.
func AsBillingError(err error) (*BillingError, bool) {
	var be *BillingError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// HasCode проверяет код ошибки биллинга в цепочке.
func HasCode(err error, code ErrorCode) bool {
	be, ok := AsBillingError(err)
	return ok && be.Code == code
}

// HTTPStatus возвращает HTTP-статус для ошибки биллинга.
// Для неизвестного кода возвращается false: вызывающий обязан считать это внутренней ошибкой.
func HTTPStatus(err *BillingError) (int, bool) {
	if err == nil {
		return 0, false
	}
	switch err.Code {
	case ErrorCodeConfigurationInvalid:
		cause, _ := err.Details["cause"].(string)
		if cause == CauseProviderRequestHashMismatch || cause == CauseFrozenRequestMissing {
			return http.StatusConflict, true
		}
		return http.StatusBadRequest, true
	}
	return StatusForCode(err.Code)
}

// StatusForCode сопоставляет код таксономии HTTP-статусу.
func StatusForCode(code ErrorCode) (int, bool) {
	switch code {
	case ErrorCodePlanNotFound, ErrorCodeBillableEntityNotFound:
		return http.StatusNotFound, true
	case ErrorCodeConfigurationInvalid, ErrorCodeIdempotencyKeyRequired, ErrorCodeInvalidRequest,
		ErrorCodeWebhookSignatureInvalid:
		return http.StatusBadRequest, true
	case ErrorCodeSubscriptionExistsUsePortal,
		ErrorCodeSessionOpen,
		ErrorCodeCheckoutInProgress,
		ErrorCodeCompletionPending,
		ErrorCodeRecoveryVerificationPending,
		ErrorCodeRequestInProgress,
		ErrorCodeReplayProvenanceMismatch,
		ErrorCodeIdempotencyKeyReused,
		ErrorCodeLeaseFenced,
		ErrorCodeSessionCorrelationMismatch,
		ErrorCodeSessionTransitionConflict:
		return http.StatusConflict, true
	case ErrorCodeProviderError:
		return http.StatusBadGateway, true
	case ErrorCodeRecoveryWindowElapsed:
		return http.StatusGone, true
	case ErrorCodeForbidden:
		return http.StatusForbidden, true
	case ErrorCodeInternal:
		return http.StatusInternalServerError, true
	default:
		return 0, false
	}
}
