package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/vladislavdragonenkov/billing/internal/domain"
	"github.com/vladislavdragonenkov/billing/internal/service/checkout"
)

type stubStarter struct {
	calls []checkout.StartCheckoutInput
	resp  domain.CheckoutResponse
	err   error
}

func (s *stubStarter) StartCheckout(_ context.Context, in checkout.StartCheckoutInput, _ time.Time) (domain.CheckoutResponse, error) {
	s.calls = append(s.calls, in)
	return s.resp, s.err
}

type stubEvents struct {
	events []domain.ProviderEvent
	err    error
}

func (s *stubEvents) Process(_ context.Context, event domain.ProviderEvent) error {
	s.events = append(s.events, event)
	return s.err
}

type stubGuardrails struct {
	events []domain.GuardrailEvent
}

func (s *stubGuardrails) RecordBillingGuardrail(_ context.Context, event domain.GuardrailEvent) {
	s.events = append(s.events, event)
}

func checkoutRequest(body string, headers map[string]string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/billing/checkout", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req
}

func defaultHeaders() map[string]string {
	return map[string]string{
		HeaderIdempotencyKey: "key-1",
		HeaderWorkspaceID:    "ws-1",
		HeaderUserID:         "user-1",
	}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error
}

func TestCheckout_Success(t *testing.T) {
	starter := &stubStarter{resp: domain.CheckoutResponse{
		Provider:         "stripe",
		BillableEntityID: "be-1",
		OperationKey:     "op-1",
		CheckoutType:     domain.CheckoutFlowSubscription,
		CheckoutSession: domain.CheckoutSessionResponse{
			ProviderCheckoutSessionID: "cs_1",
			Status:                    domain.CheckoutSessionStatusOpen,
			CheckoutURL:               "https://checkout.stripe.test/cs_1",
		},
	}}
	handler := NewHandler(starter).Routes()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, checkoutRequest(`{"checkoutType":"subscription","planCode":"pro_monthly"}`, defaultHeaders()))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, starter.calls, 1)
	in := starter.calls[0]
	assert.Equal(t, "key-1", in.IdempotencyKey)
	assert.Equal(t, "ws-1", in.WorkspaceID)
	assert.Equal(t, "user-1", in.Actor)
	assert.Equal(t, "pro_monthly", in.Payload.PlanCode)

	var resp domain.CheckoutResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "cs_1", resp.CheckoutSession.ProviderCheckoutSessionID)
	assert.Equal(t, "op-1", resp.OperationKey)
}

func TestCheckout_MissingIdempotencyKey(t *testing.T) {
	starter := &stubStarter{}
	headers := defaultHeaders()
	delete(headers, HeaderIdempotencyKey)

	rec := httptest.NewRecorder()
	NewHandler(starter).Routes().ServeHTTP(rec, checkoutRequest(`{"checkoutType":"subscription"}`, headers))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, domain.ErrorCodeIdempotencyKeyRequired, decodeError(t, rec).Code)
	assert.Empty(t, starter.calls)
}

func TestCheckout_RejectsMalformedBodies(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "unknown field", body: `{"checkoutType":"subscription","planCode":"pro","priceId":"price_1"}`},
		{name: "not json", body: `{"checkoutType":`},
		{name: "trailing object", body: `{"checkoutType":"subscription"}{"checkoutType":"one_off"}`},
		{name: "too large", body: `{"checkoutType":"subscription","planCode":"` + strings.Repeat("a", maxCheckoutBodyBytes) + `"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			starter := &stubStarter{}
			rec := httptest.NewRecorder()
			NewHandler(starter).Routes().ServeHTTP(rec, checkoutRequest(tt.body, defaultHeaders()))

			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, domain.ErrorCodeInvalidRequest, decodeError(t, rec).Code)
			assert.Empty(t, starter.calls)
		})
	}
}

func TestCheckout_MapsBillingErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   domain.ErrorCode
	}{
		{
			name:   "existing subscription",
			err:    domain.NewBillingError(domain.ErrorCodeSubscriptionExistsUsePortal, "use the portal"),
			status: http.StatusConflict,
			code:   domain.ErrorCodeSubscriptionExistsUsePortal,
		},
		{
			name:   "recovery window elapsed",
			err:    domain.NewBillingError(domain.ErrorCodeRecoveryWindowElapsed, "too late"),
			status: http.StatusGone,
			code:   domain.ErrorCodeRecoveryWindowElapsed,
		},
		{
			name:   "provider error",
			err:    fmt.Errorf("start: %w", domain.NewBillingError(domain.ErrorCodeProviderError, "provider failed")),
			status: http.StatusBadGateway,
			code:   domain.ErrorCodeProviderError,
		},
		{
			name: "hash mismatch is a conflict",
			err: domain.NewBillingError(domain.ErrorCodeConfigurationInvalid, "hash mismatch").
				WithDetails(map[string]any{"cause": domain.CauseProviderRequestHashMismatch}),
			status: http.StatusConflict,
			code:   domain.ErrorCodeConfigurationInvalid,
		},
		{
			name:   "plain error",
			err:    errors.New("database is down"),
			status: http.StatusInternalServerError,
			code:   domain.ErrorCodeInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			NewHandler(&stubStarter{err: tt.err}).Routes().ServeHTTP(rec,
				checkoutRequest(`{"checkoutType":"subscription","planCode":"pro_monthly"}`, defaultHeaders()))

			require.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, decodeError(t, rec).Code)
		})
	}
}

func TestCheckout_DetailsAreReturned(t *testing.T) {
	err := domain.NewBillingError(domain.ErrorCodeInvalidRequest, "planCode is required").
		WithDetails(map[string]any{"field": "planCode", "rule": "required_if"})

	rec := httptest.NewRecorder()
	NewHandler(&stubStarter{err: err}).Routes().ServeHTTP(rec,
		checkoutRequest(`{"checkoutType":"subscription"}`, defaultHeaders()))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	payload := decodeError(t, rec)
	assert.Equal(t, "planCode", payload.Details["field"])
	assert.Equal(t, "planCode is required", payload.Message)
}

func TestCheckout_InProgressSetsRetryAfter(t *testing.T) {
	err := domain.NewBillingError(domain.ErrorCodeCheckoutInProgress, "another checkout is in progress").
		WithDetails(map[string]any{domain.DetailRetryAfterSeconds: 42})

	rec := httptest.NewRecorder()
	NewHandler(&stubStarter{err: err}).Routes().ServeHTTP(rec,
		checkoutRequest(`{"checkoutType":"subscription","planCode":"pro_monthly"}`, defaultHeaders()))

	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "42", rec.Header().Get("Retry-After"))
	assert.EqualValues(t, 42, decodeError(t, rec).Details[domain.DetailRetryAfterSeconds])

	rec = httptest.NewRecorder()
	NewHandler(&stubStarter{err: domain.NewBillingError(domain.ErrorCodeSessionOpen, "open")}).Routes().ServeHTTP(rec,
		checkoutRequest(`{"checkoutType":"subscription","planCode":"pro_monthly"}`, defaultHeaders()))
	assert.Empty(t, rec.Header().Get("Retry-After"))
}

func TestCheckout_UnknownCodeIsInternalWithGuardrail(t *testing.T) {
	guardrails := &stubGuardrails{}
	err := domain.NewBillingError(domain.ErrorCode("SOMETHING_NEW"), "unmapped")

	rec := httptest.NewRecorder()
	NewHandler(&stubStarter{err: err}, WithGuardrails(guardrails)).Routes().ServeHTTP(rec,
		checkoutRequest(`{"checkoutType":"subscription","planCode":"pro_monthly"}`, defaultHeaders()))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, domain.ErrorCodeInternal, decodeError(t, rec).Code)
	require.Len(t, guardrails.events, 1)
	assert.Equal(t, guardrailUnknownFailureCode, guardrails.events[0].Code)
	assert.Equal(t, "SOMETHING_NEW", guardrails.events[0].Fields["failure_code"])
}

func TestWebhook_DisabledWithoutProcessor(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/billing/webhooks/stripe", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	NewHandler(&stubStarter{}).Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhook_VerifiedEventIsProcessed(t *testing.T) {
	const secret = "whsec_test"
	payload := []byte(`{"id":"evt_1","object":"event","type":"checkout.session.expired","created":1767261600,` +
		`"data":{"object":{"id":"cs_1","object":"checkout.session","status":"expired",` +
		`"metadata":{"operation_key":"op-1","billable_entity_id":"be-1"}}}}`)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	})

	events := &stubEvents{}
	handler := NewHandler(&stubStarter{}, WithWebhook(events, secret)).Routes()

	req := httptest.NewRequest(http.MethodPost, "/api/billing/webhooks/stripe", strings.NewReader(string(payload)))
	req.Header.Set(HeaderStripeSig, signed.Header)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, events.events, 1)
	assert.Equal(t, "evt_1", events.events[0].ID)
	assert.Equal(t, domain.ProviderEventCheckoutSessionExpired, events.events[0].Type)
}

func TestWebhook_InvalidSignature(t *testing.T) {
	events := &stubEvents{}
	handler := NewHandler(&stubStarter{}, WithWebhook(events, "whsec_test")).Routes()

	req := httptest.NewRequest(http.MethodPost, "/api/billing/webhooks/stripe", strings.NewReader(`{"id":"evt_1"}`))
	req.Header.Set(HeaderStripeSig, "t=1,v1=deadbeef")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, domain.ErrorCodeWebhookSignatureInvalid, decodeError(t, rec).Code)
	assert.Empty(t, events.events)
}

func TestWebhook_ProcessingErrors(t *testing.T) {
	parser := func([]byte, string, string) (domain.ProviderEvent, error) {
		return domain.ProviderEvent{ID: "evt_1", Type: domain.ProviderEventCheckoutSessionCompleted}, nil
	}

	tests := []struct {
		name   string
		err    error
		status int
	}{
		{
			name:   "correlation mismatch",
			err:    domain.NewBillingError(domain.ErrorCodeSessionCorrelationMismatch, "metadata mismatch"),
			status: http.StatusConflict,
		},
		{name: "transient", err: errors.New("connection reset"), status: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewHandler(&stubStarter{},
				WithWebhook(&stubEvents{err: tt.err}, "whsec_test"),
				WithWebhookParser(parser),
			).Routes()

			req := httptest.NewRequest(http.MethodPost, "/api/billing/webhooks/stripe", strings.NewReader(`{}`))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
		})
	}
}
