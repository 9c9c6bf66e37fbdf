package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/billing/internal/domain"
	"github.com/vladislavdragonenkov/billing/internal/service/checkout"
	"github.com/vladislavdragonenkov/billing/internal/service/payment"
)

// Заголовки запроса checkout.
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderWorkspaceID    = "X-Workspace-ID"
	HeaderUserID         = "X-User-ID"
	HeaderStripeSig      = "Stripe-Signature"
)

const (
	maxCheckoutBodyBytes = 64 << 10
	maxWebhookBodyBytes  = 512 << 10

	guardrailUnknownFailureCode = "billing.unknown_failure_code"
)

type CheckoutStarter interface {
	StartCheckout(ctx context.Context, in checkout.StartCheckoutInput, now time.Time) (domain.CheckoutResponse, error)
}

// EventProcessor применяет события провайдера.
type EventProcessor interface {
	Process(ctx context.Context, event domain.ProviderEvent) error
}

// WebhookParser проверяет подпись и разбирает событие провайдера.
type WebhookParser func(payload []byte, signatureHeader, secret string) (domain.ProviderEvent, error)

// Option настраивает Handler.
type Option func(*Handler)

// WithLogger задает logger.
func WithLogger(logger *log.Entry) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithGuardrails подключает recorder guardrail-событий.
func WithGuardrails(recorder domain.GuardrailRecorder) Option {
	return func(h *Handler) {
		h.guardrails = recorder
	}
}

// WithClock подменяет источник времени.
func WithClock(clock func() time.Time) Option {
	return func(h *Handler) {
		if clock != nil {
			h.now = clock
		}
	}
}

// WithWebhook включает endpoint вебхуков провайдера.
func WithWebhook(events EventProcessor, secret string) Option {
	return func(h *Handler) {
		h.events = events
		h.webhookSecret = secret
	}
}

// WithWebhookParser подменяет разбор вебхуков (по умолчанию Stripe).
func WithWebhookParser(parser WebhookParser) Option {
	return func(h *Handler) {
		if parser != nil {
			h.parseWebhook = parser
		}
	}
}

// Handler обслуживает HTTP API биллинга.
type Handler struct {
	checkout      CheckoutStarter
	events        EventProcessor
	webhookSecret string
	parseWebhook  WebhookParser
	guardrails    domain.GuardrailRecorder
	logger        *log.Entry
	now           func() time.Time
}

// NewHandler создает HTTP API поверх оркестратора.
func NewHandler(starter CheckoutStarter, opts ...Option) *Handler {
	h := &Handler{
		checkout:     starter,
		parseWebhook: payment.ParseWebhookEvent,
		logger:       log.WithField("component", "billing-http"),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes возвращает router с маршрутами API.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api/billing", func(r chi.Router) {
		r.Post("/checkout", h.handleCheckout)
		if h.events != nil {
			r.Post("/webhooks/stripe", h.handleStripeWebhook)
		}
	})
	return r
}

func (h *Handler) handleCheckout(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
	if key == "" {
		h.writeError(w, r, domain.NewBillingError(domain.ErrorCodeIdempotencyKeyRequired, "Idempotency-Key header is required"))
		return
	}

	var payload domain.CheckoutPayload
	if err := decodeStrict(w, r, maxCheckoutBodyBytes, &payload); err != nil {
		h.writeError(w, r, err)
		return
	}

	resp, err := h.checkout.StartCheckout(r.Context(), checkout.StartCheckoutInput{
		Actor:          strings.TrimSpace(r.Header.Get(HeaderUserID)),
		WorkspaceID:    strings.TrimSpace(r.Header.Get(HeaderWorkspaceID)),
		Payload:        payload,
		IdempotencyKey: key,
	}, h.now())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		h.writeError(w, r, domain.NewBillingError(domain.ErrorCodeInvalidRequest, "request body is too large").Wrap(err))
		return
	}

	event, err := h.parseWebhook(body, r.Header.Get(HeaderStripeSig), h.webhookSecret)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.events.Process(r.Context(), event); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// decodeStrict читает JSON-тело с ограничением размера и запретом неизвестных полей.
func decodeStrict(w http.ResponseWriter, r *http.Request, limit int64, dst any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return domain.NewBillingError(domain.ErrorCodeInvalidRequest, "request body is too large").
				WithDetails(map[string]any{"limitBytes": limit})
		}
		return domain.NewBillingError(domain.ErrorCodeInvalidRequest, "request body is not valid JSON").
			WithDetails(map[string]any{"reason": err.Error()})
	}
	if decoder.More() {
		return domain.NewBillingError(domain.ErrorCodeInvalidRequest, "request body must contain a single JSON object")
	}
	return nil
}

type errorBody struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Code    domain.ErrorCode `json:"code"`
	Message string           `json:"message"`
	Details map[string]any   `json:"details,omitempty"`
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	logger := h.logger.WithFields(log.Fields{
		"path":       r.URL.Path,
		"request_id": middleware.GetReqID(r.Context()),
	})

	be, ok := domain.AsBillingError(err)
	if !ok {
		logger.WithError(err).Error("billing request failed")
		writeJSON(w, http.StatusInternalServerError, internalError())
		return
	}

	status, known := domain.HTTPStatus(be)
	if !known {
		logger.WithError(err).WithField("failure_code", be.Code).Error("unknown billing failure code")
		if h.guardrails != nil {
			h.guardrails.RecordBillingGuardrail(r.Context(), domain.GuardrailEvent{
				Code:       guardrailUnknownFailureCode,
				Component:  "billing-http",
				Fields:     map[string]any{"failure_code": string(be.Code), "path": r.URL.Path},
				OccurredAt: h.now().UTC(),
			})
		}
		writeJSON(w, http.StatusInternalServerError, internalError())
		return
	}

	if status >= http.StatusInternalServerError {
		logger.WithError(err).WithField("failure_code", be.Code).Error("billing request failed")
	} else {
		logger.WithField("failure_code", be.Code).Debug("billing request rejected")
	}
	if seconds, ok := be.RetryAfter(); ok {
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}
	writeJSON(w, status, errorBody{Error: errorPayload{Code: be.Code, Message: be.Message, Details: be.Details}})
}

func internalError() errorBody {
	return errorBody{Error: errorPayload{Code: domain.ErrorCodeInternal, Message: "internal error"}}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.WithError(fmt.Errorf("encode response: %w", err)).Warn("failed to write response")
	}
}
