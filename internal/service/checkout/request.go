package checkout

import (
	"errors"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/vladislavdragonenkov/billing/internal/domain"
)

const (
	defaultSuccessPath = "/billing/checkout/success"
	defaultCancelPath  = "/billing/checkout/cancel"
	maxPathLength      = 512
)

// normalize приводит тело запроса к канонической форме. Функция не отклоняет ввод:
// отпечаток считается для любого тела, а проверка идет после claim и сохраняется в леджере.
func normalize(payload domain.CheckoutPayload) domain.NormalizedCheckoutRequest {
	flow := domain.CheckoutFlow(strings.ToLower(strings.TrimSpace(payload.CheckoutType)))
	if flow == "" {
		flow = domain.CheckoutFlowSubscription
	}

	out := domain.NormalizedCheckoutRequest{
		CheckoutType: flow,
		SuccessPath:  normalizePath(payload.SuccessPath, defaultSuccessPath),
		CancelPath:   normalizePath(payload.CancelPath, defaultCancelPath),
	}
	switch flow {
	case domain.CheckoutFlowSubscription:
		out.PlanCode = strings.TrimSpace(payload.PlanCode)
	case domain.CheckoutFlowOneOff:
		if payload.OneOff != nil {
			quantity := payload.OneOff.Quantity
			if quantity == 0 {
				quantity = 1
			}
			out.OneOff = &domain.NormalizedOneOff{
				Name:        strings.TrimSpace(payload.OneOff.Name),
				AmountMinor: payload.OneOff.AmountMinor,
				Quantity:    quantity,
				Currency:    strings.ToLower(strings.TrimSpace(payload.OneOff.Currency)),
			}
		}
	}
	return out
}

func normalizePath(path, fallback string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return fallback
	}
	return path
}

// requestValidator проверяет нормализованный запрос тегами validator и явными правилами.
type requestValidator struct {
	validate *validator.Validate
}

func newRequestValidator() *requestValidator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &requestValidator{validate: v}
}

// Check возвращает INVALID_REQUEST с полем и нарушенным правилом.
func (v *requestValidator) Check(req domain.NormalizedCheckoutRequest, deploymentCurrency string) *domain.BillingError {
	if !req.CheckoutType.Valid() {
		return invalidRequest("checkoutType", "oneof", "checkoutType must be subscription or one_off")
	}
	if err := v.validate.Struct(req); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			field := strings.TrimPrefix(fe.Namespace(), "NormalizedCheckoutRequest.")
			return invalidRequest(field, fe.Tag(), "field "+field+" failed rule "+fe.Tag())
		}
		return invalidRequest("", "invalid", err.Error())
	}

	if req.CheckoutType == domain.CheckoutFlowOneOff && req.OneOff.Currency != strings.ToLower(deploymentCurrency) {
		return invalidRequest("oneOff.currency", "deployment_currency",
			"currency must equal the deployment currency "+strings.ToLower(deploymentCurrency))
	}
	if !sameOriginPath(req.SuccessPath) {
		return invalidRequest("successPath", "same_origin", "successPath must be a same-origin relative path")
	}
	if !sameOriginPath(req.CancelPath) {
		return invalidRequest("cancelPath", "same_origin", "cancelPath must be a same-origin relative path")
	}
	return nil
}

func invalidRequest(field, rule, message string) *domain.BillingError {
	details := map[string]any{"rule": rule}
	if field != "" {
		details["field"] = field
	}
	return domain.NewBillingError(domain.ErrorCodeInvalidRequest, message).WithDetails(details)
}

// sameOriginPath допускает только абсолютный путь без схемы, хоста и обратных слешей.
func sameOriginPath(path string) bool {
	if path == "" || len(path) > maxPathLength {
		return false
	}
	if !strings.HasPrefix(path, "/") || strings.HasPrefix(path, "//") || strings.ContainsAny(path, "\\\r\n\t") {
		return false
	}
	parsed, err := url.Parse(path)
	if err != nil {
		return false
	}
	return parsed.Scheme == "" && parsed.Host == "" && parsed.User == nil
}

// frozenRequestInput собирает все для построения замороженного запроса к провайдеру.
type frozenRequestInput struct {
	Request          domain.NormalizedCheckoutRequest
	Record           domain.IdempotencyRecord
	Plan             domain.Plan
	Price            domain.PlanPrice
	CustomerID       string
	AppBaseURL       string
	SessionExpiresAt time.Time
}

// buildFrozenRequest собирает полностью определенные параметры вызова провайдера.
func buildFrozenRequest(in frozenRequestInput) domain.FrozenCheckoutRequest {
	base := strings.TrimRight(in.AppBaseURL, "/")
	metadata := map[string]string{
		domain.MetadataKeyOperationKey:     in.Record.OperationKey,
		domain.MetadataKeyBillableEntityID: in.Record.BillableEntityID,
		domain.MetadataKeyIdempotencyRowID: in.Record.ID,
		domain.MetadataKeyCheckoutType:     string(in.Request.CheckoutType),
	}

	frozen := domain.FrozenCheckoutRequest{
		SuccessURL:        base + in.Request.SuccessPath,
		CancelURL:         base + in.Request.CancelPath,
		Customer:          in.CustomerID,
		ClientReferenceID: in.Record.BillableEntityID,
		ExpiresAt:         in.SessionExpiresAt.Unix(),
	}

	switch in.Request.CheckoutType {
	case domain.CheckoutFlowOneOff:
		frozen.Mode = "payment"
		frozen.LineItems = []domain.FrozenLineItem{{
			Quantity: in.Request.OneOff.Quantity,
			PriceData: &domain.FrozenPriceData{
				Currency:    in.Request.OneOff.Currency,
				UnitAmount:  in.Request.OneOff.AmountMinor,
				ProductName: in.Request.OneOff.Name,
			},
		}}
	default:
		frozen.Mode = "subscription"
		metadata[domain.MetadataKeyPlanCode] = in.Plan.Code
		metadata[domain.MetadataKeyPlanVersion] = strconv.Itoa(in.Plan.Version)
		frozen.LineItems = []domain.FrozenLineItem{{
			Price:    in.Price.ProviderPriceID,
			Quantity: in.Price.Quantity,
		}}
		subMetadata := make(map[string]string, len(metadata))
		for k, v := range metadata {
			subMetadata[k] = v
		}
		frozen.SubscriptionData = &domain.FrozenSubscriptionData{Metadata: subMetadata}
	}
	frozen.Metadata = metadata
	return frozen
}
