package checkout

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/billing/internal/domain"
)

func TestNormalize_Defaults(t *testing.T) {
	req := normalize(domain.CheckoutPayload{PlanCode: "  pro_monthly "})

	assert.Equal(t, domain.CheckoutFlowSubscription, req.CheckoutType)
	assert.Equal(t, "pro_monthly", req.PlanCode)
	assert.Equal(t, defaultSuccessPath, req.SuccessPath)
	assert.Equal(t, defaultCancelPath, req.CancelPath)
	assert.Nil(t, req.OneOff)
}

func TestNormalize_OneOff(t *testing.T) {
	req := normalize(domain.CheckoutPayload{
		CheckoutType: " ONE_OFF ",
		PlanCode:     "ignored",
		OneOff:       &domain.OneOffPayload{Name: " Credits ", AmountMinor: 500, Currency: " USD "},
		SuccessPath:  " /done ",
	})

	require.NotNil(t, req.OneOff)
	assert.Equal(t, domain.CheckoutFlowOneOff, req.CheckoutType)
	assert.Empty(t, req.PlanCode)
	assert.Equal(t, "Credits", req.OneOff.Name)
	assert.Equal(t, int64(1), req.OneOff.Quantity)
	assert.Equal(t, "usd", req.OneOff.Currency)
	assert.Equal(t, "/done", req.SuccessPath)
}

func TestSameOriginPath(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{path: "/billing/done", want: true},
		{path: "/billing/done?tab=plans#top", want: true},
		{path: "", want: false},
		{path: "billing", want: false},
		{path: "//evil.example.com/x", want: false},
		{path: "https://evil.example.com/x", want: false},
		{path: "/\\evil.example.com", want: false},
		{path: "/a\nb", want: false},
		{path: "/" + strings.Repeat("a", maxPathLength), want: false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sameOriginPath(tt.path), "path %q", tt.path)
	}
}

func TestRequestValidator_Check(t *testing.T) {
	v := newRequestValidator()
	oneOff := func(mut func(o *domain.NormalizedOneOff)) domain.NormalizedCheckoutRequest {
		o := &domain.NormalizedOneOff{Name: "Credits", AmountMinor: 500, Quantity: 1, Currency: "usd"}
		if mut != nil {
			mut(o)
		}
		return domain.NormalizedCheckoutRequest{
			CheckoutType: domain.CheckoutFlowOneOff,
			OneOff:       o,
			SuccessPath:  defaultSuccessPath,
			CancelPath:   defaultCancelPath,
		}
	}

	tests := []struct {
		name      string
		req       domain.NormalizedCheckoutRequest
		wantField string
		wantRule  string
	}{
		{
			name: "valid subscription",
			req:  normalize(domain.CheckoutPayload{PlanCode: "pro_monthly"}),
		},
		{
			name: "valid one off",
			req:  oneOff(nil),
		},
		{
			name:      "unknown checkout type",
			req:       normalize(domain.CheckoutPayload{CheckoutType: "lifetime"}),
			wantField: "checkoutType",
			wantRule:  "oneof",
		},
		{
			name:      "missing plan code",
			req:       normalize(domain.CheckoutPayload{}),
			wantField: "planCode",
			wantRule:  "required_if",
		},
		{
			name:      "missing one off block",
			req:       normalize(domain.CheckoutPayload{CheckoutType: "one_off"}),
			wantField: "oneOff",
			wantRule:  "required_if",
		},
		{
			name:      "zero amount",
			req:       oneOff(func(o *domain.NormalizedOneOff) { o.AmountMinor = 0 }),
			wantField: "oneOff.amountMinor",
			wantRule:  "min",
		},
		{
			name:      "foreign currency",
			req:       oneOff(func(o *domain.NormalizedOneOff) { o.Currency = "eur" }),
			wantField: "oneOff.currency",
			wantRule:  "deployment_currency",
		},
		{
			name: "absolute success url",
			req: func() domain.NormalizedCheckoutRequest {
				r := oneOff(nil)
				r.SuccessPath = "https://evil.example.com"
				return r
			}(),
			wantField: "successPath",
			wantRule:  "same_origin",
		},
		{
			name: "protocol relative cancel url",
			req: func() domain.NormalizedCheckoutRequest {
				r := normalize(domain.CheckoutPayload{PlanCode: "pro_monthly"})
				r.CancelPath = "//evil.example.com"
				return r
			}(),
			wantField: "cancelPath",
			wantRule:  "same_origin",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			be := v.Check(tt.req, "USD")
			if tt.wantRule == "" {
				require.Nil(t, be)
				return
			}
			require.NotNil(t, be)
			assert.Equal(t, domain.ErrorCodeInvalidRequest, be.Code)
			assert.Equal(t, tt.wantField, be.Details["field"])
			assert.Equal(t, tt.wantRule, be.Details["rule"])
		})
	}
}

func TestBuildFrozenRequest_Subscription(t *testing.T) {
	expires := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	frozen := buildFrozenRequest(frozenRequestInput{
		Request:          normalize(domain.CheckoutPayload{PlanCode: "pro_monthly"}),
		Record:           domain.IdempotencyRecord{ID: "row-1", OperationKey: "op-1", BillableEntityID: "be-1"},
		Plan:             domain.Plan{Code: "pro_monthly", Version: 3},
		Price:            domain.PlanPrice{ProviderPriceID: "price_pro", Quantity: 1},
		CustomerID:       "cus_1",
		AppBaseURL:       "https://app.example.com/",
		SessionExpiresAt: expires,
	})

	assert.Equal(t, "subscription", frozen.Mode)
	assert.Equal(t, "https://app.example.com/billing/checkout/success", frozen.SuccessURL)
	assert.Equal(t, "https://app.example.com/billing/checkout/cancel", frozen.CancelURL)
	assert.Equal(t, "cus_1", frozen.Customer)
	assert.Equal(t, "be-1", frozen.ClientReferenceID)
	assert.Equal(t, expires.Unix(), frozen.ExpiresAt)
	require.Len(t, frozen.LineItems, 1)
	assert.Equal(t, "price_pro", frozen.LineItems[0].Price)
	assert.Nil(t, frozen.LineItems[0].PriceData)
	assert.Equal(t, "3", frozen.Metadata[domain.MetadataKeyPlanVersion])
	assert.Equal(t, "op-1", frozen.Metadata[domain.MetadataKeyOperationKey])
	require.NotNil(t, frozen.SubscriptionData)
	assert.Equal(t, frozen.Metadata, frozen.SubscriptionData.Metadata)

	frozen.SubscriptionData.Metadata["extra"] = "x"
	assert.NotContains(t, frozen.Metadata, "extra")
}

func TestBuildFrozenRequest_OneOff(t *testing.T) {
	frozen := buildFrozenRequest(frozenRequestInput{
		Request: normalize(domain.CheckoutPayload{
			CheckoutType: "one_off",
			OneOff:       &domain.OneOffPayload{Name: "Credits", AmountMinor: 500, Quantity: 2, Currency: "usd"},
		}),
		Record:           domain.IdempotencyRecord{ID: "row-1", OperationKey: "op-1", BillableEntityID: "be-1"},
		AppBaseURL:       "https://app.example.com",
		SessionExpiresAt: time.Unix(1700000000, 0),
	})

	assert.Equal(t, "payment", frozen.Mode)
	assert.Nil(t, frozen.SubscriptionData)
	assert.NotContains(t, frozen.Metadata, domain.MetadataKeyPlanCode)
	require.Len(t, frozen.LineItems, 1)
	require.NotNil(t, frozen.LineItems[0].PriceData)
	assert.Equal(t, int64(2), frozen.LineItems[0].Quantity)
	assert.Equal(t, int64(500), frozen.LineItems[0].PriceData.UnitAmount)
	assert.Equal(t, "Credits", frozen.LineItems[0].PriceData.ProductName)
}
