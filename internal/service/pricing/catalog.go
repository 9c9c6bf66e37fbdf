package pricing

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/billing/internal/domain"
)

// PlanCache — кеш тарифных планов (Redis).
type PlanCache interface {
	GetPlan(ctx context.Context, code string) (domain.Plan, bool, error)
	SetPlan(ctx context.Context, plan domain.Plan) error
}

// Option настраивает Catalog.
type Option func(*Catalog)

// WithPlanCache подключает кеш планов.
func WithPlanCache(cache PlanCache) Option {
	return func(c *Catalog) {
		c.cache = cache
	}
}

// WithLogger задает logger.
func WithLogger(logger *log.Entry) Option {
	return func(c *Catalog) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Catalog разрешает цены планов в валюте развертывания.
type Catalog struct {
	currency string
	cache    PlanCache
	logger   *log.Entry
}

// NewCatalog создает каталог для валюты развертывания.
func NewCatalog(deploymentCurrency string, opts ...Option) *Catalog {
	c := &Catalog{
		currency: strings.ToLower(strings.TrimSpace(deploymentCurrency)),
		logger:   log.WithField("component", "pricing-catalog"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DeploymentCurrency возвращает валюту развертывания в нижнем регистре.
func (c *Catalog) DeploymentCurrency() string {
	return c.currency
}

// ResolveSubscriptionCheckoutPrices возвращает активный план и его цены в валюте развертывания.
func (c *Catalog) ResolveSubscriptionCheckoutPrices(ctx context.Context, tx domain.BillingTx, planCode string) (domain.Plan, []domain.PlanPrice, error) {
	plan, err := c.plan(ctx, tx, planCode)
	if err != nil {
		return domain.Plan{}, nil, err
	}

	prices := make([]domain.PlanPrice, 0, len(plan.Prices))
	for _, price := range plan.Prices {
		if strings.EqualFold(price.Currency, c.currency) && price.ProviderPriceID != "" {
			prices = append(prices, price)
		}
	}
	if len(prices) == 0 {
		return domain.Plan{}, nil, domain.NewBillingError(domain.ErrorCodeConfigurationInvalid,
			"plan has no provider price in the deployment currency").
			WithDetails(map[string]any{"cause": "price_missing", "planCode": plan.Code, "currency": c.currency})
	}
	return plan, prices, nil
}

// ResolvePhase1SellablePrice возвращает единственную продаваемую цену плана.
func (c *Catalog) ResolvePhase1SellablePrice(ctx context.Context, tx domain.BillingTx, planCode string) (domain.Plan, domain.PlanPrice, error) {
	plan, prices, err := c.ResolveSubscriptionCheckoutPrices(ctx, tx, planCode)
	if err != nil {
		return domain.Plan{}, domain.PlanPrice{}, err
	}
	if len(prices) > 1 {
		return domain.Plan{}, domain.PlanPrice{}, domain.NewBillingError(domain.ErrorCodeConfigurationInvalid,
			"plan has more than one sellable price").
			WithDetails(map[string]any{"cause": "price_ambiguous", "planCode": plan.Code})
	}
	price := prices[0]
	if price.Quantity <= 0 {
		price.Quantity = 1
	}
	return plan, price, nil
}

func (c *Catalog) plan(ctx context.Context, tx domain.BillingTx, code string) (domain.Plan, error) {
	notFound := domain.NewBillingError(domain.ErrorCodePlanNotFound, "plan not found").
		WithDetails(map[string]any{"planCode": code})

	if c.cache != nil {
		plan, ok, err := c.cache.GetPlan(ctx, code)
		switch {
		case err != nil:
			c.logger.WithError(err).WithField("plan_code", code).Warn("plan cache read failed")
		case ok:
			if !plan.Active {
				return domain.Plan{}, notFound
			}
			return plan, nil
		}
	}

	plan, err := tx.FindPlan(ctx, code)
	if err != nil {
		if domain.IsNotFound(err) {
			return domain.Plan{}, notFound
		}
		return domain.Plan{}, fmt.Errorf("find plan %s: %w", code, err)
	}

	if c.cache != nil {
		if err := c.cache.SetPlan(ctx, plan); err != nil {
			c.logger.WithError(err).WithField("plan_code", code).Warn("plan cache write failed")
		}
	}
	if !plan.Active {
		return domain.Plan{}, notFound
	}
	return plan, nil
}
