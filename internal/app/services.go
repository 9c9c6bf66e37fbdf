package app

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/billing/internal/domain"
	"github.com/vladislavdragonenkov/billing/internal/metrics"
	"github.com/vladislavdragonenkov/billing/internal/service/checkout"
	"github.com/vladislavdragonenkov/billing/internal/service/checkoutsession"
	"github.com/vladislavdragonenkov/billing/internal/service/httpapi"
	"github.com/vladislavdragonenkov/billing/internal/service/idempotency"
	"github.com/vladislavdragonenkov/billing/internal/service/outbox"
	"github.com/vladislavdragonenkov/billing/internal/service/payment"
	"github.com/vladislavdragonenkov/billing/internal/service/policy"
	"github.com/vladislavdragonenkov/billing/internal/service/pricing"
	"github.com/vladislavdragonenkov/billing/internal/service/remediation"
)

// Integrations описывает опциональные внешние подключения сервисов. Нулевое значение допустимо.
type Integrations struct {
	Provider      domain.CheckoutProvider
	PlanCache     pricing.PlanCache
	GuardrailSink metrics.GuardrailSink
	DeadLetters   domain.DeadLetterPublisher
	Registerer    prometheus.Registerer
}

// Services собирает граф сервисов биллинга.
type Services struct {
	Provider     domain.CheckoutProvider
	Guardrails   *metrics.GuardrailRecorder
	Sessions     *checkoutsession.Service
	Orchestrator *checkout.Orchestrator
	Events       *checkout.EventProcessor
	Outbox       *outbox.Worker
	Remediation  *remediation.Worker
	Sweeper      *idempotency.SweepWorker
}

// newProvider выбирает провайдера: Stripe при наличии ключа, иначе mock, если он разрешен.
func newProvider(cfg Config, logger *log.Entry) (domain.CheckoutProvider, error) {
	if cfg.StripeSecretKey != "" {
		opts := []payment.StripeOption{payment.WithStripeLogger(logger.WithField("provider", domain.ProviderStripe))}
		if cfg.StripeSDKVersion != "" {
			opts = append(opts, payment.WithSDKVersion(cfg.StripeSDKVersion))
		}
		return payment.NewStripeProvider(cfg.StripeSecretKey, opts...)
	}
	if cfg.AllowMockProvider {
		logger.Warn("stripe secret key is not set, using mock checkout provider")
		return payment.NewMockProvider(), nil
	}
	return nil, fmt.Errorf("%s is required unless %s is enabled", EnvStripeSecretKey, EnvAllowMockProvider)
}

// BuildServices собирает оркестратор, обработчик событий провайдера и фоновые воркеры.
func BuildServices(cfg Config, repo domain.BillingRepository, integ Integrations, logger *log.Entry) (*Services, error) {
	if repo == nil {
		return nil, errors.New("billing repository is required")
	}
	if logger == nil {
		logger = log.WithField("component", "app")
	}

	provider := integ.Provider
	if provider == nil {
		var err error
		provider, err = newProvider(cfg, logger)
		if err != nil {
			return nil, err
		}
	}

	guardrails := metrics.NewGuardrailRecorder(integ.Registerer,
		metrics.WithGuardrailSink(integ.GuardrailSink),
	)

	sessions := checkoutsession.NewService(checkoutsession.WithOpenGrace(cfg.OpenSessionGrace))
	ledger := idempotency.NewLedger(idempotency.WithLeaseTTL(cfg.PendingLeaseTTL))

	catalogOpts := []pricing.Option{}
	if integ.PlanCache != nil {
		catalogOpts = append(catalogOpts, pricing.WithPlanCache(integ.PlanCache))
	}
	catalog := pricing.NewCatalog(cfg.DeploymentCurrency, catalogOpts...)

	orchestrator, err := checkout.NewOrchestrator(checkout.Dependencies{
		Repository: repo,
		Ledger:     ledger,
		Sessions:   sessions,
		Policy:     policy.NewService(),
		Catalog:    catalog,
		Provider:   provider,
	},
		checkout.WithMetrics(metrics.NewCheckoutMetricsWithRegisterer(integ.Registerer)),
		checkout.WithGuardrails(guardrails),
		checkout.WithAppBaseURL(cfg.AppBaseURL),
		checkout.WithReplayWindow(cfg.ReplayWindow),
		checkout.WithSessionTTL(cfg.SessionTTL),
		checkout.WithRecoveryGrace(cfg.RecoveryGrace),
	)
	if err != nil {
		return nil, fmt.Errorf("build checkout orchestrator: %w", err)
	}

	events := checkout.NewEventProcessor(repo, sessions, checkout.WithEventGuardrails(guardrails))

	outboxWorker := outbox.NewWorker(repo, provider,
		outbox.WithSessions(sessions),
		outbox.WithGuardrails(guardrails),
		outbox.WithDLQPublisher(integ.DeadLetters),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithLeaseDuration(cfg.OutboxLease),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryDelay(cfg.OutboxRetryDelay),
	)

	remediationWorker := remediation.NewWorker(repo, provider,
		remediation.WithGuardrails(guardrails),
		remediation.WithDLQPublisher(integ.DeadLetters),
		remediation.WithPollInterval(cfg.RemediationPollInterval),
		remediation.WithBatchSize(cfg.RemediationBatchSize),
		remediation.WithLeaseDuration(cfg.RemediationLease),
		remediation.WithRetryPolicy(outbox.RetryPolicy{
			MaxAttempts: cfg.RemediationMaxAttempts,
			Delay:       cfg.RemediationRetryDelay,
		}),
	)

	sweeper := idempotency.NewSweepWorker(repo, orchestrator,
		idempotency.WithInterval(cfg.SweeperInterval),
		idempotency.WithBatchSize(cfg.SweeperBatchSize),
	)

	return &Services{
		Provider:     provider,
		Guardrails:   guardrails,
		Sessions:     sessions,
		Orchestrator: orchestrator,
		Events:       events,
		Outbox:       outboxWorker,
		Remediation:  remediationWorker,
		Sweeper:      sweeper,
	}, nil
}

// HTTPHandler возвращает роутер публичного API. Webhook включается только при заданном секрете.
func (s *Services) HTTPHandler(cfg Config) *httpapi.Handler {
	opts := []httpapi.Option{httpapi.WithGuardrails(s.Guardrails)}
	if cfg.StripeWebhookSecret != "" {
		opts = append(opts, httpapi.WithWebhook(s.Events, cfg.StripeWebhookSecret))
	}
	return httpapi.NewHandler(s.Orchestrator, opts...)
}
