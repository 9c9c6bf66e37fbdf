package app

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/billing/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/billing/internal/health"
	"github.com/vladislavdragonenkov/billing/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/billing/internal/version"
)

// Runtime держит хранилище, интеграции и сервисы одного процесса (сервис или billingctl).
type Runtime struct {
	Config   Config
	Repo     domain.BillingRepository
	Seeder   Seeder
	Services *Services
	Health   *healthcheck.Handler

	deps     *runtimeDependencies
	producer *kafka.Producer
	logger   *log.Entry
}

// NewRuntime открывает хранилище и интеграции и собирает сервисы.
// Недоступная Kafka не мешает запуску: события остаются в логах и метриках.
func NewRuntime(ctx context.Context, cfg Config, logger *log.Entry) (*Runtime, error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{
		Config: cfg,
		Repo:   deps.repo,
		Seeder: deps.seeder,
		Health: healthcheck.NewHandler(version.GetVersion()),
		deps:   deps,
		logger: logger,
	}
	rt.Health.RegisterChecker("storage", deps.storageChecker)
	rt.Health.RegisterChecker("redis", deps.redisChecker)

	integ := Integrations{}
	if deps.planCache != nil {
		integ.PlanCache = deps.planCache
	}

	producer, _ := initKafkaProducer(cfg.KafkaBrokers, logger)
	if producer != nil {
		rt.producer = producer
		integ.GuardrailSink = kafka.NewGuardrailPublisher(producer, cfg.KafkaGuardrailTopic, version.ServiceName)
		integ.DeadLetters = kafka.NewDeadLetterPublisher(producer, cfg.KafkaDLQTopic)
		rt.Health.RegisterChecker("kafka", healthcheck.NewOptionalChecker("kafka", producer.Ping))
	}

	services, err := BuildServices(cfg, deps.repo, integ, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Services = services
	return rt, nil
}

// Close освобождает подключения в обратном порядке открытия.
func (rt *Runtime) Close() {
	if rt == nil {
		return
	}
	closeKafkaProducer(rt.producer, rt.logger)
	rt.producer = nil
	if rt.deps != nil {
		if err := rt.deps.close(); err != nil {
			rt.logger.WithError(err).Warn("failed to close runtime dependencies")
		}
	}
}
