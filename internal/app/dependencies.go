package app

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/billing/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/billing/internal/health"
	"github.com/vladislavdragonenkov/billing/internal/storage/memory"
	"github.com/vladislavdragonenkov/billing/internal/storage/postgres"
	redisstore "github.com/vladislavdragonenkov/billing/internal/storage/redis"
)

// runtimeDependencies — хранилище и внешние подключения, от которых зависят сервисы.
type runtimeDependencies struct {
	repo           domain.BillingRepository
	seeder         Seeder
	storageChecker healthcheck.Checker

	planCache    *redisstore.PlanCache
	redisChecker healthcheck.Checker

	closers []func() error
}

func (d *runtimeDependencies) close() error {
	var firstErr error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	d.closers = nil
	return firstErr
}

// initRuntimeDependencies открывает хранилище по cfg.StorageDriver и, если задан адрес, Redis.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	deps := &runtimeDependencies{}

	switch strings.ToLower(strings.TrimSpace(cfg.StorageDriver)) {
	case StorageDriverMemory:
		repo := memory.NewBillingRepository()
		deps.repo = repo
		deps.seeder = repo
		deps.storageChecker = healthcheck.NewCriticalChecker("storage", func(context.Context) error { return nil })
		logger.Info("using in-memory billing storage")
	case StorageDriverPostgres:
		if strings.TrimSpace(cfg.PostgresDSN) == "" {
			return nil, fmt.Errorf("%s is required for storage driver %s", EnvPostgresDSN, StorageDriverPostgres)
		}
		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		deps.closers = append(deps.closers, store.Close)
		if cfg.PostgresAutoMigrate {
			if err := store.MigrateUp(ctx, 0); err != nil {
				_ = deps.close()
				return nil, fmt.Errorf("migrate postgres: %w", err)
			}
			logger.Info("postgres migrations applied")
		}
		if err := store.VerifySchema(ctx); err != nil {
			_ = deps.close()
			return nil, fmt.Errorf("postgres schema (run cmd/migrate or set %s): %w", EnvPostgresAutoMigrate, err)
		}
		repo := postgres.NewBillingRepository(store)
		deps.repo = repo
		deps.seeder = repo
		deps.storageChecker = healthcheck.NewCriticalChecker("storage", store.Ping)
		logger.Info("using postgres billing storage")
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}

	if cfg.RedisAddr != "" {
		client := redisstore.NewClient(redisstore.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		deps.closers = append(deps.closers, client.Close)
		deps.planCache = redisstore.NewPlanCache(client, cfg.PlanCacheTTL)
		deps.redisChecker = healthcheck.NewOptionalChecker("redis", redisstore.NewPinger(client).Ping)
		logger.WithField("redis_addr", cfg.RedisAddr).Info("redis plan cache enabled")
	}

	if cfg.SeedFile != "" {
		data, err := LoadSeedFile(cfg.SeedFile)
		if err != nil {
			_ = deps.close()
			return nil, err
		}
		if err := ApplySeed(ctx, deps.seeder, data); err != nil {
			_ = deps.close()
			return nil, err
		}
		logger.WithFields(log.Fields{
			"seed_file": cfg.SeedFile,
			"entities":  len(data.Entities),
			"plans":     len(data.Plans),
		}).Info("seed data applied")
	}

	return deps, nil
}
