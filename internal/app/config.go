package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Драйверы хранилища.
const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
)

// Переменные окружения сервиса.
const (
	EnvHTTPAddr    = "BILLING_HTTP_ADDR"
	EnvMetricsAddr = "BILLING_METRICS_ADDR"
	EnvGRPCAddr    = "BILLING_GRPC_ADDR"

	EnvStorageDriver       = "BILLING_STORAGE_DRIVER"
	EnvPostgresDSN         = "BILLING_POSTGRES_DSN"
	EnvPostgresAutoMigrate = "BILLING_POSTGRES_AUTO_MIGRATE"
	EnvSeedFile            = "BILLING_SEED_FILE"

	EnvStripeSecretKey     = "BILLING_STRIPE_SECRET_KEY"
	EnvStripeWebhookSecret = "BILLING_STRIPE_WEBHOOK_SECRET"
	EnvStripeSDKVersion    = "BILLING_STRIPE_SDK_VERSION"
	EnvAllowMockProvider   = "BILLING_ALLOW_MOCK_PROVIDER"

	EnvDeploymentCurrency = "BILLING_DEPLOYMENT_CURRENCY"
	EnvAppBaseURL         = "BILLING_APP_BASE_URL"
	EnvReplayWindow       = "BILLING_REPLAY_WINDOW"
	EnvSessionTTL         = "BILLING_CHECKOUT_SESSION_TTL"
	EnvRecoveryGrace      = "BILLING_RECOVERY_GRACE"
	EnvOpenSessionGrace   = "BILLING_OPEN_SESSION_GRACE"
	EnvPendingLeaseTTL    = "BILLING_PENDING_LEASE_TTL"

	EnvOutboxPollInterval = "BILLING_OUTBOX_POLL_INTERVAL"
	EnvOutboxBatchSize    = "BILLING_OUTBOX_BATCH_SIZE"
	EnvOutboxLease        = "BILLING_OUTBOX_LEASE"
	EnvOutboxMaxAttempts  = "BILLING_OUTBOX_MAX_ATTEMPTS"
	EnvOutboxRetryDelay   = "BILLING_OUTBOX_RETRY_DELAY"

	EnvRemediationPollInterval = "BILLING_REMEDIATION_POLL_INTERVAL"
	EnvRemediationBatchSize    = "BILLING_REMEDIATION_BATCH_SIZE"
	EnvRemediationLease        = "BILLING_REMEDIATION_LEASE"
	EnvRemediationMaxAttempts  = "BILLING_REMEDIATION_MAX_ATTEMPTS"
	EnvRemediationRetryDelay   = "BILLING_REMEDIATION_RETRY_DELAY"

	EnvSweeperInterval  = "BILLING_SWEEPER_INTERVAL"
	EnvSweeperBatchSize = "BILLING_SWEEPER_BATCH_SIZE"

	EnvKafkaBrokers        = "BILLING_KAFKA_BROKERS"
	EnvKafkaGuardrailTopic = "BILLING_KAFKA_GUARDRAIL_TOPIC"
	EnvKafkaDLQTopic       = "BILLING_KAFKA_DLQ_TOPIC"

	EnvRedisAddr     = "BILLING_REDIS_ADDR"
	EnvRedisPassword = "BILLING_REDIS_PASSWORD"
	EnvRedisDB       = "BILLING_REDIS_DB"
	EnvPlanCacheTTL  = "BILLING_PLAN_CACHE_TTL"
)

// Config описывает все настройки запуска сервиса.
type Config struct {
	HTTPAddr    string
	MetricsAddr string
	GRPCAddr    string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool
	SeedFile            string

	StripeSecretKey     string
	StripeWebhookSecret string
	StripeSDKVersion    string
	AllowMockProvider   bool

	DeploymentCurrency string
	AppBaseURL         string
	ReplayWindow       time.Duration
	SessionTTL         time.Duration
	RecoveryGrace      time.Duration
	OpenSessionGrace   time.Duration
	PendingLeaseTTL    time.Duration

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxLease        time.Duration
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration

	RemediationPollInterval time.Duration
	RemediationBatchSize    int
	RemediationLease        time.Duration
	RemediationMaxAttempts  int
	RemediationRetryDelay   time.Duration

	SweeperInterval  time.Duration
	SweeperBatchSize int

	KafkaBrokers        []string
	KafkaGuardrailTopic string
	KafkaDLQTopic       string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PlanCacheTTL  time.Duration
}

// DefaultConfig возвращает настройки для локального запуска на in-memory хранилище.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:    ":8080",
		MetricsAddr: ":9090",
		GRPCAddr:    ":50051",

		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,

		DeploymentCurrency: "usd",
		AppBaseURL:         "http://localhost:3000",
		ReplayWindow:       10 * time.Minute,
		SessionTTL:         time.Hour,
		RecoveryGrace:      5 * time.Minute,
		OpenSessionGrace:   5 * time.Minute,
		PendingLeaseTTL:    2 * time.Minute,

		OutboxPollInterval: time.Second,
		OutboxBatchSize:    20,
		OutboxLease:        30 * time.Second,
		OutboxMaxAttempts:  5,
		OutboxRetryDelay:   10 * time.Second,

		RemediationPollInterval: 5 * time.Second,
		RemediationBatchSize:    10,
		RemediationLease:        time.Minute,
		RemediationMaxAttempts:  8,
		RemediationRetryDelay:   30 * time.Second,

		SweeperInterval:  time.Minute,
		SweeperBatchSize: 50,

		PlanCacheTTL: 5 * time.Minute,
	}
}

// EnvLookup совместим с os.LookupEnv.
type EnvLookup func(key string) (string, bool)

// ReadConfigFromEnv накладывает переменные окружения на DefaultConfig.
// Некорректные значения не прерывают запуск: остается значение по умолчанию, а в ответ добавляется предупреждение.
func ReadConfigFromEnv(lookup EnvLookup) (Config, []string) {
	r := envReader{lookup: lookup}
	cfg := DefaultConfig()

	r.str(EnvHTTPAddr, &cfg.HTTPAddr)
	r.str(EnvMetricsAddr, &cfg.MetricsAddr)
	r.str(EnvGRPCAddr, &cfg.GRPCAddr)

	if v, ok := r.value(EnvStorageDriver); ok {
		switch driver := strings.ToLower(v); driver {
		case StorageDriverMemory, StorageDriverPostgres:
			cfg.StorageDriver = driver
		default:
			r.warn(EnvStorageDriver, v, fmt.Errorf("expected %s or %s", StorageDriverMemory, StorageDriverPostgres))
		}
	}
	r.str(EnvPostgresDSN, &cfg.PostgresDSN)
	r.boolean(EnvPostgresAutoMigrate, &cfg.PostgresAutoMigrate)
	r.str(EnvSeedFile, &cfg.SeedFile)

	r.str(EnvStripeSecretKey, &cfg.StripeSecretKey)
	r.str(EnvStripeWebhookSecret, &cfg.StripeWebhookSecret)
	r.str(EnvStripeSDKVersion, &cfg.StripeSDKVersion)
	r.boolean(EnvAllowMockProvider, &cfg.AllowMockProvider)

	if v, ok := r.value(EnvDeploymentCurrency); ok {
		if len(v) != 3 {
			r.warn(EnvDeploymentCurrency, v, fmt.Errorf("expected ISO 4217 code"))
		} else {
			cfg.DeploymentCurrency = strings.ToLower(v)
		}
	}
	r.str(EnvAppBaseURL, &cfg.AppBaseURL)
	r.positiveDuration(EnvReplayWindow, &cfg.ReplayWindow)
	r.positiveDuration(EnvSessionTTL, &cfg.SessionTTL)
	r.nonNegativeDuration(EnvRecoveryGrace, &cfg.RecoveryGrace)
	r.nonNegativeDuration(EnvOpenSessionGrace, &cfg.OpenSessionGrace)
	r.positiveDuration(EnvPendingLeaseTTL, &cfg.PendingLeaseTTL)

	r.positiveDuration(EnvOutboxPollInterval, &cfg.OutboxPollInterval)
	r.positiveInt(EnvOutboxBatchSize, &cfg.OutboxBatchSize)
	r.positiveDuration(EnvOutboxLease, &cfg.OutboxLease)
	r.positiveInt(EnvOutboxMaxAttempts, &cfg.OutboxMaxAttempts)
	r.nonNegativeDuration(EnvOutboxRetryDelay, &cfg.OutboxRetryDelay)

	r.positiveDuration(EnvRemediationPollInterval, &cfg.RemediationPollInterval)
	r.positiveInt(EnvRemediationBatchSize, &cfg.RemediationBatchSize)
	r.positiveDuration(EnvRemediationLease, &cfg.RemediationLease)
	r.positiveInt(EnvRemediationMaxAttempts, &cfg.RemediationMaxAttempts)
	r.nonNegativeDuration(EnvRemediationRetryDelay, &cfg.RemediationRetryDelay)

	r.positiveDuration(EnvSweeperInterval, &cfg.SweeperInterval)
	r.positiveInt(EnvSweeperBatchSize, &cfg.SweeperBatchSize)

	if v, ok := r.value(EnvKafkaBrokers); ok {
		cfg.KafkaBrokers = splitList(v)
	}
	r.str(EnvKafkaGuardrailTopic, &cfg.KafkaGuardrailTopic)
	r.str(EnvKafkaDLQTopic, &cfg.KafkaDLQTopic)

	r.str(EnvRedisAddr, &cfg.RedisAddr)
	r.str(EnvRedisPassword, &cfg.RedisPassword)
	if v, ok := r.value(EnvRedisDB); ok {
		db, err := strconv.Atoi(v)
		if err != nil || db < 0 {
			r.warn(EnvRedisDB, v, fmt.Errorf("expected non-negative integer"))
		} else {
			cfg.RedisDB = db
		}
	}
	r.positiveDuration(EnvPlanCacheTTL, &cfg.PlanCacheTTL)

	return cfg, r.warnings
}

// Validate проверяет сочетания настроек, которые нельзя исправить значением по умолчанию.
func (c Config) Validate() error {
	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			return fmt.Errorf("%s is required for storage driver %s", EnvPostgresDSN, StorageDriverPostgres)
		}
	default:
		return fmt.Errorf("unsupported storage driver %q", c.StorageDriver)
	}
	if c.StripeSecretKey == "" && !c.AllowMockProvider {
		return fmt.Errorf("%s is required unless %s is enabled", EnvStripeSecretKey, EnvAllowMockProvider)
	}
	if c.DeploymentCurrency == "" {
		return fmt.Errorf("%s is required", EnvDeploymentCurrency)
	}
	return nil
}

type envReader struct {
	lookup   EnvLookup
	warnings []string
}

func (r *envReader) value(key string) (string, bool) {
	if r.lookup == nil {
		return "", false
	}
	v, ok := r.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (r *envReader) warn(key, value string, err error) {
	r.warnings = append(r.warnings, fmt.Sprintf("%s=%q ignored: %v", key, value, err))
}

func (r *envReader) str(key string, dst *string) {
	if v, ok := r.value(key); ok {
		*dst = v
	}
}

func (r *envReader) boolean(key string, dst *bool) {
	v, ok := r.value(key)
	if !ok {
		return
	}
	parsed, err := ParseBool(v)
	if err != nil {
		r.warn(key, v, err)
		return
	}
	*dst = parsed
}

func (r *envReader) positiveInt(key string, dst *int) {
	v, ok := r.value(key)
	if !ok {
		return
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed <= 0 {
		r.warn(key, v, fmt.Errorf("expected positive integer"))
		return
	}
	*dst = parsed
}

func (r *envReader) positiveDuration(key string, dst *time.Duration) {
	r.duration(key, dst, false)
}

func (r *envReader) nonNegativeDuration(key string, dst *time.Duration) {
	r.duration(key, dst, true)
}

func (r *envReader) duration(key string, dst *time.Duration, allowZero bool) {
	v, ok := r.value(key)
	if !ok {
		return
	}
	parsed, err := time.ParseDuration(v)
	switch {
	case err != nil:
		r.warn(key, v, err)
	case parsed < 0 || (parsed == 0 && !allowZero):
		r.warn(key, v, fmt.Errorf("duration out of range"))
	default:
		*dst = parsed
	}
}

// ParseBool понимает true/false, 1/0, yes/no и on/off без учета регистра.
func ParseBool(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean %q", v)
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
