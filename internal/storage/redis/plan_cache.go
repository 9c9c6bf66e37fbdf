package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	r "github.com/redis/go-redis/v9"

	"github.com/vladislavdragonenkov/billing/internal/domain"
)

const (
	defaultKeyPrefix = "billing:plan:"
	defaultTTL       = 5 * time.Minute
)

// Config описывает подключение к Redis.
type Config struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
	Timeout     time.Duration
}

// NewClient создает клиент go-redis по конфигурации.
func NewClient(cfg Config) *r.Client {
	return r.NewClient(&r.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})
}

type cachedPlan struct {
	Code      string             `json:"code"`
	Version   int                `json:"version"`
	Name      string             `json:"name"`
	Active    bool               `json:"active"`
	Prices    []domain.PlanPrice `json:"prices"`
	CreatedAt time.Time          `json:"createdAt"`
}

// PlanCache хранит тарифные планы в Redis в виде JSON с TTL.
type PlanCache struct {
	client r.Cmdable
	prefix string
	ttl    time.Duration
}

// NewPlanCache создает кеш планов. ttl <= 0 заменяется значением по умолчанию.
func NewPlanCache(client r.Cmdable, ttl time.Duration) *PlanCache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &PlanCache{client: client, prefix: defaultKeyPrefix, ttl: ttl}
}

// GetPlan возвращает план из кеша. Промах кеша: ok == false без ошибки.
func (c *PlanCache) GetPlan(ctx context.Context, code string) (domain.Plan, bool, error) {
	raw, err := c.client.Get(ctx, c.key(code)).Bytes()
	if err != nil {
		if errors.Is(err, r.Nil) {
			return domain.Plan{}, false, nil
		}
		return domain.Plan{}, false, fmt.Errorf("redis get plan %s: %w", code, err)
	}

	var cached cachedPlan
	if err := json.Unmarshal(raw, &cached); err != nil {
		// битая запись не должна блокировать чтение из базы
		_ = c.client.Del(ctx, c.key(code)).Err()
		return domain.Plan{}, false, fmt.Errorf("decode cached plan %s: %w", code, err)
	}
	return domain.Plan{
		Code:      cached.Code,
		Version:   cached.Version,
		Name:      cached.Name,
		Active:    cached.Active,
		Prices:    cached.Prices,
		CreatedAt: cached.CreatedAt,
	}, true, nil
}

// SetPlan кладет план в кеш.
func (c *PlanCache) SetPlan(ctx context.Context, plan domain.Plan) error {
	raw, err := json.Marshal(cachedPlan{
		Code:      plan.Code,
		Version:   plan.Version,
		Name:      plan.Name,
		Active:    plan.Active,
		Prices:    plan.Prices,
		CreatedAt: plan.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("encode plan %s: %w", plan.Code, err)
	}
	if err := c.client.Set(ctx, c.key(plan.Code), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set plan %s: %w", plan.Code, err)
	}
	return nil
}

// Invalidate удаляет план из кеша.
func (c *PlanCache) Invalidate(ctx context.Context, code string) error {
	if err := c.client.Del(ctx, c.key(code)).Err(); err != nil {
		return fmt.Errorf("redis del plan %s: %w", code, err)
	}
	return nil
}

func (c *PlanCache) key(code string) string {
	return c.prefix + code
}

// Pinger проверяет доступность Redis для health-check.
type Pinger struct {
	client r.Cmdable
}

// NewPinger создает проверку доступности.
func NewPinger(client r.Cmdable) *Pinger {
	return &Pinger{client: client}
}

// Ping отправляет PING.
func (p *Pinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
