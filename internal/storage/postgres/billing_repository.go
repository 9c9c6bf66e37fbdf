package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vladislavdragonenkov/billing/internal/domain"
)

const (
	opTimeout = 5 * time.Second

	pgUniqueViolation = "23505"
)

// BillingRepository — PostgreSQL-реализация domain.BillingRepository.
// Блокировки строк (FOR UPDATE) держатся до конца транзакции WithinTx.
type BillingRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewBillingRepository создаёт репозиторий поверх Store.
func NewBillingRepository(store *Store) *BillingRepository {
	return &BillingRepository{
		db:  store.DB(),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// WithinTx выполняет fn в транзакции READ COMMITTED. Ошибка fn или паника откатывают транзакцию.
func (r *BillingRepository) WithinTx(ctx context.Context, fn func(ctx context.Context, tx domain.BillingTx) error) (err error) {
	sqlTx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin billing tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()

	if err := fn(ctx, &pgTx{tx: sqlTx, now: r.now}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("rollback billing tx: %w", rbErr))
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit billing tx: %w", err)
	}
	return nil
}

// UpsertBillableEntity создаёт или обновляет billable entity (служебная операция billingctl seed).
func (r *BillingRepository) UpsertBillableEntity(ctx context.Context, entity domain.BillableEntity) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	now := r.now()
	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO billable_entities (id, workspace_id, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (id) DO UPDATE SET workspace_id = EXCLUDED.workspace_id, updated_at = EXCLUDED.updated_at
	`, entity.ID, entity.WorkspaceID, now); err != nil {
		return fmt.Errorf("upsert billable entity %s: %w", entity.ID, err)
	}
	return nil
}

// UpsertWorkspaceMember назначает роль пользователю workspace.
func (r *BillingRepository) UpsertWorkspaceMember(ctx context.Context, workspaceID, userID string, role domain.WorkspaceRole) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO workspace_members (workspace_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (workspace_id, user_id) DO UPDATE SET role = EXCLUDED.role
	`, workspaceID, userID, string(role)); err != nil {
		return fmt.Errorf("upsert workspace member: %w", err)
	}
	return nil
}

// UpsertPlan заменяет план каталога вместе с ценами.
func (r *BillingRepository) UpsertPlan(ctx context.Context, plan domain.Plan) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin plan tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO billing_plans (code, version, name, active, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (code) DO UPDATE
		SET version = EXCLUDED.version, name = EXCLUDED.name, active = EXCLUDED.active
	`, plan.Code, plan.Version, plan.Name, plan.Active, r.now()); err != nil {
		return fmt.Errorf("upsert plan %s: %w", plan.Code, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM billing_plan_prices WHERE plan_code = $1`, plan.Code); err != nil {
		return fmt.Errorf("clear plan prices %s: %w", plan.Code, err)
	}
	for _, price := range plan.Prices {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO billing_plan_prices (
				plan_code, plan_version, provider_price_id, currency, amount_minor, billing_interval, quantity
			) VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, plan.Code, plan.Version, price.ProviderPriceID, price.Currency, price.AmountMinor, price.Interval, price.Quantity); err != nil {
			return fmt.Errorf("insert plan price %s/%s: %w", plan.Code, price.ProviderPriceID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit plan %s: %w", plan.Code, err)
	}
	return nil
}

// pgTx реализует domain.BillingTx поверх *sql.Tx.
type pgTx struct {
	tx  *sql.Tx
	now func() time.Time
}

func (t *pgTx) LockBillableEntity(ctx context.Context, id string) (domain.BillableEntity, error) {
	var entity domain.BillableEntity
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, workspace_id, created_at, updated_at
		FROM billable_entities
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&entity.ID, &entity.WorkspaceID, &entity.CreatedAt, &entity.UpdatedAt)
	if err != nil {
		return domain.BillableEntity{}, notFoundOr(err, "lock billable entity")
	}
	return entity, nil
}

func (t *pgTx) FindBillableEntityByWorkspace(ctx context.Context, workspaceID string) (domain.BillableEntity, error) {
	var entity domain.BillableEntity
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, workspace_id, created_at, updated_at
		FROM billable_entities
		WHERE workspace_id = $1
	`, workspaceID).Scan(&entity.ID, &entity.WorkspaceID, &entity.CreatedAt, &entity.UpdatedAt)
	if err != nil {
		return domain.BillableEntity{}, notFoundOr(err, "find billable entity by workspace")
	}
	return entity, nil
}

func (t *pgTx) FindWorkspaceRole(ctx context.Context, workspaceID, userID string) (domain.WorkspaceRole, error) {
	var role string
	err := t.tx.QueryRowContext(ctx, `
		SELECT role FROM workspace_members WHERE workspace_id = $1 AND user_id = $2
	`, workspaceID, userID).Scan(&role)
	if err != nil {
		return "", notFoundOr(err, "find workspace role")
	}
	return domain.WorkspaceRole(role), nil
}

func (t *pgTx) FindCustomer(ctx context.Context, billableEntityID, provider string) (domain.BillingCustomer, error) {
	customer := domain.BillingCustomer{BillableEntityID: billableEntityID, Provider: provider}
	err := t.tx.QueryRowContext(ctx, `
		SELECT provider_customer_id, created_at
		FROM billing_customers
		WHERE billable_entity_id = $1 AND provider = $2
	`, billableEntityID, provider).Scan(&customer.ProviderCustomerID, &customer.CreatedAt)
	if err != nil {
		return domain.BillingCustomer{}, notFoundOr(err, "find customer")
	}
	return customer, nil
}

func (t *pgTx) UpsertCustomer(ctx context.Context, customer domain.BillingCustomer) error {
	createdAt := customer.CreatedAt
	if createdAt.IsZero() {
		createdAt = t.now()
	}
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO billing_customers (billable_entity_id, provider, provider_customer_id, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (billable_entity_id, provider) DO UPDATE
		SET provider_customer_id = EXCLUDED.provider_customer_id
	`, customer.BillableEntityID, customer.Provider, customer.ProviderCustomerID, createdAt); err != nil {
		return fmt.Errorf("upsert customer: %w", err)
	}
	return nil
}

const subscriptionColumns = `
	id, billable_entity_id, provider, provider_subscription_id, provider_customer_id, plan_code,
	status, is_current, current_period_end, last_provider_event_at, created_at, updated_at`

func scanSubscription(row interface{ Scan(...any) error }) (domain.Subscription, error) {
	var (
		sub                    domain.Subscription
		status                 string
		periodEnd, lastEventAt sql.NullTime
	)
	if err := row.Scan(
		&sub.ID, &sub.BillableEntityID, &sub.Provider, &sub.ProviderSubscriptionID, &sub.ProviderCustomerID, &sub.PlanCode,
		&status, &sub.IsCurrent, &periodEnd, &lastEventAt, &sub.CreatedAt, &sub.UpdatedAt,
	); err != nil {
		return domain.Subscription{}, err
	}
	sub.Status = domain.SubscriptionStatus(status)
	sub.CurrentPeriodEnd = timeValue(periodEnd)
	sub.LastProviderEventAt = timeValue(lastEventAt)
	return sub, nil
}

func (t *pgTx) LockSubscriptions(ctx context.Context, billableEntityID string) ([]domain.Subscription, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM billing_subscriptions
		WHERE billable_entity_id = $1
		ORDER BY created_at, id
		FOR UPDATE
	`, billableEntityID)
	if err != nil {
		return nil, fmt.Errorf("lock subscriptions: %w", err)
	}
	defer rows.Close()

	subs := make([]domain.Subscription, 0)
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}
	return subs, nil
}

func (t *pgTx) FindSubscriptionByProviderID(ctx context.Context, provider, providerSubscriptionID string) (domain.Subscription, error) {
	sub, err := scanSubscription(t.tx.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM billing_subscriptions
		WHERE provider = $1 AND provider_subscription_id = $2
	`, provider, providerSubscriptionID))
	if err != nil {
		return domain.Subscription{}, notFoundOr(err, "find subscription")
	}
	return sub, nil
}

// UpsertSubscription ищет подписку по (provider, provider_subscription_id).
func (t *pgTx) UpsertSubscription(ctx context.Context, sub domain.Subscription) (domain.Subscription, error) {
	now := t.now()
	if sub.ID == "" {
		sub.ID = newID()
	}
	createdAt := sub.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	saved, err := scanSubscription(t.tx.QueryRowContext(ctx, `
		INSERT INTO billing_subscriptions (
			id, billable_entity_id, provider, provider_subscription_id, provider_customer_id, plan_code,
			status, is_current, current_period_end, last_provider_event_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (provider, provider_subscription_id) DO UPDATE SET
			billable_entity_id     = EXCLUDED.billable_entity_id,
			provider_customer_id   = EXCLUDED.provider_customer_id,
			plan_code              = EXCLUDED.plan_code,
			status                 = EXCLUDED.status,
			is_current             = EXCLUDED.is_current,
			current_period_end     = EXCLUDED.current_period_end,
			last_provider_event_at = EXCLUDED.last_provider_event_at,
			updated_at             = EXCLUDED.updated_at
		RETURNING `+subscriptionColumns,
		sub.ID, sub.BillableEntityID, sub.Provider, sub.ProviderSubscriptionID, sub.ProviderCustomerID, sub.PlanCode,
		string(sub.Status), sub.IsCurrent, nullTime(sub.CurrentPeriodEnd), nullTime(sub.LastProviderEventAt), createdAt, now,
	))
	if err != nil {
		return domain.Subscription{}, fmt.Errorf("upsert subscription %s: %w", sub.ProviderSubscriptionID, err)
	}
	return saved, nil
}

func (t *pgTx) FindPlan(ctx context.Context, code string) (domain.Plan, error) {
	plan := domain.Plan{Code: code}
	err := t.tx.QueryRowContext(ctx, `
		SELECT version, name, active, created_at FROM billing_plans WHERE code = $1
	`, code).Scan(&plan.Version, &plan.Name, &plan.Active, &plan.CreatedAt)
	if err != nil {
		return domain.Plan{}, notFoundOr(err, "find plan")
	}

	rows, err := t.tx.QueryContext(ctx, `
		SELECT plan_version, provider_price_id, currency, amount_minor, billing_interval, quantity
		FROM billing_plan_prices
		WHERE plan_code = $1
		ORDER BY provider_price_id
	`, code)
	if err != nil {
		return domain.Plan{}, fmt.Errorf("query plan prices: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		price := domain.PlanPrice{PlanCode: code}
		if err := rows.Scan(&price.PlanVersion, &price.ProviderPriceID, &price.Currency, &price.AmountMinor, &price.Interval, &price.Quantity); err != nil {
			return domain.Plan{}, fmt.Errorf("scan plan price: %w", err)
		}
		plan.Prices = append(plan.Prices, price)
	}
	if err := rows.Err(); err != nil {
		return domain.Plan{}, fmt.Errorf("iterate plan prices: %w", err)
	}
	return plan, nil
}

// notFoundOr превращает sql.ErrNoRows в domain.ErrNotFound.
func notFoundOr(err error, op string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timeValue(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time.UTC()
}

var (
	_ domain.BillingRepository = (*BillingRepository)(nil)
	_ domain.BillingTx         = (*pgTx)(nil)
)
