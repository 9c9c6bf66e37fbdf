package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/vladislavdragonenkov/billing/internal/domain"
)

const checkoutSessionColumns = `
	id, billable_entity_id, provider, provider_checkout_session_id, idempotency_row_id, operation_key,
	provider_customer_id, provider_subscription_id, status, checkout_url, expires_at, completed_at,
	last_provider_event_created_at, last_provider_event_id, metadata_json, created_at, updated_at`

func scanCheckoutSession(row interface{ Scan(...any) error }) (domain.CheckoutSession, error) {
	var (
		session                           domain.CheckoutSession
		status                            string
		expiresAt, completedAt, lastEvent sql.NullTime
	)
	if err := row.Scan(
		&session.ID, &session.BillableEntityID, &session.Provider, &session.ProviderCheckoutSessionID,
		&session.IdempotencyRowID, &session.OperationKey, &session.ProviderCustomerID, &session.ProviderSubscriptionID,
		&status, &session.CheckoutURL, &expiresAt, &completedAt,
		&lastEvent, &session.LastProviderEventID, &session.MetadataJSON, &session.CreatedAt, &session.UpdatedAt,
	); err != nil {
		return domain.CheckoutSession{}, err
	}
	session.Status = domain.CheckoutSessionStatus(status)
	session.ExpiresAt = timeValue(expiresAt)
	session.CompletedAt = timeValue(completedAt)
	session.LastProviderEventCreatedAt = timeValue(lastEvent)
	return session, nil
}

func (t *pgTx) LockCheckoutSessions(ctx context.Context, billableEntityID string) ([]domain.CheckoutSession, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+checkoutSessionColumns+`
		FROM billing_checkout_sessions
		WHERE billable_entity_id = $1
		ORDER BY created_at, id
		FOR UPDATE
	`, billableEntityID)
	if err != nil {
		return nil, fmt.Errorf("lock checkout sessions: %w", err)
	}
	defer rows.Close()

	out := make([]domain.CheckoutSession, 0)
	for rows.Next() {
		session, err := scanCheckoutSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkout session: %w", err)
		}
		out = append(out, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkout sessions: %w", err)
	}
	return out, nil
}

// findSession возвращает самую новую строку, подходящую под условие; column — имя колонки из констант пакета.
func (t *pgTx) findSession(ctx context.Context, column, provider, value string) (domain.CheckoutSession, error) {
	if value == "" {
		return domain.CheckoutSession{}, domain.ErrNotFound
	}
	session, err := scanCheckoutSession(t.tx.QueryRowContext(ctx, `
		SELECT `+checkoutSessionColumns+`
		FROM billing_checkout_sessions
		WHERE provider = $1 AND `+column+` = $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1
		FOR UPDATE
	`, provider, value))
	if err != nil {
		return domain.CheckoutSession{}, notFoundOr(err, "find checkout session by "+column)
	}
	return session, nil
}

func (t *pgTx) FindCheckoutSessionByProviderID(ctx context.Context, provider, providerSessionID string) (domain.CheckoutSession, error) {
	return t.findSession(ctx, "provider_checkout_session_id", provider, providerSessionID)
}

func (t *pgTx) FindCheckoutSessionByOperationKey(ctx context.Context, provider, operationKey string) (domain.CheckoutSession, error) {
	return t.findSession(ctx, "operation_key", provider, operationKey)
}

func (t *pgTx) FindCheckoutSessionBySubscriptionID(ctx context.Context, provider, providerSubscriptionID string) (domain.CheckoutSession, error) {
	return t.findSession(ctx, "provider_subscription_id", provider, providerSubscriptionID)
}

// UpsertCheckoutSessionByOperationKey создаёт строку или перезаписывает найденную по (provider, operation_key).
// Конфликт provider_checkout_session_id с другой строкой возвращает ErrAlreadyExists.
func (t *pgTx) UpsertCheckoutSessionByOperationKey(ctx context.Context, session domain.CheckoutSession) (domain.CheckoutSession, error) {
	if session.OperationKey == "" {
		return domain.CheckoutSession{}, fmt.Errorf("upsert checkout session: operation key is required")
	}
	now := t.now()
	if session.ID == "" {
		session.ID = newID()
	}

	saved, err := scanCheckoutSession(t.tx.QueryRowContext(ctx, `
		INSERT INTO billing_checkout_sessions (`+checkoutSessionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$16)
		ON CONFLICT (provider, operation_key) WHERE operation_key <> '' DO UPDATE SET
			billable_entity_id             = EXCLUDED.billable_entity_id,
			provider_checkout_session_id   = EXCLUDED.provider_checkout_session_id,
			idempotency_row_id             = EXCLUDED.idempotency_row_id,
			provider_customer_id           = EXCLUDED.provider_customer_id,
			provider_subscription_id       = EXCLUDED.provider_subscription_id,
			status                         = EXCLUDED.status,
			checkout_url                   = EXCLUDED.checkout_url,
			expires_at                     = EXCLUDED.expires_at,
			completed_at                   = EXCLUDED.completed_at,
			last_provider_event_created_at = EXCLUDED.last_provider_event_created_at,
			last_provider_event_id         = EXCLUDED.last_provider_event_id,
			metadata_json                  = EXCLUDED.metadata_json,
			updated_at                     = EXCLUDED.updated_at
		RETURNING `+checkoutSessionColumns,
		session.ID, session.BillableEntityID, session.Provider, session.ProviderCheckoutSessionID,
		session.IdempotencyRowID, session.OperationKey, session.ProviderCustomerID, session.ProviderSubscriptionID,
		string(session.Status), session.CheckoutURL, nullTime(session.ExpiresAt), nullTime(session.CompletedAt),
		nullTime(session.LastProviderEventCreatedAt), session.LastProviderEventID, session.MetadataJSON, now,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.CheckoutSession{}, domain.ErrAlreadyExists
		}
		return domain.CheckoutSession{}, fmt.Errorf("upsert checkout session %s: %w", session.OperationKey, err)
	}
	return saved, nil
}

func (t *pgTx) UpdateCheckoutSession(ctx context.Context, session domain.CheckoutSession) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE billing_checkout_sessions SET
			billable_entity_id             = $2,
			provider_checkout_session_id   = $3,
			idempotency_row_id             = $4,
			operation_key                  = $5,
			provider_customer_id           = $6,
			provider_subscription_id       = $7,
			status                         = $8,
			checkout_url                   = $9,
			expires_at                     = $10,
			completed_at                   = $11,
			last_provider_event_created_at = $12,
			last_provider_event_id         = $13,
			metadata_json                  = $14,
			updated_at                     = $15
		WHERE id = $1
	`,
		session.ID, session.BillableEntityID, session.ProviderCheckoutSessionID, session.IdempotencyRowID,
		session.OperationKey, session.ProviderCustomerID, session.ProviderSubscriptionID, string(session.Status),
		session.CheckoutURL, nullTime(session.ExpiresAt), nullTime(session.CompletedAt),
		nullTime(session.LastProviderEventCreatedAt), session.LastProviderEventID, session.MetadataJSON, t.now(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("update checkout session %s: %w", session.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for checkout session %s: %w", session.ID, err)
	}
	if affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}
