package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/billing/internal/domain"
)

const idempotencyColumns = `
	id, action, billable_entity_id, client_idempotency_key, request_fingerprint_hash, normalized_request_json,
	status, lease_version, lease_owner, lease_expires_at, operation_key, provider_idempotency_key,
	provider_request_params_json, provider_request_hash, provider_request_schema_version,
	provider_sdk_name, provider_sdk_version, provider_api_version, provider_request_frozen_at,
	provider_idempotency_replay_deadline_at, provider_checkout_session_expires_at_upper_bound,
	provider_session_id, response_json, failure_code, failure_reason, failure_details_json,
	created_at, updated_at`

func newID() string {
	return uuid.NewString()
}

func scanIdempotency(row interface{ Scan(...any) error }) (domain.IdempotencyRecord, error) {
	var (
		rec                         domain.IdempotencyRecord
		action, status, failureCode string
		leaseExpires, frozenAt      sql.NullTime
		replayDeadline, upperBound  sql.NullTime
	)
	if err := row.Scan(
		&rec.ID, &action, &rec.BillableEntityID, &rec.ClientIdempotencyKey, &rec.RequestFingerprintHash, &rec.NormalizedRequestJSON,
		&status, &rec.LeaseVersion, &rec.LeaseOwner, &leaseExpires, &rec.OperationKey, &rec.ProviderIdempotencyKey,
		&rec.ProviderRequestParamsJSON, &rec.ProviderRequestHash, &rec.ProviderRequestSchemaVersion,
		&rec.ProviderSDKName, &rec.ProviderSDKVersion, &rec.ProviderAPIVersion, &frozenAt,
		&replayDeadline, &upperBound,
		&rec.ProviderSessionID, &rec.ResponseJSON, &failureCode, &rec.FailureReason, &rec.FailureDetailsJSON,
		&rec.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		return domain.IdempotencyRecord{}, err
	}
	rec.Action = domain.IdempotencyAction(action)
	rec.Status = domain.IdempotencyStatus(status)
	rec.FailureCode = domain.ErrorCode(failureCode)
	rec.LeaseExpiresAt = timeValue(leaseExpires)
	rec.ProviderRequestFrozenAt = timeValue(frozenAt)
	rec.ProviderIdempotencyReplayDeadlineAt = timeValue(replayDeadline)
	rec.ProviderCheckoutSessionExpiresAtUpperBound = timeValue(upperBound)
	return rec, nil
}

func (t *pgTx) queryIdempotency(ctx context.Context, query string, args ...any) ([]domain.IdempotencyRecord, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query idempotency records: %w", err)
	}
	defer rows.Close()

	out := make([]domain.IdempotencyRecord, 0)
	for rows.Next() {
		rec, err := scanIdempotency(rows)
		if err != nil {
			return nil, fmt.Errorf("scan idempotency record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate idempotency records: %w", err)
	}
	return out, nil
}

func (t *pgTx) FindIdempotencyForUpdate(ctx context.Context, action domain.IdempotencyAction, billableEntityID, clientKey string) (domain.IdempotencyRecord, error) {
	rec, err := scanIdempotency(t.tx.QueryRowContext(ctx, `
		SELECT `+idempotencyColumns+`
		FROM billing_idempotency
		WHERE action = $1 AND billable_entity_id = $2 AND client_idempotency_key = $3
		FOR UPDATE
	`, string(action), billableEntityID, clientKey))
	if err != nil {
		return domain.IdempotencyRecord{}, notFoundOr(err, "find idempotency record")
	}
	return rec, nil
}

func (t *pgTx) ListPendingIdempotency(ctx context.Context, action domain.IdempotencyAction, billableEntityID string) ([]domain.IdempotencyRecord, error) {
	return t.queryIdempotency(ctx, `
		SELECT `+idempotencyColumns+`
		FROM billing_idempotency
		WHERE action = $1 AND billable_entity_id = $2 AND status = 'pending'
		ORDER BY created_at, id
	`, string(action), billableEntityID)
}

// ListStalePendingIdempotency не блокирует строки: вызывающий берёт LockIdempotencyByID по каждой.
func (t *pgTx) ListStalePendingIdempotency(ctx context.Context, action domain.IdempotencyAction, now time.Time, limit int) ([]domain.IdempotencyRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return t.queryIdempotency(ctx, `
		SELECT `+idempotencyColumns+`
		FROM billing_idempotency
		WHERE action = $1 AND status = 'pending' AND (lease_expires_at IS NULL OR lease_expires_at <= $2)
		ORDER BY lease_expires_at NULLS FIRST, id
		LIMIT $3
	`, string(action), now.UTC(), limit)
}

func (t *pgTx) LockIdempotencyByID(ctx context.Context, id string) (domain.IdempotencyRecord, error) {
	rec, err := scanIdempotency(t.tx.QueryRowContext(ctx, `
		SELECT `+idempotencyColumns+`
		FROM billing_idempotency
		WHERE id = $1
		FOR UPDATE
	`, id))
	if err != nil {
		return domain.IdempotencyRecord{}, notFoundOr(err, "lock idempotency record")
	}
	return rec, nil
}

func (t *pgTx) InsertIdempotency(ctx context.Context, rec domain.IdempotencyRecord) error {
	now := t.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO billing_idempotency (`+idempotencyColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28)
	`, idempotencyArgs(rec, now)...)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("insert idempotency record: %w", err)
	}
	return nil
}

// UpdateIdempotency перезаписывает строку, только если текущая версия аренды равна ожидаемой.
func (t *pgTx) UpdateIdempotency(ctx context.Context, rec domain.IdempotencyRecord, expectedLeaseVersion int64) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE billing_idempotency SET
			request_fingerprint_hash                         = $2,
			normalized_request_json                          = $3,
			status                                           = $4,
			lease_version                                    = $5,
			lease_owner                                      = $6,
			lease_expires_at                                 = $7,
			operation_key                                    = $8,
			provider_idempotency_key                         = $9,
			provider_request_params_json                     = $10,
			provider_request_hash                            = $11,
			provider_request_schema_version                  = $12,
			provider_sdk_name                                = $13,
			provider_sdk_version                             = $14,
			provider_api_version                             = $15,
			provider_request_frozen_at                       = $16,
			provider_idempotency_replay_deadline_at          = $17,
			provider_checkout_session_expires_at_upper_bound = $18,
			provider_session_id                              = $19,
			response_json                                    = $20,
			failure_code                                     = $21,
			failure_reason                                   = $22,
			failure_details_json                             = $23,
			updated_at                                       = $24
		WHERE id = $1 AND lease_version = $25
	`,
		rec.ID,
		rec.RequestFingerprintHash,
		rec.NormalizedRequestJSON,
		string(rec.Status),
		rec.LeaseVersion,
		rec.LeaseOwner,
		nullTime(rec.LeaseExpiresAt),
		rec.OperationKey,
		rec.ProviderIdempotencyKey,
		rec.ProviderRequestParamsJSON,
		rec.ProviderRequestHash,
		rec.ProviderRequestSchemaVersion,
		rec.ProviderSDKName,
		rec.ProviderSDKVersion,
		rec.ProviderAPIVersion,
		nullTime(rec.ProviderRequestFrozenAt),
		nullTime(rec.ProviderIdempotencyReplayDeadlineAt),
		nullTime(rec.ProviderCheckoutSessionExpiresAtUpperBound),
		rec.ProviderSessionID,
		rec.ResponseJSON,
		string(rec.FailureCode),
		rec.FailureReason,
		rec.FailureDetailsJSON,
		t.now(),
		expectedLeaseVersion,
	)
	if err != nil {
		return fmt.Errorf("update idempotency record %s: %w", rec.ID, err)
	}
	return t.fencedResult(ctx, res, "billing_idempotency", rec.ID)
}

func idempotencyArgs(rec domain.IdempotencyRecord, now time.Time) []any {
	return []any{
		rec.ID,
		string(rec.Action),
		rec.BillableEntityID,
		rec.ClientIdempotencyKey,
		rec.RequestFingerprintHash,
		rec.NormalizedRequestJSON,
		string(rec.Status),
		rec.LeaseVersion,
		rec.LeaseOwner,
		nullTime(rec.LeaseExpiresAt),
		rec.OperationKey,
		rec.ProviderIdempotencyKey,
		rec.ProviderRequestParamsJSON,
		rec.ProviderRequestHash,
		rec.ProviderRequestSchemaVersion,
		rec.ProviderSDKName,
		rec.ProviderSDKVersion,
		rec.ProviderAPIVersion,
		nullTime(rec.ProviderRequestFrozenAt),
		nullTime(rec.ProviderIdempotencyReplayDeadlineAt),
		nullTime(rec.ProviderCheckoutSessionExpiresAtUpperBound),
		rec.ProviderSessionID,
		rec.ResponseJSON,
		string(rec.FailureCode),
		rec.FailureReason,
		rec.FailureDetailsJSON,
		rec.CreatedAt,
		now,
	}
}

// fencedResult различает отсутствие строки и устаревшую версию аренды, когда UPDATE ничего не изменил.
// table подставляется только из констант пакета.
func (t *pgTx) fencedResult(ctx context.Context, res sql.Result, table, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for %s %s: %w", table, id, err)
	}
	if affected > 0 {
		return nil
	}

	var exists bool
	if err := t.tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check %s %s: %w", table, id, err)
	}
	if !exists {
		return domain.ErrNotFound
	}
	return domain.ErrLeaseFenced
}
