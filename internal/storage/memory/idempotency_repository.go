package memory

import (
	"context"
	"sort"
	"time"

	"github.com/vladislavdragonenkov/billing/internal/domain"
)

func (t *memoryTx) FindIdempotencyForUpdate(_ context.Context, action domain.IdempotencyAction, billableEntityID, clientKey string) (domain.IdempotencyRecord, error) {
	for _, rec := range t.st.idempotency {
		if rec.Action == action && rec.BillableEntityID == billableEntityID && rec.ClientIdempotencyKey == clientKey {
			return cloneIdempotencyRecord(rec), nil
		}
	}
	return domain.IdempotencyRecord{}, domain.ErrNotFound
}

func (t *memoryTx) ListPendingIdempotency(_ context.Context, action domain.IdempotencyAction, billableEntityID string) ([]domain.IdempotencyRecord, error) {
	out := make([]domain.IdempotencyRecord, 0)
	for _, rec := range t.st.idempotency {
		if rec.Action == action && rec.BillableEntityID == billableEntityID && rec.Status == domain.IdempotencyStatusPending {
			out = append(out, cloneIdempotencyRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (t *memoryTx) ListStalePendingIdempotency(_ context.Context, action domain.IdempotencyAction, now time.Time, limit int) ([]domain.IdempotencyRecord, error) {
	out := make([]domain.IdempotencyRecord, 0)
	for _, rec := range t.st.idempotency {
		if rec.Action == action && rec.LeaseStale(now) {
			out = append(out, cloneIdempotencyRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LeaseExpiresAt.Before(out[j].LeaseExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memoryTx) LockIdempotencyByID(_ context.Context, id string) (domain.IdempotencyRecord, error) {
	rec, ok := t.st.idempotency[id]
	if !ok {
		return domain.IdempotencyRecord{}, domain.ErrNotFound
	}
	return cloneIdempotencyRecord(rec), nil
}

func (t *memoryTx) InsertIdempotency(_ context.Context, rec domain.IdempotencyRecord) error {
	if _, exists := t.st.idempotency[rec.ID]; exists {
		return domain.ErrAlreadyExists
	}
	for _, existing := range t.st.idempotency {
		if existing.Action == rec.Action && existing.BillableEntityID == rec.BillableEntityID &&
			existing.ClientIdempotencyKey == rec.ClientIdempotencyKey {
			return domain.ErrAlreadyExists
		}
	}
	now := t.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	t.st.idempotency[rec.ID] = cloneIdempotencyRecord(rec)
	return nil
}

// UpdateIdempotency перезаписывает строку, только если текущая версия аренды равна ожидаемой.
func (t *memoryTx) UpdateIdempotency(_ context.Context, rec domain.IdempotencyRecord, expectedLeaseVersion int64) error {
	existing, ok := t.st.idempotency[rec.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if existing.LeaseVersion != expectedLeaseVersion {
		return domain.ErrLeaseFenced
	}
	rec.CreatedAt = existing.CreatedAt
	rec.UpdatedAt = t.now()
	t.st.idempotency[rec.ID] = cloneIdempotencyRecord(rec)
	return nil
}

func cloneIdempotencyRecord(src domain.IdempotencyRecord) domain.IdempotencyRecord {
	dst := src
	dst.NormalizedRequestJSON = cloneBytes(src.NormalizedRequestJSON)
	dst.ProviderRequestParamsJSON = cloneBytes(src.ProviderRequestParamsJSON)
	dst.ResponseJSON = cloneBytes(src.ResponseJSON)
	dst.FailureDetailsJSON = cloneBytes(src.FailureDetailsJSON)
	return dst
}

func cloneBytes(src []byte) []byte {
	if src == nil {
		return nil
	}
	return append([]byte(nil), src...)
}
