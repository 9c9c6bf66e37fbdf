package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/billing/internal/domain"
)

// billingState — все таблицы in-memory хранилища.
type billingState struct {
	entities      map[string]domain.BillableEntity
	members       map[string]domain.WorkspaceRole
	customers     map[string]domain.BillingCustomer
	subscriptions map[string]domain.Subscription
	plans         map[string]domain.Plan
	idempotency   map[string]domain.IdempotencyRecord
	sessions      map[string]domain.CheckoutSession
	outbox        map[string]domain.OutboxJob
	remediation   map[string]domain.RemediationTask
}

func newBillingState() billingState {
	return billingState{
		entities:      make(map[string]domain.BillableEntity),
		members:       make(map[string]domain.WorkspaceRole),
		customers:     make(map[string]domain.BillingCustomer),
		subscriptions: make(map[string]domain.Subscription),
		plans:         make(map[string]domain.Plan),
		idempotency:   make(map[string]domain.IdempotencyRecord),
		sessions:      make(map[string]domain.CheckoutSession),
		outbox:        make(map[string]domain.OutboxJob),
		remediation:   make(map[string]domain.RemediationTask),
	}
}

// snapshot копирует таблицы для отката транзакции. Значения не мутируются на месте, поэтому
// достаточно поверхностной копии map.
func (s billingState) snapshot() billingState {
	return billingState{
		entities:      copyMap(s.entities),
		members:       copyMap(s.members),
		customers:     copyMap(s.customers),
		subscriptions: copyMap(s.subscriptions),
		plans:         copyMap(s.plans),
		idempotency:   copyMap(s.idempotency),
		sessions:      copyMap(s.sessions),
		outbox:        copyMap(s.outbox),
		remediation:   copyMap(s.remediation),
	}
}

func copyMap[K comparable, V any](src map[K]V) map[K]V {
	dst := make(map[K]V, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// BillingRepository — in-memory реализация domain.BillingRepository для разработки и тестов.
// Транзакции сериализуются одним мьютексом, что даёт те же гарантии, что и блокировки строк.
type BillingRepository struct {
	mu    sync.Mutex
	state billingState
	now   func() time.Time
}

// NewBillingRepository создаёт пустое хранилище.
func NewBillingRepository() *BillingRepository {
	return &BillingRepository{
		state: newBillingState(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// WithinTx выполняет fn под эксклюзивной блокировкой; при ошибке состояние откатывается.
func (r *BillingRepository) WithinTx(ctx context.Context, fn func(ctx context.Context, tx domain.BillingTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	before := r.state.snapshot()
	tx := &memoryTx{st: &r.state, now: r.now}
	if err := fn(ctx, tx); err != nil {
		r.state = before
		return err
	}
	return nil
}

// SeedBillableEntity добавляет billable entity (служебный метод для dev-режима и тестов).
func (r *BillingRepository) SeedBillableEntity(entity domain.BillableEntity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if entity.CreatedAt.IsZero() {
		entity.CreatedAt = now
	}
	entity.UpdatedAt = now
	r.state.entities[entity.ID] = entity
}

// SeedWorkspaceMember назначает роль пользователю workspace.
func (r *BillingRepository) SeedWorkspaceMember(workspaceID, userID string, role domain.WorkspaceRole) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.members[memberKey(workspaceID, userID)] = role
}

// SeedPlan добавляет или заменяет план каталога.
func (r *BillingRepository) SeedPlan(plan domain.Plan) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.plans[plan.Code] = clonePlan(plan)
}

// SeedSubscription сохраняет подписку.
func (r *BillingRepository) SeedSubscription(sub domain.Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx := &memoryTx{st: &r.state, now: r.now}
	_, _ = tx.UpsertSubscription(context.Background(), sub)
}

// SeedCustomer сохраняет клиента провайдера.
func (r *BillingRepository) SeedCustomer(customer domain.BillingCustomer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.customers[customerKey(customer.BillableEntityID, customer.Provider)] = customer
}

// UpsertBillableEntity — вариант SeedBillableEntity с сигнатурой postgres-репозитория.
func (r *BillingRepository) UpsertBillableEntity(ctx context.Context, entity domain.BillableEntity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.SeedBillableEntity(entity)
	return nil
}

func (r *BillingRepository) UpsertWorkspaceMember(ctx context.Context, workspaceID, userID string, role domain.WorkspaceRole) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.SeedWorkspaceMember(workspaceID, userID, role)
	return nil
}

func (r *BillingRepository) UpsertPlan(ctx context.Context, plan domain.Plan) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.SeedPlan(plan)
	return nil
}

// IdempotencyRecords возвращает копию всех записей леджера (используется в тестах).
func (r *BillingRepository) IdempotencyRecords() []domain.IdempotencyRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.IdempotencyRecord, 0, len(r.state.idempotency))
	for _, rec := range r.state.idempotency {
		out = append(out, cloneIdempotencyRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// CheckoutSessions возвращает копию всех checkout-сессий.
func (r *BillingRepository) CheckoutSessions() []domain.CheckoutSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.CheckoutSession, 0, len(r.state.sessions))
	for _, s := range r.state.sessions {
		out = append(out, cloneCheckoutSession(s))
	}
	sortSessions(out)
	return out
}

// OutboxJobs возвращает копию всех задач outbox.
func (r *BillingRepository) OutboxJobs() []domain.OutboxJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.OutboxJob, 0, len(r.state.outbox))
	for _, job := range r.state.outbox {
		out = append(out, cloneOutboxJob(job))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// RemediationTasks возвращает копию всех задач remediation.
func (r *BillingRepository) RemediationTasks() []domain.RemediationTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.RemediationTask, 0, len(r.state.remediation))
	for _, task := range r.state.remediation {
		out = append(out, cloneRemediationTask(task))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// memoryTx работает с состоянием напрямую: блокировка уже взята в WithinTx.
type memoryTx struct {
	st  *billingState
	now func() time.Time
}

func memberKey(workspaceID, userID string) string {
	return workspaceID + "|" + userID
}

func customerKey(billableEntityID, provider string) string {
	return billableEntityID + "|" + provider
}

var (
	_ domain.BillingRepository = (*BillingRepository)(nil)
	_ domain.BillingTx         = (*memoryTx)(nil)
)
