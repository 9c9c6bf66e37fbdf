package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/billing/internal/domain"
)

const outboxColumns = `
	id, job_type, payload_json, status, attempt_count, lease_owner, lease_expires_at, lease_version,
	available_at, last_error_text, finished_at, created_at, updated_at`

func scanOutboxJob(row interface{ Scan(...any) error }) (domain.OutboxJob, error) {
	var (
		job                      domain.OutboxJob
		status                   string
		leaseExpires, finishedAt sql.NullTime
	)
	if err := row.Scan(
		&job.ID, &job.JobType, &job.PayloadJSON, &status, &job.AttemptCount, &job.LeaseOwner, &leaseExpires, &job.LeaseVersion,
		&job.AvailableAt, &job.LastErrorText, &finishedAt, &job.CreatedAt, &job.UpdatedAt,
	); err != nil {
		return domain.OutboxJob{}, err
	}
	job.Status = domain.JobStatus(status)
	job.LeaseExpiresAt = timeValue(leaseExpires)
	job.FinishedAt = timeValue(finishedAt)
	job.AvailableAt = job.AvailableAt.UTC()
	return job, nil
}

// EnqueueOutboxJob сохраняет задачу со статусом pending.
func (t *pgTx) EnqueueOutboxJob(ctx context.Context, job domain.OutboxJob) (domain.OutboxJob, error) {
	now := t.now()
	if job.ID == "" {
		job.ID = newID()
	}
	if job.AvailableAt.IsZero() {
		job.AvailableAt = now
	}

	saved, err := scanOutboxJob(t.tx.QueryRowContext(ctx, `
		INSERT INTO billing_outbox_jobs (`+outboxColumns+`)
		VALUES ($1,$2,$3,'pending',$4,'',NULL,$5,$6,'',NULL,$7,$7)
		RETURNING `+outboxColumns,
		job.ID, job.JobType, job.PayloadJSON, job.AttemptCount, job.LeaseVersion, job.AvailableAt.UTC(), now,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.OutboxJob{}, domain.ErrAlreadyExists
		}
		return domain.OutboxJob{}, fmt.Errorf("enqueue outbox job: %w", err)
	}
	return saved, nil
}

// LeaseNextOutboxJob арендует самую раннюю готовую задачу. SKIP LOCKED не даёт двум воркерам
// взять одну строку. Без готовых задач возвращает ErrNotFound.
func (t *pgTx) LeaseNextOutboxJob(ctx context.Context, owner string, now time.Time, lease time.Duration) (domain.OutboxJob, error) {
	job, err := scanOutboxJob(t.tx.QueryRowContext(ctx, `
		UPDATE billing_outbox_jobs SET
			lease_owner      = $1,
			lease_expires_at = $2,
			lease_version    = lease_version + 1,
			updated_at       = $3
		WHERE id = (
			SELECT id
			FROM billing_outbox_jobs
			WHERE status = 'pending'
			  AND available_at <= $4
			  AND (lease_expires_at IS NULL OR lease_expires_at <= $4)
			ORDER BY available_at, created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+outboxColumns,
		owner, now.Add(lease).UTC(), t.now(), now.UTC(),
	))
	if err != nil {
		return domain.OutboxJob{}, notFoundOr(err, "lease outbox job")
	}
	return job, nil
}

func (t *pgTx) FindOutboxJob(ctx context.Context, id string) (domain.OutboxJob, error) {
	job, err := scanOutboxJob(t.tx.QueryRowContext(ctx, `
		SELECT `+outboxColumns+` FROM billing_outbox_jobs WHERE id = $1
	`, id))
	if err != nil {
		return domain.OutboxJob{}, notFoundOr(err, "find outbox job")
	}
	return job, nil
}

func (t *pgTx) ListOutboxJobs(ctx context.Context, status domain.JobStatus, limit int) ([]domain.OutboxJob, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+outboxColumns+`
		FROM billing_outbox_jobs
		WHERE status = $1
		ORDER BY created_at, id
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list outbox jobs: %w", err)
	}
	defer rows.Close()

	out := make([]domain.OutboxJob, 0)
	for rows.Next() {
		job, err := scanOutboxJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox jobs: %w", err)
	}
	return out, nil
}

func (t *pgTx) UpdateOutboxJob(ctx context.Context, job domain.OutboxJob, expectedLeaseVersion int64) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE billing_outbox_jobs SET
			payload_json     = $2,
			status           = $3,
			attempt_count    = $4,
			lease_owner      = $5,
			lease_expires_at = $6,
			lease_version    = $7,
			available_at     = $8,
			last_error_text  = $9,
			finished_at      = $10,
			updated_at       = $11
		WHERE id = $1 AND lease_version = $12
	`,
		job.ID, job.PayloadJSON, string(job.Status), job.AttemptCount, job.LeaseOwner, nullTime(job.LeaseExpiresAt),
		job.LeaseVersion, job.AvailableAt.UTC(), job.LastErrorText, nullTime(job.FinishedAt), t.now(), expectedLeaseVersion,
	)
	if err != nil {
		return fmt.Errorf("update outbox job %s: %w", job.ID, err)
	}
	return t.fencedResult(ctx, res, "billing_outbox_jobs", job.ID)
}

func (t *pgTx) OutboxStats(ctx context.Context) (domain.JobStats, error) {
	return t.jobStats(ctx, "billing_outbox_jobs")
}

const remediationColumns = `
	id, kind, dedupe_key, payload_json, status, attempt_count, lease_owner, lease_expires_at, lease_version,
	next_attempt_at, last_error_text, resolved_at, created_at, updated_at`

func scanRemediationTask(row interface{ Scan(...any) error }) (domain.RemediationTask, error) {
	var (
		task                     domain.RemediationTask
		status                   string
		leaseExpires, resolvedAt sql.NullTime
	)
	if err := row.Scan(
		&task.ID, &task.Kind, &task.DedupeKey, &task.PayloadJSON, &status, &task.AttemptCount, &task.LeaseOwner,
		&leaseExpires, &task.LeaseVersion, &task.NextAttemptAt, &task.LastErrorText, &resolvedAt, &task.CreatedAt, &task.UpdatedAt,
	); err != nil {
		return domain.RemediationTask{}, err
	}
	task.Status = domain.JobStatus(status)
	task.LeaseExpiresAt = timeValue(leaseExpires)
	task.ResolvedAt = timeValue(resolvedAt)
	task.NextAttemptAt = task.NextAttemptAt.UTC()
	return task, nil
}

// EnqueueRemediationTask сохраняет задачу, если задачи с тем же DedupeKey ещё нет.
func (t *pgTx) EnqueueRemediationTask(ctx context.Context, task domain.RemediationTask) (domain.RemediationTask, bool, error) {
	now := t.now()
	if task.ID == "" {
		task.ID = newID()
	}
	if task.NextAttemptAt.IsZero() {
		task.NextAttemptAt = now
	}

	saved, err := scanRemediationTask(t.tx.QueryRowContext(ctx, `
		INSERT INTO billing_remediation_tasks (`+remediationColumns+`)
		VALUES ($1,$2,$3,$4,'pending',$5,'',NULL,$6,$7,'',NULL,$8,$8)
		ON CONFLICT (dedupe_key) WHERE dedupe_key <> '' DO NOTHING
		RETURNING `+remediationColumns,
		task.ID, task.Kind, task.DedupeKey, task.PayloadJSON, task.AttemptCount, task.LeaseVersion, task.NextAttemptAt.UTC(), now,
	))
	switch {
	case err == nil:
		return saved, true, nil
	case errors.Is(err, sql.ErrNoRows):
		existing, err := scanRemediationTask(t.tx.QueryRowContext(ctx, `
			SELECT `+remediationColumns+` FROM billing_remediation_tasks WHERE dedupe_key = $1
		`, task.DedupeKey))
		if err != nil {
			return domain.RemediationTask{}, false, fmt.Errorf("load deduplicated remediation task: %w", err)
		}
		return existing, false, nil
	default:
		return domain.RemediationTask{}, false, fmt.Errorf("enqueue remediation task: %w", err)
	}
}

func (t *pgTx) LeaseNextRemediationTask(ctx context.Context, owner string, now time.Time, lease time.Duration) (domain.RemediationTask, error) {
	task, err := scanRemediationTask(t.tx.QueryRowContext(ctx, `
		UPDATE billing_remediation_tasks SET
			lease_owner      = $1,
			lease_expires_at = $2,
			lease_version    = lease_version + 1,
			updated_at       = $3
		WHERE id = (
			SELECT id
			FROM billing_remediation_tasks
			WHERE status = 'pending'
			  AND next_attempt_at <= $4
			  AND (lease_expires_at IS NULL OR lease_expires_at <= $4)
			ORDER BY next_attempt_at, created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+remediationColumns,
		owner, now.Add(lease).UTC(), t.now(), now.UTC(),
	))
	if err != nil {
		return domain.RemediationTask{}, notFoundOr(err, "lease remediation task")
	}
	return task, nil
}

func (t *pgTx) FindRemediationTask(ctx context.Context, id string) (domain.RemediationTask, error) {
	task, err := scanRemediationTask(t.tx.QueryRowContext(ctx, `
		SELECT `+remediationColumns+` FROM billing_remediation_tasks WHERE id = $1
	`, id))
	if err != nil {
		return domain.RemediationTask{}, notFoundOr(err, "find remediation task")
	}
	return task, nil
}

func (t *pgTx) ListRemediationTasks(ctx context.Context, status domain.JobStatus, limit int) ([]domain.RemediationTask, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+remediationColumns+`
		FROM billing_remediation_tasks
		WHERE status = $1
		ORDER BY created_at, id
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list remediation tasks: %w", err)
	}
	defer rows.Close()

	out := make([]domain.RemediationTask, 0)
	for rows.Next() {
		task, err := scanRemediationTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan remediation task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate remediation tasks: %w", err)
	}
	return out, nil
}

func (t *pgTx) UpdateRemediationTask(ctx context.Context, task domain.RemediationTask, expectedLeaseVersion int64) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE billing_remediation_tasks SET
			payload_json     = $2,
			status           = $3,
			attempt_count    = $4,
			lease_owner      = $5,
			lease_expires_at = $6,
			lease_version    = $7,
			next_attempt_at  = $8,
			last_error_text  = $9,
			resolved_at      = $10,
			updated_at       = $11
		WHERE id = $1 AND lease_version = $12
	`,
		task.ID, task.PayloadJSON, string(task.Status), task.AttemptCount, task.LeaseOwner, nullTime(task.LeaseExpiresAt),
		task.LeaseVersion, task.NextAttemptAt.UTC(), task.LastErrorText, nullTime(task.ResolvedAt), t.now(), expectedLeaseVersion,
	)
	if err != nil {
		return fmt.Errorf("update remediation task %s: %w", task.ID, err)
	}
	return t.fencedResult(ctx, res, "billing_remediation_tasks", task.ID)
}

func (t *pgTx) RemediationStats(ctx context.Context) (domain.JobStats, error) {
	return t.jobStats(ctx, "billing_remediation_tasks")
}

// jobStats считает backlog очереди; table — имя таблицы из констант пакета.
func (t *pgTx) jobStats(ctx context.Context, table string) (domain.JobStats, error) {
	var (
		stats  domain.JobStats
		oldest sql.NullTime
	)
	if err := t.tx.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			MIN(created_at) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'dead_letter')
		FROM `+table,
	).Scan(&stats.PendingCount, &oldest, &stats.DeadLetterCount); err != nil {
		return domain.JobStats{}, fmt.Errorf("%s stats query failed: %w", table, err)
	}
	stats.OldestPendingAt = timeValue(oldest)
	return stats, nil
}
