package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/billing/internal/domain"
)

// EnqueueOutboxJob сохраняет задачу со статусом pending.
func (t *memoryTx) EnqueueOutboxJob(_ context.Context, job domain.OutboxJob) (domain.OutboxJob, error) {
	now := t.now()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if _, exists := t.st.outbox[job.ID]; exists {
		return domain.OutboxJob{}, domain.ErrAlreadyExists
	}
	job.Status = domain.JobStatusPending
	if job.AvailableAt.IsZero() {
		job.AvailableAt = now
	}
	job.CreatedAt = now
	job.UpdatedAt = now
	t.st.outbox[job.ID] = cloneOutboxJob(job)
	return cloneOutboxJob(job), nil
}

// LeaseNextOutboxJob арендует самую раннюю готовую задачу. Без готовых задач возвращает ErrNotFound.
func (t *memoryTx) LeaseNextOutboxJob(_ context.Context, owner string, now time.Time, lease time.Duration) (domain.OutboxJob, error) {
	due := make([]domain.OutboxJob, 0)
	for _, job := range t.st.outbox {
		if job.Status == domain.JobStatusPending && !job.AvailableAt.After(now) && leaseFree(job.LeaseExpiresAt, now) {
			due = append(due, job)
		}
	}
	if len(due) == 0 {
		return domain.OutboxJob{}, domain.ErrNotFound
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].AvailableAt.Equal(due[j].AvailableAt) {
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		}
		return due[i].AvailableAt.Before(due[j].AvailableAt)
	})

	job := due[0]
	job.LeaseOwner = owner
	job.LeaseExpiresAt = now.Add(lease)
	job.LeaseVersion++
	job.UpdatedAt = t.now()
	t.st.outbox[job.ID] = job
	return cloneOutboxJob(job), nil
}

func (t *memoryTx) FindOutboxJob(_ context.Context, id string) (domain.OutboxJob, error) {
	job, ok := t.st.outbox[id]
	if !ok {
		return domain.OutboxJob{}, domain.ErrNotFound
	}
	return cloneOutboxJob(job), nil
}

func (t *memoryTx) ListOutboxJobs(_ context.Context, status domain.JobStatus, limit int) ([]domain.OutboxJob, error) {
	out := make([]domain.OutboxJob, 0)
	for _, job := range t.st.outbox {
		if job.Status == status {
			out = append(out, cloneOutboxJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memoryTx) UpdateOutboxJob(_ context.Context, job domain.OutboxJob, expectedLeaseVersion int64) error {
	existing, ok := t.st.outbox[job.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if existing.LeaseVersion != expectedLeaseVersion {
		return domain.ErrLeaseFenced
	}
	job.CreatedAt = existing.CreatedAt
	job.UpdatedAt = t.now()
	t.st.outbox[job.ID] = cloneOutboxJob(job)
	return nil
}

func (t *memoryTx) OutboxStats(_ context.Context) (domain.JobStats, error) {
	var stats domain.JobStats
	for _, job := range t.st.outbox {
		switch job.Status {
		case domain.JobStatusPending:
			stats.PendingCount++
			if stats.OldestPendingAt.IsZero() || job.CreatedAt.Before(stats.OldestPendingAt) {
				stats.OldestPendingAt = job.CreatedAt
			}
		case domain.JobStatusDeadLetter:
			stats.DeadLetterCount++
		}
	}
	return stats, nil
}

// EnqueueRemediationTask сохраняет задачу, если задачи с тем же DedupeKey ещё нет.
func (t *memoryTx) EnqueueRemediationTask(_ context.Context, task domain.RemediationTask) (domain.RemediationTask, bool, error) {
	if task.DedupeKey != "" {
		for _, existing := range t.st.remediation {
			if existing.DedupeKey == task.DedupeKey {
				return cloneRemediationTask(existing), false, nil
			}
		}
	}
	now := t.now()
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	task.Status = domain.JobStatusPending
	if task.NextAttemptAt.IsZero() {
		task.NextAttemptAt = now
	}
	task.CreatedAt = now
	task.UpdatedAt = now
	t.st.remediation[task.ID] = cloneRemediationTask(task)
	return cloneRemediationTask(task), true, nil
}

func (t *memoryTx) LeaseNextRemediationTask(_ context.Context, owner string, now time.Time, lease time.Duration) (domain.RemediationTask, error) {
	due := make([]domain.RemediationTask, 0)
	for _, task := range t.st.remediation {
		if task.Status == domain.JobStatusPending && !task.NextAttemptAt.After(now) && leaseFree(task.LeaseExpiresAt, now) {
			due = append(due, task)
		}
	}
	if len(due) == 0 {
		return domain.RemediationTask{}, domain.ErrNotFound
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextAttemptAt.Equal(due[j].NextAttemptAt) {
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		}
		return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
	})

	task := due[0]
	task.LeaseOwner = owner
	task.LeaseExpiresAt = now.Add(lease)
	task.LeaseVersion++
	task.UpdatedAt = t.now()
	t.st.remediation[task.ID] = task
	return cloneRemediationTask(task), nil
}

func (t *memoryTx) FindRemediationTask(_ context.Context, id string) (domain.RemediationTask, error) {
	task, ok := t.st.remediation[id]
	if !ok {
		return domain.RemediationTask{}, domain.ErrNotFound
	}
	return cloneRemediationTask(task), nil
}

func (t *memoryTx) ListRemediationTasks(_ context.Context, status domain.JobStatus, limit int) ([]domain.RemediationTask, error) {
	out := make([]domain.RemediationTask, 0)
	for _, task := range t.st.remediation {
		if task.Status == status {
			out = append(out, cloneRemediationTask(task))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memoryTx) UpdateRemediationTask(_ context.Context, task domain.RemediationTask, expectedLeaseVersion int64) error {
	existing, ok := t.st.remediation[task.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if existing.LeaseVersion != expectedLeaseVersion {
		return domain.ErrLeaseFenced
	}
	task.CreatedAt = existing.CreatedAt
	task.UpdatedAt = t.now()
	t.st.remediation[task.ID] = cloneRemediationTask(task)
	return nil
}

func (t *memoryTx) RemediationStats(_ context.Context) (domain.JobStats, error) {
	var stats domain.JobStats
	for _, task := range t.st.remediation {
		switch task.Status {
		case domain.JobStatusPending:
			stats.PendingCount++
			if stats.OldestPendingAt.IsZero() || task.CreatedAt.Before(stats.OldestPendingAt) {
				stats.OldestPendingAt = task.CreatedAt
			}
		case domain.JobStatusDeadLetter:
			stats.DeadLetterCount++
		}
	}
	return stats, nil
}

func leaseFree(expiresAt, now time.Time) bool {
	return expiresAt.IsZero() || !expiresAt.After(now)
}

func cloneOutboxJob(src domain.OutboxJob) domain.OutboxJob {
	dst := src
	dst.PayloadJSON = cloneBytes(src.PayloadJSON)
	return dst
}

func cloneRemediationTask(src domain.RemediationTask) domain.RemediationTask {
	dst := src
	dst.PayloadJSON = cloneBytes(src.PayloadJSON)
	return dst
}
