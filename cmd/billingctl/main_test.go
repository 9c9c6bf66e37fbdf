package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/billing/internal/app"
	"github.com/vladislavdragonenkov/billing/internal/domain"
)

// newTestRuntime собирает in-memory runtime; Close для него ничего не освобождает,
// поэтому один экземпляр переживает несколько команд.
func newTestRuntime(t *testing.T) *app.Runtime {
	t.Helper()

	cfg := app.DefaultConfig()
	cfg.AllowMockProvider = true
	rt, err := app.NewRuntime(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(rt.Close)
	return rt
}

func execute(t *testing.T, rt *app.Runtime, args ...string) (string, error) {
	t.Helper()

	cmd := newRootCmd(func(context.Context) (*app.Runtime, error) { return rt, nil })
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func deadLetterOutboxJob(t *testing.T, rt *app.Runtime) domain.OutboxJob {
	t.Helper()

	var job domain.OutboxJob
	err := rt.Repo.WithinTx(context.Background(), func(ctx context.Context, tx domain.BillingTx) error {
		var err error
		job, err = tx.EnqueueOutboxJob(ctx, domain.OutboxJob{
			JobType:     domain.OutboxJobExpireCheckoutSession,
			PayloadJSON: []byte(`{}`),
		})
		if err != nil {
			return err
		}
		job.Status = domain.JobStatusDeadLetter
		job.AttemptCount = 5
		job.LastErrorText = "provider unavailable"
		job.LeaseVersion = 1
		return tx.UpdateOutboxJob(ctx, job, 0)
	})
	require.NoError(t, err)
	return job
}

func TestRunCmd_Workers(t *testing.T) {
	rt := newTestRuntime(t)

	for _, worker := range []string{"outbox", "remediation", "sweeper"} {
		out, err := execute(t, rt, "run", worker)
		require.NoError(t, err, worker)
		assert.Equal(t, worker+": processed 0\n", out)
	}

	_, err := execute(t, rt, "run", "billing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown worker")
}

func TestDLQCmd_ListAndRequeue(t *testing.T) {
	rt := newTestRuntime(t)
	job := deadLetterOutboxJob(t, rt)

	out, err := execute(t, rt, "dlq", "list", "outbox")
	require.NoError(t, err)
	assert.Contains(t, out, job.ID)
	assert.Contains(t, out, "provider unavailable")

	out, err = execute(t, rt, "dlq", "requeue", "outbox", job.ID)
	require.NoError(t, err)
	assert.Contains(t, out, job.ID+" requeued")

	out, err = execute(t, rt, "dlq", "list", "outbox")
	require.NoError(t, err)
	assert.NotContains(t, out, job.ID)

	_, err = execute(t, rt, "dlq", "requeue", "outbox", job.ID)
	require.ErrorIs(t, err, domain.ErrNotDeadLetter)

	_, err = execute(t, rt, "dlq", "list", "payments")
	require.ErrorIs(t, err, errUnknownQueue)

	_, err = execute(t, rt, "dlq", "list", "outbox", "--limit", "0")
	require.Error(t, err)
}

func TestDLQCmd_ReplayRequiresBrokers(t *testing.T) {
	rt := newTestRuntime(t)

	_, err := execute(t, rt, "dlq", "replay", "--duration", "1s")
	require.Error(t, err)
	assert.Contains(t, err.Error(), app.EnvKafkaBrokers)
}

func TestReplayHandler(t *testing.T) {
	rt := newTestRuntime(t)
	job := deadLetterOutboxJob(t, rt)
	counter := &replayCounter{}
	handler := replayHandler(rt.Services, counter)
	ctx := context.Background()

	require.NoError(t, handler(ctx, domain.DeadLetter{Queue: "outbox", JobID: job.ID}))
	// Повторное сообщение о той же задаче: она уже pending.
	require.NoError(t, handler(ctx, domain.DeadLetter{Queue: "outbox", JobID: job.ID}))
	require.NoError(t, handler(ctx, domain.DeadLetter{Queue: "remediation", JobID: "missing"}))
	require.NoError(t, handler(ctx, domain.DeadLetter{Queue: "payments", JobID: "x"}))

	assert.EqualValues(t, 1, counter.requeued.Load())
	assert.EqualValues(t, 3, counter.skipped.Load())
}

func TestSeedCmd(t *testing.T) {
	rt := newTestRuntime(t)
	path := filepath.Join(t.TempDir(), "seed.json")
	content := `{
  "entities": [{"id": "be-ctl", "workspaceId": "ws-ctl"}],
  "members": [{"workspaceId": "ws-ctl", "userId": "owner-1", "role": "owner"}],
  "plans": []
}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	out, err := execute(t, rt, "seed", path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "seeded entities=1 members=1 plans=0"), out)

	err = rt.Repo.WithinTx(context.Background(), func(ctx context.Context, tx domain.BillingTx) error {
		role, err := tx.FindWorkspaceRole(ctx, "ws-ctl", "owner-1")
		if err != nil {
			return err
		}
		assert.Equal(t, domain.WorkspaceRoleOwner, role)
		return nil
	})
	require.NoError(t, err)

	_, err = execute(t, rt, "seed", filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}
