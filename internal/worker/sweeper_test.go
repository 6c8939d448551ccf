package worker

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commercewatch/prodscan/internal/adapter/repo/redisrepo"
	"github.com/commercewatch/prodscan/internal/domain"
)

func newSweeperEnv(t *testing.T) (*Sweeper, *redisrepo.JobRepo) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	repo := redisrepo.NewJobRepo(rdb, time.Hour)
	s := NewSweeper(repo, []domain.Platform{domain.PlatformAbly}, 30*time.Minute, slog.Default())
	return s, repo
}

func runningJob(t *testing.T, repo *redisrepo.JobRepo, id string, startedAt time.Time) {
	t.Helper()
	ctx := context.Background()
	j := domain.Job{
		ID:         id,
		WorkflowID: "ably-validation",
		Platform:   domain.PlatformAbly,
		Status:     domain.JobPending,
		CreatedAt:  startedAt,
	}
	// Enqueue registers the id in the recent list, then the job moves to
	// running the way a worker would take it.
	require.NoError(t, repo.Enqueue(ctx, j))
	_, err := repo.Dequeue(ctx, domain.PlatformAbly)
	require.NoError(t, err)
	j.Status = domain.JobRunning
	j.StartedAt = &startedAt
	require.NoError(t, repo.Save(ctx, j))
}

func TestSweeperFailsJobsStuckInRunning(t *testing.T) {
	s, repo := newSweeperEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()

	runningJob(t, repo, "job-stuck", now.Add(-time.Hour))
	runningJob(t, repo, "job-healthy", now.Add(-time.Minute))

	require.NoError(t, s.RunOnce(ctx, now))

	stuck, err := repo.Load(ctx, "job-stuck")
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, stuck.Status)
	require.NotNil(t, stuck.Error)
	assert.Contains(t, stuck.Error.Message, "stuck in running state")
	require.NotNil(t, stuck.CompletedAt)

	healthy, err := repo.Load(ctx, "job-healthy")
	require.NoError(t, err)
	assert.Equal(t, domain.JobRunning, healthy.Status)
	assert.Nil(t, healthy.Error)
}

func TestSweeperIgnoresTerminalAndPendingJobs(t *testing.T) {
	s, repo := newSweeperEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Old but still pending: waiting in the queue is not being stuck.
	old := domain.Job{
		ID:         "job-queued",
		WorkflowID: "ably-validation",
		Platform:   domain.PlatformAbly,
		Status:     domain.JobPending,
		CreatedAt:  now.Add(-2 * time.Hour),
	}
	require.NoError(t, repo.Enqueue(ctx, old))

	// Old and completed.
	doneAt := now.Add(-time.Hour)
	finished := domain.Job{
		ID:          "job-done",
		WorkflowID:  "ably-validation",
		Platform:    domain.PlatformAbly,
		Status:      domain.JobCompleted,
		CreatedAt:   doneAt.Add(-time.Minute),
		StartedAt:   &doneAt,
		CompletedAt: &doneAt,
	}
	require.NoError(t, repo.Enqueue(ctx, finished))

	require.NoError(t, s.RunOnce(ctx, now))

	queued, err := repo.Load(ctx, "job-queued")
	require.NoError(t, err)
	assert.Equal(t, domain.JobPending, queued.Status)

	completed, err := repo.Load(ctx, "job-done")
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, completed.Status)
}
