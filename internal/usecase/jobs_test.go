package usecase

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

func testService(t *testing.T) *JobService {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	workflows := map[string]domain.WorkflowDefinition{
		"kurly-validation": {
			ID: "kurly-validation", StartNode: "fetch",
			Nodes: map[string]domain.NodeSpec{"fetch": {Type: "fetch"}},
		},
	}
	return NewJobService(redisrepo.NewJobRepo(rdb, time.Hour), workflows, slog.Default())
}

func TestEnqueueMintsPendingJob(t *testing.T) {
	svc := testService(t)

	job, err := svc.Enqueue(context.Background(), EnqueueInput{
		WorkflowID: "kurly-validation",
		Platform:   domain.PlatformKurly,
		Priority:   5,
		Params:     map[string]any{"urls": []any{"https://www.kurly.com/goods/1"}},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, domain.JobPending, job.Status)
	assert.Equal(t, 5, job.Priority)

	loaded, err := svc.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, loaded.ID)
	assert.Equal(t, "kurly-validation", loaded.WorkflowID)
}

func TestEnqueueRejectsUnknownWorkflow(t *testing.T) {
	svc := testService(t)
	_, err := svc.Enqueue(context.Background(), EnqueueInput{
		WorkflowID: "nope",
		Platform:   domain.PlatformKurly,
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEnqueueRejectsUnknownPlatform(t *testing.T) {
	svc := testService(t)
	_, err := svc.Enqueue(context.Background(), EnqueueInput{
		WorkflowID: "kurly-validation",
		Platform:   "coupang",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestEnqueueRejectsNegativePriority(t *testing.T) {
	svc := testService(t)
	_, err := svc.Enqueue(context.Background(), EnqueueInput{
		WorkflowID: "kurly-validation",
		Platform:   domain.PlatformKurly,
		Priority:   -1,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestCancelPendingJob(t *testing.T) {
	svc := testService(t)
	job, err := svc.Enqueue(context.Background(), EnqueueInput{
		WorkflowID: "kurly-validation",
		Platform:   domain.PlatformKurly,
	})
	require.NoError(t, err)

	cancelled, err := svc.CancelJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CompletedAt)

	// Cancelling twice conflicts.
	_, err = svc.CancelJob(context.Background(), job.ID)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestGetJobValidation(t *testing.T) {
	svc := testService(t)

	_, err := svc.GetJob(context.Background(), "")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = svc.GetJob(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestQueueStatsCoversEveryPlatform(t *testing.T) {
	svc := testService(t)
	_, err := svc.Enqueue(context.Background(), EnqueueInput{
		WorkflowID: "kurly-validation",
		Platform:   domain.PlatformKurly,
	})
	require.NoError(t, err)

	stats, err := svc.QueueStats(context.Background())
	require.NoError(t, err)
	assert.Len(t, stats, len(domain.AllPlatforms()))
	assert.Equal(t, int64(1), stats[domain.PlatformKurly])
	assert.Equal(t, int64(0), stats[domain.PlatformAbly])
}

func TestWorkflowsSortedByID(t *testing.T) {
	svc := testService(t)
	defs := svc.Workflows()
	require.Len(t, defs, 1)
	assert.Equal(t, "kurly-validation", defs[0].ID)
}
