package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/commercewatch/prodscan/internal/adapter/observability"
	"github.com/commercewatch/prodscan/internal/adapter/repo/redisrepo"
	"github.com/commercewatch/prodscan/internal/domain"
	"github.com/commercewatch/prodscan/internal/engine"
)

// DailySync enqueues one validation job per platform once a day, at the
// hour and minute stored in the daily_sync scheduler state. The state also
// carries the enabled flag, so operators toggle the sync without a deploy.
type DailySync struct {
	repo      domain.JobRepository
	scheduler domain.SchedulerStore
	logger    *slog.Logger
	platforms []domain.Platform
	// workflows maps each platform to the workflow id the sync enqueues.
	workflows map[domain.Platform]string
}

func NewDailySync(
	repo domain.JobRepository,
	scheduler domain.SchedulerStore,
	workflows map[domain.Platform]string,
	platforms []domain.Platform,
	logger *slog.Logger,
) *DailySync {
	return &DailySync{
		repo:      repo,
		scheduler: scheduler,
		logger:    logger,
		platforms: platforms,
		workflows: workflows,
	}
}

// Run checks the schedule once a minute until the context is cancelled.
func (d *DailySync) Run(ctx context.Context) error {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-t.C:
			if err := d.RunOnce(ctx, now.UTC()); err != nil {
				d.logger.Error("daily sync run failed", slog.Any("error", err))
			}
		}
	}
}

// RunOnce enqueues the sync batch when the schedule fires and it has not
// already run today. Calling it off-schedule is a no-op.
func (d *DailySync) RunOnce(ctx context.Context, now time.Time) error {
	st, err := d.scheduler.SchedulerState(ctx, redisrepo.DailySyncScope)
	if err != nil {
		return fmt.Errorf("op=daily.run: %w", err)
	}
	if !st.Enabled {
		return nil
	}
	if now.Hour() != st.Hour || now.Minute() != st.Minute {
		return nil
	}
	if st.LastCompletedAt != nil && sameDay(*st.LastCompletedAt, now) {
		return nil
	}

	run := engine.Chain(d.mintJobs(now), d.enqueueAll())
	summary, err := run(ctx, d.platforms)
	if err != nil {
		return fmt.Errorf("op=daily.run: %w", err)
	}

	st.LastCompletedAt = &now
	st.LastRunSummary = summary
	if err := d.scheduler.SaveSchedulerState(ctx, st); err != nil {
		return fmt.Errorf("op=daily.run: %w", err)
	}
	d.logger.Info("daily sync enqueued", slog.Any("summary", summary))
	return nil
}

// mintJobs builds one pending validation job per platform that has a
// workflow mapping. Platforms without one are skipped, not failed.
func (d *DailySync) mintJobs(now time.Time) engine.Stage[[]domain.Platform, []domain.Job] {
	return func(ctx context.Context, platforms []domain.Platform) ([]domain.Job, error) {
		jobs := make([]domain.Job, 0, len(platforms))
		for _, p := range platforms {
			wf, ok := d.workflows[p]
			if !ok {
				d.logger.Warn("no sync workflow for platform", slog.String("platform", string(p)))
				continue
			}
			id, err := uuid.NewV7()
			if err != nil {
				return nil, fmt.Errorf("op=daily.mint: %w", err)
			}
			jobs = append(jobs, domain.Job{
				ID:         id.String(),
				WorkflowID: wf,
				Platform:   p,
				Status:     domain.JobPending,
				CreatedAt:  now,
				Metadata:   map[string]any{"source": "daily_sync"},
			})
		}
		return jobs, nil
	}
}

func (d *DailySync) enqueueAll() engine.Stage[[]domain.Job, map[string]any] {
	return func(ctx context.Context, jobs []domain.Job) (map[string]any, error) {
		enqueued := make([]string, 0, len(jobs))
		for _, j := range jobs {
			if err := d.repo.Enqueue(ctx, j); err != nil {
				return nil, fmt.Errorf("op=daily.enqueue: platform %s: %w", j.Platform, err)
			}
			observability.JobsEnqueuedTotal.WithLabelValues(string(j.Platform), j.WorkflowID).Inc()
			enqueued = append(enqueued, string(j.Platform))
		}
		return map[string]any{
			"platforms": enqueued,
			"jobs":      len(enqueued),
		}, nil
	}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
