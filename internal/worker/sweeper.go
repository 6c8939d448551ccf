package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/commercewatch/prodscan/internal/adapter/observability"
	"github.com/commercewatch/prodscan/internal/domain"
)

// Sweeper marks jobs that have been running longer than maxAge as failed.
// A job gets stuck when its worker dies between the lock expiring and the
// terminal save; nothing else will ever touch that record again.
type Sweeper struct {
	repo      domain.JobRepository
	logger    *slog.Logger
	platforms []domain.Platform
	maxAge    time.Duration
	interval  time.Duration
}

func NewSweeper(repo domain.JobRepository, platforms []domain.Platform, maxAge time.Duration, logger *slog.Logger) *Sweeper {
	if maxAge <= 0 {
		maxAge = 30 * time.Minute
	}
	return &Sweeper{
		repo:      repo,
		logger:    logger,
		platforms: platforms,
		maxAge:    maxAge,
		interval:  maxAge / 2,
	}
}

// Run sweeps on a ticker until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-t.C:
			if err := s.RunOnce(ctx, now.UTC()); err != nil {
				s.logger.Error("sweep failed", slog.Any("error", err))
			}
		}
	}
}

// RunOnce scans the recent jobs of every platform and fails the stale
// running ones. Returns the first repo error; individual job save errors
// are logged and skipped so one bad record cannot stall the sweep.
func (s *Sweeper) RunOnce(ctx context.Context, now time.Time) error {
	for _, p := range s.platforms {
		jobs, err := s.repo.ListRecent(ctx, p, 100)
		if err != nil {
			return fmt.Errorf("op=sweeper.run: platform %s: %w", p, err)
		}
		for _, j := range jobs {
			if !s.stuck(j, now) {
				continue
			}
			at := now
			j.Status = domain.JobFailed
			j.CompletedAt = &at
			j.Error = &domain.JobError{
				Message: fmt.Sprintf("job stuck in running state for more than %s", s.maxAge),
				At:      at,
			}
			if err := s.repo.Save(ctx, j); err != nil {
				s.logger.Error("stuck job not persisted",
					slog.String("job_id", j.ID), slog.Any("error", err))
				continue
			}
			observability.JobsCompletedTotal.WithLabelValues(string(j.Platform), string(domain.JobFailed)).Inc()
			s.logger.Warn("stuck job marked failed",
				slog.String("job_id", j.ID),
				slog.String("platform", string(j.Platform)),
				slog.Time("started_at", *j.StartedAt),
			)
		}
	}
	return nil
}

func (s *Sweeper) stuck(j domain.Job, now time.Time) bool {
	if j.Status != domain.JobRunning || j.StartedAt == nil {
		return false
	}
	return now.Sub(*j.StartedAt) > s.maxAge
}
