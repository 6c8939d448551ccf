// Package usecase holds the application services between the transport
// layer and the domain ports.
package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/commercewatch/prodscan/internal/adapter/observability"
	"github.com/commercewatch/prodscan/internal/domain"
)

// JobService enqueues, inspects and cancels workflow jobs.
type JobService struct {
	repo      domain.JobRepository
	workflows map[string]domain.WorkflowDefinition
	logger    *slog.Logger
}

func NewJobService(repo domain.JobRepository, workflows map[string]domain.WorkflowDefinition, logger *slog.Logger) *JobService {
	return &JobService{repo: repo, workflows: workflows, logger: logger}
}

// EnqueueInput is the validated payload of an enqueue request.
type EnqueueInput struct {
	WorkflowID string
	Platform   domain.Platform
	Priority   int
	Params     map[string]any
	Metadata   map[string]any
}

// Enqueue validates the request, mints a job and pushes it onto the
// platform queue. Job ids are time-ordered UUIDs so listings sort by
// creation without a secondary index.
func (s *JobService) Enqueue(ctx context.Context, in EnqueueInput) (domain.Job, error) {
	tracer := otel.Tracer("usecase")
	ctx, span := tracer.Start(ctx, "JobService.Enqueue")
	defer span.End()

	if !domain.ValidPlatform(in.Platform) {
		return domain.Job{}, fmt.Errorf("op=usecase.enqueue: %w: unknown platform %q", domain.ErrInvalidArgument, in.Platform)
	}
	def, ok := s.workflows[in.WorkflowID]
	if !ok {
		return domain.Job{}, fmt.Errorf("op=usecase.enqueue: %w: workflow %q", domain.ErrNotFound, in.WorkflowID)
	}
	if in.Priority < 0 {
		return domain.Job{}, fmt.Errorf("op=usecase.enqueue: %w: priority must be non-negative", domain.ErrInvalidArgument)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=usecase.enqueue: %w", err)
	}
	job := domain.Job{
		ID:         id.String(),
		WorkflowID: def.ID,
		Platform:   in.Platform,
		Priority:   in.Priority,
		Status:     domain.JobPending,
		Params:     in.Params,
		Metadata:   in.Metadata,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.repo.Enqueue(ctx, job); err != nil {
		return domain.Job{}, err
	}

	span.SetAttributes(attribute.String("job.id", job.ID))
	observability.JobsEnqueuedTotal.WithLabelValues(string(job.Platform), job.WorkflowID).Inc()
	s.logger.Info("job enqueued",
		slog.String("job_id", job.ID),
		slog.String("workflow_id", job.WorkflowID),
		slog.String("platform", string(job.Platform)),
		slog.Int("priority", job.Priority),
	)
	return job, nil
}

// GetJob loads one job by id.
func (s *JobService) GetJob(ctx context.Context, id string) (domain.Job, error) {
	if id == "" {
		return domain.Job{}, fmt.Errorf("op=usecase.get: %w: job id required", domain.ErrInvalidArgument)
	}
	return s.repo.Load(ctx, id)
}

// CancelJob marks a job cancelled. Pending jobs are skipped by the worker
// on dequeue; running jobs stop at the next node boundary. Terminal jobs
// cannot be cancelled.
func (s *JobService) CancelJob(ctx context.Context, id string) (domain.Job, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if job.Status.Terminal() {
		return domain.Job{}, fmt.Errorf("op=usecase.cancel: %w: job %s already %s", domain.ErrConflict, id, job.Status)
	}
	job.Status = domain.JobCancelled
	now := time.Now().UTC()
	job.CompletedAt = &now
	if err := s.repo.Save(ctx, job); err != nil {
		return domain.Job{}, err
	}
	s.logger.Info("job cancelled", slog.String("job_id", id))
	return job, nil
}

// RecentJobs lists the latest jobs enqueued for a platform.
func (s *JobService) RecentJobs(ctx context.Context, p domain.Platform, n int64) ([]domain.Job, error) {
	if !domain.ValidPlatform(p) {
		return nil, fmt.Errorf("op=usecase.recent: %w: unknown platform %q", domain.ErrInvalidArgument, p)
	}
	if n <= 0 {
		n = 20
	}
	return s.repo.ListRecent(ctx, p, n)
}

// QueueStats reports the queue depth of every platform.
func (s *JobService) QueueStats(ctx context.Context) (map[domain.Platform]int64, error) {
	stats := make(map[domain.Platform]int64, len(domain.AllPlatforms()))
	for _, p := range domain.AllPlatforms() {
		depth, err := s.repo.QueueLength(ctx, p)
		if err != nil {
			return nil, err
		}
		stats[p] = depth
		observability.QueueDepth.WithLabelValues(string(p)).Set(float64(depth))
	}
	return stats, nil
}

// Workflows lists the configured workflow definitions sorted by id.
func (s *JobService) Workflows() []domain.WorkflowDefinition {
	out := make([]domain.WorkflowDefinition, 0, len(s.workflows))
	for _, def := range s.workflows {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
