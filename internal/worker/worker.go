// Package worker runs the per-platform acquisition loops, the daily-sync
// scheduler and the stuck-job sweeper. Exactly one job per platform runs
// cluster-wide: each loop iteration takes the platform lock, pops one job,
// executes it under a heartbeat, and releases the lock.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/commercewatch/prodscan/internal/adapter/observability"
	"github.com/commercewatch/prodscan/internal/domain"
)

// Executor runs one job's workflow; satisfied by the engine.
type Executor interface {
	Execute(ctx context.Context, def domain.WorkflowDefinition, job *domain.Job) error
}

// Params collects the worker's dependencies and tuning knobs.
type Params struct {
	Repo      domain.JobRepository
	Lock      domain.PlatformLock
	Scheduler domain.SchedulerStore
	Workflows map[string]domain.WorkflowDefinition
	Engine    Executor
	Logger    *slog.Logger
	Platforms []domain.Platform

	PollInterval time.Duration
	LockTTL      time.Duration
	// Holder identifies this process in the platform locks. Defaults to
	// hostname plus a random suffix.
	Holder string
}

// Worker owns one goroutine per configured platform.
type Worker struct {
	repo      domain.JobRepository
	lock      domain.PlatformLock
	scheduler domain.SchedulerStore
	workflows map[string]domain.WorkflowDefinition
	engine    Executor
	logger    *slog.Logger
	platforms []domain.Platform

	pollInterval time.Duration
	lockTTL      time.Duration
	holder       string
}

func New(p Params) *Worker {
	if p.PollInterval <= 0 {
		p.PollInterval = 2 * time.Second
	}
	if p.LockTTL <= 0 {
		p.LockTTL = 10 * time.Minute
	}
	if p.Holder == "" {
		host, _ := os.Hostname()
		p.Holder = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	return &Worker{
		repo:         p.Repo,
		lock:         p.Lock,
		scheduler:    p.Scheduler,
		workflows:    p.Workflows,
		engine:       p.Engine,
		logger:       p.Logger,
		platforms:    p.Platforms,
		pollInterval: p.PollInterval,
		lockTTL:      p.LockTTL,
		holder:       p.Holder,
	}
}

// Run blocks until the context is cancelled, driving one loop per
// platform.
func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, p := range w.platforms {
		wg.Add(1)
		go func(p domain.Platform) {
			defer wg.Done()
			w.runPlatform(ctx, p)
		}(p)
	}
	wg.Wait()
	return ctx.Err()
}

func (w *Worker) runPlatform(ctx context.Context, p domain.Platform) {
	log := w.logger.With(slog.String("platform", string(p)), slog.String("holder", w.holder))
	log.Info("worker loop started")
	for {
		if ctx.Err() != nil {
			log.Info("worker loop stopped")
			return
		}
		processed := w.iterate(ctx, p, log)
		if processed {
			// Drain the queue while jobs keep coming.
			continue
		}
		select {
		case <-ctx.Done():
		case <-time.After(w.pollInterval):
		}
	}
}

// iterate performs one lock-dequeue-execute-release cycle. Every failure
// inside it is iteration-local; the loop never crashes the process.
func (w *Worker) iterate(ctx context.Context, p domain.Platform, log *slog.Logger) (processed bool) {
	// Lock-free peek: an empty queue needs no lock traffic at all.
	depth, err := w.repo.QueueLength(ctx, p)
	if err != nil {
		log.Warn("queue length check failed", slog.Any("error", err))
		return false
	}
	if depth == 0 {
		return false
	}

	acquired, err := w.lock.Acquire(ctx, p, w.holder, w.lockTTL)
	if err != nil {
		log.Warn("lock acquire failed", slog.Any("error", err))
		return false
	}
	if !acquired {
		return false
	}
	defer func() {
		if err := w.lock.Release(context.WithoutCancel(ctx), p, w.holder); err != nil {
			log.Warn("lock release failed", slog.Any("error", err))
		}
	}()

	job, err := w.repo.Dequeue(ctx, p)
	if err != nil {
		log.Warn("dequeue failed", slog.Any("error", err))
		return false
	}
	if job == nil {
		return false
	}
	log = log.With(slog.String("job_id", job.ID), slog.String("workflow_id", job.WorkflowID))

	if job.Status.Terminal() {
		// Cancelled (or otherwise finished) while queued.
		log.Info("skipping terminal job from queue", slog.String("status", string(job.Status)))
		return true
	}

	def, ok := w.workflows[job.WorkflowID]
	if !ok {
		w.failJob(ctx, job, fmt.Errorf("op=worker.iterate: %w: workflow %q", domain.ErrNotFound, job.WorkflowID), log)
		return true
	}

	w.runJob(ctx, p, def, job, log)
	return true
}

func (w *Worker) runJob(ctx context.Context, p domain.Platform, def domain.WorkflowDefinition, job *domain.Job, log *slog.Logger) {
	observability.JobsRunning.WithLabelValues(string(p)).Inc()
	defer observability.JobsRunning.WithLabelValues(string(p)).Dec()

	// Completion time is recorded whatever the outcome, so the daily-sync
	// scheduler sees failed runs too.
	defer func() {
		if err := w.scheduler.SetJobCompletedAt(context.WithoutCancel(ctx), p, time.Now().UTC()); err != nil {
			log.Warn("scheduler completion not recorded", slog.Any("error", err))
		}
	}()

	if err := w.lock.SetRunningJob(ctx, p, job.ID, w.lockTTL); err != nil {
		log.Warn("running-job mirror not set", slog.Any("error", err))
	}
	defer func() {
		if err := w.lock.ClearRunningJob(context.WithoutCancel(ctx), p); err != nil {
			log.Warn("running-job mirror not cleared", slog.Any("error", err))
		}
	}()

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	lost := w.heartbeat(jobCtx, cancel, p, log)

	err := w.engine.Execute(jobCtx, def, job)
	cancel()

	select {
	case <-lost:
		// The lock expired under us; another holder may already be
		// running. Results written so far were abandoned by the engine,
		// the job record is marked failed.
		w.failJob(context.WithoutCancel(ctx), job, fmt.Errorf("op=worker.run: %w", domain.ErrLockLost), log)
		return
	default:
	}

	switch {
	case err != nil && !job.Status.Terminal():
		// Engine could not persist a terminal state (store outage or
		// process shutdown); record the failure on a fresh context.
		w.failJob(context.WithoutCancel(ctx), job, err, log)
	case err != nil:
		log.Error("job failed", slog.Any("error", err), slog.String("status", string(job.Status)))
	default:
		log.Info("job finished", slog.Float64("progress", job.Progress))
	}
}

// heartbeat refreshes the platform lock at half TTL while the job runs.
// A lost lock cancels the job context; the returned channel is closed in
// that case.
func (w *Worker) heartbeat(ctx context.Context, cancel context.CancelFunc, p domain.Platform, log *slog.Logger) <-chan struct{} {
	lost := make(chan struct{})
	go func() {
		t := time.NewTicker(w.lockTTL / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				err := w.lock.Heartbeat(ctx, p, w.holder, w.lockTTL)
				if err == nil {
					continue
				}
				if errors.Is(err, domain.ErrLockLost) {
					log.Error("platform lock lost, cancelling job")
					close(lost)
					cancel()
					return
				}
				// Transient store trouble; keep ticking, the lock may
				// still be ours.
				log.Warn("heartbeat failed", slog.Any("error", err))
			}
		}
	}()
	return lost
}

func (w *Worker) failJob(ctx context.Context, job *domain.Job, cause error, log *slog.Logger) {
	now := time.Now().UTC()
	job.Status = domain.JobFailed
	job.CompletedAt = &now
	job.Error = &domain.JobError{Message: cause.Error(), At: now}
	observability.JobsCompletedTotal.WithLabelValues(string(job.Platform), string(domain.JobFailed)).Inc()
	if err := w.repo.Save(ctx, *job); err != nil {
		log.Error("failed job not persisted", slog.Any("error", err), slog.Any("cause", cause))
		return
	}
	log.Error("job failed", slog.Any("error", cause))
}
