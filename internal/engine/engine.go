package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/commercewatch/prodscan/internal/adapter/observability"
	"github.com/commercewatch/prodscan/internal/domain"
)

// Engine runs workflow definitions. It executes the DAG level by level:
// the current frontier runs in parallel, outputs merge into the job result
// keyed by node id, and the next frontier is the deduplicated union of the
// successors of every node that just ran.
type Engine struct {
	factory        *Factory
	repo           domain.JobRepository
	logger         *slog.Logger
	defaultTimeout time.Duration
}

// EngineOption configures engine construction.
type EngineOption func(*Engine)

// WithDefaultTimeout sets the timeout applied to nodes whose spec leaves
// Timeout zero.
func WithDefaultTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.defaultTimeout = d }
}

func New(factory *Factory, repo domain.JobRepository, logger *slog.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		factory:        factory,
		repo:           repo,
		logger:         logger,
		defaultTimeout: time.Minute,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// nodeOutcome is the collected result of one node in a frontier level.
type nodeOutcome struct {
	nodeID string
	result NodeResult
	err    error
}

// Execute runs the job's workflow to completion, mutating and persisting
// the job as it goes. On return the job is in a terminal state unless the
// context was cancelled or the store became unreachable.
func (e *Engine) Execute(ctx context.Context, def domain.WorkflowDefinition, job *domain.Job) error {
	tracer := otel.Tracer("engine")
	ctx, span := tracer.Start(ctx, "engine.Execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("workflow.id", def.ID),
	)

	if err := def.Validate(); err != nil {
		return e.failJob(ctx, job, "", err)
	}
	nodes, err := e.buildNodes(def)
	if err != nil {
		return e.failJob(ctx, job, "", err)
	}

	log := e.logger.With(
		slog.String("job_id", job.ID),
		slog.String("workflow_id", def.ID),
		slog.String("platform", string(job.Platform)),
	)

	now := time.Now().UTC()
	job.Status = domain.JobRunning
	job.StartedAt = &now
	if job.Result == nil {
		job.Result = make(map[string]any)
	}
	if err := e.repo.Save(ctx, *job); err != nil {
		return err
	}

	shared := NewSharedState()
	total := len(def.Nodes)
	executed := 0
	frontier := []string{def.StartNode}

	for len(frontier) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		job.CurrentNode = strings.Join(frontier, ",")
		if err := e.repo.Save(ctx, *job); err != nil {
			return err
		}

		outcomes := e.runLevel(ctx, def, nodes, frontier, shared, job, log)

		// A failing stop-on-error branch cancels its siblings, so the
		// sibling errors in this level are induced context.Canceled, not
		// causes. Report the branch that actually failed.
		if cause := levelCause(def, outcomes); cause != nil && ctx.Err() == nil {
			log.Error("node failed",
				slog.String("node", cause.nodeID),
				slog.String("node_type", def.Nodes[cause.nodeID].Type),
				slog.Bool("stop_on_error", true),
				slog.Any("error", cause.err),
			)
			return e.failJob(ctx, job, cause.nodeID, cause.err)
		}

		next := make([]string, 0, 2)
		seen := make(map[string]bool, 2)
		for _, oc := range outcomes {
			executed++
			spec := def.Nodes[oc.nodeID]
			if oc.err != nil {
				stop := spec.StopOnError == nil || *spec.StopOnError
				log.Error("node failed",
					slog.String("node", oc.nodeID),
					slog.String("node_type", spec.Type),
					slog.Bool("stop_on_error", stop),
					slog.Any("error", oc.err),
				)
				if stop {
					return e.failJob(ctx, job, oc.nodeID, oc.err)
				}
				job.Result[oc.nodeID] = map[string]any{"error": oc.err.Error()}
				continue
			}
			if oc.result.Output != nil {
				job.Result[oc.nodeID] = oc.result.Output
			}
			succs := oc.result.NextNodes
			if len(succs) == 0 {
				succs = spec.Successors()
			}
			for _, s := range succs {
				if _, ok := def.Nodes[s]; !ok {
					return e.failJob(ctx, job, oc.nodeID,
						fmt.Errorf("op=engine.route: %w: node %q routed to undefined node %q", domain.ErrInvalidArgument, oc.nodeID, s))
				}
				if !seen[s] {
					seen[s] = true
					next = append(next, s)
				}
			}
		}
		sort.Strings(next)

		// Check for an externally stored cancellation before persisting
		// progress, so a cancel written while the level ran is not
		// clobbered by the running snapshot.
		cancelled, err := e.jobCancelled(ctx, job.ID)
		if err != nil {
			log.Warn("cancellation check failed", slog.Any("error", err))
		} else if cancelled {
			return e.finishJob(ctx, job, domain.JobCancelled)
		}

		job.Progress = float64(executed) / float64(total)
		if err := e.repo.Save(ctx, *job); err != nil {
			return err
		}
		frontier = next
	}

	return e.finishJob(ctx, job, domain.JobCompleted)
}

func (e *Engine) buildNodes(def domain.WorkflowDefinition) (map[string]Node, error) {
	nodes := make(map[string]Node, len(def.Nodes))
	for id, spec := range def.Nodes {
		n, err := e.factory.Build(spec)
		if err != nil {
			return nil, err
		}
		nodes[id] = n
	}
	return nodes, nil
}

// levelCause returns the stop-on-error outcome that doomed the level, if
// any. Induced sibling cancellations are skipped when a real failure is
// present.
func levelCause(def domain.WorkflowDefinition, outcomes []nodeOutcome) *nodeOutcome {
	var cause *nodeOutcome
	for i := range outcomes {
		oc := &outcomes[i]
		if oc.err == nil {
			continue
		}
		spec := def.Nodes[oc.nodeID]
		if spec.StopOnError != nil && !*spec.StopOnError {
			continue
		}
		if cause == nil || (errors.Is(cause.err, context.Canceled) && !errors.Is(oc.err, context.Canceled)) {
			cause = oc
		}
	}
	return cause
}

func (e *Engine) runLevel(ctx context.Context, def domain.WorkflowDefinition, nodes map[string]Node, frontier []string, shared *SharedState, job *domain.Job, log *slog.Logger) []nodeOutcome {
	input := make(map[string]any, len(job.Result))
	for k, v := range job.Result {
		input[k] = v
	}

	// Siblings share one cancellable context: a stop-on-error failure
	// dooms the whole level, so the other branches stop instead of
	// running out their timeouts.
	lctx, cancel := context.WithCancel(ctx)
	defer cancel()

	outcomes := make([]nodeOutcome, len(frontier))
	var wg sync.WaitGroup
	for i, id := range frontier {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			spec := def.Nodes[id]
			nc := NodeContext{
				JobID:      job.ID,
				WorkflowID: job.WorkflowID,
				NodeID:     id,
				Platform:   job.Platform,
				Config:     spec.Config,
				Params:     job.Params,
				Input:      input,
				Shared:     shared,
				Logger:     log.With(slog.String("node", id), slog.String("node_type", spec.Type)),
			}
			res, err := e.runNode(lctx, spec, nodes[id], nc)
			outcomes[i] = nodeOutcome{nodeID: id, result: res, err: err}
			if err != nil && (spec.StopOnError == nil || *spec.StopOnError) {
				cancel()
			}
		}(i, id)
	}
	wg.Wait()
	return outcomes
}

// runNode applies the spec's timeout and retry policy around one node.
// Backoff between attempts is linear: Backoff * attempt. Non-retryable
// errors surface immediately regardless of remaining attempts.
func (e *Engine) runNode(ctx context.Context, spec domain.NodeSpec, node Node, nc NodeContext) (NodeResult, error) {
	if v, ok := node.(InputValidator); ok {
		if err := v.Validate(nc.Input); err != nil {
			if !errors.Is(err, domain.ErrValidationFailed) {
				err = fmt.Errorf("op=engine.validate: %w: %v", domain.ErrValidationFailed, err)
			}
			return NodeResult{}, err
		}
	}

	maxAttempts := 1
	var backoff time.Duration
	if spec.Retry != nil {
		maxAttempts = spec.Retry.MaxAttempts
		backoff = spec.Retry.Backoff
	}
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			observability.NodeRetriesTotal.WithLabelValues(spec.Type).Inc()
			wait := backoff * time.Duration(attempt-1)
			select {
			case <-ctx.Done():
				return NodeResult{}, ctx.Err()
			case <-time.After(wait):
			}
		}

		start := time.Now()
		res, err := e.runOnce(ctx, timeout, node, nc)
		observability.NodeDuration.WithLabelValues(spec.Type).Observe(time.Since(start).Seconds())
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !domain.Retryable(err) || ctx.Err() != nil {
			break
		}
	}
	return NodeResult{}, lastErr
}

// runOnce executes the node under a deadline. On timeout the engine
// returns promptly; the node goroutine unwinds when it observes its
// context.
func (e *Engine) runOnce(ctx context.Context, timeout time.Duration, node Node, nc NodeContext) (NodeResult, error) {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		res NodeResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := node.Execute(tctx, nc)
		done <- outcome{res: res, err: err}
	}()

	select {
	case oc := <-done:
		if oc.err != nil && errors.Is(oc.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return oc.res, fmt.Errorf("op=engine.node: %w: %s after %s", domain.ErrNodeTimeout, nc.NodeID, timeout)
		}
		return oc.res, oc.err
	case <-tctx.Done():
		if ctx.Err() != nil {
			return NodeResult{}, ctx.Err()
		}
		return NodeResult{}, fmt.Errorf("op=engine.node: %w: %s after %s", domain.ErrNodeTimeout, nc.NodeID, timeout)
	}
}

func (e *Engine) jobCancelled(ctx context.Context, jobID string) (bool, error) {
	stored, err := e.repo.Load(ctx, jobID)
	if err != nil {
		return false, err
	}
	return stored.Status == domain.JobCancelled, nil
}

func (e *Engine) finishJob(ctx context.Context, job *domain.Job, status domain.JobStatus) error {
	now := time.Now().UTC()
	job.Status = status
	job.CompletedAt = &now
	job.CurrentNode = ""
	if status == domain.JobCompleted {
		job.Progress = 1
	}
	observability.JobsCompletedTotal.WithLabelValues(string(job.Platform), string(status)).Inc()
	return e.repo.Save(ctx, *job)
}

func (e *Engine) failJob(ctx context.Context, job *domain.Job, nodeID string, cause error) error {
	now := time.Now().UTC()
	job.Status = domain.JobFailed
	job.CompletedAt = &now
	job.Error = &domain.JobError{Message: cause.Error(), NodeID: nodeID, At: now}
	observability.JobsCompletedTotal.WithLabelValues(string(job.Platform), string(domain.JobFailed)).Inc()
	if err := e.repo.Save(ctx, *job); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}
