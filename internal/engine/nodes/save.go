package nodes

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/commercewatch/prodscan/internal/adapter/results"
	"github.com/commercewatch/prodscan/internal/domain"
	"github.com/commercewatch/prodscan/internal/engine"
)

// saveNode streams the scan outcomes into the job's result file. Every
// outcome becomes one line; comparisons, when present, are attached to
// their line. The footer is written before the node returns, so a file
// produced by this node is always classifiable as complete. The one
// exception is lock loss or shutdown mid-write: the file is abandoned
// without a footer so the next holder reads it as incomplete. A job
// cancelled through the API instead gets a cancelled footer.
type saveNode struct {
	deps Deps
}

// cancelCheckEvery is how many record lines go between stored-status
// checks during the write loop.
const cancelCheckEvery = 20

func (n *saveNode) Type() string { return "save" }

func (n *saveNode) Execute(ctx context.Context, nc engine.NodeContext) (engine.NodeResult, error) {
	outcomes, err := sharedOutcomes(nc)
	if err != nil {
		return engine.NodeResult{}, err
	}
	comparisons := map[string]Comparison{}
	if v, ok := nc.Shared.Get(keyComparisons); ok {
		if list, ok := v.([]Comparison); ok {
			for _, c := range list {
				comparisons[c.ProductID] = c
			}
		}
	}

	w, err := results.Open(n.deps.ResultsDir, domain.Job{
		ID:         nc.JobID,
		WorkflowID: nc.WorkflowID,
		Platform:   nc.Platform,
	}, time.Now().UTC())
	if err != nil {
		return engine.NodeResult{}, fmt.Errorf("op=nodes.save: %w", err)
	}

	for i, oc := range outcomes {
		if err := ctx.Err(); err != nil {
			n.closeInterrupted(ctx, nc, w)
			return engine.NodeResult{}, err
		}
		if i > 0 && i%cancelCheckEvery == 0 && n.storedCancelled(ctx, nc.JobID) {
			if err := w.Close(domain.JobCancelled, time.Now().UTC()); err != nil {
				return engine.NodeResult{}, fmt.Errorf("op=nodes.save: %w", err)
			}
			nc.Logger.Info("results closed after cancellation",
				slog.String("path", w.Path()),
				slog.Int("records", i),
			)
			return engine.NodeResult{Output: map[string]any{
				"path":      w.Path(),
				"records":   i,
				"cancelled": true,
			}}, nil
		}
		line := map[string]any{
			"product_id": oc.Result.ProductID,
			"url":        oc.Result.URL,
			"scanned_at": oc.Result.ScannedAt,
		}
		switch {
		case oc.Err != nil:
			line["status"] = results.StatusFailed
			line["error"] = oc.Err.Error()
		case oc.Result.IsNotFound:
			line["status"] = results.StatusNotFound
		default:
			line["status"] = results.StatusSuccess
			line["record"] = oc.Result.Record
			if cmp, ok := comparisons[oc.Result.ProductID]; ok {
				line["comparison"] = cmp
			}
		}
		if err := w.Append(line); err != nil {
			w.Abandon()
			return engine.NodeResult{}, fmt.Errorf("op=nodes.save: %w", err)
		}
	}
	if err := w.Close(domain.JobCompleted, time.Now().UTC()); err != nil {
		return engine.NodeResult{}, fmt.Errorf("op=nodes.save: %w", err)
	}

	nc.Logger.Info("results written",
		slog.String("path", w.Path()),
		slog.Int("records", len(outcomes)),
	)
	return engine.NodeResult{Output: map[string]any{
		"path":    w.Path(),
		"records": len(outcomes),
	}}, nil
}

// closeInterrupted picks the footer for a write cut short by context
// cancellation: an externally cancelled job still gets a cancelled
// footer, while lock loss and shutdown leave the file incomplete.
func (n *saveNode) closeInterrupted(ctx context.Context, nc engine.NodeContext, w *results.Writer) {
	if n.storedCancelled(ctx, nc.JobID) {
		_ = w.Close(domain.JobCancelled, time.Now().UTC())
		return
	}
	w.Abandon()
}

func (n *saveNode) storedCancelled(ctx context.Context, jobID string) bool {
	if n.deps.Repo == nil {
		return false
	}
	stored, err := n.deps.Repo.Load(context.WithoutCancel(ctx), jobID)
	return err == nil && stored.Status == domain.JobCancelled
}
