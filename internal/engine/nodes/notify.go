package nodes

import (
	"context"
	"time"

	"github.com/commercewatch/prodscan/internal/domain"
	"github.com/commercewatch/prodscan/internal/engine"
)

// notifyNode publishes a job event carrying the outputs accumulated so
// far. Without a configured publisher the node is a logged no-op, so
// workflows stay portable across deployments without an event bus.
//
// Config:
//
//	kind: event kind (default "job.scan_finished")
type notifyNode struct {
	deps Deps
}

func (n *notifyNode) Type() string { return "notify" }

func (n *notifyNode) Execute(ctx context.Context, nc engine.NodeContext) (engine.NodeResult, error) {
	if n.deps.Events == nil {
		nc.Logger.Info("no event publisher configured, skipping notify")
		return engine.NodeResult{Output: map[string]any{"published": false}}, nil
	}

	kind := cfgString(nc.Config, "kind", "job.scan_finished")
	evt := domain.Event{
		Kind:     kind,
		JobID:    nc.JobID,
		Platform: nc.Platform,
		At:       time.Now().UTC(),
		Payload:  nc.Input,
	}
	if err := n.deps.Events.Publish(ctx, evt); err != nil {
		return engine.NodeResult{}, err
	}
	return engine.NodeResult{Output: map[string]any{"published": true, "kind": kind}}, nil
}
