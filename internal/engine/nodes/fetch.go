package nodes

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/commercewatch/prodscan/internal/domain"
	"github.com/commercewatch/prodscan/internal/engine"
)

// fetchNode resolves the scan targets for the job. Ad-hoc jobs pass their
// target URLs in the job params; scheduled jobs pull them from the
// reference repository.
//
// Config:
//
//	limit: maximum targets pulled from the reference repository (default 200)
type fetchNode struct {
	deps Deps
}

func (n *fetchNode) Type() string { return "fetch" }

func (n *fetchNode) Execute(ctx context.Context, nc engine.NodeContext) (engine.NodeResult, error) {
	targets, err := n.resolveTargets(ctx, nc)
	if err != nil {
		return engine.NodeResult{}, err
	}
	if len(targets) == 0 {
		return engine.NodeResult{}, fmt.Errorf("op=nodes.fetch: %w: no scan targets for platform %s", domain.ErrInvalidArgument, nc.Platform)
	}
	nc.Shared.Set(keyTargets, targets)
	nc.Logger.Info("targets resolved", slog.Int("count", len(targets)))
	return engine.NodeResult{Output: map[string]any{"target_count": len(targets)}}, nil
}

func (n *fetchNode) resolveTargets(ctx context.Context, nc engine.NodeContext) ([]domain.ReferenceProduct, error) {
	if raw, ok := nc.Params["urls"]; ok {
		urls, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("op=nodes.fetch: %w: params.urls must be a list", domain.ErrInvalidArgument)
		}
		targets := make([]domain.ReferenceProduct, 0, len(urls))
		for _, u := range urls {
			s, ok := u.(string)
			if !ok || s == "" {
				return nil, fmt.Errorf("op=nodes.fetch: %w: params.urls entries must be non-empty strings", domain.ErrInvalidArgument)
			}
			targets = append(targets, domain.ReferenceProduct{Platform: nc.Platform, URL: s})
		}
		return targets, nil
	}

	if n.deps.Refs == nil {
		return nil, fmt.Errorf("op=nodes.fetch: %w: no reference repository configured and no params.urls", domain.ErrInvalidArgument)
	}
	limit := cfgInt(nc.Config, "limit", 200)
	return n.deps.Refs.ListTargets(ctx, nc.Platform, limit)
}
