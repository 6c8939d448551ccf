package nodes

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/commercewatch/prodscan/internal/adapter/observability"
	"github.com/commercewatch/prodscan/internal/adapter/scanner"
	"github.com/commercewatch/prodscan/internal/domain"
	"github.com/commercewatch/prodscan/internal/engine"
)

// monitorNode re-scans a small fixed target list on a bounded loop and
// snapshots queue depth and browser pool occupancy into the job result.
// Placed at the tail of long workflows to surface drift and backlog
// pressure per run.
//
// Config:
//
//	urls:     explicit target URLs (falls back to the reference list)
//	limit:    reference targets per pass when urls is absent (default 5)
//	count:    number of passes (default 1)
//	interval: wait between passes, e.g. "30s" (default none)
type monitorNode struct {
	deps Deps
}

func (n *monitorNode) Type() string { return "monitor" }

func (n *monitorNode) Execute(ctx context.Context, nc engine.NodeContext) (engine.NodeResult, error) {
	targets, err := n.targets(ctx, nc)
	if err != nil {
		return engine.NodeResult{}, err
	}
	count := cfgInt(nc.Config, "count", 1)
	if count < 1 {
		count = 1
	}
	interval, err := time.ParseDuration(cfgString(nc.Config, "interval", "0s"))
	if err != nil {
		return engine.NodeResult{}, fmt.Errorf("op=nodes.monitor: %w: bad interval: %v", domain.ErrInvalidArgument, err)
	}
	if n.deps.Scanners == nil {
		return engine.NodeResult{}, fmt.Errorf("op=nodes.monitor: %w: no scanner registry configured", domain.ErrInvalidArgument)
	}
	sc, err := n.deps.Scanners.Get(nc.Platform)
	if err != nil {
		return engine.NodeResult{}, err
	}

	var scanned, notFound, failed int
	for pass := 1; pass <= count; pass++ {
		if pass > 1 && interval > 0 {
			timer := time.NewTimer(interval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return engine.NodeResult{}, ctx.Err()
			case <-timer.C:
			}
		}
		for _, t := range targets {
			if err := ctx.Err(); err != nil {
				return engine.NodeResult{}, err
			}
			res, scanErr := n.scanOne(ctx, sc, t.URL)
			switch {
			case scanErr != nil:
				failed++
				nc.Logger.Warn("monitor scan failed", slog.String("url", t.URL), slog.Any("error", scanErr))
			case res.IsNotFound:
				notFound++
			default:
				scanned++
			}
		}
	}

	out := map[string]any{
		"targets":   len(targets),
		"passes":    count,
		"scanned":   scanned,
		"not_found": notFound,
		"failed":    failed,
	}
	if n.deps.Repo != nil {
		depth, err := n.deps.Repo.QueueLength(ctx, nc.Platform)
		if err != nil {
			return engine.NodeResult{}, err
		}
		out["queue_depth"] = depth
		observability.QueueDepth.WithLabelValues(string(nc.Platform)).Set(float64(depth))
	}
	if n.deps.Pool != nil {
		st := n.deps.Pool.Status()
		out["browser_in_use"] = st.InUse
		out["browser_available"] = st.Available
	}

	nc.Logger.Info("monitor finished",
		slog.String("platform", string(nc.Platform)),
		slog.Any("snapshot", out),
	)
	return engine.NodeResult{Output: out}, nil
}

// targets resolves the monitor list: config urls first, otherwise a small
// slice of the reference catalog.
func (n *monitorNode) targets(ctx context.Context, nc engine.NodeContext) ([]domain.ReferenceProduct, error) {
	if raw, ok := nc.Config["urls"]; ok {
		urls, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("op=nodes.monitor: %w: config.urls must be a list", domain.ErrInvalidArgument)
		}
		targets := make([]domain.ReferenceProduct, 0, len(urls))
		for _, u := range urls {
			s, ok := u.(string)
			if !ok || s == "" {
				return nil, fmt.Errorf("op=nodes.monitor: %w: config.urls entries must be non-empty strings", domain.ErrInvalidArgument)
			}
			targets = append(targets, domain.ReferenceProduct{Platform: nc.Platform, URL: s})
		}
		return targets, nil
	}
	if n.deps.Refs == nil {
		return nil, fmt.Errorf("op=nodes.monitor: %w: no config.urls and no reference repository", domain.ErrInvalidArgument)
	}
	limit := cfgInt(nc.Config, "limit", 5)
	return n.deps.Refs.ListTargets(ctx, nc.Platform, limit)
}

func (n *monitorNode) scanOne(ctx context.Context, sc scanner.Scanner, url string) (domain.ScanResult, error) {
	if sc.ScanMethod() != scanner.ScanMethodBrowser {
		return sc.Scan(ctx, url, nil)
	}
	if n.deps.Pool == nil {
		return domain.ScanResult{}, fmt.Errorf("op=nodes.monitor: %w: browser scanner without a browser pool", domain.ErrInvalidArgument)
	}
	inst, err := n.deps.Pool.Acquire(ctx)
	if err != nil {
		return domain.ScanResult{}, err
	}
	defer n.deps.Pool.Release(inst)
	tab, cancel := n.deps.Pool.NewTab(inst)
	defer cancel()
	return sc.Scan(ctx, url, tab)
}
