package nodes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/commercewatch/prodscan/internal/adapter/browser"
	"github.com/commercewatch/prodscan/internal/adapter/scanner"
	"github.com/commercewatch/prodscan/internal/domain"
	"github.com/commercewatch/prodscan/internal/engine"
)

// scanNode runs the platform scanner over every resolved target. Browser
// scanners borrow one pooled instance for the whole node and open a fresh
// tab per target; API scanners fan out with bounded concurrency.
//
// Config:
//
//	concurrency: parallel API scans (default 4, browser scans are serial)
type scanNode struct {
	deps Deps
}

func (n *scanNode) Type() string { return "scan" }

func (n *scanNode) Execute(ctx context.Context, nc engine.NodeContext) (engine.NodeResult, error) {
	targets, err := sharedTargets(nc)
	if err != nil {
		return engine.NodeResult{}, err
	}
	sc, err := n.deps.Scanners.Get(nc.Platform)
	if err != nil {
		return engine.NodeResult{}, err
	}

	var outcomes []ScanOutcome
	if sc.ScanMethod() == scanner.ScanMethodBrowser {
		outcomes, err = n.scanWithBrowser(ctx, nc, sc, targets)
	} else {
		outcomes, err = n.scanAPI(ctx, nc, sc, targets)
	}
	if err != nil {
		return engine.NodeResult{}, err
	}

	var scanned, notFound, failed int
	var lastErr error
	for _, oc := range outcomes {
		switch {
		case oc.Err != nil:
			failed++
			lastErr = oc.Err
		case oc.Result.IsNotFound:
			notFound++
		default:
			scanned++
		}
	}
	if failed == len(outcomes) {
		return engine.NodeResult{}, fmt.Errorf("op=nodes.scan: every target failed: %w", lastErr)
	}

	nc.Shared.Set(keyOutcomes, outcomes)
	nc.Logger.Info("scan finished",
		slog.Int("scanned", scanned),
		slog.Int("not_found", notFound),
		slog.Int("failed", failed),
	)
	return engine.NodeResult{Output: map[string]any{
		"scanned":   scanned,
		"not_found": notFound,
		"failed":    failed,
	}}, nil
}

func (n *scanNode) scanAPI(ctx context.Context, nc engine.NodeContext, sc scanner.Scanner, targets []domain.ReferenceProduct) ([]ScanOutcome, error) {
	concurrency := cfgInt(nc.Config, "concurrency", 4)
	if concurrency < 1 {
		concurrency = 1
	}
	outcomes := make([]ScanOutcome, len(targets))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	for i, t := range targets {
		wg.Add(1)
		go func(i int, t domain.ReferenceProduct) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			res, err := sc.Scan(ctx, t.URL, nil)
			outcomes[i] = ScanOutcome{Result: res, Err: err}
		}(i, t)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

func (n *scanNode) scanWithBrowser(ctx context.Context, nc engine.NodeContext, sc scanner.Scanner, targets []domain.ReferenceProduct) ([]ScanOutcome, error) {
	if n.deps.Pool == nil {
		return nil, fmt.Errorf("op=nodes.scan: %w: browser scanner without a browser pool", domain.ErrInvalidArgument)
	}
	inst, err := n.deps.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer n.deps.Pool.Release(inst)

	outcomes := make([]ScanOutcome, 0, len(targets))
	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, scanErr := n.scanOneTab(ctx, sc, inst, t.URL)
		if errors.Is(scanErr, domain.ErrBrowserCrashed) {
			fresh, repErr := n.deps.Pool.ReplaceCrashed(inst)
			if repErr != nil {
				return nil, repErr
			}
			inst = fresh
			nc.Logger.Warn("browser replaced after crash", slog.String("url", t.URL))
			res, scanErr = n.scanOneTab(ctx, sc, inst, t.URL)
		}
		outcomes = append(outcomes, ScanOutcome{Result: res, Err: scanErr})

		if n.deps.Pool.RecordScan(inst) {
			fresh, repErr := n.deps.Pool.ReplaceCrashed(inst)
			if repErr != nil {
				return nil, repErr
			}
			inst = fresh
			nc.Logger.Info("browser rotated")
		}
	}
	return outcomes, nil
}

func (n *scanNode) scanOneTab(ctx context.Context, sc scanner.Scanner, inst *browser.Instance, url string) (domain.ScanResult, error) {
	tab, cancel := n.deps.Pool.NewTab(inst)
	defer cancel()
	return sc.Scan(ctx, url, tab)
}
