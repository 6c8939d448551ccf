// Package nodes provides the built-in workflow node types: fetch, scan,
// validate, compare, save, notify and monitor. Nodes communicate typed
// payloads through the engine's shared state and report JSON-friendly
// summaries through their outputs.
package nodes

import (
	"fmt"

	"github.com/commercewatch/prodscan/internal/adapter/browser"
	"github.com/commercewatch/prodscan/internal/adapter/scanner"
	"github.com/commercewatch/prodscan/internal/domain"
	"github.com/commercewatch/prodscan/internal/engine"
)

// Shared-state keys used between the built-in nodes.
const (
	keyTargets     = "targets"       // []domain.ReferenceProduct
	keyOutcomes    = "scan_outcomes" // []ScanOutcome
	keyComparisons = "comparisons"   // []Comparison
)

// ScanOutcome is the per-target result of the scan node. Err is set when
// the target could not be scanned after the node's own recovery attempts.
type ScanOutcome struct {
	Result domain.ScanResult
	Err    error
}

// Deps carries the adapters the built-in nodes operate on. Optional
// dependencies (Pool, Refs, Events) may be nil; nodes that require them
// fail at execution time with a configuration error.
type Deps struct {
	Scanners   *scanner.Registry
	Pool       *browser.Pool
	Refs       domain.ReferenceRepository
	Events     domain.EventPublisher
	Repo       domain.JobRepository
	ResultsDir string
}

// Register wires every built-in node type into the factory.
func Register(f *engine.Factory, d Deps) error {
	builders := map[string]engine.Builder{
		"fetch":    func(spec domain.NodeSpec) (engine.Node, error) { return &fetchNode{deps: d}, nil },
		"scan":     func(spec domain.NodeSpec) (engine.Node, error) { return &scanNode{deps: d}, nil },
		"validate": func(spec domain.NodeSpec) (engine.Node, error) { return &validateNode{}, nil },
		"compare":  func(spec domain.NodeSpec) (engine.Node, error) { return &compareNode{deps: d}, nil },
		"save":     func(spec domain.NodeSpec) (engine.Node, error) { return &saveNode{deps: d}, nil },
		"notify":   func(spec domain.NodeSpec) (engine.Node, error) { return &notifyNode{deps: d}, nil },
		"monitor":  func(spec domain.NodeSpec) (engine.Node, error) { return &monitorNode{deps: d}, nil },
	}
	for typ, b := range builders {
		if err := f.Register(typ, b); err != nil {
			return err
		}
	}
	return nil
}

func sharedTargets(nc engine.NodeContext) ([]domain.ReferenceProduct, error) {
	v, ok := nc.Shared.Get(keyTargets)
	if !ok {
		return nil, fmt.Errorf("op=nodes.targets: %w: no targets in shared state; does the workflow run fetch first?", domain.ErrInvalidArgument)
	}
	targets, ok := v.([]domain.ReferenceProduct)
	if !ok {
		return nil, fmt.Errorf("op=nodes.targets: %w: unexpected targets type %T", domain.ErrInvalidArgument, v)
	}
	return targets, nil
}

func sharedOutcomes(nc engine.NodeContext) ([]ScanOutcome, error) {
	v, ok := nc.Shared.Get(keyOutcomes)
	if !ok {
		return nil, fmt.Errorf("op=nodes.outcomes: %w: no scan outcomes in shared state; does the workflow run scan first?", domain.ErrInvalidArgument)
	}
	outcomes, ok := v.([]ScanOutcome)
	if !ok {
		return nil, fmt.Errorf("op=nodes.outcomes: %w: unexpected outcomes type %T", domain.ErrInvalidArgument, v)
	}
	return outcomes, nil
}

func cfgInt(cfg map[string]any, key string, def int) int {
	v, ok := cfg[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return def
	}
}

func cfgFloat(cfg map[string]any, key string, def float64) float64 {
	v, ok := cfg[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return def
	}
}

func cfgString(cfg map[string]any, key, def string) string {
	if s, ok := cfg[key].(string); ok && s != "" {
		return s
	}
	return def
}
