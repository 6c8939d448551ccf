// Package engine executes workflow definitions as typed-node DAGs. Node
// implementations live in the nodes subpackage and are wired through the
// Factory; the engine itself only knows how to run, retry, time out and
// route nodes.
package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/commercewatch/prodscan/internal/domain"
)

// SharedState carries typed intermediate values between nodes of one job.
// Job.Result only holds JSON-friendly summaries; large or typed payloads
// (scan targets, scan results) travel here.
type SharedState struct {
	mu     sync.RWMutex
	values map[string]any
}

func NewSharedState() *SharedState {
	return &SharedState{values: make(map[string]any)}
}

func (s *SharedState) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

func (s *SharedState) Set(key string, v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = v
}

// NodeContext is everything a node sees during one execution.
type NodeContext struct {
	JobID      string
	WorkflowID string
	NodeID     string
	Platform   domain.Platform
	// Config is the node's own configuration from the workflow definition.
	Config map[string]any
	// Params are the job-level parameters from enqueue time.
	Params map[string]any
	// Input is a snapshot of prior node outputs keyed by node id.
	Input  map[string]any
	Shared *SharedState
	Logger *slog.Logger
}

// NodeResult is the outcome of one node execution. NextNodes, when
// non-empty, overrides the routing declared in the workflow definition.
type NodeResult struct {
	Output    map[string]any
	NextNodes []string
}

// Node is one executable workflow step.
type Node interface {
	Type() string
	Execute(ctx context.Context, nc NodeContext) (NodeResult, error)
}

// InputValidator is implemented by nodes that can reject their input
// before executing. A rejection fails the job immediately and consumes
// no retry attempts.
type InputValidator interface {
	Validate(input map[string]any) error
}
