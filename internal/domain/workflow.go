package domain

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// RetryPolicy is the per-node retry configuration. Backoff between attempts
// is linear: Backoff * attempt.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"`
	Backoff     time.Duration `json:"backoff" yaml:"backoff"`
}

// NodeSpec describes one node of a workflow definition.
// Next and NextMany are mutually exclusive; both empty terminates the chain.
type NodeSpec struct {
	Type        string         `json:"type" yaml:"type"`
	Name        string         `json:"name" yaml:"name"`
	Config      map[string]any `json:"config,omitempty" yaml:"config"`
	Next        string         `json:"next,omitempty" yaml:"next"`
	NextMany    []string       `json:"next_many,omitempty" yaml:"next_many"`
	Retry       *RetryPolicy   `json:"retry,omitempty" yaml:"retry"`
	Timeout     time.Duration  `json:"timeout,omitempty" yaml:"timeout"`
	StopOnError *bool          `json:"stop_on_error,omitempty" yaml:"stop_on_error"`
}

func (r *RetryPolicy) UnmarshalYAML(value *yaml.Node) error {
	var aux struct {
		MaxAttempts int    `yaml:"max_attempts"`
		Backoff     string `yaml:"backoff"`
	}
	if err := value.Decode(&aux); err != nil {
		return err
	}
	backoff, err := yamlDuration(aux.Backoff)
	if err != nil {
		return err
	}
	*r = RetryPolicy{MaxAttempts: aux.MaxAttempts, Backoff: backoff}
	return nil
}

func (n *NodeSpec) UnmarshalYAML(value *yaml.Node) error {
	var aux struct {
		Type        string         `yaml:"type"`
		Name        string         `yaml:"name"`
		Config      map[string]any `yaml:"config"`
		Next        string         `yaml:"next"`
		NextMany    []string       `yaml:"next_many"`
		Retry       *RetryPolicy   `yaml:"retry"`
		Timeout     string         `yaml:"timeout"`
		StopOnError *bool          `yaml:"stop_on_error"`
	}
	if err := value.Decode(&aux); err != nil {
		return err
	}
	timeout, err := yamlDuration(aux.Timeout)
	if err != nil {
		return err
	}
	*n = NodeSpec{
		Type:        aux.Type,
		Name:        aux.Name,
		Config:      aux.Config,
		Next:        aux.Next,
		NextMany:    aux.NextMany,
		Retry:       aux.Retry,
		Timeout:     timeout,
		StopOnError: aux.StopOnError,
	}
	return nil
}

// Successors normalizes the next-node configuration to a set.
func (n NodeSpec) Successors() []string {
	if len(n.NextMany) > 0 {
		return n.NextMany
	}
	if n.Next != "" {
		return []string{n.Next}
	}
	return nil
}

// WorkflowDefinition is a named DAG of nodes stored in configuration.
type WorkflowDefinition struct {
	ID        string              `json:"id" yaml:"id"`
	Version   string              `json:"version" yaml:"version"`
	StartNode string              `json:"start_node" yaml:"start_node"`
	Nodes     map[string]NodeSpec `json:"nodes" yaml:"nodes"`
}

// Validate checks the structural invariants of the definition: the start
// node exists, every referenced successor exists, and every node is
// reachable from the start node.
func (w WorkflowDefinition) Validate() error {
	if w.ID == "" {
		return fmt.Errorf("%w: workflow id required", ErrInvalidArgument)
	}
	if _, ok := w.Nodes[w.StartNode]; !ok {
		return fmt.Errorf("%w: workflow %s: start node %q not defined", ErrInvalidArgument, w.ID, w.StartNode)
	}
	for id, n := range w.Nodes {
		if n.Type == "" {
			return fmt.Errorf("%w: workflow %s: node %q has no type", ErrInvalidArgument, w.ID, id)
		}
		if n.Next != "" && len(n.NextMany) > 0 {
			return fmt.Errorf("%w: workflow %s: node %q sets both next and next_many", ErrInvalidArgument, w.ID, id)
		}
		for _, succ := range n.Successors() {
			if _, ok := w.Nodes[succ]; !ok {
				return fmt.Errorf("%w: workflow %s: node %q references undefined node %q", ErrInvalidArgument, w.ID, id, succ)
			}
		}
		if n.Retry != nil && n.Retry.MaxAttempts < 1 {
			return fmt.Errorf("%w: workflow %s: node %q retry max_attempts must be >= 1", ErrInvalidArgument, w.ID, id)
		}
	}
	// Reachability from the start node.
	seen := map[string]bool{}
	stack := []string{w.StartNode}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		stack = append(stack, w.Nodes[id].Successors()...)
	}
	for id := range w.Nodes {
		if !seen[id] {
			return fmt.Errorf("%w: workflow %s: node %q unreachable from start", ErrInvalidArgument, w.ID, id)
		}
	}
	return nil
}
