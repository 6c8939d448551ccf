package engine

import (
	"fmt"
	"sync"

	"github.com/commercewatch/prodscan/internal/domain"
)

// Builder constructs a node from its workflow spec.
type Builder func(spec domain.NodeSpec) (Node, error)

// Factory maps node type names to builders. Unknown node types are a
// configuration-time error: the engine instantiates every node of a
// definition before running any of them.
type Factory struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

func NewFactory() *Factory {
	return &Factory{builders: make(map[string]Builder)}
}

// Register adds a builder for a node type; duplicates are a conflict.
func (f *Factory) Register(nodeType string, b Builder) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.builders[nodeType]; exists {
		return fmt.Errorf("op=engine.register: %w: node type %q", domain.ErrConflict, nodeType)
	}
	f.builders[nodeType] = b
	return nil
}

// Build instantiates the node for a spec.
func (f *Factory) Build(spec domain.NodeSpec) (Node, error) {
	f.mu.RLock()
	b, ok := f.builders[spec.Type]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("op=engine.build: %w: unknown node type %q", domain.ErrInvalidArgument, spec.Type)
	}
	return b(spec)
}

// Types lists the registered node type names.
func (f *Factory) Types() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.builders))
	for t := range f.builders {
		out = append(out, t)
	}
	return out
}
