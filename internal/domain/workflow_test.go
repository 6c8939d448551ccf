package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func validDefinition() WorkflowDefinition {
	return WorkflowDefinition{
		ID:        "musinsa-validation",
		StartNode: "fetch",
		Nodes: map[string]NodeSpec{
			"fetch": {Type: "fetch", Next: "scan"},
			"scan":  {Type: "scan", NextMany: []string{"validate", "monitor"}},
			"validate": {
				Type:  "validate",
				Next:  "save",
				Retry: &RetryPolicy{MaxAttempts: 3, Backoff: time.Second},
			},
			"monitor": {Type: "monitor"},
			"save":    {Type: "save"},
		},
	}
}

func TestWorkflowValidateAcceptsWellFormedDAG(t *testing.T) {
	require.NoError(t, validDefinition().Validate())
}

func TestWorkflowValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*WorkflowDefinition)
		want   string
	}{
		{
			name:   "missing id",
			mutate: func(w *WorkflowDefinition) { w.ID = "" },
			want:   "workflow id required",
		},
		{
			name:   "undefined start node",
			mutate: func(w *WorkflowDefinition) { w.StartNode = "bootstrap" },
			want:   "start node",
		},
		{
			name: "node without type",
			mutate: func(w *WorkflowDefinition) {
				w.Nodes["scan"] = NodeSpec{NextMany: []string{"validate", "monitor"}}
			},
			want: "has no type",
		},
		{
			name: "next and next_many together",
			mutate: func(w *WorkflowDefinition) {
				w.Nodes["scan"] = NodeSpec{Type: "scan", Next: "validate", NextMany: []string{"monitor"}}
			},
			want: "both next and next_many",
		},
		{
			name: "undefined successor",
			mutate: func(w *WorkflowDefinition) {
				w.Nodes["save"] = NodeSpec{Type: "save", Next: "publish"}
			},
			want: "undefined node",
		},
		{
			name: "unreachable node",
			mutate: func(w *WorkflowDefinition) {
				w.Nodes["orphan"] = NodeSpec{Type: "monitor"}
			},
			want: "unreachable",
		},
		{
			name: "retry attempts below one",
			mutate: func(w *WorkflowDefinition) {
				w.Nodes["fetch"] = NodeSpec{Type: "fetch", Next: "scan", Retry: &RetryPolicy{MaxAttempts: 0}}
			},
			want: "max_attempts",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validDefinition()
			tt.mutate(&def)
			err := def.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidArgument)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNodeSpecSuccessors(t *testing.T) {
	assert.Nil(t, NodeSpec{}.Successors())
	assert.Equal(t, []string{"b"}, NodeSpec{Next: "b"}.Successors())
	assert.Equal(t, []string{"b", "c"}, NodeSpec{NextMany: []string{"b", "c"}}.Successors())
}

func TestNodeSpecUnmarshalsYAMLDurations(t *testing.T) {
	var spec NodeSpec
	require.NoError(t, yaml.Unmarshal([]byte(`
type: scan
timeout: 10m
retry:
  max_attempts: 3
  backoff: 2s
stop_on_error: false
`), &spec))

	assert.Equal(t, 10*time.Minute, spec.Timeout)
	require.NotNil(t, spec.Retry)
	assert.Equal(t, 2*time.Second, spec.Retry.Backoff)
	require.NotNil(t, spec.StopOnError)
	assert.False(t, *spec.StopOnError)
}

func TestNodeSpecRejectsBadYAMLDuration(t *testing.T) {
	var spec NodeSpec
	err := yaml.Unmarshal([]byte("type: scan\ntimeout: soon"), &spec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad duration")
}
