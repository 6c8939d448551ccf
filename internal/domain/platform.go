package domain

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// StrategyType selects the extraction mechanism of a strategy spec.
type StrategyType string

const (
	StrategyHTTP    StrategyType = "http"
	StrategyGraphQL StrategyType = "graphql"
	StrategyBrowser StrategyType = "browser"
)

// StepKind tags one navigation step of a browser strategy.
type StepKind string

const (
	StepNavigate        StepKind = "navigate"
	StepWaitForSelector StepKind = "waitForSelector"
	StepWait            StepKind = "wait"
	StepClick           StepKind = "click"
	StepType            StepKind = "type"
	StepEvaluate        StepKind = "evaluate"
)

// NavigationStep is one instruction of a browser strategy's navigation
// phase. Value is templated with {productId} before execution.
type NavigationStep struct {
	Kind     StepKind      `json:"kind" yaml:"kind"`
	Selector string        `json:"selector,omitempty" yaml:"selector"`
	Value    string        `json:"value,omitempty" yaml:"value"`
	Timeout  time.Duration `json:"timeout,omitempty" yaml:"timeout"`
}

// StrategySpec configures one scan strategy of a platform. Lower Priority
// numbers are preferred by the registry.
type StrategySpec struct {
	ID       string            `json:"id" yaml:"id"`
	Type     StrategyType      `json:"type" yaml:"type"`
	Priority int               `json:"priority" yaml:"priority"`
	Method   string            `json:"method,omitempty" yaml:"method"`
	URL      string            `json:"url,omitempty" yaml:"url"`
	Query    string            `json:"query,omitempty" yaml:"query"`
	Headers  map[string]string `json:"headers,omitempty" yaml:"headers"`
	Retries  int               `json:"retries,omitempty" yaml:"retries"`
	Delay    time.Duration     `json:"delay,omitempty" yaml:"delay"`
	Timeout  time.Duration     `json:"timeout,omitempty" yaml:"timeout"`
	Steps    []NavigationStep  `json:"steps,omitempty" yaml:"steps"`
}

// yamlDuration accepts Go duration strings ("500ms") in YAML. An empty or
// absent value is zero.
func yamlDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: bad duration %q", ErrInvalidArgument, s)
	}
	return d, nil
}

func (n *NavigationStep) UnmarshalYAML(value *yaml.Node) error {
	var aux struct {
		Kind     StepKind `yaml:"kind"`
		Selector string   `yaml:"selector"`
		Value    string   `yaml:"value"`
		Timeout  string   `yaml:"timeout"`
	}
	if err := value.Decode(&aux); err != nil {
		return err
	}
	timeout, err := yamlDuration(aux.Timeout)
	if err != nil {
		return err
	}
	*n = NavigationStep{Kind: aux.Kind, Selector: aux.Selector, Value: aux.Value, Timeout: timeout}
	return nil
}

func (s *StrategySpec) UnmarshalYAML(value *yaml.Node) error {
	var aux struct {
		ID       string            `yaml:"id"`
		Type     StrategyType      `yaml:"type"`
		Priority int               `yaml:"priority"`
		Method   string            `yaml:"method"`
		URL      string            `yaml:"url"`
		Query    string            `yaml:"query"`
		Headers  map[string]string `yaml:"headers"`
		Retries  int               `yaml:"retries"`
		Delay    string            `yaml:"delay"`
		Timeout  string            `yaml:"timeout"`
		Steps    []NavigationStep  `yaml:"steps"`
	}
	if err := value.Decode(&aux); err != nil {
		return err
	}
	delay, err := yamlDuration(aux.Delay)
	if err != nil {
		return err
	}
	timeout, err := yamlDuration(aux.Timeout)
	if err != nil {
		return err
	}
	*s = StrategySpec{
		ID:       aux.ID,
		Type:     aux.Type,
		Priority: aux.Priority,
		Method:   aux.Method,
		URL:      aux.URL,
		Query:    aux.Query,
		Headers:  aux.Headers,
		Retries:  aux.Retries,
		Delay:    delay,
		Timeout:  timeout,
		Steps:    aux.Steps,
	}
	return nil
}

// RateLimitPolicy bounds workflow-level request rates for a platform.
type RateLimitPolicy struct {
	RequestsPerMinute int           `json:"requests_per_minute" yaml:"requests_per_minute"`
	PerRequestDelay   time.Duration `json:"per_request_delay" yaml:"per_request_delay"`
}

func (r *RateLimitPolicy) UnmarshalYAML(value *yaml.Node) error {
	var aux struct {
		RequestsPerMinute int    `yaml:"requests_per_minute"`
		PerRequestDelay   string `yaml:"per_request_delay"`
	}
	if err := value.Decode(&aux); err != nil {
		return err
	}
	delay, err := yamlDuration(aux.PerRequestDelay)
	if err != nil {
		return err
	}
	*r = RateLimitPolicy{RequestsPerMinute: aux.RequestsPerMinute, PerRequestDelay: delay}
	return nil
}

// PlatformConfig is the static per-platform record loaded from
// configuration files.
type PlatformConfig struct {
	ID          Platform          `json:"id" yaml:"id"`
	DisplayName string            `json:"display_name" yaml:"display_name"`
	BaseURL     string            `json:"base_url" yaml:"base_url"`
	Endpoints   map[string]string `json:"endpoints,omitempty" yaml:"endpoints"`
	Strategies  []StrategySpec    `json:"strategies" yaml:"strategies"`
	// DefaultStrategy pins the scanner to a strategy id; empty means the
	// lowest priority number wins.
	DefaultStrategy string            `json:"default_strategy,omitempty" yaml:"default_strategy"`
	FieldMappings   map[string]string `json:"field_mappings,omitempty" yaml:"field_mappings"`
	RateLimit       RateLimitPolicy   `json:"rate_limit" yaml:"rate_limit"`
	MaxConcurrency  int               `json:"max_concurrency" yaml:"max_concurrency"`
	RotateEvery     int               `json:"rotate_every" yaml:"rotate_every"`
}

// Validate checks the structural invariants of a platform configuration.
// Unknown strategy types are a configuration-time error, not a runtime one.
func (pc PlatformConfig) Validate() error {
	if !ValidPlatform(pc.ID) {
		return fmt.Errorf("%w: unknown platform %q", ErrInvalidArgument, pc.ID)
	}
	if len(pc.Strategies) == 0 {
		return fmt.Errorf("%w: platform %s: at least one strategy required", ErrInvalidArgument, pc.ID)
	}
	if pc.DefaultStrategy != "" {
		if _, err := pc.PreferredStrategy(pc.DefaultStrategy); err != nil {
			return fmt.Errorf("%w: platform %s: default strategy %q not defined", ErrInvalidArgument, pc.ID, pc.DefaultStrategy)
		}
	}
	for _, s := range pc.Strategies {
		switch s.Type {
		case StrategyHTTP, StrategyGraphQL, StrategyBrowser:
		default:
			return fmt.Errorf("%w: platform %s: unknown strategy type %q", ErrInvalidArgument, pc.ID, s.Type)
		}
		if s.Type == StrategyBrowser && len(s.Steps) == 0 {
			return fmt.Errorf("%w: platform %s: browser strategy %q has no steps", ErrInvalidArgument, pc.ID, s.ID)
		}
		for _, st := range s.Steps {
			switch st.Kind {
			case StepNavigate, StepWaitForSelector, StepWait, StepClick, StepType, StepEvaluate:
			default:
				return fmt.Errorf("%w: platform %s: unknown step kind %q", ErrInvalidArgument, pc.ID, st.Kind)
			}
		}
	}
	return nil
}

// PreferredStrategy returns the strategy with the lowest priority number,
// or the strategy with the given id when id is non-empty.
func (pc PlatformConfig) PreferredStrategy(id string) (StrategySpec, error) {
	if id != "" {
		for _, s := range pc.Strategies {
			if s.ID == id {
				return s, nil
			}
		}
		return StrategySpec{}, fmt.Errorf("%w: platform %s: strategy %q", ErrNotFound, pc.ID, id)
	}
	best := pc.Strategies[0]
	for _, s := range pc.Strategies[1:] {
		if s.Priority < best.Priority {
			best = s
		}
	}
	return best, nil
}
