package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/commercewatch/prodscan/internal/domain"
)

// LoadPlatformConfigs reads every *.yaml file under dir into a validated
// platform configuration map keyed by platform tag.
func LoadPlatformConfigs(dir string) (map[domain.Platform]domain.PlatformConfig, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("op=config.LoadPlatformConfigs: %w", err)
	}
	out := make(map[domain.Platform]domain.PlatformConfig, len(paths))
	for _, path := range paths {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("op=config.LoadPlatformConfigs: read %s: %w", path, err)
		}
		var pc domain.PlatformConfig
		if err := yaml.Unmarshal(b, &pc); err != nil {
			return nil, fmt.Errorf("op=config.LoadPlatformConfigs: parse %s: %w", path, err)
		}
		if err := pc.Validate(); err != nil {
			return nil, fmt.Errorf("op=config.LoadPlatformConfigs: %s: %w", path, err)
		}
		if _, dup := out[pc.ID]; dup {
			return nil, fmt.Errorf("op=config.LoadPlatformConfigs: %w: duplicate platform %s", domain.ErrConflict, pc.ID)
		}
		out[pc.ID] = pc
	}
	return out, nil
}

// LoadWorkflowDefinitions reads every *.yaml file under dir into a
// validated workflow definition map keyed by workflow id.
func LoadWorkflowDefinitions(dir string) (map[string]domain.WorkflowDefinition, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("op=config.LoadWorkflowDefinitions: %w", err)
	}
	out := make(map[string]domain.WorkflowDefinition, len(paths))
	for _, path := range paths {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("op=config.LoadWorkflowDefinitions: read %s: %w", path, err)
		}
		var defs struct {
			Workflows []domain.WorkflowDefinition `yaml:"workflows"`
		}
		if err := yaml.Unmarshal(b, &defs); err != nil {
			return nil, fmt.Errorf("op=config.LoadWorkflowDefinitions: parse %s: %w", path, err)
		}
		for _, def := range defs.Workflows {
			if err := def.Validate(); err != nil {
				return nil, fmt.Errorf("op=config.LoadWorkflowDefinitions: %s: %w", path, err)
			}
			if _, dup := out[def.ID]; dup {
				return nil, fmt.Errorf("op=config.LoadWorkflowDefinitions: %w: duplicate workflow %s", domain.ErrConflict, def.ID)
			}
			out[def.ID] = def
		}
	}
	return out, nil
}
