package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// definitionOverride is one entry of the optional catalog overrides file.
// Only the fields present in the file are applied; zero values are ignored
// except for the explicit enabled flag.
type definitionOverride struct {
	Name                string `yaml:"name"`
	Description         string `yaml:"description"`
	DefaultSyncInterval int    `yaml:"default_sync_interval"`
	Enabled             *bool  `yaml:"enabled"`
}

type overridesFile struct {
	Providers map[string]definitionOverride `yaml:"providers"`
}

// LoadOverrides applies a yaml overrides file to the catalog. Deployments
// use it to rename providers, tune sync intervals, or disable a provider
// without a rebuild. Must run before any instance registration completes
// startup; unknown provider ids fail loudly.
func (r *Registry) LoadOverrides(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read overrides: %w", err)
	}
	var file overridesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse overrides: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ov := range file.Providers {
		def, ok := r.definitions[id]
		if !ok {
			return fmt.Errorf("overrides: unknown provider %q", id)
		}
		if ov.Name != "" {
			def.Name = ov.Name
		}
		if ov.Description != "" {
			def.Description = ov.Description
		}
		if ov.DefaultSyncInterval > 0 {
			def.DefaultSyncInterval = ov.DefaultSyncInterval
		}
		if ov.Enabled != nil {
			def.Available = *ov.Enabled
		}
		r.definitions[id] = def
	}
	return nil
}
