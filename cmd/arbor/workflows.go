package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/arbornet/arbor/internal/validation"
	"github.com/arbornet/arbor/pkg/schema"
)

// loadWorkflowFile reads a workflow definition from a JSON or YAML file and
// validates it.
func loadWorkflowFile(v *validation.Validator, path string) (*schema.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var def schema.WorkflowDefinition
		if err := yaml.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("parse workflow %s: %w", path, err)
		}
		if err := validation.ValidateDefinition(&def); err != nil {
			return nil, err
		}
		return &def, nil
	default:
		return v.ValidateBytes(data)
	}
}

// loadWorkflowDir loads every workflow in a directory, keyed by name.
// The scheduler resolves job workflow names against this registry.
func loadWorkflowDir(v *validation.Validator, dir string) (map[string]*schema.WorkflowDefinition, error) {
	defs := make(map[string]*schema.WorkflowDefinition)
	if dir == "" {
		return defs, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read workflow dir %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".json", ".yaml", ".yml":
		default:
			continue
		}
		def, err := loadWorkflowFile(v, filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if _, dup := defs[def.Name]; dup {
			return nil, fmt.Errorf("duplicate workflow name %q in %s", def.Name, dir)
		}
		defs[def.Name] = def
	}
	return defs, nil
}
