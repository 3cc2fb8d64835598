// Package workflow implements the declarative workflow bundle loader
// (C5): YAML parsing, referential validation, structured-output
// schema compilation, and a cache keyed by (app_id, workflow_name)
// invalidated on mtime change or explicit request.
package workflow

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/mozaiks/core/pkg/runtime"
)

// Load reads and validates a workflow bundle from a YAML file.
func Load(path string) (*runtime.Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("workflow: read bundle: %w", err)
	}
	bundle, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("workflow: %s: %w", filepath.Base(path), err)
	}
	return bundle, nil
}

// Parse unmarshals and validates a workflow bundle from YAML bytes.
func Parse(data []byte) (*runtime.Bundle, error) {
	bundle := &runtime.Bundle{}
	if err := yaml.Unmarshal(data, bundle); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if bundle.MaxTurns <= 0 {
		bundle.MaxTurns = 50
	}
	if err := Validate(bundle); err != nil {
		return nil, err
	}
	return bundle, nil
}
