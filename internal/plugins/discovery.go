package plugins

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mozaiks/core/pkg/runtime"
)

// ErrPathTraversal indicates a plugin root resolved outside its
// expected directory after cleaning, most likely a symlink or a
// descriptor-supplied relative path escaping the plugins root.
var ErrPathTraversal = fmt.Errorf("plugins: path traversal detected")

// descriptorFileName is the conventional file every plugin directory
// must contain, per spec §4.4: "require a descriptor (name,
// entry-point reference) and an entry operation named execute".
const descriptorFileName = "plugin.json"

// PluginFactory constructs an Executable for a discovered descriptor.
type PluginFactory func(runtime.PluginDescriptor) (runtime.Executable, error)

// Reload enumerates immediate subdirectories of root, reads each
// one's plugin.json descriptor, and atomically installs the resulting
// index into the registry (spec §4.4: "re-discover on explicit
// reload"). Factories maps an entry_point string to a constructor; a
// descriptor whose entry_point has no registered factory is skipped
// with a diagnostic rather than failing discovery outright.
func (r *Registry) Reload(root string, factories map[string]PluginFactory) ([]string, error) {
	absRoot, err := validatePluginRoot(root)
	if err != nil {
		return nil, err
	}

	dirEntries, err := os.ReadDir(absRoot)
	if err != nil {
		if os.IsNotExist(err) {
			r.Replace(make(map[string]*entry))
			return nil, nil
		}
		return nil, fmt.Errorf("plugins: read plugin root: %w", err)
	}

	idx := make(map[string]*entry)
	var diagnostics []string

	for _, dirEntry := range dirEntries {
		if !dirEntry.IsDir() {
			continue
		}
		pluginDir := filepath.Join(absRoot, dirEntry.Name())
		descriptor, err := readDescriptor(pluginDir)
		if err != nil {
			diagnostics = append(diagnostics, fmt.Sprintf("%s: %v", dirEntry.Name(), err))
			continue
		}

		factory, ok := factories[descriptor.EntryPoint]
		if !ok {
			diagnostics = append(diagnostics, fmt.Sprintf("%s: no factory registered for entry_point %q", descriptor.Name, descriptor.EntryPoint))
			continue
		}
		exec, err := factory(descriptor)
		if err != nil {
			diagnostics = append(diagnostics, fmt.Sprintf("%s: factory failed: %v", descriptor.Name, err))
			continue
		}

		if err := r.register(idx, descriptor, exec); err != nil {
			diagnostics = append(diagnostics, err.Error())
		}
	}

	r.Replace(idx)
	return diagnostics, nil
}

func readDescriptor(pluginDir string) (runtime.PluginDescriptor, error) {
	path := filepath.Join(pluginDir, descriptorFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return runtime.PluginDescriptor{}, fmt.Errorf("missing %s: %w", descriptorFileName, err)
	}
	var descriptor runtime.PluginDescriptor
	if err := json.Unmarshal(data, &descriptor); err != nil {
		return runtime.PluginDescriptor{}, fmt.Errorf("invalid %s: %w", descriptorFileName, err)
	}
	if descriptor.Name == "" {
		descriptor.Name = filepath.Base(pluginDir)
	}
	descriptor.Enabled = true
	return descriptor, nil
}

// validatePluginRoot cleans and resolves root to an absolute path,
// rejecting anything that still contains a ".." segment afterward.
func validatePluginRoot(root string) (string, error) {
	if strings.TrimSpace(root) == "" {
		return "", fmt.Errorf("plugins: empty plugin root")
	}
	cleaned := filepath.Clean(root)
	abs, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("plugins: resolve plugin root: %w", err)
	}
	for _, seg := range strings.Split(abs, string(filepath.Separator)) {
		if seg == ".." {
			return "", ErrPathTraversal
		}
	}
	return abs, nil
}
