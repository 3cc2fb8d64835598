// Package plugins implements the plugin registry and dispatcher (C4):
// discovery of plugin units under a conventional directory layout,
// an immutable name-indexed registry, and a dispatcher that applies
// capability checks, timeouts, and error boxing around Execute.
package plugins

import (
	"fmt"
	"sync"

	"github.com/mozaiks/core/pkg/runtime"
)

// Registry indexes loaded plugins by name. It is rebuilt wholesale on
// reload rather than mutated incrementally, so readers never observe
// a partially-updated index.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]*entry
}

type entry struct {
	descriptor runtime.PluginDescriptor
	exec       runtime.Executable
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]*entry)}
}

// register adds one plugin to a pending index. Used by the discovery
// loader to build a fresh index before installing it with Replace.
func (r *Registry) register(idx map[string]*entry, descriptor runtime.PluginDescriptor, exec runtime.Executable) error {
	if descriptor.Name == "" {
		return fmt.Errorf("plugins: descriptor missing name")
	}
	if _, exists := idx[descriptor.Name]; exists {
		return fmt.Errorf("plugins: duplicate plugin name %q", descriptor.Name)
	}
	idx[descriptor.Name] = &entry{descriptor: descriptor, exec: exec}
	return nil
}

// Replace atomically swaps the registry's index, implementing
// "re-discover on explicit reload" from spec §4.4.
func (r *Registry) Replace(idx map[string]*entry) {
	r.mu.Lock()
	r.plugins = idx
	r.mu.Unlock()
}

// Lookup returns the descriptor and executable for name.
func (r *Registry) Lookup(name string) (runtime.PluginDescriptor, runtime.Executable, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.plugins[name]
	if !ok {
		return runtime.PluginDescriptor{}, nil, false
	}
	return e.descriptor, e.exec, true
}

// List returns all registered descriptors.
func (r *Registry) List() []runtime.PluginDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]runtime.PluginDescriptor, 0, len(r.plugins))
	for _, e := range r.plugins {
		out = append(out, e.descriptor)
	}
	return out
}
