package plugins

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mozaiks/core/pkg/runtime"
)

func writeDescriptor(t *testing.T, dir, name, entryPoint string) {
	t.Helper()
	pluginDir := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(pluginDir, 0o755))
	data, err := json.Marshal(runtime.PluginDescriptor{Name: name, EntryPoint: entryPoint, Version: "1.0.0"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(pluginDir, descriptorFileName), data, 0o644))
}

func TestRegistryReloadDiscoversPlugins(t *testing.T) {
	root := t.TempDir()
	writeDescriptor(t, root, "notes", "builtin.echo")

	reg := NewRegistry()
	diagnostics, err := reg.Reload(root, map[string]PluginFactory{
		"builtin.echo": func(d runtime.PluginDescriptor) (runtime.Executable, error) { return echoPlugin{}, nil },
	})
	require.NoError(t, err)
	require.Empty(t, diagnostics)

	_, _, ok := reg.Lookup("notes")
	require.True(t, ok)
}

func TestRegistryReloadDiagnosesMissingFactory(t *testing.T) {
	root := t.TempDir()
	writeDescriptor(t, root, "notes", "builtin.unknown")

	reg := NewRegistry()
	diagnostics, err := reg.Reload(root, map[string]PluginFactory{})
	require.NoError(t, err)
	require.Len(t, diagnostics, 1)

	_, _, ok := reg.Lookup("notes")
	require.False(t, ok)
}

func TestRegistryReloadMissingRootIsEmpty(t *testing.T) {
	reg := NewRegistry()
	diagnostics, err := reg.Reload(filepath.Join(t.TempDir(), "does-not-exist"), nil)
	require.NoError(t, err)
	require.Empty(t, diagnostics)
	require.Empty(t, reg.List())
}
