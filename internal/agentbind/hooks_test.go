package agentbind

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mozaiks/core/internal/plugins"
	"github.com/mozaiks/core/pkg/runtime"
)

type haltPlugin struct{}

func (haltPlugin) Execute(ctx context.Context, req *runtime.PluginRequest) (*runtime.PluginResponse, error) {
	return &runtime.PluginResponse{Error: "token budget exhausted", ErrorCode: haltErrorCode}, nil
}

func TestBoundHookHaltsThroughDispatcher(t *testing.T) {
	root := t.TempDir()
	pluginDir := filepath.Join(root, "on_start")
	require.NoError(t, os.MkdirAll(pluginDir, 0o755))
	descriptor, err := json.Marshal(runtime.PluginDescriptor{Name: "on_start", EntryPoint: "test.halt", Enabled: true})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(pluginDir, "plugin.json"), descriptor, 0o644))

	reg := plugins.NewRegistry()
	diagnostics, err := reg.Reload(root, map[string]plugins.PluginFactory{
		"test.halt": func(d runtime.PluginDescriptor) (runtime.Executable, error) { return haltPlugin{}, nil },
	})
	require.NoError(t, err)
	require.Empty(t, diagnostics)

	dispatcher := plugins.NewDispatcher(reg, nil, time.Second)
	b := NewBinder(dispatcher)

	bundle := testBundle()
	hooks := b.BindHooks(bundle, runtime.TriggerBeforeChat)
	require.Len(t, hooks, 1)

	result, _ := hooks[0].Func(context.Background(), &runtime.Identity{AppID: "a_1", UserID: "u_1"}, nil)
	require.True(t, result.Halt)
	require.Equal(t, "token budget exhausted", result.Reason)
}

func TestBindHooksFiltersByTriggerAndKind(t *testing.T) {
	bundle := testBundle()
	b := NewBinder(nil)
	hooks := b.BindHooks(bundle, runtime.TriggerBeforeChat)
	require.Len(t, hooks, 1)
	require.Equal(t, "on_start", hooks[0].Definition.Name)

	none := b.BindHooks(bundle, runtime.TriggerAfterChat)
	require.Empty(t, none)
}

func TestRunHooksReturnsHaltWithoutRunningLaterHooks(t *testing.T) {
	var ran []string
	hooks := []BoundHook{
		{
			Definition: runtime.ToolDefinition{Name: "first"},
			Func: func(ctx context.Context, identity *runtime.Identity, vars map[string]any) (HookResult, error) {
				ran = append(ran, "first")
				return HookResult{Halt: true, Reason: "budget exhausted"}, nil
			},
		},
		{
			Definition: runtime.ToolDefinition{Name: "second"},
			Func: func(ctx context.Context, identity *runtime.Identity, vars map[string]any) (HookResult, error) {
				ran = append(ran, "second")
				return HookResult{}, nil
			},
		},
	}

	result, errs := RunHooks(context.Background(), hooks, &runtime.Identity{}, nil)
	require.True(t, result.Halt)
	require.Equal(t, "budget exhausted", result.Reason)
	require.Empty(t, errs)
	require.Equal(t, []string{"first"}, ran)
}

func TestRunHooksCollectsNonHaltingErrorsAndContinues(t *testing.T) {
	var ran []string
	hooks := []BoundHook{
		{
			Definition: runtime.ToolDefinition{Name: "first"},
			Func: func(ctx context.Context, identity *runtime.Identity, vars map[string]any) (HookResult, error) {
				ran = append(ran, "first")
				return HookResult{}, assertErr{}
			},
		},
		{
			Definition: runtime.ToolDefinition{Name: "second"},
			Func: func(ctx context.Context, identity *runtime.Identity, vars map[string]any) (HookResult, error) {
				ran = append(ran, "second")
				return HookResult{}, nil
			},
		},
	}

	result, errs := RunHooks(context.Background(), hooks, &runtime.Identity{}, nil)
	require.False(t, result.Halt)
	require.Len(t, errs, 1)
	require.Equal(t, []string{"first", "second"}, ran)
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
