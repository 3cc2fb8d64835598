package plugins

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mozaiks/core/internal/entitlement"
	"github.com/mozaiks/core/pkg/runtime"
)

type echoPlugin struct{}

func (echoPlugin) Execute(ctx context.Context, req *runtime.PluginRequest) (*runtime.PluginResponse, error) {
	return &runtime.PluginResponse{Body: req.Body}, nil
}

type hangingPlugin struct{}

func (hangingPlugin) Execute(ctx context.Context, req *runtime.PluginRequest) (*runtime.PluginResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type panickingPlugin struct{}

func (panickingPlugin) Execute(ctx context.Context, req *runtime.PluginRequest) (*runtime.PluginResponse, error) {
	panic("boom")
}

func newTestRegistry(name string, exec runtime.Executable) *Registry {
	reg := NewRegistry()
	idx := make(map[string]*entry)
	_ = reg.register(idx, runtime.PluginDescriptor{Name: name, Enabled: true}, exec)
	reg.Replace(idx)
	return reg
}

func TestDispatcherExecuteOverwritesClientSuppliedIdentity(t *testing.T) {
	reg := newTestRegistry("notes", echoPlugin{})
	d := NewDispatcher(reg, nil, time.Second)

	identity := &runtime.Identity{AppID: "a_1", UserID: "u_1"}
	resp, err := d.Execute(context.Background(), "notes", identity, map[string]any{"user_id": "hacker", "action": "list"})
	require.NoError(t, err)
	require.Equal(t, "u_1", resp.Body["user_id"])
	require.Equal(t, "a_1", resp.Body["app_id"])
}

func TestDispatcherExecuteNotFound(t *testing.T) {
	d := NewDispatcher(NewRegistry(), nil, time.Second)
	resp, err := d.Execute(context.Background(), "missing", &runtime.Identity{}, nil)
	require.NoError(t, err)
	require.Equal(t, ErrCodeNotFound, resp.ErrorCode)
}

func TestDispatcherExecuteDisabled(t *testing.T) {
	reg := NewRegistry()
	idx := make(map[string]*entry)
	_ = reg.register(idx, runtime.PluginDescriptor{Name: "x", Enabled: false}, echoPlugin{})
	reg.Replace(idx)

	d := NewDispatcher(reg, nil, time.Second)
	resp, err := d.Execute(context.Background(), "x", &runtime.Identity{}, nil)
	require.NoError(t, err)
	require.Equal(t, ErrCodeDisabled, resp.ErrorCode)
}

func TestDispatcherExecuteTimeout(t *testing.T) {
	reg := newTestRegistry("slow", hangingPlugin{})
	d := NewDispatcher(reg, nil, 10*time.Millisecond)

	resp, err := d.Execute(context.Background(), "slow", &runtime.Identity{}, nil)
	require.NoError(t, err)
	require.Equal(t, ErrCodeTimeout, resp.ErrorCode)
}

func TestDispatcherExecuteRecoversPanic(t *testing.T) {
	reg := newTestRegistry("crashy", panickingPlugin{})
	d := NewDispatcher(reg, nil, time.Second)

	resp, err := d.Execute(context.Background(), "crashy", &runtime.Identity{}, nil)
	require.NoError(t, err)
	require.Equal(t, ErrCodeCrashed, resp.ErrorCode)
}

func TestDispatcherExecuteDeniesWithoutCapability(t *testing.T) {
	reg := newTestRegistry("advanced", echoPlugin{})
	store := entitlement.NewStore(nil, nil)
	_ = store.Sync(context.Background(), &runtime.Manifest{AppID: "a_1", Enforcement: runtime.EnforcementHard})
	evaluator := entitlement.NewEvaluator(store, nil)

	d := NewDispatcher(reg, evaluator, time.Second)
	resp, err := d.Execute(context.Background(), "advanced", &runtime.Identity{AppID: "a_1", UserID: "u_1"}, nil)
	require.NoError(t, err)
	require.Equal(t, ErrCodeFeatureGated, resp.ErrorCode)
}
