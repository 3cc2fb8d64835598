package actions

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mozaiks/core/internal/events"
	"github.com/mozaiks/core/internal/plugins"
	"github.com/mozaiks/core/internal/sessions"
	"github.com/mozaiks/core/internal/transport"
	"github.com/mozaiks/core/pkg/runtime"
)

type replayExecutable struct {
	resp *runtime.PluginResponse
	err  error
}

func (r replayExecutable) Execute(ctx context.Context, req *runtime.PluginRequest) (*runtime.PluginResponse, error) {
	return r.resp, r.err
}

func newTestDispatcher(t *testing.T, name string, exec runtime.Executable) *plugins.Dispatcher {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	descriptor := map[string]any{"name": name, "entry_point": "test"}
	data, err := json.Marshal(descriptor)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.json"), data, 0o644))

	registry := plugins.NewRegistry()
	_, err = registry.Reload(root, map[string]plugins.PluginFactory{
		"test": func(runtime.PluginDescriptor) (runtime.Executable, error) { return exec, nil },
	})
	require.NoError(t, err)
	return plugins.NewDispatcher(registry, nil, time.Second)
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestExecutorFailsNonInvocableToolBeforeDispatch(t *testing.T) {
	dispatcher := plugins.NewDispatcher(plugins.NewRegistry(), nil, time.Second)
	store := sessions.NewMemoryStore()
	dispatch := events.NewDispatcher()
	exec := NewExecutor(dispatcher, store, dispatch, newTestLogger())

	req := transport.ActionRequest{AppID: "a_1", UserID: "u_1", ChatID: "c_1", Tool: "missing_tool"}
	exec.Execute(context.Background(), &runtime.Identity{AppID: "a_1", UserID: "u_1"}, req)

	_, err := store.GetArtifact(context.Background(), "a_1", "c_1", "")
	require.ErrorIs(t, err, sessions.ErrNotFound)
}

func TestExecutorPersistsReplaceArtifactUpdate(t *testing.T) {
	dispatcher := newTestDispatcher(t, "board_tool", replayExecutable{
		resp: &runtime.PluginResponse{Body: map[string]any{
			"artifact_update": map[string]any{
				"mode":    "replace",
				"payload": map[string]any{"title": "hello"},
			},
		}},
	})
	store := sessions.NewMemoryStore()
	dispatch := events.NewDispatcher()
	exec := NewExecutor(dispatcher, store, dispatch, newTestLogger())

	req := transport.ActionRequest{AppID: "a_1", UserID: "u_1", ChatID: "c_1", ArtifactID: "art_1", Tool: "board_tool"}
	exec.Execute(context.Background(), &runtime.Identity{AppID: "a_1", UserID: "u_1"}, req)

	artifact, err := store.GetArtifact(context.Background(), "a_1", "c_1", "art_1")
	require.NoError(t, err)
	require.Equal(t, "hello", artifact.State["title"])
}

func TestExecutorPersistsPatchArtifactUpdateAgainstExistingState(t *testing.T) {
	store := sessions.NewMemoryStore()
	require.NoError(t, store.UpsertArtifact(context.Background(), runtime.Artifact{
		ArtifactID: "art_1", ChatID: "c_1", AppID: "a_1",
		State: map[string]any{"title": "old", "count": float64(1)},
	}))

	dispatcher := newTestDispatcher(t, "counter_tool", replayExecutable{
		resp: &runtime.PluginResponse{Body: map[string]any{
			"artifact_update": map[string]any{
				"mode":    "patch",
				"payload": []map[string]any{{"op": "replace", "path": "/count", "value": float64(2)}},
			},
		}},
	})
	dispatch := events.NewDispatcher()
	exec := NewExecutor(dispatcher, store, dispatch, newTestLogger())

	req := transport.ActionRequest{AppID: "a_1", UserID: "u_1", ChatID: "c_1", ArtifactID: "art_1", Tool: "counter_tool"}
	exec.Execute(context.Background(), &runtime.Identity{AppID: "a_1", UserID: "u_1"}, req)

	artifact, err := store.GetArtifact(context.Background(), "a_1", "c_1", "art_1")
	require.NoError(t, err)
	require.Equal(t, "old", artifact.State["title"])
	require.Equal(t, float64(2), artifact.State["count"])
}

type typeRecorder struct{ types []runtime.EventType }

func (r *typeRecorder) Emit(ctx context.Context, env *runtime.Envelope) error {
	r.types = append(r.types, env.Type)
	return nil
}

func TestExecutorEmitsFailedEventOnPluginError(t *testing.T) {
	dispatcher := newTestDispatcher(t, "broken_tool", replayExecutable{
		resp: &runtime.PluginResponse{Error: "boom", ErrorCode: "PLUGIN_CRASHED"},
	})
	store := sessions.NewMemoryStore()
	recorder := &typeRecorder{}
	dispatch := events.NewDispatcher(events.WithTransport(recorder))
	exec := NewExecutor(dispatcher, store, dispatch, newTestLogger())

	req := transport.ActionRequest{AppID: "a_1", UserID: "u_1", ChatID: "c_1", ArtifactID: "art_1", Tool: "broken_tool"}
	exec.Execute(context.Background(), &runtime.Identity{AppID: "a_1", UserID: "u_1"}, req)

	require.NotEmpty(t, recorder.types)
	require.Equal(t, runtime.EventArtifactActionFailed, recorder.types[len(recorder.types)-1])

	_, err := store.GetArtifact(context.Background(), "a_1", "c_1", "art_1")
	require.ErrorIs(t, err, sessions.ErrNotFound)
}
