package actions

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mozaiks/core/internal/events"
	"github.com/mozaiks/core/internal/plugins"
	"github.com/mozaiks/core/internal/sessions"
	"github.com/mozaiks/core/internal/transport"
	"github.com/mozaiks/core/pkg/runtime"
)

const errCodeNotInvocableStateless = "TOOL_NOT_INVOCABLE_STATELESS"

// artifactUpdate is the optional directive a tool's response body may
// carry to tell the executor how to fold its result into artifact
// state: either a full replacement snapshot, or an RFC-6902 patch
// against the artifact's current state.
type artifactUpdate struct {
	Mode    string          `json:"mode"`
	Payload json.RawMessage `json:"payload"`
}

// Executor implements transport.ActionExecutor (C11): a tool
// invocation triggered directly by an artifact.action message rather
// than by an agent turn, following the same cap.tool.<name>
// enforcement and context injection the orchestrator's own tool calls
// go through.
type Executor struct {
	dispatcher *plugins.Dispatcher
	store      sessions.Store
	events     *events.Dispatcher
	logger     *slog.Logger
}

// NewExecutor constructs an Executor.
func NewExecutor(dispatcher *plugins.Dispatcher, store sessions.Store, dispatch *events.Dispatcher, logger *slog.Logger) *Executor {
	return &Executor{dispatcher: dispatcher, store: store, events: dispatch, logger: logger}
}

var _ transport.ActionExecutor = (*Executor)(nil)

// Execute runs spec §4.11's seven-step stateless action protocol. It
// never returns a result to the caller directly; every outcome is
// reported through the event pipeline so all subscribers (transport,
// persistence) see a consistent artifact.action.started/completed/
// failed sequence.
func (e *Executor) Execute(ctx context.Context, identity *runtime.Identity, req transport.ActionRequest) {
	actionID := req.ActionID
	if actionID == "" {
		actionID = uuid.NewString()
	}

	if !e.dispatcher.Registered(req.Tool) {
		e.fail(ctx, req, actionID, errCodeNotInvocableStateless, "tool is not invocable outside an agent turn")
		return
	}

	e.emit(ctx, runtime.EventArtifactActionStarted, req, map[string]any{
		"action_id":   actionID,
		"artifact_id": req.ArtifactID,
		"tool":        req.Tool,
	})

	var params map[string]any
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			e.fail(ctx, req, actionID, "INVALID_PARAMS", err.Error())
			return
		}
	}
	if params == nil {
		params = map[string]any{}
	}
	params["chat_id"] = req.ChatID
	params["artifact_id"] = req.ArtifactID

	resp, err := e.dispatcher.Execute(ctx, req.Tool, identity, params)
	if err != nil {
		e.fail(ctx, req, actionID, "PLUGIN_CRASHED", err.Error())
		return
	}
	if resp.Error != "" {
		e.fail(ctx, req, actionID, resp.ErrorCode, resp.Error)
		return
	}

	update, err := e.applyArtifactUpdate(ctx, req, resp.Body)
	if err != nil {
		e.fail(ctx, req, actionID, "ARTIFACT_UPDATE_FAILED", err.Error())
		return
	}

	data := map[string]any{
		"action_id":   actionID,
		"artifact_id": req.ArtifactID,
		"result":      resp.Body,
	}
	if update != nil {
		data["artifact_update"] = update
	}
	e.emit(ctx, runtime.EventArtifactActionCompleted, req, data)
}

// applyArtifactUpdate folds an optional "artifact_update" directive
// from a tool's response body into persisted artifact state, returning
// the directive (normalized to a replace-mode snapshot) for the
// completed event's payload. A response without the directive leaves
// artifact state untouched and returns (nil, nil).
func (e *Executor) applyArtifactUpdate(ctx context.Context, req transport.ActionRequest, body map[string]any) (map[string]any, error) {
	raw, ok := body["artifact_update"]
	if !ok {
		return nil, nil
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var upd artifactUpdate
	if err := json.Unmarshal(encoded, &upd); err != nil {
		return nil, err
	}

	var nextState map[string]any
	switch upd.Mode {
	case "patch":
		existing, err := e.store.GetArtifact(ctx, req.AppID, req.ChatID, req.ArtifactID)
		var current map[string]any
		if err == nil {
			current = existing.State
		} else if err != sessions.ErrNotFound {
			return nil, err
		}
		var ops []runtime.JSONPatchOp
		if err := json.Unmarshal(upd.Payload, &ops); err != nil {
			return nil, err
		}
		nextState, err = ApplyJSONPatch(current, ops)
		if err != nil {
			return nil, err
		}
	default:
		upd.Mode = "replace"
		if err := json.Unmarshal(upd.Payload, &nextState); err != nil {
			return nil, err
		}
	}

	artifact := runtime.Artifact{
		ArtifactID: req.ArtifactID,
		ChatID:     req.ChatID,
		AppID:      req.AppID,
		State:      nextState,
		UpdatedAt:  time.Now().UTC(),
	}
	if err := e.store.UpsertArtifact(ctx, artifact); err != nil {
		return nil, err
	}

	snapshot, err := json.Marshal(nextState)
	if err != nil {
		return nil, err
	}
	return map[string]any{"mode": "replace", "payload": json.RawMessage(snapshot)}, nil
}

func (e *Executor) fail(ctx context.Context, req transport.ActionRequest, actionID, code, detail string) {
	e.logger.Warn("actions: invocation failed", "chat_id", req.ChatID, "tool", req.Tool, "action_id", actionID, "error_code", code, "detail", detail)
	e.emit(ctx, runtime.EventArtifactActionFailed, req, map[string]any{
		"action_id":   actionID,
		"artifact_id": req.ArtifactID,
		"error":       detail,
		"error_code":  code,
		"rollback":    true,
	})
}

func (e *Executor) emit(ctx context.Context, eventType runtime.EventType, req transport.ActionRequest, data map[string]any) {
	env := &runtime.Envelope{
		Type:   eventType,
		ChatID: req.ChatID,
		AppID:  req.AppID,
		Data:   data,
	}
	if err := e.events.Emit(ctx, env); err != nil {
		e.logger.Error("actions: event emit failed", "chat_id", req.ChatID, "type", eventType, "err", err)
	}
}
