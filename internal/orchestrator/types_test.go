package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mozaiks/core/pkg/runtime"
)

func TestNewRunContextSeedsContextVariables(t *testing.T) {
	rc := newRunContext("a_1", "u_1", "wf", "chat_1", "req_1", "seed", nil)
	require.Equal(t, "a_1", rc.ContextVariables["app_id"])
	require.Equal(t, "u_1", rc.ContextVariables["user_id"])
	require.Equal(t, "chat_1", rc.ContextVariables["chat_id"])
	require.Equal(t, "wf", rc.ContextVariables["workflow_name"])
	require.Equal(t, StateStarting, rc.State())
}

func TestRunContextTurnIndexIncrements(t *testing.T) {
	rc := newRunContext("a_1", "u_1", "wf", "chat_1", "", "seed", nil)
	require.Equal(t, 0, rc.TurnIndex())
	require.Equal(t, 1, rc.incrementTurn())
	require.Equal(t, 2, rc.incrementTurn())
	require.Equal(t, 2, rc.TurnIndex())
}

func TestRunContextActiveAgentTracksHistory(t *testing.T) {
	rc := newRunContext("a_1", "u_1", "wf", "chat_1", "", "seed", nil)
	rc.setActiveAgent("triage")
	rc.setActiveAgent("closer")
	require.Equal(t, "closer", rc.ActiveAgent())
	require.Equal(t, []string{"triage", "closer"}, rc.agentHistory)
}

func TestRunContextCancelIsIdempotentAndObservable(t *testing.T) {
	rc := newRunContext("a_1", "u_1", "wf", "chat_1", "", "seed", nil)
	require.False(t, rc.Cancelled())
	rc.Cancel()
	rc.Cancel()
	require.True(t, rc.Cancelled())
}

func TestRunContextVarsSnapshotIsACopy(t *testing.T) {
	rc := newRunContext("a_1", "u_1", "wf", "chat_1", "", "seed", map[string]any{"k": "v"})
	snap := rc.varsSnapshot()
	snap["k"] = "mutated"
	require.Equal(t, "v", rc.ContextVariables["k"])
}

func TestRunContextAppendMessage(t *testing.T) {
	rc := newRunContext("a_1", "u_1", "wf", "chat_1", "", "seed", nil)
	rc.appendMessage(runtime.Message{Role: runtime.RoleUser, Content: "hi"})
	require.Len(t, rc.messageLog, 1)
	require.Equal(t, "hi", rc.messageLog[0].Content)
}
