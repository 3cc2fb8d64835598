// Package orchestrator implements the turn-based workflow run engine
// (C7): the start protocol with idempotency and pre-flight checks, the
// per-turn run loop that drives agents and tools, handoff resolution,
// and the failure/cancellation semantics of spec §4.7.
package orchestrator

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mozaiks/core/pkg/runtime"
)

// RunState is one state of a run's lifecycle state machine.
type RunState string

const (
	StateStarting           RunState = "starting"
	StateRunning            RunState = "running"
	StateAwaitingUserInput  RunState = "awaiting_user_input"
	StateAwaitingUIResponse RunState = "awaiting_ui_response"
	StateExecuting          RunState = "executing"
	StateCompleted          RunState = "completed"
	StateFailed             RunState = "failed"
	StateCancelled          RunState = "cancelled"
)

// Failure codes emitted on chat.orchestration.run_failed / run_cancelled.
const (
	CodeCancelled               = "CANCELLED"
	CodeLLMError                = "LLM_ERROR"
	CodeStructuredOutputInvalid = "STRUCTURED_OUTPUT_INVALID"
	CodeHookHalted              = "HOOK_HALTED"
)

var (
	// ErrTokensInsufficient is returned by pre-flight when the caller's
	// remaining token budget is below required_min_tokens (HTTP 402).
	ErrTokensInsufficient = errors.New("orchestrator: insufficient token budget")
	// ErrPrerequisiteNotMet is returned by pre-flight when a configured
	// prerequisite workflow has not completed (HTTP 409).
	ErrPrerequisiteNotMet = errors.New("orchestrator: prerequisite workflow not completed")
	// ErrRunCancelled is returned internally when a cancellation request
	// is observed at a safe point in the run loop.
	ErrRunCancelled = errors.New("orchestrator: run cancelled")
)

// RunContext is the live, in-memory state of one run. One RunContext
// exists per active chat_id; the orchestrator holds it for the
// duration of the run and persists snapshots through SessionStore.
type RunContext struct {
	RunID            string // == chat_id
	AppID            string
	UserID           string
	WorkflowName     string
	ClientRequestID  string
	CacheSeed        string
	ContextVariables map[string]any

	mu           sync.Mutex
	activeAgent  string
	turnIndex    int
	state        RunState
	messageLog   []runtime.Message
	agentHistory []string
	totalTokens  int64

	cancelRequested atomic.Bool
	startedAt       time.Time
}

func newRunContext(appID, userID, workflowName, chatID, clientRequestID, cacheSeed string, vars map[string]any) *RunContext {
	if vars == nil {
		vars = map[string]any{}
	}
	vars["app_id"] = appID
	vars["user_id"] = userID
	vars["chat_id"] = chatID
	vars["workflow_name"] = workflowName
	return &RunContext{
		RunID:            chatID,
		AppID:            appID,
		UserID:           userID,
		WorkflowName:     workflowName,
		ClientRequestID:  clientRequestID,
		CacheSeed:        cacheSeed,
		ContextVariables: vars,
		state:            StateStarting,
		startedAt:        time.Now().UTC(),
	}
}

// State returns the run's current lifecycle state.
func (rc *RunContext) State() RunState {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

func (rc *RunContext) setState(s RunState) {
	rc.mu.Lock()
	rc.state = s
	rc.mu.Unlock()
}

// ActiveAgent returns the currently assigned agent.
func (rc *RunContext) ActiveAgent() string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.activeAgent
}

func (rc *RunContext) setActiveAgent(name string) {
	rc.mu.Lock()
	rc.activeAgent = name
	rc.agentHistory = append(rc.agentHistory, name)
	rc.mu.Unlock()
}

// TurnIndex returns the number of completed turns.
func (rc *RunContext) TurnIndex() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.turnIndex
}

func (rc *RunContext) incrementTurn() int {
	rc.mu.Lock()
	rc.turnIndex++
	n := rc.turnIndex
	rc.mu.Unlock()
	return n
}

func (rc *RunContext) appendMessage(msg runtime.Message) {
	rc.mu.Lock()
	rc.messageLog = append(rc.messageLog, msg)
	rc.mu.Unlock()
}

// TotalTokens returns the run's cumulative token usage so far.
func (rc *RunContext) TotalTokens() int64 {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.totalTokens
}

func (rc *RunContext) addTokens(n int64) {
	rc.mu.Lock()
	rc.totalTokens += n
	rc.mu.Unlock()
}

// Cancel requests cancellation; it takes effect at the next safe point
// (between turns or between tool calls), per spec §4.7.
func (rc *RunContext) Cancel() {
	rc.cancelRequested.Store(true)
}

// Cancelled reports whether cancellation has been requested.
func (rc *RunContext) Cancelled() bool {
	return rc.cancelRequested.Load()
}

func (rc *RunContext) varsSnapshot() map[string]any {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	snap := make(map[string]any, len(rc.ContextVariables))
	for k, v := range rc.ContextVariables {
		snap[k] = v
	}
	return snap
}
