package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/mozaiks/core/internal/agentbind"
	"github.com/mozaiks/core/internal/plugins"
	"github.com/mozaiks/core/internal/tracing"
	"github.com/mozaiks/core/internal/workflow"
	"github.com/mozaiks/core/pkg/runtime"
)

// EventSink receives every Envelope the orchestrator produces. C8's
// dispatcher implements this once built; tests use a recording stub.
type EventSink interface {
	Emit(ctx context.Context, env *runtime.Envelope) error
}

// BundleSource resolves a compiled workflow bundle for (app_id, name).
// workflow.Cache satisfies this directly; tests substitute a fixed stub.
type BundleSource interface {
	Get(appID, name string) (*workflow.Compiled, error)
}

// maxStructuredOutputRetries bounds the corrective-instruction retry
// on a structured-output validation failure, per spec §4.7.
const maxStructuredOutputRetries = 1

// maxLLMAttempts bounds transient-error retries at the agent call
// layer, per spec §4.7.
const maxLLMAttempts = 4

// uiResponseTimeout is how long a suspended agent turn waits for a
// ui.tool.response before the tool call is treated as an error result.
const uiResponseTimeout = 2 * time.Minute

// Orchestrator drives workflow runs end to end: start protocol,
// per-turn run loop, handoff resolution, tool invocation, and the
// failure/cancellation semantics of spec §4.7.
type Orchestrator struct {
	bundles     BundleSource
	binder      *agentbind.Binder
	dispatcher  *plugins.Dispatcher
	llms        *Registry
	sink        EventSink
	preflight   *Preflight
	idempotency *IdempotencyStore
	waiters     *waiterRegistry
	conditions  *ConditionEvaluator
	tracer      *tracing.Tracer

	runsMu sync.Mutex
	runs   map[string]*RunContext
}

// SetTracer attaches a Tracer that spans every subsequent turn. Unset
// by default, in which case Run traces nothing.
func (o *Orchestrator) SetTracer(t *tracing.Tracer) {
	o.tracer = t
}

// New constructs an Orchestrator. conditions may be nil; runTurn then
// skips handoff resolution entirely, so no rule, conditional or not,
// moves the turn to another agent.
func New(bundles BundleSource, binder *agentbind.Binder, dispatcher *plugins.Dispatcher, llms *Registry, sink EventSink, preflight *Preflight, idempotency *IdempotencyStore, conditions *ConditionEvaluator) *Orchestrator {
	return &Orchestrator{
		bundles:     bundles,
		binder:      binder,
		dispatcher:  dispatcher,
		llms:        llms,
		sink:        sink,
		preflight:   preflight,
		idempotency: idempotency,
		waiters:     newWaiterRegistry(),
		conditions:  conditions,
		runs:        map[string]*RunContext{},
	}
}

// Start implements the start protocol: idempotency lookup, pre-flight
// checks, and chat_id/cache_seed minting. The caller is responsible
// for persisting the resulting runtime.Session and invoking Run.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (*RunContext, bool, error) {
	if !req.ForceNew {
		if chatID, ok := o.idempotency.Lookup(req); ok {
			o.runsMu.Lock()
			rc, ok := o.runs[chatID]
			o.runsMu.Unlock()
			if ok {
				return rc, true, nil
			}
		}
	}

	if err := o.preflight.Check(ctx, req); err != nil {
		return nil, false, err
	}

	chatID := uuid.NewString()
	cacheSeed := deriveCacheSeed(chatID)
	rc := newRunContext(req.AppID, req.UserID, req.WorkflowName, chatID, req.ClientRequestID, cacheSeed, nil)

	o.idempotency.Record(req, chatID)
	o.runsMu.Lock()
	o.runs[chatID] = rc
	o.runsMu.Unlock()
	return rc, false, nil
}

func deriveCacheSeed(chatID string) string {
	sum := sha256.Sum256([]byte(chatID))
	return hex.EncodeToString(sum[:])[:16]
}

// ResolveUIResponse delivers a ui.tool.response payload to the
// suspended turn waiting on correlationID. It reports whether a
// waiter was found.
func (o *Orchestrator) ResolveUIResponse(correlationID string, payload json.RawMessage) bool {
	return o.waiters.Resolve(correlationID, payload)
}

// Lookup returns the in-memory RunContext for chatID, if this process
// holds one. Used by the WebSocket transport (C10) to route
// user.cancel at reconnect without re-running the start protocol.
func (o *Orchestrator) Lookup(chatID string) (*RunContext, bool) {
	o.runsMu.Lock()
	defer o.runsMu.Unlock()
	rc, ok := o.runs[chatID]
	return rc, ok
}

// Run drives rc's workflow to completion (or failure/cancellation),
// implementing the 7-step run loop of spec §4.7.
func (o *Orchestrator) Run(ctx context.Context, rc *RunContext, identity *runtime.Identity) error {
	compiled, err := o.bundles.Get(rc.AppID, rc.WorkflowName)
	if err != nil {
		return o.fail(ctx, rc, CodeLLMError, fmt.Sprintf("load bundle: %v", err))
	}
	bundle := compiled.Bundle

	rc.setState(StateRunning)
	o.emit(ctx, rc, runtime.EventOrchRunStarted, nil)
	o.emit(ctx, rc, runtime.AGUIRunStarted, nil)

	beforeChat := o.binder.BindHooks(bundle, runtime.TriggerBeforeChat)
	result, errs := agentbind.RunHooks(ctx, beforeChat, identity, rc.varsSnapshot())
	o.logHookErrors(errs)
	if result.Halt {
		return o.fail(ctx, rc, CodeHookHalted, result.Reason)
	}

	active := bundle.InitialAgent
	if active == "" && len(bundle.Agents) > 0 {
		active = bundle.Agents[0].Name
	}
	rc.setActiveAgent(active)

	maxTurns := bundle.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 50
	}

	for {
		if rc.Cancelled() {
			return o.cancel(ctx, rc)
		}
		turn := rc.incrementTurn()
		if turn > maxTurns {
			break
		}

		turnCtx := ctx
		var span trace.Span
		if o.tracer != nil {
			turnCtx, span = o.tracer.TraceRun(ctx, rc.WorkflowName, rc.RunID)
		}
		terminate, err := o.runTurn(turnCtx, rc, bundle, compiled.Validator, identity)
		if span != nil {
			o.tracer.RecordError(span, err)
			span.End()
		}
		if err != nil {
			return err // already converted to a run_failed emission by runTurn
		}
		if terminate {
			break
		}
		if rc.Cancelled() {
			return o.cancel(ctx, rc)
		}
	}

	afterChat := o.binder.BindHooks(bundle, runtime.TriggerAfterChat)
	_, errs = agentbind.RunHooks(ctx, afterChat, identity, rc.varsSnapshot())
	o.logHookErrors(errs)

	rc.setState(StateCompleted)
	summary := map[string]any{
		"turn_count":   rc.TurnIndex(),
		"active_agent": rc.ActiveAgent(),
		"total_tokens": rc.TotalTokens(),
	}
	o.emit(ctx, rc, runtime.EventOrchRunCompleted, summary)
	o.emit(ctx, rc, runtime.AGUIRunFinished, summary)
	return nil
}

// runTurn executes one agent turn: before_agent hooks, the LLM call
// (constrained to a structured-output schema when configured), tool
// invocation, auto-tool invocation, after_agent hooks, and handoff
// resolution. It reports whether the run should terminate.
func (o *Orchestrator) runTurn(ctx context.Context, rc *RunContext, bundle *runtime.Bundle, validator *workflow.Validator, identity *runtime.Identity) (bool, error) {
	agentName := rc.ActiveAgent()
	vars := rc.varsSnapshot()

	o.emit(ctx, rc, runtime.EventOrchAgentStarted, map[string]any{"agent": agentName})
	o.emit(ctx, rc, runtime.AGUIStepStarted, map[string]any{"agent": agentName})

	beforeAgent := o.binder.BindHooks(bundle, runtime.TriggerBeforeAgent)
	result, errs := agentbind.RunHooks(ctx, beforeAgent, identity, vars)
	o.logHookErrors(errs)
	if result.Halt {
		return true, o.fail(ctx, rc, CodeHookHalted, result.Reason)
	}

	bound, err := o.binder.BindAgent(bundle, agentName, vars)
	if err != nil {
		return true, o.fail(ctx, rc, CodeLLMError, err.Error())
	}

	client, ok := o.llms.Resolve(bound.LLMProfile.Provider)
	if !ok {
		return true, o.fail(ctx, rc, CodeLLMError, fmt.Sprintf("no llm client registered for provider %q", bound.LLMProfile.Provider))
	}

	content, structured, toolCall, err := o.converseWithAgent(ctx, rc, bound, client, validator)
	if err != nil {
		if IsTransient(err) {
			return true, o.fail(ctx, rc, CodeLLMError, err.Error())
		}
		return true, o.fail(ctx, rc, CodeStructuredOutputInvalid, err.Error())
	}

	msg := runtime.Message{
		ChatID:           rc.RunID,
		AppID:            rc.AppID,
		Agent:            agentName,
		Role:             runtime.RoleAgent,
		Content:          content,
		StructuredOutput: structured,
		CreatedAt:        time.Now().UTC(),
	}
	rc.appendMessage(msg)

	if toolCall != nil {
		if err := o.invokeTool(ctx, rc, bundle, identity, toolCall.Name, toolCall.Arguments); err != nil {
			return true, err
		}
	} else if structured != nil && bound.StructuredOutput != "" {
		if tool, ok := bound.AutoToolBindings[bound.StructuredOutput]; ok {
			args, _ := json.Marshal(structured)
			if err := o.invokeTool(ctx, rc, bundle, identity, tool.Name, args); err != nil {
				return true, err
			}
		}
	}

	afterAgent := o.binder.BindHooks(bundle, runtime.TriggerAfterAgent)
	result, errs = agentbind.RunHooks(ctx, afterAgent, identity, rc.varsSnapshot())
	o.logHookErrors(errs)
	o.emit(ctx, rc, runtime.EventOrchAgentCompleted, map[string]any{"agent": agentName})
	o.emit(ctx, rc, runtime.AGUIStepFinished, map[string]any{"agent": agentName})
	if result.Halt {
		return true, o.fail(ctx, rc, CodeHookHalted, result.Reason)
	}

	if !hasOutgoingHandoff(bundle, agentName) {
		return true, nil
	}

	next := agentName
	if o.conditions != nil {
		next, err = resolveHandoff(bundle, o.conditions, agentName, rc.varsSnapshot())
		if err != nil {
			return true, o.fail(ctx, rc, CodeLLMError, err.Error())
		}
	}
	if next != agentName {
		o.emit(ctx, rc, runtime.EventChatHandoff, map[string]any{"from": agentName, "to": next})
		rc.setActiveAgent(next)
	}

	return false, nil
}

// converseWithAgent drives one LLM call for bound, streaming text
// chunks to chat.print/agui.text.* and returning either free-form
// content, a validated structured-output payload, or a requested tool
// call. A structured-output validation failure is retried once with a
// corrective instruction before being surfaced as permanent.
func (o *Orchestrator) converseWithAgent(ctx context.Context, rc *RunContext, bound *agentbind.BoundAgent, client Client, validator *workflow.Validator) (string, map[string]any, *ToolCallRequest, error) {
	messages := historyToMessages(rc)

	var schema json.RawMessage
	if bound.StructuredOutput != "" {
		schema, _ = validator.RawSchema(bound.StructuredOutput)
	}
	attempts := maxStructuredOutputRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		req := &CompletionRequest{
			Profile:                bound.LLMProfile,
			System:                 bound.SystemPrompt,
			Messages:               messages,
			StructuredOutputSchema: schema,
			CacheSeed:              rc.CacheSeed,
		}

		chunks, err := completeWithRetry(ctx, client, req, maxLLMAttempts)
		if err != nil {
			return "", nil, nil, err
		}

		content, structured, toolCall, usage, streamErr := o.drainStream(ctx, rc, bound, chunks)
		if streamErr != nil {
			return "", nil, nil, streamErr
		}
		if usage.InputTokens > 0 || usage.OutputTokens > 0 {
			total := int64(usage.InputTokens + usage.OutputTokens)
			rc.addTokens(total)
			o.emit(ctx, rc, runtime.EventChatUsageDelta, map[string]any{
				"agent": rc.ActiveAgent(), "user_id": rc.UserID,
				"input_tokens": usage.InputTokens, "output_tokens": usage.OutputTokens,
				"total_tokens": total,
			})
		}

		if bound.StructuredOutput == "" || toolCall != nil {
			return content, structured, toolCall, nil
		}

		if err := validator.Validate(bound.StructuredOutput, structured); err != nil {
			if attempt < attempts-1 {
				messages = append(messages, CompletionMessage{
					Role:    "user",
					Content: fmt.Sprintf("Your last response did not satisfy the required schema (%v). Respond again following the schema exactly.", err),
				})
				continue
			}
			return "", nil, nil, fmt.Errorf("orchestrator: structured output %q: %w", bound.StructuredOutput, err)
		}

		o.emit(ctx, rc, runtime.EventChatStructuredOutput, map[string]any{"model": bound.StructuredOutput, "data": structured})
		return content, structured, toolCall, nil
	}

	return "", nil, nil, fmt.Errorf("orchestrator: exhausted structured output retries")
}

// streamUsage carries the token counts a provider reports on its
// terminal chunk, zero-valued when the provider never reports usage.
type streamUsage struct {
	InputTokens  int
	OutputTokens int
}

func (o *Orchestrator) drainStream(ctx context.Context, rc *RunContext, bound *agentbind.BoundAgent, chunks <-chan *CompletionChunk) (string, map[string]any, *ToolCallRequest, streamUsage, error) {
	var text, raw []byte
	var usage streamUsage
	started := false

	for chunk := range chunks {
		if chunk.Error != nil {
			return "", nil, nil, usage, chunk.Error
		}
		if chunk.ToolCall != nil {
			return "", nil, chunk.ToolCall, usage, nil
		}
		if chunk.Text != "" {
			if !started {
				o.emit(ctx, rc, runtime.AGUITextMessageStart, map[string]any{"agent": rc.ActiveAgent()})
				started = true
			}
			text = append(text, chunk.Text...)
			raw = append(raw, chunk.Text...)
			o.emit(ctx, rc, runtime.EventChatPrint, map[string]any{"agent": rc.ActiveAgent(), "content": chunk.Text})
			o.emit(ctx, rc, runtime.AGUITextMessageDelta, map[string]any{"delta": chunk.Text})
		}
		if chunk.Done {
			usage.InputTokens = chunk.InputTokens
			usage.OutputTokens = chunk.OutputTokens
			break
		}
	}

	if started {
		o.emit(ctx, rc, runtime.AGUITextMessageEnd, map[string]any{"agent": rc.ActiveAgent()})
	}

	content := string(text)
	o.emit(ctx, rc, runtime.EventChatText, map[string]any{"agent": rc.ActiveAgent(), "content": content})

	if bound.StructuredOutput == "" {
		return content, nil, nil, usage, nil
	}

	var structured map[string]any
	if err := json.Unmarshal(raw, &structured); err != nil {
		return content, nil, nil, usage, fmt.Errorf("orchestrator: parse structured output: %w", err)
	}
	return content, structured, nil, usage, nil
}

// invokeTool resolves and executes one tool call, suspending the turn
// on a UI tool until a correlated response arrives or times out,
// executing an agent tool synchronously otherwise. Any failure becomes
// a tool-error result delivered back to the agent; the run is never
// aborted by a tool failure.
func (o *Orchestrator) invokeTool(ctx context.Context, rc *RunContext, bundle *runtime.Bundle, identity *runtime.Identity, name string, args json.RawMessage) error {
	def := findTool(bundle, name)
	if def == nil {
		return o.recordToolError(ctx, rc, name, fmt.Sprintf("unknown tool %q", name))
	}

	var body map[string]any
	_ = json.Unmarshal(args, &body)

	o.emit(ctx, rc, runtime.AGUIToolCallStart, map[string]any{"tool": name})

	if def.Kind == runtime.ToolKindUI {
		corr := uuid.NewString()
		display := ""
		if def.UI != nil {
			display = string(def.UI.Mode)
		}
		o.emit(ctx, rc, runtime.EventChatToolCall, map[string]any{
			"tool": name, "args": body, "corr": corr, "awaiting_response": true,
			"display": display,
		})
		waitCtx, cancel := context.WithTimeout(ctx, uiResponseTimeout)
		defer cancel()
		payload, err := o.waiters.Await(waitCtx, rc, corr)
		if err != nil {
			return o.recordToolError(ctx, rc, name, "ui tool response timed out")
		}
		var result map[string]any
		_ = json.Unmarshal(payload, &result)
		return o.recordToolResult(ctx, rc, name, result)
	}

	o.emit(ctx, rc, runtime.EventChatToolCall, map[string]any{"tool": name, "args": body})

	if o.dispatcher == nil {
		return o.recordToolError(ctx, rc, name, "no tool dispatcher configured")
	}
	resp, err := o.dispatcher.Execute(ctx, name, identity, body)
	if err != nil {
		return o.recordToolError(ctx, rc, name, err.Error())
	}
	if resp.Error != "" {
		return o.recordToolError(ctx, rc, name, resp.Error)
	}
	return o.recordToolResult(ctx, rc, name, resp.Body)
}

func (o *Orchestrator) recordToolResult(ctx context.Context, rc *RunContext, name string, data map[string]any) error {
	rc.appendMessage(runtime.Message{
		ChatID: rc.RunID, AppID: rc.AppID, Role: runtime.RoleTool,
		StructuredOutput: map[string]any{"tool": name, "status": "ok", "result": data},
		CreatedAt:        time.Now().UTC(),
	})
	o.emit(ctx, rc, runtime.EventChatToolResponse, map[string]any{"tool": name, "status": "ok", "result": data})
	o.emit(ctx, rc, runtime.AGUIToolCallEnd, map[string]any{"tool": name})
	o.emit(ctx, rc, runtime.AGUIToolCallResult, map[string]any{"tool": name, "result": data})
	return nil
}

func (o *Orchestrator) recordToolError(ctx context.Context, rc *RunContext, name, message string) error {
	rc.appendMessage(runtime.Message{
		ChatID: rc.RunID, AppID: rc.AppID, Role: runtime.RoleTool,
		StructuredOutput: map[string]any{"tool": name, "status": "error", "message": message},
		CreatedAt:        time.Now().UTC(),
	})
	o.emit(ctx, rc, runtime.EventChatToolResponse, map[string]any{"tool": name, "status": "error", "message": message})
	o.emit(ctx, rc, runtime.AGUIToolCallEnd, map[string]any{"tool": name})
	return nil
}

func findTool(bundle *runtime.Bundle, name string) *runtime.ToolDefinition {
	for i := range bundle.Tools {
		if bundle.Tools[i].Name == name {
			return &bundle.Tools[i]
		}
	}
	return nil
}

func historyToMessages(rc *RunContext) []CompletionMessage {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	msgs := make([]CompletionMessage, 0, len(rc.messageLog))
	for _, m := range rc.messageLog {
		role := string(m.Role)
		if m.Role == runtime.RoleAgent {
			role = "assistant"
		}
		msgs = append(msgs, CompletionMessage{Role: role, Content: m.Content})
	}
	return msgs
}

func (o *Orchestrator) fail(ctx context.Context, rc *RunContext, code, message string) error {
	rc.setState(StateFailed)
	o.emit(ctx, rc, runtime.EventOrchRunFailed, map[string]any{"code": code, "message": message, "total_tokens": rc.TotalTokens()})
	o.emit(ctx, rc, runtime.AGUIRunError, map[string]any{"code": code, "message": message})
	return fmt.Errorf("orchestrator: run %s failed [%s]: %s", rc.RunID, code, message)
}

func (o *Orchestrator) cancel(ctx context.Context, rc *RunContext) error {
	rc.setState(StateCancelled)
	o.emit(ctx, rc, runtime.EventOrchRunCancelled, map[string]any{"code": CodeCancelled, "total_tokens": rc.TotalTokens()})
	return ErrRunCancelled
}

func (o *Orchestrator) emit(ctx context.Context, rc *RunContext, eventType runtime.EventType, data map[string]any) {
	if o.sink == nil {
		return
	}
	env := &runtime.Envelope{
		Type:      eventType,
		Data:      data,
		ChatID:    rc.RunID,
		AppID:     rc.AppID,
		Timestamp: time.Now().UTC(),
	}
	_ = o.sink.Emit(ctx, env)
}

func (o *Orchestrator) logHookErrors(errs []error) {
	// Advisory: hook failures other than a halt never abort the run;
	// they are logged through the process-wide default slog logger.
	for _, err := range errs {
		slog.Default().Warn("orchestrator: hook failed", "error", err)
	}
}
