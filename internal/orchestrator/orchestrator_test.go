package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mozaiks/core/internal/agentbind"
	"github.com/mozaiks/core/internal/entitlement"
	"github.com/mozaiks/core/internal/usage"
	"github.com/mozaiks/core/internal/workflow"
	"github.com/mozaiks/core/pkg/runtime"
)

type recordingSink struct {
	mu     sync.Mutex
	events []*runtime.Envelope
}

func (s *recordingSink) Emit(ctx context.Context, env *runtime.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, env)
	return nil
}

func (s *recordingSink) types(t runtime.EventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type scriptedClient struct {
	text string
}

func (c *scriptedClient) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	ch := make(chan *CompletionChunk, 2)
	ch <- &CompletionChunk{Text: c.text}
	ch <- &CompletionChunk{Done: true}
	close(ch)
	return ch, nil
}

type stubBundleCache struct {
	bundle    *runtime.Bundle
	validator *workflow.Validator
}

func (s *stubBundleCache) Get(appID, name string) (*workflow.Compiled, error) {
	return &workflow.Compiled{Bundle: s.bundle, Validator: s.validator}, nil
}

func simpleTwoAgentBundle() *runtime.Bundle {
	return &runtime.Bundle{
		Name:         "support",
		InitialAgent: "triage",
		MaxTurns:     10,
		Agents: []runtime.AgentDefinition{
			{Name: "triage", LLMProfile: runtime.LLMProfile{Provider: "fake", Model: "m1"}},
			{Name: "closer", LLMProfile: runtime.LLMProfile{Provider: "fake", Model: "m1"}},
		},
		Handoffs: []runtime.HandoffRule{
			{From: "triage", To: "closer"},
		},
	}
}

func newTestPreflight(t *testing.T) *Preflight {
	t.Helper()
	store := entitlement.NewStore(nil, nil)
	manifest := &runtime.Manifest{AppID: "a_1", Enforcement: runtime.EnforcementNone}
	manifest.TokenBudget.TotalTokens.Limit = -1
	require.NoError(t, store.Sync(context.Background(), manifest))
	eval := entitlement.NewEvaluator(store, nil)
	return NewPreflight(eval, usage.NewCounterStore(), nil, nil, "monthly")
}

func TestOrchestratorRunDrivesTwoAgentHandoffToCompletion(t *testing.T) {
	bundle := simpleTwoAgentBundle()
	validator, err := workflow.CompileValidator(bundle)
	require.NoError(t, err)

	binder := agentbind.NewBinder(nil)
	sink := &recordingSink{}
	llms := NewRegistry(map[string]Client{"fake": &scriptedClient{text: "hello"}})
	conditions, err := NewConditionEvaluator()
	require.NoError(t, err)

	o := New(&stubBundleCache{bundle: bundle, validator: validator}, binder, nil, llms, sink, newTestPreflight(t), NewIdempotencyStore(time.Minute), conditions)

	rc, reused, err := o.Start(context.Background(), StartRequest{AppID: "a_1", UserID: "u_1", WorkflowName: "support"})
	require.NoError(t, err)
	require.False(t, reused)

	err = o.Run(context.Background(), rc, &runtime.Identity{AppID: "a_1", UserID: "u_1"})
	require.NoError(t, err)

	require.Equal(t, StateCompleted, rc.State())
	require.Equal(t, "closer", rc.ActiveAgent())
	require.Equal(t, 1, sink.types(runtime.EventOrchRunStarted))
	require.Equal(t, 1, sink.types(runtime.EventOrchRunCompleted))
	require.Equal(t, 1, sink.types(runtime.EventChatHandoff))
}

func TestOrchestratorStartReusesIdempotentRequest(t *testing.T) {
	bundle := simpleTwoAgentBundle()
	validator, err := workflow.CompileValidator(bundle)
	require.NoError(t, err)

	binder := agentbind.NewBinder(nil)
	sink := &recordingSink{}
	llms := NewRegistry(map[string]Client{"fake": &scriptedClient{text: "hi"}})
	conditions, err := NewConditionEvaluator()
	require.NoError(t, err)

	o := New(&stubBundleCache{bundle: bundle, validator: validator}, binder, nil, llms, sink, newTestPreflight(t), NewIdempotencyStore(time.Minute), conditions)

	req := StartRequest{AppID: "a_1", UserID: "u_1", WorkflowName: "support", ClientRequestID: "req_1"}
	rc1, reused1, err := o.Start(context.Background(), req)
	require.NoError(t, err)
	require.False(t, reused1)

	rc2, reused2, err := o.Start(context.Background(), req)
	require.NoError(t, err)
	require.True(t, reused2)
	require.Equal(t, rc1.RunID, rc2.RunID)
}

func TestOrchestratorRunFailsWhenProviderUnregistered(t *testing.T) {
	bundle := simpleTwoAgentBundle()
	validator, err := workflow.CompileValidator(bundle)
	require.NoError(t, err)

	binder := agentbind.NewBinder(nil)
	sink := &recordingSink{}
	llms := NewRegistry(nil)
	conditions, err := NewConditionEvaluator()
	require.NoError(t, err)

	o := New(&stubBundleCache{bundle: bundle, validator: validator}, binder, nil, llms, sink, newTestPreflight(t), NewIdempotencyStore(time.Minute), conditions)

	rc, _, err := o.Start(context.Background(), StartRequest{AppID: "a_1", UserID: "u_1", WorkflowName: "support"})
	require.NoError(t, err)

	err = o.Run(context.Background(), rc, &runtime.Identity{AppID: "a_1", UserID: "u_1"})
	require.Error(t, err)
	require.Equal(t, StateFailed, rc.State())
	require.Equal(t, 1, sink.types(runtime.EventOrchRunFailed))
}

func TestOrchestratorRunCancelsBetweenTurns(t *testing.T) {
	bundle := simpleTwoAgentBundle()
	bundle.Handoffs = nil // triage alone; the cancel below is observed before its first turn
	validator, err := workflow.CompileValidator(bundle)
	require.NoError(t, err)

	binder := agentbind.NewBinder(nil)
	sink := &recordingSink{}
	llms := NewRegistry(map[string]Client{"fake": &scriptedClient{text: "hi"}})
	conditions, err := NewConditionEvaluator()
	require.NoError(t, err)

	o := New(&stubBundleCache{bundle: bundle, validator: validator}, binder, nil, llms, sink, newTestPreflight(t), NewIdempotencyStore(time.Minute), conditions)

	rc, _, err := o.Start(context.Background(), StartRequest{AppID: "a_1", UserID: "u_1", WorkflowName: "support"})
	require.NoError(t, err)
	rc.Cancel()

	err = o.Run(context.Background(), rc, &runtime.Identity{AppID: "a_1", UserID: "u_1"})
	require.ErrorIs(t, err, ErrRunCancelled)
	require.Equal(t, StateCancelled, rc.State())
}
