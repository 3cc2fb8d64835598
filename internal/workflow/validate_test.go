package workflow

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mozaiks/core/pkg/runtime"
)

func baseBundle() *runtime.Bundle {
	return &runtime.Bundle{
		Name: "b",
		Agents: []runtime.AgentDefinition{
			{Name: "a1", SystemPromptTemplate: "hi", LLMProfile: runtime.LLMProfile{Provider: "openai", Model: "gpt-4o"}},
			{Name: "a2", SystemPromptTemplate: "hi", LLMProfile: runtime.LLMProfile{Provider: "openai", Model: "gpt-4o"}},
		},
	}
}

func TestValidateRejectsMissingName(t *testing.T) {
	b := baseBundle()
	b.Name = ""
	require.Error(t, Validate(b))
}

func TestValidateRejectsNoAgents(t *testing.T) {
	b := baseBundle()
	b.Agents = nil
	require.Error(t, Validate(b))
}

func TestValidateRejectsDuplicateAgent(t *testing.T) {
	b := baseBundle()
	b.Agents = append(b.Agents, runtime.AgentDefinition{Name: "a1"})
	require.ErrorContains(t, Validate(b), "duplicate agent")
}

func TestValidateRejectsUnknownInitialAgent(t *testing.T) {
	b := baseBundle()
	b.InitialAgent = "ghost"
	require.ErrorContains(t, Validate(b), "initial_agent")
}

func TestValidateRejectsUnknownToolTarget(t *testing.T) {
	b := baseBundle()
	b.Tools = []runtime.ToolDefinition{{Name: "t", Target: "ghost", Kind: runtime.ToolKindAgent}}
	require.ErrorContains(t, Validate(b), "unknown agent")
}

func TestValidateAllowsWildcardToolTarget(t *testing.T) {
	b := baseBundle()
	b.Tools = []runtime.ToolDefinition{{Name: "t", Target: "*", Kind: runtime.ToolKindAgent}}
	require.NoError(t, Validate(b))
}

func TestValidateRejectsLifecycleToolWithoutTrigger(t *testing.T) {
	b := baseBundle()
	b.Tools = []runtime.ToolDefinition{{Name: "hook", Target: "*", Kind: runtime.ToolKindLifecycle}}
	require.ErrorContains(t, Validate(b), "invalid trigger")
}

func TestValidateRejectsUnknownHandoffAgent(t *testing.T) {
	b := baseBundle()
	b.Handoffs = []runtime.HandoffRule{{From: "a1", To: "ghost"}}
	require.ErrorContains(t, Validate(b), "unknown target agent")
}

func TestValidateRejectsCircularModelInheritance(t *testing.T) {
	b := baseBundle()
	b.StructuredOutputs = []runtime.ModelDef{
		{Name: "M1", Inherits: "M2"},
		{Name: "M2", Inherits: "M1"},
	}
	require.ErrorContains(t, Validate(b), "circular inheritance")
}

func TestValidateRejectsUnresolvedNestedModel(t *testing.T) {
	b := baseBundle()
	b.StructuredOutputs = []runtime.ModelDef{
		{Name: "M1", Fields: []runtime.FieldDef{{Name: "child", Kind: runtime.FieldNested, Model: "Ghost"}}},
	}
	require.ErrorContains(t, Validate(b), "unknown nested model")
}

func TestValidateRejectsAgentStructuredOutputUnknown(t *testing.T) {
	b := baseBundle()
	b.Agents[0].StructuredOutput = "Ghost"
	require.ErrorContains(t, Validate(b), "unknown structured output")
}

func TestValidateAcceptsWellFormedBundle(t *testing.T) {
	b := baseBundle()
	b.InitialAgent = "a1"
	b.StructuredOutputs = []runtime.ModelDef{
		{Name: "Base", Fields: []runtime.FieldDef{{Name: "id", Kind: runtime.FieldString}}},
		{Name: "Child", Inherits: "Base", Fields: []runtime.FieldDef{{Name: "extra", Kind: runtime.FieldInt, Optional: true}}},
	}
	b.Agents[0].StructuredOutput = "Child"
	b.Tools = []runtime.ToolDefinition{
		{Name: "notify", Target: "a2", Kind: runtime.ToolKindUI, UI: &runtime.ToolUI{Component: "card", Mode: runtime.UIModeInline}},
		{Name: "before", Target: "*", Kind: runtime.ToolKindLifecycle, Trigger: runtime.TriggerBeforeChat},
	}
	b.Handoffs = []runtime.HandoffRule{{From: "a1", To: "a2"}}
	require.NoError(t, Validate(b))
}
