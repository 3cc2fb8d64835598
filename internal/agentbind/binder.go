// Package agentbind implements the agent/tool binding layer (C6): it
// materializes an executable instance of a workflow bundle's agents
// for one run, resolving system-prompt templates, filtering tools to
// the ones an agent can call, building the structured-output
// auto-tool map, and wiring lifecycle hooks to callables.
package agentbind

import (
	"fmt"

	"github.com/mozaiks/core/internal/plugins"
	"github.com/mozaiks/core/pkg/runtime"
)

// BoundAgent is one agent's materialized, run-scoped configuration.
type BoundAgent struct {
	Definition       runtime.AgentDefinition
	SystemPrompt     string
	LLMProfile       runtime.LLMProfile
	Tools            []runtime.ToolDefinition
	StructuredOutput string
	AutoToolBindings map[string]runtime.ToolDefinition // structured_output model name -> tool
}

// Binder builds BoundAgent instances from a bundle, a target agent
// name, and the run's current context variables.
type Binder struct {
	dispatcher *plugins.Dispatcher
	engine     *PromptEngine
}

// NewBinder constructs a Binder. dispatcher resolves tool/hook names
// to plugin executions (C4); it may be nil only in tests that never
// invoke a tool or hook.
func NewBinder(dispatcher *plugins.Dispatcher) *Binder {
	return &Binder{dispatcher: dispatcher, engine: NewPromptEngine()}
}

// BindAgent materializes agentName from bundle.
func (b *Binder) BindAgent(bundle *runtime.Bundle, agentName string, vars map[string]any) (*BoundAgent, error) {
	def := findAgent(bundle, agentName)
	if def == nil {
		return nil, fmt.Errorf("agentbind: bundle %q declares no agent %q", bundle.Name, agentName)
	}

	prompt, err := b.engine.Process(def.SystemPromptTemplate, vars)
	if err != nil {
		return nil, fmt.Errorf("agentbind: agent %q: %w", agentName, err)
	}

	bound := &BoundAgent{
		Definition:       *def,
		SystemPrompt:     prompt,
		LLMProfile:       def.LLMProfile,
		StructuredOutput: def.StructuredOutput,
		AutoToolBindings: make(map[string]runtime.ToolDefinition),
	}

	for _, t := range bundle.Tools {
		if t.Kind == runtime.ToolKindLifecycle {
			continue
		}
		if t.Target != "*" && t.Target != agentName {
			continue
		}
		bound.Tools = append(bound.Tools, t)
		if t.AutoInvoke && t.Kind != runtime.ToolKindUI && def.StructuredOutput != "" {
			bound.AutoToolBindings[def.StructuredOutput] = t
		}
	}

	return bound, nil
}

func findAgent(bundle *runtime.Bundle, name string) *runtime.AgentDefinition {
	for i := range bundle.Agents {
		if bundle.Agents[i].Name == name {
			return &bundle.Agents[i]
		}
	}
	return nil
}
