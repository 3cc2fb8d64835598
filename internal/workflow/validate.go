package workflow

import (
	"fmt"

	"github.com/mozaiks/core/pkg/runtime"
)

// Validate checks referential integrity and structural invariants of
// a parsed bundle: every tool target (other than the "*" wildcard) and
// handoff endpoint must name a declared agent, structured-output
// references must resolve, and
// model inheritance must not cycle.
func Validate(b *runtime.Bundle) error {
	if b.Name == "" {
		return fmt.Errorf("bundle missing name")
	}
	if len(b.Agents) == 0 {
		return fmt.Errorf("bundle %q declares no agents", b.Name)
	}

	agentNames := make(map[string]struct{}, len(b.Agents))
	for _, a := range b.Agents {
		if a.Name == "" {
			return fmt.Errorf("bundle %q: agent with empty name", b.Name)
		}
		if _, dup := agentNames[a.Name]; dup {
			return fmt.Errorf("bundle %q: duplicate agent %q", b.Name, a.Name)
		}
		agentNames[a.Name] = struct{}{}
	}

	if b.InitialAgent != "" {
		if _, ok := agentNames[b.InitialAgent]; !ok {
			return fmt.Errorf("bundle %q: initial_agent %q is not a declared agent", b.Name, b.InitialAgent)
		}
	}

	modelNames := make(map[string]runtime.ModelDef, len(b.StructuredOutputs))
	for _, m := range b.StructuredOutputs {
		if m.Name == "" {
			return fmt.Errorf("bundle %q: structured output with empty name", b.Name)
		}
		if _, dup := modelNames[m.Name]; dup {
			return fmt.Errorf("bundle %q: duplicate structured output %q", b.Name, m.Name)
		}
		modelNames[m.Name] = m
	}
	for name, m := range modelNames {
		if err := checkInheritanceAcyclic(name, modelNames, map[string]bool{}); err != nil {
			return fmt.Errorf("bundle %q: %w", b.Name, err)
		}
		if err := checkFieldsResolve(m.Fields, modelNames); err != nil {
			return fmt.Errorf("bundle %q: model %q: %w", b.Name, name, err)
		}
	}

	for _, a := range b.Agents {
		if a.StructuredOutput != "" {
			if _, ok := modelNames[a.StructuredOutput]; !ok {
				return fmt.Errorf("bundle %q: agent %q references unknown structured output %q", b.Name, a.Name, a.StructuredOutput)
			}
		}
	}

	for _, t := range b.Tools {
		if t.Name == "" {
			return fmt.Errorf("bundle %q: tool with empty name", b.Name)
		}
		if t.Target != "*" {
			if _, ok := agentNames[t.Target]; !ok {
				return fmt.Errorf("bundle %q: tool %q targets unknown agent %q", b.Name, t.Name, t.Target)
			}
		}
		switch t.Kind {
		case runtime.ToolKindAgent, runtime.ToolKindUI, runtime.ToolKindLifecycle:
		default:
			return fmt.Errorf("bundle %q: tool %q has unknown kind %q", b.Name, t.Name, t.Kind)
		}
		if t.Kind == runtime.ToolKindLifecycle {
			switch t.Trigger {
			case runtime.TriggerBeforeChat, runtime.TriggerAfterChat, runtime.TriggerBeforeAgent, runtime.TriggerAfterAgent:
			default:
				return fmt.Errorf("bundle %q: lifecycle tool %q has invalid trigger %q", b.Name, t.Name, t.Trigger)
			}
		}
		if t.Kind == runtime.ToolKindUI && t.AutoInvoke {
			return fmt.Errorf("bundle %q: ui tool %q cannot set auto_invoke, UI tools are never auto-invoked", b.Name, t.Name)
		}
	}

	for _, h := range b.Handoffs {
		if _, ok := agentNames[h.From]; !ok {
			return fmt.Errorf("bundle %q: handoff references unknown source agent %q", b.Name, h.From)
		}
		if _, ok := agentNames[h.To]; !ok {
			return fmt.Errorf("bundle %q: handoff references unknown target agent %q", b.Name, h.To)
		}
	}

	return nil
}

func checkInheritanceAcyclic(name string, models map[string]runtime.ModelDef, seen map[string]bool) error {
	if seen[name] {
		return fmt.Errorf("circular inheritance involving %q", name)
	}
	seen[name] = true
	m, ok := models[name]
	if !ok || m.Inherits == "" {
		return nil
	}
	if _, ok := models[m.Inherits]; !ok {
		return fmt.Errorf("model %q inherits unknown model %q", name, m.Inherits)
	}
	return checkInheritanceAcyclic(m.Inherits, models, seen)
}

func checkFieldsResolve(fields []runtime.FieldDef, models map[string]runtime.ModelDef) error {
	for _, f := range fields {
		if err := checkFieldResolves(f, models); err != nil {
			return err
		}
	}
	return nil
}

func checkFieldResolves(f runtime.FieldDef, models map[string]runtime.ModelDef) error {
	switch f.Kind {
	case runtime.FieldNested:
		if _, ok := models[f.Model]; !ok {
			return fmt.Errorf("field %q references unknown nested model %q", f.Name, f.Model)
		}
	case runtime.FieldList, runtime.FieldDict:
		if f.Of == nil {
			return fmt.Errorf("field %q of kind %q requires \"of\"", f.Name, f.Kind)
		}
		return checkFieldResolves(*f.Of, models)
	case runtime.FieldUnion:
		if len(f.Union) == 0 {
			return fmt.Errorf("field %q of kind union requires at least one alternative", f.Name)
		}
		for _, alt := range f.Union {
			if err := checkFieldResolves(alt, models); err != nil {
				return err
			}
		}
	case runtime.FieldEnum:
		if len(f.Enum) == 0 {
			return fmt.Errorf("field %q of kind enum requires at least one value", f.Name)
		}
	case runtime.FieldString, runtime.FieldInt, runtime.FieldFloat, runtime.FieldBool:
	default:
		return fmt.Errorf("field %q has unknown kind %q", f.Name, f.Kind)
	}
	return nil
}
