package orchestrator

import (
	"fmt"

	"github.com/mozaiks/core/pkg/runtime"
)

// resolveHandoff picks the next active agent given the bundle's
// handoff rules, the currently active agent, and the run's context
// variables. Rules are evaluated in declaration order; the first rule
// whose From matches current and whose Condition (if any) evaluates
// true wins. A rule with no Condition always matches. If no rule
// matches, the current agent keeps the turn.
func resolveHandoff(bundle *runtime.Bundle, evaluator *ConditionEvaluator, current string, vars map[string]any) (string, error) {
	for _, rule := range bundle.Handoffs {
		if rule.From != current {
			continue
		}
		if rule.Condition == "" {
			return rule.To, nil
		}
		matched, err := evaluator.Evaluate(rule.Condition, vars)
		if err != nil {
			return "", fmt.Errorf("orchestrator: handoff %s->%s: %w", rule.From, rule.To, err)
		}
		if matched {
			return rule.To, nil
		}
	}
	return current, nil
}

// hasOutgoingHandoff reports whether bundle declares any handoff rule
// originating from agent. An agent with none is a natural sink: the
// run loop treats it as an explicit end agent once its turn completes.
func hasOutgoingHandoff(bundle *runtime.Bundle, agent string) bool {
	for _, rule := range bundle.Handoffs {
		if rule.From == agent {
			return true
		}
	}
	return false
}
