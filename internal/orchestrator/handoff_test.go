package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mozaiks/core/pkg/runtime"
)

func TestResolveHandoffUnconditionalRule(t *testing.T) {
	bundle := &runtime.Bundle{
		Handoffs: []runtime.HandoffRule{
			{From: "triage", To: "closer"},
		},
	}
	eval, err := NewConditionEvaluator()
	require.NoError(t, err)

	next, err := resolveHandoff(bundle, eval, "triage", nil)
	require.NoError(t, err)
	require.Equal(t, "closer", next)
}

func TestResolveHandoffConditionalRule(t *testing.T) {
	bundle := &runtime.Bundle{
		Handoffs: []runtime.HandoffRule{
			{From: "triage", To: "escalation", Condition: `vars.severity == "high"`},
			{From: "triage", To: "closer"},
		},
	}
	eval, err := NewConditionEvaluator()
	require.NoError(t, err)

	next, err := resolveHandoff(bundle, eval, "triage", map[string]any{"severity": "high"})
	require.NoError(t, err)
	require.Equal(t, "escalation", next)

	next, err = resolveHandoff(bundle, eval, "triage", map[string]any{"severity": "low"})
	require.NoError(t, err)
	require.Equal(t, "closer", next)
}

func TestResolveHandoffNoMatchKeepsCurrentAgent(t *testing.T) {
	bundle := &runtime.Bundle{
		Handoffs: []runtime.HandoffRule{
			{From: "other", To: "closer"},
		},
	}
	eval, err := NewConditionEvaluator()
	require.NoError(t, err)

	next, err := resolveHandoff(bundle, eval, "triage", nil)
	require.NoError(t, err)
	require.Equal(t, "triage", next)
}

func TestResolveHandoffPropagatesConditionError(t *testing.T) {
	bundle := &runtime.Bundle{
		Handoffs: []runtime.HandoffRule{
			{From: "triage", To: "closer", Condition: `vars.missing(`},
		},
	}
	eval, err := NewConditionEvaluator()
	require.NoError(t, err)

	_, err = resolveHandoff(bundle, eval, "triage", nil)
	require.Error(t, err)
}
