package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConditionEvaluatorEvaluatesTrueAndFalse(t *testing.T) {
	eval, err := NewConditionEvaluator()
	require.NoError(t, err)

	ok, err := eval.Evaluate(`vars.status == "approved"`, map[string]any{"status": "approved"})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = eval.Evaluate(`vars.status == "approved"`, map[string]any{"status": "pending"})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestConditionEvaluatorCachesCompiledPrograms(t *testing.T) {
	eval, err := NewConditionEvaluator()
	require.NoError(t, err)

	expr := `vars.turns > 2`
	_, err = eval.Evaluate(expr, map[string]any{"turns": 3})
	require.NoError(t, err)
	require.Len(t, eval.programs, 1)

	_, err = eval.Evaluate(expr, map[string]any{"turns": 1})
	require.NoError(t, err)
	require.Len(t, eval.programs, 1)
}

func TestConditionEvaluatorRejectsMalformedExpression(t *testing.T) {
	eval, err := NewConditionEvaluator()
	require.NoError(t, err)

	_, err = eval.Evaluate(`vars.status ===`, map[string]any{})
	require.Error(t, err)
}

func TestConditionEvaluatorRejectsNonBoolResult(t *testing.T) {
	eval, err := NewConditionEvaluator()
	require.NoError(t, err)

	_, err = eval.Evaluate(`vars.status`, map[string]any{"status": "approved"})
	require.Error(t, err)
}
