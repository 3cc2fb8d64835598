package orchestrator

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// ConditionEvaluator compiles and evaluates HandoffRule.Condition
// expressions against a run's context_variables. Expressions reference
// the variables map as `vars`, e.g. `vars.status == "approved"`.
//
// Compiled programs are cached by expression text: a bundle's handoff
// conditions are evaluated every turn, so recompiling on each call
// would be wasted work.
type ConditionEvaluator struct {
	env *cel.Env

	mu       sync.Mutex
	programs map[string]cel.Program
}

// NewConditionEvaluator builds a ConditionEvaluator with a single `vars`
// root variable of dynamic-valued map type.
func NewConditionEvaluator() (*ConditionEvaluator, error) {
	env, err := cel.NewEnv(cel.Variable("vars", cel.MapType(cel.StringType, cel.DynType)))
	if err != nil {
		return nil, fmt.Errorf("orchestrator: build cel env: %w", err)
	}
	return &ConditionEvaluator{env: env, programs: map[string]cel.Program{}}, nil
}

// Evaluate compiles (or reuses a cached compilation of) expr and runs
// it against vars, requiring a bool result.
func (c *ConditionEvaluator) Evaluate(expr string, vars map[string]any) (bool, error) {
	program, err := c.compile(expr)
	if err != nil {
		return false, err
	}
	out, _, err := program.Eval(map[string]any{"vars": vars})
	if err != nil {
		return false, fmt.Errorf("orchestrator: evaluate condition %q: %w", expr, err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("orchestrator: condition %q did not evaluate to bool", expr)
	}
	return result, nil
}

func (c *ConditionEvaluator) compile(expr string) (cel.Program, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.programs[expr]; ok {
		return p, nil
	}
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("orchestrator: compile condition %q: %w", expr, issues.Err())
	}
	program, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: build program for condition %q: %w", expr, err)
	}
	c.programs[expr] = program
	return program, nil
}
