package agentbind

import (
	"context"
	"fmt"

	"github.com/mozaiks/core/pkg/runtime"
)

// haltErrorCode is the plugin error code a lifecycle tool uses to
// signal that the run must abort rather than merely log a failure.
const haltErrorCode = "HALT"

// HookResult is the outcome of one lifecycle hook invocation.
type HookResult struct {
	Halt   bool
	Reason string
}

// HookFunc is a resolved lifecycle hook callable, bound to a specific
// tool and ready to invoke for a run.
type HookFunc func(ctx context.Context, identity *runtime.Identity, vars map[string]any) (HookResult, error)

// BoundHook pairs a lifecycle tool's static definition with its
// resolved callable.
type BoundHook struct {
	Definition runtime.ToolDefinition
	Func       HookFunc
}

// BindHooks resolves every lifecycle tool in bundle bound to trigger
// into a callable that executes it through the plugin dispatcher.
func (b *Binder) BindHooks(bundle *runtime.Bundle, trigger runtime.LifecycleTrigger) []BoundHook {
	var hooks []BoundHook
	for _, t := range bundle.Tools {
		if t.Kind != runtime.ToolKindLifecycle || t.Trigger != trigger {
			continue
		}
		tool := t
		hooks = append(hooks, BoundHook{
			Definition: tool,
			Func: func(ctx context.Context, identity *runtime.Identity, vars map[string]any) (HookResult, error) {
				resp, err := b.dispatcher.Execute(ctx, tool.Name, identity, vars)
				if err != nil {
					return HookResult{}, err
				}
				if resp.ErrorCode == haltErrorCode {
					return HookResult{Halt: true, Reason: resp.Error}, nil
				}
				if resp.Error != "" {
					return HookResult{}, fmt.Errorf("agentbind: hook %q: %s", tool.Name, resp.Error)
				}
				return HookResult{}, nil
			},
		})
	}
	return hooks
}

// RunHooks invokes hooks in order. A non-halting error is returned to
// the caller to log and audit but never aborts the sequence; a halt
// result short-circuits immediately and is returned to the caller,
// which decides (based on trigger) whether to fail the run.
func RunHooks(ctx context.Context, hooks []BoundHook, identity *runtime.Identity, vars map[string]any) (HookResult, []error) {
	var errs []error
	for _, h := range hooks {
		result, err := h.Func(ctx, identity, vars)
		if err != nil {
			errs = append(errs, fmt.Errorf("hook %q: %w", h.Definition.Name, err))
			continue
		}
		if result.Halt {
			return result, errs
		}
	}
	return HookResult{}, errs
}
