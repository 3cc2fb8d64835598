package plugins

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/mozaiks/core/internal/entitlement"
	"github.com/mozaiks/core/internal/tracing"
	"github.com/mozaiks/core/pkg/runtime"
)

// Error codes from spec §4.4's framework error taxonomy.
const (
	ErrCodeNotFound     = "PLUGIN_NOT_FOUND"
	ErrCodeDisabled     = "PLUGIN_DISABLED"
	ErrCodeFeatureGated = "FEATURE_GATED"
	ErrCodeLimitHit     = "LIMIT_EXCEEDED"
	ErrCodeTimeout      = "PLUGIN_TIMEOUT"
	ErrCodeCrashed      = "PLUGIN_CRASHED"
)

// Dispatcher executes plugins by name with capability enforcement,
// context injection, and a bounded timeout.
type Dispatcher struct {
	registry   *Registry
	evaluator  *entitlement.Evaluator
	defaultTTL time.Duration
	tracer     *tracing.Tracer
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(registry *Registry, evaluator *entitlement.Evaluator, defaultTimeout time.Duration) *Dispatcher {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Dispatcher{registry: registry, evaluator: evaluator, defaultTTL: defaultTimeout}
}

// SetTracer attaches a Tracer that spans every subsequent Execute
// call. Unset by default, in which case Execute traces nothing.
func (d *Dispatcher) SetTracer(t *tracing.Tracer) {
	d.tracer = t
}

// Execute runs plugin `name` for the given identity and request body,
// following spec §4.4's ordered steps: lookup, capability check,
// context injection (server-derived fields always win), timeout-bound
// execute, and response boxing.
func (d *Dispatcher) Execute(ctx context.Context, name string, identity *runtime.Identity, body map[string]any) (*runtime.PluginResponse, error) {
	if d.tracer != nil {
		var span trace.Span
		ctx, span = d.tracer.TraceToolExecution(ctx, name)
		defer span.End()
	}

	descriptor, exec, ok := d.registry.Lookup(name)
	if !ok {
		return &runtime.PluginResponse{Error: "plugin not found", ErrorCode: ErrCodeNotFound}, nil
	}
	if !descriptor.Enabled {
		return &runtime.PluginResponse{Error: "plugin disabled", ErrorCode: ErrCodeDisabled}, nil
	}

	capability := "cap.tool." + name
	if d.evaluator != nil {
		if err := d.evaluator.RequireCapability(ctx, identity.AppID, identity.UserID, capability); err != nil {
			if errors.Is(err, entitlement.ErrCapabilityDenied) {
				return &runtime.PluginResponse{Error: err.Error(), ErrorCode: ErrCodeFeatureGated}, nil
			}
			return nil, err
		}
	}

	merged := make(map[string]any, len(body)+4)
	for k, v := range body {
		merged[k] = v
	}
	merged["user_id"] = identity.UserID
	merged["app_id"] = identity.AppID
	merged["user_jwt"] = identity.RawToken
	merged["_context"] = map[string]any{
		"app_id":        identity.AppID,
		"user_id":       identity.UserID,
		"username":      identity.Username,
		"roles":         roleList(identity),
		"is_superadmin": identity.IsSuperadmin,
	}

	req := &runtime.PluginRequest{Body: merged, Context: identity}
	return d.executeWithTimeout(ctx, exec, req)
}

func (d *Dispatcher) executeWithTimeout(ctx context.Context, exec runtime.Executable, req *runtime.PluginRequest) (resp *runtime.PluginResponse, err error) {
	ctx, cancel := context.WithTimeout(ctx, d.defaultTTL)
	defer cancel()

	type result struct {
		resp *runtime.PluginResponse
		err  error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{resp: &runtime.PluginResponse{Error: fmt.Sprintf("plugin panicked: %v", r), ErrorCode: ErrCodeCrashed}}
			}
		}()
		resp, err := exec.Execute(ctx, req)
		done <- result{resp: resp, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return &runtime.PluginResponse{Error: r.err.Error(), ErrorCode: ErrCodeCrashed}, nil
		}
		return r.resp, nil
	case <-ctx.Done():
		return &runtime.PluginResponse{Error: "plugin execution timed out", ErrorCode: ErrCodeTimeout}, nil
	}
}

// Registered reports whether name is a globally invocable plugin tool.
// The stateless action executor (C11) uses this to distinguish a
// directly invocable tool from one that only exists as an
// agent-specific auto-tool binding inside a workflow bundle.
func (d *Dispatcher) Registered(name string) bool {
	_, _, ok := d.registry.Lookup(name)
	return ok
}

func roleList(id *runtime.Identity) []string {
	if id == nil {
		return nil
	}
	roles := make([]string, 0, len(id.Roles))
	for r := range id.Roles {
		roles = append(roles, r)
	}
	return roles
}
