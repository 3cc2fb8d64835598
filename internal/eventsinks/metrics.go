package eventsinks

import (
	"context"

	"github.com/mozaiks/core/internal/metrics"
	"github.com/mozaiks/core/pkg/runtime"
)

// Metrics forwards run-lifecycle, tool-call, and token-usage envelopes
// to the process's Prometheus registry. Mounted as an events.Option
// alongside Persistence and Usage; unlike those two it never returns
// an error, since a metrics observation failing should never affect
// whether an event is considered delivered.
type Metrics struct {
	Registry *metrics.Registry
}

// NewMetrics builds a Metrics sink over reg.
func NewMetrics(reg *metrics.Registry) *Metrics {
	return &Metrics{Registry: reg}
}

// Emit implements events.Sink.
func (m *Metrics) Emit(_ context.Context, env *runtime.Envelope) error {
	if m.Registry == nil {
		return nil
	}
	m.Registry.EventsEmitted.WithLabelValues(string(env.Type)).Inc()

	switch env.Type {
	case runtime.EventOrchRunStarted:
		m.Registry.RunsStarted.Inc()
	case runtime.EventOrchRunCompleted:
		m.Registry.RunsCompleted.Inc()
	case runtime.EventOrchRunFailed:
		m.Registry.RunsFailed.Inc()
	case runtime.EventOrchRunCancelled:
		m.Registry.RunsCancelled.Inc()
	case runtime.EventChatToolCall:
		if tool, ok := env.Data["tool"].(string); ok {
			m.Registry.ToolInvocations.WithLabelValues(tool).Inc()
		}
	case runtime.EventChatUsageDelta:
		if v, ok := env.Data["total_tokens"].(int64); ok {
			m.Registry.TokensConsumed.Add(float64(v))
		}
	}
	return nil
}
