// Package metrics exposes the Prometheus counters/gauges spec §4
// components report: run lifecycle (C7), tool dispatch (C4), event
// throughput (C8), and token usage (C3).
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every metric this runtime reports, constructed once
// and shared by every component that observes something.
type Registry struct {
	RunsStarted     prometheus.Counter
	RunsCompleted   prometheus.Counter
	RunsFailed      prometheus.Counter
	RunsCancelled   prometheus.Counter
	ToolInvocations *prometheus.CounterVec
	TokensConsumed  prometheus.Counter
	EventsEmitted   *prometheus.CounterVec
	WSConnections   prometheus.Gauge

	registerer prometheus.Registerer
}

var (
	once     sync.Once
	instance *Registry
)

// NewRegistry builds and registers the metric set against reg. Pass
// prometheus.NewRegistry() for an isolated registry in tests, or nil
// to use prometheus.DefaultRegisterer.
func NewRegistry(reg prometheus.Registerer) *Registry {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Registry{
		registerer: reg,
		RunsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "mozaikscore_runs_started_total",
			Help: "Total number of orchestrator runs started.",
		}),
		RunsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "mozaikscore_runs_completed_total",
			Help: "Total number of orchestrator runs completed successfully.",
		}),
		RunsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "mozaikscore_runs_failed_total",
			Help: "Total number of orchestrator runs that failed.",
		}),
		RunsCancelled: factory.NewCounter(prometheus.CounterOpts{
			Name: "mozaikscore_runs_cancelled_total",
			Help: "Total number of orchestrator runs cancelled.",
		}),
		ToolInvocations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mozaikscore_tool_invocations_total",
			Help: "Total number of tool calls dispatched, by tool name.",
		}, []string{"tool"}),
		TokensConsumed: factory.NewCounter(prometheus.CounterOpts{
			Name: "mozaikscore_tokens_consumed_total",
			Help: "Total LLM tokens consumed across all runs.",
		}),
		EventsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mozaikscore_events_emitted_total",
			Help: "Total envelopes emitted through the event dispatcher, by type.",
		}, []string{"type"}),
		WSConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mozaikscore_ws_connections",
			Help: "Current number of open WebSocket transport connections.",
		}),
	}
}

// Default returns a process-wide Registry backed by the default
// Prometheus registerer, built once.
func Default() *Registry {
	once.Do(func() { instance = NewRegistry(nil) })
	return instance
}

// Handler serves the registered metrics in the Prometheus exposition
// format: promhttp.Handler() for the default registerer, or a handler
// over the isolated registry the Registry was built against.
func (r *Registry) Handler() http.Handler {
	if g, ok := r.registerer.(prometheus.Gatherer); ok && r.registerer != prometheus.DefaultRegisterer {
		return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}
