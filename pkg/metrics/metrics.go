// Package metrics holds the prometheus collectors. Collectors are package
// globals registered on the default registry; /metrics is served by pkg/api.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsProcessed counts events that completed the dispatch chain.
	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "squadron_events_processed_total",
		Help: "Events dispatched through the router, by event type.",
	}, []string{"type"})

	// EventsDropped counts events rejected by a full lane.
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "squadron_events_dropped_total",
		Help: "Events dropped because their ordering lane was full.",
	})

	// PipelineRuns counts run completions by pipeline and terminal status.
	PipelineRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "squadron_pipeline_runs_total",
		Help: "Finished pipeline runs, by pipeline name and terminal status.",
	}, []string{"pipeline", "status"})

	// GateEvaluations counts individual gate check evaluations.
	GateEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "squadron_gate_evaluations_total",
		Help: "Gate check evaluations, by check type and result.",
	}, []string{"check", "result"})

	// ForgeRetries counts retried forge API calls.
	ForgeRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "squadron_forge_retries_total",
		Help: "Forge API calls that were retried after a transient failure.",
	})

	// AgentsSpawned counts agent incarnations by role.
	AgentsSpawned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "squadron_agents_spawned_total",
		Help: "Agent incarnations created, by role.",
	}, []string{"role"})
)

// RegisterActiveAgents exposes the live slot count as a gauge. Called once at
// startup with the lifecycle manager's counter.
func RegisterActiveAgents(count func() int) {
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "squadron_active_agents",
		Help: "Agents currently holding an active slot.",
	}, func() float64 { return float64(count()) })
}
