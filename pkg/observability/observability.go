// Package observability exposes the controller's domain metrics and a
// liveness/readiness endpoint. Metric names and groupings follow the
// teacher's pkg/observability shape; the collection mechanism is
// github.com/prometheus/client_golang rather than the teacher's hand-rolled
// atomic counters, matching how the rest of this corpus instruments
// services meant to be scraped by a real monitoring stack.
package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every metric the controller reports. Built once at startup
// and threaded through the components that drive it. Its methods are not
// nil-safe: components that may run without metrics wired (tests, one-off
// CLI commands) hold it behind a nil-checked sink interface.
type Registry struct {
	reg *prometheus.Registry

	CommandsDispatched   *prometheus.CounterVec
	CommandOutcomes      *prometheus.CounterVec
	GroupExecutionStatus *prometheus.CounterVec
	BatchStepsStopped    prometheus.Counter
	SnapshotsCreated     prometheus.Counter
	SnapshotsGCed        prometheus.Counter
	RollbackOutcomes     *prometheus.CounterVec
	HubReconnects        prometheus.Counter
	ScheduleFires        *prometheus.CounterVec

	ConnectedAgents   prometheus.Gauge
	InFlightGroupExec prometheus.Gauge
	InFlightBatches   prometheus.Gauge
}

// NewRegistry builds a fresh metrics registry with every series registered.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,

		CommandsDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetwarden",
			Name:      "commands_dispatched_total",
			Help:      "Commands dispatched to agents, by dispatch kind (single, group, batch).",
		}, []string{"kind"}),

		CommandOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetwarden",
			Name:      "command_outcomes_total",
			Help:      "Terminal command outcomes, by success/failure.",
		}, []string{"outcome"}),

		GroupExecutionStatus: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetwarden",
			Name:      "group_execution_status_total",
			Help:      "Group executions reaching a terminal aggregate status.",
		}, []string{"status"}),

		BatchStepsStopped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetwarden",
			Name:      "batch_steps_stopped_on_failure_total",
			Help:      "Sequential batches halted early by a total-failure step.",
		}),

		SnapshotsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetwarden",
			Name:      "snapshots_created_total",
			Help:      "Pre-execution snapshots created before a destructive command.",
		}),

		SnapshotsGCed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetwarden",
			Name:      "snapshots_gc_deleted_total",
			Help:      "Snapshots deleted by the retention GC sweep.",
		}),

		RollbackOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetwarden",
			Name:      "rollback_outcomes_total",
			Help:      "Rollback attempts, by success/failure.",
		}, []string{"outcome"}),

		HubReconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetwarden",
			Name:      "hub_reconnect_attempts_total",
			Help:      "Agent-side hub reconnect attempts after a dropped connection.",
		}),

		ScheduleFires: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetwarden",
			Name:      "schedule_fires_total",
			Help:      "Scheduled task fires, by task type.",
		}, []string{"task_type"}),

		ConnectedAgents: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "fleetwarden",
			Name:      "connected_agents",
			Help:      "Agents with a currently bound hub connection.",
		}),

		InFlightGroupExec: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "fleetwarden",
			Name:      "in_flight_group_executions",
			Help:      "Group executions not yet at a terminal status.",
		}),

		InFlightBatches: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "fleetwarden",
			Name:      "in_flight_batches",
			Help:      "Sequential batches not yet at a terminal status.",
		}),
	}
}

// IncGroupExecutionStatus and the methods below satisfy pkg/group.MetricsSink
// and pkg/schedule's equivalent sink interface, so those packages can report
// to this registry without importing it directly.

// IncGroupExecutionStatus records one group execution reaching status.
func (r *Registry) IncGroupExecutionStatus(status string) { r.GroupExecutionStatus.WithLabelValues(status).Inc() }

// IncInFlightGroupExec marks one more group execution as in flight.
func (r *Registry) IncInFlightGroupExec() { r.InFlightGroupExec.Inc() }

// DecInFlightGroupExec marks one fewer group execution as in flight.
func (r *Registry) DecInFlightGroupExec() { r.InFlightGroupExec.Dec() }

// IncBatchStepsStopped records one sequential batch halted by a
// total-failure step.
func (r *Registry) IncBatchStepsStopped() { r.BatchStepsStopped.Inc() }

// IncInFlightBatches marks one more sequential batch as in flight.
func (r *Registry) IncInFlightBatches() { r.InFlightBatches.Inc() }

// DecInFlightBatches marks one fewer sequential batch as in flight.
func (r *Registry) DecInFlightBatches() { r.InFlightBatches.Dec() }

// IncScheduleFire records one scheduled task firing, by task type.
func (r *Registry) IncScheduleFire(taskType string) { r.ScheduleFires.WithLabelValues(taskType).Inc() }

// IncRollbackOutcome records one completed rollback attempt, by outcome.
func (r *Registry) IncRollbackOutcome(outcome string) { r.RollbackOutcomes.WithLabelValues(outcome).Inc() }

// IncSnapshotsGCed records one snapshot deleted by the retention GC sweep.
func (r *Registry) IncSnapshotsGCed() { r.SnapshotsGCed.Inc() }

// Handler exposes the registry in Prometheus text exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// HealthChecker reports whether a dependency the controller needs is
// currently reachable. Implemented by fleet.Store, audit.Store, etc. via
// a thin ping adapter at the wiring site.
type HealthChecker func(ctx context.Context) error

// HealthHandler serves /healthz: 200 with a JSON body when every named
// check succeeds, 503 otherwise. All checks share one 2s timeout so one
// wedged dependency can't hang the whole probe.
func HealthHandler(checks map[string]HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		results := make(map[string]string, len(checks))
		healthy := true
		for name, check := range checks {
			if err := check(ctx); err != nil {
				results[name] = err.Error()
				healthy = false
			} else {
				results[name] = "ok"
			}
		}

		status := "ok"
		code := http.StatusOK
		if !healthy {
			status = "unhealthy"
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]any{
			"status":    status,
			"checks":    results,
			"timestamp": time.Now(),
		})
	}
}
