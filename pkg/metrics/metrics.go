// Package metrics owns the Prometheus registry shared by all components.
// One Registry per process; tests construct their own so parallel tests
// never collide on metric registration.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the process-wide collectors.
type Registry struct {
	reg *prometheus.Registry

	NodeExecutions   *prometheus.CounterVec // labels: outcome
	NodeDuration     prometheus.Histogram
	ConflictsTotal   *prometheus.CounterVec // labels: severity
	Convergences     prometheus.Counter
	AccessDenials    *prometheus.CounterVec // labels: role, action
	EventsPublished  *prometheus.CounterVec // labels: category
	HealingRetries   prometheus.Counter
	HealingEscalated prometheus.Counter
	BusDepth         prometheus.Gauge
	ActiveStreams    prometheus.Gauge
}

// New creates a registry with all collectors registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		NodeExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crewforge_node_executions_total",
			Help: "Workflow node executions by outcome.",
		}, []string{"outcome"}),
		NodeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "crewforge_node_duration_seconds",
			Help:    "Workflow node execution duration.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		ConflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crewforge_conflicts_total",
			Help: "Conflicts detected by severity.",
		}, []string{"severity"}),
		Convergences: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crewforge_convergence_sessions_total",
			Help: "Convergence sessions opened.",
		}),
		AccessDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crewforge_access_denials_total",
			Help: "Access control denials by role and action.",
		}, []string{"role", "action"}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crewforge_events_published_total",
			Help: "Events published by category.",
		}, []string{"category"}),
		HealingRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crewforge_healing_retries_total",
			Help: "Self-healing retry attempts.",
		}),
		HealingEscalated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crewforge_healing_escalations_total",
			Help: "Failures escalated after exhausting recovery.",
		}),
		BusDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crewforge_event_bus_depth",
			Help: "Undelivered events queued on the in-process bus.",
		}),
		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crewforge_active_work_streams",
			Help: "Currently active parallel work streams.",
		}),
	}
	reg.MustRegister(
		r.NodeExecutions, r.NodeDuration, r.ConflictsTotal, r.Convergences,
		r.AccessDenials, r.EventsPublished, r.HealingRetries,
		r.HealingEscalated, r.BusDepth, r.ActiveStreams,
	)
	return r
}

// Handler serves the registry in Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gather exposes the underlying gatherer for tests.
func (r *Registry) Gather() prometheus.Gatherer {
	return r.reg
}
