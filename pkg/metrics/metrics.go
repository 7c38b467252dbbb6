// Package metrics holds the controller's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "engine_controller"

// Metrics is the set of collectors shared by the controller loops.
type Metrics struct {
	RunsSubmitted        prometheus.Counter
	ClaimsLost           prometheus.Counter
	WorkerCreateFailures prometheus.Counter
	WorkersDeleted       prometheus.Counter
	RunsRequeued         prometheus.Counter
	ActiveWorkers        prometheus.Gauge
	QueuedRuns           prometheus.Gauge
	SettingsReloads      prometheus.Counter
	Heartbeats           prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil reg
// gets a private registry, which is handy in tests.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		RunsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_submitted_total",
			Help:      "Number of runs claimed by this controller and handed to a new worker.",
		}),
		ClaimsLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_lost_total",
			Help:      "Number of claim attempts lost to another controller.",
		}),
		WorkerCreateFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_create_failures_total",
			Help:      "Number of failed worker creation attempts, including name conflicts.",
		}),
		WorkersDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workers_deleted_total",
			Help:      "Number of orphaned workers deleted by the reconciler.",
		}),
		RunsRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_requeued_total",
			Help:      "Number of runs returned to the queue after their allocation lease expired.",
		}),
		ActiveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_workers",
			Help:      "Number of non-terminal workers seen at the last scheduling pass.",
		}),
		QueuedRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queued_runs",
			Help:      "Number of queued runs eligible for this controller at the last scheduling pass.",
		}),
		SettingsReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settings_reloads_total",
			Help:      "Number of times a changed settings document was loaded.",
		}),
		Heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Number of heartbeats written to the status store.",
		}),
	}

	reg.MustRegister(
		m.RunsSubmitted,
		m.ClaimsLost,
		m.WorkerCreateFailures,
		m.WorkersDeleted,
		m.RunsRequeued,
		m.ActiveWorkers,
		m.QueuedRuns,
		m.SettingsReloads,
		m.Heartbeats,
	)

	return m
}
