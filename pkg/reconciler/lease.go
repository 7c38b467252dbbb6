package reconciler

import (
	"context"
	"time"

	"github.com/ethpandaops/engine-controller/pkg/heartbeat"
	"github.com/ethpandaops/engine-controller/pkg/metrics"
	"github.com/ethpandaops/engine-controller/pkg/orchestrator"
	"github.com/ethpandaops/engine-controller/pkg/runs"
	"github.com/ethpandaops/engine-controller/pkg/settings"
	"github.com/ethpandaops/engine-controller/pkg/store"
	"github.com/sirupsen/logrus"
)

// LaunchTracker reports runs whose worker this process is still
// creating.
type LaunchTracker interface {
	Launching(run string) bool
}

// LeaseReaper returns allocated runs to the queue once their allocation
// timeout has passed without a live worker. This covers a controller
// that claimed a run and then failed to launch it or died.
//
// Only runs claimed by this controller, or by a controller that has not
// written a heartbeat since the lease ran out, are requeued. Workers of
// other engine labels are invisible here, so a live foreign controller
// is trusted with its own runs.
type LeaseReaper struct {
	log      logrus.FieldLogger
	id       string
	store    store.Store
	queue    runs.Queue
	client   orchestrator.Client
	settings settings.Provider
	metrics  *metrics.Metrics
	launches LaunchTracker
	now      func() time.Time
}

// NewLeaseReaper creates a LeaseReaper for controller id. Runs reported
// by launches are never requeued; launches may be nil. A nil now uses
// time.Now.
func NewLeaseReaper(
	log logrus.FieldLogger,
	id string,
	st store.Store,
	queue runs.Queue,
	client orchestrator.Client,
	provider settings.Provider,
	m *metrics.Metrics,
	launches LaunchTracker,
	now func() time.Time,
) *LeaseReaper {
	if now == nil {
		now = time.Now
	}

	return &LeaseReaper{
		log:      log.WithField("component", "lease-reaper"),
		id:       id,
		store:    st,
		queue:    queue,
		client:   client,
		settings: provider,
		metrics:  m,
		launches: launches,
		now:      now,
	}
}

// Tick requeues every expired allocation of this engine label.
func (l *LeaseReaper) Tick(ctx context.Context) {
	allocated, err := l.queue.AllocatedRuns(ctx)
	if err != nil {
		l.log.WithError(err).Error("Failed to fetch allocated runs")

		return
	}

	now := l.now()

	var expired []*runs.Run

	for _, run := range allocated {
		if !run.AllocateTimeout.IsZero() && now.After(run.AllocateTimeout) {
			expired = append(expired, run)
		}
	}

	if len(expired) == 0 {
		return
	}

	workers, err := l.client.ListWorkers(ctx, l.settings.Current().EngineLabel)
	if err != nil {
		l.log.WithError(err).Error("Failed to list workers")

		return
	}

	live := make(map[string]bool)
	for _, w := range orchestrator.FilterActive(workers) {
		live[w.RunName] = true
	}

	for _, run := range expired {
		if live[run.Name] || (l.launches != nil && l.launches.Launching(run.Name)) {
			continue
		}

		log := l.log.WithFields(logrus.Fields{
			"run":        run.Name,
			"controller": run.Controller,
			"expired":    run.AllocateTimeout,
		})

		owned, err := l.reapable(ctx, run)
		if err != nil {
			log.WithError(err).Error("Failed to check owning controller")

			continue
		}

		if !owned {
			continue
		}

		requeued, err := l.store.Swap(ctx, runs.RequeueSwap(run.Name))
		if err != nil {
			log.WithError(err).Error("Failed to requeue run")

			continue
		}

		if !requeued {
			log.Debug("Run changed state before it could be requeued")

			continue
		}

		l.metrics.RunsRequeued.Inc()
		log.Warn("Requeued run with expired allocation")
	}
}

// reapable reports whether this controller may requeue run.
func (l *LeaseReaper) reapable(ctx context.Context, run *runs.Run) (bool, error) {
	if run.Controller == "" || run.Controller == l.id {
		return true, nil
	}

	last, err := heartbeat.Last(ctx, l.store, run.Controller)
	if err != nil {
		return false, err
	}

	return last.Before(run.AllocateTimeout), nil
}
