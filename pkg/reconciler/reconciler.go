// Package reconciler cleans up after runs: it deletes workers whose run
// is gone and requeues runs whose allocation lease expired.
package reconciler

import (
	"context"
	"errors"

	"github.com/ethpandaops/engine-controller/pkg/metrics"
	"github.com/ethpandaops/engine-controller/pkg/orchestrator"
	"github.com/ethpandaops/engine-controller/pkg/runs"
	"github.com/ethpandaops/engine-controller/pkg/settings"
	"github.com/sirupsen/logrus"
)

// RunDeletionReconciler deletes workers whose run no longer exists.
type RunDeletionReconciler struct {
	log      logrus.FieldLogger
	queue    runs.Queue
	client   orchestrator.Client
	settings settings.Provider
	metrics  *metrics.Metrics
}

// NewRunDeletionReconciler creates a RunDeletionReconciler.
func NewRunDeletionReconciler(
	log logrus.FieldLogger,
	queue runs.Queue,
	client orchestrator.Client,
	provider settings.Provider,
	m *metrics.Metrics,
) *RunDeletionReconciler {
	return &RunDeletionReconciler{
		log:      log.WithField("component", "run-deletion-reconciler"),
		queue:    queue,
		client:   client,
		settings: provider,
		metrics:  m,
	}
}

// Tick runs one reconciliation pass. Workers of a live run are never
// deleted, whatever their phase. A worker without a run label is
// deleted. A failure on one worker does not stop the pass.
func (r *RunDeletionReconciler) Tick(ctx context.Context) {
	label := r.settings.Current().EngineLabel

	workers, err := r.client.ListWorkers(ctx, label)
	if err != nil {
		r.log.WithError(err).Error("Failed to list workers")

		return
	}

	for _, w := range workers {
		if ctx.Err() != nil {
			return
		}

		log := r.log.WithFields(logrus.Fields{
			"worker": w.Name,
			"run":    w.RunName,
			"phase":  w.Phase,
		})

		if w.RunName != "" {
			run, err := r.queue.Run(ctx, w.RunName)
			if err != nil {
				log.WithError(err).Error("Failed to look up run")

				continue
			}

			if run != nil {
				continue
			}
		}

		if err := r.client.DeleteWorker(ctx, w.ID); err != nil {
			if errors.Is(err, orchestrator.ErrNotFound) {
				continue
			}

			log.WithError(err).Error("Failed to delete worker")

			continue
		}

		r.metrics.WorkersDeleted.Inc()
		log.Info("Deleted worker of missing run")
	}
}
