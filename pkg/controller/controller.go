// Package controller wires the engine controller's periodic tasks
// together and owns their lifecycle.
package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/engine-controller/pkg/api"
	"github.com/ethpandaops/engine-controller/pkg/config"
	"github.com/ethpandaops/engine-controller/pkg/heartbeat"
	"github.com/ethpandaops/engine-controller/pkg/metrics"
	"github.com/ethpandaops/engine-controller/pkg/orchestrator"
	"github.com/ethpandaops/engine-controller/pkg/reconciler"
	"github.com/ethpandaops/engine-controller/pkg/runs"
	"github.com/ethpandaops/engine-controller/pkg/scheduler"
	"github.com/ethpandaops/engine-controller/pkg/settings"
	"github.com/ethpandaops/engine-controller/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrNotStarted is returned by Stop before a successful Start.
var ErrNotStarted = errors.New("controller not started")

// Controller runs the heartbeat, settings reload, run deletion
// reconciler, scheduler and lease reaper as fixed-delay loops. Each
// loop waits its delay after a tick completes, so ticks of one task
// never overlap.
type Controller struct {
	log      logrus.FieldLogger
	cfg      *config.Config
	store    store.Store
	client   orchestrator.Client
	source   settings.Source
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	now      func() time.Time

	settings *settings.Settings
	server   api.Server

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New creates a Controller. A nil registry gets a private one.
func New(
	log logrus.FieldLogger,
	cfg *config.Config,
	st store.Store,
	client orchestrator.Client,
	source settings.Source,
	registry *prometheus.Registry,
) *Controller {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	return &Controller{
		log:      log.WithField("component", "controller"),
		cfg:      cfg,
		store:    st,
		client:   client,
		source:   source,
		registry: registry,
		metrics:  metrics.New(registry),
		now:      time.Now,
	}
}

// Start brings up the store, the orchestration backend, the settings
// and the management server, then launches the periodic tasks. Any
// failure before the tasks start is returned and everything already
// started is stopped again.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.store.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	if err := c.client.Start(ctx); err != nil {
		c.stopStore()

		return fmt.Errorf("starting orchestration client: %w", err)
	}

	s, err := settings.New(ctx, c.log, c.source)
	if err != nil {
		c.stopClient()
		c.stopStore()

		return err
	}

	c.settings = s
	c.metrics.SettingsReloads.Inc()

	c.server = api.NewServer(c.log, &c.cfg.Server, c.cfg.Controller.ID, c.registry, c.settings)
	if err := c.server.Start(ctx); err != nil {
		c.stopClient()
		c.stopStore()

		return fmt.Errorf("starting api server: %w", err)
	}

	queue := runs.NewQueue(c.log, c.store)
	id := c.cfg.Controller.ID

	hb := heartbeat.New(c.log, c.store, id, c.metrics, c.now)
	deletion := reconciler.NewRunDeletionReconciler(c.log, queue, c.client, c.settings, c.metrics)
	sched := scheduler.New(c.log, scheduler.Config{
		ControllerID: id,
		Worker:       &c.cfg.Worker,
		Now:          c.now,
	}, c.store, queue, c.client, c.settings, c.metrics)

	// Tasks run until Stop, not until the start context ends.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.group, runCtx = errgroup.WithContext(runCtx)

	c.spawn(runCtx, "heartbeat", fixed(c.cfg.Controller.HeartbeatInterval), hb.Tick)
	c.spawn(runCtx, "settings", fixed(c.cfg.Controller.SettingsInterval), c.reloadSettings)
	c.spawn(runCtx, "run-deletion", fixed(c.cfg.Controller.ReconcileInterval), deletion.Tick)
	c.spawn(runCtx, "scheduler", func() time.Duration {
		return c.settings.Current().RunPoll
	}, sched.Tick)

	if c.cfg.Controller.LeaseReaperEnabled {
		reaper := reconciler.NewLeaseReaper(c.log, id, c.store, queue, c.client, c.settings, c.metrics, sched, c.now)
		c.spawn(runCtx, "lease-reaper", fixed(c.cfg.Controller.LeaseReaperInterval), reaper.Tick)
	}

	c.log.WithFields(logrus.Fields{
		"controller":   id,
		"engine_label": c.settings.Current().EngineLabel,
		"lease_reaper": c.cfg.Controller.LeaseReaperEnabled,
	}).Info("Controller started")

	return nil
}

// Stop cancels the periodic tasks, waits for them up to the shutdown
// timeout, then stops the server, the backend and the store.
func (c *Controller) Stop() error {
	if c.cancel == nil {
		return ErrNotStarted
	}

	c.cancel()

	done := make(chan error, 1)

	go func() {
		done <- c.group.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			c.log.WithError(err).Warn("Task exited with error")
		}
	case <-time.After(c.cfg.Controller.ShutdownTimeout):
		c.log.WithField("timeout", c.cfg.Controller.ShutdownTimeout).
			Warn("Timed out waiting for tasks to finish")
	}

	var errs []error

	if err := c.server.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stopping api server: %w", err))
	}

	if err := c.client.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stopping orchestration client: %w", err))
	}

	if err := c.store.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stopping store: %w", err))
	}

	c.log.Info("Controller stopped")

	return errors.Join(errs...)
}

// Settings returns the live settings, or nil before Start.
func (c *Controller) Settings() *settings.Settings {
	return c.settings
}

func (c *Controller) reloadSettings(ctx context.Context) {
	changed, err := c.settings.Reload(ctx)
	if err != nil {
		c.log.WithError(err).Error("Failed to reload settings")

		return
	}

	if changed {
		c.metrics.SettingsReloads.Inc()
	}
}

// spawn runs tick immediately and then again delay() after each
// completed tick, until ctx is done.
func (c *Controller) spawn(ctx context.Context, name string, delay func() time.Duration, tick func(context.Context)) {
	log := c.log.WithField("task", name)

	c.group.Go(func() error {
		log.Debug("Task started")

		for {
			tick(ctx)

			timer := time.NewTimer(delay())

			select {
			case <-ctx.Done():
				timer.Stop()
				log.Debug("Task stopped")

				return nil
			case <-timer.C:
			}
		}
	})
}

func (c *Controller) stopClient() {
	if err := c.client.Stop(); err != nil {
		c.log.WithError(err).Warn("Failed to stop orchestration client")
	}
}

func (c *Controller) stopStore() {
	if err := c.store.Stop(); err != nil {
		c.log.WithError(err).Warn("Failed to stop store")
	}
}

func fixed(d time.Duration) func() time.Duration {
	return func() time.Duration { return d }
}
