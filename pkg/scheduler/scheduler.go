// Package scheduler claims queued runs and launches a worker for each,
// up to the configured number of engines.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethpandaops/engine-controller/pkg/config"
	"github.com/ethpandaops/engine-controller/pkg/metrics"
	"github.com/ethpandaops/engine-controller/pkg/orchestrator"
	"github.com/ethpandaops/engine-controller/pkg/runs"
	"github.com/ethpandaops/engine-controller/pkg/settings"
	"github.com/ethpandaops/engine-controller/pkg/store"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// DefaultRetryDelay is the pause between worker creation attempts.
const DefaultRetryDelay = 2 * time.Second

// ErrCreateAttemptsExhausted is returned when every candidate worker
// name for a run was already taken.
var ErrCreateAttemptsExhausted = errors.New("worker create attempts exhausted")

// ErrClaimLost is returned when a run stopped being allocated to this
// controller while its worker was still being created.
var ErrClaimLost = errors.New("claim no longer held")

// Config holds scheduler settings that do not change at runtime.
type Config struct {
	// ControllerID is written to claimed runs.
	ControllerID string
	Worker       *config.WorkerConfig
	// RetryDelay paces worker creation attempts for one run.
	RetryDelay time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// Scheduler is the run scheduling task. Tick is not safe to call
// concurrently with itself.
type Scheduler struct {
	log      logrus.FieldLogger
	cfg      Config
	store    store.Store
	queue    runs.Queue
	client   orchestrator.Client
	settings settings.Provider
	metrics  *metrics.Metrics

	mu        sync.Mutex
	launching map[string]struct{}
}

// New creates a Scheduler.
func New(
	log logrus.FieldLogger,
	cfg Config,
	st store.Store,
	queue runs.Queue,
	client orchestrator.Client,
	provider settings.Provider,
	m *metrics.Metrics,
) *Scheduler {
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	if cfg.Worker == nil {
		cfg.Worker = &config.WorkerConfig{}
	}

	return &Scheduler{
		log:       log.WithField("component", "scheduler"),
		cfg:       cfg,
		store:     st,
		queue:     queue,
		client:    client,
		settings:  provider,
		metrics:   m,
		launching: make(map[string]struct{}),
	}
}

// Launching reports whether a worker for run is being created right now.
// The lease reaper leaves such runs alone.
func (s *Scheduler) Launching(run string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.launching[run]

	return ok
}

func (s *Scheduler) setLaunching(run string, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if on {
		s.launching[run] = struct{}{}
	} else {
		delete(s.launching, run)
	}
}

// Tick runs one scheduling pass. Errors are logged, never returned.
func (s *Scheduler) Tick(ctx context.Context) {
	snap := s.settings.Current()

	queued, err := s.queue.QueuedRuns(ctx)
	if err != nil {
		s.log.WithError(err).Error("Failed to fetch queued runs")

		return
	}

	pending := make([]*runs.Run, 0, len(queued))

	for _, run := range queued {
		if run.Local || !snap.Accepts(run) {
			continue
		}

		pending = append(pending, run)
	}

	s.metrics.QueuedRuns.Set(float64(len(pending)))

	if len(pending) == 0 {
		return
	}

	runs.SortByQueued(pending)

	for len(pending) > 0 {
		if ctx.Err() != nil {
			return
		}

		workers, err := s.client.ListWorkers(ctx, snap.EngineLabel)
		if err != nil {
			s.log.WithError(err).Error("Failed to list workers")

			return
		}

		active := orchestrator.FilterActive(workers)
		s.metrics.ActiveWorkers.Set(float64(len(active)))

		if len(active) >= snap.MaxEngines {
			s.log.WithFields(logrus.Fields{
				"active":      len(active),
				"max_engines": snap.MaxEngines,
				"queued":      len(pending),
			}).Debug("At max engines, leaving remaining runs queued")

			return
		}

		run := pending[0]
		pending = pending[1:]

		s.schedule(ctx, snap, run)

		if len(pending) == 0 {
			return
		}

		if err := sleep(ctx, snap.RunPollRecheck); err != nil {
			return
		}
	}
}

// schedule claims run and, if the claim holds, launches its worker. A
// failed launch leaves the run allocated until its lease expires.
func (s *Scheduler) schedule(ctx context.Context, snap *settings.Snapshot, run *runs.Run) {
	log := s.log.WithField("run", run.Name)

	claimed, err := s.store.Swap(ctx, runs.ClaimSwap(run.Name, s.cfg.ControllerID, s.cfg.Now(), snap.AllocationTimeout))
	if err != nil {
		log.WithError(err).Error("Failed to claim run")

		return
	}

	if !claimed {
		s.metrics.ClaimsLost.Inc()
		log.Info("Run was claimed by another controller")

		return
	}

	log.WithField("controller", s.cfg.ControllerID).Info("Claimed run")

	spec := orchestrator.BuildWorkerSpec(snap, run, s.cfg.Worker)

	s.setLaunching(run.Name, true)
	defer s.setLaunching(run.Name, false)

	id, err := s.launch(ctx, snap, spec)
	if err != nil {
		log.WithError(err).Error("Failed to launch worker for claimed run")

		return
	}

	s.metrics.RunsSubmitted.Inc()

	log.WithFields(logrus.Fields{
		"worker": spec.Name,
		"id":     id,
		"trace":  run.Trace,
	}).Info("Launched worker")
}

// launch creates the worker, appending -1, -2, ... to the name after each
// name conflict until EngineCreateAttempts names were tried. Any other
// error is retried with the same name until ctx ends or the run is no
// longer allocated to this controller.
func (s *Scheduler) launch(ctx context.Context, snap *settings.Snapshot, spec *orchestrator.WorkerSpec) (string, error) {
	limiter := rate.NewLimiter(rate.Every(s.cfg.RetryDelay), 1)
	conflicts := 0

	for attempt := 0; ; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("waiting to create worker: %w", err)
		}

		if attempt > 0 {
			held, err := s.claimHeld(ctx, spec.RunName)
			if err != nil {
				s.log.WithError(err).WithField("run", spec.RunName).
					Error("Failed to check claim, retrying")

				continue
			}

			if !held {
				return "", fmt.Errorf("%w: run %s", ErrClaimLost, spec.RunName)
			}
		}

		spec.Name = orchestrator.WorkerName(spec.EngineLabel, spec.RunName, conflicts)

		id, err := s.client.CreateWorker(ctx, spec)
		if err == nil {
			return id, nil
		}

		s.metrics.WorkerCreateFailures.Inc()

		log := s.log.WithFields(logrus.Fields{
			"run":    spec.RunName,
			"worker": spec.Name,
		})

		if errors.Is(err, orchestrator.ErrConflict) {
			conflicts++

			if conflicts >= snap.EngineCreateAttempts {
				return "", fmt.Errorf("%w: %d names taken for run %s", ErrCreateAttemptsExhausted, conflicts, spec.RunName)
			}

			log.Warn("Worker name already in use, retrying with a suffix")

			continue
		}

		log.WithError(err).Error("Failed to create worker, retrying")
	}
}

// claimHeld reports whether run is still allocated to this controller.
func (s *Scheduler) claimHeld(ctx context.Context, run string) (bool, error) {
	status, err := s.store.Get(ctx, runs.StatusKey(run))
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("reading status of %s: %w", run, err)
	}

	if status != runs.StatusAllocated {
		return false, nil
	}

	owner, err := s.store.Get(ctx, runs.Key(run, runs.FieldController))
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("reading controller of %s: %w", run, err)
	}

	return owner == s.cfg.ControllerID, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
