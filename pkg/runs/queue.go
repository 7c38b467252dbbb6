package runs

import (
	"context"
	"fmt"

	"github.com/ethpandaops/engine-controller/pkg/store"
	"github.com/sirupsen/logrus"
)

// Queue answers run queries against the shared status store.
type Queue interface {
	// QueuedRuns returns every run in the queued state.
	QueuedRuns(ctx context.Context) ([]*Run, error)

	// AllocatedRuns returns every run in the allocated state.
	AllocatedRuns(ctx context.Context) ([]*Run, error)

	// Run returns the named run, or nil if it no longer exists.
	Run(ctx context.Context, name string) (*Run, error)
}

// Compile-time interface check.
var _ Queue = (*queue)(nil)

type queue struct {
	log   logrus.FieldLogger
	store store.Store
}

// NewQueue creates a Queue over s.
func NewQueue(log logrus.FieldLogger, s store.Store) Queue {
	return &queue{
		log:   log.WithField("component", "run-queue"),
		store: s,
	}
}

func (q *queue) QueuedRuns(ctx context.Context) ([]*Run, error) {
	return q.withStatus(ctx, StatusQueued)
}

func (q *queue) AllocatedRuns(ctx context.Context) ([]*Run, error) {
	return q.withStatus(ctx, StatusAllocated)
}

func (q *queue) withStatus(ctx context.Context, status string) ([]*Run, error) {
	props, err := q.store.GetPrefix(ctx, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("reading runs: %w", err)
	}

	var out []*Run

	for name, fields := range group(props) {
		if fields[FieldStatus] != status {
			continue
		}

		run, err := decode(name, fields)
		if err != nil {
			// One corrupt record must not hide the rest of the queue.
			q.log.WithError(err).WithField("run", name).Warn("Skipping unreadable run")

			continue
		}

		out = append(out, run)
	}

	return out, nil
}

func (q *queue) Run(ctx context.Context, name string) (*Run, error) {
	props, err := q.store.GetPrefix(ctx, keyPrefix+name+".")
	if err != nil {
		return nil, fmt.Errorf("reading run %s: %w", name, err)
	}

	if len(props) == 0 {
		return nil, nil
	}

	fields := group(props)[name]

	return decode(name, fields)
}
