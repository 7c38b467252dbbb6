// Package heartbeat records controller liveness in the status store.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/engine-controller/pkg/metrics"
	"github.com/ethpandaops/engine-controller/pkg/runs"
	"github.com/ethpandaops/engine-controller/pkg/store"
	"github.com/sirupsen/logrus"
)

// Key returns the store key holding the heartbeat of controller id.
func Key(id string) string {
	return "servers.controller." + id + ".heartbeat"
}

// Last returns the last heartbeat of controller id, or the zero time if
// it never wrote one.
func Last(ctx context.Context, st store.Store, id string) (time.Time, error) {
	v, err := st.Get(ctx, Key(id))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return time.Time{}, nil
		}

		return time.Time{}, fmt.Errorf("reading heartbeat of %s: %w", id, err)
	}

	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing heartbeat of %s: %w", id, err)
	}

	return t, nil
}

// Heartbeat writes the current time under this controller's key.
type Heartbeat struct {
	log     logrus.FieldLogger
	store   store.Store
	id      string
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates a Heartbeat for controller id. A nil now uses time.Now.
func New(log logrus.FieldLogger, st store.Store, id string, m *metrics.Metrics, now func() time.Time) *Heartbeat {
	if now == nil {
		now = time.Now
	}

	return &Heartbeat{
		log:     log.WithField("component", "heartbeat"),
		store:   st,
		id:      id,
		metrics: m,
		now:     now,
	}
}

// Tick writes one heartbeat. A failure is logged; the next tick simply
// writes a newer value.
func (h *Heartbeat) Tick(ctx context.Context) {
	if err := h.store.Put(ctx, Key(h.id), runs.FormatTime(h.now())); err != nil {
		h.log.WithError(err).Error("Failed to write heartbeat")

		return
	}

	h.metrics.Heartbeats.Inc()
}
