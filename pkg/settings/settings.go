package settings

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Provider hands out the current settings snapshot. Callers read it
// once per tick and use that value for the whole tick.
type Provider interface {
	Current() *Snapshot
}

// Settings holds the live snapshot and reloads it from a Source.
type Settings struct {
	log    logrus.FieldLogger
	source Source

	current atomic.Pointer[Snapshot]

	mu          sync.Mutex
	loaded      bool
	fingerprint string
}

var _ Provider = (*Settings)(nil)

// New performs the initial load and returns the live settings.
func New(ctx context.Context, log logrus.FieldLogger, source Source) (*Settings, error) {
	s := &Settings{
		log:    log.WithField("component", "settings"),
		source: source,
	}

	s.current.Store(Defaults())

	if _, err := s.Reload(ctx); err != nil {
		return nil, fmt.Errorf("loading settings: %w", err)
	}

	return s, nil
}

// Current returns the latest published snapshot.
func (s *Settings) Current() *Snapshot {
	return s.current.Load()
}

// Reload fetches the source and publishes a new snapshot when the
// document changed. It reports whether a new snapshot was published. On
// error the previous snapshot stays in place.
func (s *Settings) Reload(ctx context.Context) (bool, error) {
	doc, err := s.source.Fetch(ctx)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loaded && doc.Fingerprint == s.fingerprint {
		return false, nil
	}

	s.log.WithField("source", s.source.Describe()).Info("Reloading parameters")

	next := parse(s.log, doc.Values, s.current.Load())

	s.current.Store(next)
	s.fingerprint = doc.Fingerprint
	s.loaded = true

	s.log.WithFields(logrus.Fields{
		"bootstrap":              next.Bootstrap,
		"max_engines":            next.MaxEngines,
		"engine_label":           next.EngineLabel,
		"engine_image":           next.EngineImage,
		"engine_memory":          next.EngineMemory,
		"engine_memory_request":  next.EngineMemoryRequest,
		"engine_memory_limit":    next.EngineMemoryLimit,
		"run_poll":               next.RunPoll,
		"run_poll_recheck":       next.RunPollRecheck,
		"scheduled_requestors":   next.ScheduledRequestors,
		"required_capabilities":  next.RequiredCapabilities,
		"capable_capabilities":   next.CapableCapabilities,
		"node_arch":              next.NodeArch,
		"engine_create_attempts": next.EngineCreateAttempts,
		"allocation_timeout":     next.AllocationTimeout,
	}).Info("Settings loaded")

	return true, nil
}

type static struct {
	snapshot *Snapshot
}

// Static returns a Provider that always hands out snapshot.
func Static(snapshot *Snapshot) Provider {
	return &static{snapshot: snapshot}
}

func (s *static) Current() *Snapshot {
	return s.snapshot
}
