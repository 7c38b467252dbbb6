// Package memory is an in-process orchestrator.Client. Workers are only
// records; nothing is executed. It backs dry runs and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethpandaops/engine-controller/pkg/orchestrator"
)

// Client keeps workers in a map keyed by ID.
type Client struct {
	mu       sync.Mutex
	seq      int
	workers  map[string]*orchestrator.Worker
	created  []orchestrator.WorkerSpec
	deleted  []string
	onCreate func(spec *orchestrator.WorkerSpec) error
}

var _ orchestrator.Client = (*Client)(nil)

// New returns an empty Client.
func New() *Client {
	return &Client{workers: make(map[string]*orchestrator.Worker)}
}

func (c *Client) Start(_ context.Context) error {
	return nil
}

func (c *Client) Stop() error {
	return nil
}

func (c *Client) ListWorkers(_ context.Context, engineLabel string) ([]orchestrator.Worker, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]orchestrator.Worker, 0, len(c.workers))

	for _, w := range c.workers {
		if w.EngineLabel == engineLabel {
			out = append(out, *w)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out, nil
}

func (c *Client) CreateWorker(_ context.Context, spec *orchestrator.WorkerSpec) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.created = append(c.created, *spec)

	if c.onCreate != nil {
		if err := c.onCreate(spec); err != nil {
			return "", err
		}
	}

	for _, w := range c.workers {
		if w.Name == spec.Name {
			return "", fmt.Errorf("creating %s: %w", spec.Name, orchestrator.ErrConflict)
		}
	}

	id := c.nextID()
	c.workers[id] = &orchestrator.Worker{
		ID:          id,
		Name:        spec.Name,
		RunName:     spec.RunName,
		EngineLabel: spec.EngineLabel,
		Phase:       orchestrator.PhaseRunning,
		Created:     time.Now(),
	}

	return id, nil
}

func (c *Client) DeleteWorker(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.workers[id]; !ok {
		return fmt.Errorf("deleting %s: %w", id, orchestrator.ErrNotFound)
	}

	delete(c.workers, id)
	c.deleted = append(c.deleted, id)

	return nil
}

// Add registers a worker directly and returns its ID. An empty ID is
// assigned.
func (c *Client) Add(w orchestrator.Worker) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if w.ID == "" {
		w.ID = c.nextID()
	}

	c.workers[w.ID] = &w

	return w.ID
}

// SetPhase changes the phase of a worker, as if it had progressed.
func (c *Client) SetPhase(id string, phase orchestrator.Phase) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if w, ok := c.workers[id]; ok {
		w.Phase = phase
	}
}

// OnCreate installs a hook run on every CreateWorker call before the
// name check. A non-nil error is returned to the caller.
func (c *Client) OnCreate(fn func(spec *orchestrator.WorkerSpec) error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onCreate = fn
}

// Created returns every spec passed to CreateWorker, including failed
// attempts, in call order.
func (c *Client) Created() []orchestrator.WorkerSpec {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]orchestrator.WorkerSpec(nil), c.created...)
}

// Deleted returns the IDs removed by DeleteWorker in call order.
func (c *Client) Deleted() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]string(nil), c.deleted...)
}

func (c *Client) nextID() string {
	c.seq++

	return fmt.Sprintf("worker-%04d", c.seq)
}
