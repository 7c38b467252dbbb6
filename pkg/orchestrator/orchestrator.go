// Package orchestrator is the backend-neutral view of the workers that
// execute runs. Each container or pod runtime supplies a Client.
package orchestrator

import (
	"context"
	"errors"
	"time"
)

// Labels attached to every worker.
const (
	LabelEngine    = "engine-controller.engine"
	LabelRun       = "engine-controller.run"
	LabelManagedBy = "engine-controller.managed-by"
	ManagedBy      = "engine-controller"
)

var (
	// ErrConflict is returned by CreateWorker when the name is taken.
	ErrConflict = errors.New("worker name already in use")
	// ErrNotFound is returned by DeleteWorker when the worker is gone.
	ErrNotFound = errors.New("worker not found")
)

// Client creates, lists and deletes workers on one runtime.
type Client interface {
	Start(ctx context.Context) error
	Stop() error

	// ListWorkers returns every worker carrying engineLabel, in any phase.
	ListWorkers(ctx context.Context, engineLabel string) ([]Worker, error)
	// CreateWorker creates and starts a worker and returns its ID.
	CreateWorker(ctx context.Context, spec *WorkerSpec) (string, error)
	DeleteWorker(ctx context.Context, id string) error
}

// Phase is the lifecycle phase of a worker.
type Phase string

const (
	PhasePending   Phase = "pending"
	PhaseRunning   Phase = "running"
	PhaseSucceeded Phase = "succeeded"
	PhaseFailed    Phase = "failed"
	PhaseUnknown   Phase = "unknown"
)

// Terminal reports whether the worker has exited.
func (p Phase) Terminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed
}

// Worker is one pod or container as seen by the controller.
type Worker struct {
	ID          string
	Name        string
	RunName     string
	EngineLabel string
	Phase       Phase
	Created     time.Time
}

// FilterActive keeps the workers that are not in a terminal phase.
// Unknown counts as active.
func FilterActive(workers []Worker) []Worker {
	active := make([]Worker, 0, len(workers))

	for _, w := range workers {
		if !w.Phase.Terminal() {
			active = append(active, w)
		}
	}

	return active
}

// MountType selects how a Mount is provided to the worker.
type MountType string

const (
	MountBind   MountType = "bind"
	MountVolume MountType = "volume"
	MountTmpfs  MountType = "tmpfs"
	// MountSecret is a Kubernetes secret on pod runtimes and a read-only
	// host directory on container runtimes.
	MountSecret MountType = "secret"
)

// Mount is a filesystem made available inside the worker.
type Mount struct {
	Type     MountType
	Source   string
	Target   string
	ReadOnly bool
}

// Resources are the memory sizes in bytes. Zero means unset.
type Resources struct {
	MemoryRequest int64
	MemoryLimit   int64
}

// Affinity is a weighted preferred node label.
type Affinity struct {
	Key    string
	Value  string
	Weight int32
}

// WorkerSpec is everything a backend needs to start a worker.
type WorkerSpec struct {
	Name        string
	RunName     string
	EngineLabel string
	Image       string
	Entrypoint  []string
	Args        []string
	Env         map[string]string
	Mounts      []Mount
	Resources   Resources

	// Network is the container network. Pod runtimes ignore it.
	Network string
	// NodeArch and PreferredAffinity are pod scheduling hints.
	NodeArch          string
	PreferredAffinity *Affinity
}

// Labels returns the labels identifying the worker.
func (s *WorkerSpec) Labels() map[string]string {
	return map[string]string{
		LabelEngine:    s.EngineLabel,
		LabelRun:       s.RunName,
		LabelManagedBy: ManagedBy,
	}
}
