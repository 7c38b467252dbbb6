// Package podman runs workers as Podman containers through the Podman
// REST bindings.
package podman

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/containers/podman/v5/pkg/bindings"
	"github.com/containers/podman/v5/pkg/bindings/containers"
	"github.com/containers/podman/v5/pkg/bindings/images"
	"github.com/containers/podman/v5/pkg/bindings/system"
	"github.com/containers/podman/v5/pkg/errorhandling"
	"github.com/containers/podman/v5/pkg/specgen"
	"github.com/ethpandaops/engine-controller/pkg/orchestrator"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/sirupsen/logrus"
	nettypes "go.podman.io/common/libnetwork/types"
)

// DefaultSocket is the default rootful Podman socket path.
const DefaultSocket = "unix:///run/podman/podman.sock"

// qualifyImageName ensures the image name is fully qualified for Podman,
// which does not default short names to docker.io.
func qualifyImageName(name string) string {
	parts := strings.SplitN(name, "/", 2)
	if len(parts) == 2 && (strings.Contains(parts[0], ".") || strings.Contains(parts[0], ":")) {
		return name
	}

	if len(parts) == 1 {
		return "docker.io/library/" + name
	}

	return "docker.io/" + name
}

type manager struct {
	log    logrus.FieldLogger
	socket string
	conn   context.Context // Podman connection context.
	engine engine
}

// Ensure interface compliance.
var _ orchestrator.Client = (*manager)(nil)

// NewClient creates an orchestrator.Client for the Podman service at
// socket. The connection is opened by Start.
func NewClient(log logrus.FieldLogger, socket string) orchestrator.Client {
	if socket == "" {
		socket = DefaultSocket
	}

	return &manager{
		log:    log.WithField("component", "podman"),
		socket: socket,
	}
}

// Start opens the Podman connection and checks the service answers.
func (m *manager) Start(ctx context.Context) error {
	conn, err := bindings.NewConnection(ctx, m.socket)
	if err != nil {
		return fmt.Errorf(
			"connecting to podman socket (%s): %w\n"+
				"Ensure the Podman service is running: systemctl start podman.socket",
			m.socket, err,
		)
	}

	m.conn = conn
	m.engine = &bindingsEngine{conn: conn}

	info, err := system.Info(m.conn, nil)
	if err != nil {
		return fmt.Errorf("querying podman info: %w", err)
	}

	m.log.WithFields(logrus.Fields{
		"version":  info.Version.Version,
		"runtime":  info.Host.OCIRuntime.Name,
		"rootless": info.Host.Security.Rootless,
	}).Debug("Connected to Podman service")

	return nil
}

// Stop is a no-op; the bindings hold no resources beyond the context.
func (m *manager) Stop() error {
	return nil
}

// ListWorkers returns all containers of the engine label, running or not.
func (m *manager) ListWorkers(_ context.Context, engineLabel string) ([]orchestrator.Worker, error) {
	all := true

	podmanContainers, err := containers.List(m.conn, &containers.ListOptions{
		All: &all,
		Filters: map[string][]string{
			"label": {
				orchestrator.LabelManagedBy + "=" + orchestrator.ManagedBy,
				orchestrator.LabelEngine + "=" + engineLabel,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	workers := make([]orchestrator.Worker, 0, len(podmanContainers))

	for _, c := range podmanContainers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}

		workers = append(workers, orchestrator.Worker{
			ID:          c.ID,
			Name:        name,
			RunName:     c.Labels[orchestrator.LabelRun],
			EngineLabel: c.Labels[orchestrator.LabelEngine],
			Phase:       mapState(c.State, int(c.ExitCode)),
			Created:     c.Created,
		})
	}

	return workers, nil
}

// CreateWorker pulls the image when missing, then creates and starts the
// container. A container that fails to start is removed again.
func (m *manager) CreateWorker(_ context.Context, spec *orchestrator.WorkerSpec) (string, error) {
	log := m.log.WithFields(logrus.Fields{
		"container": spec.Name,
		"run":       spec.RunName,
	})

	if err := m.ensureImage(spec.Image); err != nil {
		return "", err
	}

	id, err := m.engine.create(buildSpec(spec))
	if err != nil {
		if isConflict(err) {
			return "", fmt.Errorf("creating container %s: %w", spec.Name, orchestrator.ErrConflict)
		}

		return "", fmt.Errorf("creating container %s: %w", spec.Name, err)
	}

	if err := m.engine.start(id); err != nil {
		if rmErr := m.engine.remove(id); rmErr != nil && responseCode(rmErr) != http.StatusNotFound {
			log.WithError(rmErr).WithField("id", shortID(id)).Warn("Failed to remove container that did not start")
		}

		return "", fmt.Errorf("starting container %s: %w", shortID(id), err)
	}

	log.WithField("id", shortID(id)).Debug("Started container")

	return id, nil
}

// DeleteWorker force-removes a container and its anonymous volumes.
func (m *manager) DeleteWorker(_ context.Context, id string) error {
	if err := m.engine.remove(id); err != nil {
		if responseCode(err) == http.StatusNotFound {
			return fmt.Errorf("removing container %s: %w", shortID(id), orchestrator.ErrNotFound)
		}

		return fmt.Errorf("removing container %s: %w", shortID(id), err)
	}

	m.log.WithField("id", shortID(id)).Debug("Removed container")

	return nil
}

func (m *manager) ensureImage(imageName string) error {
	imageName = qualifyImageName(imageName)

	if m.engine.imageExists(imageName) {
		return nil
	}

	log := m.log.WithField("image", imageName)
	log.Info("Pulling image")

	if err := m.engine.pullImage(imageName); err != nil {
		return fmt.Errorf("pulling image %s: %w", imageName, err)
	}

	log.Info("Image pulled successfully")

	return nil
}

// engine is the part of the Podman service that creates and removes
// containers.
type engine interface {
	imageExists(name string) bool
	pullImage(name string) error
	create(s *specgen.SpecGenerator) (string, error)
	start(id string) error
	remove(id string) error
}

// bindingsEngine talks to the service over the REST bindings.
type bindingsEngine struct {
	conn context.Context
}

func (b *bindingsEngine) imageExists(name string) bool {
	_, err := images.GetImage(b.conn, name, nil)

	return err == nil
}

func (b *bindingsEngine) pullImage(name string) error {
	_, err := images.Pull(b.conn, name, nil)

	return err
}

func (b *bindingsEngine) create(s *specgen.SpecGenerator) (string, error) {
	resp, err := containers.CreateWithSpec(b.conn, s, nil)
	if err != nil {
		return "", err
	}

	return resp.ID, nil
}

func (b *bindingsEngine) start(id string) error {
	return containers.Start(b.conn, id, nil)
}

func (b *bindingsEngine) remove(id string) error {
	force := true
	vols := true
	timeout := uint(0) // SIGKILL immediately, skip SIGTERM grace period.

	_, err := containers.Remove(b.conn, id, &containers.RemoveOptions{
		Force:   &force,
		Volumes: &vols,
		Timeout: &timeout,
	})

	return err
}

// buildSpec converts a worker spec into a Podman SpecGenerator. Named
// volumes map to Podman's NamedVolume type since OCI runtimes do not
// recognise "volume" as a mount type.
func buildSpec(spec *orchestrator.WorkerSpec) *specgen.SpecGenerator {
	s := &specgen.SpecGenerator{}
	s.Name = spec.Name
	s.Image = qualifyImageName(spec.Image)
	s.Entrypoint = spec.Entrypoint
	s.Command = spec.Args
	s.Labels = spec.Labels()

	if len(spec.Env) > 0 {
		s.Env = make(map[string]string, len(spec.Env))
		for k, v := range spec.Env {
			s.Env[k] = v
		}
	}

	for _, mnt := range spec.Mounts {
		switch mnt.Type {
		case orchestrator.MountVolume:
			nv := &specgen.NamedVolume{Name: mnt.Source, Dest: mnt.Target}
			if mnt.ReadOnly {
				nv.Options = append(nv.Options, "ro")
			}

			s.Volumes = append(s.Volumes, nv)
		case orchestrator.MountTmpfs:
			s.Mounts = append(s.Mounts, specs.Mount{
				Destination: mnt.Target,
				Source:      "tmpfs",
				Type:        "tmpfs",
			})
		default:
			m := specs.Mount{
				Destination: mnt.Target,
				Source:      mnt.Source,
				Type:        "bind",
			}

			if mnt.ReadOnly || mnt.Type == orchestrator.MountSecret {
				m.Options = append(m.Options, "ro")
			}

			s.Mounts = append(s.Mounts, m)
		}
	}

	if spec.Network != "" {
		s.Networks = map[string]nettypes.PerNetworkOptions{
			spec.Network: {},
		}
	}

	if spec.Resources.MemoryLimit > 0 || spec.Resources.MemoryRequest > 0 {
		s.ResourceLimits = &specs.LinuxResources{Memory: &specs.LinuxMemory{}}

		if spec.Resources.MemoryLimit > 0 {
			limit := spec.Resources.MemoryLimit
			s.ResourceLimits.Memory.Limit = &limit
		}

		if spec.Resources.MemoryRequest > 0 {
			reservation := spec.Resources.MemoryRequest
			s.ResourceLimits.Memory.Reservation = &reservation
		}
	}

	return s
}

func mapState(state string, exitCode int) orchestrator.Phase {
	switch state {
	case "configured", "created", "initialized":
		return orchestrator.PhasePending
	case "running", "paused", "stopping":
		return orchestrator.PhaseRunning
	case "exited", "stopped":
		if exitCode == 0 {
			return orchestrator.PhaseSucceeded
		}

		return orchestrator.PhaseFailed
	default:
		return orchestrator.PhaseUnknown
	}
}

// responseCode extracts the HTTP status carried by binding errors.
func responseCode(err error) int {
	var model *errorhandling.ErrorModel
	if errors.As(err, &model) {
		return model.ResponseCode
	}

	return 0
}

func isConflict(err error) bool {
	return responseCode(err) == http.StatusConflict ||
		strings.Contains(err.Error(), "already in use")
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}

	return id
}
