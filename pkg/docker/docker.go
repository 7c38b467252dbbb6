// Package docker runs workers as Docker containers.
package docker

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/ethpandaops/engine-controller/pkg/orchestrator"
	"github.com/sirupsen/logrus"
)

// cleanupTimeout bounds removal of a container that failed to start.
const cleanupTimeout = 30 * time.Second

// NewClient creates an orchestrator.Client talking to the Docker daemon
// configured in the environment.
func NewClient(log logrus.FieldLogger) (orchestrator.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	return &manager{
		log:    log.WithField("component", "docker"),
		client: cli,
	}, nil
}

type manager struct {
	log    logrus.FieldLogger
	client client.APIClient
}

// Ensure interface compliance.
var _ orchestrator.Client = (*manager)(nil)

// Start verifies the daemon is reachable.
func (m *manager) Start(ctx context.Context) error {
	if _, err := m.client.Ping(ctx); err != nil {
		return fmt.Errorf("connecting to docker daemon: %w", err)
	}

	m.log.Debug("Connected to Docker daemon")

	return nil
}

// Stop closes the Docker client.
func (m *manager) Stop() error {
	if err := m.client.Close(); err != nil {
		return fmt.Errorf("closing docker client: %w", err)
	}

	return nil
}

// ListWorkers returns all containers of the engine label, running or not.
func (m *manager) ListWorkers(ctx context.Context, engineLabel string) ([]orchestrator.Worker, error) {
	containers, err := m.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", orchestrator.LabelManagedBy+"="+orchestrator.ManagedBy),
			filters.Arg("label", orchestrator.LabelEngine+"="+engineLabel),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	workers := make([]orchestrator.Worker, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}

		workers = append(workers, orchestrator.Worker{
			ID:          c.ID,
			Name:        name,
			RunName:     c.Labels[orchestrator.LabelRun],
			EngineLabel: c.Labels[orchestrator.LabelEngine],
			Phase:       mapState(string(c.State), c.Status),
			Created:     time.Unix(c.Created, 0),
		})
	}

	return workers, nil
}

// CreateWorker pulls the image when missing, then creates and starts the
// container.
func (m *manager) CreateWorker(ctx context.Context, spec *orchestrator.WorkerSpec) (string, error) {
	log := m.log.WithFields(logrus.Fields{
		"container": spec.Name,
		"run":       spec.RunName,
	})

	if err := m.ensureImage(ctx, spec.Image); err != nil {
		return "", err
	}

	containerCfg, hostCfg := buildConfig(spec)

	resp, err := m.client.ContainerCreate(ctx, containerCfg, hostCfg, &network.NetworkingConfig{}, nil, spec.Name)
	if err != nil {
		if cerrdefs.IsConflict(err) {
			return "", fmt.Errorf("creating container %s: %w", spec.Name, orchestrator.ErrConflict)
		}

		return "", fmt.Errorf("creating container %s: %w", spec.Name, err)
	}

	if err := m.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		m.discard(ctx, log, resp.ID)

		return "", fmt.Errorf("starting container %s: %w", shortID(resp.ID), err)
	}

	log.WithField("id", shortID(resp.ID)).Debug("Started container")

	return resp.ID, nil
}

// DeleteWorker force-removes a container and its anonymous volumes.
func (m *manager) DeleteWorker(ctx context.Context, id string) error {
	if err := m.client.ContainerRemove(ctx, id, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	}); err != nil {
		if cerrdefs.IsNotFound(err) {
			return fmt.Errorf("removing container %s: %w", shortID(id), orchestrator.ErrNotFound)
		}

		return fmt.Errorf("removing container %s: %w", shortID(id), err)
	}

	m.log.WithField("id", shortID(id)).Debug("Removed container")

	return nil
}

// discard force-removes a container that was created but never started,
// so the retry can reuse its name.
func (m *manager) discard(ctx context.Context, log logrus.FieldLogger, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if err := m.client.ContainerRemove(ctx, id, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	}); err != nil && !cerrdefs.IsNotFound(err) {
		log.WithError(err).WithField("id", shortID(id)).Warn("Failed to remove container that did not start")
	}
}

// ensureImage pulls imageName unless it is already present.
func (m *manager) ensureImage(ctx context.Context, imageName string) error {
	images, err := m.client.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", imageName)),
	})
	if err != nil {
		return fmt.Errorf("listing images: %w", err)
	}

	if len(images) > 0 {
		return nil
	}

	log := m.log.WithField("image", imageName)
	log.Info("Pulling image")

	reader, err := m.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", imageName, err)
	}
	defer func() { _ = reader.Close() }()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("reading pull response: %w", err)
	}

	log.Info("Image pulled successfully")

	return nil
}

func buildConfig(spec *orchestrator.WorkerSpec) (*container.Config, *container.HostConfig) {
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	sort.Strings(env)

	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, mnt := range spec.Mounts {
		m := mount.Mount{
			Type:     mount.Type(mnt.Type),
			Source:   mnt.Source,
			Target:   mnt.Target,
			ReadOnly: mnt.ReadOnly,
		}

		if mnt.Type == orchestrator.MountSecret {
			m.Type = mount.TypeBind
			m.ReadOnly = true
		}

		mounts = append(mounts, m)
	}

	containerCfg := &container.Config{
		Image:      spec.Image,
		Env:        env,
		Labels:     spec.Labels(),
		Entrypoint: spec.Entrypoint,
		Cmd:        spec.Args,
	}

	hostCfg := &container.HostConfig{
		Mounts:      mounts,
		NetworkMode: container.NetworkMode(spec.Network),
	}

	hostCfg.Memory = spec.Resources.MemoryLimit
	hostCfg.MemoryReservation = spec.Resources.MemoryRequest

	return containerCfg, hostCfg
}

// mapState converts the list state and status text into a phase. Exited
// containers report their code only in the status text, e.g.
// "Exited (1) 2 minutes ago".
func mapState(state, status string) orchestrator.Phase {
	switch state {
	case "created":
		return orchestrator.PhasePending
	case "running", "restarting", "paused":
		return orchestrator.PhaseRunning
	case "dead":
		return orchestrator.PhaseFailed
	case "exited":
		var code int
		if _, err := fmt.Sscanf(status, "Exited (%d)", &code); err != nil || code != 0 {
			return orchestrator.PhaseFailed
		}

		return orchestrator.PhaseSucceeded
	default:
		return orchestrator.PhaseUnknown
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}

	return id
}
