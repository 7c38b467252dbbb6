package podman

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/containers/podman/v5/pkg/errorhandling"
	"github.com/containers/podman/v5/pkg/specgen"
	"github.com/ethpandaops/engine-controller/pkg/orchestrator"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	startErr  error
	removeErr error
	pulled    []string
	created   []string
	removed   []string
}

func (f *fakeEngine) imageExists(string) bool { return false }

func (f *fakeEngine) pullImage(name string) error {
	f.pulled = append(f.pulled, name)

	return nil
}

func (f *fakeEngine) create(s *specgen.SpecGenerator) (string, error) {
	f.created = append(f.created, s.Name)

	return "fedcba9876543210", nil
}

func (f *fakeEngine) start(string) error { return f.startErr }

func (f *fakeEngine) remove(id string) error {
	f.removed = append(f.removed, id)

	return f.removeErr
}

func newFakeManager(e *fakeEngine) *manager {
	log, _ := test.NewNullLogger()

	return &manager{log: log, engine: e}
}

func TestQualifyImageName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "test-engine:latest", want: "docker.io/library/test-engine:latest"},
		{in: "ethpandaops/engine:v1", want: "docker.io/ethpandaops/engine:v1"},
		{in: "ghcr.io/ethpandaops/engine:v1", want: "ghcr.io/ethpandaops/engine:v1"},
		{in: "localhost:5000/engine", want: "localhost:5000/engine"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, qualifyImageName(tt.in))
		})
	}
}

func TestMapState(t *testing.T) {
	assert.Equal(t, orchestrator.PhasePending, mapState("created", 0))
	assert.Equal(t, orchestrator.PhaseRunning, mapState("running", 0))
	assert.Equal(t, orchestrator.PhaseSucceeded, mapState("exited", 0))
	assert.Equal(t, orchestrator.PhaseFailed, mapState("exited", 2))
	assert.Equal(t, orchestrator.PhaseFailed, mapState("stopped", 137))
	assert.Equal(t, orchestrator.PhaseUnknown, mapState("removing", 0))
}

func TestIsConflict(t *testing.T) {
	model := &errorhandling.ErrorModel{ResponseCode: 409, Message: "name is taken"}

	assert.True(t, isConflict(fmt.Errorf("creating: %w", model)))
	assert.True(t, isConflict(errors.New(`the container name "x" is already in use`)))
	assert.False(t, isConflict(&errorhandling.ErrorModel{ResponseCode: 500, Message: "boom"}))
	assert.Equal(t, 404, responseCode(&errorhandling.ErrorModel{ResponseCode: 404}))
	assert.Equal(t, 0, responseCode(errors.New("plain")))
}

func TestBuildSpec(t *testing.T) {
	spec := &orchestrator.WorkerSpec{
		Name:        "standard-engine-u1",
		RunName:     "U1",
		EngineLabel: "standard-engine",
		Image:       "test-engine:latest",
		Args:        []string{"--run", "U1"},
		Env:         map[string]string{"A": "1"},
		Mounts: []orchestrator.Mount{
			{Type: orchestrator.MountSecret, Source: "/srv/keys", Target: "/keys"},
			{Type: orchestrator.MountVolume, Source: "cache", Target: "/cache", ReadOnly: true},
			{Type: orchestrator.MountTmpfs, Target: "/scratch"},
		},
		Resources: orchestrator.Resources{MemoryRequest: 100, MemoryLimit: 200},
		Network:   "engines",
	}

	s := buildSpec(spec)

	assert.Equal(t, "standard-engine-u1", s.Name)
	assert.Equal(t, "docker.io/library/test-engine:latest", s.Image)
	assert.Equal(t, []string{"--run", "U1"}, s.Command)
	assert.Equal(t, map[string]string{"A": "1"}, s.Env)
	assert.Equal(t, "U1", s.Labels[orchestrator.LabelRun])
	assert.Contains(t, s.Networks, "engines")

	require.Len(t, s.Mounts, 2)
	assert.Equal(t, "bind", s.Mounts[0].Type)
	assert.Equal(t, []string{"ro"}, s.Mounts[0].Options)
	assert.Equal(t, "tmpfs", s.Mounts[1].Type)

	require.Len(t, s.Volumes, 1)
	assert.Equal(t, "cache", s.Volumes[0].Name)
	assert.Equal(t, []string{"ro"}, s.Volumes[0].Options)

	require.NotNil(t, s.ResourceLimits)
	assert.Equal(t, int64(200), *s.ResourceLimits.Memory.Limit)
	assert.Equal(t, int64(100), *s.ResourceLimits.Memory.Reservation)
}

func TestCreateWorker_Starts(t *testing.T) {
	e := &fakeEngine{}

	id, err := newFakeManager(e).CreateWorker(context.Background(), &orchestrator.WorkerSpec{
		Name:  "standard-engine-u1",
		Image: "engine:1",
	})
	require.NoError(t, err)

	assert.Equal(t, "fedcba9876543210", id)
	assert.Equal(t, []string{"docker.io/library/engine:1"}, e.pulled)
	assert.Equal(t, []string{"standard-engine-u1"}, e.created)
	assert.Empty(t, e.removed)
}

func TestCreateWorker_RemovesContainerWhenStartFails(t *testing.T) {
	tests := []struct {
		name      string
		removeErr error
	}{
		{name: "removed"},
		{name: "remove fails", removeErr: errors.New("device busy")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &fakeEngine{startErr: errors.New("OCI runtime error"), removeErr: tt.removeErr}

			_, err := newFakeManager(e).CreateWorker(context.Background(), &orchestrator.WorkerSpec{
				Name:  "standard-engine-u1",
				Image: "engine:1",
			})
			require.Error(t, err)

			assert.ErrorIs(t, err, e.startErr)
			assert.Contains(t, err.Error(), "starting container fedcba987654")
			assert.Equal(t, []string{"fedcba9876543210"}, e.removed)
		})
	}
}

func TestDeleteWorker_NotFound(t *testing.T) {
	e := &fakeEngine{removeErr: &errorhandling.ErrorModel{ResponseCode: 404, Message: "no such container"}}

	err := newFakeManager(e).DeleteWorker(context.Background(), "gone")
	assert.ErrorIs(t, err, orchestrator.ErrNotFound)
}
