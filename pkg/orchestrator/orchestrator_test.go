package orchestrator

import (
	"strings"
	"testing"

	"github.com/ethpandaops/engine-controller/pkg/config"
	"github.com/ethpandaops/engine-controller/pkg/runs"
	"github.com/ethpandaops/engine-controller/pkg/settings"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPhase_Terminal(t *testing.T) {
	assert.False(t, PhasePending.Terminal())
	assert.False(t, PhaseRunning.Terminal())
	assert.False(t, PhaseUnknown.Terminal())
	assert.True(t, PhaseSucceeded.Terminal())
	assert.True(t, PhaseFailed.Terminal())
}

func TestFilterActive(t *testing.T) {
	workers := []Worker{
		{ID: "a", Phase: PhaseRunning},
		{ID: "b", Phase: PhaseSucceeded},
		{ID: "c", Phase: PhaseUnknown},
		{ID: "d", Phase: PhaseFailed},
		{ID: "e", Phase: PhasePending},
	}

	active := FilterActive(workers)

	ids := make([]string, 0, len(active))
	for _, w := range active {
		ids = append(ids, w.ID)
	}

	assert.Equal(t, []string{"a", "c", "e"}, ids)
	assert.Empty(t, FilterActive(nil))
}

func TestWorkerName(t *testing.T) {
	tests := []struct {
		name    string
		label   string
		run     string
		attempt int
		want    string
	}{
		{name: "base", label: "standard-engine", run: "U123", want: "standard-engine-u123"},
		{name: "suffix", label: "standard-engine", run: "U123", attempt: 2, want: "standard-engine-u123-2"},
		{name: "invalid chars", label: "k8s_engine", run: "Run.A/1", want: "k8s-engine-run-a-1"},
		{name: "trims dashes", label: "-engine-", run: "-x-", want: "engine-x"},
		{name: "empty", label: "", run: "", want: "engine"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, WorkerName(tt.label, tt.run, tt.attempt))
		})
	}
}

func TestWorkerName_Truncates(t *testing.T) {
	run := strings.Repeat("a", 80)

	base := WorkerName("engine", run, 0)
	assert.Len(t, base, maxNameLength)

	retry := WorkerName("engine", run, 12)
	assert.Len(t, retry, maxNameLength)
	assert.True(t, strings.HasSuffix(retry, "-12"))
	assert.Equal(t, base[:maxNameLength-3], strings.TrimSuffix(retry, "-12"))
}

func TestBuildWorkerSpec(t *testing.T) {
	t.Setenv("ENGINE_STREAM_TOKEN", "s3cret")

	snap := settings.Defaults()
	snap.EngineCommand = []string{"engine", "boot"}
	snap.NodeArch = "amd64"
	snap.EngineNetwork = "tests"
	snap.NodePreferred = &settings.Affinity{Key: "zone", Value: "a", Weight: 50}

	run := &runs.Run{Name: "U42", Trace: true}
	cfg := &config.WorkerConfig{
		EncryptionKeysPath:   "/engine/keys",
		EncryptionKeysSecret: "engine-keys",
		PassthroughEnv:       []string{"ENGINE_STREAM_TOKEN", "ENGINE_UNSET_TOKEN"},
		Env:                  map[string]string{"LOG_FORMAT": "json"},
	}

	spec := BuildWorkerSpec(snap, run, cfg)

	assert.Equal(t, "standard-engine-u42", spec.Name)
	assert.Equal(t, "U42", spec.RunName)
	assert.Equal(t, settings.DefaultEngineImage, spec.Image)
	assert.Equal(t, []string{"engine", "boot"}, spec.Entrypoint)
	assert.Equal(t, []string{"--bootstrap", settings.DefaultBootstrap, "--run", "U42", "--trace"}, spec.Args)
	assert.Equal(t, map[string]string{
		"LOG_FORMAT":          "json",
		"ENGINE_STREAM_TOKEN": "s3cret",
		EnvRunName:            "U42",
		EnvBootstrap:          settings.DefaultBootstrap,
		EnvEncryptionKeysPath: "/engine/keys",
	}, spec.Env)
	require.Len(t, spec.Mounts, 1)
	assert.Equal(t, Mount{Type: MountSecret, Source: "engine-keys", Target: "/engine/keys", ReadOnly: true}, spec.Mounts[0])
	assert.Equal(t, Resources{MemoryRequest: snap.EngineMemoryRequest, MemoryLimit: snap.EngineMemoryLimit}, spec.Resources)
	assert.Equal(t, "tests", spec.Network)
	assert.Equal(t, "amd64", spec.NodeArch)
	assert.Equal(t, &Affinity{Key: "zone", Value: "a", Weight: 50}, spec.PreferredAffinity)
	assert.Equal(t, map[string]string{
		LabelEngine:    settings.DefaultEngineLabel,
		LabelRun:       "U42",
		LabelManagedBy: ManagedBy,
	}, spec.Labels())
}

func TestBuildWorkerSpec_NoTrace(t *testing.T) {
	spec := BuildWorkerSpec(settings.Defaults(), &runs.Run{Name: "U1"}, &config.WorkerConfig{})

	assert.Equal(t, []string{"--bootstrap", settings.DefaultBootstrap, "--run", "U1"}, spec.Args)
	assert.Empty(t, spec.Mounts)
	assert.Nil(t, spec.Entrypoint)
	assert.Nil(t, spec.PreferredAffinity)
}
