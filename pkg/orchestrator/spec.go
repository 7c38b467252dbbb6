package orchestrator

import (
	"maps"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/ethpandaops/engine-controller/pkg/config"
	"github.com/ethpandaops/engine-controller/pkg/runs"
	"github.com/ethpandaops/engine-controller/pkg/settings"
)

// Environment variables set on every worker.
const (
	EnvRunName            = "ENGINE_RUN"
	EnvBootstrap          = "ENGINE_BOOTSTRAP"
	EnvEncryptionKeysPath = "ENGINE_ENCRYPTION_KEYS_PATH"
)

// maxNameLength is the DNS-1123 label limit.
const maxNameLength = 63

var invalidNameChars = regexp.MustCompile(`[^a-z0-9-]+`)

// WorkerName derives the worker name for a run. Attempt 0 is the base
// name, attempt n > 0 appends "-n".
func WorkerName(engineLabel, runName string, attempt int) string {
	name := invalidNameChars.ReplaceAllString(strings.ToLower(engineLabel+"-"+runName), "-")

	for strings.Contains(name, "--") {
		name = strings.ReplaceAll(name, "--", "-")
	}

	name = strings.Trim(name, "-")
	if name == "" {
		name = "engine"
	}

	suffix := ""
	if attempt > 0 {
		suffix = "-" + strconv.Itoa(attempt)
	}

	if len(name)+len(suffix) > maxNameLength {
		name = strings.TrimRight(name[:maxNameLength-len(suffix)], "-")
	}

	return name + suffix
}

// BuildWorkerSpec composes the worker for run from the current settings
// and the static worker configuration. The returned spec carries the
// attempt 0 name.
func BuildWorkerSpec(snap *settings.Snapshot, run *runs.Run, cfg *config.WorkerConfig) *WorkerSpec {
	args := []string{"--bootstrap", snap.Bootstrap, "--run", run.Name}
	if run.Trace {
		args = append(args, "--trace")
	}

	env := make(map[string]string, len(cfg.Env)+len(cfg.PassthroughEnv)+3)
	maps.Copy(env, cfg.Env)

	for _, name := range cfg.PassthroughEnv {
		if v, ok := os.LookupEnv(name); ok {
			env[name] = v
		}
	}

	env[EnvRunName] = run.Name
	env[EnvBootstrap] = snap.Bootstrap

	var mounts []Mount

	if cfg.EncryptionKeysPath != "" {
		env[EnvEncryptionKeysPath] = cfg.EncryptionKeysPath

		if cfg.EncryptionKeysSecret != "" {
			mounts = append(mounts, Mount{
				Type:     MountSecret,
				Source:   cfg.EncryptionKeysSecret,
				Target:   cfg.EncryptionKeysPath,
				ReadOnly: true,
			})
		}
	}

	spec := &WorkerSpec{
		Name:        WorkerName(snap.EngineLabel, run.Name, 0),
		RunName:     run.Name,
		EngineLabel: snap.EngineLabel,
		Image:       snap.EngineImage,
		Entrypoint:  snap.EngineCommand,
		Args:        args,
		Env:         env,
		Mounts:      mounts,
		Resources: Resources{
			MemoryRequest: snap.EngineMemoryRequest,
			MemoryLimit:   snap.EngineMemoryLimit,
		},
		Network:  snap.EngineNetwork,
		NodeArch: snap.NodeArch,
	}

	if a := snap.NodePreferred; a != nil {
		spec.PreferredAffinity = &Affinity{Key: a.Key, Value: a.Value, Weight: a.Weight}
	}

	return spec
}
