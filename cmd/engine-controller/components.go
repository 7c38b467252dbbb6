package main

import (
	"fmt"

	"github.com/ethpandaops/engine-controller/pkg/config"
	"github.com/ethpandaops/engine-controller/pkg/docker"
	"github.com/ethpandaops/engine-controller/pkg/kubernetes"
	"github.com/ethpandaops/engine-controller/pkg/orchestrator"
	"github.com/ethpandaops/engine-controller/pkg/orchestrator/memory"
	"github.com/ethpandaops/engine-controller/pkg/podman"
	"github.com/ethpandaops/engine-controller/pkg/settings"
	"github.com/spf13/cobra"
	k8sclient "k8s.io/client-go/kubernetes"
)

// loadConfig reads and validates the --config files. The config file's
// log level and format apply unless the matching flag was given.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFiles...)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	level, format := logLevel, logFormat

	if !cmd.Flags().Changed("log-level") && cfg.LogLevel != "" {
		level = cfg.LogLevel
	}

	if !cmd.Flags().Changed("log-format") && cfg.LogFormat != "" {
		format = cfg.LogFormat
	}

	if err := configureLogger(log, level, format); err != nil {
		return nil, fmt.Errorf("configuring logger: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// newRuntime creates the orchestration client for the configured
// runtime. The Kubernetes clientset is returned as well so the config
// map settings source can share it; it is nil for other runtimes.
func newRuntime(cfg *config.Config) (orchestrator.Client, k8sclient.Interface, error) {
	switch cfg.Runtime.Type {
	case config.RuntimeKubernetes:
		clientset, err := kubernetes.NewClientset(&cfg.Runtime.Kubernetes)
		if err != nil {
			return nil, nil, fmt.Errorf("creating kubernetes clientset: %w", err)
		}

		return kubernetes.NewClient(log, clientset, cfg.Runtime.Kubernetes.Namespace), clientset, nil
	case config.RuntimeDocker:
		client, err := docker.NewClient(log)
		if err != nil {
			return nil, nil, fmt.Errorf("creating docker client: %w", err)
		}

		return client, nil, nil
	case config.RuntimePodman:
		return podman.NewClient(log, cfg.Runtime.Podman.Socket), nil, nil
	case config.RuntimeMemory:
		log.Warn("Using the in-memory runtime; workers will not be executed")

		return memory.New(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported runtime type %q", cfg.Runtime.Type)
	}
}

// newSettingsSource creates the configured settings source.
func newSettingsSource(cfg *config.Config, clientset k8sclient.Interface) (settings.Source, error) {
	switch cfg.Settings.Source {
	case config.SettingsSourceFile:
		return settings.NewFileSource(cfg.Settings.File.Path), nil
	case config.SettingsSourceConfigMap:
		if clientset == nil {
			return nil, fmt.Errorf("settings source %q requires the kubernetes runtime", cfg.Settings.Source)
		}

		return settings.NewConfigMapSource(
			clientset, cfg.Runtime.Kubernetes.Namespace, cfg.Settings.ConfigMap.Name,
		), nil
	case config.SettingsSourceS3:
		return settings.NewS3Source(&cfg.Settings.S3), nil
	default:
		return nil, fmt.Errorf("unsupported settings source %q", cfg.Settings.Source)
	}
}
