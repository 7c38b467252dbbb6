package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// EnvPrefix is the prefix for environment variable overrides, e.g.
	// ENGINE_CONTROLLER_STORE_DRIVER=postgres.
	EnvPrefix = "ENGINE_CONTROLLER"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultLogFormat is the default log output format.
	DefaultLogFormat = LogFormatText

	// DefaultListen is the default address of the health and metrics server.
	DefaultListen = ":9010"

	// DefaultInterval is the default delay between heartbeat, settings and
	// reconciliation ticks.
	DefaultInterval = 20 * time.Second

	// DefaultLeaseReaperInterval is the default delay between lease reaper ticks.
	DefaultLeaseReaperInterval = 60 * time.Second

	// DefaultShutdownTimeout bounds how long Stop waits for running tasks.
	DefaultShutdownTimeout = 30 * time.Second

	// DefaultSettingsFile is the default path of the settings properties file.
	DefaultSettingsFile = "/etc/engine-controller/settings.properties"

	// DefaultConfigMapName is the default name of the settings config map.
	DefaultConfigMapName = "config"

	// DefaultPodmanSocket is the default rootful Podman socket.
	DefaultPodmanSocket = "unix:///run/podman/podman.sock"

	redacted = "<redacted>"
)

// Log formats.
const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

// Store drivers.
const (
	StoreDriverSQLite   = "sqlite"
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Runtime types.
const (
	RuntimeKubernetes = "kubernetes"
	RuntimeDocker     = "docker"
	RuntimePodman     = "podman"
	RuntimeMemory     = "memory"
)

// Settings sources.
const (
	SettingsSourceFile      = "file"
	SettingsSourceConfigMap = "configmap"
	SettingsSourceS3        = "s3"
)

// Config is the root configuration of the engine controller process.
type Config struct {
	LogLevel   string           `yaml:"log_level" mapstructure:"log_level"`
	LogFormat  string           `yaml:"log_format" mapstructure:"log_format"`
	Controller ControllerConfig `yaml:"controller" mapstructure:"controller"`
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Runtime    RuntimeConfig    `yaml:"runtime" mapstructure:"runtime"`
	Settings   SettingsConfig   `yaml:"settings" mapstructure:"settings"`
	Worker     WorkerConfig     `yaml:"worker" mapstructure:"worker"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
}

// ControllerConfig holds the identity and task intervals of the controller.
type ControllerConfig struct {
	// ID identifies this controller instance in the shared store. It
	// defaults to the pod or container hostname.
	ID                  string        `yaml:"id" mapstructure:"id"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	SettingsInterval    time.Duration `yaml:"settings_interval" mapstructure:"settings_interval"`
	ReconcileInterval   time.Duration `yaml:"reconcile_interval" mapstructure:"reconcile_interval"`
	LeaseReaperEnabled  bool          `yaml:"lease_reaper_enabled" mapstructure:"lease_reaper_enabled"`
	LeaseReaperInterval time.Duration `yaml:"lease_reaper_interval" mapstructure:"lease_reaper_interval"`
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// StoreConfig selects and configures the shared status store.
type StoreConfig struct {
	Driver   string         `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteConfig contains SQLite-specific settings.
type SQLiteConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// RuntimeConfig selects the backend that runs workers.
type RuntimeConfig struct {
	Type       string           `yaml:"type" mapstructure:"type"`
	Kubernetes KubernetesConfig `yaml:"kubernetes,omitempty" mapstructure:"kubernetes"`
	Podman     PodmanConfig     `yaml:"podman,omitempty" mapstructure:"podman"`
}

// KubernetesConfig contains Kubernetes API settings. An empty kubeconfig
// means in-cluster configuration.
type KubernetesConfig struct {
	Namespace  string `yaml:"namespace" mapstructure:"namespace"`
	Kubeconfig string `yaml:"kubeconfig,omitempty" mapstructure:"kubeconfig"`
}

// PodmanConfig contains Podman connection settings.
type PodmanConfig struct {
	Socket string `yaml:"socket" mapstructure:"socket"`
}

// SettingsConfig selects where the dynamic settings are read from.
type SettingsConfig struct {
	Source    string          `yaml:"source" mapstructure:"source"`
	File      FileConfig      `yaml:"file,omitempty" mapstructure:"file"`
	ConfigMap ConfigMapConfig `yaml:"configmap,omitempty" mapstructure:"configmap"`
	S3        S3Config        `yaml:"s3,omitempty" mapstructure:"s3"`
}

// FileConfig points at a properties file.
type FileConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// ConfigMapConfig names the settings config map in the runtime namespace.
type ConfigMapConfig struct {
	Name string `yaml:"name" mapstructure:"name"`
}

// S3Config points at a properties object in S3-compatible storage.
type S3Config struct {
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Key             string `yaml:"key" mapstructure:"key"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
}

// WorkerConfig holds what every worker receives regardless of settings.
type WorkerConfig struct {
	// EncryptionKeysPath is the directory the encryption keys are mounted
	// at inside the worker.
	EncryptionKeysPath string `yaml:"encryption_keys_path" mapstructure:"encryption_keys_path"`
	// EncryptionKeysSecret is the Kubernetes secret name, or the host
	// directory for container runtimes, holding the encryption keys.
	EncryptionKeysSecret string `yaml:"encryption_keys_secret" mapstructure:"encryption_keys_secret"`
	// PassthroughEnv lists controller environment variables copied into
	// every worker, e.g. stream or RAS tokens.
	PassthroughEnv []string          `yaml:"passthrough_env,omitempty" mapstructure:"passthrough_env"`
	Env            map[string]string `yaml:"env,omitempty" mapstructure:"env"`
}

// ServerConfig contains the health and metrics HTTP server settings.
type ServerConfig struct {
	Listen      string   `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
}

// Load reads and merges the configuration files in order, then applies
// environment overrides and defaults.
func Load(paths ...string) (*Config, error) {
	v := newViper()

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// newViper returns a viper instance that knows every key, so that
// AutomaticEnv overrides work even for keys absent from the files.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("log_format", DefaultLogFormat)
	v.SetDefault("controller.id", "")
	v.SetDefault("controller.heartbeat_interval", DefaultInterval)
	v.SetDefault("controller.settings_interval", DefaultInterval)
	v.SetDefault("controller.reconcile_interval", DefaultInterval)
	v.SetDefault("controller.lease_reaper_enabled", true)
	v.SetDefault("controller.lease_reaper_interval", DefaultLeaseReaperInterval)
	v.SetDefault("controller.shutdown_timeout", DefaultShutdownTimeout)
	v.SetDefault("store.driver", StoreDriverSQLite)
	v.SetDefault("store.sqlite.path", "engine-controller.db")
	v.SetDefault("store.postgres.host", "localhost")
	v.SetDefault("store.postgres.port", 5432)
	v.SetDefault("store.postgres.user", "")
	v.SetDefault("store.postgres.password", "")
	v.SetDefault("store.postgres.database", "")
	v.SetDefault("store.postgres.ssl_mode", "disable")
	v.SetDefault("runtime.type", RuntimeKubernetes)
	v.SetDefault("runtime.kubernetes.namespace", "default")
	v.SetDefault("runtime.kubernetes.kubeconfig", "")
	v.SetDefault("runtime.podman.socket", DefaultPodmanSocket)
	v.SetDefault("settings.source", SettingsSourceFile)
	v.SetDefault("settings.file.path", DefaultSettingsFile)
	v.SetDefault("settings.configmap.name", DefaultConfigMapName)
	v.SetDefault("settings.s3.bucket", "")
	v.SetDefault("settings.s3.key", "")
	v.SetDefault("settings.s3.region", "")
	v.SetDefault("settings.s3.endpoint_url", "")
	v.SetDefault("settings.s3.access_key_id", "")
	v.SetDefault("settings.s3.secret_access_key", "")
	v.SetDefault("settings.s3.force_path_style", false)
	v.SetDefault("worker.encryption_keys_path", "")
	v.SetDefault("worker.encryption_keys_secret", "")
	v.SetDefault("worker.passthrough_env", []string{})
	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.cors_origins", []string{})

	return v
}

// applyDefaults fills values that cannot be expressed as viper defaults.
func (c *Config) applyDefaults() {
	if c.Controller.ID == "" {
		if host, err := os.Hostname(); err == nil {
			c.Controller.ID = host
		}
	}

	// Viper lower-cases map keys; environment variable names are
	// conventionally upper case.
	env := make(map[string]string, len(c.Worker.Env))
	for k, v := range c.Worker.Env {
		env[strings.ToUpper(k)] = v
	}

	c.Worker.Env = env
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Controller.ID == "" {
		return fmt.Errorf("controller.id is required")
	}

	if strings.ContainsAny(c.Controller.ID, " \t\n") {
		return fmt.Errorf("controller.id %q must not contain whitespace", c.Controller.ID)
	}

	switch c.LogFormat {
	case LogFormatText, LogFormatJSON:
	default:
		return fmt.Errorf("log_format must be %q or %q, got %q", LogFormatText, LogFormatJSON, c.LogFormat)
	}

	for name, d := range map[string]time.Duration{
		"controller.heartbeat_interval":    c.Controller.HeartbeatInterval,
		"controller.settings_interval":     c.Controller.SettingsInterval,
		"controller.reconcile_interval":    c.Controller.ReconcileInterval,
		"controller.lease_reaper_interval": c.Controller.LeaseReaperInterval,
		"controller.shutdown_timeout":      c.Controller.ShutdownTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}

	switch c.Store.Driver {
	case StoreDriverSQLite:
		if c.Store.SQLite.Path == "" {
			return fmt.Errorf("store.sqlite.path is required for the sqlite driver")
		}
	case StoreDriverPostgres:
		if c.Store.Postgres.Host == "" || c.Store.Postgres.Database == "" {
			return fmt.Errorf("store.postgres.host and store.postgres.database are required for the postgres driver")
		}
	case StoreDriverMemory:
	default:
		return fmt.Errorf("unsupported store driver %q", c.Store.Driver)
	}

	switch c.Runtime.Type {
	case RuntimeKubernetes:
		if c.Runtime.Kubernetes.Namespace == "" {
			return fmt.Errorf("runtime.kubernetes.namespace is required")
		}
	case RuntimePodman:
		if c.Runtime.Podman.Socket == "" {
			return fmt.Errorf("runtime.podman.socket is required")
		}
	case RuntimeDocker, RuntimeMemory:
	default:
		return fmt.Errorf("unsupported runtime type %q", c.Runtime.Type)
	}

	switch c.Settings.Source {
	case SettingsSourceFile:
		if c.Settings.File.Path == "" {
			return fmt.Errorf("settings.file.path is required for the file source")
		}
	case SettingsSourceConfigMap:
		if c.Runtime.Type != RuntimeKubernetes {
			return fmt.Errorf("settings source %q requires the kubernetes runtime", c.Settings.Source)
		}

		if c.Settings.ConfigMap.Name == "" {
			return fmt.Errorf("settings.configmap.name is required for the configmap source")
		}
	case SettingsSourceS3:
		if c.Settings.S3.Bucket == "" || c.Settings.S3.Key == "" {
			return fmt.Errorf("settings.s3.bucket and settings.s3.key are required for the s3 source")
		}
	default:
		return fmt.Errorf("unsupported settings source %q", c.Settings.Source)
	}

	if c.Worker.EncryptionKeysSecret != "" && c.Worker.EncryptionKeysPath == "" {
		return fmt.Errorf("worker.encryption_keys_path is required when worker.encryption_keys_secret is set")
	}

	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}

	return nil
}

// Redacted returns a copy of the config with credentials masked, for
// printing.
func (c *Config) Redacted() *Config {
	out := *c

	if out.Store.Postgres.Password != "" {
		out.Store.Postgres.Password = redacted
	}

	if out.Settings.S3.SecretAccessKey != "" {
		out.Settings.S3.SecretAccessKey = redacted
	}

	if len(c.Worker.Env) > 0 {
		out.Worker.Env = make(map[string]string, len(c.Worker.Env))
		for k := range c.Worker.Env {
			out.Worker.Env[k] = redacted
		}
	}

	return &out
}
