// Package config loads the controller's runtime configuration from a YAML
// file, environment variables, or both, with viper doing the merging.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete configuration for a controller process: the
// platform version it compiles against, the two reconciliation loops'
// timing, which descriptor store and pipeline executor backend to use,
// and the ambient server/log/metrics surface.
type Config struct {
	// PlatformVersion is stamped onto every pipeline this controller
	// compiles. Deployments compiled under an older platform version are
	// recompiled before being started, never migrated in place.
	PlatformVersion string `mapstructure:"platform_version"`

	// ControlSurfaceSigningKey, when non-empty, makes the Pipeline HTTP
	// Client sign every request with a short-lived bearer token instead of
	// relying on network placement alone. Kubernetes and Docker executors
	// publish an addressable control surface and should set this; the
	// process executor binds to localhost only and does not need it.
	ControlSurfaceSigningKey string `mapstructure:"control_surface_signing_key"`

	Compiler  CompilerConfig  `mapstructure:"compiler"`
	Automaton AutomatonConfig `mapstructure:"automaton"`
	Store     StoreConfig     `mapstructure:"store"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// CompilerConfig holds settings for a SQL-to-program compilation pipeline.
// It is loaded with the rest of the configuration; this repository has no
// compilation pipeline and no code reads these fields.
type CompilerConfig struct {
	// PollInterval is how often the compilation pipeline scans for
	// pipelines stuck in ProgramStatusPending.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// SQLTimeout and RustTimeout bound how long a single compilation
	// stage may run before it's treated as a system error.
	SQLTimeout  time.Duration `mapstructure:"sql_timeout"`
	RustTimeout time.Duration `mapstructure:"rust_timeout"`
	// MaxConcurrent bounds how many pipelines compile at once.
	MaxConcurrent int `mapstructure:"max_concurrent"`
}

// AutomatonConfig controls the per-pipeline deployment automaton.
type AutomatonConfig struct {
	// PollInterval must be positive (Validate checks it), but the automaton
	// does not read it: its wait between cycles is fixed per status.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// CheckInterval must be positive (Validate checks it), but the
	// automaton does not read it: a Paused, Running or Unavailable
	// automaton waits a fixed 2.5s between /stats probes.
	CheckInterval time.Duration `mapstructure:"check_interval"`
	// RequestTimeout bounds every pipeline HTTP client call (start/pause/
	// stats). The client has no retries: a timed-out call reports the
	// pipeline as unavailable, not fatal.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// ShutdownGracePeriod is loaded from configuration but no code reads
	// it; executor shutdown does not wait for a grace period.
	ShutdownGracePeriod time.Duration `mapstructure:"shutdown_grace_period"`
	// ShutdownPollPeriod is the next-cycle wait after a Shutdown or
	// ShuttingDown status.
	ShutdownPollPeriod time.Duration `mapstructure:"shutdown_poll_period"`
	// ProvisioningPollPeriod is the next-cycle wait after a Provisioning
	// status.
	ProvisioningPollPeriod time.Duration `mapstructure:"provisioning_poll_period"`
	// ProvisioningTimeout bounds how long a pipeline may sit in
	// Provisioning waiting for executor.is_provisioned() before the
	// automaton gives up and transitions to Failed.
	ProvisioningTimeout time.Duration `mapstructure:"provisioning_timeout"`
}

// StoreConfig selects and configures the descriptor store backend.
type StoreConfig struct {
	// Backend is "postgres" or "memory". memory is for tests and local
	// development only; it does not survive a restart.
	Backend  string         `mapstructure:"backend"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig mirrors store/postgres.Config's fields so they can be
// populated from the same viper tree as the rest of the process config.
type PostgresConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	Database          string        `mapstructure:"database"`
	User              string        `mapstructure:"user"`
	Password          string        `mapstructure:"password"`
	SSLMode           string        `mapstructure:"ssl_mode"`
	MaxConns          int32         `mapstructure:"max_conns"`
	MinConns          int32         `mapstructure:"min_conns"`
	MaxConnLifetime   time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime   time.Duration `mapstructure:"max_conn_idle_time"`
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
}

// ExecutorConfig selects and configures the pipeline executor backend.
type ExecutorConfig struct {
	// Backend is "process", "docker", or "kubernetes".
	Backend    string           `mapstructure:"backend"`
	Process    ProcessConfig    `mapstructure:"process"`
	Docker     DockerConfig     `mapstructure:"docker"`
	Kubernetes KubernetesConfig `mapstructure:"kubernetes"`
}

// ProcessConfig configures the local-process executor.
type ProcessConfig struct {
	BinaryDir string `mapstructure:"binary_dir"`
	WorkDir   string `mapstructure:"work_dir"`
	// PortRangeStart/PortRangeEnd bound the ports handed out to spawned
	// pipeline instances for their HTTP control surface.
	PortRangeStart int `mapstructure:"port_range_start"`
	PortRangeEnd   int `mapstructure:"port_range_end"`
}

// DockerConfig configures the Docker-container executor.
type DockerConfig struct {
	Host       string `mapstructure:"host"`
	Image      string `mapstructure:"image"`
	Network    string `mapstructure:"network"`
	AutoRemove bool   `mapstructure:"auto_remove"`
}

// KubernetesConfig configures the Kubernetes Pod/Service executor.
type KubernetesConfig struct {
	Namespace      string `mapstructure:"namespace"`
	Image          string `mapstructure:"image"`
	Kubeconfig     string `mapstructure:"kubeconfig"`
	ServiceAccount string `mapstructure:"service_account"`
}

// ServerConfig holds the admin/metrics HTTP listener configuration.
type ServerConfig struct {
	Port                    int           `mapstructure:"port"`
	Host                    string        `mapstructure:"host"`
	ReadTimeout             time.Duration `mapstructure:"read_timeout"`
	WriteTimeout            time.Duration `mapstructure:"write_timeout"`
	IdleTimeout             time.Duration `mapstructure:"idle_timeout"`
	GracefulShutdownTimeout time.Duration `mapstructure:"graceful_shutdown_timeout"`
}

// LogConfig holds logging-related configuration.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// MetricsConfig holds metrics-related configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoadConfig loads configuration from an optional file and environment
// variables. An empty configPath skips the file and relies on defaults
// plus env vars alone.
func LoadConfig(configPath string) (*Config, error) {
	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.SetEnvPrefix("pipeline_controller")

	if configPath != "" {
		viper.SetConfigFile(configPath)
		viper.SetConfigType("yaml")

		if err := viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("platform_version", "v1")

	viper.SetDefault("compiler.poll_interval", "2s")
	viper.SetDefault("compiler.sql_timeout", "30s")
	viper.SetDefault("compiler.rust_timeout", "5m")
	viper.SetDefault("compiler.max_concurrent", 4)

	viper.SetDefault("automaton.poll_interval", "10s")
	viper.SetDefault("automaton.check_interval", "5s")
	viper.SetDefault("automaton.request_timeout", "5s")
	viper.SetDefault("automaton.shutdown_grace_period", "30s")
	viper.SetDefault("automaton.shutdown_poll_period", "5s")
	viper.SetDefault("automaton.provisioning_poll_period", "2s")
	viper.SetDefault("automaton.provisioning_timeout", "5m")

	viper.SetDefault("store.backend", "postgres")
	viper.SetDefault("store.postgres.host", "localhost")
	viper.SetDefault("store.postgres.port", 5432)
	viper.SetDefault("store.postgres.database", "pipeline_controller")
	viper.SetDefault("store.postgres.user", "postgres")
	viper.SetDefault("store.postgres.ssl_mode", "disable")
	viper.SetDefault("store.postgres.max_conns", 25)
	viper.SetDefault("store.postgres.min_conns", 5)
	viper.SetDefault("store.postgres.max_conn_lifetime", "1h")
	viper.SetDefault("store.postgres.max_conn_idle_time", "30m")
	viper.SetDefault("store.postgres.health_check_period", "30s")
	viper.SetDefault("store.postgres.connect_timeout", "10s")

	viper.SetDefault("executor.backend", "process")
	viper.SetDefault("executor.process.binary_dir", "/var/lib/pipeline-controller/bin")
	viper.SetDefault("executor.process.work_dir", "/var/lib/pipeline-controller/run")
	viper.SetDefault("executor.process.port_range_start", 20000)
	viper.SetDefault("executor.process.port_range_end", 30000)
	viper.SetDefault("executor.docker.host", "unix:///var/run/docker.sock")
	viper.SetDefault("executor.docker.network", "bridge")
	viper.SetDefault("executor.docker.auto_remove", true)
	viper.SetDefault("executor.kubernetes.namespace", "pipelines")

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.graceful_shutdown_timeout", "30s")

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")
	viper.SetDefault("log.output", "stdout")
	viper.SetDefault("log.max_size", 100)
	viper.SetDefault("log.max_backups", 3)
	viper.SetDefault("log.max_age", 28)
	viper.SetDefault("log.compress", true)

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.PlatformVersion == "" {
		return fmt.Errorf("platform_version cannot be empty")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Store.Backend {
	case "postgres":
		if c.Store.Postgres.Host == "" {
			return fmt.Errorf("store.postgres.host cannot be empty")
		}
		if c.Store.Postgres.Database == "" {
			return fmt.Errorf("store.postgres.database cannot be empty")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid store backend: %s (must be 'postgres' or 'memory')", c.Store.Backend)
	}

	switch c.Executor.Backend {
	case "process", "docker", "kubernetes":
	default:
		return fmt.Errorf("invalid executor backend: %s (must be 'process', 'docker' or 'kubernetes')", c.Executor.Backend)
	}

	if c.Automaton.PollInterval <= 0 {
		return fmt.Errorf("automaton.poll_interval must be positive")
	}
	if c.Automaton.CheckInterval <= 0 {
		return fmt.Errorf("automaton.check_interval must be positive")
	}
	if c.Automaton.RequestTimeout <= 0 {
		return fmt.Errorf("automaton.request_timeout must be positive")
	}
	if c.Automaton.ShutdownPollPeriod <= 0 {
		return fmt.Errorf("automaton.shutdown_poll_period must be positive")
	}
	if c.Automaton.ProvisioningPollPeriod <= 0 {
		return fmt.Errorf("automaton.provisioning_poll_period must be positive")
	}
	if c.Automaton.ProvisioningTimeout <= 0 {
		return fmt.Errorf("automaton.provisioning_timeout must be positive")
	}

	if c.Log.Level == "" {
		return fmt.Errorf("log level cannot be empty")
	}

	return nil
}

// UsesPostgres reports whether the configured store backend is Postgres.
func (c *Config) UsesPostgres() bool {
	return c.Store.Backend == "postgres"
}
