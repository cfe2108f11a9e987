package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// CoordinatorConfig contains all configuration for the coordinator service.
type CoordinatorConfig struct {
	REST        RESTConfig        `mapstructure:"rest"`
	GRPC        GRPCConfig        `mapstructure:"grpc"`
	Health      HealthConfig      `mapstructure:"health"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Recovery    RecoveryConfig    `mapstructure:"recovery"`
	Speculative SpeculativeConfig `mapstructure:"speculative"`
	Jobs        JobsConfig        `mapstructure:"jobs"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// RESTConfig contains REST API server configuration.
type RESTConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// GRPCConfig contains gRPC server configuration.
type GRPCConfig struct {
	Addr              string        `mapstructure:"addr"`
	EnableReflection  bool          `mapstructure:"enable_reflection"`
	KeepaliveMinTime  time.Duration `mapstructure:"keepalive_min_time"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// HealthConfig contains worker liveness configuration.
type HealthConfig struct {
	CheckInterval    time.Duration `mapstructure:"check_interval"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
}

type SchedulerConfig struct {
	ReduceSlowstart float64 `mapstructure:"reduce_slowstart"`
}

type RecoveryConfig struct {
	MaxTaskAttempts    int `mapstructure:"max_task_attempts"`
	MaxFailedTasks     int `mapstructure:"max_failed_tasks"`
	WorkerFailureLimit int `mapstructure:"worker_failure_limit"`
}

type SpeculativeConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MinAge       time.Duration `mapstructure:"min_age"`
	SlowFraction float64       `mapstructure:"slow_fraction"`
}

type JobsConfig struct {
	Retention time.Duration `mapstructure:"retention"`
}

// StorageConfig points at the optional YAML rack topology.
type StorageConfig struct {
	TopologyFile string `mapstructure:"topology_file"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LoadCoordinator loads the coordinator configuration from the given path.
// If configPath is empty, it looks for coordinator.yaml in the config/ directory.
// Environment variables with JOBTRACKER_COORDINATOR_ prefix override config file values.
func LoadCoordinator(configPath string) (*CoordinatorConfig, error) {
	v := viper.New()

	v.SetDefault("rest.addr", ":8080")
	v.SetDefault("rest.read_timeout", 15*time.Second)
	v.SetDefault("rest.write_timeout", 15*time.Second)
	v.SetDefault("rest.idle_timeout", 60*time.Second)
	v.SetDefault("grpc.addr", ":9090")
	v.SetDefault("grpc.enable_reflection", true)
	v.SetDefault("grpc.keepalive_min_time", 30*time.Second)
	v.SetDefault("grpc.heartbeat_interval", 3*time.Second)
	v.SetDefault("health.check_interval", 1*time.Second)
	v.SetDefault("health.heartbeat_timeout", 30*time.Second)
	v.SetDefault("scheduler.reduce_slowstart", 0.05)
	v.SetDefault("recovery.max_task_attempts", 3)
	v.SetDefault("recovery.max_failed_tasks", 0)
	v.SetDefault("recovery.worker_failure_limit", 4)
	v.SetDefault("speculative.enabled", true)
	v.SetDefault("speculative.min_age", 60*time.Second)
	v.SetDefault("speculative.slow_fraction", 0.5)
	v.SetDefault("jobs.retention", 24*time.Hour)
	v.SetDefault("storage.topology_file", "")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	var cfg CoordinatorConfig
	if err := load(v, configPath, "coordinator", "JOBTRACKER_COORDINATOR", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *CoordinatorConfig) Validate() error {
	switch {
	case c.GRPC.HeartbeatInterval <= 0:
		return fmt.Errorf("grpc.heartbeat_interval must be positive")
	case c.Health.CheckInterval <= 0:
		return fmt.Errorf("health.check_interval must be positive")
	case c.Health.HeartbeatTimeout <= c.GRPC.HeartbeatInterval:
		return fmt.Errorf("health.heartbeat_timeout must exceed grpc.heartbeat_interval")
	case c.Scheduler.ReduceSlowstart < 0 || c.Scheduler.ReduceSlowstart > 1:
		return fmt.Errorf("scheduler.reduce_slowstart must be within [0, 1]")
	case c.Recovery.MaxTaskAttempts < 1:
		return fmt.Errorf("recovery.max_task_attempts must be at least 1")
	case c.Recovery.MaxFailedTasks < 0:
		return fmt.Errorf("recovery.max_failed_tasks must not be negative")
	case c.Recovery.WorkerFailureLimit < 1:
		return fmt.Errorf("recovery.worker_failure_limit must be at least 1")
	case c.Speculative.SlowFraction <= 0 || c.Speculative.SlowFraction >= 1:
		return fmt.Errorf("speculative.slow_fraction must be within (0, 1)")
	}
	return nil
}
