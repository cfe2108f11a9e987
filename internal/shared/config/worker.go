package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// WorkerConfig contains all configuration for the worker service.
type WorkerConfig struct {
	Server      ServerConfig          `mapstructure:"server"`
	Coordinator CoordinatorConnConfig `mapstructure:"coordinator"`
	Slots       SlotsConfig           `mapstructure:"slots"`
	Executor    ExecutorConfig        `mapstructure:"executor"`
	Logging     LoggingConfig         `mapstructure:"logging"`
}

// ServerConfig is the identity the worker reports in its heartbeats.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// CoordinatorConnConfig contains coordinator connection configuration.
type CoordinatorConnConfig struct {
	Addr              string           `mapstructure:"addr"`
	HeartbeatInterval time.Duration    `mapstructure:"heartbeat_interval"`
	RequestTimeout    time.Duration    `mapstructure:"request_timeout"`
	GRPC              WorkerGRPCConfig `mapstructure:"grpc"`
}

// WorkerGRPCConfig contains worker gRPC client configuration.
type WorkerGRPCConfig struct {
	KeepaliveTime    time.Duration `mapstructure:"keepalive_time"`
	KeepaliveTimeout time.Duration `mapstructure:"keepalive_timeout"`
}

type SlotsConfig struct {
	Map    int `mapstructure:"map"`
	Reduce int `mapstructure:"reduce"`
}

// ExecutorConfig selects how assignments are run: "shell", "builtin" or
// "noop". The builtin executor keeps map outputs under WorkDir, which must be
// shared by all workers.
type ExecutorConfig struct {
	Type    string        `mapstructure:"type"`
	WorkDir string        `mapstructure:"work_dir"`
	Delay   time.Duration `mapstructure:"delay"`
}

// LoadWorker loads the worker configuration from the given path.
// If configPath is empty, it looks for worker.yaml in the config/ directory.
// Environment variables with JOBTRACKER_WORKER_ prefix override config file values.
func LoadWorker(configPath string) (*WorkerConfig, error) {
	v := viper.New()

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 50060)
	v.SetDefault("coordinator.addr", "localhost:9090")
	v.SetDefault("coordinator.heartbeat_interval", 3*time.Second)
	v.SetDefault("coordinator.request_timeout", 5*time.Second)
	v.SetDefault("coordinator.grpc.keepalive_time", 30*time.Second)
	v.SetDefault("coordinator.grpc.keepalive_timeout", 5*time.Second)
	v.SetDefault("slots.map", 2)
	v.SetDefault("slots.reduce", 1)
	v.SetDefault("executor.type", "shell")
	v.SetDefault("executor.work_dir", "")
	v.SetDefault("executor.delay", 0)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	var cfg WorkerConfig
	if err := load(v, configPath, "worker", "JOBTRACKER_WORKER", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *WorkerConfig) Validate() error {
	switch {
	case c.Server.Host == "":
		return fmt.Errorf("server.host must be set")
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	case c.Slots.Map < 0 || c.Slots.Reduce < 0:
		return fmt.Errorf("slot counts must not be negative")
	case c.Coordinator.HeartbeatInterval <= 0:
		return fmt.Errorf("coordinator.heartbeat_interval must be positive")
	}
	switch c.Executor.Type {
	case "shell", "noop":
	case "builtin":
		if c.Executor.WorkDir == "" {
			return fmt.Errorf("executor.work_dir must be set for the builtin executor")
		}
	default:
		return fmt.Errorf("unsupported executor type: %s", c.Executor.Type)
	}
	return nil
}
