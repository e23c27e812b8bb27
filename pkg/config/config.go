// Package config loads the master's startup configuration. The schema is
// deliberately thin: spec.md §1 treats configuration/CLI surface as an
// external collaborator's concern, so this package exists only so
// cmd/antcode has something to construct pkg/master from: a YAML file
// overlaid with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is everything cmd/antcode needs to start a master process.
type Config struct {
	DataDir string `yaml:"data_dir"`

	HTTPAddr   string `yaml:"http_addr"`
	HealthAddr string `yaml:"health_addr"`
	MasterURL  string `yaml:"master_url"`

	Redis RedisConfig `yaml:"redis"`

	Scheduler SchedulerConfig `yaml:"scheduler"`

	EncryptionKeyFile string `yaml:"encryption_key_file"`
}

// RedisConfig selects the queue/cache backend. Addr empty means "use the
// in-process memory backend", appropriate for a single-master deployment
// (spec.md §1's Non-goal on scheduler sharding).
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SchedulerConfig tunes the trigger wheel's concurrency guard.
type SchedulerConfig struct {
	MaxConcurrentExecutions int `yaml:"max_concurrent_executions"`
}

// Default returns a Config usable for local development: in-process
// backends, no Redis, a modest concurrency cap.
func Default() *Config {
	return &Config{
		DataDir:    "./data",
		HTTPAddr:   ":8080",
		HealthAddr: ":8081",
		MasterURL:  "http://localhost:8080",
		Scheduler: SchedulerConfig{
			MaxConcurrentExecutions: 10,
		},
	}
}

// Load reads a YAML config file, if path is non-empty, over Default, then
// applies environment variable overrides (ANTCODE_ prefix) so deployment
// environments can override file config without editing it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data_dir must not be empty")
	}
	if cfg.Scheduler.MaxConcurrentExecutions <= 0 {
		return nil, fmt.Errorf("scheduler.max_concurrent_executions must be positive")
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ANTCODE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("ANTCODE_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("ANTCODE_HEALTH_ADDR"); v != "" {
		cfg.HealthAddr = v
	}
	if v := os.Getenv("ANTCODE_MASTER_URL"); v != "" {
		cfg.MasterURL = v
	}
	if v := os.Getenv("ANTCODE_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("ANTCODE_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("ANTCODE_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = n
		}
	}
	if v := os.Getenv("ANTCODE_MAX_CONCURRENT_EXECUTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Scheduler.MaxConcurrentExecutions = n
		}
	}
	if v := os.Getenv("ANTCODE_ENCRYPTION_KEY_FILE"); v != "" {
		cfg.EncryptionKeyFile = v
	}
}

// shutdownGracePeriod bounds how long the master waits for in-flight HTTP
// requests to drain during a graceful shutdown.
const shutdownGracePeriod = 15 * time.Second

// ShutdownGracePeriod is exported for pkg/master's signal-driven shutdown.
func ShutdownGracePeriod() time.Duration { return shutdownGracePeriod }
