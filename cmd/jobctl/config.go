package main

import (
	"fmt"
	"os"
	"time"

	jobs "github.com/UniQw/uniqw-jobs"
	"gopkg.in/yaml.v3"
)

// Config is the jobctl configuration file.
type Config struct {
	Redis           RedisConfig                 `yaml:"redis"`
	Queues          map[string]jobs.QueueConfig `yaml:"queues"`
	PublishEvents   bool                        `yaml:"publish_events"`
	ShutdownTimeout time.Duration               `yaml:"shutdown_timeout"`
	LogMode         string                      `yaml:"log_mode"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

func defaultConfig() *Config {
	return &Config{
		Redis:           RedisConfig{Addr: "127.0.0.1:6379"},
		Queues:          map[string]jobs.QueueConfig{"media": {Workers: 2}},
		PublishEvents:   true,
		ShutdownTimeout: jobs.DefaultShutdownTimeout,
		LogMode:         "dev",
	}
}

// loadConfig reads path (if non-empty) over the defaults and applies the
// REDIS_ADDR / REDIS_PASSWORD environment overrides.
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.Redis.Addr = getenv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getenv("REDIS_PASSWORD", cfg.Redis.Password)
	if len(cfg.Queues) == 0 {
		return nil, fmt.Errorf("config: at least one queue is required")
	}
	for name, qc := range cfg.Queues {
		if qc.Workers < 0 {
			return nil, fmt.Errorf("config: queue %s: workers must not be negative", name)
		}
	}
	return cfg, nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
