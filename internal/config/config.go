// Package config loads and validates the reconforge YAML configuration.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete reconforge configuration.
type Config struct {
	Service    ServiceConfig         `yaml:"service"`
	Storage    StorageConfig         `yaml:"storage"`
	Workspaces WorkspacesConfig      `yaml:"workspaces"`
	API        APIConfig             `yaml:"api,omitempty"`
	Modules    map[string]ModuleConf `yaml:"modules,omitempty"`
}

// ServiceConfig defines core orchestrator settings.
type ServiceConfig struct {
	Name         string        `yaml:"name"`
	LogLevel     string        `yaml:"log_level"`
	LogFormat    string        `yaml:"log_format"`
	TickInterval time.Duration `yaml:"tick_interval"`
	Workers      int           `yaml:"workers"`
	JobTimeout   time.Duration `yaml:"job_timeout"`
	Retention    time.Duration `yaml:"retention"`
	Retry        RetryConfig   `yaml:"retry"`
}

// RetryConfig defines at-least-once redelivery behavior for failed jobs.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BackoffBase time.Duration `yaml:"backoff_base"`
}

// StorageConfig defines where the SQLite database lives.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// WorkspacesConfig defines the root of per-workspace output directories.
type WorkspacesConfig struct {
	Dir string `yaml:"dir"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	APIKey  string `yaml:"api_key,omitempty"`
}

// ModuleConf carries per-module settings passed through to Run options.
type ModuleConf struct {
	Timeout  time.Duration  `yaml:"timeout,omitempty"`
	CacheTTL time.Duration  `yaml:"cache_ttl,omitempty"`
	Options  map[string]any `yaml:"options,omitempty"`
}

// Defaults returns a Config with workable defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:         "reconforge",
			LogLevel:     "INFO",
			LogFormat:    "json",
			TickInterval: time.Second,
			Workers:      4,
			JobTimeout:   time.Hour,
			Retention:    24 * time.Hour,
			Retry: RetryConfig{
				MaxAttempts: 3,
				BackoffBase: 30 * time.Second,
			},
		},
		Storage:    StorageConfig{Path: "./reconforge.db"},
		Workspaces: WorkspacesConfig{Dir: "./workspaces"},
		API: APIConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8420",
		},
		Modules: map[string]ModuleConf{},
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, env-expands, and validates configuration from a file.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", configPath, err)
	}

	expanded := envVarPattern.ReplaceAllStringFunc(string(data), func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})

	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if cfg.Workspaces.Dir == "" {
		return fmt.Errorf("workspaces.dir is required")
	}
	if cfg.Service.TickInterval <= 0 {
		return fmt.Errorf("service.tick_interval must be positive")
	}
	if cfg.Service.Workers <= 0 {
		return fmt.Errorf("service.workers must be positive")
	}
	if cfg.Service.JobTimeout <= 0 {
		return fmt.Errorf("service.job_timeout must be positive")
	}
	if cfg.Service.Retention <= 0 {
		return fmt.Errorf("service.retention must be positive")
	}
	if cfg.Service.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("service.retry.max_attempts must be positive")
	}
	if cfg.API.Enabled && cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is required when the API is enabled")
	}
	return nil
}
