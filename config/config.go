package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/isdmx/sandboxd/provider"
)

// Config represents the application configuration
type Config struct {
	Server       ServerConfig                 `mapstructure:"server"`
	Providers    ProvidersConfig              `mapstructure:"providers"`
	Retry        RetryConfig                  `mapstructure:"retry"`
	Limits       LimitsConfig                 `mapstructure:"limits"`
	Environments map[string]EnvironmentConfig `mapstructure:"environments"`
	Storage      StorageConfig                `mapstructure:"storage"`
	Logging      LoggingConfig                `mapstructure:"logging"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
}

// ProvidersConfig holds per-backend provider configuration
type ProvidersConfig struct {
	Default string               `mapstructure:"default"`
	Docker  DockerProviderConfig `mapstructure:"docker"`
	Cloud   CloudProviderConfig  `mapstructure:"cloud"`
}

// DockerProviderConfig configures the local container backend
type DockerProviderConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Binary  string `mapstructure:"binary"`
	Network string `mapstructure:"network"`
	WorkDir string `mapstructure:"workdir"`
}

// CloudProviderConfig configures the managed cloud backend
type CloudProviderConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	APIURL   string `mapstructure:"api_url"`
	APIKey   string `mapstructure:"api_key"`
	Domain   string `mapstructure:"domain"`
	Template string `mapstructure:"template"`
}

// RetryConfig holds the retry policies for provider calls
type RetryConfig struct {
	CreateAttempts  uint          `mapstructure:"create_attempts"`
	DestroyAttempts uint          `mapstructure:"destroy_attempts"`
	BaseDelay       time.Duration `mapstructure:"base_delay"`
	MaxDelay        time.Duration `mapstructure:"max_delay"`
}

// LimitsConfig holds global invocation limits
type LimitsConfig struct {
	MaxToolTimeoutSec int `mapstructure:"max_tool_timeout_sec"`
	MaxWriteBytes     int `mapstructure:"max_write_bytes"`
}

// EnvironmentConfig describes one named sandbox environment
type EnvironmentConfig struct {
	Image      string `mapstructure:"image"`
	Template   string `mapstructure:"template"`
	Runtime    string `mapstructure:"runtime"`
	CPUs       int    `mapstructure:"cpus"`
	MemoryMB   int    `mapstructure:"memory_mb"`
	TimeoutSec int    `mapstructure:"timeout_sec"`
}

// StorageConfig configures the session archive
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig configures the logger
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// New loads and validates the application configuration
func New() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetEnvPrefix("SANDBOXD")
	viper.AutomaticEnv()

	// Set default values
	viper.SetDefault("server.transport", "stdio")
	viper.SetDefault("server.http_port", 8080)

	viper.SetDefault("providers.default", "local")
	viper.SetDefault("providers.docker.enabled", true)
	viper.SetDefault("providers.docker.binary", "docker")
	viper.SetDefault("providers.docker.network", "")
	viper.SetDefault("providers.docker.workdir", "/workdir")
	viper.SetDefault("providers.cloud.enabled", false)
	viper.SetDefault("providers.cloud.api_url", "https://api.e2b.dev")
	viper.SetDefault("providers.cloud.domain", "e2b.dev")
	viper.SetDefault("providers.cloud.template", "base")

	viper.SetDefault("retry.create_attempts", 3)
	viper.SetDefault("retry.destroy_attempts", 5)
	viper.SetDefault("retry.base_delay", "500ms")
	viper.SetDefault("retry.max_delay", "30s")

	viper.SetDefault("limits.max_tool_timeout_sec", 300)
	viper.SetDefault("limits.max_write_bytes", 10*1024*1024)

	// Default environment available out of the box
	viper.SetDefault("environments.py-basic.image", "python:3.11-slim")
	viper.SetDefault("environments.py-basic.template", "base")
	viper.SetDefault("environments.py-basic.runtime", "python")
	viper.SetDefault("environments.py-basic.cpus", 1)
	viper.SetDefault("environments.py-basic.memory_mb", 512)
	viper.SetDefault("environments.py-basic.timeout_sec", 300)

	viper.SetDefault("storage.path", "")

	viper.SetDefault("logging.mode", "production")
	viper.SetDefault("logging.level", "info")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Validate configuration
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if !provider.Kind(c.Providers.Default).Valid() {
		return fmt.Errorf("invalid providers.default: %s, must be 'local' or 'cloud'", c.Providers.Default)
	}

	if c.Providers.Default == "cloud" && !c.Providers.Cloud.Enabled {
		return fmt.Errorf("providers.default is 'cloud' but providers.cloud.enabled is false")
	}
	if c.Providers.Default == "local" && !c.Providers.Docker.Enabled {
		return fmt.Errorf("providers.default is 'local' but providers.docker.enabled is false")
	}

	if c.Providers.Cloud.Enabled && c.Providers.Cloud.APIKey == "" {
		return fmt.Errorf("providers.cloud.api_key is required when the cloud provider is enabled")
	}

	if c.Retry.CreateAttempts == 0 {
		return fmt.Errorf("retry.create_attempts must be positive")
	}
	if c.Retry.DestroyAttempts == 0 {
		return fmt.Errorf("retry.destroy_attempts must be positive")
	}
	if c.Retry.BaseDelay <= 0 {
		return fmt.Errorf("retry.base_delay must be positive, got: %s", c.Retry.BaseDelay)
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry.max_delay must be >= retry.base_delay")
	}

	if c.Limits.MaxToolTimeoutSec <= 0 {
		return fmt.Errorf("limits.max_tool_timeout_sec must be positive, got: %d", c.Limits.MaxToolTimeoutSec)
	}
	if c.Limits.MaxWriteBytes <= 0 {
		return fmt.Errorf("limits.max_write_bytes must be positive, got: %d", c.Limits.MaxWriteBytes)
	}

	if len(c.Environments) == 0 {
		return fmt.Errorf("at least one environment must be configured")
	}
	for name, env := range c.Environments {
		if env.Image == "" && env.Template == "" {
			return fmt.Errorf("environment %q must set image or template", name)
		}
		if env.Runtime == "" {
			return fmt.Errorf("environment %q must set runtime", name)
		}
		if env.MemoryMB < 0 || env.CPUs < 0 || env.TimeoutSec < 0 {
			return fmt.Errorf("environment %q has negative limits", name)
		}
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	return nil
}

// Environment resolves a named environment into a provider descriptor.
// An empty name resolves to "py-basic".
func (c *Config) Environment(name string) (provider.Environment, error) {
	if name == "" {
		name = "py-basic"
	}
	env, ok := c.Environments[name]
	if !ok {
		return provider.Environment{}, fmt.Errorf("unknown environment: %s", name)
	}
	return provider.Environment{
		Name:     name,
		Image:    env.Image,
		Template: env.Template,
		Runtime:  env.Runtime,
		Limits: provider.Limits{
			CPUs:       env.CPUs,
			MemoryMB:   env.MemoryMB,
			TimeoutSec: env.TimeoutSec,
		},
	}, nil
}

// DefaultKind returns the configured default provider kind
func (c *Config) DefaultKind() provider.Kind {
	return provider.Kind(c.Providers.Default)
}

// MaxToolTimeout returns the invocation timeout ceiling as a duration
func (c *Config) MaxToolTimeout() time.Duration {
	return time.Duration(c.Limits.MaxToolTimeoutSec) * time.Second
}
