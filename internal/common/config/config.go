// Package config provides configuration management for the sandboxagent gateway.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the gateway.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Agent   AgentConfig   `mapstructure:"agent"`
	Auth    AuthConfig    `mapstructure:"auth"`
	CORS    CORSConfig    `mapstructure:"cors"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Tracing TracingConfig `mapstructure:"tracing"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// AgentConfig holds agent subprocess configuration.
type AgentConfig struct {
	// RequestTimeoutMs bounds each JSON-RPC call forwarded to an agent subprocess.
	RequestTimeoutMs int `mapstructure:"requestTimeoutMs"`

	// RequirePreinstall refuses lazy agent installation on first use.
	RequirePreinstall bool `mapstructure:"requirePreinstall"`

	// RegistryOverlay is an optional agents.yaml path overriding launch hints.
	RegistryOverlay string `mapstructure:"registryOverlay"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	// Token, when non-empty, requires Authorization: Bearer <token> on every
	// endpoint except /health.
	Token string `mapstructure:"token"`
}

// CORSConfig holds surface-only CORS policy knobs.
type CORSConfig struct {
	AllowOrigins []string `mapstructure:"allowOrigins"`
	AllowHeaders []string `mapstructure:"allowHeaders"`
}

// NATSConfig holds event bus configuration. An empty URL selects the
// in-memory bus.
type NATSConfig struct {
	URL string `mapstructure:"url"`
}

// TracingConfig holds OpenTelemetry export configuration. An empty endpoint
// disables tracing.
type TracingConfig struct {
	OTLPEndpoint string `mapstructure:"otlpEndpoint"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
	Dir        string `mapstructure:"dir"` // when set, server logs rotate under this directory
}

// RequestTimeout returns the per-request agent timeout as a time.Duration.
func (a *AgentConfig) RequestTimeout() time.Duration {
	return time.Duration(a.RequestTimeoutMs) * time.Millisecond
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("SANDBOXAGENT_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 7171)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0) // 0: SSE streams must not be cut off

	// Agent defaults
	v.SetDefault("agent.requestTimeoutMs", 120000)
	v.SetDefault("agent.requirePreinstall", false)
	v.SetDefault("agent.registryOverlay", "")

	// Auth defaults - empty token means no authentication
	v.SetDefault("auth.token", "")

	// CORS defaults
	v.SetDefault("cors.allowOrigins", []string{"*"})
	v.SetDefault("cors.allowHeaders", []string{"Content-Type", "Authorization", "Last-Event-ID", "X-ACP-Connection-Id"})

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")

	// Tracing defaults - empty endpoint means tracing disabled
	v.SetDefault("tracing.otlpEndpoint", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
	v.SetDefault("logging.dir", "")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix SANDBOXAGENT_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/sandboxagent/. Unknown keys are ignored.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("SANDBOXAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("agent.requestTimeoutMs", "SANDBOXAGENT_REQUEST_TIMEOUT_MS")
	_ = v.BindEnv("agent.requirePreinstall", "SANDBOXAGENT_REQUIRE_PREINSTALL")
	_ = v.BindEnv("cors.allowOrigins", "SANDBOXAGENT_CORS_ALLOW_ORIGINS")
	_ = v.BindEnv("cors.allowHeaders", "SANDBOXAGENT_CORS_ALLOW_HEADERS")
	_ = v.BindEnv("auth.token", "SANDBOXAGENT_AUTH_TOKEN")
	_ = v.BindEnv("logging.dir", "SANDBOXAGENT_LOG_DIR")
	_ = v.BindEnv("tracing.otlpEndpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/sandboxagent/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Agent.RequestTimeoutMs <= 0 {
		errs = append(errs, "agent.requestTimeoutMs must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
