// Package config provides configuration management for the coordinator.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the coordinator.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Runner  RunnerConfig  `mapstructure:"runner"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Logging LoggingConfig `mapstructure:"logging"`
	CORS    CORSConfig    `mapstructure:"cors"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// RunnerConfig holds runner registry and dispatch tuning.
type RunnerConfig struct {
	// PollTimeout bounds how long a runner's long-poll request blocks
	// waiting for a matching run before the coordinator returns empty.
	PollTimeout int `mapstructure:"pollTimeout"` // in seconds

	// HeartbeatInterval is the cadence at which runners are expected to
	// re-register or send a heartbeat to stay "online".
	HeartbeatInterval int `mapstructure:"heartbeatInterval"` // in seconds

	// HeartbeatTimeout is how long a runner can go silent before the
	// coordinator marks it stale. Its in-flight runs are left as they are.
	HeartbeatTimeout int `mapstructure:"heartbeatTimeout"` // in seconds

	// RunNoMatchTimeout is how long a run can sit pending with no runner
	// whose demands satisfy it before it fails as unroutable.
	RunNoMatchTimeout int `mapstructure:"runNoMatchTimeout"` // in seconds

	// RecoveryMode controls how runs left non-terminal at startup (the
	// coordinator restarted mid-flight) are handled: "none" leaves them
	// untouched, "stale" reclaims only those older than the stale-claim
	// threshold, "all" unconditionally reclaims every non-terminal run.
	RecoveryMode string `mapstructure:"recoveryMode"`
}

// PollTimeoutDuration returns the long-poll timeout as a time.Duration.
func (r *RunnerConfig) PollTimeoutDuration() time.Duration {
	return time.Duration(r.PollTimeout) * time.Second
}

// HeartbeatIntervalDuration returns the heartbeat interval as a time.Duration.
func (r *RunnerConfig) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(r.HeartbeatInterval) * time.Second
}

// HeartbeatTimeoutDuration returns the heartbeat timeout as a time.Duration.
func (r *RunnerConfig) HeartbeatTimeoutDuration() time.Duration {
	return time.Duration(r.HeartbeatTimeout) * time.Second
}

// RunNoMatchTimeoutDuration returns the no-match timeout as a time.Duration.
func (r *RunnerConfig) RunNoMatchTimeoutDuration() time.Duration {
	return time.Duration(r.RunNoMatchTimeout) * time.Second
}

// NATSConfig holds optional NATS mirror configuration. When URL is empty no
// mirror is used and fanout frames reach in-process subscribers only; when
// set, every frame is also published to NATS. Nothing is read back from NATS,
// so it does not provide cross-coordinator propagation.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	// Disabled bypasses bearer-token checks entirely, for local development.
	Disabled      bool   `mapstructure:"disabled"`
	JWTSecret     string `mapstructure:"jwtSecret"`
	TokenDuration int    `mapstructure:"tokenDuration"` // in seconds
}

// TokenDurationTime returns the token duration as a time.Duration.
func (a *AuthConfig) TokenDurationTime() time.Duration {
	return time.Duration(a.TokenDuration) * time.Second
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// CORSConfig holds cross-origin request configuration for the dashboard and
// any other browser-facing client of the fanout endpoints.
type CORSConfig struct {
	Origins []string `mapstructure:"origins"`
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
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("COORDINATOR_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./coordinator.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "coordinator")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "coordinator")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// Runner defaults
	v.SetDefault("runner.pollTimeout", 30)
	v.SetDefault("runner.heartbeatInterval", 30)
	v.SetDefault("runner.heartbeatTimeout", 120)
	v.SetDefault("runner.runNoMatchTimeout", 300)
	v.SetDefault("runner.recoveryMode", "stale")

	// NATS defaults - empty URL means no NATS mirror (in-process fanout only)
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentctrl-coordinator")
	v.SetDefault("nats.maxReconnects", 10)

	// Auth defaults
	v.SetDefault("auth.disabled", false)
	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.tokenDuration", 3600) // 1 hour

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// CORS defaults
	v.SetDefault("cors.origins", []string{"*"})
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix COORDINATOR_ followed by the upper-cased
// key path with dots replaced by underscores; camelCase keys are not split into
// words, except for the few keys bound explicitly in LoadWithPath.
// Config file should be named config.yaml and placed in the current directory or /etc/agentctrl/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("COORDINATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion, so
	// keys that fork from the default replacer need a manual bind.
	_ = v.BindEnv("auth.disabled", "AUTH_DISABLED")
	_ = v.BindEnv("logging.level", "COORDINATOR_LOG_LEVEL")
	_ = v.BindEnv("runner.pollTimeout", "COORDINATOR_RUNNER_POLL_TIMEOUT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentctrl/")

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
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Driver == "postgres" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for postgres driver")
		}
	}

	if cfg.Runner.PollTimeout <= 0 {
		errs = append(errs, "runner.pollTimeout must be positive")
	}
	if cfg.Runner.HeartbeatTimeout <= cfg.Runner.HeartbeatInterval {
		errs = append(errs, "runner.heartbeatTimeout must exceed runner.heartbeatInterval")
	}
	validRecoveryModes := map[string]bool{"none": true, "stale": true, "all": true}
	if !validRecoveryModes[cfg.Runner.RecoveryMode] {
		errs = append(errs, "runner.recoveryMode must be one of: none, stale, all")
	}

	// Auth validation - generate random secret if not set (dev mode) and
	// auth isn't explicitly disabled.
	if !cfg.Auth.Disabled && cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = generateDevSecret()
	}
	if cfg.Auth.TokenDuration <= 0 {
		errs = append(errs, "auth.tokenDuration must be positive")
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

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// generateDevSecret generates a random secret for development mode.
func generateDevSecret() string {
	return "dev-secret-change-in-production-" + fmt.Sprintf("%d", time.Now().UnixNano())
}
