package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/idfed/idfed/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// SSO configuration
	SSO SSOConfig

	// Session store configuration
	Sessions SessionConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// SSOConfig holds SSO flow configuration
type SSOConfig struct {
	// BaseURL is the externally visible URL of this service; callback and
	// metadata URLs are derived from it.
	BaseURL string

	// ProviderManifest is the path to the providers.yaml file registering
	// identity providers at startup. Empty disables manifest loading.
	ProviderManifest string

	// WatchManifest reloads the manifest when the file changes.
	WatchManifest bool

	SessionTTL    time.Duration
	FlowStateTTL  time.Duration
	DiscoveryTTL  time.Duration
	SecureCookies bool

	// CleanupSchedule is a cron expression for expiry sweeps.
	CleanupSchedule string
}

// SessionConfig selects and configures the session store backend
type SessionConfig struct {
	// Backend is memory, redis, or postgres.
	Backend string

	RedisURL      string
	RedisPassword string
	RedisDB       int

	PostgresURL string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		SSO:           loadSSOConfig(),
		Sessions:      loadSessionConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("IDFED_HOST", "0.0.0.0"),
		Port:            getEnv("IDFED_PORT", "8080"),
		ReadTimeout:     getEnvDuration("IDFED_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("IDFED_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("IDFED_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("IDFED_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("IDFED_HEALTH_PORT", "9090"),
	}
}

// loadSSOConfig loads SSO configuration from environment
func loadSSOConfig() SSOConfig {
	return SSOConfig{
		BaseURL:          getEnv("IDFED_BASE_URL", "http://localhost:8080"),
		ProviderManifest: getEnv("IDFED_PROVIDER_MANIFEST", ""),
		WatchManifest:    getEnvBool("IDFED_WATCH_MANIFEST", false),
		SessionTTL:       getEnvDuration("IDFED_SESSION_TTL", 8*time.Hour),
		FlowStateTTL:     getEnvDuration("IDFED_FLOW_STATE_TTL", 10*time.Minute),
		DiscoveryTTL:     getEnvDuration("IDFED_DISCOVERY_TTL", time.Hour),
		SecureCookies:    getEnvBool("IDFED_SECURE_COOKIES", true),
		CleanupSchedule:  getEnv("IDFED_CLEANUP_SCHEDULE", "*/5 * * * *"),
	}
}

// loadSessionConfig loads session store configuration from environment
func loadSessionConfig() SessionConfig {
	return SessionConfig{
		Backend:       strings.ToLower(getEnv("IDFED_SESSION_BACKEND", "memory")),
		RedisURL:      getEnv("IDFED_REDIS_URL", ""),
		RedisPassword: getEnv("IDFED_REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("IDFED_REDIS_DB", 0),
		PostgresURL:   getEnv("IDFED_POSTGRES_URL", ""),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:       parseLogLevel(getEnv("IDFED_LOG_LEVEL", "info")),
		MetricsEnabled: getEnvBool("IDFED_METRICS_ENABLED", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.SSO.BaseURL == "" {
		return fmt.Errorf("base URL is required")
	}
	if !strings.HasPrefix(c.SSO.BaseURL, "http://") && !strings.HasPrefix(c.SSO.BaseURL, "https://") {
		return fmt.Errorf("base URL must be an absolute http(s) URL")
	}

	// Validate session store config based on backend
	switch c.Sessions.Backend {
	case "memory":
	case "redis":
		if c.Sessions.RedisURL == "" {
			return fmt.Errorf("redis URL is required for redis session backend")
		}
	case "postgres":
		if c.Sessions.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for postgres session backend")
		}
	default:
		return fmt.Errorf("invalid session backend: %s (must be memory, redis, or postgres)", c.Sessions.Backend)
	}

	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
