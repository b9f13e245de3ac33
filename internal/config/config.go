// Package config provides configuration loading for the operations gateway.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values for the operations gateway.
type Config struct {
	// Server settings
	Host           string
	Port           int
	AllowedOrigins []string

	// Token verification. One of JWTSecret or JWKSEndpoint is required.
	JWTSecret    string
	JWKSEndpoint string
	JWTIssuer    string
	JWTAudience  string

	// Permission resolver
	AccessDBPath string

	// Container runtime
	DockerBinary         string
	DockerCommandTimeout time.Duration
	LogTailLines         int

	// Connection lifecycle
	AuthTimeout           time.Duration
	AuthFailureCloseDelay time.Duration
	HeartbeatInterval     time.Duration

	// Inbound throttling
	RateLimitWindow       time.Duration
	RateLimitMaxMessages  int
	TerminalInputInterval time.Duration

	// Polling
	StatsDefaultInterval time.Duration
	StatsMinInterval     time.Duration
	EventsRetryDelay     time.Duration

	// Terminal settings
	DefaultShell  string
	TerminalRows  int
	TerminalCols  int
	ContainerUser string

	// WebSocket settings
	SendQueueSize     int
	WSWriteTimeout    time.Duration
	WSReadBufferSize  int
	WSWriteBufferSize int
	WSMaxMessageSize  int64

	// HTTP server timeouts
	HTTPReadTimeout time.Duration
	HTTPIdleTimeout time.Duration
	ShutdownTimeout time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Host:           getEnv("GATEWAY_HOST", "0.0.0.0"),
		Port:           getEnvInt("GATEWAY_PORT", 4000),
		AllowedOrigins: getEnvStringSlice("ALLOWED_ORIGINS", nil),

		JWTSecret:    getEnv("JWT_SECRET", ""),
		JWKSEndpoint: getEnv("JWKS_ENDPOINT", ""),
		JWTIssuer:    getEnv("JWT_ISSUER", ""),
		JWTAudience:  getEnv("JWT_AUDIENCE", ""),

		AccessDBPath: getEnv("ACCESS_DB_PATH", "/var/lib/ops-gateway/access.db"),

		DockerBinary:         getEnv("DOCKER_BINARY", "docker"),
		DockerCommandTimeout: getEnvDuration("DOCKER_COMMAND_TIMEOUT", 10*time.Second),
		LogTailLines:         getEnvInt("LOG_TAIL_LINES", 100),

		AuthTimeout:           getEnvDuration("AUTH_TIMEOUT", 30*time.Second),
		AuthFailureCloseDelay: getEnvDuration("AUTH_FAILURE_CLOSE_DELAY", 1*time.Second),
		HeartbeatInterval:     getEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second),

		RateLimitWindow:       getEnvDuration("RATE_LIMIT_WINDOW", 60*time.Second),
		RateLimitMaxMessages:  getEnvInt("RATE_LIMIT_MAX_MESSAGES", 100),
		TerminalInputInterval: getEnvDuration("TERMINAL_INPUT_INTERVAL", 100*time.Millisecond),

		StatsDefaultInterval: getEnvDuration("STATS_DEFAULT_INTERVAL", 2*time.Second),
		StatsMinInterval:     getEnvDuration("STATS_MIN_INTERVAL", 250*time.Millisecond),
		EventsRetryDelay:     getEnvDuration("EVENTS_RETRY_DELAY", 5*time.Second),

		DefaultShell:  getEnv("DEFAULT_SHELL", "/bin/sh"),
		TerminalRows:  getEnvInt("TERMINAL_ROWS", 24),
		TerminalCols:  getEnvInt("TERMINAL_COLS", 80),
		ContainerUser: getEnv("CONTAINER_USER", ""),

		SendQueueSize:     getEnvInt("SEND_QUEUE_SIZE", 256),
		WSWriteTimeout:    getEnvDuration("WS_WRITE_TIMEOUT", 10*time.Second),
		WSReadBufferSize:  getEnvInt("WS_READ_BUFFER_SIZE", 1024),
		WSWriteBufferSize: getEnvInt("WS_WRITE_BUFFER_SIZE", 1024),
		WSMaxMessageSize:  int64(getEnvInt("WS_MAX_MESSAGE_SIZE", 64*1024)),

		HTTPReadTimeout: getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPIdleTimeout: getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.JWTSecret == "" && c.JWKSEndpoint == "" {
		return fmt.Errorf("one of JWT_SECRET or JWKS_ENDPOINT is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("GATEWAY_PORT out of range: %d", c.Port)
	}
	if c.AccessDBPath == "" {
		return fmt.Errorf("ACCESS_DB_PATH is required")
	}
	if c.RateLimitMaxMessages <= 0 {
		return fmt.Errorf("RATE_LIMIT_MAX_MESSAGES must be positive")
	}
	if c.SendQueueSize <= 0 {
		return fmt.Errorf("SEND_QUEUE_SIZE must be positive")
	}
	for name, d := range map[string]time.Duration{
		"AUTH_TIMEOUT":           c.AuthTimeout,
		"HEARTBEAT_INTERVAL":     c.HeartbeatInterval,
		"RATE_LIMIT_WINDOW":      c.RateLimitWindow,
		"STATS_DEFAULT_INTERVAL": c.StatsDefaultInterval,
		"STATS_MIN_INTERVAL":     c.StatsMinInterval,
		"EVENTS_RETRY_DELAY":     c.EventsRetryDelay,
		"SHUTDOWN_TIMEOUT":       c.ShutdownTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvStringSlice returns a slice from a comma-separated environment variable.
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
