// Package config handles application configuration loading and validation
// from environment variables, providing a type-safe configuration structure.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration values loaded from environment
// variables. It is read once at startup and treated as immutable thereafter.
type Config struct {
	// Server configuration
	ListenAddr string // Address to listen on (e.g., ":8080")

	// Upstream configuration
	UpstreamBaseURL string        // Base URL of the upstream API (required, trailing slash trimmed)
	UpstreamTimeout time.Duration // Timeout for upstream requests, covers long completions

	// Recording
	MaxStoredBodyBytes int // Byte cap for stored request/response bodies

	// Database configuration
	DBDriver            string        // Database driver: sqlite, postgres, mysql
	DatabasePath        string        // Path to the SQLite database file
	DatabaseURL         string        // PostgreSQL/MySQL connection string
	DatabasePoolSize    int           // Maximum open connections
	DatabaseMaxIdle     int           // Maximum idle connections
	DatabaseConnMaxLife time.Duration // Maximum connection lifetime

	// Logging
	LogLevel  string // Log level (debug, info, warn, error)
	LogFormat string // Log format (json, console)
	LogFile   string // Path to log file (empty for stdout)
}

// New creates a new configuration with values from environment variables.
// It applies default values where environment variables are not set, and
// validates required settings. UPSTREAM_BASE_URL is required; startup must
// fail fast without it.
func New() (*Config, error) {
	config := &Config{
		ListenAddr: getEnvString("LISTEN_ADDR", ":8080"),

		UpstreamBaseURL: strings.TrimRight(getEnvString("UPSTREAM_BASE_URL", ""), "/"),
		UpstreamTimeout: time.Duration(getEnvInt("UPSTREAM_TIMEOUT_SECONDS", 300)) * time.Second,

		MaxStoredBodyBytes: getEnvInt("MAX_STORED_BODY_BYTES", 1048576),

		DBDriver:            strings.ToLower(getEnvString("DB_DRIVER", "sqlite")),
		DatabasePath:        getEnvString("DATABASE_PATH", "data/llmtap.db"),
		DatabaseURL:         getEnvString("DATABASE_URL", ""),
		DatabasePoolSize:    getEnvInt("DATABASE_POOL_SIZE", 10),
		DatabaseMaxIdle:     getEnvInt("DATABASE_MAX_IDLE_CONNS", 5),
		DatabaseConnMaxLife: getEnvDuration("DATABASE_CONN_MAX_LIFETIME", time.Hour),

		LogLevel:  getEnvString("LOG_LEVEL", "info"),
		LogFormat: getEnvString("LOG_FORMAT", "json"),
		LogFile:   getEnvString("LOG_FILE", ""),
	}

	if config.UpstreamBaseURL == "" {
		return nil, fmt.Errorf("UPSTREAM_BASE_URL environment variable is required")
	}
	if config.MaxStoredBodyBytes < 0 {
		return nil, fmt.Errorf("MAX_STORED_BODY_BYTES must not be negative")
	}

	return config, nil
}

// getEnvString retrieves a string value from an environment variable,
// falling back to the provided default value if the variable is not set.
func getEnvString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer value from an environment variable,
// falling back to the provided default value if the variable is not set
// or cannot be parsed as an integer.
func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		parsedValue, err := strconv.Atoi(value)
		if err == nil {
			return parsedValue
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration value from an environment variable,
// falling back to the provided default value if the variable is not set
// or cannot be parsed as a duration.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		parsedValue, err := time.ParseDuration(value)
		if err == nil {
			return parsedValue
		}
	}
	return defaultValue
}
