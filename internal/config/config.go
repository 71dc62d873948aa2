// Package config provides configuration loading for the session router.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values for the session router.
type Config struct {
	// Server settings
	Port           int
	Host           string
	AllowedOrigins []string

	// Auth settings
	AuthDisabled bool
	JWKSEndpoint string
	JWTAudience  string
	JWTIssuer    string
	DefaultRole  string

	// Storage
	DBPath         string
	StoreQueueSize int

	// Query lifecycle
	MaxConcurrentQueries int
	HangTimeout          time.Duration
	QuestionTimeout      time.Duration
	HandleGracePeriod    time.Duration
	AskUserTool          string

	// Policy
	PolicyFile  string
	PolicyWatch bool

	// Engine settings
	EngineCommand     string
	EngineArgs        []string
	EngineEnv         []string
	EngineInitTimeout time.Duration
	WorkingDir        string

	// Auto-commit of edited files after each completed turn
	AutoCommit        bool
	AutoCommitTimeout time.Duration

	// OpenTelemetry
	TelemetryEnabled    bool
	TelemetryExporter   string
	TelemetryEndpoint   string
	TelemetrySampleRate float64

	// HTTP server timeouts
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// WebSocket settings
	WSReadBufferSize  int
	WSWriteBufferSize int
	WSSendBuffer      int
	WSPingInterval    time.Duration
	WSPongTimeout     time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnvInt("ROUTER_PORT", 8080),
		Host:           getEnv("ROUTER_HOST", "0.0.0.0"),
		AllowedOrigins: getEnvStringSlice("ALLOWED_ORIGINS", nil),

		AuthDisabled: getEnvBool("AUTH_DISABLED", false),
		JWKSEndpoint: getEnv("JWKS_ENDPOINT", ""),
		JWTAudience:  getEnv("JWT_AUDIENCE", "session-router"),
		JWTIssuer:    getEnv("JWT_ISSUER", ""),
		DefaultRole:  getEnv("DEFAULT_ROLE", "developer"),

		DBPath:         getEnv("DB_PATH", "session-router.db"),
		StoreQueueSize: getEnvInt("STORE_QUEUE_SIZE", 1024),

		MaxConcurrentQueries: getEnvInt("MAX_CONCURRENT_QUERIES", 4),
		HangTimeout:          getEnvDuration("HANG_TIMEOUT", 5*time.Minute),
		QuestionTimeout:      getEnvDuration("QUESTION_TIMEOUT", 5*time.Minute),
		HandleGracePeriod:    getEnvDuration("HANDLE_GRACE_PERIOD", 5*time.Minute),
		AskUserTool:          getEnv("ASK_USER_TOOL", "AskUserQuestion"),

		PolicyFile:  getEnv("POLICY_FILE", ""),
		PolicyWatch: getEnvBool("POLICY_WATCH", true),

		EngineCommand:     getEnv("ENGINE_COMMAND", "claude-code-acp"),
		EngineArgs:        getEnvFields("ENGINE_ARGS"),
		EngineEnv:         getEnvStringSlice("ENGINE_ENV", nil),
		EngineInitTimeout: getEnvDuration("ENGINE_INIT_TIMEOUT", 30*time.Second),
		WorkingDir:        getEnv("WORKING_DIR", ""),

		AutoCommit:        getEnvBool("AUTO_COMMIT", false),
		AutoCommitTimeout: getEnvDuration("AUTO_COMMIT_TIMEOUT", 30*time.Second),

		TelemetryEnabled:    getEnvBool("OTEL_ENABLED", false),
		TelemetryExporter:   getEnv("OTEL_EXPORTER", "otlp-http"),
		TelemetryEndpoint:   getEnv("OTEL_ENDPOINT", ""),
		TelemetrySampleRate: getEnvFloat("OTEL_SAMPLE_RATE", 1.0),

		HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),
		HTTPIdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),

		WSReadBufferSize:  getEnvInt("WS_READ_BUFFER_SIZE", 1024),
		WSWriteBufferSize: getEnvInt("WS_WRITE_BUFFER_SIZE", 1024),
		WSSendBuffer:      getEnvInt("WS_SEND_BUFFER", 256),
		WSPingInterval:    getEnvDuration("WS_PING_INTERVAL", 30*time.Second),
		WSPongTimeout:     getEnvDuration("WS_PONG_TIMEOUT", 90*time.Second),
	}

	if !cfg.AuthDisabled && cfg.JWKSEndpoint == "" {
		return nil, fmt.Errorf("JWKS_ENDPOINT is required unless AUTH_DISABLED=true")
	}

	if cfg.WorkingDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		cfg.WorkingDir = wd
	}

	if cfg.MaxConcurrentQueries < 0 {
		return nil, fmt.Errorf("MAX_CONCURRENT_QUERIES must be >= 0, got %d", cfg.MaxConcurrentQueries)
	}

	return cfg, nil
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

// getEnvBool returns a boolean environment variable or a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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

// getEnvFields splits a whitespace-separated environment variable.
func getEnvFields(key string) []string {
	return strings.Fields(os.Getenv(key))
}
