// Package config binds and validates the environment configuration. Any
// invalid variable fails startup; every failure is reported in one pass.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrConfigInvalid wraps every validation failure returned by Load.
var ErrConfigInvalid = errors.New("invalid configuration")

// Config holds the validated environment configuration.
type Config struct {
	Port     string
	LogLevel string

	HeartbeatInterval time.Duration
	PongTimeout       time.Duration
	DisconnectTimeout time.Duration
	MessageCacheLimit int

	RedisURL string // empty disables the distribution bridge

	TLSCertFile string
	TLSKeyFile  string
	TLSCAFiles  []string

	AllowedOrigins []string

	OTelCollectorAddr      string
	OTelInsecureSkipVerify bool // accept the collector's cert unverified

	DevelopmentMode bool
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Load validates all environment variables and returns a Config.
// Returns an error naming every invalid variable.
func Load() (*Config, error) {
	cfg := &Config{}
	var problems []string

	// PORT (valid port number, default 9000)
	cfg.Port = getEnvOrDefault("PORT", "9000")
	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		problems = append(problems, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got %q)", cfg.Port))
	}

	// LOG_LEVEL (default info)
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	if !validLogLevels[cfg.LogLevel] {
		problems = append(problems, fmt.Sprintf("LOG_LEVEL must be one of debug, info, warn, error (got %q)", cfg.LogLevel))
	}

	// Timing knobs, all in milliseconds.
	cfg.HeartbeatInterval = durationMs("HEARTBEAT_INTERVAL", 30000, &problems)
	cfg.PongTimeout = durationMs("PONG_TIMEOUT", 60000, &problems)
	cfg.DisconnectTimeout = durationMs("DISCONNECT_TIMEOUT", 90000, &problems)

	// MESSAGE_CACHE_LIMIT (envelopes buffered per client during grace)
	limitStr := getEnvOrDefault("MESSAGE_CACHE_LIMIT", "512")
	if limit, err := strconv.Atoi(limitStr); err != nil || limit < 1 {
		problems = append(problems, fmt.Sprintf("MESSAGE_CACHE_LIMIT must be a positive integer (got %q)", limitStr))
	} else {
		cfg.MessageCacheLimit = limit
	}

	// REDIS_URL (optional; bridge disabled when unset)
	cfg.RedisURL = os.Getenv("REDIS_URL")
	if cfg.RedisURL != "" && !strings.HasPrefix(cfg.RedisURL, "redis://") && !strings.HasPrefix(cfg.RedisURL, "rediss://") {
		problems = append(problems, fmt.Sprintf("REDIS_URL must start with redis:// or rediss:// (got %q)", cfg.RedisURL))
	}

	// TLS material: cert and key come as a pair.
	cfg.TLSCertFile = os.Getenv("TLS_CERT_FILE")
	cfg.TLSKeyFile = os.Getenv("TLS_KEY_FILE")
	if (cfg.TLSCertFile == "") != (cfg.TLSKeyFile == "") {
		problems = append(problems, "TLS_CERT_FILE and TLS_KEY_FILE must both be set or both be empty")
	}
	if caFiles := os.Getenv("TLS_CA_FILES"); caFiles != "" {
		for _, f := range strings.Split(caFiles, ",") {
			if f = strings.TrimSpace(f); f != "" {
				cfg.TLSCAFiles = append(cfg.TLSCAFiles, f)
			}
		}
	}

	cfg.AllowedOrigins = splitOrigins(getEnvOrDefault("ALLOWED_ORIGINS", "http://localhost:3000"))
	cfg.OTelCollectorAddr = os.Getenv("OTEL_COLLECTOR_ADDR")
	cfg.OTelInsecureSkipVerify = os.Getenv("OTEL_INSECURE_SKIP_VERIFY") == "true"
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"

	if len(problems) > 0 {
		return nil, fmt.Errorf("%w:\n  - %s", ErrConfigInvalid, strings.Join(problems, "\n  - "))
	}
	return cfg, nil
}

// durationMs parses an integer-millisecond variable with a default.
func durationMs(key string, defaultMs int, problems *[]string) time.Duration {
	raw := getEnvOrDefault(key, strconv.Itoa(defaultMs))
	ms, err := strconv.Atoi(raw)
	if err != nil || ms < 1 {
		*problems = append(*problems, fmt.Sprintf("%s must be a positive integer of milliseconds (got %q)", key, raw))
		return time.Duration(defaultMs) * time.Millisecond
	}
	return time.Duration(ms) * time.Millisecond
}

func splitOrigins(raw string) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
