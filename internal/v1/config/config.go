package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration
type Config struct {
	// Required variables
	JWTSecret string
	Port      string

	// World identity and shard provisioning
	WorldID          string
	ShardSecret      string
	ShardURLTemplate string

	// Optional variables with defaults
	GoEnv           string
	LogLevel        string
	DevelopmentMode bool
	AllowedOrigins  string

	// Redis-backed persistence (falls back to in-memory when disabled)
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Optional JWKS issuer for externally minted admin tokens
	JWKSDomain   string
	JWKSAudience string

	// Room runtime tuning
	ThrottleSync     time.Duration
	ThrottleStorage  time.Duration
	SessionExpiry    time.Duration
	RoomCleanupGrace time.Duration

	// Rate limits (ulule/limiter formatted, e.g. "100-M")
	RateLimitAPIGlobal string
	RateLimitAPIAdmin  string
	RateLimitWsIP      string
}

// ValidateEnv validates all required environment variables and returns a Config object.
// Returns an error if any required variable is missing or invalid.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	// Required: AUTH_JWT_SECRET (minimum 32 characters)
	cfg.JWTSecret = os.Getenv("AUTH_JWT_SECRET")
	if cfg.JWTSecret == "" {
		errs = append(errs, "AUTH_JWT_SECRET is required")
	} else if len(cfg.JWTSecret) < 32 {
		errs = append(errs, fmt.Sprintf("AUTH_JWT_SECRET must be at least 32 characters (got %d)", len(cfg.JWTSecret)))
	}

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errs = append(errs, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	cfg.WorldID = getEnvOrDefault("WORLD_ID", "default")
	cfg.ShardSecret = os.Getenv("SHARD_SECRET")
	cfg.ShardURLTemplate = getEnvOrDefault("SHARD_URL_TEMPLATE", "ws://localhost:{port}/parties/room/{shardId}")

	// Conditional: REDIS_ADDR (required format if REDIS_ENABLED=true)
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.JWKSDomain = os.Getenv("JWKS_DOMAIN")
	cfg.JWKSAudience = os.Getenv("JWKS_AUDIENCE")

	var err error
	if cfg.ThrottleSync, err = getEnvDurationMs("THROTTLE_SYNC_MS", 500*time.Millisecond); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.ThrottleStorage, err = getEnvDurationMs("THROTTLE_STORAGE_MS", 2000*time.Millisecond); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.SessionExpiry, err = getEnvDurationMs("SESSION_EXPIRY_MS", 0); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.RoomCleanupGrace, err = getEnvDurationMs("ROOM_CLEANUP_GRACE_MS", 5000*time.Millisecond); err != nil {
		errs = append(errs, err.Error())
	}

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	// Rate limits (Defaults: M = Minute, H = Hour)
	cfg.RateLimitAPIGlobal = getEnvOrDefault("RATE_LIMIT_API_GLOBAL", "1000-M")
	cfg.RateLimitAPIAdmin = getEnvOrDefault("RATE_LIMIT_API_ADMIN", "100-M")
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	return parts[0] != ""
}

func getEnvDurationMs(key string, def time.Duration) (time.Duration, error) {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return def, nil
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer of milliseconds (got '%s')", key, raw)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("✅ Environment configuration validated successfully")
	slog.Info("Configuration",
		"jwt_secret", redactSecret(cfg.JWTSecret),
		"port", cfg.Port,
		"world_id", cfg.WorldID,
		"shard_secret", redactSecret(cfg.ShardSecret),
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"throttle_sync", cfg.ThrottleSync,
		"throttle_storage", cfg.ThrottleStorage,
		"session_expiry", cfg.SessionExpiry,
		"go_env", cfg.GoEnv,
		"development_mode", cfg.DevelopmentMode,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
