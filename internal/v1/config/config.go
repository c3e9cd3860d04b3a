// Package config validates process configuration from the environment at
// startup, failing fast with every violation listed at once rather than
// one env var at a time.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lumenrelay/signalcore/internal/v1/logging"
)

// Config holds validated environment configuration.
type Config struct {
	// Required variables
	JWTSecret     string
	Port          string
	LiveKitURL    string
	LiveKitAPIKey string
	LiveKitSecret string

	// Optional variables with defaults
	STUNServerURL   string
	GoEnv           string
	LogLevel        string
	RedisEnabled    bool
	RedisAddr       string
	RedisPassword   string
	RoomGracePeriod time.Duration
	LockLeaseTTL    time.Duration

	// Auth
	Auth0Domain     string
	Auth0Audience   string
	SkipAuth        bool
	DevelopmentMode bool
	AllowedOrigins  string
	GuestEnabled    bool

	// Rate limits
	RateLimitAPIGlobal   string
	RateLimitAPIPublic   string
	RateLimitAPIRooms    string
	RateLimitAPIMessages string
	RateLimitWSIP        string
	RateLimitWSUser      string
	RateLimitWSFrame     string
}

// ValidateEnv validates all required environment variables and returns a
// Config object. Returns an error aggregating every violation found.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.JWTSecret = getEnvOrDefault("JWT_SECRET", "")
	if cfg.JWTSecret == "" {
		errs = append(errs, "JWT_SECRET is required")
	} else if len(cfg.JWTSecret) < 32 {
		errs = append(errs, fmt.Sprintf("JWT_SECRET must be at least 32 characters (got %d)", len(cfg.JWTSecret)))
	}

	cfg.Port = getEnvOrDefault("PORT", "")
	if cfg.Port == "" {
		errs = append(errs, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	cfg.LiveKitURL = getEnvOrDefault("LIVEKIT_URL", "")
	if cfg.LiveKitURL == "" {
		errs = append(errs, "LIVEKIT_URL is required")
	}
	cfg.LiveKitAPIKey = getEnvOrDefault("LIVEKIT_API_KEY", "")
	if cfg.LiveKitAPIKey == "" {
		errs = append(errs, "LIVEKIT_API_KEY is required")
	}
	cfg.LiveKitSecret = getEnvOrDefault("LIVEKIT_API_SECRET", "")
	if cfg.LiveKitSecret == "" {
		errs = append(errs, "LIVEKIT_API_SECRET is required")
	}

	cfg.RedisEnabled = getEnvOrDefault("REDIS_ENABLED", "") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = getEnvOrDefault("REDIS_ADDR", "")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
		} else if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = getEnvOrDefault("REDIS_PASSWORD", "")
	}

	cfg.STUNServerURL = getEnvOrDefault("STUN_SERVER_URL", "stun:stun.l.google.com:19302")
	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	gracePeriod, err := time.ParseDuration(getEnvOrDefault("ROOM_GRACE_PERIOD", "20s"))
	if err != nil {
		errs = append(errs, fmt.Sprintf("ROOM_GRACE_PERIOD must be a valid duration: %v", err))
	} else if gracePeriod < 15*time.Second || gracePeriod > 60*time.Second {
		errs = append(errs, fmt.Sprintf("ROOM_GRACE_PERIOD must be between 15s and 60s (got %s)", gracePeriod))
	}
	cfg.RoomGracePeriod = gracePeriod

	lockLease, err := time.ParseDuration(getEnvOrDefault("STORE_LOCK_LEASE", "5s"))
	if err != nil {
		errs = append(errs, fmt.Sprintf("STORE_LOCK_LEASE must be a valid duration: %v", err))
	}
	cfg.LockLeaseTTL = lockLease

	cfg.Auth0Domain = getEnvOrDefault("AUTH0_DOMAIN", "")
	cfg.Auth0Audience = getEnvOrDefault("AUTH0_AUDIENCE", "")
	cfg.SkipAuth = getEnvOrDefault("SKIP_AUTH", "") == "true"
	cfg.DevelopmentMode = getEnvOrDefault("DEVELOPMENT_MODE", "") == "true"
	cfg.AllowedOrigins = getEnvOrDefault("ALLOWED_ORIGINS", "")
	cfg.GuestEnabled = getEnvOrDefault("GUEST_AUTH_ENABLED", "true") == "true"

	cfg.RateLimitAPIGlobal = getEnvOrDefault("RATE_LIMIT_API_GLOBAL", "1000-M")
	cfg.RateLimitAPIPublic = getEnvOrDefault("RATE_LIMIT_API_PUBLIC", "100-M")
	cfg.RateLimitAPIRooms = getEnvOrDefault("RATE_LIMIT_API_ROOMS", "100-M")
	cfg.RateLimitAPIMessages = getEnvOrDefault("RATE_LIMIT_API_MESSAGES", "500-M")
	cfg.RateLimitWSIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitWSUser = getEnvOrDefault("RATE_LIMIT_WS_USER", "10-M")
	cfg.RateLimitWSFrame = getEnvOrDefault("RATE_LIMIT_WS_FRAME", "20-S")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}
	if parts[0] == "" {
		return false
	}
	return true
}

func logValidatedConfig(cfg *Config) {
	logging.Info(nil, "environment configuration validated",
		zap.String("jwt_secret", redactSecret(cfg.JWTSecret)),
		zap.String("port", cfg.Port),
		zap.String("livekit_url", cfg.LiveKitURL),
		zap.Bool("redis_enabled", cfg.RedisEnabled),
		zap.String("redis_addr", cfg.RedisAddr),
		zap.String("go_env", cfg.GoEnv),
		zap.String("log_level", cfg.LogLevel),
		zap.Duration("room_grace_period", cfg.RoomGracePeriod),
		zap.Bool("development_mode", cfg.DevelopmentMode),
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// redactSecret redacts a secret, showing only the first 8 characters.
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
