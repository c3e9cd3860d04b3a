package config

import (
	"os"
	"strings"
	"testing"
)

func setupTestEnv(t *testing.T) func() {
	keys := []string{
		"JWT_SECRET", "PORT", "LIVEKIT_URL", "LIVEKIT_API_KEY", "LIVEKIT_API_SECRET",
		"REDIS_ENABLED", "REDIS_ADDR", "GO_ENV", "LOG_LEVEL", "ROOM_GRACE_PERIOD",
	}
	orig := make(map[string]string, len(keys))
	for _, k := range keys {
		orig[k] = os.Getenv(k)
		os.Unsetenv(k)
	}
	return func() {
		for k, v := range orig {
			if v != "" {
				os.Setenv(k, v)
			} else {
				os.Unsetenv(k)
			}
		}
	}
}

func setValidEnv() {
	os.Setenv("JWT_SECRET", "this-is-a-very-long-secret-key-for-testing-purposes")
	os.Setenv("PORT", "8080")
	os.Setenv("LIVEKIT_URL", "wss://livekit.example.com")
	os.Setenv("LIVEKIT_API_KEY", "key123")
	os.Setenv("LIVEKIT_API_SECRET", "secret123")
}

func TestValidateEnv_ValidConfiguration(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()
	setValidEnv()
	os.Setenv("REDIS_ENABLED", "false")

	cfg, err := ValidateEnv()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("expected PORT '8080', got '%s'", cfg.Port)
	}
	if cfg.LiveKitURL != "wss://livekit.example.com" {
		t.Errorf("expected LIVEKIT_URL to be set, got '%s'", cfg.LiveKitURL)
	}
	if cfg.GoEnv != "production" {
		t.Errorf("expected GO_ENV to default to 'production', got '%s'", cfg.GoEnv)
	}
	if cfg.RoomGracePeriod.String() != "20s" {
		t.Errorf("expected default grace period 20s, got %s", cfg.RoomGracePeriod)
	}
}

func TestValidateEnv_MissingJWTSecret(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()
	os.Setenv("PORT", "8080")
	os.Setenv("LIVEKIT_URL", "wss://livekit.example.com")
	os.Setenv("LIVEKIT_API_KEY", "key123")
	os.Setenv("LIVEKIT_API_SECRET", "secret123")

	_, err := ValidateEnv()
	if err == nil || !strings.Contains(err.Error(), "JWT_SECRET is required") {
		t.Fatalf("expected JWT_SECRET error, got: %v", err)
	}
}

func TestValidateEnv_ShortJWTSecret(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()
	setValidEnv()
	os.Setenv("JWT_SECRET", "short")

	_, err := ValidateEnv()
	if err == nil || !strings.Contains(err.Error(), "must be at least 32 characters") {
		t.Fatalf("expected JWT_SECRET length error, got: %v", err)
	}
}

func TestValidateEnv_MissingLiveKitURL(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()
	setValidEnv()
	os.Unsetenv("LIVEKIT_URL")

	_, err := ValidateEnv()
	if err == nil || !strings.Contains(err.Error(), "LIVEKIT_URL is required") {
		t.Fatalf("expected LIVEKIT_URL error, got: %v", err)
	}
}

func TestValidateEnv_InvalidRedisAddr(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()
	setValidEnv()
	os.Setenv("REDIS_ENABLED", "true")
	os.Setenv("REDIS_ADDR", "invalid-format")

	_, err := ValidateEnv()
	if err == nil || !strings.Contains(err.Error(), "REDIS_ADDR must be in format") {
		t.Fatalf("expected REDIS_ADDR format error, got: %v", err)
	}
}

func TestValidateEnv_RedisDefaultAddr(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()
	setValidEnv()
	os.Setenv("REDIS_ENABLED", "true")

	cfg, err := ValidateEnv()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.RedisAddr != "localhost:6379" {
		t.Errorf("expected default REDIS_ADDR, got '%s'", cfg.RedisAddr)
	}
}

func TestValidateEnv_GracePeriodOutOfRange(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()
	setValidEnv()
	os.Setenv("ROOM_GRACE_PERIOD", "5s")

	_, err := ValidateEnv()
	if err == nil || !strings.Contains(err.Error(), "ROOM_GRACE_PERIOD must be between") {
		t.Fatalf("expected grace period range error, got: %v", err)
	}
}

func TestRedactSecret(t *testing.T) {
	tests := []struct {
		name     string
		secret   string
		expected string
	}{
		{"long secret", "this-is-a-very-long-secret-key", "this-is-***"},
		{"short secret", "short", "***"},
		{"exactly 8 chars", "12345678", "***"},
		{"9 chars", "123456789", "12345678***"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := redactSecret(tt.secret); got != tt.expected {
				t.Errorf("expected '%s', got '%s'", tt.expected, got)
			}
		})
	}
}

func TestIsValidHostPort(t *testing.T) {
	tests := []struct {
		name     string
		addr     string
		expected bool
	}{
		{"valid localhost", "localhost:8080", true},
		{"valid IP", "127.0.0.1:3000", true},
		{"missing port", "localhost", false},
		{"missing host", ":8080", false},
		{"invalid port", "localhost:99999", false},
		{"non-numeric port", "localhost:abc", false},
		{"empty string", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isValidHostPort(tt.addr); got != tt.expected {
				t.Errorf("isValidHostPort(%q) = %v, expected %v", tt.addr, got, tt.expected)
			}
		})
	}
}
