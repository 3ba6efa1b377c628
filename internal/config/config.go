// Package config loads process configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every setting the server reads at startup.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string

	JWTSecret string

	// GatewayURL empty selects the in-process sandbox gateway.
	GatewayURL    string
	GatewaySecret string
	SandboxDelay  time.Duration

	CaptureWindow time.Duration
	SweepInterval time.Duration

	PurchaseRatePerMin int
	PurchaseBurst      int

	CacheTTL       time.Duration
	IdempotencyTTL time.Duration
}

// Load reads .env if present and then the environment.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		slog.Warn("no .env file found, relying on environment variables")
	}

	return &Config{
		Port:               getEnv("PORT", "8080"),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		RedisURL:           getEnv("REDIS_URL", ""),
		JWTSecret:          getEnv("JWT_SECRET", "dev-secret"),
		GatewayURL:         getEnv("GATEWAY_URL", ""),
		GatewaySecret:      getEnv("GATEWAY_SECRET", "dev-gateway-secret"),
		SandboxDelay:       getDuration("SANDBOX_DELAY", 2*time.Second),
		CaptureWindow:      getDuration("CAPTURE_WINDOW", 15*time.Minute),
		SweepInterval:      getDuration("SWEEP_INTERVAL", 30*time.Second),
		PurchaseRatePerMin: getInt("PURCHASE_RATE_PER_MIN", 30),
		PurchaseBurst:      getInt("PURCHASE_BURST", 5),
		CacheTTL:           getDuration("CACHE_TTL", 30*time.Second),
		IdempotencyTTL:     getDuration("IDEMPOTENCY_TTL", 24*time.Hour),
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		slog.Warn("invalid duration, using default", "key", key, "value", raw, "default", fallback.String())
		return fallback
	}
	return d
}

func getInt(key string, fallback int) int {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		slog.Warn("invalid integer, using default", "key", key, "value", raw, "default", fallback)
		return fallback
	}
	return n
}
