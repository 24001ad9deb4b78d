package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	Port        string
	Env         string
	DatabaseURL string
	SQLitePath  string
	RedisURL    string
	JWTSecret   string

	// Heartbeat/eviction
	HeartbeatInterval time.Duration // expected client cadence
	HeartbeatTimeout  time.Duration // silence before eviction
	SweepInterval     time.Duration // registry sweep cadence

	// Messaging policy
	RecallWindow  time.Duration
	EditWindow    time.Duration
	MaxBodyChars  int
	ReplayLimit   int
	SendRateLimit int           // messages per sender per window
	SendRateWin   time.Duration // rate limit window
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// In production, it panics on missing required variables.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Env:         getEnv("ENV", "development"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		SQLitePath:  getEnv("SQLITE_PATH", "./data/deskline.db"),
		RedisURL:    os.Getenv("REDIS_URL"),
		JWTSecret:   os.Getenv("JWT_SECRET"),

		HeartbeatInterval: getDuration("HEARTBEAT_INTERVAL", 25*time.Second),
		HeartbeatTimeout:  getDuration("HEARTBEAT_TIMEOUT", 90*time.Second),
		SweepInterval:     getDuration("SWEEP_INTERVAL", 30*time.Second),

		RecallWindow:  getDuration("RECALL_WINDOW", 2*time.Minute),
		EditWindow:    getDuration("EDIT_WINDOW", 10*time.Minute),
		MaxBodyChars:  getInt("MAX_BODY_CHARS", 5000),
		ReplayLimit:   getInt("REPLAY_LIMIT", 200),
		SendRateLimit: getInt("SEND_RATE_LIMIT", 30),
		SendRateWin:   getDuration("SEND_RATE_WINDOW", time.Minute),
	}

	// In production, require the external stores and a signing secret
	if cfg.Env == "production" {
		if cfg.DatabaseURL == "" {
			panic("DATABASE_URL is required in production")
		}
		if cfg.RedisURL == "" {
			panic("REDIS_URL is required in production")
		}
		if cfg.JWTSecret == "" {
			panic("JWT_SECRET is required in production")
		}
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
