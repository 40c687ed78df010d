// Package config loads the server configuration. A .env file is read first
// if present (godotenv), then environment variables override the defaults.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds everything the server reads from the environment.
type Config struct {
	// ListenAddr is the HTTP bind address.
	ListenAddr string

	// TokenSecret signs bearer tokens; TokenTTL bounds their lifetime.
	TokenSecret string
	TokenTTL    time.Duration

	// DatabaseURL is the PostgreSQL connection string. Empty selects the
	// in-memory store (development only).
	DatabaseURL string

	// RedisURL is the artifact cache address. Empty selects the in-process
	// cache.
	RedisURL string

	// Provider settings for translation / STT / TTS.
	ProviderBaseURL string
	ProviderAPIKey  string
	ChatModel       string
	STTModel        string
	TTSModel        string

	// CORSOrigin restricts browser clients; empty allows any origin.
	CORSOrigin string

	// OfflineQueueCap bounds each room's offline queue.
	OfflineQueueCap int

	LogLevel string
}

// Load returns defaults overridden by .env and the environment.
func Load() *Config {
	// The .env file is optional; absence is not an error.
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddr:      ":8090",
		TokenTTL:        24 * time.Hour,
		ProviderBaseURL: "https://api.openai.com",
		OfflineQueueCap: 256,
		LogLevel:        "info",
	}

	setString(&cfg.ListenAddr, "LISTEN_ADDR")
	setString(&cfg.TokenSecret, "TOKEN_SECRET")
	setDuration(&cfg.TokenTTL, "TOKEN_TTL")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.RedisURL, "REDIS_URL")
	setString(&cfg.ProviderBaseURL, "PROVIDER_BASE_URL")
	setString(&cfg.ProviderAPIKey, "PROVIDER_API_KEY")
	setString(&cfg.ChatModel, "CHAT_MODEL")
	setString(&cfg.STTModel, "STT_MODEL")
	setString(&cfg.TTSModel, "TTS_MODEL")
	setString(&cfg.CORSOrigin, "CORS_ORIGIN")
	setInt(&cfg.OfflineQueueCap, "OFFLINE_QUEUE_CAP")
	setString(&cfg.LogLevel, "LOG_LEVEL")

	return cfg
}

// SlogLevel maps the configured level string onto slog's levels,
// defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
