// Package config loads chatsync settings from the environment, an optional
// .env file and the OS keychain.
package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Defaults.
const (
	DefaultListen         = "127.0.0.1:8787"
	DefaultAckDelay       = 1500 * time.Millisecond
	DefaultAckCooldown    = 60 * time.Second
	DefaultAckText        = "Thanks for your message! An operator will reply shortly."
	DefaultMaxConnections = 256
)

// Environment variables.
const (
	EnvDatabaseURL    = "CHATSYNC_DATABASE_URL"
	EnvRedisURL       = "CHATSYNC_REDIS_URL"
	EnvListen         = "CHATSYNC_LISTEN"
	EnvFeedURL        = "CHATSYNC_FEED_URL"
	EnvAckDelay       = "CHATSYNC_AUTOACK_DELAY"
	EnvAckCooldown    = "CHATSYNC_AUTOACK_COOLDOWN"
	EnvAckText        = "CHATSYNC_AUTOACK_TEXT"
	EnvLogFile        = "CHATSYNC_LOG_FILE"
	EnvLogLevel       = "CHATSYNC_LOG_LEVEL"
	EnvMaxConnections = "CHATSYNC_MAX_CONNECTIONS"
)

// Config holds all configuration values.
type Config struct {
	// Storage. An empty DatabaseURL selects the in-memory store.
	DatabaseURL string
	RedisURL    string

	// Websocket feed
	Listen         string
	FeedURL        string
	MaxConnections int

	// Auto-acknowledgement
	AckDelay    time.Duration
	AckCooldown time.Duration
	AckText     string

	// Logging
	LogFile  string
	LogLevel slog.Level
}

// Load reads configuration from environment variables. Connection URLs not
// set in the environment are looked up in the keychain; an unavailable
// keychain leaves them empty.
func Load() Config {
	cfg := Config{
		DatabaseURL: getEnv(EnvDatabaseURL, ""),
		RedisURL:    getEnv(EnvRedisURL, ""),

		Listen:         getEnv(EnvListen, DefaultListen),
		FeedURL:        getEnv(EnvFeedURL, ""),
		MaxConnections: getEnvInt(EnvMaxConnections, DefaultMaxConnections),

		AckDelay:    getEnvDuration(EnvAckDelay, DefaultAckDelay),
		AckCooldown: getEnvDuration(EnvAckCooldown, DefaultAckCooldown),
		AckText:     getEnv(EnvAckText, DefaultAckText),

		LogFile:  getEnv(EnvLogFile, ""),
		LogLevel: parseLogLevel(getEnv(EnvLogLevel, "INFO")),
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = secretOrEmpty(SecretDatabaseURL)
	}
	if cfg.RedisURL == "" {
		cfg.RedisURL = secretOrEmpty(SecretRedisURL)
	}
	return cfg
}

func secretOrEmpty(name string) string {
	v, err := Secret(name)
	if err != nil {
		if !errors.Is(err, ErrSecretNotFound) {
			slog.Debug("keyring lookup skipped", "secret", name, "error", err)
		}
		return ""
	}
	return v
}

// LoadDotEnv loads .env from the working directory and from the user config
// directory when present. Variables already set in the environment are not
// overwritten, so explicit exports always take precedence.
func LoadDotEnv() {
	paths := []string{".env"}
	if dir, err := userConfigDir(); err == nil && dir != "" {
		paths = append(paths, filepath.Join(dir, serviceName, ".env"))
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			slog.Warn("ignoring unreadable env file", "path", path, "error", err)
		}
	}
}

func getEnv(key, defaultVal string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return defaultVal
}

// getEnvInt reads an integer from an environment variable with a default fallback.
func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return defaultVal
}

// getEnvDuration reads a duration from an environment variable with a default fallback.
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return defaultVal
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
