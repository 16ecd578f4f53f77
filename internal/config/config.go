// Package config reads client configuration from environment
// variables with sensible defaults. cmd/ loads a .env file first via
// godotenv, so local overrides live in a file instead of the shell.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Backend BackendConfig
	Creds   CredsConfig
	Session SessionConfig
	Logging LoggingConfig
}

type BackendConfig struct {
	// BaseURL is the REST origin, e.g. http://localhost:8080.
	BaseURL string
	// WSURL is the websocket endpoint the STOMP channel dials. Empty
	// means derive it from BaseURL (/ws, ws scheme).
	WSURL string
	// RequestTimeout caps each REST call.
	RequestTimeout time.Duration
}

type CredsConfig struct {
	// DBPath is the sqlite file holding the stored credentials. The
	// literal value "memory" selects the in-memory store.
	DBPath string
}

type SessionConfig struct {
	// RevalidateInterval is how often the gate rechecks a stored
	// session while authenticated.
	RevalidateInterval time.Duration
	// ResultDisplaySeconds is how long a voting result stays on screen
	// before the next-session fetch.
	ResultDisplaySeconds int
}

type LoggingConfig struct {
	Level  string
	Format string // "json" or "text"
}

// Load reads configuration from the environment with defaults.
func Load() *Config {
	return &Config{
		Backend: BackendConfig{
			BaseURL:        getEnv("MAFIA_API_URL", "http://localhost:8080"),
			WSURL:          getEnv("MAFIA_WS_URL", ""),
			RequestTimeout: time.Duration(getEnvInt("MAFIA_REQUEST_TIMEOUT_SECONDS", 10)) * time.Second,
		},
		Creds: CredsConfig{
			DBPath: getEnv("MAFIA_CREDS_DB", defaultCredsPath()),
		},
		Session: SessionConfig{
			RevalidateInterval:   time.Duration(getEnvInt("MAFIA_REVALIDATE_SECONDS", 30)) * time.Second,
			ResultDisplaySeconds: getEnvInt("MAFIA_RESULT_DISPLAY_SECONDS", 2),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
	}
}

// WebsocketURL resolves the ws endpoint, deriving it from the REST
// origin when not set explicitly.
func (c *Config) WebsocketURL() string {
	if c.Backend.WSURL != "" {
		return c.Backend.WSURL
	}
	u := c.Backend.BaseURL
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return strings.TrimRight(u, "/") + "/ws"
}

// MemoryCreds reports whether the in-memory credential store was
// requested instead of sqlite.
func (c *Config) MemoryCreds() bool { return c.Creds.DBPath == "memory" }

func defaultCredsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "mafia-creds.db"
	}
	return home + "/.mafia/creds.db"
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
