package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, "http://localhost:8080", cfg.Backend.BaseURL)
	assert.Equal(t, "ws://localhost:8080/ws", cfg.WebsocketURL())
	assert.False(t, cfg.MemoryCreds())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MAFIA_API_URL", "https://mafia.example.com/")
	t.Setenv("MAFIA_CREDS_DB", "memory")
	t.Setenv("MAFIA_REVALIDATE_SECONDS", "5")
	t.Setenv("MAFIA_REQUEST_TIMEOUT_SECONDS", "not-a-number")

	cfg := Load()
	assert.Equal(t, "wss://mafia.example.com/ws", cfg.WebsocketURL())
	assert.True(t, cfg.MemoryCreds())
	assert.Equal(t, 5, int(cfg.Session.RevalidateInterval.Seconds()))
	// Garbage values fall back to the default.
	assert.Equal(t, 10, int(cfg.Backend.RequestTimeout.Seconds()))
}

func TestWebsocketURL_ExplicitWins(t *testing.T) {
	t.Setenv("MAFIA_WS_URL", "ws://broker:9000/stomp")
	cfg := Load()
	assert.Equal(t, "ws://broker:9000/stomp", cfg.WebsocketURL())
}
