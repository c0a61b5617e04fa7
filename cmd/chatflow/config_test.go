package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg := loadConfigFrom(filepath.Join(t.TempDir(), "missing.json"), envMap(nil))
	assert.Equal(t, ":4200", cfg.ListenAddr)
	assert.Equal(t, "http://localhost:4200", cfg.BaseURL)
	assert.Equal(t, "real", cfg.ClockMode)
	assert.True(t, cfg.Panel)
	assert.False(t, cfg.RealHTTP)
}

func TestLoadConfig_Layers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"listen_addr": ":9000", "log_level": "debug", "max_sessions": 5}`), 0o644))

	cfg := loadConfigFrom(path, envMap(map[string]string{
		"CHATFLOW_LOG_LEVEL":    "warn",
		"CHATFLOW_PANEL":        "0",
		"CHATFLOW_REAL_HTTP":    "true",
		"CHATFLOW_MAX_SESSIONS": "not-a-number",
	}))
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, "http://localhost:9000", cfg.BaseURL)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 5, cfg.MaxSessions)
	assert.False(t, cfg.Panel)
	assert.True(t, cfg.RealHTTP)
}

func TestDiffConfigs(t *testing.T) {
	old := defaultConfig()
	next := old
	next.Panel = false
	next.LogLevel = "debug"
	next.ListenAddr = ":1"
	next.HTTPRetries = 9

	d := diffConfigs(old, next)
	assert.True(t, d.PanelChanged)
	assert.True(t, d.LogLevelChanged)
	assert.Equal(t, []string{"listen_addr", "http"}, d.RestartNeeded)

	assert.Empty(t, diffConfigs(old, old).RestartNeeded)
}

func TestDuration(t *testing.T) {
	assert.Equal(t, 2*time.Minute, duration("2m", time.Second))
	assert.Equal(t, time.Second, duration("soon", time.Second))
	assert.Equal(t, time.Second, duration("-5s", time.Second))
}
