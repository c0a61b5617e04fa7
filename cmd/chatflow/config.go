package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds chatflow server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr  string `json:"listen_addr"`
	BaseURL     string `json:"base_url"`
	DBPath      string `json:"db_path"`
	LogLevel    string `json:"log_level"`
	LogJSON     bool   `json:"log_json"`
	ClockMode   string `json:"clock_mode"`
	MaxSessions int    `json:"max_sessions"`
	// SchedulerInterval is a Go duration string such as "1m".
	SchedulerInterval string `json:"scheduler_interval"`
	// RealHTTP sends api-node requests over the network instead of echoing them.
	RealHTTP    bool   `json:"real_http"`
	HTTPTimeout string `json:"http_timeout"`
	HTTPRetries int    `json:"http_retries"`
	Panel       bool   `json:"panel"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:        ":4200",
		DBPath:            filepath.Join(chatflowDir(), "chatflow.db"),
		LogLevel:          "info",
		ClockMode:         "real",
		SchedulerInterval: "1m",
		HTTPTimeout:       "30s",
		HTTPRetries:       2,
		Panel:             true,
	}
}

func chatflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chatflow"
	}
	return filepath.Join(home, ".chatflow")
}

func settingsPath() string {
	return filepath.Join(chatflowDir(), "settings.json")
}

func loadConfig() Config {
	return loadConfigFrom(settingsPath(), os.Getenv)
}

func loadConfigFrom(path string, getenv func(string) string) Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := getenv("CHATFLOW_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := getenv("CHATFLOW_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v := getenv("CHATFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := getenv("CHATFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("CHATFLOW_LOG_JSON"); v != "" {
		cfg.LogJSON = v == "true" || v == "1"
	}
	if v := getenv("CHATFLOW_CLOCK_MODE"); v != "" {
		cfg.ClockMode = v
	}
	if v := getenv("CHATFLOW_MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxSessions = n
		}
	}
	if v := getenv("CHATFLOW_SCHEDULER_INTERVAL"); v != "" {
		cfg.SchedulerInterval = v
	}
	if v := getenv("CHATFLOW_REAL_HTTP"); v != "" {
		cfg.RealHTTP = v == "true" || v == "1"
	}
	if v := getenv("CHATFLOW_HTTP_TIMEOUT"); v != "" {
		cfg.HTTPTimeout = v
	}
	if v := getenv("CHATFLOW_HTTP_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HTTPRetries = n
		}
	}
	if v := getenv("CHATFLOW_PANEL"); v != "" {
		cfg.Panel = v == "true" || v == "1"
	}

	// Derive base_url from listen_addr if empty.
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost" + cfg.ListenAddr
	}

	return cfg
}

// duration parses s, falling back when s is empty or malformed.
func duration(s string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return fallback
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	PanelChanged    bool
	LogLevelChanged bool
	RestartNeeded   []string // fields that require a server restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.Panel != new.Panel {
		d.PanelChanged = true
	}
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if old.ListenAddr != new.ListenAddr {
		d.RestartNeeded = append(d.RestartNeeded, "listen_addr")
	}
	if old.DBPath != new.DBPath {
		d.RestartNeeded = append(d.RestartNeeded, "db_path")
	}
	if old.ClockMode != new.ClockMode {
		d.RestartNeeded = append(d.RestartNeeded, "clock_mode")
	}
	if old.MaxSessions != new.MaxSessions {
		d.RestartNeeded = append(d.RestartNeeded, "max_sessions")
	}
	if old.RealHTTP != new.RealHTTP || old.HTTPTimeout != new.HTTPTimeout || old.HTTPRetries != new.HTTPRetries {
		d.RestartNeeded = append(d.RestartNeeded, "http")
	}
	return d
}

func pidPath() string {
	return filepath.Join(chatflowDir(), "chatflow.pid")
}
