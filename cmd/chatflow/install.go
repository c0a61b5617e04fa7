package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// runInstall writes settings.json, then reloads a running server or starts one.
func runInstall(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("install", flag.ContinueOnError)
	listenAddr := fs.String("listen-addr", ":4200", "TCP listen address")
	baseURL := fs.String("base-url", "", "public base URL (derived from listen-addr if empty)")
	dbPath := fs.String("db-path", "", "database path (default: ~/.chatflow/chatflow.db)")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, error")
	clockMode := fs.String("clock", "real", "clock for served sessions: real or mock")
	maxSessions := fs.Int("max-sessions", 0, "live session cap (0: unlimited)")
	realHTTP := fs.Bool("real-http", false, "send api-node requests over the network")
	panelFlag := fs.Bool("panel", true, "enable the web console")
	noServe := fs.Bool("no-serve", false, "only write the config")
	if err := fs.Parse(args); err != nil {
		return err
	}

	dir := chatflowDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("cannot create %s: %w", dir, err)
	}

	cfg := defaultConfig()
	cfg.ListenAddr = *listenAddr
	cfg.BaseURL = *baseURL
	cfg.LogLevel = *logLevel
	cfg.ClockMode = *clockMode
	cfg.MaxSessions = *maxSessions
	cfg.RealHTTP = *realHTTP
	cfg.Panel = *panelFlag
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost" + cfg.ListenAddr
	}

	data, _ := json.MarshalIndent(cfg, "", "  ")
	path := settingsPath()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("cannot write %s: %w", path, err)
	}
	fmt.Printf("Config written to %s\n", path)

	if *noServe || signalRunningServer() {
		return nil
	}
	return runServe(ctx, nil)
}

// signalRunningServer sends SIGHUP to a running chatflow server (via pidfile).
// Returns true if the server was signaled.
func signalRunningServer() bool {
	data, err := os.ReadFile(pidPath())
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 probes liveness.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return false
	}
	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return false
	}
	fmt.Printf("Signaled running server (PID %d) to reload %s\n", pid, filepath.Base(settingsPath()))
	return true
}
