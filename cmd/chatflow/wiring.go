package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/rendis/chatflow/internal/flowfile"
	"github.com/rendis/chatflow/internal/logging"
	"github.com/rendis/chatflow/internal/netcall"
	"github.com/rendis/chatflow/pkg/schema"
)

// newLogger builds the process logger. The returned level can be changed
// while the server runs.
func newLogger(w io.Writer, cfg Config) (*slog.Logger, *slog.LevelVar) {
	level := new(slog.LevelVar)
	level.Set(logging.ParseLevel(cfg.LogLevel))
	opts := &slog.HandlerOptions{Level: level}
	var inner slog.Handler
	if cfg.LogJSON {
		inner = slog.NewJSONHandler(w, opts)
	} else {
		inner = slog.NewTextHandler(w, opts)
	}
	return slog.New(logging.NewCorrelationHandler(inner)), level
}

// newCaller returns the api-node caller: a network client with retries and
// a per-host breaker when real_http is set, otherwise a local echo.
func newCaller(cfg Config, logger *slog.Logger) netcall.Caller {
	if !cfg.RealHTTP {
		return netcall.NewEchoCaller(0)
	}
	var retry *netcall.RetryPolicy
	if cfg.HTTPRetries > 0 {
		retry = &netcall.RetryPolicy{Max: cfg.HTTPRetries, Backoff: "exponential", Delay: 200 * time.Millisecond}
	}
	return netcall.NewHTTPCaller(netcall.HTTPConfig{
		Timeout: duration(cfg.HTTPTimeout, 30*time.Second),
		Retry:   retry,
		Breaker: netcall.NewBreaker(netcall.DefaultBreakerConfig()),
		Logger:  logger,
	})
}

// readFlow loads a flow file; "-" reads stdin.
func readFlow(path string, stdin io.Reader) (*schema.Flow, error) {
	if path == "" {
		return nil, fmt.Errorf("a flow file is required")
	}
	if path != "-" {
		return flowfile.Load(path)
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	return flowfile.Parse(data, flowfile.Sniff(data))
}

// parseVars decodes a JSON object given on the command line, or @file.
func parseVars(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	data := []byte(s)
	if name, ok := strings.CutPrefix(s, "@"); ok {
		var err error
		if data, err = os.ReadFile(name); err != nil {
			return nil, fmt.Errorf("read vars: %w", err)
		}
	}
	var vars map[string]any
	if err := json.Unmarshal(data, &vars); err != nil {
		return nil, fmt.Errorf("vars must be a JSON object: %w", err)
	}
	return vars, nil
}

func parseChannel(s string) (schema.Channel, error) {
	if s == "" {
		return "", nil
	}
	ch, ok := schema.ParseChannel(s)
	if !ok {
		return "", fmt.Errorf("unknown channel %q", s)
	}
	return ch, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
