package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rendis/chatflow/internal/clock"
	"github.com/rendis/chatflow/internal/session"
	"github.com/rendis/chatflow/internal/store"
	"github.com/rendis/chatflow/internal/streaming"
	"github.com/rendis/chatflow/internal/validation"
	chatflowmcp "github.com/rendis/chatflow/pkg/mcp"
)

// runMCP serves the chatflow tools over stdio. Stdout carries the protocol,
// so logs go to stderr.
func runMCP(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("mcp", flag.ContinueOnError)
	record := fs.Bool("record", false, "record session transcripts in the database")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := loadConfig()
	logger, _ := newLogger(os.Stderr, cfg)

	opts := session.Options{
		Hub:       streaming.NewMemoryHub(),
		Caller:    newCaller(cfg, logger),
		Logger:    logger,
		ClockMode: clock.ModeMock,
	}
	if *record {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
		st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			return err
		}
		opts.Store = st
	}
	m := session.NewManager(opts)
	defer m.Close()

	v, err := validation.NewFlowValidator(nil, validation.Options{})
	if err != nil {
		return err
	}
	srv := chatflowmcp.NewChatflowServer(chatflowmcp.ChatflowServerDeps{
		Sessions:  m,
		Validator: v,
		Hub:       opts.Hub,
		Logger:    logger,
	})
	return srv.Serve(ctx)
}
