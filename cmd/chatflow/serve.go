package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/rendis/chatflow/internal/clock"
	"github.com/rendis/chatflow/internal/logging"
	"github.com/rendis/chatflow/internal/metrics"
	"github.com/rendis/chatflow/internal/panel"
	"github.com/rendis/chatflow/internal/scheduler"
	"github.com/rendis/chatflow/internal/session"
	"github.com/rendis/chatflow/internal/store"
	"github.com/rendis/chatflow/internal/streaming"
	"github.com/rendis/chatflow/internal/validation"
)

// server is the wired serve process.
type server struct {
	cfg       Config
	logger    *slog.Logger
	level     *slog.LevelVar
	store     *store.LibSQLStore
	sessions  *session.Manager
	scheduler *scheduler.Scheduler
	metrics   *metrics.Metrics
	handler   *handlerSwapper
	deps      panel.PanelDeps
}

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	listenAddr := fs.String("listen-addr", "", "TCP listen address (overrides config)")
	dbPath := fs.String("db-path", "", "database path (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := loadConfig()
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	s, err := newServer(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.close()
	return s.run(ctx)
}

func newServer(ctx context.Context, cfg Config) (*server, error) {
	logger, level := newLogger(os.Stderr, cfg)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}

	reg := metrics.New(true)
	hub := streaming.NewMemoryHub()
	m := session.NewManager(session.Options{
		Store:       st,
		Hub:         hub,
		Metrics:     reg,
		Caller:      newCaller(cfg, logger),
		Logger:      logger,
		ClockMode:   clock.Mode(cfg.ClockMode),
		MaxSessions: cfg.MaxSessions,
	})
	sched := scheduler.NewScheduler(st, m, scheduler.Options{
		Logger:   logger,
		Interval: duration(cfg.SchedulerInterval, time.Minute),
	})
	v, err := validation.NewFlowValidator(nil, validation.Options{})
	if err != nil {
		m.Close()
		_ = st.Close()
		return nil, err
	}

	s := &server{
		cfg:       cfg,
		logger:    logger,
		level:     level,
		store:     st,
		sessions:  m,
		scheduler: sched,
		metrics:   reg,
		deps: panel.PanelDeps{
			Sessions:  m,
			Validator: v,
			Store:     st,
			Hub:       hub,
			Metrics:   reg,
			Scheduler: sched,
			Logger:    logger,
		},
	}
	s.handler = newHandlerSwapper(s.buildHandler(cfg.Panel))
	return s, nil
}

// buildHandler returns the full console when panel is on, otherwise only
// health and metrics.
func (s *server) buildHandler(panelOn bool) http.Handler {
	if panelOn {
		return panel.NewPanelServer(s.deps).Handler()
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","sessions":%d}`, s.sessions.Len())
	})
	mux.Handle("GET /metrics", s.metrics.Handler())
	return mux
}

func (s *server) run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.WriteFile(pidPath(), []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		s.logger.Warn("write pid file failed", slog.String("error", err.Error()))
	}
	defer os.Remove(pidPath())

	if err := s.scheduler.Start(ctx); err != nil {
		return err
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				s.reload(loadConfig())
			}
		}
	}()

	srv := &http.Server{Addr: s.cfg.ListenAddr, Handler: s.handler, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("chatflow serving",
		slog.String("addr", s.cfg.ListenAddr),
		slog.String("base_url", s.cfg.BaseURL),
		slog.Bool("panel", s.cfg.Panel))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// reload applies what can change without a restart and logs the rest.
func (s *server) reload(next Config) {
	d := diffConfigs(s.cfg, next)
	if d.LogLevelChanged {
		s.level.Set(logging.ParseLevel(next.LogLevel))
		s.cfg.LogLevel = next.LogLevel
	}
	if d.PanelChanged {
		s.handler.Swap(s.buildHandler(next.Panel))
		s.cfg.Panel = next.Panel
	}
	for _, field := range d.RestartNeeded {
		s.logger.Warn("config change needs a restart", slog.String("field", field))
	}
	s.logger.Info("configuration reloaded",
		slog.Bool("panel", s.cfg.Panel),
		slog.String("log_level", s.cfg.LogLevel))
}

func (s *server) close() {
	if err := s.scheduler.Stop(); err != nil {
		s.logger.Warn("scheduler stop failed", slog.String("error", err.Error()))
	}
	s.sessions.Close()
	if err := s.store.Close(); err != nil {
		s.logger.Warn("store close failed", slog.String("error", err.Error()))
	}
}
