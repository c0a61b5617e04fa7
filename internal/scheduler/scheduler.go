// Package scheduler starts campaign sessions on cron schedules stored in the
// session store. Each due schedule loads its flow file and starts one session
// per recipient on a bounded worker pool.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/chatflow/internal/flowfile"
	"github.com/rendis/chatflow/internal/session"
	"github.com/rendis/chatflow/internal/store"
	"github.com/rendis/chatflow/internal/workpool"
	"github.com/rendis/chatflow/pkg/schema"
)

// Run statuses recorded on a schedule after each campaign.
const (
	RunSuccess = "success"
	RunPartial = "partial"
	RunError   = "error"
)

// VarRecipient holds the 1-based recipient index in each campaign session.
const VarRecipient = "recipient"

// SessionRunner starts sessions. Satisfied by *session.Manager.
type SessionRunner interface {
	Create(ctx context.Context, flow *schema.Flow, co session.CreateOptions) (*session.Session, error)
	Start(ctx context.Context, id string, vars map[string]any) (session.Snapshot, error)
}

// Options configure a Scheduler.
type Options struct {
	Logger *slog.Logger
	// Interval between store polls. Defaults to a minute.
	Interval time.Duration
	// Concurrency bounds sessions started at once per campaign.
	Concurrency int
	// LoadFlow reads a schedule's flow. Defaults to flowfile.Load.
	LoadFlow func(path string) (*schema.Flow, error)
	Now      func() time.Time
}

// Scheduler polls the store for due schedules and runs them.
type Scheduler struct {
	store  store.Store
	runner SessionRunner
	parser cron.Parser
	opts   Options
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// NewScheduler creates a Scheduler.
func NewScheduler(s store.Store, runner SessionRunner, opts Options) *Scheduler {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.LoadFlow == nil {
		opts.LoadFlow = flowfile.Load
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		opts:     opts,
		logger:   opts.Logger,
		inflight: make(map[string]struct{}),
	}
}

// Add validates sc's cron expression, computes its first run and stores it.
func (s *Scheduler) Add(ctx context.Context, sc *store.Schedule) error {
	if sc.FlowPath == "" {
		return schema.NewError(schema.ErrCodeValidation, "schedule needs a flow path")
	}
	next, err := s.CalculateNextRun(sc.CronExpression, s.now())
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid cron expression").WithCause(err)
	}
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	if sc.Recipients < 1 {
		sc.Recipients = 1
	}
	sc.NextRunAt = &next
	sc.CreatedAt = s.now()
	return s.store.CreateSchedule(ctx, sc)
}

// Start launches the polling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return schema.NewError(schema.ErrCodeConflict, "scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.opts.Interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs every enabled schedule that is due and returns how many ran.
func (s *Scheduler) Tick(ctx context.Context) int {
	enabled := true
	schedules, err := s.store.ListSchedules(ctx, store.ScheduleFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list schedules", slog.String("error", err.Error()))
		return 0
	}

	now := s.now()
	ran := 0
	for _, sc := range schedules {
		if sc.NextRunAt != nil && sc.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(sc.ID) {
			continue
		}
		if err := s.runSchedule(ctx, sc, now); err != nil {
			s.logger.Error("failed to run schedule",
				slog.String("schedule_id", sc.ID),
				slog.String("error", err.Error()),
			)
		}
		s.release(sc.ID)
		ran++
	}
	return ran
}

// runSchedule starts the campaign sessions and records the outcome.
func (s *Scheduler) runSchedule(ctx context.Context, sc *store.Schedule, now time.Time) error {
	s.logger.Info("running schedule",
		slog.String("schedule_id", sc.ID),
		slog.String("flow", sc.FlowPath),
		slog.Int("recipients", sc.Recipients),
	)

	flow, err := s.opts.LoadFlow(sc.FlowPath)
	if err != nil {
		s.logger.Error("failed to load schedule flow",
			slog.String("schedule_id", sc.ID),
			slog.String("error", err.Error()),
		)
		return s.updateStatus(ctx, sc, now, RunError)
	}

	started := s.launch(ctx, sc, flow)
	status := RunSuccess
	switch {
	case started == 0:
		status = RunError
	case started < max(sc.Recipients, 1):
		status = RunPartial
	}
	return s.updateStatus(ctx, sc, now, status)
}

// launch starts one session per recipient and returns how many started.
func (s *Scheduler) launch(ctx context.Context, sc *store.Schedule, flow *schema.Flow) int {
	pool := workpool.New(s.opts.Concurrency, s.logger)
	defer pool.Close()

	var started atomic.Int64
	for i := range max(sc.Recipients, 1) {
		vars := maps.Clone(sc.Variables)
		if vars == nil {
			vars = map[string]any{}
		}
		vars[VarRecipient] = i + 1

		err := pool.Go(ctx, fmt.Sprintf("%s/%d", sc.ID, i+1), func(ctx context.Context) error {
			sess, err := s.runner.Create(ctx, flow, session.CreateOptions{Source: "schedule:" + sc.ID})
			if err != nil {
				return err
			}
			if _, err := s.runner.Start(ctx, sess.ID, vars); err != nil {
				return err
			}
			started.Add(1)
			return nil
		})
		if err != nil {
			break
		}
	}
	if err := pool.Wait(); err != nil {
		s.logger.Warn("campaign sessions failed",
			slog.String("schedule_id", sc.ID),
			slog.String("error", err.Error()),
		)
	}
	return int(started.Load())
}

func (s *Scheduler) updateStatus(ctx context.Context, sc *store.Schedule, now time.Time, status string) error {
	next, err := s.CalculateNextRun(sc.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for schedule %q: %w", sc.ID, err)
	}

	return s.store.UpdateSchedule(ctx, sc.ID, store.ScheduleUpdate{
		LastRunAt:     &now,
		NextRunAt:     &next,
		LastRunStatus: status,
	})
}

func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	sched, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return sched.Next(from), nil
}

func (s *Scheduler) now() time.Time { return s.opts.Now().UTC() }

// Stop shuts down the polling loop and waits for the current tick.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
