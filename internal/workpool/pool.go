// Package workpool runs flow sessions concurrently under a fixed limit.
// Simulation suites and scheduled campaigns submit one job per session.
package workpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rendis/chatflow/pkg/schema"
)

// ErrClosed is returned by Go once Close has been called.
var ErrClosed = errors.New("workpool: closed")

// Job is one unit of session work.
type Job func(ctx context.Context) error

// Stats is a point-in-time view of a pool's counters.
type Stats struct {
	Running   int64 `json:"running"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Panicked  int64 `json:"panicked"`
}

// Pool bounds how many jobs run at once. Go blocks while the pool is full.
type Pool struct {
	slots  chan struct{}
	wg     sync.WaitGroup
	closed chan struct{}
	logger *slog.Logger

	mu     sync.Mutex
	isDone bool
	errs   []error

	running, succeeded, failed, panicked atomic.Int64
}

// New creates a pool running at most limit jobs concurrently.
func New(limit int, logger *slog.Logger) *Pool {
	if limit <= 0 {
		limit = 1
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Pool{
		slots:  make(chan struct{}, limit),
		closed: make(chan struct{}),
		logger: logger,
	}
}

// Limit returns the pool's concurrency limit.
func (p *Pool) Limit() int { return cap(p.slots) }

// Go starts job under name once a slot frees up. It returns ctx.Err() if
// ctx ends first and ErrClosed after Close.
func (p *Pool) Go(ctx context.Context, name string, job Job) error {
	if p.isClosed() {
		return ErrClosed
	}

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closed:
		return ErrClosed
	}

	// Add must happen under mu so Close cannot Wait before it.
	p.mu.Lock()
	if p.isDone {
		p.mu.Unlock()
		<-p.slots
		return ErrClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()
	p.running.Add(1)

	go p.run(ctx, name, job)
	return nil
}

func (p *Pool) run(ctx context.Context, name string, job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			p.failed.Add(1)
			p.record(schema.NewErrorf(schema.ErrCodeExecution, "job %s panicked: %v", name, r))
			p.logger.Error("job panicked", "job", name, "panic", fmt.Sprint(r))
		}
		p.running.Add(-1)
		<-p.slots
		p.wg.Done()
	}()

	if err := job(ctx); err != nil {
		p.failed.Add(1)
		p.record(fmt.Errorf("job %s: %w", name, err))
		p.logger.Warn("job failed", "job", name, "error", err)
		return
	}
	p.succeeded.Add(1)
}

func (p *Pool) record(err error) {
	p.mu.Lock()
	p.errs = append(p.errs, err)
	p.mu.Unlock()
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isDone
}

// Wait blocks until every started job has returned and reports their
// failures joined into one error.
func (p *Pool) Wait() error {
	p.wg.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	return errors.Join(p.errs...)
}

// Close rejects further jobs and waits for running ones. Safe to call twice.
func (p *Pool) Close() {
	p.mu.Lock()
	if !p.isDone {
		p.isDone = true
		close(p.closed)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Stats snapshots the pool's counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Running:   p.running.Load(),
		Succeeded: p.succeeded.Load(),
		Failed:    p.failed.Load(),
		Panicked:  p.panicked.Load(),
	}
}
