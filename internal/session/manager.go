// Package session hosts many concurrent conversation runs. Each session owns
// one engine and its flow; the manager mirrors engine events into the event
// hub, the transcript store, the metrics and a diagram overlay.
package session

import (
	"cmp"
	"context"
	"encoding/json"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/chatflow/internal/channel"
	"github.com/rendis/chatflow/internal/clock"
	"github.com/rendis/chatflow/internal/diagram"
	"github.com/rendis/chatflow/internal/engine"
	"github.com/rendis/chatflow/internal/expressions"
	"github.com/rendis/chatflow/internal/logging"
	"github.com/rendis/chatflow/internal/metrics"
	"github.com/rendis/chatflow/internal/netcall"
	"github.com/rendis/chatflow/internal/store"
	"github.com/rendis/chatflow/internal/streaming"
	"github.com/rendis/chatflow/pkg/schema"
)

// Options configure a Manager. Every collaborator is optional.
type Options struct {
	Store           store.Store
	Hub             streaming.EventHub
	Metrics         *metrics.Metrics
	Caller          netcall.Caller
	Evaluator       *expressions.Evaluator
	Logger          *slog.Logger
	ClockMode       clock.Mode
	APIErrorEvents  bool
	WhatsAppContext channel.Context
	// MaxSessions caps live sessions; zero means unlimited.
	MaxSessions int
}

// CreateOptions override the flow settings for one session.
type CreateOptions struct {
	Channel   schema.Channel
	ClockMode clock.Mode
	Source    string
}

// Snapshot is the externally visible state of a session.
type Snapshot struct {
	ID            string              `json:"id"`
	FlowID        string              `json:"flowId,omitempty"`
	FlowTitle     string              `json:"flowTitle,omitempty"`
	Channel       schema.Channel      `json:"channel"`
	ClockMode     clock.Mode          `json:"clockMode"`
	Status        schema.EngineStatus `json:"status"`
	Waiting       *engine.Waiting     `json:"waiting,omitempty"`
	Variables     map[string]any      `json:"variables"`
	PendingTimers int                 `json:"pendingTimers"`
	Messages      int                 `json:"messages"`
	Errors        int                 `json:"errors"`
	Source        string              `json:"source,omitempty"`
	CreatedAt     time.Time           `json:"createdAt"`
	Now           time.Time           `json:"now"`
}

// Session is one hosted run.
type Session struct {
	ID        string
	Flow      *schema.Flow
	Engine    *engine.Engine
	ClockMode clock.Mode
	Source    string
	CreatedAt time.Time

	mu       sync.Mutex
	overlay  diagram.Overlay
	messages []schema.BotMessage
	errors   int
	detach   []func()
}

// Messages returns the bot messages sent so far.
func (s *Session) Messages() []schema.BotMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages)
}

// Diagram builds the flow diagram with the run overlaid.
func (s *Session) Diagram() *diagram.DiagramModel {
	s.mu.Lock()
	overlay := make(diagram.Overlay, len(s.overlay))
	for id, st := range s.overlay {
		cp := *st
		overlay[id] = &cp
	}
	s.mu.Unlock()

	title := s.Flow.Title
	if title == "" {
		title = s.Flow.ID
	}
	return diagram.Build(s.Engine.Compiled(), title, overlay)
}

// Snapshot captures the session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	msgs, errs := len(s.messages), s.errors
	s.mu.Unlock()

	return Snapshot{
		ID:            s.ID,
		FlowID:        s.Flow.ID,
		FlowTitle:     s.Flow.Title,
		Channel:       s.Engine.Channel(),
		ClockMode:     s.ClockMode,
		Status:        s.Engine.Status(),
		Waiting:       s.Engine.Waiting(),
		Variables:     s.Engine.Variables(),
		PendingTimers: s.Engine.PendingTimers(),
		Messages:      msgs,
		Errors:        errs,
		Source:        s.Source,
		CreatedAt:     s.CreatedAt,
		Now:           s.Engine.Now(),
	}
}

func (s *Session) observe(event string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overlay.Apply(event, payload)
	switch p := payload.(type) {
	case schema.BotMessage:
		s.messages = append(s.messages, p)
	case schema.ErrorEvent:
		s.errors++
	}
}

// Manager owns the live sessions.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	pending  int // slots reserved by Create calls still in progress
	opts     Options
	logger   *slog.Logger
}

// NewManager creates a Manager.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	if opts.ClockMode == "" {
		opts.ClockMode = clock.ModeReal
	}
	return &Manager{
		sessions: make(map[string]*Session),
		opts:     opts,
		logger:   logger,
	}
}

// Create compiles flow into a new idle session.
func (m *Manager) Create(ctx context.Context, flow *schema.Flow, co CreateOptions) (*Session, error) {
	if flow == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "flow is required")
	}

	if !m.reserve() {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "session limit of %d reached", m.opts.MaxSessions)
	}
	inserted := false
	defer func() {
		if !inserted {
			m.mu.Lock()
			m.pending--
			m.mu.Unlock()
		}
	}()

	ch := co.Channel
	if ch == "" {
		ch = flow.Channel
	}
	if ch == "" {
		ch = schema.DefaultChannel
	}
	mode := co.ClockMode
	if mode == "" {
		mode = m.opts.ClockMode
	}

	id := uuid.NewString()
	ctx = logging.WithFlowID(logging.WithSessionID(ctx, id), flow.ID)
	logger := logging.LogWith(ctx, m.logger)

	opts := []engine.Option{
		engine.WithChannel(ch),
		engine.WithClock(clock.New(mode)),
		engine.WithLogger(logger),
		engine.WithWhatsAppContext(m.opts.WhatsAppContext),
		engine.WithCaller(m.caller()),
	}
	if m.opts.Evaluator != nil {
		opts = append(opts, engine.WithEvaluator(m.opts.Evaluator))
	}
	if m.opts.APIErrorEvents {
		opts = append(opts, engine.WithAPIErrorEvents())
	}

	eng := engine.New(opts...)
	eng.SetFlow(flow.Nodes, flow.Edges)

	s := &Session{
		ID:        id,
		Flow:      flow,
		Engine:    eng,
		ClockMode: mode,
		Source:    co.Source,
		CreatedAt: time.Now().UTC(),
		overlay:   diagram.Overlay{},
	}

	if m.opts.Store != nil {
		rec := &store.Session{
			ID:        id,
			FlowID:    flow.ID,
			FlowTitle: flow.Title,
			Channel:   ch,
			Status:    schema.StatusIdle,
			Source:    co.Source,
			CreatedAt: s.CreatedAt,
		}
		if err := m.opts.Store.CreateSession(ctx, rec); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "create session record").WithCause(err)
		}
	}

	// Delivery follows registration: overlay, store, hub, metrics.
	sub := eng.OnAll(s.observe)
	s.detach = append(s.detach, func() { eng.Off(sub) })
	m.wire(ctx, s)

	m.mu.Lock()
	m.sessions[id] = s
	m.pending--
	m.mu.Unlock()
	inserted = true

	logger.Info("session created", slog.String("channel", string(ch)), slog.String("clock", string(mode)))
	return s, nil
}

// reserve claims a session slot under the write lock so concurrent creates
// cannot pass the cap together.
func (m *Manager) reserve() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.opts.MaxSessions > 0 && len(m.sessions)+m.pending >= m.opts.MaxSessions {
		return false
	}
	m.pending++
	return true
}

func (m *Manager) caller() netcall.Caller {
	c := m.opts.Caller
	if c == nil {
		c = netcall.NewEchoCaller(0)
	}
	if m.opts.Metrics != nil {
		return m.opts.Metrics.InstrumentCaller(c)
	}
	return c
}

// wire attaches the store recorder, hub forwarding and metrics to s.
func (m *Manager) wire(ctx context.Context, s *Session) {
	bus := s.Engine.Bus()
	if m.opts.Store != nil {
		rec := &recorder{store: m.opts.Store, session: s, logger: logging.LogWith(ctx, m.logger)}
		sub := bus.OnAll(rec.record)
		s.detach = append(s.detach, func() { bus.Off(sub) })
	}
	if m.opts.Hub != nil {
		sub := streaming.Forward(bus, m.opts.Hub, s.ID, s.Engine.Now)
		s.detach = append(s.detach, func() { bus.Off(sub) })
	}
	if m.opts.Metrics != nil {
		s.detach = append(s.detach, m.opts.Metrics.Observe(bus))
	}
}

// Get returns a live session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "session %q not found", id)
	}
	return s, nil
}

// List returns snapshots of every live session, oldest first.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	sessions := slices.Collect(maps.Values(m.sessions))
	m.mu.RUnlock()

	slices.SortFunc(sessions, func(a, b *Session) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	out := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	return out
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Start runs the session from the flow's start node with vars seeded.
func (m *Manager) Start(ctx context.Context, id string, vars map[string]any) (Snapshot, error) {
	s, err := m.Get(id)
	if err != nil {
		return Snapshot{}, err
	}
	if err := s.Engine.StartWithVars(vars, s.Flow.StartNodeID); err != nil {
		return Snapshot{}, err
	}
	return s.Snapshot(), nil
}

// Input records text in the transcript and pushes it into the run.
func (m *Manager) Input(ctx context.Context, id, text string) (Snapshot, error) {
	s, err := m.Get(id)
	if err != nil {
		return Snapshot{}, err
	}
	if m.opts.Store != nil {
		payload, _ := json.Marshal(store.UserInput{Text: text})
		ev := &store.Event{SessionID: id, Type: store.EventUserInput, Payload: payload, Timestamp: s.Engine.Now()}
		if err := m.opts.Store.AppendEvent(ctx, ev); err != nil {
			logging.LogWith(ctx, m.logger).Warn("record user input failed",
				slog.String("session_id", id), slog.String("error", err.Error()))
		}
	}
	s.Engine.PushUserInput(text)
	return s.Snapshot(), nil
}

// Stop ends the run of a session.
func (m *Manager) Stop(ctx context.Context, id string) (Snapshot, error) {
	s, err := m.Get(id)
	if err != nil {
		return Snapshot{}, err
	}
	s.Engine.Stop()
	return s.Snapshot(), nil
}

// Reset returns a session to idle and clears its overlay.
func (m *Manager) Reset(ctx context.Context, id string) (Snapshot, error) {
	s, err := m.Get(id)
	if err != nil {
		return Snapshot{}, err
	}
	s.Engine.Reset()
	s.mu.Lock()
	s.overlay = diagram.Overlay{}
	s.mu.Unlock()
	return s.Snapshot(), nil
}

// Advance moves a mock-clock session forward by d, or runs every pending
// timer when d is zero. In-flight api calls are awaited afterwards so their
// completions land before the snapshot.
func (m *Manager) Advance(ctx context.Context, id string, d time.Duration) (Snapshot, error) {
	s, err := m.Get(id)
	if err != nil {
		return Snapshot{}, err
	}
	if s.ClockMode != clock.ModeMock {
		return Snapshot{}, schema.NewErrorf(schema.ErrCodeConflict, "session %s uses the %s clock", id, s.ClockMode)
	}
	if d > 0 {
		s.Engine.AdvanceMock(d)
	} else {
		s.Engine.FlushMock()
	}
	if err := s.Engine.WaitInFlight(ctx); err != nil {
		return Snapshot{}, err
	}
	return s.Snapshot(), nil
}

// Snapshot returns the state of one session.
func (m *Manager) Snapshot(id string) (Snapshot, error) {
	s, err := m.Get(id)
	if err != nil {
		return Snapshot{}, err
	}
	return s.Snapshot(), nil
}

// Delete stops a session, detaches its observers and drops its record.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "session %q not found", id)
	}

	m.release(s)
	if m.opts.Store != nil {
		if err := m.opts.Store.DeleteSession(ctx, id); err != nil && schema.ErrorCode(err) != schema.ErrCodeNotFound {
			return schema.NewError(schema.ErrCodeStore, "delete session record").WithCause(err)
		}
	}
	return nil
}

// Close stops every session. Records stay in the store.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := slices.Collect(maps.Values(m.sessions))
	clear(m.sessions)
	m.mu.Unlock()

	for _, s := range sessions {
		m.release(s)
	}
}

func (m *Manager) release(s *Session) {
	if !s.Engine.Status().IsTerminal() && s.Engine.Status() != schema.StatusIdle {
		s.Engine.Stop()
	}
	for _, fn := range s.detach {
		fn()
	}
	s.detach = nil
}
