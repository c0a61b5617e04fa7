package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/chatflow/internal/channel"
	"github.com/rendis/chatflow/internal/clock"
	"github.com/rendis/chatflow/internal/expressions"
	"github.com/rendis/chatflow/internal/logging"
	"github.com/rendis/chatflow/internal/netcall"
	"github.com/rendis/chatflow/internal/streaming"
	"github.com/rendis/chatflow/pkg/schema"
)

// Reserved variable names.
const (
	VarLastUserMessage = "last_user_message"
	VarLastAPIResponse = "last_api_response"
	DefaultAskVar      = "answer"
)

// ErrNoFlow is returned by Start when SetFlow was never called.
var ErrNoFlow = schema.NewError(schema.ErrCodeNoFlow, "no flow set: call SetFlow first")

// Config holds the run settings merged by Configure. Zero fields are left
// unchanged.
type Config struct {
	Channel   schema.Channel `json:"channel,omitempty"`
	ClockMode clock.Mode     `json:"clockMode,omitempty"`
}

// Waiting describes the node suspended on user input.
type Waiting struct {
	NodeID  string `json:"nodeId"`
	VarName string `json:"varName"`
}

type suspendKind string

const (
	suspendTimer   suspendKind = "timer"
	suspendNetwork suspendKind = "network"
)

// suspension is the single outstanding async operation of a run.
type suspension struct {
	nodeID string
	kind   suspendKind
	handle clock.Handle
}

type pendingEvent struct {
	name    string
	payload any
}

// Option configures an Engine.
type Option func(*Engine)

// WithChannel sets the channel bot messages are rendered for.
func WithChannel(ch schema.Channel) Option {
	return func(e *Engine) { e.channel = ch }
}

// WithClock installs the time source delays are scheduled on.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clk = c }
}

// WithCaller installs the network collaborator used by api nodes.
func WithCaller(c netcall.Caller) Option {
	return func(e *Engine) { e.caller = c }
}

// WithEvaluator installs the expression evaluator used by condition nodes.
func WithEvaluator(ev *expressions.Evaluator) Option {
	return func(e *Engine) { e.eval = ev }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithAPIErrorEvents makes failed api calls emit an error event in addition
// to their trace entry.
func WithAPIErrorEvents() Option {
	return func(e *Engine) { e.apiErrorEvents = true }
}

// WithWhatsAppContext selects the WhatsApp button limits reported on bot messages.
func WithWhatsAppContext(c channel.Context) Option {
	return func(e *Engine) { e.waContext = c }
}

// WithIDGenerator overrides how bot message ids are generated.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// Engine interprets a compiled flow graph. All state is guarded by mu; events
// produced under the lock are queued and dispatched once it is released, by
// exactly one goroutine at a time, so handlers may call back into the engine.
type Engine struct {
	mu sync.Mutex

	fsm            *StatusFSM
	bus            *streaming.Bus
	logger         *slog.Logger
	channel        schema.Channel
	waContext      channel.Context
	clk            clock.Clock
	caller         netcall.Caller
	eval           *expressions.Evaluator
	apiErrorEvents bool
	newID          func() string

	compiled *Compiled
	status   schema.EngineStatus
	queue    []string
	vars     map[string]any
	waiting  *Waiting
	timers   map[clock.Handle]struct{}
	susp     *suspension
	epoch    uint64

	runCtx    context.Context
	cancelRun context.CancelFunc
	inflight  int           // api calls not yet resolved, guarded by mu
	idle      chan struct{} // closed when inflight drops to zero

	outbox      []pendingEvent
	dispatching bool
}

// New creates an idle Engine. Without options it renders for WhatsApp, uses
// the wall clock and answers api nodes with an EchoCaller.
func New(opts ...Option) *Engine {
	e := &Engine{
		fsm:     NewStatusFSM(),
		channel: schema.DefaultChannel,
		status:  schema.StatusIdle,
		vars:    make(map[string]any),
		timers:  make(map[clock.Handle]struct{}),
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logging.Discard()
	}
	if e.clk == nil {
		e.clk = clock.NewReal()
	}
	if e.caller == nil {
		e.caller = netcall.NewEchoCaller(0)
	}
	if e.eval == nil {
		// evaluated under mu, so reading e.clk is safe
		e.eval = expressions.NewEvaluator(expressions.WithNow(func() time.Time { return e.clk.Now() }))
	}
	e.bus = streaming.NewBus(e.logger)
	e.runCtx, e.cancelRun = context.WithCancel(context.Background())
	return e
}

// FSM exposes the status state machine so callers can hook transitions.
func (e *Engine) FSM() *StatusFSM { return e.fsm }

// Configure merges cfg into the engine settings. A new clock mode installs a
// fresh clock of that mode; it is refused while timers are outstanding.
func (e *Engine) Configure(cfg Config) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cfg.ClockMode != "" {
		if len(e.timers) > 0 {
			return schema.NewError(schema.ErrCodeConflict, "cannot swap the clock while timers are pending")
		}
		e.clk = clock.New(cfg.ClockMode)
	}
	if cfg.Channel != "" {
		e.channel = cfg.Channel
	}
	return nil
}

// SetFlow compiles the graph and replaces the current one. Run state is untouched.
func (e *Engine) SetFlow(nodes []schema.Node, edges []schema.Edge) *Compiled {
	c := Compile(nodes, edges)
	e.mu.Lock()
	e.compiled = c
	e.mu.Unlock()
	return c
}

// Compiled returns the current compiled graph, or nil.
func (e *Engine) Compiled() *Compiled {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.compiled
}

// Start resets the engine and runs from the first candidate present in the
// graph, falling back to the first entry point. Without any usable entry
// point it returns nil and stays idle.
func (e *Engine) Start(candidates ...string) error {
	return e.StartWithVars(nil, candidates...)
}

// StartWithVars is Start with the variable bindings seeded from vars after
// the reset.
func (e *Engine) StartWithVars(vars map[string]any, candidates ...string) error {
	e.mu.Lock()
	if e.compiled == nil {
		e.mu.Unlock()
		return ErrNoFlow
	}

	e.resetLocked()
	maps.Copy(e.vars, vars)

	start := ""
	for _, id := range candidates {
		if id != "" && e.compiled.Has(id) {
			start = id
			break
		}
	}
	if start == "" && len(e.compiled.Starts) > 0 {
		start = e.compiled.Starts[0]
	}
	if start == "" {
		e.unlockAndDispatch()
		return nil
	}

	e.logger.Debug("run started", slog.String("node_id", start), slog.Uint64("epoch", e.epoch))
	e.queue = append(e.queue, start)
	e.setStatus(schema.StatusRunning)
	e.drain()
	e.unlockAndDispatch()
	return nil
}

// Stop ends the run: timers are cancelled, the queue and waiting slot are
// cleared and a done{stopped} event is emitted.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.setStatus(schema.StatusStopped)
	e.cancelTimersLocked()
	e.queue = nil
	e.waiting = nil
	e.susp = nil
	e.invalidateRunLocked()
	e.emit(schema.EventDone, schema.DoneEvent{Reason: schema.StatusStopped})
	e.unlockAndDispatch()
}

// Reset clears the queue, waiting slot, variables and timers and returns to idle.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.resetLocked()
	e.unlockAndDispatch()
}

func (e *Engine) resetLocked() {
	e.queue = nil
	e.waiting = nil
	e.vars = make(map[string]any)
	e.cancelTimersLocked()
	e.susp = nil
	e.invalidateRunLocked()
	e.setStatus(schema.StatusIdle)
}

// invalidateRunLocked makes every completion issued so far stale.
func (e *Engine) invalidateRunLocked() {
	e.epoch++
	e.cancelRun()
	e.runCtx, e.cancelRun = context.WithCancel(context.Background())
}

func (e *Engine) cancelTimersLocked() {
	for h := range e.timers {
		e.clk.Cancel(h)
	}
	clear(e.timers)
}

// PushUserInput records text as the last user message. When a node is
// waiting for input, its variable is bound to text and the run resumes.
func (e *Engine) PushUserInput(text string) {
	e.mu.Lock()
	e.vars[VarLastUserMessage] = text
	if e.waiting == nil {
		e.unlockAndDispatch()
		return
	}

	w := e.waiting
	e.vars[w.VarName] = text
	e.waiting = nil
	e.setStatus(schema.StatusRunning)
	if next, ok := e.compiled.First(w.NodeID); ok {
		e.queue = append(e.queue, next)
	}
	e.drain()
	e.unlockAndDispatch()
}

// AdvanceMock runs the mock clock forward by d. No-op with a real clock.
func (e *Engine) AdvanceMock(d time.Duration) {
	if f, ok := e.flusher(); ok {
		f.Flush(d, true)
	}
}

// FlushMock runs every pending mock-clock task. No-op with a real clock.
func (e *Engine) FlushMock() {
	if f, ok := e.flusher(); ok {
		f.Flush(0, false)
	}
}

func (e *Engine) flusher() (clock.Flusher, bool) {
	e.mu.Lock()
	clk := e.clk
	e.mu.Unlock()
	f, ok := clk.(clock.Flusher)
	return f, ok
}

// WaitInFlight blocks until no network call is outstanding, including calls
// started by the results of earlier ones, or ctx is done. It may run while
// other goroutines drive the engine.
func (e *Engine) WaitInFlight(ctx context.Context) error {
	for {
		e.mu.Lock()
		if e.inflight == 0 {
			e.mu.Unlock()
			return nil
		}
		idle := e.idle
		e.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// callStarted records a new network call. Caller holds mu.
func (e *Engine) callStarted() {
	if e.inflight == 0 {
		e.idle = make(chan struct{})
	}
	e.inflight++
}

func (e *Engine) callFinished() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inflight--
	if e.inflight == 0 {
		close(e.idle)
	}
}

// --- accessors ---

// Status returns the current run status.
func (e *Engine) Status() schema.EngineStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Variables returns a snapshot of the variable bindings.
func (e *Engine) Variables() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return maps.Clone(e.vars)
}

// Waiting returns the waiting slot, or nil.
func (e *Engine) Waiting() *Waiting {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.waiting == nil {
		return nil
	}
	w := *e.waiting
	return &w
}

// PendingTimers returns the number of tracked timers.
func (e *Engine) PendingTimers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.timers)
}

// QueueLen returns the number of queued node ids.
func (e *Engine) QueueLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Suspended reports whether a timer or network call is outstanding.
func (e *Engine) Suspended() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.susp != nil
}

// Channel returns the channel bot messages are rendered for.
func (e *Engine) Channel() schema.Channel {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.channel
}

// Now returns the engine's current time, virtual under a mock clock.
func (e *Engine) Now() time.Time {
	e.mu.Lock()
	clk := e.clk
	e.mu.Unlock()
	return clk.Now()
}

// --- events ---

// Bus returns the event bus the engine publishes on.
func (e *Engine) Bus() *streaming.Bus { return e.bus }

// On subscribes h to the named event.
func (e *Engine) On(event string, h streaming.Handler) streaming.Subscription {
	return e.bus.On(event, h)
}

// OnAll subscribes h to every event.
func (e *Engine) OnAll(h streaming.AllHandler) streaming.Subscription {
	return e.bus.OnAll(h)
}

// Off removes exactly the subscriber identified by sub.
func (e *Engine) Off(sub streaming.Subscription) {
	e.bus.Off(sub)
}

func (e *Engine) unsubscribe(sub streaming.Subscription) func() {
	return func() { e.bus.Off(sub) }
}

// OnStatus subscribes to status changes.
func (e *Engine) OnStatus(fn func(schema.StatusEvent)) func() {
	return e.unsubscribe(streaming.On(e.bus, schema.EventStatus, fn))
}

// OnBotMessage subscribes to bot messages.
func (e *Engine) OnBotMessage(fn func(schema.BotMessage)) func() {
	return e.unsubscribe(streaming.On(e.bus, schema.EventBotMessage, fn))
}

// OnTrace subscribes to trace entries.
func (e *Engine) OnTrace(fn func(schema.TraceEvent)) func() {
	return e.unsubscribe(streaming.On(e.bus, schema.EventTrace, fn))
}

// OnError subscribes to node errors.
func (e *Engine) OnError(fn func(schema.ErrorEvent)) func() {
	return e.unsubscribe(streaming.On(e.bus, schema.EventError, fn))
}

// OnWaiting subscribes to waiting-for-input events.
func (e *Engine) OnWaiting(fn func(schema.WaitingEvent)) func() {
	return e.unsubscribe(streaming.On(e.bus, schema.EventWaitingForInput, fn))
}

// OnDone subscribes to run completion.
func (e *Engine) OnDone(fn func(schema.DoneEvent)) func() {
	return e.unsubscribe(streaming.On(e.bus, schema.EventDone, fn))
}

// emit queues an event for dispatch. Caller holds mu.
func (e *Engine) emit(name string, payload any) {
	e.outbox = append(e.outbox, pendingEvent{name: name, payload: payload})
}

// unlockAndDispatch releases mu and delivers queued events unless another
// goroutine is already dispatching, in which case that goroutine delivers them.
func (e *Engine) unlockAndDispatch() {
	if e.dispatching {
		e.mu.Unlock()
		return
	}
	e.dispatching = true
	for len(e.outbox) > 0 {
		batch := e.outbox
		e.outbox = nil
		e.mu.Unlock()
		for _, ev := range batch {
			e.bus.Emit(ev.name, ev.payload)
		}
		e.mu.Lock()
	}
	e.dispatching = false
	e.mu.Unlock()
}

// setStatus moves the run to status to. Caller holds mu.
func (e *Engine) setStatus(to schema.EngineStatus) {
	from := e.status
	err := e.fsm.Transition(from, to, func() { e.status = to })
	if err != nil {
		e.logger.Error("status transition rejected",
			slog.String("from", string(from)),
			slog.String("to", string(to)),
			slog.String("error", err.Error()))
		return
	}
	e.emit(schema.EventStatus, schema.StatusEvent{Status: to})
}

func (e *Engine) trace(nodeID, result string) {
	e.emit(schema.EventTrace, schema.TraceEvent{TS: e.clk.Now(), NodeID: nodeID, Result: result})
}

func (e *Engine) nodeError(nodeID string, err error) {
	e.logger.Warn("node failed", slog.String("node_id", nodeID), slog.String("error", err.Error()))
	e.emit(schema.EventError, schema.ErrorEvent{NodeID: nodeID, Message: errorMessage(err)})
}

func errorMessage(err error) string {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe.Message
	}
	return err.Error()
}

// drain executes queued nodes until the queue empties, the run leaves
// running or a node suspends. Caller holds mu.
func (e *Engine) drain() {
	for len(e.queue) > 0 && e.status == schema.StatusRunning && e.susp == nil {
		id := e.queue[0]
		e.queue = e.queue[1:]

		node, ok := e.compiled.Nodes[id]
		if !ok {
			continue
		}

		out, err := e.execute(node)
		if err != nil {
			e.nodeError(id, err)
			continue
		}
		if out != outcomeSync {
			break
		}
	}

	if e.status == schema.StatusRunning && len(e.queue) == 0 && e.susp == nil {
		e.setStatus(schema.StatusCompleted)
		e.emit(schema.EventDone, schema.DoneEvent{Reason: schema.StatusCompleted})
		e.logger.Debug("run completed", slog.Uint64("epoch", e.epoch))
	}
}

// execute runs one node, converting a panic into an error.
func (e *Engine) execute(n *RuntimeNode) (out outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = schema.NewErrorf(schema.ErrCodeExecution, "node panicked: %v", r).WithNode(n.ID)
		}
	}()
	e.logger.Debug("executing node", slog.String("node_id", n.ID), slog.String("kind", string(n.Kind)))

	switch n.Kind {
	case schema.KindMessage:
		return e.execMessage(n)
	case schema.KindAsk:
		return e.execAsk(n)
	case schema.KindCondition:
		return e.execCondition(n)
	case schema.KindDelay:
		return e.execDelay(n)
	case schema.KindAPI:
		return e.execAPI(n)
	default:
		e.trace(n.ID, "noop")
		e.enqueueNext(n.ID)
		return outcomeSync, nil
	}
}

func (e *Engine) enqueueNext(id string) {
	if next, ok := e.compiled.First(id); ok {
		e.queue = append(e.queue, next)
	}
}

// suspend registers the run's single outstanding async operation.
func (e *Engine) suspend(s *suspension) error {
	if e.susp != nil {
		return schema.NewErrorf(schema.ErrCodeSuspensionConflict,
			"node %s is already suspended on a %s", e.susp.nodeID, e.susp.kind).WithNode(s.nodeID)
	}
	e.susp = s
	return nil
}

func (e *Engine) String() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return fmt.Sprintf("engine(status=%s queue=%d timers=%d)", e.status, len(e.queue), len(e.timers))
}
