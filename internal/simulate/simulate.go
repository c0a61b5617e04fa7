// Package simulate plays scripted conversations against a flow on a virtual
// clock and reports the transcript. Suites run many scripts concurrently.
package simulate

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rendis/chatflow/internal/clock"
	"github.com/rendis/chatflow/internal/engine"
	"github.com/rendis/chatflow/internal/expressions"
	"github.com/rendis/chatflow/internal/logging"
	"github.com/rendis/chatflow/internal/netcall"
	"github.com/rendis/chatflow/internal/validation"
	"github.com/rendis/chatflow/pkg/schema"
)

const (
	defaultMaxSteps = 10000
	defaultHorizon  = 24 * time.Hour
	maxSettleRounds = 1000
)

// Step is one scripted action. Exactly one of Input, Advance or Flush is
// expected; Input wins when several are set.
type Step struct {
	Input   *string `json:"input,omitempty" yaml:"input,omitempty"`
	Advance any     `json:"advance,omitempty" yaml:"advance,omitempty"`
	Flush   bool    `json:"flush,omitempty" yaml:"flush,omitempty"`
}

// Expect lists assertions checked after the last step.
type Expect struct {
	Status    schema.EngineStatus `json:"status,omitempty" yaml:"status,omitempty"`
	Messages  []string            `json:"messages,omitempty" yaml:"messages,omitempty"`
	Variables map[string]any      `json:"variables,omitempty" yaml:"variables,omitempty"`
	Visited   []string            `json:"visited,omitempty" yaml:"visited,omitempty"`
	NoErrors  bool                `json:"noErrors,omitempty" yaml:"noErrors,omitempty"`
}

// Script is one scripted conversation.
type Script struct {
	Name    string         `json:"name,omitempty" yaml:"name,omitempty"`
	Channel schema.Channel `json:"channel,omitempty" yaml:"channel,omitempty"`
	Vars    map[string]any `json:"vars,omitempty" yaml:"vars,omitempty"`
	Steps   []Step         `json:"steps,omitempty" yaml:"steps,omitempty"`
	// ManualClock disables settling: timers only fire on advance and flush steps.
	ManualClock bool    `json:"manualClock,omitempty" yaml:"manualClock,omitempty"`
	Expect      *Expect `json:"expect,omitempty" yaml:"expect,omitempty"`
}

// Suite is a script file: a flow reference plus scripts.
type Suite struct {
	Flow    string   `json:"flow,omitempty" yaml:"flow,omitempty"`
	Scripts []Script `json:"scripts" yaml:"scripts"`
}

// Entry is one line of the simulated conversation.
type Entry struct {
	At      time.Time           `json:"at"`
	Role    string              `json:"role"`
	NodeID  string              `json:"nodeId,omitempty"`
	Text    string              `json:"text"`
	Buttons []schema.QuickReply `json:"buttons,omitempty"`
}

// Result is the outcome of one script.
type Result struct {
	Name       string              `json:"name,omitempty"`
	Status     schema.EngineStatus `json:"status"`
	Transcript []Entry             `json:"transcript"`
	Trace      []schema.TraceEvent `json:"trace"`
	Errors     []schema.ErrorEvent `json:"errors,omitempty"`
	Variables  map[string]any      `json:"variables"`
	Elapsed    time.Duration       `json:"elapsedNs"`
	Failures   []string            `json:"failures,omitempty"`
	Truncated  bool                `json:"truncated,omitempty"`
}

// Passed reports whether every expectation held.
func (r *Result) Passed() bool { return len(r.Failures) == 0 }

// Options configure a simulation.
type Options struct {
	Caller    netcall.Caller
	Evaluator *expressions.Evaluator
	Logger    *slog.Logger
	// MaxSteps bounds traced node executions before the run is stopped.
	MaxSteps int
	// Horizon bounds virtual time spent settling after each step.
	Horizon time.Duration
	// Concurrency limits parallel scripts in RunSuite.
	Concurrency int
}

func (o *Options) defaults() {
	if o.Caller == nil {
		o.Caller = netcall.NewEchoCaller(0)
	}
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
	if o.MaxSteps <= 0 {
		o.MaxSteps = defaultMaxSteps
	}
	if o.Horizon <= 0 {
		o.Horizon = defaultHorizon
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
}

// Run plays script against flow. Flows containing a loop that never waits
// are refused.
func Run(ctx context.Context, flow *schema.Flow, script Script, opts Options) (*Result, error) {
	if flow == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "flow is required")
	}
	opts.defaults()

	compiled := engine.Compile(flow.Nodes, flow.Edges)
	if loops := validation.BusyLoops(compiled); len(loops) > 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"flow loops without waiting: %s", strings.Join(loops[0], " -> "))
	}

	ch := script.Channel
	if ch == "" {
		ch = flow.Channel
	}
	if ch == "" {
		ch = schema.DefaultChannel
	}

	clk := clock.NewMock(clock.Epoch)
	engOpts := []engine.Option{
		engine.WithChannel(ch),
		engine.WithClock(clk),
		engine.WithCaller(opts.Caller),
		engine.WithLogger(opts.Logger),
	}
	if opts.Evaluator != nil {
		engOpts = append(engOpts, engine.WithEvaluator(opts.Evaluator))
	}
	eng := engine.New(engOpts...)
	eng.SetFlow(flow.Nodes, flow.Edges)

	rec := &recording{result: &Result{Name: script.Name}, eng: eng, maxSteps: opts.MaxSteps}
	sub := eng.OnAll(rec.observe)
	defer eng.Off(sub)

	if err := eng.StartWithVars(script.Vars, flow.StartNodeID); err != nil {
		return nil, err
	}

	r := &runner{ctx: ctx, eng: eng, clk: clk, horizon: opts.Horizon, manual: script.ManualClock}
	if err := r.settle(); err != nil {
		return nil, err
	}
	for i, step := range script.Steps {
		if err := r.apply(step, rec); err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
		if err := r.settle(); err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
	}

	res := rec.finish()
	res.Status = eng.Status()
	res.Variables = eng.Variables()
	res.Elapsed = clk.Now().Sub(clock.Epoch)
	if script.Expect != nil {
		res.Failures = check(script.Expect, res)
	}
	return res, nil
}

// recording collects engine events into a Result.
type recording struct {
	mu       sync.Mutex
	result   *Result
	eng      *engine.Engine
	maxSteps int
	stopped  bool
}

func (rc *recording) observe(event string, payload any) {
	if rc.record(payload) {
		rc.eng.Stop()
	}
}

// record stores payload and reports whether the step budget just ran out.
func (rc *recording) record(payload any) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	res := rc.result
	switch p := payload.(type) {
	case schema.BotMessage:
		res.Transcript = append(res.Transcript, Entry{At: rc.eng.Now(), Role: "bot", Text: p.Text, Buttons: p.Actions.Buttons})
	case schema.ErrorEvent:
		res.Errors = append(res.Errors, p)
	case schema.TraceEvent:
		if rc.stopped {
			return false
		}
		res.Trace = append(res.Trace, p)
		if n := len(res.Transcript); n > 0 && res.Transcript[n-1].Role == "bot" && res.Transcript[n-1].NodeID == "" {
			res.Transcript[n-1].NodeID = p.NodeID
		}
		if len(res.Trace) >= rc.maxSteps && !rc.stopped {
			rc.stopped = true
			res.Truncated = true
			return true
		}
	}
	return false
}

func (rc *recording) user(at time.Time, text string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.result.Transcript = append(rc.result.Transcript, Entry{At: at, Role: "user", Text: text})
}

func (rc *recording) finish() *Result {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.result
}

// runner drives the engine between steps.
type runner struct {
	ctx     context.Context
	eng     *engine.Engine
	clk     *clock.Mock
	horizon time.Duration
	manual  bool
}

func (r *runner) apply(step Step, rec *recording) error {
	switch {
	case step.Input != nil:
		rec.user(r.eng.Now(), *step.Input)
		r.eng.PushUserInput(*step.Input)
	case step.Advance != nil:
		d := expressions.ParseDelay(step.Advance)
		if d <= 0 {
			return schema.NewErrorf(schema.ErrCodeValidation, "advance %v is not a positive duration", step.Advance)
		}
		r.eng.AdvanceMock(d)
	case step.Flush:
		r.eng.FlushMock()
	}
	return nil
}

// settle waits for in-flight calls and, unless the clock is manual, fires
// due timers one at a time until the run blocks on input, finishes or its
// next timer lies past the horizon.
func (r *runner) settle() error {
	deadline := r.clk.Now().Add(r.horizon)
	for range maxSettleRounds {
		if err := r.eng.WaitInFlight(r.ctx); err != nil {
			return err
		}
		if r.manual || r.eng.PendingTimers() == 0 {
			return nil
		}
		due, ok := r.clk.NextDue()
		if !ok || due.After(deadline) {
			return nil
		}
		r.eng.AdvanceMock(due.Sub(r.clk.Now()))
	}
	return nil
}

func check(exp *Expect, res *Result) []string {
	var failures []string
	if exp.Status != "" && exp.Status != res.Status {
		failures = append(failures, fmt.Sprintf("status: want %s, got %s", exp.Status, res.Status))
	}

	var bot []string
	for _, e := range res.Transcript {
		if e.Role == "bot" {
			bot = append(bot, e.Text)
		}
	}
	// Expected messages must appear in order; other messages may interleave.
	i := 0
	for _, text := range bot {
		if i < len(exp.Messages) && strings.Contains(text, exp.Messages[i]) {
			i++
		}
	}
	if i < len(exp.Messages) {
		failures = append(failures, fmt.Sprintf("message %q not sent", exp.Messages[i]))
	}

	for _, k := range sortedKeys(exp.Variables) {
		want := exp.Variables[k]
		got, ok := expressions.Lookup(res.Variables, k)
		if !ok || expressions.Stringify(got) != expressions.Stringify(want) {
			failures = append(failures, fmt.Sprintf("variable %s: want %v, got %v", k, want, got))
		}
	}

	visited := map[string]bool{}
	for _, tr := range res.Trace {
		visited[tr.NodeID] = true
	}
	for _, id := range exp.Visited {
		if !visited[id] {
			failures = append(failures, fmt.Sprintf("node %s not visited", id))
		}
	}

	if exp.NoErrors && len(res.Errors) > 0 {
		failures = append(failures, fmt.Sprintf("%d error events, first: %s", len(res.Errors), res.Errors[0].Message))
	}
	return failures
}

func sortedKeys(m map[string]any) []string {
	return slices.Sorted(maps.Keys(m))
}

// LoadSuite reads a YAML or JSON script file.
func LoadSuite(path string) (*Suite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read suite: %w", err)
	}
	return ParseSuite(data)
}

// ParseSuite decodes a suite document. A document holding a single script
// (steps at the top level) becomes a one-script suite.
func ParseSuite(data []byte) (*Suite, error) {
	var probe map[string]any
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invalid script file").WithCause(err)
	}
	if _, ok := probe["scripts"]; !ok {
		var sc Script
		if err := yaml.Unmarshal(data, &sc); err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "invalid script").WithCause(err)
		}
		flow, _ := probe["flow"].(string)
		return &Suite{Flow: flow, Scripts: []Script{sc}}, nil
	}

	var s Suite
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invalid suite").WithCause(err)
	}
	return &s, nil
}
