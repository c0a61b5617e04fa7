package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chatflow/internal/clock"
	"github.com/rendis/chatflow/internal/netcall"
	"github.com/rendis/chatflow/pkg/schema"
)

type recorded struct {
	name    string
	payload any
}

type recorder struct {
	mu     sync.Mutex
	events []recorded
}

func record(e *Engine) *recorder {
	r := &recorder{}
	e.OnAll(func(name string, payload any) {
		r.mu.Lock()
		r.events = append(r.events, recorded{name, payload})
		r.mu.Unlock()
	})
	return r
}

func (r *recorder) all() []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recorded(nil), r.events...)
}

func (r *recorder) names() []string {
	var out []string
	for _, ev := range r.all() {
		out = append(out, ev.name)
	}
	return out
}

func (r *recorder) traces() []string {
	var out []string
	for _, ev := range r.all() {
		if t, ok := ev.payload.(schema.TraceEvent); ok {
			out = append(out, t.Result)
		}
	}
	return out
}

func (r *recorder) messages() []string {
	var out []string
	for _, ev := range r.all() {
		if m, ok := ev.payload.(schema.BotMessage); ok {
			out = append(out, m.Text)
		}
	}
	return out
}

func (r *recorder) statuses() []schema.EngineStatus {
	var out []schema.EngineStatus
	for _, ev := range r.all() {
		if s, ok := ev.payload.(schema.StatusEvent); ok {
			out = append(out, s.Status)
		}
	}
	return out
}

func (r *recorder) errors() []schema.ErrorEvent {
	var out []schema.ErrorEvent
	for _, ev := range r.all() {
		if s, ok := ev.payload.(schema.ErrorEvent); ok {
			out = append(out, s)
		}
	}
	return out
}

func msg(id, text string) schema.Node {
	return schema.Node{ID: id, Type: "message", Data: schema.NodeData{Text: text}}
}

func newMockEngine(t *testing.T, opts ...Option) (*Engine, *clock.Mock) {
	t.Helper()
	mc := clock.NewMock(time.Time{})
	e := New(append([]Option{WithClock(mc)}, opts...)...)
	return e, mc
}

func TestEngine_StartRequiresFlow(t *testing.T) {
	e := New()
	err := e.Start()
	assert.ErrorIs(t, err, ErrNoFlow)
	assert.Equal(t, schema.StatusIdle, e.Status())
}

func TestEngine_LinearFlowCompletesSynchronously(t *testing.T) {
	e, _ := newMockEngine(t)
	r := record(e)
	e.SetFlow(
		[]schema.Node{msg("a", "Hello"), node("b", "handoff"), msg("c", "Bye {{name}}")},
		[]schema.Edge{edge("a", "b"), edge("b", "c")},
	)

	require.NoError(t, e.Start())

	assert.Equal(t, schema.StatusCompleted, e.Status())
	assert.Equal(t, []string{`message("Hello")`, "noop", `message("Bye {{name}}")`}, r.traces())
	assert.Equal(t, []string{"Hello", "Bye "}, r.messages())
	assert.Equal(t, []schema.EngineStatus{schema.StatusIdle, schema.StatusRunning, schema.StatusCompleted}, r.statuses())

	names := r.names()
	assert.Equal(t, schema.EventDone, names[len(names)-1])
	assert.Equal(t, schema.DoneEvent{Reason: schema.StatusCompleted}, r.all()[len(names)-1].payload)
}

func TestEngine_StartWithVarsSeedsBindings(t *testing.T) {
	e, _ := newMockEngine(t)
	r := record(e)
	e.SetFlow([]schema.Node{msg("a", "Hi {{contact.name}}")}, nil)

	seed := map[string]any{"contact": map[string]any{"name": "Ana"}}
	require.NoError(t, e.StartWithVars(seed))
	assert.Equal(t, []string{"Hi Ana"}, r.messages())

	seed["extra"] = true
	assert.NotContains(t, e.Variables(), "extra", "seed map is copied")
}

func TestEngine_EmptyGraphIsNoop(t *testing.T) {
	e, _ := newMockEngine(t)
	e.SetFlow(nil, nil)
	require.NoError(t, e.Start())
	assert.Equal(t, schema.StatusIdle, e.Status())
}

func TestEngine_StartCandidates(t *testing.T) {
	e, _ := newMockEngine(t)
	r := record(e)
	e.SetFlow([]schema.Node{msg("a", "A"), msg("b", "B")}, nil)

	require.NoError(t, e.Start("ghost", "b"))
	assert.Equal(t, []string{"B"}, r.messages())

	r2 := record(e)
	require.NoError(t, e.Start("", "ghost"))
	assert.Equal(t, []string{"A"}, r2.messages(), "falls back to the first entry point")
}

func TestEngine_StopCancelsAllTimers(t *testing.T) {
	e, mc := newMockEngine(t)
	r := record(e)
	e.SetFlow(
		[]schema.Node{
			{ID: "d1", Type: "delay", Data: schema.NodeData{Delay: "30s"}},
			msg("m", "after"),
		},
		[]schema.Edge{edge("d1", "m")},
	)

	require.NoError(t, e.Start())
	assert.Equal(t, schema.StatusRunning, e.Status())
	assert.Equal(t, 1, e.PendingTimers())
	assert.True(t, e.Suspended())

	e.Stop()
	assert.Equal(t, schema.StatusStopped, e.Status())
	assert.Equal(t, 0, e.PendingTimers())
	assert.Equal(t, 0, mc.Pending())
	assert.False(t, e.Suspended())

	e.FlushMock()
	assert.Empty(t, r.messages())
	assert.Equal(t, schema.DoneEvent{Reason: schema.StatusStopped}, r.all()[len(r.all())-1].payload)
}

func TestEngine_DelayResumesOnMockAdvance(t *testing.T) {
	e, _ := newMockEngine(t)
	r := record(e)
	e.SetFlow(
		[]schema.Node{
			{ID: "d", Type: "wait", Data: schema.NodeData{WaitMs: 1500.0}},
			msg("m", "done waiting"),
		},
		[]schema.Edge{edge("d", "m")},
	)

	require.NoError(t, e.Start())
	assert.Equal(t, schema.StatusRunning, e.Status(), "run stays running while a timer is outstanding")

	e.AdvanceMock(1499 * time.Millisecond)
	e.AdvanceMock(1499 * time.Millisecond)
	assert.Empty(t, r.messages(), "idle advances leave virtual time where it was")
	assert.Equal(t, clock.Epoch, e.Now())

	e.AdvanceMock(1500 * time.Millisecond)
	assert.Equal(t, []string{"delay 1500ms", `message("done waiting")`}, r.traces())
	assert.Equal(t, schema.StatusCompleted, e.Status())
	assert.Equal(t, 0, e.PendingTimers())
}

func TestEngine_TraceTimestampsUseMockTime(t *testing.T) {
	e, mc := newMockEngine(t)
	var traces []schema.TraceEvent
	e.OnTrace(func(tr schema.TraceEvent) { traces = append(traces, tr) })
	e.SetFlow(
		[]schema.Node{{ID: "d", Type: "delay", Data: schema.NodeData{Delay: "2m"}}, msg("m", "x")},
		[]schema.Edge{edge("d", "m")},
	)
	require.NoError(t, e.Start())
	e.FlushMock()

	require.Len(t, traces, 2)
	assert.Equal(t, clock.Epoch.Add(2*time.Minute), traces[0].TS)
	assert.Equal(t, mc.Now(), traces[1].TS)
}

func conditionFlow(links ...schema.Edge) ([]schema.Node, []schema.Edge) {
	nodes := []schema.Node{
		{ID: "c", Type: "condition", Data: schema.NodeData{Expression: "vars.age >= 18"}},
		msg("adult", "adult"),
		msg("minor", "minor"),
	}
	return nodes, links
}

func TestEngine_ConditionRouting(t *testing.T) {
	tests := []struct {
		name  string
		edges []schema.Edge
		age   any
		want  string
	}{
		{
			name:  "branch tags true",
			edges: []schema.Edge{{Source: "c", Target: "minor", Branch: "false"}, {Source: "c", Target: "adult", Branch: "true"}},
			age:   20, want: "adult",
		},
		{
			name:  "branch tags false",
			edges: []schema.Edge{{Source: "c", Target: "minor", Branch: "false"}, {Source: "c", Target: "adult", Branch: "true"}},
			age:   15, want: "minor",
		},
		{
			name:  "labels are case-insensitive",
			edges: []schema.Edge{{Source: "c", Target: "minor", Label: "Else"}, {Source: "c", Target: "adult", Label: "YES"}},
			age:   20, want: "adult",
		},
		{
			name:  "data branch",
			edges: []schema.Edge{{Source: "c", Target: "adult", Data: &schema.EdgeData{Branch: "1"}}, {Source: "c", Target: "minor", Data: &schema.EdgeData{Branch: "default"}}},
			age:   15, want: "minor",
		},
		{
			name:  "index fallback true",
			edges: []schema.Edge{edge("c", "adult"), edge("c", "minor")},
			age:   20, want: "adult",
		},
		{
			name:  "index fallback false",
			edges: []schema.Edge{edge("c", "adult"), edge("c", "minor")},
			age:   15, want: "minor",
		},
		{
			name:  "false without second edge ends branch",
			edges: []schema.Edge{edge("c", "adult")},
			age:   15, want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newMockEngine(t)
			r := record(e)
			e.SetFlow(conditionFlow(tt.edges...))

			require.NoError(t, e.StartWithVars(map[string]any{"age": tt.age}, "c"))
			if tt.want == "" {
				assert.Empty(t, r.messages())
			} else {
				assert.Equal(t, []string{tt.want}, r.messages())
			}
			assert.Equal(t, schema.StatusCompleted, e.Status())
		})
	}
}

func TestEngine_ConditionReadsBoundVariable(t *testing.T) {
	e, _ := newMockEngine(t)
	r := record(e)
	e.SetFlow(
		[]schema.Node{
			{ID: "q", Type: "ask", Data: schema.NodeData{VarName: "answer", Prompt: "How old are you?"}},
			{ID: "c", Type: "condition", Data: schema.NodeData{Expression: `vars.answer == "42"`}},
			msg("m", "You said {{answer}}"),
		},
		[]schema.Edge{edge("q", "c"), {Source: "c", Target: "m", Branch: "true"}},
	)

	require.NoError(t, e.Start())
	assert.Equal(t, schema.StatusWaiting, e.Status())
	assert.Equal(t, &Waiting{NodeID: "q", VarName: "answer"}, e.Waiting())
	assert.Equal(t, []string{"How old are you?"}, r.messages())

	e.PushUserInput("42")

	assert.Equal(t, schema.StatusCompleted, e.Status())
	assert.Nil(t, e.Waiting())
	assert.Equal(t, "42", e.Variables()["answer"])
	assert.Equal(t, "42", e.Variables()[VarLastUserMessage])
	assert.Equal(t, []string{`ask("answer")`, "condition(true)", `message("You said {{answer}}")`}, r.traces())
	assert.Equal(t, "You said 42", r.messages()[1])
}

func TestEngine_AgeConditionFromInput(t *testing.T) {
	run := func(input string) []string {
		e, _ := newMockEngine(t)
		r := record(e)
		e.SetFlow(
			[]schema.Node{
				{ID: "q", Type: "input", Data: schema.NodeData{VarName: "age"}},
				{ID: "c", Type: "logic", Data: schema.NodeData{Expression: "num(vars.age) >= 18"}},
				msg("adult", "adult"),
				msg("minor", "minor"),
			},
			[]schema.Edge{edge("q", "c"), {Source: "c", Target: "adult", Label: "true"}, {Source: "c", Target: "minor", Label: "false"}},
		)
		require.NoError(t, e.Start())
		e.PushUserInput(input)
		return r.messages()
	}
	assert.Equal(t, []string{"adult"}, run("20"))
	assert.Equal(t, []string{"minor"}, run("15"))
}

func TestEngine_PushUserInputWithoutWaiting(t *testing.T) {
	e, _ := newMockEngine(t)
	e.SetFlow(
		[]schema.Node{{ID: "d", Type: "delay", Data: schema.NodeData{Delay: "1s"}}, msg("m", "x")},
		[]schema.Edge{edge("d", "m")},
	)
	require.NoError(t, e.Start())
	before := e.QueueLen()

	e.PushUserInput("yes")

	assert.Equal(t, before, e.QueueLen())
	assert.Equal(t, schema.StatusRunning, e.Status())
	assert.Equal(t, "yes", e.Variables()[VarLastUserMessage])
}

func TestEngine_ResetIsIdempotent(t *testing.T) {
	e, mc := newMockEngine(t)
	e.SetFlow(
		[]schema.Node{
			{ID: "q", Type: "ask"},
			{ID: "d", Type: "delay", Data: schema.NodeData{Delay: 1000}},
		},
		[]schema.Edge{edge("q", "d")},
	)
	require.NoError(t, e.Start())
	e.PushUserInput("hi")
	require.Equal(t, 1, e.PendingTimers())

	check := func() {
		assert.Equal(t, schema.StatusIdle, e.Status())
		assert.Equal(t, 0, e.QueueLen())
		assert.Empty(t, e.Variables())
		assert.Nil(t, e.Waiting())
		assert.Equal(t, 0, e.PendingTimers())
		assert.Equal(t, 0, mc.Pending())
	}
	e.Reset()
	check()
	e.Reset()
	check()
}

func TestEngine_ReentrantHandlerAnswersQuestion(t *testing.T) {
	e, _ := newMockEngine(t)
	r := record(e)
	e.OnWaiting(func(w schema.WaitingEvent) {
		e.PushUserInput("Ada")
	})
	e.SetFlow(
		[]schema.Node{{ID: "q", Type: "ask", Data: schema.NodeData{VarName: "name"}}, msg("m", "Hi {{name}}")},
		[]schema.Edge{edge("q", "m")},
	)

	require.NoError(t, e.Start())

	assert.Equal(t, schema.StatusCompleted, e.Status())
	assert.Equal(t, []string{"Hi Ada"}, r.messages())

	names := r.names()
	waitIdx, msgIdx := -1, -1
	for i, n := range names {
		if n == schema.EventWaitingForInput && waitIdx < 0 {
			waitIdx = i
		}
		if n == schema.EventBotMessage {
			msgIdx = i
		}
	}
	assert.Less(t, waitIdx, msgIdx, "events are delivered in production order")
}

func TestEngine_SyncErrorDeadEndsBranch(t *testing.T) {
	calls := 0
	e, _ := newMockEngine(t, WithIDGenerator(func() string {
		calls++
		if calls == 1 {
			panic("id source exhausted")
		}
		return "id"
	}))
	r := record(e)
	e.SetFlow(
		[]schema.Node{msg("a", "first"), msg("b", "second")},
		[]schema.Edge{edge("a", "b")},
	)

	require.NoError(t, e.Start())

	errs := r.errors()
	require.Len(t, errs, 1)
	assert.Equal(t, "a", errs[0].NodeID)
	assert.Contains(t, errs[0].Message, "id source exhausted")
	assert.Empty(t, r.messages(), "successor of the failing node is not run")
	assert.Equal(t, schema.StatusCompleted, e.Status())
}

func apiFlow(spec *schema.APISpec) ([]schema.Node, []schema.Edge) {
	return []schema.Node{
			{ID: "call", Type: "webhook", Data: schema.NodeData{API: spec}},
			msg("after", "status {{last_api_response.statusCode}}"),
		},
		[]schema.Edge{edge("call", "after")}
}

func TestEngine_APISuccess(t *testing.T) {
	var got netcall.Request
	caller := netcall.CallerFunc(func(ctx context.Context, req netcall.Request) (*netcall.Response, error) {
		got = req
		return &netcall.Response{Status: "success", StatusCode: 201, Body: map[string]any{"user": map[string]any{"name": "Ada"}}}, nil
	})
	e, _ := newMockEngine(t, WithCaller(caller))
	r := record(e)
	e.SetFlow(apiFlow(&schema.APISpec{
		URL:      "https://api.example.com/users/{{uid}}",
		Method:   "put",
		Headers:  []schema.Header{{Key: "X-Uid", Value: "{{uid}}"}},
		Body:     `{"id":"{{uid}}"}`,
		AssignTo: "created",
	}))

	require.NoError(t, e.Start())
	require.NoError(t, e.WaitInFlight(context.Background()))

	assert.Equal(t, "PUT", got.Method)
	assert.Equal(t, "https://api.example.com/users/", got.URL)
	assert.Equal(t, `{"id":""}`, got.Body)

	assert.Equal(t, schema.StatusCompleted, e.Status())
	vars := e.Variables()
	resp := vars[VarLastAPIResponse].(map[string]any)
	assert.Equal(t, 201, resp["statusCode"])
	assert.Equal(t, resp, vars["created"])
	assert.Equal(t, []string{"api PUT https://api.example.com/users/ → 201", `message("status {{last_api_response.statusCode}}")`}, r.traces())
	assert.Equal(t, []string{"status 201"}, r.messages())
}

func TestEngine_APIExtract(t *testing.T) {
	caller := netcall.CallerFunc(func(ctx context.Context, req netcall.Request) (*netcall.Response, error) {
		return &netcall.Response{StatusCode: 200, Body: map[string]any{"user": map[string]any{"name": "Ada"}}}, nil
	})
	e, _ := newMockEngine(t, WithCaller(caller))
	e.SetFlow(apiFlow(&schema.APISpec{URL: "https://x", AssignTo: "name", Extract: ".user.name"}))

	require.NoError(t, e.Start())
	require.NoError(t, e.WaitInFlight(context.Background()))
	assert.Equal(t, "Ada", e.Variables()["name"])
}

func TestEngine_APIFailureIsTraceOnly(t *testing.T) {
	caller := netcall.CallerFunc(func(ctx context.Context, req netcall.Request) (*netcall.Response, error) {
		return nil, errors.New("connection refused")
	})

	e, _ := newMockEngine(t, WithCaller(caller))
	r := record(e)
	e.SetFlow(apiFlow(&schema.APISpec{URL: "https://x"}))
	require.NoError(t, e.Start())
	require.NoError(t, e.WaitInFlight(context.Background()))

	assert.Equal(t, []string{"api error: connection refused"}, r.traces())
	assert.Empty(t, r.errors())
	assert.Empty(t, r.messages())
	assert.Equal(t, schema.StatusCompleted, e.Status())

	e2, _ := newMockEngine(t, WithCaller(caller), WithAPIErrorEvents())
	r2 := record(e2)
	e2.SetFlow(apiFlow(&schema.APISpec{URL: "https://x"}))
	require.NoError(t, e2.Start())
	require.NoError(t, e2.WaitInFlight(context.Background()))
	require.Len(t, r2.errors(), 1)
	assert.Equal(t, "call", r2.errors()[0].NodeID)
}

func TestEngine_WaitInFlightCoversChainedCalls(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	caller := netcall.CallerFunc(func(ctx context.Context, req netcall.Request) (*netcall.Response, error) {
		calls.Add(1)
		<-release
		return &netcall.Response{StatusCode: 200}, nil
	})
	e, _ := newMockEngine(t, WithCaller(caller))
	r := record(e)
	e.SetFlow(
		[]schema.Node{
			{ID: "first", Type: "webhook", Data: schema.NodeData{API: &schema.APISpec{URL: "https://x/1"}}},
			{ID: "second", Type: "webhook", Data: schema.NodeData{API: &schema.APISpec{URL: "https://x/2"}}},
			msg("after", "both done"),
		},
		[]schema.Edge{edge("first", "second"), edge("second", "after")},
	)

	require.NoError(t, e.Start())
	release <- struct{}{}
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, e.WaitInFlight(ctx), context.DeadlineExceeded, "second call still outstanding")

	close(release)
	require.NoError(t, e.WaitInFlight(context.Background()))
	assert.Equal(t, []string{"both done"}, r.messages())
	assert.Equal(t, schema.StatusCompleted, e.Status())
}

func TestEngine_WaitInFlightAlongsideConcurrentDrivers(t *testing.T) {
	caller := netcall.CallerFunc(func(ctx context.Context, req netcall.Request) (*netcall.Response, error) {
		return &netcall.Response{StatusCode: 200}, nil
	})
	e, _ := newMockEngine(t, WithCaller(caller))
	e.SetFlow(apiFlow(&schema.APISpec{URL: "https://x"}))

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				assert.NoError(t, e.WaitInFlight(context.Background()))
			}
		}()
	}
	for range 50 {
		e.Reset()
		require.NoError(t, e.Start())
	}
	wg.Wait()

	require.NoError(t, e.WaitInFlight(context.Background()))
	assert.Equal(t, schema.StatusCompleted, e.Status())
}

func TestEngine_StaleNetworkCompletionIsIgnored(t *testing.T) {
	release := make(chan struct{})
	caller := netcall.CallerFunc(func(ctx context.Context, req netcall.Request) (*netcall.Response, error) {
		<-release
		return &netcall.Response{StatusCode: 200}, nil
	})
	e, _ := newMockEngine(t, WithCaller(caller))
	r := record(e)
	e.SetFlow(apiFlow(&schema.APISpec{URL: "https://x"}))

	require.NoError(t, e.Start())
	e.Stop()
	close(release)
	require.NoError(t, e.WaitInFlight(context.Background()))

	assert.Equal(t, schema.StatusStopped, e.Status())
	assert.Empty(t, r.traces())
	assert.NotContains(t, e.Variables(), VarLastAPIResponse)
}

func TestEngine_RunContextCancelledOnStop(t *testing.T) {
	cancelled := make(chan struct{})
	caller := netcall.CallerFunc(func(ctx context.Context, req netcall.Request) (*netcall.Response, error) {
		<-ctx.Done()
		close(cancelled)
		return nil, ctx.Err()
	})
	e, _ := newMockEngine(t, WithCaller(caller))
	e.SetFlow(apiFlow(&schema.APISpec{URL: "https://x"}))

	require.NoError(t, e.Start())
	e.Stop()

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("caller context was not cancelled")
	}
}

func TestEngine_MessageFallbacksAndTruncation(t *testing.T) {
	e, _ := newMockEngine(t)
	r := record(e)
	long := strings.Repeat("x", 45)
	e.SetFlow(
		[]schema.Node{
			{ID: "a", Type: "message", Data: schema.NodeData{Label: "Welcome"}},
			{ID: "b", Type: "message"},
			msg("c", long),
		},
		[]schema.Edge{edge("a", "b"), edge("b", "c")},
	)
	require.NoError(t, e.Start())

	assert.Equal(t, []string{"Welcome", "...", long}, r.messages())
	assert.Equal(t, `message("`+strings.Repeat("x", 40)+`…")`, r.traces()[2])
}

func TestEngine_BotMessageCarriesChannelMeta(t *testing.T) {
	e, _ := newMockEngine(t, WithChannel(schema.ChannelSMS), WithIDGenerator(func() string { return "m-1" }))
	var got []schema.BotMessage
	e.OnBotMessage(func(m schema.BotMessage) { got = append(got, m) })
	e.SetFlow([]schema.Node{{ID: "a", Type: "sms", Data: schema.NodeData{
		Text:         "Reply YES",
		QuickReplies: []schema.QuickReply{{ID: "y", Label: "YES"}},
	}}}, nil)

	require.NoError(t, e.Start())
	require.Len(t, got, 1)
	assert.Equal(t, "m-1", got[0].ID)
	assert.Equal(t, schema.ChannelSMS, got[0].Channel)
	assert.Equal(t, []schema.QuickReply{{ID: "y", Label: "YES"}}, got[0].Actions.Buttons)
	require.NotNil(t, got[0].Meta)
	assert.Equal(t, 1, got[0].Meta.Segments)
}

func TestEngine_Configure(t *testing.T) {
	e := New()
	require.NoError(t, e.Configure(Config{ClockMode: clock.ModeMock, Channel: schema.ChannelTelegram}))
	assert.Equal(t, schema.ChannelTelegram, e.Channel())
	assert.Equal(t, clock.Epoch, e.Now())

	e.SetFlow([]schema.Node{{ID: "d", Type: "delay", Data: schema.NodeData{Delay: "5s"}}}, nil)
	require.NoError(t, e.Start())
	err := e.Configure(Config{ClockMode: clock.ModeReal})
	assert.Equal(t, schema.ErrCodeConflict, schema.ErrorCode(err))

	e.FlushMock()
	assert.Equal(t, schema.StatusCompleted, e.Status())
	require.NoError(t, e.Configure(Config{ClockMode: clock.ModeReal}))
}

func TestEngine_RealClockDelay(t *testing.T) {
	e := New()
	done := make(chan schema.DoneEvent, 1)
	e.OnDone(func(d schema.DoneEvent) { done <- d })
	e.SetFlow(
		[]schema.Node{{ID: "d", Type: "delay", Data: schema.NodeData{Delay: "10ms"}}, msg("m", "x")},
		[]schema.Edge{edge("d", "m")},
	)
	require.NoError(t, e.Start())

	select {
	case d := <-done:
		assert.Equal(t, schema.StatusCompleted, d.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("delay never fired")
	}
}

func TestEngine_UnsubscribeStopsDelivery(t *testing.T) {
	e, _ := newMockEngine(t)
	count := 0
	off := e.OnTrace(func(schema.TraceEvent) { count++ })
	e.SetFlow([]schema.Node{msg("a", "x")}, nil)

	require.NoError(t, e.Start())
	off()
	require.NoError(t, e.Start())
	assert.Equal(t, 1, count)
}

func TestEngine_ConditionGroups(t *testing.T) {
	e, _ := newMockEngine(t)
	r := record(e)
	e.SetFlow(
		[]schema.Node{
			{ID: "q", Type: "ask", Data: schema.NodeData{VarName: "plan"}},
			{ID: "c", Type: "condition", Data: schema.NodeData{Groups: []schema.ConditionGroup{{
				Type:       "and",
				Conditions: []schema.Condition{{Variable: "plan", Operator: schema.OpEqualTo, Value: "pro"}},
			}}}},
			msg("yes", "pro"),
			msg("no", "free"),
		},
		[]schema.Edge{edge("q", "c"), edge("c", "yes"), edge("c", "no")},
	)
	require.NoError(t, e.Start())
	e.PushUserInput("pro")
	assert.Equal(t, []string{"pro"}, r.messages())
}

func TestEngine_CELCondition(t *testing.T) {
	e, _ := newMockEngine(t)
	r := record(e)
	e.SetFlow(
		[]schema.Node{
			{ID: "q", Type: "ask", Data: schema.NodeData{VarName: "n"}},
			{ID: "c", Type: "condition", Data: schema.NodeData{Language: "cel", Expression: `vars.n == "7"`}},
			msg("yes", "seven"),
			msg("no", "other"),
		},
		[]schema.Edge{edge("q", "c"), edge("c", "yes"), edge("c", "no")},
	)
	require.NoError(t, e.Start())
	e.PushUserInput("7")
	assert.Equal(t, []string{"seven"}, r.messages())
}

func TestEngine_MalformedConditionIsFalse(t *testing.T) {
	e, _ := newMockEngine(t)
	r := record(e)
	e.SetFlow(
		[]schema.Node{{ID: "c", Type: "condition", Data: schema.NodeData{Expression: "vars.(("}}, msg("t", "t"), msg("f", "f")},
		[]schema.Edge{edge("c", "t"), edge("c", "f")},
	)
	require.NoError(t, e.Start())
	assert.Equal(t, []string{"condition(false)"}, r.traces()[:1])
	assert.Equal(t, []string{"f"}, r.messages())
	assert.Empty(t, r.errors())
}
