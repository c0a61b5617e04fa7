package mcp

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chatflow/internal/clock"
	"github.com/rendis/chatflow/internal/logging"
	"github.com/rendis/chatflow/internal/session"
	"github.com/rendis/chatflow/internal/streaming"
	"github.com/rendis/chatflow/internal/validation"
	"github.com/rendis/chatflow/pkg/schema"
)

const greetingYAML = `
id: greeting
title: Greeting
nodes:
  - id: hi
    type: message
    data: {text: "Hi {{name}}"}
  - id: ask
    type: ask
    data: {varName: answer, prompt: "Ready?"}
  - id: wait
    type: delay
    data: {delay: 1s}
  - id: bye
    type: message
    data: {text: "Bye {{answer}}"}
edges:
  - {source: hi, target: ask}
  - {source: ask, target: wait}
  - {source: wait, target: bye}
`

// --- Mock notifier ---

type captureNotifier struct {
	mu    sync.Mutex
	calls []map[string]any
}

func (n *captureNotifier) Notify(_ context.Context, _ string, payload map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, payload)
	return nil
}

func (n *captureNotifier) events() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.calls))
	for _, c := range n.calls {
		out = append(out, c["event"].(string))
	}
	return out
}

// --- Helper ---

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func newTestServer(t *testing.T, hub streaming.EventHub, n Notifier) (*ChatflowServer, *session.Manager) {
	t.Helper()
	m := session.NewManager(session.Options{Hub: hub, ClockMode: clock.ModeMock, Logger: logging.Discard()})
	t.Cleanup(m.Close)
	v, err := validation.NewFlowValidator(nil, validation.Options{})
	require.NoError(t, err)
	return NewChatflowServer(ChatflowServerDeps{
		Sessions:  m,
		Validator: v,
		Hub:       hub,
		Notifier:  n,
		Logger:    logging.Discard(),
	}), m
}

type view struct {
	ID            string              `json:"id"`
	Status        schema.EngineStatus `json:"status"`
	PendingTimers int                 `json:"pendingTimers"`
	Variables     map[string]any      `json:"variables"`
	NewMessages   []schema.BotMessage `json:"newMessages"`
}

// --- Tests ---

func TestSessionTools(t *testing.T) {
	s, m := newTestServer(t, nil, nil)
	ctx := context.Background()

	result, err := s.handleStart(ctx, buildRequest("chatflow.start", map[string]any{
		"source": greetingYAML,
		"vars":   map[string]any{"name": "Ada"},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var started view
	unmarshalResult(t, result, &started)
	assert.Equal(t, schema.StatusWaiting, started.Status)
	require.Len(t, started.NewMessages, 2)
	assert.Equal(t, "Hi Ada", started.NewMessages[0].Text)
	assert.Equal(t, "Ready?", started.NewMessages[1].Text)
	assert.Equal(t, 1, m.Len())

	result, err = s.handleInput(ctx, buildRequest("chatflow.input", map[string]any{
		"session_id": started.ID,
		"text":       "go",
	}))
	require.NoError(t, err)
	var answered view
	unmarshalResult(t, result, &answered)
	assert.Equal(t, schema.StatusRunning, answered.Status)
	assert.Equal(t, 1, answered.PendingTimers)
	assert.Empty(t, answered.NewMessages)
	assert.Equal(t, "go", answered.Variables["answer"])

	result, err = s.handleAdvance(ctx, buildRequest("chatflow.advance", map[string]any{
		"session_id": started.ID,
		"by":         "1s",
	}))
	require.NoError(t, err)
	var advanced view
	unmarshalResult(t, result, &advanced)
	assert.Equal(t, schema.StatusCompleted, advanced.Status)
	require.Len(t, advanced.NewMessages, 1)
	assert.Equal(t, "Bye go", advanced.NewMessages[0].Text)

	result, err = s.handleStatus(ctx, buildRequest("chatflow.status", map[string]any{"session_id": started.ID}))
	require.NoError(t, err)
	var status struct {
		Session  view                `json:"session"`
		Messages []schema.BotMessage `json:"messages"`
	}
	unmarshalResult(t, result, &status)
	assert.Equal(t, schema.StatusCompleted, status.Session.Status)
	assert.Len(t, status.Messages, 3)

	result, err = s.handleStop(ctx, buildRequest("chatflow.stop", map[string]any{
		"session_id": started.ID,
		"delete":     "true",
	}))
	require.NoError(t, err)
	var stopped map[string]any
	unmarshalResult(t, result, &stopped)
	assert.Equal(t, true, stopped["deleted"])
	assert.Equal(t, 0, m.Len())
}

func TestStartToolBadArguments(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"no flow", map[string]any{}, "one of flow, source or path is required"},
		{"bad clock", map[string]any{"source": greetingYAML, "clock": "sundial"}, "clock must be mock or real"},
		{"bad channel", map[string]any{"source": greetingYAML, "channel": "pigeon"}, `unknown channel "pigeon"`},
		{"missing file", map[string]any{"path": "/nonexistent/flow.yaml"}, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result, err := s.handleStart(ctx, buildRequest("chatflow.start", tc.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			if tc.want != "" {
				assert.Contains(t, extractText(t, result), tc.want)
			}
		})
	}
}

func TestSessionToolsMissingSession(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)
	ctx := context.Background()

	result, err := s.handleStatus(ctx, buildRequest("chatflow.status", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "session_id is required")

	result, err = s.handleInput(ctx, buildRequest("chatflow.input", map[string]any{
		"session_id": "nope",
		"text":       "hi",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestAdvanceToolRejectsBadDuration(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)
	ctx := context.Background()

	result, err := s.handleStart(ctx, buildRequest("chatflow.start", map[string]any{"source": greetingYAML}))
	require.NoError(t, err)
	var started view
	unmarshalResult(t, result, &started)

	result, err = s.handleAdvance(ctx, buildRequest("chatflow.advance", map[string]any{
		"session_id": started.ID,
		"by":         "soon",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "not a positive duration")
}

func TestValidateTool(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)
	ctx := context.Background()

	result, err := s.handleValidate(ctx, buildRequest("chatflow.validate", map[string]any{"source": greetingYAML}))
	require.NoError(t, err)
	var ok map[string]any
	unmarshalResult(t, result, &ok)
	assert.Equal(t, true, ok["valid"])

	result, err = s.handleValidate(ctx, buildRequest("chatflow.validate", map[string]any{
		"flow": map[string]any{"nodes": []any{map[string]any{"type": "message"}}},
	}))
	require.NoError(t, err)
	var bad map[string]any
	unmarshalResult(t, result, &bad)
	assert.Equal(t, false, bad["valid"])
	assert.NotEmpty(t, bad["errors"])
}

func TestSimulateTool(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)

	result, err := s.handleSimulate(context.Background(), buildRequest("chatflow.simulate", map[string]any{
		"source": greetingYAML,
		"script": map[string]any{
			"vars":  map[string]any{"name": "Bo"},
			"steps": []any{map[string]any{"input": "now"}},
			"expect": map[string]any{
				"status":   "completed",
				"messages": []any{"Hi Bo", "Ready?", "Bye now"},
			},
		},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var res struct {
		Status    schema.EngineStatus `json:"status"`
		Failures  []string            `json:"failures"`
		ElapsedNs int64               `json:"elapsedNs"`
	}
	unmarshalResult(t, result, &res)
	assert.Equal(t, schema.StatusCompleted, res.Status)
	assert.Empty(t, res.Failures)
	assert.Equal(t, time.Second.Nanoseconds(), res.ElapsedNs)
}

func TestDiagramTool(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)
	ctx := context.Background()

	result, err := s.handleDiagram(ctx, buildRequest("chatflow.diagram", map[string]any{"source": greetingYAML}))
	require.NoError(t, err)
	assert.Contains(t, extractText(t, result), "graph TD")

	result, err = s.handleDiagram(ctx, buildRequest("chatflow.diagram", map[string]any{
		"source": greetingYAML,
		"output": "dot",
	}))
	require.NoError(t, err)
	assert.Contains(t, extractText(t, result), "digraph")

	result, err = s.handleDiagram(ctx, buildRequest("chatflow.diagram", map[string]any{
		"source": greetingYAML,
		"output": "png",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestWatchForwardsSessionEvents(t *testing.T) {
	hub := streaming.NewMemoryHub()
	n := &captureNotifier{}
	s, _ := newTestServer(t, hub, n)

	stop, err := s.Watch(context.Background())
	require.NoError(t, err)
	defer stop()
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	result, err := s.handleStart(context.Background(), buildRequest("chatflow.start", map[string]any{"source": greetingYAML}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	require.Eventually(t, func() bool { return len(n.events()) == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{schema.EventBotMessage, schema.EventBotMessage, schema.EventWaitingForInput}, n.events())

	n.mu.Lock()
	last := n.calls[2]
	n.mu.Unlock()
	assert.Equal(t, "ask", last["node_id"])
	assert.Equal(t, "answer", last["var_name"])
}

func TestMCPNotifierWithoutClient(t *testing.T) {
	s := NewChatflowServer(ChatflowServerDeps{Logger: logging.Discard()})
	err := s.notifier.Notify(context.Background(), "sess-unknown", map[string]any{"event": "done"})
	assert.NoError(t, err)
}

// --- Test helpers ---

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}
