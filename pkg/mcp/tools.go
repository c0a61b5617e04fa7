package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/chatflow/internal/clock"
	"github.com/rendis/chatflow/internal/diagram"
	"github.com/rendis/chatflow/internal/engine"
	"github.com/rendis/chatflow/internal/expressions"
	"github.com/rendis/chatflow/internal/flowfile"
	"github.com/rendis/chatflow/internal/session"
	"github.com/rendis/chatflow/internal/simulate"
	"github.com/rendis/chatflow/pkg/schema"
)

// sessionView is what session tools return.
type sessionView struct {
	session.Snapshot
	NewMessages []schema.BotMessage `json:"newMessages,omitempty"`
}

// handleStart creates a session from a flow and runs it.
func (s *ChatflowServer) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	flow, err := loadFlow(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	co := session.CreateOptions{
		ClockMode: clock.Mode(req.GetString("clock", string(clock.ModeMock))),
		Source:    "mcp",
	}
	if co.ClockMode != clock.ModeMock && co.ClockMode != clock.ModeReal {
		return mcp.NewToolResultError("clock must be mock or real"), nil
	}
	if name := req.GetString("channel", ""); name != "" {
		ch, ok := schema.ParseChannel(name)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("unknown channel %q", name)), nil
		}
		co.Channel = ch
	}

	sess, err := s.sessions.Create(ctx, flow, co)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("create session failed: %v", err)), nil
	}
	s.captureClient(ctx, sess.ID)

	snap, err := s.sessions.Start(ctx, sess.ID, mcp.ParseStringMap(req, "vars", nil))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("start failed: %v", err)), nil
	}
	return marshalResult(sessionView{Snapshot: snap, NewMessages: sess.Messages()})
}

// handleInput answers the pending question and returns the replies it caused.
func (s *ChatflowServer) handleInput(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, errResult := s.requireSession(req)
	if errResult != nil {
		return errResult, nil
	}
	text, err := req.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError("text is required"), nil
	}

	before := len(sess.Messages())
	snap, err := s.sessions.Input(ctx, sess.ID, text)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("input failed: %v", err)), nil
	}
	return marshalResult(sessionView{Snapshot: snap, NewMessages: since(sess, before)})
}

// handleAdvance moves a mock clock forward and returns the replies it caused.
func (s *ChatflowServer) handleAdvance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, errResult := s.requireSession(req)
	if errResult != nil {
		return errResult, nil
	}

	var d time.Duration
	if by := req.GetString("by", ""); by != "" {
		if d = expressions.ParseDelay(by); d <= 0 {
			return mcp.NewToolResultError(fmt.Sprintf("by %q is not a positive duration", by)), nil
		}
	}

	before := len(sess.Messages())
	snap, err := s.sessions.Advance(ctx, sess.ID, d)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("advance failed: %v", err)), nil
	}
	return marshalResult(sessionView{Snapshot: snap, NewMessages: since(sess, before)})
}

// handleStatus returns the session snapshot with its whole conversation.
func (s *ChatflowServer) handleStatus(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, errResult := s.requireSession(req)
	if errResult != nil {
		return errResult, nil
	}
	return marshalResult(map[string]any{
		"session":  sess.Snapshot(),
		"messages": sess.Messages(),
	})
}

func (s *ChatflowServer) handleStop(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, errResult := s.requireSession(req)
	if errResult != nil {
		return errResult, nil
	}
	snap, err := s.sessions.Stop(ctx, sess.ID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("stop failed: %v", err)), nil
	}
	deleted := req.GetString("delete", "false") == "true"
	if deleted {
		if err := s.sessions.Delete(ctx, sess.ID); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("delete failed: %v", err)), nil
		}
		s.clients.Forget(sess.ID)
	}
	return marshalResult(map[string]any{
		"ok":         true,
		"session_id": sess.ID,
		"status":     snap.Status,
		"deleted":    deleted,
	})
}

func (s *ChatflowServer) handleValidate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	data, format, err := flowBytes(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	_, result := s.validator.ValidateBytes(data, format)
	return marshalResult(map[string]any{
		"valid":    result.Valid(),
		"errors":   result.Errors,
		"warnings": result.Warnings,
	})
}

func (s *ChatflowServer) handleSimulate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	flow, err := loadFlow(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var script simulate.Script
	if raw := mcp.ParseStringMap(req, "script", nil); raw != nil {
		data, err := json.Marshal(raw)
		if err == nil {
			err = json.Unmarshal(data, &script)
		}
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid script: %v", err)), nil
		}
	}

	res, err := simulate.Run(ctx, flow, script, s.simOpts)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("simulation failed: %v", err)), nil
	}
	return marshalResult(res)
}

// handleDiagram renders a live session, or a flow when no session is named.
func (s *ChatflowServer) handleDiagram(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var model *diagram.DiagramModel
	if id := req.GetString("session_id", ""); id != "" {
		sess, err := s.sessions.Get(id)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		model = sess.Diagram()
	} else {
		flow, err := loadFlow(req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		title := flow.Title
		if title == "" {
			title = flow.ID
		}
		model = diagram.Build(engine.Compile(flow.Nodes, flow.Edges), title, nil)
	}

	switch output := req.GetString("output", "mermaid"); output {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	case "dot":
		src, err := diagram.RenderDOT(model)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("dot render failed: %v", err)), nil
		}
		return mcp.NewToolResultText(src), nil
	default:
		return mcp.NewToolResultError("output must be ascii, mermaid or dot"), nil
	}
}

// --- Helpers ---

func (s *ChatflowServer) requireSession(req mcp.CallToolRequest) (*session.Session, *mcp.CallToolResult) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return nil, mcp.NewToolResultError("session_id is required")
	}
	sess, err := s.sessions.Get(id)
	if err != nil {
		return nil, mcp.NewToolResultError(err.Error())
	}
	return sess, nil
}

func since(sess *session.Session, n int) []schema.BotMessage {
	msgs := sess.Messages()
	if n >= len(msgs) {
		return nil
	}
	return msgs[n:]
}

// flowBytes returns the flow named by the flow, source or path argument.
func flowBytes(req mcp.CallToolRequest) ([]byte, flowfile.Format, error) {
	if doc := mcp.ParseStringMap(req, "flow", nil); doc != nil {
		data, err := json.Marshal(doc)
		if err != nil {
			return nil, "", fmt.Errorf("invalid flow: %w", err)
		}
		return data, flowfile.FormatJSON, nil
	}
	if src := req.GetString("source", ""); src != "" {
		return []byte(src), flowfile.Format(req.GetString("format", "")), nil
	}
	if path := req.GetString("path", ""); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("read flow file: %w", err)
		}
		return data, flowfile.FormatFromPath(path), nil
	}
	return nil, "", fmt.Errorf("one of flow, source or path is required")
}

func loadFlow(req mcp.CallToolRequest) (*schema.Flow, error) {
	if mcp.ParseStringMap(req, "flow", nil) == nil && req.GetString("source", "") == "" {
		if path := req.GetString("path", ""); path != "" {
			return flowfile.Load(path)
		}
	}
	data, format, err := flowBytes(req)
	if err != nil {
		return nil, err
	}
	flow, err := flowfile.Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("invalid flow: %w", err)
	}
	return flow, nil
}

// captureClient maps the session to the calling MCP client for notifications.
func (s *ChatflowServer) captureClient(ctx context.Context, sessionID string) {
	if client := server.ClientSessionFromContext(ctx); client != nil {
		s.clients.Register(sessionID, client.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
