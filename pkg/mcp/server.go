// Package mcp exposes chatflow sessions as MCP tools so agents can drive
// conversations: start a flow, answer its questions, move its clock and read
// the transcript, plus validate and simulate flows.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/chatflow/internal/session"
	"github.com/rendis/chatflow/internal/simulate"
	"github.com/rendis/chatflow/internal/streaming"
	"github.com/rendis/chatflow/internal/validation"
)

// ChatflowServerDeps holds the dependencies for creating a ChatflowServer.
// Hub and Notifier enable push notifications of bot messages.
type ChatflowServerDeps struct {
	Sessions  *session.Manager
	Validator *validation.FlowValidator
	Simulate  simulate.Options
	Hub       streaming.EventHub
	Notifier  Notifier
	Clients   *ClientRegistry
	Logger    *slog.Logger
}

// ChatflowServer wraps an MCP server with chatflow tool handlers.
type ChatflowServer struct {
	sessions  *session.Manager
	validator *validation.FlowValidator
	simOpts   simulate.Options
	hub       streaming.EventHub
	notifier  Notifier
	clients   *ClientRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewChatflowServer creates a ChatflowServer with every tool registered.
func NewChatflowServer(deps ChatflowServerDeps) *ChatflowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if deps.Simulate.Logger == nil {
		deps.Simulate.Logger = logger
	}
	clients := deps.Clients
	if clients == nil {
		clients = NewClientRegistry()
	}

	s := &ChatflowServer{
		sessions:  deps.Sessions,
		validator: deps.Validator,
		simOpts:   deps.Simulate,
		hub:       deps.Hub,
		notifier:  deps.Notifier,
		clients:   clients,
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"chatflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Chatflow runs conversational flows. Use chatflow.start to open a session, chatflow.input to answer the question it is waiting on, chatflow.advance to move a mock clock past delays, chatflow.status to read the transcript and chatflow.stop to end it. chatflow.validate lints a flow and chatflow.simulate plays a scripted conversation."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	if s.notifier == nil {
		s.notifier = NewMCPNotifier(mcpSrv, clients)
	}
	return s
}

// Serve forwards bot messages to their clients when a hub is configured,
// then runs the stdio transport until ctx is cancelled or stdin closes.
func (s *ChatflowServer) Serve(ctx context.Context) error {
	if s.hub != nil {
		stop, err := s.Watch(ctx)
		if err != nil {
			return err
		}
		defer stop()
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *ChatflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *ChatflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: inputTool(), Handler: s.handleInput},
		{Tool: advanceTool(), Handler: s.handleAdvance},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: stopTool(), Handler: s.handleStop},
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: simulateTool(), Handler: s.handleSimulate},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func withFlow() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithObject("flow", mcp.Description("Flow document ({nodes, edges, ...})")),
		mcp.WithString("source", mcp.Description("Flow source text in JSON, YAML or DOT")),
		mcp.WithString("format", mcp.Enum("json", "yaml", "dot"), mcp.Description("Format of source (default: sniffed)")),
		mcp.WithString("path", mcp.Description("Path of a flow file to load")),
	}
}

func startTool() mcp.Tool {
	opts := append([]mcp.ToolOption{
		mcp.WithDescription("Start a conversation session from a flow"),
		mcp.WithObject("vars", mcp.Description("Initial variables")),
		mcp.WithString("channel", mcp.Description("Channel override: whatsapp, sms, email, push, voice, slack, teams, telegram, instagram, messenger or webchat")),
		mcp.WithString("clock", mcp.Enum("mock", "real"), mcp.Description("Clock mode (default: mock)")),
	}, withFlow()...)
	return mcp.NewTool("chatflow.start", opts...)
}

func inputTool() mcp.Tool {
	return mcp.NewTool("chatflow.input",
		mcp.WithDescription("Answer the question a session is waiting on"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("ID of the session")),
		mcp.WithString("text", mcp.Required(), mcp.Description("User reply")),
	)
}

func advanceTool() mcp.Tool {
	return mcp.NewTool("chatflow.advance",
		mcp.WithDescription("Move a mock-clock session forward in time"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("ID of the session")),
		mcp.WithString("by", mcp.Description("Duration such as 30s or 2m (default: fire every pending timer)")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("chatflow.status",
		mcp.WithDescription("Get session status, variables and messages"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("ID of the session")),
	)
}

func stopTool() mcp.Tool {
	return mcp.NewTool("chatflow.stop",
		mcp.WithDescription("Stop a session"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("ID of the session")),
		mcp.WithString("delete", mcp.Enum("true", "false"), mcp.Description("Also discard the session (default: false)")),
	)
}

func validateTool() mcp.Tool {
	opts := append([]mcp.ToolOption{mcp.WithDescription("Lint a flow and list errors and warnings")}, withFlow()...)
	return mcp.NewTool("chatflow.validate", opts...)
}

func simulateTool() mcp.Tool {
	opts := append([]mcp.ToolOption{
		mcp.WithDescription("Play a scripted conversation against a flow on a virtual clock"),
		mcp.WithObject("script", mcp.Description("Script: {vars, steps: [{input}|{advance}|{flush}], expect}")),
	}, withFlow()...)
	return mcp.NewTool("chatflow.simulate", opts...)
}

func diagramTool() mcp.Tool {
	opts := append([]mcp.ToolOption{
		mcp.WithDescription("Render a flow or a live session as a diagram"),
		mcp.WithString("session_id", mcp.Description("Session to render with its run overlaid")),
		mcp.WithString("output", mcp.Enum("ascii", "mermaid", "dot"), mcp.Description("Output format (default: mermaid)")),
	}, withFlow()...)
	return mcp.NewTool("chatflow.diagram", opts...)
}
