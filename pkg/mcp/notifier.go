package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/chatflow/internal/streaming"
	"github.com/rendis/chatflow/pkg/schema"
)

// Notifier pushes session events to whoever is watching the session.
type Notifier interface {
	Notify(ctx context.Context, sessionID string, payload map[string]any) error
}

// MCPNotifier implements Notifier with MCP server notifications.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	clients   *ClientRegistry
}

// NewMCPNotifier creates a notifier that pushes to registered MCP clients.
func NewMCPNotifier(mcpServer *server.MCPServer, clients *ClientRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, clients: clients}
}

// Notify sends a notification to the client watching sessionID.
// Returns nil if no client is watching.
func (n *MCPNotifier) Notify(_ context.Context, sessionID string, payload map[string]any) error {
	clientID, ok := n.clients.ClientFor(sessionID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(clientID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Client went away between lookup and send.
		n.clients.Remove(clientID)
		return nil
	}
	return err
}

// notifyEvents are the hub events forwarded to clients.
var notifyEvents = []string{schema.EventBotMessage, schema.EventWaitingForInput, schema.EventDone}

// Watch forwards bot messages, input requests and run ends from the hub to
// the notifier until ctx ends or the returned stop is called.
func (s *ChatflowServer) Watch(ctx context.Context) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	events, unsubscribe, err := s.hub.Subscribe(ctx, streaming.EventFilter{EventTypes: notifyEvents})
	if err != nil {
		cancel()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				s.forward(ctx, ev)
			}
		}
	}()

	return func() {
		cancel()
		unsubscribe()
		<-done
	}, nil
}

func (s *ChatflowServer) forward(ctx context.Context, ev streaming.StreamEvent) {
	payload := map[string]any{
		"session_id": ev.SessionID,
		"event":      ev.EventType,
		"seq":        ev.Seq,
	}
	switch p := ev.Payload.(type) {
	case schema.BotMessage:
		payload["text"] = p.Text
		if len(p.Actions.Buttons) > 0 {
			payload["buttons"] = p.Actions.Buttons
		}
	case schema.WaitingEvent:
		payload["node_id"] = p.NodeID
		payload["var_name"] = p.VarName
	case schema.DoneEvent:
		payload["reason"] = p.Reason
	}
	if err := s.notifier.Notify(ctx, ev.SessionID, payload); err != nil {
		s.logger.Warn("session notification failed",
			slog.String("session_id", ev.SessionID),
			slog.String("error", err.Error()))
	}
}
