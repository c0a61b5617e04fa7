package streaming

import (
	"context"
	"time"
)

// StreamEvent is an engine event tagged with the session that produced it,
// as delivered to cross-goroutine observers (SSE clients, MCP, the store).
type StreamEvent struct {
	SessionID string    `json:"session_id"`
	Seq       uint64    `json:"seq"`
	NodeID    string    `json:"node_id,omitempty"`
	EventType string    `json:"event_type"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	SessionID  string   `json:"session_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for session events across goroutines.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
