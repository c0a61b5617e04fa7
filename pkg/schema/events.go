package schema

import "time"

// Event names emitted by the engine.
const (
	EventStatus          = "status"
	EventBotMessage      = "botMessage"
	EventTrace           = "trace"
	EventError           = "error"
	EventWaitingForInput = "waitingForInput"
	EventDone            = "done"
)

// EventNames lists every engine event in a stable order.
var EventNames = []string{
	EventStatus, EventBotMessage, EventTrace, EventError, EventWaitingForInput, EventDone,
}

// EngineStatus represents the lifecycle state of a run.
type EngineStatus string

const (
	StatusIdle      EngineStatus = "idle"
	StatusRunning   EngineStatus = "running"
	StatusWaiting   EngineStatus = "waiting"
	StatusCompleted EngineStatus = "completed"
	StatusStopped   EngineStatus = "stopped"
)

// IsTerminal reports whether the run has finished.
func (s EngineStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusStopped
}

// NodeKind is the runtime category a node compiles to.
type NodeKind string

const (
	KindMessage   NodeKind = "message"
	KindAsk       NodeKind = "ask"
	KindCondition NodeKind = "condition"
	KindDelay     NodeKind = "delay"
	KindAPI       NodeKind = "api"
	KindUnknown   NodeKind = "unknown"
)

// StatusEvent is the payload of EventStatus.
type StatusEvent struct {
	Status EngineStatus `json:"status"`
}

// BotMessage is the payload of EventBotMessage.
type BotMessage struct {
	ID      string         `json:"id"`
	Text    string         `json:"text"`
	Channel Channel        `json:"channel"`
	Actions MessageActions `json:"actions"`
	Meta    *ChannelMeta   `json:"meta,omitempty"`
}

// MessageActions carries the interactive parts of a bot message.
type MessageActions struct {
	Buttons []QuickReply `json:"buttons,omitempty"`
}

// ChannelMeta describes how a message renders on its channel.
type ChannelMeta struct {
	Encoding         string   `json:"encoding,omitempty"`
	Segments         int      `json:"segments,omitempty"`
	MaxButtons       int      `json:"maxButtons,omitempty"`
	ButtonsTruncated bool     `json:"buttonsTruncated,omitempty"`
	Warnings         []string `json:"warnings,omitempty"`
}

// TraceEvent is the payload of EventTrace.
type TraceEvent struct {
	TS     time.Time `json:"ts"`
	NodeID string    `json:"nodeId"`
	Result string    `json:"result"`
}

// ErrorEvent is the payload of EventError.
type ErrorEvent struct {
	NodeID  string `json:"nodeId,omitempty"`
	Message string `json:"message"`
}

// WaitingEvent is the payload of EventWaitingForInput.
type WaitingEvent struct {
	NodeID  string `json:"nodeId"`
	VarName string `json:"varName"`
}

// DoneEvent is the payload of EventDone.
type DoneEvent struct {
	Reason EngineStatus `json:"reason"`
}
