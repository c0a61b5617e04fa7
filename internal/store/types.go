package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/chatflow/pkg/schema"
)

// EventUserInput is recorded by the session layer for every reply it
// pushes into a run. The engine itself never emits it.
const EventUserInput = "userInput"

// Session is the persisted header of one conversation run.
type Session struct {
	ID          string              `json:"id"`
	FlowID      string              `json:"flow_id,omitempty"`
	FlowTitle   string              `json:"flow_title,omitempty"`
	Channel     schema.Channel      `json:"channel"`
	Status      schema.EngineStatus `json:"status"`
	Source      string              `json:"source,omitempty"`
	Variables   map[string]any      `json:"variables,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
}

// Event is an immutable entry in a session transcript.
type Event struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id"`
	NodeID    string          `json:"node_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// Schedule is a cron-triggered flow start.
type Schedule struct {
	ID             string         `json:"id"`
	Name           string         `json:"name,omitempty"`
	CronExpression string         `json:"cron_expression"`
	FlowPath       string         `json:"flow_path"`
	Variables      map[string]any `json:"variables,omitempty"`
	Recipients     int            `json:"recipients,omitempty"`
	Enabled        bool           `json:"enabled"`
	LastRunAt      *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time     `json:"next_run_at,omitempty"`
	LastRunStatus  string         `json:"last_run_status,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// --- Filter and update types ---

// SessionFilter specifies criteria for listing sessions.
type SessionFilter struct {
	Status *schema.EngineStatus `json:"status,omitempty"`
	FlowID string               `json:"flow_id,omitempty"`
	Since  *time.Time           `json:"since,omitempty"`
	Limit  int                  `json:"limit,omitempty"`
	Offset int                  `json:"offset,omitempty"`
}

// SessionUpdate specifies mutable fields of a session.
type SessionUpdate struct {
	Status      *schema.EngineStatus `json:"status,omitempty"`
	Variables   map[string]any       `json:"variables,omitempty"`
	CompletedAt *time.Time           `json:"completed_at,omitempty"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	SessionID string     `json:"session_id,omitempty"`
	NodeID    string     `json:"node_id,omitempty"`
	Since     *time.Time `json:"since,omitempty"`
	Limit     int        `json:"limit,omitempty"`
}

// ScheduleUpdate specifies mutable fields of a schedule.
type ScheduleUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduleFilter specifies criteria for listing schedules.
type ScheduleFilter struct {
	Enabled *bool `json:"enabled,omitempty"`
	Limit   int   `json:"limit,omitempty"`
}
