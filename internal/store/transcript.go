package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/chatflow/pkg/schema"
)

// Transcript roles.
const (
	RoleBot    = "bot"
	RoleUser   = "user"
	RoleSystem = "system"
)

// UserInput is the payload recorded under EventUserInput.
type UserInput struct {
	Text string `json:"text"`
}

// Line is one conversational turn rebuilt from the event log.
type Line struct {
	Seq     int64               `json:"seq"`
	At      time.Time           `json:"at"`
	Role    string              `json:"role"`
	NodeID  string              `json:"nodeId,omitempty"`
	Text    string              `json:"text"`
	Buttons []schema.QuickReply `json:"buttons,omitempty"`
}

// Transcript is the replayed view of a session.
type Transcript struct {
	SessionID string              `json:"sessionId"`
	Status    schema.EngineStatus `json:"status"`
	Lines     []Line              `json:"lines"`
	Visits    map[string]int      `json:"visits"`
	Errors    []schema.ErrorEvent `json:"errors,omitempty"`
}

// Replay rebuilds the transcript of a session from its events. A gap in the
// sequence numbers is reported as a store error.
func Replay(ctx context.Context, s Store, sessionID string) (*Transcript, error) {
	events, err := s.GetEvents(ctx, sessionID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	t := &Transcript{SessionID: sessionID, Status: schema.StatusIdle, Visits: map[string]int{}}
	for i, e := range events {
		if expected := int64(i + 1); e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in session %s: expected %d, got %d", sessionID, expected, e.Sequence)
		}
		if err := t.apply(e); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "event %d of session %s", e.Sequence, sessionID).WithCause(err)
		}
	}
	return t, nil
}

func (t *Transcript) apply(e *Event) error {
	switch e.Type {
	case schema.EventBotMessage:
		var m schema.BotMessage
		if err := decode(e.Payload, &m); err != nil {
			return err
		}
		t.Lines = append(t.Lines, Line{Seq: e.Sequence, At: e.Timestamp, Role: RoleBot, NodeID: e.NodeID, Text: m.Text, Buttons: m.Actions.Buttons})

	case EventUserInput:
		var in UserInput
		if err := decode(e.Payload, &in); err != nil {
			return err
		}
		t.Lines = append(t.Lines, Line{Seq: e.Sequence, At: e.Timestamp, Role: RoleUser, Text: in.Text})

	case schema.EventTrace:
		if e.NodeID != "" {
			t.Visits[e.NodeID]++
		}

	case schema.EventError:
		var ev schema.ErrorEvent
		if err := decode(e.Payload, &ev); err != nil {
			return err
		}
		t.Errors = append(t.Errors, ev)
		t.Lines = append(t.Lines, Line{Seq: e.Sequence, At: e.Timestamp, Role: RoleSystem, NodeID: ev.NodeID, Text: ev.Message})

	case schema.EventStatus:
		var ev schema.StatusEvent
		if err := decode(e.Payload, &ev); err != nil {
			return err
		}
		t.Status = ev.Status
	}
	return nil
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
