package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rendis/chatflow/internal/store"
	"github.com/rendis/chatflow/internal/streaming"
	"github.com/rendis/chatflow/pkg/schema"
)

const recordTimeout = 5 * time.Second

// recorder appends engine events to the transcript store and keeps the
// session record's status current. Failures are logged, never surfaced to
// the run.
type recorder struct {
	store   store.Store
	session *Session
	logger  *slog.Logger
}

func (r *recorder) record(event string, payload any) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	raw, err := json.Marshal(payload)
	if err != nil {
		r.warn("marshal event", event, err)
		return
	}
	ev := &store.Event{
		SessionID: r.session.ID,
		NodeID:    streaming.NodeIDOf(payload),
		Type:      event,
		Payload:   raw,
		Timestamp: r.session.Engine.Now(),
	}
	if err := r.store.AppendEvent(ctx, ev); err != nil {
		r.warn("append event", event, err)
	}

	st, ok := payload.(schema.StatusEvent)
	if !ok {
		return
	}
	update := store.SessionUpdate{Status: &st.Status}
	if st.Status.IsTerminal() || st.Status == schema.StatusWaiting {
		update.Variables = r.session.Engine.Variables()
	}
	if st.Status.IsTerminal() {
		now := time.Now().UTC()
		update.CompletedAt = &now
	}
	if err := r.store.UpdateSession(ctx, r.session.ID, update); err != nil {
		r.warn("update session", event, err)
	}
}

func (r *recorder) warn(op, event string, err error) {
	r.logger.Warn("transcript "+op+" failed",
		slog.String("event", event),
		slog.String("error", err.Error()))
}
