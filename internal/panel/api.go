package panel

import (
	"net/http"
	"strings"
	"time"

	"github.com/rendis/chatflow/internal/clock"
	"github.com/rendis/chatflow/internal/expressions"
	"github.com/rendis/chatflow/internal/session"
	"github.com/rendis/chatflow/internal/store"
	"github.com/rendis/chatflow/pkg/schema"
)

type createSessionRequest struct {
	flowSource
	Channel   string         `json:"channel,omitempty"`
	ClockMode clock.Mode     `json:"clockMode,omitempty"`
	Vars      map[string]any `json:"vars,omitempty"`
	// Start runs the session right after creating it.
	Start bool `json:"start,omitempty"`
}

// handleCreateSession compiles a flow into a new session.
func (s *PanelServer) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body createSessionRequest
	if err := decodeJSON(r, &body); err != nil {
		writeFlowError(w, err)
		return
	}
	flow, err := body.load()
	if err != nil {
		writeFlowError(w, err)
		return
	}

	co := session.CreateOptions{ClockMode: body.ClockMode, Source: "panel"}
	if body.Channel != "" {
		ch, ok := schema.ParseChannel(body.Channel)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown channel "+body.Channel)
			return
		}
		co.Channel = ch
	}
	switch co.ClockMode {
	case "", clock.ModeReal, clock.ModeMock:
	default:
		writeError(w, http.StatusBadRequest, "clockMode must be real or mock")
		return
	}

	sess, err := s.deps.Sessions.Create(ctx, flow, co)
	if err != nil {
		writeFlowError(w, err)
		return
	}

	snap := sess.Snapshot()
	if body.Start {
		if snap, err = s.deps.Sessions.Start(ctx, sess.ID, body.Vars); err != nil {
			writeFlowError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (s *PanelServer) handleListSessions(w http.ResponseWriter, r *http.Request) {
	list := s.deps.Sessions.List()
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := list[:0]
		for _, snap := range list {
			if string(snap.Status) == status {
				filtered = append(filtered, snap)
			}
		}
		list = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": list, "count": len(list)})
}

func (s *PanelServer) handleGetSession(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Sessions.Snapshot(r.PathValue("id"))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *PanelServer) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Sessions.Delete(r.Context(), id); err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true", "id": id})
}

func (s *PanelServer) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Vars map[string]any `json:"vars"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeFlowError(w, err)
		return
	}
	s.respond(w)(s.deps.Sessions.Start(r.Context(), r.PathValue("id"), body.Vars))
}

func (s *PanelServer) handleInput(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text string `json:"text"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeFlowError(w, err)
		return
	}
	s.respond(w)(s.deps.Sessions.Input(r.Context(), r.PathValue("id"), body.Text))
}

func (s *PanelServer) handleStopSession(w http.ResponseWriter, r *http.Request) {
	s.respond(w)(s.deps.Sessions.Stop(r.Context(), r.PathValue("id")))
}

func (s *PanelServer) handleResetSession(w http.ResponseWriter, r *http.Request) {
	s.respond(w)(s.deps.Sessions.Reset(r.Context(), r.PathValue("id")))
}

// handleAdvance moves a mock-clock session forward. An absent or zero
// duration flushes every pending timer.
func (s *PanelServer) handleAdvance(w http.ResponseWriter, r *http.Request) {
	var body struct {
		By any `json:"by"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeFlowError(w, err)
		return
	}
	var d time.Duration
	if body.By != nil {
		d = expressions.ParseDelay(body.By)
	}
	s.respond(w)(s.deps.Sessions.Advance(r.Context(), r.PathValue("id"), d))
}

func (s *PanelServer) respond(w http.ResponseWriter) func(session.Snapshot, error) {
	return func(snap session.Snapshot, err error) {
		if err != nil {
			writeFlowError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func (s *PanelServer) handleMessages(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Sessions.Get(r.PathValue("id"))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": sess.Messages()})
}

// handleSessionDiagram renders the session's flow with its run overlaid.
func (s *PanelServer) handleSessionDiagram(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Sessions.Get(r.PathValue("id"))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	s.writeDiagram(w, r, sess.Diagram(), r.URL.Query().Get("format"))
}

// handleStoredEvents lists the persisted transcript events of a session.
func (s *PanelServer) handleStoredEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "no store configured")
		return
	}
	id := r.PathValue("id")
	events, err := s.deps.Store.GetEvents(r.Context(), id, int64(queryInt(r, "since", 0)))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	if t := r.URL.Query().Get("type"); t != "" {
		filtered := events[:0]
		for _, e := range events {
			if strings.EqualFold(e.Type, t) {
				filtered = append(filtered, e)
			}
		}
		events = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

// handleTranscript replays the stored events of a session into a transcript.
func (s *PanelServer) handleTranscript(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "no store configured")
		return
	}
	tr, err := store.Replay(r.Context(), s.deps.Store, r.PathValue("id"))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

func (s *PanelServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.deps.Sessions.Len(),
	})
}
