package panel

import (
	"net/http"

	"github.com/rendis/chatflow/internal/diagram"
	"github.com/rendis/chatflow/internal/session"
	"github.com/rendis/chatflow/internal/store"
	"github.com/rendis/chatflow/pkg/schema"
)

// --- Page data types ---

type pageData struct {
	Title  string
	Active string
}

type sessionsData struct {
	pageData
	Sessions []session.Snapshot
	Waiting  int
	Running  int
	Done     int
}

type sessionDetailData struct {
	pageData
	Session  session.Snapshot
	Messages []schema.BotMessage
	Mermaid  string
	Lines    []store.Line
}

// --- Page handlers ---

func (s *PanelServer) handleSessionsPage(w http.ResponseWriter, r *http.Request) {
	list := s.deps.Sessions.List()
	data := sessionsData{
		pageData: pageData{Title: "Sessions", Active: "sessions"},
		Sessions: list,
	}
	for _, snap := range list {
		switch snap.Status {
		case schema.StatusWaiting:
			data.Waiting++
		case schema.StatusRunning:
			data.Running++
		case schema.StatusCompleted, schema.StatusStopped:
			data.Done++
		}
	}
	s.renderPage(w, "sessions.html", data)
}

func (s *PanelServer) handleSessionPage(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Sessions.Get(r.PathValue("id"))
	if err != nil {
		http.NotFound(w, r)
		return
	}

	snap := sess.Snapshot()
	data := sessionDetailData{
		pageData: pageData{Title: "Session " + truncate(snap.ID, 8), Active: "sessions"},
		Session:  snap,
		Messages: sess.Messages(),
		Mermaid:  diagram.RenderMermaid(sess.Diagram()),
	}
	if s.deps.Store != nil {
		if tr, err := store.Replay(r.Context(), s.deps.Store, snap.ID); err == nil {
			data.Lines = tr.Lines
		} else {
			s.deps.Logger.Warn("transcript replay failed", "session_id", snap.ID, "error", err)
		}
	}
	s.renderPage(w, "session_detail.html", data)
}
