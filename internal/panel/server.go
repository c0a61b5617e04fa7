// Package panel serves the test console: a JSON API over live sessions,
// per-session SSE streams, flow tooling endpoints and two HTML pages.
package panel

import (
	"embed"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/rendis/chatflow/internal/logging"
	"github.com/rendis/chatflow/internal/metrics"
	"github.com/rendis/chatflow/internal/scheduler"
	"github.com/rendis/chatflow/internal/session"
	"github.com/rendis/chatflow/internal/simulate"
	"github.com/rendis/chatflow/internal/store"
	"github.com/rendis/chatflow/internal/streaming"
	"github.com/rendis/chatflow/internal/validation"
)

//go:embed templates
var content embed.FS

// PanelDeps holds the dependencies for the panel server. Sessions and
// Validator are required; the rest switch routes off when nil.
type PanelDeps struct {
	Sessions  *session.Manager
	Validator *validation.FlowValidator
	Store     store.Store
	Hub       streaming.EventHub
	Metrics   *metrics.Metrics
	Scheduler *scheduler.Scheduler
	Simulate  simulate.Options
	Logger    *slog.Logger
}

// PanelServer serves the console.
type PanelServer struct {
	deps  PanelDeps
	pages map[string]*template.Template
}

// NewPanelServer creates a PanelServer with parsed templates.
func NewPanelServer(deps PanelDeps) *PanelServer {
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	if deps.Simulate.Logger == nil {
		deps.Simulate.Logger = deps.Logger
	}

	funcMap := template.FuncMap{
		"json":        toJSON,
		"timeAgo":     timeAgo,
		"statusBadge": statusBadge,
		"truncate":    truncate,
	}

	base := template.Must(template.New("").Funcs(funcMap).ParseFS(content, "templates/base.html"))

	// Each page clones the shared set so its {{define "content"}} stays private.
	pageFiles := []string{"sessions.html", "session_detail.html"}
	pages := make(map[string]*template.Template, len(pageFiles))
	for _, pf := range pageFiles {
		clone := template.Must(base.Clone())
		pages[pf] = template.Must(clone.ParseFS(content, "templates/"+pf))
	}

	return &PanelServer{deps: deps, pages: pages}
}

// Handler returns the HTTP handler for every panel route.
func (s *PanelServer) Handler() http.Handler {
	mux := http.NewServeMux()

	// Pages.
	mux.HandleFunc("GET /{$}", s.handleSessionsPage)
	mux.HandleFunc("GET /sessions/{id}", s.handleSessionPage)

	// Sessions.
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /api/sessions/{id}/start", s.handleStartSession)
	mux.HandleFunc("POST /api/sessions/{id}/input", s.handleInput)
	mux.HandleFunc("POST /api/sessions/{id}/stop", s.handleStopSession)
	mux.HandleFunc("POST /api/sessions/{id}/reset", s.handleResetSession)
	mux.HandleFunc("POST /api/sessions/{id}/advance", s.handleAdvance)
	mux.HandleFunc("GET /api/sessions/{id}/messages", s.handleMessages)
	mux.HandleFunc("GET /api/sessions/{id}/diagram", s.handleSessionDiagram)
	mux.HandleFunc("GET /api/sessions/{id}/events", s.handleStoredEvents)
	mux.HandleFunc("GET /api/sessions/{id}/transcript", s.handleTranscript)

	// SSE.
	mux.HandleFunc("GET /sse/sessions", s.handleSSEGlobal)
	mux.HandleFunc("GET /sse/sessions/{id}", s.handleSSESession)

	// Flow tooling.
	mux.HandleFunc("POST /api/validate", s.handleValidate)
	mux.HandleFunc("POST /api/simulate", s.handleSimulate)
	mux.HandleFunc("POST /api/diagram", s.handleDiagram)

	// Schedules.
	mux.HandleFunc("GET /api/schedules", s.handleListSchedules)
	mux.HandleFunc("POST /api/schedules", s.handleCreateSchedule)
	mux.HandleFunc("PUT /api/schedules/{id}", s.handleUpdateSchedule)
	mux.HandleFunc("DELETE /api/schedules/{id}", s.handleDeleteSchedule)

	mux.HandleFunc("GET /health", s.handleHealth)
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	}

	return mux
}

// renderPage executes a page template by name.
func (s *PanelServer) renderPage(w http.ResponseWriter, page string, data any) {
	tmpl, ok := s.pages[page]
	if !ok {
		s.deps.Logger.Error("template not found", "page", page)
		http.Error(w, fmt.Sprintf("template %q not found", page), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.ExecuteTemplate(w, "base", data); err != nil {
		s.deps.Logger.Error("template render error", "page", page, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}
