package panel

import (
	"net/http"

	"github.com/rendis/chatflow/internal/store"
)

func (s *PanelServer) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "no store configured")
		return
	}
	schedules, err := s.deps.Store.ListSchedules(r.Context(), store.ScheduleFilter{Limit: queryInt(r, "limit", 100)})
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": schedules, "count": len(schedules)})
}

// handleCreateSchedule registers a cron campaign.
func (s *PanelServer) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not running")
		return
	}

	var body struct {
		Name           string         `json:"name"`
		CronExpression string         `json:"cron_expression"`
		FlowPath       string         `json:"flow_path"`
		Variables      map[string]any `json:"variables"`
		Recipients     int            `json:"recipients"`
		Enabled        *bool          `json:"enabled"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeFlowError(w, err)
		return
	}
	if body.FlowPath == "" || body.CronExpression == "" {
		writeError(w, http.StatusBadRequest, "flow_path and cron_expression are required")
		return
	}

	sc := &store.Schedule{
		Name:           body.Name,
		CronExpression: body.CronExpression,
		FlowPath:       body.FlowPath,
		Variables:      body.Variables,
		Recipients:     body.Recipients,
		Enabled:        body.Enabled == nil || *body.Enabled,
	}
	if err := s.deps.Scheduler.Add(r.Context(), sc); err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sc)
}

func (s *PanelServer) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "no store configured")
		return
	}
	id := r.PathValue("id")

	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeFlowError(w, err)
		return
	}

	if err := s.deps.Store.UpdateSchedule(r.Context(), id, store.ScheduleUpdate{Enabled: body.Enabled}); err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true", "id": id})
}

func (s *PanelServer) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "no store configured")
		return
	}
	id := r.PathValue("id")
	if err := s.deps.Store.DeleteSchedule(r.Context(), id); err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true", "id": id})
}
