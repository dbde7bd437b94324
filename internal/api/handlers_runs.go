package api

import (
	"net/http"
	"strings"
	"time"

	"actionrunner/internal/core"
)

type runResponse struct {
	ID         int64   `json:"id"`
	Name       string  `json:"name"`
	ActionID   *int64  `json:"action_id,omitempty"`
	InstanceID *string `json:"instance_id,omitempty"`
	Active     bool    `json:"active"`
	StartedAt  string  `json:"started_at"`
	EndedAt    *string `json:"ended_at,omitempty"`
}

type createRunRequest struct {
	Name     string `json:"name"`
	ActionID *int64 `json:"action_id"`
}

type endRunRequest struct {
	EndedAt *time.Time `json:"ended_at"`
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	var filter core.RunFilter
	switch strings.ToLower(r.URL.Query().Get("status")) {
	case "":
	case "active":
		ended := false
		filter.Ended = &ended
	case "ended":
		ended := true
		filter.Ended = &ended
	default:
		writeError(w, http.StatusBadRequest, "invalid_input", "status must be active or ended")
		return
	}
	runs, err := s.orchestrator.Lifecycle().ListRuns(r.Context(), filter)
	if err != nil {
		s.writeDomainError(w, "list automations", err)
		return
	}
	resp := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		resp = append(resp, runToResponse(run))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCreateRun records an ad-hoc run. It never contacts the remote service.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	var action *core.Action
	if req.ActionID != nil {
		a, err := s.actions.GetAction(r.Context(), *req.ActionID)
		if err != nil {
			s.writeDomainError(w, "create automation", core.Internal("get action", err))
			return
		}
		action = a
	}
	if strings.TrimSpace(req.Name) == "" && action == nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "name or action_id is required")
		return
	}
	run, err := s.orchestrator.Lifecycle().CreateRun(r.Context(), action, req.Name)
	if err != nil {
		s.writeDomainError(w, "create automation", err)
		return
	}
	writeJSON(w, http.StatusCreated, runToResponse(run))
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := idParam(w, r, "runID")
	if !ok {
		return
	}
	run, err := s.orchestrator.Lifecycle().GetRun(r.Context(), runID)
	if err != nil {
		s.writeDomainError(w, "get automation", err)
		return
	}
	writeJSON(w, http.StatusOK, runToResponse(run))
}

// handleEndRun sets a run's end timestamp. The remote session, if any, is
// left alone; use the action stop endpoint for that.
func (s *Server) handleEndRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := idParam(w, r, "runID")
	if !ok {
		return
	}
	var req endRunRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	endedAt := time.Now().UTC()
	if req.EndedAt != nil {
		endedAt = *req.EndedAt
	}
	run, err := s.orchestrator.Lifecycle().EndRun(r.Context(), runID, endedAt)
	if err != nil {
		s.writeDomainError(w, "end automation", err)
		return
	}
	writeJSON(w, http.StatusOK, runToResponse(run))
}

func runToResponse(run *core.Run) runResponse {
	return runResponse{
		ID:         run.ID,
		Name:       run.Name,
		ActionID:   run.ActionID,
		InstanceID: run.InstanceID,
		Active:     run.Active(),
		StartedAt:  formatTime(run.StartedAt),
		EndedAt:    formatTimePtr(run.EndedAt),
	}
}
