package api

import (
	"net/http"
	"strings"
	"time"

	"actionrunner/internal/core"
)

type createActionRequest struct {
	Name       string  `json:"name"`
	Slug       string  `json:"slug"`
	APIKey     string  `json:"api_key"`
	TaskURL    *string `json:"task_url"`
	IntervalMS *int64  `json:"interval_ms"`
	ChannelID  *string `json:"channel_id"`
}

// actionResponse never includes the API key.
type actionResponse struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Slug        string  `json:"slug"`
	TaskURL     *string `json:"task_url,omitempty"`
	IntervalMS  *int64  `json:"interval_ms,omitempty"`
	ChannelID   *string `json:"channel_id,omitempty"`
	TimerActive bool    `json:"timer_active"`
	NextTickAt  *string `json:"next_tick_at,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

type startResponse struct {
	Action     actionResponse `json:"action"`
	Automation runResponse    `json:"automation"`
	InstanceID string         `json:"instance_id"`
}

type stopResponse struct {
	Stopped    bool         `json:"stopped"`
	Automation *runResponse `json:"automation,omitempty"`
}

type runningActionResponse struct {
	Action     actionResponse `json:"action"`
	Automation runResponse    `json:"automation"`
}

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	actions, err := s.actions.ListActions(r.Context())
	if err != nil {
		s.writeDomainError(w, "list actions", core.Internal("list actions", err))
		return
	}
	resp := make([]actionResponse, 0, len(actions))
	for _, action := range actions {
		resp = append(resp, s.actionToResponse(action))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateAction(w http.ResponseWriter, r *http.Request) {
	var req createActionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	action := &core.Action{
		Name:      strings.TrimSpace(req.Name),
		Slug:      strings.TrimSpace(req.Slug),
		APIKey:    strings.TrimSpace(req.APIKey),
		TaskURL:   req.TaskURL,
		ChannelID: req.ChannelID,
	}
	if req.IntervalMS != nil {
		d := time.Duration(*req.IntervalMS) * time.Millisecond
		action.Interval = &d
	}
	if err := action.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	if err := s.actions.InsertAction(r.Context(), action); err != nil {
		s.writeDomainError(w, "create action", core.Internal("create action", err))
		return
	}
	writeJSON(w, http.StatusCreated, s.actionToResponse(action))
}

func (s *Server) handleGetAction(w http.ResponseWriter, r *http.Request) {
	actionID, ok := idParam(w, r, "actionID")
	if !ok {
		return
	}
	action, err := s.actions.GetAction(r.Context(), actionID)
	if err != nil {
		s.writeDomainError(w, "get action", core.Internal("get action", err))
		return
	}
	writeJSON(w, http.StatusOK, s.actionToResponse(action))
}

func (s *Server) handleRunAction(w http.ResponseWriter, r *http.Request) {
	actionID, ok := idParam(w, r, "actionID")
	if !ok {
		return
	}
	res, err := s.orchestrator.StartAction(r.Context(), actionID)
	if err != nil {
		s.writeDomainError(w, "start action", err)
		return
	}
	writeJSON(w, http.StatusOK, startResponse{
		Action:     s.actionToResponse(res.Action),
		Automation: runToResponse(res.Run),
		InstanceID: res.InstanceID,
	})
}

func (s *Server) handleStopAction(w http.ResponseWriter, r *http.Request) {
	actionID, ok := idParam(w, r, "actionID")
	if !ok {
		return
	}
	run, err := s.orchestrator.StopAction(r.Context(), actionID)
	if err != nil {
		s.writeDomainError(w, "stop action", err)
		return
	}
	resp := stopResponse{Stopped: run != nil}
	if run != nil {
		rr := runToResponse(run)
		resp.Automation = &rr
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancelRecurrence(w http.ResponseWriter, r *http.Request) {
	actionID, ok := idParam(w, r, "actionID")
	if !ok {
		return
	}
	if err := s.orchestrator.CancelRecurrence(r.Context(), actionID); err != nil {
		s.writeDomainError(w, "cancel recurrence", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListRunningActions(w http.ResponseWriter, r *http.Request) {
	runs, err := s.orchestrator.Lifecycle().ListActiveRunsWithAction(r.Context())
	if err != nil {
		s.writeDomainError(w, "list running actions", err)
		return
	}
	resp := make([]runningActionResponse, 0, len(runs))
	for _, run := range runs {
		action, err := s.actions.GetAction(r.Context(), *run.ActionID)
		if err != nil {
			s.writeDomainError(w, "list running actions", core.Internal("get action", err))
			return
		}
		resp = append(resp, runningActionResponse{
			Action:     s.actionToResponse(action),
			Automation: runToResponse(run),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) actionToResponse(action *core.Action) actionResponse {
	resp := actionResponse{
		ID:        action.ID,
		Name:      action.Name,
		Slug:      action.Slug,
		TaskURL:   action.TaskURL,
		ChannelID: action.ChannelID,
		CreatedAt: formatTime(action.CreatedAt),
	}
	if action.Interval != nil {
		ms := action.Interval.Milliseconds()
		resp.IntervalMS = &ms
	}
	scheduler := s.orchestrator.Scheduler()
	resp.TimerActive = scheduler.IsRegistered(action.ID)
	resp.NextTickAt = formatTimePtr(scheduler.NextTick(action.ID))
	return resp
}
