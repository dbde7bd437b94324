package api

import (
	"net/http"
	"strings"

	"actionrunner/internal/core"
)

const maxNoteBody = 20 << 20

type createNoteRequest struct {
	AutomationID  int64  `json:"automation_id"`
	Status        string `json:"status"`
	Image         string `json:"image"`
	SendToChannel bool   `json:"send_to_channel"`
}

type noteResponse struct {
	ID           int64   `json:"id"`
	AutomationID int64   `json:"automation_id"`
	Status       string  `json:"status"`
	Image        *string `json:"image,omitempty"`
	ImageURL     *string `json:"image_url,omitempty"`
	CreatedAt    string  `json:"created_at"`
}

// handleCreateNote is the status callback of remote jobs. The image is a
// base64 JPEG, optionally in data URL form.
func (s *Server) handleCreateNote(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxNoteBody)
	var req createNoteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.AutomationID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_input", "automation_id is required")
		return
	}
	image, err := core.DecodeImage(req.Image)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	note, err := s.orchestrator.Lifecycle().AddNote(r.Context(), core.NoteInput{
		RunID:         req.AutomationID,
		Status:        core.NoteStatus(strings.ToLower(strings.TrimSpace(req.Status))),
		Image:         image,
		SendToChannel: req.SendToChannel,
	})
	if err != nil {
		s.writeDomainError(w, "create note", err)
		return
	}
	writeJSON(w, http.StatusCreated, s.noteToResponse(note))
}

func (s *Server) handleLatestNote(w http.ResponseWriter, r *http.Request) {
	runID, ok := idParam(w, r, "runID")
	if !ok {
		return
	}
	note, err := s.orchestrator.Lifecycle().LatestNoteForRun(r.Context(), runID)
	if err != nil {
		s.writeDomainError(w, "latest note", err)
		return
	}
	writeJSON(w, http.StatusOK, s.noteToResponse(note))
}

func (s *Server) noteToResponse(note *core.Note) noteResponse {
	resp := noteResponse{
		ID:           note.ID,
		AutomationID: note.RunID,
		Status:       string(note.Status),
		Image:        note.Image,
		CreatedAt:    formatTime(note.CreatedAt),
	}
	if note.Image != nil && s.screenshots != nil {
		u := s.screenshots.URL(note.RunID, *note.Image)
		resp.ImageURL = &u
	}
	return resp
}
