package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"actionrunner/internal/core"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}

// statusFor maps an error category onto its HTTP status.
func statusFor(kind core.ErrorKind) int {
	switch kind {
	case core.KindNotFound:
		return http.StatusNotFound
	case core.KindRemoteRejected:
		return http.StatusBadGateway
	case core.KindRemoteUnavailable:
		return http.StatusServiceUnavailable
	case core.KindConflict:
		return http.StatusConflict
	case core.KindInvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError answers with the error's category. Remote rejections carry
// the remote message verbatim; internal failures are logged and hidden.
func (s *Server) writeDomainError(w http.ResponseWriter, op string, err error) {
	kind := core.KindOf(err)
	message := err.Error()
	var rejected *core.RemoteRejectedError
	switch {
	case errors.As(err, &rejected):
		message = rejected.Message
	case kind == core.KindInternal:
		s.logger.Error(op, "err", err)
		message = op + " failed"
	}
	writeError(w, statusFor(kind), string(kind), message)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func idParam(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_input", name+" must be a positive integer")
		return 0, false
	}
	return id, true
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}
