package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"openvideo/internal/pipeline"
)

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// WriteError is an exported helper for returning JSON API errors.
func WriteError(w http.ResponseWriter, status int, err error) {
	writeError(w, status, err)
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func errMethodNotAllowed(method string) error {
	return fmt.Errorf("method %s not allowed", method)
}

// statusForError is the one place pipeline error kinds become HTTP statuses.
func statusForError(err error) int {
	switch pipeline.KindOf(err) {
	case pipeline.KindValidation:
		return http.StatusBadRequest
	case pipeline.KindNotFound:
		return http.StatusNotFound
	case pipeline.KindAuthentication:
		if errors.Is(err, pipeline.ErrNotOwner) {
			return http.StatusForbidden
		}
		return http.StatusUnauthorized
	case pipeline.KindStateConflict:
		return http.StatusConflict
	case pipeline.KindRateLimit:
		return http.StatusTooManyRequests
	case pipeline.KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writePipelineError maps err to its status. Internal failures are logged and
// reported without detail.
func (h *Handler) writePipelineError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		h.logger().ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		writeError(w, status, errors.New("internal error"))
		return
	}
	var perr *pipeline.Error
	if errors.As(err, &perr) && perr.Err != nil {
		writeError(w, status, perr.Err)
		return
	}
	writeError(w, status, err)
}
