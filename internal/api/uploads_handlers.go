package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"openvideo/internal/observability/logging"
	"openvideo/internal/pipeline"
)

type uploadTicketResponse struct {
	ID           string    `json:"id"`
	Key          string    `json:"key"`
	UploadURL    string    `json:"uploadURL"`
	UploadMethod string    `json:"uploadMethod"`
	ContentType  string    `json:"contentType"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Status       string    `json:"status"`
}

func newUploadTicketResponse(upload pipeline.Upload) uploadTicketResponse {
	return uploadTicketResponse{
		ID:           upload.Builder.ID,
		Key:          upload.Target.Key,
		UploadURL:    upload.Target.URL,
		UploadMethod: upload.Target.Method,
		ContentType:  upload.Target.ContentType,
		ExpiresAt:    upload.Target.ExpiresAt,
		Status:       upload.Builder.Status.String(),
	}
}

// Uploads admits a new upload for the caller and returns its delegated
// upload target.
func (h *Handler) Uploads(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed(r.Method))
		return
	}
	session, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return
	}
	if h.Admission == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("uploads are not configured"))
		return
	}
	upload, err := h.Admission.RequestUpload(r.Context(), session.UserID)
	if err != nil {
		if pipeline.KindOf(err) == pipeline.KindRateLimit {
			w.Header().Set("Retry-After", "60")
		}
		h.writePipelineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newUploadTicketResponse(upload))
}

// UploadByID serves /api/uploads/{id} and /api/uploads/{id}/accepted.
func (h *Handler) UploadByID(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/uploads/"), "/")
	if path == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("upload id missing"))
		return
	}
	parts := strings.Split(path, "/")
	id := parts[0]

	if len(parts) > 1 {
		if len(parts) != 2 || parts[1] != "accepted" {
			writeError(w, http.StatusNotFound, fmt.Errorf("unknown upload action"))
			return
		}
		h.acceptUpload(w, r, id)
		return
	}

	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed(r.Method))
		return
	}
	session, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return
	}
	if h.Driver == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("uploads are not configured"))
		return
	}
	record, err := h.Driver.Upload(r.Context(), session.UserID, id)
	if err != nil {
		h.writePipelineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (h *Handler) acceptUpload(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed(r.Method))
		return
	}
	session, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return
	}
	if h.Driver == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("uploads are not configured"))
		return
	}
	ctx := logging.ContextWithBuilderID(r.Context(), id)
	record, err := h.Driver.HandleUploadAccepted(ctx, session.UserID, id)
	if err != nil {
		h.writePipelineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}
