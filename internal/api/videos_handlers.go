package api

import (
	"fmt"
	"net/http"
	"strings"
)

// VideoByID serves the finalized video for GET /api/videos/{id}.
func (h *Handler) VideoByID(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/videos/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, fmt.Errorf("video not found"))
		return
	}
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed(r.Method))
		return
	}
	if h.Driver == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("videos are not configured"))
		return
	}
	video, err := h.Driver.Video(r.Context(), id)
	if err != nil {
		h.writePipelineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, video)
}
