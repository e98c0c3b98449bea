package api

import (
	"errors"
	"io"
	"net/http"

	"openvideo/internal/notify"
)

// maxNotificationBytes caps the webhook body. Messages may be 256KB before
// the envelope JSON-escapes them, which can double their size.
const maxNotificationBytes = 1 << 20

// Notifications is the single webhook entry point for storage and transcoder
// topics. Every POST is answered 200 with the outcome string, since the
// publisher treats anything else as a delivery failure and retries.
func (h *Handler) Notifications(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed(r.Method))
		return
	}
	if h.Router == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("notifications are not configured"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxNotificationBytes+1))
	if err != nil || len(body) > maxNotificationBytes {
		h.logger().WarnContext(r.Context(), "notification body rejected", "bytes", len(body), "error", err)
		writeText(w, http.StatusOK, notify.OutcomeMissingData.String())
		return
	}
	outcome := h.Router.Route(r.Context(), body)
	writeText(w, http.StatusOK, outcome.String())
}
