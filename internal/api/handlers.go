package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"openvideo/internal/auth"
	"openvideo/internal/notify"
	"openvideo/internal/pipeline"
	"openvideo/internal/storage"
)

const SessionCookieName = "openvideo_session"

// HealthChecker is implemented by optional collaborators that report their
// own availability on /healthz.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	Store       storage.Repository
	Sessions    *auth.SessionManager
	Admission   *pipeline.Admission
	Driver      *pipeline.Driver
	Router      *notify.Router
	RateLimiter HealthChecker
	Logger      *slog.Logger

	SessionCookiePolicy SessionCookiePolicy
}

func NewHandler(store storage.Repository, sessions *auth.SessionManager) *Handler {
	if sessions == nil {
		sessions = auth.NewSessionManager(24 * time.Hour)
	}
	return &Handler{Store: store, Sessions: sessions}
}

func (h *Handler) sessionManager() *auth.SessionManager {
	if h.Sessions == nil {
		h.Sessions = auth.NewSessionManager(24 * time.Hour)
	}
	return h.Sessions
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed(r.Method))
		return
	}
	components, status, code := h.componentHealth(r.Context())
	writeJSON(w, code, map[string]interface{}{
		"status":     status,
		"components": components,
	})
}

// ExtractToken returns the session token from a Bearer header or the session
// cookie, in that order.
func ExtractToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if cookie, err := r.Cookie(SessionCookieName); err == nil {
		return cookie.Value
	}
	return ""
}
