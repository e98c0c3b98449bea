package api

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

type contextKey string

const userContextKey contextKey = "authenticatedUser"

// Session is the authenticated caller attached to a request.
type Session struct {
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ContextWithUser stores the authenticated session in the provided context.
func ContextWithUser(ctx context.Context, session Session) context.Context {
	return context.WithValue(ctx, userContextKey, session)
}

// UserFromContext retrieves the authenticated session from context if present.
func UserFromContext(ctx context.Context) (Session, bool) {
	session, ok := ctx.Value(userContextKey).(Session)
	return session, ok && session.UserID != ""
}

// AuthenticateRequest validates the session token on the request. Validation
// slides the idle expiry forward.
func (h *Handler) AuthenticateRequest(r *http.Request) (Session, error) {
	token := ExtractToken(r)
	if token == "" {
		return Session{}, fmt.Errorf("missing session token")
	}
	userID, expiresAt, ok, err := h.sessionManager().Validate(token)
	if err != nil {
		return Session{}, fmt.Errorf("validate session: %w", err)
	}
	if !ok {
		return Session{}, fmt.Errorf("invalid or expired session")
	}
	return Session{UserID: userID, ExpiresAt: expiresAt}, nil
}

func (h *Handler) requireAuthenticatedUser(w http.ResponseWriter, r *http.Request) (Session, bool) {
	session, ok := UserFromContext(r.Context())
	if !ok {
		WriteError(w, http.StatusUnauthorized, fmt.Errorf("authentication required"))
		return Session{}, false
	}
	return session, true
}

// Session reports the caller's session (GET) or revokes it (DELETE). A GET
// made with the session cookie refreshes the cookie to the slid expiry.
func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		session, ok := h.requireAuthenticatedUser(w, r)
		if !ok {
			return
		}
		if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
			h.setSessionCookie(w, r, cookie.Value, session.ExpiresAt)
		}
		writeJSON(w, http.StatusOK, session)
	case http.MethodDelete:
		if token := ExtractToken(r); token != "" {
			if err := h.sessionManager().Revoke(token); err != nil {
				h.logger().Error("failed to revoke session", "error", err)
				writeError(w, http.StatusInternalServerError, fmt.Errorf("revoke session failed"))
				return
			}
		}
		h.ClearSessionCookie(w, r)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Allow", "GET, DELETE")
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed(r.Method))
	}
}
