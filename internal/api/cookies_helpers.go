package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

type SessionCookieSecureMode int

const (
	SessionCookieSecureAuto SessionCookieSecureMode = iota
	SessionCookieSecureAlways
)

// SessionCookiePolicy shapes the session cookie handed to browser upload
// clients. API clients using Bearer tokens never see it.
type SessionCookiePolicy struct {
	SameSite   http.SameSite
	SecureMode SessionCookieSecureMode
	// Domain widens the cookie to sibling hosts, e.g. an upload front-end on
	// another subdomain. Empty keeps it host-only.
	Domain string
}

func DefaultSessionCookiePolicy() SessionCookiePolicy {
	return SessionCookiePolicy{
		SameSite:   http.SameSiteStrictMode,
		SecureMode: SessionCookieSecureAuto,
	}
}

// ParseSameSite maps a configuration value onto http.SameSite. Empty means
// strict.
func ParseSameSite(value string) (http.SameSite, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "strict":
		return http.SameSiteStrictMode, nil
	case "lax":
		return http.SameSiteLaxMode, nil
	case "none":
		return http.SameSiteNoneMode, nil
	default:
		return 0, fmt.Errorf("unknown SameSite mode %q", value)
	}
}

// secure reports whether the cookie gets the Secure attribute. Browsers drop
// SameSite=None cookies that lack it, so that mode always sets it.
func (p SessionCookiePolicy) secure(r *http.Request) bool {
	if p.SecureMode == SessionCookieSecureAlways || p.SameSite == http.SameSiteNoneMode {
		return true
	}
	return isSecureRequest(r)
}

func (p SessionCookiePolicy) cookie(r *http.Request, value string, expires time.Time, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookieName,
		Value:    value,
		Path:     "/",
		Domain:   strings.TrimPrefix(strings.TrimSpace(p.Domain), "."),
		Expires:  expires.UTC(),
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   p.secure(r),
		SameSite: p.SameSite,
	}
}

func (h *Handler) sessionCookiePolicy() SessionCookiePolicy {
	policy := h.SessionCookiePolicy
	if policy.SameSite == 0 {
		policy.SameSite = http.SameSiteStrictMode
	}
	return policy
}

func setSessionCookie(w http.ResponseWriter, r *http.Request, token string, expires time.Time, policy SessionCookiePolicy) {
	if token == "" {
		return
	}
	maxAge := int(time.Until(expires).Seconds())
	if maxAge <= 0 {
		// MaxAge 0 would mean a browser-session cookie, not an expired one.
		clearSessionCookie(w, r, policy)
		return
	}
	http.SetCookie(w, policy.cookie(r, token, expires, maxAge))
}

func (h *Handler) setSessionCookie(w http.ResponseWriter, r *http.Request, token string, expires time.Time) {
	setSessionCookie(w, r, token, expires, h.sessionCookiePolicy())
}

func clearSessionCookie(w http.ResponseWriter, r *http.Request, policy SessionCookiePolicy) {
	http.SetCookie(w, policy.cookie(r, "", time.Unix(0, 0), -1))
}

// ClearSessionCookie removes the session cookie from the response using the handler's configured policy.
func (h *Handler) ClearSessionCookie(w http.ResponseWriter, r *http.Request) {
	clearSessionCookie(w, r, h.sessionCookiePolicy())
}

// isSecureRequest looks at the connection, then at what a TLS-terminating
// proxy reports through X-Forwarded-Proto or Forwarded.
func isSecureRequest(r *http.Request) bool {
	if r == nil {
		return false
	}
	if r.TLS != nil {
		return true
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		for _, p := range strings.Split(proto, ",") {
			if strings.EqualFold(strings.TrimSpace(p), "https") {
				return true
			}
		}
	}
	for _, hop := range strings.Split(r.Header.Get("Forwarded"), ",") {
		for _, pair := range strings.Split(hop, ";") {
			key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if ok && strings.EqualFold(key, "proto") && strings.EqualFold(strings.Trim(value, `"`), "https") {
				return true
			}
		}
	}
	return false
}
