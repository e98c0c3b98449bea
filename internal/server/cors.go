package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	corsAllowMethods    = "GET, POST, DELETE, OPTIONS"
	corsAllowHeaders    = "Authorization, Content-Type, X-Request-Id"
	corsExposeHeaders   = "X-Request-Id, Retry-After"
	defaultCORSMaxAge   = 10 * time.Minute
	corsOriginSeparator = "://"
)

// CORSConfig lists the browser origins (upload front-ends, players) allowed
// to call the API cross-origin. Same-origin calls are always allowed.
type CORSConfig struct {
	AllowedOrigins []string
	// MaxAge is how long browsers may cache a preflight answer.
	MaxAge time.Duration
}

type corsPolicy struct {
	allowed map[string]struct{}
	maxAge  string
}

func newCORSPolicy(cfg CORSConfig) (corsPolicy, error) {
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = defaultCORSMaxAge
	}
	policy := corsPolicy{
		allowed: make(map[string]struct{}, len(cfg.AllowedOrigins)),
		maxAge:  strconv.Itoa(int(maxAge / time.Second)),
	}
	for _, origin := range cfg.AllowedOrigins {
		normalized, err := normalizeOrigin(origin)
		if err != nil {
			return corsPolicy{}, fmt.Errorf("parse origin %q: %w", origin, err)
		}
		if normalized != "" {
			policy.allowed[normalized] = struct{}{}
		}
	}
	return policy, nil
}

func normalizeOrigin(origin string) (string, error) {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return "", nil
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("origin must include scheme and host")
	}
	return strings.ToLower(parsed.Scheme) + corsOriginSeparator + strings.ToLower(parsed.Host), nil
}

// corsMiddleware answers preflights and decorates cross-origin responses.
// The notification webhook is server to server and never gets CORS headers.
func corsMiddleware(policy corsPolicy, logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" || r.URL.Path == notificationsPath {
			next.ServeHTTP(w, r)
			return
		}
		if !policy.allows(origin, requestOrigin(r)) {
			if logger != nil {
				logger.Warn("blocked CORS origin", "origin", origin, "path", r.URL.Path)
			}
			writeMiddlewareError(w, http.StatusForbidden, "origin not allowed")
			return
		}

		header := w.Header()
		header.Set("Access-Control-Allow-Origin", origin)
		header.Set("Access-Control-Allow-Credentials", "true")
		header.Add("Vary", "Origin")

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			header.Set("Access-Control-Allow-Methods", corsAllowMethods)
			header.Set("Access-Control-Allow-Headers", corsAllowHeaders)
			header.Set("Access-Control-Max-Age", policy.maxAge)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		header.Set("Access-Control-Expose-Headers", corsExposeHeaders)
		next.ServeHTTP(w, r)
	})
}

func (p corsPolicy) allows(origin, sameOrigin string) bool {
	normalized, err := normalizeOrigin(origin)
	if err != nil || normalized == "" {
		return false
	}
	if _, ok := p.allowed[normalized]; ok {
		return true
	}
	return sameOrigin != "" && normalized == sameOrigin
}

// requestOrigin rebuilds the origin the request was addressed to, honouring
// the proxy's X-Forwarded-Proto the same way session cookies do.
func requestOrigin(r *http.Request) string {
	host := strings.ToLower(strings.TrimSpace(r.Host))
	if host == "" {
		return ""
	}
	scheme := "http"
	if r.TLS != nil || strings.EqualFold(strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")), "https") {
		scheme = "https"
	}
	return scheme + corsOriginSeparator + host
}
