package server

import (
	"net/http"
	"strconv"
	"time"
)

// The API serves JSON and plain text only, so nothing it returns may load or
// embed anything.
const apiContentSecurityPolicy = "default-src 'none'; frame-ancestors 'none'; base-uri 'none'; form-action 'none'"

const (
	defaultReferrerPolicy = "no-referrer"
	defaultHSTSMaxAge     = 365 * 24 * time.Hour
)

// SecurityConfig tunes the hardening headers added to every response.
type SecurityConfig struct {
	// HSTSMaxAge enables Strict-Transport-Security when positive. New turns
	// it on with a one year max-age when the server terminates TLS itself.
	HSTSMaxAge time.Duration
	// ReferrerPolicy overrides the default no-referrer.
	ReferrerPolicy string
}

func (cfg SecurityConfig) headers() http.Header {
	h := http.Header{}
	h.Set("Content-Security-Policy", apiContentSecurityPolicy)
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	referrer := cfg.ReferrerPolicy
	if referrer == "" {
		referrer = defaultReferrerPolicy
	}
	h.Set("Referrer-Policy", referrer)
	if cfg.HSTSMaxAge > 0 {
		h.Set("Strict-Transport-Security", "max-age="+strconv.FormatInt(int64(cfg.HSTSMaxAge/time.Second), 10)+"; includeSubDomains")
	}
	return h
}

// securityHeadersMiddleware stamps the fixed header set on every response.
// Responses on session routes carry presigned upload URLs or tokens and are
// marked uncacheable.
func securityHeadersMiddleware(cfg SecurityConfig, next http.Handler) http.Handler {
	fixed := cfg.headers()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := w.Header()
		for key, values := range fixed {
			header[key] = values
		}
		if requiresSession(r.URL.Path) {
			header.Set("Cache-Control", "no-store")
		}
		next.ServeHTTP(w, r)
	})
}
