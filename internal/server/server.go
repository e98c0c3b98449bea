package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"openvideo/internal/api"
	"openvideo/internal/observability/logging"
	"openvideo/internal/observability/metrics"
	"openvideo/internal/serverutil"
)

const notificationsPath = "/api/notifications"

// TLSConfig is the certificate pair the server terminates TLS with.
type TLSConfig = serverutil.TLSConfig

type Config struct {
	Addr        string
	TLS         TLSConfig
	RateLimit   RateLimitConfig
	CORS        CORSConfig
	Security    SecurityConfig
	Logger      *slog.Logger
	AuditLogger *slog.Logger
	Metrics     *metrics.Recorder
}

type Server struct {
	httpServer  *http.Server
	rateLimiter *rateLimiter
}

func New(handler *api.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, errors.New("api handler is required")
	}
	recorder := metrics.OrDefault(cfg.Metrics)

	policy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, fmt.Errorf("configure cors: %w", err)
	}

	certFile := strings.TrimSpace(cfg.TLS.CertFile)
	keyFile := strings.TrimSpace(cfg.TLS.KeyFile)
	terminatesTLS := certFile != "" && keyFile != ""
	if terminatesTLS && cfg.Security.HSTSMaxAge == 0 {
		cfg.Security.HSTSMaxAge = defaultHSTSMaxAge
	}

	rl := newRateLimiter(cfg.RateLimit)
	if handler.RateLimiter == nil && rl.store != nil {
		handler.RateLimiter = rl
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handler.Health)
	mux.Handle("/metrics", recorder.Handler())
	mux.HandleFunc("/api/session", handler.Session)
	mux.HandleFunc("/api/uploads", handler.Uploads)
	mux.HandleFunc("/api/uploads/", handler.UploadByID)
	mux.HandleFunc(notificationsPath, handler.Notifications)
	mux.HandleFunc("/api/videos/", handler.VideoByID)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeMiddlewareError(w, http.StatusNotFound, "not found")
	})

	handlerChain := http.Handler(mux)
	handlerChain = auditMiddleware(cfg.AuditLogger, handlerChain)
	handlerChain = authMiddleware(handler, handlerChain)
	handlerChain = rateLimitMiddleware(rl, cfg.Logger, handlerChain)
	handlerChain = corsMiddleware(policy, cfg.Logger, handlerChain)
	handlerChain = securityHeadersMiddleware(cfg.Security, handlerChain)
	handlerChain = metrics.HTTPMiddleware(recorder, handlerChain)
	if cfg.Logger != nil {
		handlerChain = logging.RequestLogger(logging.RequestLoggerConfig{
			Logger:            cfg.Logger,
			DisableRemoteAddr: true,
			AdditionalFields: func(r *http.Request, _ int, _ time.Duration) []any {
				return []any{"remote_ip", extractClientIP(r)}
			},
		})(handlerChain)
	}
	handlerChain = requestIDMiddleware(cfg.Logger, handlerChain)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlerChain,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	if terminatesTLS {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return &Server{httpServer: httpServer, rateLimiter: rl}, nil
}

// HTTPServer exposes the configured server so callers can drive it with
// serverutil.Run.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Close releases resources held outside the http.Server itself. Callers that
// drive HTTPServer through serverutil.Run call it once Run returns.
func (s *Server) Close() error {
	return s.rateLimiter.Close()
}

func rateLimitMiddleware(rl *rateLimiter, logger *slog.Logger, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Notification senders retry anything but 200, so throttling them
		// only multiplies the load.
		if r.URL.Path == notificationsPath {
			next.ServeHTTP(w, r)
			return
		}
		if !rl.AllowRequest() {
			writeMiddlewareError(w, http.StatusTooManyRequests, "global rate limit exceeded")
			return
		}
		if r.Method == http.MethodPost && r.URL.Path == "/api/uploads" {
			allowed, retryAfter, err := rl.AllowUpload(r.Context(), extractClientIP(r))
			if err != nil {
				if logger != nil {
					logging.WithContext(r.Context(), logger).Error("rate limiter failure", "error", err)
				}
				writeMiddlewareError(w, http.StatusServiceUnavailable, "rate limit failure")
				return
			}
			if !allowed {
				if retryAfter > 0 {
					seconds := int(retryAfter.Round(time.Second) / time.Second)
					if seconds < 1 {
						seconds = 1
					}
					w.Header().Set("Retry-After", strconv.Itoa(seconds))
				}
				writeMiddlewareError(w, http.StatusTooManyRequests, "too many upload requests")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func auditMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sr := metrics.NewResponseRecorder(w)
		start := time.Now()
		next.ServeHTTP(sr, r)
		if !shouldAudit(r) {
			return
		}
		fields := []interface{}{
			"method", r.Method,
			"path", r.URL.Path,
			"status", sr.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_ip", extractClientIP(r),
		}
		if session, ok := api.UserFromContext(r.Context()); ok {
			fields = append(fields, "user_id", session.UserID)
		}
		logging.WithContext(r.Context(), logger).Info("audit", fields...)
	})
}

// shouldAudit selects state-changing API calls made by users. Webhook
// deliveries are excluded; they are logged by the router.
func shouldAudit(r *http.Request) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
		return false
	}
	return strings.HasPrefix(r.URL.Path, "/api/") && r.URL.Path != notificationsPath
}

// requiresSession lists the routes that act on behalf of a user.
func requiresSession(path string) bool {
	return path == "/api/session" || path == "/api/uploads" || strings.HasPrefix(path, "/api/uploads/")
}

func authMiddleware(handler *api.Handler, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requiresSession(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		if r.URL.Path == "/api/session" && r.Method == http.MethodDelete {
			// Logout works with stale tokens too.
			next.ServeHTTP(w, r)
			return
		}
		if api.ExtractToken(r) == "" {
			writeMiddlewareError(w, http.StatusUnauthorized, "missing session token")
			return
		}
		session, err := handler.AuthenticateRequest(r)
		if err != nil {
			if _, cookieErr := r.Cookie(api.SessionCookieName); cookieErr == nil {
				handler.ClearSessionCookie(w, r)
			}
			api.WriteError(w, http.StatusUnauthorized, err)
			return
		}
		ctx := api.ContextWithUser(r.Context(), session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
		return strings.TrimSpace(xrip)
	}
	return clientIP(r.RemoteAddr)
}

func clientIP(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
