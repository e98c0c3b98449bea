package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "openvideo"

// Recorder owns a Prometheus registry and the collectors the ingest service
// reports into. Every method is safe for concurrent use.
type Recorder struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	responseBytes   *prometheus.HistogramVec
	inFlight        prometheus.Gauge
	admissions      *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	notifications   *prometheus.CounterVec
	certCache       *prometheus.CounterVec
	transcodeJobs   *prometheus.CounterVec
	reaped          prometheus.Counter
	sessionPurges   *prometheus.CounterVec
}

var (
	defaultMu       sync.RWMutex
	defaultRecorder = New()
)

// New constructs a Recorder backed by a fresh registry that also carries the
// Go runtime and process collectors.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, normalized path and status.",
		}, []string{"method", "path", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and normalized path.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		responseBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response body size by normalized path.",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
		}, []string{"path"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "HTTP requests currently being served.",
		}),
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_admissions_total",
			Help:      "Upload admission attempts by outcome.",
		}, []string{"outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "builder_transitions_total",
			Help:      "Builder status transitions applied.",
		}, []string{"from", "to"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Inbound notifications by envelope kind and routing outcome.",
		}, []string{"kind", "outcome"}),
		certCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signing_cert_cache_total",
			Help:      "Signing certificate cache lookups by result.",
		}, []string{"result"}),
		transcodeJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcode_submissions_total",
			Help:      "Transcode job submissions by outcome.",
		}, []string{"outcome"}),
		reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "builders_reaped_total",
			Help:      "Stale INITIATED builders removed.",
		}),
		sessionPurges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_purges_total",
			Help:      "Expired session purge runs by outcome.",
		}, []string{"outcome"}),
	}
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.requests,
		r.requestDuration,
		r.responseBytes,
		r.inFlight,
		r.admissions,
		r.transitions,
		r.notifications,
		r.certCache,
		r.transcodeJobs,
		r.reaped,
		r.sessionPurges,
	)
	return r
}

// Default returns the process-wide recorder used when callers pass nil.
func Default() *Recorder {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultRecorder
}

// SetDefault swaps the process-wide recorder and returns the previous one.
func SetDefault(r *Recorder) *Recorder {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	previous := defaultRecorder
	if r != nil {
		defaultRecorder = r
	}
	return previous
}

// OrDefault returns r, or the default recorder when r is nil.
func OrDefault(r *Recorder) *Recorder {
	if r != nil {
		return r
	}
	return Default()
}

// Registry exposes the underlying registry for callers that register their
// own collectors.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ObserveRequest records one HTTP request by method, normalized path and status.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	m := strings.ToUpper(method)
	p := normalizePath(path)
	r.requests.WithLabelValues(m, p, strconv.Itoa(status)).Inc()
	r.requestDuration.WithLabelValues(m, p).Observe(duration.Seconds())
}

// ObserveAdmission records an admission outcome such as "admitted",
// "limited", "invalid" or "error".
func (r *Recorder) ObserveAdmission(outcome string) {
	r.admissions.WithLabelValues(normalizeName(outcome)).Inc()
}

func (r *Recorder) ObserveTransition(from, to string) {
	r.transitions.WithLabelValues(normalizeName(from), normalizeName(to)).Inc()
}

func (r *Recorder) ObserveNotification(kind, outcome string) {
	r.notifications.WithLabelValues(normalizeName(kind), normalizeName(outcome)).Inc()
}

// ObserveCertCache records "hit", "miss" or "fetch_error".
func (r *Recorder) ObserveCertCache(result string) {
	r.certCache.WithLabelValues(normalizeName(result)).Inc()
}

func (r *Recorder) ObserveTranscodeSubmission(outcome string) {
	r.transcodeJobs.WithLabelValues(normalizeName(outcome)).Inc()
}

func (r *Recorder) ObserveReaped(count int) {
	if count > 0 {
		r.reaped.Add(float64(count))
	}
}

func (r *Recorder) ObserveSessionPurge(err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.sessionPurges.WithLabelValues(outcome).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	Default().ObserveRequest(method, path, status, duration)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return Default().Handler()
}
