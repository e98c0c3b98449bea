package api

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// healthCheckTimeout bounds each dependency check so one hung backend cannot
// stall the load balancer's health request.
const healthCheckTimeout = 2 * time.Second

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

type healthCheck struct {
	component string
	ping      func(context.Context) error
}

func (h *Handler) healthChecks() []healthCheck {
	checks := make([]healthCheck, 0, 4)
	if h.Store != nil {
		checks = append(checks, healthCheck{"datastore", h.Store.Ping})
	}
	checks = append(checks, healthCheck{"sessions", h.sessionManager().Ping})
	if h.RateLimiter != nil {
		checks = append(checks, healthCheck{"rate_limiter", h.RateLimiter.Ping})
	}
	if h.Router != nil {
		checks = append(checks, healthCheck{"notify_dedupe", h.Router.Ping})
	}
	return checks
}

// componentHealth runs every check concurrently and reports them in a fixed
// order. Any failure degrades the whole service.
func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	checks := h.healthChecks()
	components := make([]componentStatus, len(checks))

	var g errgroup.Group
	for i, check := range checks {
		g.Go(func() error {
			checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
			defer cancel()
			started := time.Now()
			err := check.ping(checkCtx)
			status := componentStatus{
				Component: check.component,
				Status:    "ok",
				LatencyMS: time.Since(started).Milliseconds(),
			}
			if err != nil {
				status.Status = "degraded"
				status.Error = err.Error()
			}
			components[i] = status
			return nil
		})
	}
	_ = g.Wait()

	for _, c := range components {
		if c.Status != "ok" {
			h.logger().Warn("health check failed", "component", c.Component, "error", c.Error)
			return components, "degraded", http.StatusServiceUnavailable
		}
	}
	return components, "ok", http.StatusOK
}
