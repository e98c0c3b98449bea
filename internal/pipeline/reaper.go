package pipeline

import (
	"context"
	"log/slog"

	"openvideo/internal/observability/logging"
	"openvideo/internal/observability/metrics"
	"openvideo/internal/storage"
)

// Reaper deletes INITIATED builders whose upload window has long passed,
// across every owner.
type Reaper struct {
	repo    storage.Repository
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Recorder
}

func NewReaper(repo storage.Repository, cfg Config, logger *slog.Logger, recorder *metrics.Recorder) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		repo:    repo,
		cfg:     cfg.withDefaults(),
		logger:  logging.WithComponent(logger, "reaper"),
		metrics: recorder,
	}
}

// Reap removes stale builders once and reports how many were deleted.
func (r *Reaper) Reap(ctx context.Context) (int, error) {
	cutoff := r.cfg.Clock().Add(-r.cfg.StaleThreshold)
	removed, err := r.repo.ReapStale(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		r.logger.Info("reaped stale uploads", "count", removed, "cutoff", cutoff)
		if r.metrics != nil {
			r.metrics.ObserveReaped(removed)
		}
	}
	return removed, nil
}
