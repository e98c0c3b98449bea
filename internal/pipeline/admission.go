// Package pipeline drives upload builders from admission through transcode
// completion.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"openvideo/internal/blobstore"
	"openvideo/internal/models"
	"openvideo/internal/observability/logging"
	"openvideo/internal/observability/metrics"
	"openvideo/internal/storage"
)

const (
	DefaultActiveLimit    = 3
	DefaultStaleThreshold = 30 * time.Minute
	DefaultUploadExpiry   = 10 * time.Minute
	UploadContentType     = "video/mp4"
)

var ownerPattern = regexp.MustCompile(`^[\w.@-]{1,128}$`)

// Config holds the limits shared by admission, the state driver and the
// reaper.
type Config struct {
	ActiveLimit    int
	StaleThreshold time.Duration
	UploadExpiry   time.Duration
	Clock          func() time.Time
}

func (c Config) withDefaults() Config {
	if c.ActiveLimit <= 0 {
		c.ActiveLimit = DefaultActiveLimit
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = DefaultStaleThreshold
	}
	if c.UploadExpiry <= 0 {
		c.UploadExpiry = DefaultUploadExpiry
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// ValidOwner reports whether name can own uploads.
func ValidOwner(name string) bool {
	return ownerPattern.MatchString(name)
}

// Upload is the result of a granted upload request.
type Upload struct {
	Builder models.BuilderRecord
	Target  models.UploadTarget
}

// Admission grants upload slots to owners, at most ActiveLimit at a time.
type Admission struct {
	repo    storage.Repository
	issuer  blobstore.Issuer
	cfg     Config
	newID   func() string
	logger  *slog.Logger
	metrics *metrics.Recorder
}

func NewAdmission(repo storage.Repository, issuer blobstore.Issuer, cfg Config, logger *slog.Logger, recorder *metrics.Recorder) *Admission {
	if logger == nil {
		logger = slog.Default()
	}
	return &Admission{
		repo:    repo,
		issuer:  issuer,
		cfg:     cfg.withDefaults(),
		newID:   uuid.NewString,
		logger:  logging.WithComponent(logger, "admission"),
		metrics: recorder,
	}
}

// RequestUpload admits a new builder for owner and issues its upload target.
// Stale INITIATED builders for the owner are removed as part of the same
// admission step.
func (a *Admission) RequestUpload(ctx context.Context, owner string) (Upload, error) {
	const op = "request upload"
	owner = strings.TrimSpace(owner)
	if owner == "" {
		a.observe("unauthenticated")
		return Upload{}, newError(KindAuthentication, op, ErrUnauthenticated)
	}
	if !ValidOwner(owner) {
		a.observe("invalid")
		return Upload{}, newError(KindValidation, op, ErrInvalidOwner)
	}

	now := a.cfg.Clock().UTC()
	id := a.newID()
	ctx = logging.ContextWithBuilderID(ctx, id)
	logger := logging.WithContext(ctx, a.logger).With("owner", owner)

	result, err := a.repo.AdmitBuilder(ctx, storage.AdmitParams{
		Owner:     owner,
		Limit:     a.cfg.ActiveLimit,
		Threshold: a.cfg.StaleThreshold,
		Now:       now,
		Record: models.BuilderRecord{
			ID:        id,
			Owner:     owner,
			Status:    models.BuilderInitiated,
			StartedAt: now,
			UpdatedAt: now,
		},
	})
	if result.Reaped > 0 {
		logger.Info("removed stale uploads", "count", result.Reaped)
		if a.metrics != nil {
			a.metrics.ObserveReaped(result.Reaped)
		}
	}
	if err != nil {
		if errors.Is(err, storage.ErrAdmissionLimit) {
			a.observe("rate_limited")
			logger.Info("upload refused: concurrent limit reached", "active", result.Active, "limit", a.cfg.ActiveLimit)
			return Upload{}, newError(KindRateLimit, op, ErrTooManyConcurrentUploads)
		}
		a.observe("error")
		return Upload{}, newError(KindInternal, op, fmt.Errorf("admit builder: %w", err))
	}

	target, err := a.issuer.IssueUploadTarget(ctx, models.RawObjectKey(id), a.cfg.UploadExpiry, UploadContentType)
	if err != nil {
		// The record stays INITIATED and ages out through the reaper.
		a.observe("issue_failed")
		logger.Error("failed to issue upload target", "error", err)
		return Upload{}, newError(KindUpstream, op, fmt.Errorf("%w: %v", ErrUploadTargetUnavailable, err))
	}

	a.observe("admitted")
	logger.Info("upload admitted", "active", result.Active+1, "key", target.Key, "expires_at", target.ExpiresAt)
	return Upload{Builder: result.Record, Target: target}, nil
}

func (a *Admission) observe(outcome string) {
	if a.metrics != nil {
		a.metrics.ObserveAdmission(outcome)
	}
}
