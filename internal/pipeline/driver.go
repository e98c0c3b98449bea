package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"openvideo/internal/blobstore"
	"openvideo/internal/models"
	"openvideo/internal/observability/logging"
	"openvideo/internal/observability/metrics"
	"openvideo/internal/storage"
	"openvideo/internal/transcode"
)

const firstThumbnail = "00001"

// DriverConfig locates finished media. PublicBaseURL is prepended to output
// keys; KeyPrefix is the bucket prefix raw uploads were issued under.
type DriverConfig struct {
	Config
	PublicBaseURL string
	KeyPrefix     string
}

// Driver applies client actions and verified notifications to builder
// records. It is the only writer of builder status after admission.
type Driver struct {
	repo       storage.Repository
	dispatcher transcode.Dispatcher
	cfg        DriverConfig
	logger     *slog.Logger
	metrics    *metrics.Recorder
}

func NewDriver(repo storage.Repository, dispatcher transcode.Dispatcher, cfg DriverConfig, logger *slog.Logger, recorder *metrics.Recorder) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	if dispatcher == nil {
		dispatcher = transcode.Noop{Logger: logger}
	}
	cfg.Config = cfg.Config.withDefaults()
	return &Driver{
		repo:       repo,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logging.WithComponent(logger, "pipeline"),
		metrics:    recorder,
	}
}

// Upload returns the builder record when actor owns it.
func (d *Driver) Upload(ctx context.Context, actor, id string) (models.BuilderRecord, error) {
	const op = "get upload"
	if strings.TrimSpace(actor) == "" {
		return models.BuilderRecord{}, newError(KindAuthentication, op, ErrUnauthenticated)
	}
	record, err := d.repo.GetBuilder(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrBuilderNotFound) {
			return models.BuilderRecord{}, newError(KindNotFound, op, ErrBuilderNotFound)
		}
		return models.BuilderRecord{}, newError(KindInternal, op, err)
	}
	if record.Owner != actor {
		// Hide other users' uploads entirely.
		return models.BuilderRecord{}, newError(KindNotFound, op, ErrBuilderNotFound)
	}
	return record, nil
}

// Video returns a finalized video.
func (d *Driver) Video(ctx context.Context, id string) (models.Video, error) {
	video, err := d.repo.GetVideo(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrVideoNotFound) {
			return models.Video{}, newError(KindNotFound, "get video", ErrVideoNotFound)
		}
		return models.Video{}, newError(KindInternal, "get video", err)
	}
	return video, nil
}

// HandleUploadAccepted moves the actor's builder from INITIATED to UPLOADED
// and submits it for transcoding. A dispatch failure is reported but the
// status change is kept.
func (d *Driver) HandleUploadAccepted(ctx context.Context, actor, id string) (models.BuilderRecord, error) {
	const op = "accept upload"
	if strings.TrimSpace(actor) == "" {
		return models.BuilderRecord{}, newError(KindAuthentication, op, ErrUnauthenticated)
	}
	ctx = logging.ContextWithBuilderID(ctx, id)
	logger := logging.WithContext(ctx, d.logger)

	record, err := d.repo.GetBuilder(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrBuilderNotFound) {
			return models.BuilderRecord{}, newError(KindValidation, op, ErrBuilderNotFound)
		}
		return models.BuilderRecord{}, newError(KindInternal, op, err)
	}
	if record.Owner != actor {
		logger.Warn("upload accept by non-owner refused", "actor", actor)
		return models.BuilderRecord{}, newError(KindAuthentication, op, ErrNotOwner)
	}
	if record.Status != models.BuilderInitiated {
		return record, newError(KindStateConflict, op, fmt.Errorf("%w: status is %s", ErrInvalidState, record.Status))
	}
	if record.Stale(d.cfg.Clock(), d.cfg.StaleThreshold) {
		if err := d.repo.DeleteBuilder(ctx, id); err != nil && !errors.Is(err, storage.ErrBuilderNotFound) {
			logger.Error("failed to remove stale upload", "error", err)
		}
		logger.Info("stale upload removed on accept", "started_at", record.StartedAt)
		return models.BuilderRecord{}, newError(KindStateConflict, op, ErrUploadExpired)
	}

	updated, err := d.repo.TransitionBuilder(ctx, id, models.BuilderInitiated, models.BuilderUploaded)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrStatusMismatch):
			return updated, newError(KindStateConflict, op, fmt.Errorf("%w: status is %s", ErrInvalidState, updated.Status))
		case errors.Is(err, storage.ErrBuilderNotFound):
			return models.BuilderRecord{}, newError(KindValidation, op, ErrBuilderNotFound)
		default:
			return models.BuilderRecord{}, newError(KindInternal, op, err)
		}
	}
	d.observeTransition(models.BuilderInitiated, models.BuilderUploaded)
	logger.Info("upload accepted")

	jobID, err := d.dispatcher.Submit(ctx, transcode.Job{
		BuilderID: id,
		InputKey:  blobstore.ApplyPrefix(d.cfg.KeyPrefix, models.RawObjectKey(id)),
		Prefix:    models.OutputPrefix(id),
	})
	if err != nil {
		return updated, newError(KindUpstream, op, fmt.Errorf("%w: %v", ErrTranscodeDispatch, err))
	}
	if jobID != "" {
		if err := d.repo.SetTranscodeJob(ctx, id, jobID); err != nil {
			logger.Warn("failed to record transcode job id", "job_id", jobID, "error", err)
		} else {
			updated.TranscodeJobID = jobID
		}
	}
	return updated, nil
}

// HandleUploadCompleteEvent records that the raw object for a builder landed
// in storage. It never changes status and ignores unknown builders.
func (d *Driver) HandleUploadCompleteEvent(ctx context.Context, objectKey string) error {
	logger := logging.WithContext(ctx, d.logger).With("key", objectKey)
	id, ok := models.BuilderIDFromKey(path.Base(objectKey))
	if !ok {
		logger.Warn("uploaded object key has no builder id")
		return nil
	}
	ctx = logging.ContextWithBuilderID(ctx, id)
	logger = logging.WithContext(ctx, d.logger).With("key", objectKey)

	record, changed, err := d.repo.MarkLanded(ctx, id, d.cfg.Clock())
	if err != nil {
		if errors.Is(err, storage.ErrBuilderNotFound) {
			logger.Info("upload landed for unknown builder")
			return nil
		}
		return fmt.Errorf("mark upload landed: %w", err)
	}
	if changed {
		logger.Info("raw upload landed", "status", record.Status.String())
	}
	return nil
}

// HandleTranscodeCompleteEvent finalizes an UPLOADED builder into a Video.
// Builders in any other state are left alone, so repeat deliveries are
// harmless.
func (d *Driver) HandleTranscodeCompleteEvent(ctx context.Context, id, outputKeyPrefix string, outputs []models.TranscodeOutput) error {
	const op = "complete transcode"
	ctx = logging.ContextWithBuilderID(ctx, id)
	logger := logging.WithContext(ctx, d.logger)

	if len(outputs) != 1 {
		logger.Error("transcode completed with unsupported outputs", "outputs", len(outputs))
		return newError(KindValidation, op, fmt.Errorf("%w: got %d", ErrUnsupportedOutputs, len(outputs)))
	}

	record, err := d.repo.GetBuilder(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrBuilderNotFound) {
			logger.Warn("transcode completed for unknown builder")
			return nil
		}
		return newError(KindInternal, op, err)
	}
	if record.Status != models.BuilderUploaded {
		logger.Info("transcode completion ignored", "status", record.Status.String())
		return nil
	}

	prefix := outputKeyPrefix
	if strings.TrimSpace(prefix) == "" {
		prefix = models.OutputPrefix(id)
	}
	output := outputs[0]
	video := models.Video{
		ID:           id,
		Owner:        record.Owner,
		SourceKey:    blobstore.ApplyPrefix(d.cfg.KeyPrefix, models.RawObjectKey(id)),
		MediaURL:     blobstore.PublicURL(d.cfg.PublicBaseURL, blobstore.ApplyPrefix(prefix, output.Key)),
		ThumbnailURL: blobstore.PublicURL(d.cfg.PublicBaseURL, blobstore.ApplyPrefix(prefix, thumbnailKey(output))),
	}

	applied, err := d.repo.CompleteTranscode(ctx, id, video)
	if err != nil {
		return newError(KindInternal, op, err)
	}
	if !applied {
		logger.Info("transcode completion already applied")
		return nil
	}
	d.observeTransition(models.BuilderUploaded, models.BuilderTranscoded)
	logger.Info("video finalized", "media_url", video.MediaURL)
	return nil
}

// thumbnailKey names the first thumbnail the transcoder writes for output.
func thumbnailKey(output models.TranscodeOutput) string {
	if output.ThumbnailPattern != "" {
		return strings.ReplaceAll(output.ThumbnailPattern, "{count}", firstThumbnail) + ".png"
	}
	stem := strings.TrimSuffix(output.Key, path.Ext(output.Key))
	return stem + "-" + firstThumbnail + ".png"
}

func (d *Driver) observeTransition(from, to models.BuilderStatus) {
	if d.metrics != nil {
		d.metrics.ObserveTransition(from.String(), to.String())
	}
}
