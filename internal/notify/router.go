package notify

import (
	"context"
	"errors"
	"log/slog"

	"openvideo/internal/models"
	"openvideo/internal/observability/logging"
	"openvideo/internal/observability/metrics"
)

// Outcome is the status string returned to the notification service. Every
// outcome is delivered with HTTP 200 so the sender never retries a message
// the router has already judged.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeInvalidSignature
	OutcomeMissingData
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInvalidSignature:
		return "Invalid Message Signature"
	case OutcomeMissingData:
		return "Missing Data"
	default:
		return "Ok"
	}
}

func (o Outcome) metricLabel() string {
	switch o {
	case OutcomeInvalidSignature:
		return "invalid_signature"
	case OutcomeMissingData:
		return "missing_data"
	default:
		return "ok"
	}
}

// UploadCompleteHandler receives raw-upload-landed events.
type UploadCompleteHandler interface {
	HandleUploadCompleteEvent(ctx context.Context, objectKey string) error
}

// TranscodeCompleteHandler receives finished transcode jobs.
type TranscodeCompleteHandler interface {
	HandleTranscodeCompleteEvent(ctx context.Context, id, outputKeyPrefix string, outputs []models.TranscodeOutput) error
}

// SignatureVerifier authenticates an envelope.
type SignatureVerifier interface {
	Verify(ctx context.Context, env Envelope) (bool, error)
}

// RouterConfig wires a Router to its topics and collaborators.
type RouterConfig struct {
	UploadTopicArn    string
	TranscodeTopicArn string

	Verifier   SignatureVerifier
	Uploads    UploadCompleteHandler
	Transcodes TranscodeCompleteHandler
	// Dedupe is optional. Without it every verified delivery is dispatched.
	Dedupe  Deduper
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// Router authenticates inbound notifications and dispatches them by topic.
type Router struct {
	cfg    RouterConfig
	logger *slog.Logger
}

func NewRouter(cfg RouterConfig) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{cfg: cfg, logger: logging.WithComponent(logger, "notify.router")}
}

// Ping checks the dedupe store when it is shared with other replicas. An
// in-process store always answers.
func (r *Router) Ping(ctx context.Context) error {
	if pinger, ok := r.cfg.Dedupe.(interface{ Ping(context.Context) error }); ok {
		return pinger.Ping(ctx)
	}
	return nil
}

// Route handles one raw notification body and reports the outcome to send
// back. It never returns an error: failures past verification are logged.
func (r *Router) Route(ctx context.Context, body []byte) Outcome {
	env, err := ParseEnvelope(body)
	if err != nil {
		logging.WithContext(ctx, r.logger).Warn("notification rejected", "error", err)
		return r.finish(KindUnknown, OutcomeMissingData)
	}
	if id := env.MessageID(); id != "" {
		ctx = logging.ContextWithMessageID(ctx, id)
	}
	logger := logging.WithContext(ctx, r.logger)

	ok, err := r.cfg.Verifier.Verify(ctx, env)
	if err != nil {
		if errors.Is(err, ErrMalformedNotification) {
			return r.finish(env.Kind, OutcomeMissingData)
		}
		logger.Warn("notification verification failed", "error", err)
		return r.finish(env.Kind, OutcomeInvalidSignature)
	}
	if !ok {
		return r.finish(env.Kind, OutcomeInvalidSignature)
	}

	if env.Kind.IsConfirmation() {
		logger.Info("notification subscription change",
			"type", env.Type(),
			"topic_arn", env.TopicArn(),
			"subscribe_url", env.SubscribeURL())
		return r.finish(env.Kind, OutcomeOK)
	}

	topic, hasTopic := env.Field(FieldTopicArn)
	message, hasMessage := env.Field(FieldMessage)
	if !hasTopic || !hasMessage || topic == "" || message == "" {
		logger.Warn("notification missing topic or message")
		return r.finish(env.Kind, OutcomeMissingData)
	}

	if !r.claim(ctx, env.MessageID()) {
		logger.Info("duplicate notification ignored")
		return r.finish(env.Kind, OutcomeOK)
	}

	var dispatchErr error
	switch topic {
	case r.cfg.UploadTopicArn:
		dispatchErr = r.dispatchUpload(ctx, message)
	case r.cfg.TranscodeTopicArn:
		dispatchErr = r.dispatchTranscode(ctx, message)
	default:
		logger.Warn("notification for unknown topic ignored", "topic_arn", topic)
	}
	if dispatchErr != nil {
		logger.Error("notification handling failed", "topic_arn", topic, "error", dispatchErr)
		r.release(ctx, env.MessageID())
	} else {
		r.commit(ctx, env.MessageID())
	}
	return r.finish(env.Kind, OutcomeOK)
}

func (r *Router) dispatchUpload(ctx context.Context, message string) error {
	keys, err := parseUploadKeys(message)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		logging.WithContext(ctx, r.logger).Debug("storage event carried no created objects")
		return nil
	}
	if r.cfg.Uploads == nil {
		return nil
	}
	var errs []error
	for _, key := range keys {
		if err := r.cfg.Uploads.HandleUploadCompleteEvent(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Router) dispatchTranscode(ctx context.Context, message string) error {
	event, err := parseTranscodeEvent(message)
	if err != nil {
		return err
	}
	logger := logging.WithContext(ctx, r.logger).With("job_id", event.JobID, "state", event.State)
	if event.State != transcodeStateCompleted {
		logger.Info("transcode state change ignored", "error_code", event.ErrorCode, "details", event.MessageDesc)
		return nil
	}
	id, ok := models.BuilderIDFromKey(event.Input.Key)
	if !ok {
		logger.Warn("transcode input key has no builder id", "key", event.Input.Key)
		return nil
	}
	if r.cfg.Transcodes == nil {
		return nil
	}
	return r.cfg.Transcodes.HandleTranscodeCompleteEvent(logging.ContextWithBuilderID(ctx, id), id, event.OutputKeyPrefix, event.outputs())
}

// claim reports whether this delivery should be processed. A failing dedupe
// store lets the message through.
func (r *Router) claim(ctx context.Context, messageID string) bool {
	if r.cfg.Dedupe == nil {
		return true
	}
	first, err := r.cfg.Dedupe.Claim(ctx, messageID)
	if err != nil {
		logging.WithContext(ctx, r.logger).Warn("notification dedupe unavailable", "error", err)
		return true
	}
	return first
}

func (r *Router) commit(ctx context.Context, messageID string) {
	if r.cfg.Dedupe == nil {
		return
	}
	if err := r.cfg.Dedupe.Commit(ctx, messageID); err != nil {
		logging.WithContext(ctx, r.logger).Warn("failed to record handled notification", "error", err)
	}
}

func (r *Router) release(ctx context.Context, messageID string) {
	if r.cfg.Dedupe == nil {
		return
	}
	if err := r.cfg.Dedupe.Release(ctx, messageID); err != nil {
		logging.WithContext(ctx, r.logger).Warn("failed to release notification claim", "error", err)
	}
}

func (r *Router) finish(kind Kind, outcome Outcome) Outcome {
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.ObserveNotification(kind.String(), outcome.metricLabel())
	}
	return outcome
}
