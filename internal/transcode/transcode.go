// Package transcode submits raw uploads to the transcoding service.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	et "github.com/aws/aws-sdk-go-v2/service/elastictranscoder"
	"github.com/aws/aws-sdk-go-v2/service/elastictranscoder/types"

	"openvideo/internal/observability/logging"
	"openvideo/internal/observability/metrics"
)

const (
	defaultRegion    = "us-east-1"
	defaultTimeout   = 10 * time.Second
	OutputKey        = "video.mp4"
	ThumbnailPattern = "thumb-{count}"
)

var (
	// ErrPipelineRequired is returned when the dispatcher has no pipeline or
	// preset to submit to.
	ErrPipelineRequired = errors.New("transcode pipeline and preset required")
	// ErrSubmitFailed wraps every failure to create a transcode job.
	ErrSubmitFailed = errors.New("transcode submission failed")
)

// Job is one raw object to transcode into a single output under Prefix.
type Job struct {
	BuilderID string
	InputKey  string
	Prefix    string
}

// Dispatcher submits transcode jobs and returns the service's job id.
type Dispatcher interface {
	Submit(ctx context.Context, job Job) (string, error)
}

// Config selects the transcoder pipeline and preset.
type Config struct {
	Region     string
	Endpoint   string
	AccessKey  string
	SecretKey  string
	PipelineID string
	PresetID   string
	// Timeout bounds a single submission. Zero selects ten seconds.
	Timeout time.Duration
}

// Enabled reports whether the config names a pipeline to submit to.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.PipelineID) != ""
}

type jobCreator interface {
	CreateJob(ctx context.Context, params *et.CreateJobInput, optFns ...func(*et.Options)) (*et.CreateJobOutput, error)
}

// ElasticDispatcher creates Elastic Transcoder jobs. Submissions are not
// retried; a failed job leaves the builder UPLOADED for an operator to act on.
type ElasticDispatcher struct {
	client  jobCreator
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// NewElasticDispatcher loads AWS configuration the same way the upload
// issuer does: static keys when both are given, the default chain otherwise.
func NewElasticDispatcher(ctx context.Context, cfg Config, logger *slog.Logger, recorder *metrics.Recorder) (*ElasticDispatcher, error) {
	cfg.PipelineID = strings.TrimSpace(cfg.PipelineID)
	cfg.PresetID = strings.TrimSpace(cfg.PresetID)
	if cfg.PipelineID == "" || cfg.PresetID == "" {
		return nil, ErrPipelineRequired
	}
	if strings.TrimSpace(cfg.Region) == "" {
		cfg.Region = defaultRegion
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var etOpts []func(*et.Options)
	if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
		etOpts = append(etOpts, func(o *et.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}
	return newElasticDispatcher(et.NewFromConfig(awsCfg, etOpts...), cfg, logger, recorder), nil
}

func newElasticDispatcher(client jobCreator, cfg Config, logger *slog.Logger, recorder *metrics.Recorder) *ElasticDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &ElasticDispatcher{
		client:  client,
		cfg:     cfg,
		logger:  logging.WithComponent(logger, "transcode"),
		metrics: recorder,
	}
}

// Submit creates a job producing OutputKey and a ThumbnailPattern series
// under job.Prefix.
func (d *ElasticDispatcher) Submit(ctx context.Context, job Job) (string, error) {
	if job.InputKey == "" {
		return "", fmt.Errorf("%w: input key required", ErrSubmitFailed)
	}
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	input := &et.CreateJobInput{
		PipelineId:      aws.String(d.cfg.PipelineID),
		Input:           &types.JobInput{Key: aws.String(job.InputKey)},
		OutputKeyPrefix: aws.String(job.Prefix),
		Outputs: []types.CreateJobOutput{{
			Key:              aws.String(OutputKey),
			PresetId:         aws.String(d.cfg.PresetID),
			ThumbnailPattern: aws.String(ThumbnailPattern),
		}},
		UserMetadata: map[string]string{"builder_id": job.BuilderID},
	}

	logger := logging.WithContext(ctx, d.logger)
	out, err := d.client.CreateJob(ctx, input)
	if err != nil {
		d.observe("error")
		logger.Error("transcode job submission failed", "input_key", job.InputKey, "error", err)
		return "", fmt.Errorf("%w: %v", ErrSubmitFailed, err)
	}
	var jobID string
	if out != nil && out.Job != nil {
		jobID = aws.ToString(out.Job.Id)
	}
	d.observe("submitted")
	logger.Info("transcode job submitted", "job_id", jobID, "input_key", job.InputKey, "prefix", job.Prefix)
	return jobID, nil
}

func (d *ElasticDispatcher) observe(outcome string) {
	if d.metrics != nil {
		d.metrics.ObserveTranscodeSubmission(outcome)
	}
}

// Noop accepts every job without contacting a transcoder. It is used when no
// pipeline is configured so uploads can still be accepted in development.
type Noop struct {
	Logger *slog.Logger
}

func (n Noop) Submit(ctx context.Context, job Job) (string, error) {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logging.WithContext(ctx, logger).Info("transcoder disabled; job not submitted", "input_key", job.InputKey)
	return "", nil
}
