// Package blobstore issues delegated, time-limited upload targets so clients
// can send raw media straight to object storage.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go/middleware"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"openvideo/internal/models"
)

const defaultRegion = "us-east-1"

// ErrBucketRequired is returned when an S3 issuer is built without a bucket.
var ErrBucketRequired = errors.New("object storage bucket required")

// Issuer hands out upload targets for a single object key.
type Issuer interface {
	IssueUploadTarget(ctx context.Context, key string, expiry time.Duration, contentType string) (models.UploadTarget, error)
}

// Config describes the bucket raw uploads land in.
type Config struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	// PathStyle forces bucket-in-path addressing. It is implied when Endpoint
	// is set, which is what MinIO and most S3-compatible stores need.
	PathStyle bool
}

// Enabled reports whether enough configuration exists to talk to a bucket.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.Bucket) != ""
}

type presigner interface {
	PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3Issuer presigns PUT requests against an S3 (or S3-compatible) bucket.
// It never performs network I/O; signing is local.
type S3Issuer struct {
	presign presigner
	cfg     Config
	now     func() time.Time
}

// NewS3Issuer builds an issuer from static credentials when provided and the
// default AWS credential chain otherwise.
func NewS3Issuer(ctx context.Context, cfg Config) (*S3Issuer, error) {
	cfg.Bucket = strings.TrimSpace(cfg.Bucket)
	if cfg.Bucket == "" {
		return nil, ErrBucketRequired
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

	var s3Opts []func(*s3.Options)
	if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	} else if cfg.PathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)
	return &S3Issuer{
		presign: s3.NewPresignClient(client),
		cfg:     cfg,
		now:     time.Now,
	}, nil
}

// IssueUploadTarget presigns a PUT for key. The client must send the same
// Content-Type header the target reports.
func (i *S3Issuer) IssueUploadTarget(ctx context.Context, key string, expiry time.Duration, contentType string) (models.UploadTarget, error) {
	finalKey := ApplyPrefix(i.cfg.Prefix, key)
	if finalKey == "" {
		return models.UploadTarget{}, fmt.Errorf("object key required")
	}
	if expiry <= 0 {
		return models.UploadTarget{}, fmt.Errorf("upload target expiry must be positive")
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(i.cfg.Bucket),
		Key:    aws.String(finalKey),
	}
	presignOpts := []func(*s3.PresignOptions){s3.WithPresignExpires(expiry)}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
		presignOpts = append(presignOpts, withSignedContentType(contentType))
	}

	issuedAt := i.now()
	req, err := i.presign.PresignPutObject(ctx, input, presignOpts...)
	if err != nil {
		return models.UploadTarget{}, fmt.Errorf("presign put %s: %w", finalKey, err)
	}
	method := req.Method
	if method == "" {
		method = http.MethodPut
	}
	return models.UploadTarget{
		URL:         req.URL,
		Method:      method,
		Key:         finalKey,
		ContentType: contentType,
		ExpiresAt:   issuedAt.Add(expiry).UTC(),
	}, nil
}

// withSignedContentType binds Content-Type into the presigned signature. The
// presigner drops the header for bodiless requests, which would otherwise
// leave only host signed and let clients upload any media type.
func withSignedContentType(contentType string) func(*s3.PresignOptions) {
	return func(o *s3.PresignOptions) {
		o.ClientOptions = append(o.ClientOptions, func(so *s3.Options) {
			so.APIOptions = append(so.APIOptions, func(stack *middleware.Stack) error {
				return stack.Build.Add(contentTypePin(contentType), middleware.After)
			})
		})
	}
}

type contentTypePin string

func (contentTypePin) ID() string {
	return "OpenvideoSignedContentType"
}

func (p contentTypePin) HandleBuild(ctx context.Context, in middleware.BuildInput, next middleware.BuildHandler) (middleware.BuildOutput, middleware.Metadata, error) {
	if req, ok := in.Request.(*smithyhttp.Request); ok {
		req.Header.Set("Content-Type", string(p))
	}
	return next.HandleBuild(ctx, in)
}

// UnsignedIssuer returns plain PUT URLs under BaseURL. It is meant for local
// development against an open bucket or a stub server.
type UnsignedIssuer struct {
	BaseURL string
	Prefix  string
	Now     func() time.Time
}

func (u UnsignedIssuer) IssueUploadTarget(_ context.Context, key string, expiry time.Duration, contentType string) (models.UploadTarget, error) {
	finalKey := ApplyPrefix(u.Prefix, key)
	if finalKey == "" {
		return models.UploadTarget{}, fmt.Errorf("object key required")
	}
	if _, err := url.Parse(u.BaseURL); err != nil || strings.TrimSpace(u.BaseURL) == "" {
		return models.UploadTarget{}, fmt.Errorf("invalid upload base url %q", u.BaseURL)
	}
	now := time.Now
	if u.Now != nil {
		now = u.Now
	}
	return models.UploadTarget{
		URL:         PublicURL(u.BaseURL, finalKey),
		Method:      http.MethodPut,
		Key:         finalKey,
		ContentType: contentType,
		ExpiresAt:   now().Add(expiry).UTC(),
	}, nil
}

// ApplyPrefix joins prefix and key with a single slash, leaving keys that
// already carry the prefix alone.
func ApplyPrefix(prefix, key string) string {
	trimmed := strings.TrimLeft(strings.TrimSpace(key), "/")
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return trimmed
	}
	if trimmed == "" {
		return prefix
	}
	if trimmed == prefix || strings.HasPrefix(trimmed, prefix+"/") {
		return trimmed
	}
	return prefix + "/" + trimmed
}

// PublicURL joins a public base URL and an object key.
func PublicURL(base, key string) string {
	trimmedBase := strings.TrimRight(strings.TrimSpace(base), "/")
	trimmedKey := strings.TrimLeft(key, "/")
	if trimmedBase == "" {
		return trimmedKey
	}
	if trimmedKey == "" {
		return trimmedBase
	}
	return trimmedBase + "/" + trimmedKey
}
