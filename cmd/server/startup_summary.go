package main

import (
	"net/url"
	"strings"

	"openvideo/internal/blobstore"
	"openvideo/internal/notify"
	"openvideo/internal/server"
	"openvideo/internal/transcode"
)

const redactedSecret = "*****"

type startupSummaryInput struct {
	Mode          string
	StorageDriver string
	StoragePath   string
	StorageDSN    string
	SessionConfig sessionStoreConfig
	RedisAddr     string
	RateLimit     server.RateLimitConfig
	Blobstore     blobstore.Config
	Transcode     transcode.Config
	Notify        notify.RouterConfig
	DedupeDriver  string
}

// startupSummary is the resolved configuration as logged once at boot.
// Credentials never make it in.
type startupSummary struct {
	sections []summarySection
}

type summarySection struct {
	name   string
	fields map[string]any
}

func newStartupSummary(in startupSummaryInput) startupSummary {
	var s startupSummary

	datastore := map[string]any{"driver": in.StorageDriver}
	switch in.StorageDriver {
	case "json":
		datastore["path"] = in.StoragePath
	case "postgres":
		datastore["dsn"] = redactDSN(in.StorageDSN)
	}
	s.add("datastore", datastore)

	session := map[string]any{"driver": in.SessionConfig.Driver}
	switch in.SessionConfig.Driver {
	case "postgres":
		session["dsn"] = redactDSN(in.SessionConfig.DSN)
	case "redis":
		session["addr"] = in.RedisAddr
	}
	s.add("session_store", session)

	throttle := map[string]any{"driver": "memory"}
	if strings.TrimSpace(in.RateLimit.RedisAddr) != "" {
		throttle["driver"] = "redis"
		throttle["addr"] = in.RateLimit.RedisAddr
	}
	if in.RateLimit.UploadLimit > 0 {
		throttle["upload_limit"] = in.RateLimit.UploadLimit
		throttle["upload_window"] = in.RateLimit.UploadWindow.String()
	}
	if in.RateLimit.GlobalRPS > 0 {
		throttle["global_rps"] = in.RateLimit.GlobalRPS
	}
	s.add("upload_throttle", throttle)

	uploads := map[string]any{"driver": "unsigned"}
	if in.Blobstore.Enabled() {
		uploads["driver"] = "s3"
		uploads["bucket"] = in.Blobstore.Bucket
		uploads["region"] = in.Blobstore.Region
		if in.Blobstore.Endpoint != "" {
			uploads["endpoint"] = in.Blobstore.Endpoint
		}
		uploads["static_credentials"] = in.Blobstore.AccessKey != ""
	}
	if in.Blobstore.Prefix != "" {
		uploads["prefix"] = in.Blobstore.Prefix
	}
	s.add("uploads", uploads)

	transcoder := map[string]any{"driver": "noop"}
	if in.Transcode.Enabled() {
		transcoder["driver"] = "elastic"
		transcoder["pipeline_id"] = in.Transcode.PipelineID
		transcoder["preset_id"] = in.Transcode.PresetID
		transcoder["region"] = in.Transcode.Region
	}
	s.add("transcoder", transcoder)

	notifications := map[string]any{
		"upload_topic":    in.Notify.UploadTopicArn,
		"transcode_topic": in.Notify.TranscodeTopicArn,
		"dedupe":          in.DedupeDriver,
	}
	s.add("notifications", notifications)

	if in.Mode != "" {
		s.add("runtime", map[string]any{"mode": in.Mode})
	}
	return s
}

func (s *startupSummary) add(name string, fields map[string]any) {
	s.sections = append(s.sections, summarySection{name: name, fields: fields})
}

// LogArgs flattens the summary into slog key/value pairs.
func (s startupSummary) LogArgs() []any {
	args := make([]any, 0, len(s.sections)*2)
	for _, section := range s.sections {
		args = append(args, section.name, section.fields)
	}
	return args
}

func redactDSN(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" {
		// key=value DSNs: mask the password pair.
		fields := strings.Fields(raw)
		for i, field := range fields {
			if strings.HasPrefix(strings.ToLower(field), "password=") {
				fields[i] = "password=" + redactedSecret
			}
		}
		return strings.Join(fields, " ")
	}
	if parsed.User != nil {
		if _, ok := parsed.User.Password(); ok {
			parsed.User = url.UserPassword(parsed.User.Username(), redactedSecret)
		}
	}
	query := parsed.Query()
	if query.Has("password") {
		query.Set("password", redactedSecret)
		parsed.RawQuery = query.Encode()
	}
	return parsed.String()
}
