package notify

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"openvideo/internal/models"
)

// s3Event is the payload blob storage publishes when objects change.
type s3Event struct {
	Event   string `json:"Event"`
	Records []struct {
		EventName string `json:"eventName"`
		S3        struct {
			Bucket struct {
				Name string `json:"name"`
			} `json:"bucket"`
			Object struct {
				Key  string `json:"key"`
				Size int64  `json:"size"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`
}

const s3TestEvent = "s3:TestEvent"

// parseUploadKeys returns the decoded object keys of every ObjectCreated
// record. A test event yields no keys and no error.
func parseUploadKeys(message string) ([]string, error) {
	var event s3Event
	if err := json.Unmarshal([]byte(message), &event); err != nil {
		return nil, fmt.Errorf("decode storage event: %w", err)
	}
	if event.Event == s3TestEvent {
		return nil, nil
	}
	keys := make([]string, 0, len(event.Records))
	for _, record := range event.Records {
		if !strings.HasPrefix(record.EventName, "ObjectCreated:") {
			continue
		}
		// Keys arrive form-encoded: spaces as '+', everything else %XX.
		key, err := url.QueryUnescape(record.S3.Object.Key)
		if err != nil {
			return nil, fmt.Errorf("decode object key %q: %w", record.S3.Object.Key, err)
		}
		if key != "" {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// transcodeEvent is the job-state payload the transcoder publishes.
type transcodeEvent struct {
	State           string `json:"state"`
	JobID           string `json:"jobId"`
	PipelineID      string `json:"pipelineId"`
	OutputKeyPrefix string `json:"outputKeyPrefix"`
	Input           struct {
		Key string `json:"key"`
	} `json:"input"`
	Outputs []struct {
		Key              string `json:"key"`
		ThumbnailPattern string `json:"thumbnailPattern"`
		Status           string `json:"status"`
		Duration         int64  `json:"duration"`
	} `json:"outputs"`
	ErrorCode   int    `json:"errorCode"`
	MessageDesc string `json:"messageDetails"`
}

const transcodeStateCompleted = "COMPLETED"

func parseTranscodeEvent(message string) (transcodeEvent, error) {
	var event transcodeEvent
	if err := json.Unmarshal([]byte(message), &event); err != nil {
		return transcodeEvent{}, fmt.Errorf("decode transcode event: %w", err)
	}
	return event, nil
}

func (e transcodeEvent) outputs() []models.TranscodeOutput {
	outputs := make([]models.TranscodeOutput, 0, len(e.Outputs))
	for _, o := range e.Outputs {
		outputs = append(outputs, models.TranscodeOutput{
			Key:              o.Key,
			ThumbnailPattern: o.ThumbnailPattern,
			Status:           o.Status,
			Duration:         o.Duration,
		})
	}
	return outputs
}
