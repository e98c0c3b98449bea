package models

import (
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"
)

// BuilderStatus tracks how far an upload attempt has progressed through the
// ingest pipeline. Values only ever move forward.
type BuilderStatus int

const (
	BuilderInitiated BuilderStatus = iota
	BuilderUploaded
	BuilderTranscoded
)

var builderStatusNames = map[BuilderStatus]string{
	BuilderInitiated:  "INITIATED",
	BuilderUploaded:   "UPLOADED",
	BuilderTranscoded: "TRANSCODED",
}

// String implements fmt.Stringer.
func (s BuilderStatus) String() string {
	if name, ok := builderStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("BuilderStatus(%d)", int(s))
}

// Valid reports whether the status is one of the known pipeline states.
func (s BuilderStatus) Valid() bool {
	_, ok := builderStatusNames[s]
	return ok
}

// CanAdvanceTo reports whether moving from s to next is a single forward step.
func (s BuilderStatus) CanAdvanceTo(next BuilderStatus) bool {
	return s.Valid() && next.Valid() && next == s+1
}

// ParseBuilderStatus converts the canonical upper-case name back into a status.
func ParseBuilderStatus(value string) (BuilderStatus, error) {
	normalized := strings.ToUpper(strings.TrimSpace(value))
	for status, name := range builderStatusNames {
		if name == normalized {
			return status, nil
		}
	}
	return 0, fmt.Errorf("unknown builder status %q", value)
}

// MarshalJSON encodes the status using its canonical name.
func (s BuilderStatus) MarshalJSON() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid builder status %d", int(s))
	}
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a status from its canonical name.
func (s *BuilderStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode builder status: %w", err)
	}
	parsed, err := ParseBuilderStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// BuilderRecord is one in-flight upload-to-transcode run. The ID doubles as
// the stem of the raw object key.
type BuilderRecord struct {
	ID             string        `json:"id"`
	Owner          string        `json:"owner"`
	Status         BuilderStatus `json:"status"`
	StartedAt      time.Time     `json:"startedAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
	LandedAt       *time.Time    `json:"landedAt,omitempty"`
	TranscodeJobID string        `json:"transcodeJobId,omitempty"`
}

// Stale reports whether an INITIATED record has outlived the threshold as of
// now. Records in later states are never considered stale.
func (b BuilderRecord) Stale(now time.Time, threshold time.Duration) bool {
	if b.Status != BuilderInitiated || threshold <= 0 {
		return false
	}
	return now.Sub(b.StartedAt) > threshold
}

// Active reports whether the record counts against its owner's concurrency
// allowance. Anything short of TRANSCODED counts unless it is stale, and only
// INITIATED records go stale.
func (b BuilderRecord) Active(now time.Time, threshold time.Duration) bool {
	if b.Status == BuilderTranscoded {
		return false
	}
	return !b.Stale(now, threshold)
}

// Video is the finalized media entity produced once transcoding completes.
type Video struct {
	ID           string    `json:"id"`
	Owner        string    `json:"owner"`
	SourceKey    string    `json:"sourceKey"`
	MediaURL     string    `json:"src"`
	ThumbnailURL string    `json:"thumbnail"`
	CreatedAt    time.Time `json:"createdAt"`
}

// UploadTarget describes a delegated, time-limited location the client may
// upload raw media to without proxying through the API.
type UploadTarget struct {
	URL         string    `json:"url"`
	Method      string    `json:"method"`
	Key         string    `json:"key"`
	ContentType string    `json:"contentType"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// TranscodeOutput is one output declared by a transcode-complete event.
type TranscodeOutput struct {
	Key              string `json:"key"`
	ThumbnailPattern string `json:"thumbnailPattern,omitempty"`
	Status           string `json:"status,omitempty"`
	Duration         int64  `json:"duration,omitempty"`
}

// objectStemPattern picks the first run of word, space or dash characters that
// is directly followed by a dot, so "uploads/<id>.mp4" yields "<id>".
var objectStemPattern = regexp.MustCompile(`([ \w-]+?)\.`)

// BuilderIDFromKey extracts the builder id from the filename component of a
// raw or transcoded object key. Directories may contain dots.
func BuilderIDFromKey(key string) (string, bool) {
	if key == "" {
		return "", false
	}
	match := objectStemPattern.FindStringSubmatch(path.Base(key))
	if len(match) < 2 || match[1] == "" {
		return "", false
	}
	return match[1], true
}

// RawObjectKey is the blob key a builder's raw upload is written to.
func RawObjectKey(id string) string {
	return "uploads/" + id + ".mp4"
}

// OutputPrefix is the key prefix transcoded outputs for a builder land under.
func OutputPrefix(id string) string {
	return "videos/" + id + "/"
}
