package pipeline

import (
	"errors"
	"fmt"
)

// Kind classifies pipeline failures so callers can map them onto responses
// without matching individual sentinels.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindAuthentication
	KindStateConflict
	KindRateLimit
	KindUpstream
)

var kindNames = map[Kind]string{
	KindInternal:       "internal",
	KindValidation:     "validation",
	KindNotFound:       "not_found",
	KindAuthentication: "authentication",
	KindStateConflict:  "state_conflict",
	KindRateLimit:      "rate_limit",
	KindUpstream:       "upstream",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

var (
	ErrInvalidOwner             = errors.New("invalid owner")
	ErrUnauthenticated          = errors.New("authentication required")
	ErrNotOwner                 = errors.New("builder belongs to another user")
	ErrBuilderNotFound          = errors.New("upload not found")
	ErrVideoNotFound            = errors.New("video not found")
	ErrInvalidState             = errors.New("upload is not in the expected state")
	ErrUploadExpired            = errors.New("upload window expired")
	ErrTooManyConcurrentUploads = errors.New("too many concurrent uploads")
	ErrUploadTargetUnavailable  = errors.New("upload target unavailable")
	ErrTranscodeDispatch        = errors.New("transcode dispatch failed")
	ErrUnsupportedOutputs       = errors.New("transcode must produce exactly one output")
)

// Error is a classified pipeline failure. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.String()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the classification of err, or KindInternal when err is not
// a pipeline error.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}
