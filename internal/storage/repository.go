package storage

import (
	"context"
	"errors"
	"time"

	"openvideo/internal/models"
)

var (
	// ErrBuilderNotFound is returned when no builder record exists for an id.
	ErrBuilderNotFound = errors.New("builder not found")
	// ErrBuilderExists is returned when inserting a builder whose id is taken.
	ErrBuilderExists = errors.New("builder already exists")
	// ErrVideoNotFound is returned when no finalized video exists for an id.
	ErrVideoNotFound = errors.New("video not found")
	// ErrAdmissionLimit is returned by AdmitBuilder when the owner already has
	// as many active builders as the limit allows.
	ErrAdmissionLimit = errors.New("active builder limit reached")
	// ErrStatusMismatch is returned by conditional writes whose expected
	// current status did not match the stored one.
	ErrStatusMismatch = errors.New("builder status mismatch")
)

// Repository exposes the datastore operations required by the ingest
// pipeline. Every write is conditional: status-guarded updates and
// insert-if-absent creates.
type Repository interface {
	Ping(ctx context.Context) error

	// AdmitBuilder reaps the owner's stale INITIATED builders, counts the
	// remaining active ones and inserts params.Record when the count is below
	// params.Limit. The three steps are atomic with respect to other
	// AdmitBuilder calls for the same owner.
	AdmitBuilder(ctx context.Context, params AdmitParams) (AdmitResult, error)
	GetBuilder(ctx context.Context, id string) (models.BuilderRecord, error)
	ListBuilders(ctx context.Context, owner string) ([]models.BuilderRecord, error)
	// TransitionBuilder moves a builder from one status to the next only when
	// its stored status equals from.
	TransitionBuilder(ctx context.Context, id string, from, to models.BuilderStatus) (models.BuilderRecord, error)
	// MarkLanded records when the raw upload reached blob storage. The first
	// call wins; later calls report changed=false.
	MarkLanded(ctx context.Context, id string, at time.Time) (record models.BuilderRecord, changed bool, err error)
	SetTranscodeJob(ctx context.Context, id, jobID string) error
	// CompleteTranscode moves an UPLOADED builder to TRANSCODED and stores
	// the video in one step. applied is false when the builder was not
	// UPLOADED, in which case nothing is written.
	CompleteTranscode(ctx context.Context, id string, video models.Video) (applied bool, err error)
	// ReapStale deletes INITIATED builders started before cutoff.
	ReapStale(ctx context.Context, cutoff time.Time) (int, error)
	DeleteBuilder(ctx context.Context, id string) error

	GetVideo(ctx context.Context, id string) (models.Video, error)
}

// AdmitParams describes one admission attempt.
type AdmitParams struct {
	Owner     string
	Limit     int
	Threshold time.Duration
	Now       time.Time
	Record    models.BuilderRecord
}

// AdmitResult reports what AdmitBuilder observed and changed.
type AdmitResult struct {
	Record models.BuilderRecord
	Active int
	Reaped int
}

var (
	_ Repository = (*Storage)(nil)
	_ Repository = (*postgresRepository)(nil)
)
