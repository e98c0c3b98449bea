package storage

import (
	"path/filepath"
	"testing"
	"time"

	"openvideo/internal/models"
)

func newTestStore(t *testing.T, extra ...Option) *Storage {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.json")
	store, err := NewStorage(path, extra...)
	if err != nil {
		t.Fatalf("NewStorage error: %v", err)
	}
	return store
}

func jsonRepositoryFactory(t *testing.T, opts ...Option) (Repository, func(), error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.json")
	store, err := NewStorage(path, opts...)
	if err != nil {
		return nil, nil, err
	}
	return store, func() {}, nil
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func admitParams(owner, id string, now time.Time) AdmitParams {
	return AdmitParams{
		Owner:     owner,
		Limit:     3,
		Threshold: 30 * time.Minute,
		Now:       now,
		Record:    models.BuilderRecord{ID: id, StartedAt: now},
	}
}
