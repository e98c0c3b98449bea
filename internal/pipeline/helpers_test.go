package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"openvideo/internal/models"
	"openvideo/internal/storage"
	"openvideo/internal/transcode"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeIssuer struct {
	mu    sync.Mutex
	calls []issueCall
	err   error
}

type issueCall struct {
	key         string
	expiry      time.Duration
	contentType string
}

func (f *fakeIssuer) IssueUploadTarget(_ context.Context, key string, expiry time.Duration, contentType string) (models.UploadTarget, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, issueCall{key: key, expiry: expiry, contentType: contentType})
	if f.err != nil {
		return models.UploadTarget{}, f.err
	}
	return models.UploadTarget{
		URL:         "https://media.example.com/" + key + "?X-Amz-Signature=test",
		Method:      "PUT",
		Key:         key,
		ContentType: contentType,
		ExpiresAt:   time.Now().Add(expiry),
	}, nil
}

func (f *fakeIssuer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeDispatcher struct {
	mu   sync.Mutex
	jobs []transcode.Job
	err  error
}

func (f *fakeDispatcher) Submit(_ context.Context, job transcode.Job) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	if f.err != nil {
		return "", f.err
	}
	return fmt.Sprintf("job-%d", len(f.jobs)), nil
}

type fixture struct {
	clock      *testClock
	repo       storage.Repository
	issuer     *fakeIssuer
	dispatcher *fakeDispatcher
	admission  *Admission
	driver     *Driver
	reaper     *Reaper
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := newTestClock()
	repo, err := storage.NewJSONRepository(filepath.Join(t.TempDir(), "store.json"), storage.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewJSONRepository: %v", err)
	}
	cfg := Config{Clock: clock.Now}
	issuer := &fakeIssuer{}
	dispatcher := &fakeDispatcher{}
	return &fixture{
		clock:      clock,
		repo:       repo,
		issuer:     issuer,
		dispatcher: dispatcher,
		admission:  NewAdmission(repo, issuer, cfg, nil, nil),
		driver: NewDriver(repo, dispatcher, DriverConfig{
			Config:        cfg,
			PublicBaseURL: "https://cdn.example.com",
		}, nil, nil),
		reaper: NewReaper(repo, cfg, nil, nil),
	}
}

func (f *fixture) request(t *testing.T, owner string) Upload {
	t.Helper()
	upload, err := f.admission.RequestUpload(context.Background(), owner)
	if err != nil {
		t.Fatalf("RequestUpload(%s): %v", owner, err)
	}
	return upload
}

func (f *fixture) uploaded(t *testing.T, owner string) string {
	t.Helper()
	upload := f.request(t, owner)
	if _, err := f.driver.HandleUploadAccepted(context.Background(), owner, upload.Builder.ID); err != nil {
		t.Fatalf("HandleUploadAccepted: %v", err)
	}
	return upload.Builder.ID
}

func (f *fixture) status(t *testing.T, id string) models.BuilderStatus {
	t.Helper()
	record, err := f.repo.GetBuilder(context.Background(), id)
	if err != nil {
		t.Fatalf("GetBuilder(%s): %v", id, err)
	}
	return record.Status
}

func requireKind(t *testing.T, err error, kind Kind, sentinel error) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	if got := KindOf(err); got != kind {
		t.Fatalf("expected kind %s, got %s (%v)", kind, got, err)
	}
	if sentinel != nil && !errors.Is(err, sentinel) {
		t.Fatalf("expected %v, got %v", sentinel, err)
	}
}
