package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"openvideo/internal/auth"
	"openvideo/internal/blobstore"
	"openvideo/internal/models"
	"openvideo/internal/notify"
	"openvideo/internal/pipeline"
	"openvideo/internal/storage"
	"openvideo/internal/transcode"
)

const (
	testUploadTopic    = "arn:aws:sns:us-east-1:123456789012:uploads"
	testTranscodeTopic = "arn:aws:sns:us-east-1:123456789012:transcodes"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
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

type stubDispatcher struct {
	mu   sync.Mutex
	jobs []transcode.Job
	err  error
}

func (s *stubDispatcher) Submit(_ context.Context, job transcode.Job) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.jobs = append(s.jobs, job)
	return "job-1", nil
}

// stubVerifier trusts envelopes whose Signature field is "valid".
type stubVerifier struct{}

func (stubVerifier) Verify(_ context.Context, env notify.Envelope) (bool, error) {
	return env.Signature() == "valid", nil
}

type failingIssuer struct{}

func (failingIssuer) IssueUploadTarget(context.Context, string, time.Duration, string) (models.UploadTarget, error) {
	return models.UploadTarget{}, errors.New("presign unavailable")
}

type apiFixture struct {
	clock      *testClock
	store      storage.Repository
	sessions   *auth.SessionManager
	dispatcher *stubDispatcher
	handler    *Handler
}

func newTestHandler(t *testing.T) *apiFixture {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	store, err := storage.NewJSONRepository(filepath.Join(t.TempDir(), "store.json"), storage.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewJSONRepository: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := pipeline.Config{Clock: clock.Now}
	issuer := blobstore.UnsignedIssuer{BaseURL: "https://media.example.com", Now: clock.Now}
	dispatcher := &stubDispatcher{}
	driver := pipeline.NewDriver(store, dispatcher, pipeline.DriverConfig{
		Config:        cfg,
		PublicBaseURL: "https://cdn.example.com",
	}, logger, nil)

	sessions := auth.NewSessionManager(time.Hour)
	handler := NewHandler(store, sessions)
	handler.Logger = logger
	handler.Admission = pipeline.NewAdmission(store, issuer, cfg, logger, nil)
	handler.Driver = driver
	handler.Router = notify.NewRouter(notify.RouterConfig{
		UploadTopicArn:    testUploadTopic,
		TranscodeTopicArn: testTranscodeTopic,
		Verifier:          stubVerifier{},
		Uploads:           driver,
		Transcodes:        driver,
		Dedupe:            notify.NewMemoryDeduper(0, 0),
		Logger:            logger,
	})
	return &apiFixture{clock: clock, store: store, sessions: sessions, dispatcher: dispatcher, handler: handler}
}

// asUser attaches an authenticated session the way the server middleware does.
func asUser(req *http.Request, userID string) *http.Request {
	return req.WithContext(ContextWithUser(req.Context(), Session{UserID: userID}))
}

func (f *apiFixture) requestUpload(t *testing.T, owner string) uploadTicketResponse {
	t.Helper()
	rec := httptest.NewRecorder()
	f.handler.Uploads(rec, asUser(httptest.NewRequest(http.MethodPost, "/api/uploads", nil), owner))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 from upload request, got %d: %s", rec.Code, rec.Body.String())
	}
	var ticket uploadTicketResponse
	if err := json.NewDecoder(rec.Body).Decode(&ticket); err != nil {
		t.Fatalf("decode upload ticket: %v", err)
	}
	return ticket
}

func (f *apiFixture) accept(owner, id string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := asUser(httptest.NewRequest(http.MethodPost, "/api/uploads/"+id+"/accepted", nil), owner)
	f.handler.UploadByID(rec, req)
	return rec
}

func decodeAPIError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var payload map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	return payload["error"]
}

func findCookie(t *testing.T, cookies []*http.Cookie, name string) *http.Cookie {
	t.Helper()
	for _, cookie := range cookies {
		if cookie.Name == name {
			return cookie
		}
	}
	t.Fatalf("cookie %q not set", name)
	return nil
}
