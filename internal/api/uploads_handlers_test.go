package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"openvideo/internal/models"
	"openvideo/internal/pipeline"
)

func TestUploadsIssuesTicket(t *testing.T) {
	f := newTestHandler(t)

	ticket := f.requestUpload(t, "alice")
	if ticket.ID == "" {
		t.Fatal("expected builder id in ticket")
	}
	if ticket.Status != "INITIATED" {
		t.Fatalf("expected INITIATED, got %q", ticket.Status)
	}
	if ticket.UploadMethod != http.MethodPut || ticket.ContentType != "video/mp4" {
		t.Fatalf("unexpected upload shape %+v", ticket)
	}
	wantURL := "https://media.example.com/" + models.RawObjectKey(ticket.ID)
	if ticket.UploadURL != wantURL {
		t.Fatalf("upload url = %q, want %q", ticket.UploadURL, wantURL)
	}
	if want := f.clock.Now().Add(10 * time.Minute); !ticket.ExpiresAt.Equal(want) {
		t.Fatalf("expiresAt = %v, want %v", ticket.ExpiresAt, want)
	}
}

func TestUploadsRequiresAuthentication(t *testing.T) {
	f := newTestHandler(t)
	rec := httptest.NewRecorder()
	f.handler.Uploads(rec, httptest.NewRequest(http.MethodPost, "/api/uploads", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestUploadsRejectsOtherMethods(t *testing.T) {
	f := newTestHandler(t)
	rec := httptest.NewRecorder()
	f.handler.Uploads(rec, asUser(httptest.NewRequest(http.MethodGet, "/api/uploads", nil), "alice"))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	if allow := rec.Header().Get("Allow"); allow != "POST" {
		t.Fatalf("expected Allow: POST, got %q", allow)
	}
}

func TestUploadsLimitReturnsTooManyRequests(t *testing.T) {
	f := newTestHandler(t)
	for i := 0; i < pipeline.DefaultActiveLimit; i++ {
		f.requestUpload(t, "alice")
	}

	rec := httptest.NewRecorder()
	f.handler.Uploads(rec, asUser(httptest.NewRequest(http.MethodPost, "/api/uploads", nil), "alice"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header on rate limited response")
	}
	if msg := decodeAPIError(t, rec); msg != pipeline.ErrTooManyConcurrentUploads.Error() {
		t.Fatalf("unexpected error message %q", msg)
	}

	// Another owner is unaffected.
	f.requestUpload(t, "bob")

	f.clock.Advance(31 * time.Minute)
	f.requestUpload(t, "alice")
}

func TestUploadsIssuerFailureIsBadGateway(t *testing.T) {
	f := newTestHandler(t)
	f.handler.Admission = pipeline.NewAdmission(f.store, failingIssuer{}, pipeline.Config{Clock: f.clock.Now}, nil, nil)

	rec := httptest.NewRecorder()
	f.handler.Uploads(rec, asUser(httptest.NewRequest(http.MethodPost, "/api/uploads", nil), "alice"))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestUploadByIDShowsOwnerStatus(t *testing.T) {
	f := newTestHandler(t)
	ticket := f.requestUpload(t, "alice")

	rec := httptest.NewRecorder()
	f.handler.UploadByID(rec, asUser(httptest.NewRequest(http.MethodGet, "/api/uploads/"+ticket.ID, nil), "alice"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var record models.BuilderRecord
	if err := json.NewDecoder(rec.Body).Decode(&record); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if record.ID != ticket.ID || record.Owner != "alice" || record.Status != models.BuilderInitiated {
		t.Fatalf("unexpected record %+v", record)
	}

	rec = httptest.NewRecorder()
	f.handler.UploadByID(rec, asUser(httptest.NewRequest(http.MethodGet, "/api/uploads/"+ticket.ID, nil), "mallory"))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected other owners to get 404, got %d", rec.Code)
	}
}

func TestAcceptUploadDispatchesTranscode(t *testing.T) {
	f := newTestHandler(t)
	ticket := f.requestUpload(t, "alice")

	rec := f.accept("alice", ticket.ID)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var record models.BuilderRecord
	if err := json.NewDecoder(rec.Body).Decode(&record); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if record.Status != models.BuilderUploaded {
		t.Fatalf("expected UPLOADED, got %s", record.Status)
	}
	if record.TranscodeJobID != "job-1" {
		t.Fatalf("expected job id recorded, got %q", record.TranscodeJobID)
	}
	if len(f.dispatcher.jobs) != 1 || f.dispatcher.jobs[0].InputKey != models.RawObjectKey(ticket.ID) {
		t.Fatalf("unexpected dispatched jobs %+v", f.dispatcher.jobs)
	}
}

func TestAcceptUploadStatusMapping(t *testing.T) {
	f := newTestHandler(t)
	ticket := f.requestUpload(t, "alice")

	if rec := f.accept("mallory", ticket.ID); rec.Code != http.StatusForbidden {
		t.Fatalf("non-owner: expected 403, got %d", rec.Code)
	}
	if rec := f.accept("alice", "missing"); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown id: expected 400, got %d", rec.Code)
	}
	if rec := f.accept("alice", ticket.ID); rec.Code != http.StatusOK {
		t.Fatalf("first accept: expected 200, got %d", rec.Code)
	}
	rec := f.accept("alice", ticket.ID)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second accept: expected 409, got %d", rec.Code)
	}
	if msg := decodeAPIError(t, rec); !strings.HasPrefix(msg, pipeline.ErrInvalidState.Error()) {
		t.Fatalf("unexpected conflict message %q", msg)
	}
}

func TestAcceptUploadDispatchFailureIsBadGateway(t *testing.T) {
	f := newTestHandler(t)
	f.dispatcher.err = errors.New("transcoder down")
	ticket := f.requestUpload(t, "alice")

	if rec := f.accept("alice", ticket.ID); rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	record, err := f.store.GetBuilder(context.Background(), ticket.ID)
	if err != nil {
		t.Fatalf("GetBuilder: %v", err)
	}
	if record.Status != models.BuilderUploaded {
		t.Fatalf("expected builder to stay UPLOADED, got %s", record.Status)
	}
}

func TestAcceptUploadUnauthenticated(t *testing.T) {
	f := newTestHandler(t)
	rec := httptest.NewRecorder()
	f.handler.UploadByID(rec, httptest.NewRequest(http.MethodPost, "/api/uploads/abc/accepted", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestUploadByIDRouting(t *testing.T) {
	f := newTestHandler(t)
	tests := []struct {
		name   string
		method string
		path   string
		status int
		allow  string
	}{
		{name: "missing id", method: http.MethodGet, path: "/api/uploads/", status: http.StatusNotFound},
		{name: "unknown action", method: http.MethodPost, path: "/api/uploads/abc/rejected", status: http.StatusNotFound},
		{name: "nested action", method: http.MethodPost, path: "/api/uploads/abc/accepted/again", status: http.StatusNotFound},
		{name: "get accepted", method: http.MethodGet, path: "/api/uploads/abc/accepted", status: http.StatusMethodNotAllowed, allow: "POST"},
		{name: "delete upload", method: http.MethodDelete, path: "/api/uploads/abc", status: http.StatusMethodNotAllowed, allow: "GET"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			f.handler.UploadByID(rec, asUser(httptest.NewRequest(tc.method, tc.path, nil), "alice"))
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rec.Code)
			}
			if tc.allow != "" && rec.Header().Get("Allow") != tc.allow {
				t.Fatalf("expected Allow %q, got %q", tc.allow, rec.Header().Get("Allow"))
			}
		})
	}
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{&pipeline.Error{Kind: pipeline.KindValidation, Err: pipeline.ErrBuilderNotFound}, http.StatusBadRequest},
		{&pipeline.Error{Kind: pipeline.KindNotFound, Err: pipeline.ErrVideoNotFound}, http.StatusNotFound},
		{&pipeline.Error{Kind: pipeline.KindAuthentication, Err: pipeline.ErrUnauthenticated}, http.StatusUnauthorized},
		{&pipeline.Error{Kind: pipeline.KindAuthentication, Err: pipeline.ErrNotOwner}, http.StatusForbidden},
		{&pipeline.Error{Kind: pipeline.KindStateConflict, Err: pipeline.ErrInvalidState}, http.StatusConflict},
		{&pipeline.Error{Kind: pipeline.KindRateLimit, Err: pipeline.ErrTooManyConcurrentUploads}, http.StatusTooManyRequests},
		{&pipeline.Error{Kind: pipeline.KindUpstream, Err: pipeline.ErrTranscodeDispatch}, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		if got := statusForError(tc.err); got != tc.status {
			t.Errorf("statusForError(%v) = %d, want %d", tc.err, got, tc.status)
		}
	}
}

func TestInternalErrorsHideDetail(t *testing.T) {
	f := newTestHandler(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/uploads/x", nil)
	f.handler.writePipelineError(rec, req, errors.New("pq: connection refused"))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if msg := decodeAPIError(t, rec); strings.Contains(msg, "connection refused") {
		t.Fatalf("expected internal detail to be hidden, got %q", msg)
	}
}
