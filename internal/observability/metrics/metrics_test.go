package metrics

import (
	"errors"
	"strings"
	"sync"
	"testing"
)

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"":                   "/",
		"/":                  "/",
		"/api/notifications": "/api/notifications",
		"/api/uploads/123":   "/api/uploads/:id",
		"/api/uploads/ab12cd34ef56ab78/accepted/": "/api/uploads/:id/accepted",
		"healthz": "/healthz",
	}
	for input, want := range cases {
		if got := normalizePath(input); got != want {
			t.Errorf("normalizePath(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestDomainCountersAreExported(t *testing.T) {
	recorder := New()
	recorder.ObserveAdmission("admitted")
	recorder.ObserveAdmission("LIMITED")
	recorder.ObserveTransition("INITIATED", "UPLOADED")
	recorder.ObserveNotification("Notification", "ok")
	recorder.ObserveCertCache("hit")
	recorder.ObserveTranscodeSubmission("")
	recorder.ObserveReaped(2)
	recorder.ObserveReaped(0)
	recorder.ObserveSessionPurge(errors.New("boom"))

	body := scrape(t, recorder)
	for _, expected := range []string{
		`openvideo_upload_admissions_total{outcome="admitted"} 1`,
		`openvideo_upload_admissions_total{outcome="limited"} 1`,
		`openvideo_builder_transitions_total{from="initiated",to="uploaded"} 1`,
		`openvideo_notifications_total{kind="notification",outcome="ok"} 1`,
		`openvideo_signing_cert_cache_total{result="hit"} 1`,
		`openvideo_transcode_submissions_total{outcome="unknown"} 1`,
		`openvideo_builders_reaped_total 2`,
		`openvideo_session_purges_total{outcome="error"} 1`,
	} {
		if !strings.Contains(body, expected) {
			t.Errorf("expected scrape to contain %q", expected)
		}
	}
}

func TestRecorderConcurrentObservations(t *testing.T) {
	recorder := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			recorder.ObserveAdmission("admitted")
		}()
	}
	wg.Wait()

	if body := scrape(t, recorder); !strings.Contains(body, `openvideo_upload_admissions_total{outcome="admitted"} 50`) {
		t.Fatalf("expected 50 admissions, got %q", body)
	}
}
