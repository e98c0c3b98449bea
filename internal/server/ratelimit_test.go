package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestAllowUploadInMemory(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{UploadLimit: 2, UploadWindow: time.Minute})
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, _, err := rl.AllowUpload(ctx, "198.51.100.7")
		if err != nil || !allowed {
			t.Fatalf("request %d: expected allowed, got %v err=%v", i, allowed, err)
		}
	}
	allowed, retryAfter, err := rl.AllowUpload(ctx, "198.51.100.7")
	if err != nil {
		t.Fatalf("AllowUpload: %v", err)
	}
	if allowed {
		t.Fatal("expected third request in window to be refused")
	}
	if retryAfter <= 0 || retryAfter > time.Minute {
		t.Fatalf("unexpected retryAfter %v", retryAfter)
	}

	if allowed, _, _ := rl.AllowUpload(ctx, "203.0.113.9"); !allowed {
		t.Fatal("expected other clients to keep their own allowance")
	}

	now = now.Add(30 * time.Second)
	if allowed, _, _ := rl.AllowUpload(ctx, "198.51.100.7"); !allowed {
		t.Fatal("expected allowance to refill after half a window")
	}
}

func TestAllowUploadDisabled(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{})
	for i := 0; i < 100; i++ {
		if allowed, _, _ := rl.AllowUpload(context.Background(), "x"); !allowed {
			t.Fatal("expected unlimited uploads when no limit is configured")
		}
	}
	if err := rl.Ping(context.Background()); err != nil {
		t.Fatalf("expected in-process limiter to be healthy, got %v", err)
	}
}

func TestRedisStoreFixedWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	store := newRedisStore(redisStoreConfig{Addr: mr.Addr(), Timeout: time.Second})
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, _, err := store.Allow(ctx, "openvideo:uploads:test", 3, time.Minute)
		if err != nil || !allowed {
			t.Fatalf("request %d: expected allowed, got %v err=%v", i, allowed, err)
		}
	}
	allowed, retryAfter, err := store.Allow(ctx, "openvideo:uploads:test", 3, time.Minute)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if allowed {
		t.Fatal("expected fourth request to be refused")
	}
	if retryAfter <= 0 || retryAfter > time.Minute {
		t.Fatalf("unexpected retryAfter %v", retryAfter)
	}

	mr.FastForward(time.Minute + time.Second)
	if allowed, _, err := store.Allow(ctx, "openvideo:uploads:test", 3, time.Minute); err != nil || !allowed {
		t.Fatalf("expected new window to allow, got %v err=%v", allowed, err)
	}
}

func TestRedisStoreRequiresPassword(t *testing.T) {
	mr := miniredis.RunT(t)
	mr.RequireAuth("secret")

	bad := newRedisStore(redisStoreConfig{Addr: mr.Addr(), Timeout: time.Second})
	t.Cleanup(func() { _ = bad.Close() })
	if _, _, err := bad.Allow(context.Background(), "k", 1, time.Minute); err == nil {
		t.Fatal("expected unauthenticated store to fail")
	}

	good := newRedisStore(redisStoreConfig{Addr: mr.Addr(), Password: "secret", Timeout: time.Second})
	t.Cleanup(func() { _ = good.Close() })
	if allowed, _, err := good.Allow(context.Background(), "k", 1, time.Minute); err != nil || !allowed {
		t.Fatalf("expected authenticated store to allow, got %v err=%v", allowed, err)
	}
}

func TestServerUploadRateLimitSharedThroughRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	handler, _ := newTestHandler(t)
	srv := newTestServer(t, handler, Config{RateLimit: RateLimitConfig{
		UploadLimit:  1,
		UploadWindow: time.Minute,
		RedisAddr:    mr.Addr(),
	}})
	token, _, err := handler.Sessions.Create("alice")
	if err != nil {
		t.Fatalf("Create session: %v", err)
	}

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/uploads", nil)
		req.RemoteAddr = "198.51.100.7:4000"
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		return rec
	}
	if rec := send(); rec.Code != http.StatusCreated {
		t.Fatalf("expected first upload request to pass, got %d", rec.Code)
	}
	rec := send()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
	if !mr.Exists("openvideo:uploads:198.51.100.7") {
		t.Fatal("expected window counter in redis")
	}

	healthRec := httptest.NewRecorder()
	srv.ServeHTTP(healthRec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if healthRec.Code != http.StatusOK {
		t.Fatalf("expected healthy with redis up, got %d", healthRec.Code)
	}
}
