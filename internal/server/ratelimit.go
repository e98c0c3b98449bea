package server

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig bounds request volume. GlobalRPS caps the whole server;
// UploadLimit caps upload requests per client IP within UploadWindow, on top
// of the per-owner concurrency limit enforced by admission. When RedisAddr is
// set the per-IP windows are shared across replicas.
type RateLimitConfig struct {
	GlobalRPS     float64
	GlobalBurst   int
	UploadLimit   int
	UploadWindow  time.Duration
	RedisAddr     string
	RedisPassword string
	RedisTimeout  time.Duration
}

type rateLimiter struct {
	global       *rate.Limiter
	uploadLimit  int
	uploadWindow time.Duration
	mu           sync.Mutex
	buckets      map[string]*ipLimiter
	store        windowStore
	now          func() time.Time
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type windowStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
	Ping(ctx context.Context) error
	Close() error
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	rl := &rateLimiter{
		uploadLimit:  cfg.UploadLimit,
		uploadWindow: cfg.UploadWindow,
		buckets:      make(map[string]*ipLimiter),
		now:          time.Now,
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
			if burst < 1 {
				burst = 1
			}
		}
		rl.global = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), burst)
	}
	if rl.uploadLimit < 0 {
		rl.uploadLimit = 0
	}
	if rl.uploadWindow <= 0 {
		rl.uploadWindow = time.Minute
	}
	if cfg.RedisAddr != "" && rl.uploadLimit > 0 {
		timeout := cfg.RedisTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		rl.store = newRedisStore(redisStoreConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Timeout:  timeout,
		})
	}
	return rl
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

// AllowUpload reports whether key may request another upload and, when it
// may not, how long until it can.
func (r *rateLimiter) AllowUpload(ctx context.Context, key string) (bool, time.Duration, error) {
	if r == nil || r.uploadLimit <= 0 {
		return true, 0, nil
	}
	if key == "" {
		key = "unknown"
	}
	if r.store != nil {
		return r.store.Allow(ctx, "openvideo:uploads:"+key, r.uploadLimit, r.uploadWindow)
	}

	now := r.now()
	r.mu.Lock()
	bucket, exists := r.buckets[key]
	if !exists {
		every := r.uploadWindow / time.Duration(r.uploadLimit)
		bucket = &ipLimiter{limiter: rate.NewLimiter(rate.Every(every), r.uploadLimit)}
		r.buckets[key] = bucket
	}
	bucket.lastSeen = now
	r.cleanupLocked(now)
	r.mu.Unlock()

	reservation := bucket.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false, r.uploadWindow, nil
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return false, delay, nil
	}
	return true, 0, nil
}

// Ping reports the health of the shared window store. Without one the
// limiter is purely in-process and always healthy.
func (r *rateLimiter) Ping(ctx context.Context) error {
	if r == nil || r.store == nil {
		return nil
	}
	return r.store.Ping(ctx)
}

func (r *rateLimiter) Close() error {
	if r == nil || r.store == nil {
		return nil
	}
	return r.store.Close()
}

func (r *rateLimiter) cleanupLocked(now time.Time) {
	if len(r.buckets) == 0 {
		return
	}
	cutoff := now.Add(-2 * r.uploadWindow)
	for key, bucket := range r.buckets {
		if bucket.lastSeen.Before(cutoff) {
			delete(r.buckets, key)
		}
	}
}
