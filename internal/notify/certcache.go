package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"openvideo/internal/observability/metrics"
)

const (
	defaultCertCacheSize  = 5000
	defaultCertTTL        = time.Minute
	defaultFetchAttempts  = 3
	defaultFetchDelay     = 100 * time.Millisecond
	defaultAttemptTimeout = 3 * time.Second
	maxCertificateBytes   = 64 << 10
)

// ErrCertificateFetch is returned when a signing certificate could not be
// retrieved after every attempt.
var ErrCertificateFetch = errors.New("signing certificate fetch failed")

type certEntry struct {
	pem       []byte
	fetchedAt time.Time
}

// CertCache memoizes signing certificates by URL. Entries expire a fixed time
// after they were fetched regardless of how often they are read, and the
// cache holds at most a fixed number of URLs, evicting the least recently
// used. Concurrent misses for one URL share a single fetch.
type CertCache struct {
	entries        *expirable.LRU[string, certEntry]
	group          singleflight.Group
	client         *http.Client
	ttl            time.Duration
	attempts       int
	retryDelay     time.Duration
	attemptTimeout time.Duration
	now            func() time.Time
	metrics        *metrics.Recorder
}

// CertCacheOption configures a CertCache.
type CertCacheOption func(*CertCache)

// WithHTTPClient sets the client used for certificate downloads.
func WithHTTPClient(client *http.Client) CertCacheOption {
	return func(c *CertCache) {
		if client != nil {
			c.client = client
		}
	}
}

// WithCertTTL overrides how long a fetched certificate stays valid.
func WithCertTTL(ttl time.Duration) CertCacheOption {
	return func(c *CertCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithFetchRetry overrides the attempt count, delay between attempts and the
// timeout applied to each attempt.
func WithFetchRetry(attempts int, delay, attemptTimeout time.Duration) CertCacheOption {
	return func(c *CertCache) {
		if attempts > 0 {
			c.attempts = attempts
		}
		if delay >= 0 {
			c.retryDelay = delay
		}
		if attemptTimeout > 0 {
			c.attemptTimeout = attemptTimeout
		}
	}
}

// WithCertClock injects the clock used to judge entry age.
func WithCertClock(now func() time.Time) CertCacheOption {
	return func(c *CertCache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithCertMetrics reports hits, misses and fetch failures to recorder.
func WithCertMetrics(recorder *metrics.Recorder) CertCacheOption {
	return func(c *CertCache) {
		c.metrics = recorder
	}
}

// NewCertCache builds a cache holding up to size certificates. A size of zero
// selects the default capacity.
func NewCertCache(size int, opts ...CertCacheOption) *CertCache {
	if size <= 0 {
		size = defaultCertCacheSize
	}
	c := &CertCache{
		client:         &http.Client{},
		ttl:            defaultCertTTL,
		attempts:       defaultFetchAttempts,
		retryDelay:     defaultFetchDelay,
		attemptTimeout: defaultAttemptTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.entries = expirable.NewLRU[string, certEntry](size, nil, c.ttl)
	return c
}

// Len reports how many certificates are currently held.
func (c *CertCache) Len() int {
	return c.entries.Len()
}

// Get returns the PEM bytes for url, fetching them on a miss.
func (c *CertCache) Get(ctx context.Context, url string) ([]byte, error) {
	if entry, ok := c.entries.Get(url); ok {
		if c.now().Sub(entry.fetchedAt) < c.ttl {
			c.observe("hit")
			return entry.pem, nil
		}
		c.entries.Remove(url)
	}
	c.observe("miss")

	result := c.group.DoChan(url, func() (any, error) {
		// Shared by every waiter, so one caller's cancellation must not
		// abort the fetch for the rest.
		pem, err := c.fetch(context.WithoutCancel(ctx), url)
		if err != nil {
			return nil, err
		}
		c.entries.Add(url, certEntry{pem: pem, fetchedAt: c.now()})
		return pem, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-result:
		if res.Err != nil {
			c.observe("fetch_error")
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	}
}

func (c *CertCache) fetch(ctx context.Context, url string) ([]byte, error) {
	policy := retrypolicy.NewBuilder[[]byte]().
		WithMaxAttempts(c.attempts).
		WithDelay(c.retryDelay).
		Build()

	pem, err := failsafe.With(policy).WithContext(ctx).Get(func() ([]byte, error) {
		return c.fetchOnce(ctx, url)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCertificateFetch, url, err)
	}
	return pem, nil
}

func (c *CertCache) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build certificate request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCertificateBytes))
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}
	return body, nil
}

func (c *CertCache) observe(result string) {
	if c.metrics != nil {
		c.metrics.ObserveCertCache(result)
	}
}
