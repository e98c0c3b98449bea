package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"openvideo/internal/observability/metrics"
)

const (
	defaultReapInterval         = 5 * time.Minute
	defaultSessionPurgeInterval = 15 * time.Minute
)

type sessionPurger interface {
	PurgeExpired() error
}

type staleReaper interface {
	Reap(ctx context.Context) (int, error)
}

type purgeTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) purgeTicker

func newTimeTicker(d time.Duration) purgeTicker {
	return timeTicker{ticker: time.NewTicker(d)}
}

// startSessionPurgeWorker drops expired sessions from the store on every tick.
func startSessionPurgeWorker(ctx context.Context, logger *slog.Logger, sessions sessionPurger, recorder *metrics.Recorder, interval time.Duration) func() {
	return startSessionPurgeWorkerWithTicker(ctx, logger, sessions, recorder, interval, newTimeTicker)
}

func startSessionPurgeWorkerWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	sessions sessionPurger,
	recorder *metrics.Recorder,
	interval time.Duration,
	newTicker tickerFactory,
) func() {
	if sessions == nil {
		return func() {}
	}
	return startPeriodicWorker(ctx, interval, newTicker, func(context.Context) {
		err := sessions.PurgeExpired()
		if recorder != nil {
			recorder.ObserveSessionPurge(err)
		}
		if err != nil && logger != nil {
			logger.Error("failed to purge expired sessions", "error", err)
		}
	})
}

// startReapWorker removes INITIATED builders that outlived the staleness
// window, for owners who never come back to trigger reaping on admission.
func startReapWorker(ctx context.Context, logger *slog.Logger, reaper staleReaper, interval time.Duration) func() {
	return startReapWorkerWithTicker(ctx, logger, reaper, interval, newTimeTicker)
}

func startReapWorkerWithTicker(ctx context.Context, logger *slog.Logger, reaper staleReaper, interval time.Duration, newTicker tickerFactory) func() {
	if reaper == nil {
		return func() {}
	}
	return startPeriodicWorker(ctx, interval, newTicker, func(ctx context.Context) {
		removed, err := reaper.Reap(ctx)
		if logger == nil {
			return
		}
		if err != nil {
			logger.Error("failed to reap stale uploads", "error", err)
			return
		}
		if removed > 0 {
			logger.Info("reaped stale uploads", "count", removed)
		}
	})
}

func startPeriodicWorker(ctx context.Context, interval time.Duration, newTicker tickerFactory, run func(context.Context)) func() {
	if interval <= 0 {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				run(workerCtx)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
