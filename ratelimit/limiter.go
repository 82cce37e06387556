// Package ratelimit keeps outbound 3Commas REST calls inside the documented
// request budget with a fixed-window limiter.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Config holds rate limiter configuration.
type Config struct {
	RequestsPerMinute int
	WindowDuration    time.Duration // Defaults to 60 seconds if zero
	Logger            *slog.Logger  // Optional logger
}

// Limiter implements a fixed-window rate limiter. Wait blocks callers once
// the current window's budget is spent.
type Limiter struct {
	mu sync.Mutex

	limit  int
	window time.Duration
	logger *slog.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error

	windowStart time.Time
	consumed    int
}

// NewLimiter creates a new rate limiter with the given configuration.
func NewLimiter(cfg Config) *Limiter {
	if cfg.WindowDuration <= 0 {
		cfg.WindowDuration = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Limiter{
		limit:       cfg.RequestsPerMinute,
		window:      cfg.WindowDuration,
		logger:      cfg.Logger.WithGroup("ratelimit"),
		now:         time.Now,
		sleep:       sleepCtx,
		windowStart: time.Now(),
	}
}

// Wait consumes one slot, blocking until the window has capacity or the
// context is cancelled. A limit of zero or less disables throttling.
func (l *Limiter) Wait(ctx context.Context) error {
	if l.limit <= 0 {
		return nil
	}

	for {
		l.mu.Lock()
		now := l.now()
		if elapsed := now.Sub(l.windowStart); elapsed >= l.window {
			l.windowStart = now
			l.consumed = 0
		}
		if l.consumed < l.limit {
			l.consumed++
			l.mu.Unlock()
			return nil
		}
		wait := l.window - now.Sub(l.windowStart)
		l.mu.Unlock()

		l.logger.Debug("request budget spent, waiting for next window",
			slog.Duration("wait", wait),
			slog.Int("limit", l.limit),
		)
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
