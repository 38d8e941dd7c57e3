// Package ratelimit throttles mutating API calls per principal with a
// sliding window over recorded request events.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/upb/governance-core/repositories"
	"go.uber.org/zap"
)

// Window is one sliding window checked on every request
type Window struct {
	Name   string
	Length time.Duration
	Limit  int
}

// Config sets the per-principal limits. Zero disables a window.
type Config struct {
	RequestsPerMinute int
	RequestsPerHour   int
}

// Result is the outcome of one Allow call
type Result struct {
	Allowed         bool
	Remaining       int
	ResetAt         time.Time
	ViolatedWindow  string
	ViolationReason string
}

// Limiter checks and records requests against its windows
type Limiter struct {
	repo    repositories.RateLimitRepository
	windows []Window
	logger  *zap.Logger
	now     func() time.Time
}

// NewLimiter creates a limiter over repo
func NewLimiter(repo repositories.RateLimitRepository, cfg Config, logger *zap.Logger) *Limiter {
	var windows []Window
	if cfg.RequestsPerMinute > 0 {
		windows = append(windows, Window{Name: "minute", Length: time.Minute, Limit: cfg.RequestsPerMinute})
	}
	if cfg.RequestsPerHour > 0 {
		windows = append(windows, Window{Name: "hour", Length: time.Hour, Limit: cfg.RequestsPerHour})
	}
	return &Limiter{
		repo:    repo,
		windows: windows,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Enabled reports whether any window is configured
func (l *Limiter) Enabled() bool {
	return len(l.windows) > 0
}

// Retention is how long events must be kept to answer the longest window
func (l *Limiter) Retention() time.Duration {
	var longest time.Duration
	for _, w := range l.windows {
		if w.Length > longest {
			longest = w.Length
		}
	}
	return longest
}

// Allow checks every window for scope and records the request when all pass.
// A denied request is not recorded.
func (l *Limiter) Allow(ctx context.Context, scope string) (*Result, error) {
	if !l.Enabled() {
		return &Result{Allowed: true}, nil
	}

	now := l.now()
	remaining := -1
	var resetAt time.Time
	for _, w := range l.windows {
		count, err := l.repo.CountSince(ctx, scope, now.Add(-w.Length))
		if err != nil {
			return nil, fmt.Errorf("failed to check %s window: %w", w.Name, err)
		}
		reset := now.Truncate(w.Length).Add(w.Length)
		if count >= w.Limit {
			return &Result{
				Allowed:         false,
				ResetAt:         reset,
				ViolatedWindow:  w.Name,
				ViolationReason: fmt.Sprintf("exceeded %d requests per %s", w.Limit, w.Name),
			}, nil
		}
		if left := w.Limit - count - 1; remaining < 0 || left < remaining {
			remaining = left
			resetAt = reset
		}
	}

	if err := l.repo.Record(ctx, scope, now); err != nil {
		return nil, fmt.Errorf("failed to record request: %w", err)
	}
	return &Result{Allowed: true, Remaining: remaining, ResetAt: resetAt}, nil
}

// Cleanup drops events older than the longest window
func (l *Limiter) Cleanup(ctx context.Context) (int64, error) {
	if !l.Enabled() {
		return 0, nil
	}
	cutoff := l.now().Add(-l.Retention())
	n, err := l.repo.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up rate limit events: %w", err)
	}
	if n > 0 {
		l.logger.Info("cleaned up rate limit events",
			zap.Int64("rows_deleted", n),
			zap.Time("cutoff_time", cutoff))
	}
	return n, nil
}

// RunCleanup calls Cleanup every interval until ctx is cancelled
func (l *Limiter) RunCleanup(ctx context.Context, interval time.Duration) {
	if !l.Enabled() {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	l.logger.Info("started rate limit cleanup worker", zap.Duration("interval", interval))
	for {
		select {
		case <-ticker.C:
			if _, err := l.Cleanup(ctx); err != nil {
				l.logger.Error("rate limit cleanup failed", zap.Error(err))
			}
		case <-ctx.Done():
			l.logger.Info("stopping rate limit cleanup worker")
			return
		}
	}
}
