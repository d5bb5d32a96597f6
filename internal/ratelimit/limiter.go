// Package ratelimit enforces per-key fixed-window request limits at minute,
// hour and day granularity.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/faucetdb/keyward/internal/model"
	"github.com/faucetdb/keyward/internal/telemetry"
)

type granularity struct {
	name   string
	length time.Duration
}

var granularities = [3]granularity{
	{"minute", time.Minute},
	{"hour", time.Hour},
	{"day", 24 * time.Hour},
}

// Limiter decides whether a key may make another request.
type Limiter struct {
	store   CounterStore
	logger  *slog.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the wall clock used to pick windows.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithMetrics records fail-open events.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

// New creates a Limiter over store.
func New(store CounterStore, logger *slog.Logger, opts ...Option) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Limiter{store: store, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// WindowKey returns the counter key for keyID in the window containing now.
func WindowKey(gran string, keyID string, windowStart time.Time) string {
	return fmt.Sprintf("rate_limit:%s:%s:%d", gran, keyID, windowStart.Unix())
}

// windows returns the enabled windows for limits at now.
func (l *Limiter) windows(keyID string, limits model.RateLimits, now time.Time) []Window {
	values := [3]int{limits.PerMinute, limits.PerHour, limits.PerDay}
	out := make([]Window, 0, 3)
	for i, g := range granularities {
		if values[i] <= 0 {
			continue
		}
		out = append(out, Window{
			Key:   WindowKey(g.name, keyID, now.Truncate(g.length)),
			Limit: values[i],
			TTL:   g.length,
		})
	}
	return out
}

// Allow consumes one request from each enabled window. It returns false,
// without consuming anything, when any window is already at its limit. If
// the counter store fails the request is allowed and a warning logged; only
// cancellation of ctx is returned as an error.
func (l *Limiter) Allow(ctx context.Context, keyID string, limits model.RateLimits) (bool, error) {
	windows := l.windows(keyID, limits, l.now())
	if len(windows) == 0 {
		return true, nil
	}

	allowed, err := l.store.IncrementIfBelow(ctx, windows)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return false, ctxErr
		}
		l.metrics.RateLimitFailOpen()
		l.logger.Warn("rate limit counter store unavailable, allowing request",
			"key_id", keyID, "error", err)
		return true, nil
	}
	return allowed, nil
}

// Usage reports consumption of each granularity in the current windows.
// Disabled granularities report their limit as zero.
func (l *Limiter) Usage(ctx context.Context, keyID string, limits model.RateLimits) (model.RateLimitUsage, error) {
	now := l.now()
	values := [3]int{limits.PerMinute, limits.PerHour, limits.PerDay}
	keys := make([]string, 3)
	for i, g := range granularities {
		keys[i] = WindowKey(g.name, keyID, now.Truncate(g.length))
	}

	counts, err := l.store.Get(ctx, keys)
	if err != nil {
		return model.RateLimitUsage{}, fmt.Errorf("read rate limit counters: %w", err)
	}

	var usage [3]model.RateWindowUsage
	for i := range granularities {
		limit := values[i]
		if limit < 0 {
			limit = 0
		}
		u := model.RateWindowUsage{Used: counts[i], Limit: limit}
		if limit > 0 {
			u.Remaining = int64(limit) - counts[i]
			if u.Remaining < 0 {
				u.Remaining = 0
			}
		}
		usage[i] = u
	}
	return model.RateLimitUsage{PerMinute: usage[0], PerHour: usage[1], PerDay: usage[2]}, nil
}
