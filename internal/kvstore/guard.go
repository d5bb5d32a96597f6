package kvstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

// ErrUnavailable is returned when the key-value store timed out, failed, or
// the circuit breaker is open. Callers apply their own fail-open or
// fail-closed policy on it.
var ErrUnavailable = errors.New("kvstore unavailable")

// Guard bounds every call with a timeout and trips a circuit breaker after
// consecutive failures so a dead Redis costs one fast error per request
// instead of a timeout.
type Guard struct {
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
}

// GuardConfig configures a Guard.
type GuardConfig struct {
	Name     string
	Timeout  time.Duration
	Failures int           // consecutive failures that open the breaker
	Cooldown time.Duration // time spent open before a trial request
}

// NewGuard creates a Guard.
func NewGuard(cfg GuardConfig, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 250 * time.Millisecond
	}
	if cfg.Failures <= 0 {
		cfg.Failures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 10 * time.Second
	}
	failures := uint32(cfg.Failures)

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, redis.Nil)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("kvstore circuit breaker state change",
				"name", name, "from", from.String(), "to", to.String())
		},
	}
	return &Guard{cb: gobreaker.NewCircuitBreaker(settings), timeout: cfg.Timeout}
}

// Do runs fn with a bounded context. redis.Nil is passed through untouched;
// other failures are reported as ErrUnavailable. If the caller's own context
// ends first, its error is returned instead.
func (g *Guard) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := g.cb.Execute(func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return nil, fn(callCtx)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.Nil):
		return err
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

// State returns the breaker state name (closed, half-open, open).
func (g *Guard) State() string {
	return g.cb.State().String()
}
