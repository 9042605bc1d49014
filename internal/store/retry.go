package store

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// RetryConfig governs the Store's capped-exponential-backoff-with-jitter
// retry of transient contention, mirroring the worker-side HTTP client's
// backoff shape.
type RetryConfig struct {
	MaxRetries       int
	InitialBackoffMs int
	MaxBackoffMs     int
}

// DefaultRetryConfig caps retries at 5 with backoff from 10ms to 160ms.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 5, InitialBackoffMs: 10, MaxBackoffMs: 160}
}

// calculateBackoff returns exponential backoff with 0-25% jitter, capped.
func calculateBackoff(attempt int, cfg RetryConfig) time.Duration {
	exponentialDelay := float64(cfg.InitialBackoffMs) * math.Pow(2.0, float64(attempt))
	cappedDelay := math.Min(exponentialDelay, float64(cfg.MaxBackoffMs))
	jitter := rand.Float64() * 0.25 * cappedDelay
	return time.Duration(cappedDelay+jitter) * time.Millisecond
}

// isRetryable reports whether err is a transient connection-level failure
// worth retrying, as opposed to a constraint violation or guard failure that
// will never succeed on replay.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "53300", "57014":
			return true
		}
		return false
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// withRetry runs op, retrying on transient storage errors with capped
// exponential backoff. op's own business-logic errors (apierr.*) are never
// retried here since retrying a guard failure cannot change its outcome.
// onRetry, if non-nil, is called once per retry attempt for instrumentation.
func withRetry(ctx context.Context, cfg RetryConfig, op func(ctx context.Context) error, onRetry func()) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil || !isRetryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxRetries {
			break
		}
		if onRetry != nil {
			onRetry()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(calculateBackoff(attempt, cfg)):
		}
	}
	return lastErr
}
