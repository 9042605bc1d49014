package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kira-kanban/dispatch-core/internal/metrics"
)

// Store wraps a pgxpool.Pool with the dispatch core's domain operations.
type Store struct {
	pool    *pgxpool.Pool
	retry   RetryConfig
	metrics *metrics.Recorder
}

// New wraps pool with the default retry policy.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, retry: DefaultRetryConfig(), metrics: metrics.NewRecorder()}
}

// WithRetryConfig returns a copy of s using cfg for contention retries.
func (s *Store) WithRetryConfig(cfg RetryConfig) *Store {
	return &Store{pool: s.pool, retry: cfg, metrics: s.metrics}
}

// Pool exposes the underlying pool, e.g. for health checks.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Store) withRetry(ctx context.Context, operation string, op func(ctx context.Context) error) error {
	start := time.Now()
	err := withRetry(ctx, s.retry, op, func() { s.metrics.RecordStoreRetry(operation) })
	s.metrics.RecordStoreQuery(operation, time.Since(start), err)
	return err
}
