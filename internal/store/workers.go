package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/kira-kanban/dispatch-core/internal/apierr"
	"github.com/kira-kanban/dispatch-core/internal/pkg/cuid2"
)

const workerColumns = `
	id, user_id, hostname, version, capabilities, status, last_heartbeat,
	registered_at, max_concurrent_tasks
`

func workerScanTargets(w *Worker) []any {
	return []any{
		&w.ID, &w.UserID, &w.Hostname, &w.Version, &w.Capabilities, &w.Status,
		&w.LastHeartbeat, &w.RegisteredAt, &w.MaxConcurrentTasks,
	}
}

// RegisterWorkerInput describes a (re-)registration.
type RegisterWorkerInput struct {
	UserID             string
	Hostname           string
	Version            string
	Capabilities       []string
	MaxConcurrentTasks int
}

// RegisterWorker upserts a worker row by user_id, returning the row and
// whether this call transitioned it from a non-online status (so the caller
// knows whether to publish worker_online).
func (s *Store) RegisterWorker(ctx context.Context, in RegisterWorkerInput) (worker *Worker, wasOffline bool, err error) {
	caps := in.Capabilities
	if len(caps) == 0 {
		caps = []string{"agent"}
	}
	maxConcurrent := in.MaxConcurrentTasks
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	var prevStatus *WorkerStatus
	err = s.withRetry(ctx, "register_worker", func(ctx context.Context) error {
		tx, txErr := s.pool.Begin(ctx)
		if txErr != nil {
			return txErr
		}
		defer tx.Rollback(ctx)

		var existing WorkerStatus
		scanErr := tx.QueryRow(ctx, `SELECT status FROM workers WHERE user_id = $1`, in.UserID).Scan(&existing)
		if scanErr == nil {
			prevStatus = &existing
		} else if !errors.Is(scanErr, pgx.ErrNoRows) {
			return scanErr
		}

		id := cuid2.GeneratePrefixedId("wrk", cuid2.PrefixedIdOptions{})
		var w Worker
		insertErr := tx.QueryRow(ctx, `
			INSERT INTO workers (id, user_id, hostname, version, capabilities, status, last_heartbeat, max_concurrent_tasks)
			VALUES ($1, $2, $3, $4, $5, 'online', now(), $6)
			ON CONFLICT (user_id) DO UPDATE SET
				hostname = excluded.hostname,
				version = excluded.version,
				capabilities = excluded.capabilities,
				status = 'online',
				last_heartbeat = now(),
				max_concurrent_tasks = excluded.max_concurrent_tasks
			RETURNING `+workerColumns, id, in.UserID, in.Hostname, in.Version, caps, maxConcurrent,
		).Scan(workerScanTargets(&w)...)
		if insertErr != nil {
			return insertErr
		}
		worker = &w

		if commitErr := tx.Commit(ctx); commitErr != nil {
			return commitErr
		}
		return nil
	})
	if err != nil {
		return nil, false, apierr.StorageError("register worker", err)
	}

	wasOffline = prevStatus == nil || *prevStatus != WorkerOnline
	return worker, wasOffline, nil
}

// GetWorker fetches a worker by id.
func (s *Store) GetWorker(ctx context.Context, workerID string) (*Worker, error) {
	var w Worker
	err := s.pool.QueryRow(ctx, `SELECT `+workerColumns+` FROM workers WHERE id = $1`, workerID).
		Scan(workerScanTargets(&w)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apierr.NotFound("worker not found")
	}
	if err != nil {
		return nil, apierr.StorageError("get worker", err)
	}
	return &w, nil
}

// GetWorkerForUser fetches the (at most one) worker owned by userID.
func (s *Store) GetWorkerForUser(ctx context.Context, userID string) (*Worker, error) {
	var w Worker
	err := s.pool.QueryRow(ctx, `SELECT `+workerColumns+` FROM workers WHERE user_id = $1`, userID).
		Scan(workerScanTargets(&w)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apierr.NotFound("worker not found")
	}
	if err != nil {
		return nil, apierr.StorageError("get worker for user", err)
	}
	return &w, nil
}

// ListWorkers returns all workers, most recently registered first.
func (s *Store) ListWorkers(ctx context.Context) ([]*Worker, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+workerColumns+` FROM workers ORDER BY registered_at DESC`)
	if err != nil {
		return nil, apierr.StorageError("list workers", err)
	}
	defer rows.Close()

	var workers []*Worker
	for rows.Next() {
		var w Worker
		if err := rows.Scan(workerScanTargets(&w)...); err != nil {
			return nil, apierr.StorageError("scan worker", err)
		}
		workers = append(workers, &w)
	}
	return workers, rows.Err()
}

// Heartbeat bumps last_heartbeat and flips status back to online (a stale
// worker recovers as soon as it heartbeats again).
func (s *Store) Heartbeat(ctx context.Context, workerID, userID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workers SET last_heartbeat = now(), status = 'online'
		WHERE id = $1 AND user_id = $2
	`, workerID, userID)
	if err != nil {
		return apierr.StorageError("heartbeat", err)
	}
	if tag.RowsAffected() == 0 {
		return apierr.NotFound("worker not found")
	}
	return nil
}

// MarkStaleResult reports the sweeper's outcome for one pass.
type MarkStaleResult struct {
	NewlyStale        []*Worker
	NewlyOffline      []*Worker
	FailedTasks       []*Task
}

// SweepLiveness applies the online→stale→offline transitions and fails
// tasks held by newly-offline workers, all within the thresholds supplied by
// internal/registry (default stale=90s, offline=300s).
func (s *Store) SweepLiveness(ctx context.Context, staleAfter, offlineAfter time.Duration) (*MarkStaleResult, error) {
	result := &MarkStaleResult{}

	staleRows, err := s.pool.Query(ctx, `
		UPDATE workers SET status = 'stale'
		WHERE status = 'online' AND last_heartbeat < now() - ($1 * interval '1 second')
		RETURNING `+workerColumns, staleAfter.Seconds(),
	)
	if err != nil {
		return nil, apierr.StorageError("sweep stale", err)
	}
	for staleRows.Next() {
		var w Worker
		if err := staleRows.Scan(workerScanTargets(&w)...); err != nil {
			staleRows.Close()
			return nil, apierr.StorageError("scan stale worker", err)
		}
		result.NewlyStale = append(result.NewlyStale, &w)
	}
	staleRows.Close()
	if err := staleRows.Err(); err != nil {
		return nil, apierr.StorageError("sweep stale", err)
	}

	offlineRows, err := s.pool.Query(ctx, `
		UPDATE workers SET status = 'offline'
		WHERE status IN ('online', 'stale') AND last_heartbeat < now() - ($1 * interval '1 second')
		RETURNING `+workerColumns, offlineAfter.Seconds(),
	)
	if err != nil {
		return nil, apierr.StorageError("sweep offline", err)
	}
	for offlineRows.Next() {
		var w Worker
		if err := offlineRows.Scan(workerScanTargets(&w)...); err != nil {
			offlineRows.Close()
			return nil, apierr.StorageError("scan offline worker", err)
		}
		result.NewlyOffline = append(result.NewlyOffline, &w)
	}
	offlineRows.Close()
	if err := offlineRows.Err(); err != nil {
		return nil, apierr.StorageError("sweep offline", err)
	}

	for _, w := range result.NewlyOffline {
		failed, err := s.FailTasksForWorker(ctx, w.ID, "worker offline")
		if err != nil {
			return nil, err
		}
		result.FailedTasks = append(result.FailedTasks, failed...)
	}

	return result, nil
}

