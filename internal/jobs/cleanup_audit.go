package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// RetentionConfig configures retention policies for the dispatch core's
// housekeeping job.
type RetentionConfig struct {
	TaskRetentionDays    int
	CommentRetentionDays int
}

// DefaultRetentionConfig returns sensible retention defaults.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		TaskRetentionDays:    30,
		CommentRetentionDays: 90,
	}
}

// CleanupOldTasks removes terminal tasks (completed, failed, cancelled) past
// the retention window. Task rows are audit trail once terminal; the Store
// itself never reads past tasks except to compute loop_count on the same
// (card_id, column_id) pair, so pruning only the oldest terminal rows is safe
// as long as the retention window exceeds any realistic loop-bound window.
func CleanupOldTasks(ctx context.Context, db *pgxpool.Pool, cfg RetentionConfig) error {
	cutoff := time.Now().AddDate(0, 0, -cfg.TaskRetentionDays)

	result, err := db.Exec(ctx, `
		DELETE FROM tasks
		WHERE status IN ('completed', 'failed', 'cancelled')
		AND completed_at < $1
	`, cutoff)
	if err != nil {
		return fmt.Errorf("cleanup old tasks: %w", err)
	}

	slog.Info("cleaned up old terminal tasks", "rows_deleted", result.RowsAffected(), "cutoff", cutoff)
	return nil
}

// CleanupOldAgentComments removes agent-output comments past the retention
// window. Comments produced by automation (is_agent_output=true) are the
// bulkiest audit artifact; human comments are never touched.
func CleanupOldAgentComments(ctx context.Context, db *pgxpool.Pool, cfg RetentionConfig) error {
	cutoff := time.Now().AddDate(0, 0, -cfg.CommentRetentionDays)

	result, err := db.Exec(ctx, `
		DELETE FROM comments
		WHERE is_agent_output = true
		AND created_at < $1
	`, cutoff)
	if err != nil {
		return fmt.Errorf("cleanup old agent comments: %w", err)
	}

	slog.Info("cleaned up old agent-output comments", "rows_deleted", result.RowsAffected(), "cutoff", cutoff)
	return nil
}

// RunAllCleanupJobs runs all retention jobs in sequence, continuing past
// individual failures so one stuck job never blocks the others.
func RunAllCleanupJobs(ctx context.Context, db *pgxpool.Pool) error {
	cfg := DefaultRetentionConfig()

	slog.Info("starting retention jobs")

	if err := CleanupOldTasks(ctx, db, cfg); err != nil {
		slog.Error("failed to cleanup old tasks", "error", err)
	}

	if err := CleanupOldAgentComments(ctx, db, cfg); err != nil {
		slog.Error("failed to cleanup old agent comments", "error", err)
	}

	slog.Info("retention jobs completed")
	return nil
}

// RetentionScheduler runs the retention jobs on a daily tick.
type RetentionScheduler struct {
	db     *pgxpool.Pool
	config RetentionConfig
}

// NewRetentionScheduler creates a new retention scheduler.
func NewRetentionScheduler(db *pgxpool.Pool, config RetentionConfig) *RetentionScheduler {
	if config.TaskRetentionDays == 0 {
		config.TaskRetentionDays = 30
	}
	if config.CommentRetentionDays == 0 {
		config.CommentRetentionDays = 90
	}

	return &RetentionScheduler{db: db, config: config}
}

// RunDailyCleanup runs all retention jobs once.
func (s *RetentionScheduler) RunDailyCleanup(ctx context.Context) error {
	slog.Info("running daily retention cleanup")

	if err := CleanupOldTasks(ctx, s.db, s.config); err != nil {
		return fmt.Errorf("cleanup tasks: %w", err)
	}

	if err := CleanupOldAgentComments(ctx, s.db, s.config); err != nil {
		return fmt.Errorf("cleanup comments: %w", err)
	}

	slog.Info("daily retention cleanup completed")
	return nil
}

// Start runs RunDailyCleanup on the given interval until ctx is cancelled.
func (s *RetentionScheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RunDailyCleanup(ctx); err != nil {
				slog.Error("retention cleanup failed", "error", err)
			}
		}
	}
}

// GetRetentionStats reports how many rows are currently eligible for cleanup.
func GetRetentionStats(ctx context.Context, db *pgxpool.Pool, cfg RetentionConfig) (map[string]int64, error) {
	stats := make(map[string]int64)

	taskCutoff := time.Now().AddDate(0, 0, -cfg.TaskRetentionDays)
	var taskCount int64
	err := db.QueryRow(ctx, `
		SELECT COUNT(*) FROM tasks
		WHERE status IN ('completed', 'failed', 'cancelled') AND completed_at < $1
	`, taskCutoff).Scan(&taskCount)
	if err != nil {
		return nil, fmt.Errorf("count old tasks: %w", err)
	}
	stats["old_tasks"] = taskCount

	commentCutoff := time.Now().AddDate(0, 0, -cfg.CommentRetentionDays)
	var commentCount int64
	err = db.QueryRow(ctx, `
		SELECT COUNT(*) FROM comments WHERE is_agent_output = true AND created_at < $1
	`, commentCutoff).Scan(&commentCount)
	if err != nil {
		return nil, fmt.Errorf("count old comments: %w", err)
	}
	stats["old_agent_comments"] = commentCount

	return stats, nil
}
