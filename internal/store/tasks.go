package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/jackc/pgx/v5"

	"github.com/kira-kanban/dispatch-core/internal/apierr"
	"github.com/kira-kanban/dispatch-core/internal/pkg/cuid2"
)

// CreateTaskInput describes a new task row.
type CreateTaskInput struct {
	TaskType   TaskType
	BoardID    string
	CardID     *string
	CreatedBy  string
	AssignedTo string

	AgentType  string
	AgentModel string
	PromptText string
	Payload    interface{}

	Priority int

	SourceColumnID  *string
	TargetColumnID  *string
	FailureColumnID *string
	LoopCount       int
	MaxLoopCount    int
}

// CreateTask inserts a new pending task. The caller (TaskService) is
// responsible for publishing task_created.
func (s *Store) CreateTask(ctx context.Context, in CreateTaskInput) (*Task, error) {
	payload := json.RawMessage("{}")
	if in.Payload != nil {
		b, err := json.Marshal(in.Payload)
		if err != nil {
			return nil, apierr.ProtocolError("invalid task payload: " + err.Error())
		}
		payload = b
	}

	id := cuid2.GeneratePrefixedId("task", cuid2.PrefixedIdOptions{})
	maxLoop := in.MaxLoopCount
	if maxLoop == 0 {
		maxLoop = 3
	}

	var task Task
	err := s.withRetry(ctx, "create_task", func(ctx context.Context) error {
		return s.pool.QueryRow(ctx, `
			INSERT INTO tasks (
				id, task_type, board_id, card_id, created_by, assigned_to,
				agent_type, agent_model, prompt_text, payload, priority,
				source_column_id, target_column_id, failure_column_id,
				loop_count, max_loop_count
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
			RETURNING `+taskColumns, id, in.TaskType, in.BoardID, in.CardID, in.CreatedBy, in.AssignedTo,
			in.AgentType, in.AgentModel, in.PromptText, payload, in.Priority,
			in.SourceColumnID, in.TargetColumnID, in.FailureColumnID,
			in.LoopCount, maxLoop,
		).Scan(taskScanTargets(&task)...)
	})
	if err != nil {
		return nil, apierr.StorageError("create task", err)
	}
	return &task, nil
}

const taskColumns = `
	id, task_type, board_id, card_id, created_by, assigned_to, claimed_by_worker,
	agent_type, agent_model, prompt_text, payload, status, priority,
	source_column_id, target_column_id, failure_column_id, loop_count, max_loop_count,
	error_summary, output_comment_id, created_at, claimed_at, started_at, completed_at
`

func taskScanTargets(t *Task) []any {
	return []any{
		&t.ID, &t.TaskType, &t.BoardID, &t.CardID, &t.CreatedBy, &t.AssignedTo, &t.ClaimedBy,
		&t.AgentType, &t.AgentModel, &t.PromptText, &t.Payload, &t.Status, &t.Priority,
		&t.SourceColumnID, &t.TargetColumnID, &t.FailureColumnID, &t.LoopCount, &t.MaxLoopCount,
		&t.ErrorSummary, &t.OutputCommentID, &t.CreatedAt, &t.ClaimedAt, &t.StartedAt, &t.CompletedAt,
	}
}

// GetTask fetches a task by id.
func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	err := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, taskID).
		Scan(taskScanTargets(&task)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apierr.NotFound("task not found")
	}
	if err != nil {
		return nil, apierr.StorageError("get task", err)
	}
	return &task, nil
}

// TaskFilter filters TaskService.list.
type TaskFilter struct {
	BoardID string
	Status  TaskStatus
	CardID  string
}

// ListTasks returns tasks matching filter, newest first.
func (s *Store) ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE board_id = $1`
	args := []any{filter.BoardID}

	if filter.Status != "" {
		args = append(args, filter.Status)
		query += ` AND status = $` + itoa(len(args))
	}
	if filter.CardID != "" {
		args = append(args, filter.CardID)
		query += ` AND card_id = $` + itoa(len(args))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, apierr.StorageError("list tasks", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(taskScanTargets(&t)...); err != nil {
			return nil, apierr.StorageError("scan task", err)
		}
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

// PollTasks returns pending tasks assigned to userID, highest priority and
// oldest first, for the worker poll endpoint.
func (s *Store) PollTasks(ctx context.Context, userID string, limit int) ([]*Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'pending' AND assigned_to = $1
		ORDER BY priority DESC, created_at ASC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, apierr.StorageError("poll tasks", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(taskScanTargets(&t)...); err != nil {
			return nil, apierr.StorageError("scan task", err)
		}
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

// ClaimTask atomically assigns task_id to workerID iff it is still pending.
// Zero rows affected means another worker (or a cancellation) won the race;
// that is reported as Conflict, never as NotFound, so the caller can
// distinguish "gone" from "already claimed".
func (s *Store) ClaimTask(ctx context.Context, taskID, workerID string) (*Task, error) {
	var task Task
	err := s.withRetry(ctx, "claim_task", func(ctx context.Context) error {
		return s.pool.QueryRow(ctx, `
			UPDATE tasks
			SET status = 'claimed', claimed_by_worker = $2, claimed_at = now()
			WHERE id = $1 AND status = 'pending'
			RETURNING `+taskColumns, taskID, workerID,
		).Scan(taskScanTargets(&task)...)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		s.metrics.RecordClaimOutcome(false)
		if _, getErr := s.GetTask(ctx, taskID); getErr != nil {
			return nil, getErr
		}
		return nil, apierr.Conflict("task already claimed")
	}
	if err != nil {
		return nil, apierr.StorageError("claim task", err)
	}
	s.metrics.RecordClaimOutcome(true)
	return &task, nil
}

// Progress transitions a claimed task to running and sets started_at on the
// first call only; repeated calls while running are a no-op success.
func (s *Store) Progress(ctx context.Context, taskID, workerID string) (*Task, error) {
	var task Task
	err := s.withRetry(ctx, "task_progress", func(ctx context.Context) error {
		return s.pool.QueryRow(ctx, `
			UPDATE tasks
			SET status = 'running', started_at = COALESCE(started_at, now())
			WHERE id = $1 AND claimed_by_worker = $2 AND status IN ('claimed', 'running')
			RETURNING `+taskColumns, taskID, workerID,
		).Scan(taskScanTargets(&task)...)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		existing, getErr := s.GetTask(ctx, taskID)
		if getErr != nil {
			return nil, getErr
		}
		if existing.ClaimedBy == nil || *existing.ClaimedBy != workerID {
			return nil, apierr.Forbidden("task not claimed by this worker")
		}
		// Terminal already; idempotent no-op.
		return existing, nil
	}
	if err != nil {
		return nil, apierr.StorageError("progress task", err)
	}
	return &task, nil
}

// TerminalResult is the outcome of a complete/fail/cancel transition.
type TerminalResult struct {
	Task      *Task
	NoOp      bool // task was already terminal; accepted as a no-op
}

// completeOrFail is shared by Complete and Fail: both transition from
// claimed|running to a terminal status, guarded by worker ownership, and
// both tolerate a task that is already cancelled (accepted as a no-op
// rather than an error.
func (s *Store) completeOrFail(ctx context.Context, taskID, workerID string, toStatus TaskStatus, errSummary *string) (*TerminalResult, error) {
	var task Task
	err := s.withRetry(ctx, "complete_or_fail_task", func(ctx context.Context) error {
		return s.pool.QueryRow(ctx, `
			UPDATE tasks
			SET status = $3, completed_at = now(), error_summary = $4
			WHERE id = $1 AND claimed_by_worker = $2 AND status IN ('claimed', 'running')
			RETURNING `+taskColumns, taskID, workerID, toStatus, errSummary,
		).Scan(taskScanTargets(&task)...)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		existing, getErr := s.GetTask(ctx, taskID)
		if getErr != nil {
			return nil, getErr
		}
		if existing.ClaimedBy == nil || *existing.ClaimedBy != workerID {
			return nil, apierr.Forbidden("task not claimed by this worker")
		}
		if existing.Status.IsTerminal() {
			return &TerminalResult{Task: existing, NoOp: true}, nil
		}
		return nil, apierr.Conflict("task not in a completable state")
	}
	if err != nil {
		return nil, apierr.StorageError("terminate task", err)
	}
	return &TerminalResult{Task: &task}, nil
}

// Complete transitions a task to completed.
func (s *Store) Complete(ctx context.Context, taskID, workerID string) (*TerminalResult, error) {
	return s.completeOrFail(ctx, taskID, workerID, TaskCompleted, nil)
}

// Fail transitions a task to failed with errSummary attached.
func (s *Store) Fail(ctx context.Context, taskID, workerID, errSummary string) (*TerminalResult, error) {
	return s.completeOrFail(ctx, taskID, workerID, TaskFailed, &errSummary)
}

// CancelTask transitions a task to cancelled from any non-terminal status.
func (s *Store) CancelTask(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	err := s.withRetry(ctx, "cancel_task", func(ctx context.Context) error {
		return s.pool.QueryRow(ctx, `
			UPDATE tasks
			SET status = 'cancelled', completed_at = now()
			WHERE id = $1 AND status IN ('pending', 'claimed', 'running')
			RETURNING `+taskColumns, taskID,
		).Scan(taskScanTargets(&task)...)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apierr.Conflict("task already terminal")
	}
	if err != nil {
		return nil, apierr.StorageError("cancel task", err)
	}
	return &task, nil
}

// AttachOutputComment links a comment to a task's output_comment_id.
func (s *Store) AttachOutputComment(ctx context.Context, taskID, commentID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE tasks SET output_comment_id = $2 WHERE id = $1`, taskID, commentID)
	if err != nil {
		return apierr.StorageError("attach output comment", err)
	}
	return nil
}

// LoopCount returns the number of prior tasks on (cardID, columnID), used
// by the automation engine's circuit breaker.
func (s *Store) LoopCount(ctx context.Context, cardID, columnID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM tasks WHERE card_id = $1 AND source_column_id = $2
	`, cardID, columnID).Scan(&count)
	if err != nil {
		return 0, apierr.StorageError("compute loop count", err)
	}
	return count, nil
}

// PendingGitlabPushExists reports whether a pending gitlab_push task already
// exists for cardID, used to dedup push-on-terminal chaining.
func (s *Store) PendingGitlabPushExists(ctx context.Context, cardID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM tasks
			WHERE card_id = $1 AND task_type = 'gitlab_push'
			AND status IN ('pending', 'claimed', 'running')
		)
	`, cardID).Scan(&exists)
	if err != nil {
		return false, apierr.StorageError("check pending gitlab push", err)
	}
	return exists, nil
}

// FailTasksForWorker marks every claimed/running task held by workerID as
// failed with errSummary, returning the affected tasks so the caller can run
// failure routing on each. Used by the registry sweeper when a worker goes
// offline.
func (s *Store) FailTasksForWorker(ctx context.Context, workerID, errSummary string) ([]*Task, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE tasks
		SET status = 'failed', error_summary = $2, completed_at = now()
		WHERE claimed_by_worker = $1 AND status IN ('claimed', 'running')
		RETURNING `+taskColumns, workerID, errSummary,
	)
	if err != nil {
		return nil, apierr.StorageError("fail tasks for worker", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(taskScanTargets(&t)...); err != nil {
			return nil, apierr.StorageError("scan task", err)
		}
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

// CancelledTaskIDs returns which of ids are currently status=cancelled, used
// by WorkerRegistry.Heartbeat to compute cancel_task_ids.
func (s *Store) CancelledTaskIDs(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM tasks WHERE id = ANY($1) AND status = 'cancelled'
	`, ids)
	if err != nil {
		return nil, apierr.StorageError("cancelled task ids", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apierr.StorageError("scan cancelled id", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
