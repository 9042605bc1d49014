package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/kira-kanban/dispatch-core/internal/apierr"
)

// setupStoreTestDB spins up a throwaway Postgres container and applies Schema.
func setupStoreTestDB(t *testing.T) (*Store, func()) {
	if testing.Short() {
		t.Skip("skipping store test in short mode (requires Docker)")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err, "failed to start postgres container")

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	cfg, err := pgxpool.ParseConfig(connStr)
	require.NoError(t, err)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	require.NoError(t, err)

	_, err = pool.Exec(ctx, Schema)
	require.NoError(t, err, "failed to apply schema")

	cleanup := func() {
		pool.Close()
		testcontainers.TerminateContainer(container)
	}

	return New(pool), cleanup
}

func seedBoardCardColumn(t *testing.T, s *Store) (boardID, columnID, cardID string) {
	ctx := context.Background()
	boardID = "board-1"
	columnID = "col-1"
	cardID = "card-1"

	_, err := s.pool.Exec(ctx, `INSERT INTO boards (id, name) VALUES ($1, 'Board')`, boardID)
	require.NoError(t, err)

	_, err = s.pool.Exec(ctx, `
		INSERT INTO columns (id, board_id, name, auto_run, agent_type, on_success_column_id, on_failure_column_id, max_loop_count)
		VALUES ($1, $2, 'Code', true, 'coder', '', '', 3)
	`, columnID, boardID)
	require.NoError(t, err)

	_, err = s.pool.Exec(ctx, `
		INSERT INTO cards (id, column_id, board_id, title, description)
		VALUES ($1, $2, $3, 'Design login', 'OAuth2')
	`, cardID, columnID, boardID)
	require.NoError(t, err)

	return boardID, columnID, cardID
}

func TestClaimTask_OnlyOneWinner(t *testing.T) {
	s, cleanup := setupStoreTestDB(t)
	defer cleanup()

	ctx := context.Background()
	boardID, columnID, cardID := seedBoardCardColumn(t, s)

	task, err := s.CreateTask(ctx, CreateTaskInput{
		TaskType:       TaskAgentRun,
		BoardID:        boardID,
		CardID:         &cardID,
		AssignedTo:     "user-1",
		SourceColumnID: &columnID,
		MaxLoopCount:   3,
	})
	require.NoError(t, err)

	results := make(chan error, 2)
	claim := func(workerID string) {
		_, err := s.ClaimTask(ctx, task.ID, workerID)
		results <- err
	}

	go claim("worker-a")
	go claim("worker-b")

	var nilCount, conflictCount int
	for i := 0; i < 2; i++ {
		err := <-results
		if err == nil {
			nilCount++
		} else if apierr.Is(err, apierr.KindConflict) {
			conflictCount++
		}
	}

	assert.Equal(t, 1, nilCount, "exactly one claim should succeed")
	assert.Equal(t, 1, conflictCount, "exactly one claim should conflict")

	final, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskClaimed, final.Status)
}

func TestTaskTransitions_FollowDAG(t *testing.T) {
	s, cleanup := setupStoreTestDB(t)
	defer cleanup()

	ctx := context.Background()
	boardID, columnID, cardID := seedBoardCardColumn(t, s)

	task, err := s.CreateTask(ctx, CreateTaskInput{
		TaskType:       TaskAgentRun,
		BoardID:        boardID,
		CardID:         &cardID,
		AssignedTo:     "user-1",
		SourceColumnID: &columnID,
	})
	require.NoError(t, err)
	assert.Equal(t, TaskPending, task.Status)

	claimed, err := s.ClaimTask(ctx, task.ID, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, TaskClaimed, claimed.Status)

	running, err := s.Progress(ctx, task.ID, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, TaskRunning, running.Status)
	require.NotNil(t, running.StartedAt)
	startedAt := *running.StartedAt

	// Repeated progress is idempotent: started_at does not move.
	again, err := s.Progress(ctx, task.ID, "worker-1")
	require.NoError(t, err)
	assert.True(t, startedAt.Equal(*again.StartedAt))

	result, err := s.Complete(ctx, task.ID, "worker-1")
	require.NoError(t, err)
	assert.False(t, result.NoOp)
	assert.Equal(t, TaskCompleted, result.Task.Status)

	// complete on an already-terminal task is a no-op, not an error.
	result2, err := s.Complete(ctx, task.ID, "worker-1")
	require.NoError(t, err)
	assert.True(t, result2.NoOp)
	assert.Equal(t, TaskCompleted, result2.Task.Status)
}

func TestCancelTask_ThenCompleteIsNoOp(t *testing.T) {
	s, cleanup := setupStoreTestDB(t)
	defer cleanup()

	ctx := context.Background()
	boardID, columnID, cardID := seedBoardCardColumn(t, s)

	task, err := s.CreateTask(ctx, CreateTaskInput{
		TaskType:       TaskAgentRun,
		BoardID:        boardID,
		CardID:         &cardID,
		AssignedTo:     "user-1",
		SourceColumnID: &columnID,
	})
	require.NoError(t, err)

	_, err = s.ClaimTask(ctx, task.ID, "worker-1")
	require.NoError(t, err)

	cancelled, err := s.CancelTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskCancelled, cancelled.Status)

	result, err := s.Complete(ctx, task.ID, "worker-1")
	require.NoError(t, err)
	assert.True(t, result.NoOp)
	assert.Equal(t, TaskCancelled, result.Task.Status)
}

func TestMoveCard_OptimisticVersionConflict(t *testing.T) {
	s, cleanup := setupStoreTestDB(t)
	defer cleanup()

	ctx := context.Background()
	_, columnID, cardID := seedBoardCardColumn(t, s)

	card, err := s.GetCard(ctx, cardID)
	require.NoError(t, err)
	assert.Equal(t, 0, card.Version)

	moved, err := s.MoveCard(ctx, cardID, columnID, card.Version)
	require.NoError(t, err)
	assert.Equal(t, 1, moved.Version)

	// Stale version (caller read before the move above) must conflict.
	_, err = s.MoveCard(ctx, cardID, columnID, card.Version)
	assert.True(t, apierr.Is(err, apierr.KindConflict))
}

func TestSweepLiveness_StaleThenOffline(t *testing.T) {
	s, cleanup := setupStoreTestDB(t)
	defer cleanup()

	ctx := context.Background()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workers (id, user_id, status, last_heartbeat)
		VALUES ('w1', 'u1', 'online', now() - interval '91 seconds')
	`)
	require.NoError(t, err)

	result, err := s.SweepLiveness(ctx, 90*time.Second, 300*time.Second)
	require.NoError(t, err)
	require.Len(t, result.NewlyStale, 1)
	assert.Equal(t, "w1", result.NewlyStale[0].ID)
	assert.Empty(t, result.NewlyOffline)

	_, err = s.pool.Exec(ctx, `UPDATE workers SET last_heartbeat = now() - interval '301 seconds' WHERE id = 'w1'`)
	require.NoError(t, err)

	result2, err := s.SweepLiveness(ctx, 90*time.Second, 300*time.Second)
	require.NoError(t, err)
	require.Len(t, result2.NewlyOffline, 1)
	assert.Equal(t, "w1", result2.NewlyOffline[0].ID)
}
