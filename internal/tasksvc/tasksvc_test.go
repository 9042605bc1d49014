package tasksvc

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/kira-kanban/dispatch-core/internal/automation"
	"github.com/kira-kanban/dispatch-core/internal/eventbus"
	"github.com/kira-kanban/dispatch-core/internal/store"
)

func setupTestDB(t *testing.T) (*store.Store, func()) {
	if testing.Short() {
		t.Skip("skipping tasksvc test in short mode (requires Docker)")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:16-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)

	_, err = pool.Exec(ctx, store.Schema)
	require.NoError(t, err)

	cleanup := func() {
		pool.Close()
		testcontainers.TerminateContainer(container)
	}
	return store.New(pool), cleanup
}

func seedBoardColumnCard(t *testing.T, s *store.Store) (boardID, columnID, cardID string) {
	ctx := context.Background()
	boardID, columnID, cardID = "board-1", "col-review", "card-1"

	_, err := s.Pool().Exec(ctx, `INSERT INTO boards (id, name) VALUES ($1, 'Board')`, boardID)
	require.NoError(t, err)
	_, err = s.Pool().Exec(ctx, `
		INSERT INTO columns (id, board_id, name, auto_run, agent_type, on_success_column_id, on_failure_column_id, max_loop_count)
		VALUES ($1, $2, 'Review', true, 'reviewer', 'col-done', 'col-code', 3)
	`, columnID, boardID)
	require.NoError(t, err)
	_, err = s.Pool().Exec(ctx, `
		INSERT INTO columns (id, board_id, name, auto_run, agent_type, on_success_column_id, on_failure_column_id, max_loop_count)
		VALUES ('col-done', $1, 'Done', false, '', '', '', 3)
	`, boardID)
	require.NoError(t, err)
	_, err = s.Pool().Exec(ctx, `
		INSERT INTO columns (id, board_id, name, auto_run, agent_type, on_success_column_id, on_failure_column_id, max_loop_count)
		VALUES ('col-code', $1, 'Code', false, '', '', '', 3)
	`, boardID)
	require.NoError(t, err)
	_, err = s.Pool().Exec(ctx, `
		INSERT INTO cards (id, column_id, board_id, title, description)
		VALUES ($1, $2, $3, 'Design login', 'OAuth2')
	`, cardID, columnID, boardID)
	require.NoError(t, err)

	return boardID, columnID, cardID
}

func newTestService(s *store.Store) *Service {
	bus := eventbus.New()
	auto := automation.New(s, bus, zerolog.Nop())
	return New(s, bus, auto, zerolog.Nop())
}

func TestCreateAndPollAndClaim(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	boardID, columnID, cardID := seedBoardColumnCard(t, s)

	svc := newTestService(s)

	task, err := svc.Create(ctx, store.CreateTaskInput{
		TaskType:       store.TaskAgentRun,
		BoardID:        boardID,
		CardID:         &cardID,
		AssignedTo:     "user-1",
		SourceColumnID: &columnID,
	})
	require.NoError(t, err)
	assert.Equal(t, store.TaskPending, task.Status)

	polled, err := svc.Poll(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, polled, 1)
	assert.Equal(t, task.ID, polled[0].ID)

	claimed, err := svc.Claim(ctx, task.ID, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskClaimed, claimed.Status)

	// Once claimed, a second poll should not return it again.
	polledAgain, err := svc.Poll(ctx, "user-1", 10)
	require.NoError(t, err)
	assert.Empty(t, polledAgain)
}

func TestComplete_AttachesCommentAndRoutesSuccess(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	boardID, columnID, cardID := seedBoardColumnCard(t, s)

	svc := newTestService(s)

	task, err := svc.Create(ctx, store.CreateTaskInput{
		TaskType:       store.TaskAgentRun,
		BoardID:        boardID,
		CardID:         &cardID,
		AssignedTo:     "user-1",
		SourceColumnID: &columnID,
		TargetColumnID: strPtr("col-done"),
	})
	require.NoError(t, err)

	_, err = svc.Claim(ctx, task.ID, "worker-1")
	require.NoError(t, err)

	_, err = svc.Progress(ctx, task.ID, "worker-1", "starting review")
	require.NoError(t, err)

	completed, err := svc.Complete(ctx, task.ID, "worker-1", "Use OIDC+PKCE")
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, completed.Status)
	require.NotNil(t, completed.OutputCommentID)

	card, err := s.GetCard(ctx, cardID)
	require.NoError(t, err)
	assert.Equal(t, "col-done", card.ColumnID)
	assert.Equal(t, store.AgentStatusCompleted, card.AgentStatus)

	comments, err := s.AllComments(ctx, cardID)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.True(t, comments[0].IsAgentOutput)
	assert.Equal(t, "Use OIDC+PKCE", comments[0].Content)
}

func TestComplete_RejectedOutputRoutesAsFailure(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	boardID, columnID, cardID := seedBoardColumnCard(t, s)

	svc := newTestService(s)

	task, err := svc.Create(ctx, store.CreateTaskInput{
		TaskType:       store.TaskAgentRun,
		BoardID:        boardID,
		CardID:         &cardID,
		AssignedTo:      "user-1",
		SourceColumnID:  &columnID,
		TargetColumnID:  strPtr("col-done"),
		FailureColumnID: strPtr("col-code"),
	})
	require.NoError(t, err)

	_, err = svc.Claim(ctx, task.ID, "worker-1")
	require.NoError(t, err)

	// Worker calls Complete, but the output reads as a rejection.
	result, err := svc.Complete(ctx, task.ID, "worker-1", "REJECTED: missing tests")
	require.NoError(t, err)
	assert.Equal(t, store.TaskFailed, result.Status)

	card, err := s.GetCard(ctx, cardID)
	require.NoError(t, err)
	assert.Equal(t, "col-code", card.ColumnID, "rejection should route through the failure column")
}

func TestFail_WorkerMismatchIsForbidden(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	boardID, columnID, cardID := seedBoardColumnCard(t, s)

	svc := newTestService(s)

	task, err := svc.Create(ctx, store.CreateTaskInput{
		TaskType:       store.TaskAgentRun,
		BoardID:        boardID,
		CardID:         &cardID,
		AssignedTo:     "user-1",
		SourceColumnID: &columnID,
	})
	require.NoError(t, err)

	_, err = svc.Claim(ctx, task.ID, "worker-1")
	require.NoError(t, err)

	_, err = svc.Fail(ctx, task.ID, "worker-2", "boom", "")
	assert.Error(t, err)
}

func strPtr(s string) *string { return &s }
