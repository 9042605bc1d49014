package registry

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
		t.Skip("skipping registry test in short mode (requires Docker)")
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

func newTestRegistry(s *store.Store) *Registry {
	bus := eventbus.New()
	auto := automation.New(s, bus, zerolog.Nop())
	return New(s, bus, auto, zerolog.Nop())
}

func TestRegister_UpsertsByUserID(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	reg := newTestRegistry(s)

	w1, _, err := reg.Register(ctx, RegisterInput{UserID: "user-1", Hostname: "box-1", Version: "1.0.0"})
	require.NoError(t, err)

	w2, _, err := reg.Register(ctx, RegisterInput{UserID: "user-1", Hostname: "box-1-renamed", Version: "1.0.1"})
	require.NoError(t, err)

	assert.Equal(t, w1.ID, w2.ID, "re-registering the same user should not create a second row")

	all, err := reg.ListWorkers(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Equal(t, "box-1-renamed", all[0].Hostname)
}

func TestHeartbeat_ReturnsCancelledIntersection(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	reg := newTestRegistry(s)
	worker, _, err := reg.Register(ctx, RegisterInput{UserID: "user-1", Hostname: "box-1", Version: "1.0.0"})
	require.NoError(t, err)

	_, err = s.Pool().Exec(ctx, `INSERT INTO boards (id, name) VALUES ('board-1', 'Board')`)
	require.NoError(t, err)
	_, err = s.Pool().Exec(ctx, `
		INSERT INTO columns (id, board_id, name) VALUES ('col-1', 'board-1', 'Code')
	`)
	require.NoError(t, err)
	_, err = s.Pool().Exec(ctx, `
		INSERT INTO cards (id, column_id, board_id, title) VALUES ('card-1', 'col-1', 'board-1', 'x')
	`)
	require.NoError(t, err)

	running, err := s.CreateTask(ctx, store.CreateTaskInput{TaskType: store.TaskAgentRun, BoardID: "board-1", CardID: strPtr("card-1"), AssignedTo: "user-1"})
	require.NoError(t, err)
	stillPending, err := s.CreateTask(ctx, store.CreateTaskInput{TaskType: store.TaskAgentRun, BoardID: "board-1", CardID: strPtr("card-1"), AssignedTo: "user-1"})
	require.NoError(t, err)

	_, err = s.ClaimTask(ctx, running.ID, worker.ID)
	require.NoError(t, err)
	_, err = s.CancelTask(ctx, running.ID)
	require.NoError(t, err)

	directives, err := reg.Heartbeat(ctx, worker.ID, "user-1", []string{running.ID, stillPending.ID}, 0.5)
	require.NoError(t, err)
	assert.Equal(t, []string{running.ID}, directives.CancelTaskIDs)
}

func TestSweeper_OfflineWorkerFailsHeldTasks(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	reg := newTestRegistry(s)

	_, err := s.Pool().Exec(ctx, `INSERT INTO boards (id, name) VALUES ('board-1', 'Board')`)
	require.NoError(t, err)
	_, err = s.Pool().Exec(ctx, `
		INSERT INTO columns (id, board_id, name, on_failure_column_id) VALUES ('col-1', 'board-1', 'Code', 'col-2')
	`)
	require.NoError(t, err)
	_, err = s.Pool().Exec(ctx, `
		INSERT INTO columns (id, board_id, name) VALUES ('col-2', 'board-1', 'Failed')
	`)
	require.NoError(t, err)
	_, err = s.Pool().Exec(ctx, `
		INSERT INTO cards (id, column_id, board_id, title) VALUES ('card-1', 'col-1', 'board-1', 'x')
	`)
	require.NoError(t, err)

	_, err = s.Pool().Exec(ctx, `
		INSERT INTO workers (id, user_id, status, last_heartbeat) VALUES ('w1', 'user-1', 'online', now() - interval '301 seconds')
	`)
	require.NoError(t, err)

	sourceCol := "col-1"
	failureCol := "col-2"
	task, err := s.CreateTask(ctx, store.CreateTaskInput{
		TaskType: store.TaskAgentRun, BoardID: "board-1", CardID: strPtr("card-1"), AssignedTo: "user-1",
		SourceColumnID: &sourceCol, FailureColumnID: &failureCol,
	})
	require.NoError(t, err)
	_, err = s.ClaimTask(ctx, task.ID, "w1")
	require.NoError(t, err)
	_, err = s.Progress(ctx, task.ID, "w1")
	require.NoError(t, err)

	sweeper := NewSweeper(reg, time.Minute, 90*time.Second, 300*time.Second)
	err = sweeper.Sweep(ctx)
	require.NoError(t, err)

	worker, err := s.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, store.WorkerOffline, worker.Status)

	failed, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskFailed, failed.Status)
	require.NotNil(t, failed.ErrorSummary)
	assert.Equal(t, "worker offline", *failed.ErrorSummary)

	card, err := s.GetCard(ctx, "card-1")
	require.NoError(t, err)
	assert.Equal(t, "col-2", card.ColumnID, "failure routing should move the card to the failure column")
}

func strPtr(s string) *string { return &s }
