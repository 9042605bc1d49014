package automation

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

	"github.com/kira-kanban/dispatch-core/internal/eventbus"
	"github.com/kira-kanban/dispatch-core/internal/store"
)

// fakeTaskFactory records every task the engine asks it to create and hands
// back a real row via an embedded Store, avoiding a second import of tasksvc
// (which itself imports automation).
type fakeTaskFactory struct {
	store   *store.Store
	created []*store.Task
}

func (f *fakeTaskFactory) CreateAutomationTask(ctx context.Context, in store.CreateTaskInput) (*store.Task, error) {
	task, err := f.store.CreateTask(ctx, in)
	if err != nil {
		return nil, err
	}
	f.created = append(f.created, task)
	return task, nil
}

func setupTestDB(t *testing.T) (*store.Store, func()) {
	if testing.Short() {
		t.Skip("skipping automation test in short mode (requires Docker)")
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

func seedBoard(t *testing.T, s *store.Store, boardID string) {
	ctx := context.Background()
	_, err := s.Pool().Exec(ctx, `INSERT INTO boards (id, name) VALUES ($1, 'Board')`, boardID)
	require.NoError(t, err)
}

func seedColumn(t *testing.T, s *store.Store, in struct {
	ID, BoardID, Name, AgentType, PromptTemplate, OnSuccess, OnFailure string
	AutoRun                                                            bool
	MaxLoop                                                            int
}) {
	ctx := context.Background()
	_, err := s.Pool().Exec(ctx, `
		INSERT INTO columns (id, board_id, name, auto_run, agent_type, prompt_template, on_success_column_id, on_failure_column_id, max_loop_count)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, in.ID, in.BoardID, in.Name, in.AutoRun, in.AgentType, in.PromptTemplate, in.OnSuccess, in.OnFailure, in.MaxLoop)
	require.NoError(t, err)
}

func seedCard(t *testing.T, s *store.Store, id, boardID, columnID, title, description string) *store.Card {
	ctx := context.Background()
	_, err := s.Pool().Exec(ctx, `
		INSERT INTO cards (id, column_id, board_id, title, description)
		VALUES ($1,$2,$3,$4,$5)
	`, id, columnID, boardID, title, description)
	require.NoError(t, err)
	card, err := s.GetCard(ctx, id)
	require.NoError(t, err)
	return card
}

func newTestEngine(s *store.Store) (*Engine, *fakeTaskFactory) {
	bus := eventbus.New()
	eng := New(s, bus, zerolog.Nop())
	factory := &fakeTaskFactory{store: s}
	eng.SetTaskFactory(factory)
	return eng, factory
}

func TestMaybeTriggerOnMove_HappyPath(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	seedBoard(t, s, "board-1")
	seedColumn(t, s, struct {
		ID, BoardID, Name, AgentType, PromptTemplate, OnSuccess, OnFailure string
		AutoRun                                                            bool
		MaxLoop                                                            int
	}{"col-plan", "board-1", "Plan", "architect", "", "col-done", "", 3})
	seedColumn(t, s, struct {
		ID, BoardID, Name, AgentType, PromptTemplate, OnSuccess, OnFailure string
		AutoRun                                                            bool
		MaxLoop                                                            int
	}{"col-done", "board-1", "Done", "", "", "", "", 3})
	seedCard(t, s, "card-1", "board-1", "col-plan", "Design login", "OAuth2")

	eng, factory := newTestEngine(s)

	task, err := eng.MaybeTriggerOnMove(ctx, "card-1", "col-plan", "user-1")
	require.NoError(t, err)
	require.NotNil(t, task)
	require.Len(t, factory.created, 1)

	assert.Contains(t, task.PromptText, "Design login")
	assert.Contains(t, task.PromptText, "OAuth2")
	assert.Equal(t, "col-done", *task.TargetColumnID)
	assert.Nil(t, task.FailureColumnID)

	card, err := s.GetCard(ctx, "card-1")
	require.NoError(t, err)
	assert.Equal(t, store.AgentStatusPending, card.AgentStatus)
}

func TestMaybeTriggerOnMove_NotAutoRun(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	seedBoard(t, s, "board-1")
	seedColumn(t, s, struct {
		ID, BoardID, Name, AgentType, PromptTemplate, OnSuccess, OnFailure string
		AutoRun                                                            bool
		MaxLoop                                                            int
	}{"col-backlog", "board-1", "Backlog", "", "", "", "", 3})
	seedCard(t, s, "card-1", "board-1", "col-backlog", "Idea", "")

	eng, factory := newTestEngine(s)
	task, err := eng.MaybeTriggerOnMove(ctx, "card-1", "col-backlog", "user-1")
	require.NoError(t, err)
	assert.Nil(t, task)
	assert.Empty(t, factory.created)
}

func TestMaybeTriggerOnMove_LoopBoundReached(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	seedBoard(t, s, "board-1")
	colSpec := struct {
		ID, BoardID, Name, AgentType, PromptTemplate, OnSuccess, OnFailure string
		AutoRun                                                            bool
		MaxLoop                                                            int
	}{"col-code", "board-1", "Code", "coder", "", "", "", 3}
	seedColumn(t, s, colSpec)
	card := seedCard(t, s, "card-1", "board-1", "col-code", "Feature", "")

	eng, _ := newTestEngine(s)

	// Simulate 3 prior attempts by inserting tasks directly (LoopCount counts
	// tasks on the card and column whatever their status).
	for i := 0; i < 3; i++ {
		_, err := s.CreateTask(ctx, store.CreateTaskInput{
			TaskType:       store.TaskAgentRun,
			BoardID:        "board-1",
			CardID:         &card.ID,
			AssignedTo:     "user-1",
			SourceColumnID: &colSpec.ID,
			MaxLoopCount:   3,
		})
		require.NoError(t, err)
	}

	task, err := eng.MaybeTriggerOnMove(ctx, "card-1", "col-code", "user-1")
	require.NoError(t, err)
	assert.Nil(t, task, "loop bound reached, no new task should be created")

	refreshed, err := s.GetCard(ctx, "card-1")
	require.NoError(t, err)
	assert.Equal(t, store.AgentStatusNone, refreshed.AgentStatus, "card unlocked for manual intervention")
}

func TestOnTerminal_SuccessMovesCardAndChains(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	seedBoard(t, s, "board-1")
	seedColumn(t, s, struct {
		ID, BoardID, Name, AgentType, PromptTemplate, OnSuccess, OnFailure string
		AutoRun                                                            bool
		MaxLoop                                                            int
	}{"col-code", "board-1", "Code", "coder", "", "col-review", "", 3})
	seedColumn(t, s, struct {
		ID, BoardID, Name, AgentType, PromptTemplate, OnSuccess, OnFailure string
		AutoRun                                                            bool
		MaxLoop                                                            int
	}{"col-review", "board-1", "Review", "reviewer", "", "col-done", "col-code", 3})
	seedColumn(t, s, struct {
		ID, BoardID, Name, AgentType, PromptTemplate, OnSuccess, OnFailure string
		AutoRun                                                            bool
		MaxLoop                                                            int
	}{"col-done", "board-1", "Done", "", "", "", "", 3})
	card := seedCard(t, s, "card-1", "board-1", "col-code", "Feature", "")

	eng, factory := newTestEngine(s)

	sourceCol := "col-code"
	targetCol := "col-review"
	task, err := s.CreateTask(ctx, store.CreateTaskInput{
		TaskType:       store.TaskAgentRun,
		BoardID:        "board-1",
		CardID:         &card.ID,
		AssignedTo:     "user-1",
		SourceColumnID: &sourceCol,
		TargetColumnID: &targetCol,
	})
	require.NoError(t, err)

	err = eng.OnTerminal(ctx, task, OutcomeSuccess)
	require.NoError(t, err)

	moved, err := s.GetCard(ctx, "card-1")
	require.NoError(t, err)
	assert.Equal(t, "col-review", moved.ColumnID)

	// Review is auto_run, so a chained agent_run task should now exist.
	require.Len(t, factory.created, 1)
	assert.Equal(t, "col-review", *factory.created[0].SourceColumnID)
}

func TestOnTerminal_OutOfBandMoveSkipsRouting(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	seedBoard(t, s, "board-1")
	seedColumn(t, s, struct {
		ID, BoardID, Name, AgentType, PromptTemplate, OnSuccess, OnFailure string
		AutoRun                                                            bool
		MaxLoop                                                            int
	}{"col-code", "board-1", "Code", "coder", "", "col-review", "", 3})
	seedColumn(t, s, struct {
		ID, BoardID, Name, AgentType, PromptTemplate, OnSuccess, OnFailure string
		AutoRun                                                            bool
		MaxLoop                                                            int
	}{"col-done", "board-1", "Done", "", "", "", "", 3})
	card := seedCard(t, s, "card-1", "board-1", "col-code", "Feature", "")

	sourceCol := "col-code"
	targetCol := "col-review"
	task, err := s.CreateTask(ctx, store.CreateTaskInput{
		TaskType:       store.TaskAgentRun,
		BoardID:        "board-1",
		CardID:         &card.ID,
		AssignedTo:     "user-1",
		SourceColumnID: &sourceCol,
		TargetColumnID: &targetCol,
	})
	require.NoError(t, err)

	// User manually moves the card out from under the running task.
	moved, err := s.MoveCard(ctx, "card-1", "col-done", card.Version)
	require.NoError(t, err)
	assert.Equal(t, "col-done", moved.ColumnID)

	eng, factory := newTestEngine(s)
	err = eng.OnTerminal(ctx, task, OutcomeSuccess)
	require.NoError(t, err)

	final, err := s.GetCard(ctx, "card-1")
	require.NoError(t, err)
	assert.Equal(t, "col-done", final.ColumnID, "card must stay where the human moved it")
	assert.Empty(t, factory.created, "no chained automation should fire on a stale task")
}

func TestOnTerminal_NilSourceColumnIDIsNotOutOfBand(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	seedBoard(t, s, "board-1")
	seedColumn(t, s, struct {
		ID, BoardID, Name, AgentType, PromptTemplate, OnSuccess, OnFailure string
		AutoRun                                                            bool
		MaxLoop                                                            int
	}{"col-done", "board-1", "Done", "", "", "", "", 3})
	card := seedCard(t, s, "card-1", "board-1", "col-done", "Feature", "")

	bus := eventbus.New()
	eng := New(s, bus, zerolog.Nop())
	factory := &fakeTaskFactory{store: s}
	eng.SetTaskFactory(factory)

	_, stream := bus.Subscribe("board:board-1")

	// Mirrors a chained gitlab_push task: no column routing was ever set up
	// for it, so it must not be treated as a card that moved out of band.
	task, err := s.CreateTask(ctx, store.CreateTaskInput{
		TaskType:   store.TaskGitlabPush,
		BoardID:    "board-1",
		CardID:     &card.ID,
		AssignedTo: "user-1",
		AgentType:  "gitlab",
	})
	require.NoError(t, err)

	err = eng.OnTerminal(ctx, task, OutcomeSuccess)
	require.NoError(t, err)

	select {
	case ev := <-stream:
		t.Fatalf("expected no event for an unrouted task, got %q", ev.Type)
	default:
	}
	assert.Empty(t, factory.created)
}

func TestIsRejection(t *testing.T) {
	cases := []struct {
		name string
		text string
		want bool
	}{
		{"plain rejected", "REJECTED\nmissing tests", true},
		{"lowercase", "rejected: missing tests", true},
		{"prefixed status token", "Review result: REJECTED", true},
		{"failed keyword", "FAILED to compile", true},
		{"approved", "APPROVED, looks good", false},
		{"mentions rejected later, not first line", "Looks fine.\nREJECTED mentioned here", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRejection(tc.text))
		})
	}
}
