// Package tasksvc implements TaskService: task creation, listing,
// cancellation, atomic claim, progress/completion/failure transitions, and
// the chaining behaviors layered on top of a terminal transition (GitLab
// push, board_plan → card_gen).
package tasksvc

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/kira-kanban/dispatch-core/internal/apierr"
	"github.com/kira-kanban/dispatch-core/internal/automation"
	"github.com/kira-kanban/dispatch-core/internal/eventbus"
	"github.com/kira-kanban/dispatch-core/internal/metrics"
	"github.com/kira-kanban/dispatch-core/internal/store"
)

// Service is the TaskService component. It owns the terminal-transition
// side effects (comment creation, card.agent_status, chaining) that the
// Store itself has no opinion on.
type Service struct {
	store   *store.Store
	bus     *eventbus.Bus
	auto    *automation.Engine
	log     zerolog.Logger
	metrics *metrics.Recorder
}

// New constructs a Service and wires it into auto as its TaskFactory,
// closing the automation↔tasksvc construction cycle.
func New(s *store.Store, bus *eventbus.Bus, auto *automation.Engine, log zerolog.Logger) *Service {
	svc := &Service{store: s, bus: bus, auto: auto, log: log.With().Str("component", "tasksvc").Logger(), metrics: metrics.NewRecorder()}
	auto.SetTaskFactory(svc)
	return svc
}

// CreateAutomationTask implements automation.TaskFactory, letting the engine
// create a follow-up task without tasksvc importing automation's internals.
func (s *Service) CreateAutomationTask(ctx context.Context, in store.CreateTaskInput) (*store.Task, error) {
	return s.create(ctx, in)
}

func (s *Service) create(ctx context.Context, in store.CreateTaskInput) (*store.Task, error) {
	task, err := s.store.CreateTask(ctx, in)
	if err != nil {
		return nil, err
	}
	s.bus.Publish("board:"+task.BoardID, eventbus.Event{Type: "task_created", Payload: task})
	return task, nil
}

// Create is the user/integration-facing entry point for task creation.
func (s *Service) Create(ctx context.Context, in store.CreateTaskInput) (*store.Task, error) {
	return s.create(ctx, in)
}

// List returns tasks matching filter.
func (s *Service) List(ctx context.Context, filter store.TaskFilter) ([]*store.Task, error) {
	return s.store.ListTasks(ctx, filter)
}

// Poll returns pending tasks assigned to userID, for the worker poll loop.
func (s *Service) Poll(ctx context.Context, userID string, limit int) ([]*store.Task, error) {
	tasks, err := s.store.PollTasks(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	byType := make(map[store.TaskType]int)
	for _, t := range tasks {
		byType[t.TaskType]++
	}
	for taskType, count := range byType {
		s.metrics.RecordQueueDepth(string(taskType), count)
	}
	return tasks, nil
}

// Cancel transitions task_id to cancelled. Allowed from pending, claimed, or
// running; the worker learns through its next heartbeat.
func (s *Service) Cancel(ctx context.Context, taskID string) (*store.Task, error) {
	task, err := s.store.CancelTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	s.bus.Publish("board:"+task.BoardID, eventbus.Event{Type: "task_cancelled", Payload: task})
	return task, nil
}

// Claim delegates to the Store's atomic single-winner claim.
func (s *Service) Claim(ctx context.Context, taskID, workerID string) (*store.Task, error) {
	task, err := s.store.ClaimTask(ctx, taskID, workerID)
	if err != nil {
		return nil, err
	}
	s.bus.Publish("board:"+task.BoardID, eventbus.Event{Type: "task_claimed", Payload: task})
	return task, nil
}

// Progress marks a claimed task running and mirrors the transition onto the
// card's agent_status. Idempotent: repeated calls while already running
// succeed without effect.
func (s *Service) Progress(ctx context.Context, taskID, workerID, text string) (*store.Task, error) {
	task, err := s.store.Progress(ctx, taskID, workerID)
	if err != nil {
		return nil, err
	}

	if task.CardID != nil {
		if card, cerr := s.store.GetCard(ctx, *task.CardID); cerr == nil {
			if _, serr := s.store.SetAgentStatus(ctx, card.ID, store.AgentStatusRunning, card.Version); serr != nil && !apierr.Is(serr, apierr.KindConflict) {
				s.log.Warn().Err(serr).Str("task_id", taskID).Msg("failed to mirror running status onto card")
			}
		}
	}

	s.bus.Publish("board:"+task.BoardID, eventbus.Event{
		Type:    "task_progress",
		Payload: map[string]any{"task_id": task.ID, "text": text},
	})
	return task, nil
}

// Complete transitions task_id to completed, attaches output_text as an
// agent comment, updates the card, and hands off to AutomationEngine for
// success routing — unless output_text's first line reads as a rejection,
// in which case this delegates to Fail instead.
func (s *Service) Complete(ctx context.Context, taskID, workerID, outputText string) (*store.Task, error) {
	if automation.IsRejection(outputText) {
		return s.Fail(ctx, taskID, workerID, "agent output reinterpreted as rejection", outputText)
	}

	result, err := s.store.Complete(ctx, taskID, workerID)
	if err != nil {
		return nil, err
	}
	task := result.Task

	if result.NoOp {
		return task, nil
	}

	if err := s.attachOutput(ctx, task, outputText, store.AgentStatusCompleted); err != nil {
		s.log.Warn().Err(err).Str("task_id", taskID).Msg("failed to attach completion comment")
	}

	s.bus.Publish("board:"+task.BoardID, eventbus.Event{Type: "task_completed", Payload: task})

	if s.auto != nil {
		if err := s.auto.OnTerminal(ctx, task, automation.OutcomeSuccess); err != nil {
			s.log.Error().Err(err).Str("task_id", taskID).Msg("success routing failed")
		}
	}

	if err := s.chainAfterCompletion(ctx, task); err != nil {
		s.log.Error().Err(err).Str("task_id", taskID).Msg("post-completion chaining failed")
	}

	return task, nil
}

// Fail transitions task_id to failed with errSummary, symmetric with
// Complete: if outputText is non-empty it is still attached as a comment,
// then failure routing runs.
func (s *Service) Fail(ctx context.Context, taskID, workerID, errSummary, outputText string) (*store.Task, error) {
	result, err := s.store.Fail(ctx, taskID, workerID, errSummary)
	if err != nil {
		return nil, err
	}
	task := result.Task

	if result.NoOp {
		return task, nil
	}

	if outputText != "" {
		if err := s.attachOutput(ctx, task, outputText, store.AgentStatusFailed); err != nil {
			s.log.Warn().Err(err).Str("task_id", taskID).Msg("failed to attach failure comment")
		}
	} else if task.CardID != nil {
		if card, cerr := s.store.GetCard(ctx, *task.CardID); cerr == nil {
			if _, serr := s.store.SetAgentStatus(ctx, card.ID, store.AgentStatusFailed, card.Version); serr != nil && !apierr.Is(serr, apierr.KindConflict) {
				s.log.Warn().Err(serr).Str("task_id", taskID).Msg("failed to mirror failed status onto card")
			}
		}
	}

	s.bus.Publish("board:"+task.BoardID, eventbus.Event{Type: "task_failed", Payload: task})

	if s.auto != nil {
		if err := s.auto.OnTerminal(ctx, task, automation.OutcomeFailure); err != nil {
			s.log.Error().Err(err).Str("task_id", taskID).Msg("failure routing failed")
		}
	}

	return task, nil
}

// attachOutput creates an agent-output comment, attaches it to the task, and
// mirrors status onto the card, all best-effort against the card's current
// version (a lost optimistic race here is not worth failing the task over).
func (s *Service) attachOutput(ctx context.Context, task *store.Task, outputText string, cardStatus store.AgentStatus) error {
	if task.CardID == nil {
		return nil
	}

	comment, err := s.store.CreateComment(ctx, *task.CardID, task.AssignedTo, outputText, true)
	if err != nil {
		return err
	}
	if err := s.store.AttachOutputComment(ctx, task.ID, comment.ID); err != nil {
		return err
	}
	task.OutputCommentID = &comment.ID

	card, err := s.store.GetCard(ctx, *task.CardID)
	if err != nil {
		return err
	}
	if _, err := s.store.SetAgentStatus(ctx, card.ID, cardStatus, card.Version); err != nil && !apierr.Is(err, apierr.KindConflict) {
		return err
	}
	return nil
}

// boardPlanPayload is the subset of a board_plan task's payload this
// service reads to decide on card_gen chaining.
type boardPlanPayload struct {
	AutoGenerateCards bool `json:"auto_generate_cards"`
}

// gitlabPushPayload is the payload carried on a chained gitlab_push task.
type gitlabPushPayload struct {
	ProjectID     string `json:"project_id"`
	ProjectPath   string `json:"project_path"`
	DefaultBranch string `json:"default_branch"`
	MRPrefix      string `json:"mr_prefix"`
	CreateMR      bool   `json:"create_mr"`
}

// chainAfterCompletion implements the [SUPPLEMENT] chaining behaviors:
// coder-completion GitLab auto-push, push-on-terminal-column chaining, and
// board_plan → card_gen.
func (s *Service) chainAfterCompletion(ctx context.Context, task *store.Task) error {
	switch task.TaskType {
	case store.TaskAgentRun:
		return s.chainGitlabPush(ctx, task)
	case store.TaskBoardPlan:
		return s.chainCardGen(ctx, task)
	default:
		return nil
	}
}

func (s *Service) chainGitlabPush(ctx context.Context, task *store.Task) error {
	if task.CardID == nil {
		return nil
	}

	settings, err := s.store.BoardGitlabSettingsFor(ctx, task.BoardID)
	if err != nil {
		if apierr.Is(err, apierr.KindNotFound) {
			return nil
		}
		return err
	}
	if settings.ProjectID == "" || (!settings.AutoPush && !settings.PushOnComplete) {
		return nil
	}

	// AutoPush fires on every coder completion regardless of where routing
	// lands the card. PushOnComplete only fires once routing has settled the
	// card in a terminal column (no further automation queued behind it),
	// otherwise a loop-back like Review->Code would push on every iteration.
	coderAutoPush := settings.AutoPush && task.AgentType == "coder"
	pushOnTerminalColumn := false
	if settings.PushOnComplete {
		card, err := s.store.GetCard(ctx, *task.CardID)
		if err != nil {
			return err
		}
		column, err := s.store.GetColumn(ctx, card.ColumnID)
		if err != nil {
			return err
		}
		pushOnTerminalColumn = !column.AutoRun && column.AgentType == ""
	}
	if !coderAutoPush && !pushOnTerminalColumn {
		return nil
	}

	exists, err := s.store.PendingGitlabPushExists(ctx, *task.CardID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	payload := gitlabPushPayload{
		ProjectID:     settings.ProjectID,
		ProjectPath:   settings.ProjectPath,
		DefaultBranch: settings.DefaultBranch,
		MRPrefix:      settings.MRPrefix,
		CreateMR:      true,
	}

	_, err = s.create(ctx, store.CreateTaskInput{
		TaskType:   store.TaskGitlabPush,
		BoardID:    task.BoardID,
		CardID:     task.CardID,
		CreatedBy:  task.CreatedBy,
		AssignedTo: task.AssignedTo,
		AgentType:  "gitlab",
		Payload:    payload,
	})
	return err
}

func (s *Service) chainCardGen(ctx context.Context, task *store.Task) error {
	var payload boardPlanPayload
	if len(task.Payload) > 0 {
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			return apierr.ProtocolError("invalid board_plan payload: " + err.Error())
		}
	}
	if !payload.AutoGenerateCards {
		return nil
	}

	target, err := s.store.FindColumnByName(ctx, task.BoardID, []string{"plan", "backlog"})
	if err != nil {
		if !apierr.Is(err, apierr.KindNotFound) {
			return err
		}
		target, err = s.store.FirstColumn(ctx, task.BoardID)
		if err != nil {
			return err
		}
	}

	_, err = s.create(ctx, store.CreateTaskInput{
		TaskType:       store.TaskCardGen,
		BoardID:        task.BoardID,
		CreatedBy:      task.CreatedBy,
		AssignedTo:     task.AssignedTo,
		AgentType:      "planner",
		SourceColumnID: &target.ID,
		Payload:        task.Payload,
	})
	return err
}
