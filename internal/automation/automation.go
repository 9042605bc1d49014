// Package automation implements AutomationEngine: card-move triggers,
// prompt rendering, loop-bound enforcement, and success/failure routing.
// Automation recursion (success → new task → success → …) is modeled as
// iteration bounded by max_loop_count, not recursion, re-reading the card
// from the store on every iteration so out-of-band moves are respected.
package automation

import (
	"context"
	"regexp"

	"github.com/rs/zerolog"

	"github.com/kira-kanban/dispatch-core/internal/apierr"
	"github.com/kira-kanban/dispatch-core/internal/eventbus"
	"github.com/kira-kanban/dispatch-core/internal/metrics"
	"github.com/kira-kanban/dispatch-core/internal/store"
)

// Outcome is the terminal result of a task, driving which routing column
// applies.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
)

// rejectionPattern reinterprets a nominal completion as a failure: a first
// line matching this pattern routes through the failure path even though
// the worker called complete. \b matches on word boundaries anywhere in the
// line, so a leading token like "Review result: " is already tolerated
// without special-casing.
var rejectionPattern = regexp.MustCompile(`(?i)\b(REJECTED|FAILED)\b`)

// IsRejection reports whether outputText's first line should be
// reinterpreted as a rejection.
func IsRejection(outputText string) bool {
	firstLine := outputText
	if idx := indexNewline(outputText); idx >= 0 {
		firstLine = outputText[:idx]
	}
	return rejectionPattern.MatchString(firstLine)
}

func indexNewline(s string) int {
	for i, c := range s {
		if c == '\n' {
			return i
		}
	}
	return -1
}

// TaskFactory is the subset of TaskService the engine needs to create a new
// task without importing tasksvc (which itself depends on automation for
// routing), avoiding an import cycle.
type TaskFactory interface {
	CreateAutomationTask(ctx context.Context, in store.CreateTaskInput) (*store.Task, error)
}

// Engine is the AutomationEngine component.
type Engine struct {
	store   *store.Store
	bus     *eventbus.Bus
	tasks   TaskFactory
	log     zerolog.Logger
	metrics *metrics.Recorder
}

// New constructs an Engine. tasks is wired after TaskService construction
// via SetTaskFactory to break the automation↔tasksvc initialization cycle.
func New(s *store.Store, bus *eventbus.Bus, log zerolog.Logger) *Engine {
	return &Engine{store: s, bus: bus, log: log.With().Str("component", "automation").Logger(), metrics: metrics.NewRecorder()}
}

// SetTaskFactory wires the TaskService used to create follow-up tasks.
func (e *Engine) SetTaskFactory(tasks TaskFactory) {
	e.tasks = tasks
}

// MaybeTriggerOnMove is invoked when a card enters column. It returns the
// newly created task, or nil if no automation fired.
func (e *Engine) MaybeTriggerOnMove(ctx context.Context, cardID, columnID, actorUserID string) (*store.Task, error) {
	card, err := e.store.GetCard(ctx, cardID)
	if err != nil {
		return nil, err
	}
	column, err := e.store.GetColumn(ctx, columnID)
	if err != nil {
		return nil, err
	}

	if !column.AutoRun || column.AgentType == "" {
		return nil, nil
	}

	loopCount, err := e.store.LoopCount(ctx, cardID, columnID)
	if err != nil {
		return nil, err
	}

	maxLoop := column.MaxLoopCount
	if maxLoop <= 0 {
		maxLoop = 3
	}

	if loopCount >= maxLoop {
		if _, err := e.store.SetAgentStatus(ctx, cardID, store.AgentStatusNone, card.Version); err != nil && !isConflict(err) {
			return nil, err
		}
		e.metrics.RecordAutomationRun("circuit_broken")
		e.log.Info().Str("card_id", cardID).Str("column_id", columnID).Int("loop_count", loopCount).
			Msg("loop bound reached, leaving card for manual intervention")
		return nil, nil
	}

	prompt, err := e.renderPrompt(ctx, column.PromptTemplate, card, column, "")
	if err != nil {
		return nil, err
	}

	assignedTo := card.AssigneeID
	if assignedTo == "" {
		assignedTo = actorUserID
	}

	successCol := nilIfEmpty(column.OnSuccessColumnID)
	failureCol := nilIfEmpty(column.OnFailureColumnID)
	sourceCol := columnID

	if e.tasks == nil {
		e.metrics.RecordAutomationRun("skipped")
		return nil, nil
	}
	task, err := e.tasks.CreateAutomationTask(ctx, store.CreateTaskInput{
		TaskType:        store.TaskAgentRun,
		BoardID:         card.BoardID,
		CardID:          &card.ID,
		CreatedBy:       actorUserID,
		AssignedTo:      assignedTo,
		AgentType:       column.AgentType,
		PromptText:      prompt,
		SourceColumnID:  &sourceCol,
		TargetColumnID:  successCol,
		FailureColumnID: failureCol,
		LoopCount:       loopCount,
		MaxLoopCount:    maxLoop,
	})
	if err != nil {
		return nil, err
	}

	if _, err := e.store.SetAgentStatus(ctx, cardID, store.AgentStatusPending, card.Version); err != nil && !isConflict(err) {
		return nil, err
	}

	e.metrics.RecordAutomationRun("fired")
	return task, nil
}

// OnTerminal is invoked when a task reaches a terminal status. It moves the
// card per outcome, then iterates into MaybeTriggerOnMove for success
// routing into an auto_run destination (never for failure destinations,
// which is the circuit breaker).
func (e *Engine) OnTerminal(ctx context.Context, task *store.Task, outcome Outcome) error {
	if task.CardID == nil {
		return nil
	}

	card, err := e.store.GetCard(ctx, *task.CardID)
	if err != nil {
		return err
	}

	if task.SourceColumnID != nil && card.ColumnID != *task.SourceColumnID {
		e.bus.Publish("board:"+task.BoardID, eventbus.Event{
			Type: "task_routing_skipped",
			Payload: map[string]any{
				"task_id": task.ID,
				"card_id": card.ID,
				"reason":  "card moved out of band",
			},
		})
		return nil
	}

	// A nil SourceColumnID means this task was never given column routing
	// (e.g. a chained gitlab_push task) rather than one whose card moved;
	// fall through so a nil TargetColumnID/FailureColumnID below is a quiet
	// no-op instead of a misleading out-of-band diagnostic.

	var target *string
	switch outcome {
	case OutcomeSuccess:
		target = task.TargetColumnID
	case OutcomeFailure:
		target = task.FailureColumnID
	}

	if target == nil || *target == "" {
		return nil
	}

	moved, err := e.store.MoveCard(ctx, card.ID, *target, card.Version)
	if err != nil {
		if isConflict(err) {
			e.bus.Publish("board:"+task.BoardID, eventbus.Event{
				Type:    "task_routing_skipped",
				Payload: map[string]any{"task_id": task.ID, "card_id": card.ID, "reason": "concurrent move"},
			})
			return nil
		}
		return err
	}

	e.bus.Publish("board:"+task.BoardID, eventbus.Event{
		Type:    "card_moved",
		Payload: map[string]any{"card_id": moved.ID, "column_id": moved.ColumnID},
	})

	if outcome != OutcomeSuccess {
		// Circuit breaker: never auto-trigger on a failure destination.
		return nil
	}

	targetColumn, err := e.store.GetColumn(ctx, *target)
	if err != nil {
		return err
	}
	if !targetColumn.AutoRun {
		return nil
	}

	if _, err := e.MaybeTriggerOnMove(ctx, card.ID, *target, task.AssignedTo); err != nil {
		e.log.Error().Err(err).Str("task_id", task.ID).Msg("chained automation trigger failed")
		e.bus.Publish("board:"+task.BoardID, eventbus.Event{
			Type:    "task_routing_skipped",
			Payload: map[string]any{"task_id": task.ID, "card_id": card.ID, "reason": "chained trigger error"},
		})
		return nil
	}

	return nil
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func isConflict(err error) bool {
	return apierr.Is(err, apierr.KindConflict)
}
