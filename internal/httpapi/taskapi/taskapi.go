// Package taskapi implements the board-facing task surface: creation,
// listing, and cancellation, as opposed to workerapi's worker-facing claim
// protocol.
package taskapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kira-kanban/dispatch-core/internal/httpapi/apiresp"
	"github.com/kira-kanban/dispatch-core/internal/store"
	"github.com/kira-kanban/dispatch-core/internal/tasksvc"
)

// Handlers bundles the TaskService used by the board-facing task endpoints.
type Handlers struct {
	tasks *tasksvc.Service
}

// New constructs Handlers.
func New(t *tasksvc.Service) *Handlers {
	return &Handlers{tasks: t}
}

// CreateRequest is the board-facing task creation body.
type CreateRequest struct {
	TaskType   store.TaskType `json:"task_type" binding:"required" jsonschema:"required"`
	BoardID    string         `json:"board_id" binding:"required" jsonschema:"required"`
	CardID     *string        `json:"card_id,omitempty"`
	AssignedTo string         `json:"assigned_to" binding:"required" jsonschema:"required"`
	AgentType  string         `json:"agent_type"`
	PromptText string         `json:"prompt_text"`
	Payload    any            `json:"payload,omitempty"`
	Priority   int            `json:"priority"`
}

// Create inserts a new pending task directly (outside of automation
// routing), used by the board app for manually dispatched work
// (jira_import, jira_push, gitlab_link, gitlab_create_project, board_plan).
// @Summary Create a task
// @Tags tasks
// @Accept json
// @Produce json
// @Param request body CreateRequest true "New task"
// @Success 201 {object} store.Task
// @Failure 400 {object} map[string]string
// @Router /api/tasks [post]
func (h *Handlers) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := c.GetHeader("X-User-ID")

	task, err := h.tasks.Create(c.Request.Context(), store.CreateTaskInput{
		TaskType:   req.TaskType,
		BoardID:    req.BoardID,
		CardID:     req.CardID,
		CreatedBy:  userID,
		AssignedTo: req.AssignedTo,
		AgentType:  req.AgentType,
		PromptText: req.PromptText,
		Payload:    req.Payload,
		Priority:   req.Priority,
	})
	if err != nil {
		apiresp.Fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

// ListRequest filters the task listing.
type ListRequest struct {
	BoardID string           `form:"board_id" binding:"required" jsonschema:"required"`
	Status  store.TaskStatus `form:"status" jsonschema:"enum=pending,enum=claimed,enum=running,enum=completed,enum=failed,enum=cancelled"`
	CardID  string           `form:"card_id"`
}

// ListResponse wraps a filtered task listing.
type ListResponse struct {
	Tasks []*store.Task `json:"tasks" jsonschema:"required"`
}

// List returns tasks on a board matching the optional status/card filters.
// @Summary List tasks
// @Tags tasks
// @Produce json
// @Param board_id query string true "Board ID"
// @Param status query string false "Status filter"
// @Param card_id query string false "Card ID filter"
// @Success 200 {object} ListResponse
// @Failure 400 {object} map[string]string
// @Router /api/tasks [get]
func (h *Handlers) List(c *gin.Context) {
	var req ListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tasks, err := h.tasks.List(c.Request.Context(), store.TaskFilter{
		BoardID: req.BoardID,
		Status:  req.Status,
		CardID:  req.CardID,
	})
	if err != nil {
		apiresp.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ListResponse{Tasks: tasks})
}

// Cancel transitions a task to cancelled.
// @Summary Cancel a task
// @Tags tasks
// @Param taskId path string true "Task ID"
// @Success 204
// @Failure 409 {object} map[string]string "already terminal"
// @Router /api/tasks/{taskId} [delete]
func (h *Handlers) Cancel(c *gin.Context) {
	taskID := c.Param("taskId")

	if _, err := h.tasks.Cancel(c.Request.Context(), taskID); err != nil {
		apiresp.Fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
