// Package workerapi implements WorkerProtocol: the HTTP surface a
// WorkerRuntime uses to register, heartbeat, poll, claim, and report on
// tasks.
package workerapi

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kira-kanban/dispatch-core/internal/apierr"
	"github.com/kira-kanban/dispatch-core/internal/httpapi/apiresp"
	"github.com/kira-kanban/dispatch-core/internal/httpapi/middleware"
	"github.com/kira-kanban/dispatch-core/internal/registry"
	"github.com/kira-kanban/dispatch-core/internal/store"
	"github.com/kira-kanban/dispatch-core/internal/tasksvc"
)

// Handlers bundles the components the worker-facing endpoints call into.
type Handlers struct {
	registry *registry.Registry
	tasks    *tasksvc.Service
}

// New constructs Handlers.
func New(r *registry.Registry, t *tasksvc.Service) *Handlers {
	return &Handlers{registry: r, tasks: t}
}

// RegisterRequest is the worker registration body.
type RegisterRequest struct {
	Hostname           string   `json:"hostname" binding:"required" jsonschema:"required"`
	Version            string   `json:"version" binding:"required" jsonschema:"required"`
	Capabilities       []string `json:"capabilities"`
	MaxConcurrentTasks int      `json:"max_concurrent_tasks"`
}

// RegisterResponse carries the assigned worker id and any directives.
type RegisterResponse struct {
	WorkerID   string               `json:"worker_id" jsonschema:"required"`
	Directives registry.Directives `json:"directives"`
}

// Register upserts the calling user's worker row.
// @Summary Register a worker
// @Description Upserts the calling user's worker and marks it online
// @Tags worker
// @Accept json
// @Produce json
// @Param request body RegisterRequest true "Registration"
// @Success 200 {object} RegisterResponse
// @Failure 400 {object} map[string]string
// @Failure 401 {object} map[string]string
// @Router /api/worker/register [post]
func (h *Handlers) Register(c *gin.Context) {
	userID := middleware.UserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing user identity"})
		return
	}

	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	worker, directives, err := h.registry.Register(c.Request.Context(), registry.RegisterInput{
		UserID:             userID,
		Hostname:           req.Hostname,
		Version:            req.Version,
		Capabilities:       req.Capabilities,
		MaxConcurrentTasks: req.MaxConcurrentTasks,
	})
	if err != nil {
		apiresp.Fail(c, err)
		return
	}

	c.JSON(http.StatusOK, RegisterResponse{WorkerID: worker.ID, Directives: directives})
}

// HeartbeatRequest reports the worker's current activity.
type HeartbeatRequest struct {
	RunningTaskIDs []string `json:"running_task_ids"`
	SystemLoad     float64  `json:"system_load"`
}

// HeartbeatResponse carries server-to-worker directives.
type HeartbeatResponse struct {
	Directives registry.Directives `json:"directives"`
}

// Heartbeat records liveness and returns cancellation directives.
// @Summary Worker heartbeat
// @Tags worker
// @Accept json
// @Produce json
// @Param workerId path string true "Worker ID"
// @Param request body HeartbeatRequest true "Heartbeat"
// @Success 200 {object} HeartbeatResponse
// @Failure 404 {object} map[string]string
// @Router /api/worker/{workerId}/heartbeat [post]
func (h *Handlers) Heartbeat(c *gin.Context) {
	userID := middleware.UserID(c)
	workerID := c.Param("workerId")

	var req HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	directives, err := h.registry.Heartbeat(c.Request.Context(), workerID, userID, req.RunningTaskIDs, req.SystemLoad)
	if err != nil {
		apiresp.Fail(c, err)
		return
	}

	c.JSON(http.StatusOK, HeartbeatResponse{Directives: directives})
}

// TaskView is the wire representation of a task handed to a worker.
type TaskView struct {
	ID              string          `json:"id" jsonschema:"required"`
	TaskType        store.TaskType  `json:"task_type" jsonschema:"required"`
	BoardID         string          `json:"board_id" jsonschema:"required"`
	CardID          *string         `json:"card_id,omitempty"`
	AgentType       string          `json:"agent_type"`
	AgentModel      string          `json:"agent_model"`
	PromptText      string          `json:"prompt_text"`
	Payload         json.RawMessage `json:"payload"`
	Priority        int             `json:"priority"`
	SourceColumnID  *string         `json:"source_column_id,omitempty"`
	TargetColumnID  *string         `json:"target_column_id,omitempty"`
	FailureColumnID *string         `json:"failure_column_id,omitempty"`
}

func toTaskView(t *store.Task) TaskView {
	return TaskView{
		ID: t.ID, TaskType: t.TaskType, BoardID: t.BoardID, CardID: t.CardID,
		AgentType: t.AgentType, AgentModel: t.AgentModel, PromptText: t.PromptText,
		Payload: t.Payload, Priority: t.Priority,
		SourceColumnID: t.SourceColumnID, TargetColumnID: t.TargetColumnID, FailureColumnID: t.FailureColumnID,
	}
}

// PollResponse carries the tasks currently assigned and pending for the
// caller.
type PollResponse struct {
	Tasks []TaskView `json:"tasks" jsonschema:"required"`
}

// Poll returns pending tasks assigned to the caller, rate-limited to the
// configured per-worker poll rate.
// @Summary Poll for pending tasks
// @Tags worker
// @Produce json
// @Success 200 {object} PollResponse
// @Failure 429 {object} map[string]string
// @Router /api/worker/poll [get]
func (h *Handlers) Poll(c *gin.Context) {
	userID := middleware.UserID(c)

	tasks, err := h.tasks.Poll(c.Request.Context(), userID, 10)
	if err != nil {
		apiresp.Fail(c, err)
		return
	}

	views := make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, toTaskView(t))
	}
	c.JSON(http.StatusOK, PollResponse{Tasks: views})
}

// ownsWorker validates that userID's registered worker row is workerID,
// per the requirement that every worker-facing handler confirm the
// authenticated caller owns the worker it claims to speak for.
func (h *Handlers) ownsWorker(c *gin.Context, workerID string) error {
	userID := middleware.UserID(c)
	worker, err := h.registry.GetWorkerForUser(c.Request.Context(), userID)
	if err != nil {
		return err
	}
	if worker.ID != workerID {
		return apierr.Forbidden("worker_id does not belong to authenticated user")
	}
	return nil
}

// Claim attempts to atomically claim task_id for the caller's worker.
// @Summary Claim a task
// @Tags worker
// @Produce json
// @Param taskId path string true "Task ID"
// @Param workerId query string true "Worker ID"
// @Success 200 {object} TaskView
// @Failure 409 {object} map[string]string "already claimed"
// @Router /api/worker/tasks/{taskId}/claim [post]
func (h *Handlers) Claim(c *gin.Context) {
	taskID := c.Param("taskId")
	workerID := c.Query("workerId")

	if err := h.ownsWorker(c, workerID); err != nil {
		apiresp.Fail(c, err)
		return
	}

	task, err := h.tasks.Claim(c.Request.Context(), taskID, workerID)
	if err != nil {
		apiresp.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toTaskView(task))
}

// ProgressRequest carries an optional free-text progress note.
type ProgressRequest struct {
	WorkerID string `json:"worker_id" binding:"required" jsonschema:"required"`
	Text     string `json:"text"`
}

// Progress transitions a claimed task to running.
// @Summary Report task progress
// @Tags worker
// @Accept json
// @Produce json
// @Param taskId path string true "Task ID"
// @Param request body ProgressRequest true "Progress"
// @Success 200 {object} TaskView
// @Failure 403 {object} map[string]string
// @Router /api/worker/tasks/{taskId}/progress [post]
func (h *Handlers) Progress(c *gin.Context) {
	taskID := c.Param("taskId")

	var req ProgressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.ownsWorker(c, req.WorkerID); err != nil {
		apiresp.Fail(c, err)
		return
	}

	task, err := h.tasks.Progress(c.Request.Context(), taskID, req.WorkerID, req.Text)
	if err != nil {
		apiresp.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toTaskView(task))
}

// CompleteRequest carries the agent's final output.
type CompleteRequest struct {
	WorkerID   string `json:"worker_id" binding:"required" jsonschema:"required"`
	OutputText string `json:"output_text"`
}

// Complete transitions a task to completed, or to failed if output_text is
// reinterpreted as a rejection.
// @Summary Complete a task
// @Tags worker
// @Accept json
// @Produce json
// @Param taskId path string true "Task ID"
// @Param request body CompleteRequest true "Completion"
// @Success 200 {object} TaskView
// @Failure 403 {object} map[string]string
// @Router /api/worker/tasks/{taskId}/complete [post]
func (h *Handlers) Complete(c *gin.Context) {
	taskID := c.Param("taskId")

	var req CompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.ownsWorker(c, req.WorkerID); err != nil {
		apiresp.Fail(c, err)
		return
	}

	task, err := h.tasks.Complete(c.Request.Context(), taskID, req.WorkerID, req.OutputText)
	if err != nil {
		apiresp.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toTaskView(task))
}

// FailRequest carries an error summary and optional output text.
type FailRequest struct {
	WorkerID     string `json:"worker_id" binding:"required" jsonschema:"required"`
	ErrorSummary string `json:"error_summary" binding:"required" jsonschema:"required"`
	OutputText   string `json:"output_text"`
}

// Fail transitions a task to failed.
// @Summary Fail a task
// @Tags worker
// @Accept json
// @Produce json
// @Param taskId path string true "Task ID"
// @Param request body FailRequest true "Failure"
// @Success 200 {object} TaskView
// @Failure 403 {object} map[string]string
// @Router /api/worker/tasks/{taskId}/fail [post]
func (h *Handlers) Fail(c *gin.Context) {
	taskID := c.Param("taskId")

	var req FailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.ownsWorker(c, req.WorkerID); err != nil {
		apiresp.Fail(c, err)
		return
	}

	task, err := h.tasks.Fail(c.Request.Context(), taskID, req.WorkerID, req.ErrorSummary, req.OutputText)
	if err != nil {
		apiresp.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toTaskView(task))
}
