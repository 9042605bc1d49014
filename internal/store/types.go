// Package store is the transactional persistence layer for workers, tasks,
// cards, columns, and comments. It is the single source of truth for task
// and worker state; every concurrency-sensitive mutation is expressed as one
// atomic SQL statement so no component above it needs to layer locks.
package store

import (
	"encoding/json"
	"time"
)

// WorkerStatus is a worker's liveness classification.
type WorkerStatus string

const (
	WorkerOnline  WorkerStatus = "online"
	WorkerStale   WorkerStatus = "stale"
	WorkerOffline WorkerStatus = "offline"
)

// Worker is a registered task-execution daemon, one row per user_id.
type Worker struct {
	ID                 string       `db:"id"`
	UserID             string       `db:"user_id"`
	Hostname           string       `db:"hostname"`
	Version            string       `db:"version"`
	Capabilities       []string     `db:"capabilities"`
	Status             WorkerStatus `db:"status"`
	LastHeartbeat      time.Time    `db:"last_heartbeat"`
	RegisteredAt       time.Time    `db:"registered_at"`
	MaxConcurrentTasks int          `db:"max_concurrent_tasks"`
}

// TaskStatus follows the DAG: pending→claimed→running→{completed|failed};
// pending|claimed|running→cancelled. No reverse transitions.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskClaimed   TaskStatus = "claimed"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether status allows no further transitions.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// TaskType enumerates the worker-dispatchable job kinds.
type TaskType string

const (
	TaskAgentRun             TaskType = "agent_run"
	TaskJiraImport           TaskType = "jira_import"
	TaskJiraPush             TaskType = "jira_push"
	TaskJiraSync             TaskType = "jira_sync"
	TaskGitlabLink           TaskType = "gitlab_link"
	TaskGitlabCreateProject  TaskType = "gitlab_create_project"
	TaskGitlabPush           TaskType = "gitlab_push"
	TaskBoardPlan            TaskType = "board_plan"
	TaskCardGen              TaskType = "card_gen"
)

// Task is a unit of dispatchable work.
type Task struct {
	ID       string   `db:"id"`
	TaskType TaskType `db:"task_type"`

	BoardID     string  `db:"board_id"`
	CardID      *string `db:"card_id"`
	CreatedBy   string  `db:"created_by"`
	AssignedTo  string  `db:"assigned_to"`
	ClaimedBy   *string `db:"claimed_by_worker"`

	AgentType  string          `db:"agent_type"`
	AgentModel string          `db:"agent_model"`
	PromptText string          `db:"prompt_text"`
	Payload    json.RawMessage `db:"payload"`

	Status   TaskStatus `db:"status"`
	Priority int        `db:"priority"`

	SourceColumnID  *string `db:"source_column_id"`
	TargetColumnID  *string `db:"target_column_id"`
	FailureColumnID *string `db:"failure_column_id"`
	LoopCount       int     `db:"loop_count"`
	MaxLoopCount    int     `db:"max_loop_count"`

	ErrorSummary    *string `db:"error_summary"`
	OutputCommentID *string `db:"output_comment_id"`

	CreatedAt   time.Time  `db:"created_at"`
	ClaimedAt   *time.Time `db:"claimed_at"`
	StartedAt   *time.Time `db:"started_at"`
	CompletedAt *time.Time `db:"completed_at"`
}

// Column is a board column's automation configuration, consumed read-only.
type Column struct {
	ID                string `db:"id"`
	BoardID           string `db:"board_id"`
	Name              string `db:"name"`
	AutoRun           bool   `db:"auto_run"`
	AgentType         string `db:"agent_type"`
	PromptTemplate    string `db:"prompt_template"`
	OnSuccessColumnID string `db:"on_success_column_id"`
	OnFailureColumnID string `db:"on_failure_column_id"`
	MaxLoopCount      int    `db:"max_loop_count"`
}

// AgentStatus mirrors a card's automation lifecycle marker.
type AgentStatus string

const (
	AgentStatusNone      AgentStatus = ""
	AgentStatusPending   AgentStatus = "pending"
	AgentStatusRunning   AgentStatus = "running"
	AgentStatusCompleted AgentStatus = "completed"
	AgentStatusFailed    AgentStatus = "failed"
)

// Card is mutated by automation (column, agent_status) and read for prompt
// rendering. Version is an optimistic-concurrency guard: every mutation is a
// conditional UPDATE ... WHERE id=$1 AND version=$2, incrementing version,
// so a card moved out-of-band by a human never silently loses a concurrent
// automation write (or vice versa).
type Card struct {
	ID          string      `db:"id"`
	ColumnID    string      `db:"column_id"`
	BoardID     string      `db:"board_id"`
	Title       string      `db:"title"`
	Description string      `db:"description"`
	Labels      []string    `db:"labels"`
	Priority    string      `db:"priority"`
	AssigneeID  string      `db:"assignee_id"`
	AgentStatus AgentStatus `db:"agent_status"`
	Version     int         `db:"version"`
}

// Comment is produced by automation (is_agent_output=true) or by a human.
type Comment struct {
	ID            string    `db:"id"`
	CardID        string    `db:"card_id"`
	UserID        string    `db:"user_id"`
	Content       string    `db:"content"`
	IsAgentOutput bool      `db:"is_agent_output"`
	CreatedAt     time.Time `db:"created_at"`
}

// BoardGitlabSettings is the subset of a board's settings_json this core
// reads to decide on push chaining. The core never writes board settings.
type BoardGitlabSettings struct {
	AutoPush       bool   `json:"auto_push"`
	PushOnComplete bool   `json:"push_on_complete"`
	ProjectID      string `json:"project_id"`
	ProjectPath    string `json:"project_path"`
	DefaultBranch  string `json:"default_branch"`
	MRPrefix       string `json:"mr_prefix"`
}
