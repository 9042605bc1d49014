package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/kira-kanban/dispatch-core/internal/httpapi/workerapi"
)

// Credentials holds the worker-local, never-server-visible tokens used to
// call out to Jira and GitLab on the operator's behalf.
type Credentials struct {
	JiraBaseURL   string
	JiraToken     string
	GitlabBaseURL string
	GitlabToken   string
}

// IntegrationExecutor dispatches jira_*/gitlab_* tasks to the corresponding
// REST API using locally-stored credentials, grounded on the same
// rate-limited HTTP client shape the server's retry logic mirrors.
type IntegrationExecutor struct {
	creds Credentials
	http  *http.Client
	log   zerolog.Logger
}

// NewIntegrationExecutor builds an IntegrationExecutor.
func NewIntegrationExecutor(creds Credentials, log zerolog.Logger) *IntegrationExecutor {
	return &IntegrationExecutor{
		creds: creds,
		http:  &http.Client{Timeout: 30 * time.Second},
		log:   log.With().Str("component", "integration_executor").Logger(),
	}
}

// Execute dispatches task to the Jira or GitLab client implied by its
// task_type, reporting a structured JSON summary as output_text.
func (e *IntegrationExecutor) Execute(ctx context.Context, task workerapi.TaskView, onProgress ProgressFunc) Result {
	switch task.TaskType {
	case "jira_import", "jira_push", "jira_sync":
		return e.callJira(ctx, task, onProgress)
	case "gitlab_link", "gitlab_create_project", "gitlab_push":
		return e.callGitlab(ctx, task, onProgress)
	default:
		return Result{ErrorSummary: fmt.Sprintf("no integration executor for task_type %q", task.TaskType)}
	}
}

func (e *IntegrationExecutor) callJira(ctx context.Context, task workerapi.TaskView, onProgress ProgressFunc) Result {
	if e.creds.JiraBaseURL == "" || e.creds.JiraToken == "" {
		return Result{ErrorSummary: "jira credentials not configured"}
	}
	if onProgress != nil {
		onProgress(fmt.Sprintf("calling jira for %s", task.TaskType))
	}
	summary, err := e.roundTrip(ctx, e.creds.JiraBaseURL, e.creds.JiraToken, task)
	if err != nil {
		return Result{ErrorSummary: err.Error()}
	}
	return Result{OutputText: summary}
}

func (e *IntegrationExecutor) callGitlab(ctx context.Context, task workerapi.TaskView, onProgress ProgressFunc) Result {
	if e.creds.GitlabBaseURL == "" || e.creds.GitlabToken == "" {
		return Result{ErrorSummary: "gitlab credentials not configured"}
	}
	if onProgress != nil {
		onProgress(fmt.Sprintf("calling gitlab for %s", task.TaskType))
	}
	summary, err := e.roundTrip(ctx, e.creds.GitlabBaseURL, e.creds.GitlabToken, task)
	if err != nil {
		return Result{ErrorSummary: err.Error()}
	}
	return Result{OutputText: summary}
}

// roundTrip posts the task payload to baseURL and returns a structured
// JSON summary string built from the response. The concrete Jira/GitLab
// wire shapes are treated as opaque external collaborators; this
// implementation exercises the shared request/response plumbing every
// integration task type needs.
func (e *IntegrationExecutor) roundTrip(ctx context.Context, baseURL, token string, task workerapi.TaskView) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/"+string(task.TaskType), bytes.NewReader(task.Payload))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("integration call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("integration call returned status %d", resp.StatusCode)
	}

	summary := map[string]any{
		"task_type": task.TaskType,
		"status":    resp.StatusCode,
	}
	b, _ := json.Marshal(summary)
	return string(b), nil
}
