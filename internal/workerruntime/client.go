// Package workerruntime implements the client side of the dispatch core: the
// single-user daemon that registers a worker, polls for pending tasks,
// claims and executes them, and reports progress/completion/failure back to
// the server.
package workerruntime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/kira-kanban/dispatch-core/internal/httpapi/taskapi"
	"github.com/kira-kanban/dispatch-core/internal/httpapi/workerapi"
)

// ClientConfig configures the HTTP transport to the dispatch core.
type ClientConfig struct {
	BaseURL          string
	AuthToken        string
	UserID           string
	MaxRetries       int
	InitialBackoffMs int
	MaxBackoffMs     int
}

// DefaultClientConfig mirrors the server's own Store retry shape.
func DefaultClientConfig(baseURL, authToken, userID string) ClientConfig {
	return ClientConfig{
		BaseURL:          baseURL,
		AuthToken:        authToken,
		UserID:           userID,
		MaxRetries:       5,
		InitialBackoffMs: 10,
		MaxBackoffMs:     160,
	}
}

// ServerClient is the worker's HTTP client for the WorkerProtocol surface,
// with capped exponential backoff on transient and rate-limited responses.
type ServerClient struct {
	cfg  ClientConfig
	http *http.Client
}

// NewServerClient builds a ServerClient.
func NewServerClient(cfg ClientConfig) *ServerClient {
	return &ServerClient{
		cfg:  cfg,
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// RetryableError wraps a transport failure (StatusCode 0) or a non-2xx
// response other than 403/409. do retries only those with status 429 or
// 5xx; the rest are returned to the caller at once.
type RetryableError struct {
	StatusCode int
	Body       string
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Body)
}

func (c *ServerClient) do(ctx context.Context, method, path string, body any, out any) error {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		err := c.doOnce(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		lastErr = err

		var retryable *RetryableError
		if !isRetryableErr(err, &retryable) {
			return err
		}
		if attempt == c.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(calculateBackoff(attempt, c.cfg)):
		}
	}
	return lastErr
}

func isRetryableErr(err error, target **RetryableError) bool {
	re, ok := err.(*RetryableError)
	if !ok {
		return false
	}
	*target = re
	return re.StatusCode == http.StatusTooManyRequests || re.StatusCode >= 500
}

func calculateBackoff(attempt int, cfg ClientConfig) time.Duration {
	exponentialDelay := float64(cfg.InitialBackoffMs) * math.Pow(2.0, float64(attempt))
	cappedDelay := math.Min(exponentialDelay, float64(cfg.MaxBackoffMs))
	jitter := rand.Float64() * 0.25 * cappedDelay
	return time.Duration(cappedDelay+jitter) * time.Millisecond
}

func (c *ServerClient) doOnce(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	req.Header.Set("X-User-ID", c.cfg.UserID)

	resp, err := c.http.Do(req)
	if err != nil {
		return &RetryableError{StatusCode: 0, Body: err.Error()}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusForbidden {
			return fmt.Errorf("%d: %s", resp.StatusCode, string(respBody))
		}
		return &RetryableError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// Register upserts the worker's row on the server.
func (c *ServerClient) Register(ctx context.Context, req workerapi.RegisterRequest) (*workerapi.RegisterResponse, error) {
	var resp workerapi.RegisterResponse
	if err := c.do(ctx, http.MethodPost, "/api/worker/register", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Heartbeat reports running task ids and load, returning any cancellation
// directives.
func (c *ServerClient) Heartbeat(ctx context.Context, workerID string, req workerapi.HeartbeatRequest) (*workerapi.HeartbeatResponse, error) {
	var resp workerapi.HeartbeatResponse
	if err := c.do(ctx, http.MethodPost, "/api/worker/"+workerID+"/heartbeat", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Poll fetches pending tasks assigned to the worker's user.
func (c *ServerClient) Poll(ctx context.Context) ([]workerapi.TaskView, error) {
	var resp workerapi.PollResponse
	if err := c.do(ctx, http.MethodGet, "/api/worker/poll", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

// Claim attempts to atomically claim a task. A 409 means someone else (or
// nothing) got it; the caller treats that as a normal skip, not an error.
func (c *ServerClient) Claim(ctx context.Context, taskID, workerID string) (*workerapi.TaskView, error) {
	var view workerapi.TaskView
	path := fmt.Sprintf("/api/worker/tasks/%s/claim?workerId=%s", taskID, workerID)
	if err := c.do(ctx, http.MethodPost, path, nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// Progress reports a free-text progress note, transitioning claimed→running
// server-side on first call.
func (c *ServerClient) Progress(ctx context.Context, taskID, workerID, text string) error {
	req := workerapi.ProgressRequest{WorkerID: workerID, Text: text}
	return c.do(ctx, http.MethodPost, "/api/worker/tasks/"+taskID+"/progress", req, nil)
}

// Complete reports successful completion with the agent's full output text.
func (c *ServerClient) Complete(ctx context.Context, taskID, workerID, outputText string) error {
	req := workerapi.CompleteRequest{WorkerID: workerID, OutputText: outputText}
	return c.do(ctx, http.MethodPost, "/api/worker/tasks/"+taskID+"/complete", req, nil)
}

// Fail reports failure with an error summary and optional captured output.
func (c *ServerClient) Fail(ctx context.Context, taskID, workerID, errorSummary, outputText string) error {
	req := workerapi.FailRequest{WorkerID: workerID, ErrorSummary: errorSummary, OutputText: outputText}
	return c.do(ctx, http.MethodPost, "/api/worker/tasks/"+taskID+"/fail", req, nil)
}

// CreateTask posts a board-facing task (used by jira_import/gitlab_link
// integration executors when they need to create cards on the server).
func (c *ServerClient) CreateTask(ctx context.Context, req taskapi.CreateRequest) error {
	return c.do(ctx, http.MethodPost, "/api/tasks", req, nil)
}
