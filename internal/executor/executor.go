// Package executor implements WorkerRuntime's per-task-type dispatch: the
// agent_run subprocess executor and the jira_*/gitlab_* integration
// executors, both driven from a claimed workerapi.TaskView.
package executor

import (
	"context"

	"github.com/kira-kanban/dispatch-core/internal/httpapi/workerapi"
	"github.com/kira-kanban/dispatch-core/internal/store"
)

// Result carries a terminal outcome for a claimed task: either a non-empty
// OutputText to report via Complete, or a non-empty ErrorSummary to report
// via Fail. Exactly one of the two is populated.
type Result struct {
	OutputText   string
	ErrorSummary string
}

// Failed reports whether the executor produced a failure outcome.
func (r Result) Failed() bool { return r.ErrorSummary != "" }

// ProgressFunc reports an intermediate progress line back to the server.
// Implementations should treat it as best-effort; a failed progress call
// must not abort execution.
type ProgressFunc func(text string)

// Executor runs one claimed task to completion or failure. ctx carries the
// hard timeout and is cancelled on shutdown or a cancellation directive;
// implementations must stop promptly on ctx.Done().
type Executor interface {
	Execute(ctx context.Context, task workerapi.TaskView, onProgress ProgressFunc) Result
}

// Dispatch selects the Executor for task.TaskType.
func Dispatch(agent Executor, integration Executor, task workerapi.TaskView) Executor {
	switch task.TaskType {
	case store.TaskAgentRun:
		return agent
	default:
		return integration
	}
}
