package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kira-kanban/dispatch-core/internal/httpapi/workerapi"
	"github.com/kira-kanban/dispatch-core/internal/store"
)

type fakeExecutor struct {
	name string
}

func (f *fakeExecutor) Execute(ctx context.Context, task workerapi.TaskView, onProgress ProgressFunc) Result {
	return Result{OutputText: f.name}
}

func TestDispatch_AgentRunGoesToAgentExecutor(t *testing.T) {
	agent := &fakeExecutor{name: "agent"}
	integration := &fakeExecutor{name: "integration"}

	got := Dispatch(agent, integration, workerapi.TaskView{TaskType: store.TaskAgentRun})

	assert.Same(t, agent, got)
}

func TestDispatch_IntegrationTypesGoToIntegrationExecutor(t *testing.T) {
	agent := &fakeExecutor{name: "agent"}
	integration := &fakeExecutor{name: "integration"}

	for _, tt := range []store.TaskType{store.TaskJiraImport, store.TaskGitlabPush, store.TaskBoardPlan, store.TaskCardGen} {
		got := Dispatch(agent, integration, workerapi.TaskView{TaskType: tt})
		assert.Same(t, integration, got, "task_type %s", tt)
	}
}

func TestResult_Failed(t *testing.T) {
	assert.True(t, Result{ErrorSummary: "boom"}.Failed())
	assert.False(t, Result{OutputText: "ok"}.Failed())
	assert.False(t, Result{}.Failed())
}
