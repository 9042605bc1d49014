package executor

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kira-kanban/dispatch-core/internal/httpapi/workerapi"
)

func TestStripANSI_RemovesEscapeCodes(t *testing.T) {
	got := stripANSI("\x1b[32mok\x1b[0m  ")
	assert.Equal(t, "ok", got)
}

func TestAgentExecutor_Execute_CapturesOutput(t *testing.T) {
	exec := NewAgentExecutor("printf", []string{"line one\nline two\n"}, zerolog.Nop())

	var progress []string
	result := exec.Execute(context.Background(), workerapi.TaskView{ID: "t1", PromptText: "go"}, func(text string) {
		progress = append(progress, text)
	})

	require.False(t, result.Failed())
	assert.Contains(t, result.OutputText, "line one")
	assert.Contains(t, result.OutputText, "line two")
}

func TestAgentExecutor_Execute_FailsOnMissingCommand(t *testing.T) {
	exec := NewAgentExecutor("definitely-not-a-real-binary-xyz", nil, zerolog.Nop())

	result := exec.Execute(context.Background(), workerapi.TaskView{ID: "t1"}, nil)

	assert.True(t, result.Failed())
	assert.NotEmpty(t, result.ErrorSummary)
}

func TestAgentExecutor_Execute_RespectsCancellation(t *testing.T) {
	exec := NewAgentExecutor("sleep", []string{"30"}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	result := exec.Execute(ctx, workerapi.TaskView{ID: "t1"}, nil)
	elapsed := time.Since(start)

	assert.True(t, result.Failed())
	assert.Less(t, elapsed, agentGracePeriod+5*time.Second, "execute should return promptly after ctx deadline, not wait for the full hard timeout")
}
