package executor

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/kira-kanban/dispatch-core/internal/httpapi/workerapi"
)

const (
	agentTimeout     = 600 * time.Second
	agentGracePeriod = 5 * time.Second
	progressLines    = 20
	progressInterval = 2 * time.Second
)

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// AgentExecutor spawns the configured AI CLI as a subprocess, feeds it
// prompt_text on stdin, and streams stdout line by line, stripping ANSI
// escapes and emitting a progress report every progressLines lines or
// progressInterval, whichever comes first.
type AgentExecutor struct {
	Command string
	Args    []string
	log     zerolog.Logger
}

// NewAgentExecutor builds an AgentExecutor that invokes command with args,
// mirroring how the worker shells out to the external AI CLI.
func NewAgentExecutor(command string, args []string, log zerolog.Logger) *AgentExecutor {
	return &AgentExecutor{Command: command, Args: args, log: log.With().Str("component", "agent_executor").Logger()}
}

// Execute runs the subprocess for task, returning its captured stdout as a
// Complete outcome on exit code 0 with non-empty output, else a Fail
// outcome carrying the last output line as ErrorSummary.
func (a *AgentExecutor) Execute(ctx context.Context, task workerapi.TaskView, onProgress ProgressFunc) Result {
	execCtx, cancel := context.WithTimeout(ctx, agentTimeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, a.Command, a.Args...)
	// On cancellation send SIGTERM rather than CommandContext's default
	// SIGKILL; os/exec kills the process if it is still alive after
	// agentGracePeriod.
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = agentGracePeriod
	cmd.Stdin = strings.NewReader(task.PromptText)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{ErrorSummary: "failed to open stdout pipe: " + err.Error()}
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return Result{ErrorSummary: "failed to start agent process: " + err.Error()}
	}

	var (
		mu        sync.Mutex
		lines     []string
		lastLine  string
		sinceLast int
	)
	flush := func() {
		mu.Lock()
		n := sinceLast
		sinceLast = 0
		snapshot := lastLine
		mu.Unlock()
		if n > 0 && onProgress != nil {
			onProgress(snapshot)
		}
	}

	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()
	tickerDone := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				flush()
			case <-tickerDone:
				return
			}
		}
	}()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		clean := stripANSI(scanner.Text())
		if clean == "" {
			continue
		}
		mu.Lock()
		lines = append(lines, clean)
		lastLine = clean
		sinceLast++
		shouldFlush := sinceLast >= progressLines
		mu.Unlock()
		if shouldFlush {
			flush()
		}
	}
	close(tickerDone)
	flush()

	if err := scanner.Err(); err != nil && err != io.EOF {
		a.log.Warn().Err(err).Str("task_id", task.ID).Msg("stdout scan error")
	}

	waitErr := a.waitWithTimeout(execCtx, cmd)

	output := strings.Join(lines, "\n")
	if waitErr != nil {
		summary := lastLine
		if summary == "" {
			summary = waitErr.Error()
		}
		return Result{ErrorSummary: summary}
	}
	if output == "" {
		return Result{ErrorSummary: "agent produced no output"}
	}
	return Result{OutputText: output}
}

// waitWithTimeout waits for cmd to exit. If execCtx is cancelled (timeout or
// parent cancellation) before the process exits on its own, it sends
// SIGTERM, waits agentGracePeriod, then SIGKILLs.
func (a *AgentExecutor) waitWithTimeout(execCtx context.Context, cmd *exec.Cmd) error {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-execCtx.Done():
	}

	if cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case err := <-done:
		return err
	case <-time.After(agentGracePeriod):
	}

	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	<-done
	return execCtx.Err()
}

func stripANSI(s string) string {
	return strings.TrimSpace(ansiEscape.ReplaceAllString(s, ""))
}
