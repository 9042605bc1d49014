package workerruntime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/load"
	"golang.org/x/sync/errgroup"

	"github.com/kira-kanban/dispatch-core/internal/executor"
	"github.com/kira-kanban/dispatch-core/internal/httpapi/workerapi"
)

// RuntimeConfig carries the daemon's tunables: poll/heartbeat intervals and
// concurrency cap.
type RuntimeConfig struct {
	PollInterval       time.Duration
	HeartbeatInterval  time.Duration
	MaxConcurrentTasks int
	Hostname           string
	Version            string
	Capabilities       []string
}

// DefaultRuntimeConfig returns the daemon's default tunables (poll 5s,
// heartbeat 30s).
func DefaultRuntimeConfig(hostname, version string) RuntimeConfig {
	return RuntimeConfig{
		PollInterval:       5 * time.Second,
		HeartbeatInterval:  30 * time.Second,
		MaxConcurrentTasks: 2,
		Hostname:           hostname,
		Version:            version,
		Capabilities:       []string{"agent", "jira", "gitlab", "board_plan", "card_gen"},
	}
}

// shutdownGracePeriod bounds how long Run waits for in-flight executions to
// unwind (subprocess SIGTERM grace plus report round-trip) before giving up.
const shutdownGracePeriod = 10 * time.Second

// reportGracePeriod bounds the terminal Complete/Fail report's own HTTP
// round trip. It is deliberately not derived from parentCtx: on shutdown,
// parentCtx is the same context the signal handler just cancelled, and a
// report sent on an already-cancelled context would fail before any bytes
// left the process.
const reportGracePeriod = 5 * time.Second

// inFlight tracks one claimed task's execution so a heartbeat cancellation
// directive or a local shutdown can cancel it, each with a distinct
// error_summary reported once the executor unwinds.
type inFlight struct {
	cancel       context.CancelFunc
	cancelReason string
}

// Runtime is the WorkerRuntime client process: register, then run the
// heartbeat and poll loops concurrently until ctx is cancelled.
type Runtime struct {
	client      *ServerClient
	agent       executor.Executor
	integration executor.Executor
	cfg         RuntimeConfig
	log         zerolog.Logger

	mu       sync.Mutex
	workerID string
	running  map[string]*inFlight
	wg       sync.WaitGroup

	pollBackoffUntil time.Time
}

// NewRuntime builds a Runtime.
func NewRuntime(client *ServerClient, agent, integration executor.Executor, cfg RuntimeConfig, log zerolog.Logger) *Runtime {
	return &Runtime{
		client:      client,
		agent:       agent,
		integration: integration,
		cfg:         cfg,
		log:         log.With().Str("component", "workerruntime").Logger(),
		running:     make(map[string]*inFlight),
	}
}

// Bootstrap registers the worker with the server. Must be called once
// before Run.
func (r *Runtime) Bootstrap(ctx context.Context) error {
	resp, err := r.client.Register(ctx, workerapi.RegisterRequest{
		Hostname:           r.cfg.Hostname,
		Version:            r.cfg.Version,
		Capabilities:       r.cfg.Capabilities,
		MaxConcurrentTasks: r.cfg.MaxConcurrentTasks,
	})
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	r.mu.Lock()
	r.workerID = resp.WorkerID
	r.mu.Unlock()
	r.log.Info().Str("worker_id", resp.WorkerID).Msg("registered")
	return nil
}

// Run drives the heartbeat and poll loops until ctx is cancelled, then
// cancels in-flight executions, reports failure for each, and deregisters.
func (r *Runtime) Run(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { r.heartbeatLoop(gctx); return nil })
	g.Go(func() error { r.pollLoop(gctx); return nil })
	g.Wait()

	r.shutdown()
}

func (r *Runtime) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sendHeartbeat(ctx)
		}
	}
}

func (r *Runtime) sendHeartbeat(ctx context.Context) {
	r.mu.Lock()
	workerID := r.workerID
	running := make([]string, 0, len(r.running))
	for id := range r.running {
		running = append(running, id)
	}
	r.mu.Unlock()

	sysLoad := systemLoad()

	resp, err := r.client.Heartbeat(ctx, workerID, workerapi.HeartbeatRequest{
		RunningTaskIDs: running,
		SystemLoad:     sysLoad,
	})
	if err != nil {
		r.log.Warn().Err(err).Msg("heartbeat failed")
		return
	}

	for _, cancelledID := range resp.Directives.CancelTaskIDs {
		r.cancelLocal(cancelledID)
	}
}

func systemLoad() float64 {
	avg, err := load.Avg()
	if err != nil {
		return 0
	}
	return avg.Load1
}

func (r *Runtime) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pollAndClaim(ctx)
		}
	}
}

func (r *Runtime) pollAndClaim(ctx context.Context) {
	r.mu.Lock()
	backoff := r.pollBackoffUntil
	runningCount := len(r.running)
	r.mu.Unlock()

	if time.Now().Before(backoff) {
		return
	}
	if runningCount >= r.cfg.MaxConcurrentTasks {
		return
	}

	tasks, err := r.client.Poll(ctx)
	if err != nil {
		if re, ok := err.(*RetryableError); ok && re.StatusCode == 429 {
			r.mu.Lock()
			r.pollBackoffUntil = time.Now().Add(2 * r.cfg.PollInterval)
			r.mu.Unlock()
		}
		r.log.Warn().Err(err).Msg("poll failed")
		return
	}

	r.mu.Lock()
	workerID := r.workerID
	slots := r.cfg.MaxConcurrentTasks - len(r.running)
	r.mu.Unlock()

	for _, task := range tasks {
		if slots <= 0 {
			break
		}
		view, err := r.client.Claim(ctx, task.ID, workerID)
		if err != nil {
			r.log.Debug().Err(err).Str("task_id", task.ID).Msg("claim lost race, skipping")
			continue
		}
		slots--
		r.wg.Add(1)
		go r.runTask(ctx, workerID, *view)
	}
}

func (r *Runtime) runTask(parentCtx context.Context, workerID string, task workerapi.TaskView) {
	defer r.wg.Done()

	taskCtx, cancel := context.WithCancel(parentCtx)
	r.mu.Lock()
	r.running[task.ID] = &inFlight{cancel: cancel, cancelReason: "task cancelled"}
	r.mu.Unlock()
	defer func() {
		cancel()
		r.mu.Lock()
		delete(r.running, task.ID)
		r.mu.Unlock()
	}()

	if err := r.client.Progress(taskCtx, task.ID, workerID, "claimed, starting execution"); err != nil {
		r.log.Warn().Err(err).Str("task_id", task.ID).Msg("progress report failed")
	}

	exec := executor.Dispatch(r.agent, r.integration, task)
	result := exec.Execute(taskCtx, task, func(text string) {
		if err := r.client.Progress(parentCtx, task.ID, workerID, text); err != nil {
			r.log.Debug().Err(err).Str("task_id", task.ID).Msg("progress report failed")
		}
	})

	if taskCtx.Err() != nil {
		r.mu.Lock()
		reason := "task cancelled"
		if f, ok := r.running[task.ID]; ok {
			reason = f.cancelReason
		}
		r.mu.Unlock()
		if parentCtx.Err() != nil {
			reason = "worker shutdown"
		}
		result = executor.Result{ErrorSummary: reason}
	}

	reportCtx, cancelReport := context.WithTimeout(context.Background(), reportGracePeriod)
	defer cancelReport()
	r.report(reportCtx, task.ID, workerID, result)
}

func (r *Runtime) report(ctx context.Context, taskID, workerID string, result executor.Result) {
	var err error
	if result.Failed() {
		err = r.client.Fail(ctx, taskID, workerID, result.ErrorSummary, result.OutputText)
	} else {
		err = r.client.Complete(ctx, taskID, workerID, result.OutputText)
	}
	if err != nil {
		r.log.Error().Err(err).Str("task_id", taskID).Msg("failed to report terminal outcome")
	}
}

func (r *Runtime) cancelLocal(taskID string) {
	r.mu.Lock()
	f, ok := r.running[taskID]
	r.mu.Unlock()
	if !ok {
		return
	}
	r.log.Info().Str("task_id", taskID).Msg("cancelling in-flight execution on server directive")
	f.cancel()
}

// shutdown cancels all in-flight executions, waits for their goroutines to
// report the resulting failure, and deregisters by going silent (the
// server's sweeper marks the worker offline after the liveness window).
func (r *Runtime) shutdown() {
	r.mu.Lock()
	for taskID, f := range r.running {
		r.log.Info().Str("task_id", taskID).Msg("cancelling on shutdown")
		f.cancelReason = "worker shutdown"
		f.cancel()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownGracePeriod):
		r.log.Warn().Msg("timed out waiting for in-flight tasks to report shutdown failure")
	}
}
