// Package registry implements WorkerRegistry: registration, heartbeat
// ingestion, liveness classification, and the periodic sweeper that demotes
// silent workers to stale then offline.
package registry

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/kira-kanban/dispatch-core/internal/apierr"
	"github.com/kira-kanban/dispatch-core/internal/automation"
	"github.com/kira-kanban/dispatch-core/internal/eventbus"
	"github.com/kira-kanban/dispatch-core/internal/metrics"
	"github.com/kira-kanban/dispatch-core/internal/store"
)

// Directives are server-to-worker instructions delivered via heartbeat
// response.
type Directives struct {
	CancelTaskIDs      []string `json:"cancel_task_ids,omitempty"`
	MaxConcurrentTasks *int     `json:"max_concurrent_tasks,omitempty"`
}

// Registry is the WorkerRegistry component.
type Registry struct {
	store   *store.Store
	bus     *eventbus.Bus
	auto    *automation.Engine
	log     zerolog.Logger
	metrics *metrics.Recorder
}

// New constructs a Registry.
func New(s *store.Store, bus *eventbus.Bus, auto *automation.Engine, log zerolog.Logger) *Registry {
	return &Registry{store: s, bus: bus, auto: auto, log: log.With().Str("component", "registry").Logger(), metrics: metrics.NewRecorder()}
}

// RegisterInput describes a worker (re-)registration request.
type RegisterInput struct {
	UserID             string
	Hostname           string
	Version            string
	Capabilities       []string
	MaxConcurrentTasks int
}

// Register upserts the worker by user_id and returns directives (currently
// empty; reserved for future server-side config push on register).
func (r *Registry) Register(ctx context.Context, in RegisterInput) (*store.Worker, Directives, error) {
	worker, wasOffline, err := r.store.RegisterWorker(ctx, store.RegisterWorkerInput{
		UserID:             in.UserID,
		Hostname:           in.Hostname,
		Version:            in.Version,
		Capabilities:       in.Capabilities,
		MaxConcurrentTasks: in.MaxConcurrentTasks,
	})
	if err != nil {
		return nil, Directives{}, err
	}

	if wasOffline {
		r.publishToMemberBoards(ctx, worker.UserID, "worker_online", map[string]any{
			"worker_id": worker.ID,
			"user_id":   worker.UserID,
		})
	}

	return worker, Directives{}, nil
}

// Heartbeat records liveness and computes which of runningTaskIDs the
// server has since cancelled.
func (r *Registry) Heartbeat(ctx context.Context, workerID, userID string, runningTaskIDs []string, systemLoad float64) (Directives, error) {
	if err := r.store.Heartbeat(ctx, workerID, userID); err != nil {
		return Directives{}, err
	}

	cancelled, err := r.store.CancelledTaskIDs(ctx, runningTaskIDs)
	if err != nil {
		return Directives{}, err
	}

	return Directives{CancelTaskIDs: cancelled}, nil
}

// GetWorkerForUser proxies to the store, used by handlers to resolve the
// authenticated caller's worker row.
func (r *Registry) GetWorkerForUser(ctx context.Context, userID string) (*store.Worker, error) {
	return r.store.GetWorkerForUser(ctx, userID)
}

// GetWorker proxies to the store.
func (r *Registry) GetWorker(ctx context.Context, workerID string) (*store.Worker, error) {
	return r.store.GetWorker(ctx, workerID)
}

// ListWorkers proxies to the store.
func (r *Registry) ListWorkers(ctx context.Context) ([]*store.Worker, error) {
	return r.store.ListWorkers(ctx)
}

// Sweeper periodically demotes silent workers: online→stale at staleAfter,
// stale→offline at offlineAfter, failing and routing every task an
// offline worker was holding.
type Sweeper struct {
	registry     *Registry
	interval     time.Duration
	staleAfter   time.Duration
	offlineAfter time.Duration
	stopChan     chan struct{}
}

// NewSweeper constructs a Sweeper on the given tick and liveness thresholds.
func NewSweeper(r *Registry, interval, staleAfter, offlineAfter time.Duration) *Sweeper {
	return &Sweeper{
		registry:     r,
		interval:     interval,
		staleAfter:   staleAfter,
		offlineAfter: offlineAfter,
		stopChan:     make(chan struct{}),
	}
}

// Start runs the sweep on a ticker until ctx is cancelled or Stop is called.
func (sw *Sweeper) Start(ctx context.Context) {
	sw.registry.log.Info().Dur("interval", sw.interval).Msg("starting worker liveness sweeper")

	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sw.registry.log.Info().Msg("liveness sweeper stopping (context cancelled)")
			return
		case <-sw.stopChan:
			sw.registry.log.Info().Msg("liveness sweeper stopping (stop signal)")
			return
		case <-ticker.C:
			if err := sw.Sweep(ctx); err != nil {
				sw.registry.log.Error().Err(err).Msg("liveness sweep failed")
			}
		}
	}
}

// Stop signals the sweeper to stop.
func (sw *Sweeper) Stop() {
	close(sw.stopChan)
}

// Sweep runs one pass of the liveness sweep and failure routing.
func (sw *Sweeper) Sweep(ctx context.Context) error {
	result, err := sw.registry.store.SweepLiveness(ctx, sw.staleAfter, sw.offlineAfter)
	if err != nil {
		return apierr.StorageError("sweep liveness", err)
	}

	for _, w := range result.NewlyStale {
		sw.registry.publishToMemberBoards(ctx, w.UserID, "worker_stale", map[string]any{
			"worker_id": w.ID,
			"user_id":   w.UserID,
		})
	}

	for _, w := range result.NewlyOffline {
		sw.registry.publishToMemberBoards(ctx, w.UserID, "worker_offline", map[string]any{
			"worker_id": w.ID,
			"user_id":   w.UserID,
		})
	}

	for _, t := range result.FailedTasks {
		sw.registry.bus.Publish("board:"+t.BoardID, eventbus.Event{Type: "task_failed", Payload: t})
		if sw.registry.auto != nil {
			if err := sw.registry.auto.OnTerminal(ctx, t, automation.OutcomeFailure); err != nil {
				sw.registry.log.Error().Err(err).Str("task_id", t.ID).Msg("failure routing after worker offline failed")
			}
		}
	}

	sw.registry.metrics.RecordSweepAction("stale", len(result.NewlyStale))
	sw.registry.metrics.RecordSweepAction("offline", len(result.NewlyOffline))
	sw.registry.metrics.RecordSweepAction("failed_task", len(result.FailedTasks))

	if len(result.NewlyStale) > 0 || len(result.NewlyOffline) > 0 {
		sw.registry.log.Info().
			Int("newly_stale", len(result.NewlyStale)).
			Int("newly_offline", len(result.NewlyOffline)).
			Int("failed_tasks", len(result.FailedTasks)).
			Msg("liveness sweep")
	}

	return nil
}

// publishToMemberBoards is a placeholder hook for publishing worker
// lifecycle events to every board the user is a member of. Board membership
// lives in the outer Kanban application's own tables, outside this
// dispatch core; this core publishes to the worker's own user topic, which
// the outer application's stream bridge fans out to member boards.
func (r *Registry) publishToMemberBoards(ctx context.Context, userID, eventType string, payload map[string]any) {
	r.bus.Publish("user:"+userID, eventbus.Event{Type: eventType, Payload: payload})
}
