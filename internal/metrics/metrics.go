// Package metrics instruments the dispatch core's suspend points (store
// round trips, EventBus queue depth, stream writes, claim/sweep outcomes)
// without altering their blocking/non-blocking contracts: every Record*
// call is a fire-and-forget side effect on an already-computed result.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// storeQueryDuration tracks round-trip time per store operation.
	storeQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispatch_store_query_duration_seconds",
		Help:    "Store operation round-trip time by operation",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"operation"})

	// storeRetries tracks contention retries per store operation.
	storeRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_store_retries_total",
		Help: "Total number of contention retries by store operation",
	}, []string{"operation"})

	// storeErrors tracks terminal (non-retried) store errors by operation.
	storeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_store_errors_total",
		Help: "Total number of store operation errors by operation",
	}, []string{"operation"})

	// claimOutcomes tracks ClaimTask results: claimed or conflict.
	claimOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_claim_outcomes_total",
		Help: "Total number of task claim attempts by outcome",
	}, []string{"outcome"}) // outcome: claimed, conflict

	// queueDepthByTaskType tracks pending task counts observed at poll time.
	queueDepthByTaskType = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dispatch_queue_depth",
		Help: "Pending task count by task_type, sampled at poll time",
	}, []string{"task_type"})

	// eventbusSubscribers tracks the live subscriber count per topic.
	eventbusSubscribers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dispatch_eventbus_subscribers",
		Help: "Current EventBus subscriber count by topic",
	}, []string{"topic"})

	// eventbusDropped tracks drop-oldest overflow events.
	eventbusDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_eventbus_dropped_events_total",
		Help: "Total number of events dropped from a full subscriber queue",
	}, []string{"topic"})

	// streamWriteDuration tracks SSE write latency per flush.
	streamWriteDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatch_stream_write_duration_seconds",
		Help:    "SSE event write duration",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	})

	// streamConnections tracks live SSE connections by topic.
	streamConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dispatch_stream_connections",
		Help: "Current live SSE connections by topic",
	}, []string{"topic"})

	// sweepActions tracks liveness sweep state transitions and failure
	// routing actions taken per sweep pass.
	sweepActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_sweep_actions_total",
		Help: "Total number of liveness sweep actions by kind",
	}, []string{"kind"}) // kind: stale, offline, failed_task

	// automationRuns tracks automation engine trigger evaluations.
	automationRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_automation_runs_total",
		Help: "Total number of automation rule evaluations by outcome",
	}, []string{"outcome"}) // outcome: fired, circuit_broken, skipped
)

// Recorder provides methods to record dispatch-core metrics. It is a
// stateless wrapper; all state lives in the package-level collectors, so a
// zero-value Recorder is usable, and NewRecorder exists purely for parity
// with how other components are constructed and injected.
type Recorder struct{}

// NewRecorder creates a new metrics recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// RecordStoreQuery records a store operation's duration and, on a terminal
// error, increments the error counter for that operation.
func (m *Recorder) RecordStoreQuery(operation string, duration time.Duration, err error) {
	storeQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		storeErrors.WithLabelValues(operation).Inc()
	}
}

// RecordStoreRetry increments the retry counter for a store operation.
func (m *Recorder) RecordStoreRetry(operation string) {
	storeRetries.WithLabelValues(operation).Inc()
}

// RecordClaimOutcome records whether a ClaimTask attempt won or lost the
// race.
func (m *Recorder) RecordClaimOutcome(claimed bool) {
	if claimed {
		claimOutcomes.WithLabelValues("claimed").Inc()
	} else {
		claimOutcomes.WithLabelValues("conflict").Inc()
	}
}

// RecordQueueDepth sets the observed pending-task count for taskType.
func (m *Recorder) RecordQueueDepth(taskType string, depth int) {
	queueDepthByTaskType.WithLabelValues(taskType).Set(float64(depth))
}

// SetEventbusSubscribers sets the current subscriber gauge for topic.
func (m *Recorder) SetEventbusSubscribers(topic string, count int) {
	eventbusSubscribers.WithLabelValues(topic).Set(float64(count))
}

// RecordEventbusDrop increments the drop-oldest counter for topic.
func (m *Recorder) RecordEventbusDrop(topic string) {
	eventbusDropped.WithLabelValues(topic).Inc()
}

// RecordStreamWrite observes one SSE flush's duration.
func (m *Recorder) RecordStreamWrite(duration time.Duration) {
	streamWriteDuration.Observe(duration.Seconds())
}

// IncStreamConnection increments the live SSE connection gauge for topic.
func (m *Recorder) IncStreamConnection(topic string) {
	streamConnections.WithLabelValues(topic).Inc()
}

// DecStreamConnection decrements the live SSE connection gauge for topic.
func (m *Recorder) DecStreamConnection(topic string) {
	streamConnections.WithLabelValues(topic).Dec()
}

// RecordSweepAction increments the sweep action counter for kind.
func (m *Recorder) RecordSweepAction(kind string, count int) {
	if count <= 0 {
		return
	}
	sweepActions.WithLabelValues(kind).Add(float64(count))
}

// RecordAutomationRun increments the automation outcome counter.
func (m *Recorder) RecordAutomationRun(outcome string) {
	automationRuns.WithLabelValues(outcome).Inc()
}
