// Package observability exposes every Prometheus metric the pipeline
// emits, grounded on control_plane/observability/metrics.go: one package
// of promauto-registered collectors, reused by every other package.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks pending tasks per priority queue.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "triage_queue_depth",
		Help: "Current number of tasks queued, by priority",
	}, []string{"priority"})

	QueueOldestTaskAge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "triage_queue_oldest_task_age_seconds",
		Help: "Age of the oldest queued task in seconds",
	}, []string{"priority"})

	// AdmissionDecisions counts ingest admission outcomes.
	AdmissionDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "triage_admission_decisions_total",
		Help: "Total ingest admission decisions made",
	}, []string{"decision", "reason"}) // decision: admitted, dropped; reason: cache_hit, folded_duplicate, unique, whitelist, or the shouldDrop reason

	IngestLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "triage_ingest_latency_seconds",
		Help:    "Time from IngestTask arrival to admission decision",
		Buckets: prometheus.DefBuckets,
	})

	// DispatchDecisions counts FileDispatcher scheduling outcomes.
	DispatchDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "triage_dispatch_decisions_total",
		Help: "Total file-dispatch scheduling decisions",
	}, []string{"decision"}) // dispatched, held_for_parent, finished, dropped

	ServiceFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "triage_service_failures_total",
		Help: "Total (file, service) task failures observed by the dispatcher",
	}, []string{"service"})

	ServiceCircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "triage_service_circuit_state",
		Help: "Per-service circuit breaker state (0=closed, 1=half_open, 2=open)",
	}, []string{"service"})

	RetryCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "triage_retries_total",
		Help: "Total submission retries issued",
	}, []string{"reason"})

	// SubmissionDecisions counts SubmissionDispatcher completion outcomes.
	SubmissionDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "triage_submission_decisions_total",
		Help: "Total submission completion decisions",
	}, []string{"decision"}) // completed, timed_out, retried

	SubmissionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "triage_submission_duration_seconds",
		Help:    "Wall time from submission start to completion",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~2.3h
	})

	// WatcherArmed tracks the number of live Watcher timers.
	WatcherArmed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "triage_watcher_armed_total",
		Help: "Current number of armed Watcher timers",
	})

	WatcherFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "triage_watcher_fired_total",
		Help: "Total Watcher timers that fired (as opposed to being cancelled)",
	}, []string{"queue"})

	// LeadershipEpoch / LeadershipTransitions mirror the teacher's leader
	// election metrics, reused verbatim since this pipeline keeps the same
	// fencing-epoch design for the Watcher's leader lock.
	LeadershipEpoch = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "triage_leader_epoch",
		Help: "Current fencing epoch held by this node's Watcher leader lock",
	}, []string{"node_id"})

	LeadershipTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "triage_leader_transitions_total",
		Help: "Total leadership acquisition and loss events",
	}, []string{"node_id", "event"})

	IdempotencyLockAcquired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "triage_idempotency_lock_acquired_total",
		Help: "Total idempotency locks acquired on the ingest path",
	})

	IdempotencyLockExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "triage_idempotency_lock_expired_total",
		Help: "Total idempotency locks that expired before release",
	})

	// RedisLatency tracks round-trip latency to the kv store backend.
	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "triage_redis_roundtrip_latency_seconds",
		Help:    "kvstore operation latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~0.5s
	})

	DegradedMode = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "triage_degraded_mode",
		Help: "1 when the cache layer is operating in degraded (process-local only) mode",
	})

	WebsocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "triage_websocket_clients",
		Help: "Current number of connected result-stream websocket clients",
	})
)
