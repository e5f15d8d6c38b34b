// Package observability holds the process-wide Prometheus collectors shared
// across taskflux's packages. Grounded directly in the teacher's
// control_plane/observability/metrics.go: one promauto-registered var block,
// named after the project rather than per-caller, imported by every package
// that needs to record a signal.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ClaimedTasks tracks tasks returned by claimAvailable per poll cycle.
	ClaimedTasks = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "taskflux_claimed_tasks",
		Help:    "Number of tasks claimed per poll cycle",
		Buckets: prometheus.LinearBuckets(0, 2, 10),
	})

	// ClaimMismatch tracks claimAvailable calls where the store-reported
	// update count disagreed with the number of materialized documents.
	ClaimMismatch = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskflux_claim_count_mismatch_total",
		Help: "claimAvailable calls where claimedTasks disagreed with len(docs)",
	})

	// StoreErrors tracks store errors by classification.
	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskflux_store_errors_total",
		Help: "Store errors observed, by classification",
	}, []string{"kind"})

	// ManagedMaxWorkers tracks the live worker ceiling.
	ManagedMaxWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskflux_managed_max_workers",
		Help: "Current live maxWorkers value derived by ManagedConfiguration",
	})

	// ManagedPollIntervalSeconds tracks the live poll interval.
	ManagedPollIntervalSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskflux_managed_poll_interval_seconds",
		Help: "Current live pollInterval value derived by ManagedConfiguration",
	})

	// PollCycles tracks poller emissions by trigger.
	PollCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskflux_poll_cycles_total",
		Help: "Poller work-cycle emissions, by trigger",
	}, []string{"trigger"}) // timer, request

	// PollWorkDuration tracks the duration of the work callback.
	PollWorkDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "taskflux_poll_work_duration_seconds",
		Help:    "Duration of a single poller work-phase invocation",
		Buckets: prometheus.DefBuckets,
	})

	// PollWorkTimeouts tracks work-phase timeouts.
	PollWorkTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskflux_poll_work_timeouts_total",
		Help: "Work-phase invocations that exceeded workTimeout",
	})

	// MonitorRestarts tracks ObservableMonitor-triggered poller rebuilds.
	MonitorRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskflux_monitor_restarts_total",
		Help: "Times the ObservableMonitor tore down and recreated a stuck poller",
	})

	// PoolAvailableWorkers tracks current pool slack.
	PoolAvailableWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskflux_pool_available_workers",
		Help: "availableWorkers = maxWorkers - running, at last observation",
	})

	// PoolRunnersDropped tracks runners handed to the pool beyond capacity.
	PoolRunnersDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskflux_pool_runners_dropped_total",
		Help: "Runners dropped because the pool had no available capacity",
	})

	// RunnerOutcomes tracks terminal runner outcomes.
	RunnerOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskflux_runner_outcomes_total",
		Help: "Runner outcomes by disposition",
	}, []string{"outcome"}) // removed, rescheduled, failed, retry, version_conflict, unknown_type, persist_error

	// RunnerExecutionSeconds tracks executor runtime.
	RunnerExecutionSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "taskflux_runner_execution_seconds",
		Help:    "Executor invocation runtime",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	})

	// EventPublishFailures tracks events dropped because a subscriber's
	// buffer was full (non-blocking, best-effort delivery).
	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskflux_event_publish_failures_total",
		Help: "Lifecycle events dropped due to a full subscriber buffer",
	}, []string{"kind", "reason"})

	// SchedulerCircuitState tracks the claim-cycle circuit breaker state.
	SchedulerCircuitState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskflux_scheduler_circuit_state",
		Help: "Claim-cycle circuit breaker state (0=closed, 1=half_open, 2=open)",
	})

	// RateLimitedDispatches tracks runners delayed by the per-key token bucket.
	RateLimitedDispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskflux_rate_limited_dispatch_total",
		Help: "Runner dispatches delayed by a per-key rate limiter",
	}, []string{"key"})

	// VersionConflicts tracks optimistic-concurrency rejections.
	VersionConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskflux_version_conflicts_total",
		Help: "Version-conflict rejections, by operation",
	}, []string{"operation"}) // mark_running, persist_outcome, ensure_scheduled

	// LeaseJanitorReclaims tracks leases force-released by the Redis janitor.
	LeaseJanitorReclaims = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskflux_lease_janitor_reclaims_total",
		Help: "Expired Redis task leases force-released by the janitor sweep",
	})
)
