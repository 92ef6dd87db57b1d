package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// AutomatonMetrics instruments the per-pipeline reconciliation loop: how
// long a cycle takes, which transitions fire, and how many automata are
// currently running under the supervisor.
type AutomatonMetrics struct {
	CycleDuration   *prometheus.HistogramVec
	CyclesTotal     *prometheus.CounterVec
	TransitionsTotal *prometheus.CounterVec
	ActiveAutomata  prometheus.Gauge
	VersionConflicts prometheus.Counter
}

// NewAutomatonMetrics registers the automaton metric family under namespace.
func NewAutomatonMetrics(namespace string) *AutomatonMetrics {
	subsystem := "automaton"

	return &AutomatonMetrics{
		CycleDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of one run-cycle of the deployment automaton, by resulting status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),

		CyclesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cycles_total",
			Help:      "Total number of automaton run-cycles, by outcome (ok, error).",
		}, []string{"outcome"}),

		TransitionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "transitions_total",
			Help:      "Total deployment-status transitions, labeled from -> to.",
		}, []string{"from", "to"}),

		ActiveAutomata: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active_total",
			Help:      "Number of automata currently running under the supervisor.",
		}),

		VersionConflicts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "version_conflicts_total",
			Help:      "Total OutdatedPipelineVersion errors observed on the Shutdown->Provisioning retry path.",
		}),
	}
}

// StoreMetrics instruments the descriptor store: latency and error counts
// per operation, plus how often a version guard rejected a write.
type StoreMetrics struct {
	OperationDuration *prometheus.HistogramVec
	OperationErrors   *prometheus.CounterVec
}

func NewStoreMetrics(namespace string) *StoreMetrics {
	subsystem := "store"

	return &StoreMetrics{
		OperationDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "operation_duration_seconds",
			Help:      "Duration of descriptor store operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		OperationErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "operation_errors_total",
			Help:      "Total descriptor store operation errors, by operation and error kind.",
		}, []string{"operation", "kind"}),
	}
}

// ExecutorMetrics instruments PipelineExecutor calls across backends.
type ExecutorMetrics struct {
	OperationDuration *prometheus.HistogramVec
	OperationErrors   *prometheus.CounterVec
}

func NewExecutorMetrics(namespace string) *ExecutorMetrics {
	subsystem := "executor"

	return &ExecutorMetrics{
		OperationDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "operation_duration_seconds",
			Help:      "Duration of PipelineExecutor operations, by backend and operation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend", "operation"}),

		OperationErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "operation_errors_total",
			Help:      "Total PipelineExecutor operation errors, by backend and operation.",
		}, []string{"backend", "operation"}),
	}
}

// RetryMetrics is the generic instrumentation type internal/resilience
// records to, independent of which component's retry loop is running.
type RetryMetrics struct {
	attemptsTotal *prometheus.CounterVec
	finalOutcome  *prometheus.CounterVec
	finalAttempts *prometheus.HistogramVec
	backoffDelay  *prometheus.HistogramVec
}

func NewRetryMetrics(namespace string) *RetryMetrics {
	subsystem := "retry"

	return &RetryMetrics{
		attemptsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "attempts_total",
			Help:      "Total retry attempts, by operation, outcome, and error classification.",
		}, []string{"operation", "outcome", "error_type"}),

		finalOutcome: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "final_outcome_total",
			Help:      "Final outcome of a retried operation, by operation and outcome.",
		}, []string{"operation", "outcome"}),

		finalAttempts: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "attempts_per_operation",
			Help:      "Number of attempts a retried operation took before its final outcome.",
			Buckets:   []float64{1, 2, 3, 4, 5, 8},
		}, []string{"operation", "outcome"}),

		backoffDelay: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "backoff_seconds",
			Help:      "Computed backoff delay before a retry attempt.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
	}
}

// RecordAttempt records one attempt of a retried operation.
func (m *RetryMetrics) RecordAttempt(operation, outcome, errorType string, durationSeconds float64) {
	m.attemptsTotal.WithLabelValues(operation, outcome, errorType).Inc()
}

// RecordFinalAttempt records the terminal outcome of a retried operation
// and how many attempts it took to get there.
func (m *RetryMetrics) RecordFinalAttempt(operation, outcome string, attempts int) {
	m.finalOutcome.WithLabelValues(operation, outcome).Inc()
	m.finalAttempts.WithLabelValues(operation, outcome).Observe(float64(attempts))
}

// RecordBackoff records the delay computed before the next retry attempt.
func (m *RetryMetrics) RecordBackoff(operation string, delaySeconds float64) {
	m.backoffDelay.WithLabelValues(operation).Observe(delaySeconds)
}
