// Package metrics provides centralized Prometheus metrics for the pipeline
// controller: automaton cycle/transition counters, descriptor-store
// operation metrics, executor operation metrics, and a generic retry
// instrumentation type consumed by internal/resilience.
//
// Metrics follow the naming convention:
// pipeline_controller_<category>_<metric_name>_<unit>
package metrics

import (
	"sync"
)

// MetricsRegistry is the central registry for all Prometheus metrics,
// organized by category and lazily initialized on first access.
type MetricsRegistry struct {
	namespace string

	automaton *AutomatonMetrics
	store     *StoreMetrics
	executor  *ExecutorMetrics
	retry     *RetryMetrics

	automatonOnce sync.Once
	storeOnce     sync.Once
	executorOnce  sync.Once
	retryOnce     sync.Once
}

var (
	defaultRegistry     *MetricsRegistry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the global singleton MetricsRegistry.
func DefaultRegistry() *MetricsRegistry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewMetricsRegistry("pipeline_controller")
	})
	return defaultRegistry
}

// NewMetricsRegistry creates a registry under the given namespace. Most
// callers should use DefaultRegistry instead.
func NewMetricsRegistry(namespace string) *MetricsRegistry {
	if namespace == "" {
		namespace = "pipeline_controller"
	}
	return &MetricsRegistry{namespace: namespace}
}

// Automaton returns the per-cycle/transition metrics manager.
func (r *MetricsRegistry) Automaton() *AutomatonMetrics {
	r.automatonOnce.Do(func() {
		r.automaton = NewAutomatonMetrics(r.namespace)
	})
	return r.automaton
}

// Store returns the descriptor-store operation metrics manager.
func (r *MetricsRegistry) Store() *StoreMetrics {
	r.storeOnce.Do(func() {
		r.store = NewStoreMetrics(r.namespace)
	})
	return r.store
}

// Executor returns the pipeline-executor operation metrics manager.
func (r *MetricsRegistry) Executor() *ExecutorMetrics {
	r.executorOnce.Do(func() {
		r.executor = NewExecutorMetrics(r.namespace)
	})
	return r.executor
}

// Retry returns the generic retry-instrumentation metrics manager, the one
// internal/resilience.RetryPolicy.Metrics expects.
func (r *MetricsRegistry) Retry() *RetryMetrics {
	r.retryOnce.Do(func() {
		r.retry = NewRetryMetrics(r.namespace)
	})
	return r.retry
}

// Namespace returns the configured Prometheus namespace.
func (r *MetricsRegistry) Namespace() string {
	return r.namespace
}
