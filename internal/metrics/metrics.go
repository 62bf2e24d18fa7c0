// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TaskTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "melodyforge",
		Name:      "task_transitions_total",
		Help:      "Task status transitions by target status.",
	}, []string{"status"})

	ProviderCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "melodyforge",
		Name:      "provider_calls_total",
		Help:      "Generation provider calls by operation and outcome.",
	}, []string{"operation", "outcome"})

	ProviderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "melodyforge",
		Name:      "provider_call_seconds",
		Help:      "Wall-clock time of a provider call including polling.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"operation"})

	LedgerOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "melodyforge",
		Name:      "ledger_operations_total",
		Help:      "Ledger operations by kind and outcome.",
	}, []string{"kind", "outcome"})

	NotifierFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "melodyforge",
		Name:      "notifier_edit_fallbacks_total",
		Help:      "Status message edits that fell back to sending a new message.",
	})
)
