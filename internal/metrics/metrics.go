// Package metrics holds the Prometheus instrumentation for the secret store.
//
// All methods are safe on a nil *StoreMetrics so callers that do not care
// about metrics can pass nil.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "vstore"

// StoreMetrics holds all metrics for store operations.
type StoreMetrics struct {
	OperationsTotal    *prometheus.CounterVec
	OperationDuration  *prometheus.HistogramVec
	ValidationFailures *prometheus.CounterVec
	BackendFallbacks   *prometheus.CounterVec
	BackendSelected    *prometheus.GaugeVec
}

// New creates the store metrics and registers them on reg. A nil reg
// leaves the collectors unregistered.
func New(reg prometheus.Registerer) *StoreMetrics {
	m := &StoreMetrics{
		OperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "operations_total",
				Help:      "Total number of store operations by provider, backend, operation and result.",
			},
			[]string{"provider", "backend", "operation", "result"},
		),

		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "operation_duration_seconds",
				Help:      "Duration of store operations in seconds.",
				Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"provider", "backend", "operation"},
		),

		ValidationFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "validation_failures_total",
				Help:      "Payloads rejected before reaching the backend.",
			},
			[]string{"provider"},
		),

		BackendFallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "backend",
				Name:      "fallbacks_total",
				Help:      "Times a configured database was unreachable and the in-memory backend was used instead.",
			},
			[]string{"provider"},
		),

		BackendSelected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "backend",
				Name:      "selected",
				Help:      "Backend kind selected per provider (1 = active).",
			},
			[]string{"provider", "kind"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.OperationsTotal,
			m.OperationDuration,
			m.ValidationFailures,
			m.BackendFallbacks,
			m.BackendSelected,
		)
	}

	return m
}

// ObserveOperation records the outcome and latency of one operation.
func (m *StoreMetrics) ObserveOperation(provider, backend, operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.OperationsTotal.WithLabelValues(provider, backend, operation, result).Inc()
	m.OperationDuration.WithLabelValues(provider, backend, operation).Observe(time.Since(start).Seconds())
}

// ValidationFailed counts a rejected payload.
func (m *StoreMetrics) ValidationFailed(provider string) {
	if m == nil {
		return
	}
	m.ValidationFailures.WithLabelValues(provider).Inc()
}

// BackendFellBack counts a database fallback for provider.
func (m *StoreMetrics) BackendFellBack(provider string) {
	if m == nil {
		return
	}
	m.BackendFallbacks.WithLabelValues(provider).Inc()
}

// BackendChosen marks kind as the active backend for provider.
func (m *StoreMetrics) BackendChosen(provider, kind string) {
	if m == nil {
		return
	}
	m.BackendSelected.WithLabelValues(provider, kind).Set(1)
}
