package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all application metrics
type Metrics struct {
	// Saga metrics
	TransfersAttempted   prometheus.Counter
	TransfersSucceeded   prometheus.Counter
	TransfersFailed      prometheus.Counter
	TransfersCompensated prometheus.Counter
	SagaDuration         prometheus.Histogram
	LedgerCalls          *prometheus.CounterVec
	LedgerLatency        *prometheus.HistogramVec

	// Outbox related metrics
	OutboxEventsProcessed   prometheus.Counter
	OutboxEventsFailed      prometheus.Counter
	OutboxPublishErrors     prometheus.Counter
	OutboxProcessingLatency prometheus.Histogram
	OutboxQueueSize         *prometheus.GaugeVec
	OutboxRetries           *prometheus.CounterVec
	OutboxPurged            prometheus.Counter
	OutboxReclaimed         prometheus.Counter

	// Database metrics
	DatabaseOperations *prometheus.CounterVec
}

// NewMetrics creates and registers all application metrics on reg. A nil reg
// means the default registry.
func NewMetrics(namespace, subsystem string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		TransfersAttempted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "transfers_attempted_total",
			Help:      "Total number of transfer sagas started",
		}),
		TransfersSucceeded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "transfers_succeeded_total",
			Help:      "Total number of transfers completed",
		}),
		TransfersFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "transfers_failed_total",
			Help:      "Total number of transfers that did not complete",
		}),
		TransfersCompensated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "transfers_compensated_total",
			Help:      "Total number of transfers undone by compensation",
		}),
		SagaDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "saga_duration_seconds",
			Help:      "Wall time of one transfer saga",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		LedgerCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "ledger_calls_total",
			Help:      "Ledger client calls by operation and outcome",
		}, []string{"operation", "outcome"}),
		LedgerLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "ledger_call_duration_seconds",
			Help:      "Duration of ledger client calls",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"operation"}),

		OutboxEventsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "outbox_events_processed_total",
			Help:      "Total number of successfully published outbox events",
		}),
		OutboxEventsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "outbox_events_failed_total",
			Help:      "Total number of outbox events that exhausted their retries",
		}),
		OutboxPublishErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "outbox_publish_errors_total",
			Help:      "Total number of failed publish attempts",
		}),
		OutboxProcessingLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "outbox_processing_duration_seconds",
			Help:      "Time spent processing one outbox batch",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		OutboxQueueSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "outbox_queue_size",
			Help:      "Current number of outbox events by status",
		}, []string{"status"}),
		OutboxRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "outbox_retry_attempts_total",
			Help:      "Total number of retry attempts for outbox events",
		}, []string{"event_type"}),
		OutboxPurged: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "outbox_events_purged_total",
			Help:      "Total number of processed events removed by retention",
		}),
		OutboxReclaimed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "outbox_events_reclaimed_total",
			Help:      "Total number of abandoned claims returned to pending",
		}),

		DatabaseOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "database_operations_total",
			Help:      "Total number of database operations",
		}, []string{"operation", "status"}),
	}
}

func (m *Metrics) TransferAttempted()   { m.TransfersAttempted.Inc() }
func (m *Metrics) TransferSucceeded()   { m.TransfersSucceeded.Inc() }
func (m *Metrics) TransferFailed()      { m.TransfersFailed.Inc() }
func (m *Metrics) TransferCompensated() { m.TransfersCompensated.Inc() }

func (m *Metrics) ObserveSagaDuration(d time.Duration) {
	m.SagaDuration.Observe(d.Seconds())
}

// ObserveLedgerCall records one ledger client round trip.
func (m *Metrics) ObserveLedgerCall(operation, outcome string, d time.Duration) {
	m.LedgerCalls.WithLabelValues(operation, outcome).Inc()
	m.LedgerLatency.WithLabelValues(operation).Observe(d.Seconds())
}

// DBOp counts a database operation by result.
func (m *Metrics) DBOp(operation string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.DatabaseOperations.WithLabelValues(operation, status).Inc()
}
