// Package metrics holds the Prometheus collectors for the ledger service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	LedgerOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_operations_total",
			Help: "Ledger operations by operation and outcome",
		},
		[]string{"operation", "status"},
	)

	LedgerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_operation_duration_seconds",
			Help:    "Duration of ledger operations",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	AddressConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_address_conflicts_total",
			Help: "Generated wallet addresses rejected as duplicates",
		},
	)

	Contributions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bf_contributions_total",
			Help: "Contributions recorded against bereavement fund cases",
		},
		[]string{"source"},
	)

	NotificationsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notifications_dropped_total",
			Help: "Notification events dropped because the queue was full or closed",
		},
	)

	NotificationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_failures_total",
			Help: "Notification sink delivery failures",
		},
		[]string{"sink"},
	)

	ReconcileDiscrepancies = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ledger_reconcile_discrepancies",
			Help: "Wallets whose balance disagreed with their log at the last reconciliation",
		},
	)
)

// ObserveOperation records the outcome and duration of a ledger operation.
func ObserveOperation(op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	LedgerOperations.WithLabelValues(op, status).Inc()
	LedgerDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
