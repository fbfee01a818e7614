// Package telemetry exposes Prometheus metrics of the exchange service.
package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ExchangeRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_requests_total",
		Help: "Exchange protocol requests by mode and result",
	}, []string{"mode", "result"})
	UploadedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "exchange_uploaded_bytes_total",
		Help: "Bytes accepted through file mode",
	})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "exchange_rate_limit_rejects_total",
		Help: "Requests rejected by the rate limiter",
	})
	OrdersExported = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "exchange_orders_exported_total",
		Help: "Order documents returned by query mode",
	})
	OrdersMarkedSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "exchange_orders_marked_sent_total",
		Help: "Orders acknowledged by success mode",
	})
	ReconcileOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_reconcile_records_total",
		Help: "Inbound order status records by outcome",
	}, []string{"outcome"})
	ImportsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "exchange_imports_submitted_total",
		Help: "Import jobs handed to the task queue",
	})
	ImportsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_imports_finished_total",
		Help: "Import sessions reaching a terminal status",
	}, []string{"status"})
	ImportRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "exchange_import_retries_total",
		Help: "Import jobs rescheduled after a transient failure",
	})
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "exchange_import_queue_depth",
		Help: "Import jobs waiting in the ready queue",
	})
)

// Register adds the collectors to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			ExchangeRequests,
			UploadedBytes,
			RateLimitRejects,
			OrdersExported,
			OrdersMarkedSent,
			ReconcileOutcomes,
			ImportsSubmitted,
			ImportsFinished,
			ImportRetries,
			QueueDepth,
		)
	})
}

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}
