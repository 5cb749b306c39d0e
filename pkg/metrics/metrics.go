package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Router metrics. These mirror cumulative counters already kept inside
	// pkg/router; the collector sets rather than increments them on each
	// poll, so a Gauge is the right Prometheus type despite the _total name.
	RouterMessagesRoutedTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hyperdrive_router_messages_routed_total",
			Help: "Total number of messages accepted by the router's event loop",
		},
	)

	RouterMessagesDeliveredTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hyperdrive_router_messages_delivered_total",
			Help: "Total number of messages successfully delivered, by path",
		},
		[]string{"path"}, // local|remote
	)

	RouterDeliveryErrorsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hyperdrive_router_delivery_errors_total",
			Help: "Total number of offline, timeout, or permission-denied delivery outcomes",
		},
	)

	// File descriptor budget metrics
	FdBudgetMax = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hyperdrive_fd_budget_max",
			Help: "The node's current file descriptor ceiling",
		},
	)

	FdBudgetAllocated = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hyperdrive_fd_budget_allocated",
			Help: "File descriptor share currently granted to a process",
		},
		[]string{"process"},
	)

	// Networking metrics
	PeersConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hyperdrive_peers_connected",
			Help: "Number of direct peer connections currently held open",
		},
	)

	PassthroughsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hyperdrive_passthroughs_active",
			Help: "Number of router passthrough connections relayed for indirect peers",
		},
	)

	// Kernel metrics. Also a cumulative counter mirrored via Gauge.Set, for
	// the same reason as the router metrics above.
	ProcessRestartsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hyperdrive_process_restarts_total",
			Help: "Total number of OnExit::Restart invocations since startup",
		},
	)

	// Adapter metrics
	AdapterRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hyperdrive_adapter_request_duration_seconds",
			Help:    "Time taken by an external-interface adapter to answer a Request",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"adapter", "action"},
	)

	AdapterRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hyperdrive_adapter_requests_total",
			Help: "Total number of requests handled by an external-interface adapter, by outcome",
		},
		[]string{"adapter", "action", "outcome"}, // outcome: ok|error
	)
)

func init() {
	prometheus.MustRegister(RouterMessagesRoutedTotal)
	prometheus.MustRegister(RouterMessagesDeliveredTotal)
	prometheus.MustRegister(RouterDeliveryErrorsTotal)
	prometheus.MustRegister(FdBudgetMax)
	prometheus.MustRegister(FdBudgetAllocated)
	prometheus.MustRegister(PeersConnected)
	prometheus.MustRegister(PassthroughsActive)
	prometheus.MustRegister(ProcessRestartsTotal)
	prometheus.MustRegister(AdapterRequestDuration)
	prometheus.MustRegister(AdapterRequestsTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
