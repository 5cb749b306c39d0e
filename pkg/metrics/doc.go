/*
Package metrics provides Prometheus metrics collection and exposition for
the Hyperdrive kernel.

The metrics package defines and registers every Hyperdrive metric using the
Prometheus client library, giving node operators observability into message
routing throughput, file-descriptor budget allocation, peer connectivity,
and process restart behaviour. Metrics are exposed via an HTTP endpoint for
scraping by a Prometheus server.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              Collector                      │          │
	│  │  Polls on a 15s tick:                       │          │
	│  │   pkg/router.Router.Stats()                 │          │
	│  │   pkg/fdmanager.Manager (MaxFDs, Subscribe) │          │
	│  │   pkg/network.Network (PeerCount, ...)      │          │
	│  │   pkg/kernel.Supervisor.RestartCount()      │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          HTTP Metrics Endpoint               │          │
	│  │  - Path: /metrics (bound in cmd/hyperdrive)  │          │
	│  │  - Format: Prometheus text exposition        │          │
	│  │  - Handler: promhttp.Handler()               │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Metrics Catalog

Router:

hyperdrive_router_messages_routed_total:
  - Type: Gauge (mirrors a cumulative router counter)
  - Description: Total messages accepted off the router's local or network
    input streams since startup

hyperdrive_router_messages_delivered_total{path}:
  - Type: Gauge
  - Labels: path (local|remote)
  - Description: Messages successfully handed to a mailbox or to peer
    networking

hyperdrive_router_delivery_errors_total:
  - Type: Gauge
  - Description: Offline, timeout, or permission-denied delivery outcomes

File descriptors:

hyperdrive_fd_budget_max:
  - Type: Gauge
  - Description: The node's current file-descriptor ceiling (static or
    ulimit-derived)

hyperdrive_fd_budget_allocated{process}:
  - Type: GaugeVec
  - Labels: process (ProcessId string form)
  - Description: The FD share currently announced to one process

Networking:

hyperdrive_peers_connected:
  - Type: Gauge
  - Description: Direct peer connections currently held open

hyperdrive_passthroughs_active:
  - Type: Gauge
  - Description: Router passthrough connections relayed for indirect peers

Kernel:

hyperdrive_process_restarts_total:
  - Type: Gauge
  - Description: OnExit::Restart invocations carried out since startup

Adapters:

hyperdrive_adapter_request_duration_seconds{adapter,action}:
  - Type: HistogramVec
  - Description: Time an external-interface adapter took to answer a
    Request

hyperdrive_adapter_requests_total{adapter,action,outcome}:
  - Type: CounterVec
  - Labels: outcome (ok|error)
  - Description: Requests handled by an external-interface adapter

# Usage

Updating gauges directly from live state:

	import "github.com/hyperdrive-os/hyperdrive/pkg/metrics"

	metrics.PeersConnected.Set(float64(net.PeerCount()))
	metrics.FdBudgetMax.Set(float64(fds.MaxFDs()))

Timing an adapter request:

	timer := metrics.NewTimer()
	// ... handle the request ...
	timer.ObserveDurationVec(metrics.AdapterRequestDuration, "ethrpc", "Request")
	metrics.AdapterRequestsTotal.WithLabelValues("ethrpc", "Request", "ok").Inc()

Running the collector:

	c := metrics.NewCollector(supervisor, fdManager, net)
	c.Start()
	defer c.Stop()

	http.Handle("/metrics", metrics.Handler())

# Integration Points

  - pkg/router: messages routed/delivered/dropped, via Router.Stats()
  - pkg/fdmanager: budget ceiling and per-process allocation
  - pkg/network: peer and passthrough counts
  - pkg/kernel: restart counter
  - pkg/adapters/*: adapter request latency and outcome (available for any
    adapter to record; not yet wired at adapter call sites)
  - cmd/hyperdrive: starts the Collector and binds the /metrics endpoint
  - Prometheus: scrapes /metrics

# Design Patterns

Package Init Registration:
  - All metrics registered in init() via MustRegister
  - Ensures metrics are available before any collector runs

Gauge-as-counter:
  - Several metrics carry a _total suffix but are declared as Gauges: they
    mirror a cumulative counter that already lives in the polled
    component (pkg/router, pkg/kernel), so the collector sets rather than
    increments them on each tick

Timer Pattern:
  - Create a Timer at operation start, call ObserveDuration(Vec) once the
    operation completes

# See Also

  - Prometheus client library: https://github.com/prometheus/client_golang
  - Histogram best practices: https://prometheus.io/docs/practices/histograms/
*/
package metrics
