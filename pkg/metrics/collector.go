package metrics

import (
	"time"

	"github.com/hyperdrive-os/hyperdrive/pkg/fdmanager"
	"github.com/hyperdrive-os/hyperdrive/pkg/kernel"
	"github.com/hyperdrive-os/hyperdrive/pkg/network"
)

// Collector polls the kernel's own components for live state and sets the
// corresponding Prometheus gauges on a fixed tick, mirroring the
// router/FD-budget/peer counters a node operator watches.
type Collector struct {
	supervisor *kernel.Supervisor
	fds        *fdmanager.Manager
	net        *network.Network

	fdUpdates <-chan fdmanager.Update
	lastFd    fdmanager.Update

	stopCh chan struct{}
}

// NewCollector creates a metrics collector over a running supervisor, FD
// budget manager, and peer network. net may be nil before Listen has been
// called; PeersConnected/PassthroughsActive are simply left unset.
func NewCollector(sup *kernel.Supervisor, fds *fdmanager.Manager, net *network.Network) *Collector {
	return &Collector{
		supervisor: sup,
		fds:        fds,
		net:        net,
		fdUpdates:  fds.Subscribe(),
		stopCh:     make(chan struct{}),
	}
}

// Start begins collecting metrics on a 15 second tick.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case upd := <-c.fdUpdates:
				c.lastFd = upd
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectRouterMetrics()
	c.collectFdMetrics()
	c.collectNetworkMetrics()
	c.collectKernelMetrics()
}

func (c *Collector) collectRouterMetrics() {
	stats := c.supervisor.Router().Stats()
	RouterMessagesRoutedTotal.Set(float64(stats.RoutedTotal))
	RouterDeliveryErrorsTotal.Set(float64(stats.DeliveryErrors))
	RouterMessagesDeliveredTotal.WithLabelValues("local").Set(float64(stats.DeliveredLocal))
	RouterMessagesDeliveredTotal.WithLabelValues("remote").Set(float64(stats.DeliveredRemote))
}

func (c *Collector) collectFdMetrics() {
	FdBudgetMax.Set(float64(c.fds.MaxFDs()))
	for p, limit := range c.lastFd.Limits {
		FdBudgetAllocated.WithLabelValues(p.String()).Set(float64(limit.Limit))
	}
}

func (c *Collector) collectNetworkMetrics() {
	if c.net == nil {
		return
	}
	PeersConnected.Set(float64(c.net.PeerCount()))
	PassthroughsActive.Set(float64(c.net.PassthroughCount()))
}

func (c *Collector) collectKernelMetrics() {
	ProcessRestartsTotal.Set(float64(c.supervisor.RestartCount()))
}
