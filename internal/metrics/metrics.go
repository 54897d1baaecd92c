// Package metrics exposes the capture core's aggregate statistics as
// prometheus gauges.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"tunscope/internal/core/model"
)

// Collector tracks the last stats dump. It updates from the host receiver
// path, so the gauges always mirror what the UI was told.
type Collector struct {
	sentBytes    prometheus.Gauge
	rcvdBytes    prometheus.Gauge
	sentPkts     prometheus.Gauge
	rcvdPkts     prometheus.Gauge
	droppedConns prometheus.Gauge
	activeConns  prometheus.Gauge
	totalConns   prometheus.Gauge
	openSockets  prometheus.Gauge
	dnsRequests  prometheus.Gauge
}

func gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tunscope",
		Name:      name,
		Help:      help,
	})
}

// NewCollector creates the gauge set and registers it.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		sentBytes:    gauge("sent_bytes_total", "Bytes sent tun to net."),
		rcvdBytes:    gauge("rcvd_bytes_total", "Bytes received net to tun."),
		sentPkts:     gauge("sent_packets_total", "Packets sent tun to net."),
		rcvdPkts:     gauge("rcvd_packets_total", "Packets received net to tun."),
		droppedConns: gauge("dropped_connections_total", "Connections dropped by the NAT."),
		activeConns:  gauge("active_connections", "Connections currently tracked."),
		totalConns:   gauge("opened_connections_total", "Connections opened since run start."),
		openSockets:  gauge("open_sockets", "Sockets held by the NAT backend."),
		dnsRequests:  gauge("dns_requests_total", "Plaintext DNS queries observed."),
	}
	reg.MustRegister(c.sentBytes, c.rcvdBytes, c.sentPkts, c.rcvdPkts,
		c.droppedConns, c.activeConns, c.totalConns, c.openSockets, c.dnsRequests)
	return c
}

// Observe updates the gauges from one stats dump.
func (c *Collector) Observe(stats model.StatsEvent) {
	c.sentBytes.Set(float64(stats.SentBytes))
	c.rcvdBytes.Set(float64(stats.RcvdBytes))
	c.sentPkts.Set(float64(stats.SentPkts))
	c.rcvdPkts.Set(float64(stats.RcvdPkts))
	c.droppedConns.Set(float64(stats.DroppedConns))
	c.activeConns.Set(float64(stats.ActiveConns))
	c.totalConns.Set(float64(stats.TotalConns))
	c.openSockets.Set(float64(stats.OpenSockets))
	c.dnsRequests.Set(float64(stats.DNSRequests))
}
