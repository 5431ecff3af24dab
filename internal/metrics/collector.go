// Package tunnelmetrics holds the Prometheus Collector for the tunnel
// daemon (spec.md component C8).
package tunnelmetrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wanglonggod/ConnectTool12/internal/frame"
)

const namespace = "tunnel"

// -------------------------------------------------------------------------
// Collector — Prometheus tunnel metrics
// -------------------------------------------------------------------------

// Collector holds all tunnel Prometheus metrics. It structurally
// satisfies both mux.Metrics and overlay.Metrics, so the same instance
// is wired into the engine and the adapter.
type Collector struct {
	// FlowsActive tracks the current flow table size.
	FlowsActive prometheus.Gauge

	// FramesSent / FramesReceived count frames by type (DATA/CLOSE).
	FramesSent     *prometheus.CounterVec
	FramesReceived *prometheus.CounterVec

	// BytesSentTotal / BytesReceivedTotal count tunneled payload bytes.
	BytesSentTotal     prometheus.Counter
	BytesReceivedTotal prometheus.Counter

	// DialFailures counts host-side on-demand dials that failed.
	DialFailures prometheus.Counter

	// OverlayUpGauge is 1 while the overlay transport reports connected,
	// 0 otherwise.
	OverlayUpGauge prometheus.Gauge
}

// NewCollector creates a Collector with all tunnel metrics registered
// against reg. If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.FlowsActive,
		c.FramesSent,
		c.FramesReceived,
		c.BytesSentTotal,
		c.BytesReceivedTotal,
		c.DialFailures,
		c.OverlayUpGauge,
	)

	return c
}

func newMetrics() *Collector {
	return &Collector{
		FlowsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "flows_active",
			Help:      "Number of currently open multiplexed flows.",
		}),

		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total frames sent over the overlay transport, by type.",
		}, []string{"type"}),

		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total frames received over the overlay transport, by type.",
		}, []string{"type"}),

		BytesSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total tunneled payload bytes sent over the overlay transport.",
		}),

		BytesReceivedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total tunneled payload bytes received over the overlay transport.",
		}),

		DialFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dial_failures_total",
			Help:      "Total host-side on-demand dials that failed.",
		}),

		OverlayUpGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "overlay_up",
			Help:      "1 if the overlay transport currently reports connected, 0 otherwise.",
		}),
	}
}

// -------------------------------------------------------------------------
// mux.Metrics
// -------------------------------------------------------------------------

// FlowOpened implements mux.Metrics.
func (c *Collector) FlowOpened() {
	c.FlowsActive.Inc()
}

// FlowClosed implements mux.Metrics.
func (c *Collector) FlowClosed() {
	c.FlowsActive.Dec()
}

// FrameSent implements mux.Metrics.
func (c *Collector) FrameSent(t frame.Type) {
	c.FramesSent.WithLabelValues(t.String()).Inc()
}

// FrameReceived implements mux.Metrics.
func (c *Collector) FrameReceived(t frame.Type) {
	c.FramesReceived.WithLabelValues(t.String()).Inc()
}

// BytesSent implements mux.Metrics.
func (c *Collector) BytesSent(n int) {
	c.BytesSentTotal.Add(float64(n))
}

// BytesReceived implements mux.Metrics.
func (c *Collector) BytesReceived(n int) {
	c.BytesReceivedTotal.Add(float64(n))
}

// DialFailure implements mux.Metrics.
func (c *Collector) DialFailure() {
	c.DialFailures.Inc()
}

// -------------------------------------------------------------------------
// overlay.Metrics
// -------------------------------------------------------------------------

// OverlayUp implements overlay.Metrics.
func (c *Collector) OverlayUp(up bool) {
	if up {
		c.OverlayUpGauge.Set(1)
	} else {
		c.OverlayUpGauge.Set(0)
	}
}
