// Path: internal/stream/metrics.go
package stream

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "framecast"

// Collector is a prometheus.Collector that collects metrics about the
// streams and viewers of a Service.
type Collector struct {
	activeStreams     prometheus.Gauge
	activeViewers     prometheus.Gauge
	framesReceived    prometheus.Counter
	framesDelivered   prometheus.Counter
	framesDropped     prometheus.Counter
	deliveryFailures  prometheus.Counter
	subscribeFailures *prometheus.CounterVec
}

// NewMetricsCollector returns a new Collector.
func NewMetricsCollector() *Collector {
	return &Collector{
		activeStreams: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "active_streams",
				Help:      "The number of streams currently registered.",
			},
		),
		activeViewers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "active_viewers",
				Help:      "The number of viewers currently attached to a stream.",
			},
		),
		framesReceived: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "frames_received_total",
				Help:      "The number of frames read from producers.",
			},
		),
		framesDelivered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "frames_delivered_total",
				Help:      "The number of frames written to viewer queues.",
			},
		),
		framesDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "frames_dropped_total",
				Help:      "The number of buffered frames evicted from full viewer queues.",
			},
		),
		deliveryFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "delivery_failures_total",
				Help:      "The number of frames that could not be written to a viewer queue.",
			},
		),
		subscribeFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "subscribe_failures_total",
				Help:      "The number of rejected subscribe requests.",
			}, []string{"reason"},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.activeStreams.Describe(ch)
	c.activeViewers.Describe(ch)
	c.framesReceived.Describe(ch)
	c.framesDelivered.Describe(ch)
	c.framesDropped.Describe(ch)
	c.deliveryFailures.Describe(ch)
	c.subscribeFailures.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.activeStreams.Collect(ch)
	c.activeViewers.Collect(ch)
	c.framesReceived.Collect(ch)
	c.framesDelivered.Collect(ch)
	c.framesDropped.Collect(ch)
	c.deliveryFailures.Collect(ch)
	c.subscribeFailures.Collect(ch)
}
