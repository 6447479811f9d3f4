package metrics

import "github.com/prometheus/client_golang/prometheus"

// RegistryMetrics holds Prometheus metrics for the channel registry.
type RegistryMetrics struct {
	ActiveChannels    prometheus.Gauge
	ChannelsCreated   prometheus.Counter
	ChannelsRemoved   *prometheus.CounterVec
	Heartbeats        prometheus.Counter
	LinesPublished    prometheus.Counter
	DeliveryFailures  prometheus.Counter
	CommandQueueDepth prometheus.Gauge
}

// NewRegistryMetrics creates and registers registry metrics on the given registry.
func NewRegistryMetrics(reg prometheus.Registerer) *RegistryMetrics {
	m := &RegistryMetrics{
		ActiveChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "active_channels",
			Help:      "Number of channels currently known to the registry.",
		}),
		ChannelsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "channels_created_total",
			Help:      "Total number of channels created.",
		}),
		ChannelsRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "channels_removed_total",
			Help:      "Total number of channels torn down, by reason.",
		}, []string{"reason"}),
		Heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "heartbeats_total",
			Help:      "Total number of heartbeats applied.",
		}),
		LinesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "lines_published_total",
			Help:      "Total number of lines published into channel buffers.",
		}),
		DeliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "delivery_failures_total",
			Help:      "Viewers detached because a line could not be queued to them.",
		}),
		CommandQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "command_queue_depth",
			Help:      "Current depth of the registry command queue.",
		}),
	}

	reg.MustRegister(m.ActiveChannels, m.ChannelsCreated, m.ChannelsRemoved, m.Heartbeats,
		m.LinesPublished, m.DeliveryFailures, m.CommandQueueDepth)
	return m
}
