package metrics

import "github.com/prometheus/client_golang/prometheus"

// RelayMetrics holds Prometheus metrics for the UDP relay.
type RelayMetrics struct {
	DatagramsReceived *prometheus.CounterVec
	DatagramsDropped  *prometheus.CounterVec
	ReadErrors        prometheus.Counter
	Announcements     *prometheus.CounterVec
}

// NewRelayMetrics creates and registers relay metrics on the given registry.
func NewRelayMetrics(reg prometheus.Registerer) *RelayMetrics {
	m := &RelayMetrics{
		DatagramsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "datagrams_received_total",
			Help:      "Accepted datagrams by kind (control, data).",
		}, []string{"kind"}),
		DatagramsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "datagrams_dropped_total",
			Help:      "Dropped datagrams by reason.",
		}, []string{"reason"}),
		ReadErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "read_errors_total",
			Help:      "Transient errors reading from the UDP socket.",
		}),
		Announcements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "announcements_total",
			Help:      "Startup PING announcements by status.",
		}, []string{"status"}),
	}

	reg.MustRegister(m.DatagramsReceived, m.DatagramsDropped, m.ReadErrors, m.Announcements)
	return m
}
