package metrics

import "github.com/prometheus/client_golang/prometheus"

// MirrorMetrics holds Prometheus metrics for the Redis line mirror.
type MirrorMetrics struct {
	Published           prometheus.Counter
	Dropped             *prometheus.CounterVec
	Commands            *prometheus.CounterVec
	CommandDuration     *prometheus.HistogramVec
	CircuitState        prometheus.Gauge
	CircuitStateChanges *prometheus.CounterVec
}

// NewMirrorMetrics creates and registers mirror metrics on the given registry.
func NewMirrorMetrics(reg prometheus.Registerer) *MirrorMetrics {
	m := &MirrorMetrics{
		Published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mirror",
			Name:      "published_total",
			Help:      "Lines published to Redis.",
		}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mirror",
			Name:      "dropped_total",
			Help:      "Mirror operations not applied, by reason.",
		}, []string{"reason"}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "commands_total",
			Help:      "Redis commands by operation and status.",
		}, []string{"operation", "status"}),
		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "command_duration_seconds",
			Help:      "Redis command latency by operation.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		}, []string{"operation"}),
		CircuitState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mirror",
			Name:      "circuit_state",
			Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),
		CircuitStateChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mirror",
			Name:      "circuit_state_changes_total",
			Help:      "Circuit breaker transitions by new state.",
		}, []string{"state"}),
	}

	reg.MustRegister(m.Published, m.Dropped, m.Commands, m.CommandDuration, m.CircuitState, m.CircuitStateChanges)
	return m
}
