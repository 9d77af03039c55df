// Package metrics exposes the optional Prometheus /metrics endpoint gated by
// monitoring.metrics_enabled. Grounded on mercator-hq-jupiter's
// pkg/telemetry/metrics collector: a small struct of pre-registered
// instruments behind a typed recording API, rather than ad-hoc metric
// lookups scattered through the dispatcher.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "codegraphrag"

// Recorder wraps the dispatcher- and probe-facing Prometheus instruments.
// A nil *Recorder is not valid; use NewNoop when metrics are disabled so
// every call site can record unconditionally.
type Recorder struct {
	registry *prometheus.Registry

	callsTotal      *prometheus.CounterVec
	callDuration    *prometheus.HistogramVec
	inFlightGauge   prometheus.Gauge
	probesTotal     *prometheus.CounterVec
	enabled         bool
}

// New constructs a Recorder and registers its instruments against a fresh
// Prometheus registry, exposed via promhttp.HandlerFor at GET /metrics.
func New() *Recorder {
	registry := prometheus.NewRegistry()
	r := &Recorder{
		registry: registry,
		enabled:  true,
		callsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Total number of call-tool dispatches by tool and outcome code.",
		}, []string{"tool", "outcome"}),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Tool handler execution latency by tool.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"tool"}),
		inFlightGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tool_calls_in_flight",
			Help:      "Number of call-tool requests currently executing.",
		}),
		probesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dependency_probes_total",
			Help:      "Total number of dependency health probes by dependency and state.",
		}, []string{"dependency", "state"}),
	}
	registry.MustRegister(r.callsTotal, r.callDuration, r.inFlightGauge, r.probesTotal)
	return r
}

// NewNoop returns a Recorder whose Registry is empty and whose recording
// methods are inert, used when monitoring.metrics_enabled is false.
func NewNoop() *Recorder {
	return &Recorder{registry: prometheus.NewRegistry(), enabled: false}
}

// Registry returns the Prometheus registry backing GET /metrics.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// RecordCall records one completed call-tool dispatch.
func (r *Recorder) RecordCall(tool, outcome string, elapsed time.Duration) {
	if r == nil || !r.enabled {
		return
	}
	r.callsTotal.WithLabelValues(tool, outcome).Inc()
	r.callDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}

// SetInFlight publishes the current in-flight request count.
func (r *Recorder) SetInFlight(n int64) {
	if r == nil || !r.enabled {
		return
	}
	r.inFlightGauge.Set(float64(n))
}

// RecordProbe records one dependency health probe outcome.
func (r *Recorder) RecordProbe(dependency, state string) {
	if r == nil || !r.enabled {
		return
	}
	r.probesTotal.WithLabelValues(dependency, state).Inc()
}
