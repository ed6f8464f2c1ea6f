// Package metrics exposes Prometheus collectors for runs, tools and relays.
// Every method is safe to call on a nil *Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tabot"

type Metrics struct {
	runs          *prometheus.CounterVec
	runDuration   prometheus.Histogram
	toolCalls     *prometheus.CounterVec
	uploads       *prometheus.CounterVec
	relayConnects *prometheus.CounterVec
	relayEvents   *prometheus.CounterVec
	relayUp       *prometheus.GaugeVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Assistant runs by terminal outcome.",
		}, []string{"outcome"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Time from run creation to a terminal state.",
			Buckets:   []float64{1, 2.5, 5, 10, 20, 40, 80, 160, 320},
		}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool calls requested by the model.",
		}, []string{"tool", "outcome"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attachment_uploads_total",
			Help:      "Attachment uploads to the assistant backend.",
		}, []string{"outcome"}),
		relayConnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_connects_total",
			Help:      "Relay connection attempts.",
		}, []string{"source", "outcome"}),
		relayEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_events_total",
			Help:      "Relay frames received, by event type.",
		}, []string{"source", "type"}),
		relayUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_connected",
			Help:      "1 while the relay connection is open.",
		}, []string{"source"}),
	}
	if reg != nil {
		reg.MustRegister(m.runs, m.runDuration, m.toolCalls, m.uploads, m.relayConnects, m.relayEvents, m.relayUp)
	}
	return m
}

func (m *Metrics) RunFinished(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
	m.runDuration.Observe(d.Seconds())
}

func (m *Metrics) ToolCalled(tool, outcome string) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, outcome).Inc()
}

func (m *Metrics) Upload(outcome string) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RelayConnect(source string, ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.relayConnects.WithLabelValues(source, outcome).Inc()
}

func (m *Metrics) RelayEvent(source, eventType string) {
	if m == nil {
		return
	}
	m.relayEvents.WithLabelValues(source, eventType).Inc()
}

func (m *Metrics) RelayConnected(source string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.relayUp.WithLabelValues(source).Set(v)
}
