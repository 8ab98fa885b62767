// Package metric exposes driver observability as prometheus
// collectors. Each driver instance registers its own set; the host
// decides whether and how to export them.
package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the collector set for one driver instance.
type Metrics struct {
	FramesIn        prometheus.Counter
	FramesOut       prometheus.Counter
	FramesDropped   prometheus.Counter
	MessagesHandled *prometheus.CounterVec
	QueueLength     prometheus.Gauge
	SchedulerState  *prometheus.GaugeVec
	Retries         *prometheus.CounterVec
	DecodeErrors    *prometheus.CounterVec
	NodeStatus      *prometheus.GaugeVec
}

// New creates the collector set and registers it with reg. A nil
// registry leaves the collectors unregistered, which tests use.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zwgo", Name: "frames_in_total",
			Help: "Frames received on the serial line.",
		}),
		FramesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zwgo", Name: "frames_out_total",
			Help: "Frames written to the serial line.",
		}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zwgo", Name: "frames_dropped_total",
			Help: "Frames discarded before dispatch.",
		}),
		MessagesHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zwgo", Name: "messages_handled_total",
			Help: "Inbound messages by disposition.",
		}, []string{"disposition"}),
		QueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "zwgo", Name: "scheduler_queue_length",
			Help: "Transactions waiting in the send queue.",
		}),
		SchedulerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "zwgo", Name: "scheduler_state",
			Help: "Current scheduler state (1 for the active state).",
		}, []string{"state"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zwgo", Name: "retries_total",
			Help: "Send retries by kind.",
		}, []string{"kind"}),
		DecodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zwgo", Name: "decode_errors_total",
			Help: "Inbound decode failures by layer.",
		}, []string{"layer"}),
		NodeStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "zwgo", Name: "node_status",
			Help: "Node power state as a numeric code.",
		}, []string{"node"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.FramesIn, m.FramesOut, m.FramesDropped, m.MessagesHandled,
			m.QueueLength, m.SchedulerState, m.Retries, m.DecodeErrors,
			m.NodeStatus,
		)
	}
	return m
}
