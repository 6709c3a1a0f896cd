// Package metrics exposes node health as Prometheus metrics.
//
// All recording methods are safe on a nil *Metrics, so components can be
// built without a registry in tests and when the endpoint is disabled.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "presence"

// Metrics holds every collector the node records into.
type Metrics struct {
	Publishes       *prometheus.CounterVec
	DedupSkipped    prometheus.Counter
	SensorErrors    prometheus.Counter
	BrokerEvents    *prometheus.CounterVec
	CommandsDropped prometheus.Counter
	Commands        *prometheus.CounterVec
	Resets          *prometheus.CounterVec
	Reconnects      *prometheus.CounterVec

	Occupied   prometheus.Gauge
	DistanceCM prometheus.Gauge
	LinkUp     prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Publishes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mqtt",
				Name:      "publishes_total",
				Help:      "MQTT publishes by kind (state, discovery) and result (ok, error)",
			},
			[]string{"kind", "result"},
		),
		DedupSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "report",
			Name:      "dedup_skipped_total",
			Help:      "Readings not published because they equal the last published state",
		}),
		SensorErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sensor",
			Name:      "errors_total",
			Help:      "Failed sensor polls",
		}),
		BrokerEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mqtt",
				Name:      "events_total",
				Help:      "Broker events consumed by the control loop",
			},
			[]string{"kind"},
		),
		CommandsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "commands_dropped_total",
			Help:      "Inbound commands dropped by the rate limiter",
		}),
		Commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "node",
				Name:      "commands_total",
				Help:      "Commands dispatched by kind",
			},
			[]string{"kind"},
		),
		Resets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "node",
				Name:      "resets_total",
				Help:      "Full node resets by the stage that requested them",
			},
			[]string{"stage"},
		),
		Reconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "node",
				Name:      "reconnect_attempts_total",
				Help:      "Grace-window reconnect attempts by result",
			},
			[]string{"result"},
		),
		Occupied: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sensor",
			Name:      "occupied",
			Help:      "Last published occupancy (1 = occupied)",
		}),
		DistanceCM: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sensor",
			Name:      "distance_cm",
			Help:      "Last published target distance in centimetres",
		}),
		LinkUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "network",
			Name:      "link_up",
			Help:      "Whether the network link held a lease at the last tick",
		}),
	}

	reg.MustRegister(
		m.Publishes,
		m.DedupSkipped,
		m.SensorErrors,
		m.BrokerEvents,
		m.CommandsDropped,
		m.Commands,
		m.Resets,
		m.Reconnects,
		m.Occupied,
		m.DistanceCM,
		m.LinkUp,
	)
	return m
}

// Published records one publish attempt.
func (m *Metrics) Published(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Publishes.WithLabelValues(kind, result).Inc()
}

// StateReported updates the presence gauges after a successful publish.
func (m *Metrics) StateReported(occupied bool, distance uint16) {
	if m == nil {
		return
	}
	m.Occupied.Set(boolGauge(occupied))
	m.DistanceCM.Set(float64(distance))
}

// Deduplicated records a suppressed publish.
func (m *Metrics) Deduplicated() {
	if m == nil {
		return
	}
	m.DedupSkipped.Inc()
}

// SensorError records a failed poll.
func (m *Metrics) SensorError() {
	if m == nil {
		return
	}
	m.SensorErrors.Inc()
}

// BrokerEvent records one consumed broker event.
func (m *Metrics) BrokerEvent(kind string) {
	if m == nil {
		return
	}
	m.BrokerEvents.WithLabelValues(kind).Inc()
}

// CommandDropped records a rate-limited command.
func (m *Metrics) CommandDropped() {
	if m == nil {
		return
	}
	m.CommandsDropped.Inc()
}

// Command records one dispatched command.
func (m *Metrics) Command(kind string) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(kind).Inc()
}

// Reset records a full node reset.
func (m *Metrics) Reset(stage string) {
	if m == nil {
		return
	}
	m.Resets.WithLabelValues(stage).Inc()
}

// Reconnect records one grace-window reconnect attempt.
func (m *Metrics) Reconnect(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Reconnects.WithLabelValues(result).Inc()
}

// Link records the link state observed at a tick.
func (m *Metrics) Link(up bool) {
	if m == nil {
		return
	}
	m.LinkUp.Set(boolGauge(up))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
