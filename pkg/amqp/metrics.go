package amqp

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors updated by connections. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	connectionsOpen   prometheus.Gauge
	connectionsTotal  prometheus.Counter
	channelsOpen      prometheus.Gauge
	heartbeatsSent    prometheus.Counter
	heartbeatTimeouts prometheus.Counter
	closes            *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		connectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "amqp", Name: "connections_open",
			Help: "Connections whose transport is active.",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "amqp", Name: "connections_total",
			Help: "Connections accepted.",
		}),
		channelsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "amqp", Name: "channels_open",
			Help: "Channels registered across all connections.",
		}),
		heartbeatsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "amqp", Name: "heartbeats_sent_total",
			Help: "Heartbeat frames sent on write idle.",
		}),
		heartbeatTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "amqp", Name: "heartbeat_timeouts_total",
			Help: "Connections torn down on read idle.",
		}),
		closes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "amqp", Name: "connection_closes_total",
			Help: "Connection.Close frames sent, by reply code.",
		}, []string{"code"}),
	}
	for _, c := range []prometheus.Collector{
		m.connectionsOpen, m.connectionsTotal, m.channelsOpen,
		m.heartbeatsSent, m.heartbeatTimeouts, m.closes,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) connectionOpened() {
	if m == nil {
		return
	}
	m.connectionsTotal.Inc()
	m.connectionsOpen.Inc()
}

func (m *Metrics) connectionClosed() {
	if m == nil {
		return
	}
	m.connectionsOpen.Dec()
}

func (m *Metrics) channelsAdded(n int) {
	if m == nil {
		return
	}
	m.channelsOpen.Add(float64(n))
}

func (m *Metrics) heartbeatSent() {
	if m == nil {
		return
	}
	m.heartbeatsSent.Inc()
}

func (m *Metrics) heartbeatTimeout() {
	if m == nil {
		return
	}
	m.heartbeatTimeouts.Inc()
}

func (m *Metrics) closeSent(code string) {
	if m == nil {
		return
	}
	m.closes.WithLabelValues(code).Inc()
}
