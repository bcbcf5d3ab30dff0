package p2p

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "peernet"

// Metrics tracks node traffic and connection churn. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	connects   *prometheus.CounterVec // direction
	handshakes *prometheus.CounterVec // result
	closed     *prometheus.CounterVec // class
	active     *prometheus.GaugeVec   // direction
	messages   *prometheus.CounterVec // direction
	traffic    *prometheus.CounterVec // direction
	dropped    prometheus.Counter
	peers      *prometheus.GaugeVec // pool
}

// NewMetrics creates the node metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "p2p",
			Name:      "connects_total",
			Help:      "Connections accepted or dialed.",
		}, []string{"direction"}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "p2p",
			Name:      "handshakes_total",
			Help:      "Handshakes by result.",
		}, []string{"result"}),
		closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "p2p",
			Name:      "closed_total",
			Help:      "Closed connections by error class.",
		}, []string{"class"}),
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "p2p",
			Name:      "active_connections",
			Help:      "Connections past the handshake.",
		}, []string{"direction"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "p2p",
			Name:      "messages_total",
			Help:      "Frames received and sent.",
		}, []string{"direction"}),
		traffic: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "p2p",
			Name:      "traffic_bytes_total",
			Help:      "Frame bytes received and sent.",
		}, []string{"direction"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "p2p",
			Name:      "accept_dropped_total",
			Help:      "Inbound sockets dropped by the accept rate limit.",
		}),
		peers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "p2p",
			Name:      "peerlist_size",
			Help:      "Entries in the peer list by pool.",
		}, []string{"pool"}),
	}
	if reg != nil {
		reg.MustRegister(m.connects, m.handshakes, m.closed, m.active, m.messages, m.traffic, m.dropped, m.peers)
	}
	return m
}

func direction(incoming bool) string {
	if incoming {
		return "inbound"
	}
	return "outbound"
}

func (m *Metrics) connected(incoming bool) {
	if m == nil {
		return
	}
	m.connects.WithLabelValues(direction(incoming)).Inc()
}

func (m *Metrics) handshake(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = Classify(err).String()
	}
	m.handshakes.WithLabelValues(result).Inc()
}

func (m *Metrics) activated(incoming bool, delta float64) {
	if m == nil {
		return
	}
	m.active.WithLabelValues(direction(incoming)).Add(delta)
}

func (m *Metrics) disconnected(class ErrorClass) {
	if m == nil {
		return
	}
	m.closed.WithLabelValues(class.String()).Inc()
}

// updateMetrics counts one frame.
func (m *Metrics) updateMetrics(received bool, bytes int) {
	if m == nil {
		return
	}
	dir := "sent"
	if received {
		dir = "received"
	}
	m.messages.WithLabelValues(dir).Inc()
	m.traffic.WithLabelValues(dir).Add(float64(bytes))
}

func (m *Metrics) acceptDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func (m *Metrics) peerlistSize(white, gray int) {
	if m == nil {
		return
	}
	m.peers.WithLabelValues("white").Set(float64(white))
	m.peers.WithLabelValues("gray").Set(float64(gray))
}
