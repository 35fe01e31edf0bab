package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type ampMetrics struct {
	messagesRouted    *prometheus.CounterVec
	federationInbound *prometheus.CounterVec
	deliveryLatency   *prometheus.HistogramVec
	relayDepth        prometheus.GaugeFunc
	relayAcks         prometheus.Counter
	peerRegistrations *prometheus.CounterVec
	requestErrors     *prometheus.CounterVec
}

func newAMPMetrics(reg prometheus.Registerer, relayDepth func() int) *ampMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if relayDepth == nil {
		relayDepth = func() int { return 0 }
	}

	m := &ampMetrics{
		messagesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amp_messages_routed_total",
			Help: "Messages routed, grouped by outcome status and method.",
		}, []string{"status", "method"}),
		federationInbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amp_federation_inbound_total",
			Help: "Inbound federated messages grouped by outcome.",
		}, []string{"outcome"}),
		deliveryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "amp_route_latency_seconds",
			Help:    "Latency for handling route and federation requests.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"op"}),
		relayDepth: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "amp_relay_pending",
			Help: "Messages currently waiting in the relay queue.",
		}, func() float64 { return float64(relayDepth()) }),
		relayAcks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "amp_relay_acknowledged_total",
			Help: "Relay entries acknowledged by recipients.",
		}),
		peerRegistrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amp_peer_registrations_total",
			Help: "Peer registration attempts grouped by outcome.",
		}, []string{"outcome"}),
		requestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amp_request_errors_total",
			Help: "Request failures grouped by error kind.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		m.messagesRouted,
		m.federationInbound,
		m.deliveryLatency,
		m.relayDepth,
		m.relayAcks,
		m.peerRegistrations,
		m.requestErrors,
	)
	return m
}

func (m *ampMetrics) recordRoute(status, method string) {
	if m == nil {
		return
	}
	m.messagesRouted.WithLabelValues(status, method).Inc()
}

func (m *ampMetrics) recordFederation(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.federationInbound.WithLabelValues(outcome).Inc()
}

func (m *ampMetrics) observeLatency(op string, dur time.Duration) {
	if m == nil || op == "" {
		return
	}
	m.deliveryLatency.WithLabelValues(op).Observe(dur.Seconds())
}

func (m *ampMetrics) recordAcks(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.relayAcks.Add(float64(count))
}

func (m *ampMetrics) recordPeerRegistration(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.peerRegistrations.WithLabelValues(outcome).Inc()
}

func (m *ampMetrics) recordError(kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.requestErrors.WithLabelValues(kind).Inc()
}
