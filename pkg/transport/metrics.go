package transport

import "github.com/VictoriaMetrics/metrics"

type transportMetrics struct {
	set *metrics.Set

	packetsSent, packetsDropped *metrics.Counter
	disconnectRetransmits       *metrics.Counter
	eventsEmitted               *metrics.Counter
	payloadsRecv, payloadsSent  *metrics.Counter
}

func newTransportMetrics() *transportMetrics {
	m := &transportMetrics{set: metrics.NewSet()}
	m.packetsSent = m.set.NewCounter(`netcode_transport_packets_sent_total`)
	m.packetsDropped = m.set.NewCounter(`netcode_transport_packets_dropped_total`)
	m.disconnectRetransmits = m.set.NewCounter(`netcode_transport_disconnect_retransmits_total`)
	m.eventsEmitted = m.set.NewCounter(`netcode_transport_events_emitted_total`)
	m.payloadsRecv = m.set.NewCounter(`netcode_transport_payloads_received_total`)
	m.payloadsSent = m.set.NewCounter(`netcode_transport_payloads_sent_total`)
	return m
}
