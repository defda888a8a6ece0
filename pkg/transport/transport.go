// Package transport fans packets between an arbitrary set of sockets and a
// single netcode.Server, running the tick loop described in the protocol's
// server-transport component: drain sockets, advance the clock, sweep
// connected clients for timeouts/keep-alives, and forward whatever the
// core asks to have sent.
package transport

import (
	"net/netip"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/rs/zerolog"

	"github.com/r2northstar/netcode/pkg/netcode"
	"github.com/r2northstar/netcode/pkg/socket"
)

// disconnectRetransmits is how many times a best-effort disconnect packet
// is resent back-to-back. There's no acknowledgement in this protocol, so
// redundancy is the only loss mitigation available.
const disconnectRetransmits = 10

// Payload is one inbound application payload, delivered after the sending
// client's connection has already been confirmed by the core.
type Payload struct {
	ClientID uint64
	Data     []byte
}

// Config configures a Server.
type Config struct {
	Netcode *netcode.Server
	Sockets []socket.Socket

	// EventQueueSize/PayloadQueueSize bound how far Recv callers may lag
	// behind a tick before events/payloads start getting dropped.
	EventQueueSize   int
	PayloadQueueSize int

	Log zerolog.Logger
}

// Server owns N sockets and one netcode.Server, and drives them together
// one Tick at a time.
type Server struct {
	log     zerolog.Logger
	netcode *netcode.Server
	sockets []socket.Socket

	events   chan Event
	payloads chan Payload

	metrics *transportMetrics
}

// New creates a Server. Socket index in cfg.Sockets corresponds to the
// socketID values the caller passed to the matching netcode.ServerConfig.Sockets.
func New(cfg Config) *Server {
	eventQueueSize := cfg.EventQueueSize
	if eventQueueSize <= 0 {
		eventQueueSize = 256
	}
	payloadQueueSize := cfg.PayloadQueueSize
	if payloadQueueSize <= 0 {
		payloadQueueSize = 1024
	}
	return &Server{
		log:      cfg.Log,
		netcode:  cfg.Netcode,
		sockets:  cfg.Sockets,
		events:   make(chan Event, eventQueueSize),
		payloads: make(chan Payload, payloadQueueSize),
		metrics:  newTransportMetrics(),
	}
}

// Tick drains every socket, advances the core's clock by dt, and sweeps
// connected clients for timeouts and keep-alive cadence. Events and payload
// deliveries produced during the tick are queued for Recv/RecvPayload.
func (s *Server) Tick(dt time.Duration) {
	for socketID := range s.sockets {
		s.drainSocket(uint32(socketID))
	}

	s.netcode.Update(dt)

	for _, clientID := range s.netcode.ConnectedClientIDs() {
		s.dispatch(s.netcode.UpdateClient(clientID))
	}
}

func (s *Server) drainSocket(socketID uint32) {
	sock := s.sockets[socketID]
	for {
		pkt, ok := sock.TryRecv()
		if !ok {
			return
		}
		s.dispatch(s.netcode.ProcessPacket(socketID, pkt.Addr, pkt.Data))
	}
}

func (s *Server) dispatch(res netcode.Result) {
	switch res.Kind {
	case netcode.ResultNone:
		return
	case netcode.ResultError:
		s.log.Debug().
			Uint32("socket_id", res.SocketID).
			Str("addr", res.Addr.String()).
			Err(res.Err).
			Msg("netcode transport: dropped packet")
		return
	case netcode.ResultPayload:
		select {
		case s.payloads <- Payload{ClientID: res.ClientID, Data: res.Packet}:
			s.metrics.payloadsRecv.Inc()
		default:
			s.metrics.packetsDropped.Inc()
		}
		return
	case netcode.ResultClientConnected:
		s.sendOnce(res.SocketID, res.Addr, res.Packet)
		select {
		case s.events <- Event{Kind: EventClientConnected, ClientID: res.ClientID, UserData: res.UserData}:
			s.metrics.eventsEmitted.Inc()
		default:
			s.metrics.packetsDropped.Inc()
		}
		return
	case netcode.ResultClientDisconnected:
		s.sendDisconnect(res.SocketID, res.Addr, res.Packet)
		select {
		case s.events <- Event{Kind: EventClientDisconnected, ClientID: res.ClientID, Reason: res.Reason}:
			s.metrics.eventsEmitted.Inc()
		default:
			s.metrics.packetsDropped.Inc()
		}
		return
	case netcode.ResultConnectionAccepted, netcode.ResultConnectionDenied, netcode.ResultPacketToSend:
		s.sendOnce(res.SocketID, res.Addr, res.Packet)
		return
	}
}

// sendOnce copies buf before handing it to the socket, since buf aliases
// the core's scratch buffer and must not be retained past this call.
func (s *Server) sendOnce(socketID uint32, addr netip.AddrPort, buf []byte) {
	if len(buf) == 0 || int(socketID) >= len(s.sockets) {
		return
	}
	cp := append([]byte(nil), buf...)
	if err := s.sockets[socketID].Send(addr, cp); err != nil {
		s.metrics.packetsDropped.Inc()
		return
	}
	s.metrics.packetsSent.Inc()
}

// sendDisconnect sends buf up to disconnectRetransmits times back-to-back
// on unreliable sockets, matching the "destruction always emits a
// best-effort disconnect packet (10 duplicates in practice)" behavior: the
// protocol has no acknowledgement, so redundancy is the only available
// loss mitigation. Reliable sockets (WebSocket) send it once.
func (s *Server) sendDisconnect(socketID uint32, addr netip.AddrPort, buf []byte) {
	if len(buf) == 0 || int(socketID) >= len(s.sockets) {
		return
	}
	sock := s.sockets[socketID]
	cp := append([]byte(nil), buf...)

	n := 1
	if !sock.IsReliable() {
		n = disconnectRetransmits
	}
	for i := 0; i < n; i++ {
		if err := sock.Send(addr, cp); err != nil {
			s.metrics.packetsDropped.Inc()
			return
		}
		s.metrics.packetsSent.Inc()
		if i > 0 {
			s.metrics.disconnectRetransmits.Inc()
		}
	}
}

// Recv drains one queued event without blocking.
func (s *Server) Recv() (Event, bool) {
	select {
	case ev := <-s.events:
		return ev, true
	default:
		return Event{}, false
	}
}

// RecvPayload drains one queued inbound application payload without
// blocking. Data is a copy made when the packet was decoded; it shares no
// buffer with the socket or the core.
func (s *Server) RecvPayload() (Payload, bool) {
	select {
	case p := <-s.payloads:
		return p, true
	default:
		return Payload{}, false
	}
}

// Send encodes payload for clientID and hands it to the client's socket
// immediately; nothing is queued.
func (s *Server) Send(clientID uint64, payload []byte) error {
	socketID, addr, buf, err := s.netcode.GeneratePayload(clientID, payload)
	if err != nil {
		return err
	}
	s.sendOnce(socketID, addr, buf)
	s.metrics.payloadsSent.Inc()
	return nil
}

// Disconnect explicitly disconnects clientID, sending the best-effort
// disconnect packet burst and surfacing an EventClientDisconnected.
func (s *Server) Disconnect(clientID uint64) {
	s.dispatch(s.netcode.Disconnect(clientID))
}

// Metrics exposes the per-transport counters for scraping.
func (s *Server) Metrics() *metrics.Set {
	return s.metrics.set
}
