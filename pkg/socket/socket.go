// Package socket declares the capability-set interface that every concrete
// transport (UDP, in-memory, WebSocket, WebTransport) implements, so that
// pkg/transport can fan packets between an arbitrary set of sockets and a
// single netcode.Server without knowing which concrete kind backs any one
// of them.
package socket

import (
	"net/netip"
)

// Kind identifies a socket's concrete transport for logging and metrics
// labels. Dispatch on behavior always goes through the Socket interface;
// Kind exists only to name which implementation is in play.
type Kind uint8

const (
	KindUDP Kind = iota
	KindMemory
	KindWebSocket
	KindWebTransport
)

func (k Kind) String() string {
	switch k {
	case KindUDP:
		return "udp"
	case KindMemory:
		return "mem"
	case KindWebSocket:
		return "ws"
	case KindWebTransport:
		return "wt"
	default:
		return "unknown"
	}
}

// Packet is a single inbound datagram-shaped unit of data received from a
// peer, queued by a Socket's internal receive loop and drained by TryRecv.
type Packet struct {
	Addr netip.AddrPort
	Data []byte
}

// Socket is the capability set a transport must provide. Send and TryRecv
// are the only methods called from the single-threaded tick loop; a
// concrete socket may run its own goroutines internally but must never
// block the caller of TryRecv.
type Socket interface {
	// Kind identifies the concrete transport.
	Kind() Kind

	// Send writes buf to addr. Implementations best-effort send: a dropped
	// or failed send is not reported back into the netcode state machine,
	// matching the "fire and forget" contract of the wrapped protocol.
	Send(addr netip.AddrPort, buf []byte) error

	// TryRecv drains one queued inbound packet without blocking. ok is
	// false if nothing is queued. The returned Packet's Data aliases an
	// internal buffer and is only valid until the next TryRecv call.
	TryRecv() (pkt Packet, ok bool)

	// LocalAddresses lists the addresses this socket can be reached at,
	// for embedding in connect tokens.
	LocalAddresses() []netip.AddrPort

	// NeedsEncryption reports whether packets sent/received over this
	// socket must be sealed with the netcode session key. Sockets whose
	// transport already provides confidentiality (TLS-backed WS, QUIC)
	// report false; netcode.Server still frames every packet but neither
	// seals nor authenticates its body, leaving both to the transport.
	NeedsEncryption() bool

	// IsReliable reports whether the underlying transport guarantees
	// in-order delivery without loss, which lets pkg/transport skip its
	// own best-effort disconnect-packet redundancy on this socket.
	IsReliable() bool

	// Close shuts the socket down and releases any goroutines/resources
	// it owns.
	Close() error
}
