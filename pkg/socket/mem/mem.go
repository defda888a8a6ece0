// Package mem implements an in-memory socket.Socket pair for tests and
// single-process deployments, modeled on renet2's memory transport: packets
// still pass through netcode's AEAD seal (NeedsEncryption reports true)
// rather than being trusted just because they never left the process.
package mem

import (
	"errors"
	"net/netip"
	"sync"

	"github.com/r2northstar/netcode/pkg/socket"
)

const recvQueueSize = 1024

var ErrClosed = errors.New("socket/mem: closed")

// link is one direction of an in-memory pipe.
type link struct {
	mu     sync.Mutex
	closed bool
	ch     chan socket.Packet
}

func newLink() *link {
	return &link{ch: make(chan socket.Packet, recvQueueSize)}
}

func (l *link) send(pkt socket.Packet) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}
	select {
	case l.ch <- pkt:
	default:
		// full: drop, matching the best-effort contract of other sockets.
	}
	return nil
}

func (l *link) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.ch)
	}
}

// Socket is one endpoint of an in-memory loopback pair. The server side and
// client side address each other with arbitrary fixed netip.AddrPort
// values, since there's no real network underneath.
type Socket struct {
	self, peer netip.AddrPort
	out        *link // packets this endpoint sends, peer receives
	in         *link // packets this endpoint receives, peer sends
}

var _ socket.Socket = (*Socket)(nil)

// NewPair creates two connected in-memory sockets: a is addressed as
// selfAddr and sees peer as peerAddr, and vice versa for b.
func NewPair(selfAddr, peerAddr netip.AddrPort) (a, b *Socket) {
	ab := newLink()
	ba := newLink()

	a = &Socket{self: selfAddr, peer: peerAddr, out: ab, in: ba}
	b = &Socket{self: peerAddr, peer: selfAddr, out: ba, in: ab}
	return a, b
}

func (s *Socket) Kind() socket.Kind { return socket.KindMemory }

func (s *Socket) Send(addr netip.AddrPort, buf []byte) error {
	data := make([]byte, len(buf))
	copy(data, buf)
	return s.out.send(socket.Packet{Addr: s.self, Data: data})
}

func (s *Socket) TryRecv() (socket.Packet, bool) {
	select {
	case pkt, ok := <-s.in.ch:
		if !ok {
			return socket.Packet{}, false
		}
		return pkt, true
	default:
		return socket.Packet{}, false
	}
}

func (s *Socket) LocalAddresses() []netip.AddrPort {
	return []netip.AddrPort{s.self}
}

func (s *Socket) NeedsEncryption() bool { return true }

func (s *Socket) IsReliable() bool { return false }

func (s *Socket) Close() error {
	s.out.close()
	return nil
}
