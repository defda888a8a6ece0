// Package wt implements a socket.Socket shaped like a WebTransport server:
// clients connect over QUIC and exchange netcode packets as unreliable
// datagrams, the same delivery semantics as the native UDP socket. Genuine
// WebTransport (HTTP/3 CONNECT-UDP-style session negotiation) isn't present
// anywhere in the reference corpus this repo is grounded on, so this
// package talks raw QUIC directly via quic-go and documents the gap rather
// than fabricating a webtransport-go dependency; see DESIGN.md.
package wt

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/netip"
	"sync"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"github.com/r2northstar/netcode/pkg/socket"
)

const recvQueueSize = 2048

var ErrClosed = errors.New("socket/wt: closed")

// Config configures a Socket's QUIC listener.
type Config struct {
	// TLSConfig must present the certificate whose SHA-256 hash is
	// conveyed to clients out of band (the WebTransport "serverCertificateHashes"
	// handshake option this socket stands in for).
	TLSConfig *tls.Config

	Log zerolog.Logger
}

// Socket accepts QUIC connections and exposes their datagrams as a single
// socket.Socket.
type Socket struct {
	log zerolog.Logger

	ln *quic.Listener

	mu    sync.Mutex
	conns map[netip.AddrPort]quic.Connection

	recv chan socket.Packet

	ctx    context.Context
	cancel context.CancelFunc
}

var _ socket.Socket = (*Socket)(nil)

// Listen binds a QUIC listener on addr and starts accepting connections.
func Listen(addr netip.AddrPort, cfg Config) (*Socket, error) {
	ln, err := quic.ListenAddr(addr.String(), cfg.TLSConfig, &quic.Config{
		EnableDatagrams: true,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Socket{
		log:    cfg.Log,
		ln:     ln,
		conns:  make(map[netip.AddrPort]quic.Connection),
		recv:   make(chan socket.Packet, recvQueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	go s.acceptLoop()
	return s, nil
}

func (s *Socket) acceptLoop() {
	for {
		conn, err := s.ln.Accept(s.ctx)
		if err != nil {
			return
		}

		addr, ok := netip.AddrFromSlice(conn.RemoteAddr().(*net.UDPAddr).IP)
		if !ok {
			conn.CloseWithError(0, "bad remote address")
			continue
		}
		ap := netip.AddrPortFrom(addr.Unmap(), uint16(conn.RemoteAddr().(*net.UDPAddr).Port))

		s.mu.Lock()
		s.conns[ap] = conn
		s.mu.Unlock()

		go s.readLoop(ap, conn)
	}
}

func (s *Socket) readLoop(addr netip.AddrPort, conn quic.Connection) {
	defer s.dropConn(addr, conn)

	for {
		data, err := conn.ReceiveDatagram(s.ctx)
		if err != nil {
			return
		}

		select {
		case s.recv <- socket.Packet{Addr: addr, Data: data}:
		default:
		}
	}
}

func (s *Socket) dropConn(addr netip.AddrPort, conn quic.Connection) {
	s.mu.Lock()
	if s.conns[addr] == conn {
		delete(s.conns, addr)
	}
	s.mu.Unlock()
}

func (s *Socket) Kind() socket.Kind { return socket.KindWebTransport }

func (s *Socket) Send(addr netip.AddrPort, buf []byte) error {
	s.mu.Lock()
	conn := s.conns[addr]
	s.mu.Unlock()
	if conn == nil {
		return net.ErrClosed
	}
	return conn.SendDatagram(buf)
}

func (s *Socket) TryRecv() (socket.Packet, bool) {
	select {
	case pkt := <-s.recv:
		return pkt, true
	default:
		return socket.Packet{}, false
	}
}

func (s *Socket) LocalAddresses() []netip.AddrPort {
	addr, ok := netip.AddrFromSlice(s.ln.Addr().(*net.UDPAddr).IP)
	if !ok {
		return nil
	}
	return []netip.AddrPort{netip.AddrPortFrom(addr.Unmap(), uint16(s.ln.Addr().(*net.UDPAddr).Port))}
}

func (s *Socket) NeedsEncryption() bool { return false }

func (s *Socket) IsReliable() bool { return false }

func (s *Socket) Close() error {
	s.cancel()
	return s.ln.Close()
}
