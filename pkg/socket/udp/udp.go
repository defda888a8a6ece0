// Package udp implements a socket.Socket backed by a native UDP PacketConn.
package udp

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/r2northstar/netcode/pkg/socket"
)

// recvQueueSize bounds how many inbound packets TryRecv can lag behind the
// read goroutine before packets start getting dropped.
const recvQueueSize = 2048

// socketRecvBuf/socketSendBuf size the OS socket buffers; a busy server
// with hundreds of clients can easily burst past the kernel default.
const (
	socketRecvBuf = 4 << 20
	socketSendBuf = 4 << 20
)

var ErrClosed = errors.New("socket/udp: closed")

// Socket is a socket.Socket backed by a bound UDP PacketConn.
type Socket struct {
	conn *net.UDPConn
	addr netip.AddrPort

	recv chan socket.Packet

	closeOnce sync.Once
	closed    chan struct{}
}

var _ socket.Socket = (*Socket)(nil)

// Listen binds a UDP socket to addr and starts its receive loop.
func Listen(addr netip.AddrPort) (*Socket, error) {
	pc, err := listenConfig().ListenPacket(context.Background(), "udp", addr.String())
	if err != nil {
		return nil, err
	}
	conn := pc.(*net.UDPConn)
	tuneBuffers(conn)

	s := &Socket{
		conn:   conn,
		addr:   conn.LocalAddr().(*net.UDPAddr).AddrPort(),
		recv:   make(chan socket.Packet, recvQueueSize),
		closed: make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// dscpClassEF is the DiffServ Expedited Forwarding class (RFC 3246), used
// for latency-sensitive interactive traffic such as netcode's packet stream.
const dscpClassEF = 46

// tuneBuffers grows the kernel socket buffers and marks outbound packets
// with a best-effort DSCP class via the x/net ipv4/ipv6 Conn wrappers,
// sized and set generously since a netcode server multiplexes every
// client's traffic through one OS socket.
func tuneBuffers(conn *net.UDPConn) {
	conn.SetReadBuffer(socketRecvBuf)
	conn.SetWriteBuffer(socketSendBuf)

	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok && addr.IP.To4() != nil {
		ipv4.NewConn(conn).SetTOS(dscpClassEF << 2)
	} else {
		ipv6.NewConn(conn).SetTrafficClass(dscpClassEF)
	}
}

func (s *Socket) readLoop() {
	buf := make([]byte, 1500)
	for {
		n, from, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			close(s.closed)
			return
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		pkt := socket.Packet{Addr: from.Unmap(), Data: data}
		select {
		case s.recv <- pkt:
		default:
			// receive queue is full; drop rather than block the read loop.
		}
	}
}

func (s *Socket) Kind() socket.Kind { return socket.KindUDP }

func (s *Socket) Send(addr netip.AddrPort, buf []byte) error {
	_, err := s.conn.WriteToUDPAddrPort(buf, addr)
	return err
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
	return []netip.AddrPort{s.addr}
}

func (s *Socket) NeedsEncryption() bool { return true }

func (s *Socket) IsReliable() bool { return false }

func (s *Socket) Close() error {
	err := s.conn.Close()
	s.closeOnce.Do(func() { <-s.closed })
	return err
}
