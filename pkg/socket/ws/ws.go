// Package ws implements a socket.Socket backed by a WebSocket server: each
// accepted connection is addressed by a synthetic netip.AddrPort assigned
// at accept time (browsers don't expose a stable source port the way a
// raw socket would), and every WebSocket binary message carries exactly
// one netcode packet.
package ws

import (
	"errors"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/r2northstar/netcode/pkg/socket"
)

const recvQueueSize = 2048

var ErrClosed = errors.New("socket/ws: closed")

// Socket accepts WebSocket connections on an http.Server and exposes them
// as a single socket.Socket. TLS (the "wss" scheme) is the caller's
// responsibility via the *http.Server's TLSConfig, which is why
// NeedsEncryption reports false: the transport already provides
// confidentiality once wss is in use.
type Socket struct {
	log zerolog.Logger

	upgrader websocket.Upgrader

	mu      sync.Mutex
	conns   map[netip.AddrPort]*websocket.Conn
	nextPut uint64

	recv   chan socket.Packet
	closed atomic.Bool
}

var _ socket.Socket = (*Socket)(nil)

// Config configures a Socket's accept behavior.
type Config struct {
	// ReadBufferSize/WriteBufferSize size the upgrader's I/O buffers.
	ReadBufferSize, WriteBufferSize int

	// CheckOrigin validates the Origin header of upgrade requests. A nil
	// value allows all origins, matching typical game-client deployments
	// that aren't served from a browser document origin.
	CheckOrigin func(r *http.Request) bool

	Log zerolog.Logger
}

// New creates a Socket. Handler must be registered on an http.ServeMux (or
// equivalent) to accept connections.
func New(cfg Config) *Socket {
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Socket{
		log: cfg.Log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     checkOrigin,
		},
		conns: make(map[netip.AddrPort]*websocket.Conn),
		recv:  make(chan socket.Packet, recvQueueSize),
	}
}

// Handler upgrades r to a WebSocket connection and begins reading packets
// from it until the connection closes.
func (s *Socket) Handler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("socket/ws: upgrade failed")
		return
	}

	addr := s.assignAddr(r)

	s.mu.Lock()
	s.conns[addr] = conn
	s.mu.Unlock()

	go s.readLoop(addr, conn)
}

// assignAddr picks a synthetic loopback AddrPort uniquely identifying this
// connection, since client-reported source ports aren't meaningful once a
// request has passed through arbitrary HTTP proxying.
func (s *Socket) assignAddr(r *http.Request) netip.AddrPort {
	port := uint16(1 + (atomic.AddUint64(&s.nextPut, 1) % 65535))
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), port)
}

func (s *Socket) readLoop(addr netip.AddrPort, conn *websocket.Conn) {
	defer s.dropConn(addr, conn)

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}

		select {
		case s.recv <- socket.Packet{Addr: addr, Data: data}:
		default:
		}
	}
}

func (s *Socket) dropConn(addr netip.AddrPort, conn *websocket.Conn) {
	s.mu.Lock()
	if s.conns[addr] == conn {
		delete(s.conns, addr)
	}
	s.mu.Unlock()
	conn.Close()
}

func (s *Socket) Kind() socket.Kind { return socket.KindWebSocket }

func (s *Socket) Send(addr netip.AddrPort, buf []byte) error {
	s.mu.Lock()
	conn := s.conns[addr]
	s.mu.Unlock()
	if conn == nil {
		return net.ErrClosed
	}
	return conn.WriteMessage(websocket.BinaryMessage, buf)
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
	// WebSocket clients dial a URL, not a bound address; callers advertise
	// the public HTTP(S) endpoint out of band rather than via a connect
	// token server address list entry.
	return nil
}

func (s *Socket) NeedsEncryption() bool { return false }

func (s *Socket) IsReliable() bool { return true }

func (s *Socket) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[netip.AddrPort]*websocket.Conn)
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	return nil
}
