package netcode

import (
	"net/netip"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/rs/zerolog"
)

// ConnectionState is a client's position in the handshake state machine
// (spec §4.4.1): None is represented by the connection's absence from both
// the pending table and the client slots.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StatePendingResponse
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StatePendingResponse:
		return "pending_response"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// ServerSocketConfig describes one socket a Server multiplexes over:
// whether the netcode layer must itself encrypt packets on it, and the
// addresses advertised to clients in minted connect tokens.
type ServerSocketConfig struct {
	NeedsEncryption bool
	PublicAddresses []netip.AddrPort
}

// Connection is a handshaking or connected client. The same value is used
// for both pending and admitted clients: promotion moves it from the
// pending table into a client slot without resetting its replay window or
// session keys.
type Connection struct {
	ClientID   uint64
	SocketID   uint32
	Address    netip.AddrPort
	State      ConnectionState
	Confirmed  bool
	SendKey    [KeyBytes]byte // server_to_client_key
	ReceiveKey [KeyBytes]byte // client_to_server_key
	UserData   [UserDataBytes]byte

	ExpireTimestamp uint64
	TimeoutSeconds  int32

	SendSequence uint64
	Replay       *ReplayProtection

	LastRecvTime time.Duration
	LastSendTime time.Duration
}

type addrKey struct {
	SocketID uint32
	Addr     netip.AddrPort
}

type tokenEntry struct {
	used     bool
	mac      [MACBytes]byte
	socketID uint32
	addr     netip.AddrPort
	time     time.Duration
}

// ResultKind tags the variant carried by a Result.
type ResultKind int

const (
	ResultNone ResultKind = iota
	ResultError
	ResultConnectionDenied
	ResultConnectionAccepted
	ResultPacketToSend
	ResultPayload
	ResultClientConnected
	ResultClientDisconnected
)

func (k ResultKind) String() string {
	switch k {
	case ResultError:
		return "error"
	case ResultConnectionDenied:
		return "connection_denied"
	case ResultConnectionAccepted:
		return "connection_accepted"
	case ResultPacketToSend:
		return "packet_to_send"
	case ResultPayload:
		return "payload"
	case ResultClientConnected:
		return "client_connected"
	case ResultClientDisconnected:
		return "client_disconnected"
	default:
		return "none"
	}
}

// DisconnectReason explains a ResultClientDisconnected.
type DisconnectReason int

const (
	DisconnectUnspecified DisconnectReason = iota
	DisconnectTimeout
	DisconnectExplicit
	DisconnectPeerRequest
)

func (r DisconnectReason) String() string {
	switch r {
	case DisconnectTimeout:
		return "timeout"
	case DisconnectExplicit:
		return "explicit"
	case DisconnectPeerRequest:
		return "peer_request"
	default:
		return "unspecified"
	}
}

// Result is the outcome of feeding one packet, or one tick, through the
// server. Packet, when non-nil, aliases the server's scratch buffer and is
// only valid until the next call that encodes a packet (spec §5, §9). The
// one exception is ResultPayload, whose Packet is a freshly allocated copy
// of the decoded payload.
type Result struct {
	Kind ResultKind

	SocketID uint32
	Addr     netip.AddrPort
	Packet   []byte

	ClientID uint64
	UserData [UserDataBytes]byte
	Reason   DisconnectReason

	Err error
}

// ServerConfig configures a new Server.
type ServerConfig struct {
	ProtocolID uint64
	PrivateKey [KeyBytes]byte
	MaxClients int
	Sockets    []ServerSocketConfig

	// Secure, when false, skips the host-list intersection check against
	// Sockets[i].PublicAddresses. Intended for tests only (spec §4.4.1).
	Secure bool

	// CurrentTime seeds the server's monotone clock; advanced only by
	// Update. Must match the epoch connect tokens were minted against.
	CurrentTime time.Duration

	Log zerolog.Logger
}

// Server is the authoritative, single-threaded netcode handshake and
// packet state machine (spec §4.4). All methods are synchronous and
// non-blocking; callers must serialize access themselves if shared across
// goroutines (they are not expected to be).
type Server struct {
	protocolID uint64
	privateKey [KeyBytes]byte
	secure     bool
	maxClients int
	sockets    []ServerSocketConfig

	clients     []*Connection
	clientIndex map[uint64]int
	addrIndex   map[addrKey]int
	pending     map[addrKey]*Connection

	tokenEntries []tokenEntry

	globalSequence    uint64
	challengeKey      [KeyBytes]byte
	challengeSequence uint64

	currentTime time.Duration

	out [MaxPacketBytes]byte

	log     zerolog.Logger
	metrics *serverMetrics
}

// NewServer constructs a Server from cfg.
func NewServer(cfg ServerConfig) *Server {
	maxClients := cfg.MaxClients
	if maxClients <= 0 {
		maxClients = MaxClients
	}

	s := &Server{
		protocolID:   cfg.ProtocolID,
		privateKey:   cfg.PrivateKey,
		secure:       cfg.Secure,
		maxClients:   maxClients,
		sockets:      cfg.Sockets,
		clients:      make([]*Connection, maxClients),
		clientIndex:  make(map[uint64]int),
		addrIndex:    make(map[addrKey]int),
		pending:      make(map[addrKey]*Connection),
		tokenEntries: make([]tokenEntry, 2*maxClients),
		challengeKey: generateKey(),
		currentTime:  cfg.CurrentTime,
		log:          cfg.Log,
		metrics:      newServerMetrics(),
	}
	return s
}

func (s *Server) currentTimeSecs() uint64 {
	secs := s.currentTime / time.Second
	if secs < 0 {
		return 0
	}
	return uint64(secs)
}

// Update advances the server's clock by dt and expires pending handshakes
// whose token has passed its expire_timestamp (spec §4.4.1, scenario S6).
func (s *Server) Update(dt time.Duration) {
	s.currentTime += dt
	now := s.currentTimeSecs()
	for key, conn := range s.pending {
		if now >= conn.ExpireTimestamp {
			delete(s.pending, key)
			s.metrics.pendingExpired.Inc()
		}
	}
}

func (s *Server) findOrAddTokenEntry(mac [MACBytes]byte, socketID uint32, addr netip.AddrPort) bool {
	for i := range s.tokenEntries {
		e := &s.tokenEntries[i]
		if e.used && e.mac == mac {
			return e.socketID == socketID && e.addr == addr
		}
	}

	slot := 0
	for i := range s.tokenEntries {
		e := &s.tokenEntries[i]
		if !e.used {
			slot = i
			break
		}
		if s.tokenEntries[slot].used && e.time < s.tokenEntries[slot].time {
			slot = i
		}
	}

	e := &s.tokenEntries[slot]
	e.used = true
	e.mac = mac
	e.socketID = socketID
	e.addr = addr
	e.time = s.currentTime
	return true
}

func addressListsIntersect(a, b []netip.AddrPort) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

func (s *Server) freeSlot() int {
	for i, c := range s.clients {
		if c == nil {
			return i
		}
	}
	return -1
}

func (s *Server) encodePacket(pkt *Packet, key *[KeyBytes]byte, sequence uint64, needsEncryption bool) ([]byte, error) {
	n, err := EncodePacket(s.out[:], pkt, s.protocolID, sequence, key, needsEncryption)
	if err != nil {
		return nil, err
	}
	return s.out[:n], nil
}

// ProcessPacket decodes and handles one inbound packet observed on socketID
// from addr. See spec §4.4.1 for the full handshake table this implements.
func (s *Server) ProcessPacket(socketID uint32, addr netip.AddrPort, buf []byte) Result {
	if int(socketID) >= len(s.sockets) {
		s.log.Debug().Uint32("socket_id", socketID).Msg("netcode: packet on unknown socket")
		return Result{Kind: ResultError, SocketID: socketID, Addr: addr, Err: wrapErrorf(ErrInvalidSocketID, "")}
	}
	if len(buf) < 1 {
		return Result{Kind: ResultError, SocketID: socketID, Addr: addr, Err: wrapErrorf(ErrPacketTooSmall, "")}
	}

	if Kind(buf[0]&0x0F) == KindConnectionRequest {
		return s.handleConnectionRequest(socketID, addr, buf)
	}

	key := addrKey{SocketID: socketID, Addr: addr}
	if idx, ok := s.addrIndex[key]; ok {
		return s.handleConnectedPacket(s.clients[idx], socketID, addr, buf)
	}
	if conn, ok := s.pending[key]; ok {
		return s.handlePendingPacket(conn, socketID, addr, buf)
	}

	// Packet from a peer with no handshake state: drop silently.
	return Result{Kind: ResultNone, SocketID: socketID, Addr: addr}
}

func (s *Server) handleConnectionRequest(socketID uint32, addr netip.AddrPort, buf []byte) Result {
	_, pkt, err := DecodePacket(buf, s.protocolID, nil, nil, false)
	if err != nil {
		s.metrics.requestsTotal.rejectInvalid.Inc()
		return Result{Kind: ResultError, SocketID: socketID, Addr: addr, Err: err}
	}

	if s.currentTimeSecs() >= pkt.ExpireTimestamp {
		s.metrics.requestsTotal.rejectExpired.Inc()
		return Result{Kind: ResultError, SocketID: socketID, Addr: addr, Err: wrapErrorf(ErrTokenExpired, "")}
	}

	private, err := DecodePrivate(pkt.PrivateData[:], s.protocolID, pkt.ExpireTimestamp, pkt.RequestNonce[:], &s.privateKey)
	if err != nil {
		s.metrics.requestsTotal.rejectBadAead.Inc()
		return Result{Kind: ResultError, SocketID: socketID, Addr: addr, Err: err}
	}

	if private.SocketID != socketID {
		s.metrics.requestsTotal.rejectSocketMismatch.Inc()
		return Result{Kind: ResultNone, SocketID: socketID, Addr: addr}
	}

	if s.secure && !addressListsIntersect(private.ServerAddresses, s.sockets[socketID].PublicAddresses) {
		s.metrics.requestsTotal.rejectNotInHostList.Inc()
		return Result{Kind: ResultNone, SocketID: socketID, Addr: addr}
	}

	key := addrKey{SocketID: socketID, Addr: addr}

	// Already connected at this exact (socket, address): ignore retries of
	// our own client_id, deny impersonation attempts.
	if idx, ok := s.addrIndex[key]; ok {
		if s.clients[idx].ClientID == private.ClientID {
			return Result{Kind: ResultNone, SocketID: socketID, Addr: addr}
		}
		s.metrics.requestsTotal.rejectDuplicateClient.Inc()
		return s.denyConnectionRequest(socketID, addr, private)
	}

	// client_id already connected on a different (socket, address): deny
	// without revealing where it actually lives. Reaching here already
	// means (socketID, addr) itself isn't the connected pair (that was
	// handled above), so any match here is necessarily a different pair.
	if _, ok := s.clientIndex[private.ClientID]; ok {
		s.metrics.requestsTotal.rejectDuplicateClient.Inc()
		return s.denyConnectionRequest(socketID, addr, private)
	}

	var mac [MACBytes]byte
	copy(mac[:], pkt.PrivateData[ConnectTokenPrivateBytes-MACBytes:])
	if !s.findOrAddTokenEntry(mac, socketID, addr) {
		s.metrics.requestsTotal.rejectTokenReused.Inc()
		return s.denyConnectionRequest(socketID, addr, private)
	}

	if existing, ok := s.pending[key]; ok {
		// Retry of an in-flight handshake: re-issue a challenge without
		// re-checking capacity, matching the idempotence the ledger check
		// above already established.
		return s.issueChallenge(existing, socketID, addr)
	}

	if len(s.pending) >= MaxPendingClients {
		s.metrics.requestsTotal.rejectPendingFull.Inc()
		return s.denyConnectionRequest(socketID, addr, private)
	}
	if s.freeSlot() < 0 {
		s.metrics.requestsTotal.rejectServerFull.Inc()
		return s.denyConnectionRequest(socketID, addr, private)
	}

	conn := &Connection{
		ClientID:        private.ClientID,
		SocketID:        socketID,
		Address:         addr,
		State:           StatePendingResponse,
		SendKey:         private.ServerToClientKey,
		ReceiveKey:      private.ClientToServerKey,
		UserData:        private.UserData,
		ExpireTimestamp: pkt.ExpireTimestamp,
		TimeoutSeconds:  private.TimeoutSeconds,
		Replay:          NewReplayProtection(),
		LastRecvTime:    s.currentTime,
		LastSendTime:    s.currentTime,
	}
	s.pending[key] = conn
	s.metrics.requestsTotal.accepted.Inc()
	return s.issueChallenge(conn, socketID, addr)
}

func (s *Server) denyConnectionRequest(socketID uint32, addr netip.AddrPort, private *PrivateConnectToken) Result {
	s.globalSequence++
	frame, err := s.encodePacket(&Packet{Kind: KindConnectionDenied}, &private.ServerToClientKey, s.globalSequence, s.sockets[socketID].NeedsEncryption)
	if err != nil {
		return Result{Kind: ResultError, SocketID: socketID, Addr: addr, Err: err}
	}
	return Result{Kind: ResultConnectionDenied, SocketID: socketID, Addr: addr, Packet: frame}
}

// issueChallenge seals and sends a Challenge packet to a pending
// connection. Packets to a given peer, connected or pending, always draw
// their AEAD sequence from that Connection's own SendSequence counter
// (never the server-wide globalSequence used for pre-Connection denials):
// both Challenge and the post-promotion KeepAlive are sealed with the same
// session key, so sharing one counter is what keeps their nonces unique.
func (s *Server) issueChallenge(conn *Connection, socketID uint32, addr netip.AddrPort) Result {
	s.challengeSequence++
	tokenData, err := sealChallengeToken(conn.ClientID, &conn.UserData, s.challengeSequence, &s.challengeKey)
	if err != nil {
		return Result{Kind: ResultError, SocketID: socketID, Addr: addr, Err: err}
	}

	conn.SendSequence++
	frame, err := s.encodePacket(&Packet{
		Kind:          KindChallenge,
		TokenSequence: s.challengeSequence,
		TokenData:     tokenData,
	}, &conn.SendKey, conn.SendSequence, s.sockets[socketID].NeedsEncryption)
	if err != nil {
		return Result{Kind: ResultError, SocketID: socketID, Addr: addr, Err: err}
	}
	return Result{Kind: ResultConnectionAccepted, SocketID: socketID, Addr: addr, ClientID: conn.ClientID, Packet: frame}
}

func (s *Server) handlePendingPacket(conn *Connection, socketID uint32, addr netip.AddrPort, buf []byte) Result {
	needsEncryption := s.sockets[socketID].NeedsEncryption
	_, pkt, err := DecodePacket(buf, s.protocolID, &conn.ReceiveKey, conn.Replay, needsEncryption)
	if err != nil {
		s.metrics.decodeErrorsTotal.Inc()
		return Result{Kind: ResultError, SocketID: socketID, Addr: addr, Err: err}
	}

	if pkt.Kind != KindResponse {
		return Result{Kind: ResultNone, SocketID: socketID, Addr: addr}
	}

	clientID, userData, err := openChallengeToken(&pkt.TokenData, pkt.TokenSequence, &s.challengeKey)
	if err != nil || clientID != conn.ClientID {
		s.metrics.requestsTotal.rejectBadChallenge.Inc()
		return Result{Kind: ResultError, SocketID: socketID, Addr: addr, Err: wrapErrorf(ErrCryptoFailed, "challenge token")}
	}
	conn.UserData = userData

	key := addrKey{SocketID: socketID, Addr: addr}

	if _, ok := s.clientIndex[conn.ClientID]; ok {
		delete(s.pending, key)
		s.metrics.requestsTotal.rejectDuplicateClient.Inc()
		return s.denyPending(conn, socketID, addr)
	}

	slot := s.freeSlot()
	if slot < 0 {
		delete(s.pending, key)
		s.metrics.requestsTotal.rejectServerFull.Inc()
		return s.denyPending(conn, socketID, addr)
	}

	delete(s.pending, key)
	conn.State = StateConnected
	conn.LastRecvTime = s.currentTime
	conn.LastSendTime = s.currentTime
	s.clients[slot] = conn
	s.clientIndex[conn.ClientID] = slot
	s.addrIndex[key] = slot
	s.metrics.clientsConnectedTotal.Inc()

	conn.SendSequence++
	frame, err := s.encodePacket(&Packet{
		Kind:        KindKeepAlive,
		ClientIndex: uint32(slot),
		MaxClients:  uint32(s.maxClients),
	}, &conn.SendKey, conn.SendSequence, needsEncryption)
	if err != nil {
		return Result{Kind: ResultError, SocketID: socketID, Addr: addr, Err: err}
	}
	return Result{Kind: ResultClientConnected, SocketID: socketID, Addr: addr, ClientID: conn.ClientID, UserData: conn.UserData, Packet: frame}
}

func (s *Server) denyPending(conn *Connection, socketID uint32, addr netip.AddrPort) Result {
	conn.SendSequence++
	frame, err := s.encodePacket(&Packet{Kind: KindConnectionDenied}, &conn.SendKey, conn.SendSequence, s.sockets[socketID].NeedsEncryption)
	if err != nil {
		return Result{Kind: ResultError, SocketID: socketID, Addr: addr, Err: err}
	}
	return Result{Kind: ResultConnectionDenied, SocketID: socketID, Addr: addr, ClientID: conn.ClientID, Packet: frame}
}

func (s *Server) handleConnectedPacket(conn *Connection, socketID uint32, addr netip.AddrPort, buf []byte) Result {
	needsEncryption := s.sockets[socketID].NeedsEncryption
	_, pkt, err := DecodePacket(buf, s.protocolID, &conn.ReceiveKey, conn.Replay, needsEncryption)
	if err != nil {
		s.metrics.decodeErrorsTotal.Inc()
		return Result{Kind: ResultError, SocketID: socketID, Addr: addr, Err: err}
	}

	conn.LastRecvTime = s.currentTime

	switch pkt.Kind {
	case KindPayload:
		conn.Confirmed = true
		return Result{Kind: ResultPayload, SocketID: socketID, Addr: addr, ClientID: conn.ClientID, Packet: pkt.Payload}
	case KindKeepAlive:
		conn.Confirmed = true
		return Result{Kind: ResultNone, SocketID: socketID, Addr: addr}
	case KindDisconnect:
		s.removeClient(conn)
		s.metrics.clientsDisconnectedTotal.Inc()
		return Result{Kind: ResultClientDisconnected, SocketID: socketID, Addr: addr, ClientID: conn.ClientID, Reason: DisconnectPeerRequest}
	default:
		return Result{Kind: ResultNone, SocketID: socketID, Addr: addr}
	}
}

func (s *Server) removeClient(conn *Connection) {
	delete(s.clientIndex, conn.ClientID)
	delete(s.addrIndex, addrKey{SocketID: conn.SocketID, Addr: conn.Address})
	if idx, ok := s.indexOf(conn); ok {
		s.clients[idx] = nil
	}
}

func (s *Server) indexOf(conn *Connection) (int, bool) {
	if idx, ok := s.clientIndex[conn.ClientID]; ok && s.clients[idx] == conn {
		return idx, true
	}
	for i, c := range s.clients {
		if c == conn {
			return i, true
		}
	}
	return 0, false
}

// UpdateClient runs the per-tick idle-timeout and keep-alive check for one
// connected client (spec §4.4.2). It is a no-op if clientID is not
// currently connected.
func (s *Server) UpdateClient(clientID uint64) Result {
	idx, ok := s.clientIndex[clientID]
	if !ok {
		return Result{Kind: ResultNone, ClientID: clientID}
	}
	conn := s.clients[idx]

	if conn.TimeoutSeconds > 0 {
		idle := s.currentTime - conn.LastRecvTime
		if idle > time.Duration(conn.TimeoutSeconds)*time.Second {
			socketID, addr := conn.SocketID, conn.Address
			frame, err := s.buildDisconnectFrame(conn)
			s.removeClient(conn)
			s.metrics.clientsDisconnectedTotal.Inc()
			s.metrics.timeoutsTotal.Inc()
			s.log.Info().Uint64("client_id", clientID).Dur("idle", idle).Msg("netcode: client timed out")
			if err != nil {
				return Result{Kind: ResultClientDisconnected, SocketID: socketID, Addr: addr, ClientID: clientID, Reason: DisconnectTimeout}
			}
			return Result{Kind: ResultClientDisconnected, SocketID: socketID, Addr: addr, ClientID: clientID, Packet: frame, Reason: DisconnectTimeout}
		}
	}

	if s.currentTime-conn.LastSendTime >= KeepAlivePeriod {
		conn.SendSequence++
		conn.LastSendTime = s.currentTime
		frame, err := s.encodePacket(&Packet{
			Kind:        KindKeepAlive,
			ClientIndex: uint32(idx),
			MaxClients:  uint32(s.maxClients),
		}, &conn.SendKey, conn.SendSequence, s.sockets[conn.SocketID].NeedsEncryption)
		if err != nil {
			return Result{Kind: ResultError, SocketID: conn.SocketID, Addr: conn.Address, ClientID: clientID, Err: err}
		}
		return Result{Kind: ResultPacketToSend, SocketID: conn.SocketID, Addr: conn.Address, ClientID: clientID, Packet: frame}
	}

	return Result{Kind: ResultNone, ClientID: clientID}
}

func (s *Server) buildDisconnectFrame(conn *Connection) ([]byte, error) {
	conn.SendSequence++
	return s.encodePacket(&Packet{Kind: KindDisconnect}, &conn.SendKey, conn.SendSequence, s.sockets[conn.SocketID].NeedsEncryption)
}

// GeneratePayload encrypts payload for delivery to clientID and returns the
// destination socket, address, and wire frame. The frame aliases the
// server's scratch buffer per the aliasing contract documented on Result.
func (s *Server) GeneratePayload(clientID uint64, payload []byte) (uint32, netip.AddrPort, []byte, error) {
	if len(payload) > MaxPayloadBytes {
		return 0, netip.AddrPort{}, nil, ErrPayloadTooLarge
	}
	idx, ok := s.clientIndex[clientID]
	if !ok {
		return 0, netip.AddrPort{}, nil, ErrClientUnknown
	}
	conn := s.clients[idx]

	conn.SendSequence++
	conn.LastSendTime = s.currentTime
	frame, err := s.encodePacket(&Packet{Kind: KindPayload, Payload: payload}, &conn.SendKey, conn.SendSequence, s.sockets[conn.SocketID].NeedsEncryption)
	if err != nil {
		return 0, netip.AddrPort{}, nil, err
	}
	return conn.SocketID, conn.Address, frame, nil
}

// Disconnect explicitly terminates clientID's connection. It is idempotent:
// a second call (or a call for an unknown client) returns ResultNone.
func (s *Server) Disconnect(clientID uint64) Result {
	idx, ok := s.clientIndex[clientID]
	if !ok {
		return Result{Kind: ResultNone, ClientID: clientID}
	}
	conn := s.clients[idx]
	socketID, addr := conn.SocketID, conn.Address

	frame, err := s.buildDisconnectFrame(conn)
	s.removeClient(conn)
	s.metrics.clientsDisconnectedTotal.Inc()
	if err != nil {
		return Result{Kind: ResultClientDisconnected, SocketID: socketID, Addr: addr, ClientID: clientID, Reason: DisconnectExplicit}
	}
	return Result{Kind: ResultClientDisconnected, SocketID: socketID, Addr: addr, ClientID: clientID, Packet: frame, Reason: DisconnectExplicit}
}

// IsConnected reports whether clientID currently occupies a client slot.
func (s *Server) IsConnected(clientID uint64) bool {
	_, ok := s.clientIndex[clientID]
	return ok
}

// Client returns the connection state for clientID, if connected.
func (s *Server) Client(clientID uint64) (*Connection, bool) {
	idx, ok := s.clientIndex[clientID]
	if !ok {
		return nil, false
	}
	return s.clients[idx], true
}

// ConnectedClientIDs returns the client ids of all currently connected
// clients, in slot order.
func (s *Server) ConnectedClientIDs() []uint64 {
	ids := make([]uint64, 0, len(s.clientIndex))
	for _, c := range s.clients {
		if c != nil {
			ids = append(ids, c.ClientID)
		}
	}
	return ids
}

// Metrics exposes the server's VictoriaMetrics set for scraping.
func (s *Server) Metrics() *metrics.Set {
	return s.metrics.asSet()
}
