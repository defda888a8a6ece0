package netcode

import (
	"bytes"
	"net/netip"
	"testing"
	"time"
)

func newTestServer(t *testing.T) (*Server, [KeyBytes]byte, netip.AddrPort) {
	t.Helper()
	privateKey := testKey()
	serverAddr := netip.MustParseAddrPort("127.0.0.1:5000")
	s := NewServer(ServerConfig{
		ProtocolID: testProtocolID,
		PrivateKey: privateKey,
		MaxClients: 16,
		Sockets: []ServerSocketConfig{
			{NeedsEncryption: true, PublicAddresses: []netip.AddrPort{serverAddr}},
		},
		Secure: true,
	})
	return s, privateKey, serverAddr
}

// clientSide mimics the bookkeeping a real client would keep: its own
// replay window and send sequence, independent of the server's.
type clientSide struct {
	tok     *ConnectToken
	replay  *ReplayProtection
	sendSeq uint64
}

func newClientSide(t *testing.T, privateKey [KeyBytes]byte, serverAddr netip.AddrPort, clientID uint64, expireSecs, timeoutSecs uint64, userData *[UserDataBytes]byte) *clientSide {
	t.Helper()
	tok, err := GenerateConnectToken(0, testProtocolID, expireSecs, clientID, int32(timeoutSecs), 0, []netip.AddrPort{serverAddr}, userData, &privateKey)
	if err != nil {
		t.Fatalf("generate connect token: %v", err)
	}
	return &clientSide{tok: tok, replay: NewReplayProtection()}
}

func (c *clientSide) connectionRequest() []byte {
	var buf [MaxPacketBytes]byte
	n, err := EncodePacket(buf[:], &Packet{
		Kind:            KindConnectionRequest,
		ProtocolID:      c.tok.ProtocolID,
		ExpireTimestamp: c.tok.ExpireTimestamp,
		RequestNonce:    c.tok.Nonce,
		PrivateData:     c.tok.PrivateData,
	}, testProtocolID, 0, nil, false)
	if err != nil {
		panic(err)
	}
	return append([]byte(nil), buf[:n]...)
}

func (c *clientSide) decodeFromServer(t *testing.T, frame []byte) *Packet {
	t.Helper()
	_, pkt, err := DecodePacket(frame, testProtocolID, &c.tok.ServerToClientKey, c.replay, true)
	if err != nil {
		t.Fatalf("client decode: %v", err)
	}
	return pkt
}

func (c *clientSide) encodeToServer(t *testing.T, pkt *Packet) []byte {
	t.Helper()
	c.sendSeq++
	var buf [MaxPacketBytes]byte
	n, err := EncodePacket(buf[:], pkt, testProtocolID, c.sendSeq, &c.tok.ClientToServerKey, true)
	if err != nil {
		t.Fatalf("client encode: %v", err)
	}
	return append([]byte(nil), buf[:n]...)
}

// handshake drives S1 to completion and returns the connected client.
func handshake(t *testing.T, s *Server, privateKey [KeyBytes]byte, serverAddr, clientAddr netip.AddrPort, clientID uint64, userData *[UserDataBytes]byte) *clientSide {
	t.Helper()
	c := newClientSide(t, privateKey, serverAddr, clientID, 3, 5, userData)

	res := s.ProcessPacket(0, clientAddr, c.connectionRequest())
	if res.Kind != ResultConnectionAccepted {
		t.Fatalf("connection request: got %v, err=%v", res.Kind, res.Err)
	}
	challenge := c.decodeFromServer(t, res.Packet)
	if challenge.Kind != KindChallenge {
		t.Fatalf("expected Challenge, got %v", challenge.Kind)
	}

	response := c.encodeToServer(t, &Packet{Kind: KindResponse, TokenSequence: challenge.TokenSequence, TokenData: challenge.TokenData})
	res = s.ProcessPacket(0, clientAddr, response)
	if res.Kind != ResultClientConnected {
		t.Fatalf("response: got %v, err=%v", res.Kind, res.Err)
	}
	if res.ClientID != clientID {
		t.Fatalf("client id = %d, want %d", res.ClientID, clientID)
	}
	if userData != nil && res.UserData != *userData {
		t.Fatal("user data mismatch on connect")
	}

	keepAlive := c.decodeFromServer(t, res.Packet)
	if keepAlive.Kind != KindKeepAlive {
		t.Fatalf("expected KeepAlive, got %v", keepAlive.Kind)
	}
	if !s.IsConnected(clientID) {
		t.Fatal("client should be connected")
	}
	return c
}

func TestScenarioS1Handshake(t *testing.T) {
	s, privateKey, serverAddr := newTestServer(t)
	clientAddr := netip.MustParseAddrPort("127.0.0.1:3000")
	var userData [UserDataBytes]byte
	copy(userData[:], "S1 user data")

	handshake(t, s, privateKey, serverAddr, clientAddr, 4, &userData)
}

func TestScenarioS2PayloadRoundTrip(t *testing.T) {
	s, privateKey, serverAddr := newTestServer(t)
	clientAddr := netip.MustParseAddrPort("127.0.0.1:3000")
	c := handshake(t, s, privateKey, serverAddr, clientAddr, 4, nil)

	for i := 0; i < 3; i++ {
		_, _, frame, err := s.GeneratePayload(4, bytes.Repeat([]byte{0x07}, 300))
		if err != nil {
			t.Fatalf("generate payload: %v", err)
		}
		pkt := c.decodeFromServer(t, frame)
		if pkt.Kind != KindPayload || !bytes.Equal(pkt.Payload, bytes.Repeat([]byte{0x07}, 300)) {
			t.Fatalf("unexpected payload %+v", pkt)
		}
	}

	clientPayload := c.encodeToServer(t, &Packet{Kind: KindPayload, Payload: bytes.Repeat([]byte{0x02}, 300)})
	res := s.ProcessPacket(0, clientAddr, clientPayload)
	if res.Kind != ResultPayload || res.ClientID != 4 {
		t.Fatalf("got %v, err=%v", res.Kind, res.Err)
	}
	if !bytes.Equal(res.Packet, bytes.Repeat([]byte{0x02}, 300)) {
		t.Fatal("server-surfaced payload mismatch")
	}
}

func TestScenarioS3KeepAliveCadence(t *testing.T) {
	s, privateKey, serverAddr := newTestServer(t)
	clientAddr := netip.MustParseAddrPort("127.0.0.1:3000")
	c := handshake(t, s, privateKey, serverAddr, clientAddr, 4, nil)

	s.Update(KeepAlivePeriod)
	res := s.UpdateClient(4)
	if res.Kind != ResultPacketToSend {
		t.Fatalf("got %v, err=%v", res.Kind, res.Err)
	}
	pkt := c.decodeFromServer(t, res.Packet)
	if pkt.Kind != KindKeepAlive {
		t.Fatalf("expected KeepAlive, got %v", pkt.Kind)
	}
}

func TestScenarioS4ExplicitDisconnect(t *testing.T) {
	s, privateKey, serverAddr := newTestServer(t)
	clientAddr := netip.MustParseAddrPort("127.0.0.1:3000")
	c := handshake(t, s, privateKey, serverAddr, clientAddr, 4, nil)

	res := s.Disconnect(4)
	if res.Kind != ResultClientDisconnected {
		t.Fatalf("got %v, err=%v", res.Kind, res.Err)
	}
	pkt := c.decodeFromServer(t, res.Packet)
	if pkt.Kind != KindDisconnect {
		t.Fatalf("expected Disconnect, got %v", pkt.Kind)
	}
	if s.IsConnected(4) {
		t.Fatal("client should no longer be connected")
	}

	// idempotent: a second call returns ResultNone.
	if res := s.Disconnect(4); res.Kind != ResultNone {
		t.Fatalf("second disconnect: got %v", res.Kind)
	}
}

func TestScenarioS5TokenReuseLedger(t *testing.T) {
	s, _, _ := newTestServer(t)
	var mac [MACBytes]byte
	copy(mac[:], "token-mac")

	a0 := netip.MustParseAddrPort("127.0.0.1:3000")
	a1 := netip.MustParseAddrPort("127.0.0.1:3001")

	if !s.findOrAddTokenEntry(mac, 0, a0) {
		t.Fatal("first presentation at (0, a0) should be accepted")
	}
	if !s.findOrAddTokenEntry(mac, 0, a0) {
		t.Fatal("repeat presentation at the same (socket, addr) should be idempotent")
	}
	if s.findOrAddTokenEntry(mac, 1, a0) {
		t.Fatal("presentation at a different socket should be rejected")
	}
	if s.findOrAddTokenEntry(mac, 0, a1) {
		t.Fatal("presentation at a different address should be rejected")
	}
}

func TestScenarioS6TokenExpiryMidPending(t *testing.T) {
	s, privateKey, serverAddr := newTestServer(t)
	clientAddr := netip.MustParseAddrPort("127.0.0.1:3000")
	c := newClientSide(t, privateKey, serverAddr, 4, 1, 5, nil)

	res := s.ProcessPacket(0, clientAddr, c.connectionRequest())
	if res.Kind != ResultConnectionAccepted {
		t.Fatalf("connection request: got %v, err=%v", res.Kind, res.Err)
	}
	challenge := c.decodeFromServer(t, res.Packet)

	s.Update(2 * time.Second)

	response := c.encodeToServer(t, &Packet{Kind: KindResponse, TokenSequence: challenge.TokenSequence, TokenData: challenge.TokenData})
	res = s.ProcessPacket(0, clientAddr, response)
	if res.Kind != ResultNone {
		t.Fatalf("expired pending response: got %v, want ResultNone", res.Kind)
	}
	if s.IsConnected(4) {
		t.Fatal("client should not be connected")
	}
}

func TestDuplicateClientIDFromDifferentAddressDenied(t *testing.T) {
	s, privateKey, serverAddr := newTestServer(t)
	addrA := netip.MustParseAddrPort("127.0.0.1:3000")
	addrB := netip.MustParseAddrPort("127.0.0.1:3001")

	handshake(t, s, privateKey, serverAddr, addrA, 4, nil)

	c2 := newClientSide(t, privateKey, serverAddr, 4, 3, 5, nil)
	res := s.ProcessPacket(0, addrB, c2.connectionRequest())
	if res.Kind != ResultConnectionDenied {
		t.Fatalf("got %v, err=%v", res.Kind, res.Err)
	}
}

func TestConnectionRequestFromConnectedAddressSameClientIDIgnored(t *testing.T) {
	s, privateKey, serverAddr := newTestServer(t)
	clientAddr := netip.MustParseAddrPort("127.0.0.1:3000")
	c := handshake(t, s, privateKey, serverAddr, clientAddr, 4, nil)

	res := s.ProcessPacket(0, clientAddr, c.connectionRequest())
	if res.Kind != ResultNone {
		t.Fatalf("got %v, want ResultNone", res.Kind)
	}
}

func TestServerFullDeniesNewConnectionRequest(t *testing.T) {
	privateKey := testKey()
	serverAddr := netip.MustParseAddrPort("127.0.0.1:5000")
	s := NewServer(ServerConfig{
		ProtocolID: testProtocolID,
		PrivateKey: privateKey,
		MaxClients: 1,
		Sockets:    []ServerSocketConfig{{NeedsEncryption: true, PublicAddresses: []netip.AddrPort{serverAddr}}},
		Secure:     true,
	})

	handshake(t, s, privateKey, serverAddr, netip.MustParseAddrPort("127.0.0.1:3000"), 1, nil)

	c2 := newClientSide(t, privateKey, serverAddr, 2, 3, 5, nil)
	res := s.ProcessPacket(0, netip.MustParseAddrPort("127.0.0.1:3001"), c2.connectionRequest())
	if res.Kind != ResultConnectionDenied {
		t.Fatalf("got %v, err=%v", res.Kind, res.Err)
	}
}

func TestGeneratePayloadRejectsUnknownClient(t *testing.T) {
	s, _, _ := newTestServer(t)
	if _, _, _, err := s.GeneratePayload(999, []byte{1}); err == nil {
		t.Fatal("expected an error for an unconnected client")
	}
}

func TestGeneratePayloadAllowsEmptyPayload(t *testing.T) {
	s, privateKey, serverAddr := newTestServer(t)
	c := handshake(t, s, privateKey, serverAddr, netip.MustParseAddrPort("127.0.0.1:3000"), 4, nil)

	_, _, frame, err := s.GeneratePayload(4, nil)
	if err != nil {
		t.Fatalf("generate payload: %v", err)
	}
	pkt := c.decodeFromServer(t, frame)
	if pkt.Kind != KindPayload || len(pkt.Payload) != 0 {
		t.Fatalf("expected an empty Payload packet, got %+v", pkt)
	}
}

func TestUpdateClientTimesOutIdleClient(t *testing.T) {
	s, privateKey, serverAddr := newTestServer(t)
	clientAddr := netip.MustParseAddrPort("127.0.0.1:3000")
	handshake(t, s, privateKey, serverAddr, clientAddr, 4, nil)

	s.Update(6 * time.Second)
	res := s.UpdateClient(4)
	if res.Kind != ResultClientDisconnected {
		t.Fatalf("got %v, err=%v", res.Kind, res.Err)
	}
	if s.IsConnected(4) {
		t.Fatal("client should have timed out")
	}
}
