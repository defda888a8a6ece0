package netcode

import (
	"encoding/binary"
	"net/netip"
)

// addrTagV4, addrTagV6 tag which variant follows in a serialised address
// list entry.
const (
	addrTagV4 = 0
	addrTagV6 = 1
)

func addrWireLen(a netip.AddrPort) int {
	if a.Addr().Is4() {
		return 1 + 4 + 2
	}
	return 1 + 16 + 2
}

func writeAddr(dst []byte, a netip.AddrPort) int {
	if a.Addr().Is4() {
		dst[0] = addrTagV4
		b4 := a.Addr().As4()
		copy(dst[1:5], b4[:])
		binary.LittleEndian.PutUint16(dst[5:7], a.Port())
		return 7
	}
	dst[0] = addrTagV6
	b16 := a.Addr().As16()
	copy(dst[1:17], b16[:])
	binary.LittleEndian.PutUint16(dst[17:19], a.Port())
	return 19
}

func readAddr(src []byte) (netip.AddrPort, int, error) {
	if len(src) < 1 {
		return netip.AddrPort{}, 0, wrapErrorf(ErrPacketTooSmall, "address tag")
	}
	switch src[0] {
	case addrTagV4:
		if len(src) < 7 {
			return netip.AddrPort{}, 0, wrapErrorf(ErrPacketTooSmall, "ipv4 address")
		}
		var b [4]byte
		copy(b[:], src[1:5])
		port := binary.LittleEndian.Uint16(src[5:7])
		return netip.AddrPortFrom(netip.AddrFrom4(b), port), 7, nil
	case addrTagV6:
		if len(src) < 19 {
			return netip.AddrPort{}, 0, wrapErrorf(ErrPacketTooSmall, "ipv6 address")
		}
		var b [16]byte
		copy(b[:], src[1:17])
		port := binary.LittleEndian.Uint16(src[17:19])
		return netip.AddrPortFrom(netip.AddrFrom16(b), port), 19, nil
	default:
		return netip.AddrPort{}, 0, wrapErrorf(ErrInvalidHeaderType, "address tag %d", src[0])
	}
}

// PrivateConnectToken is the sealed section of a ConnectToken: everything
// only the server should see in the clear.
type PrivateConnectToken struct {
	ClientID          uint64
	TimeoutSeconds    int32
	SocketID          uint32
	ServerAddresses   []netip.AddrPort
	ClientToServerKey [KeyBytes]byte
	ServerToClientKey [KeyBytes]byte
	UserData          [UserDataBytes]byte
}

func (p *PrivateConnectToken) marshalPlain() ([]byte, error) {
	if len(p.ServerAddresses) > MaxServerAddresses {
		return nil, wrapErrorf(ErrPacketTooLarge, "too many server addresses")
	}

	buf := make([]byte, connectTokenPrivatePlainBytes)
	binary.LittleEndian.PutUint64(buf[0:8], p.ClientID)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(p.TimeoutSeconds))
	binary.LittleEndian.PutUint32(buf[12:16], p.SocketID)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(len(p.ServerAddresses)))

	off := 20
	for _, a := range p.ServerAddresses {
		n := addrWireLen(a)
		if off+n > connectTokenPrivatePlainBytes {
			return nil, wrapErrorf(ErrPacketTooLarge, "server address list overflows private section")
		}
		writeAddr(buf[off:], a)
		off += n
	}
	copy(buf[off:off+KeyBytes], p.ClientToServerKey[:])
	off += KeyBytes
	copy(buf[off:off+KeyBytes], p.ServerToClientKey[:])
	off += KeyBytes
	copy(buf[off:off+UserDataBytes], p.UserData[:])

	return buf, nil
}

func unmarshalPrivatePlain(buf []byte) (*PrivateConnectToken, error) {
	if len(buf) != connectTokenPrivatePlainBytes {
		return nil, wrapErrorf(ErrPacketTooSmall, "private connect token")
	}
	p := &PrivateConnectToken{}
	p.ClientID = binary.LittleEndian.Uint64(buf[0:8])
	p.TimeoutSeconds = int32(binary.LittleEndian.Uint32(buf[8:12]))
	p.SocketID = binary.LittleEndian.Uint32(buf[12:16])
	n := binary.LittleEndian.Uint32(buf[16:20])
	if n > MaxServerAddresses {
		return nil, wrapErrorf(ErrPacketTooLarge, "server address count")
	}

	off := 20
	p.ServerAddresses = make([]netip.AddrPort, 0, n)
	for i := uint32(0); i < n; i++ {
		a, adv, err := readAddr(buf[off:])
		if err != nil {
			return nil, err
		}
		p.ServerAddresses = append(p.ServerAddresses, a)
		off += adv
	}
	copy(p.ClientToServerKey[:], buf[off:off+KeyBytes])
	off += KeyBytes
	copy(p.ServerToClientKey[:], buf[off:off+KeyBytes])
	off += KeyBytes
	copy(p.UserData[:], buf[off:off+UserDataBytes])

	return p, nil
}

func privateTokenAAD(protocolID, expireTimestamp uint64) []byte {
	aad := make([]byte, 0, 13+16)
	aad = append(aad, []byte(VersionInfo)...)
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], protocolID)
	aad = append(aad, tmp[:]...)
	binary.LittleEndian.PutUint64(tmp[:], expireTimestamp)
	aad = append(aad, tmp[:]...)
	return aad
}

// sealPrivate encrypts p into a ConnectTokenPrivateBytes-sized ciphertext.
func sealPrivate(p *PrivateConnectToken, protocolID, expireTimestamp uint64, nonce []byte, privateKey *[KeyBytes]byte) ([ConnectTokenPrivateBytes]byte, error) {
	var out [ConnectTokenPrivateBytes]byte
	plain, err := p.marshalPlain()
	if err != nil {
		return out, err
	}
	aad := privateTokenAAD(protocolID, expireTimestamp)
	sealed, err := aeadEncrypt(out[:0], plain, aad, nonce, privateKey[:])
	if err != nil {
		return out, err
	}
	copy(out[:], sealed)
	return out, nil
}

// DecodePrivate decrypts and validates the private section of a connect
// token. Callers are responsible for checking expireTimestamp against the
// current time before calling (spec §4.4.1: expiry is checked by the
// server prior to decoding so it can be distinguished from AEAD failure).
func DecodePrivate(ciphertext []byte, protocolID, expireTimestamp uint64, nonce []byte, privateKey *[KeyBytes]byte) (*PrivateConnectToken, error) {
	if len(ciphertext) != ConnectTokenPrivateBytes {
		return nil, wrapErrorf(ErrPacketTooSmall, "private connect token ciphertext")
	}
	aad := privateTokenAAD(protocolID, expireTimestamp)
	plain, err := aeadDecrypt(nil, ciphertext, aad, nonce, privateKey[:])
	if err != nil {
		return nil, err
	}
	return unmarshalPrivatePlain(plain)
}

// ConnectToken is the credential a client presents to request a connection:
// the public framing plus the sealed private section. See spec §3/§6 for
// the wire layout, which this type's Marshal/Unmarshal implement exactly.
type ConnectToken struct {
	ProtocolID        uint64
	CreateTimestamp   uint64
	ExpireTimestamp   uint64
	Nonce             [NonceBytes]byte
	PrivateData       [ConnectTokenPrivateBytes]byte
	TimeoutSeconds    int32
	ServerAddresses   []netip.AddrPort
	ClientToServerKey [KeyBytes]byte
	ServerToClientKey [KeyBytes]byte
}

// GenerateConnectToken builds a new connect token, sealing its private
// section with privateKey. Session keys and the nonce are freshly randomly
// generated.
func GenerateConnectToken(
	currentTimeSecs uint64,
	protocolID uint64,
	expireSeconds uint64,
	clientID uint64,
	timeoutSeconds int32,
	socketID uint32,
	serverAddresses []netip.AddrPort,
	userData *[UserDataBytes]byte,
	privateKey *[KeyBytes]byte,
) (*ConnectToken, error) {
	if len(serverAddresses) == 0 {
		return nil, wrapErrorf(ErrInvalidSocketID, "no server addresses")
	}
	if len(serverAddresses) > MaxServerAddresses {
		return nil, wrapErrorf(ErrPacketTooLarge, "too many server addresses")
	}

	clientToServerKey := generateKey()
	serverToClientKey := generateKey()

	private := &PrivateConnectToken{
		ClientID:          clientID,
		TimeoutSeconds:    timeoutSeconds,
		SocketID:          socketID,
		ServerAddresses:   serverAddresses,
		ClientToServerKey: clientToServerKey,
		ServerToClientKey: serverToClientKey,
	}
	if userData != nil {
		private.UserData = *userData
	} else {
		copy(private.UserData[:], generateRandomBytes(UserDataBytes))
	}

	expire := currentTimeSecs + expireSeconds
	nonceBytes := generateRandomBytes(NonceBytes)

	sealed, err := sealPrivate(private, protocolID, expire, nonceBytes, privateKey)
	if err != nil {
		return nil, err
	}

	t := &ConnectToken{
		ProtocolID:        protocolID,
		CreateTimestamp:   currentTimeSecs,
		ExpireTimestamp:   expire,
		PrivateData:       sealed,
		TimeoutSeconds:    timeoutSeconds,
		ServerAddresses:   serverAddresses,
		ClientToServerKey: clientToServerKey,
		ServerToClientKey: serverToClientKey,
	}
	copy(t.Nonce[:], nonceBytes)
	return t, nil
}

// Marshal serialises the public connect token per spec §6's fixed field
// order, all multi-byte integers little-endian.
func (t *ConnectToken) Marshal() ([]byte, error) {
	if len(t.ServerAddresses) > MaxServerAddresses {
		return nil, wrapErrorf(ErrPacketTooLarge, "too many server addresses")
	}

	addrBytes := 0
	for _, a := range t.ServerAddresses {
		addrBytes += addrWireLen(a)
	}

	size := 13 + 8 + 8 + 8 + NonceBytes + ConnectTokenPrivateBytes + 4 + 4 + addrBytes + KeyBytes + KeyBytes
	buf := make([]byte, size)
	off := 0
	copy(buf[off:off+13], []byte(VersionInfo))
	off += 13
	binary.LittleEndian.PutUint64(buf[off:], t.ProtocolID)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], t.CreateTimestamp)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], t.ExpireTimestamp)
	off += 8
	copy(buf[off:off+NonceBytes], t.Nonce[:])
	off += NonceBytes
	copy(buf[off:off+ConnectTokenPrivateBytes], t.PrivateData[:])
	off += ConnectTokenPrivateBytes
	binary.LittleEndian.PutUint32(buf[off:], uint32(t.TimeoutSeconds))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(t.ServerAddresses)))
	off += 4
	for _, a := range t.ServerAddresses {
		off += writeAddr(buf[off:], a)
	}
	copy(buf[off:off+KeyBytes], t.ClientToServerKey[:])
	off += KeyBytes
	copy(buf[off:off+KeyBytes], t.ServerToClientKey[:])
	off += KeyBytes

	return buf, nil
}

// UnmarshalConnectToken parses bytes produced by ConnectToken.Marshal.
func UnmarshalConnectToken(buf []byte) (*ConnectToken, error) {
	const head = 13 + 8 + 8 + 8 + NonceBytes + ConnectTokenPrivateBytes + 4 + 4
	if len(buf) < head {
		return nil, wrapErrorf(ErrPacketTooSmall, "connect token")
	}
	if string(buf[0:13]) != VersionInfo {
		return nil, wrapErrorf(ErrInvalidVersion, "")
	}

	t := &ConnectToken{}
	off := 13
	t.ProtocolID = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	t.CreateTimestamp = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	t.ExpireTimestamp = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	copy(t.Nonce[:], buf[off:off+NonceBytes])
	off += NonceBytes
	copy(t.PrivateData[:], buf[off:off+ConnectTokenPrivateBytes])
	off += ConnectTokenPrivateBytes
	t.TimeoutSeconds = int32(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	n := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	if n > MaxServerAddresses {
		return nil, wrapErrorf(ErrPacketTooLarge, "server address count")
	}

	t.ServerAddresses = make([]netip.AddrPort, 0, n)
	for i := uint32(0); i < n; i++ {
		if off >= len(buf) {
			return nil, wrapErrorf(ErrPacketTooSmall, "server address list")
		}
		a, adv, err := readAddr(buf[off:])
		if err != nil {
			return nil, err
		}
		t.ServerAddresses = append(t.ServerAddresses, a)
		off += adv
	}
	if off+KeyBytes*2 > len(buf) {
		return nil, wrapErrorf(ErrPacketTooSmall, "connect token keys")
	}
	copy(t.ClientToServerKey[:], buf[off:off+KeyBytes])
	off += KeyBytes
	copy(t.ServerToClientKey[:], buf[off:off+KeyBytes])
	off += KeyBytes

	return t, nil
}
