// Package connectmeta mints connect tokens for the four ways a client can
// reach a game server (native UDP, in-process memory, and the two
// browser-facing transports tunneled over WebTransport/WebSocket), and
// loads the environment-driven configuration that describes how a single
// server process exposes itself across all of them.
package connectmeta

import (
	"fmt"
	"net/netip"
	"reflect"
	"strconv"
	"strings"

	"github.com/r2northstar/netcode/pkg/netcode"
)

// ConnectionType identifies which socket variant a client intends to use,
// so ConnectMetas.NewConnectToken can select the matching bundle.
type ConnectionType uint8

const (
	ConnectionTypeNative ConnectionType = iota
	ConnectionTypeWasmWt
	ConnectionTypeWasmWs
	ConnectionTypeMemory
)

func (t ConnectionType) String() string {
	switch t {
	case ConnectionTypeNative:
		return "native"
	case ConnectionTypeWasmWt:
		return "wasm_wt"
	case ConnectionTypeWasmWs:
		return "wasm_ws"
	case ConnectionTypeMemory:
		return "memory"
	default:
		return "unknown"
	}
}

// bundle holds the fields every variant's metadata shares: the inputs to
// netcode.GenerateConnectToken that don't vary by transport.
type bundle struct {
	protocolID  uint64
	expireSecs  uint64
	timeoutSecs int32
	socketID    uint32
	privateKey  [netcode.KeyBytes]byte
}

func (b bundle) token(now uint64, clientID uint64, addrs []netip.AddrPort, userData *[netcode.UserDataBytes]byte) (*netcode.ConnectToken, error) {
	return netcode.GenerateConnectToken(now, b.protocolID, b.expireSecs, clientID, b.timeoutSecs, b.socketID, addrs, userData, &b.privateKey)
}

// ConnectMetaNative mints tokens for the native UDP socket.
type ConnectMetaNative struct {
	bundle
	Addresses []netip.AddrPort
}

func NewConnectMetaNative(protocolID, expireSecs uint64, timeoutSecs int32, socketID uint32, privateKey [netcode.KeyBytes]byte, addrs []netip.AddrPort) *ConnectMetaNative {
	return &ConnectMetaNative{bundle: bundle{protocolID, expireSecs, timeoutSecs, socketID, privateKey}, Addresses: addrs}
}

func (m *ConnectMetaNative) NewConnectToken(now, clientID uint64, userData *[netcode.UserDataBytes]byte) (ServerConnectToken, error) {
	tok, err := m.token(now, clientID, m.Addresses, userData)
	if err != nil {
		return ServerConnectToken{}, err
	}
	b, err := tok.Marshal()
	if err != nil {
		return ServerConnectToken{}, err
	}
	return ServerConnectToken{Kind: ConnectionTypeNative, TokenBytes: b}, nil
}

// ConnectMetaMemory mints tokens for the in-process memory socket. There's
// no real address; clients reach the server via a handle known only within
// the process (a registry key, typically the process's own socket pair).
type ConnectMetaMemory struct {
	bundle
	Addresses []netip.AddrPort
	Handle    string
}

func NewConnectMetaMemory(protocolID, expireSecs uint64, timeoutSecs int32, socketID uint32, privateKey [netcode.KeyBytes]byte, addrs []netip.AddrPort, handle string) *ConnectMetaMemory {
	return &ConnectMetaMemory{bundle: bundle{protocolID, expireSecs, timeoutSecs, socketID, privateKey}, Addresses: addrs, Handle: handle}
}

func (m *ConnectMetaMemory) NewConnectToken(now, clientID uint64, userData *[netcode.UserDataBytes]byte) (ServerConnectToken, error) {
	tok, err := m.token(now, clientID, m.Addresses, userData)
	if err != nil {
		return ServerConnectToken{}, err
	}
	b, err := tok.Marshal()
	if err != nil {
		return ServerConnectToken{}, err
	}
	return ServerConnectToken{Kind: ConnectionTypeMemory, TokenBytes: b, MemoryHandle: m.Handle}, nil
}

// ConnectMetaWasmWs mints tokens for the browser WebSocket transport. The
// socket itself doesn't have a fixed address list a connect token can
// name (see socket/ws.Socket.LocalAddresses), so the token carries a
// single placeholder loopback address purely to satisfy the wire format;
// the real rendezvous information is the URL.
type ConnectMetaWasmWs struct {
	bundle
	URL string
}

func NewConnectMetaWasmWs(protocolID, expireSecs uint64, timeoutSecs int32, socketID uint32, privateKey [netcode.KeyBytes]byte, domain string, port uint16, secure bool) *ConnectMetaWasmWs {
	scheme := "ws"
	if secure {
		scheme = "wss"
	}
	return &ConnectMetaWasmWs{
		bundle: bundle{protocolID, expireSecs, timeoutSecs, socketID, privateKey},
		URL:    fmt.Sprintf("%s://%s:%d/ws", scheme, domain, port),
	}
}

func (m *ConnectMetaWasmWs) NewConnectToken(now, clientID uint64, userData *[netcode.UserDataBytes]byte) (ServerConnectToken, error) {
	placeholder := []netip.AddrPort{netip.MustParseAddrPort("127.0.0.1:0")}
	tok, err := m.token(now, clientID, placeholder, userData)
	if err != nil {
		return ServerConnectToken{}, err
	}
	b, err := tok.Marshal()
	if err != nil {
		return ServerConnectToken{}, err
	}
	return ServerConnectToken{Kind: ConnectionTypeWasmWs, TokenBytes: b, URL: m.URL}, nil
}

// ConnectMetaWasmWt mints tokens for the browser WebTransport transport,
// carrying the self-signed certificate hashes a browser needs to trust the
// QUIC endpoint out of band.
type ConnectMetaWasmWt struct {
	bundle
	Addresses  []netip.AddrPort
	CertHashes [][32]byte
}

func NewConnectMetaWasmWt(protocolID, expireSecs uint64, timeoutSecs int32, socketID uint32, privateKey [netcode.KeyBytes]byte, addrs []netip.AddrPort, certHashes [][32]byte) *ConnectMetaWasmWt {
	return &ConnectMetaWasmWt{bundle: bundle{protocolID, expireSecs, timeoutSecs, socketID, privateKey}, Addresses: addrs, CertHashes: certHashes}
}

func (m *ConnectMetaWasmWt) NewConnectToken(now, clientID uint64, userData *[netcode.UserDataBytes]byte) (ServerConnectToken, error) {
	tok, err := m.token(now, clientID, m.Addresses, userData)
	if err != nil {
		return ServerConnectToken{}, err
	}
	b, err := tok.Marshal()
	if err != nil {
		return ServerConnectToken{}, err
	}
	return ServerConnectToken{Kind: ConnectionTypeWasmWt, TokenBytes: b, CertHashes: m.CertHashes}, nil
}

// ConnectMetas aggregates the bundles a single server process has active,
// one per variant it's willing to serve. Any field may be nil if the
// server doesn't expose that transport.
type ConnectMetas struct {
	Native *ConnectMetaNative
	WasmWt *ConnectMetaWasmWt
	WasmWs *ConnectMetaWasmWs
	Memory *ConnectMetaMemory
}

// NewConnectToken mints a token for connType. A WasmWt request falls back
// to the WasmWs bundle if no WebTransport bundle is configured; no other
// fallback exists.
func (c *ConnectMetas) NewConnectToken(now, clientID uint64, connType ConnectionType, userData *[netcode.UserDataBytes]byte) (ServerConnectToken, error) {
	switch connType {
	case ConnectionTypeNative:
		if c.Native == nil {
			return ServerConnectToken{}, fmt.Errorf("connectmeta: no native bundle configured")
		}
		return c.Native.NewConnectToken(now, clientID, userData)
	case ConnectionTypeWasmWt:
		if c.WasmWt != nil {
			return c.WasmWt.NewConnectToken(now, clientID, userData)
		}
		if c.WasmWs != nil {
			return c.WasmWs.NewConnectToken(now, clientID, userData)
		}
		return ServerConnectToken{}, fmt.Errorf("connectmeta: no wasm_wt or fallback wasm_ws bundle configured")
	case ConnectionTypeWasmWs:
		if c.WasmWs == nil {
			return ServerConnectToken{}, fmt.Errorf("connectmeta: no wasm_ws bundle configured")
		}
		return c.WasmWs.NewConnectToken(now, clientID, userData)
	case ConnectionTypeMemory:
		if c.Memory == nil {
			return ServerConnectToken{}, fmt.Errorf("connectmeta: no memory bundle configured")
		}
		return c.Memory.NewConnectToken(now, clientID, userData)
	default:
		return ServerConnectToken{}, fmt.Errorf("connectmeta: unknown connection type %d", connType)
	}
}

// GameServerSetupConfig is the structured configuration a game server
// process loads to describe how it exposes itself across every transport
// variant. Field names and the "public port falls back to local port when
// 0" rule match the upstream setup helper this repo's minting package
// supplements.
type GameServerSetupConfig struct {
	ProtocolID  uint64 `env:"NETCODE_PROTOCOL_ID=0"`
	ExpireSecs  uint64 `env:"NETCODE_EXPIRE_SECS=30"`
	TimeoutSecs int32  `env:"NETCODE_TIMEOUT_SECS=15"`

	ServerIP   string `env:"NETCODE_SERVER_IP=127.0.0.1"`
	NativePort uint16 `env:"NETCODE_NATIVE_PORT=0"`
	WasmWtPort uint16 `env:"NETCODE_WASM_WT_PORT=0"`
	WasmWsPort uint16 `env:"NETCODE_WASM_WS_PORT=0"`

	// ProxyIP overrides ServerIP in minted native/WT address lists when the
	// process is reachable externally through a different address than the
	// one it binds to (e.g. behind a NAT or L4 load balancer).
	ProxyIP string `env:"NETCODE_PROXY_IP?="`

	// WSDomain is the hostname clients dial for the WebSocket transport. If
	// empty, ServerIP (or ProxyIP, if set) is used instead.
	WSDomain string `env:"NETCODE_WS_DOMAIN?="`

	CertChainPath string `env:"NETCODE_CERT_CHAIN_PATH?="`
	PrivKeyPath   string `env:"NETCODE_PRIVKEY_PATH?="`

	// HasWSSProxy indicates TLS termination happens upstream (e.g. at a
	// reverse proxy), so the WebSocket bundle should still advertise wss
	// even though this process itself listens with plain HTTP.
	HasWSSProxy bool `env:"NETCODE_HAS_WSS_PROXY"`
}

// publicIP returns ProxyIP if set, else ServerIP.
func (c *GameServerSetupConfig) publicIP() string {
	if c.ProxyIP != "" {
		return c.ProxyIP
	}
	return c.ServerIP
}

// PublicNativePort returns the port external clients should dial for the
// native UDP transport, falling back to localPort (the port actually
// bound) when NativePort is 0, i.e. when the OS chose an ephemeral port.
func (c *GameServerSetupConfig) PublicNativePort(localPort uint16) uint16 {
	if c.NativePort != 0 {
		return c.NativePort
	}
	return localPort
}

// PublicWasmWtPort mirrors PublicNativePort for the WebTransport socket.
func (c *GameServerSetupConfig) PublicWasmWtPort(localPort uint16) uint16 {
	if c.WasmWtPort != 0 {
		return c.WasmWtPort
	}
	return localPort
}

// WebSocketURL builds the connect URL clients dial for the WebSocket
// transport, applying the wss/ws scheme rule.
func (c *GameServerSetupConfig) WebSocketURL(localPort uint16) string {
	domain := c.WSDomain
	if domain == "" {
		domain = c.publicIP()
	}
	port := c.WasmWsPort
	if port == 0 {
		port = localPort
	}
	scheme := "ws"
	if c.HasWSSProxy || c.CertChainPath != "" {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d/ws", scheme, domain, port)
}

// NativeAddress builds the advertised native UDP address, applying the
// proxy-IP override and local-port fallback.
func (c *GameServerSetupConfig) NativeAddress(localPort uint16) (netip.AddrPort, error) {
	addr, err := netip.ParseAddr(c.publicIP())
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("parse server ip: %w", err)
	}
	return netip.AddrPortFrom(addr, c.PublicNativePort(localPort)), nil
}

// WasmWtAddress mirrors NativeAddress for the WebTransport socket.
func (c *GameServerSetupConfig) WasmWtAddress(localPort uint16) (netip.AddrPort, error) {
	addr, err := netip.ParseAddr(c.publicIP())
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("parse server ip: %w", err)
	}
	return netip.AddrPortFrom(addr, c.PublicWasmWtPort(localPort)), nil
}

// UnmarshalEnv populates c from environment-style "KEY=VALUE" lines,
// following the same struct-tag convention as the teacher's own
// configuration loader: `env:"NAME=default"`, or `env:"NAME?=default"` to
// allow explicitly setting the variable to an empty string.
func (c *GameServerSetupConfig) UnmarshalEnv(es []string) error {
	em := map[string]string{}
	for _, e := range es {
		if strings.HasPrefix(e, "NETCODE_") {
			if k, v, ok := strings.Cut(e, "="); ok {
				em[k] = v
			}
		}
	}

	cv := reflect.ValueOf(c).Elem()
	for _, ctf := range reflect.VisibleFields(cv.Type()) {
		env, ok := ctf.Tag.Lookup("env")
		if !ok {
			continue
		}

		var unsettable bool
		key, val, _ := strings.Cut(env, "=")
		if strings.HasSuffix(key, "?") {
			key = strings.TrimSuffix(key, "?")
			unsettable = true
		}
		if v, exists := em[key]; exists {
			if unsettable || v != "" {
				val = v
			}
			delete(em, key)
		}

		cvf := cv.FieldByName(ctf.Name)
		switch cvf.Interface().(type) {
		case string:
			cvf.SetString(val)
		case bool:
			if val == "" {
				cvf.SetBool(false)
			} else if v, err := strconv.ParseBool(val); err == nil {
				cvf.SetBool(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case uint64:
			if val == "" {
				cvf.SetUint(0)
			} else if v, err := strconv.ParseUint(val, 10, 64); err == nil {
				cvf.SetUint(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case uint16:
			if val == "" {
				cvf.SetUint(0)
			} else if v, err := strconv.ParseUint(val, 10, 16); err == nil {
				cvf.SetUint(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case int32:
			if val == "" {
				cvf.SetInt(0)
			} else if v, err := strconv.ParseInt(val, 10, 32); err == nil {
				cvf.SetInt(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		default:
			return fmt.Errorf("connectmeta: unhandled config field type %T (%s)", cvf.Interface(), env)
		}
	}

	for key, val := range em {
		if val != "" {
			return fmt.Errorf("connectmeta: unknown environment variable %q", key)
		}
	}
	return nil
}
