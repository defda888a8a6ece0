// Package netcode implements the server-side handshake and packet state
// machine for a secure, connection-oriented UDP-like session layer: connect
// token validation, replay-protected encrypted packets, challenge/response,
// keep-alive, and timeout/eviction.
package netcode

import "time"

const (
	// VersionInfo is the fixed 13-byte ASCII protocol version identifier
	// embedded in every ConnectionRequest packet. Packets presenting any
	// other value are rejected silently.
	VersionInfo = "NETCODE 1.02\x00"

	// KeyBytes is the size of an AEAD session key (client_to_server_key,
	// server_to_client_key, and the server's private connect-token key).
	KeyBytes = 32

	// MACBytes is the AEAD authentication tag size.
	MACBytes = 16

	// UserDataBytes is the size of the opaque per-client blob carried in
	// the private connect token and exposed to the application.
	UserDataBytes = 256

	// NonceBytes is the size of the XChaCha20-Poly1305 nonce used to seal
	// a connect token's private section.
	NonceBytes = 24

	// MaxServerAddresses bounds how many server addresses a single connect
	// token may advertise.
	MaxServerAddresses = 32

	// ConnectTokenPrivateBytes is the sealed (ciphertext + tag) size of a
	// connect token's private section, as carried on the wire.
	ConnectTokenPrivateBytes = 1024

	// connectTokenPrivatePlainBytes is the zero-padded plaintext size
	// sealed into ConnectTokenPrivateBytes.
	connectTokenPrivatePlainBytes = ConnectTokenPrivateBytes - MACBytes

	// MaxPacketBytes bounds the size of any single encoded packet.
	MaxPacketBytes = 1300

	// MaxPayloadBytes bounds the size of a single application payload
	// passed through GeneratePayload / surfaced as a Payload result.
	MaxPayloadBytes = 1200

	// MaxClients is the number of client slots a Server gets when
	// ServerConfig.MaxClients is not positive. NewServer does not cap a
	// larger configured value; the connect token ledger always holds twice
	// the server's slot count.
	MaxClients = 256

	// MaxPendingClients bounds the number of in-flight handshakes.
	MaxPendingClients = 256

	// KeepAlivePeriod is the cadence at which a connected client that has
	// not otherwise been sent a packet receives an unsolicited KeepAlive.
	KeepAlivePeriod = 100 * time.Millisecond

	// replayWindowSize is the number of recently seen sequence numbers
	// tracked per connection.
	replayWindowSize = 256
)
