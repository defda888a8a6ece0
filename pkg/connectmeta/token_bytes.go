package connectmeta

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// ServerConnectToken is the tagged envelope handed to a client alongside
// (or instead of) the raw connect token bytes: most of what a client needs
// to reach a server over Kind's transport, since the connect token itself
// only carries what the netcode handshake needs (addresses, session keys),
// not transport-specific rendezvous data like a WebSocket URL.
type ServerConnectToken struct {
	Kind       ConnectionType
	TokenBytes []byte

	// CertHashes is set only for ConnectionTypeWasmWt.
	CertHashes [][32]byte

	// URL is set only for ConnectionTypeWasmWs.
	URL string

	// MemoryHandle is set only for ConnectionTypeMemory.
	MemoryHandle string
}

// MarshalBinary encodes t as a tagged, length-prefixed byte sequence:
// kind(1) | len(token)(4) | token | variant-specific fields.
func (t ServerConnectToken) MarshalBinary() ([]byte, error) {
	var b bytes.Buffer
	b.WriteByte(byte(t.Kind))
	if err := writeBytes(&b, t.TokenBytes); err != nil {
		return nil, err
	}

	switch t.Kind {
	case ConnectionTypeWasmWt:
		if len(t.CertHashes) > 0xFFFF {
			return nil, fmt.Errorf("connectmeta: too many cert hashes (%d)", len(t.CertHashes))
		}
		var n [2]byte
		binary.LittleEndian.PutUint16(n[:], uint16(len(t.CertHashes)))
		b.Write(n[:])
		for _, h := range t.CertHashes {
			b.Write(h[:])
		}
	case ConnectionTypeWasmWs:
		if err := writeBytes(&b, []byte(t.URL)); err != nil {
			return nil, err
		}
	case ConnectionTypeMemory:
		if err := writeBytes(&b, []byte(t.MemoryHandle)); err != nil {
			return nil, err
		}
	}
	return b.Bytes(), nil
}

// UnmarshalServerConnectToken decodes a ServerConnectToken encoded by
// MarshalBinary.
func UnmarshalServerConnectToken(buf []byte) (ServerConnectToken, error) {
	var t ServerConnectToken
	if len(buf) < 1 {
		return t, fmt.Errorf("connectmeta: truncated token envelope")
	}
	t.Kind = ConnectionType(buf[0])
	buf = buf[1:]

	tok, rest, err := readBytes(buf)
	if err != nil {
		return t, fmt.Errorf("connectmeta: token bytes: %w", err)
	}
	t.TokenBytes = tok
	buf = rest

	switch t.Kind {
	case ConnectionTypeWasmWt:
		if len(buf) < 2 {
			return t, fmt.Errorf("connectmeta: truncated cert hash count")
		}
		n := binary.LittleEndian.Uint16(buf)
		buf = buf[2:]
		if len(buf) < int(n)*32 {
			return t, fmt.Errorf("connectmeta: truncated cert hashes")
		}
		t.CertHashes = make([][32]byte, n)
		for i := range t.CertHashes {
			copy(t.CertHashes[i][:], buf[i*32:(i+1)*32])
		}
	case ConnectionTypeWasmWs:
		url, _, err := readBytes(buf)
		if err != nil {
			return t, fmt.Errorf("connectmeta: url: %w", err)
		}
		t.URL = string(url)
	case ConnectionTypeMemory:
		handle, _, err := readBytes(buf)
		if err != nil {
			return t, fmt.Errorf("connectmeta: memory handle: %w", err)
		}
		t.MemoryHandle = string(handle)
	}
	return t, nil
}

func writeBytes(b *bytes.Buffer, data []byte) error {
	if len(data) > 0xFFFFFFFF {
		return fmt.Errorf("connectmeta: field too large (%d bytes)", len(data))
	}
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(data)))
	b.Write(n[:])
	b.Write(data)
	return nil
}

func readBytes(buf []byte) (data, rest []byte, err error) {
	if len(buf) < 4 {
		return nil, nil, fmt.Errorf("truncated length prefix")
	}
	n := binary.LittleEndian.Uint32(buf)
	buf = buf[4:]
	if uint64(len(buf)) < uint64(n) {
		return nil, nil, fmt.Errorf("truncated field (want %d, have %d)", n, len(buf))
	}
	return buf[:n], buf[n:], nil
}

// EncodeBundle serializes and zstd-compresses a batch of tokens for
// delivery to a matchmaker-facing client that requests connect tokens for
// several game servers at once, e.g. a party of players joining different
// regional shards in a single round trip.
func EncodeBundle(tokens []ServerConnectToken) ([]byte, error) {
	var raw bytes.Buffer
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(tokens)))
	raw.Write(n[:])

	for _, t := range tokens {
		b, err := t.MarshalBinary()
		if err != nil {
			return nil, err
		}
		if err := writeBytes(&raw, b); err != nil {
			return nil, err
		}
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(raw.Bytes(), nil), nil
}

// DecodeBundle reverses EncodeBundle.
func DecodeBundle(compressed []byte) ([]ServerConnectToken, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	raw, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("connectmeta: decompress bundle: %w", err)
	}

	if len(raw) < 4 {
		return nil, fmt.Errorf("connectmeta: truncated bundle header")
	}
	count := binary.LittleEndian.Uint32(raw)
	raw = raw[4:]

	tokens := make([]ServerConnectToken, 0, count)
	for i := uint32(0); i < count; i++ {
		b, rest, err := readBytes(raw)
		if err != nil {
			return nil, fmt.Errorf("connectmeta: bundle entry %d: %w", i, err)
		}
		raw = rest

		t, err := UnmarshalServerConnectToken(b)
		if err != nil {
			return nil, fmt.Errorf("connectmeta: bundle entry %d: %w", i, err)
		}
		tokens = append(tokens, t)
	}
	return tokens, nil
}
