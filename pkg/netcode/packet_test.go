package netcode

import (
	"bytes"
	"testing"
)

const testProtocolID = 7

func testKey() [KeyBytes]byte {
	var k [KeyBytes]byte
	copy(k[:], "an example very very secret key.")
	return k
}

func TestEncodeDecodeKeepAlive(t *testing.T) {
	key := testKey()
	pkt := &Packet{Kind: KindKeepAlive, ClientIndex: 3, MaxClients: 16}

	var buf [MaxPacketBytes]byte
	n, err := EncodePacket(buf[:], pkt, testProtocolID, 1, &key, true)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	replay := NewReplayProtection()
	seq, got, err := DecodePacket(buf[:n], testProtocolID, &key, replay, true)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if seq != 1 {
		t.Fatalf("sequence = %d, want 1", seq)
	}
	if got.ClientIndex != 3 || got.MaxClients != 16 {
		t.Fatalf("got %+v", got)
	}
}

func TestEncodeDecodePayloadPlaintextSocket(t *testing.T) {
	key := testKey()
	payload := bytes.Repeat([]byte{0x07}, 300)
	pkt := &Packet{Kind: KindPayload, Payload: payload}

	var buf [MaxPacketBytes]byte
	n, err := EncodePacket(buf[:], pkt, testProtocolID, 42, &key, false)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	replay := NewReplayProtection()
	seq, got, err := DecodePacket(buf[:n], testProtocolID, &key, replay, false)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if seq != 42 {
		t.Fatalf("sequence = %d, want 42", seq)
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Fatal("payload mismatch")
	}
}

func TestDecodeRejectsReplayedSequence(t *testing.T) {
	key := testKey()
	pkt := &Packet{Kind: KindDisconnect}

	var buf [MaxPacketBytes]byte
	n, err := EncodePacket(buf[:], pkt, testProtocolID, 5, &key, true)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	replay := NewReplayProtection()
	if _, _, err := DecodePacket(buf[:n], testProtocolID, &key, replay, true); err != nil {
		t.Fatalf("first decode: %v", err)
	}
	if _, _, err := DecodePacket(buf[:n], testProtocolID, &key, replay, true); err == nil {
		t.Fatal("replayed packet should have been rejected")
	}
}

func TestDecodeRejectsWrongKey(t *testing.T) {
	key := testKey()
	wrongKey := testKey()
	wrongKey[0] ^= 0xFF

	var buf [MaxPacketBytes]byte
	n, err := EncodePacket(buf[:], &Packet{Kind: KindKeepAlive}, testProtocolID, 1, &key, true)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	replay := NewReplayProtection()
	if _, _, err := DecodePacket(buf[:n], testProtocolID, &wrongKey, replay, true); err == nil {
		t.Fatal("decoding with the wrong key should fail")
	}
}

func FuzzPayloadPacketRoundTrip(f *testing.F) {
	f.Add([]byte{})
	f.Add([]byte{0x01})
	f.Add(bytes.Repeat([]byte{0x02}, 300))

	f.Fuzz(func(t *testing.T, payload []byte) {
		if len(payload) > MaxPayloadBytes {
			t.Skip()
		}
		key := testKey()
		var buf [MaxPacketBytes]byte
		n, err := EncodePacket(buf[:], &Packet{Kind: KindPayload, Payload: payload}, testProtocolID, 9, &key, true)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		replay := NewReplayProtection()
		_, got, err := DecodePacket(buf[:n], testProtocolID, &key, replay, true)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !bytes.Equal(got.Payload, payload) {
			t.Fatal("payload mismatch")
		}
	})
}
