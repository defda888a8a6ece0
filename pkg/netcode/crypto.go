package netcode

import (
	"crypto/rand"

	"golang.org/x/crypto/chacha20poly1305"
)

// aeadEncrypt seals plaintext in place, appending the MACBytes-sized tag,
// using key and a 24-byte nonce, authenticating aad. The returned slice
// aliases dst's backing array.
func aeadEncrypt(dst, plaintext, aad, nonce, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, wrapErrorf(ErrCryptoFailed, "init aead")
	}
	if len(nonce) != aead.NonceSize() {
		return nil, wrapErrorf(ErrCryptoFailed, "bad nonce size")
	}
	return aead.Seal(dst[:0], nonce, plaintext, aad), nil
}

// aeadDecrypt opens ciphertext (which must include its trailing tag) in
// place using key and nonce, authenticating aad.
func aeadDecrypt(dst, ciphertext, aad, nonce, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, wrapErrorf(ErrCryptoFailed, "init aead")
	}
	if len(nonce) != aead.NonceSize() {
		return nil, wrapErrorf(ErrCryptoFailed, "bad nonce size")
	}
	out, err := aead.Open(dst[:0], nonce, ciphertext, aad)
	if err != nil {
		return nil, wrapErrorf(ErrCryptoFailed, "open")
	}
	return out, nil
}

// generateRandomBytes fills and returns a new byte slice of n cryptographically
// secure random bytes.
func generateRandomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand.Read on a supported platform only fails if the OS RNG
		// is unavailable, which is unrecoverable.
		panic("netcode: failed to read random bytes: " + err.Error())
	}
	return b
}

// generateKey returns a new random AEAD key.
func generateKey() [KeyBytes]byte {
	var k [KeyBytes]byte
	copy(k[:], generateRandomBytes(KeyBytes))
	return k
}
