package netcode

import "encoding/binary"

// challengeTokenPlainBytes is the plaintext size sealed into a
// ChallengeTokenBytes-sized challenge token: client_id + user_data.
const challengeTokenPlainBytes = ChallengeTokenBytes - MACBytes

// sealChallengeToken seals clientID and userData into an opaque blob the
// client must echo back verbatim in its Response packet. Only the server,
// holding challengeKey, can open it; the client never decodes it.
func sealChallengeToken(clientID uint64, userData *[UserDataBytes]byte, sequence uint64, challengeKey *[KeyBytes]byte) ([ChallengeTokenBytes]byte, error) {
	var out [ChallengeTokenBytes]byte
	var plain [challengeTokenPlainBytes]byte
	binary.LittleEndian.PutUint64(plain[0:8], clientID)
	copy(plain[8:8+UserDataBytes], userData[:])

	nonce := sequenceNonce(sequence)
	sealed, err := aeadEncrypt(out[:0], plain[:], nil, nonce[:], challengeKey[:])
	if err != nil {
		return out, err
	}
	copy(out[:], sealed)
	return out, nil
}

func openChallengeToken(data *[ChallengeTokenBytes]byte, sequence uint64, challengeKey *[KeyBytes]byte) (uint64, [UserDataBytes]byte, error) {
	var userData [UserDataBytes]byte
	nonce := sequenceNonce(sequence)
	plain, err := aeadDecrypt(nil, data[:], nil, nonce[:], challengeKey[:])
	if err != nil {
		return 0, userData, err
	}
	if len(plain) != challengeTokenPlainBytes {
		return 0, userData, wrapErrorf(ErrPacketTooSmall, "challenge token")
	}
	clientID := binary.LittleEndian.Uint64(plain[0:8])
	copy(userData[:], plain[8:8+UserDataBytes])
	return clientID, userData, nil
}
