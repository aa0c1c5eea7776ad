package meshtastic

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

// defaultChannelKey is the Meshtastic default/community channel PSK: the
// well-known 16-byte AES-128 key shared by every "AQ==" channel.
var defaultChannelKey = []byte{
	0xd4, 0xf1, 0xbb, 0x3a, 0x20, 0x29, 0x07, 0x59,
	0xf0, 0xbc, 0xff, 0xab, 0xcf, 0x4e, 0x69, 0x01,
}

// wellKnownSingleByteKeys indexes the small set of "shorthand" one-byte PSK
// values a channel config can carry; index 0 and 1 both resolve to the
// public default channel key, matching upstream firmware behavior.
var wellKnownSingleByteKeys = [][]byte{
	defaultChannelKey,
	defaultChannelKey,
}

// DeriveChannelKey turns a channel's base64-encoded PSK config value into
// the raw AES key used to decrypt packets on that channel.
func DeriveChannelKey(pskBase64 string) ([]byte, error) {
	if pskBase64 == "" {
		return defaultChannelKey, nil
	}
	raw, err := base64.StdEncoding.DecodeString(pskBase64)
	if err != nil {
		return nil, fmt.Errorf("meshtastic: invalid channel psk: %w", err)
	}
	switch {
	case len(raw) == 0:
		return defaultChannelKey, nil
	case len(raw) == 1:
		idx := int(raw[0])
		if idx < 0 || idx >= len(wellKnownSingleByteKeys) {
			return defaultChannelKey, nil
		}
		return wellKnownSingleByteKeys[idx], nil
	case len(raw) == 16:
		return raw, nil
	case len(raw) == 32:
		// AES-256 keys are truncated: this pipeline only implements
		// AES-128-CTR decryption.
		return raw[:16], nil
	default:
		sum := sha256.Sum256(raw)
		return sum[:16], nil
	}
}

// packetNonce builds the 16-byte CTR nonce Meshtastic derives from a
// packet's id and originating node: the low 8 bytes are the little-endian
// packet id, the high 8 bytes are the little-endian (zero-extended)
// from-node id.
func packetNonce(packetID uint32, fromNode NodeId) []byte {
	nonce := make([]byte, 16)
	binary.LittleEndian.PutUint32(nonce[0:4], packetID)
	binary.LittleEndian.PutUint32(nonce[8:12], uint32(fromNode))
	return nonce
}

// Decrypt reverses AES-128-CTR encryption on a packet's payload using the
// given channel key, packet id, and originating node id.
func Decrypt(key []byte, packetID uint32, fromNode NodeId, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("meshtastic: bad aes key: %w", err)
	}
	nonce := packetNonce(packetID, fromNode)
	stream := cipher.NewCTR(block, nonce)
	plaintext := make([]byte, len(ciphertext))
	stream.XORKeyStream(plaintext, ciphertext)
	return plaintext, nil
}

// DecryptPacket decrypts an encrypted MeshPacket's payload with the given
// channel key and decodes the resulting Data message in place. It is a
// no-op if the packet already carries a decoded payload (arrived
// plaintext, e.g. on an unencrypted "downlink" channel).
func DecryptPacket(pkt *MeshPacket, key []byte) error {
	if pkt.Decoded != nil {
		return nil
	}
	if len(pkt.Encrypted) == 0 {
		return fmt.Errorf("meshtastic: packet %d has no encrypted or decoded payload", pkt.ID)
	}
	plaintext, err := Decrypt(key, pkt.ID, pkt.From, pkt.Encrypted)
	if err != nil {
		return err
	}
	data, err := decodeData(plaintext)
	if err != nil {
		return fmt.Errorf("meshtastic: decrypted payload for packet %d is not valid Data: %w", pkt.ID, err)
	}
	pkt.Decoded = data
	return nil
}
