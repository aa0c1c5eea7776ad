package meshtastic

import (
	"bytes"
	"encoding/base64"
	"math"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func TestDeriveChannelKeyDefault(t *testing.T) {
	key, err := DeriveChannelKey("")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(key, defaultChannelKey) {
		t.Fatalf("empty psk should yield the default channel key")
	}
}

func TestDeriveChannelKeySingleByte(t *testing.T) {
	psk := base64.StdEncoding.EncodeToString([]byte{0x01})
	key, err := DeriveChannelKey(psk)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(key, defaultChannelKey) {
		t.Fatalf("index 1 should resolve to the default channel key")
	}
}

func TestDeriveChannelKeyRaw16(t *testing.T) {
	raw := bytes.Repeat([]byte{0xAB}, 16)
	psk := base64.StdEncoding.EncodeToString(raw)
	key, err := DeriveChannelKey(psk)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(key, raw) {
		t.Fatalf("16-byte psk should be used directly")
	}
}

func TestDeriveChannelKeyHashesOddLengths(t *testing.T) {
	raw := []byte("not sixteen or thirty two bytes long")
	psk := base64.StdEncoding.EncodeToString(raw)
	key, err := DeriveChannelKey(psk)
	if err != nil {
		t.Fatal(err)
	}
	if len(key) != 16 {
		t.Fatalf("derived key must be 16 bytes, got %d", len(key))
	}
}

func TestDecryptRoundTrip(t *testing.T) {
	key, _ := DeriveChannelKey("")
	plaintext := []byte{0x08, 0x03, 0x12, 0x02, 0xAA, 0xBB} // portnum=3, payload=<2 bytes>
	ciphertext, err := Decrypt(key, 42, NodeId(0x1234), plaintext)
	if err != nil {
		t.Fatal(err)
	}
	roundtrip, err := Decrypt(key, 42, NodeId(0x1234), ciphertext)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(roundtrip, plaintext) {
		t.Fatalf("CTR decrypt(encrypt(x)) != x")
	}
}

func TestDecodePosition(t *testing.T) {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.Fixed32Type)
	latI := int32(-368140000)
	buf = protowire.AppendFixed32(buf, uint32(latI)) // latitude_i
	buf = protowire.AppendTag(buf, 2, protowire.Fixed32Type)
	lngI := int32(1445410000)
	buf = protowire.AppendFixed32(buf, uint32(lngI)) // longitude_i
	buf = protowire.AppendTag(buf, 4, protowire.Fixed32Type)
	buf = protowire.AppendFixed32(buf, 1700000000)

	pos, err := DecodePosition(buf)
	if err != nil {
		t.Fatal(err)
	}
	if pos.LatitudeI != -368140000 {
		t.Fatalf("latitude_i = %d", pos.LatitudeI)
	}
	if math.Abs(pos.Latitude()-(-36.814)) > 1e-6 {
		t.Fatalf("Latitude() = %f", pos.Latitude())
	}
	if pos.Time != 1700000000 {
		t.Fatalf("time = %d", pos.Time)
	}
}

func TestDecodeServiceEnvelopeWithPlaintextData(t *testing.T) {
	var payload []byte
	payload = protowire.AppendTag(payload, 1, protowire.VarintType)
	payload = protowire.AppendVarint(payload, uint64(PortPosition))
	payload = protowire.AppendTag(payload, 2, protowire.BytesType)
	payload = protowire.AppendBytes(payload, []byte{0x01, 0x02})

	var pkt []byte
	pkt = protowire.AppendTag(pkt, 1, protowire.VarintType)
	pkt = protowire.AppendVarint(pkt, 0xDEADBEEF)
	pkt = protowire.AppendTag(pkt, 4, protowire.BytesType)
	pkt = protowire.AppendBytes(pkt, payload)
	pkt = protowire.AppendTag(pkt, 6, protowire.VarintType)
	pkt = protowire.AppendVarint(pkt, 99)

	var env []byte
	env = protowire.AppendTag(env, 1, protowire.BytesType)
	env = protowire.AppendBytes(env, pkt)
	env = protowire.AppendTag(env, 2, protowire.BytesType)
	env = protowire.AppendBytes(env, []byte("LongFast"))

	se, err := DecodeServiceEnvelope(env)
	if err != nil {
		t.Fatal(err)
	}
	if se.ChannelID != "LongFast" {
		t.Fatalf("channel_id = %q", se.ChannelID)
	}
	if se.Packet.From != NodeId(0xDEADBEEF) {
		t.Fatalf("from = %x", uint32(se.Packet.From))
	}
	if se.Packet.Decoded == nil || se.Packet.Decoded.PortNum != PortPosition {
		t.Fatalf("decoded portnum mismatch: %+v", se.Packet.Decoded)
	}
}

func TestNodeIdHexAndDeviceId(t *testing.T) {
	n := NodeId(0x0badf00d)
	if n.Hex() != "0badf00d" {
		t.Fatalf("Hex() = %s", n.Hex())
	}
	if n.DeviceId() != "meshtastic_0badf00d" {
		t.Fatalf("DeviceId() = %s", n.DeviceId())
	}
}

func TestHardwareModelNameFallback(t *testing.T) {
	if HardwareModelName(25) != "heltec_v3" {
		t.Fatalf("known model mismatch")
	}
	if HardwareModelName(9999) != "hw_9999" {
		t.Fatalf("unknown model fallback = %s", HardwareModelName(9999))
	}
}
