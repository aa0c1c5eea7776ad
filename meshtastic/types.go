// Package meshtastic decrypts and decodes Meshtastic protobuf envelopes
// received from MQTT. It hand-parses the wire format instead of depending
// on generated bindings, since only a handful of fields from a handful of
// message kinds are ever consumed.
package meshtastic

import "fmt"

// PortNum identifies the payload kind carried inside a Data message.
// Values match the Meshtastic PortNum enum; only the ports this pipeline
// consumes are named.
type PortNum uint64

const (
	PortUnknown  PortNum = 0
	PortText     PortNum = 1
	PortPosition PortNum = 3
	PortNodeInfo PortNum = 4
	PortTelemetry PortNum = 67
)

// NodeId is a 32-bit Meshtastic node identifier.
type NodeId uint32

// Hex renders the node id as the lowercase hex string used throughout the
// pipeline (position cache keys, log lines).
func (n NodeId) Hex() string {
	return fmt.Sprintf("%08x", uint32(n))
}

// DeviceId is the sink-facing identifier for a node: "meshtastic_" plus
// the lowercase hex node id.
func (n NodeId) DeviceId() string {
	return "meshtastic_" + n.Hex()
}

// ServiceEnvelope is the outer message published to the MQTT topic; it
// wraps an encrypted or plaintext MeshPacket alongside routing metadata.
type ServiceEnvelope struct {
	Packet    MeshPacket
	ChannelID string
	GatewayID string
}

// MeshPacket is a single mesh-radio packet, decrypted or plaintext.
type MeshPacket struct {
	From       NodeId
	To         NodeId
	ID         uint32
	RxTime     uint32 // unix seconds, as reported by the receiving gateway
	Encrypted  []byte // present only when the packet arrived encrypted
	Decoded    *Data  // present once decrypted (or if it arrived plaintext)
	ChannelIdx uint32
}

// Data is the decrypted payload of a MeshPacket.
type Data struct {
	PortNum PortNum
	Payload []byte
}

// Position is the decoded payload of a PortPosition Data message.
type Position struct {
	LatitudeI  int32 // degrees * 1e7
	LongitudeI int32
	Altitude   int32
	Time       uint32 // unix seconds, device GPS/RTC time
}

// Latitude returns the position's latitude in degrees.
func (p Position) Latitude() float64 { return float64(p.LatitudeI) / 1e7 }

// Longitude returns the position's longitude in degrees.
func (p Position) Longitude() float64 { return float64(p.LongitudeI) / 1e7 }

// User is the decoded payload of a PortNodeInfo Data message.
type User struct {
	ID          string
	LongName    string
	ShortName   string
	HwModel     uint32
}

// Telemetry is the decoded payload of a PortTelemetry Data message. Exactly
// one of the two metric groups is populated, mirroring the oneof in the
// original schema.
type Telemetry struct {
	Time              uint32
	DeviceMetrics     *DeviceMetrics
	EnvironmentMetrics *EnvironmentMetrics
}

// DeviceMetrics carries onboard device health readings.
type DeviceMetrics struct {
	BatteryLevel  *uint32
	Voltage       *float32
	ChannelUtil   *float32
	AirUtilTx     *float32
}

// EnvironmentMetrics carries attached-sensor environmental readings.
type EnvironmentMetrics struct {
	Temperature      *float32
	RelativeHumidity *float32
	BarometricPressure *float32
	Lux              *float32
}
