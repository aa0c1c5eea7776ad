package meshtastic

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// forEachField walks the top-level fields of a protobuf-encoded message,
// invoking fn for each. fn receives exactly the bytes of the field's value
// (forEachField measures its width from the wire type and advances past it
// itself); a non-nil error from fn stops the walk and is returned.
// This mirrors decoders/bithelpers.go's role in the AIS decoders: one
// small shared primitive that every message-specific decode function
// builds on, rather than each one re-implementing tag walking.
func forEachField(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("meshtastic: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		var fieldLen int
		switch typ {
		case protowire.VarintType:
			_, fieldLen = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			_, fieldLen = protowire.ConsumeFixed32(b)
		case protowire.Fixed64Type:
			_, fieldLen = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			_, fieldLen = protowire.ConsumeBytes(b)
		default:
			return fmt.Errorf("meshtastic: unsupported wire type %d for field %d", typ, num)
		}
		if fieldLen < 0 {
			return fmt.Errorf("meshtastic: truncated field %d: %w", num, protowire.ParseError(fieldLen))
		}
		if err := fn(num, typ, b[:fieldLen]); err != nil {
			return err
		}
		b = b[fieldLen:]
	}
	return nil
}

func fieldVarint(v []byte) uint64 {
	x, _ := protowire.ConsumeVarint(v)
	return x
}

func fieldFixed32(v []byte) uint32 {
	x, _ := protowire.ConsumeFixed32(v)
	return x
}

func fieldBytes(v []byte) []byte {
	b, _ := protowire.ConsumeBytes(v)
	return b
}

func fieldFloat32(v []byte) float32 {
	return math.Float32frombits(fieldFixed32(v))
}

// DecodeServiceEnvelope parses the outer MQTT payload.
func DecodeServiceEnvelope(raw []byte) (*ServiceEnvelope, error) {
	env := &ServiceEnvelope{}
	err := forEachField(raw, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1: // packet
			pkt, err := decodeMeshPacket(fieldBytes(v))
			if err != nil {
				return fmt.Errorf("service_envelope.packet: %w", err)
			}
			env.Packet = *pkt
		case 2: // channel_id
			env.ChannelID = string(fieldBytes(v))
		case 3: // gateway_id
			env.GatewayID = string(fieldBytes(v))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return env, nil
}

func decodeMeshPacket(raw []byte) (*MeshPacket, error) {
	pkt := &MeshPacket{}
	err := forEachField(raw, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1: // from
			pkt.From = NodeId(fieldVarint(v))
		case 2: // to
			pkt.To = NodeId(fieldVarint(v))
		case 3: // channel
			pkt.ChannelIdx = uint32(fieldVarint(v))
		case 4: // decoded (plaintext payload)
			data, err := decodeData(fieldBytes(v))
			if err != nil {
				return fmt.Errorf("mesh_packet.decoded: %w", err)
			}
			pkt.Decoded = data
		case 5: // encrypted
			pkt.Encrypted = append([]byte(nil), fieldBytes(v)...)
		case 6: // id
			pkt.ID = uint32(fieldVarint(v))
		case 7: // rx_time
			pkt.RxTime = fieldFixed32(v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pkt, nil
}

func decodeData(raw []byte) (*Data, error) {
	d := &Data{}
	err := forEachField(raw, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1: // portnum
			d.PortNum = PortNum(fieldVarint(v))
		case 2: // payload
			d.Payload = append([]byte(nil), fieldBytes(v)...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// DecodePosition parses a Position payload (PortPosition).
func DecodePosition(raw []byte) (*Position, error) {
	p := &Position{}
	err := forEachField(raw, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1: // latitude_i (sfixed32, stored as plain fixed32 bits)
			p.LatitudeI = int32(fieldFixed32(v))
		case 2: // longitude_i
			p.LongitudeI = int32(fieldFixed32(v))
		case 3: // altitude
			p.Altitude = int32(fieldVarint(v))
		case 4: // time
			p.Time = fieldFixed32(v)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("position: %w", err)
	}
	return p, nil
}

// DecodeUser parses a User payload (PortNodeInfo).
func DecodeUser(raw []byte) (*User, error) {
	u := &User{}
	err := forEachField(raw, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1:
			u.ID = string(fieldBytes(v))
		case 2:
			u.LongName = string(fieldBytes(v))
		case 3:
			u.ShortName = string(fieldBytes(v))
		case 5:
			u.HwModel = uint32(fieldVarint(v))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("user: %w", err)
	}
	return u, nil
}

// DecodeTelemetry parses a Telemetry payload (PortTelemetry).
func DecodeTelemetry(raw []byte) (*Telemetry, error) {
	t := &Telemetry{}
	err := forEachField(raw, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1: // time
			t.Time = fieldFixed32(v)
		case 2: // device_metrics
			dm, err := decodeDeviceMetrics(fieldBytes(v))
			if err != nil {
				return fmt.Errorf("telemetry.device_metrics: %w", err)
			}
			t.DeviceMetrics = dm
		case 3: // environment_metrics
			em, err := decodeEnvironmentMetrics(fieldBytes(v))
			if err != nil {
				return fmt.Errorf("telemetry.environment_metrics: %w", err)
			}
			t.EnvironmentMetrics = em
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	return t, nil
}

func decodeDeviceMetrics(raw []byte) (*DeviceMetrics, error) {
	dm := &DeviceMetrics{}
	err := forEachField(raw, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1:
			x := uint32(fieldVarint(v))
			dm.BatteryLevel = &x
		case 2:
			x := fieldFloat32(v)
			dm.Voltage = &x
		case 3:
			x := fieldFloat32(v)
			dm.ChannelUtil = &x
		case 4:
			x := fieldFloat32(v)
			dm.AirUtilTx = &x
		}
		return nil
	})
	return dm, err
}

func decodeEnvironmentMetrics(raw []byte) (*EnvironmentMetrics, error) {
	em := &EnvironmentMetrics{}
	err := forEachField(raw, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1:
			x := fieldFloat32(v)
			em.Temperature = &x
		case 2:
			x := fieldFloat32(v)
			em.RelativeHumidity = &x
		case 3:
			x := fieldFloat32(v)
			em.BarometricPressure = &x
		case 9:
			x := fieldFloat32(v)
			em.Lux = &x
		}
		return nil
	})
	return em, err
}
