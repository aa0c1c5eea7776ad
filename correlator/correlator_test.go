package correlator

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/wesense-earth/wesense-ingester-meshtastic/meshtastic"
	"github.com/wesense-earth/wesense-ingester-meshtastic/pending"
	"github.com/wesense-earth/wesense-ingester-meshtastic/positioncache"
	"github.com/wesense-earth/wesense-ingester-meshtastic/record"
)

func newTestCorrelator(t *testing.T) (*Correlator, chan record.Reading, chan struct{}) {
	t.Helper()
	positions := positioncache.New(filepath.Join(t.TempDir(), "positions.json"))
	buf := pending.New()
	out := make(chan record.Reading, 16)
	snapshots := make(chan struct{}, 16)
	c := New(positions, buf, out, snapshots, "MESHTASTIC_COMMUNITY", nil, nil)
	return c, out, snapshots
}

func float32ptr(v float32) *float32 { return &v }
func uint32ptr(v uint32) *uint32    { return &v }

func TestPositionThenTelemetryEmitsReading(t *testing.T) {
	c, out, _ := newTestCorrelator(t)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Handle(Message{
		NodeID:     meshtastic.NodeId(1),
		Region:     "us-west",
		ReceivedAt: now,
		Position:   &meshtastic.Position{LatitudeI: 375000000, LongitudeI: -1220000000, Time: uint32(now.Unix())},
	})
	c.Handle(Message{
		NodeID: meshtastic.NodeId(1),
		Region: "us-west",
		Telemetry: &meshtastic.Telemetry{
			Time:              uint32(now.Unix()),
			EnvironmentMetrics: &meshtastic.EnvironmentMetrics{Temperature: float32ptr(21.5)},
		},
	})

	select {
	case r := <-out:
		if r.ReadingType != "temperature" || r.Value != float64(float32(21.5)) {
			t.Fatalf("unexpected reading: %+v", r)
		}
		if r.Latitude != 37.5 {
			t.Fatalf("expected joined position, got %+v", r)
		}
	default:
		t.Fatalf("expected a reading on the output channel")
	}
}

func TestTelemetryBeforePositionIsBufferedThenEmitted(t *testing.T) {
	c, out, _ := newTestCorrelator(t)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Handle(Message{
		NodeID: meshtastic.NodeId(2),
		Telemetry: &meshtastic.Telemetry{
			Time:               uint32(now.Unix()),
			EnvironmentMetrics: &meshtastic.EnvironmentMetrics{RelativeHumidity: float32ptr(55)},
		},
	})
	select {
	case <-out:
		t.Fatalf("no reading should be emitted before a position arrives")
	default:
	}

	c.Handle(Message{
		NodeID:   meshtastic.NodeId(2),
		Position: &meshtastic.Position{LatitudeI: 1, LongitudeI: 1, Time: uint32(now.Unix())},
	})

	select {
	case r := <-out:
		if r.ReadingType != "humidity" || r.Value != 55 {
			t.Fatalf("unexpected reading: %+v", r)
		}
	default:
		t.Fatalf("expected the buffered reading to be emitted once position arrived")
	}
}

func TestDeviceMetricsTelemetryIsDroppedSilently(t *testing.T) {
	c, out, _ := newTestCorrelator(t)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Handle(Message{
		NodeID:   meshtastic.NodeId(6),
		Position: &meshtastic.Position{LatitudeI: 1, LongitudeI: 1, Time: uint32(now.Unix())},
	})
	c.Handle(Message{
		NodeID: meshtastic.NodeId(6),
		Telemetry: &meshtastic.Telemetry{
			Time: uint32(now.Unix()),
			DeviceMetrics: &meshtastic.DeviceMetrics{
				BatteryLevel: uint32ptr(80),
				Voltage:      float32ptr(3.9),
			},
		},
	})

	select {
	case r := <-out:
		t.Fatalf("device-metrics telemetry must never reach the sink, got %+v", r)
	default:
	}
	if c.pending.NodeCount() != 0 {
		t.Fatalf("device-metrics telemetry must not be buffered either, got %d pending nodes", c.pending.NodeCount())
	}
}

func TestDataSourceIsConstantAcrossReadingTypes(t *testing.T) {
	c, out, _ := newTestCorrelator(t)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Handle(Message{
		NodeID:   meshtastic.NodeId(7),
		Position: &meshtastic.Position{LatitudeI: 1, LongitudeI: 1, Time: uint32(now.Unix())},
	})
	c.Handle(Message{
		NodeID: meshtastic.NodeId(7),
		Telemetry: &meshtastic.Telemetry{
			Time:               uint32(now.Unix()),
			EnvironmentMetrics: &meshtastic.EnvironmentMetrics{Temperature: float32ptr(10)},
		},
	})

	select {
	case r := <-out:
		if r.DataSource != "MESHTASTIC_COMMUNITY" {
			t.Fatalf("expected constant data source, got %q", r.DataSource)
		}
	default:
		t.Fatalf("expected a reading on the output channel")
	}
}

// The future-timestamp guard scopes to telemetry only (spec.md §4.C: "before
// any telemetry enters the Correlator"); position ingestion is never guarded,
// so both tests below plant an ordinary position first and then drive the
// guard through a Telemetry message's Time field.

func TestFutureTimestampWithinToleranceAccepted(t *testing.T) {
	c, out, _ := newTestCorrelator(t)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Handle(Message{
		NodeID:   meshtastic.NodeId(3),
		Position: &meshtastic.Position{LatitudeI: 1, LongitudeI: 1, Time: uint32(now.Unix())},
	})
	c.Handle(Message{
		NodeID: meshtastic.NodeId(3),
		Telemetry: &meshtastic.Telemetry{
			Time:               uint32(now.Add(FutureTolerance).Unix()),
			EnvironmentMetrics: &meshtastic.EnvironmentMetrics{Temperature: float32ptr(1)},
		},
	})
	select {
	case <-out:
	default:
		t.Fatalf("telemetry exactly at the tolerance boundary should be accepted")
	}
}

func TestFutureTimestampBeyondToleranceRejected(t *testing.T) {
	c, out, _ := newTestCorrelator(t)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Handle(Message{
		NodeID:   meshtastic.NodeId(4),
		Position: &meshtastic.Position{LatitudeI: 1, LongitudeI: 1, Time: uint32(now.Unix())},
	})
	c.Handle(Message{
		NodeID: meshtastic.NodeId(4),
		Telemetry: &meshtastic.Telemetry{
			Time:               uint32(now.Add(FutureTolerance + time.Second).Unix()),
			EnvironmentMetrics: &meshtastic.EnvironmentMetrics{Temperature: float32ptr(1)},
		},
	})
	select {
	case r := <-out:
		t.Fatalf("telemetry 31s in the future must be rejected, got %+v", r)
	default:
	}
	if c.pending.NodeCount() != 0 {
		t.Fatalf("rejected telemetry must not be buffered either, got %d pending nodes", c.pending.NodeCount())
	}
}

func TestNodeInfoNeverCreatesPosition(t *testing.T) {
	c, _, _ := newTestCorrelator(t)
	c.Handle(Message{
		NodeID: meshtastic.NodeId(5),
		User:   &meshtastic.User{LongName: "WS-Backyard"},
	})
	if _, ok := c.positions.Get(meshtastic.NodeId(5).Hex(), time.Now()); ok {
		t.Fatalf("nodeinfo alone must not create a position")
	}
}

func TestDeploymentTypeFromWSPrefix(t *testing.T) {
	if deploymentTypeFromName("WS-Rooftop") != "OUTDOOR" {
		t.Fatalf("WS- prefix should yield OUTDOOR")
	}
	if deploymentTypeFromName("ws-lowercase") != "OUTDOOR" {
		t.Fatalf("case-insensitive WS- prefix should yield OUTDOOR")
	}
	if deploymentTypeFromName("Basestation") != "" {
		t.Fatalf("non-WS name should yield empty deployment type")
	}
}
