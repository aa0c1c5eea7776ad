// Package correlator joins incoming position and telemetry messages into
// enriched readings. It is the sole owner of the position cache and
// pending telemetry buffer: spec.md's concurrency model gives it a single
// consuming goroutine so those stores need no locking on the hot path.
package correlator

import (
	"log"
	"time"

	"github.com/wesense-earth/wesense-ingester-meshtastic/meshtastic"
	"github.com/wesense-earth/wesense-ingester-meshtastic/pending"
	"github.com/wesense-earth/wesense-ingester-meshtastic/positioncache"
	"github.com/wesense-earth/wesense-ingester-meshtastic/record"
)

// FutureTolerance is how far into the future a sensor timestamp may be
// before it's rejected as coming from a node with a broken clock.
const FutureTolerance = 30 * time.Second

// Message is one decoded packet handed to the correlator by a decode
// worker.
type Message struct {
	NodeID     meshtastic.NodeId
	Region     string
	ReceivedAt time.Time

	Position  *meshtastic.Position
	User      *meshtastic.User
	Telemetry *meshtastic.Telemetry
}

// Correlator owns the position cache and pending buffer and turns
// incoming messages into outgoing readings.
type Correlator struct {
	positions  *positioncache.Cache
	pending    *pending.Buffer
	out        chan<- record.Reading
	snapshots  chan<- struct{}
	now        func() time.Time
	logger     *log.Logger
	dataSource string

	futureTimestampLog *log.Logger
}

// New builds a Correlator. out receives joined readings ready for
// geocoding; snapshots is signalled whenever the position cache reports
// it wants to be persisted (Cache.Put's return value). dataSource is the
// constant DATA_SOURCE label (config.Config.DataSource) stamped on every
// emitted reading, not derived per-reading.
func New(positions *positioncache.Cache, buf *pending.Buffer, out chan<- record.Reading, snapshots chan<- struct{}, dataSource string, logger, futureTimestampLog *log.Logger) *Correlator {
	return &Correlator{
		positions:          positions,
		pending:            buf,
		out:                out,
		snapshots:          snapshots,
		now:                time.Now,
		logger:             logger,
		dataSource:         dataSource,
		futureTimestampLog: futureTimestampLog,
	}
}

// Handle processes one decoded message. It never performs I/O: disk
// snapshots and geocoding happen downstream, on other goroutines.
func (c *Correlator) Handle(msg Message) {
	nodeID := msg.NodeID.Hex()

	switch {
	case msg.Position != nil:
		c.handlePosition(nodeID, msg)
	case msg.User != nil:
		c.positions.ApplyNodeInfo(nodeID, msg.User.LongName, msg.User.HwModel)
	case msg.Telemetry != nil:
		c.handleTelemetry(nodeID, msg)
	}
}

// handlePosition is never subject to the future-timestamp guard: spec.md
// §4.C scopes it to telemetry only ("before any telemetry enters the
// Correlator"), and original_source never guards positions either. A
// node with a broken future-dated GPS clock still needs its position
// cached, or its telemetry would buffer against a position that never
// arrives.
func (c *Correlator) handlePosition(nodeID string, msg Message) {
	sensorTime := time.Unix(int64(msg.Position.Time), 0)

	shouldSnapshot := c.positions.Put(nodeID, msg.Position.Latitude(), msg.Position.Longitude(), msg.Position.Altitude, sensorTime)
	if shouldSnapshot {
		c.requestSnapshot()
	}

	now := c.now()
	for _, r := range c.pending.Drain(nodeID, now) {
		c.emit(nodeID, msg, r.Type, r.Value, r.Unit, r.Timestamp)
	}
}

func (c *Correlator) handleTelemetry(nodeID string, msg Message) {
	sensorTime := time.Unix(int64(msg.Telemetry.Time), 0)
	if !c.passesTimestampGuard(nodeID, sensorTime) {
		return
	}

	for _, reading := range telemetryReadings(msg.Telemetry) {
		if pos, ok := c.positions.Get(nodeID, c.now()); ok {
			c.positions.MarkEnvReading(nodeID, sensorTime)
			c.emitWithPosition(nodeID, pos, reading.readingType, reading.value, reading.unit, sensorTime, msg)
		} else {
			c.pending.Add(nodeID, pending.Reading{
				Type:      reading.readingType,
				Value:     reading.value,
				Unit:      reading.unit,
				Timestamp: sensorTime,
			})
		}
	}
}

// passesTimestampGuard rejects (and logs) messages whose sensor clock is
// too far ahead of ours. Messages with a clock in the past are always
// accepted; only the future direction indicates a broken clock, per
// spec.md's guard.
func (c *Correlator) passesTimestampGuard(nodeID string, sensorTime time.Time) bool {
	delta := sensorTime.Sub(c.now())
	if delta > FutureTolerance {
		if c.futureTimestampLog != nil {
			c.futureTimestampLog.Printf("node=%s sensor_time=%s delta=%s", nodeID, sensorTime, delta)
		}
		return false
	}
	return true
}

func (c *Correlator) emit(nodeID string, msg Message, readingType string, value float64, unit string, at time.Time) {
	pos, ok := c.positions.Get(nodeID, c.now())
	if !ok {
		// position expired between drain and emit; drop rather than
		// emit with a stale coordinate.
		return
	}
	c.emitWithPosition(nodeID, pos, readingType, value, unit, at, msg)
}

func (c *Correlator) emitWithPosition(nodeID string, pos positioncache.Entry, readingType string, value float64, unit string, at time.Time, msg Message) {
	r := record.Reading{
		DeviceID:       msg.NodeID.DeviceId(),
		NodeID:         nodeID,
		ReadingType:    readingType,
		Value:          value,
		Unit:           unit,
		Timestamp:      at,
		Latitude:       pos.Latitude,
		Longitude:      pos.Longitude,
		BoardModel:     meshtastic.HardwareModelName(pos.HwModel),
		DeploymentType: deploymentTypeFromName(pos.LongName),
		NetworkSource:  msg.Region,
		DataSource:     c.dataSource,
	}

	select {
	case c.out <- r:
	default:
		if c.logger != nil {
			c.logger.Printf("correlator: output channel full, dropping reading for node %s", nodeID)
		}
	}
}

func (c *Correlator) requestSnapshot() {
	select {
	case c.snapshots <- struct{}{}:
	default:
	}
}

type namedReading struct {
	readingType string
	value       float64
	unit        string
}

// telemetryReadings flattens a Telemetry message's environment-metrics
// group into individually-named readings. Device-metrics and
// power-metrics telemetry (battery level, voltage, channel utilization,
// air util tx) is decoded upstream but dropped silently here: only the
// environmental subvariant reaches the sink. Reading type names match
// original_source/meshtastic_ingester.py:600-604 exactly ("humidity",
// "pressure", not the protobuf field names). A value of exactly zero means
// "unreported" only on an integer telemetry field; every field read here is
// a float, so a present zero (e.g. 0 °C) is emitted like any other value.
func telemetryReadings(t *meshtastic.Telemetry) []namedReading {
	var out []namedReading
	if em := t.EnvironmentMetrics; em != nil {
		if em.Temperature != nil {
			out = append(out, namedReading{"temperature", float64(*em.Temperature), "°C"})
		}
		if em.RelativeHumidity != nil {
			out = append(out, namedReading{"humidity", float64(*em.RelativeHumidity), "%"})
		}
		if em.BarometricPressure != nil {
			out = append(out, namedReading{"pressure", float64(*em.BarometricPressure), "hPa"})
		}
		if em.Lux != nil {
			out = append(out, namedReading{"lux", float64(*em.Lux), "lx"})
		}
	}
	return out
}

// deploymentTypeFromName mirrors
// original_source/meshtastic_ingester.py::get_deployment_type_from_node_name:
// a node whose long name starts with "WS-" (case-insensitive) is a
// deployed outdoor sensor station.
func deploymentTypeFromName(longName string) string {
	if len(longName) >= 3 && (longName[0] == 'W' || longName[0] == 'w') && (longName[1] == 'S' || longName[1] == 's') && longName[2] == '-' {
		return "OUTDOOR"
	}
	return ""
}
