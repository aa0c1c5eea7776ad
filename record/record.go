// Package record defines the data shapes that flow from the correlator
// through the geocoder to the sink.
package record

import "time"

// Reading is a single telemetry value joined with the position of the
// node that produced it, ready for geocoding.
type Reading struct {
	DeviceID       string    `json:"device_id"`
	NodeID         string    `json:"node_id"` // lowercase hex node id, no prefix
	ReadingType    string    `json:"reading_type"`
	Value          float64   `json:"value"`
	Unit           string    `json:"unit"`
	Timestamp      time.Time `json:"timestamp"`
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	BoardModel     string    `json:"board_model"`
	DeploymentType string    `json:"deployment_type,omitempty"`
	NetworkSource  string    `json:"network_source"`
	DataSource     string    `json:"data_source"` // constant network label, e.g. "MESHTASTIC_COMMUNITY"
}

// Enriched is a Reading after reverse geocoding has attached (or failed
// to attach) a locality.
type Enriched struct {
	Reading
	Country     string `json:"country"`     // lowercase ISO 3166-1 alpha-2, or "unknown"
	Subdivision string `json:"subdivision"` // lowercase ISO 3166-2 code, or "unknown"
}

// Topic returns the MQTT republish topic for this record.
func (e Enriched) Topic() string {
	return "wesense/v1/" + e.Country + "/" + e.Subdivision + "/" + e.DeviceID + "/" + e.ReadingType
}
