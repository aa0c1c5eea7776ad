package geocoder

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"

	"github.com/golang/geo/s2"
)

const earthRadiusMeters = 6371000.0

// Gazetteer is a small in-memory table of populated places used for
// fast, offline nearest-neighbour reverse geocoding, in the manner of
// internal/spatial.HaversineDistance from the jengzang records backend.
// A linear scan is fine here: the gazetteer is meant to hold thousands,
// not millions, of entries, and lookups target sub-5ms latency.
type Gazetteer struct {
	places []place
}

// LoadGazetteer reads a CSV of name,country_code,admin1,lat,lon rows.
func LoadGazetteer(path string) (*Gazetteer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("geocoder: opening gazetteer %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(bufio.NewReader(f))
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("geocoder: parsing gazetteer %s: %w", path, err)
	}

	g := &Gazetteer{places: make([]place, 0, len(rows))}
	for _, row := range rows {
		if len(row) < 5 {
			continue
		}
		lat, err1 := strconv.ParseFloat(row[3], 64)
		lon, err2 := strconv.ParseFloat(row[4], 64)
		if err1 != nil || err2 != nil {
			continue
		}
		g.places = append(g.places, place{
			Name:        row[0],
			CountryCode: row[1],
			Admin1:      row[2],
			Lat:         lat,
			Lon:         lon,
		})
	}
	return g, nil
}

// haversineMeters returns the great-circle distance between two points.
func haversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	p1 := s2.LatLngFromDegrees(lat1, lon1)
	p2 := s2.LatLngFromDegrees(lat2, lon2)
	return p1.Distance(p2).Radians() * earthRadiusMeters
}

// Nearest returns the closest gazetteer entry to (lat, lon), or false if
// the gazetteer is empty.
func (g *Gazetteer) Nearest(lat, lon float64) (place, bool) {
	if len(g.places) == 0 {
		return place{}, false
	}
	best := g.places[0]
	bestDist := haversineMeters(lat, lon, best.Lat, best.Lon)
	for _, p := range g.places[1:] {
		d := haversineMeters(lat, lon, p.Lat, p.Lon)
		if d < bestDist {
			best, bestDist = p, d
		}
	}
	return best, true
}

// Len reports how many places are loaded.
func (g *Gazetteer) Len() int {
	return len(g.places)
}
