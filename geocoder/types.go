// Package geocoder turns coordinates into a country/subdivision locality
// pair, using a small on-disk cache backed by an offline gazetteer and an
// online fallback.
package geocoder

// Locality is a resolved (or unresolved) place name pair.
type Locality struct {
	Country     string // lowercase ISO 3166-1 alpha-2, or "unknown"
	Subdivision string // lowercase ISO 3166-2 code, or "unknown"
}

// Unknown is returned for coordinates nothing could resolve.
var Unknown = Locality{Country: "unknown", Subdivision: "unknown"}

// place is one entry in the offline gazetteer.
type place struct {
	Name        string
	CountryCode string
	Admin1      string
	Lat, Lon    float64
}
