package geocoder

import (
	"strings"

	"github.com/biter777/countries"
)

// CountryCode resolves a country name to its lowercase ISO 3166-1 alpha-2
// code, using the biter777/countries lookup table. Unrecognized names
// resolve to "unknown" rather than an error, since a locality name the
// gazetteer or Nominatim returns is never guaranteed to match a known
// country string.
func CountryCode(name string) string {
	if name == "" {
		return "unknown"
	}
	c := countries.ByName(name)
	if c == countries.Unknown {
		return "unknown"
	}
	return strings.ToLower(c.Alpha2())
}

// subdivisionCodes maps (country code, admin1 name) to a lowercase ISO
// 3166-2 subdivision code. countries doesn't carry subdivision-level
// data, so this table is hand-seeded from the regions this pipeline
// actually sees and is meant to be extended one line at a time.
var subdivisionCodes = map[string]string{
	"nz|Auckland":            "auk",
	"nz|Wellington":          "wgn",
	"nz|Canterbury":          "can",
	"nz|Otago":               "ota",
	"au|New South Wales":     "nsw",
	"au|Victoria":            "vic",
	"au|Queensland":          "qld",
	"au|Western Australia":   "wa",
	"us|California":          "ca",
	"us|Washington":          "wa",
	"us|Oregon":              "or",
	"us|New York":            "ny",
	"gb|England":             "eng",
	"gb|Scotland":            "sct",
	"gb|Wales":               "wls",
	"ca|Ontario":             "on",
	"ca|British Columbia":    "bc",
	"de|Bavaria":             "by",
	"de|Berlin":              "be",
}

// SubdivisionCode resolves a country code and admin1 (state/province)
// name to a lowercase ISO 3166-2 code, or "unknown" if the pair isn't in
// the table.
func SubdivisionCode(countryCode, admin1Name string) string {
	if countryCode == "" || admin1Name == "" {
		return "unknown"
	}
	if code, ok := subdivisionCodes[countryCode+"|"+admin1Name]; ok {
		return code
	}
	return "unknown"
}
