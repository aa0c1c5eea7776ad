package geocoder

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// OnlineResolver queries a Nominatim-compatible reverse-geocoding
// endpoint, rate-limited to one request per second as Nominatim's usage
// policy requires (original_source/utils/geocoder.py enforces the same
// limit).
type OnlineResolver struct {
	baseURL   string
	userAgent string
	client    *http.Client
	limiter   <-chan time.Time
}

// NewOnlineResolver builds a resolver against baseURL (e.g.
// "https://nominatim.openstreetmap.org/reverse").
func NewOnlineResolver(baseURL, userAgent string) *OnlineResolver {
	return &OnlineResolver{
		baseURL:   baseURL,
		userAgent: userAgent,
		client:    &http.Client{Timeout: 10 * time.Second},
		limiter:   time.Tick(1 * time.Second),
	}
}

type nominatimResponse struct {
	Address struct {
		Country    string `json:"country"`
		State      string `json:"state"`
		CountryCode string `json:"country_code"`
	} `json:"address"`
}

// Resolve blocks until the rate limiter admits a request, then queries
// the endpoint for lat/lon and returns the raw country/admin1 names
// (ISO-code mapping happens in the caller, mirroring
// original_source/utils/geocoder.py's separation of resolving from
// format_location_string).
func (o *OnlineResolver) Resolve(ctx context.Context, lat, lon float64) (countryName, admin1Name string, err error) {
	select {
	case <-o.limiter:
	case <-ctx.Done():
		return "", "", ctx.Err()
	}

	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(lat, 'f', 6, 64))
	q.Set("lon", strconv.FormatFloat(lon, 'f', 6, 64))
	q.Set("format", "jsonv2")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("User-Agent", o.userAgent)

	resp, err := o.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("geocoder: nominatim request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("geocoder: nominatim returned status %d", resp.StatusCode)
	}

	var parsed nominatimResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", "", fmt.Errorf("geocoder: decoding nominatim response: %w", err)
	}
	return parsed.Address.Country, parsed.Address.State, nil
}
