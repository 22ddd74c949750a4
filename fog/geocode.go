package fog

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// Geocoder resolves place names. Failures wrap ErrEnrichmentUnavailable.
type Geocoder interface {
	// Reverse returns the city and region containing p.
	Reverse(ctx context.Context, p GeoPoint) (*Place, error)
	// Forward returns the centre point of the best match for query.
	Forward(ctx context.Context, query string) (GeoPoint, string, error)
}

// MapboxGeocoder uses the Mapbox places geocoding endpoint.
type MapboxGeocoder struct {
	baseURL string
	token   string
	opts    []FetchOption
}

// NewMapboxGeocoder returns a geocoder querying baseURL (DefaultMapboxURL
// when empty).
func NewMapboxGeocoder(baseURL, token string, opts ...FetchOption) *MapboxGeocoder {
	if baseURL == "" {
		baseURL = DefaultMapboxURL
	}
	return &MapboxGeocoder{baseURL: strings.TrimRight(baseURL, "/"), token: token, opts: opts}
}

type placesResponse struct {
	Features []placeFeature `json:"features"`
}

type placeFeature struct {
	PlaceType []string  `json:"place_type"`
	Text      string    `json:"text"`
	PlaceName string    `json:"place_name"`
	Center    []float64 `json:"center"`
	Context   []struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"context"`
}

func (f placeFeature) is(kind string) bool {
	for _, t := range f.PlaceType {
		if t == kind {
			return true
		}
	}
	return false
}

func (g *MapboxGeocoder) placesURL(query string, params url.Values) string {
	params.Set("access_token", g.token)
	return fmt.Sprintf("%s/geocoding/v5/mapbox.places/%s.json?%s",
		g.baseURL, url.PathEscape(query), params.Encode())
}

// Reverse looks up the place and region containing p.
func (g *MapboxGeocoder) Reverse(ctx context.Context, p GeoPoint) (*Place, error) {
	params := url.Values{}
	params.Set("types", "place,region")
	u := g.placesURL(fmt.Sprintf("%g,%g", p.Lon, p.Lat), params)

	var resp placesResponse
	if err := FetchJSON(ctx, u, &resp, g.opts...); err != nil {
		return nil, fmt.Errorf("%w: reverse geocode: %v", ErrEnrichmentUnavailable, err)
	}

	place := &Place{}
	for _, f := range resp.Features {
		switch {
		case f.is("place") && place.City == "":
			place.City = f.Text
			for _, c := range f.Context {
				if strings.HasPrefix(c.ID, "region.") && place.Region == "" {
					place.Region = c.Text
				}
			}
		case f.is("region") && place.Region == "":
			place.Region = f.Text
		}
	}
	if place.City == "" && place.Region == "" {
		return nil, fmt.Errorf("%w: reverse geocode: no place at %v,%v", ErrEnrichmentUnavailable, p.Lon, p.Lat)
	}
	return place, nil
}

// Forward returns the centre of the first match for query and its full
// place name.
func (g *MapboxGeocoder) Forward(ctx context.Context, query string) (GeoPoint, string, error) {
	if strings.TrimSpace(query) == "" {
		return GeoPoint{}, "", fmt.Errorf("%w: forward geocode: empty query", ErrEnrichmentUnavailable)
	}
	params := url.Values{}
	params.Set("limit", "1")
	u := g.placesURL(query, params)

	var resp placesResponse
	if err := FetchJSON(ctx, u, &resp, g.opts...); err != nil {
		return GeoPoint{}, "", fmt.Errorf("%w: forward geocode: %v", ErrEnrichmentUnavailable, err)
	}
	if len(resp.Features) == 0 || len(resp.Features[0].Center) != 2 {
		return GeoPoint{}, "", fmt.Errorf("%w: forward geocode: no match for %q", ErrEnrichmentUnavailable, query)
	}
	f := resp.Features[0]
	return GeoPoint{Lon: f.Center[0], Lat: f.Center[1]}, f.PlaceName, nil
}
