package fog

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/geojson"
)

const (
	// DefaultSnapThreshold is the maximum distance in meters a fix is moved
	// onto a road.
	DefaultSnapThreshold = 10.0

	// DefaultSnapRadius is the tilequery search radius in meters.
	DefaultSnapRadius = 15.0

	// DefaultMapboxURL is the Mapbox API root.
	DefaultMapboxURL = "https://api.mapbox.com"
)

// RoadSnapper moves a point onto the nearest road.
//
// SnapToRoad always returns a usable point: on failure it returns p along
// with an error wrapping ErrEnrichmentUnavailable, and when no road is within
// threshold meters it returns p and a nil error.
type RoadSnapper interface {
	SnapToRoad(ctx context.Context, p GeoPoint, threshold float64) (GeoPoint, error)
}

// MapboxRoadSnapper snaps using the Mapbox tilequery API on the streets
// tileset's road layer.
type MapboxRoadSnapper struct {
	baseURL string
	token   string
	radius  float64
	opts    []FetchOption
}

// NewMapboxRoadSnapper returns a snapper querying baseURL (DefaultMapboxURL
// when empty) within radius meters.
func NewMapboxRoadSnapper(baseURL, token string, radius float64, opts ...FetchOption) *MapboxRoadSnapper {
	if baseURL == "" {
		baseURL = DefaultMapboxURL
	}
	if radius <= 0 {
		radius = DefaultSnapRadius
	}
	return &MapboxRoadSnapper{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		radius:  radius,
		opts:    opts,
	}
}

func (s *MapboxRoadSnapper) queryURL(p GeoPoint) string {
	q := url.Values{}
	q.Set("radius", fmt.Sprintf("%g", s.radius))
	q.Set("layers", "road")
	q.Set("limit", "5")
	q.Set("access_token", s.token)
	return fmt.Sprintf("%s/v4/mapbox.mapbox-streets-v8/tilequery/%g,%g.json?%s",
		s.baseURL, p.Lon, p.Lat, q.Encode())
}

// SnapToRoad returns the nearest road point within threshold meters of p.
func (s *MapboxRoadSnapper) SnapToRoad(ctx context.Context, p GeoPoint, threshold float64) (GeoPoint, error) {
	fc := geojson.NewFeatureCollection()
	if err := FetchJSON(ctx, s.queryURL(p), fc, s.opts...); err != nil {
		return p, fmt.Errorf("%w: road snap: %v", ErrEnrichmentUnavailable, err)
	}

	best, bestDist := orb.Point{}, math.Inf(1)
	for _, f := range fc.Features {
		pt, ok := f.Geometry.(orb.Point)
		if !ok {
			continue
		}
		if d := geo.Distance(p.Orb(), pt); d < bestDist {
			best, bestDist = pt, d
		}
	}
	if bestDist > threshold {
		return p, nil
	}
	return PointFromOrb(best), nil
}
