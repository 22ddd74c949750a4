package fog

import (
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
)

// earthSurface is the surface of the sphere used by orb/geo, in m2.
var earthSurface = 4 * math.Pi * orb.EarthRadius * orb.EarthRadius

// Stats summarizes an explorer's exploration for display.
type Stats struct {
	ExplorerID            string   `json:"explorerId"`
	RegionCount           int      `json:"regionCount"`
	FixCount              int      `json:"fixCount"`
	DistanceMeters        float64  `json:"distanceMeters"`
	SessionDistanceMeters float64  `json:"sessionDistanceMeters"`
	ExploredAreaM2        float64  `json:"exploredAreaM2"`
	ExploredFraction      float64  `json:"exploredFraction"`
	Places                []string `json:"places,omitempty"`
}

// PathDistance returns the haversine length of path in meters.
func PathDistance(path []GeoPoint) float64 {
	total := 0.0
	for i := 1; i < len(path); i++ {
		total += geo.DistanceHaversine(path[i-1].Orb(), path[i].Orb())
	}
	return total
}

// ExploredArea returns the spherical area, in m2, cleared out of fog. It is
// read off the fog holes: every interior ring is explored, and every fog
// island sitting inside a hole gives its area back.
func ExploredArea(fog *FogGeometry) float64 {
	if fog == nil {
		return 0
	}
	world := WorldPolygon.Bound()
	area := 0.0
	for _, p := range fog.Polygons {
		if len(p) == 0 {
			continue
		}
		if p[0].Bound() != world {
			area -= math.Abs(geo.SignedArea(p[0]))
		}
		for _, hole := range p[1:] {
			area += math.Abs(geo.SignedArea(hole))
		}
	}
	return math.Max(area, 0)
}

// SessionPlaces returns the distinct place labels of the session's fixes,
// sorted.
func SessionPlaces(s ActiveSession) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, f := range s.Fixes {
		label := f.Place.Label()
		if label == "" {
			continue
		}
		if _, ok := seen[label]; ok {
			continue
		}
		seen[label] = struct{}{}
		out = append(out, label)
	}
	sort.Strings(out)
	return out
}

// ComputeStats combines the stored profile, the active session and the
// current fog.
func ComputeStats(explorerID string, profile Profile, session ActiveSession, fog *FogGeometry) Stats {
	sessionDistance := PathDistance(session.Path())
	explored := ExploredArea(fog)
	return Stats{
		ExplorerID:            explorerID,
		RegionCount:           profile.RegionCount,
		FixCount:              len(session.Fixes),
		DistanceMeters:        profile.DistanceMeters + sessionDistance,
		SessionDistanceMeters: sessionDistance,
		ExploredAreaM2:        explored,
		ExploredFraction:      explored / earthSurface,
		Places:                SessionPlaces(session),
	}
}
