package fog

import (
	"encoding/json"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Layer names used in feature properties so a rendering surface can style
// each source separately.
const (
	LayerFog     = "fog"
	LayerRegion  = "region"
	LayerPath    = "path"
	LayerFix     = "fix"
	LayerExplore = "explored"
)

// FogFeatureCollection returns the fog as a single-feature collection, the
// source a map layer updates in place with setData.
func FogFeatureCollection(explorerID string, fog *FogGeometry) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	if fog == nil {
		return fc
	}

	var g orb.Geometry = fog.Polygons
	if len(fog.Polygons) == 1 {
		g = fog.Polygons[0]
	}
	f := geojson.NewFeature(g)
	f.ID = explorerID + ":fog"
	f.Properties["layer"] = LayerFog
	f.Properties["explorer"] = explorerID
	f.Properties["holes"] = fog.HoleCount()
	if !fog.ComputedAt.IsZero() {
		f.Properties["computedAt"] = fog.ComputedAt.UTC().Format(time.RFC3339Nano)
	}
	if len(fog.Skipped) > 0 {
		f.Properties["skipped"] = fog.Skipped
	}
	fc.Append(f)
	return fc
}

// RegionsFeatureCollection returns one feature per archived region.
func RegionsFeatureCollection(regions []ArchivedRegion) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, r := range regions {
		f := r.Feature()
		f.Properties["layer"] = LayerRegion
		fc.Append(f)
	}
	return fc
}

// SessionFeatureCollection returns the active session as a path LineString,
// one Point per fix and, when non-empty, the explored area so far.
func SessionFeatureCollection(explorerID string, s ActiveSession, explored orb.MultiPolygon) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()

	if len(s.Fixes) > 1 {
		line := make(orb.LineString, len(s.Fixes))
		for i, fix := range s.Fixes {
			line[i] = fix.Point.Orb()
		}
		f := geojson.NewFeature(line)
		f.Properties["layer"] = LayerPath
		f.Properties["explorer"] = explorerID
		f.Properties["startedAt"] = s.StartedAt.UTC().Format(time.RFC3339Nano)
		fc.Append(f)
	}

	for _, fix := range s.Fixes {
		f := geojson.NewFeature(fix.Point.Orb())
		f.ID = fix.ID
		f.Properties["layer"] = LayerFix
		f.Properties["timestamp"] = fix.Timestamp.UTC().Format(time.RFC3339Nano)
		if fix.Snapped {
			f.Properties["snapped"] = true
		}
		if label := fix.Place.Label(); label != "" {
			f.Properties["place"] = label
		}
		fc.Append(f)
	}

	if !isEmpty(explored) {
		f := geojson.NewFeature(explored)
		f.Properties["layer"] = LayerExplore
		f.Properties["explorer"] = explorerID
		fc.Append(f)
	}
	return fc
}

// FogMessage is the payload pushed to live subscribers on every fog change.
type FogMessage struct {
	Type     string                     `json:"type"`
	Explorer string                     `json:"explorer"`
	Sequence uint64                     `json:"sequence"`
	Fog      *geojson.FeatureCollection `json:"fog"`
	Status   Status                     `json:"status"`
}

// EncodeFogMessage renders u as a FogMessage.
func EncodeFogMessage(u *FogUpdate) ([]byte, error) {
	return json.Marshal(FogMessage{
		Type:     "fog",
		Explorer: u.ExplorerID,
		Sequence: u.Sequence,
		Fog:      FogFeatureCollection(u.ExplorerID, u.Fog),
		Status:   u.Status,
	})
}
