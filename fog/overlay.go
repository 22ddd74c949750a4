package fog

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/peterstace/simplefeatures/geom"
)

// Polygon boolean operations. Geometry lives in orb types throughout the
// package; the overlay engine is reached through a WKB bridge.

// Difference returns a minus b.
func Difference(a, b orb.MultiPolygon) (orb.MultiPolygon, error) {
	if isEmpty(a) {
		return nil, nil
	}
	if isEmpty(b) || !a.Bound().Intersects(b.Bound()) {
		return a, nil
	}
	return overlay("difference", a, b, geom.Difference)
}

// Union returns the union of a and b.
func Union(a, b orb.MultiPolygon) (orb.MultiPolygon, error) {
	switch {
	case isEmpty(a):
		return b, nil
	case isEmpty(b):
		return a, nil
	case !a.Bound().Intersects(b.Bound()):
		out := make(orb.MultiPolygon, 0, len(a)+len(b))
		out = append(out, a...)
		return append(out, b...), nil
	}
	return overlay("union", a, b, geom.Union)
}

// UnionAll unions parts pairwise in a balanced tree.
func UnionAll(parts []orb.MultiPolygon) (orb.MultiPolygon, error) {
	if len(parts) == 0 {
		return nil, nil
	}
	level := make([]orb.MultiPolygon, len(parts))
	copy(level, parts)

	for len(level) > 1 {
		next := make([]orb.MultiPolygon, 0, (len(level)+1)/2)
		for i := 0; i+1 < len(level); i += 2 {
			u, err := Union(level[i], level[i+1])
			if err != nil {
				return nil, err
			}
			next = append(next, u)
		}
		if len(level)%2 == 1 {
			next = append(next, level[len(level)-1])
		}
		level = next
	}
	return level[0], nil
}

// overlayGrids are the precisions, in degrees, at which an operation that
// fails on the raw operands is retried after snapping both to the grid.
var overlayGrids = []float64{1e-9, 1e-7}

func overlay(op string, a, b orb.MultiPolygon, fn func(geom.Geometry, geom.Geometry) (geom.Geometry, error)) (orb.MultiPolygon, error) {
	ga, err := toOverlay(a)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: first operand: %v", ErrGeometryOperationFailed, op, err)
	}
	gb, err := toOverlay(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: second operand: %v", ErrGeometryOperationFailed, op, err)
	}

	out, err := apply(fn, ga, gb)
	for _, grid := range overlayGrids {
		if err == nil {
			break
		}
		sa, serr := snapToGrid(ga, grid)
		if serr != nil {
			continue
		}
		sb, serr := snapToGrid(gb, grid)
		if serr != nil {
			continue
		}
		if snapped, serr := apply(fn, sa, sb); serr == nil {
			out, err = snapped, nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrGeometryOperationFailed, op, err)
	}
	if out.IsEmpty() {
		return nil, nil
	}

	mp, err := fromOverlay(out)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrGeometryOperationFailed, op, err)
	}
	return mp, nil
}

func apply(fn func(geom.Geometry, geom.Geometry) (geom.Geometry, error), a, b geom.Geometry) (out geom.Geometry, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = geom.Geometry{}, fmt.Errorf("panicked: %v", r)
		}
	}()
	return fn(a, b)
}

// snapToGrid rounds every coordinate of g to a multiple of grid.
func snapToGrid(g geom.Geometry, grid float64) (geom.Geometry, error) {
	return g.TransformXY(func(xy geom.XY) geom.XY {
		return geom.XY{X: math.Round(xy.X/grid) * grid, Y: math.Round(xy.Y/grid) * grid}
	}, geom.DisableAllValidations)
}

func toOverlay(mp orb.MultiPolygon) (geom.Geometry, error) {
	data, err := wkb.Marshal(mp)
	if err != nil {
		return geom.Geometry{}, fmt.Errorf("encoding wkb: %w", err)
	}
	g, err := geom.UnmarshalWKB(data)
	if err != nil {
		return geom.Geometry{}, fmt.Errorf("decoding wkb: %w", err)
	}
	return g, nil
}

func fromOverlay(g geom.Geometry) (orb.MultiPolygon, error) {
	og, err := wkb.Unmarshal(g.AsBinary())
	if err != nil {
		return nil, fmt.Errorf("decoding wkb: %w", err)
	}
	// Overlay results may carry collapsed lines or points next to the
	// polygons; only the areal parts are kept.
	if c, ok := og.(orb.Collection); ok {
		var out orb.MultiPolygon
		for _, member := range c {
			switch v := member.(type) {
			case orb.Polygon:
				if len(v) > 0 {
					out = append(out, v)
				}
			case orb.MultiPolygon:
				out = append(out, v...)
			}
		}
		return out, nil
	}
	switch og.(type) {
	case orb.Polygon, orb.MultiPolygon:
		return asMultiPolygon(og)
	default:
		return nil, nil
	}
}

func isEmpty(mp orb.MultiPolygon) bool {
	for _, p := range mp {
		if len(p) > 0 && len(p[0]) > 0 {
			return false
		}
	}
	return true
}
