package fog

import (
	"errors"
	"fmt"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
)

const (
	// DefaultBufferRadius is the explored radius around the path, in meters.
	DefaultBufferRadius = 30.0

	// DefaultCircleSegments is the number of vertices used to approximate a
	// circle.
	DefaultCircleSegments = 64
)

// BufferOptions controls how a path is turned into an area.
type BufferOptions struct {
	Iterations int // Chaikin passes applied before buffering
	Segments   int // vertices per circle
}

// DefaultBufferOptions returns the default smoothing and circle resolution.
func DefaultBufferOptions() BufferOptions {
	return BufferOptions{Iterations: DefaultSmoothingIterations, Segments: DefaultCircleSegments}
}

func (o BufferOptions) segments() int {
	if o.Segments < 8 {
		return DefaultCircleSegments
	}
	return o.Segments
}

// Circle approximates the geodesic circle of radius meters around center.
// The ring is counter-clockwise and closed.
func Circle(center GeoPoint, radius float64, segments int) orb.Polygon {
	c := center.Orb()
	ring := make(orb.Ring, 0, segments+1)
	for i := range segments {
		// Bearings run clockwise, so walk them backwards.
		bearing := 360 - 360*float64(i)/float64(segments)
		ring = append(ring, geo.PointAtBearingAndDistance(c, bearing, radius))
	}
	ring = append(ring, ring[0])
	return orb.Polygon{ring}
}

// BufferPath returns the area within radius meters of the smoothed path.
// A single point yields a circle; longer paths yield the union of one
// stadium (the hull of two end circles) per smoothed segment.
func BufferPath(points []GeoPoint, radius float64, opts BufferOptions) (orb.MultiPolygon, error) {
	if len(points) == 0 {
		return nil, nil
	}
	if radius <= 0 {
		return nil, fmt.Errorf("%w: buffer radius %v must be positive", ErrGeometryOperationFailed, radius)
	}

	segments := opts.segments()
	if len(points) == 1 {
		return orb.MultiPolygon{Circle(points[0], radius, segments)}, nil
	}

	smoothed := Smooth(points, opts.Iterations)
	circles := make([]orb.Ring, len(smoothed))
	for i, p := range smoothed {
		circles[i] = Circle(p, radius, segments)[0]
	}

	parts := make([]orb.MultiPolygon, 0, len(smoothed)-1)
	for i := 0; i < len(smoothed)-1; i++ {
		if smoothed[i] == smoothed[i+1] {
			continue
		}
		parts = append(parts, orb.MultiPolygon{stadium(circles[i], circles[i+1])})
	}
	if len(parts) == 0 {
		return orb.MultiPolygon{{circles[0]}}, nil
	}

	area, err := UnionAll(parts)
	if err != nil {
		return nil, fmt.Errorf("buffering %d points: %w", len(points), err)
	}
	return area, nil
}

// stadium is the convex hull of two circle rings.
func stadium(a, b orb.Ring) orb.Polygon {
	pts := make([]orb.Point, 0, len(a)+len(b))
	pts = append(pts, a[:len(a)-1]...)
	pts = append(pts, b[:len(b)-1]...)

	hull := convexHull(pts)
	if len(hull) > 0 && hull[0] != hull[len(hull)-1] {
		hull = append(hull, hull[0])
	}
	return orb.Polygon{orb.Ring(hull)}
}

// convexHull computes the convex hull of a set of 2D points using
// Andrew's monotone chain. Returns points in counter-clockwise order.
func convexHull(points []orb.Point) []orb.Point {
	if len(points) < 3 {
		result := make([]orb.Point, len(points))
		copy(result, points)
		return result
	}

	sorted := make([]orb.Point, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i][0] != sorted[j][0] {
			return sorted[i][0] < sorted[j][0]
		}
		return sorted[i][1] < sorted[j][1]
	})

	cross := func(o, a, b orb.Point) float64 {
		return (a[0]-o[0])*(b[1]-o[1]) - (a[1]-o[1])*(b[0]-o[0])
	}

	n := len(sorted)
	hull := make([]orb.Point, 0, 2*n)

	// Lower hull
	for _, p := range sorted {
		for len(hull) >= 2 && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}

	// Upper hull
	lower := len(hull) + 1
	for i := n - 2; i >= 0; i-- {
		p := sorted[i]
		for len(hull) >= lower && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}

	return hull[:len(hull)-1]
}

// ---------------------------------------------------------------------------
// Footprint
// ---------------------------------------------------------------------------

// footprintWindow is the number of trailing points re-buffered per update.
// Chaikin smoothing is local: after k passes a smoothed vertex depends on at
// most k+1 consecutive input points. A window of 2k+5 points overlaps the
// unchanged prefix of the smoothed curve, so the union of per-update windows
// always covers the buffer of the whole path.
func footprintWindow(iterations int) int {
	if iterations < 0 {
		iterations = 0
	}
	return 2*iterations + 5
}

// Footprint is the explored area of the active session, grown one fix at a
// time. The area only ever grows, so fog never returns where it was cleared
// during the session.
type Footprint struct {
	radius   float64
	opts     BufferOptions
	area     orb.MultiPolygon
	count    int
	revision uint64

	buffer func(path []GeoPoint, radius float64, opts BufferOptions) (orb.MultiPolygon, error)
	union  func(a, b orb.MultiPolygon) (orb.MultiPolygon, error)
}

// NewFootprint returns an empty footprint.
func NewFootprint(radius float64, opts BufferOptions) *Footprint {
	return &Footprint{radius: radius, opts: opts, buffer: BufferPath, union: Union}
}

// Area returns the current explored area. Callers must not modify it.
func (f *Footprint) Area() orb.MultiPolygon { return f.area }

// Count returns how many path points have been folded in.
func (f *Footprint) Count() int { return f.count }

// Revision changes whenever the area changes.
func (f *Footprint) Revision() uint64 { return f.revision }

// Extend folds path[f.Count():] into the footprint. Every point is folded
// even when some windows fail; the failures are joined in the returned error.
func (f *Footprint) Extend(path []GeoPoint) error {
	w := footprintWindow(f.opts.Iterations)
	var errs []error
	for f.count < len(path) {
		end := f.count + 1
		if err := f.merge(path, max(0, end-w), end); err != nil {
			errs = append(errs, err)
		}
		f.count = end
	}
	return errors.Join(errs...)
}

// Touch re-buffers the neighbourhood of path[i] after its coordinate moved.
func (f *Footprint) Touch(path []GeoPoint, i int) error {
	if i < 0 || i >= len(path) {
		return nil
	}
	w := footprintWindow(f.opts.Iterations)
	return f.merge(path, max(0, i-w), min(len(path), i+w+1))
}

// merge unions the buffer of path[lo:hi] into the area. When the window
// cannot be merged the area is rebuilt from every point folded so far.
func (f *Footprint) merge(path []GeoPoint, lo, hi int) error {
	buf, err := f.buffer(path[lo:hi], f.radius, f.opts)
	if err == nil {
		var area orb.MultiPolygon
		if area, err = f.union(f.area, buf); err == nil {
			f.set(area)
			return nil
		}
	}
	return f.rebuild(path[:max(hi, min(f.count, len(path)))], err)
}

// rebuild replaces the window merge that failed with cause by a buffer of
// the whole of path. If that buffer cannot be unioned with the current area
// it becomes the area on its own: it still covers every fix of the path.
func (f *Footprint) rebuild(path []GeoPoint, cause error) error {
	full, err := f.buffer(path, f.radius, f.opts)
	if err != nil {
		return errors.Join(cause, err)
	}
	area, err := f.union(f.area, full)
	if err != nil {
		area = full
	}
	f.set(area)
	return nil
}

func (f *Footprint) set(area orb.MultiPolygon) {
	f.area = area
	f.revision++
}

// BuildFootprint replays path through a fresh Footprint. Windows that fail
// to buffer are skipped and reported in the returned error.
func BuildFootprint(path []GeoPoint, radius float64, opts BufferOptions) (orb.MultiPolygon, error) {
	fp := NewFootprint(radius, opts)
	err := fp.Extend(path)
	return fp.Area(), err
}
