package fog

import (
	"errors"
	"math"
	"slices"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/planar"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// walk returns n points heading north-east from (lon, lat) with step degrees
// between them.
func walk(lon, lat float64, n int, step float64) []GeoPoint {
	out := make([]GeoPoint, n)
	for i := range n {
		out[i] = GeoPoint{Lon: lon + float64(i)*step, Lat: lat + float64(i)*step*0.5}
	}
	return out
}

func TestCircle_Shape(t *testing.T) {
	center := GeoPoint{Lon: -97.44, Lat: 35.22}
	c := Circle(center, 30, 64)

	require.Len(t, c, 1)
	require.Len(t, c[0], 65)
	assert.Equal(t, c[0][0], c[0][64], "ring must be closed")

	for _, p := range c[0] {
		assert.InDelta(t, 30, geo.Distance(center.Orb(), p), 0.01)
	}
	assert.Greater(t, planarSignedArea(c[0]), 0.0, "ring should be counter-clockwise")
}

func TestBufferPath_SinglePoint(t *testing.T) {
	area, err := BufferPath([]GeoPoint{{Lon: 10, Lat: 50}}, 30, DefaultBufferOptions())
	require.NoError(t, err)
	require.Len(t, area, 1)

	want := math.Pi * 30 * 30
	assert.InEpsilon(t, want, geo.Area(area), 0.02)
}

func TestBufferPath_Empty(t *testing.T) {
	area, err := BufferPath(nil, 30, DefaultBufferOptions())
	require.NoError(t, err)
	assert.Nil(t, area)
}

func TestBufferPath_InvalidRadius(t *testing.T) {
	_, err := BufferPath([]GeoPoint{{1, 1}}, 0, DefaultBufferOptions())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrGeometryOperationFailed))
}

func TestBufferPath_CorridorIsOneConnectedPolygon(t *testing.T) {
	// Points ~11 m apart on a 30 m radius overlap into a single corridor.
	path := []GeoPoint{
		{Lon: -97.4400, Lat: 35.2200},
		{Lon: -97.4400, Lat: 35.2201},
		{Lon: -97.4400, Lat: 35.2202},
	}

	area, err := BufferPath(path, 30, DefaultBufferOptions())
	require.NoError(t, err)
	require.Len(t, area, 1, "expected one polygon, got %d", len(area))
	assert.Len(t, area[0], 1, "corridor should not have holes")

	for _, p := range path {
		assert.True(t, planar.MultiPolygonContains(area, p.Orb()), "corridor should contain %v", p)
	}

	// Elongated: longer north-south than a single circle.
	b := area.Bound()
	assert.Greater(t, b.Max.Lat()-b.Min.Lat(), b.Max.Lon()-b.Min.Lon())
}

func TestBufferPath_DistantPointsStayConnected(t *testing.T) {
	// Fixes 500 m apart still produce a continuous corridor, not separate
	// circles.
	path := []GeoPoint{{Lon: 0, Lat: 0}, {Lon: 0, Lat: 0.0045}, {Lon: 0, Lat: 0.009}}

	area, err := BufferPath(path, 30, DefaultBufferOptions())
	require.NoError(t, err)
	assert.Len(t, area, 1)
	assert.True(t, planar.MultiPolygonContains(area, orb.Point{0, 0.00225}))
}

func TestBufferPath_RepeatedPointsBecomeCircle(t *testing.T) {
	p := GeoPoint{Lon: 3, Lat: 4}
	area, err := BufferPath([]GeoPoint{p, p, p}, 30, DefaultBufferOptions())
	require.NoError(t, err)
	require.Len(t, area, 1)
	assert.True(t, planar.MultiPolygonContains(area, p.Orb()))
}

func TestConvexHull_Square(t *testing.T) {
	pts := []orb.Point{{0, 0}, {1, 0}, {1, 1}, {0, 1}, {0.5, 0.5}}
	hull := convexHull(pts)
	assert.Len(t, hull, 4)
}

func TestFootprint_MonotonicGrowth(t *testing.T) {
	path := []GeoPoint{
		{Lon: 0, Lat: 0},
		{Lon: 0.0003, Lat: 0},
		{Lon: 0.0003, Lat: 0.0003},
		{Lon: 0, Lat: 0.0003},
		{Lon: 0, Lat: 0.0006},
		{Lon: 0.0006, Lat: 0.0006},
	}
	fp := NewFootprint(30, DefaultBufferOptions())

	prev := 0.0
	for i := range path {
		require.NoError(t, fp.Extend(path[:i+1]))
		a := geo.Area(fp.Area())
		assert.GreaterOrEqual(t, a, prev-1e-6, "area shrank at fix %d", i)
		prev = a
	}
	assert.Equal(t, len(path), fp.Count())
}

func TestFootprint_CoversWholePathBuffer(t *testing.T) {
	path := walk(8.5, 47.3, 25, 0.0002)

	fp, err := BuildFootprint(path, 30, DefaultBufferOptions())
	require.NoError(t, err)

	full, err := BufferPath(path, 30, DefaultBufferOptions())
	require.NoError(t, err)

	uncovered, err := Difference(full, fp)
	require.NoError(t, err)
	assert.Less(t, geo.Area(uncovered), 1.0, "footprint should cover the full path buffer")
}

func TestFootprint_Touch(t *testing.T) {
	path := walk(0, 0, 6, 0.0002)
	fp := NewFootprint(30, DefaultBufferOptions())
	require.NoError(t, fp.Extend(path))
	rev := fp.Revision()

	moved := append([]GeoPoint(nil), path...)
	moved[3] = GeoPoint{Lon: moved[3].Lon, Lat: moved[3].Lat + 0.001}
	require.NoError(t, fp.Touch(moved, 3))

	assert.Greater(t, fp.Revision(), rev)
	assert.True(t, planar.MultiPolygonContains(fp.Area(), moved[3].Orb()))
	assert.True(t, planar.MultiPolygonContains(fp.Area(), path[3].Orb()), "previously explored area is kept")
}

func TestFootprint_FailedMergeRebuildsFromPath(t *testing.T) {
	path := walk(0, 0, 6, 0.0002)
	path[3].Lat += 0.001

	fp := NewFootprint(30, DefaultBufferOptions())
	calls := 0
	fp.union = func(a, b orb.MultiPolygon) (orb.MultiPolygon, error) {
		calls++
		if calls%2 == 0 {
			return nil, ErrGeometryOperationFailed
		}
		return Union(a, b)
	}
	require.NoError(t, fp.Extend(path))
	assert.Equal(t, len(path), fp.Count())

	full, err := BufferPath(path, 30, DefaultBufferOptions())
	require.NoError(t, err)
	for i, p := range path {
		assert.True(t, planar.MultiPolygonContains(fp.Area(), p.Orb()), "fix %d", i)
	}
	assert.GreaterOrEqual(t, geo.Area(fp.Area()), geo.Area(full)*0.99)
}

func TestFootprint_ExtendFoldsPastFailures(t *testing.T) {
	path := walk(8.5, 47.3, 10, 0.0002)
	bad := path[7]
	errBuffer := errors.New("buffer failed")

	fp := NewFootprint(30, BufferOptions{Iterations: 0, Segments: 16})
	fp.buffer = func(window []GeoPoint, radius float64, opts BufferOptions) (orb.MultiPolygon, error) {
		if slices.Contains(window, bad) {
			return nil, errBuffer
		}
		return BufferPath(window, radius, opts)
	}

	err := fp.Extend(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, errBuffer)
	assert.Equal(t, len(path), fp.Count(), "every point is folded")
	for i := range 7 {
		assert.True(t, planar.MultiPolygonContains(fp.Area(), path[i].Orb()), "fix %d", i)
	}

	joined, ok := err.(interface{ Unwrap() []error })
	require.True(t, ok)
	assert.Len(t, joined.Unwrap(), 3, "one error per failed point")
}

func planarSignedArea(r orb.Ring) float64 {
	sum := 0.0
	for i := 0; i < len(r)-1; i++ {
		sum += r[i][0]*r[i+1][1] - r[i+1][0]*r[i][1]
	}
	return sum / 2
}
